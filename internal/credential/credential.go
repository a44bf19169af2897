package credential

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"trust-triangle/go-backend/pkg/models"
)

const DefaultEmployerName = "AscentHR Organization"

var (
	ErrInvalidPayPeriod   = errors.New("pay period must use YYYY-MM")
	ErrInvalidPaymentMode = errors.New("unsupported payment mode")
	ErrMissingField       = errors.New("required credential field is empty")
	ErrSignerRequired     = errors.New("credential signer is required")
)

type Signer interface {
	NodeID() string
	Sign(payload []byte) ([]byte, error)
}

type Verifier interface {
	Verify(payload, signature []byte, nodeID string) (bool, error)
}

// Employer describes the issuing organisation stamped into every credential.
type Employer struct {
	Name                   string
	PayrollProcessorNodeID string
	PayrollProcessorName   string
}

func NewID() string {
	return uuid.NewString()
}

// Issue builds the credential for an approved request and signs it.
func Issue(signer Signer, req models.PendingCredentialRequest, employer Employer, now time.Time) (models.SignedIncomeCredential, error) {
	if signer == nil {
		return models.SignedIncomeCredential{}, ErrSignerRequired
	}
	name := strings.TrimSpace(employer.Name)
	if name == "" {
		name = DefaultEmployerName
	}
	cred := models.IncomeCredential{
		ID:             NewID(),
		EmployeeNodeID: req.EmployeeNodeID,
		EmployeeName:   req.EmployeeName,
		EmployerNodeID: signer.NodeID(),
		EmployerName:   name,
		GrossSalary:    req.GrossSalary,
		NetSalary:      req.NetSalary,
		Currency:       req.Currency,
		PayPeriod:      req.PayPeriod,
		PaymentMode:    req.PaymentMode,
		IssuedAt:       now.UTC().Format(time.RFC3339),
	}
	if employer.PayrollProcessorNodeID != "" && employer.PayrollProcessorName != "" {
		cred.PayrollProcessorNodeID = employer.PayrollProcessorNodeID
		cred.PayrollProcessorName = employer.PayrollProcessorName
	}
	sig, err := signer.Sign(SigningBytes(cred))
	if err != nil {
		return models.SignedIncomeCredential{}, fmt.Errorf("sign credential: %w", err)
	}
	return models.SignedIncomeCredential{Credential: cred, Signature: sig}, nil
}

// Verify checks the signature against the employer node id carried in the
// credential. A false result with nil error is a well-formed but invalid signature.
func Verify(v Verifier, signed models.SignedIncomeCredential) (bool, error) {
	return v.Verify(SigningBytes(signed.Credential), signed.Signature, signed.Credential.EmployerNodeID)
}

// Statement is the human-readable claim the issuer attests to.
func Statement(c models.IncomeCredential) string {
	payrollInfo := ""
	if c.PayrollProcessorNodeID != "" && c.PayrollProcessorName != "" {
		payrollInfo = fmt.Sprintf(", processed by %s (%s)", c.PayrollProcessorName, c.PayrollProcessorNodeID)
	}
	return fmt.Sprintf(
		"%s (%s) certifies that %s (%s) received a gross salary of %s %s and net salary of %s %s for the pay period %s via %s%s",
		c.EmployerName,
		c.EmployerNodeID,
		c.EmployeeName,
		c.EmployeeNodeID,
		c.GrossSalary,
		c.Currency,
		c.NetSalary,
		c.Currency,
		c.PayPeriod,
		c.PaymentMode.DisplayName(),
		payrollInfo,
	)
}

// SigningBytes covers the statement plus the credential id and issue time.
func SigningBytes(c models.IncomeCredential) []byte {
	statement := Statement(c)
	b := make([]byte, 0, len(statement)+len(c.ID)+len(c.IssuedAt)+2)
	b = append(b, []byte(statement)...)
	b = append(b, 0)
	b = append(b, []byte(c.ID)...)
	b = append(b, 0)
	b = append(b, []byte(c.IssuedAt)...)
	return b
}

func ValidatePayPeriod(period string) error {
	if len(period) != len("2006-01") {
		return ErrInvalidPayPeriod
	}
	if _, err := time.Parse("2006-01", period); err != nil {
		return ErrInvalidPayPeriod
	}
	return nil
}

// ValidateRequest checks the salary fields an employee submits.
func ValidateRequest(req models.PendingCredentialRequest) error {
	fields := []struct{ name, value string }{
		{"employeeNodeId", req.EmployeeNodeID},
		{"employeeName", req.EmployeeName},
		{"grossSalary", req.GrossSalary},
		{"netSalary", req.NetSalary},
		{"currency", req.Currency},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			return fmt.Errorf("%w: %s", ErrMissingField, f.name)
		}
	}
	if !req.PaymentMode.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPaymentMode, req.PaymentMode)
	}
	return ValidatePayPeriod(req.PayPeriod)
}
