package models

import (
	"strings"
	"time"
)

type Role string

const (
	RoleEmployee Role = "employee"
	RoleIssuer   Role = "issuer"
	RoleVerifier Role = "verifier"
)

func ParseRole(raw string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleEmployee:
		return RoleEmployee, true
	case RoleIssuer:
		return RoleIssuer, true
	case RoleVerifier:
		return RoleVerifier, true
	default:
		return "", false
	}
}

type PaymentMode string

const (
	PaymentModeBankTransfer PaymentMode = "bank_transfer"
	PaymentModeCrypto       PaymentMode = "crypto"
	PaymentModeCheck        PaymentMode = "check"
	PaymentModeCash         PaymentMode = "cash"
	PaymentModeOther        PaymentMode = "other"
)

func (m PaymentMode) Valid() bool {
	switch m {
	case PaymentModeBankTransfer, PaymentModeCrypto, PaymentModeCheck, PaymentModeCash, PaymentModeOther:
		return true
	default:
		return false
	}
}

// DisplayName is the human form used inside the signed statement.
func (m PaymentMode) DisplayName() string {
	switch m {
	case PaymentModeBankTransfer:
		return "Bank Transfer"
	case PaymentModeCrypto:
		return "Cryptocurrency"
	case PaymentModeCheck:
		return "Check"
	case PaymentModeCash:
		return "Cash"
	default:
		return "Other"
	}
}

type NodeInfo struct {
	NodeID    string `json:"nodeId"`
	SecretKey string `json:"secretKey,omitempty"`
	Role      Role   `json:"role"`
}

type IncomeCredential struct {
	ID                     string      `json:"id"`
	EmployeeNodeID         string      `json:"employeeNodeId"`
	EmployeeName           string      `json:"employeeName"`
	EmployerNodeID         string      `json:"employerNodeId"`
	EmployerName           string      `json:"employerName"`
	PayrollProcessorNodeID string      `json:"payrollProcessorNodeId,omitempty"`
	PayrollProcessorName   string      `json:"payrollProcessorName,omitempty"`
	GrossSalary            string      `json:"grossSalary"`
	NetSalary              string      `json:"netSalary"`
	Currency               string      `json:"currency"`
	PayPeriod              string      `json:"payPeriod"`
	PaymentMode            PaymentMode `json:"paymentMode"`
	IssuedAt               string      `json:"issuedAt"`
}

type SignedIncomeCredential struct {
	Credential IncomeCredential `json:"credential"`
	Signature  []byte           `json:"signature"`
}

func (c SignedIncomeCredential) Clone() SignedIncomeCredential {
	c.Signature = append([]byte(nil), c.Signature...)
	return c
}

type RequestStatus string

const (
	RequestStatusPending  RequestStatus = "pending"
	RequestStatusApproved RequestStatus = "approved"
	RequestStatusRejected RequestStatus = "rejected"
)

type PendingCredentialRequest struct {
	RequestID      string        `json:"requestId"`
	EmployeeNodeID string        `json:"employeeNodeId"`
	EmployeeName   string        `json:"employeeName"`
	GrossSalary    string        `json:"grossSalary"`
	NetSalary      string        `json:"netSalary"`
	Currency       string        `json:"currency"`
	PayPeriod      string        `json:"payPeriod"`
	PaymentMode    PaymentMode   `json:"paymentMode"`
	RequestedAt    time.Time     `json:"requestedAt"`
	Status         RequestStatus `json:"status"`
}

type ReceivedCredentialResponse struct {
	RequestID    string                  `json:"requestId"`
	Credential   *SignedIncomeCredential `json:"credential,omitempty"`
	Error        string                  `json:"error,omitempty"`
	ReceivedAt   time.Time               `json:"receivedAt"`
	IssuerNodeID string                  `json:"issuerNodeId"`
}

func (r ReceivedCredentialResponse) Clone() ReceivedCredentialResponse {
	if r.Credential != nil {
		cred := r.Credential.Clone()
		r.Credential = &cred
	}
	return r
}

type VerifiedCredentialRecord struct {
	PresentationID string                 `json:"presentationId"`
	Credential     SignedIncomeCredential `json:"credential"`
	EmployeeNodeID string                 `json:"employeeNodeId"`
	IssuerNodeID   string                 `json:"issuerNodeId"`
	IsValid        bool                   `json:"isValid"`
	IsTrusted      bool                   `json:"isTrusted"`
	Message        string                 `json:"message"`
	VerifiedAt     time.Time              `json:"verifiedAt"`
}

func (r VerifiedCredentialRecord) Clone() VerifiedCredentialRecord {
	r.Credential = r.Credential.Clone()
	return r
}

// PresentationResult is the employee-side record of one presentation.
type PresentationResult struct {
	PresentationID string     `json:"presentationId"`
	VerifierNodeID string     `json:"verifierNodeId"`
	RequestID      string     `json:"requestId,omitempty"`
	Completed      bool       `json:"completed"`
	IsValid        bool       `json:"isValid"`
	IsTrusted      bool       `json:"isTrusted"`
	IssuerNodeID   string     `json:"issuerNodeId,omitempty"`
	Message        string     `json:"message,omitempty"`
	PresentedAt    time.Time  `json:"presentedAt"`
	ResultAt       *time.Time `json:"resultAt,omitempty"`
}

func (r PresentationResult) Clone() PresentationResult {
	if r.ResultAt != nil {
		at := *r.ResultAt
		r.ResultAt = &at
	}
	return r
}

type ConnectionStatus string

const (
	ConnectionConnecting   ConnectionStatus = "connecting"
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionDisconnected ConnectionStatus = "disconnected"
	ConnectionError        ConnectionStatus = "error"
)

func (s ConnectionStatus) Terminal() bool {
	return s == ConnectionDisconnected || s == ConnectionError
}

type PeerConnection struct {
	NodeID       string           `json:"nodeId"`
	Status       ConnectionStatus `json:"status"`
	Error        string           `json:"error,omitempty"`
	LastActivity time.Time        `json:"lastActivity"`
}
