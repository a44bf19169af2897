package session

import (
	"context"
	"fmt"
	"strings"

	"trust-triangle/go-backend/internal/credential"
	"trust-triangle/go-backend/internal/identity"
	"trust-triangle/go-backend/internal/metrics"
	"trust-triangle/go-backend/internal/protocol"
	"trust-triangle/go-backend/pkg/models"
)

// DefaultRejectReason is sent when an issuer rejects without a reason.
const DefaultRejectReason = "rejected"

func (n *Node) capabilities() (*IssuerCapability, *EmployeeCapability, *VerifierCapability, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.spawned {
		return nil, nil, nil, ErrNotInitialized
	}
	return n.issuer, n.employee, n.verifier, nil
}

func (n *Node) issuerCap() (*IssuerCapability, error) {
	issuer, _, _, err := n.capabilities()
	if err != nil {
		return nil, err
	}
	if issuer == nil {
		return nil, fmt.Errorf("%w: issuer", ErrRoleMismatch)
	}
	return issuer, nil
}

func (n *Node) employeeCap() (*EmployeeCapability, error) {
	_, employee, _, err := n.capabilities()
	if err != nil {
		return nil, err
	}
	if employee == nil {
		return nil, fmt.Errorf("%w: employee", ErrRoleMismatch)
	}
	return employee, nil
}

func (n *Node) verifierCap() (*VerifierCapability, error) {
	_, _, verifier, err := n.capabilities()
	if err != nil {
		return nil, err
	}
	if verifier == nil {
		return nil, fmt.Errorf("%w: verifier", ErrRoleMismatch)
	}
	return verifier, nil
}

// GetPendingRequests lists every credential request, whatever its status,
// in the order they were received.
func (n *Node) GetPendingRequests() ([]models.PendingCredentialRequest, error) {
	issuer, err := n.issuerCap()
	if err != nil {
		return nil, err
	}
	return issuer.Requests(), nil
}

// ApproveRequest signs the credential for a pending request and sends it to
// the employee. Delivery runs in the background; its progress is visible
// through connect events and the connection registry.
func (n *Node) ApproveRequest(_ context.Context, requestID string) (models.PendingCredentialRequest, error) {
	issuer, err := n.issuerCap()
	if err != nil {
		return models.PendingCredentialRequest{}, err
	}
	req, err := issuer.pending(requestID)
	if err != nil {
		return models.PendingCredentialRequest{}, err
	}
	signed, err := credential.Issue(n.identity, req, issuer.Employer(), n.now())
	if err != nil {
		return models.PendingCredentialRequest{}, err
	}
	if n.isClosed() {
		return models.PendingCredentialRequest{}, ErrNodeClosed
	}
	decided, err := issuer.decide(requestID, models.RequestStatusApproved)
	if err != nil {
		return models.PendingCredentialRequest{}, err
	}
	n.metrics.Decision(metrics.DecisionApproved)
	n.logger.Info("credential request approved", "request_id", requestID, "employee_node_id", decided.EmployeeNodeID)
	n.deliver(decided.EmployeeNodeID, protocol.IssueResponse{RequestID: requestID, Credential: &signed})
	return decided, nil
}

// RejectRequest declines a pending request and notifies the employee.
func (n *Node) RejectRequest(_ context.Context, requestID, reason string) (models.PendingCredentialRequest, error) {
	issuer, err := n.issuerCap()
	if err != nil {
		return models.PendingCredentialRequest{}, err
	}
	decided, err := issuer.decide(requestID, models.RequestStatusRejected)
	if err != nil {
		return models.PendingCredentialRequest{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = DefaultRejectReason
	}
	n.metrics.Decision(metrics.DecisionRejected)
	n.logger.Info("credential request rejected", "request_id", requestID, "employee_node_id", decided.EmployeeNodeID)
	n.deliver(decided.EmployeeNodeID, protocol.IssueResponse{RequestID: requestID, Error: reason})
	return decided, nil
}

// deliver sends a decision without waiting for the exchange to finish.
func (n *Node) deliver(peerID string, msg protocol.Message) {
	events, err := n.Connect(peerID, msg)
	if err != nil {
		n.logger.Warn("decision delivery failed", "peer_id", peerID, "correlation_id", msg.CorrelationID(), "error", err.Error())
		n.metrics.Error("network")
		return
	}
	go func() {
		for range events {
		}
	}()
}

func (n *Node) AddTrustedIssuer(nodeID string) error {
	verifier, err := n.verifierCap()
	if err != nil {
		return err
	}
	nodeID, err = identity.NormalizeNodeID(nodeID)
	if err != nil {
		return err
	}
	if verifier.AddTrustedIssuer(nodeID) {
		n.logger.Info("trusted issuer added", "issuer_node_id", nodeID)
	}
	return nil
}

func (n *Node) RemoveTrustedIssuer(nodeID string) error {
	verifier, err := n.verifierCap()
	if err != nil {
		return err
	}
	nodeID, err = identity.NormalizeNodeID(nodeID)
	if err != nil {
		return err
	}
	if verifier.RemoveTrustedIssuer(nodeID) {
		n.logger.Info("trusted issuer removed", "issuer_node_id", nodeID)
	}
	return nil
}

func (n *Node) IsTrustedIssuer(nodeID string) (bool, error) {
	verifier, err := n.verifierCap()
	if err != nil {
		return false, err
	}
	return verifier.IsTrustedIssuer(strings.TrimSpace(nodeID)), nil
}

func (n *Node) GetTrustedIssuers() ([]string, error) {
	verifier, err := n.verifierCap()
	if err != nil {
		return nil, err
	}
	return verifier.TrustedIssuers(), nil
}

func (n *Node) GetVerifiedCredentials() ([]models.VerifiedCredentialRecord, error) {
	verifier, err := n.verifierCap()
	if err != nil {
		return nil, err
	}
	return verifier.Records(), nil
}

// GetVerifiedCredential reports ok=false when the presentation is unknown.
func (n *Node) GetVerifiedCredential(presentationID string) (models.VerifiedCredentialRecord, bool, error) {
	verifier, err := n.verifierCap()
	if err != nil {
		return models.VerifiedCredentialRecord{}, false, err
	}
	rec, ok := verifier.Record(presentationID)
	return rec, ok, nil
}

func (n *Node) GetReceivedCredentials() ([]models.ReceivedCredentialResponse, error) {
	employee, err := n.employeeCap()
	if err != nil {
		return nil, err
	}
	return employee.Received(), nil
}

// GetReceivedCredential reports ok=false when no response arrived for requestID.
func (n *Node) GetReceivedCredential(requestID string) (models.ReceivedCredentialResponse, bool, error) {
	employee, err := n.employeeCap()
	if err != nil {
		return models.ReceivedCredentialResponse{}, false, err
	}
	resp, ok := employee.ReceivedCredential(requestID)
	return resp, ok, nil
}

// RequestCredential asks issuerID to certify the given salary fields under a
// fresh request id.
func (n *Node) RequestCredential(issuerID string, in models.CredentialRequestInput) (string, <-chan ConnectEvent, error) {
	if _, err := n.employeeCap(); err != nil {
		return "", nil, err
	}
	msg := protocol.IssueRequest{
		RequestID:      credential.NewID(),
		EmployeeNodeID: n.identity.NodeID(),
		EmployeeName:   strings.TrimSpace(in.EmployeeName),
		GrossSalary:    strings.TrimSpace(in.GrossSalary),
		NetSalary:      strings.TrimSpace(in.NetSalary),
		Currency:       strings.TrimSpace(in.Currency),
		PayPeriod:      strings.TrimSpace(in.PayPeriod),
		PaymentMode:    in.PaymentMode,
	}
	if err := credential.ValidateRequest(models.PendingCredentialRequest{
		RequestID:      msg.RequestID,
		EmployeeNodeID: msg.EmployeeNodeID,
		EmployeeName:   msg.EmployeeName,
		GrossSalary:    msg.GrossSalary,
		NetSalary:      msg.NetSalary,
		Currency:       msg.Currency,
		PayPeriod:      msg.PayPeriod,
		PaymentMode:    msg.PaymentMode,
	}); err != nil {
		return "", nil, err
	}
	events, err := n.Connect(issuerID, msg)
	if err != nil {
		return "", nil, err
	}
	return msg.RequestID, events, nil
}

// PresentCredential shows the credential received for requestID to
// verifierID. The result is correlated by presentation id whether it comes
// back on this exchange or in a later inbound message.
func (n *Node) PresentCredential(verifierID, requestID string) (string, <-chan ConnectEvent, error) {
	employee, err := n.employeeCap()
	if err != nil {
		return "", nil, err
	}
	resp, ok := employee.ReceivedCredential(requestID)
	if !ok {
		return "", nil, ErrCredentialNotFound
	}
	if resp.Credential == nil {
		return "", nil, ErrCredentialMissing
	}
	verifierID, err = identity.NormalizeNodeID(verifierID)
	if err != nil {
		return "", nil, err
	}
	presentationID := credential.NewID()
	employee.startPresentation(models.PresentationResult{
		PresentationID: presentationID,
		VerifierNodeID: verifierID,
		RequestID:      requestID,
		PresentedAt:    n.now().UTC(),
	})
	events, err := n.Connect(verifierID, protocol.PresentCredential{PresentationID: presentationID, Credential: *resp.Credential})
	if err != nil {
		employee.fail(presentationID, err.Error())
		return "", nil, err
	}
	return presentationID, events, nil
}

func (n *Node) GetPresentationResults() ([]models.PresentationResult, error) {
	employee, err := n.employeeCap()
	if err != nil {
		return nil, err
	}
	return employee.Presentations(), nil
}

func (n *Node) GetPresentationResult(presentationID string) (models.PresentationResult, bool, error) {
	employee, err := n.employeeCap()
	if err != nil {
		return models.PresentationResult{}, false, err
	}
	res, ok := employee.Presentation(presentationID)
	return res, ok, nil
}
