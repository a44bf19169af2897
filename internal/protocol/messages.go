package protocol

import (
	"encoding/json"

	"trust-triangle/go-backend/pkg/models"
)

const (
	TypeIssueRequest       = "issueRequest"
	TypeRequestQueued      = "requestQueued"
	TypeIssueResponse      = "issueResponse"
	TypePresentCredential  = "presentCredential"
	TypeVerificationResult = "verificationResult"
	TypeError              = "error"
)

const (
	ErrorCodeInvalidMessageForRole = "INVALID_MESSAGE_FOR_ROLE"
	ErrorCodeProcessing            = "PROCESSING_ERROR"
	ErrorCodeUnknownMessageType    = "UNKNOWN_MESSAGE_TYPE"
	ErrorCodeInvalidRequest        = "INVALID_REQUEST"

	// UnknownRequestID is echoed when the offending message carried no id.
	UnknownRequestID = "unknown"
)

// Message is one variant of the credential protocol. The set of variants is
// closed: every implementation lives in this file.
type Message interface {
	Type() string
	// CorrelationID is the requestId or presentationId the message carries.
	CorrelationID() string
	isMessage()
}

// IssueRequest is sent by an employee asking an issuer for a credential.
type IssueRequest struct {
	RequestID      string             `json:"requestId"`
	EmployeeNodeID string             `json:"employeeNodeId"`
	EmployeeName   string             `json:"employeeName"`
	GrossSalary    string             `json:"grossSalary"`
	NetSalary      string             `json:"netSalary"`
	Currency       string             `json:"currency"`
	PayPeriod      string             `json:"payPeriod"`
	PaymentMode    models.PaymentMode `json:"paymentMode"`
}

// RequestQueued acknowledges receipt; it is never the final decision.
type RequestQueued struct {
	RequestID string `json:"requestId"`
	Message   string `json:"message"`
}

// IssueResponse carries either the signed credential or a rejection reason.
type IssueResponse struct {
	RequestID  string                         `json:"requestId"`
	Credential *models.SignedIncomeCredential `json:"credential,omitempty"`
	Error      string                         `json:"error,omitempty"`
}

type PresentCredential struct {
	PresentationID string                        `json:"presentationId"`
	Credential     models.SignedIncomeCredential `json:"credential"`
}

type VerificationResult struct {
	PresentationID string `json:"presentationId"`
	IsValid        bool   `json:"isValid"`
	IsTrusted      bool   `json:"isTrusted"`
	IssuerNodeID   string `json:"issuerNodeId"`
	Message        string `json:"message"`
}

// ProtocolError is the generic error reply; on the wire its type is "error".
type ProtocolError struct {
	RequestID string `json:"requestId"`
	ErrorCode string `json:"errorCode"`
	Message   string `json:"message"`
}

func (IssueRequest) Type() string       { return TypeIssueRequest }
func (RequestQueued) Type() string      { return TypeRequestQueued }
func (IssueResponse) Type() string      { return TypeIssueResponse }
func (PresentCredential) Type() string  { return TypePresentCredential }
func (VerificationResult) Type() string { return TypeVerificationResult }
func (ProtocolError) Type() string      { return TypeError }

func (m IssueRequest) CorrelationID() string       { return m.RequestID }
func (m RequestQueued) CorrelationID() string      { return m.RequestID }
func (m IssueResponse) CorrelationID() string      { return m.RequestID }
func (m PresentCredential) CorrelationID() string  { return m.PresentationID }
func (m VerificationResult) CorrelationID() string { return m.PresentationID }
func (m ProtocolError) CorrelationID() string      { return m.RequestID }

func (IssueRequest) isMessage()       {}
func (RequestQueued) isMessage()      {}
func (IssueResponse) isMessage()      {}
func (PresentCredential) isMessage()  {}
func (VerificationResult) isMessage() {}
func (ProtocolError) isMessage()      {}

func (m IssueRequest) MarshalJSON() ([]byte, error) {
	type alias IssueRequest
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{m.Type(), alias(m)})
}

func (m RequestQueued) MarshalJSON() ([]byte, error) {
	type alias RequestQueued
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{m.Type(), alias(m)})
}

func (m IssueResponse) MarshalJSON() ([]byte, error) {
	type alias IssueResponse
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{m.Type(), alias(m)})
}

func (m PresentCredential) MarshalJSON() ([]byte, error) {
	type alias PresentCredential
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{m.Type(), alias(m)})
}

func (m VerificationResult) MarshalJSON() ([]byte, error) {
	type alias VerificationResult
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{m.Type(), alias(m)})
}

func (m ProtocolError) MarshalJSON() ([]byte, error) {
	type alias ProtocolError
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{m.Type(), alias(m)})
}
