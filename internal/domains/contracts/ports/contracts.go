package ports

import (
	"context"
	"encoding/json"
	"time"

	"trust-triangle/go-backend/pkg/models"
)

// NodeAPI is the transport-neutral node lifecycle and raw exchange contract.
type NodeAPI interface {
	Spawn(ctx context.Context, role models.Role, secretKey string) (models.NodeInfo, error)
	NodeInfo() (models.NodeInfo, error)
	GetNetworkStatus() (models.NetworkStatus, error)
	Connect(ctx context.Context, peerID string, message json.RawMessage) (models.ExchangeResult, error)
	GetConnections() ([]models.PeerConnection, error)
}

// IssuerAPI is the issuer's review contract over its request ledger.
type IssuerAPI interface {
	GetPendingRequests() ([]models.PendingCredentialRequest, error)
	ApproveRequest(ctx context.Context, requestID string) (models.PendingCredentialRequest, error)
	RejectRequest(ctx context.Context, requestID, reason string) (models.PendingCredentialRequest, error)
}

// VerifierAPI manages the trust store and reads the verified ledger.
type VerifierAPI interface {
	AddTrustedIssuer(nodeID string) error
	RemoveTrustedIssuer(nodeID string) error
	IsTrustedIssuer(nodeID string) (bool, error)
	GetTrustedIssuers() ([]string, error)
	GetVerifiedCredentials() ([]models.VerifiedCredentialRecord, error)
	GetVerifiedCredential(presentationID string) (models.VerifiedCredentialRecord, bool, error)
}

// EmployeeAPI requests, stores and presents credentials.
type EmployeeAPI interface {
	GetReceivedCredentials() ([]models.ReceivedCredentialResponse, error)
	GetReceivedCredential(requestID string) (models.ReceivedCredentialResponse, bool, error)
	RequestCredential(ctx context.Context, issuerID string, in models.CredentialRequestInput) (models.ExchangeResult, error)
	PresentCredential(ctx context.Context, verifierID, requestID string) (models.ExchangeResult, error)
	GetPresentationResults() ([]models.PresentationResult, error)
	GetPresentationResult(presentationID string) (models.PresentationResult, bool, error)
}

// NodeService is what a host adapter drives: every role API plus the
// networking lifecycle and the notification stream.
type NodeService interface {
	NodeAPI
	IssuerAPI
	VerifierAPI
	EmployeeAPI
	StartNetworking(ctx context.Context) error
	StopNetworking(ctx context.Context) error
	SubscribeNotifications(cursor int64) ([]NotificationEvent, <-chan NotificationEvent, func())
}

type NotificationEvent struct {
	Seq       int64
	Method    string
	Payload   any
	Timestamp time.Time
}

type CategorizedError struct {
	Category string
	Err      error
}

func (e *CategorizedError) Error() string {
	return e.Err.Error()
}

func (e *CategorizedError) Unwrap() error {
	return e.Err
}
