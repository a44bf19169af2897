package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"trust-triangle/go-backend/internal/app"
	"trust-triangle/go-backend/internal/domains/contracts"
	"trust-triangle/go-backend/internal/session"
	"trust-triangle/go-backend/pkg/models"
)

// fakeService records calls and answers from canned state.
type fakeService struct {
	mu sync.Mutex

	hub       *app.NotificationHub
	started   int
	stopped   int
	spawnErr  error
	info      models.NodeInfo
	pending   []models.PendingCredentialRequest
	trusted   map[string]bool
	received  map[string]models.ReceivedCredentialResponse
	lastInput models.CredentialRequestInput
	lastPeer  string
	lastMsg   json.RawMessage
	approveN  int
}

var _ contracts.NodeService = (*fakeService)(nil)

func newFakeService() *fakeService {
	return &fakeService{
		hub:      app.NewNotificationHub(16),
		trusted:  map[string]bool{},
		received: map[string]models.ReceivedCredentialResponse{},
	}
}

func (f *fakeService) StartNetworking(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	return nil
}

func (f *fakeService) StopNetworking(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	return nil
}

func (f *fakeService) SubscribeNotifications(cursor int64) ([]contracts.NotificationEvent, <-chan contracts.NotificationEvent, func()) {
	return f.hub.Subscribe(cursor)
}

func (f *fakeService) Spawn(_ context.Context, role models.Role, _ string) (models.NodeInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return models.NodeInfo{}, f.spawnErr
	}
	if f.info.NodeID != "" {
		return models.NodeInfo{}, session.ErrAlreadySpawned
	}
	parsed, ok := models.ParseRole(string(role))
	if !ok {
		return models.NodeInfo{}, fmt.Errorf("%w: %q", session.ErrInvalidRole, role)
	}
	f.info = models.NodeInfo{NodeID: "node-1", Role: parsed}
	return f.info, nil
}

func (f *fakeService) NodeInfo() (models.NodeInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.info.NodeID == "" {
		return models.NodeInfo{}, session.ErrNotInitialized
	}
	return f.info, nil
}

func (f *fakeService) GetNetworkStatus() (models.NetworkStatus, error) {
	return models.NetworkStatus{Status: "connected", PeerCount: 1}, nil
}

func (f *fakeService) Connect(_ context.Context, peerID string, message json.RawMessage) (models.ExchangeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastPeer = peerID
	f.lastMsg = append(json.RawMessage(nil), message...)
	return models.ExchangeResult{CorrelationID: "c-1", Events: []models.ExchangeEvent{{Type: "connected", NodeID: peerID}}}, nil
}

func (f *fakeService) GetConnections() ([]models.PeerConnection, error) {
	return []models.PeerConnection{}, nil
}

func (f *fakeService) GetPendingRequests() ([]models.PendingCredentialRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.PendingCredentialRequest(nil), f.pending...), nil
}

func (f *fakeService) ApproveRequest(_ context.Context, requestID string) (models.PendingCredentialRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approveN++
	for i, req := range f.pending {
		if req.RequestID != requestID {
			continue
		}
		if req.Status != models.RequestStatusPending {
			return models.PendingCredentialRequest{}, session.ErrAlreadyDecided
		}
		f.pending[i].Status = models.RequestStatusApproved
		return f.pending[i], nil
	}
	return models.PendingCredentialRequest{}, session.ErrRequestNotFound
}

func (f *fakeService) RejectRequest(_ context.Context, requestID, _ string) (models.PendingCredentialRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, req := range f.pending {
		if req.RequestID == requestID {
			f.pending[i].Status = models.RequestStatusRejected
			return f.pending[i], nil
		}
	}
	return models.PendingCredentialRequest{}, session.ErrRequestNotFound
}

func (f *fakeService) AddTrustedIssuer(nodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trusted[nodeID] = true
	return nil
}

func (f *fakeService) RemoveTrustedIssuer(nodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.trusted, nodeID)
	return nil
}

func (f *fakeService) IsTrustedIssuer(nodeID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.trusted[nodeID], nil
}

func (f *fakeService) GetTrustedIssuers() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.trusted))
	for id := range f.trusted {
		out = append(out, id)
	}
	return out, nil
}

func (f *fakeService) GetVerifiedCredentials() ([]models.VerifiedCredentialRecord, error) {
	return []models.VerifiedCredentialRecord{}, nil
}

func (f *fakeService) GetVerifiedCredential(string) (models.VerifiedCredentialRecord, bool, error) {
	return models.VerifiedCredentialRecord{}, false, nil
}

func (f *fakeService) GetReceivedCredentials() ([]models.ReceivedCredentialResponse, error) {
	return []models.ReceivedCredentialResponse{}, nil
}

func (f *fakeService) GetReceivedCredential(requestID string) (models.ReceivedCredentialResponse, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	resp, ok := f.received[requestID]
	return resp, ok, nil
}

func (f *fakeService) RequestCredential(_ context.Context, issuerID string, in models.CredentialRequestInput) (models.ExchangeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastPeer = issuerID
	f.lastInput = in
	return models.ExchangeResult{CorrelationID: "req-1", Events: []models.ExchangeEvent{}}, nil
}

func (f *fakeService) PresentCredential(_ context.Context, verifierID, requestID string) (models.ExchangeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastPeer = verifierID
	if _, ok := f.received[requestID]; !ok {
		return models.ExchangeResult{}, session.ErrCredentialNotFound
	}
	return models.ExchangeResult{CorrelationID: "pres-1", Events: []models.ExchangeEvent{}}, nil
}

func (f *fakeService) GetPresentationResults() ([]models.PresentationResult, error) {
	return []models.PresentationResult{}, nil
}

func (f *fakeService) GetPresentationResult(string) (models.PresentationResult, bool, error) {
	return models.PresentationResult{}, false, nil
}

func pendingRequest(id string) models.PendingCredentialRequest {
	return models.PendingCredentialRequest{
		RequestID:   id,
		Status:      models.RequestStatusPending,
		RequestedAt: time.Unix(0, 0).UTC(),
	}
}
