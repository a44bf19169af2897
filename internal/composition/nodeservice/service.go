package nodeservice

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"strings"
	"sync"

	"trust-triangle/go-backend/internal/app"
	"trust-triangle/go-backend/internal/bootstrap/nodeconfig"
	"trust-triangle/go-backend/internal/credential"
	"trust-triangle/go-backend/internal/domains/contracts"
	"trust-triangle/go-backend/internal/identity"
	"trust-triangle/go-backend/internal/metrics"
	"trust-triangle/go-backend/internal/peer"
	"trust-triangle/go-backend/internal/protocol"
	"trust-triangle/go-backend/internal/securestore"
	"trust-triangle/go-backend/internal/session"
	"trust-triangle/go-backend/pkg/models"
)

type Service struct {
	cfg     nodeconfig.Config
	node    *session.Node
	hub     *app.NotificationHub
	metrics *metrics.Metrics
	logger  *slog.Logger

	startStopMu sync.Mutex
	running     bool
	unsubscribe []func()
}

func New(cfg nodeconfig.Config, logger *slog.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = app.DefaultLogger()
	}
	node := session.New(session.Options{
		Network: cfg.Network,
		Peer:    cfg.Limits.Peer,
		Employer: credential.Employer{
			Name:                   cfg.Node.EmployerName,
			PayrollProcessorName:   cfg.Node.PayrollProcessorName,
			PayrollProcessorNodeID: cfg.Node.PayrollProcessorNodeID,
		},
		Logger:  logger,
		Metrics: m,
	})
	s := &Service{
		cfg:     cfg,
		node:    node,
		hub:     app.NewNotificationHub(cfg.Node.NotificationBuffer),
		metrics: m,
		logger:  logger.With("component", "nodeservice"),
	}
	s.unsubscribe = []func(){
		node.SubscribeToAcceptEvents(func(ev session.AcceptEvent) {
			s.hub.Publish(app.NotifyAcceptEvent, ev)
		}),
		node.SubscribeToConnectEvents(func(ev session.ConnectEvent) {
			s.hub.Publish(app.NotifyConnectEvent, ev)
		}),
		node.SubscribeToConnections(func(conn models.PeerConnection) {
			s.hub.Publish(app.NotifyConnectionsChanged, conn)
		}),
	}
	return s
}

// StartNetworking spawns the node with the configured role. Without a
// configured role it is a no-op and the host spawns through Spawn.
func (s *Service) StartNetworking(ctx context.Context) error {
	s.startStopMu.Lock()
	defer s.startStopMu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	if s.cfg.Node.Role == "" {
		s.logger.Info("no role configured; waiting for node.spawn")
		return nil
	}
	_, err := s.Spawn(ctx, s.cfg.Node.Role, "")
	if err != nil {
		s.running = false
	}
	return err
}

func (s *Service) StopNetworking(_ context.Context) error {
	s.startStopMu.Lock()
	defer s.startStopMu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	for _, unsub := range s.unsubscribe {
		unsub()
	}
	s.unsubscribe = nil
	if err := s.node.Close(); err != nil {
		return s.fail(contracts.ErrorCategoryNetwork, err)
	}
	return nil
}

func (s *Service) SubscribeNotifications(cursor int64) ([]contracts.NotificationEvent, <-chan contracts.NotificationEvent, func()) {
	return s.hub.Subscribe(cursor)
}

// Spawn starts the node. An empty secretKey falls back to the configured key
// and then to the key file, which is created on first use.
func (s *Service) Spawn(ctx context.Context, role models.Role, secretKey string) (models.NodeInfo, error) {
	secretKey, err := s.resolveSecretKey(secretKey)
	if err != nil {
		return models.NodeInfo{}, s.fail(categoryOf(err), err)
	}
	info, err := s.node.Spawn(ctx, role, secretKey)
	if err != nil {
		return models.NodeInfo{}, s.fail(categoryOf(err), err)
	}
	return info, nil
}

func (s *Service) resolveSecretKey(explicit string) (string, error) {
	if key := strings.TrimSpace(explicit); key != "" {
		return key, nil
	}
	if key := strings.TrimSpace(s.cfg.Node.SecretKey); key != "" {
		return key, nil
	}
	if s.cfg.Node.KeyFile == "" {
		return "", nil
	}
	key, created, err := identity.LoadOrCreateKeyFile(s.cfg.Node.KeyFile, s.cfg.Node.KeyPassphrase)
	if err != nil {
		return "", err
	}
	if created {
		s.logger.Info("key file created", "path", s.cfg.Node.KeyFile)
	}
	return key, nil
}

func (s *Service) NodeInfo() (models.NodeInfo, error) {
	return s.node.Info()
}

func (s *Service) GetNetworkStatus() (models.NetworkStatus, error) {
	st, err := s.node.NetworkStatus()
	if err != nil {
		return models.NetworkStatus{}, err
	}
	return models.NetworkStatus{
		Status:          st.State,
		PeerCount:       st.PeerCount,
		LastSync:        st.LastSync,
		ListenAddresses: s.node.ListenAddresses(),
		Metrics:         s.node.NetworkMetrics(),
	}, nil
}

// Connect sends one raw protocol message to peerID and waits for the
// exchange to close.
func (s *Service) Connect(ctx context.Context, peerID string, message json.RawMessage) (models.ExchangeResult, error) {
	msg, err := protocol.Decode(message)
	if err != nil {
		return models.ExchangeResult{}, s.fail(contracts.ErrorCategoryAPI, err)
	}
	events, err := s.node.Connect(peerID, msg)
	if err != nil {
		return models.ExchangeResult{}, s.fail(categoryOf(err), err)
	}
	return s.await(ctx, msg.CorrelationID(), events)
}

func (s *Service) GetConnections() ([]models.PeerConnection, error) {
	return s.node.GetConnections()
}

func (s *Service) GetPendingRequests() ([]models.PendingCredentialRequest, error) {
	return s.node.GetPendingRequests()
}

func (s *Service) ApproveRequest(ctx context.Context, requestID string) (models.PendingCredentialRequest, error) {
	req, err := s.node.ApproveRequest(ctx, requestID)
	if err != nil {
		return models.PendingCredentialRequest{}, s.fail(categoryOf(err), err)
	}
	return req, nil
}

func (s *Service) RejectRequest(ctx context.Context, requestID, reason string) (models.PendingCredentialRequest, error) {
	req, err := s.node.RejectRequest(ctx, requestID, reason)
	if err != nil {
		return models.PendingCredentialRequest{}, s.fail(categoryOf(err), err)
	}
	return req, nil
}

func (s *Service) AddTrustedIssuer(nodeID string) error {
	if err := s.node.AddTrustedIssuer(nodeID); err != nil {
		return s.fail(categoryOf(err), err)
	}
	return nil
}

func (s *Service) RemoveTrustedIssuer(nodeID string) error {
	if err := s.node.RemoveTrustedIssuer(nodeID); err != nil {
		return s.fail(categoryOf(err), err)
	}
	return nil
}

func (s *Service) IsTrustedIssuer(nodeID string) (bool, error) {
	return s.node.IsTrustedIssuer(nodeID)
}

func (s *Service) GetTrustedIssuers() ([]string, error) {
	return s.node.GetTrustedIssuers()
}

func (s *Service) GetVerifiedCredentials() ([]models.VerifiedCredentialRecord, error) {
	return s.node.GetVerifiedCredentials()
}

func (s *Service) GetVerifiedCredential(presentationID string) (models.VerifiedCredentialRecord, bool, error) {
	return s.node.GetVerifiedCredential(presentationID)
}

func (s *Service) GetReceivedCredentials() ([]models.ReceivedCredentialResponse, error) {
	return s.node.GetReceivedCredentials()
}

func (s *Service) GetReceivedCredential(requestID string) (models.ReceivedCredentialResponse, bool, error) {
	return s.node.GetReceivedCredential(requestID)
}

func (s *Service) RequestCredential(ctx context.Context, issuerID string, in models.CredentialRequestInput) (models.ExchangeResult, error) {
	requestID, events, err := s.node.RequestCredential(issuerID, in)
	if err != nil {
		return models.ExchangeResult{}, s.fail(categoryOf(err), err)
	}
	return s.await(ctx, requestID, events)
}

func (s *Service) PresentCredential(ctx context.Context, verifierID, requestID string) (models.ExchangeResult, error) {
	presentationID, events, err := s.node.PresentCredential(verifierID, requestID)
	if err != nil {
		return models.ExchangeResult{}, s.fail(categoryOf(err), err)
	}
	return s.await(ctx, presentationID, events)
}

func (s *Service) GetPresentationResults() ([]models.PresentationResult, error) {
	return s.node.GetPresentationResults()
}

func (s *Service) GetPresentationResult(presentationID string) (models.PresentationResult, bool, error) {
	return s.node.GetPresentationResult(presentationID)
}

// await collects the events of one exchange. When ctx ends first the
// remaining events are drained in the background so the node's connect loop
// never blocks.
func (s *Service) await(ctx context.Context, correlationID string, events <-chan session.ConnectEvent) (models.ExchangeResult, error) {
	result := models.ExchangeResult{CorrelationID: correlationID, Events: []models.ExchangeEvent{}}
	for {
		select {
		case <-ctx.Done():
			go func() {
				for range events {
				}
			}()
			return result, s.fail(contracts.ErrorCategoryNetwork, ctx.Err())
		case ev, ok := <-events:
			if !ok {
				return result, nil
			}
			result.Events = append(result.Events, exchangeEvent(ev))
			switch ev.Type {
			case session.ConnectResponseReceived:
				result.Response = ev.Message
			case session.ConnectClosed:
				if ev.Error != "" {
					result.Error = ev.Error
					s.metrics.Error(contracts.ErrorCategoryNetwork)
				}
			}
		}
	}
}

func exchangeEvent(ev session.ConnectEvent) models.ExchangeEvent {
	out := models.ExchangeEvent{
		Type:          string(ev.Type),
		NodeID:        ev.NodeID,
		BytesSent:     ev.BytesSent,
		BytesReceived: ev.BytesReceived,
		Error:         ev.Error,
	}
	// A nil protocol.Message must stay a nil any for omitempty.
	if ev.Message != nil {
		out.Message = ev.Message
	}
	return out
}

func (s *Service) fail(category string, err error) error {
	wrapped := contracts.WrapCategorizedError(category, err)
	s.metrics.Error(contracts.ErrorCategory(wrapped))
	return wrapped
}

func categoryOf(err error) string {
	var pathErr *fs.PathError
	switch {
	case errors.Is(err, session.ErrTransportInitFailed),
		errors.Is(err, peer.ErrResponseTimeout),
		errors.Is(err, peer.ErrDialFailed),
		errors.Is(err, peer.ErrEndpointClosed):
		return contracts.ErrorCategoryNetwork
	case errors.Is(err, identity.ErrInvalidSecretKey),
		errors.Is(err, identity.ErrInvalidNodeID),
		errors.Is(err, identity.ErrInvalidSignature),
		errors.Is(err, identity.ErrInvalidMnemonic):
		return contracts.ErrorCategoryCrypto
	case errors.Is(err, identity.ErrKeyFileLocked),
		errors.Is(err, securestore.ErrAuthFailed),
		errors.Is(err, securestore.ErrInvalid),
		errors.As(err, &pathErr):
		return contracts.ErrorCategoryStorage
	default:
		return contracts.ErrorCategoryAPI
	}
}
