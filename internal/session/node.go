// Package session runs one credential node: it owns the identity, the peer
// endpoint, the connection registry and the ledger of the node's role.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"trust-triangle/go-backend/internal/credential"
	"trust-triangle/go-backend/internal/identity"
	"trust-triangle/go-backend/internal/metrics"
	"trust-triangle/go-backend/internal/peer"
	"trust-triangle/go-backend/internal/protocol"
	"trust-triangle/go-backend/internal/waku"
	"trust-triangle/go-backend/pkg/models"
)

type Options struct {
	Network  waku.Config
	Peer     peer.Config
	Employer credential.Employer
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

type Node struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	opts    Options

	mu        sync.RWMutex
	spawned   bool
	closed    bool
	role      models.Role
	identity  *identity.Manager
	transport *waku.Node
	endpoint  *peer.Endpoint
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	issuer   *IssuerCapability
	employee *EmployeeCapability
	verifier *VerifierCapability

	registry    *ConnectionRegistry
	acceptSubs  *subscriberList[AcceptEvent]
	connectSubs *subscriberList[ConnectEvent]
	connSubs    *subscriberList[models.PeerConnection]
}

func New(opts Options) *Node {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "session")
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	n := &Node{
		logger:      logger,
		metrics:     opts.Metrics,
		now:         now,
		opts:        opts,
		acceptSubs:  newSubscriberList[AcceptEvent]("accept", logger),
		connectSubs: newSubscriberList[ConnectEvent]("connect", logger),
		connSubs:    newSubscriberList[models.PeerConnection]("connections", logger),
	}
	n.registry = NewConnectionRegistry(now, n.onConnectionChanged)
	return n
}

// Spawn creates the node identity, starts the transport and begins serving
// inbound exchanges. An empty secretKey generates a new identity.
func (n *Node) Spawn(ctx context.Context, role models.Role, secretKey string) (models.NodeInfo, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.spawned {
		return models.NodeInfo{}, ErrAlreadySpawned
	}
	parsed, ok := models.ParseRole(string(role))
	if !ok {
		return models.NodeInfo{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	mgr, err := identity.NewManager(strings.TrimSpace(secretKey))
	if err != nil {
		return models.NodeInfo{}, err
	}

	transport := waku.NewNode(n.opts.Network)
	if err := transport.Start(ctx); err != nil {
		return models.NodeInfo{}, fmt.Errorf("%w: %v", ErrTransportInitFailed, err)
	}
	endpoint, err := peer.New(transport, mgr, identity.Verify, n.opts.Peer, n.logger)
	if err != nil {
		_ = transport.Stop(context.Background())
		return models.NodeInfo{}, fmt.Errorf("%w: %v", ErrTransportInitFailed, err)
	}
	if err := endpoint.Start(); err != nil {
		_ = transport.Stop(context.Background())
		return models.NodeInfo{}, fmt.Errorf("%w: %v", ErrTransportInitFailed, err)
	}

	switch parsed {
	case models.RoleIssuer:
		n.issuer = newIssuerCapability(n.opts.Employer)
	case models.RoleEmployee:
		n.employee = newEmployeeCapability()
	case models.RoleVerifier:
		n.verifier = newVerifierCapability()
	}
	n.role = parsed
	n.identity = mgr
	n.transport = transport
	n.endpoint = endpoint
	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.spawned = true

	n.wg.Add(1)
	go n.acceptLoop(n.ctx, endpoint)

	n.logger.Info("node spawned", "node_id", mgr.NodeID(), "role", string(parsed))
	return models.NodeInfo{NodeID: mgr.NodeID(), Role: parsed}, nil
}

// Info returns the spawned identity including its secret key, for the host
// that owns the node.
func (n *Node) Info() (models.NodeInfo, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.spawned {
		return models.NodeInfo{}, ErrNotInitialized
	}
	return models.NodeInfo{NodeID: n.identity.NodeID(), Role: n.role, SecretKey: n.identity.SecretKey()}, nil
}

func (n *Node) Role() (models.Role, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.spawned {
		return "", ErrNotInitialized
	}
	return n.role, nil
}

// NetworkStatus reports the transport state.
func (n *Node) NetworkStatus() (waku.Status, error) {
	n.mu.RLock()
	transport := n.transport
	n.mu.RUnlock()
	if transport == nil {
		return waku.Status{}, ErrNotInitialized
	}
	return transport.Status(), nil
}

// NetworkMetrics returns the transport counters, or nil before spawn.
func (n *Node) NetworkMetrics() map[string]int {
	n.mu.RLock()
	transport := n.transport
	n.mu.RUnlock()
	if transport == nil {
		return nil
	}
	return transport.NetworkMetrics()
}

func (n *Node) ListenAddresses() []string {
	n.mu.RLock()
	transport := n.transport
	n.mu.RUnlock()
	if transport == nil {
		return nil
	}
	return transport.ListenAddresses()
}

// Close stops every loop of the node. It is safe to call more than once.
// Close waits for in-flight exchanges, so a subscriber running on an exchange
// goroutine must call it from a new goroutine.
func (n *Node) Close() error {
	n.mu.Lock()
	if !n.spawned || n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.cancel()
	endpoint := n.endpoint
	transport := n.transport
	n.mu.Unlock()

	endpoint.Close()
	n.wg.Wait()
	err := transport.Stop(context.Background())
	n.logger.Info("node closed", "node_id", n.identity.NodeID())
	return err
}

func (n *Node) isClosed() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.closed
}

// Connect sends msg to peerID as a new exchange. The returned channel yields
// the exchange's events and is closed after the closed event.
//
// No node lock is held while connection subscribers run, so a subscriber may
// call GetConnections or Close.
func (n *Node) Connect(peerID string, msg protocol.Message) (<-chan ConnectEvent, error) {
	if err := n.ready(); err != nil {
		return nil, err
	}
	peerID, err := identity.NormalizeNodeID(peerID)
	if err != nil {
		return nil, err
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return nil, err
	}

	n.registry.Connecting(peerID)

	n.mu.RLock()
	if n.closed {
		n.mu.RUnlock()
		n.registry.Closed(peerID, ErrNodeClosed.Error())
		return nil, ErrNodeClosed
	}
	ctx, endpoint := n.ctx, n.endpoint
	// Close takes the write lock before waiting, so this Add cannot race it.
	n.wg.Add(1)
	n.mu.RUnlock()

	dial, err := endpoint.Dial(ctx, peerID, data)
	if err != nil {
		n.wg.Done()
		n.registry.Closed(peerID, err.Error())
		return nil, err
	}
	out := make(chan ConnectEvent, 4)
	go n.connectLoop(ctx, peerID, msg, dial, out)
	return out, nil
}

// ready reports ErrNotInitialized before spawn and ErrNodeClosed after Close.
func (n *Node) ready() error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.spawned {
		return ErrNotInitialized
	}
	if n.closed {
		return ErrNodeClosed
	}
	return nil
}

func (n *Node) connectLoop(ctx context.Context, peerID string, sent protocol.Message, dial <-chan peer.DialEvent, out chan<- ConnectEvent) {
	defer n.wg.Done()
	defer close(out)
	for ev := range dial {
		var cev ConnectEvent
		switch ev.Type {
		case peer.DialConnected:
			n.registry.Connected(peerID)
			cev = ConnectEvent{Type: ConnectConnected, NodeID: peerID}
		case peer.DialSent:
			n.registry.Touch(peerID)
			n.metrics.Message(sent.Type(), metrics.DirectionOutbound, ev.Bytes)
			cev = ConnectEvent{Type: ConnectMessageSent, NodeID: peerID, Message: sent, BytesSent: ev.Bytes}
		case peer.DialResponse:
			resp, err := protocol.Decode(ev.Payload)
			if err != nil {
				n.logger.Warn("response dropped", "peer_id", peerID, "correlation_id", sent.CorrelationID(), "error", err.Error())
				n.metrics.Error("serialization")
				continue
			}
			n.registry.Touch(peerID)
			n.metrics.Message(resp.Type(), metrics.DirectionInbound, ev.Bytes)
			n.handleResponse(peerID, sent, resp)
			cev = ConnectEvent{Type: ConnectResponseReceived, NodeID: peerID, Message: resp, BytesReceived: ev.Bytes}
		case peer.DialClosed:
			reason := ""
			if ev.Err != nil {
				reason = ev.Err.Error()
				if pc, ok := sent.(protocol.PresentCredential); ok && n.employee != nil {
					n.employee.fail(pc.PresentationID, reason)
				}
			}
			n.registry.Closed(peerID, reason)
			cev = ConnectEvent{Type: ConnectClosed, NodeID: peerID, Error: reason}
		default:
			continue
		}
		n.connectSubs.publish(cev)
		select {
		case out <- cev:
		case <-ctx.Done():
			// Nobody is reading after shutdown; keep draining dial so the
			// registry still sees the closed event.
		}
	}
}

// handleResponse applies a reply received on an outbound exchange.
func (n *Node) handleResponse(from string, sent protocol.Message, resp protocol.Message) {
	switch m := resp.(type) {
	case protocol.VerificationResult:
		if n.employee == nil {
			break
		}
		if n.isClosed() {
			return
		}
		if !n.employee.complete(from, m, n.now()) {
			n.logger.Warn("verification result ignored", "peer_id", from, "correlation_id", m.PresentationID)
		}
		return
	case protocol.ProtocolError:
		n.logger.Warn("peer returned protocol error", "peer_id", from, "correlation_id", m.RequestID, "code", m.ErrorCode, "message", m.Message)
		if pc, ok := sent.(protocol.PresentCredential); ok && n.employee != nil {
			n.employee.fail(pc.PresentationID, m.Message)
		}
		return
	case protocol.RequestQueued:
		n.logger.Info("request acknowledged", "peer_id", from, "correlation_id", m.RequestID)
		return
	}
	n.logger.Debug("response ignored", "peer_id", from, "type", resp.Type())
}

// Events streams accept events until ctx is done or the node closes. It can
// be called again after a stream ends.
func (n *Node) Events(ctx context.Context) (<-chan AcceptEvent, error) {
	n.mu.RLock()
	spawned, closed, nodeCtx := n.spawned, n.closed, n.ctx
	n.mu.RUnlock()
	if !spawned {
		return nil, ErrNotInitialized
	}
	if closed {
		return nil, ErrNodeClosed
	}

	ch := make(chan AcceptEvent, 64)
	var (
		mu   sync.Mutex
		done bool
	)
	unsubscribe := n.acceptSubs.add(func(ev AcceptEvent) {
		mu.Lock()
		defer mu.Unlock()
		if done {
			return
		}
		select {
		case ch <- ev:
		default:
			n.logger.Warn("accept event dropped for slow reader", "type", string(ev.Type))
		}
	})
	go func() {
		select {
		case <-ctx.Done():
		case <-nodeCtx.Done():
		}
		unsubscribe()
		mu.Lock()
		done = true
		close(ch)
		mu.Unlock()
	}()
	return ch, nil
}

// SubscribeToAcceptEvents registers fn for every accept event. The returned
// func removes the subscription.
func (n *Node) SubscribeToAcceptEvents(fn func(AcceptEvent)) func() {
	return n.acceptSubs.add(fn)
}

func (n *Node) SubscribeToConnectEvents(fn func(ConnectEvent)) func() {
	return n.connectSubs.add(fn)
}

func (n *Node) SubscribeToConnections(fn func(models.PeerConnection)) func() {
	return n.connSubs.add(fn)
}

func (n *Node) GetConnections() ([]models.PeerConnection, error) {
	if _, err := n.Role(); err != nil {
		return nil, err
	}
	return n.registry.List(), nil
}

func (n *Node) onConnectionChanged(conn models.PeerConnection) {
	n.metrics.SetConnections(n.registry.CountByStatus())
	n.connSubs.publish(conn)
}

func (n *Node) acceptLoop(ctx context.Context, endpoint *peer.Endpoint) {
	defer n.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-endpoint.Done():
			return
		case req := <-endpoint.Requests():
			n.serve(ctx, req)
		}
	}
}

// serve handles one inbound exchange from accept to close.
func (n *Node) serve(ctx context.Context, req *peer.Request) {
	from := req.From
	n.registry.Connecting(from)
	n.acceptSubs.publish(AcceptEvent{Type: AcceptAccepted, NodeID: from})

	msg, err := protocol.Decode(req.Payload)
	if err != nil {
		var unknown *protocol.UnknownTypeError
		if errors.As(err, &unknown) && unknown.RequestID != "" {
			n.logger.Warn("unknown message type", "peer_id", from, "type", unknown.Type, "correlation_id", unknown.RequestID)
			reply := protocol.ErrorReply(unknown.RequestID, protocol.ErrorCodeUnknownMessageType, fmt.Sprintf("Unknown message type: %s", unknown.Type))
			n.respond(ctx, req, reply)
			return
		}
		// Malformed or id-less input is dropped without a reply.
		n.logger.Warn("inbound message dropped", "peer_id", from, "error", err.Error())
		n.metrics.Error("serialization")
		n.registry.Closed(from, err.Error())
		return
	}
	n.metrics.Message(msg.Type(), metrics.DirectionInbound, len(req.Payload))
	n.registry.Connected(from)

	reply := n.dispatch(from, msg)
	n.acceptSubs.publish(AcceptEvent{Type: AcceptMessageReceived, NodeID: from, Message: msg})
	if n.isClosed() {
		return
	}
	if reply == nil {
		_ = req.Close(ctx, "")
		n.registry.Closed(from, "")
		n.acceptSubs.publish(AcceptEvent{Type: AcceptClosed, NodeID: from})
		return
	}
	n.respond(ctx, req, reply)
}

func (n *Node) respond(ctx context.Context, req *peer.Request, reply protocol.Message) {
	from := req.From
	if pe, ok := reply.(protocol.ProtocolError); ok {
		n.metrics.ProtocolError(pe.ErrorCode)
	}
	data, err := protocol.Encode(reply)
	if err == nil {
		_, err = req.Reply(ctx, data)
	}
	if err != nil {
		n.logger.Warn("reply failed", "peer_id", from, "correlation_id", reply.CorrelationID(), "error", err.Error())
		n.metrics.Error("network")
		n.registry.Closed(from, err.Error())
		n.acceptSubs.publish(AcceptEvent{Type: AcceptClosed, NodeID: from, Error: err.Error()})
		return
	}
	n.metrics.Message(reply.Type(), metrics.DirectionOutbound, len(data))
	n.acceptSubs.publish(AcceptEvent{Type: AcceptResponseSent, NodeID: from, Message: reply, BytesSent: len(data)})
	n.registry.Closed(from, "")
	n.acceptSubs.publish(AcceptEvent{Type: AcceptClosed, NodeID: from})
}

// dispatch runs the single handler for msg under the node's role and returns
// the reply, or nil when the exchange ends without one.
func (n *Node) dispatch(from string, msg protocol.Message) protocol.Message {
	var (
		reply protocol.Message
		err   error
	)
	switch m := msg.(type) {
	case protocol.IssueRequest:
		if n.issuer == nil {
			return n.wrongRole(from, msg)
		}
		reply, err = n.handleIssueRequest(from, m)
	case protocol.PresentCredential:
		if n.verifier == nil {
			return n.wrongRole(from, msg)
		}
		reply, err = n.handlePresentation(from, m)
	case protocol.IssueResponse:
		if n.employee == nil {
			return n.wrongRole(from, msg)
		}
		reply, err = n.handleIssueResponse(from, m)
	case protocol.VerificationResult:
		if n.employee == nil {
			return n.wrongRole(from, msg)
		}
		if !n.employee.complete(from, m, n.now()) {
			n.logger.Warn("verification result ignored", "peer_id", from, "correlation_id", m.PresentationID)
		}
		return nil
	case protocol.RequestQueued, protocol.ProtocolError:
		return n.wrongRole(from, msg)
	default:
		return protocol.ErrorReply(msg.CorrelationID(), protocol.ErrorCodeUnknownMessageType, fmt.Sprintf("Unknown message type: %s", msg.Type()))
	}
	if err != nil {
		n.logger.Error("message handling failed", "peer_id", from, "type", msg.Type(), "correlation_id", msg.CorrelationID(), "error", err.Error())
		code := protocol.ErrorCodeProcessing
		if errors.Is(err, credential.ErrInvalidPayPeriod) || errors.Is(err, credential.ErrInvalidPaymentMode) || errors.Is(err, credential.ErrMissingField) {
			code = protocol.ErrorCodeInvalidRequest
		}
		return protocol.ErrorReply(msg.CorrelationID(), code, fmt.Sprintf("Error processing request: %v", err))
	}
	return reply
}

func (n *Node) wrongRole(from string, msg protocol.Message) protocol.Message {
	n.logger.Warn("message not valid for role", "peer_id", from, "type", msg.Type(), "role", string(n.role))
	return protocol.ErrorReply(msg.CorrelationID(), protocol.ErrorCodeInvalidMessageForRole,
		fmt.Sprintf("Role %s cannot handle %s messages", n.role, msg.Type()))
}

func (n *Node) handleIssueRequest(from string, m protocol.IssueRequest) (protocol.Message, error) {
	employeeID := strings.TrimSpace(m.EmployeeNodeID)
	if employeeID == "" {
		employeeID = from
	}
	if employeeID != from {
		return nil, fmt.Errorf("employee node id %s does not match sender", employeeID)
	}
	req := models.PendingCredentialRequest{
		RequestID:      m.RequestID,
		EmployeeNodeID: employeeID,
		EmployeeName:   m.EmployeeName,
		GrossSalary:    m.GrossSalary,
		NetSalary:      m.NetSalary,
		Currency:       m.Currency,
		PayPeriod:      m.PayPeriod,
		PaymentMode:    m.PaymentMode,
		RequestedAt:    n.now().UTC(),
		Status:         models.RequestStatusPending,
	}
	if err := credential.ValidateRequest(req); err != nil {
		return nil, err
	}
	if n.issuer.enqueue(req) {
		n.logger.Info("credential request queued", "request_id", req.RequestID, "employee_node_id", employeeID)
	} else {
		n.logger.Info("duplicate credential request ignored", "request_id", req.RequestID, "employee_node_id", employeeID)
	}
	return protocol.RequestQueued{
		RequestID: m.RequestID,
		Message:   fmt.Sprintf("Your credential request has been queued for approval by %s", m.EmployeeName),
	}, nil
}

func (n *Node) handleIssueResponse(from string, m protocol.IssueResponse) (protocol.Message, error) {
	resp := models.ReceivedCredentialResponse{
		RequestID:    m.RequestID,
		Credential:   m.Credential,
		Error:        m.Error,
		ReceivedAt:   n.now().UTC(),
		IssuerNodeID: from,
	}
	n.employee.store(resp)
	if m.Credential != nil {
		n.logger.Info("credential received", "request_id", m.RequestID, "peer_id", from)
	} else {
		n.logger.Info("credential request rejected", "request_id", m.RequestID, "peer_id", from, "reason", m.Error)
	}
	return protocol.RequestQueued{RequestID: m.RequestID, Message: "Credential response received and stored"}, nil
}

func (n *Node) handlePresentation(from string, m protocol.PresentCredential) (protocol.Message, error) {
	if rec, ok := n.verifier.Record(m.PresentationID); ok {
		n.logger.Info("presentation already verified", "correlation_id", m.PresentationID, "peer_id", from)
		return resultFromRecord(rec), nil
	}

	issuerID := m.Credential.Credential.EmployerNodeID
	isValid, verr := credential.Verify(n.identity, m.Credential)
	if n.isClosed() {
		return nil, ErrNodeClosed
	}
	isTrusted := isValid && verr == nil && n.verifier.IsTrustedIssuer(issuerID)

	var message, outcome string
	switch {
	case verr != nil:
		isValid = false
		message = fmt.Sprintf("Verification error: %v", verr)
		outcome = metrics.OutcomeError
	case isValid && isTrusted:
		message = fmt.Sprintf("Credential verified successfully. Issued by trusted issuer: %s", issuerID)
		outcome = metrics.OutcomeTrusted
	case isValid:
		message = fmt.Sprintf("Credential signature is valid but issuer %s is not in trusted list", issuerID)
		outcome = metrics.OutcomeUntrusted
	default:
		message = "Invalid credential signature"
		outcome = metrics.OutcomeInvalid
	}

	rec, inserted := n.verifier.record(models.VerifiedCredentialRecord{
		PresentationID: m.PresentationID,
		Credential:     m.Credential,
		EmployeeNodeID: m.Credential.Credential.EmployeeNodeID,
		IssuerNodeID:   issuerID,
		IsValid:        isValid,
		IsTrusted:      isTrusted,
		Message:        message,
		VerifiedAt:     n.now().UTC(),
	})
	if inserted {
		n.metrics.Verification(outcome)
		n.logger.Info("credential verified", "correlation_id", m.PresentationID, "peer_id", from, "valid", isValid, "trusted", isTrusted)
	}
	return resultFromRecord(rec), nil
}

func resultFromRecord(rec models.VerifiedCredentialRecord) protocol.VerificationResult {
	return protocol.VerificationResult{
		PresentationID: rec.PresentationID,
		IsValid:        rec.IsValid,
		IsTrusted:      rec.IsValid && rec.IsTrusted,
		IssuerNodeID:   rec.IssuerNodeID,
		Message:        rec.Message,
	}
}
