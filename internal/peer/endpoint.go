// Package peer turns the topic-based waku transport into authenticated
// request/response exchanges between node ids.
package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"trust-triangle/go-backend/internal/platform/ratelimiter"
	"trust-triangle/go-backend/internal/waku"
)

const (
	DefaultResponseTimeout = 30 * time.Second
	DefaultMaxPayloadBytes = 1 << 20
	DefaultInboundRPS      = 20
	DefaultInboundBurst    = 40
)

var (
	ErrEndpointClosed   = errors.New("peer endpoint is closed")
	ErrPeerRequired     = errors.New("peer id is required")
	ErrPayloadTooLarge  = errors.New("payload exceeds size limit")
	ErrResponseTimeout  = errors.New("timed out waiting for response")
	ErrDialFailed       = errors.New("dial failed")
	ErrAlreadyAnswered  = errors.New("request already answered")
	ErrTransportMissing = errors.New("peer transport is required")
	ErrSignerMissing    = errors.New("peer signer is required")
)

// Transport is the subset of waku.Node the endpoint needs.
type Transport interface {
	SetIdentity(identityID string)
	SubscribePrivate(handler func(waku.PrivateMessage)) error
	PublishPrivate(ctx context.Context, msg waku.PrivateMessage) error
}

type Signer interface {
	NodeID() string
	Sign(payload []byte) ([]byte, error)
}

// VerifyFunc checks a signature against the public key encoded in nodeID.
type VerifyFunc func(payload, signature []byte, nodeID string) (bool, error)

type Config struct {
	ResponseTimeout time.Duration
	MaxPayloadBytes int
	InboundRPS      float64
	InboundBurst    int
}

func DefaultConfig() Config {
	return Config{
		ResponseTimeout: DefaultResponseTimeout,
		MaxPayloadBytes: DefaultMaxPayloadBytes,
		InboundRPS:      DefaultInboundRPS,
		InboundBurst:    DefaultInboundBurst,
	}
}

type DialEventType string

const (
	DialConnected DialEventType = "connected"
	DialSent      DialEventType = "sent"
	DialResponse  DialEventType = "response"
	DialClosed    DialEventType = "closed"
)

// DialEvent is one step of an outbound exchange. A dial always ends with
// exactly one DialClosed event, carrying Err when the exchange failed.
type DialEvent struct {
	Type    DialEventType
	Payload []byte
	Bytes   int
	Err     error
}

// RemoteClosedError reports that the peer ended the exchange with a reason
// instead of a response.
type RemoteClosedError struct {
	Reason string
}

func (e *RemoteClosedError) Error() string {
	return "closed by peer: " + e.Reason
}

type pendingDial struct {
	peerID  string
	replies chan envelope
}

type Endpoint struct {
	transport Transport
	signer    Signer
	verify    VerifyFunc
	selfID    string
	cfg       Config
	logger    *slog.Logger
	limiter   *ratelimiter.MapLimiter
	now       func() time.Time

	mu        sync.Mutex
	dials     map[string]pendingDial
	requests  chan *Request
	done      chan struct{}
	closeOnce sync.Once
}

func New(transport Transport, signer Signer, verify VerifyFunc, cfg Config, logger *slog.Logger) (*Endpoint, error) {
	if transport == nil {
		return nil, ErrTransportMissing
	}
	if signer == nil || verify == nil {
		return nil, ErrSignerMissing
	}
	def := DefaultConfig()
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = def.ResponseTimeout
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = def.MaxPayloadBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Endpoint{
		transport: transport,
		signer:    signer,
		verify:    verify,
		selfID:    signer.NodeID(),
		cfg:       cfg,
		logger:    logger.With("component", "peer"),
		limiter:   ratelimiter.New(cfg.InboundRPS, cfg.InboundBurst, 10*time.Minute),
		now:       time.Now,
		dials:     make(map[string]pendingDial),
		requests:  make(chan *Request),
		done:      make(chan struct{}),
	}, nil
}

// Start binds the endpoint to its node id on the transport.
func (ep *Endpoint) Start() error {
	ep.transport.SetIdentity(ep.selfID)
	return ep.transport.SubscribePrivate(ep.handle)
}

func (ep *Endpoint) NodeID() string {
	return ep.selfID
}

// Requests yields inbound requests in arrival order. It is never closed;
// select on Done to stop reading.
func (ep *Endpoint) Requests() <-chan *Request {
	return ep.requests
}

func (ep *Endpoint) Done() <-chan struct{} {
	return ep.done
}

func (ep *Endpoint) Close() {
	ep.closeOnce.Do(func() {
		close(ep.done)
	})
}

func (ep *Endpoint) closed() bool {
	select {
	case <-ep.done:
		return true
	default:
		return false
	}
}

// Dial sends payload to peerID as a new request and streams the exchange.
// The returned channel is buffered for the whole exchange and closed after
// the DialClosed event.
func (ep *Endpoint) Dial(ctx context.Context, peerID string, payload []byte) (<-chan DialEvent, error) {
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return nil, ErrPeerRequired
	}
	if len(payload) > ep.cfg.MaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}
	if ep.closed() {
		return nil, ErrEndpointClosed
	}
	id := uuid.NewString()
	replies := make(chan envelope, 1)
	ep.mu.Lock()
	ep.dials[id] = pendingDial{peerID: peerID, replies: replies}
	ep.mu.Unlock()

	events := make(chan DialEvent, 4)
	go ep.runDial(ctx, id, peerID, append([]byte(nil), payload...), replies, events)
	return events, nil
}

func (ep *Endpoint) runDial(ctx context.Context, id, peerID string, payload []byte, replies <-chan envelope, events chan<- DialEvent) {
	defer close(events)
	defer func() {
		ep.mu.Lock()
		delete(ep.dials, id)
		ep.mu.Unlock()
	}()

	if err := ep.send(ctx, envelope{ID: id, Kind: kindRequest, Recipient: peerID, Body: payload}); err != nil {
		events <- DialEvent{Type: DialClosed, Err: fmt.Errorf("%w: %v", ErrDialFailed, err)}
		return
	}
	events <- DialEvent{Type: DialConnected}
	events <- DialEvent{Type: DialSent, Bytes: len(payload)}

	timer := time.NewTimer(ep.cfg.ResponseTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		events <- DialEvent{Type: DialClosed, Err: ctx.Err()}
	case <-ep.done:
		events <- DialEvent{Type: DialClosed, Err: ErrEndpointClosed}
	case <-timer.C:
		events <- DialEvent{Type: DialClosed, Err: ErrResponseTimeout}
	case reply := <-replies:
		if reply.Kind == kindClose {
			var err error
			if reply.Reason != "" {
				err = &RemoteClosedError{Reason: reply.Reason}
			}
			events <- DialEvent{Type: DialClosed, Err: err}
			return
		}
		events <- DialEvent{Type: DialResponse, Payload: reply.Body, Bytes: len(reply.Body)}
		events <- DialEvent{Type: DialClosed}
	}
}

func (ep *Endpoint) send(ctx context.Context, e envelope) error {
	e.Sender = ep.selfID
	e.SentAt = ep.now().UnixMilli()
	raw, err := ep.seal(e)
	if err != nil {
		return err
	}
	return ep.transport.PublishPrivate(ctx, waku.PrivateMessage{
		ID:        e.ID,
		SenderID:  ep.selfID,
		Recipient: e.Recipient,
		Payload:   raw,
	})
}

// maxEnvelopeBytes leaves room for base64 expansion of the body.
func (ep *Endpoint) maxEnvelopeBytes() int {
	return ep.cfg.MaxPayloadBytes/3*4 + 4096
}

func (ep *Endpoint) handle(msg waku.PrivateMessage) {
	if ep.closed() {
		return
	}
	if len(msg.Payload) > ep.maxEnvelopeBytes() {
		ep.logger.Warn("inbound envelope dropped", "peer_id", msg.SenderID, "reason", ErrPayloadTooLarge.Error())
		return
	}
	e, err := ep.open(msg.SenderID, msg.Payload)
	if err != nil {
		ep.logger.Warn("inbound envelope dropped", "peer_id", msg.SenderID, "reason", err.Error())
		return
	}
	if len(e.Body) > ep.cfg.MaxPayloadBytes {
		ep.logger.Warn("inbound envelope dropped", "peer_id", e.Sender, "reason", ErrPayloadTooLarge.Error())
		return
	}

	switch e.Kind {
	case kindRequest:
		ep.handleRequest(e)
	default:
		ep.handleReply(e)
	}
}

func (ep *Endpoint) handleRequest(e envelope) {
	req := &Request{ID: e.ID, From: e.Sender, Payload: e.Body, ep: ep}
	if !ep.limiter.Allow(e.Sender, ep.now()) {
		ep.logger.Warn("inbound request rate limited", "peer_id", e.Sender)
		_ = req.Close(context.Background(), "rate limited")
		return
	}
	select {
	case ep.requests <- req:
	case <-ep.done:
	}
}

func (ep *Endpoint) handleReply(e envelope) {
	ep.mu.Lock()
	pending, ok := ep.dials[e.ReplyTo]
	if ok && pending.peerID == e.Sender {
		delete(ep.dials, e.ReplyTo)
	}
	ep.mu.Unlock()
	if !ok {
		ep.logger.Debug("reply without pending dial", "peer_id", e.Sender, "correlation_id", e.ReplyTo)
		return
	}
	if pending.peerID != e.Sender {
		ep.logger.Warn("reply from unexpected peer", "peer_id", e.Sender, "correlation_id", e.ReplyTo)
		return
	}
	select {
	case pending.replies <- e:
	default:
	}
}

// Request is an inbound exchange. It is answered at most once, either with
// Reply or with Close.
type Request struct {
	ID      string
	From    string
	Payload []byte

	ep       *Endpoint
	answered atomic.Bool
}

// Reply sends the response payload and returns the number of bytes sent.
func (r *Request) Reply(ctx context.Context, payload []byte) (int, error) {
	if len(payload) > r.ep.cfg.MaxPayloadBytes {
		return 0, ErrPayloadTooLarge
	}
	if !r.answered.CompareAndSwap(false, true) {
		return 0, ErrAlreadyAnswered
	}
	if err := r.ep.send(ctx, envelope{
		ID:        uuid.NewString(),
		Kind:      kindResponse,
		ReplyTo:   r.ID,
		Recipient: r.From,
		Body:      payload,
	}); err != nil {
		return 0, err
	}
	return len(payload), nil
}

// Close ends the exchange without a response. An empty reason is a clean
// close. Closing an answered request is a no-op.
func (r *Request) Close(ctx context.Context, reason string) error {
	if !r.answered.CompareAndSwap(false, true) {
		return nil
	}
	return r.ep.send(ctx, envelope{
		ID:        uuid.NewString(),
		Kind:      kindClose,
		ReplyTo:   r.ID,
		Recipient: r.From,
		Reason:    reason,
	})
}
