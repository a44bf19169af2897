package waku

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	TransportMock   = "mock"
	TransportGoWaku = "go-waku"

	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateDegraded     = "degraded"
)

var (
	ErrNotConnected      = errors.New("waku not connected")
	ErrRecipientRequired = errors.New("recipient is required")
	ErrIdentityNotSet    = errors.New("identity is not set")
	ErrBackendDisabled   = errors.New("go-waku backend is not available in this build")
)

var runtimeStatusPollInterval = 1 * time.Second

type Config struct {
	Transport           string        `yaml:"transport"`
	Port                int           `yaml:"port"`
	AdvertiseAddress    string        `yaml:"advertiseAddress"`
	EnableRelay         bool          `yaml:"enableRelay"`
	BootstrapNodes      []string      `yaml:"bootstrapNodes"`
	FailoverV1          bool          `yaml:"failoverV1"`
	MinPeers            int           `yaml:"minPeers"`
	ReconnectInterval   time.Duration `yaml:"reconnectInterval"`
	ReconnectBackoffMax time.Duration `yaml:"reconnectBackoffMax"`
}

type Status struct {
	State     string
	PeerCount int
	LastSync  time.Time
}

// Node is the message transport a credential peer runs on. With the mock
// transport all nodes in the process share one in-memory bus.
type Node struct {
	mu      sync.RWMutex
	cfg     Config
	status  Status
	selfID  string
	handler func(PrivateMessage)
	gw      goWakuBackend

	monitorCancel    context.CancelFunc
	monitorWG        sync.WaitGroup
	stateTransitions int
}

type goWakuBackend interface {
	Start(ctx context.Context, cfg Config) error
	Stop()
	PeerCount() int
	NetworkMetrics() map[string]int
	SetIdentity(identityID string)
	ListenAddresses() []string
	SubscribePrivate(handler func(PrivateMessage)) error
	PublishPrivate(ctx context.Context, msg PrivateMessage) error
}

func DefaultConfig() Config {
	return Config{
		Transport:           TransportMock,
		Port:                60000,
		EnableRelay:         true,
		FailoverV1:          true,
		MinPeers:            1,
		ReconnectInterval:   1 * time.Second,
		ReconnectBackoffMax: 30 * time.Second,
	}
}

func NewNode(cfg Config) *Node {
	cfg = normalizeConfig(cfg)
	return &Node{
		cfg: cfg,
		status: Status{
			State: StateDisconnected,
		},
	}
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Transport == "" {
		cfg.Transport = def.Transport
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = def.ReconnectInterval
	}
	if cfg.ReconnectBackoffMax <= 0 {
		cfg.ReconnectBackoffMax = def.ReconnectBackoffMax
	}
	if cfg.ReconnectBackoffMax < cfg.ReconnectInterval {
		cfg.ReconnectBackoffMax = cfg.ReconnectInterval
	}
	if cfg.MinPeers < 0 {
		cfg.MinPeers = 0
	}
	return cfg
}

func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	n.transitionStateLocked(StateConnecting)
	n.status.LastSync = time.Now()
	n.mu.Unlock()

	if n.cfg.Transport == TransportGoWaku {
		backend := newGoWakuBackend()
		if backend == nil {
			n.setDisconnected()
			return ErrBackendDisabled
		}
		if err := backend.Start(ctx, n.cfg); err != nil {
			n.setDisconnected()
			return err
		}
		peerCount := backend.PeerCount()
		if n.cfg.FailoverV1 {
			var err error
			peerCount, err = waitForStartupPeerCount(ctx, backend, n.cfg)
			if err != nil {
				backend.Stop()
				n.setDisconnected()
				return err
			}
		}
		n.mu.Lock()
		n.gw = backend
		if n.selfID != "" {
			backend.SetIdentity(n.selfID)
		}
		n.transitionStateLocked(startupStateFromPeerCount(peerCount, n.cfg))
		n.status.PeerCount = peerCount
		n.status.LastSync = time.Now()
		n.mu.Unlock()
		n.startRuntimeMonitor()
		return nil
	}

	select {
	case <-ctx.Done():
		n.setDisconnected()
		return ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}

	n.mu.Lock()
	n.transitionStateLocked(StateConnected)
	n.status.PeerCount = estimatedPeers(n.cfg)
	n.status.LastSync = time.Now()
	n.mu.Unlock()
	return nil
}

func (n *Node) Stop(_ context.Context) error {
	n.stopRuntimeMonitor()

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.gw != nil {
		n.gw.Stop()
		n.gw = nil
	}
	if n.selfID != "" {
		globalBus.unsubscribe(n.selfID)
	}
	n.handler = nil
	n.transitionStateLocked(StateDisconnected)
	n.status.PeerCount = 0
	n.status.LastSync = time.Now()
	return nil
}

func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s := n.status
	if n.gw != nil {
		s.PeerCount = n.gw.PeerCount()
	}
	return s
}

func (n *Node) SetIdentity(identityID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.selfID = identityID
	if n.gw != nil {
		n.gw.SetIdentity(identityID)
	}
}

// SubscribePrivate installs the single handler for messages addressed to
// this node's identity. Messages for one recipient are delivered in order.
func (n *Node) SubscribePrivate(handler func(PrivateMessage)) error {
	n.mu.Lock()
	n.handler = handler
	state := n.status.State
	selfID := n.selfID
	gw := n.gw
	n.mu.Unlock()

	if state != StateConnected && state != StateDegraded {
		return ErrNotConnected
	}
	if selfID == "" {
		return ErrIdentityNotSet
	}
	if gw != nil {
		return gw.SubscribePrivate(handler)
	}
	globalBus.subscribe(selfID, handler)
	return nil
}

func (n *Node) PublishPrivate(ctx context.Context, msg PrivateMessage) error {
	n.mu.RLock()
	state := n.status.State
	gw := n.gw
	selfID := n.selfID
	n.mu.RUnlock()
	if state != StateConnected && state != StateDegraded {
		return ErrNotConnected
	}
	if msg.Recipient == "" {
		return ErrRecipientRequired
	}
	if msg.SenderID == "" {
		msg.SenderID = selfID
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if gw != nil {
		return gw.PublishPrivate(ctx, msg)
	}
	msg.Payload = append([]byte(nil), msg.Payload...)
	globalBus.publish(msg)
	return nil
}

func (n *Node) ListenAddresses() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.gw == nil {
		return nil
	}
	return append([]string(nil), n.gw.ListenAddresses()...)
}

func (n *Node) setDisconnected() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transitionStateLocked(StateDisconnected)
	n.status.PeerCount = 0
	n.status.LastSync = time.Now()
}

func (n *Node) startRuntimeMonitor() {
	n.mu.Lock()
	if n.monitorCancel != nil {
		n.monitorCancel()
		n.monitorCancel = nil
	}
	monitorCtx, cancel := context.WithCancel(context.Background())
	n.monitorCancel = cancel
	n.monitorWG.Add(1)
	n.mu.Unlock()

	go func() {
		defer n.monitorWG.Done()
		ticker := time.NewTicker(runtimeStatusPollInterval)
		defer ticker.Stop()

		n.refreshRuntimeStatus()

		for {
			select {
			case <-monitorCtx.Done():
				return
			case <-ticker.C:
				n.refreshRuntimeStatus()
			}
		}
	}()
}

func (n *Node) stopRuntimeMonitor() {
	n.mu.Lock()
	cancel := n.monitorCancel
	n.monitorCancel = nil
	n.mu.Unlock()
	if cancel != nil {
		cancel()
		n.monitorWG.Wait()
	}
}

func (n *Node) refreshRuntimeStatus() {
	n.mu.RLock()
	gw := n.gw
	n.mu.RUnlock()
	if gw == nil {
		return
	}
	peerCount := gw.PeerCount()
	nextState := StateConnected
	if peerCount <= 0 {
		nextState = StateDegraded
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status.State == StateDisconnected {
		return
	}
	if n.status.State != nextState || n.status.PeerCount != peerCount {
		n.transitionStateLocked(nextState)
		n.status.PeerCount = peerCount
		n.status.LastSync = time.Now()
	}
}

func (n *Node) NetworkMetrics() map[string]int {
	n.mu.RLock()
	transitions := n.stateTransitions
	gw := n.gw
	n.mu.RUnlock()
	out := map[string]int{
		"network_state_transitions": transitions,
	}
	if gw != nil {
		for k, v := range gw.NetworkMetrics() {
			out[k] = v
		}
	}
	return out
}

func (n *Node) transitionStateLocked(next string) {
	if next == "" {
		return
	}
	if n.status.State != next {
		n.stateTransitions++
		n.status.State = next
	}
}

func estimatedPeers(cfg Config) int {
	if len(cfg.BootstrapNodes) == 0 {
		return 1
	}
	if len(cfg.BootstrapNodes) > 12 {
		return 12
	}
	return len(cfg.BootstrapNodes)
}

func waitForStartupPeerCount(ctx context.Context, backend goWakuBackend, cfg Config) (int, error) {
	target := startupPeerTarget(cfg)
	peerCount := backend.PeerCount()
	if peerCount >= target {
		return peerCount, nil
	}

	timer := time.NewTimer(startupHandshakeTimeout(cfg))
	defer timer.Stop()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return backend.PeerCount(), ctx.Err()
		case <-timer.C:
			return backend.PeerCount(), nil
		case <-ticker.C:
			peerCount = backend.PeerCount()
			if peerCount >= target {
				return peerCount, nil
			}
		}
	}
}

func startupStateFromPeerCount(peerCount int, cfg Config) string {
	if peerCount >= startupPeerTarget(cfg) {
		return StateConnected
	}
	return StateDegraded
}

func startupPeerTarget(cfg Config) int {
	target := cfg.MinPeers
	if len(cfg.BootstrapNodes) > 0 && target > len(cfg.BootstrapNodes) {
		target = len(cfg.BootstrapNodes)
	}
	if target < 1 {
		target = 1
	}
	return target
}

func startupHandshakeTimeout(cfg Config) time.Duration {
	timeout := cfg.ReconnectInterval * 5
	if timeout < 2*time.Second {
		timeout = 2 * time.Second
	}
	if cfg.ReconnectBackoffMax > 0 && timeout > cfg.ReconnectBackoffMax {
		timeout = cfg.ReconnectBackoffMax
	}
	return timeout
}
