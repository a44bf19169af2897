//go:build real_waku

package waku

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	wakuNode "github.com/waku-org/go-waku/waku/v2/node"
	"github.com/waku-org/go-waku/waku/v2/protocol"
	wpb "github.com/waku-org/go-waku/waku/v2/protocol/pb"
	"github.com/waku-org/go-waku/waku/v2/protocol/relay"
	"go.uber.org/zap"
)

const (
	credentialPubsubTopic  = "/waku/2/default-waku/proto"
	credentialContentTopic = "/trust-triangle/1/credential/proto"
)

var errBackendNotStarted = errors.New("go-waku node is nil")

type goWakuNode struct {
	mu             sync.RWMutex
	node           *wakuNode.WakuNode
	selfID         string
	cfg            Config
	bootstrapNodes []string
	subCancel      context.CancelFunc
	maintainCancel context.CancelFunc
	maintainWG     sync.WaitGroup
	dials          dialCounters
}

type dialCounters struct {
	attempts  int
	successes int
	failures  int
	dropped   int
}

func newGoWakuBackend() goWakuBackend {
	return &goWakuNode{}
}

func (g *goWakuNode) Start(ctx context.Context, cfg Config) error {
	hostAddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.Port)))
	if err != nil {
		return err
	}
	opts := []wakuNode.WakuNodeOption{
		wakuNode.WithHostAddress(hostAddr),
		wakuNode.WithLogger(newWakuLogger()),
	}
	if cfg.EnableRelay {
		opts = append(opts, wakuNode.WithWakuRelay())
	}
	if adv := strings.TrimSpace(cfg.AdvertiseAddress); adv != "" {
		addr, err := ma.NewMultiaddr(adv)
		if err != nil {
			return err
		}
		opts = append(opts, wakuNode.WithAdvertiseAddresses(addr))
	}

	node, err := wakuNode.New(opts...)
	if err != nil {
		return err
	}
	if err := node.Start(ctx); err != nil {
		return err
	}

	bootstrap := validBootstrapNodes(cfg.BootstrapNodes)
	for _, addr := range bootstrap {
		if err := node.DialPeer(ctx, addr); err != nil {
			slog.Warn("bootstrap dial failed", "peer_addr", addr, "reason", err.Error())
		}
	}

	g.mu.Lock()
	g.node = node
	g.cfg = cfg
	g.bootstrapNodes = bootstrap
	g.mu.Unlock()
	if cfg.FailoverV1 {
		g.startPeerMaintenance()
	}
	return nil
}

// newWakuLogger keeps go-waku's own zap output at warn and above; node
// events are logged through slog by the callers.
func newWakuLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger.Named("go-waku")
}

func validBootstrapNodes(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, addr := range in {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		if _, err := ma.NewMultiaddr(addr); err != nil {
			slog.Warn("bootstrap address skipped", "peer_addr", addr, "reason", err.Error())
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out
}

func (g *goWakuNode) Stop() {
	g.stopPeerMaintenance()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.subCancel != nil {
		g.subCancel()
		g.subCancel = nil
	}
	if g.node != nil {
		g.node.Stop()
		g.node = nil
	}
}

func (g *goWakuNode) PeerCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.node == nil {
		return 0
	}
	return g.node.PeerCount()
}

func (g *goWakuNode) NetworkMetrics() map[string]int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return map[string]int{
		"dial_attempts":    g.dials.attempts,
		"dial_success":     g.dials.successes,
		"dial_failures":    g.dials.failures,
		"inbound_dropped":  g.dials.dropped,
		"bootstrap_config": len(g.bootstrapNodes),
	}
}

func (g *goWakuNode) SetIdentity(identityID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.selfID = identityID
}

func (g *goWakuNode) ListenAddresses() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.node == nil {
		return nil
	}
	addrs := g.node.ListenAddresses()
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, addr.String())
	}
	return out
}

// SubscribePrivate filters the shared credential topic down to envelopes
// addressed to this node. Each relay subscription is drained by a single
// goroutine so messages from one subscription keep their order.
func (g *goWakuNode) SubscribePrivate(handler func(PrivateMessage)) error {
	g.mu.Lock()
	node := g.node
	selfID := g.selfID
	if g.subCancel != nil {
		g.subCancel()
	}
	subCtx, cancel := context.WithCancel(context.Background())
	g.subCancel = cancel
	g.mu.Unlock()
	if node == nil {
		cancel()
		return errBackendNotStarted
	}
	if selfID == "" {
		cancel()
		return ErrIdentityNotSet
	}

	filter := protocol.NewContentFilter(credentialPubsubTopic, credentialContentTopic)
	subs, err := node.Relay().Subscribe(subCtx, filter)
	if err != nil {
		cancel()
		return err
	}

	for _, sub := range subs {
		go func(subscription *relay.Subscription) {
			for {
				select {
				case <-subCtx.Done():
					subscription.Unsubscribe()
					return
				case env, ok := <-subscription.Ch:
					if !ok {
						return
					}
					if env == nil || env.Message() == nil {
						continue
					}
					var msg PrivateMessage
					if err := json.Unmarshal(env.Message().Payload, &msg); err != nil {
						g.recordDropped()
						continue
					}
					if msg.Recipient != selfID {
						continue
					}
					handler(msg)
				}
			}
		}(sub)
	}
	return nil
}

func (g *goWakuNode) PublishPrivate(ctx context.Context, msg PrivateMessage) error {
	g.mu.RLock()
	node := g.node
	g.mu.RUnlock()
	if node == nil {
		return errBackendNotStarted
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ts := time.Now().UnixNano()
	wm := &wpb.WakuMessage{
		Payload:      payload,
		ContentTopic: credentialContentTopic,
		Timestamp:    &ts,
	}
	_, err = node.Relay().Publish(ctx, wm, relay.WithPubSubTopic(credentialPubsubTopic))
	return err
}

func (g *goWakuNode) startPeerMaintenance() {
	g.mu.Lock()
	if g.maintainCancel != nil {
		g.maintainCancel()
		g.maintainCancel = nil
	}
	if len(g.bootstrapNodes) == 0 || g.node == nil {
		g.mu.Unlock()
		return
	}
	maintainCtx, cancel := context.WithCancel(context.Background())
	g.maintainCancel = cancel
	g.maintainWG.Add(1)
	cfg := g.cfg
	g.mu.Unlock()

	go func() {
		defer g.maintainWG.Done()
		ticker := time.NewTicker(cfg.ReconnectInterval)
		defer ticker.Stop()

		backoff := cfg.ReconnectInterval
		nextAttemptAt := time.Now()
		rnd := rand.New(rand.NewSource(time.Now().UnixNano()))

		for {
			select {
			case <-maintainCtx.Done():
				return
			case <-ticker.C:
				if time.Now().Before(nextAttemptAt) {
					continue
				}
				if !g.needMorePeers() {
					backoff = cfg.ReconnectInterval
					nextAttemptAt = time.Now()
					continue
				}
				if g.redialBootstrapPeers(maintainCtx, rnd) || !g.needMorePeers() {
					backoff = cfg.ReconnectInterval
					nextAttemptAt = time.Now()
					continue
				}
				backoff *= 2
				if backoff > cfg.ReconnectBackoffMax {
					backoff = cfg.ReconnectBackoffMax
				}
				jitter := time.Duration(rnd.Int63n(int64(backoff/2) + 1))
				nextAttemptAt = time.Now().Add(backoff + jitter)
			}
		}
	}()
}

func (g *goWakuNode) stopPeerMaintenance() {
	g.mu.Lock()
	cancel := g.maintainCancel
	g.maintainCancel = nil
	g.mu.Unlock()
	if cancel != nil {
		cancel()
		g.maintainWG.Wait()
	}
}

func (g *goWakuNode) needMorePeers() bool {
	g.mu.RLock()
	node := g.node
	bootstrapCount := len(g.bootstrapNodes)
	target := g.cfg.MinPeers
	g.mu.RUnlock()
	if node == nil {
		return false
	}
	if target <= 0 {
		target = 1
	}
	if bootstrapCount > 0 && target > bootstrapCount {
		target = bootstrapCount
	}
	return node.PeerCount() < target
}

func (g *goWakuNode) redialBootstrapPeers(ctx context.Context, rnd *rand.Rand) bool {
	g.mu.RLock()
	node := g.node
	bootstrapNodes := append([]string(nil), g.bootstrapNodes...)
	g.mu.RUnlock()
	if node == nil || len(bootstrapNodes) == 0 {
		return false
	}

	rnd.Shuffle(len(bootstrapNodes), func(i, j int) {
		bootstrapNodes[i], bootstrapNodes[j] = bootstrapNodes[j], bootstrapNodes[i]
	})

	success := false
	for i, addr := range bootstrapNodes {
		g.mu.Lock()
		g.dials.attempts++
		g.mu.Unlock()
		err := node.DialPeer(ctx, addr)
		g.mu.Lock()
		if err == nil {
			g.dials.successes++
		} else {
			g.dials.failures++
		}
		g.mu.Unlock()
		if err != nil {
			slog.Warn("peer redial failed", "peer_addr", addr, "attempt", i+1, "reason", err.Error())
			continue
		}
		success = true
		slog.Info("peer redial succeeded", "peer_addr", addr, "attempt", i+1)
	}
	return success
}

func (g *goWakuNode) recordDropped() {
	g.mu.Lock()
	g.dials.dropped++
	g.mu.Unlock()
}
