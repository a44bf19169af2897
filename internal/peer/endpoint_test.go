package peer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"trust-triangle/go-backend/internal/identity"
	"trust-triangle/go-backend/internal/waku"
)

func TestDialReceivesResponse(t *testing.T) {
	alice := newTestEndpoint(t, DefaultConfig())
	bob := newTestEndpoint(t, DefaultConfig())

	go func() {
		select {
		case req := <-bob.Requests():
			if req.From != alice.NodeID() {
				t.Errorf("unexpected sender %s", req.From)
			}
			_, _ = req.Reply(context.Background(), append([]byte("echo:"), req.Payload...))
		case <-time.After(3 * time.Second):
			t.Error("bob did not receive request")
		}
	}()

	events, err := alice.Dial(context.Background(), bob.NodeID(), []byte("hello"))
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	got := collectDialEvents(t, events)
	wantTypes := []DialEventType{DialConnected, DialSent, DialResponse, DialClosed}
	if len(got) != len(wantTypes) {
		t.Fatalf("unexpected events: %+v", got)
	}
	for i, typ := range wantTypes {
		if got[i].Type != typ {
			t.Fatalf("event %d: got %s want %s", i, got[i].Type, typ)
		}
	}
	if string(got[2].Payload) != "echo:hello" {
		t.Fatalf("unexpected response payload %q", got[2].Payload)
	}
	if got[1].Bytes != len("hello") {
		t.Fatalf("unexpected sent bytes %d", got[1].Bytes)
	}
	if got[3].Err != nil {
		t.Fatalf("expected clean close, got %v", got[3].Err)
	}
}

func TestDialClosedWithoutResponse(t *testing.T) {
	alice := newTestEndpoint(t, DefaultConfig())
	bob := newTestEndpoint(t, DefaultConfig())

	go func() {
		req := <-bob.Requests()
		_ = req.Close(context.Background(), "")
		if _, err := req.Reply(context.Background(), []byte("late")); !errors.Is(err, ErrAlreadyAnswered) {
			t.Errorf("expected ErrAlreadyAnswered, got %v", err)
		}
	}()

	events, err := alice.Dial(context.Background(), bob.NodeID(), []byte("x"))
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	got := collectDialEvents(t, events)
	last := got[len(got)-1]
	if last.Type != DialClosed || last.Err != nil {
		t.Fatalf("expected clean close, got %+v", last)
	}
	for _, ev := range got {
		if ev.Type == DialResponse {
			t.Fatalf("unexpected response event")
		}
	}
}

func TestDialTimesOut(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ResponseTimeout = 100 * time.Millisecond
	alice := newTestEndpoint(t, cfg)
	bob := newTestEndpoint(t, DefaultConfig())
	go func() { <-bob.Requests() }()

	events, err := alice.Dial(context.Background(), bob.NodeID(), []byte("x"))
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	got := collectDialEvents(t, events)
	if last := got[len(got)-1]; !errors.Is(last.Err, ErrResponseTimeout) {
		t.Fatalf("expected timeout, got %+v", last)
	}
}

func TestDialRejectsOversizedPayloadAndMissingPeer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPayloadBytes = 8
	alice := newTestEndpoint(t, cfg)
	if _, err := alice.Dial(context.Background(), "someone", make([]byte, 9)); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if _, err := alice.Dial(context.Background(), " ", nil); !errors.Is(err, ErrPeerRequired) {
		t.Fatalf("expected ErrPeerRequired, got %v", err)
	}
	alice.Close()
	if _, err := alice.Dial(context.Background(), "someone", nil); !errors.Is(err, ErrEndpointClosed) {
		t.Fatalf("expected ErrEndpointClosed, got %v", err)
	}
}

func TestForgedEnvelopeIsDropped(t *testing.T) {
	bob := newTestEndpoint(t, DefaultConfig())
	mallory := newTestEndpoint(t, DefaultConfig())

	forged := envelope{
		ID:        "forged-1",
		Kind:      kindRequest,
		Sender:    mallory.NodeID(),
		Recipient: bob.NodeID(),
		SentAt:    time.Now().UnixMilli(),
		Body:      []byte("tampered"),
		Signature: make([]byte, 64),
	}
	raw, err := json.Marshal(forged)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	bob.handle(waku.PrivateMessage{ID: forged.ID, SenderID: mallory.NodeID(), Recipient: bob.NodeID(), Payload: raw})

	select {
	case req := <-bob.Requests():
		t.Fatalf("forged request delivered: %+v", req)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestOpenRejectsSenderMismatch(t *testing.T) {
	bob := newTestEndpoint(t, DefaultConfig())
	alice := newTestEndpoint(t, DefaultConfig())
	raw, err := alice.seal(envelope{ID: "e1", Kind: kindRequest, Sender: alice.NodeID(), Recipient: bob.NodeID(), SentAt: 1})
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if _, err := bob.open("someone-else", raw); !errors.Is(err, ErrEnvelopeSender) {
		t.Fatalf("expected ErrEnvelopeSender, got %v", err)
	}
	if _, err := bob.open(alice.NodeID(), raw); err != nil {
		t.Fatalf("expected authentic envelope to open, got %v", err)
	}
}

func TestInboundRateLimitClosesExchange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InboundRPS = 0.001
	cfg.InboundBurst = 1
	bob := newTestEndpoint(t, cfg)
	alice := newTestEndpoint(t, DefaultConfig())

	go func() {
		for {
			select {
			case req := <-bob.Requests():
				_, _ = req.Reply(context.Background(), []byte("ok"))
			case <-bob.Done():
				return
			}
		}
	}()

	first, err := alice.Dial(context.Background(), bob.NodeID(), []byte("1"))
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	if got := collectDialEvents(t, first); got[len(got)-1].Err != nil {
		t.Fatalf("first exchange should succeed, got %+v", got)
	}

	second, err := alice.Dial(context.Background(), bob.NodeID(), []byte("2"))
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	got := collectDialEvents(t, second)
	var remote *RemoteClosedError
	if !errors.As(got[len(got)-1].Err, &remote) || remote.Reason != "rate limited" {
		t.Fatalf("expected rate limited close, got %+v", got[len(got)-1])
	}
}

func newTestEndpoint(t *testing.T, cfg Config) *Endpoint {
	t.Helper()
	mgr, err := identity.NewManager("")
	if err != nil {
		t.Fatalf("identity failed: %v", err)
	}
	node := waku.NewNode(waku.DefaultConfig())
	if err := node.Start(context.Background()); err != nil {
		t.Fatalf("transport start failed: %v", err)
	}
	ep, err := New(node, mgr, identity.Verify, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("endpoint failed: %v", err)
	}
	if err := ep.Start(); err != nil {
		t.Fatalf("endpoint start failed: %v", err)
	}
	t.Cleanup(func() {
		ep.Close()
		_ = node.Stop(context.Background())
	})
	return ep
}

func collectDialEvents(t *testing.T, events <-chan DialEvent) []DialEvent {
	t.Helper()
	var out []DialEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if len(out) == 0 {
					t.Fatal("dial produced no events")
				}
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out collecting dial events, got %+v", out)
		}
	}
}
