package session

import (
	"sort"
	"sync"
	"time"

	"trust-triangle/go-backend/pkg/models"
)

// ConnectionRegistry tracks one entry per remote peer.
//
// connecting -> connected -> disconnected | error. A peer whose entry is
// terminal gets a fresh entry on the next connect.
type ConnectionRegistry struct {
	mu      sync.Mutex
	byPeer  map[string]models.PeerConnection
	now     func() time.Time
	onEvent func(models.PeerConnection)
}

func NewConnectionRegistry(now func() time.Time, onEvent func(models.PeerConnection)) *ConnectionRegistry {
	if now == nil {
		now = time.Now
	}
	return &ConnectionRegistry{
		byPeer:  make(map[string]models.PeerConnection),
		now:     now,
		onEvent: onEvent,
	}
}

func (r *ConnectionRegistry) Connecting(peerID string) {
	r.set(peerID, models.ConnectionConnecting, "")
}

func (r *ConnectionRegistry) Connected(peerID string) {
	r.set(peerID, models.ConnectionConnected, "")
}

// Closed records the end of an exchange. A non-empty reason marks the
// connection as failed.
func (r *ConnectionRegistry) Closed(peerID, reason string) {
	if reason != "" {
		r.set(peerID, models.ConnectionError, reason)
		return
	}
	r.set(peerID, models.ConnectionDisconnected, "")
}

// Touch refreshes lastActivity without changing status.
func (r *ConnectionRegistry) Touch(peerID string) {
	r.mu.Lock()
	conn, ok := r.byPeer[peerID]
	if !ok {
		r.mu.Unlock()
		return
	}
	conn.LastActivity = r.now()
	r.byPeer[peerID] = conn
	r.mu.Unlock()
	r.notify(conn)
}

func (r *ConnectionRegistry) set(peerID string, status models.ConnectionStatus, reason string) {
	r.mu.Lock()
	conn := models.PeerConnection{
		NodeID:       peerID,
		Status:       status,
		Error:        reason,
		LastActivity: r.now(),
	}
	r.byPeer[peerID] = conn
	r.mu.Unlock()
	r.notify(conn)
}

func (r *ConnectionRegistry) notify(conn models.PeerConnection) {
	if r.onEvent != nil {
		r.onEvent(conn)
	}
}

// List returns a snapshot ordered by peer id.
func (r *ConnectionRegistry) List() []models.PeerConnection {
	r.mu.Lock()
	out := make([]models.PeerConnection, 0, len(r.byPeer))
	for _, conn := range r.byPeer {
		out = append(out, conn)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

func (r *ConnectionRegistry) CountByStatus() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, 4)
	for _, conn := range r.byPeer {
		out[string(conn.Status)]++
	}
	return out
}
