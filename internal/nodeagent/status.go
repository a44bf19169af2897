package nodeagent

import (
	"context"
	"time"

	"trust-triangle/go-backend/pkg/models"
)

type Status struct {
	NodeID          string      `json:"node_id,omitempty"`
	Role            models.Role `json:"role,omitempty"`
	Spawned         bool        `json:"spawned"`
	Health          string      `json:"health"`
	PeerCount       int         `json:"peer_count"`
	ListenAddresses []string    `json:"listen_addresses,omitempty"`
	LastSync        *time.Time  `json:"last_sync,omitempty"`
	CheckedAt       time.Time   `json:"checked_at"`
	LastError       string      `json:"last_error,omitempty"`
}

// Agent answers operator questions about one daemon.
type Agent struct {
	client *Client
	now    func() time.Time
}

func New(client *Client) *Agent {
	return &Agent{
		client: client,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Status reports identity and network health. An unspawned node is a
// status, not an error; an unreachable daemon is an error.
func (a *Agent) Status(ctx context.Context) (Status, error) {
	status := Status{CheckedAt: a.now(), Health: "unspawned"}

	var info models.NodeInfo
	if err := a.client.Call(ctx, "node.info", nil, &info); err != nil {
		if IsCode(err, CodeNotInitialized) {
			return status, nil
		}
		return Status{}, err
	}
	status.NodeID = info.NodeID
	status.Role = info.Role
	status.Spawned = true

	var network models.NetworkStatus
	if err := a.client.Call(ctx, "network.status", nil, &network); err != nil {
		status.Health = "degraded"
		status.LastError = err.Error()
		return status, nil
	}
	status.Health = network.Status
	status.PeerCount = network.PeerCount
	status.ListenAddresses = network.ListenAddresses
	if !network.LastSync.IsZero() {
		lastSync := network.LastSync
		status.LastSync = &lastSync
	}
	return status, nil
}

func (a *Agent) peerCount(ctx context.Context) (int, error) {
	var network models.NetworkStatus
	if err := a.client.Call(ctx, "network.status", nil, &network); err != nil {
		return 0, err
	}
	return network.PeerCount, nil
}
