package session

import (
	"sort"
	"sync"

	"trust-triangle/go-backend/internal/credential"
	"trust-triangle/go-backend/pkg/models"
)

// IssuerCapability owns the credential request ledger. Entries are never
// deleted and leave the pending state at most once.
type IssuerCapability struct {
	employer credential.Employer

	mu       sync.Mutex
	requests map[string]models.PendingCredentialRequest
}

func newIssuerCapability(employer credential.Employer) *IssuerCapability {
	return &IssuerCapability{
		employer: employer,
		requests: make(map[string]models.PendingCredentialRequest),
	}
}

func (c *IssuerCapability) Employer() credential.Employer {
	return c.employer
}

// enqueue inserts req unless its request id is already known. It reports
// whether the ledger changed.
func (c *IssuerCapability) enqueue(req models.PendingCredentialRequest) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.requests[req.RequestID]; exists {
		return false
	}
	req.Status = models.RequestStatusPending
	c.requests[req.RequestID] = req
	return true
}

// Requests lists every request regardless of status, oldest first.
func (c *IssuerCapability) Requests() []models.PendingCredentialRequest {
	c.mu.Lock()
	out := make([]models.PendingCredentialRequest, 0, len(c.requests))
	for _, req := range c.requests {
		out = append(out, req)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestedAt.Before(out[j].RequestedAt)
		}
		return out[i].RequestID < out[j].RequestID
	})
	return out
}

func (c *IssuerCapability) Request(requestID string) (models.PendingCredentialRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.requests[requestID]
	return req, ok
}

// pending returns the request if it can still be decided.
func (c *IssuerCapability) pending(requestID string) (models.PendingCredentialRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.requests[requestID]
	if !ok {
		return models.PendingCredentialRequest{}, ErrRequestNotFound
	}
	if req.Status != models.RequestStatusPending {
		return models.PendingCredentialRequest{}, ErrAlreadyDecided
	}
	return req, nil
}

// decide moves a pending request to status. Concurrent deciders race here and
// exactly one of them wins.
func (c *IssuerCapability) decide(requestID string, status models.RequestStatus) (models.PendingCredentialRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.requests[requestID]
	if !ok {
		return models.PendingCredentialRequest{}, ErrRequestNotFound
	}
	if req.Status != models.RequestStatusPending {
		return models.PendingCredentialRequest{}, ErrAlreadyDecided
	}
	req.Status = status
	c.requests[requestID] = req
	return req, nil
}
