package session

import (
	"sort"
	"sync"
	"time"

	"trust-triangle/go-backend/internal/protocol"
	"trust-triangle/go-backend/pkg/models"
)

// EmployeeCapability keeps the credentials an employee received and the
// outcome of each presentation it made.
type EmployeeCapability struct {
	mu            sync.Mutex
	received      map[string]models.ReceivedCredentialResponse
	presentations map[string]models.PresentationResult
}

func newEmployeeCapability() *EmployeeCapability {
	return &EmployeeCapability{
		received:      make(map[string]models.ReceivedCredentialResponse),
		presentations: make(map[string]models.PresentationResult),
	}
}

// store upserts the response for its request id; the last write wins.
func (c *EmployeeCapability) store(resp models.ReceivedCredentialResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received[resp.RequestID] = resp.Clone()
}

func (c *EmployeeCapability) Received() []models.ReceivedCredentialResponse {
	c.mu.Lock()
	out := make([]models.ReceivedCredentialResponse, 0, len(c.received))
	for _, resp := range c.received {
		out = append(out, resp.Clone())
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.Before(out[j].ReceivedAt)
		}
		return out[i].RequestID < out[j].RequestID
	})
	return out
}

func (c *EmployeeCapability) ReceivedCredential(requestID string) (models.ReceivedCredentialResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	resp, ok := c.received[requestID]
	if !ok {
		return models.ReceivedCredentialResponse{}, false
	}
	return resp.Clone(), true
}

func (c *EmployeeCapability) startPresentation(res models.PresentationResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presentations[res.PresentationID] = res.Clone()
}

// complete applies the verifier's result to the matching presentation. The
// first result wins. A result for a presentation this node never made, or
// from a node other than the one presented to, is ignored.
func (c *EmployeeCapability) complete(from string, result protocol.VerificationResult, at time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.presentations[result.PresentationID]
	if !ok || res.Completed || res.VerifierNodeID != from {
		return false
	}
	res.Completed = true
	res.IsValid = result.IsValid
	res.IsTrusted = result.IsValid && result.IsTrusted
	res.IssuerNodeID = result.IssuerNodeID
	res.Message = result.Message
	res.ResultAt = &at
	c.presentations[result.PresentationID] = res
	return true
}

// fail notes why a presentation has no result yet. Completed presentations
// are left untouched.
func (c *EmployeeCapability) fail(presentationID, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.presentations[presentationID]
	if !ok || res.Completed {
		return
	}
	res.Message = reason
	c.presentations[presentationID] = res
}

func (c *EmployeeCapability) Presentations() []models.PresentationResult {
	c.mu.Lock()
	out := make([]models.PresentationResult, 0, len(c.presentations))
	for _, res := range c.presentations {
		out = append(out, res.Clone())
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PresentedAt.Equal(out[j].PresentedAt) {
			return out[i].PresentedAt.Before(out[j].PresentedAt)
		}
		return out[i].PresentationID < out[j].PresentationID
	})
	return out
}

func (c *EmployeeCapability) Presentation(presentationID string) (models.PresentationResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.presentations[presentationID]
	if !ok {
		return models.PresentationResult{}, false
	}
	return res.Clone(), true
}
