package session

import (
	"sort"
	"sync"

	"trust-triangle/go-backend/pkg/models"
)

// VerifierCapability holds the trust store and the verified-credential
// ledger. The ledger is append-only and keyed by presentation id.
type VerifierCapability struct {
	trustMu sync.RWMutex
	trusted map[string]struct{}

	mu      sync.Mutex
	records map[string]models.VerifiedCredentialRecord
	order   []string
}

func newVerifierCapability() *VerifierCapability {
	return &VerifierCapability{
		trusted: make(map[string]struct{}),
		records: make(map[string]models.VerifiedCredentialRecord),
	}
}

// AddTrustedIssuer reports whether the issuer was newly added.
func (c *VerifierCapability) AddTrustedIssuer(nodeID string) bool {
	c.trustMu.Lock()
	defer c.trustMu.Unlock()
	if _, ok := c.trusted[nodeID]; ok {
		return false
	}
	c.trusted[nodeID] = struct{}{}
	return true
}

// RemoveTrustedIssuer reports whether the issuer was present.
func (c *VerifierCapability) RemoveTrustedIssuer(nodeID string) bool {
	c.trustMu.Lock()
	defer c.trustMu.Unlock()
	if _, ok := c.trusted[nodeID]; !ok {
		return false
	}
	delete(c.trusted, nodeID)
	return true
}

func (c *VerifierCapability) IsTrustedIssuer(nodeID string) bool {
	c.trustMu.RLock()
	defer c.trustMu.RUnlock()
	_, ok := c.trusted[nodeID]
	return ok
}

func (c *VerifierCapability) TrustedIssuers() []string {
	c.trustMu.RLock()
	out := make([]string, 0, len(c.trusted))
	for id := range c.trusted {
		out = append(out, id)
	}
	c.trustMu.RUnlock()
	sort.Strings(out)
	return out
}

// record appends rec unless the presentation was already verified, in which
// case the stored record is returned unchanged.
func (c *VerifierCapability) record(rec models.VerifiedCredentialRecord) (models.VerifiedCredentialRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.records[rec.PresentationID]; ok {
		return existing.Clone(), false
	}
	rec = rec.Clone()
	c.records[rec.PresentationID] = rec
	c.order = append(c.order, rec.PresentationID)
	return rec.Clone(), true
}

func (c *VerifierCapability) Record(presentationID string) (models.VerifiedCredentialRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[presentationID]
	if !ok {
		return models.VerifiedCredentialRecord{}, false
	}
	return rec.Clone(), true
}

// Records lists verified credentials in verification order.
func (c *VerifierCapability) Records() []models.VerifiedCredentialRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.VerifiedCredentialRecord, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.records[id].Clone())
	}
	return out
}
