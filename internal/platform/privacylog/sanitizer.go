// Package privacylog wraps a slog.Handler so that key material and salary
// figures never reach the log sink, and node ids appear only as per-process
// fingerprints when the policy asks for it.
package privacylog

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const redactedValue = "[REDACTED]"

var (
	bootNonce = randomNonce()

	// Any key containing one of these parts is redacted.
	sensitiveKeyParts = []string{"secret", "token", "mnemonic", "passphrase", "password", "authorization", "signature", "salary"}

	nodeIDKeys = map[string]struct{}{
		"node_id":          {},
		"peer_id":          {},
		"employee_node_id": {},
		"issuer_node_id":   {},
		"verifier_node_id": {},
	}
)

// Policy selects what the handler rewrites beyond the always-redacted keys.
type Policy struct {
	// FingerprintNodeIDs replaces node id attributes with "<key>_fp" values.
	FingerprintNodeIDs bool
}

type SanitizingHandler struct {
	next   slog.Handler
	policy Policy
}

// WrapHandler returns nil when next is nil.
func WrapHandler(next slog.Handler, policy Policy) slog.Handler {
	if next == nil {
		return nil
	}
	return &SanitizingHandler{next: next, policy: policy}
}

func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SanitizingHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(h.policy.Sanitize(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SanitizingHandler{next: h.next.WithAttrs(h.policy.sanitizeAll(attrs)), policy: h.policy}
}

func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{next: h.next.WithGroup(name), policy: h.policy}
}

// Sanitize rewrites a single attribute, descending into groups.
func (p Policy) Sanitize(attr slog.Attr) slog.Attr {
	key := strings.TrimSpace(attr.Key)
	lower := strings.ToLower(key)
	switch {
	case isSensitiveKey(lower):
		return slog.String(key, redactedValue)
	case p.FingerprintNodeIDs && isNodeIDKey(lower):
		return slog.String(fingerprintKeyName(key), FingerprintID(valueToString(attr.Value)))
	case attr.Value.Kind() == slog.KindGroup:
		return slog.Attr{Key: key, Value: slog.GroupValue(p.sanitizeAll(attr.Value.Group())...)}
	}
	return attr
}

// SanitizeArgs applies the policy to alternating key/value args.
func (p Policy) SanitizeArgs(args ...any) []any {
	if len(args) == 0 {
		return nil
	}
	out := make([]any, 0, len(args))
	for i := 0; i < len(args); i++ {
		key, ok := args[i].(string)
		if !ok || i+1 >= len(args) {
			out = append(out, args[i])
			continue
		}
		value := args[i+1]
		i++
		lower := strings.ToLower(strings.TrimSpace(key))
		switch {
		case isSensitiveKey(lower):
			out = append(out, key, redactedValue)
		case p.FingerprintNodeIDs && isNodeIDKey(lower):
			out = append(out, fingerprintKeyName(key), FingerprintID(fmt.Sprint(value)))
		default:
			out = append(out, key, value)
		}
	}
	return out
}

// FingerprintID is stable within one process and unlinkable across restarts.
func FingerprintID(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(trimmed + "|" + bootNonce))
	return "fp_" + hex.EncodeToString(sum[:8])
}

func (p Policy) sanitizeAll(attrs []slog.Attr) []slog.Attr {
	out := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		out = append(out, p.Sanitize(attr))
	}
	return out
}

func isNodeIDKey(key string) bool {
	_, ok := nodeIDKeys[key]
	return ok
}

func fingerprintKeyName(key string) string {
	if strings.HasSuffix(strings.ToLower(key), "_fp") {
		return key
	}
	return key + "_fp"
}

func isSensitiveKey(key string) bool {
	for _, part := range sensitiveKeyParts {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}

func valueToString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindTime:
		return v.Time().UTC().Format(time.RFC3339Nano)
	default:
		return v.String()
	}
}

func randomNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "fallback_nonce"
	}
	return hex.EncodeToString(buf)
}
