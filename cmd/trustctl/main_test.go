package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"trust-triangle/go-backend/internal/app"
	"trust-triangle/go-backend/internal/bootstrap/nodeconfig"
	"trust-triangle/go-backend/internal/composition/nodeserver"
	"trust-triangle/go-backend/internal/identity"
	"trust-triangle/go-backend/internal/nodeagent"
	"trust-triangle/go-backend/internal/platform/privacylog"
	"trust-triangle/go-backend/pkg/models"
)

func TestExitCodeFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, exitOK},
		{flag.ErrHelp, exitOK},
		{fmt.Errorf("%w: --peer is required", errUsage), exitInvalidInput},
		{nodeagent.ErrUnauthorized, exitTokenRejected},
		{fmt.Errorf("%w: issuer not trusted", errTrustFailed), exitTrustFailed},
		{&nodeagent.RPCError{Code: -32020, Data: map[string]any{"category": "network"}}, exitNetworkFailed},
		{&nodeagent.RPCError{Code: -32011, Data: map[string]any{"category": "crypto"}}, exitTrustFailed},
		{&nodeagent.RPCError{Code: -32006, Data: map[string]any{"category": "api"}}, exitInvalidInput},
		{&nodeagent.RPCError{Code: nodeagent.CodeRateLimited}, exitNetworkFailed},
		{errors.New("connection refused"), exitNetworkFailed},
	}
	for _, tc := range cases {
		if got := exitCodeFor(tc.err); got != tc.want {
			t.Fatalf("exitCodeFor(%v)=%d want %d", tc.err, got, tc.want)
		}
	}
}

func TestExchangeOutcome(t *testing.T) {
	if err := exchangeOutcome(models.ExchangeResult{Response: map[string]any{"type": "requestQueued"}}); err != nil {
		t.Fatalf("queued request must succeed: %v", err)
	}
	trusted := map[string]any{"type": "verificationResult", "isValid": true, "isTrusted": true}
	if err := exchangeOutcome(models.ExchangeResult{Response: trusted}); err != nil {
		t.Fatalf("trusted result must succeed: %v", err)
	}
	untrusted := map[string]any{"type": "verificationResult", "isValid": true, "isTrusted": false, "message": "issuer not trusted"}
	if err := exchangeOutcome(models.ExchangeResult{Response: untrusted}); !errors.Is(err, errTrustFailed) {
		t.Fatalf("expected errTrustFailed, got %v", err)
	}
	if err := exchangeOutcome(models.ExchangeResult{Response: map[string]any{"type": "error", "message": "nope"}}); !errors.Is(err, errTrustFailed) {
		t.Fatalf("expected errTrustFailed for protocol error, got %v", err)
	}
	if err := exchangeOutcome(models.ExchangeResult{Error: "response timeout"}); err == nil || exitCodeFor(err) != exitNetworkFailed {
		t.Fatalf("expected network failure, got %v", err)
	}
}

func TestKeygenAndNodeIDAgree(t *testing.T) {
	var out bytes.Buffer
	if err := runKeygen(context.Background(), []string{"--mnemonic"}, &out); err != nil {
		t.Fatalf("keygen: %v", err)
	}
	var generated map[string]string
	if err := json.Unmarshal(out.Bytes(), &generated); err != nil {
		t.Fatalf("decode keygen: %v", err)
	}
	if generated["mnemonic"] == "" || generated["secretKey"] == "" || generated["nodeId"] == "" {
		t.Fatalf("missing keygen fields: %v", generated)
	}

	out.Reset()
	if err := runKeygen(context.Background(), []string{"--from-mnemonic", generated["mnemonic"]}, &out); err != nil {
		t.Fatalf("recover: %v", err)
	}
	var recovered map[string]string
	if err := json.Unmarshal(out.Bytes(), &recovered); err != nil {
		t.Fatalf("decode recover: %v", err)
	}
	if recovered["secretKey"] != generated["secretKey"] {
		t.Fatal("mnemonic recovery produced a different key")
	}
	if _, ok := recovered["mnemonic"]; ok {
		t.Fatal("recovery must not echo the mnemonic")
	}

	out.Reset()
	if err := runNodeID(context.Background(), []string{"--secret-key", generated["secretKey"]}, &out); err != nil {
		t.Fatalf("node-id: %v", err)
	}
	if !strings.Contains(out.String(), generated["nodeId"]) {
		t.Fatalf("node-id mismatch: %s vs %s", out.String(), generated["nodeId"])
	}
}

func TestLocalCommandsRejectBadInput(t *testing.T) {
	if err := runNodeID(context.Background(), nil, io.Discard); exitCodeFor(err) != exitInvalidInput {
		t.Fatalf("expected invalid input for missing key, got %v", err)
	}
	if err := runNodeID(context.Background(), []string{"--secret-key", "zz"}, io.Discard); exitCodeFor(err) != exitInvalidInput {
		t.Fatalf("expected invalid input for bad key, got %v", err)
	}
	if err := runKeygen(context.Background(), []string{"--from-mnemonic", "not a real phrase"}, io.Discard); exitCodeFor(err) != exitInvalidInput {
		t.Fatalf("expected invalid input for bad mnemonic, got %v", err)
	}
	if err := runSpawn(context.Background(), []string{"--role", "auditor"}, io.Discard); exitCodeFor(err) != exitInvalidInput {
		t.Fatalf("expected invalid input for bad role, got %v", err)
	}
	if err := runTrust(context.Background(), []string{"grant", "x"}, io.Discard); exitCodeFor(err) != exitInvalidInput {
		t.Fatalf("expected invalid input for unknown trust action, got %v", err)
	}
	if err := runConnect(context.Background(), []string{"--peer", "p", "--message", "[1]"}, io.Discard); exitCodeFor(err) != exitInvalidInput {
		t.Fatalf("expected invalid input for non-object message, got %v", err)
	}
}

func newDaemon(t *testing.T, token string) string {
	t.Helper()
	cfg := nodeconfig.Default()
	cfg.RPC.Env = "test"
	cfg.RPC.Token = token
	srv, err := nodeserver.New(cfg, app.NewLogger(io.Discard, "error", privacylog.Policy{}))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func TestRemoteCommandsAgainstDaemon(t *testing.T) {
	addr := newDaemon(t, "tok")
	ctx := context.Background()
	conn := []string{"--rpc-addr", addr, "--rpc-token", "tok"}
	run := func(fn func(context.Context, []string, io.Writer) error, args ...string) (string, error) {
		var out bytes.Buffer
		err := fn(ctx, append(append([]string{}, args...), conn...), &out)
		return out.String(), err
	}

	out, err := run(runStatus)
	if err != nil || !strings.Contains(out, "spawned=false") {
		t.Fatalf("status before spawn: %q %v", out, err)
	}

	secret, err := identity.GenerateSecretKey()
	if err != nil {
		t.Fatal(err)
	}
	nodeID, err := identity.DerivePublicID(secret)
	if err != nil {
		t.Fatal(err)
	}
	if out, err = run(runSpawn, "--role", "verifier", "--secret-key", secret); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if !strings.Contains(out, nodeID) {
		t.Fatalf("spawn output missing node id: %s", out)
	}

	out, err = run(runStatus, "--json")
	if err != nil || !strings.Contains(out, `"role": "verifier"`) {
		t.Fatalf("status after spawn: %q %v", out, err)
	}

	issuerSecret, _ := identity.GenerateSecretKey()
	issuerID, _ := identity.DerivePublicID(issuerSecret)
	if _, err := run(runTrust, "add", issuerID); err != nil {
		t.Fatalf("trust add: %v", err)
	}
	if out, err = run(runTrust, "list"); err != nil || !strings.Contains(out, issuerID) {
		t.Fatalf("trust list: %q %v", out, err)
	}
	if out, err = run(runTrust, "check", issuerID); err != nil || !strings.Contains(out, `"trusted": true`) {
		t.Fatalf("trust check: %q %v", out, err)
	}

	if out, err = run(runVerified); err != nil || strings.TrimSpace(out) != "[]" {
		t.Fatalf("verified list: %q %v", out, err)
	}
	if _, err = run(runVerified, "--presentation-id", "missing"); exitCodeFor(err) != exitInvalidInput {
		t.Fatalf("expected record-not-found to be invalid input, got %v", err)
	}

	_, err = run(runPending)
	if !nodeagent.IsCode(err, nodeagent.CodeRoleMismatch) || exitCodeFor(err) != exitInvalidInput {
		t.Fatalf("expected role mismatch from a verifier, got %v", err)
	}
}

func TestRemoteCommandWrongToken(t *testing.T) {
	addr := newDaemon(t, "tok")
	err := runPending(context.Background(), []string{"--rpc-addr", addr, "--rpc-token", "bad"}, io.Discard)
	if exitCodeFor(err) != exitTokenRejected {
		t.Fatalf("expected token rejected, got %v", err)
	}
}
