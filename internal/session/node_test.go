package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"trust-triangle/go-backend/internal/credential"
	"trust-triangle/go-backend/internal/identity"
	"trust-triangle/go-backend/internal/metrics"
	"trust-triangle/go-backend/internal/peer"
	"trust-triangle/go-backend/internal/protocol"
	"trust-triangle/go-backend/pkg/models"
)

func TestSpawnTwiceFails(t *testing.T) {
	n, _ := spawnNode(t, models.RoleIssuer)
	if _, err := n.Spawn(context.Background(), models.RoleIssuer, ""); !errors.Is(err, ErrAlreadySpawned) {
		t.Fatalf("expected ErrAlreadySpawned, got %v", err)
	}
}

func TestOperationsBeforeSpawnFail(t *testing.T) {
	n := New(Options{Logger: quietLogger()})
	if _, err := n.Connect("not-a-node-id", protocol.RequestQueued{RequestID: "r"}); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized ahead of id validation, got %v", err)
	}
	if _, err := n.GetPendingRequests(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if _, err := n.GetConnections(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if _, err := n.Events(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if _, err := n.Info(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestSpawnRejectsUnknownRoleAndBadSecret(t *testing.T) {
	n := New(Options{Logger: quietLogger()})
	if _, err := n.Spawn(context.Background(), models.Role("auditor"), ""); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
	if _, err := n.Spawn(context.Background(), models.RoleEmployee, "zz"); !errors.Is(err, identity.ErrInvalidSecretKey) {
		t.Fatalf("expected ErrInvalidSecretKey, got %v", err)
	}
}

func TestSpawnWithSecretKeyKeepsNodeID(t *testing.T) {
	secret, err := identity.GenerateSecretKey()
	if err != nil {
		t.Fatalf("generate secret: %v", err)
	}
	want, err := identity.DerivePublicID(secret)
	if err != nil {
		t.Fatalf("derive id: %v", err)
	}
	n := New(Options{Logger: quietLogger()})
	t.Cleanup(func() { _ = n.Close() })
	info, err := n.Spawn(context.Background(), models.RoleVerifier, secret)
	if err != nil {
		t.Fatalf("spawn failed: %v", err)
	}
	if info.NodeID != want {
		t.Fatalf("node id %s, want %s", info.NodeID, want)
	}
	full, _ := n.Info()
	if full.SecretKey != secret || full.Role != models.RoleVerifier {
		t.Fatalf("unexpected info: %+v", full)
	}
}

func TestSpawnTransportInitFailure(t *testing.T) {
	n := New(Options{Logger: quietLogger()})
	n.opts.Network.Transport = "go-waku"
	_, err := n.Spawn(context.Background(), models.RoleIssuer, "")
	if !errors.Is(err, ErrTransportInitFailed) {
		t.Skipf("go-waku backend available in this build: %v", err)
	}
}

func TestScenarioIssueApproveReceive(t *testing.T) {
	issuer, issuerID := spawnNode(t, models.RoleIssuer)
	employee, employeeID := spawnNode(t, models.RoleEmployee)

	events, err := employee.Connect(issuerID, protocol.IssueRequest{
		RequestID:      "r1",
		EmployeeNodeID: employeeID,
		EmployeeName:   "Alice",
		GrossSalary:    "120000",
		NetSalary:      "95000",
		Currency:       "USD",
		PayPeriod:      "2024-10",
		PaymentMode:    models.PaymentModeBankTransfer,
	})
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	got := drainConnect(t, events)
	assertConnectTypes(t, got, ConnectConnected, ConnectMessageSent, ConnectResponseReceived, ConnectClosed)
	ack, ok := got[2].Message.(protocol.RequestQueued)
	if !ok || ack.RequestID != "r1" {
		t.Fatalf("unexpected ack: %#v", got[2].Message)
	}
	if ack.Message != "Your credential request has been queued for approval by Alice" {
		t.Fatalf("unexpected ack text %q", ack.Message)
	}

	pending, err := issuer.GetPendingRequests()
	if err != nil {
		t.Fatalf("pending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].RequestID != "r1" || pending[0].Status != models.RequestStatusPending {
		t.Fatalf("unexpected pending ledger: %+v", pending)
	}

	decided, err := issuer.ApproveRequest(context.Background(), "r1")
	if err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if decided.Status != models.RequestStatusApproved {
		t.Fatalf("expected approved, got %s", decided.Status)
	}

	resp := waitReceived(t, employee, "r1")
	if resp.Credential == nil {
		t.Fatalf("expected credential, got error %q", resp.Error)
	}
	cred := resp.Credential.Credential
	if cred.GrossSalary != "120000" || cred.NetSalary != "95000" || cred.Currency != "USD" || cred.PayPeriod != "2024-10" {
		t.Fatalf("salary fields mismatch: %+v", cred)
	}
	if cred.EmployerNodeID != issuerID || cred.EmployeeNodeID != employeeID || cred.EmployerName != credential.DefaultEmployerName {
		t.Fatalf("identity fields mismatch: %+v", cred)
	}
	if resp.IssuerNodeID != issuerID {
		t.Fatalf("issuer node id %s, want %s", resp.IssuerNodeID, issuerID)
	}
	ok, err = identity.Verify(credential.SigningBytes(cred), resp.Credential.Signature, issuerID)
	if err != nil || !ok {
		t.Fatalf("issued credential does not verify: ok=%v err=%v", ok, err)
	}
}

func TestDuplicateIssueRequestKeepsOneEntry(t *testing.T) {
	issuer, issuerID := spawnNode(t, models.RoleIssuer)
	employee, employeeID := spawnNode(t, models.RoleEmployee)

	req := validIssueRequest("dup-1", employeeID)
	for i := 0; i < 2; i++ {
		events, err := employee.Connect(issuerID, req)
		if err != nil {
			t.Fatalf("connect %d failed: %v", i, err)
		}
		got := drainConnect(t, events)
		if _, ok := got[2].Message.(protocol.RequestQueued); !ok {
			t.Fatalf("attempt %d: expected ack, got %#v", i, got[2].Message)
		}
	}
	pending, _ := issuer.GetPendingRequests()
	if len(pending) != 1 {
		t.Fatalf("expected exactly one ledger entry, got %d", len(pending))
	}
}

func TestRejectUnknownRequest(t *testing.T) {
	issuer, _ := spawnNode(t, models.RoleIssuer)
	if _, err := issuer.RejectRequest(context.Background(), "r2", "insufficient proof"); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("expected ErrRequestNotFound, got %v", err)
	}
	if _, err := issuer.ApproveRequest(context.Background(), "r2"); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("expected ErrRequestNotFound, got %v", err)
	}
}

func TestDecisionIsFinal(t *testing.T) {
	issuer, issuerID := spawnNode(t, models.RoleIssuer)
	employee, employeeID := spawnNode(t, models.RoleEmployee)

	for _, id := range []string{"fin-1", "fin-2"} {
		events, err := employee.Connect(issuerID, validIssueRequest(id, employeeID))
		if err != nil {
			t.Fatalf("connect failed: %v", err)
		}
		drainConnect(t, events)
	}

	if _, err := issuer.RejectRequest(context.Background(), "fin-1", ""); err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	if _, err := issuer.ApproveRequest(context.Background(), "fin-1"); !errors.Is(err, ErrAlreadyDecided) {
		t.Fatalf("expected ErrAlreadyDecided after reject, got %v", err)
	}
	if _, err := issuer.RejectRequest(context.Background(), "fin-1", "again"); !errors.Is(err, ErrAlreadyDecided) {
		t.Fatalf("expected ErrAlreadyDecided on second reject, got %v", err)
	}

	if _, err := issuer.RejectRequest(context.Background(), "fin-2", "insufficient proof"); err != nil {
		t.Fatalf("reject failed: %v", err)
	}

	rejected := waitReceived(t, employee, "fin-1")
	if rejected.Credential != nil || rejected.Error != DefaultRejectReason {
		t.Fatalf("expected default rejection, got %+v", rejected)
	}
	withReason := waitReceived(t, employee, "fin-2")
	if withReason.Error != "insufficient proof" {
		t.Fatalf("expected rejection reason, got %+v", withReason)
	}

	pending, _ := issuer.GetPendingRequests()
	for _, req := range pending {
		if req.Status != models.RequestStatusRejected {
			t.Fatalf("expected rejected status, got %+v", req)
		}
	}
}

func TestConcurrentApprovalsHaveOneWinner(t *testing.T) {
	issuer, issuerID := spawnNode(t, models.RoleIssuer)
	employee, employeeID := spawnNode(t, models.RoleEmployee)
	events, err := employee.Connect(issuerID, validIssueRequest("race-1", employeeID))
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	drainConnect(t, events)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := issuer.ApproveRequest(context.Background(), "race-1")
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			} else if !errors.Is(err, ErrAlreadyDecided) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if success != 1 {
		t.Fatalf("expected exactly one successful approval, got %d", success)
	}
}

func TestUntrustedIssuerPresentation(t *testing.T) {
	issuer, issuerID := spawnNode(t, models.RoleIssuer)
	employee, _ := spawnNode(t, models.RoleEmployee)
	verifier, verifierID := spawnNode(t, models.RoleVerifier)

	requestID := obtainCredential(t, issuer, issuerID, employee)

	presentationID, events, err := employee.PresentCredential(verifierID, requestID)
	if err != nil {
		t.Fatalf("present failed: %v", err)
	}
	got := drainConnect(t, events)
	result, ok := got[2].Message.(protocol.VerificationResult)
	if !ok {
		t.Fatalf("expected verification result, got %#v", got[2].Message)
	}
	if !result.IsValid || result.IsTrusted {
		t.Fatalf("expected valid and untrusted, got %+v", result)
	}
	if !strings.Contains(result.Message, "is not in trusted list") {
		t.Fatalf("unexpected message %q", result.Message)
	}

	pres, ok, err := employee.GetPresentationResult(presentationID)
	if err != nil || !ok || !pres.Completed || !pres.IsValid || pres.IsTrusted || pres.RequestID != requestID {
		t.Fatalf("presentation not correlated: %+v ok=%v err=%v", pres, ok, err)
	}

	rec, ok, err := verifier.GetVerifiedCredential(presentationID)
	if err != nil || !ok {
		t.Fatalf("verified record missing: ok=%v err=%v", ok, err)
	}
	if rec.IssuerNodeID != issuerID || !rec.IsValid || rec.IsTrusted {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestTrustedIssuerPresentation(t *testing.T) {
	issuer, issuerID := spawnNode(t, models.RoleIssuer)
	employee, _ := spawnNode(t, models.RoleEmployee)
	verifier, verifierID := spawnNode(t, models.RoleVerifier)
	if err := verifier.AddTrustedIssuer(issuerID); err != nil {
		t.Fatalf("add trusted issuer failed: %v", err)
	}

	requestID := obtainCredential(t, issuer, issuerID, employee)
	_, events, err := employee.PresentCredential(verifierID, requestID)
	if err != nil {
		t.Fatalf("present failed: %v", err)
	}
	got := drainConnect(t, events)
	result := got[2].Message.(protocol.VerificationResult)
	if !result.IsValid || !result.IsTrusted {
		t.Fatalf("expected trusted result, got %+v", result)
	}
	if result.Message != "Credential verified successfully. Issued by trusted issuer: "+issuerID {
		t.Fatalf("unexpected message %q", result.Message)
	}
}

func TestTamperedCredentialFromTrustedIssuer(t *testing.T) {
	issuer, issuerID := spawnNode(t, models.RoleIssuer)
	employee, _ := spawnNode(t, models.RoleEmployee)
	verifier, verifierID := spawnNode(t, models.RoleVerifier)
	if err := verifier.AddTrustedIssuer(issuerID); err != nil {
		t.Fatalf("add trusted issuer failed: %v", err)
	}

	requestID := obtainCredential(t, issuer, issuerID, employee)
	resp, _, _ := employee.GetReceivedCredential(requestID)
	tampered := resp.Credential.Clone()
	tampered.Credential.GrossSalary = "999999"

	events, err := employee.Connect(verifierID, protocol.PresentCredential{PresentationID: "p-tampered", Credential: tampered})
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	got := drainConnect(t, events)
	result := got[2].Message.(protocol.VerificationResult)
	if result.IsValid || result.IsTrusted {
		t.Fatalf("expected invalid and untrusted, got %+v", result)
	}
	if result.Message != "Invalid credential signature" {
		t.Fatalf("unexpected message %q", result.Message)
	}

	records, _ := verifier.GetVerifiedCredentials()
	for _, rec := range records {
		if rec.IsTrusted && !rec.IsValid {
			t.Fatalf("trusted record without valid signature: %+v", rec)
		}
	}
}

func TestDuplicatePresentationReplaysStoredResult(t *testing.T) {
	issuer, issuerID := spawnNode(t, models.RoleIssuer)
	employee, _ := spawnNode(t, models.RoleEmployee)
	verifier, verifierID := spawnNode(t, models.RoleVerifier)

	requestID := obtainCredential(t, issuer, issuerID, employee)
	resp, _, _ := employee.GetReceivedCredential(requestID)
	msg := protocol.PresentCredential{PresentationID: "p-dup", Credential: *resp.Credential}

	first := drainConnect(t, mustConnect(t, employee, verifierID, msg))
	if err := verifier.AddTrustedIssuer(issuerID); err != nil {
		t.Fatalf("add trusted issuer failed: %v", err)
	}
	second := drainConnect(t, mustConnect(t, employee, verifierID, msg))

	r1 := first[2].Message.(protocol.VerificationResult)
	r2 := second[2].Message.(protocol.VerificationResult)
	if r1 != r2 || r2.IsTrusted {
		t.Fatalf("expected replay of stored untrusted result, got %+v then %+v", r1, r2)
	}
	records, _ := verifier.GetVerifiedCredentials()
	if len(records) != 1 {
		t.Fatalf("expected one verified record, got %d", len(records))
	}
}

func TestTrustSetIsIdempotent(t *testing.T) {
	verifier, _ := spawnNode(t, models.RoleVerifier)
	_, issuerID := spawnNode(t, models.RoleIssuer)

	for i := 0; i < 2; i++ {
		if err := verifier.AddTrustedIssuer(issuerID); err != nil {
			t.Fatalf("add %d failed: %v", i, err)
		}
	}
	trusted, _ := verifier.GetTrustedIssuers()
	if len(trusted) != 1 || trusted[0] != issuerID {
		t.Fatalf("expected single trusted issuer, got %v", trusted)
	}
	if ok, _ := verifier.IsTrustedIssuer(issuerID); !ok {
		t.Fatal("expected issuer to be trusted")
	}
	for i := 0; i < 2; i++ {
		if err := verifier.RemoveTrustedIssuer(issuerID); err != nil {
			t.Fatalf("remove %d failed: %v", i, err)
		}
	}
	if ok, _ := verifier.IsTrustedIssuer(issuerID); ok {
		t.Fatal("expected issuer to be removed")
	}
	if err := verifier.AddTrustedIssuer("not-a-node-id"); !errors.Is(err, identity.ErrInvalidNodeID) {
		t.Fatalf("expected ErrInvalidNodeID, got %v", err)
	}
}

func TestRoleMismatchForHostOperations(t *testing.T) {
	employee, _ := spawnNode(t, models.RoleEmployee)
	if _, err := employee.GetPendingRequests(); !errors.Is(err, ErrRoleMismatch) {
		t.Fatalf("expected ErrRoleMismatch, got %v", err)
	}
	if _, err := employee.GetTrustedIssuers(); !errors.Is(err, ErrRoleMismatch) {
		t.Fatalf("expected ErrRoleMismatch, got %v", err)
	}
	verifier, _ := spawnNode(t, models.RoleVerifier)
	if _, err := verifier.GetReceivedCredentials(); !errors.Is(err, ErrRoleMismatch) {
		t.Fatalf("expected ErrRoleMismatch, got %v", err)
	}
}

func TestWrongRoleMessageGetsProtocolError(t *testing.T) {
	employee, employeeID := spawnNode(t, models.RoleEmployee)
	verifier, verifierID := spawnNode(t, models.RoleVerifier)

	got := drainConnect(t, mustConnect(t, employee, verifierID, validIssueRequest("wr-1", employeeID)))
	perr, ok := got[2].Message.(protocol.ProtocolError)
	if !ok {
		t.Fatalf("expected protocol error, got %#v", got[2].Message)
	}
	if perr.ErrorCode != protocol.ErrorCodeInvalidMessageForRole || perr.RequestID != "wr-1" {
		t.Fatalf("unexpected protocol error: %+v", perr)
	}
	if records, _ := verifier.GetVerifiedCredentials(); len(records) != 0 {
		t.Fatalf("verifier ledger changed: %+v", records)
	}
}

func TestInvalidIssueRequestFields(t *testing.T) {
	issuer, issuerID := spawnNode(t, models.RoleIssuer)
	employee, employeeID := spawnNode(t, models.RoleEmployee)

	req := validIssueRequest("bad-1", employeeID)
	req.PayPeriod = "October"
	got := drainConnect(t, mustConnect(t, employee, issuerID, req))
	perr, ok := got[2].Message.(protocol.ProtocolError)
	if !ok || perr.ErrorCode != protocol.ErrorCodeInvalidRequest {
		t.Fatalf("expected invalid request error, got %#v", got[2].Message)
	}

	spoofed := validIssueRequest("bad-2", issuerID)
	got = drainConnect(t, mustConnect(t, employee, issuerID, spoofed))
	perr, ok = got[2].Message.(protocol.ProtocolError)
	if !ok || perr.ErrorCode != protocol.ErrorCodeProcessing {
		t.Fatalf("expected processing error for spoofed employee id, got %#v", got[2].Message)
	}
	if pending, _ := issuer.GetPendingRequests(); len(pending) != 0 {
		t.Fatalf("invalid requests reached the ledger: %+v", pending)
	}
}

func TestUnknownMessageTypeWithID(t *testing.T) {
	_, issuerID := spawnNode(t, models.RoleIssuer)
	sender, _ := spawnNode(t, models.RoleEmployee)

	dial, err := sender.endpoint.Dial(context.Background(), issuerID, []byte(`{"type":"revokeCredential","requestId":"u1"}`))
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	var response []byte
	for ev := range dial {
		if ev.Type == peer.DialResponse {
			response = ev.Payload
		}
	}
	msg, err := protocol.Decode(response)
	if err != nil {
		t.Fatalf("decode reply failed: %v", err)
	}
	perr, ok := msg.(protocol.ProtocolError)
	if !ok || perr.ErrorCode != protocol.ErrorCodeUnknownMessageType || perr.RequestID != "u1" {
		t.Fatalf("unexpected reply: %#v", msg)
	}
}

func TestOutOfBandVerificationResultIsRecorded(t *testing.T) {
	employee, employeeID := spawnNode(t, models.RoleEmployee)
	verifier, verifierID := spawnNode(t, models.RoleVerifier)

	employee.employee.startPresentation(models.PresentationResult{
		PresentationID: "oob-1",
		VerifierNodeID: verifierID,
		RequestID:      "r-oob",
		PresentedAt:    time.Unix(0, 0).UTC(),
	})

	got := drainConnect(t, mustConnect(t, verifier, employeeID, protocol.VerificationResult{
		PresentationID: "oob-1",
		IsValid:        true,
		IsTrusted:      true,
		IssuerNodeID:   "issuer",
		Message:        "ok",
	}))
	assertConnectTypes(t, got, ConnectConnected, ConnectMessageSent, ConnectClosed)
	if got[2].Error != "" {
		t.Fatalf("expected clean close, got %q", got[2].Error)
	}

	res, ok, err := employee.GetPresentationResult("oob-1")
	if err != nil || !ok || !res.Completed || !res.IsTrusted || res.RequestID != "r-oob" {
		t.Fatalf("out-of-band result not recorded: %+v ok=%v err=%v", res, ok, err)
	}
}

func TestUnsolicitedVerificationResultIsIgnored(t *testing.T) {
	employee, employeeID := spawnNode(t, models.RoleEmployee)
	verifier, verifierID := spawnNode(t, models.RoleVerifier)
	other, _ := spawnNode(t, models.RoleVerifier)

	employee.employee.startPresentation(models.PresentationResult{
		PresentationID: "p-1",
		VerifierNodeID: verifierID,
		PresentedAt:    time.Unix(0, 0).UTC(),
	})

	drainConnect(t, mustConnect(t, verifier, employeeID, protocol.VerificationResult{
		PresentationID: "never-presented",
		IsValid:        true,
		IsTrusted:      true,
		Message:        "forged",
	}))
	drainConnect(t, mustConnect(t, other, employeeID, protocol.VerificationResult{
		PresentationID: "p-1",
		IsValid:        true,
		IsTrusted:      true,
		Message:        "wrong verifier",
	}))

	if _, ok, _ := employee.GetPresentationResult("never-presented"); ok {
		t.Fatal("result for an unknown presentation was recorded")
	}
	res, ok, _ := employee.GetPresentationResult("p-1")
	if !ok || res.Completed {
		t.Fatalf("result from another verifier completed the presentation: %+v", res)
	}
	all, _ := employee.GetPresentationResults()
	if len(all) != 1 {
		t.Fatalf("unexpected presentations %+v", all)
	}
}

func TestConnectionLifecycleIsBroadcast(t *testing.T) {
	_, issuerID := spawnNode(t, models.RoleIssuer)
	employee, employeeID := spawnNode(t, models.RoleEmployee)

	var (
		mu       sync.Mutex
		statuses []models.ConnectionStatus
	)
	employee.SubscribeToConnections(func(c models.PeerConnection) {
		if c.NodeID != issuerID {
			return
		}
		mu.Lock()
		if len(statuses) == 0 || statuses[len(statuses)-1] != c.Status {
			statuses = append(statuses, c.Status)
		}
		mu.Unlock()
	})
	drainConnect(t, mustConnect(t, employee, issuerID, validIssueRequest("lc-1", employeeID)))

	mu.Lock()
	defer mu.Unlock()
	want := []models.ConnectionStatus{models.ConnectionConnecting, models.ConnectionConnected, models.ConnectionDisconnected}
	if len(statuses) != len(want) {
		t.Fatalf("unexpected transitions %v", statuses)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("unexpected transitions %v", statuses)
		}
	}
	conns, _ := employee.GetConnections()
	if len(conns) != 1 || conns[0].Status != models.ConnectionDisconnected || conns[0].LastActivity.IsZero() {
		t.Fatalf("unexpected registry: %+v", conns)
	}
}

func TestInboundExchangeMovesThroughConnecting(t *testing.T) {
	issuer, issuerID := spawnNode(t, models.RoleIssuer)
	employee, employeeID := spawnNode(t, models.RoleEmployee)

	var (
		mu       sync.Mutex
		statuses []models.ConnectionStatus
	)
	issuer.SubscribeToConnections(func(c models.PeerConnection) {
		if c.NodeID != employeeID {
			return
		}
		mu.Lock()
		if len(statuses) == 0 || statuses[len(statuses)-1] != c.Status {
			statuses = append(statuses, c.Status)
		}
		mu.Unlock()
	})
	drainConnect(t, mustConnect(t, employee, issuerID, validIssueRequest("in-1", employeeID)))

	want := []models.ConnectionStatus{models.ConnectionConnecting, models.ConnectionConnected, models.ConnectionDisconnected}
	eventually(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(statuses) == len(want)
	}, "inbound exchange did not reach disconnected")
	mu.Lock()
	defer mu.Unlock()
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("unexpected inbound transitions %v", statuses)
		}
	}
}

func TestConnectionSubscriberMayCloseNode(t *testing.T) {
	_, issuerID := spawnNode(t, models.RoleIssuer)
	employee, employeeID := spawnNode(t, models.RoleEmployee)

	var once sync.Once
	employee.SubscribeToConnections(func(c models.PeerConnection) {
		if c.Status == models.ConnectionConnecting {
			once.Do(func() { _ = employee.Close() })
		}
	})

	done := make(chan error, 1)
	go func() {
		_, err := employee.Connect(issuerID, validIssueRequest("close-1", employeeID))
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, ErrNodeClosed) {
			t.Fatalf("expected ErrNodeClosed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("connect blocked after a subscriber closed the node")
	}
	conns, _ := employee.GetConnections()
	if len(conns) != 1 || conns[0].Status != models.ConnectionError {
		t.Fatalf("expected aborted attempt in error state, got %+v", conns)
	}
}

func TestConnectionSubscriberMayReadRegistryDuringClose(t *testing.T) {
	_, issuerID := spawnNode(t, models.RoleIssuer)
	employee, employeeID := spawnNode(t, models.RoleEmployee)

	reached := make(chan struct{})
	closing := make(chan struct{})
	var once sync.Once
	employee.SubscribeToConnections(func(c models.PeerConnection) {
		if c.Status != models.ConnectionConnecting {
			return
		}
		once.Do(func() {
			close(reached)
			<-closing
			deadline := time.Now().Add(2 * time.Second)
			for !employee.isClosed() && time.Now().Before(deadline) {
				time.Sleep(5 * time.Millisecond)
			}
			_, _ = employee.GetConnections()
		})
	})

	connectDone := make(chan error, 1)
	go func() {
		_, err := employee.Connect(issuerID, validIssueRequest("read-1", employeeID))
		connectDone <- err
	}()
	select {
	case <-reached:
	case <-time.After(5 * time.Second):
		t.Fatal("connecting status never published")
	}

	closeDone := make(chan error, 1)
	go func() { closeDone <- employee.Close() }()
	close(closing)

	timeout := time.After(5 * time.Second)
	for i := 0; i < 2; i++ {
		select {
		case err := <-connectDone:
			if !errors.Is(err, ErrNodeClosed) {
				t.Fatalf("expected ErrNodeClosed, got %v", err)
			}
		case err := <-closeDone:
			if err != nil {
				t.Fatalf("close failed: %v", err)
			}
		case <-timeout:
			t.Fatal("connect or close blocked while a subscriber read the registry")
		}
	}
}

func TestDialTimeoutBecomesErrorState(t *testing.T) {
	n := New(Options{Logger: quietLogger(), Peer: peer.Config{ResponseTimeout: 100 * time.Millisecond}})
	t.Cleanup(func() { _ = n.Close() })
	if _, err := n.Spawn(context.Background(), models.RoleEmployee, ""); err != nil {
		t.Fatalf("spawn failed: %v", err)
	}
	offline, err := identity.GenerateSecretKey()
	if err != nil {
		t.Fatalf("generate secret: %v", err)
	}
	offlineID, _ := identity.DerivePublicID(offline)

	got := drainConnect(t, mustConnect(t, n, offlineID, protocol.RequestQueued{RequestID: "t1", Message: "x"}))
	last := got[len(got)-1]
	if last.Type != ConnectClosed || !strings.Contains(last.Error, "timed out") {
		t.Fatalf("expected timeout close, got %+v", last)
	}
	conns, _ := n.GetConnections()
	if len(conns) != 1 || conns[0].Status != models.ConnectionError {
		t.Fatalf("expected error state, got %+v", conns)
	}
}

func TestAcceptEventsRunAfterHandler(t *testing.T) {
	issuer, issuerID := spawnNode(t, models.RoleIssuer)
	employee, employeeID := spawnNode(t, models.RoleEmployee)

	seen := make(chan int, 4)
	issuer.SubscribeToAcceptEvents(func(ev AcceptEvent) {
		if ev.Type == AcceptMessageReceived {
			pending, _ := issuer.GetPendingRequests()
			seen <- len(pending)
		}
	})
	drainConnect(t, mustConnect(t, employee, issuerID, validIssueRequest("order-1", employeeID)))
	select {
	case n := <-seen:
		if n != 1 {
			t.Fatalf("subscriber ran before handler: %d entries", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no messageReceived event")
	}
}

func TestPanickingSubscriberDoesNotBlockOthers(t *testing.T) {
	issuer, issuerID := spawnNode(t, models.RoleIssuer)
	employee, employeeID := spawnNode(t, models.RoleEmployee)

	var order []string
	var mu sync.Mutex
	issuer.SubscribeToAcceptEvents(func(ev AcceptEvent) {
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
		panic("boom")
	})
	issuer.SubscribeToAcceptEvents(func(ev AcceptEvent) {
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
	})
	drainConnect(t, mustConnect(t, employee, issuerID, validIssueRequest("panic-1", employeeID)))

	eventually(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) >= 8
	}, "subscribers did not see all four accept events")
	mu.Lock()
	defer mu.Unlock()
	for i := 0; i+1 < len(order); i += 2 {
		if order[i] != "first" || order[i+1] != "second" {
			t.Fatalf("unexpected delivery order %v", order)
		}
	}
}

func TestEventsStreamRestartsAndEndsOnClose(t *testing.T) {
	issuer, issuerID := spawnNode(t, models.RoleIssuer)
	employee, employeeID := spawnNode(t, models.RoleEmployee)

	ctx, cancel := context.WithCancel(context.Background())
	first, err := issuer.Events(ctx)
	if err != nil {
		t.Fatalf("events failed: %v", err)
	}
	cancel()
	waitClosed(t, first)

	second, err := issuer.Events(context.Background())
	if err != nil {
		t.Fatalf("events restart failed: %v", err)
	}
	drainConnect(t, mustConnect(t, employee, issuerID, validIssueRequest("ev-1", employeeID)))
	select {
	case ev := <-second:
		if ev.Type != AcceptAccepted || ev.NodeID != employeeID {
			t.Fatalf("unexpected first event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no accept event on restarted stream")
	}

	if err := issuer.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	waitClosed(t, second)
	if _, err := issuer.Connect(employeeID, protocol.RequestQueued{RequestID: "x"}); !errors.Is(err, ErrNodeClosed) {
		t.Fatalf("expected ErrNodeClosed, got %v", err)
	}
}

func TestSubscriberListUnsubscribe(t *testing.T) {
	l := newSubscriberList[int]("test", quietLogger())
	var got []int
	unsubscribe := l.add(func(v int) { got = append(got, v) })
	l.publish(1)
	unsubscribe()
	unsubscribe()
	l.publish(2)
	if len(got) != 1 || got[0] != 1 || l.count() != 0 {
		t.Fatalf("unexpected deliveries %v", got)
	}
}

func spawnNode(t *testing.T, role models.Role) (*Node, string) {
	t.Helper()
	n := New(Options{
		Logger:  quietLogger(),
		Metrics: metrics.New(),
		Peer:    peer.Config{ResponseTimeout: 3 * time.Second},
	})
	info, err := n.Spawn(context.Background(), role, "")
	if err != nil {
		t.Fatalf("spawn %s failed: %v", role, err)
	}
	t.Cleanup(func() { _ = n.Close() })
	return n, info.NodeID
}

func obtainCredential(t *testing.T, issuer *Node, issuerID string, employee *Node) string {
	t.Helper()
	requestID, events, err := employee.RequestCredential(issuerID, models.CredentialRequestInput{
		EmployeeName: "Alice",
		GrossSalary:  "120000",
		NetSalary:    "95000",
		Currency:     "USD",
		PayPeriod:    "2024-10",
		PaymentMode:  models.PaymentModeBankTransfer,
	})
	if err != nil {
		t.Fatalf("request credential failed: %v", err)
	}
	drainConnect(t, events)
	if _, err := issuer.ApproveRequest(context.Background(), requestID); err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	waitReceived(t, employee, requestID)
	return requestID
}

func validIssueRequest(id, employeeID string) protocol.IssueRequest {
	return protocol.IssueRequest{
		RequestID:      id,
		EmployeeNodeID: employeeID,
		EmployeeName:   "Alice",
		GrossSalary:    "120000",
		NetSalary:      "95000",
		Currency:       "USD",
		PayPeriod:      "2024-10",
		PaymentMode:    models.PaymentModeBankTransfer,
	}
}

func mustConnect(t *testing.T, n *Node, peerID string, msg protocol.Message) <-chan ConnectEvent {
	t.Helper()
	events, err := n.Connect(peerID, msg)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	return events
}

func drainConnect(t *testing.T, events <-chan ConnectEvent) []ConnectEvent {
	t.Helper()
	var out []ConnectEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out draining connect events: %+v", out)
		}
	}
}

func assertConnectTypes(t *testing.T, got []ConnectEvent, want ...ConnectEventType) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d events %+v, want %v", len(got), got, want)
	}
	for i := range want {
		if got[i].Type != want[i] {
			t.Fatalf("event %d is %s, want %s", i, got[i].Type, want[i])
		}
	}
}

func waitReceived(t *testing.T, employee *Node, requestID string) models.ReceivedCredentialResponse {
	t.Helper()
	var resp models.ReceivedCredentialResponse
	eventually(t, 3*time.Second, func() bool {
		var ok bool
		resp, ok, _ = employee.GetReceivedCredential(requestID)
		return ok
	}, "employee did not receive response for "+requestID)
	return resp
}

func waitClosed(t *testing.T, ch <-chan AcceptEvent) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("event stream did not close")
		}
	}
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
