package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"trust-triangle/go-backend/pkg/models"
)

func TestEncodeWritesTypeDiscriminant(t *testing.T) {
	data, err := Encode(IssueRequest{
		RequestID:      "r1",
		EmployeeNodeID: "emp",
		EmployeeName:   "Alice",
		GrossSalary:    "120000",
		NetSalary:      "95000",
		Currency:       "USD",
		PayPeriod:      "2024-10",
		PaymentMode:    models.PaymentModeBankTransfer,
	})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if raw["type"] != TypeIssueRequest {
		t.Fatalf("unexpected type: %v", raw["type"])
	}
	if raw["requestId"] != "r1" || raw["paymentMode"] != "bank_transfer" {
		t.Fatalf("unexpected fields: %v", raw)
	}
}

func TestDecodeEveryVariant(t *testing.T) {
	cred := models.SignedIncomeCredential{
		Credential: models.IncomeCredential{ID: "c1", EmployerNodeID: "iss", PaymentMode: models.PaymentModeCash},
		Signature:  []byte{1, 2, 3},
	}
	cases := []Message{
		IssueRequest{RequestID: "r1", PaymentMode: models.PaymentModeCheck},
		RequestQueued{RequestID: "r1", Message: "queued"},
		IssueResponse{RequestID: "r1", Credential: &cred},
		IssueResponse{RequestID: "r2", Error: "rejected"},
		PresentCredential{PresentationID: "p1", Credential: cred},
		VerificationResult{PresentationID: "p1", IsValid: true, IssuerNodeID: "iss", Message: "ok"},
		ProtocolError{RequestID: "r1", ErrorCode: ErrorCodeProcessing, Message: "boom"},
	}
	for _, want := range cases {
		data, err := Encode(want)
		if err != nil {
			t.Fatalf("encode %s failed: %v", want.Type(), err)
		}
		got, err := Decode(data)
		if err != nil {
			t.Fatalf("decode %s failed: %v", want.Type(), err)
		}
		if got.Type() != want.Type() || got.CorrelationID() != want.CorrelationID() {
			t.Fatalf("decoded %s/%s, want %s/%s", got.Type(), got.CorrelationID(), want.Type(), want.CorrelationID())
		}
	}
}

func TestDecodeIssueResponseKeepsCredential(t *testing.T) {
	data := []byte(`{"type":"issueResponse","requestId":"r1","credential":{"credential":{"id":"c1","grossSalary":"10"},"signature":"AQID"}}`)
	msg, err := Decode(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	resp, ok := msg.(IssueResponse)
	if !ok {
		t.Fatalf("unexpected message type %T", msg)
	}
	if resp.Credential == nil || resp.Credential.Credential.GrossSalary != "10" || len(resp.Credential.Signature) != 3 {
		t.Fatalf("credential not decoded: %+v", resp.Credential)
	}
}

func TestDecodeMalformedIsSerializationError(t *testing.T) {
	cases := [][]byte{
		[]byte(`not json`),
		[]byte(`{"requestId":"r1"}`),
		[]byte(`{"type":"issueRequest"}`),
		[]byte(`{"type":"verificationResult","presentationId":"p1","isValid":"yes"}`),
	}
	for _, data := range cases {
		if _, err := Decode(data); !errors.Is(err, ErrSerialization) {
			t.Fatalf("expected ErrSerialization for %s, got %v", data, err)
		}
	}
	big := []byte(`{"type":"requestQueued","requestId":"r","message":"` + strings.Repeat("x", MaxMessageBytes) + `"}`)
	if _, err := Decode(big); !errors.Is(err, ErrSerialization) {
		t.Fatalf("expected ErrSerialization for oversized message, got %v", err)
	}
}

func TestDecodeUnknownTypeCarriesRequestID(t *testing.T) {
	_, err := Decode([]byte(`{"type":"revokeCredential","requestId":"r9"}`))
	if !errors.Is(err, ErrUnknownMessageType) {
		t.Fatalf("expected ErrUnknownMessageType, got %v", err)
	}
	var unknown *UnknownTypeError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected *UnknownTypeError, got %T", err)
	}
	if unknown.RequestID != "r9" || unknown.Type != "revokeCredential" {
		t.Fatalf("unexpected unknown type error: %+v", unknown)
	}
}

func TestErrorReplyDefaultsRequestID(t *testing.T) {
	reply := ErrorReply(" ", ErrorCodeInvalidMessageForRole, "nope")
	if reply.RequestID != UnknownRequestID {
		t.Fatalf("expected unknown request id, got %q", reply.RequestID)
	}
}

func TestEncodeNil(t *testing.T) {
	if _, err := Encode(nil); !errors.Is(err, ErrNilMessage) {
		t.Fatalf("expected ErrNilMessage, got %v", err)
	}
}
