package peer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	kindRequest  = "request"
	kindResponse = "response"
	kindClose    = "close"
)

var (
	ErrEnvelopeMalformed = errors.New("peer envelope is malformed")
	ErrEnvelopeSignature = errors.New("peer envelope signature is invalid")
	ErrEnvelopeSender    = errors.New("peer envelope sender mismatch")
)

// envelope wraps one credential message on the shared topic. The sender signs
// every field so a relay cannot redirect or rewrite it.
type envelope struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	ReplyTo   string `json:"replyTo,omitempty"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	SentAt    int64  `json:"sentAt"`
	Body      []byte `json:"body,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Signature []byte `json:"signature"`
}

func (e envelope) signingBytes() []byte {
	var b bytes.Buffer
	for _, part := range []string{e.Kind, e.ID, e.ReplyTo, e.Sender, e.Recipient, strconv.FormatInt(e.SentAt, 10), e.Reason} {
		b.WriteString(part)
		b.WriteByte(0)
	}
	b.Write(e.Body)
	return b.Bytes()
}

func (e envelope) validate() error {
	if strings.TrimSpace(e.ID) == "" || strings.TrimSpace(e.Sender) == "" || strings.TrimSpace(e.Recipient) == "" {
		return fmt.Errorf("%w: missing id or address", ErrEnvelopeMalformed)
	}
	switch e.Kind {
	case kindRequest:
		if e.ReplyTo != "" {
			return fmt.Errorf("%w: request with replyTo", ErrEnvelopeMalformed)
		}
	case kindResponse, kindClose:
		if e.ReplyTo == "" {
			return fmt.Errorf("%w: %s without replyTo", ErrEnvelopeMalformed, e.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrEnvelopeMalformed, e.Kind)
	}
	return nil
}

func (ep *Endpoint) seal(e envelope) ([]byte, error) {
	sig, err := ep.signer.Sign(e.signingBytes())
	if err != nil {
		return nil, err
	}
	e.Signature = sig
	return json.Marshal(e)
}

// open decodes and authenticates an envelope addressed to this endpoint.
func (ep *Endpoint) open(transportSender string, raw []byte) (envelope, error) {
	var e envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return envelope{}, fmt.Errorf("%w: %v", ErrEnvelopeMalformed, err)
	}
	if err := e.validate(); err != nil {
		return envelope{}, err
	}
	if e.Recipient != ep.selfID {
		return envelope{}, fmt.Errorf("%w: addressed to another node", ErrEnvelopeMalformed)
	}
	if transportSender != "" && transportSender != e.Sender {
		return envelope{}, ErrEnvelopeSender
	}
	ok, err := ep.verify(e.signingBytes(), e.Signature, e.Sender)
	if err != nil {
		return envelope{}, fmt.Errorf("%w: %v", ErrEnvelopeSignature, err)
	}
	if !ok {
		return envelope{}, ErrEnvelopeSignature
	}
	return e, nil
}
