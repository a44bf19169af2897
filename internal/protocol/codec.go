package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MaxMessageBytes caps a single encoded protocol message.
const MaxMessageBytes = 1 << 20 // 1 MiB

var (
	ErrSerialization      = errors.New("malformed credential message")
	ErrUnknownMessageType = errors.New("unknown credential message type")
	ErrNilMessage         = errors.New("credential message is nil")
)

// UnknownTypeError reports a well-formed message whose type is not part of
// the protocol. RequestID is set when the payload carried one.
type UnknownTypeError struct {
	Type      string
	RequestID string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("%s: %q", ErrUnknownMessageType.Error(), e.Type)
}

func (e *UnknownTypeError) Is(target error) bool {
	return target == ErrUnknownMessageType
}

type header struct {
	Type           string `json:"type"`
	RequestID      string `json:"requestId"`
	PresentationID string `json:"presentationId"`
}

func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, ErrNilMessage
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	if len(data) > MaxMessageBytes {
		return nil, fmt.Errorf("%w: message exceeds %d bytes", ErrSerialization, MaxMessageBytes)
	}
	return data, nil
}

// Decode parses one message. Malformed input yields ErrSerialization; an
// unrecognised type yields *UnknownTypeError.
func Decode(data []byte) (Message, error) {
	if len(data) > MaxMessageBytes {
		return nil, fmt.Errorf("%w: message exceeds %d bytes", ErrSerialization, MaxMessageBytes)
	}
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	h.Type = strings.TrimSpace(h.Type)
	if h.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrSerialization)
	}

	var (
		msg Message
		err error
	)
	switch h.Type {
	case TypeIssueRequest:
		msg, err = decodeAs[IssueRequest](data)
	case TypeRequestQueued:
		msg, err = decodeAs[RequestQueued](data)
	case TypeIssueResponse:
		msg, err = decodeAs[IssueResponse](data)
	case TypePresentCredential:
		msg, err = decodeAs[PresentCredential](data)
	case TypeVerificationResult:
		msg, err = decodeAs[VerificationResult](data)
	case TypeError:
		msg, err = decodeAs[ProtocolError](data)
	default:
		id := h.RequestID
		if id == "" {
			id = h.PresentationID
		}
		return nil, &UnknownTypeError{Type: h.Type, RequestID: id}
	}
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(msg.CorrelationID()) == "" {
		return nil, fmt.Errorf("%w: %s without correlation id", ErrSerialization, h.Type)
	}
	return msg, nil
}

func decodeAs[T Message](data []byte) (Message, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return v, nil
}

// ErrorReply builds the ProtocolError answer for a failed inbound message.
func ErrorReply(requestID, code, message string) ProtocolError {
	if strings.TrimSpace(requestID) == "" {
		requestID = UnknownRequestID
	}
	return ProtocolError{RequestID: requestID, ErrorCode: code, Message: message}
}
