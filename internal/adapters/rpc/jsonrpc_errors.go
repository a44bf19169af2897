package rpc

import (
	"context"
	"errors"

	"trust-triangle/go-backend/internal/credential"
	"trust-triangle/go-backend/internal/domains/contracts"
	"trust-triangle/go-backend/internal/identity"
	"trust-triangle/go-backend/internal/peer"
	"trust-triangle/go-backend/internal/protocol"
	"trust-triangle/go-backend/internal/session"
)

// Stable error codes. Standard JSON-RPC codes sit below -32600; service
// errors use the -32001..-32099 server range.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603

	codeNotInitialized     = -32001
	codeAlreadySpawned     = -32002
	codeTransportInit      = -32003
	codeRequestNotFound    = -32004
	codeAlreadyDecided     = -32005
	codeRoleMismatch       = -32006
	codeInvalidRole        = -32007
	codeNodeClosed         = -32008
	codeCredentialNotFound = -32009
	codeCredentialMissing  = -32010
	codeInvalidIdentity    = -32011
	codeInvalidCredential  = -32012
	codeInvalidMessage     = -32013
	codeKeyFile            = -32014
	codeRecordNotFound     = -32015
	codeTimeout            = -32020
	codeNetwork            = -32021

	codeRateLimited         = -32029
	codeVersionUnsupported  = -32080
	codeVersionDeprecated   = -32081
	codeIdempotencyConflict = -32098
)

var errRecordNotFound = errors.New("record not found")

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func rpcInvalidParams() *rpcError {
	return &rpcError{Code: codeInvalidParams, Message: "invalid params"}
}

var errorCodes = []struct {
	target error
	code   int
}{
	{session.ErrNotInitialized, codeNotInitialized},
	{session.ErrAlreadySpawned, codeAlreadySpawned},
	{session.ErrTransportInitFailed, codeTransportInit},
	{session.ErrRequestNotFound, codeRequestNotFound},
	{session.ErrAlreadyDecided, codeAlreadyDecided},
	{session.ErrRoleMismatch, codeRoleMismatch},
	{session.ErrInvalidRole, codeInvalidRole},
	{session.ErrNodeClosed, codeNodeClosed},
	{session.ErrCredentialNotFound, codeCredentialNotFound},
	{session.ErrCredentialMissing, codeCredentialMissing},
	{identity.ErrInvalidSecretKey, codeInvalidIdentity},
	{identity.ErrInvalidNodeID, codeInvalidIdentity},
	{identity.ErrKeyFileLocked, codeKeyFile},
	{credential.ErrInvalidPayPeriod, codeInvalidCredential},
	{credential.ErrInvalidPaymentMode, codeInvalidCredential},
	{credential.ErrMissingField, codeInvalidCredential},
	{protocol.ErrSerialization, codeInvalidMessage},
	{protocol.ErrUnknownMessageType, codeInvalidMessage},
	{protocol.ErrNilMessage, codeInvalidMessage},
	{errRecordNotFound, codeRecordNotFound},
	{peer.ErrResponseTimeout, codeTimeout},
	{context.DeadlineExceeded, codeTimeout},
	{peer.ErrPayloadTooLarge, codeInvalidMessage},
	{peer.ErrDialFailed, codeNetwork},
	{peer.ErrEndpointClosed, codeNetwork},
}

// mapServiceError picks the code of the first matching sentinel and reports
// the error category alongside.
func mapServiceError(err error) *rpcError {
	code := codeInternal
	for _, ec := range errorCodes {
		if errors.Is(err, ec.target) {
			code = ec.code
			break
		}
	}
	return &rpcError{
		Code:    code,
		Message: err.Error(),
		Data:    map[string]string{"category": contracts.ErrorCategory(err)},
	}
}
