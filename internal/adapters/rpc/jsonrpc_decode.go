package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"trust-triangle/go-backend/pkg/models"
)

var errInvalidParams = errors.New("invalid params")

func decodeSingleStringParam(raw json.RawMessage) (string, error) {
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil && len(arr) == 1 && strings.TrimSpace(arr[0]) != "" {
		return strings.TrimSpace(arr[0]), nil
	}
	return "", errInvalidParams
}

func decodeTwoStringParams(raw json.RawMessage) (string, string, error) {
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil && len(arr) == 2 && strings.TrimSpace(arr[0]) != "" && strings.TrimSpace(arr[1]) != "" {
		return strings.TrimSpace(arr[0]), strings.TrimSpace(arr[1]), nil
	}
	return "", "", errInvalidParams
}

// decodeOptionalSecondParam accepts [first] or [first, second]; second may
// be empty.
func decodeOptionalSecondParam(raw json.RawMessage) (string, string, error) {
	var arr []string
	if err := json.Unmarshal(raw, &arr); err != nil || len(arr) < 1 || len(arr) > 2 {
		return "", "", errInvalidParams
	}
	first := strings.TrimSpace(arr[0])
	if first == "" {
		return "", "", errInvalidParams
	}
	if len(arr) == 1 {
		return first, "", nil
	}
	return first, strings.TrimSpace(arr[1]), nil
}

// decodeConnectParams accepts [peerId, message] where message is a protocol
// message object.
func decodeConnectParams(raw json.RawMessage) (string, json.RawMessage, error) {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil || len(arr) != 2 {
		return "", nil, errInvalidParams
	}
	var peerID string
	if err := json.Unmarshal(arr[0], &peerID); err != nil || strings.TrimSpace(peerID) == "" {
		return "", nil, errInvalidParams
	}
	msg := bytes.TrimSpace(arr[1])
	if len(msg) == 0 || msg[0] != '{' {
		return "", nil, errInvalidParams
	}
	return strings.TrimSpace(peerID), msg, nil
}

type credentialRequestParams struct {
	IssuerID string `json:"issuerId"`
	models.CredentialRequestInput
}

// decodeCredentialRequestParams accepts {issuerId, employeeName, ...} or the
// same object wrapped in a one-element array.
func decodeCredentialRequestParams(raw json.RawMessage) (string, models.CredentialRequestInput, error) {
	var p credentialRequestParams
	var arr []credentialRequestParams
	if err := json.Unmarshal(raw, &arr); err == nil && len(arr) == 1 {
		p = arr[0]
	} else if err := json.Unmarshal(raw, &p); err != nil {
		return "", models.CredentialRequestInput{}, errInvalidParams
	}
	issuerID := strings.TrimSpace(p.IssuerID)
	if issuerID == "" {
		return "", models.CredentialRequestInput{}, errInvalidParams
	}
	return issuerID, p.CredentialRequestInput, nil
}
