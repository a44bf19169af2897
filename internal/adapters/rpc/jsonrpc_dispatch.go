package rpc

import (
	"context"
	"encoding/json"

	"trust-triangle/go-backend/pkg/models"
)

func (s *Server) dispatchRPC(ctx context.Context, method string, raw json.RawMessage) (any, *rpcError) {
	switch method {
	case "health_check":
		return map[string]string{"status": "ok"}, nil
	case "rpc.version":
		return rpcVersionInfo(), nil
	}
	if result, rpcErr, ok := s.dispatchNodeRPC(ctx, method, raw); ok {
		return result, rpcErr
	}
	if result, rpcErr, ok := s.dispatchIssuerRPC(ctx, method, raw); ok {
		return result, rpcErr
	}
	if result, rpcErr, ok := s.dispatchVerifierRPC(method, raw); ok {
		return result, rpcErr
	}
	if result, rpcErr, ok := s.dispatchEmployeeRPC(ctx, method, raw); ok {
		return result, rpcErr
	}
	return nil, &rpcError{Code: codeMethodNotFound, Message: "method not found"}
}

func (s *Server) dispatchNodeRPC(ctx context.Context, method string, raw json.RawMessage) (any, *rpcError, bool) {
	var (
		result any
		rpcErr *rpcError
	)
	switch method {
	case "node.spawn":
		role, secretKey, err := decodeOptionalSecondParam(raw)
		if err != nil {
			return nil, rpcInvalidParams(), true
		}
		result, rpcErr = call(func() (any, error) {
			return s.service.Spawn(ctx, models.Role(role), secretKey)
		})
	case "node.info":
		result, rpcErr = call(func() (any, error) { return s.service.NodeInfo() })
	case "network.status":
		result, rpcErr = call(func() (any, error) { return s.service.GetNetworkStatus() })
	case "node.connect":
		peerID, msg, err := decodeConnectParams(raw)
		if err != nil {
			return nil, rpcInvalidParams(), true
		}
		result, rpcErr = call(func() (any, error) { return s.service.Connect(ctx, peerID, msg) })
	case "node.connections":
		result, rpcErr = call(func() (any, error) { return s.service.GetConnections() })
	default:
		return nil, nil, false
	}
	return result, rpcErr, true
}

func (s *Server) dispatchIssuerRPC(ctx context.Context, method string, raw json.RawMessage) (any, *rpcError, bool) {
	var (
		result any
		rpcErr *rpcError
	)
	switch method {
	case "issuer.pending":
		result, rpcErr = call(func() (any, error) { return s.service.GetPendingRequests() })
	case "issuer.approve":
		result, rpcErr = withString(raw, func(requestID string) (any, error) {
			return s.service.ApproveRequest(ctx, requestID)
		})
	case "issuer.reject":
		requestID, reason, err := decodeOptionalSecondParam(raw)
		if err != nil {
			return nil, rpcInvalidParams(), true
		}
		result, rpcErr = call(func() (any, error) { return s.service.RejectRequest(ctx, requestID, reason) })
	default:
		return nil, nil, false
	}
	return result, rpcErr, true
}

func (s *Server) dispatchVerifierRPC(method string, raw json.RawMessage) (any, *rpcError, bool) {
	var (
		result any
		rpcErr *rpcError
	)
	switch method {
	case "trust.add":
		result, rpcErr = withString(raw, func(nodeID string) (any, error) {
			return map[string]bool{"trusted": true}, s.service.AddTrustedIssuer(nodeID)
		})
	case "trust.remove":
		result, rpcErr = withString(raw, func(nodeID string) (any, error) {
			return map[string]bool{"trusted": false}, s.service.RemoveTrustedIssuer(nodeID)
		})
	case "trust.contains":
		result, rpcErr = withString(raw, func(nodeID string) (any, error) {
			trusted, err := s.service.IsTrustedIssuer(nodeID)
			return map[string]bool{"trusted": trusted}, err
		})
	case "trust.list":
		result, rpcErr = call(func() (any, error) { return s.service.GetTrustedIssuers() })
	case "verifier.credentials":
		result, rpcErr = call(func() (any, error) { return s.service.GetVerifiedCredentials() })
	case "verifier.credential":
		result, rpcErr = withString(raw, func(presentationID string) (any, error) {
			rec, ok, err := s.service.GetVerifiedCredential(presentationID)
			return found(rec, ok, err)
		})
	default:
		return nil, nil, false
	}
	return result, rpcErr, true
}

func (s *Server) dispatchEmployeeRPC(ctx context.Context, method string, raw json.RawMessage) (any, *rpcError, bool) {
	var (
		result any
		rpcErr *rpcError
	)
	switch method {
	case "employee.credentials":
		result, rpcErr = call(func() (any, error) { return s.service.GetReceivedCredentials() })
	case "employee.credential":
		result, rpcErr = withString(raw, func(requestID string) (any, error) {
			resp, ok, err := s.service.GetReceivedCredential(requestID)
			return found(resp, ok, err)
		})
	case "employee.request_credential":
		issuerID, in, err := decodeCredentialRequestParams(raw)
		if err != nil {
			return nil, rpcInvalidParams(), true
		}
		result, rpcErr = call(func() (any, error) { return s.service.RequestCredential(ctx, issuerID, in) })
	case "employee.present":
		result, rpcErr = withTwoStrings(raw, func(verifierID, requestID string) (any, error) {
			return s.service.PresentCredential(ctx, verifierID, requestID)
		})
	case "employee.presentations":
		result, rpcErr = call(func() (any, error) { return s.service.GetPresentationResults() })
	case "employee.presentation":
		result, rpcErr = withString(raw, func(presentationID string) (any, error) {
			res, ok, err := s.service.GetPresentationResult(presentationID)
			return found(res, ok, err)
		})
	default:
		return nil, nil, false
	}
	return result, rpcErr, true
}
