package rpc

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type rpcRequest struct {
	JSONRPC    string          `json:"jsonrpc"`
	ID         json.RawMessage `json:"id"`
	Method     string          `json:"method"`
	Params     json.RawMessage `json:"params"`
	APIVersion *int            `json:"api_version,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

const maxRPCBodyBytes int64 = 1 << 20 // 1 MiB

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if !s.authorizeRPC(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	token := s.extractRPCToken(r)
	if !s.rpcLimiter.Allow(clientKey(r, token), time.Now()) {
		writeRPCStatus(w, http.StatusTooManyRequests, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: codeRateLimited, Message: "rate limit exceeded"}})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRPCBodyBytes)
	var req rpcRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		writeRPC(w, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: codeParseError, Message: "parse error"}})
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		writeRPCInvalidRequest(w, req.ID)
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeRPCInvalidRequest(w, req.ID)
		return
	}
	if rpcErr := validateRPCAPIVersion(req.APIVersion); rpcErr != nil {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: rpcErr})
		return
	}

	cacheKey := rpcIdempotencyKey(r.Header.Get(IdempotencyHeader), token)
	requestHash := ""
	if cacheKey != "" {
		requestHash = rpcRequestHash(req)
		cached, hit, conflict := s.idempotency.get(cacheKey, requestHash, time.Now())
		if conflict {
			writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeIdempotencyConflict, Message: "idempotency key reused for a different request"}})
			return
		}
		if hit {
			cached.ID = req.ID
			writeRPC(w, cached)
			return
		}
	}

	reqID := "rpc_" + uuid.NewString()
	started := time.Now()
	s.logger.Info("rpc request", "rpc_request_id", reqID, "operation", req.Method)

	result, rpcErr := s.dispatchRPC(r.Context(), req.Method, req.Params)
	latency := time.Since(started).Milliseconds()
	if rpcErr != nil {
		s.logger.Error("rpc failed", "rpc_request_id", reqID, "operation", req.Method, "rpc_code", rpcErr.Code, "error", rpcErr.Message, "latency_ms", latency)
	} else {
		s.logger.Info("rpc response", "rpc_request_id", reqID, "operation", req.Method, "latency_ms", latency)
	}
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result, Error: rpcErr}
	if cacheKey != "" {
		s.idempotency.set(cacheKey, requestHash, resp, time.Now())
	}
	writeRPC(w, resp)
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	writeRPCStatus(w, http.StatusOK, resp)
}

func writeRPCStatus(w http.ResponseWriter, status int, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func writeRPCInvalidRequest(w http.ResponseWriter, id json.RawMessage) {
	writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: codeInvalidRequest, Message: "invalid request"}})
}

// call runs fn and maps its error.
func call(fn func() (any, error)) (any, *rpcError) {
	result, err := fn()
	if err != nil {
		return nil, mapServiceError(err)
	}
	return result, nil
}

func withString(raw json.RawMessage, fn func(string) (any, error)) (any, *rpcError) {
	v, err := decodeSingleStringParam(raw)
	if err != nil {
		return nil, rpcInvalidParams()
	}
	return call(func() (any, error) { return fn(v) })
}

func withTwoStrings(raw json.RawMessage, fn func(a, b string) (any, error)) (any, *rpcError) {
	a, b, err := decodeTwoStringParams(raw)
	if err != nil {
		return nil, rpcInvalidParams()
	}
	return call(func() (any, error) { return fn(a, b) })
}

func found[T any](v T, ok bool, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errRecordNotFound
	}
	return v, nil
}
