// Package rpc exposes a credential node over JSON-RPC 2.0 on HTTP.
//
// Responsibilities:
// - Decode and validate requests and map them to NodeService calls.
// - Translate service errors into stable JSON-RPC error codes.
// - Stream node notifications over server-sent events with cursor replay.
// - Guard the API with a token, a localhost origin policy and per-client limits.
//
// Non-responsibilities:
// - Credential workflows and node lifecycle (internal/composition/nodeservice).
package rpc
