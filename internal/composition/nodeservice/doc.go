// Package nodeservice composes one credential node with its host-facing
// runtime: configuration, key file, notifications and metrics.
//
// Responsibilities:
// - Resolve the node identity from explicit input, config or the key file.
// - Turn asynchronous exchange events into results a host can wait for.
// - Forward node events to the notification hub.
// - Categorize failures for the transport layer and metrics.
//
// Non-responsibilities:
// - Credential rules and the wire protocol (implemented in internal/session).
// - JSON-RPC/HTTP handling.
package nodeservice
