// Package app holds runtime pieces shared by the daemon composition and its
// adapters that belong to no single protocol.
//
// Responsibilities:
// - Fan node notifications out to host subscribers with a bounded replay log.
// - Build the process logger with the privacy policy applied.
//
// Non-responsibilities:
// - JSON-RPC/HTTP protocol handling and endpoint-level mapping.
// - Credential workflows, which live in the session package.
package app
