package models

import "time"

// CredentialRequestInput holds the salary fields an employee asks an issuer
// to certify.
type CredentialRequestInput struct {
	EmployeeName string      `json:"employeeName"`
	GrossSalary  string      `json:"grossSalary"`
	NetSalary    string      `json:"netSalary"`
	Currency     string      `json:"currency"`
	PayPeriod    string      `json:"payPeriod"`
	PaymentMode  PaymentMode `json:"paymentMode"`
}

type NetworkStatus struct {
	Status          string    `json:"status"`
	PeerCount       int       `json:"peerCount"`
	LastSync        time.Time `json:"lastSync,omitempty"`
	ListenAddresses []string  `json:"listenAddresses,omitempty"`
	// Metrics holds transport counters such as network_state_transitions.
	Metrics map[string]int `json:"metrics,omitempty"`
}

// ExchangeEvent is one step of an outbound exchange as reported to a host.
// Message carries the wire message and marshals with its type tag.
type ExchangeEvent struct {
	Type          string `json:"type"`
	NodeID        string `json:"nodeId"`
	Message       any    `json:"message,omitempty"`
	BytesSent     int    `json:"bytesSent,omitempty"`
	BytesReceived int    `json:"bytesReceived,omitempty"`
	Error         string `json:"error,omitempty"`
}

// ExchangeResult is the outcome of an exchange the host waited for.
// CorrelationID is the request or presentation id the exchange carried.
type ExchangeResult struct {
	CorrelationID string          `json:"correlationId,omitempty"`
	Events        []ExchangeEvent `json:"events"`
	Response      any             `json:"response,omitempty"`
	Error         string          `json:"error,omitempty"`
}
