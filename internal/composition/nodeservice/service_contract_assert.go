package nodeservice

import "trust-triangle/go-backend/internal/domains/contracts"

var _ contracts.NodeAPI = (*Service)(nil)
var _ contracts.IssuerAPI = (*Service)(nil)
var _ contracts.VerifierAPI = (*Service)(nil)
var _ contracts.EmployeeAPI = (*Service)(nil)
var _ contracts.NodeService = (*Service)(nil)
