package contracts

import contractports "trust-triangle/go-backend/internal/domains/contracts/ports"

type NodeAPI = contractports.NodeAPI
type IssuerAPI = contractports.IssuerAPI
type VerifierAPI = contractports.VerifierAPI
type EmployeeAPI = contractports.EmployeeAPI
type NodeService = contractports.NodeService
type NotificationEvent = contractports.NotificationEvent
type CategorizedError = contractports.CategorizedError
