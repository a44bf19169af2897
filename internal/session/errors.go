package session

import "errors"

var (
	ErrNotInitialized      = errors.New("node not initialized")
	ErrAlreadySpawned      = errors.New("node already spawned")
	ErrTransportInitFailed = errors.New("transport init failed")
	ErrRequestNotFound     = errors.New("credential request not found")
	ErrAlreadyDecided      = errors.New("credential request already decided")
	ErrRoleMismatch        = errors.New("operation not available for node role")
	ErrInvalidRole         = errors.New("invalid node role")
	ErrNodeClosed          = errors.New("node closed")
	ErrCredentialNotFound  = errors.New("received credential not found")
	ErrCredentialMissing   = errors.New("received response carries no credential")
)
