package session

import "errors"

var (
	ErrEmpty          = errors.New("session: queue empty")
	ErrSeqOutOfRange  = errors.New("session: sequence number out of range")
	ErrSeqRegression  = errors.New("session: sequence regression without possible duplicate")
	ErrHandshake      = errors.New("session: logon handshake failed")
	ErrLogonRejected  = errors.New("session: logon rejected")
	ErrDeadLink       = errors.New("session: peer silent for two read timeouts")
	ErrSessionRunning = errors.New("session: already running")
	ErrInvalidConfig  = errors.New("session: invalid config")

	// errSignalStop unwinds the sender loop for the current connection.
	errSignalStop = errors.New("session: stop signal")
)
