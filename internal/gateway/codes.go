package gateway

import "errors"

// WebSocket close codes in the private-use range (4000-4999), mirroring how the rest of the pack's gateways signal
// application-level close reasons distinct from the standard codes in RFC 6455 §7.4.1.
const (
	CloseProtocolViolation = 4000
	CloseAuthFailed        = 4001
	CloseShutdown          = 4003
)

// Sentinel errors surfaced by a connection actor's state machine.
var (
	ErrProtocolViolation = errors.New("gateway: protocol violation")
	ErrAuthFailed        = errors.New("gateway: authentication failed")
)
