package command

import "errors"

// Dispatch errors; only malformed or throttled commands fail as a whole
var (
	ErrNilCommand       = errors.New("command cannot be nil")
	ErrUnknownType      = errors.New("unknown command type")
	ErrNoTargets        = errors.New("explicit target list is empty")
	ErrInvalidTarget    = errors.New("invalid target device id")
	ErrPayloadTooLarge  = errors.New("command payload too large")
	ErrInvalidPayload   = errors.New("invalid command payload")
	ErrMissingIssuer    = errors.New("command has no issuer")
	ErrRateLimited      = errors.New("command rate limit exceeded")
	ErrPolicyNotAllowed = errors.New("flight path belongs to a different school")
)
