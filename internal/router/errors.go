package router

import "errors"

// Router errors
var (
	ErrInvalidMessageType      = errors.New("invalid message type")
	ErrUnauthorizedMessageType = errors.New("role not authorized to send this message type")
	ErrRateLimitExceeded       = errors.New("rate limit exceeded")
	ErrSenderNotConnected      = errors.New("sender not authenticated")
	ErrInvalidPayload          = errors.New("invalid message payload")
	ErrMissingDeviceID         = errors.New("message missing deviceId")
	ErrMissingViewerID         = errors.New("message missing viewerId")
)
