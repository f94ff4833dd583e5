package hub

import "errors"

// Hub errors
var (
	ErrHubAlreadyRunning = errors.New("hub is already running")
	ErrHubNotRunning     = errors.New("hub is not running")
	ErrQueueFull         = errors.New("broadcast queue is full")
	ErrInvalidScope      = errors.New("broadcast scope needs a school id and an audience")
	ErrNilEvent          = errors.New("broadcast event cannot be nil")
)
