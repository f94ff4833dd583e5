package signaling

import (
	"errors"
	"fmt"

	"github.com/bzinkan/SchoolPilot-sub002/pkg/types"
)

// Signaling errors
var (
	ErrDeviceNotConnected = fmt.Errorf("device is not connected to this server: %w", types.ErrNotFound)
	ErrSessionNotFound    = fmt.Errorf("no live view session for this viewer and device: %w", types.ErrNotFound)
	ErrInvalidState       = errors.New("signaling message not valid in the current session state")
	ErrInvalidSDP         = errors.New("invalid session description")
	ErrInvalidCandidate   = errors.New("invalid ICE candidate")
	ErrInvalidPeerState   = errors.New("unknown peer connection state")
	ErrInvalidSide        = errors.New("signaling side must be viewer or device")
)
