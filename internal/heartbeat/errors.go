package heartbeat

import (
	"errors"
	"fmt"

	"github.com/bzinkan/SchoolPilot-sub002/pkg/types"
)

// Ingestion errors
var (
	ErrUnknownDevice = fmt.Errorf("unknown device: %w", types.ErrAuth)
	ErrNilReport     = errors.New("heartbeat report cannot be nil")
)
