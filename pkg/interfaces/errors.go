package interfaces

import (
	"fmt"

	"github.com/bzinkan/SchoolPilot-sub002/pkg/types"
)

// Lookup errors returned by storage collaborators; all match types.ErrNotFound
var (
	ErrDeviceNotFound  = fmt.Errorf("device %w", types.ErrNotFound)
	ErrPolicyNotFound  = fmt.Errorf("policy %w", types.ErrNotFound)
	ErrStudentNotFound = fmt.Errorf("student %w", types.ErrNotFound)
)
