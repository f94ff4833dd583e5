package auth

import (
	"fmt"

	"github.com/bzinkan/SchoolPilot-sub002/pkg/types"
)

// Authentication errors; all match types.ErrAuth except ErrLicenseRequired,
// which matches types.ErrForbidden
var (
	ErrMissingToken    = fmt.Errorf("missing bearer token: %w", types.ErrAuth)
	ErrInvalidToken    = fmt.Errorf("invalid token: %w", types.ErrAuth)
	ErrWrongKind       = fmt.Errorf("token issued for a different principal kind: %w", types.ErrAuth)
	ErrInvalidClaims   = fmt.Errorf("token claims incomplete: %w", types.ErrAuth)
	ErrLicenseRequired = fmt.Errorf("product license missing: %w", types.ErrForbidden)
)
