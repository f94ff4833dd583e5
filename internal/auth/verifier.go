// Package auth verifies the HS256 tokens presented by devices and staff
package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bzinkan/SchoolPilot-sub002/internal/metrics"
	"github.com/bzinkan/SchoolPilot-sub002/pkg/types"
)

// Principal kinds carried in the "kind" claim
const (
	KindDevice = "device"
	KindStaff  = "staff"
)

// Claims is the token body shared by device and staff tokens
type Claims struct {
	Kind      string   `json:"kind"`
	SchoolID  string   `json:"school_id"`
	StudentID string   `json:"student_id,omitempty"`
	Role      string   `json:"role,omitempty"`
	Licenses  []string `json:"licenses,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks token signature, issuer, expiry and principal kind
// ARCHITECTURAL DISCOVERY: Token issuance lives elsewhere; this service only
// verifies, so a shared HMAC secret is all it needs
type Verifier struct {
	secret          []byte
	issuer          string
	requiredLicense string
	metrics         *metrics.Metrics
}

// NewVerifier creates a verifier; an empty requiredLicense disables the license check
func NewVerifier(secret, issuer, requiredLicense string, m *metrics.Metrics) *Verifier {
	return &Verifier{
		secret:          []byte(secret),
		issuer:          issuer,
		requiredLicense: requiredLicense,
		metrics:         metrics.OrNop(m),
	}
}

// AuthenticateDevice verifies a device token and returns the device identity
func (v *Verifier) AuthenticateDevice(ctx context.Context, token string) (types.Identity, error) {
	identity, err := v.authenticateDevice(token)
	v.record(KindDevice, err)
	return identity, err
}

// AuthenticateStaff verifies a staff token, its role and the product license
func (v *Verifier) AuthenticateStaff(ctx context.Context, token string) (types.Identity, error) {
	identity, err := v.authenticateStaff(token)
	v.record(KindStaff, err)
	return identity, err
}

func (v *Verifier) authenticateDevice(token string) (types.Identity, error) {
	claims, err := v.parse(token)
	if err != nil {
		return types.Identity{}, err
	}
	if claims.Kind != KindDevice {
		return types.Identity{}, ErrWrongKind
	}
	if !types.IsValidID(claims.Subject) || !types.IsValidID(claims.SchoolID) {
		return types.Identity{}, ErrInvalidClaims
	}

	return types.Identity{
		PeerID:    claims.Subject,
		Role:      types.RoleDevice,
		SchoolID:  claims.SchoolID,
		StudentID: claims.StudentID,
	}, nil
}

func (v *Verifier) authenticateStaff(token string) (types.Identity, error) {
	claims, err := v.parse(token)
	if err != nil {
		return types.Identity{}, err
	}
	if claims.Kind != KindStaff {
		return types.Identity{}, ErrWrongKind
	}
	if !types.IsValidID(claims.Subject) || !types.IsValidID(claims.SchoolID) {
		return types.Identity{}, ErrInvalidClaims
	}

	identity := types.Identity{
		PeerID:   claims.Subject,
		Role:     claims.Role,
		SchoolID: claims.SchoolID,
		Licenses: claims.Licenses,
	}
	if !identity.IsStaff() {
		return types.Identity{}, ErrInvalidClaims
	}
	// FUNCTIONAL DISCOVERY: A valid staff token without the product license is
	// authenticated but not authorized, which the API answers with 403
	if v.requiredLicense != "" && !slices.Contains(claims.Licenses, v.requiredLicense) {
		return types.Identity{}, ErrLicenseRequired
	}
	return identity, nil
}

func (v *Verifier) parse(token string) (*Claims, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(5 * time.Second),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (v *Verifier) record(kind string, err error) {
	result := "success"
	switch {
	case err == nil:
	case errors.Is(err, types.ErrForbidden):
		result = "forbidden"
	default:
		result = "failure"
	}
	v.metrics.AuthAttempts.WithLabelValues(kind, result).Inc()
}
