package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Signer issues HS256 tokens with the same secret the Verifier checks
// FUNCTIONAL DISCOVERY: Production tokens come from the account service; the signer
// exists for operators and tests that need a token for a known device or user
type Signer struct {
	secret []byte
	issuer string
}

// NewSigner creates a signer
func NewSigner(secret, issuer string) *Signer {
	return &Signer{secret: []byte(secret), issuer: issuer}
}

// SignDevice issues a device token
func (s *Signer) SignDevice(deviceID, schoolID, studentID string, ttl time.Duration) (string, error) {
	return s.sign(deviceID, ttl, Claims{
		Kind:      KindDevice,
		SchoolID:  schoolID,
		StudentID: studentID,
	})
}

// SignStaff issues a staff token carrying role and licenses
func (s *Signer) SignStaff(userID, schoolID, role string, licenses []string, ttl time.Duration) (string, error) {
	return s.sign(userID, ttl, Claims{
		Kind:     KindStaff,
		SchoolID: schoolID,
		Role:     role,
		Licenses: licenses,
	})
}

func (s *Signer) sign(subject string, ttl time.Duration, claims Claims) (string, error) {
	now := time.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}
