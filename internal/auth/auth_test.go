package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/bzinkan/SchoolPilot-sub002/internal/metrics"
	"github.com/bzinkan/SchoolPilot-sub002/pkg/types"
)

const (
	testSecret  = "test-secret-with-enough-entropy"
	testIssuer  = "schoolpilot"
	testLicense = "classpilot"
)

func newVerifier(t *testing.T) (*Verifier, *Signer, *metrics.Metrics) {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry(), "test")
	return NewVerifier(testSecret, testIssuer, testLicense, m), NewSigner(testSecret, testIssuer), m
}

func TestVerifier_DeviceToken(t *testing.T) {
	v, s, m := newVerifier(t)

	token, err := s.SignDevice("dev-1", "school-1", "student-1", time.Hour)
	if err != nil {
		t.Fatalf("SignDevice failed: %v", err)
	}

	identity, err := v.AuthenticateDevice(context.Background(), token)
	if err != nil {
		t.Fatalf("AuthenticateDevice failed: %v", err)
	}
	if identity.PeerID != "dev-1" || identity.SchoolID != "school-1" || identity.StudentID != "student-1" || !identity.IsDevice() {
		t.Errorf("Unexpected identity %+v", identity)
	}

	if got := testutil.ToFloat64(m.AuthAttempts.WithLabelValues(KindDevice, "success")); got != 1 {
		t.Errorf("Expected 1 successful device auth, got %v", got)
	}
}

func TestVerifier_StaffToken(t *testing.T) {
	v, s, _ := newVerifier(t)
	ctx := context.Background()

	token, _ := s.SignStaff("teacher-1", "school-1", types.RoleTeacher, []string{testLicense}, time.Hour)
	identity, err := v.AuthenticateStaff(ctx, token)
	if err != nil {
		t.Fatalf("AuthenticateStaff failed: %v", err)
	}
	if identity.PeerID != "teacher-1" || identity.Role != types.RoleTeacher || !identity.IsStaff() {
		t.Errorf("Unexpected identity %+v", identity)
	}

	admin, _ := s.SignStaff("admin-1", "school-1", types.RoleAdmin, []string{testLicense}, time.Hour)
	if _, err := v.AuthenticateStaff(ctx, admin); err != nil {
		t.Errorf("Admin token should authenticate: %v", err)
	}
}

func TestVerifier_Rejections(t *testing.T) {
	v, s, m := newVerifier(t)
	ctx := context.Background()

	deviceToken, _ := s.SignDevice("dev-1", "school-1", "", time.Hour)
	staffToken, _ := s.SignStaff("teacher-1", "school-1", types.RoleTeacher, []string{testLicense}, time.Hour)
	unlicensed, _ := s.SignStaff("teacher-2", "school-1", types.RoleTeacher, []string{"gopilot"}, time.Hour)
	badRole, _ := s.SignStaff("student-9", "school-1", "student", []string{testLicense}, time.Hour)
	expired, _ := s.SignDevice("dev-1", "school-1", "", -time.Hour)
	otherIssuer, _ := NewSigner(testSecret, "someone-else").SignDevice("dev-1", "school-1", "", time.Hour)
	otherSecret, _ := NewSigner("a-different-secret", testIssuer).SignDevice("dev-1", "school-1", "", time.Hour)
	noSchool, _ := s.SignDevice("dev-1", "", "", time.Hour)

	tests := []struct {
		name         string
		authenticate func(context.Context, string) (types.Identity, error)
		token        string
		want         error
	}{
		{"empty", v.AuthenticateDevice, "", ErrMissingToken},
		{"garbage", v.AuthenticateDevice, "not.a.jwt", ErrInvalidToken},
		{"staff token on device socket", v.AuthenticateDevice, staffToken, ErrWrongKind},
		{"device token on staff socket", v.AuthenticateStaff, deviceToken, ErrWrongKind},
		{"expired", v.AuthenticateDevice, expired, ErrInvalidToken},
		{"wrong issuer", v.AuthenticateDevice, otherIssuer, ErrInvalidToken},
		{"wrong secret", v.AuthenticateDevice, otherSecret, ErrInvalidToken},
		{"missing school", v.AuthenticateDevice, noSchool, ErrInvalidClaims},
		{"non-staff role", v.AuthenticateStaff, badRole, ErrInvalidClaims},
		{"missing license", v.AuthenticateStaff, unlicensed, ErrLicenseRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.authenticate(ctx, tt.token)
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}

	if got := testutil.ToFloat64(m.AuthAttempts.WithLabelValues(KindStaff, "forbidden")); got != 1 {
		t.Errorf("Expected 1 forbidden staff auth, got %v", got)
	}
	if !errors.Is(ErrLicenseRequired, types.ErrForbidden) || !errors.Is(ErrInvalidToken, types.ErrAuth) {
		t.Error("Sentinels must match the shared error classes")
	}
}

func TestVerifier_RejectsOtherAlgorithms(t *testing.T) {
	v, _, _ := newVerifier(t)

	claims := Claims{
		Kind:     KindDevice,
		SchoolID: "school-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   "dev-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}

	if _, err := v.AuthenticateDevice(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Expected unsigned token to be rejected, got %v", err)
	}
}

func TestVerifier_NoLicenseRequirement(t *testing.T) {
	v := NewVerifier(testSecret, testIssuer, "", nil)
	token, _ := NewSigner(testSecret, testIssuer).SignStaff("teacher-1", "school-1", types.RoleTeacher, nil, time.Hour)

	if _, err := v.AuthenticateStaff(context.Background(), token); err != nil {
		t.Errorf("Expected staff without licenses to pass when none is required: %v", err)
	}
}

func TestTokenFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		header string
		url    string
		want   string
	}{
		{"bearer header", "Bearer abc", "/", "abc"},
		{"lowercase scheme", "bearer abc", "/", "abc"},
		{"query fallback", "", "/ws/device?token=xyz", "xyz"},
		{"header wins", "Bearer abc", "/ws/device?token=xyz", "abc"},
		{"basic ignored", "Basic Zm9v", "/", ""},
		{"none", "", "/", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if got := TokenFromRequest(req); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	v, s, _ := newVerifier(t)

	var seen types.Identity
	protected := v.RequireStaff(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = IdentityFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	licensed, _ := s.SignStaff("teacher-1", "school-1", types.RoleTeacher, []string{testLicense}, time.Hour)
	unlicensed, _ := s.SignStaff("teacher-2", "school-1", types.RoleTeacher, nil, time.Hour)

	tests := []struct {
		name     string
		token    string
		wantCode int
		wantBody string
	}{
		{"missing", "", http.StatusUnauthorized, "MISSING_TOKEN"},
		{"invalid", "junk", http.StatusUnauthorized, "UNAUTHORIZED"},
		{"unlicensed", unlicensed, http.StatusForbidden, "LICENSE_REQUIRED"},
		{"licensed", licensed, http.StatusNoContent, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/roster", nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			rec := httptest.NewRecorder()
			protected.ServeHTTP(rec, req)

			if rec.Code != tt.wantCode {
				t.Fatalf("Expected %d, got %d", tt.wantCode, rec.Code)
			}
			if tt.wantBody == "" {
				return
			}
			var body map[string]string
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body["code"] != tt.wantBody {
				t.Errorf("Expected code %s, got %s", tt.wantBody, body["code"])
			}
		})
	}

	if seen.PeerID != "teacher-1" {
		t.Errorf("Expected identity on the request context, got %+v", seen)
	}
}

func TestIdentityFrom_Empty(t *testing.T) {
	if _, ok := IdentityFrom(context.Background()); ok {
		t.Error("Expected no identity on a bare context")
	}
}
