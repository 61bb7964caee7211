package token

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	identitySecret = []byte("identity-secret")
	roomSecret     = []byte("room-secret")
)

func newVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier(identitySecret, roomSecret)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return v
}

func TestVerifyIdentityRoundTrip(t *testing.T) {
	v := newVerifier(t)

	raw, err := SignIdentity(identitySecret, "user-7", "org-1", "acme-tennis", "td", time.Minute)
	if err != nil {
		t.Fatalf("SignIdentity: %v", err)
	}
	claims, err := v.VerifyIdentity(raw)
	if err != nil {
		t.Fatalf("VerifyIdentity: %v", err)
	}
	if claims.Subject != "user-7" || claims.Org != "org-1" || claims.OrgSlug != "acme-tennis" || claims.Role != "td" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestVerifyIdentityExpired(t *testing.T) {
	v := newVerifier(t)

	raw, err := SignIdentity(identitySecret, "user-7", "org-1", "", "td", -time.Minute)
	if err != nil {
		t.Fatalf("SignIdentity: %v", err)
	}
	if _, err := v.VerifyIdentity(raw); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestVerifyIdentityWrongSecret(t *testing.T) {
	v := newVerifier(t)

	raw, err := SignIdentity([]byte("someone-else"), "user-7", "org-1", "", "td", time.Minute)
	if err != nil {
		t.Fatalf("SignIdentity: %v", err)
	}
	if _, err := v.VerifyIdentity(raw); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyIdentityRejectsRoomToken(t *testing.T) {
	v := newVerifier(t)

	// A room token is signed with the other secret; it must not pass
	// identity verification.
	raw, err := SignRoomAccess(roomSecret, "user-7", "org-1", "t-1", []string{PermRead}, time.Minute)
	if err != nil {
		t.Fatalf("SignRoomAccess: %v", err)
	}
	if _, err := v.VerifyIdentity(raw); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyRoomAccessRoundTrip(t *testing.T) {
	v := newVerifier(t)

	raw, err := SignRoomAccess(roomSecret, "user-7", "org-1", "t-42", []string{"Read", "WRITE", "read"}, time.Minute)
	if err != nil {
		t.Fatalf("SignRoomAccess: %v", err)
	}
	claims, err := v.VerifyRoomAccess(raw)
	if err != nil {
		t.Fatalf("VerifyRoomAccess: %v", err)
	}
	if claims.Tournament != "t-42" || claims.Org != "org-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if len(claims.Permissions) != 2 {
		t.Fatalf("permissions were not normalized: %v", claims.Permissions)
	}
	if !claims.Can(PermRead) || !claims.Can(PermWrite) || claims.Can(PermAdmin) {
		t.Fatalf("unexpected capability set: %v", claims.Permissions)
	}
}

func TestVerifyRoomAccessMissingTournament(t *testing.T) {
	v := newVerifier(t)

	now := time.Now().UTC()
	claims := RoomClaims{
		Org:         "org-1",
		Permissions: []string{PermRead},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "bracketsync",
			Subject:   "user-7",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(roomSecret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := v.VerifyRoomAccess(raw); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestAdminImpliesLesserPermissions(t *testing.T) {
	claims := RoomClaims{Permissions: []string{PermAdmin}}
	if !claims.Can(PermRead) || !claims.Can(PermWrite) || !claims.Can(PermAdmin) {
		t.Fatalf("admin should imply all permissions")
	}

	readOnly := RoomClaims{Permissions: []string{PermRead}}
	if readOnly.Can(PermWrite) {
		t.Fatalf("read must not imply write")
	}
}

func TestVerifierRejectsWrongIssuer(t *testing.T) {
	v, err := NewVerifier(identitySecret, roomSecret, WithIssuer("other-issuer"))
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	raw, err := SignIdentity(identitySecret, "user-7", "org-1", "", "td", time.Minute)
	if err != nil {
		t.Fatalf("SignIdentity: %v", err)
	}
	if _, err := v.VerifyIdentity(raw); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for issuer mismatch, got %v", err)
	}
}
