// Package token verifies the two token families admitted at the collab
// boundary: identity tokens minted at login, and short-lived room-access
// tokens minted by the tournament application after an entitlement check.
// This service verifies both; it never issues them in a request path.
package token

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const defaultIssuer = "bracketsync"

var (
	// ErrInvalidToken indicates the token failed signature or claim validation.
	ErrInvalidToken = errors.New("token: invalid")
	// ErrExpired indicates a token that validated but is past its expiry.
	ErrExpired = errors.New("token: expired")
)

// Permission names carried by room-access tokens.
const (
	PermRead  = "read"
	PermWrite = "write"
	PermAdmin = "admin"
)

// IdentityClaims is the verified content of an identity token.
type IdentityClaims struct {
	Org     string `json:"org"`
	OrgSlug string `json:"org_slug"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// RoomClaims is the verified content of a room-access token. It scopes the
// subject to one tournament/organization pair with a capability set.
type RoomClaims struct {
	Org         string   `json:"org"`
	Tournament  string   `json:"tid"`
	Permissions []string `json:"perms"`
	jwt.RegisteredClaims
}

// Can reports whether the token grants the permission. Admin implies every
// lesser permission; read and write are otherwise independent capabilities.
func (c RoomClaims) Can(perm string) bool {
	for _, p := range c.Permissions {
		if p == PermAdmin || p == perm {
			return true
		}
	}
	return false
}

// Verifier validates identity and room-access tokens. Both families are
// HS256-signed with separate secrets. Stateless; safe for concurrent use.
type Verifier struct {
	identitySecret []byte
	roomSecret     []byte
	issuer         string
	leeway         time.Duration
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithIssuer overrides the expected token issuer.
func WithIssuer(issuer string) Option {
	return func(v *Verifier) { v.issuer = issuer }
}

// WithLeeway sets the clock-skew allowance applied to time-based claims.
func WithLeeway(d time.Duration) Option {
	return func(v *Verifier) { v.leeway = d }
}

// NewVerifier creates a verifier over the two signing secrets.
func NewVerifier(identitySecret, roomSecret []byte, opts ...Option) (*Verifier, error) {
	if len(identitySecret) == 0 || len(roomSecret) == 0 {
		return nil, errors.New("token: both signing secrets are required")
	}
	v := &Verifier{
		identitySecret: identitySecret,
		roomSecret:     roomSecret,
		issuer:         defaultIssuer,
		leeway:         5 * time.Second,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// VerifyIdentity validates an identity token's signature and claims.
func (v *Verifier) VerifyIdentity(raw string) (*IdentityClaims, error) {
	claims := &IdentityClaims{}
	if err := v.parse(raw, v.identitySecret, claims); err != nil {
		return nil, err
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.Org) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// VerifyRoomAccess validates a room-access token. The caller still has to
// cross-check the tournament claim against the tournament the connection is
// requesting; the verifier itself is tournament-agnostic.
func (v *Verifier) VerifyRoomAccess(raw string) (*RoomClaims, error) {
	claims := &RoomClaims{}
	if err := v.parse(raw, v.roomSecret, claims); err != nil {
		return nil, err
	}
	if strings.TrimSpace(claims.Subject) == "" ||
		strings.TrimSpace(claims.Org) == "" ||
		strings.TrimSpace(claims.Tournament) == "" {
		return nil, ErrInvalidToken
	}
	claims.Permissions = normalizePermissions(claims.Permissions)
	return claims, nil
}

func (v *Verifier) parse(raw string, secret []byte, claims jwt.Claims) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return secret, nil
	},
		jwt.WithIssuer(v.issuer),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrExpired
		}
		return ErrInvalidToken
	}
	if !parsed.Valid {
		return ErrInvalidToken
	}
	return nil
}

func normalizePermissions(perms []string) []string {
	if len(perms) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(perms))
	var normalized []string
	for _, p := range perms {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		normalized = append(normalized, p)
	}
	return normalized
}

// SignIdentity mints an identity token. Used by the issuing side and by
// cmd/roomtoken for local development.
func SignIdentity(secret []byte, subject, org, orgSlug, role string, ttl time.Duration) (string, error) {
	if subject == "" || org == "" {
		return "", errors.New("token: subject and org are required")
	}
	now := time.Now().UTC()
	claims := IdentityClaims{
		Org:     org,
		OrgSlug: orgSlug,
		Role:    role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    defaultIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// SignRoomAccess mints a room-access token scoping subject to one
// tournament/org pair with the given permission set.
func SignRoomAccess(secret []byte, subject, org, tournament string, perms []string, ttl time.Duration) (string, error) {
	if subject == "" || org == "" || tournament == "" {
		return "", errors.New("token: subject, org and tournament are required")
	}
	now := time.Now().UTC()
	claims := RoomClaims{
		Org:         org,
		Tournament:  tournament,
		Permissions: normalizePermissions(perms),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    defaultIssuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
