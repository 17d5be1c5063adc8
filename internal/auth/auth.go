// Package auth verifies the dashboard socket's Bearer JWT (HS256, exp
// enforced) and hashes/checks Admin Facade user passwords. Grounded on
// whisper-darkly-sticky-dvr's backend/auth package, trimmed to the two
// operations this module's boundary actually needs: parsing an
// already-issued token and bcrypt password handling for the Users CRUD
// passthrough. Token issuance itself belongs to the external Admin surface.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Claims is the dashboard JWT payload: subject is the principal string the
// Connection Registry tags a dashboard socket with.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// ErrUnsupportedAlgorithm is returned when Config.Algorithm is not HS256, the
// only algorithm the distilled spec names.
var ErrUnsupportedAlgorithm = errors.New("auth: only HS256 is supported")

// Verifier validates dashboard Bearer tokens against a shared secret.
type Verifier struct {
	secret    []byte
	algorithm string
}

// NewVerifier builds a Verifier. algorithm must be "HS256" (the distilled
// spec requires ALGORITHM=HS256 and treats anything else as misconfiguration).
func NewVerifier(secret, algorithm string) (*Verifier, error) {
	if algorithm != "HS256" {
		return nil, ErrUnsupportedAlgorithm
	}
	return &Verifier{secret: []byte(secret), algorithm: algorithm}, nil
}

// ParseBearer strips a "Bearer " prefix if present and validates the token,
// enforcing signature and the exp claim.
func (v *Verifier) ParseBearer(header string) (*Claims, error) {
	raw := strings.TrimSpace(header)
	raw = strings.TrimPrefix(raw, "Bearer ")
	raw = strings.TrimPrefix(raw, "bearer ")
	if raw == "" {
		return nil, fmt.Errorf("auth: empty token")
	}
	return v.Parse(raw)
}

// Parse validates a raw (unprefixed) JWT string.
func (v *Verifier) Parse(raw string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("auth: token expired")
		}
		return nil, fmt.Errorf("auth: invalid token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.ExpiresAt == nil {
		return nil, fmt.Errorf("auth: invalid token claims")
	}
	return claims, nil
}

// IssueToken mints a signed HS256 token, used by the admin user-login
// boundary (outside this module's scope beyond the contract) and by tests
// that need a valid dashboard token.
func (v *Verifier) IssueToken(subject, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// HashPassword bcrypt-hashes an Admin Facade user password.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CheckPassword reports whether password matches the bcrypt hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
