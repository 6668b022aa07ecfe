package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling/internal/clinic"
)

const issuer = "clinic-scheduling"

var ErrInvalidToken = errors.New("invalid or expired token")

// Claims is the session token payload. Admin is set only for sessions opened
// in admin mode.
type Claims struct {
	Admin bool `json:"admin"`
	jwt.RegisteredClaims
}

// TokenManager issues and verifies HS256 session tokens.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenManager signs tokens with secret; each is valid for ttl.
func NewTokenManager(secret string, ttl time.Duration) *TokenManager {
	return &TokenManager{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue signs a token for an authenticated identity and returns its expiry.
func (m *TokenManager) Issue(id clinic.Identity) (string, time.Time, error) {
	if !id.Authenticated() {
		return "", time.Time{}, errors.New("cannot issue a token for an anonymous identity")
	}
	now := m.now()
	expiresAt := now.Add(m.ttl)

	claims := Claims{
		Admin: id.IsAdmin(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.SubjectID.String(),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify parses a token and returns the identity it carries.
func (m *TokenManager) Verify(tokenString string) (clinic.Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil || !token.Valid {
		return clinic.Anonymous(), ErrInvalidToken
	}

	subject, err := uuid.Parse(claims.Subject)
	if err != nil || subject == uuid.Nil {
		return clinic.Anonymous(), ErrInvalidToken
	}
	return clinic.NewIdentity(subject, claims.Admin), nil
}
