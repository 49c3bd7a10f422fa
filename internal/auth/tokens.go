package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/vera-market/vera/internal/session"
)

// ErrInvalidToken covers malformed, expired and forged session tokens.
var ErrInvalidToken = errors.New("invalid session token")

// Issued is a signed session token handed to the client.
type Issued struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

type claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Tokens issues and verifies HS256 session tokens.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// NewTokens builds a token manager.
func NewTokens(secret string, ttl time.Duration, issuer string) *Tokens {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Tokens{secret: []byte(secret), ttl: ttl, issuer: issuer, now: time.Now}
}

// Issue signs a token for sess.
func (t *Tokens) Issue(sess session.Session) (Issued, error) {
	if !sess.Authenticated() {
		return Issued{}, fmt.Errorf("issue token: %w", ErrInvalidToken)
	}
	now := t.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Email: sess.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sess.UID,
			Issuer:    t.issuer,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	})
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return Issued{}, err
	}
	return Issued{AccessToken: signed, ExpiresIn: int64(t.ttl.Seconds())}, nil
}

// Verify checks signature, issuer and expiry and returns the session the
// token was issued for.
func (t *Tokens) Verify(token string) (session.Session, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil || !parsed.Valid || c.Subject == "" {
		return session.Session{}, ErrInvalidToken
	}
	return session.Session{UID: c.Subject, Email: c.Email}, nil
}
