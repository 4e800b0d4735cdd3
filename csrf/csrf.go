// Package csrf implements a stateless double-submit anti-forgery guard.
//
// The token is issue-time plus a random nonce, authenticated with
// HMAC-SHA256. It is delivered twice: as an HttpOnly cookie and as an echo
// value the client sends back in a header or form field. A mutation is
// accepted only when both copies are present, equal, authentic, and within
// lifetime. Validation runs before any other processing of the request and
// reports a single generic failure, never which check missed.
package csrf

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"net/http"
	"time"
)

// ErrMismatch is the single failure value for every rejected validation.
var ErrMismatch = errors.New("anti-forgery token mismatch")

const (
	issuedAtSize = 8
	nonceSize    = 16
	macSize      = sha256.Size
	tokenRawSize = issuedAtSize + nonceSize + macSize
)

// Guard issues and validates double-submit tokens.
type Guard struct {
	secret   []byte
	lifetime time.Duration

	cookieName string
	headerName string
	secure     bool
}

// Config configures a [Guard].
type Config struct {
	Secret        []byte
	TokenLifetime time.Duration
	CookieName    string
	HeaderName    string
	SecureCookies bool
}

// NewGuard builds a Guard. The secret must be at least 32 bytes.
func NewGuard(cfg Config) (*Guard, error) {
	if len(cfg.Secret) < 32 {
		return nil, errors.New("anti-forgery secret must be >= 32 bytes")
	}
	if cfg.TokenLifetime <= 0 {
		return nil, errors.New("anti-forgery token lifetime must be > 0")
	}
	if cfg.CookieName == "" || cfg.HeaderName == "" {
		return nil, errors.New("anti-forgery cookie and header names required")
	}

	secret := make([]byte, len(cfg.Secret))
	copy(secret, cfg.Secret)

	return &Guard{
		secret:     secret,
		lifetime:   cfg.TokenLifetime,
		cookieName: cfg.CookieName,
		headerName: cfg.HeaderName,
		secure:     cfg.SecureCookies,
	}, nil
}

// HeaderName returns the header the echo value is read from.
func (g *Guard) HeaderName() string {
	return g.headerName
}

// CookieName returns the cookie the token is stored in.
func (g *Guard) CookieName() string {
	return g.cookieName
}

// Issue mints a fresh token.
func (g *Guard) Issue() (string, error) {
	var raw [tokenRawSize]byte
	binary.BigEndian.PutUint64(raw[:issuedAtSize], uint64(time.Now().Unix()))
	if _, err := rand.Read(raw[issuedAtSize : issuedAtSize+nonceSize]); err != nil {
		return "", err
	}

	mac := g.mac(raw[:issuedAtSize+nonceSize])
	copy(raw[issuedAtSize+nonceSize:], mac)

	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// Validate checks the cookie copy and the submitted copy against each
// other and against the guard's secret and lifetime. Every failure is
// ErrMismatch.
func (g *Guard) Validate(cookieValue, submittedValue string) error {
	if cookieValue == "" || submittedValue == "" {
		return ErrMismatch
	}

	// Both copies must be byte-equal before anything else is inspected.
	if subtle.ConstantTimeCompare([]byte(cookieValue), []byte(submittedValue)) != 1 {
		return ErrMismatch
	}

	raw, err := base64.RawURLEncoding.DecodeString(cookieValue)
	if err != nil || len(raw) != tokenRawSize {
		return ErrMismatch
	}

	expected := g.mac(raw[:issuedAtSize+nonceSize])
	if !hmac.Equal(raw[issuedAtSize+nonceSize:], expected) {
		return ErrMismatch
	}

	issuedAt := time.Unix(int64(binary.BigEndian.Uint64(raw[:issuedAtSize])), 0)
	now := time.Now()
	if now.Before(issuedAt) || now.Sub(issuedAt) > g.lifetime {
		return ErrMismatch
	}

	return nil
}

// Cookie wraps a token in the scoped cookie the guard expects back.
func (g *Guard) Cookie(token string) *http.Cookie {
	return &http.Cookie{
		Name:     g.cookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(g.lifetime / time.Second),
		HttpOnly: true,
		Secure:   g.secure,
		SameSite: http.SameSiteStrictMode,
	}
}

func (g *Guard) mac(payload []byte) []byte {
	h := hmac.New(sha256.New, g.secret)
	_, _ = h.Write(payload)
	return h.Sum(nil)
}
