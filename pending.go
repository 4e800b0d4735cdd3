package kestrel

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// pendingTokenManager signs and parses pending credential tokens: the
// short-lived reference a caller holds between password verification and
// second-factor completion. The token only names the server-side record;
// all state, including the verified flag and the attempt counter, lives in
// the record.
type pendingTokenManager struct {
	secret []byte
	ttl    time.Duration
}

type pendingClaims struct {
	jwt.RegisteredClaims
}

func newPendingTokenManager(secret []byte, ttl time.Duration) *pendingTokenManager {
	return &pendingTokenManager{
		secret: secret,
		ttl:    ttl,
	}
}

// Sign issues a token binding pendingID to userID for the pending TTL.
func (m *pendingTokenManager) Sign(pendingID, userID string, now time.Time) (string, error) {
	claims := pendingClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        pendingID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Parse validates the signature and expiry and returns (pendingID, userID).
func (m *pendingTokenManager) Parse(tokenString string) (string, string, error) {
	claims := &pendingClaims{}
	token, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return m.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil || !token.Valid {
		return "", "", ErrTokenNotFound
	}
	if claims.ID == "" || claims.Subject == "" {
		return "", "", ErrTokenNotFound
	}

	return claims.ID, claims.Subject, nil
}
