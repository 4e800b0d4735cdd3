package kestrel

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

func wrapInternal(err error) error {
	return fmt.Errorf("%w: %v", ErrInternal, err)
}

// newOpaqueID mints a 16-byte random identifier, base64url encoded.
func newOpaqueID() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// newOpaqueToken mints a 32-byte random secret, base64url encoded. Used
// for the verify and cancel tokens of a pending change; only the SHA-256
// of the token is stored.
func newOpaqueToken() (string, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}
