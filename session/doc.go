// Package session implements the Redis-backed session store.
//
// A session exists only after every required factor has been verified.
// The bearer token is opaque: session id plus a random secret whose
// SHA-256 hash is stored in the record. Look up by id, then compare the
// hash in constant time. Raw secrets are never persisted.
package session
