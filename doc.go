// Package kestrel implements the authentication-session core of a multi-user
// web application: graduated login (password, then an optional second factor),
// opaque Redis-backed sessions, sliding-window rate limiting for every
// security-sensitive route, double-submit anti-forgery tokens, and a ledger
// for pending login-email changes with a grace period and a cancellation path.
//
// The package is a library, not a server. The host application supplies a
// [UserProvider] for credential records and a [Notifier] for outbound
// delivery, builds an [Engine] through [Builder.Build], and calls Engine
// methods from its handlers. Engine methods are safe for concurrent use.
//
// # Architecture boundaries
//
// kestrel is the public surface. It exposes [Engine], [Builder], [Config],
// value types, and sentinel errors. Store coordination, rate accounting, and
// the pending-change ledger live under internal/ and are never exported.
//
// # What this package must NOT do
//
//   - Create a session row before every required factor has been verified.
//   - Surface raw store failures to callers; they are logged, counted, and
//     mapped to ErrInternal.
//   - Resolve any check-then-act decision with separate read and write calls;
//     every transition is a single atomic Redis operation.
package kestrel
