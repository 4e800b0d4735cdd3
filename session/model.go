package session

// Session is the server-side record behind one bearer token.
type Session struct {
	SessionID string
	UserID    string

	// TwoFactorVerified records whether the session was established through
	// a full second-factor login. Password-only sessions (user has no second
	// factor enrolled) carry false.
	TwoFactorVerified bool

	// SecretHash is the SHA-256 of the token secret half.
	SecretHash [32]byte

	CreatedAt    int64
	ExpiresAt    int64
	LastActiveAt int64

	UserAgent string
	IP        string
	Geo       string
}

// Metadata is the mutable descriptive part of a session. Enrichment
// patches it after the session already exists.
type Metadata struct {
	UserAgent string
	IP        string
	Geo       string
}
