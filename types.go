package kestrel

import (
	"context"
	"time"

	"github.com/kestrelauth/kestrel/session"
)

// Route names a rate-limited mutation path. Limits are configured per route
// and keyed by (identifier, route) in the counter store.
type Route string

const (
	// RouteLogin throttles password submissions, keyed by identifier and IP.
	RouteLogin Route = "login"
	// RouteSecondFactor throttles code submissions against a pending token.
	RouteSecondFactor Route = "second_factor"
	// RoutePasswordChange throttles password changes, keyed by user ID.
	RoutePasswordChange Route = "password_change"
	// RouteEmailChange throttles change requests, keyed by user ID.
	RouteEmailChange Route = "email_change"
	// RouteChangeRedeem throttles verify/cancel token redemption, keyed by IP.
	RouteChangeRedeem Route = "change_redeem"
	// RouteTOTPSetup throttles enrollment confirmation, keyed by user ID.
	RouteTOTPSetup Route = "totp_setup"
)

// UserRecord is the account view this engine needs: one login identifier,
// one password hash, and whether a second factor is enabled.
type UserRecord struct {
	UserID       string
	Identifier   string
	PasswordHash string
	TOTPEnabled  bool
}

// TOTPRecord carries the stored second-factor secret, its lifecycle flags,
// and the last accepted time step for replay prevention.
type TOTPRecord struct {
	Secret       []byte
	Enabled      bool
	Verified     bool
	LastUsedStep int64
}

// BackupCodeRecord stores the SHA-256 hash of one single-use backup code.
// The plaintext is never persisted.
type BackupCodeRecord struct {
	Hash [32]byte
}

// UserProvider is the interface the host implements against its user
// database. Credential storage stays with the host; this engine only reads
// hashes and writes the results of verified mutations.
//
// GetUserByIdentifier and GetUserByID must return [ErrUserNotFound] (or an
// error wrapping it) for missing accounts so the engine can keep unknown
// identifiers indistinguishable from wrong passwords.
//
// ConsumeBackupCode must remove the matching hash atomically and report
// whether a removal happened; a soft flag is not acceptable.
//
// AdvanceTOTPStep must be an atomic compare-and-set on the stored last
// accepted step: advance only when step is strictly greater than the
// stored value, and report whether the advance happened. Two concurrent
// submissions of the same code must see exactly one true. A read-compare-
// write that can lose the race is not acceptable.
type UserProvider interface {
	GetUserByIdentifier(ctx context.Context, identifier string) (UserRecord, error)
	GetUserByID(ctx context.Context, userID string) (UserRecord, error)
	UpdatePasswordHash(ctx context.Context, userID, newHash string) error
	UpdateIdentifier(ctx context.Context, userID, newIdentifier string) error
	GetTOTPSecret(ctx context.Context, userID string) (*TOTPRecord, error)
	EnableTOTP(ctx context.Context, userID string, secret []byte) error
	MarkTOTPVerified(ctx context.Context, userID string) error
	DisableTOTP(ctx context.Context, userID string) error
	AdvanceTOTPStep(ctx context.Context, userID string, step int64) (advanced bool, err error)
	GetBackupCodes(ctx context.Context, userID string) ([]BackupCodeRecord, error)
	ReplaceBackupCodes(ctx context.Context, userID string, codes []BackupCodeRecord) error
	ConsumeBackupCode(ctx context.Context, userID string, hash [32]byte) (bool, error)
}

// NotificationKind identifies what an outbound notification is about.
// Delivery itself is the host's concern.
type NotificationKind string

const (
	// NotifyEmailChangeVerify goes to the proposed new address with the
	// verification link.
	NotifyEmailChangeVerify NotificationKind = "email_change_verify"
	// NotifyEmailChangeNotice goes to the current address with the
	// cancellation link.
	NotifyEmailChangeNotice NotificationKind = "email_change_notice"
	// NotifyPasswordChanged is a security notice after a password change.
	NotifyPasswordChanged NotificationKind = "password_changed"
)

// Notifier delivers notifications out of band. Calls are fire-and-forget:
// a delivery failure never rolls back the state transition that caused it.
type Notifier interface {
	Notify(ctx context.Context, kind NotificationKind, destination string, payload map[string]string) error
}

// NoOpNotifier discards all notifications.
type NoOpNotifier struct{}

// Notify implements [Notifier].
func (NoOpNotifier) Notify(context.Context, NotificationKind, string, map[string]string) error {
	return nil
}

// MetadataEnricher resolves best-effort session metadata (coarse geography
// from the IP, a normalized device label from the user agent). Enrichment
// runs after the session row exists and must never delay authentication.
type MetadataEnricher interface {
	Enrich(ctx context.Context, meta session.Metadata) (session.Metadata, error)
}

// LoginResult is returned by [Engine.SubmitPassword] and
// [Engine.CompleteSecondFactor]. Either Token is set and the session
// exists, or SecondFactorRequired is true and PendingToken references the
// outstanding factor. Never both.
type LoginResult struct {
	Token   string
	Session *SessionInfo

	SecondFactorRequired bool
	PendingToken         string
}

// SessionInfo is the caller-visible session view. The session ID is safe to
// show on an active-devices page; it is not the bearer token.
type SessionInfo struct {
	SessionID         string
	UserID            string
	TwoFactorVerified bool
	CreatedAt         time.Time
	ExpiresAt         time.Time
	LastActiveAt      time.Time
	UserAgent         string
	IP                string
	Geo               string
}

// EmailChangeTicket is returned by [Engine.RequestEmailChange]. The tokens
// are also embedded in the notification payloads; they are returned here so
// hosts that build their own links do not need to intercept notifications.
type EmailChangeTicket struct {
	ChangeID    string
	VerifyToken string
	CancelToken string
	ExpiresAt   time.Time
}

// ChangeStatus is the lifecycle state of a pending identifier change.
type ChangeStatus uint8

const (
	// ChangePending means the change awaits verification or cancellation.
	ChangePending ChangeStatus = iota
	// ChangeVerified is the instant between winning the transition out of
	// pending and committing the canonical identifier update.
	ChangeVerified
	// ChangeFinalized means the new value is now the login identifier.
	ChangeFinalized
	// ChangeCancelled means the cancellation link was redeemed.
	ChangeCancelled
)

// PendingChangeInfo is the cleanup collaborator's view of a ledger record.
type PendingChangeInfo struct {
	ChangeID  string
	UserID    string
	OldValue  string
	NewValue  string
	Status    ChangeStatus
	CreatedAt time.Time
	ExpiresAt time.Time
}

// TOTPSetup holds the provisioning material returned by
// [Engine.GenerateTOTPSetup].
type TOTPSetup struct {
	SecretBase32 string
	URI          string
}
