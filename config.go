package kestrel

import (
	"errors"
	"time"
)

// Config is the full engine configuration. It is copied at Build time and
// treated as immutable afterwards; the only runtime-mutable policy is the
// per-route rate limit, which lives behind the settings source.
type Config struct {
	Session      SessionConfig
	Password     PasswordConfig
	TOTP         TOTPConfig
	SecondFactor SecondFactorConfig
	AntiForgery  AntiForgeryConfig
	RateLimit    RateLimitConfig
	EmailChange  EmailChangeConfig
	Audit        AuditConfig
	Notify       NotifyConfig
	Metrics      MetricsConfig
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig controls the Redis-backed session store.
type SessionConfig struct {
	RedisPrefix       string
	Lifetime          time.Duration
	SlidingExpiration bool
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig holds the argon2id parameters.
type PasswordConfig struct {
	Memory         uint32 // in KB
	Time           uint32
	Parallelism    uint8
	SaltLength     uint32
	KeyLength      uint32
	UpgradeOnLogin bool
}

/*
====================================
TOTP CONFIG
====================================
*/

// TOTPConfig controls the time-based second factor and its backup codes.
type TOTPConfig struct {
	Issuer           string
	Digits           int
	Period           int
	Algorithm        string
	Skew             int
	BackupCodeCount  int
	BackupCodeLength int
}

/*
====================================
SECOND FACTOR CONFIG
====================================
*/

// SecondFactorConfig controls the pending credential token issued between
// password verification and second-factor completion.
type SecondFactorConfig struct {
	TokenSecret []byte
	PendingTTL  time.Duration
	MaxAttempts int
}

/*
====================================
ANTI FORGERY CONFIG
====================================
*/

// AntiForgeryConfig controls the double-submit guard.
type AntiForgeryConfig struct {
	Secret        []byte
	TokenLifetime time.Duration
	CookieName    string
	HeaderName    string
	SecureCookies bool
}

/*
====================================
RATE LIMIT CONFIG
====================================
*/

// RoutePolicy is one route's fixed-window budget.
type RoutePolicy struct {
	Limit  int
	Window time.Duration
}

// RateLimitConfig holds the static fallback limits and the settings-cache
// refresh interval. A SettingsSource supplied at build time overrides Routes
// at runtime.
//
// FailOpen is a global switch: when false (the default) any counter-store
// error rejects the request as limited.
type RateLimitConfig struct {
	FailOpen    bool
	SettingsTTL time.Duration
	Routes      map[Route]RoutePolicy
}

/*
====================================
EMAIL CHANGE CONFIG
====================================
*/

// EmailChangeConfig controls the pending identifier-change ledger.
// GracePeriod is how long past token expiry a ledger record stays readable
// for cleanup and inspection; it does not extend token redemption.
type EmailChangeConfig struct {
	TTL         time.Duration
	GracePeriod time.Duration
}

// AuditConfig controls the audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// NotifyConfig controls the outbound notification dispatcher.
type NotifyConfig struct {
	BufferSize int
}

// MetricsConfig controls the in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the configuration the builder starts from. Hosts
// set the secrets, override what they need, and pass the result to
// [Builder.WithConfig].
func DefaultConfig() Config {
	return cloneConfig(defaultConfig())
}

func defaultConfig() Config {
	return Config{
		Session: SessionConfig{
			RedisPrefix:       "ks",
			Lifetime:          7 * 24 * time.Hour,
			SlidingExpiration: true,
		},
		Password: PasswordConfig{
			Memory:         65536,
			Time:           3,
			Parallelism:    2,
			SaltLength:     16,
			KeyLength:      32,
			UpgradeOnLogin: true,
		},
		TOTP: TOTPConfig{
			Digits:           6,
			Period:           30,
			Algorithm:        "SHA1",
			Skew:             1,
			BackupCodeCount:  10,
			BackupCodeLength: 10,
		},
		SecondFactor: SecondFactorConfig{
			PendingTTL:  3 * time.Minute,
			MaxAttempts: 5,
		},
		AntiForgery: AntiForgeryConfig{
			TokenLifetime: 4 * time.Hour,
			CookieName:    "__Host-csrf",
			HeaderName:    "X-CSRF-Token",
			SecureCookies: true,
		},
		RateLimit: RateLimitConfig{
			FailOpen:    false,
			SettingsTTL: 30 * time.Second,
			Routes: map[Route]RoutePolicy{
				RouteLogin:          {Limit: 5, Window: 15 * time.Minute},
				RouteSecondFactor:   {Limit: 5, Window: 5 * time.Minute},
				RoutePasswordChange: {Limit: 5, Window: time.Hour},
				RouteEmailChange:    {Limit: 3, Window: 24 * time.Hour},
				RouteChangeRedeem:   {Limit: 10, Window: time.Hour},
				RouteTOTPSetup:      {Limit: 10, Window: time.Hour},
			},
		},
		EmailChange: EmailChangeConfig{
			TTL:         24 * time.Hour,
			GracePeriod: time.Hour,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Notify: NotifyConfig{
			BufferSize: 256,
		},
		Metrics: MetricsConfig{
			Enabled: false,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.SecondFactor.TokenSecret = cloneBytes(cfg.SecondFactor.TokenSecret)
	out.AntiForgery.Secret = cloneBytes(cfg.AntiForgery.Secret)
	if cfg.RateLimit.Routes != nil {
		out.RateLimit.Routes = make(map[Route]RoutePolicy, len(cfg.RateLimit.Routes))
		for route, policy := range cfg.RateLimit.Routes {
			out.RateLimit.Routes[route] = policy
		}
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate rejects configurations the engine cannot run safely with.
func (c *Config) Validate() error {
	// Session
	if c.Session.RedisPrefix == "" {
		return errors.New("Session RedisPrefix must not be empty")
	}
	if c.Session.Lifetime <= 0 {
		return errors.New("Session Lifetime must be > 0")
	}

	// Password
	if c.Password.Memory < 8*1024 {
		return errors.New("Password Memory must be >= 8192 KB")
	}
	if c.Password.Time < 1 {
		return errors.New("Password Time must be >= 1")
	}
	if c.Password.Parallelism < 1 {
		return errors.New("Password Parallelism must be >= 1")
	}
	if c.Password.SaltLength < 16 {
		return errors.New("Password SaltLength must be >= 16")
	}
	if c.Password.KeyLength < 16 {
		return errors.New("Password KeyLength must be >= 16")
	}

	// TOTP
	if c.TOTP.Digits != 6 && c.TOTP.Digits != 8 {
		return errors.New("TOTP Digits must be 6 or 8")
	}
	if c.TOTP.Period < 15 {
		return errors.New("TOTP Period must be >= 15 seconds")
	}
	if c.TOTP.Skew < 0 || c.TOTP.Skew > 2 {
		return errors.New("TOTP Skew must be between 0 and 2")
	}
	switch c.TOTP.Algorithm {
	case "", "SHA1", "SHA256", "SHA512":
		// valid (empty treated as SHA1)
	default:
		return errors.New("TOTP Algorithm must be SHA1, SHA256, or SHA512")
	}
	if c.TOTP.BackupCodeCount <= 0 {
		return errors.New("TOTP BackupCodeCount must be > 0")
	}
	if c.TOTP.BackupCodeLength < 8 {
		return errors.New("TOTP BackupCodeLength must be >= 8")
	}

	// Second factor
	if len(c.SecondFactor.TokenSecret) < 32 {
		return errors.New("SecondFactor TokenSecret must be >= 32 bytes")
	}
	if c.SecondFactor.PendingTTL <= 0 {
		return errors.New("SecondFactor PendingTTL must be > 0")
	}
	if c.SecondFactor.PendingTTL > 15*time.Minute {
		return errors.New("SecondFactor PendingTTL must be <= 15m")
	}
	if c.SecondFactor.MaxAttempts <= 0 {
		return errors.New("SecondFactor MaxAttempts must be > 0")
	}

	// Anti-forgery
	if len(c.AntiForgery.Secret) < 32 {
		return errors.New("AntiForgery Secret must be >= 32 bytes")
	}
	if c.AntiForgery.TokenLifetime <= 0 {
		return errors.New("AntiForgery TokenLifetime must be > 0")
	}
	if c.AntiForgery.CookieName == "" || c.AntiForgery.HeaderName == "" {
		return errors.New("AntiForgery CookieName and HeaderName must not be empty")
	}

	// Rate limit
	if c.RateLimit.SettingsTTL <= 0 {
		return errors.New("RateLimit SettingsTTL must be > 0")
	}
	for route, policy := range c.RateLimit.Routes {
		if policy.Limit <= 0 {
			return errors.New("RateLimit Limit must be > 0 for route " + string(route))
		}
		if policy.Window < time.Second {
			return errors.New("RateLimit Window must be >= 1s for route " + string(route))
		}
	}

	// Email change
	if c.EmailChange.TTL <= 0 {
		return errors.New("EmailChange TTL must be > 0")
	}
	if c.EmailChange.GracePeriod < 0 {
		return errors.New("EmailChange GracePeriod must be >= 0")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}

	// Notify
	if c.Notify.BufferSize <= 0 {
		return errors.New("Notify BufferSize must be > 0")
	}

	return nil
}
