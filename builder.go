package kestrel

import (
	"errors"

	"github.com/kestrelauth/kestrel/csrf"
	"github.com/kestrelauth/kestrel/internal/rate"
	"github.com/kestrelauth/kestrel/internal/settings"
	"github.com/kestrelauth/kestrel/internal/stores"
	"github.com/kestrelauth/kestrel/password"
	"github.com/kestrelauth/kestrel/session"
	"github.com/redis/go-redis/v9"
)

// Builder assembles an [Engine]. Configure with the WithX methods, then
// call Build once.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	userProvider   UserProvider
	notifier       Notifier
	enricher       MetadataEnricher
	auditSink      AuditSink
	settingsSource settings.Source

	built bool
}

// New returns a Builder preloaded with the default configuration.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

func (b *Builder) WithUserProvider(up UserProvider) *Builder {
	b.userProvider = up
	return b
}

func (b *Builder) WithNotifier(n Notifier) *Builder {
	b.notifier = n
	return b
}

func (b *Builder) WithMetadataEnricher(en MetadataEnricher) *Builder {
	b.enricher = en
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithRateLimitSource installs the runtime settings source for per-route
// limits. Without one the static Config.RateLimit.Routes apply.
func (b *Builder) WithRateLimitSource(source settings.Source) *Builder {
	b.settingsSource = source
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// Build validates the configuration, wires every component, and returns
// the engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.userProvider == nil {
		return nil, errors.New("user provider required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	fallback := make(map[string]rate.Policy, len(cfg.RateLimit.Routes))
	for route, policy := range cfg.RateLimit.Routes {
		fallback[string(route)] = rate.Policy{
			Limit:  policy.Limit,
			Window: policy.Window,
		}
	}

	guard, err := csrf.NewGuard(csrf.Config{
		Secret:        cfg.AntiForgery.Secret,
		TokenLifetime: cfg.AntiForgery.TokenLifetime,
		CookieName:    cfg.AntiForgery.CookieName,
		HeaderName:    cfg.AntiForgery.HeaderName,
		SecureCookies: cfg.AntiForgery.SecureCookies,
	})
	if err != nil {
		return nil, err
	}

	ph, err := password.NewArgon2(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}

	sessionStore := session.NewStore(
		b.redis,
		cfg.Session.RedisPrefix,
		cfg.Session.SlidingExpiration,
	)

	engine := &Engine{
		config:       cfg,
		userProvider: b.userProvider,
		sessionStore: sessionStore,
		pendingStore: stores.NewPendingCredentialStore(b.redis, ""),
		changeStore:  stores.NewPendingChangeStore(b.redis, ""),
		limiter:      rate.New(b.redis, ""),
		settings:     settings.NewService(b.settingsSource, fallback, cfg.RateLimit.SettingsTTL),
		passwordHash: ph,
		totp:         newTOTPManager(cfg.TOTP),
		pendingToken: newPendingTokenManager(cloneBytes(cfg.SecondFactor.TokenSecret), cfg.SecondFactor.PendingTTL),
		guard:        guard,
		audit:        newAuditDispatcher(cfg.Audit, b.auditSink),
		notify:       newNotifyDispatcher(cfg.Notify, b.notifier),
		metrics:      NewMetrics(cfg.Metrics),
	}
	engine.enrich = newEnrichWorker(b.enricher, sessionStore, engine.metrics)

	b.built = true

	return engine, nil
}
