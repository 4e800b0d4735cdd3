package kestrel

import (
	"context"
	"encoding/base32"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type mockUserProvider struct {
	mu           sync.Mutex
	users        map[string]UserRecord
	byIdentifier map[string]string
	totpRecords  map[string]TOTPRecord
	backupCodes  map[string][]BackupCodeRecord

	updatePasswordErr   error
	updateIdentifierErr error

	getByIdentifierCalls  int
	getByIDCalls          int
	updatePasswordCalls   int
	updateIdentifierCalls int
	consumeBackupCalls    int
}

func newMockUserProvider() *mockUserProvider {
	return &mockUserProvider{
		users:        map[string]UserRecord{},
		byIdentifier: map[string]string{},
		totpRecords:  map[string]TOTPRecord{},
		backupCodes:  map[string][]BackupCodeRecord{},
	}
}

func (m *mockUserProvider) GetUserByIdentifier(_ context.Context, identifier string) (UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getByIdentifierCalls++

	userID, ok := m.byIdentifier[identifier]
	if !ok {
		return UserRecord{}, ErrUserNotFound
	}
	user, ok := m.users[userID]
	if !ok {
		return UserRecord{}, ErrUserNotFound
	}
	return user, nil
}

func (m *mockUserProvider) GetUserByID(_ context.Context, userID string) (UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getByIDCalls++

	user, ok := m.users[userID]
	if !ok {
		return UserRecord{}, ErrUserNotFound
	}
	return user, nil
}

func (m *mockUserProvider) UpdatePasswordHash(_ context.Context, userID, newHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updatePasswordCalls++

	if m.updatePasswordErr != nil {
		return m.updatePasswordErr
	}
	user, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	user.PasswordHash = newHash
	m.users[userID] = user
	return nil
}

func (m *mockUserProvider) UpdateIdentifier(_ context.Context, userID, newIdentifier string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateIdentifierCalls++

	if m.updateIdentifierErr != nil {
		return m.updateIdentifierErr
	}
	user, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	delete(m.byIdentifier, user.Identifier)
	user.Identifier = newIdentifier
	m.users[userID] = user
	m.byIdentifier[newIdentifier] = userID
	return nil
}

func (m *mockUserProvider) GetTOTPSecret(_ context.Context, userID string) (*TOTPRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.totpRecords[userID]
	if !ok {
		return nil, nil
	}
	out := record
	return &out, nil
}

func (m *mockUserProvider) EnableTOTP(_ context.Context, userID string, secret []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totpRecords[userID] = TOTPRecord{
		Secret:       append([]byte(nil), secret...),
		Enabled:      true,
		LastUsedStep: -1,
	}
	return nil
}

func (m *mockUserProvider) MarkTOTPVerified(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.totpRecords[userID]
	if !ok {
		return ErrUserNotFound
	}
	record.Verified = true
	m.totpRecords[userID] = record

	user, ok := m.users[userID]
	if ok {
		user.TOTPEnabled = true
		m.users[userID] = user
	}
	return nil
}

func (m *mockUserProvider) DisableTOTP(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.totpRecords, userID)
	user, ok := m.users[userID]
	if ok {
		user.TOTPEnabled = false
		m.users[userID] = user
	}
	return nil
}

func (m *mockUserProvider) AdvanceTOTPStep(_ context.Context, userID string, step int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	record, ok := m.totpRecords[userID]
	if !ok {
		return false, ErrUserNotFound
	}
	if step <= record.LastUsedStep {
		return false, nil
	}
	record.LastUsedStep = step
	m.totpRecords[userID] = record
	return true, nil
}

func (m *mockUserProvider) GetBackupCodes(_ context.Context, userID string) ([]BackupCodeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]BackupCodeRecord(nil), m.backupCodes[userID]...), nil
}

func (m *mockUserProvider) ReplaceBackupCodes(_ context.Context, userID string, codes []BackupCodeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.backupCodes[userID] = append([]BackupCodeRecord(nil), codes...)
	return nil
}

func (m *mockUserProvider) ConsumeBackupCode(_ context.Context, userID string, hash [32]byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumeBackupCalls++

	codes := m.backupCodes[userID]
	for i, record := range codes {
		if record.Hash == hash {
			m.backupCodes[userID] = append(codes[:i], codes[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

type recordedNotification struct {
	Kind        NotificationKind
	Destination string
	Payload     map[string]string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []recordedNotification
}

func (n *recordingNotifier) Notify(_ context.Context, kind NotificationKind, destination string, payload map[string]string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.sent = append(n.sent, recordedNotification{
		Kind:        kind,
		Destination: destination,
		Payload:     payload,
	})
	return nil
}

func (n *recordingNotifier) ofKind(kind NotificationKind) []recordedNotification {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []recordedNotification
	for _, notification := range n.sent {
		if notification.Kind == kind {
			out = append(out, notification)
		}
	}
	return out
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, client
}

func authTestConfig() Config {
	cfg := defaultConfig()
	cfg.SecondFactor.TokenSecret = []byte("pending-token-secret-0123456789abcdef")
	cfg.AntiForgery.Secret = []byte("anti-forgery-secret-0123456789abcdef")
	cfg.TOTP.Issuer = "kestrel"
	cfg.Password.Memory = 8192
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Metrics.Enabled = true
	return cfg
}

func newAuthEngine(t *testing.T, cfg Config, up UserProvider) (*Engine, *redis.Client, func()) {
	t.Helper()
	return newAuthEngineWithNotifier(t, cfg, up, nil)
}

func newAuthEngineWithNotifier(t *testing.T, cfg Config, up UserProvider, notifier Notifier) (*Engine, *redis.Client, func()) {
	t.Helper()

	mr, rdb := newTestRedis(t)

	builder := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserProvider(up)
	if notifier != nil {
		builder = builder.WithNotifier(notifier)
	}

	engine, err := builder.Build()
	if err != nil {
		mr.Close()
		t.Fatalf("Build failed: %v", err)
	}

	return engine, rdb, func() {
		engine.Close()
		mr.Close()
	}
}

func seedUser(t *testing.T, engine *Engine, up *mockUserProvider, userID, identifier, pass string) {
	t.Helper()

	hash, err := engine.passwordHash.Hash(pass)
	if err != nil {
		t.Fatalf("hash password failed: %v", err)
	}

	up.mu.Lock()
	defer up.mu.Unlock()
	up.users[userID] = UserRecord{
		UserID:       userID,
		Identifier:   identifier,
		PasswordHash: hash,
	}
	up.byIdentifier[identifier] = userID
}

func enableUserTOTP(t *testing.T, engine *Engine, userID string, cfg Config) string {
	t.Helper()

	setup, err := engine.GenerateTOTPSetup(context.Background(), userID)
	if err != nil {
		t.Fatalf("GenerateTOTPSetup failed: %v", err)
	}
	if setup.SecretBase32 == "" {
		t.Fatal("expected non-empty setup secret")
	}

	code := codeForNow(t, setup.SecretBase32, cfg.TOTP)
	if _, err := engine.ConfirmTOTPSetup(context.Background(), userID, code); err != nil {
		t.Fatalf("ConfirmTOTPSetup failed: %v", err)
	}

	return setup.SecretBase32
}

func codeForNow(t *testing.T, secret string, cfg TOTPConfig) string {
	t.Helper()
	return codeForOffset(t, secret, cfg, 0)
}

func codeForOffset(t *testing.T, secret string, cfg TOTPConfig, offset int64) string {
	t.Helper()

	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(secret))
	if err != nil {
		t.Fatalf("decode secret failed: %v", err)
	}
	counter := (time.Now().Unix() / int64(cfg.Period)) + offset
	code, err := hotpCode(key, counter, cfg.Digits, cfg.Algorithm)
	if err != nil {
		t.Fatalf("hotpCode failed: %v", err)
	}
	return code
}

// keysWithPrefix probes the raw keyspace; tests use it to assert what does
// and does not exist server-side.
func keysWithPrefix(t *testing.T, rdb *redis.Client, prefix string) []string {
	t.Helper()

	keys, err := rdb.Keys(context.Background(), prefix+"*").Result()
	if err != nil {
		t.Fatalf("keys scan failed: %v", err)
	}
	return keys
}

func loginSecondFactorUser(t *testing.T, engine *Engine, up *mockUserProvider, cfg Config) (secret string, pendingToken string) {
	t.Helper()

	seedUser(t, engine, up, "u1", "alice@example.com", "correct-password-123")
	secret = enableUserTOTP(t, engine, "u1", cfg)

	result, err := engine.SubmitPassword(context.Background(), "alice@example.com", "correct-password-123")
	if err != nil {
		t.Fatalf("SubmitPassword failed: %v", err)
	}
	if !result.SecondFactorRequired || result.PendingToken == "" {
		t.Fatalf("expected second-factor challenge, got %+v", result)
	}
	if result.Token != "" {
		t.Fatal("expected no session token before second factor")
	}
	return secret, result.PendingToken
}

func TestCheckRateLimitResolvesStoreOutageToVerdict(t *testing.T) {
	newEngineAgainstDeadStore := func(t *testing.T, cfg Config) *Engine {
		t.Helper()
		mr, rdb := newTestRedis(t)
		engine, err := New().
			WithConfig(cfg).
			WithRedis(rdb).
			WithUserProvider(newMockUserProvider()).
			Build()
		if err != nil {
			mr.Close()
			t.Fatalf("Build failed: %v", err)
		}
		t.Cleanup(engine.Close)
		mr.Close()
		return engine
	}

	// Default policy: the outage reads as limited for a full window.
	cfg := authTestConfig()
	engine := newEngineAgainstDeadStore(t, cfg)
	verdict := engine.CheckRateLimit(context.Background(), "ip:203.0.113.9", RouteLogin)
	if !verdict.Limited {
		t.Fatal("expected fail-closed verdict with the counter store down")
	}
	if verdict.RetryAfter != cfg.RateLimit.Routes[RouteLogin].Window {
		t.Fatalf("expected full-window retry, got %s", verdict.RetryAfter)
	}

	// FailOpen flips the same outage to not limited.
	open := authTestConfig()
	open.RateLimit.FailOpen = true
	engine = newEngineAgainstDeadStore(t, open)
	if v := engine.CheckRateLimit(context.Background(), "ip:203.0.113.9", RouteLogin); v.Limited {
		t.Fatalf("expected fail-open verdict, got %+v", v)
	}
}

func TestEngineNilReceiverSafe(t *testing.T) {
	var engine *Engine

	if _, err := engine.SubmitPassword(context.Background(), "a", "b"); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("expected ErrEngineNotReady, got %v", err)
	}
	if _, err := engine.Resolve(context.Background(), "token"); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("expected ErrEngineNotReady, got %v", err)
	}
	if err := engine.SubmitSecondFactor(context.Background(), "t", "c", MethodTOTP); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("expected ErrEngineNotReady, got %v", err)
	}
	engine.Close()
}

func TestBuilderRequiresRedisAndProvider(t *testing.T) {
	cfg := authTestConfig()

	if _, err := New().WithConfig(cfg).WithUserProvider(newMockUserProvider()).Build(); err == nil {
		t.Fatal("expected Build to fail without redis")
	}

	mr, rdb := newTestRedis(t)
	defer mr.Close()

	if _, err := New().WithConfig(cfg).WithRedis(rdb).Build(); err == nil {
		t.Fatal("expected Build to fail without user provider")
	}
}

func TestBuilderSingleUse(t *testing.T) {
	cfg := authTestConfig()
	mr, rdb := newTestRedis(t)
	defer mr.Close()

	builder := New().WithConfig(cfg).WithRedis(rdb).WithUserProvider(newMockUserProvider())
	engine, err := builder.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer engine.Close()

	if _, err := builder.Build(); err == nil {
		t.Fatal("expected second Build to fail")
	}
}

func TestBuilderRejectsShortSecrets(t *testing.T) {
	cfg := authTestConfig()
	cfg.SecondFactor.TokenSecret = []byte("short")

	mr, rdb := newTestRedis(t)
	defer mr.Close()

	if _, err := New().WithConfig(cfg).WithRedis(rdb).WithUserProvider(newMockUserProvider()).Build(); err == nil {
		t.Fatal("expected Build to reject short token secret")
	}
}
