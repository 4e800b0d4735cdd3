package kestrel

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"math/big"
	"strings"
)

// Backup codes use an unambiguous alphabet (no 0/O, 1/I/L). Submitted
// codes are normalized before hashing, so dashes and case differences do
// not matter.
const backupCodeAlphabet = "ABCDEFGHJKMNPQRSTVWXYZ23456789"

// GenerateBackupCodes replaces the user's backup code set and returns the
// new plaintexts. Old codes stop working immediately. Only SHA-256 hashes
// are stored.
func (e *Engine) GenerateBackupCodes(ctx context.Context, userID string) ([]string, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	user, err := e.userProvider.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, wrapInternal(err)
	}
	if !user.TOTPEnabled {
		return nil, ErrTOTPNotConfigured
	}

	codes, err := e.replaceBackupCodes(ctx, userID)
	if err != nil {
		return nil, err
	}

	e.metrics.Inc(MetricBackupCodeRegenerated)
	e.auditEvent(ctx, "backup_codes.regenerated", userID, "", true, nil, nil)
	return codes, nil
}

func (e *Engine) replaceBackupCodes(ctx context.Context, userID string) ([]string, error) {
	count := e.config.TOTP.BackupCodeCount
	length := e.config.TOTP.BackupCodeLength

	codes := make([]string, 0, count)
	records := make([]BackupCodeRecord, 0, count)
	for i := 0; i < count; i++ {
		code, err := randomBackupCode(length)
		if err != nil {
			return nil, wrapInternal(err)
		}
		codes = append(codes, code)
		records = append(records, BackupCodeRecord{Hash: hashBackupCode(code)})
	}

	if err := e.userProvider.ReplaceBackupCodes(ctx, userID, records); err != nil {
		return nil, wrapInternal(err)
	}
	return codes, nil
}

// verifyBackupCode consumes one backup code. A submitted value that looks
// like a backup code but is absent from the set is reported as already
// used: codes are removed on use, so a well-formed miss almost always
// means reuse. A malformed value is just an invalid factor.
func (e *Engine) verifyBackupCode(ctx context.Context, userID, code string) error {
	normalized, wellFormed := normalizeBackupCode(code, e.config.TOTP.BackupCodeLength)
	if !wellFormed {
		return ErrSecondFactorInvalid
	}

	consumed, err := e.userProvider.ConsumeBackupCode(ctx, userID, hashBackupCode(normalized))
	if err != nil {
		return wrapInternal(err)
	}
	if !consumed {
		e.metrics.Inc(MetricBackupCodeFailed)
		return ErrBackupCodeAlreadyUsed
	}

	e.metrics.Inc(MetricBackupCodeUsed)
	return nil
}

func randomBackupCode(length int) (string, error) {
	var b strings.Builder
	b.Grow(length)

	alphabetSize := big.NewInt(int64(len(backupCodeAlphabet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", err
		}
		b.WriteByte(backupCodeAlphabet[n.Int64()])
	}

	return b.String(), nil
}

func normalizeBackupCode(code string, length int) (string, bool) {
	cleaned := strings.ToUpper(strings.NewReplacer("-", "", " ", "").Replace(strings.TrimSpace(code)))
	if len(cleaned) != length {
		return "", false
	}
	for i := 0; i < len(cleaned); i++ {
		if !strings.ContainsRune(backupCodeAlphabet, rune(cleaned[i])) {
			return "", false
		}
	}
	return cleaned, true
}

func hashBackupCode(normalized string) [32]byte {
	return sha256.Sum256([]byte(normalized))
}
