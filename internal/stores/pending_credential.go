package stores

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const pendingCredentialVersion1 = 1

// Record layout: version(1) | flags(1) | attempts(2) | expiresAt(8) |
// userIDLen(2) | userID. The flags byte sits at a fixed offset so the
// consume script can test it without decoding the whole blob.
const pendingCredentialFlagOffset = 2 // 1-based, for Lua string.byte

const flagFactorVerified = 0x01

var (
	ErrPendingNotFound    = errors.New("pending credential not found")
	ErrPendingExpired     = errors.New("pending credential expired")
	ErrPendingNotVerified = errors.New("pending credential factor not verified")
	ErrPendingBackend     = errors.New("pending credential backend unavailable")
)

// PendingCredential is the server-side record behind a pending credential
// token: password verified, second factor outstanding. It is not a session.
type PendingCredential struct {
	UserID         string
	ExpiresAt      int64
	Attempts       uint16
	FactorVerified bool
}

// PendingCredentialStore keeps pending credential records in Redis for the
// window between password verification and second-factor completion.
type PendingCredentialStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewPendingCredentialStore(redisClient redis.UniversalClient, prefix string) *PendingCredentialStore {
	if prefix == "" {
		prefix = "kpf"
	}
	return &PendingCredentialStore{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *PendingCredentialStore) key(pendingID string) string {
	return s.prefix + ":" + pendingID
}

const consumePendingScript = `
local data = redis.call("GET", KEYS[1])
if not data then
  return {0}
end
local flags = string.byte(data, tonumber(ARGV[2]))
if tonumber(ARGV[1]) == 1 and (not flags or flags % 2 == 0) then
  return {2}
end
redis.call("DEL", KEYS[1])
return {1, data}
`

var consumePendingLua = redis.NewScript(consumePendingScript)

func (s *PendingCredentialStore) Save(
	ctx context.Context,
	pendingID string,
	record *PendingCredential,
	ttl time.Duration,
) error {
	encoded, err := encodePendingCredential(record)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(pendingID), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrPendingBackend, err)
	}
	return nil
}

func (s *PendingCredentialStore) Get(ctx context.Context, pendingID string) (*PendingCredential, error) {
	data, err := s.redis.Get(ctx, s.key(pendingID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrPendingNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrPendingBackend, err)
	}

	record, err := decodePendingCredential(data)
	if err != nil {
		return nil, err
	}
	if time.Now().Unix() > record.ExpiresAt {
		_, _ = s.redis.Del(ctx, s.key(pendingID)).Result()
		return nil, ErrPendingExpired
	}
	return record, nil
}

// RecordFailure increments the attempt counter. When the counter reaches
// maxAttempts the record is deleted and exceeded is true; the whole
// challenge is spent, not just the one code.
func (s *PendingCredentialStore) RecordFailure(
	ctx context.Context,
	pendingID string,
	maxAttempts int,
) (bool, error) {
	const maxRetries = 4
	key := s.key(pendingID)

	for i := 0; i < maxRetries; i++ {
		var exceeded bool
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			record, err := decodePendingCredential(data)
			if err != nil {
				return err
			}
			if time.Now().Unix() > record.ExpiresAt {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return ErrPendingExpired
			}

			record.Attempts++
			if int(record.Attempts) >= maxAttempts {
				exceeded = true
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				return err
			}

			ttl := time.Until(time.Unix(record.ExpiresAt, 0))
			if ttl <= 0 {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return ErrPendingExpired
			}

			updated, err := encodePendingCredential(record)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return false, ErrPendingNotFound
			}
			if errors.Is(err, ErrPendingExpired) {
				return false, err
			}
			return false, fmt.Errorf("%w: %v", ErrPendingBackend, err)
		}
		return exceeded, nil
	}

	return false, ErrPendingNotFound
}

// MarkFactorVerified flips the verified flag without consuming the record.
// The record stays until the completion call redeems it.
func (s *PendingCredentialStore) MarkFactorVerified(ctx context.Context, pendingID string) error {
	const maxRetries = 4
	key := s.key(pendingID)

	for i := 0; i < maxRetries; i++ {
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			record, err := decodePendingCredential(data)
			if err != nil {
				return err
			}
			ttl := time.Until(time.Unix(record.ExpiresAt, 0))
			if ttl <= 0 {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return ErrPendingExpired
			}

			record.FactorVerified = true
			updated, err := encodePendingCredential(record)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrPendingNotFound
			}
			if errors.Is(err, ErrPendingExpired) {
				return err
			}
			return fmt.Errorf("%w: %v", ErrPendingBackend, err)
		}
		return nil
	}

	return ErrPendingNotFound
}

// Consume atomically removes the record and returns it. With
// requireVerified set, an unverified record is left in place and
// ErrPendingNotVerified returned. Exactly one concurrent caller can win.
func (s *PendingCredentialStore) Consume(
	ctx context.Context,
	pendingID string,
	requireVerified bool,
) (*PendingCredential, error) {
	require := 0
	if requireVerified {
		require = 1
	}

	result, err := consumePendingLua.Run(
		ctx,
		s.redis,
		[]string{s.key(pendingID)},
		require,
		pendingCredentialFlagOffset,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPendingBackend, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return nil, fmt.Errorf("%w: invalid consume script response", ErrPendingBackend)
	}
	code, ok := parts[0].(int64)
	if !ok {
		return nil, fmt.Errorf("%w: invalid consume script status", ErrPendingBackend)
	}

	switch code {
	case 0:
		return nil, ErrPendingNotFound
	case 2:
		return nil, ErrPendingNotVerified
	case 1:
		if len(parts) < 2 {
			return nil, fmt.Errorf("%w: missing consume payload", ErrPendingBackend)
		}
		var blob []byte
		switch v := parts[1].(type) {
		case string:
			blob = []byte(v)
		case []byte:
			blob = v
		default:
			return nil, fmt.Errorf("%w: invalid consume payload", ErrPendingBackend)
		}
		record, err := decodePendingCredential(blob)
		if err != nil {
			return nil, err
		}
		if time.Now().Unix() > record.ExpiresAt {
			return nil, ErrPendingExpired
		}
		return record, nil
	default:
		return nil, fmt.Errorf("%w: unknown consume script status", ErrPendingBackend)
	}
}

// Delete removes the record, reporting whether it existed.
func (s *PendingCredentialStore) Delete(ctx context.Context, pendingID string) (bool, error) {
	n, err := s.redis.Del(ctx, s.key(pendingID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrPendingBackend, err)
	}
	return n > 0, nil
}

func encodePendingCredential(record *PendingCredential) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(pendingCredentialVersion1)

	var flags byte
	if record.FactorVerified {
		flags |= flagFactorVerified
	}
	buf.WriteByte(flags)

	if err := binary.Write(&buf, binary.BigEndian, record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}

	if len(record.UserID) > 65535 {
		return nil, errors.New("pending credential user id length exceeded")
	}
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(record.UserID))); err != nil {
		return nil, err
	}
	buf.WriteString(record.UserID)

	return buf.Bytes(), nil
}

func decodePendingCredential(data []byte) (*PendingCredential, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != pendingCredentialVersion1 {
		return nil, errors.New("invalid pending credential version")
	}

	flags, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	record := &PendingCredential{
		FactorVerified: flags&flagFactorVerified != 0,
	}
	if err := binary.Read(reader, binary.BigEndian, &record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}

	var userLen uint16
	if err := binary.Read(reader, binary.BigEndian, &userLen); err != nil {
		return nil, err
	}
	user := make([]byte, userLen)
	if _, err := io.ReadFull(reader, user); err != nil {
		return nil, err
	}
	record.UserID = string(user)

	return record, nil
}
