package stores

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const pendingChangeVersion1 = 1

// Record layout: version(1) | status(1) | createdAt(8) | expiresAt(8) |
// verifyHash(32) | cancelHash(32) | u16 userID | u16 oldValue | u16
// newValue. The status byte sits at a fixed offset so the transition
// script can swap it without decoding the blob.

// ChangeStatus values stored in the status byte.
const (
	ChangeStatusPending   byte = 0
	ChangeStatusVerified  byte = 1
	ChangeStatusFinalized byte = 2
	ChangeStatusCancelled byte = 3
)

var (
	ErrChangeNotFound   = errors.New("pending change not found")
	ErrChangeWrongState = errors.New("pending change in wrong state")
	ErrValueClaimed     = errors.New("target value already claimed")
	ErrChangeBackend    = errors.New("pending change backend unavailable")
)

// PendingChange is one ledger entry for an identifier change in flight.
type PendingChange struct {
	ChangeID   string
	UserID     string
	OldValue   string
	NewValue   string
	Status     byte
	VerifyHash [32]byte
	CancelHash [32]byte
	CreatedAt  int64
	ExpiresAt  int64
}

// PendingChangeStore keeps the identifier-change ledger in Redis.
//
// Records carry no TTL; an external cleanup collaborator purges them after
// their retention window. The token indexes and the target-value claim do
// expire on their own.
type PendingChangeStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewPendingChangeStore(redisClient redis.UniversalClient, prefix string) *PendingChangeStore {
	if prefix == "" {
		prefix = "kpc"
	}
	return &PendingChangeStore{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *PendingChangeStore) key(changeID string) string {
	return s.prefix + ":" + changeID
}

func (s *PendingChangeStore) verifyKey(hash [32]byte) string {
	return s.prefix + "v:" + hex.EncodeToString(hash[:])
}

func (s *PendingChangeStore) cancelKey(hash [32]byte) string {
	return s.prefix + "c:" + hex.EncodeToString(hash[:])
}

func (s *PendingChangeStore) claimKey(newValue string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(newValue)))
	return s.prefix + "n:" + hex.EncodeToString(sum[:])
}

func (s *PendingChangeStore) expiryIndexKey() string {
	return s.prefix + "x"
}

// HashToken derives the stored lookup hash for a verify or cancel token.
func HashToken(token string) [32]byte {
	return sha256.Sum256([]byte(token))
}

const transitionScript = `
local data = redis.call("GET", KEYS[1])
if not data then
  return {0}
end
local status = string.byte(data, 2)
if status ~= tonumber(ARGV[1]) then
  return {1, status}
end
local updated = string.sub(data, 1, 1) .. string.char(tonumber(ARGV[2])) .. string.sub(data, 3)
redis.call("SET", KEYS[1], updated)
return {2, updated}
`

var transitionLua = redis.NewScript(transitionScript)

// Create claims the target value and writes the record plus its token
// indexes. The SETNX claim is what makes the uniqueness check race-free:
// two concurrent changes to the same value cannot both pass it.
// indexTTL covers the token indexes and the claim (expiry plus grace).
func (s *PendingChangeStore) Create(ctx context.Context, record *PendingChange, indexTTL time.Duration) error {
	claimed, err := s.redis.SetNX(ctx, s.claimKey(record.NewValue), record.ChangeID, indexTTL).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChangeBackend, err)
	}
	if !claimed {
		return ErrValueClaimed
	}

	encoded, err := encodePendingChange(record)
	if err != nil {
		return err
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(record.ChangeID), encoded, 0)
		pipe.Set(ctx, s.verifyKey(record.VerifyHash), record.ChangeID, indexTTL)
		pipe.Set(ctx, s.cancelKey(record.CancelHash), record.ChangeID, indexTTL)
		pipe.ZAdd(ctx, s.expiryIndexKey(), redis.Z{
			Score:  float64(record.ExpiresAt),
			Member: record.ChangeID,
		})
		return nil
	})
	if err != nil {
		// Roll the claim back so a failed create does not squat on the value.
		_, _ = s.redis.Del(ctx, s.claimKey(record.NewValue)).Result()
		return fmt.Errorf("%w: %v", ErrChangeBackend, err)
	}

	return nil
}

// Get fetches one record by id.
func (s *PendingChangeStore) Get(ctx context.Context, changeID string) (*PendingChange, error) {
	data, err := s.redis.Get(ctx, s.key(changeID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrChangeNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrChangeBackend, err)
	}
	record, err := decodePendingChange(data)
	if err != nil {
		return nil, err
	}
	record.ChangeID = changeID
	return record, nil
}

// FindByVerifyToken resolves a verify token to its record. The stored hash
// is re-compared in constant time; the index lookup alone is not trusted.
func (s *PendingChangeStore) FindByVerifyToken(ctx context.Context, token string) (*PendingChange, error) {
	hash := HashToken(token)
	record, err := s.findByIndex(ctx, s.verifyKey(hash))
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(record.VerifyHash[:], hash[:]) != 1 {
		return nil, ErrChangeNotFound
	}
	return record, nil
}

// FindByCancelToken resolves a cancel token to its record.
func (s *PendingChangeStore) FindByCancelToken(ctx context.Context, token string) (*PendingChange, error) {
	hash := HashToken(token)
	record, err := s.findByIndex(ctx, s.cancelKey(hash))
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(record.CancelHash[:], hash[:]) != 1 {
		return nil, ErrChangeNotFound
	}
	return record, nil
}

func (s *PendingChangeStore) findByIndex(ctx context.Context, indexKey string) (*PendingChange, error) {
	changeID, err := s.redis.Get(ctx, indexKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrChangeNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrChangeBackend, err)
	}
	return s.Get(ctx, changeID)
}

// Transition swaps the status byte only when the current status matches
// from. Exactly one of two concurrent callers can win the same
// transition; the loser sees ErrChangeWrongState.
func (s *PendingChangeStore) Transition(ctx context.Context, changeID string, from, to byte) (*PendingChange, error) {
	result, err := transitionLua.Run(
		ctx,
		s.redis,
		[]string{s.key(changeID)},
		int(from),
		int(to),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChangeBackend, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return nil, fmt.Errorf("%w: invalid transition script response", ErrChangeBackend)
	}
	code, ok := parts[0].(int64)
	if !ok {
		return nil, fmt.Errorf("%w: invalid transition script status", ErrChangeBackend)
	}

	switch code {
	case 0:
		return nil, ErrChangeNotFound
	case 1:
		return nil, ErrChangeWrongState
	case 2:
		if len(parts) < 2 {
			return nil, fmt.Errorf("%w: missing transition payload", ErrChangeBackend)
		}
		var blob []byte
		switch v := parts[1].(type) {
		case string:
			blob = []byte(v)
		case []byte:
			blob = v
		default:
			return nil, fmt.Errorf("%w: invalid transition payload", ErrChangeBackend)
		}
		record, err := decodePendingChange(blob)
		if err != nil {
			return nil, err
		}
		record.ChangeID = changeID
		return record, nil
	default:
		return nil, fmt.Errorf("%w: unknown transition script status", ErrChangeBackend)
	}
}

// MarkTerminal re-scores the record in the expiry index so the cleanup
// collaborator picks it up from the given time instead of its expiry.
func (s *PendingChangeStore) MarkTerminal(ctx context.Context, changeID string, at time.Time) error {
	err := s.redis.ZAdd(ctx, s.expiryIndexKey(), redis.Z{
		Score:  float64(at.Unix()),
		Member: changeID,
	}).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChangeBackend, err)
	}
	return nil
}

// ReleaseClaim frees the target value for other changes.
func (s *PendingChangeStore) ReleaseClaim(ctx context.Context, newValue string) error {
	if err := s.redis.Del(ctx, s.claimKey(newValue)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrChangeBackend, err)
	}
	return nil
}

// ListBefore returns up to limit records whose expiry-index score is at or
// before the cutoff: expired records plus terminal ones re-scored by
// MarkTerminal.
func (s *PendingChangeStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]*PendingChange, error) {
	if limit <= 0 {
		limit = 100
	}

	ids, err := s.redis.ZRangeByScore(ctx, s.expiryIndexKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", cutoff.Unix()),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChangeBackend, err)
	}

	records := make([]*PendingChange, 0, len(ids))
	for _, id := range ids {
		record, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrChangeNotFound) {
				// Record purged but index entry left behind; drop it.
				_, _ = s.redis.ZRem(ctx, s.expiryIndexKey(), id).Result()
				continue
			}
			return nil, err
		}
		records = append(records, record)
	}

	return records, nil
}

// Purge removes a record, its token indexes, its expiry-index entry, and
// its claim. Used by the cleanup collaborator once a record is past
// retention.
func (s *PendingChangeStore) Purge(ctx context.Context, changeID string) error {
	record, err := s.Get(ctx, changeID)
	if err != nil {
		if errors.Is(err, ErrChangeNotFound) {
			_, _ = s.redis.ZRem(ctx, s.expiryIndexKey(), changeID).Result()
			return nil
		}
		return err
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(changeID))
		pipe.Del(ctx, s.verifyKey(record.VerifyHash))
		pipe.Del(ctx, s.cancelKey(record.CancelHash))
		pipe.Del(ctx, s.claimKey(record.NewValue))
		pipe.ZRem(ctx, s.expiryIndexKey(), changeID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChangeBackend, err)
	}

	return nil
}

func encodePendingChange(record *PendingChange) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(pendingChangeVersion1)
	buf.WriteByte(record.Status)

	if err := binary.Write(&buf, binary.BigEndian, record.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}

	buf.Write(record.VerifyHash[:])
	buf.Write(record.CancelHash[:])

	for _, field := range []string{record.UserID, record.OldValue, record.NewValue} {
		if len(field) > 65535 {
			return nil, errors.New("pending change field length exceeded")
		}
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(field))); err != nil {
			return nil, err
		}
		buf.WriteString(field)
	}

	return buf.Bytes(), nil
}

func decodePendingChange(data []byte) (*PendingChange, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != pendingChangeVersion1 {
		return nil, errors.New("invalid pending change version")
	}

	record := &PendingChange{}
	record.Status, err = reader.ReadByte()
	if err != nil {
		return nil, err
	}

	if err := binary.Read(reader, binary.BigEndian, &record.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}

	if _, err := io.ReadFull(reader, record.VerifyHash[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(reader, record.CancelHash[:]); err != nil {
		return nil, err
	}

	for _, target := range []*string{&record.UserID, &record.OldValue, &record.NewValue} {
		var length uint16
		if err := binary.Read(reader, binary.BigEndian, &length); err != nil {
			return nil, err
		}
		field := make([]byte, length)
		if _, err := io.ReadFull(reader, field); err != nil {
			return nil, err
		}
		*target = string(field)
	}

	return record, nil
}
