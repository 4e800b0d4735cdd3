package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newStoreTest(t *testing.T, sliding bool) (*miniredis.Miniredis, *redis.Client, *Store) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, client, NewStore(client, "ks", sliding)
}

func testSession(t *testing.T, userID string) (*Session, [32]byte) {
	t.Helper()

	sid, err := NewSessionID()
	if err != nil {
		t.Fatalf("NewSessionID failed: %v", err)
	}
	secret, err := NewSecret()
	if err != nil {
		t.Fatalf("NewSecret failed: %v", err)
	}

	now := time.Now()
	return &Session{
		SessionID:         sid.String(),
		UserID:            userID,
		TwoFactorVerified: true,
		SecretHash:        HashSecret(secret),
		CreatedAt:         now.Unix(),
		ExpiresAt:         now.Add(time.Hour).Unix(),
		LastActiveAt:      now.Unix(),
		UserAgent:         "agent/1.0",
		IP:                "203.0.113.9",
		Geo:               "NL",
	}, secret
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	sess, _ := testSession(t, "u1")

	data, err := Encode(sess)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	decoded.SessionID = sess.SessionID
	if *decoded != *sess {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", decoded, sess)
	}
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	sess, _ := testSession(t, "u1")
	data, err := Encode(sess)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	data[0] = 99
	if _, err := Decode(data); err == nil {
		t.Fatal("expected version rejection")
	}
}

func TestStoreSaveAndGet(t *testing.T) {
	_, rdb, store := newStoreTest(t, false)
	sess, _ := testSession(t, "u1")

	if err := store.Save(context.Background(), sess, time.Hour); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Get(context.Background(), sess.SessionID, time.Hour)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.UserID != "u1" || !got.TwoFactorVerified {
		t.Fatalf("unexpected session: %+v", got)
	}

	// The user index tracks the session.
	members, err := rdb.SMembers(context.Background(), "ksu:u1").Result()
	if err != nil {
		t.Fatalf("SMembers failed: %v", err)
	}
	if len(members) != 1 || members[0] != sess.SessionID {
		t.Fatalf("expected session indexed under user, got %v", members)
	}
}

func TestStoreGetMissReturnsRedisNil(t *testing.T) {
	_, _, store := newStoreTest(t, false)

	sid, err := NewSessionID()
	if err != nil {
		t.Fatalf("NewSessionID failed: %v", err)
	}
	if _, err := store.Get(context.Background(), sid.String(), time.Hour); !errors.Is(err, redis.Nil) {
		t.Fatalf("expected redis.Nil, got %v", err)
	}
}

func TestStoreSlidingGetStampsLastActive(t *testing.T) {
	_, _, store := newStoreTest(t, true)
	sess, _ := testSession(t, "u1")
	sess.LastActiveAt = time.Now().Add(-time.Hour).Unix()

	if err := store.Save(context.Background(), sess, time.Hour); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Get(context.Background(), sess.SessionID, 2*time.Hour)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.LastActiveAt <= sess.LastActiveAt {
		t.Fatalf("expected LastActiveAt refreshed, got %d", got.LastActiveAt)
	}

	// The refreshed stamp is persisted.
	again, err := store.GetReadOnly(context.Background(), sess.SessionID)
	if err != nil {
		t.Fatalf("GetReadOnly failed: %v", err)
	}
	if again.LastActiveAt != got.LastActiveAt {
		t.Fatalf("expected persisted stamp %d, got %d", got.LastActiveAt, again.LastActiveAt)
	}
}

func TestStoreAbsoluteLifetimeCap(t *testing.T) {
	_, rdb, store := newStoreTest(t, true)
	sess, _ := testSession(t, "u1")

	// Created long ago; the stored expiry would still allow it, the
	// absolute cap must not.
	sess.CreatedAt = time.Now().Add(-48 * time.Hour).Unix()
	sess.ExpiresAt = time.Now().Add(time.Hour).Unix()

	if err := store.Save(context.Background(), sess, time.Hour); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if _, err := store.Get(context.Background(), sess.SessionID, 24*time.Hour); !errors.Is(err, redis.Nil) {
		t.Fatalf("expected redis.Nil past absolute lifetime, got %v", err)
	}

	// The over-age session is removed, index included.
	if n := rdb.Exists(context.Background(), "ks:"+sess.SessionID).Val(); n != 0 {
		t.Fatal("expected session key deleted")
	}
	if n := rdb.SCard(context.Background(), "ksu:u1").Val(); n != 0 {
		t.Fatal("expected index entry deleted")
	}
}

func TestStoreDeleteIdempotent(t *testing.T) {
	_, _, store := newStoreTest(t, false)
	sess, _ := testSession(t, "u1")

	if err := store.Save(context.Background(), sess, time.Hour); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Delete(context.Background(), sess.SessionID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := store.Delete(context.Background(), sess.SessionID); err != nil {
		t.Fatalf("second Delete must be a no-op, got %v", err)
	}
	if _, err := store.GetReadOnly(context.Background(), sess.SessionID); !errors.Is(err, redis.Nil) {
		t.Fatalf("expected redis.Nil after delete, got %v", err)
	}
}

func TestStoreDeleteAllForUserExcept(t *testing.T) {
	_, _, store := newStoreTest(t, false)

	var keep string
	for i := 0; i < 3; i++ {
		sess, _ := testSession(t, "u1")
		if err := store.Save(context.Background(), sess, time.Hour); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		if i == 1 {
			keep = sess.SessionID
		}
	}

	if err := store.DeleteAllForUserExcept(context.Background(), "u1", keep); err != nil {
		t.Fatalf("DeleteAllForUserExcept failed: %v", err)
	}

	ids, err := store.ActiveSessionIDs(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ActiveSessionIDs failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != keep {
		t.Fatalf("expected only %s to survive, got %v", keep, ids)
	}
	if _, err := store.GetReadOnly(context.Background(), keep); err != nil {
		t.Fatalf("kept session unreadable: %v", err)
	}
}

func TestStoreUpdateMetadataPreservesTTLAndFields(t *testing.T) {
	mr, _, store := newStoreTest(t, false)
	sess, _ := testSession(t, "u1")

	if err := store.Save(context.Background(), sess, time.Hour); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	err := store.UpdateMetadata(context.Background(), sess.SessionID, Metadata{Geo: "DE"})
	if err != nil {
		t.Fatalf("UpdateMetadata failed: %v", err)
	}

	got, err := store.GetReadOnly(context.Background(), sess.SessionID)
	if err != nil {
		t.Fatalf("GetReadOnly failed: %v", err)
	}
	if got.Geo != "DE" {
		t.Fatalf("expected geo patched, got %q", got.Geo)
	}
	if got.UserAgent != sess.UserAgent || got.IP != sess.IP {
		t.Fatalf("expected untouched fields preserved, got %+v", got)
	}
	if got.SecretHash != sess.SecretHash {
		t.Fatal("expected secret hash preserved")
	}

	if ttl := mr.TTL("ks:" + sess.SessionID); ttl <= 0 || ttl > time.Hour {
		t.Fatalf("expected TTL preserved, got %s", ttl)
	}
}

func TestStoreUpdateMetadataMissingSessionIsNoError(t *testing.T) {
	_, _, store := newStoreTest(t, false)

	if err := store.UpdateMetadata(context.Background(), "missing", Metadata{Geo: "DE"}); err != nil {
		t.Fatalf("expected best-effort nil, got %v", err)
	}
}

func TestStoreGetManyReadOnlySkipsMissing(t *testing.T) {
	_, _, store := newStoreTest(t, false)

	a, _ := testSession(t, "u1")
	b, _ := testSession(t, "u1")
	if err := store.Save(context.Background(), a, time.Hour); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Save(context.Background(), b, time.Hour); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	sessions, err := store.GetManyReadOnly(context.Background(), []string{a.SessionID, "missing", b.SessionID})
	if err != nil {
		t.Fatalf("GetManyReadOnly failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected two sessions, got %d", len(sessions))
	}
}
