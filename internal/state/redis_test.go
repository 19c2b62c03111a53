package state

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/csai/reqguard/internal/nonce"
)

func newTestRedis(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("REQGUARD_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("REQGUARD_TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rdb, err := DialRedis(ctx, addr, "", 0)
	if err != nil {
		t.Fatalf("dial redis: %v", err)
	}
	st := NewRedisStore(rdb, WithRedisPrefix("reqguard-test:"+uuid.NewString()), WithRedisTTL(time.Minute))
	t.Cleanup(func() {
		_ = st.Reset(context.Background())
		_ = st.Close()
	})
	return st
}

func TestRedisPutIsInsertIfAbsent(t *testing.T) {
	st := newTestRedis(t)
	ctx := context.Background()

	rec := nonce.Record{Owner: "alice", Value: "nonce-0001", CreatedAt: epoch}
	ok, err := st.Put(ctx, rec)
	if err != nil || !ok {
		t.Fatalf("first put: ok=%v err=%v", ok, err)
	}
	ok, err = st.Put(ctx, rec)
	if err != nil || ok {
		t.Fatalf("second put should not insert: ok=%v err=%v", ok, err)
	}
	got, found, err := st.Get(ctx, "alice", "nonce-0001")
	if err != nil || !found || !got.CreatedAt.Equal(epoch) {
		t.Fatalf("get: rec=%+v found=%v err=%v", got, found, err)
	}
	if n, err := st.Len(ctx); err != nil || n != 1 {
		t.Fatalf("expected len 1, got %d (%v)", n, err)
	}
}

func TestRedisDeleteAndReset(t *testing.T) {
	st := newTestRedis(t)
	ctx := context.Background()

	for _, v := range []string{"nonce-a", "nonce-b", "nonce-c"} {
		if _, err := st.Put(ctx, nonce.Record{Owner: "bob", Value: v, CreatedAt: epoch}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if err := st.Delete(ctx, "bob", "nonce-a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, found, _ := st.Get(ctx, "bob", "nonce-a"); found {
		t.Fatalf("deleted record still present")
	}
	if err := st.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if n, _ := st.Len(ctx); n != 0 {
		t.Fatalf("expected empty keyspace, got %d", n)
	}
}

func TestRedisScanExpiredIsEmpty(t *testing.T) {
	st := NewRedisStore(nil)
	got, err := st.ScanExpired(context.Background(), epoch)
	if err != nil || len(got) != 0 {
		t.Fatalf("expected no expired records, got %v (%v)", got, err)
	}
}
