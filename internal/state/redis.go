package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/csai/reqguard/internal/nonce"
)

const scanBatch = 500

// RedisStore shares nonce records between instances. Records are written
// with SET NX and a TTL so Redis expires them on its own; ScanExpired
// therefore never reports anything and the ledger should run with a
// negative MaxSize.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

type RedisOption func(*RedisStore)

func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = strings.Trim(prefix, ":") }
}

// WithRedisTTL sets the key expiry. It should match the ledger TTL.
func WithRedisTTL(d time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = d }
}

func NewRedisStore(rdb redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		rdb:    rdb,
		prefix: "reqguard:nonce",
		ttl:    nonce.DefaultTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DialRedis connects and pings so misconfiguration fails at startup.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return rdb, nil
}

func (s *RedisStore) key(owner, value string) string {
	return s.prefix + ":" + owner + ":" + value
}

func (s *RedisStore) Get(ctx context.Context, owner, value string) (nonce.Record, bool, error) {
	raw, err := s.rdb.Get(ctx, s.key(owner, value)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nonce.Record{}, false, nil
	}
	if err != nil {
		return nonce.Record{}, false, fmt.Errorf("redis get: %w", err)
	}
	var rec nonce.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nonce.Record{}, false, fmt.Errorf("decode nonce record: %w", err)
	}
	return rec, true, nil
}

func (s *RedisStore) Put(ctx context.Context, rec nonce.Record) (bool, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("encode nonce record: %w", err)
	}
	ok, err := s.rdb.SetNX(ctx, s.key(rec.Owner, rec.Value), raw, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) Delete(ctx context.Context, owner, value string) error {
	if err := s.rdb.Del(ctx, s.key(owner, value)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (s *RedisStore) ScanExpired(context.Context, time.Time) ([]nonce.Record, error) {
	return nil, nil
}

// Len walks the keyspace with SCAN. It is O(n) and meant for operators,
// not the admission path.
func (s *RedisStore) Len(ctx context.Context) (int, error) {
	n := 0
	err := s.scan(ctx, func(keys []string) error {
		n += len(keys)
		return nil
	})
	return n, err
}

func (s *RedisStore) Reset(ctx context.Context) error {
	return s.scan(ctx, func(keys []string) error {
		if len(keys) == 0 {
			return nil
		}
		pipe := s.rdb.Pipeline()
		pipe.Del(ctx, keys...)
		_, err := pipe.Exec(ctx)
		return err
	})
}

func (s *RedisStore) scan(ctx context.Context, fn func([]string) error) error {
	var cursor uint64
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, s.prefix+":*", scanBatch).Result()
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}
		if err := fn(keys); err != nil {
			return fmt.Errorf("redis scan batch: %w", err)
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
