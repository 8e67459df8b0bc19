// Package redisip keeps per-account source address history in Redis so that
// every API replica sees the same "known networks" for a staff member.
package redisip

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRetention is how long an account's history survives without new
// activity.
const DefaultRetention = 180 * 24 * time.Hour

const keyPrefix = "staffsec:ip:"

// Store implements risk.IPHistoryStore on a Redis hash per account. Each field
// is a network prefix and its value the unix time it was first seen.
type Store struct {
	rdb       redis.UniversalClient
	retention time.Duration
}

// Option customises a Store.
type Option func(*Store)

// WithRetention overrides DefaultRetention.
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retention = d
		}
	}
}

// New wraps an existing client.
func New(rdb redis.UniversalClient, opts ...Option) *Store {
	s := &Store{rdb: rdb, retention: DefaultRetention}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dial connects to addr and pings it with a short timeout.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	if addr == "" {
		return nil, errors.New("redisip: address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisip: ping %s: %w", addr, err)
	}
	return client, nil
}

func historyKey(accountID string) string { return keyPrefix + accountID }

// RecordIP adds key to the account history and reports whether it was
// already there. The first-seen timestamp is never overwritten.
func (s *Store) RecordIP(ctx context.Context, accountID, key string, at time.Time) (bool, error) {
	hkey := historyKey(accountID)
	var added *redis.BoolCmd
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		added = p.HSetNX(ctx, hkey, key, strconv.FormatInt(at.UTC().Unix(), 10))
		p.Expire(ctx, hkey, s.retention)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redisip: record %s: %w", accountID, err)
	}
	return !added.Val(), nil
}

// History returns the prefixes seen for the account with their first-seen time.
func (s *Store) History(ctx context.Context, accountID string) (map[string]time.Time, error) {
	raw, err := s.rdb.HGetAll(ctx, historyKey(accountID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redisip: history %s: %w", accountID, err)
	}
	out := make(map[string]time.Time, len(raw))
	for prefix, v := range raw {
		sec, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[prefix] = time.Unix(sec, 0).UTC()
	}
	return out, nil
}

// Forget drops the account history. Used when an account is purged.
func (s *Store) Forget(ctx context.Context, accountID string) error {
	if err := s.rdb.Del(ctx, historyKey(accountID)).Err(); err != nil {
		return fmt.Errorf("redisip: forget %s: %w", accountID, err)
	}
	return nil
}
