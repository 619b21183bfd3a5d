package session

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/cf7me/confirmflow/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each session as one hash (staging key -> encoded submission).
// The hash TTL is refreshed on every write, so a session lives MaxAge past its
// last staging, matching a host session's idle timeout.
type RedisStore struct {
	client *redis.Client
	prefix string
	limits  Limits
	now     func() time.Time
	discard DiscardFunc
}

// NewRedisStore connects to addr and verifies the connection.
func NewRedisStore(ctx context.Context, addr, password string, db int, prefix string, limits Limits) (*RedisStore, error) {
	slog.Info("session_store_init", "backend", "redis", "addr", addr, "db", db)

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		slog.Error("session_store_ping_failed", "addr", addr, "error", err)
		return nil, errors.Wrap(err, "failed to reach redis")
	}

	return &RedisStore{client: client, prefix: prefix, limits: limits, now: time.Now}, nil
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + sessionID
}

func (s *RedisStore) Put(ctx context.Context, sessionID, key string, sub *StagedSubmission) error {
	if err := validateKeys(sessionID, key); err != nil {
		return err
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = s.now()
	}
	payload, err := encode(sub)
	if err != nil {
		return err
	}

	hash := s.key(sessionID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, hash, key, payload)
		if s.limits.MaxAge > 0 {
			pipe.Expire(ctx, hash, s.limits.MaxAge)
		}
		return nil
	})
	if err != nil {
		slog.Error("session_put_failed", "backend", "redis", "session", ShortID(sessionID), "error", err)
		return errors.Wrap(err, "failed to stage submission")
	}

	// The entry is staged; a failed eviction only leaves the session over its
	// limit until the next write.
	evicted, err := s.evict(ctx, sessionID)
	if err != nil {
		slog.Warn("session_evict_failed", "backend", "redis", "session", ShortID(sessionID), "error", err)
		return nil
	}
	s.discard.notify(ctx, evicted)
	return nil
}

// OnDiscard implements Discarder. Set it before the store is shared. Entries
// that leave through key expiry are not reported.
func (s *RedisStore) OnDiscard(fn DiscardFunc) {
	s.discard = fn
}

func (s *RedisStore) evict(ctx context.Context, sessionID string) ([]*StagedSubmission, error) {
	if s.limits.MaxEntries <= 0 {
		return nil, nil
	}
	hash := s.key(sessionID)

	n, err := s.client.HLen(ctx, hash).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to count staged submissions")
	}
	if int(n) <= s.limits.MaxEntries {
		return nil, nil
	}

	all, err := s.client.HGetAll(ctx, hash).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load staged submissions")
	}
	type aged struct {
		key string
		sub *StagedSubmission
		at  time.Time
	}
	entries := make([]aged, 0, len(all))
	for k, v := range all {
		e := aged{key: k}
		if sub, err := decode([]byte(v)); err == nil {
			e.sub, e.at = sub, sub.CreatedAt
		}
		entries = append(entries, e)
	}
	if len(entries) <= s.limits.MaxEntries {
		return nil, nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].at.Before(entries[j].at) })

	stale := make([]string, 0, len(entries)-s.limits.MaxEntries)
	var evicted []*StagedSubmission
	for _, e := range entries[:len(entries)-s.limits.MaxEntries] {
		stale = append(stale, e.key)
		if e.sub != nil {
			evicted = append(evicted, e.sub)
		}
	}
	if err := s.client.HDel(ctx, hash, stale...).Err(); err != nil {
		return nil, errors.Wrap(err, "failed to evict staged submissions")
	}
	slog.Info("session_entry_evicted", "backend", "redis", "session", ShortID(sessionID), "count", len(stale))
	return evicted, nil
}

func (s *RedisStore) Get(ctx context.Context, sessionID, key string) (*StagedSubmission, error) {
	payload, err := s.client.HGet(ctx, s.key(sessionID), key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		slog.Error("session_get_failed", "backend", "redis", "session", ShortID(sessionID), "error", err)
		return nil, errors.Wrap(err, "failed to read staged submission")
	}

	sub, err := decode(payload)
	if err != nil {
		return nil, err
	}
	if s.limits.expired(sub, s.now()) {
		return nil, nil
	}
	return sub, nil
}

func (s *RedisStore) List(ctx context.Context, sessionID string) ([]*StagedSubmission, error) {
	all, err := s.client.HGetAll(ctx, s.key(sessionID)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list staged submissions")
	}

	now := s.now()
	subs := make([]*StagedSubmission, 0, len(all))
	for _, v := range all {
		sub, err := decode([]byte(v))
		if err != nil {
			return nil, err
		}
		if s.limits.expired(sub, now) {
			continue
		}
		subs = append(subs, sub)
	}
	sortOldestFirst(subs)
	return subs, nil
}

func (s *RedisStore) Delete(ctx context.Context, sessionID, key string) error {
	if err := s.client.HDel(ctx, s.key(sessionID), key).Err(); err != nil {
		slog.Error("session_delete_failed", "backend", "redis", "session", ShortID(sessionID), "error", err)
		return errors.Wrap(err, "failed to delete staged submission")
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
