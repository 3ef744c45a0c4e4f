package flags

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/aman-zulfiqar/anchor-dex/internal/constants"
)

var keyRe = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,128}$`)

// Store keeps flags in Redis and serves Enabled from a short-lived local
// copy so hot paths do not hit Redis on every call.
type Store struct {
	client redis.Cmdable
	ttl    time.Duration
	logger *logrus.Logger

	mu    sync.Mutex
	cache map[string]cached
}

type cached struct {
	value   bool
	found   bool
	expires time.Time
}

// NewStore returns a flag store. ttl bounds how stale Enabled may be; zero
// disables the local copy.
func NewStore(client redis.Cmdable, ttl time.Duration, logger *logrus.Logger) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Store{client: client, ttl: ttl, logger: logger, cache: make(map[string]cached)}, nil
}

func ValidateKey(key string) error {
	if !keyRe.MatchString(key) {
		return fmt.Errorf("invalid flag key")
	}
	return nil
}

func (s *Store) Upsert(ctx context.Context, key string, value bool, updatedBy string) (*Flag, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	flag := &Flag{Key: key, Value: value, UpdatedBy: updatedBy, UpdatedAt: time.Now().UTC()}
	b, err := json.Marshal(flag)
	if err != nil {
		return nil, fmt.Errorf("marshal flag: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, flagKey(key), b, 0)
	pipe.SAdd(ctx, constants.RedisKeyFlagsIndex, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("upsert flag: %w", err)
	}

	s.forget(key)
	return flag, nil
}

func (s *Store) Get(ctx context.Context, key string) (*Flag, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	val, err := s.client.Get(ctx, flagKey(key)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get flag: %w", err)
	}

	var f Flag
	if err := json.Unmarshal([]byte(val), &f); err != nil {
		return nil, fmt.Errorf("unmarshal flag: %w", err)
	}
	return &f, nil
}

func (s *Store) List(ctx context.Context) ([]*Flag, error) {
	keys, err := s.client.SMembers(ctx, constants.RedisKeyFlagsIndex).Result()
	if err != nil {
		return nil, fmt.Errorf("list flags index: %w", err)
	}

	redisKeys := make([]string, 0, len(keys))
	for _, k := range keys {
		if ValidateKey(k) == nil {
			redisKeys = append(redisKeys, flagKey(k))
		}
	}
	if len(redisKeys) == 0 {
		return []*Flag{}, nil
	}

	vals, err := s.client.MGet(ctx, redisKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget flags: %w", err)
	}

	out := make([]*Flag, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var f Flag
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			continue
		}
		out = append(out, &f)
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, flagKey(key))
	pipe.SRem(ctx, constants.RedisKeyFlagsIndex, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete flag: %w", err)
	}

	s.forget(key)
	return nil
}

// Enabled reports the flag value, or def when the flag is unset or Redis
// cannot be read.
func (s *Store) Enabled(ctx context.Context, key string, def bool) bool {
	now := time.Now()
	if s.ttl > 0 {
		s.mu.Lock()
		c, ok := s.cache[key]
		s.mu.Unlock()
		if ok && now.Before(c.expires) {
			if !c.found {
				return def
			}
			return c.value
		}
	}

	f, err := s.Get(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
		s.remember(key, cached{expires: now.Add(s.ttl)})
		return def
	case err != nil:
		s.logger.WithError(err).WithField("flag", key).Warn("flag read failed, using default")
		return def
	}
	s.remember(key, cached{value: f.Value, found: true, expires: now.Add(s.ttl)})
	return f.Value
}

func (s *Store) remember(key string, c cached) {
	if s.ttl <= 0 {
		return
	}
	s.mu.Lock()
	s.cache[key] = c
	s.mu.Unlock()
}

func (s *Store) forget(key string) {
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()
}

func flagKey(key string) string {
	return constants.RedisKeyFlagPrefix + key
}
