// Package lock provides cluster-wide mutual exclusion for pull tasks, plus
// the per-provider last-execution timestamps and run stats that ride on the
// same Redis instance.
//
// Availability beats strict exclusion here: when Redis is unreachable,
// acquires succeed vacuously and the engine degrades to per-instance
// scheduling. Duplicate pulls across replicas are safe because ingestion is
// idempotent on msg_id.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	lockKeyPrefix  = "lock:"
	tsKeyPrefix    = "ts:"
	statsKeyPrefix = "stats:"

	tsTTL    = 7 * 24 * time.Hour
	statsTTL = 24 * time.Hour
)

// releaseScript deletes the lock only while this instance+execution still
// holds it. Compare-and-delete has to be atomic, hence Lua.
var releaseScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v and string.sub(v, 1, string.len(ARGV[1])) == ARGV[1]
     and string.sub(v, -string.len(ARGV[2])) == ARGV[2] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Status describes the current holder of a provider lock.
type Status struct {
	Locked      bool
	Holder      string
	ExecutionID string
	TTL         time.Duration
}

// Service wraps the Redis-backed lock, timestamp, and stats keys.
type Service struct {
	rdb        *redis.Client
	instanceID string
}

// NewService builds a lock service. An empty addr disables Redis entirely
// and every acquire runs in degraded (per-instance) mode.
func NewService(addr, password string, db int, instanceID string) *Service {
	var rdb *redis.Client
	if addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		})
	} else {
		log.Warn().Msg("No Redis address configured, pull locks run per-instance only")
	}
	return &Service{rdb: rdb, instanceID: instanceID}
}

// NewServiceWithClient wires an existing client, for tests.
func NewServiceWithClient(rdb *redis.Client, instanceID string) *Service {
	return &Service{rdb: rdb, instanceID: instanceID}
}

// TryAcquire attempts to take the provider lock for the given duration and
// returns the execution id on success, or "" when another holder owns it.
// force deletes any existing holder first. Redis outages degrade to a
// vacuous success.
func (s *Service) TryAcquire(ctx context.Context, provider string, duration time.Duration, force bool) (string, error) {
	execID := uuid.NewString()
	if s.rdb == nil {
		return execID, nil
	}
	key := lockKeyPrefix + provider
	value := fmt.Sprintf("%s:%d:%s", s.instanceID, time.Now().Unix(), execID)

	if force {
		if err := s.rdb.Del(ctx, key).Err(); err != nil && !isUnavailable(err) {
			return "", fmt.Errorf("failed to force-clear lock %s: %w", key, err)
		}
	}

	ok, err := s.rdb.SetNX(ctx, key, value, duration).Result()
	if err != nil {
		if isUnavailable(err) {
			log.Warn().Err(err).Str("provider", provider).
				Msg("Lock service unreachable, proceeding without cluster lock")
			return execID, nil
		}
		return "", fmt.Errorf("lock acquire failed for %s: %w", provider, err)
	}
	if !ok {
		return "", nil
	}
	return execID, nil
}

// Release drops the lock if it is still owned by this instance and execution.
// Anything else, including an expired or stolen lock, is a no-op.
func (s *Service) Release(ctx context.Context, provider, executionID string) error {
	if s.rdb == nil || executionID == "" {
		return nil
	}
	key := lockKeyPrefix + provider
	_, err := releaseScript.Run(ctx, s.rdb, []string{key},
		s.instanceID+":", ":"+executionID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		if isUnavailable(err) {
			return nil
		}
		return fmt.Errorf("lock release failed for %s: %w", provider, err)
	}
	return nil
}

// Status reports the lock holder, if any.
func (s *Service) Status(ctx context.Context, provider string) (Status, error) {
	if s.rdb == nil {
		return Status{}, nil
	}
	key := lockKeyPrefix + provider
	value, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return Status{}, nil
	}
	if err != nil {
		if isUnavailable(err) {
			return Status{}, nil
		}
		return Status{}, err
	}
	ttl, _ := s.rdb.TTL(ctx, key).Result()

	st := Status{Locked: true, TTL: ttl}
	parts := strings.SplitN(value, ":", 3)
	if len(parts) == 3 {
		st.Holder = parts[0]
		st.ExecutionID = parts[2]
	}
	return st, nil
}

// GetLastTimestamp returns the last successful pull time for the provider in
// unix seconds, with ok=false when none is recorded.
func (s *Service) GetLastTimestamp(ctx context.Context, provider string) (int64, bool, error) {
	if s.rdb == nil {
		return 0, false, nil
	}
	value, err := s.rdb.Get(ctx, tsKeyPrefix+provider).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		if isUnavailable(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return value, true, nil
}

// SetLastTimestamp records the last successful pull time.
func (s *Service) SetLastTimestamp(ctx context.Context, provider string, t int64) error {
	if s.rdb == nil {
		return nil
	}
	err := s.rdb.Set(ctx, tsKeyPrefix+provider, t, tsTTL).Err()
	if err != nil && isUnavailable(err) {
		return nil
	}
	return err
}

// ClearLastTimestamp forces the next pull to fall back to its default
// lookback window.
func (s *Service) ClearLastTimestamp(ctx context.Context, provider string) error {
	if s.rdb == nil {
		return nil
	}
	err := s.rdb.Del(ctx, tsKeyPrefix+provider).Err()
	if err != nil && isUnavailable(err) {
		return nil
	}
	return err
}

// SaveStats stores the provider's latest run stats blob for 24 hours.
func (s *Service) SaveStats(ctx context.Context, provider string, blob []byte) error {
	if s.rdb == nil {
		return nil
	}
	err := s.rdb.Set(ctx, statsKeyPrefix+provider, blob, statsTTL).Err()
	if err != nil && isUnavailable(err) {
		return nil
	}
	return err
}

// GetStats returns the stored stats blob, or nil when absent.
func (s *Service) GetStats(ctx context.Context, provider string) ([]byte, error) {
	if s.rdb == nil {
		return nil, nil
	}
	blob, err := s.rdb.Get(ctx, statsKeyPrefix+provider).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if isUnavailable(err) {
			return nil, nil
		}
		return nil, err
	}
	return blob, nil
}

// isUnavailable classifies connectivity failures, which degrade gracefully,
// apart from genuine command errors.
func isUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "client is closed") ||
		strings.Contains(msg, "broken pipe")
}
