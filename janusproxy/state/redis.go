package state

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"

	iredis "github.com/imtaco/janus-proxy/internal/redis"
)

const (
	sessionsKey = "janusproxy:sessions"
	handlesKey  = "janusproxy:handles"
)

// redisStore backs Store with Redis hashes (field = id, value unused),
// through the Forever wrapper so individual Redis hiccups are retried
// transparently rather than surfacing as session-setup failures. A hash
// mirrors set semantics (membership + presence-add + removal) while staying
// inside the operations Forever already exposes.
type redisStore struct {
	forever iredis.Forever
	raw     redis.UniversalClient
}

// NewRedisStore backs Store by Redis, for state_provider=remote deployments
// that share live-session state across proxy replicas.
func NewRedisStore(client redis.UniversalClient, forever iredis.Forever) Store {
	return &redisStore{forever: forever, raw: client}
}

func (s *redisStore) HasSession(ctx context.Context, id uint64) (bool, error) {
	return s.has(ctx, sessionsKey, id)
}

func (s *redisStore) AddSession(ctx context.Context, id uint64) error {
	return s.forever.HSet(ctx, sessionsKey, strconv.FormatUint(id, 10), "1")
}

func (s *redisStore) RemoveSession(ctx context.Context, id uint64) error {
	return s.forever.HDel(ctx, sessionsKey, strconv.FormatUint(id, 10))
}

func (s *redisStore) HasHandle(ctx context.Context, id uint64) (bool, error) {
	return s.has(ctx, handlesKey, id)
}

func (s *redisStore) AddHandle(ctx context.Context, id uint64) error {
	return s.forever.HSet(ctx, handlesKey, strconv.FormatUint(id, 10), "1")
}

func (s *redisStore) RemoveHandle(ctx context.Context, id uint64) error {
	return s.forever.HDel(ctx, handlesKey, strconv.FormatUint(id, 10))
}

// has bypasses Forever for a direct HExists: membership checks happen on the
// dispatch hot path and shouldn't pay Forever's retry-forever latency on a
// transient blip, only mutations need that guarantee.
func (s *redisStore) has(ctx context.Context, key string, id uint64) (bool, error) {
	return s.raw.HExists(ctx, key, strconv.FormatUint(id, 10)).Result()
}
