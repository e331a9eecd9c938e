// Package state implements StateStore: the guarded set of live session and
// handle IDs, used both for collision checks (idalloc.Checker) and for
// existence lookups during dispatch.
//
// The in-memory variant is grounded in internal/sync.Map's RWMutex-backed
// generic map (two guarded sets, exactly as spec.md requires for
// StateStore). The remote variant is grounded in internal/redis/forever.go's
// Forever interface, backed by two Redis hashes (HSET/HDEL through Forever,
// HEXISTS on the raw client).
package state

import (
	"context"

	isync "github.com/imtaco/janus-proxy/internal/sync"
)

// Store tracks which session and handle IDs are currently live.
type Store interface {
	HasSession(ctx context.Context, id uint64) (bool, error)
	AddSession(ctx context.Context, id uint64) error
	RemoveSession(ctx context.Context, id uint64) error

	HasHandle(ctx context.Context, id uint64) (bool, error)
	AddHandle(ctx context.Context, id uint64) error
	RemoveHandle(ctx context.Context, id uint64) error
}

// SessionChecker adapts Store to idalloc.Checker for session IDs.
type SessionChecker struct{ Store Store }

func (c SessionChecker) Has(ctx context.Context, id uint64) (bool, error) {
	return c.Store.HasSession(ctx, id)
}

// HandleChecker adapts Store to idalloc.Checker for handle IDs.
type HandleChecker struct{ Store Store }

func (c HandleChecker) Has(ctx context.Context, id uint64) (bool, error) {
	return c.Store.HasHandle(ctx, id)
}

// memoryStore keeps both sets in-process. The default, and the only variant
// exercised when state_provider=memory.
type memoryStore struct {
	sessions *isync.Map[uint64, struct{}]
	handles  *isync.Map[uint64, struct{}]
}

func NewMemoryStore() Store {
	return &memoryStore{
		sessions: isync.NewMap[uint64, struct{}](),
		handles:  isync.NewMap[uint64, struct{}](),
	}
}

func (s *memoryStore) HasSession(_ context.Context, id uint64) (bool, error) {
	_, ok := s.sessions.Load(id)
	return ok, nil
}

func (s *memoryStore) AddSession(_ context.Context, id uint64) error {
	s.sessions.Store(id, struct{}{})
	return nil
}

func (s *memoryStore) RemoveSession(_ context.Context, id uint64) error {
	s.sessions.Delete(id)
	return nil
}

func (s *memoryStore) HasHandle(_ context.Context, id uint64) (bool, error) {
	_, ok := s.handles.Load(id)
	return ok, nil
}

func (s *memoryStore) AddHandle(_ context.Context, id uint64) error {
	s.handles.Store(id, struct{}{})
	return nil
}

func (s *memoryStore) RemoveHandle(_ context.Context, id uint64) error {
	s.handles.Delete(id)
	return nil
}
