// Package backend implements BackendPool: the set of upstream Janus gateway
// URLs a GatewayLink may dial when a session first forwards a message.
//
// The static in-memory variant is grounded in the corpus's plain
// RWMutex-guarded slice pattern. Recently-failed backends are memoized in a
// small LRU (github.com/hashicorp/golang-lru/v2), generalizing the teacher's
// instCache *lru.Cache[string, janus.API] pattern from a per-instance cache
// into a per-URL backoff-deadline cache, so a backend that just failed to
// dial isn't retried on every subsequent session for the backoff window.
package backend

import (
	"context"
	"math/rand"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/imtaco/janus-proxy/internal/errors"
)

const ErrNoBackend errors.Code = "no backend available"

// Pool selects a live backend URL for a new GatewayLink dial.
type Pool interface {
	// Pick returns a backend URL to dial, or ErrNoBackend if none are
	// currently usable.
	Pick(ctx context.Context) (string, error)

	// MarkFailed records that a dial to url just failed, so Pick avoids it
	// for the backoff window.
	MarkFailed(url string)
}

type staticPool struct {
	mu      sync.RWMutex
	urls    []string
	failed  *lru.Cache[string, time.Time]
	backoff time.Duration
	now     func() time.Time
}

// NewStaticPool builds a Pool over a fixed list of backend URLs, with a
// recent-failure LRU sized to the backend count (there's no point
// remembering more failures than there are backends).
func NewStaticPool(urls []string, backoff time.Duration) Pool {
	size := len(urls)
	if size < 1 {
		size = 1
	}
	failed, err := lru.New[string, time.Time](size)
	if err != nil {
		panic(err)
	}
	return &staticPool{
		urls:    append([]string(nil), urls...),
		failed:  failed,
		backoff: backoff,
		now:     time.Now,
	}
}

func (p *staticPool) Pick(_ context.Context) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.urls) == 0 {
		return "", errors.New(ErrNoBackend, "backend pool is empty")
	}

	candidates := make([]string, 0, len(p.urls))
	for _, u := range p.urls {
		if until, ok := p.failed.Get(u); ok && p.now().Before(until) {
			continue
		}
		candidates = append(candidates, u)
	}
	if len(candidates) == 0 {
		// Every backend is in its backoff window; fall back to picking any
		// one rather than failing the session outright.
		candidates = p.urls
	}
	return candidates[rand.Intn(len(candidates))], nil
}

func (p *staticPool) MarkFailed(url string) {
	p.failed.Add(url, p.now().Add(p.backoff))
}
