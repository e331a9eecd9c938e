package backend

import (
	"context"
	"math/rand"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	ietcd "github.com/imtaco/janus-proxy/internal/etcd"
	"github.com/imtaco/janus-proxy/internal/errors"
	"github.com/imtaco/janus-proxy/internal/log"
	isync "github.com/imtaco/janus-proxy/internal/sync"
)

// etcdPool watches a key prefix for backend URL liveness, adapted from the
// corpus's healthModuleWatcherImpl (internal/reswatcher/etcd), simplified
// from that type's heartbeat+mark dual-key state machine into a flat
// URL→live map: a backend is live exactly while its key exists under the
// watched prefix.
type etcdPool struct {
	client ietcd.Client
	prefix string
	logger *log.Logger

	live *isync.Map[string, struct{}]
}

// NewEtcdPool returns a Pool over the live backend keys under prefix (value
// ignored; key suffix after the prefix is the backend URL). It does not start
// watching: call Run in a goroutine to load and watch the set.
func NewEtcdPool(client ietcd.Client, prefix string, backoff time.Duration, logger *log.Logger) *EtcdPool {
	return &EtcdPool{
		etcdPool: etcdPool{
			client: client,
			prefix: prefix,
			logger: logger,
			live:   isync.NewMap[string, struct{}](),
		},
		backoff: backoff,
	}
}

// EtcdPool is the concrete, runnable etcd-backed Pool.
type EtcdPool struct {
	etcdPool
	backoff time.Duration
}

// Run performs the initial load and then watches for changes until ctx is
// cancelled. Intended to run in its own goroutine for the proxy's lifetime.
func (p *EtcdPool) Run(ctx context.Context) error {
	resp, err := p.client.Get(ctx, p.prefix, clientv3.WithPrefix())
	if err != nil {
		return errors.Wrap(ErrNoBackend, err, "load initial backend set")
	}
	for _, kv := range resp.Kvs {
		p.live.Store(p.urlFromKey(string(kv.Key)), struct{}{})
	}

	watch := p.client.Watch(ctx, p.prefix, clientv3.WithPrefix())
	for {
		select {
		case <-ctx.Done():
			return nil
		case events, ok := <-watch:
			if !ok {
				return nil
			}
			for _, ev := range events.Events {
				url := p.urlFromKey(string(ev.Kv.Key))
				switch ev.Type {
				case clientv3.EventTypePut:
					p.live.Store(url, struct{}{})
				case clientv3.EventTypeDelete:
					p.live.Delete(url)
				}
			}
		}
	}
}

func (p *EtcdPool) urlFromKey(key string) string {
	return strings.TrimPrefix(key, p.prefix)
}

func (p *EtcdPool) Pick(_ context.Context) (string, error) {
	var candidates []string
	p.live.Range(func(url string, _ struct{}) bool {
		candidates = append(candidates, url)
		return true
	})
	if len(candidates) == 0 {
		return "", errors.New(ErrNoBackend, "no live backends in etcd")
	}
	return candidates[rand.Intn(len(candidates))], nil
}

// MarkFailed only logs the failure. Pick does not skip url afterwards, and
// the backoff duration given to NewEtcdPool is not applied.
func (p *EtcdPool) MarkFailed(url string) {
	p.logger.Warn("backend dial failed", log.String("url", url))
}
