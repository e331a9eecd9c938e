package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
	mvccpb "go.etcd.io/etcd/api/v3/mvccpb"

	"github.com/imtaco/janus-proxy/internal/log"
)

func TestStaticPool_PicksAmongURLs(t *testing.T) {
	p := NewStaticPool([]string{"ws://a", "ws://b"}, time.Second)
	url, err := p.Pick(context.Background())
	require.NoError(t, err)
	assert.Contains(t, []string{"ws://a", "ws://b"}, url)
}

func TestStaticPool_EmptyPoolErrors(t *testing.T) {
	p := NewStaticPool(nil, time.Second)
	_, err := p.Pick(context.Background())
	assert.Error(t, err)
}

func TestStaticPool_AvoidsRecentlyFailedUntilBackoffExpires(t *testing.T) {
	p := NewStaticPool([]string{"ws://a", "ws://b"}, time.Hour).(*staticPool)
	fixed := time.Unix(1000, 0)
	p.now = func() time.Time { return fixed }

	p.MarkFailed("ws://a")
	for i := 0; i < 10; i++ {
		url, err := p.Pick(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "ws://b", url)
	}
}

func TestStaticPool_AllFailedFallsBackToAnyURL(t *testing.T) {
	p := NewStaticPool([]string{"ws://a"}, time.Hour).(*staticPool)
	p.MarkFailed("ws://a")
	url, err := p.Pick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ws://a", url)
}

type fakeEtcdClient struct {
	kvs      []*mvccpb.KeyValue
	watchCh  chan clientv3.WatchResponse
}

func (f *fakeEtcdClient) Get(_ context.Context, _ string, _ ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	return &clientv3.GetResponse{Kvs: f.kvs}, nil
}

func (f *fakeEtcdClient) Put(_ context.Context, _, _ string, _ ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	return &clientv3.PutResponse{}, nil
}

func (f *fakeEtcdClient) Delete(_ context.Context, _ string, _ ...clientv3.OpOption) (*clientv3.DeleteResponse, error) {
	return &clientv3.DeleteResponse{}, nil
}

func (f *fakeEtcdClient) Watch(_ context.Context, _ string, _ ...clientv3.OpOption) clientv3.WatchChan {
	return f.watchCh
}

func (f *fakeEtcdClient) Grant(_ context.Context, _ int64) (*clientv3.LeaseGrantResponse, error) {
	return &clientv3.LeaseGrantResponse{}, nil
}

func TestEtcdPool_LoadsInitialBackendsFromPrefix(t *testing.T) {
	fake := &fakeEtcdClient{
		kvs: []*mvccpb.KeyValue{
			{Key: []byte("/janusproxy/backends/ws://a")},
			{Key: []byte("/janusproxy/backends/ws://b")},
		},
		watchCh: make(chan clientv3.WatchResponse),
	}
	pool := NewEtcdPool(fake, "/janusproxy/backends/", time.Minute, log.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		url, err := pool.Pick(context.Background())
		return err == nil && (url == "ws://a" || url == "ws://b")
	}, time.Second, time.Millisecond)

	cancel()
	<-done
}
