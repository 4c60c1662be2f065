package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-productive/discovery/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nextResponse(t *testing.T, wc registry.WatchChan) registry.WatchResponse {
	t.Helper()
	select {
	case rsp, ok := <-wc:
		require.True(t, ok, "watch channel closed")
		return rsp
	case <-time.After(time.Second):
		t.Fatal("no watch response")
	}
	return registry.WatchResponse{}
}

func TestGetReturnsPrefixSortedWithRevision(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Put(ctx, "/hello/2", "http://b", registry.NoLease))
	require.NoError(t, s.Put(ctx, "/hello/1", "http://a", registry.NoLease))
	require.NoError(t, s.Put(ctx, "/other/1", "http://c", registry.NoLease))

	kvs, rev, err := s.Get(ctx, "/hello")
	require.NoError(t, err)
	assert.Equal(t, int64(3), rev)
	require.Len(t, kvs, 2)
	assert.Equal(t, "/hello/1", kvs[0].Key)
	assert.Equal(t, "http://a", kvs[0].Value)
	assert.Equal(t, "/hello/2", kvs[1].Key)
}

func TestWatchReplaysFromRevisionThenStreams(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New()
	require.NoError(t, s.Put(ctx, "/hello/1", "http://a", registry.NoLease))
	require.NoError(t, s.Put(ctx, "/hello/2", "http://b", registry.NoLease))

	wc, err := s.Watch(ctx, "/hello", 2)
	require.NoError(t, err)
	rsp := nextResponse(t, wc)
	require.Len(t, rsp.Events, 1)
	assert.Equal(t, "/hello/2", rsp.Events[0].KV.Key)

	require.NoError(t, s.Put(ctx, "/other/1", "x", registry.NoLease))
	require.NoError(t, s.Delete(ctx, "/hello/1"))
	rsp = nextResponse(t, wc)
	require.Len(t, rsp.Events, 1)
	assert.Equal(t, registry.EventTypeDelete, rsp.Events[0].Type)
	assert.Equal(t, "/hello/1", rsp.Events[0].KV.Key)
	assert.Equal(t, int64(4), rsp.Events[0].KV.ModRevision)

	cancel()
	assert.Eventually(t, func() bool {
		_, ok := <-wc
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestDeleteOfMissingKeyIsSilent(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Delete(ctx, "/hello/404"))
	assert.Equal(t, int64(0), s.Revision())
}

func TestLeaseExpiryRemovesBoundKeys(t *testing.T) {
	ctx := context.Background()
	s := New()
	id, err := s.Grant(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "/hello/1", "http://world", id))
	require.NoError(t, s.Put(ctx, "/hello/2", "http://static", registry.NoLease))

	wc, err := s.Watch(ctx, "/hello", s.Revision()+1)
	require.NoError(t, err)

	rsp := nextResponse(t, wc)
	require.Len(t, rsp.Events, 1)
	assert.Equal(t, registry.EventTypeDelete, rsp.Events[0].Type)
	assert.Equal(t, "/hello/1", rsp.Events[0].KV.Key)
	assert.Equal(t, 1, s.Len())
	assert.ErrorIs(t, s.KeepAliveOnce(ctx, id), registry.ErrLeaseNotFound)
}

func TestKeepAliveExtendsLease(t *testing.T) {
	ctx := context.Background()
	s := New()
	id, err := s.Grant(ctx, 80*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "/hello/1", "http://world", id))
	for i := 0; i < 5; i++ {
		time.Sleep(30 * time.Millisecond)
		require.NoError(t, s.KeepAliveOnce(ctx, id))
	}
	assert.Equal(t, 1, s.Len())

	require.NoError(t, s.Revoke(ctx, id))
	assert.Equal(t, 0, s.Len())
	assert.ErrorIs(t, s.Revoke(ctx, id), registry.ErrLeaseNotFound)
}

func TestPutWithUnknownLease(t *testing.T) {
	s := New()
	err := s.Put(context.Background(), "/hello/1", "x", registry.LeaseID(42))
	assert.ErrorIs(t, err, registry.ErrLeaseNotFound)
}

func TestCompactedWatch(t *testing.T) {
	ctx := context.Background()
	s := New()
	for _, key := range []string{"/a", "/b", "/c"} {
		require.NoError(t, s.Put(ctx, key, "v", registry.NoLease))
	}
	s.Compact(2)

	// The watch is created and then fails on the stream, as with etcd.
	wc, err := s.Watch(ctx, "/", 1)
	require.NoError(t, err)
	rsp := nextResponse(t, wc)
	assert.ErrorIs(t, rsp.Err, registry.ErrCompacted)
	assert.Equal(t, int64(2), rsp.CompactRevision)
	_, ok := <-wc
	assert.False(t, ok)

	wc, err = s.Watch(ctx, "/", 2)
	require.NoError(t, err)
	rsp = nextResponse(t, wc)
	require.NoError(t, rsp.Err)
	require.Len(t, rsp.Events, 2)
	assert.Equal(t, "/b", rsp.Events[0].KV.Key)
	assert.Equal(t, "/c", rsp.Events[1].KV.Key)
}

func TestFaultInjection(t *testing.T) {
	ctx := context.Background()
	s := New()
	wc, err := s.Watch(ctx, "/", 0)
	require.NoError(t, err)

	down := errors.New("connection refused")
	s.BreakWatches(down)
	rsp := nextResponse(t, wc)
	assert.ErrorIs(t, rsp.Err, down)

	s.SetUnavailable(down)
	_, _, err = s.Get(ctx, "/")
	assert.ErrorIs(t, err, down)
	_, err = s.Watch(ctx, "/", 0)
	assert.ErrorIs(t, err, down)

	s.SetUnavailable(nil)
	_, _, err = s.Get(ctx, "/")
	assert.NoError(t, err)

	require.NoError(t, s.Close())
	_, _, err = s.Get(ctx, "/")
	assert.ErrorIs(t, err, ErrClosed)
}
