package pool

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/go-productive/discovery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func quiet() []Option {
	nop := func(msg string, keysAndValues ...interface{}) {}
	return []Option{WithLogInfoFunc(nop), WithLogErrorFunc(nop)}
}

func newBridge(t *testing.T, opts ...Option) *Bridge {
	t.Helper()
	b := New(append(quiet(), opts...)...)
	t.Cleanup(b.Close)
	return b
}

func nextEvent(t *testing.T, b *Bridge) Event {
	t.Helper()
	select {
	case event := <-b.Events():
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("no membership event")
	}
	return Event{}
}

func noEvent(t *testing.T, b *Bridge) {
	t.Helper()
	select {
	case event := <-b.Events():
		t.Fatalf("unexpected event %v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func startHealthServer(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	server := grpc.NewServer()
	healthpb.RegisterHealthServer(server, health.NewServer())
	go func() { _ = server.Serve(listener) }()
	t.Cleanup(server.Stop)
	return listener.Addr().String()
}

func TestParseAddress(t *testing.T) {
	for address, want := range map[string]string{
		"127.0.0.1:8080":        "127.0.0.1:8080",
		"http://world":          "world:80",
		"http://world:8000":     "world:8000",
		"https://world.or":      "world.or:443",
		"grpc://10.0.0.1:64000": "10.0.0.1:64000",
		"grpcs://[::1]:9443":    "[::1]:9443",
	} {
		target, creds, err := parseAddress(address)
		require.NoError(t, err, address)
		assert.Equal(t, want, target, address)
		assert.NotNil(t, creds, address)
	}

	_, creds, err := parseAddress("https://world.or")
	require.NoError(t, err)
	assert.Equal(t, "tls", creds.Info().SecurityProtocol)

	for _, address := range []string{"", "world", "http://", "ftp://world:21", "http://%zz", "world:"} {
		_, _, err := parseAddress(address)
		assert.Error(t, err, address)
	}
}

func TestInsertPublishesConn(t *testing.T) {
	b := newBridge(t, WithConnSizePerAddr(2))
	b.OnInsert("/hello/1", "http://world")

	event := nextEvent(t, b)
	assert.Equal(t, EventTypeInsert, event.Type)
	assert.Equal(t, "/hello/1", event.Key)
	require.NotNil(t, event.Conn)
	assert.Equal(t, "http://world", event.Conn.Addr)
	assert.Equal(t, "world:80", event.Conn.Target())
	assert.Len(t, event.Conn.connections, 2)
	assert.NotSame(t, event.Conn.Get(), event.Conn.Get())

	conn, ok := b.Conn("/hello/1")
	require.True(t, ok)
	assert.Same(t, event.Conn, conn)
	assert.Equal(t, 1, b.Len())
}

func TestSameAddressIsNotRepublished(t *testing.T) {
	b := newBridge(t)
	b.OnInsert("/hello/1", "http://world")
	first := nextEvent(t, b)

	b.OnInsert("/hello/1", "http://world")
	noEvent(t, b)

	b.OnInsert("/hello/1", "http://world.or")
	second := nextEvent(t, b)
	assert.Equal(t, EventTypeInsert, second.Type)
	assert.Equal(t, "http://world.or", second.Conn.Addr)
	require.Eventually(t, func() bool {
		return first.Conn.Get().GetState() == connectivity.Shutdown
	}, 2*time.Second, 5*time.Millisecond)
}

// TestReplacedConnStaysOpenUntilPublished keeps the feed full so the
// replacing insert cannot be delivered, and checks the handle the consumer
// still holds keeps serving calls.
func TestReplacedConnStaysOpenUntilPublished(t *testing.T) {
	addrA, addrB := startHealthServer(t), startHealthServer(t)
	b := newBridge(t, WithWorkers(1), WithQueueSize(1), WithConnSizePerAddr(1))
	b.OnInsert("/hello/1", addrA)
	held := nextEvent(t, b).Conn

	b.OnInsert("/hello/2", addrB)
	b.OnInsert("/hello/1", addrB)
	require.Eventually(t, func() bool {
		conn, ok := b.Conn("/hello/1")
		return ok && conn.Addr == addrB
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancelFunc := context.WithTimeout(context.Background(), time.Second)
	defer cancelFunc()
	_, err := healthpb.NewHealthClient(held).Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)

	assert.Equal(t, "/hello/2", nextEvent(t, b).Key)
	replaced := nextEvent(t, b)
	assert.Equal(t, EventTypeInsert, replaced.Type)
	assert.Equal(t, addrB, replaced.Conn.Addr)
	require.Eventually(t, func() bool {
		return held.Get().GetState() == connectivity.Shutdown
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRemovedConnStaysOpenUntilPublished(t *testing.T) {
	addr := startHealthServer(t)
	b := newBridge(t, WithWorkers(1), WithQueueSize(1), WithConnSizePerAddr(1))
	b.OnInsert("/hello/1", addr)
	held := nextEvent(t, b).Conn

	b.OnInsert("/hello/2", addr)
	b.OnRemove("/hello/1")
	require.Eventually(t, func() bool {
		_, ok := b.Conn("/hello/1")
		return !ok
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancelFunc := context.WithTimeout(context.Background(), time.Second)
	defer cancelFunc()
	_, err := healthpb.NewHealthClient(held).Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)

	assert.Equal(t, "/hello/2", nextEvent(t, b).Key)
	assert.Equal(t, EventTypeRemove, nextEvent(t, b).Type)
	require.Eventually(t, func() bool {
		return held.Get().GetState() == connectivity.Shutdown
	}, 2*time.Second, 5*time.Millisecond)
}

// TestResolutionFailureDropsKey checks a bad address never reaches the
// balancer and that a later good put for the same key is retried.
func TestResolutionFailureDropsKey(t *testing.T) {
	b := newBridge(t)
	b.OnInsert("/hello/1", "not an address")
	b.OnInsert("/hello/2", "http://world")

	event := nextEvent(t, b)
	assert.Equal(t, "/hello/2", event.Key)
	noEvent(t, b)
	_, ok := b.Conn("/hello/1")
	assert.False(t, ok)

	b.OnInsert("/hello/1", "http://world")
	event = nextEvent(t, b)
	assert.Equal(t, EventTypeInsert, event.Type)
	assert.Equal(t, "/hello/1", event.Key)
}

func TestResolutionFailureRetractsPublishedConn(t *testing.T) {
	b := newBridge(t)
	b.OnInsert("/hello/1", "http://world")
	inserted := nextEvent(t, b)

	b.OnInsert("/hello/1", "ftp://world")
	event := nextEvent(t, b)
	assert.Equal(t, EventTypeRemove, event.Type)
	assert.Same(t, inserted.Conn, event.Conn)
	assert.Zero(t, b.Len())
}

func TestRemoveUnknownKeyIsSilent(t *testing.T) {
	b := newBridge(t)
	b.OnRemove("/hello/404")
	noEvent(t, b)
}

func TestPerKeyOrder(t *testing.T) {
	b := newBridge(t, WithWorkers(4))
	b.OnInsert("/hello/1", "http://v1")
	b.OnRemove("/hello/1")
	b.OnInsert("/hello/1", "http://v2")

	var got []string
	for i := 0; i < 3; i++ {
		event := nextEvent(t, b)
		got = append(got, event.String())
	}
	assert.Equal(t, []string{
		"insert /hello/1=>v1:80",
		"remove /hello/1=>v1:80",
		"insert /hello/1=>v2:80",
	}, got)
}

func TestDropOldestPolicy(t *testing.T) {
	b := newBridge(t, WithWorkers(1), WithQueueSize(2), WithPolicy(PolicyDropOldest))
	for _, key := range []string{"/a", "/b", "/c", "/d", "/e"} {
		b.OnInsert(key, "http://world")
	}
	require.Eventually(t, func() bool { return b.Dropped() == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "/d", nextEvent(t, b).Key)
	assert.Equal(t, "/e", nextEvent(t, b).Key)
	assert.Equal(t, 5, b.Len())
}

func TestBlockPolicyWaitsForConsumer(t *testing.T) {
	b := newBridge(t, WithWorkers(1), WithQueueSize(1))
	b.OnInsert("/a", "http://world")
	b.OnInsert("/b", "http://world")
	require.Eventually(t, func() bool { return b.Len() == 2 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, "/a", nextEvent(t, b).Key)
	assert.Equal(t, "/b", nextEvent(t, b).Key)
	assert.Zero(t, b.Dropped())
}

func TestBlockingResolve(t *testing.T) {
	addr := startHealthServer(t)
	b := newBridge(t, WithBlockingConnect(true), WithConnSizePerAddr(1))

	conn, err := b.Resolve("/health/1", addr, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, connectivity.Ready, conn.Get().GetState())

	rsp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, rsp.Status)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := listener.Addr().String()
	require.NoError(t, listener.Close())

	_, err = b.Resolve("/health/2", deadAddr, 200*time.Millisecond)
	assert.ErrorIs(t, err, discovery.ErrResolution)
}

func TestCloseReleasesEverything(t *testing.T) {
	b := New(quiet()...)
	b.OnInsert("/hello/1", "http://world")
	event := nextEvent(t, b)

	b.Close()
	b.Close()
	_, ok := <-b.Events()
	assert.False(t, ok)
	assert.Zero(t, b.Len())
	assert.Equal(t, connectivity.Shutdown, event.Conn.Get().GetState())

	b.OnInsert("/hello/2", "http://world")
	b.OnRemove("/hello/1")
}

func TestPolicyString(t *testing.T) {
	assert.Equal(t, "block", PolicyBlock.String())
	assert.Equal(t, "drop-oldest", PolicyDropOldest.String())
	assert.Equal(t, "unknown", Policy(9).String())
}
