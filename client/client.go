package client

import (
	"context"
	"sync"

	"github.com/go-productive/discovery"
	"github.com/go-productive/discovery/client/selector"
	"github.com/go-productive/discovery/mirror"
	"github.com/go-productive/discovery/pool"
	"github.com/go-productive/discovery/registry"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var _ grpc.ClientConnInterface = (*Client)(nil)

type (
	// Client mirrors registrations, keeps a connection per registration and
	// balances calls over all of them.
	Client struct {
		options  *_Options
		mirror   *mirror.Mirror
		bridge   *pool.Bridge
		selector selector.Selector

		eventsDone chan struct{}
		closeOnce  sync.Once
	}
)

func New(store registry.Store, opts ...Option) *Client {
	options := newOptions(opts...)
	c := &Client{
		options:    options,
		bridge:     pool.New(options.bridgeOptions...),
		selector:   options.selector,
		eventsDone: make(chan struct{}),
	}
	c.mirror = mirror.New(store, append(options.mirrorOptions, mirror.WithListener(c.bridge))...)
	go c.handleEvents()
	return c
}

func (c *Client) Discover(ctx context.Context, prefix string) error {
	return c.mirror.Discover(ctx, prefix)
}

// Get returns the registered value of key.
func (c *Client) Get(key string) (string, bool) {
	return c.mirror.Get(key)
}

// Conn returns the connection handle of key for direct addressing.
func (c *Client) Conn(key string) (*pool.Conn, bool) {
	return c.bridge.Conn(key)
}

// ClientConn is the handle over every live endpoint; each call is routed by
// the selector, see the selector.With* context helpers.
func (c *Client) ClientConn() grpc.ClientConnInterface {
	return c
}

func (c *Client) Snapshot() map[string]string {
	return c.mirror.Snapshot()
}

func (c *Client) Stale() bool {
	return c.mirror.Stale()
}

func (c *Client) Mirror() *mirror.Mirror {
	return c.mirror
}

func (c *Client) Bridge() *pool.Bridge {
	return c.bridge
}

func (c *Client) Selector() selector.Selector {
	return c.selector
}

func (c *Client) Invoke(ctx context.Context, method string, args, reply interface{}, opts ...grpc.CallOption) error {
	if ctx == nil {
		ctx = context.TODO()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancelFunc func()
		ctx, cancelFunc = context.WithTimeout(ctx, discovery.Timeout)
		defer cancelFunc()
	}
	conn, err := c.selectConn(ctx, method)
	if err != nil {
		return err
	}
	return conn.Invoke(ctx, method, args, reply, opts...)
}

func (c *Client) NewStream(ctx context.Context, desc *grpc.StreamDesc, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	if ctx == nil {
		ctx = context.TODO()
	}
	conn, err := c.selectConn(ctx, method)
	if err != nil {
		return nil, err
	}
	return conn.NewStream(ctx, desc, method, opts...)
}

func (c *Client) selectConn(ctx context.Context, method string) (*pool.Conn, error) {
	conn := c.selector.Select(ctx)
	if conn == nil {
		return nil, status.Errorf(codes.Unavailable, "no endpoint available for %v", method)
	}
	return conn, nil
}

func (c *Client) handleEvents() {
	defer close(c.eventsDone)
	for event := range c.bridge.Events() {
		c.options.logInfoFunc("handleEvent", "event", event)
		c.selector.OnEvent(event)
		c.options.onEventFunc(event)
	}
}

// Close stops discovery first so no new membership events are produced,
// then tears down the connections.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mirror.Close()
		c.bridge.Close()
		<-c.eventsDone
	})
}
