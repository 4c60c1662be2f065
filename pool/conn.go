package pool

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

type (
	// Conn is the connection handle of one registration: a fixed set of
	// gRPC connections to its address, handed out round robin.
	Conn struct {
		sequence uint64

		Key         string
		Addr        string
		target      string
		connections []*grpc.ClientConn
	}
)

func (c *Conn) Target() string {
	return c.target
}

func (c *Conn) Get() *grpc.ClientConn {
	return c.connections[atomic.AddUint64(&c.sequence, 1)%uint64(len(c.connections))]
}

func (c *Conn) Invoke(ctx context.Context, method string, args, reply interface{}, opts ...grpc.CallOption) error {
	return c.Get().Invoke(ctx, method, args, reply, opts...)
}

func (c *Conn) NewStream(ctx context.Context, desc *grpc.StreamDesc, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	return c.Get().NewStream(ctx, desc, method, opts...)
}

func (c *Conn) Close() {
	for _, conn := range c.connections {
		_ = conn.Close()
	}
}

func (c *Conn) String() string {
	return fmt.Sprintf("%v=>%v", c.Key, c.target)
}

// parseAddress accepts host:port, or scheme://host[:port] where http and
// grpc are plaintext and https and grpcs use TLS.
func parseAddress(address string) (string, credentials.TransportCredentials, error) {
	if address == "" {
		return "", nil, errors.New("empty address")
	}
	if !strings.Contains(address, "://") {
		host, port, err := net.SplitHostPort(address)
		if err != nil {
			return "", nil, err
		}
		if port == "" {
			return "", nil, fmt.Errorf("missing port in address %v", address)
		}
		return net.JoinHostPort(host, port), insecure.NewCredentials(), nil
	}
	u, err := url.Parse(address)
	if err != nil {
		return "", nil, err
	}
	if u.Hostname() == "" {
		return "", nil, fmt.Errorf("missing host in address %v", address)
	}
	var (
		creds       credentials.TransportCredentials
		defaultPort string
	)
	switch u.Scheme {
	case "http", "grpc":
		creds, defaultPort = insecure.NewCredentials(), "80"
	case "https", "grpcs":
		creds, defaultPort = credentials.NewTLS(&tls.Config{ServerName: u.Hostname()}), "443"
	default:
		return "", nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	port := u.Port()
	if port == "" {
		port = defaultPort
	}
	return net.JoinHostPort(u.Hostname(), port), creds, nil
}

func waitReady(ctx context.Context, conn *grpc.ClientConn) error {
	conn.Connect()
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Shutdown:
			return errors.New("connection shut down")
		}
		if !conn.WaitForStateChange(ctx, state) {
			return fmt.Errorf("%v: last state %v", ctx.Err(), state)
		}
	}
}
