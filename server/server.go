package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-productive/discovery"
	"github.com/go-productive/discovery/agent"
	"github.com/go-productive/discovery/registry"
	"google.golang.org/grpc"
)

type (
	GRPCServer struct {
		server  *grpc.Server
		agent   *agent.Agent
		options *_Options

		mutex              sync.Mutex
		addr               string
		serviceNameMapNode map[string]*registry.Node
	}
)

// New wraps a grpc.Server whose services are registered through agent once
// Serve starts. An addr without host is registered under the first private
// IP.
func New(addr string, agent *agent.Agent, opts ...Option) *GRPCServer {
	options := newOptions(opts...)
	server := grpc.NewServer(options.serverOptions...)
	g := &GRPCServer{
		server:  server,
		agent:   agent,
		options: options,
		addr:    addr,
	}
	g.initRegistryAddr()
	return g
}

func (g *GRPCServer) initRegistryAddr() {
	host, port, err := net.SplitHostPort(g.addr)
	if err != nil {
		panic(err)
	}
	if host == "" {
		ip, err := privateIP()
		if err != nil {
			panic(err)
		}
		g.addr = net.JoinHostPort(ip.String(), port)
	}
}

func (g *GRPCServer) RegistryAddr() string {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return g.addr
}

func (g *GRPCServer) Nodes() map[string]*registry.Node {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return g.serviceNameMapNode
}

func (g *GRPCServer) GRPCServer() *grpc.Server {
	return g.server
}

func (g *GRPCServer) Serve() error {
	listener, err := net.Listen("tcp", g.RegistryAddr())
	if err != nil {
		return err
	}
	defer listener.Close()
	g.bindListenerPort(listener.Addr())
	if err := g.register(); err != nil {
		return err
	}
	return g.server.Serve(listener)
}

// bindListenerPort replaces port 0 with the one the listener got.
func (g *GRPCServer) bindListenerPort(listenAddr net.Addr) {
	tcpAddr, ok := listenAddr.(*net.TCPAddr)
	if !ok {
		return
	}
	g.mutex.Lock()
	defer g.mutex.Unlock()
	host, _, err := net.SplitHostPort(g.addr)
	if err != nil {
		return
	}
	g.addr = net.JoinHostPort(host, fmt.Sprint(tcpAddr.Port))
}

func (g *GRPCServer) GracefulStop() {
	g.deregister()
	time.Sleep(g.options.shutdownSleepDuration)
	g.server.GracefulStop()
}

func (g *GRPCServer) Stop() {
	g.deregister()
	g.server.Stop()
}

func (g *GRPCServer) register() (err error) {
	ctx, cancelFunc := context.WithTimeout(context.Background(), discovery.Timeout)
	defer cancelFunc()
	leaseID, err := g.agent.Grant(ctx, g.options.ttl, g.options.interval)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			g.deregister()
		}
	}()
	addr := g.RegistryAddr()
	serviceNameMapNode := make(map[string]*registry.Node, len(g.server.GetServiceInfo()))
	for serviceName := range g.server.GetServiceInfo() {
		node := &registry.Node{
			ServiceName: serviceName,
			Addr:        addr,
			InstanceID:  g.options.instanceID,
		}
		if err := g.agent.Put(ctx, node.Key(g.options.prefix), node.Addr); err != nil {
			return err
		}
		serviceNameMapNode[serviceName] = node
		g.options.logInfoFunc("Register", "node", node, "lease", leaseID)
	}
	g.mutex.Lock()
	g.serviceNameMapNode = serviceNameMapNode
	g.mutex.Unlock()
	return nil
}

// deregister revokes the lease, which removes every node at once.
func (g *GRPCServer) deregister() {
	if g.agent.State() != agent.StateActive {
		return
	}
	ctx, cancelFunc := context.WithTimeout(context.Background(), discovery.Timeout)
	defer cancelFunc()
	if err := g.agent.Revoke(ctx); err != nil {
		g.options.logInfoFunc("Deregister", "err", err)
		return
	}
	g.options.logInfoFunc("Deregister", "nodes", len(g.Nodes()))
}
