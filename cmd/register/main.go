// Command register writes the configured keys under a lease and keeps them
// alive until interrupted, then revokes the lease.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-productive/discovery"
	"github.com/go-productive/discovery/agent"
	"github.com/go-productive/discovery/internal/config"
	"github.com/go-productive/discovery/registry/etcdv3"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	regrant := flag.Bool("regrant", false, "grant a new lease and rewrite the keys when the lease expires")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := discovery.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	store, err := etcdv3.New(cfg.Endpoints,
		etcdv3.WithAuth(cfg.Username, cfg.Password),
		etcdv3.WithZapLogger(logger),
		etcdv3.WithLogErrorFunc(sugar.Errorw),
	)
	if err != nil {
		sugar.Fatalw("connect", "endpoints", cfg.Endpoints, "err", err)
	}
	defer store.Close()

	a := agent.New(store,
		agent.WithRegrant(*regrant),
		agent.WithLogInfoFunc(sugar.Infow),
		agent.WithLogErrorFunc(sugar.Errorw),
	)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := a.Grant(ctx, cfg.LeaseTTL, cfg.KeepAlive); err != nil {
		sugar.Fatalw("grant", "ttl", cfg.LeaseTTL, "err", err)
	}
	for key, value := range cfg.Keys {
		if err := a.Put(ctx, key, value); err != nil {
			_ = a.Close(context.Background())
			sugar.Fatalw("put", "key", key, "err", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			revokeCtx, cancelFunc := context.WithTimeout(context.Background(), discovery.Timeout)
			if err := a.Close(revokeCtx); err != nil {
				sugar.Errorw("revoke", "err", err)
			}
			cancelFunc()
			return
		case health := <-a.Health():
			if health.OK() {
				sugar.Infow("lease healthy", "lease", health.LeaseID, "regranted", health.Regranted)
				continue
			}
			sugar.Warnw("lease unhealthy", "lease", health.LeaseID, "misses", health.Misses, "err", health.Err)
			if health.Expired {
				sugar.Errorw("lease expired, keys are gone", "keys", len(cfg.Keys))
				return
			}
		}
	}
}
