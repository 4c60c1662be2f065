// Command discover mirrors a prefix and prints what it sees every second.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/go-productive/discovery"
	"github.com/go-productive/discovery/client"
	"github.com/go-productive/discovery/internal/config"
	"github.com/go-productive/discovery/mirror"
	"github.com/go-productive/discovery/pool"
	"github.com/go-productive/discovery/registry/etcdv3"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
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

	mirrorOptions := []mirror.Option{
		mirror.WithLogInfoFunc(sugar.Infow),
		mirror.WithLogErrorFunc(sugar.Errorw),
		mirror.WithOnStaleFunc(func(prefix string, err error) {
			sugar.Warnw("stale", "prefix", prefix, "err", err)
		}),
	}
	if cfg.ResyncSchedule != "" {
		mirrorOptions = append(mirrorOptions, mirror.WithResyncSchedule(cfg.ResyncSchedule))
	}
	c := client.New(store,
		client.WithLogInfoFunc(sugar.Debugw),
		client.WithMirrorOptions(mirrorOptions...),
		client.WithBridgeOptions(pool.WithLogInfoFunc(sugar.Infow), pool.WithLogErrorFunc(sugar.Errorw)),
	)
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := c.Discover(ctx, cfg.Prefix); err != nil {
		sugar.Fatalw("discover", "prefix", cfg.Prefix, "err", err)
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printSnapshot(c)
		}
	}
}

func printSnapshot(c *client.Client) {
	snapshot := c.Snapshot()
	keys := make([]string, 0, len(snapshot))
	for key := range snapshot {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	fmt.Printf("%v entries, %v live, stale=%v\n", len(keys), len(c.Selector().Conns()), c.Stale())
	for _, key := range keys {
		fmt.Printf("  %v => %v\n", key, snapshot[key])
	}
}
