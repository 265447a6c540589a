// Command runtimeshard runs one runtime locking shard: the wound-wait
// key-level lock manager backing a broker's dtx prepare/commit phase,
// replicated via its own raft log.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"

	"github.com/dreamware/settle/internal/config"
	"github.com/dreamware/settle/internal/kvstore"
	"github.com/dreamware/settle/internal/logging"
	"github.com/dreamware/settle/internal/metrics"
	"github.com/dreamware/settle/internal/replog"
	"github.com/dreamware/settle/internal/rpcconn"
	"github.com/dreamware/settle/internal/runtimeshard"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "runtimeshard",
		Short: "Runtime locking shard: wound-wait key locking replicated over raft",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to the shard's TOML config file")
	_ = root.MarkFlagRequired("config")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("runtimeshard: %w", err)
	}
	if cfg.NodeID == "" {
		return fmt.Errorf("runtimeshard: config must set node_id")
	}

	logger := logging.New("runtimeshard-" + cfg.NodeID)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("runtimeshard: create data dir: %w", err)
	}
	dataLock := flock.New(cfg.DataDir + "/.lock")
	locked, err := dataLock.TryLock()
	if err != nil {
		return fmt.Errorf("runtimeshard: lock data dir: %w", err)
	}
	if !locked {
		return fmt.Errorf("runtimeshard: data dir %s already held by another process", cfg.DataDir)
	}
	defer dataLock.Unlock()

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("runtimeshard: %w", err)
	}
	defer store.Close()

	shard := runtimeshard.New(cfg.NodeID, store, logger)

	repLog, err := replog.Open(replog.Config{
		NodeID:               cfg.NodeID,
		BindAddr:             cfg.RaftBindAddr,
		DataDir:              cfg.DataDir,
		Bootstrap:            cfg.Bootstrap,
		ElectionTimeoutLower: cfg.ElectionTimeoutLower,
		ElectionTimeoutUpper: cfg.ElectionTimeoutUpper,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		RaftMaxBatch:         cfg.RaftMaxBatch,
	}, shard)
	if err != nil {
		return fmt.Errorf("runtimeshard: open replicated log: %w", err)
	}
	defer repLog.Shutdown()

	applyTimeout := 10 * time.Second

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := rpcconn.NewServer()
	runtimeshard.RegisterHandlers(srv, shard, repLog, applyTimeout)
	ln, err := net.Listen("tcp", cfg.RPCBindAddr)
	if err != nil {
		return fmt.Errorf("runtimeshard: listen on %s: %w", cfg.RPCBindAddr, err)
	}
	go func() {
		if err := srv.Serve(ln); err != nil {
			level.Info(logger).Log("msg", "rpc server stopped", "err", err)
		}
	}()
	defer srv.Close()

	if cfg.MetricsAddr != "" {
		metricsSrv := metrics.NewServer(cfg.MetricsAddr)
		go func() { _ = metricsSrv.Serve(rootCtx) }()
	}

	level.Info(logger).Log("msg", "runtimeshard started", "node_id", cfg.NodeID,
		"rpc_addr", cfg.RPCBindAddr, "raft_addr", cfg.RaftBindAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	level.Info(logger).Log("msg", "runtimeshard shutting down")
	return nil
}

// openStore picks the kvstore backend config.SnapshotDir implies: pebble
// when set (durable across restarts), memory otherwise (demos and tests;
// state resets on restart, relying on raft replication from peers).
func openStore(cfg config.Config) (kvstore.Store, error) {
	if cfg.SnapshotDir == "" {
		return kvstore.NewMemoryStore(), nil
	}
	return kvstore.OpenPebbleStore(cfg.SnapshotDir)
}
