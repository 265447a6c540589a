// Command lockshard runs one UHS locking shard: it owns a first-byte
// prefix range of the unspent hash set and serves lock_outputs,
// apply_outputs, and discard_dtx to the coordinator's distributed-
// transaction driver.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/pebble"
	"github.com/gofrs/flock"
	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"

	"github.com/dreamware/settle/internal/config"
	"github.com/dreamware/settle/internal/coordinator"
	"github.com/dreamware/settle/internal/lockshard"
	"github.com/dreamware/settle/internal/logging"
	"github.com/dreamware/settle/internal/metrics"
	"github.com/dreamware/settle/internal/rpcconn"
)

func main() {
	var configPath string
	var shardID string
	var shardLow, shardHigh uint8

	root := &cobra.Command{
		Use:   "lockshard",
		Short: "UHS locking shard: lock_outputs/apply_outputs/discard_dtx for one prefix range",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, shardID, shardLow, shardHigh)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to the shard's TOML config file")
	root.Flags().StringVar(&shardID, "shard-id", "", "shard id, must match a shard_ranges[].id entry in config")
	root.Flags().Uint8Var(&shardLow, "low", 0x00, "inclusive low byte of this shard's UHS-ID prefix range")
	root.Flags().Uint8Var(&shardHigh, "high", 0xFF, "inclusive high byte of this shard's UHS-ID prefix range")
	_ = root.MarkFlagRequired("config")
	_ = root.MarkFlagRequired("shard-id")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath, shardID string, low, high uint8) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("lockshard: %w", err)
	}
	for _, rng := range cfg.ShardRanges {
		if rng.ID == shardID {
			low, high = rng.Low, rng.High
			break
		}
	}

	logger := logging.New("lockshard-" + shardID)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("lockshard: create data dir: %w", err)
	}
	dataLock := flock.New(cfg.DataDir + "/.lock")
	locked, err := dataLock.TryLock()
	if err != nil {
		return fmt.Errorf("lockshard: lock data dir: %w", err)
	}
	if !locked {
		return fmt.Errorf("lockshard: data dir %s already held by another process", cfg.DataDir)
	}
	defer dataLock.Unlock()

	cacheSize := cfg.CompletedTxsCacheSize
	if cacheSize <= 0 {
		cacheSize = 100_000
	}
	shard := lockshard.New(shardID, lockshard.Range{Low: low, High: high}, cacheSize)

	var snapStore *pebble.DB
	if cfg.SnapshotDir != "" {
		snapStore, err = pebble.Open(cfg.SnapshotDir, &pebble.Options{})
		if err != nil {
			return fmt.Errorf("lockshard: open snapshot store: %w", err)
		}
		defer snapStore.Close()

		// Epoch 0: snapshot_dir is a single-epoch cold-start aid here, not a
		// full history; a deployment that prunes by epoch needs its own
		// epoch index alongside the pebble store.
		if err := shard.LoadSnapshot(snapStore, 0); err != nil {
			level.Warn(logger).Log("msg", "no snapshot loaded, starting from empty UHS", "err", err)
		}
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := rpcconn.NewServer()
	coordinator.RegisterShardHandlers(srv, shard)
	ln, err := net.Listen("tcp", cfg.RPCBindAddr)
	if err != nil {
		return fmt.Errorf("lockshard: listen on %s: %w", cfg.RPCBindAddr, err)
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

	level.Info(logger).Log("msg", "lockshard started", "shard_id", shardID,
		"low", fmt.Sprintf("%#02x", low), "high", fmt.Sprintf("%#02x", high), "rpc_addr", cfg.RPCBindAddr)

	if snapStore != nil {
		defer func() {
			if err := shard.Snapshot(snapStore); err != nil {
				level.Warn(logger).Log("msg", "final snapshot failed", "err", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	level.Info(logger).Log("msg", "lockshard shutting down")
	return nil
}
