// Command coordinator runs the settlement coordinator's control plane: CTX
// admission, batch cutting, the distributed-transaction driver dispatch,
// and the replicated prepare_txs/commit_txs/discard_txs state machine that
// lets a newly elected leader resume interrupted dtxs.
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

	"github.com/dreamware/settle/internal/attest"
	"github.com/dreamware/settle/internal/config"
	"github.com/dreamware/settle/internal/coordinator"
	"github.com/dreamware/settle/internal/coordstate"
	"github.com/dreamware/settle/internal/logging"
	"github.com/dreamware/settle/internal/metrics"
	"github.com/dreamware/settle/internal/replog"
	"github.com/dreamware/settle/internal/rpcconn"
)

func main() {
	var configPath string
	var insecureStubVerifier bool

	root := &cobra.Command{
		Use:   "coordinator",
		Short: "Settlement coordinator: CTX admission and distributed-transaction driver dispatch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, insecureStubVerifier)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to the coordinator's TOML config file")
	root.Flags().BoolVar(&insecureStubVerifier, "insecure-stub-verifier", false,
		"accept every attestation without checking its signature (tests/demos only)")
	_ = root.MarkFlagRequired("config")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string, insecureStubVerifier bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("coordinator: %w", err)
	}
	if cfg.NodeID == "" {
		return fmt.Errorf("coordinator: config must set node_id")
	}

	logger := logging.New("coordinator-" + cfg.NodeID)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("coordinator: create data dir: %w", err)
	}
	dataLock := flock.New(cfg.DataDir + "/.lock")
	locked, err := dataLock.TryLock()
	if err != nil {
		return fmt.Errorf("coordinator: lock data dir: %w", err)
	}
	if !locked {
		return fmt.Errorf("coordinator: data dir %s already held by another process", cfg.DataDir)
	}
	defer dataLock.Unlock()

	fsm := coordstate.New(logger)
	repLog, err := replog.Open(replog.Config{
		NodeID:               cfg.NodeID,
		BindAddr:             cfg.RaftBindAddr,
		DataDir:              cfg.DataDir,
		Bootstrap:            cfg.Bootstrap,
		ElectionTimeoutLower: cfg.ElectionTimeoutLower,
		ElectionTimeoutUpper: cfg.ElectionTimeoutUpper,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		RaftMaxBatch:         cfg.RaftMaxBatch,
	}, fsm)
	if err != nil {
		return fmt.Errorf("coordinator: open replicated log: %w", err)
	}
	defer repLog.Shutdown()

	router := coordinator.NewShardRouter()
	healthMonitor := coordinator.NewHealthMonitor(logger, 5*time.Second)
	var shardClients []*coordinator.ShardClient
	var peers []coordinator.ShardPeer
	for _, rng := range cfg.ShardRanges {
		addr, ok := cfg.ShardAddrs[rng.ID]
		if !ok {
			return fmt.Errorf("coordinator: shard_ranges entry %q has no shard_addrs entry", rng.ID)
		}
		client, err := coordinator.DialShardClient(addr, 10*time.Second)
		if err != nil {
			return fmt.Errorf("coordinator: dial shard %q at %s: %w", rng.ID, addr, err)
		}
		shardClients = append(shardClients, client)
		router.Register(rng.Low, coordinator.ShardRange{Low: rng.Low, High: rng.High}, client)
		peers = append(peers, coordinator.ShardPeer{Key: rng.Low, Addr: addr})
	}
	defer func() {
		for _, c := range shardClients {
			c.Stop()
		}
	}()

	var verifier attest.Verifier = attest.SchnorrVerifier{}
	if insecureStubVerifier {
		level.Warn(logger).Log("msg", "running with insecure-stub-verifier: every attestation will be accepted")
		verifier = attest.StubVerifier{}
	}

	ctl, err := coordinator.New(coordinator.Config{
		BatchSize:            cfg.BatchSize,
		WindowSize:           cfg.WindowSize,
		AttestationThreshold: cfg.AttestationThreshold,
		SentinelPublicKeys:   cfg.SentinelPublicKeys,
		ApplyTimeout:         10 * time.Second,
		RecentReplyCacheSize: 10_000,
	}, logger, repLog, router, verifier)
	if err != nil {
		return fmt.Errorf("coordinator: construct controller: %w", err)
	}
	defer ctl.Close()

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go healthMonitor.Start(rootCtx, func() []coordinator.ShardPeer { return peers })
	defer healthMonitor.Stop()

	leadership := replog.NewLeadershipMonitor(repLog, ctl.OnBecomeLeader, ctl.OnBecomeFollower)
	leadership.Start()
	defer leadership.Stop()

	srv := rpcconn.NewServer()
	registerAdmissionHandler(srv, ctl)
	ln, err := net.Listen("tcp", cfg.RPCBindAddr)
	if err != nil {
		return fmt.Errorf("coordinator: listen on %s: %w", cfg.RPCBindAddr, err)
	}
	go func() {
		if err := srv.Serve(ln); err != nil {
			level.Info(logger).Log("msg", "rpc server stopped", "err", err)
		}
	}()
	defer srv.Close()

	metricsSrv := metrics.NewServer(cfg.MetricsAddr)
	metricsErrCh := make(chan error, 1)
	go func() { metricsErrCh <- metricsSrv.Serve(rootCtx) }()

	level.Info(logger).Log("msg", "coordinator started", "rpc_addr", cfg.RPCBindAddr, "raft_addr", cfg.RaftBindAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	level.Info(logger).Log("msg", "coordinator shutting down")
	return nil
}
