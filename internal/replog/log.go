package replog

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
)

// Config carries the replication-layer tunables
// plus the identity/storage fields raft itself requires.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string

	// Bootstrap is true only for the node that forms a brand new single- or
	// multi-member cluster on first start; every other node joins via raft's
	// normal membership change machinery.
	Bootstrap bool
	Peers     []raft.Server

	ElectionTimeoutLower time.Duration
	ElectionTimeoutUpper time.Duration
	HeartbeatInterval    time.Duration
	RaftMaxBatch         int
}

// Log is a durable, leader-elected command stream. One Log backs one raft.FSM
// — either internal/coordstate's phase-set state machine or
// internal/runtimeshard's ticket log.
type Log struct {
	raft      *raft.Raft
	transport *raft.NetworkTransport
	boltStore *raftboltdb.BoltStore
}

// Open starts (or rejoins) a raft group backed by fsm, persisting its log
// and stable state under cfg.DataDir via raft-boltdb.
func Open(cfg Config, fsm raft.FSM) (*Log, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("replog: create data dir: %w", err)
	}

	boltPath := filepath.Join(cfg.DataDir, "raft.db")
	boltStore, err := raftboltdb.NewBoltStore(boltPath)
	if err != nil {
		return nil, fmt.Errorf("replog: open bolt store: %w", err)
	}

	snapDir := filepath.Join(cfg.DataDir, "snapshots")
	if err := os.MkdirAll(snapDir, 0o755); err != nil {
		return nil, fmt.Errorf("replog: create snapshot dir: %w", err)
	}
	snapStore, err := raft.NewFileSnapshotStore(snapDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("replog: open snapshot store: %w", err)
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("replog: resolve bind addr: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("replog: open transport: %w", err)
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	if cfg.HeartbeatInterval > 0 {
		raftCfg.HeartbeatTimeout = cfg.HeartbeatInterval
		// raft validates LeaderLeaseTimeout <= HeartbeatTimeout.
		if raftCfg.LeaderLeaseTimeout > cfg.HeartbeatInterval {
			raftCfg.LeaderLeaseTimeout = cfg.HeartbeatInterval
		}
	}
	if cfg.ElectionTimeoutLower > 0 {
		raftCfg.ElectionTimeout = cfg.ElectionTimeoutLower
		// raft validates ElectionTimeout >= HeartbeatTimeout; raft itself
		// randomizes up to 2x, which covers election_timeout_upper.
		if raftCfg.ElectionTimeout < raftCfg.HeartbeatTimeout {
			raftCfg.ElectionTimeout = raftCfg.HeartbeatTimeout
		}
	}
	if cfg.RaftMaxBatch > 0 {
		raftCfg.MaxAppendEntries = cfg.RaftMaxBatch
	}

	r, err := raft.NewRaft(raftCfg, fsm, boltStore, boltStore, snapStore, transport)
	if err != nil {
		return nil, fmt.Errorf("replog: start raft: %w", err)
	}

	if cfg.Bootstrap {
		servers := cfg.Peers
		if len(servers) == 0 {
			servers = []raft.Server{{ID: raftCfg.LocalID, Address: transport.LocalAddr()}}
		}
		bootstrapCfg := raft.Configuration{Servers: servers}
		if fut := r.BootstrapCluster(bootstrapCfg); fut.Error() != nil {
			if fut.Error() != raft.ErrCantBootstrap {
				return nil, fmt.Errorf("replog: bootstrap cluster: %w", fut.Error())
			}
		}
	}

	return &Log{raft: r, transport: transport, boltStore: boltStore}, nil
}

// Apply replicates cmd through the log and, once committed, returns
// whatever the FSM's Apply method returned for it (the FSM itself decodes
// cmd; replog only moves bytes).
func (l *Log) Apply(cmd []byte, timeout time.Duration) (interface{}, error) {
	future := l.raft.Apply(cmd, timeout)
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("replog: apply: %w", err)
	}
	return future.Response(), nil
}

// IsLeader reports whether this node currently holds leadership.
func (l *Log) IsLeader() bool {
	return l.raft.State() == raft.Leader
}

// LeaderCh reports leadership acquisition (true) and loss (false).
// Callers must route transitions through a single serializing goroutine
// (see LeadershipMonitor) rather than acting on them directly.
func (l *Log) LeaderCh() <-chan bool {
	return l.raft.LeaderCh()
}

// AddVoter admits a new member to the cluster; only the current leader may
// call this meaningfully (raft rejects it otherwise).
func (l *Log) AddVoter(id, addr string, timeout time.Duration) error {
	fut := l.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, timeout)
	return fut.Error()
}

// Shutdown stops the raft instance and releases its storage handles.
func (l *Log) Shutdown() error {
	if fut := l.raft.Shutdown(); fut.Error() != nil {
		return fmt.Errorf("replog: shutdown: %w", fut.Error())
	}
	if err := l.boltStore.Close(); err != nil {
		return fmt.Errorf("replog: close bolt store: %w", err)
	}
	return nil
}
