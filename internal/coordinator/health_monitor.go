package coordinator

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// ShardPeer names one locking-shard RPC endpoint a HealthMonitor watches:
// the shard key ShardRouter routes by, plus its dial address.
type ShardPeer struct {
	Key  byte
	Addr string
}

// ShardHealth tracks the liveness of a single locking-shard peer.
// Thread-safe: protected by HealthMonitor's mutex when accessed.
type ShardHealth struct {
	LastCheck        time.Time
	LastHealthy      time.Time
	Status           string // "healthy", "unhealthy", "unknown"
	ConsecutiveFails int
}

// HealthMonitor periodically dials every registered locking-shard peer's
// RPC listener and tracks consecutive failures, so an operator (or a
// future rebalancing admin tool; shard topology here is configured, not
// automatically rebalanced per internal/coordinator/shard_router.go) can
// see which shards are unreachable. It does not itself remove a shard from
// routing: ShardRouter's topology is static configuration, never
// rebalanced at runtime.
type HealthMonitor struct {
	logger      log.Logger
	interval    time.Duration
	dialTimeout time.Duration
	maxFailures int
	checkFunc   func(addr string) error
	onUnhealthy func(key byte)

	mu     sync.RWMutex
	shards map[byte]*ShardHealth

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewHealthMonitor creates a monitor that checks each shard every interval,
// marking a shard unhealthy after 3 consecutive failed dials.
func NewHealthMonitor(logger log.Logger, interval time.Duration) *HealthMonitor {
	return &HealthMonitor{
		logger:      logger,
		interval:    interval,
		dialTimeout: 2 * time.Second,
		maxFailures: 3,
		shards:      make(map[byte]*ShardHealth),
	}
}

// SetOnUnhealthy sets the callback invoked (from its own goroutine) the
// first time a shard crosses the failure threshold.
func (h *HealthMonitor) SetOnUnhealthy(callback func(key byte)) {
	h.onUnhealthy = callback
}

// SetCheckFunction overrides the default TCP-dial liveness probe, for tests.
func (h *HealthMonitor) SetCheckFunction(checkFunc func(addr string) error) {
	h.checkFunc = checkFunc
}

func (h *HealthMonitor) defaultCheck(addr string) error {
	conn, err := net.DialTimeout("tcp", addr, h.dialTimeout)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Start begins periodic checking of peers until ctx is cancelled or Stop
// is called. It blocks; callers run it in its own goroutine.
func (h *HealthMonitor) Start(ctx context.Context, peers func() []ShardPeer) {
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.wg.Add(1)
	defer h.wg.Done()

	if h.checkFunc == nil {
		h.checkFunc = h.defaultCheck
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.checkAll(peers())
	for {
		select {
		case <-ticker.C:
			h.checkAll(peers())
		case <-ctx.Done():
			return
		}
	}
}

// Stop cancels the monitoring loop and waits for it to exit.
func (h *HealthMonitor) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

func (h *HealthMonitor) checkAll(peers []ShardPeer) {
	seen := make(map[byte]struct{}, len(peers))
	for _, p := range peers {
		seen[p.Key] = struct{}{}
		h.checkOne(p)
	}
	h.mu.Lock()
	for key := range h.shards {
		if _, ok := seen[key]; !ok {
			delete(h.shards, key)
		}
	}
	h.mu.Unlock()
}

func (h *HealthMonitor) checkOne(p ShardPeer) {
	h.mu.Lock()
	sh, ok := h.shards[p.Key]
	if !ok {
		sh = &ShardHealth{Status: "unknown", LastCheck: time.Now(), LastHealthy: time.Now()}
		h.shards[p.Key] = sh
	}
	h.mu.Unlock()

	err := h.checkFunc(p.Addr)

	h.mu.Lock()
	defer h.mu.Unlock()
	sh.LastCheck = time.Now()

	if err != nil {
		sh.ConsecutiveFails++
		level.Warn(h.logger).Log("msg", "shard health check failed", "shard_key", p.Key, "addr", p.Addr, "fails", sh.ConsecutiveFails, "err", err)
		if sh.ConsecutiveFails >= h.maxFailures {
			wasHealthy := sh.Status != "unhealthy"
			sh.Status = "unhealthy"
			if wasHealthy && h.onUnhealthy != nil {
				go h.onUnhealthy(p.Key)
			}
		}
		return
	}

	if sh.Status == "unhealthy" {
		level.Info(h.logger).Log("msg", "shard recovered", "shard_key", p.Key, "addr", p.Addr)
	}
	sh.Status = "healthy"
	sh.ConsecutiveFails = 0
	sh.LastHealthy = time.Now()
}

// Health returns a snapshot of one shard's current status, or nil if it is
// not being monitored.
func (h *HealthMonitor) Health(key byte) *ShardHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sh, ok := h.shards[key]
	if !ok {
		return nil
	}
	cp := *sh
	return &cp
}

// IsHealthy reports whether key is currently healthy (or not yet checked).
func (h *HealthMonitor) IsHealthy(key byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sh, ok := h.shards[key]
	if !ok {
		return true
	}
	return sh.Status != "unhealthy"
}
