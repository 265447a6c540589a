package coordinator

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/dreamware/settle/internal/attest"
	"github.com/dreamware/settle/internal/coordstate"
	"github.com/dreamware/settle/internal/dtx"
	"github.com/dreamware/settle/internal/txtypes"
)

// ReplicatedLog is the subset of internal/replog.Log the controller needs:
// replicate a command and learn this node's current leadership. A fake
// satisfying this interface (backed directly by an in-memory
// internal/coordstate.FSM with no raft underneath) drives controller_test.go
// without standing up a real raft cluster.
type ReplicatedLog interface {
	Apply(cmd []byte, timeout time.Duration) (interface{}, error)
	IsLeader() bool
	LeaderCh() <-chan bool
}

// Config is the subset of internal/config.Config the controller consumes.
type Config struct {
	BatchSize            int
	WindowSize           int
	AttestationThreshold int
	SentinelPublicKeys   []string
	ExecutorPoolSize     int
	ApplyTimeout         time.Duration
	RecentReplyCacheSize int

	// IdleFlushInterval cuts a non-empty-but-not-full batch after this long,
	// so a low-traffic stream of CTXs doesn't wait indefinitely for
	// batch_size to fill.
	IdleFlushInterval time.Duration
}

type pendingResponse struct {
	ch chan Outcome
}

// Controller batches admitted CTXs and dispatches internal/dtx.Driver runs
// across the shards each batch touches.
type Controller struct {
	cfg    Config
	logger log.Logger

	log      ReplicatedLog
	router   *ShardRouter
	verifier attest.Verifier
	sentinel map[string]*btcec.PublicKey

	mu       sync.Mutex
	cond     *sync.Cond
	batch    []txtypes.CTX
	batchIDs map[txtypes.TxID]struct{}
	pending  map[txtypes.TxID]*pendingResponse
	inFlight int
	accept   bool
	closed   bool

	recent *lru.Cache[txtypes.TxID, Outcome]

	execSem chan struct{}
	wg      sync.WaitGroup

	metrics *controllerMetrics
}

// New constructs a Controller. It starts not accepting admissions;
// OnBecomeLeader must run (recovery, then accept=true) before Submit
// succeeds. router and verifier are required; a StubVerifier is acceptable
// only for tests (see internal/attest).
func New(cfg Config, logger log.Logger, repLog ReplicatedLog, router *ShardRouter, verifier attest.Verifier) (*Controller, error) {
	sentinel := make(map[string]*btcec.PublicKey, len(cfg.SentinelPublicKeys))
	for _, hexKey := range cfg.SentinelPublicKeys {
		raw, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("coordinator: sentinel key %q: %w", hexKey, err)
		}
		pub, err := btcec.ParsePubKey(raw)
		if err != nil {
			return nil, fmt.Errorf("coordinator: sentinel key %q: %w", hexKey, err)
		}
		sentinel[hexKey] = pub
	}

	cacheSize := cfg.RecentReplyCacheSize
	if cacheSize <= 0 {
		cacheSize = 10_000
	}
	recent, err := lru.New[txtypes.TxID, Outcome](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("coordinator: recent-reply cache: %w", err)
	}

	poolSize := cfg.ExecutorPoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	c := &Controller{
		cfg:      cfg,
		logger:   logger,
		log:      repLog,
		router:   router,
		verifier: verifier,
		sentinel: sentinel,
		batchIDs: make(map[txtypes.TxID]struct{}),
		pending:  make(map[txtypes.TxID]*pendingResponse),
		recent:   recent,
		execSem:  make(chan struct{}, poolSize),
		metrics:  newControllerMetrics(),
	}
	c.cond = sync.NewCond(&c.mu)

	c.wg.Add(1)
	go c.cutLoop()

	idle := cfg.IdleFlushInterval
	if idle <= 0 {
		idle = 50 * time.Millisecond
	}
	c.wg.Add(1)
	go c.idleFlushLoop(idle)

	return c, nil
}

// idleFlushLoop periodically wakes cutLoop so a batch below batch_size
// still gets cut instead of waiting forever for more admissions.
func (c *Controller) idleFlushLoop(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		<-ticker.C
		c.mu.Lock()
		if len(c.batch) > 0 {
			c.cond.Broadcast()
		}
		closed = c.closed
		c.mu.Unlock()
		if closed {
			return
		}
	}
}

// Submit admits ctx, waits for its dtx to resolve, and reports the outcome.
// It blocks on backpressure (window_size) and on the dtx's own lifetime;
// the caller's ctx context bounds both.
func (c *Controller) Submit(ctx context.Context, txn txtypes.CTX) (Outcome, error) {
	if err := txn.Validate(); err != nil {
		c.metrics.rejected.WithLabelValues("invalid").Inc()
		return OutcomeUnknown, &AdmissionError{Reason: err.Error()}
	}
	if outcome, ok := c.recent.Get(txn.ID); ok {
		return outcome, nil
	}
	if err := c.checkAttestations(txn); err != nil {
		c.metrics.rejected.WithLabelValues("attestation").Inc()
		return OutcomeUnknown, err
	}

	stopWake := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stopWake()

	c.mu.Lock()
	for c.accept && !c.closed && ctx.Err() == nil && c.cfg.WindowSize > 0 && c.inFlight >= c.cfg.WindowSize {
		c.cond.Wait()
	}
	if c.closed {
		c.mu.Unlock()
		return OutcomeUnknown, ErrClosed
	}
	if !c.accept {
		c.mu.Unlock()
		c.metrics.rejected.WithLabelValues("not_leader").Inc()
		return OutcomeUnknown, ErrNotLeader
	}
	if err := ctx.Err(); err != nil {
		c.mu.Unlock()
		return OutcomeUnknown, err
	}
	if _, dup := c.batchIDs[txn.ID]; dup {
		c.mu.Unlock()
		c.metrics.rejected.WithLabelValues("duplicate").Inc()
		return OutcomeUnknown, &AdmissionError{Reason: "duplicate ctx id in current batch"}
	}

	pr := &pendingResponse{ch: make(chan Outcome, 1)}
	c.pending[txn.ID] = pr
	c.batchIDs[txn.ID] = struct{}{}
	c.batch = append(c.batch, txn)
	c.inFlight++
	full := len(c.batch) >= c.cfg.BatchSize
	c.mu.Unlock()
	c.metrics.admitted.Inc()

	if full {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	}

	select {
	case outcome := <-pr.ch:
		return outcome, nil
	case <-ctx.Done():
		return OutcomeUnknown, ctx.Err()
	}
}

func (c *Controller) checkAttestations(txn txtypes.CTX) error {
	valid := 0
	for _, a := range txn.Attestations {
		pub, ok := c.sentinel[hex.EncodeToString(a.PubKey)]
		if !ok {
			continue
		}
		sig, err := schnorr.ParseSignature(a.Signature)
		if err != nil {
			continue
		}
		if c.verifier.Verify(txn.ID, pub, sig) {
			valid++
		}
	}
	if valid < c.cfg.AttestationThreshold {
		return &AdmissionError{Reason: fmt.Sprintf("only %d of %d required sentinel attestations verified", valid, c.cfg.AttestationThreshold)}
	}
	return nil
}

// cutLoop is the background executor: it waits for a non-empty batch, cuts
// it under the lock, and runs it on a worker bounded by execSem.
func (c *Controller) cutLoop() {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		for len(c.batch) == 0 && !c.closed {
			c.cond.Wait()
		}
		if c.closed && len(c.batch) == 0 {
			c.mu.Unlock()
			return
		}
		cut := c.batch
		c.batch = nil
		c.batchIDs = make(map[txtypes.TxID]struct{})
		c.mu.Unlock()

		c.metrics.batchesCut.Inc()
		c.metrics.batchSize.Observe(float64(len(cut)))

		c.execSem <- struct{}{}
		c.wg.Add(1)
		go func(batch []txtypes.CTX) {
			defer c.wg.Done()
			defer func() { <-c.execSem }()
			c.runBatch(batch)
		}(cut)
	}
}

func (c *Controller) runBatch(batch []txtypes.CTX) {
	dtxID := NewDtxID()
	shardIndex := c.router.Index(batch)
	shards := c.router.ShardsFor(shardIndex)
	hooks := c.hooksFor(dtxID, shardIndex)

	driver := dtx.New(dtxID, batch, shardIndex, shards, hooks)

	complete, err := driver.Prepare()
	if err != nil {
		c.onDriverFailure(batch, dtxID, err)
		return
	}
	if err := driver.Commit(); err != nil {
		c.onDriverFailure(batch, dtxID, err)
		return
	}
	if err := driver.Discard(); err != nil {
		c.onDriverFailure(batch, dtxID, err)
		return
	}

	c.deliver(batch, complete)
}

func (c *Controller) onDriverFailure(batch []txtypes.CTX, dtxID txtypes.DtxID, err error) {
	c.metrics.driverFails.Inc()
	level.Error(c.logger).Log("msg", "driver phase failed, dtx left for recovery", "dtx_id", dtxID.String(), "err", err)
	c.deliverUnknown(batch)
}

func (c *Controller) deliver(batch []txtypes.CTX, complete []bool) {
	for i, txn := range batch {
		outcome := OutcomeAborted
		if complete[i] {
			outcome = OutcomeCompleted
		}
		c.reply(txn.ID, outcome)
	}
	c.finishInFlight(len(batch))
}

func (c *Controller) deliverUnknown(batch []txtypes.CTX) {
	for _, txn := range batch {
		c.reply(txn.ID, OutcomeUnknown)
	}
	c.finishInFlight(len(batch))
}

func (c *Controller) reply(id txtypes.TxID, outcome Outcome) {
	c.mu.Lock()
	pr, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if outcome != OutcomeUnknown {
		c.recent.Add(id, outcome)
	}
	if ok {
		pr.ch <- outcome
	}
}

func (c *Controller) finishInFlight(n int) {
	c.mu.Lock()
	c.inFlight -= n
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *Controller) hooksFor(dtxID txtypes.DtxID, shardIndex map[byte][]int) dtx.Hooks {
	return dtx.Hooks{
		OnPrepare: func(batch []txtypes.CTX) error {
			return c.replicate(coordstate.Command{Type: coordstate.CmdPrepare, DtxID: dtxID, Batch: batch, ShardIndex: shardIndex})
		},
		OnCommit: func(complete []bool, idx map[byte][]int) error {
			return c.replicate(coordstate.Command{Type: coordstate.CmdCommit, DtxID: dtxID, Complete: complete, ShardIndex: idx})
		},
		OnDiscard: func() error {
			return c.replicate(coordstate.Command{Type: coordstate.CmdDiscard, DtxID: dtxID})
		},
		OnDone: func() error {
			return c.replicate(coordstate.Command{Type: coordstate.CmdDone, DtxID: dtxID})
		},
	}
}

func (c *Controller) replicate(cmd coordstate.Command) error {
	data, err := cmd.Encode()
	if err != nil {
		return err
	}
	_, err = c.log.Apply(data, c.cfg.ApplyTimeout)
	return err
}

// OnBecomeLeader runs leader recovery: it issues get() through the
// replicated log (so the read is linearized with any concurrent command),
// resumes every in-flight dtx the prior leader left behind, and only then
// starts accepting admissions.
func (c *Controller) OnBecomeLeader() {
	data, err := coordstate.Command{Type: coordstate.CmdGet}.Encode()
	if err != nil {
		level.Error(c.logger).Log("msg", "encode get command", "err", err)
		return
	}
	resp, err := c.log.Apply(data, c.cfg.ApplyTimeout)
	if err != nil {
		level.Error(c.logger).Log("msg", "recovery get failed", "err", err)
		return
	}
	result := resp.(coordstate.GetResult)

	var wg sync.WaitGroup
	for id, d := range result.PrepareTxs {
		wg.Add(1)
		go func(id txtypes.DtxID, d *txtypes.Dtx) {
			defer wg.Done()
			c.recoverFromPrepare(id, d)
		}(id, d)
	}
	for id, d := range result.CommitTxs {
		wg.Add(1)
		go func(id txtypes.DtxID, d *txtypes.Dtx) {
			defer wg.Done()
			c.recoverFromCommit(id, d)
		}(id, d)
	}
	for _, id := range result.DiscardTxs {
		d, ok := result.DiscardRecords[id]
		if !ok {
			level.Error(c.logger).Log("msg", "discard_txs entry missing its record, cannot recover", "dtx_id", id.String())
			continue
		}
		wg.Add(1)
		go func(id txtypes.DtxID, d *txtypes.Dtx) {
			defer wg.Done()
			c.recoverFromDiscard(id, d)
		}(id, d)
	}
	wg.Wait()

	c.mu.Lock()
	c.accept = true
	c.mu.Unlock()
}

func (c *Controller) recoverFromPrepare(id txtypes.DtxID, d *txtypes.Dtx) {
	c.metrics.recovered.WithLabelValues("prepare").Inc()
	shards := c.router.ShardsFor(d.ShardIndex)
	driver := dtx.RecoverPrepare(id, d.Batch, d.ShardIndex, shards, c.hooksFor(id, d.ShardIndex))
	if _, err := driver.Prepare(); err != nil {
		level.Error(c.logger).Log("msg", "recovery prepare failed", "dtx_id", id.String(), "err", err)
		return
	}
	if err := driver.Commit(); err != nil {
		level.Error(c.logger).Log("msg", "recovery commit failed", "dtx_id", id.String(), "err", err)
		return
	}
	if err := driver.Discard(); err != nil {
		level.Error(c.logger).Log("msg", "recovery discard failed", "dtx_id", id.String(), "err", err)
	}
}

func (c *Controller) recoverFromCommit(id txtypes.DtxID, d *txtypes.Dtx) {
	c.metrics.recovered.WithLabelValues("commit").Inc()
	shards := c.router.ShardsFor(d.ShardIndex)
	driver := dtx.RecoverCommit(id, d.Batch, d.ShardIndex, shards, c.hooksFor(id, d.ShardIndex), d.Complete)
	if err := driver.Commit(); err != nil {
		level.Error(c.logger).Log("msg", "recovery commit failed", "dtx_id", id.String(), "err", err)
		return
	}
	if err := driver.Discard(); err != nil {
		level.Error(c.logger).Log("msg", "recovery discard failed", "dtx_id", id.String(), "err", err)
	}
}

func (c *Controller) recoverFromDiscard(id txtypes.DtxID, d *txtypes.Dtx) {
	c.metrics.recovered.WithLabelValues("discard").Inc()
	shards := c.router.ShardsFor(d.ShardIndex)
	driver := dtx.RecoverDiscard(id, d.Batch, d.ShardIndex, shards, c.hooksFor(id, d.ShardIndex), d.Complete)
	if err := driver.Discard(); err != nil {
		level.Error(c.logger).Log("msg", "recovery discard failed", "dtx_id", id.String(), "err", err)
	}
}

// OnBecomeFollower stops admitting new CTXs on leadership loss. Callers
// blocked in Submit on backpressure are woken by the broadcast here and
// observe ErrNotLeader.
func (c *Controller) OnBecomeFollower() {
	c.mu.Lock()
	c.accept = false
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Close stops the cut loop and releases any Submit callers still waiting on
// backpressure. In-flight driver runs are not cancelled; there is no
// cooperative cancellation inside driver phases.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cond.Broadcast()
	c.wg.Wait()
}
