package runtimeshard

import (
	"sort"
	"sync"

	"github.com/go-kit/log"

	"github.com/dreamware/settle/internal/kvstore"
	"github.com/dreamware/settle/internal/logging"
)

// Shard is one runtime locking shard: a key/value store plus the lock
// table and ticket table guarding concurrent access to it.
type Shard struct {
	mu      sync.Mutex
	keys    map[string]*keyState
	tickets map[uint64]*ticketRecord
	store   kvstore.Store
	logger  log.Logger
	metrics *shardMetrics
}

// New creates a shard backed by store. store is the general-purpose
// key/value execution layer: any runtime hosted above
// the lock manager reads committed values through it once it holds the
// appropriate lock.
func New(id string, store kvstore.Store, logger log.Logger) *Shard {
	return &Shard{
		keys:    make(map[string]*keyState),
		tickets: make(map[uint64]*ticketRecord),
		store:   store,
		logger:  logger,
		metrics: newShardMetrics(id),
	}
}

// Store exposes the underlying key/value store for a caller that already
// holds the appropriate lock (e.g. an execution runtime layered above the
// shard). The shard itself calls Put only from ApplyCommit.
func (s *Shard) Store() kvstore.Store { return s.store }

// TryLock requests a read or write lock on key for a ticket. reply is
// invoked exactly once:
// synchronously if the request is rejected or immediately grantable,
// asynchronously (after a later sweep) if it must queue. reply is always
// invoked outside the shard's mutex.
func (s *Shard) TryLock(ticketNum uint64, broker string, key string, lt LockType, firstLock bool, reply func(LockError, *WoundedDetails)) {
	var callbacks []func()
	s.mu.Lock()
	s.tryLockLocked(ticketNum, broker, key, lt, firstLock, reply, &callbacks)
	s.mu.Unlock()

	for _, cb := range callbacks {
		cb()
	}
}

func (s *Shard) tryLockLocked(ticketNum uint64, broker string, key string, lt LockType, firstLock bool, reply func(LockError, *WoundedDetails), callbacks *[]func()) {
	t, exists := s.tickets[ticketNum]
	if firstLock {
		if exists {
			logging.Fatalf(s.logger, "try_lock first_lock on an existing ticket", "ticket", ticketNum)
		}
		t = newTicketRecord(ticketNum, broker)
		s.tickets[ticketNum] = t
	} else if !exists {
		*callbacks = append(*callbacks, func() { reply(ErrUnknownTicket, nil) })
		return
	}

	switch t.state {
	case TicketPrepared:
		*callbacks = append(*callbacks, func() { reply(ErrPrepared, nil) })
		return
	case TicketCommitted:
		*callbacks = append(*callbacks, func() { reply(ErrCommitted, nil) })
		return
	case TicketWounded:
		wd := t.woundedDetails
		*callbacks = append(*callbacks, func() { reply(ErrWounded, wd) })
		return
	}

	if held, ok := t.locksHeld[key]; ok && (held == LockWrite || held == lt) {
		*callbacks = append(*callbacks, func() { reply(ErrLockHeld, nil) })
		return
	}
	if _, queued := t.queuedLocks[key]; queued {
		*callbacks = append(*callbacks, func() { reply(ErrLockQueued, nil) })
		return
	}

	ks, ok := s.keys[key]
	if !ok {
		ks = newKeyState()
		s.keys[key] = ks
	}
	insertQueueSorted(&ks.queue, queueEntry{ticket: ticketNum, lockType: lt, reply: reply})
	t.queuedLocks[key] = struct{}{}

	blockers := make(map[uint64]struct{})
	if lt == LockWrite {
		for r := range ks.readers {
			if r > ticketNum {
				blockers[r] = struct{}{}
			}
		}
	}
	if ks.writer != nil && *ks.writer > ticketNum {
		blockers[*ks.writer] = struct{}{}
	}

	touched := map[string]struct{}{key: {}}
	for bNum := range blockers {
		s.woundTicket(bNum, ticketNum, key, touched, callbacks)
	}

	for tk := range touched {
		s.sweepKey(tk, callbacks)
	}
	s.metrics.tryLockTotal.Inc()
}

// woundTicket wounds ticket bNum: drops its queued locks (replying wounded
// to each) and releases its held locks, across every key it touched.
func (s *Shard) woundTicket(bNum, woundingTicket uint64, woundingKey string, touched map[string]struct{}, callbacks *[]func()) {
	bt, ok := s.tickets[bNum]
	if !ok || bt.state != TicketBegun {
		// Wounded: already handled. Prepared/committed: immune from
		// wounding; the requester simply queues behind it instead.
		return
	}
	details := &WoundedDetails{WoundingTicket: woundingTicket, WoundingKey: woundingKey}

	for qk := range bt.queuedLocks {
		touched[qk] = struct{}{}
		s.removeFromQueue(qk, bNum, func(e queueEntry) {
			reply := e.reply
			*callbacks = append(*callbacks, func() { reply(ErrWounded, details) })
		})
	}
	for hk := range bt.locksHeld {
		touched[hk] = struct{}{}
		s.releaseHeld(hk, bNum)
	}

	bt.locksHeld = make(map[string]LockType)
	bt.queuedLocks = make(map[string]struct{})
	bt.state = TicketWounded
	bt.woundedDetails = details
	s.metrics.woundedTotal.Inc()
}

func (s *Shard) removeFromQueue(key string, ticketNum uint64, onFound func(queueEntry)) {
	ks, ok := s.keys[key]
	if !ok {
		return
	}
	for i, e := range ks.queue {
		if e.ticket == ticketNum {
			ks.queue = append(ks.queue[:i:i], ks.queue[i+1:]...)
			onFound(e)
			return
		}
	}
}

func (s *Shard) releaseHeld(key string, ticketNum uint64) {
	ks, ok := s.keys[key]
	if !ok {
		return
	}
	if ks.writer != nil && *ks.writer == ticketNum {
		ks.writer = nil
	}
	delete(ks.readers, ticketNum)
}

// sweepKey grants the queue head(s) of key greedily: any run of read
// requests at the head can all be granted together so long as no writer
// holds the key; a write request is granted only if the key is completely
// free, or held solely by a read from the same ticket (an upgrade).
func (s *Shard) sweepKey(key string, callbacks *[]func()) {
	ks, ok := s.keys[key]
	if !ok {
		return
	}
	for len(ks.queue) > 0 {
		head := ks.queue[0]

		if head.lockType == LockRead {
			if ks.writer != nil && *ks.writer != head.ticket {
				return
			}
			ks.queue = ks.queue[1:]
			ks.readers[head.ticket] = struct{}{}
			s.grantLocked(key, head, callbacks)
			continue
		}

		upgrading := len(ks.readers) == 1
		if upgrading {
			if _, sameTicket := ks.readers[head.ticket]; !sameTicket {
				upgrading = false
			}
		}
		if ks.writer == nil && (len(ks.readers) == 0 || upgrading) {
			if upgrading {
				delete(ks.readers, head.ticket)
			}
			ks.queue = ks.queue[1:]
			w := head.ticket
			ks.writer = &w
			s.grantLocked(key, head, callbacks)
		}
		return
	}
}

func (s *Shard) grantLocked(key string, head queueEntry, callbacks *[]func()) {
	t := s.tickets[head.ticket]
	delete(t.queuedLocks, key)
	t.locksHeld[key] = head.lockType
	reply := head.reply
	s.metrics.grantedTotal.Inc()
	*callbacks = append(*callbacks, func() { reply(ErrOK, nil) })
}

func insertQueueSorted(queue *[]queueEntry, e queueEntry) {
	q := *queue
	i := sort.Search(len(q), func(i int) bool { return q[i].ticket >= e.ticket })
	q = append(q, queueEntry{})
	copy(q[i+1:], q[i:])
	q[i] = e
	*queue = q
}

// GetTickets returns the mapping
// ticket_number -> state for every ticket owned by broker.
func (s *Shard) GetTickets(broker string) map[uint64]TicketState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint64]TicketState)
	for num, t := range s.tickets {
		if t.brokerID == broker {
			out[num] = t.state
		}
	}
	return out
}

// Rollback releases a ticket's queued and held locks and deletes it.
// Rollback is never replicated: it leaves no durable state.
func (s *Shard) Rollback(ticketNum uint64) LockError {
	var callbacks []func()
	s.mu.Lock()
	result := s.rollbackLocked(ticketNum, &callbacks)
	s.mu.Unlock()
	for _, cb := range callbacks {
		cb()
	}
	return result
}

func (s *Shard) rollbackLocked(ticketNum uint64, callbacks *[]func()) LockError {
	t, ok := s.tickets[ticketNum]
	if !ok {
		return ErrUnknownTicket
	}
	switch t.state {
	case TicketCommitted:
		return ErrCommitted
	}

	details := &WoundedDetails{WoundingTicket: ticketNum, WoundingKey: ""}
	touched := map[string]struct{}{}
	for qk := range t.queuedLocks {
		touched[qk] = struct{}{}
		s.removeFromQueue(qk, ticketNum, func(e queueEntry) {
			reply := e.reply
			*callbacks = append(*callbacks, func() { reply(ErrWounded, details) })
		})
	}
	for hk := range t.locksHeld {
		touched[hk] = struct{}{}
		s.releaseHeld(hk, ticketNum)
	}
	for tk := range touched {
		s.sweepKey(tk, callbacks)
	}
	delete(s.tickets, ticketNum)
	return ErrOK
}
