package runtimeshard

import (
	"testing"

	"github.com/dreamware/settle/internal/kvstore"
	"github.com/dreamware/settle/internal/logging"
)

func newTestShard() *Shard {
	return New("test", kvstore.NewMemoryStore(), logging.New("test"))
}

type recordedReply struct {
	err     LockError
	details *WoundedDetails
	fired   bool
}

func syncReply(r *recordedReply) func(LockError, *WoundedDetails) {
	return func(e LockError, d *WoundedDetails) {
		r.fired = true
		r.err = e
		r.details = d
	}
}

func TestWoundWait(t *testing.T) {
	s := newTestShard()

	var r5 recordedReply
	s.TryLock(5, "broker", "K", LockWrite, true, syncReply(&r5))
	if !r5.fired || r5.err != ErrOK {
		t.Fatalf("ticket 5 should acquire write lock immediately: %+v", r5)
	}

	var r3 recordedReply
	s.TryLock(3, "broker", "K", LockWrite, true, syncReply(&r3))
	if !r3.fired || r3.err != ErrOK {
		t.Fatalf("ticket 3 (older) should wound 5 and acquire lock: %+v", r3)
	}

	var r5b recordedReply
	s.TryLock(5, "broker", "OTHER", LockRead, false, syncReply(&r5b))
	if !r5b.fired || r5b.err != ErrWounded {
		t.Fatalf("ticket 5 should now observe wounded, got %+v", r5b)
	}
	if r5b.details == nil || r5b.details.WoundingTicket != 3 || r5b.details.WoundingKey != "K" {
		t.Errorf("wounded details wrong: %+v", r5b.details)
	}
}

func TestPreparedTicketImmuneFromWounding(t *testing.T) {
	s := newTestShard()

	var r5 recordedReply
	s.TryLock(5, "broker", "K", LockWrite, true, syncReply(&r5))
	if !r5.fired || r5.err != ErrOK {
		t.Fatalf("ticket 5 should acquire write lock: %+v", r5)
	}
	if result := s.ApplyPrepare(5, map[string][]byte{"K": []byte("v1")}); result != ErrOK {
		t.Fatalf("prepare 5: %v", result)
	}

	var r3 recordedReply
	s.TryLock(3, "broker", "K", LockWrite, true, syncReply(&r3))
	if r3.fired {
		t.Fatal("ticket 3 should queue, not fire immediately, while 5 holds a prepared write lock")
	}

	tickets := s.GetTickets("broker")
	if tickets[5] != TicketPrepared {
		t.Errorf("ticket 5 should remain prepared, got %v", tickets[5])
	}

	if result := s.ApplyCommit(5); result != ErrOK {
		t.Fatalf("commit 5: %v", result)
	}
	if !r3.fired || r3.err != ErrOK {
		t.Fatalf("ticket 3 should be granted once 5 commits and releases: %+v", r3)
	}
}

func TestLockExclusivity(t *testing.T) {
	s := newTestShard()

	var rReader recordedReply
	s.TryLock(1, "broker", "K", LockRead, true, syncReply(&rReader))
	var rReader2 recordedReply
	s.TryLock(2, "broker", "K", LockRead, true, syncReply(&rReader2))
	if !rReader.fired || !rReader2.fired || rReader.err != ErrOK || rReader2.err != ErrOK {
		t.Fatalf("both readers should be granted: %+v %+v", rReader, rReader2)
	}

	var rWriter recordedReply
	s.TryLock(3, "broker", "K", LockWrite, true, syncReply(&rWriter))
	if rWriter.fired {
		t.Fatal("writer should queue behind two readers, not be granted immediately")
	}
}

func TestRollbackReleasesAndDeletesTicket(t *testing.T) {
	s := newTestShard()

	var r5 recordedReply
	s.TryLock(5, "broker", "K", LockWrite, true, syncReply(&r5))
	var r3 recordedReply
	s.TryLock(3, "broker", "K", LockWrite, true, syncReply(&r3))
	if !r3.fired {
		t.Fatal("ticket 3 should have been granted after wounding 5")
	}

	if result := s.Rollback(3); result != ErrOK {
		t.Fatalf("rollback 3: %v", result)
	}
	if _, ok := s.GetTickets("broker")[3]; ok {
		t.Error("rolled-back ticket should be deleted")
	}

	var r7 recordedReply
	s.TryLock(7, "broker", "K", LockWrite, true, syncReply(&r7))
	if !r7.fired || r7.err != ErrOK {
		t.Fatalf("K should be free after rolling back its holder: %+v", r7)
	}
}

func TestApplyPrepareRejectsReadLockStateUpdate(t *testing.T) {
	s := newTestShard()
	var r recordedReply
	s.TryLock(1, "broker", "K", LockRead, true, syncReply(&r))
	if !r.fired || r.err != ErrOK {
		t.Fatalf("read lock should be granted: %+v", r)
	}
	result := s.ApplyPrepare(1, map[string][]byte{"K": []byte("x")})
	if result != ErrStateUpdateWithReadLock {
		t.Errorf("expected state_update_with_read_lock, got %v", result)
	}
}

func TestFinishRequiresCommitted(t *testing.T) {
	s := newTestShard()
	var r recordedReply
	s.TryLock(1, "broker", "K", LockWrite, true, syncReply(&r))
	if result := s.ApplyFinish(1); result != ErrNotCommitted {
		t.Errorf("expected not_committed, got %v", result)
	}
}
