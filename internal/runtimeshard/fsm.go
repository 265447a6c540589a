package runtimeshard

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/hashicorp/raft"
)

// CommandType selects which of the three replicated operations a log
// entry carries. try_lock and rollback are deliberately absent: they
// leave no durable state.
type CommandType byte

const (
	CmdPrepare CommandType = iota
	CmdCommit
	CmdFinish
)

// Command is the gob-encoded payload of one raft log entry targeting a
// runtime locking shard.
type Command struct {
	Type        CommandType
	Ticket      uint64
	Broker      string            // CmdPrepare, so a restored ticket answers get_tickets
	StateUpdate map[string][]byte // CmdPrepare
}

// Encode serializes cmd for raft.Raft.Apply.
func (c Command) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(c); err != nil {
		return nil, fmt.Errorf("runtimeshard: encode command: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeCommand deserializes a raft log entry's data.
func DecodeCommand(data []byte) (Command, error) {
	var c Command
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&c); err != nil {
		return Command{}, fmt.Errorf("runtimeshard: decode command: %w", err)
	}
	return c, nil
}

// Apply implements raft.FSM. It is the only path through which
// ApplyPrepare/ApplyCommit/ApplyFinish run in production, so every replica
// reaches the identical lock-table and store mutation.
func (s *Shard) Apply(entry *raft.Log) interface{} {
	cmd, err := DecodeCommand(entry.Data)
	if err != nil {
		return ErrInternal
	}

	switch cmd.Type {
	case CmdPrepare:
		s.mu.Lock()
		if _, ok := s.tickets[cmd.Ticket]; !ok {
			// A prepare replicated before this replica ever saw the
			// corresponding try_lock calls (e.g. a follower catching up):
			// reconstruct a minimal ticket record so ApplyPrepare's checks
			// against locksHeld still make sense once replayed in order.
			s.tickets[cmd.Ticket] = newTicketRecord(cmd.Ticket, cmd.Broker)
			for key := range cmd.StateUpdate {
				s.tickets[cmd.Ticket].locksHeld[key] = LockWrite
			}
		}
		s.mu.Unlock()
		return s.ApplyPrepare(cmd.Ticket, cmd.StateUpdate)
	case CmdCommit:
		return s.ApplyCommit(cmd.Ticket)
	case CmdFinish:
		return s.ApplyFinish(cmd.Ticket)
	default:
		return ErrInternal
	}
}

type snapshotTicket struct {
	Ticket      uint64
	Broker      string
	State       TicketState
	StateUpdate map[string][]byte
}

type fsmSnapshotData struct {
	Tickets []snapshotTicket
}

// Snapshot implements raft.FSM. As with internal/coordstate, this exists so
// raft tolerates being asked for one; correctness never depends on it.
// Key values live in the Store, which the snapshot does not duplicate.
func (s *Shard) Snapshot() (raft.FSMSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := fsmSnapshotData{Tickets: make([]snapshotTicket, 0, len(s.tickets))}
	for _, t := range s.tickets {
		if t.state == TicketPrepared || t.state == TicketCommitted {
			data.Tickets = append(data.Tickets, snapshotTicket{
				Ticket: t.number, Broker: t.brokerID, State: t.state, StateUpdate: t.stateUpdate,
			})
		}
	}
	return &fsmSnapshot{data: data}, nil
}

// Restore implements raft.FSM: a restored shard reconstructs the held
// write locks a prepared ticket's pending state update implies, so lock
// ownership survives leader changes.
func (s *Shard) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var data fsmSnapshotData
	if err := gob.NewDecoder(rc).Decode(&data); err != nil {
		return fmt.Errorf("runtimeshard: restore snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets = make(map[uint64]*ticketRecord, len(data.Tickets))
	s.keys = make(map[string]*keyState)
	for _, st := range data.Tickets {
		t := newTicketRecord(st.Ticket, st.Broker)
		t.state = st.State
		t.stateUpdate = st.StateUpdate
		if st.State == TicketPrepared {
			for key := range st.StateUpdate {
				t.locksHeld[key] = LockWrite
				ks, ok := s.keys[key]
				if !ok {
					ks = newKeyState()
					s.keys[key] = ks
				}
				tn := st.Ticket
				ks.writer = &tn
			}
		}
		s.tickets[st.Ticket] = t
	}
	return nil
}

type fsmSnapshot struct {
	data fsmSnapshotData
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := gob.NewEncoder(sink).Encode(s.data); err != nil {
		_ = sink.Cancel()
		return fmt.Errorf("runtimeshard: persist snapshot: %w", err)
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
