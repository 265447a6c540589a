package runtimeshard

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/dreamware/settle/internal/rpcconn"
)

// Method names for the broker->runtime-locking-shard RPC.
const (
	MethodTryLock    = "try_lock"
	MethodPrepare    = "prepare"
	MethodCommit     = "commit"
	MethodRollback   = "rollback"
	MethodFinish     = "finish"
	MethodGetTickets = "get_tickets"
)

// ReplicatedLog is the subset of internal/replog.Log a runtime locking
// shard's RPC layer needs: prepare/commit/finish must run through the
// replicated log so every replica reaches the same ticket-table mutation;
// try_lock, rollback, and get_tickets never touch it.
type ReplicatedLog interface {
	Apply(cmd []byte, timeout time.Duration) (interface{}, error)
}

type tryLockReq struct {
	Ticket    uint64
	Broker    string
	Key       string
	Type      LockType
	FirstLock bool
}

type tryLockResp struct {
	Err     LockError
	Wounded *WoundedDetails
}

type prepareReq struct {
	Ticket      uint64
	Broker      string
	StateUpdate map[string][]byte
}

type ticketReq struct {
	Ticket uint64
}

type lockErrResp struct {
	Err LockError
}

type getTicketsReq struct {
	Broker string
}

type getTicketsResp struct {
	Tickets map[uint64]TicketState
}

// RegisterHandlers wires the six broker-facing RPC methods onto srv.
// try_lock is async (try_lock's own reply may not fire until a later queue
// sweep); prepare/commit/finish are synchronous handlers that replicate
// through log before returning; rollback and get_tickets are synchronous
// and local-only (rollback is deliberately never replicated: it leaves no
// durable state).
func RegisterHandlers(srv *rpcconn.Server, shard *Shard, log ReplicatedLog, applyTimeout time.Duration) {
	srv.HandleAsync(MethodTryLock, func(req []byte, reply func([]byte, error)) bool {
		var in tryLockReq
		if err := decodeGob(req, &in); err != nil {
			return false
		}
		shard.TryLock(in.Ticket, in.Broker, in.Key, in.Type, in.FirstLock, func(e LockError, wd *WoundedDetails) {
			resp, err := encodeGob(tryLockResp{Err: e, Wounded: wd})
			reply(resp, err)
		})
		return true
	})

	srv.HandleSync(MethodPrepare, func(req []byte) ([]byte, error) {
		var in prepareReq
		if err := decodeGob(req, &in); err != nil {
			return nil, err
		}
		cmd := Command{Type: CmdPrepare, Ticket: in.Ticket, Broker: in.Broker, StateUpdate: in.StateUpdate}
		data, err := cmd.Encode()
		if err != nil {
			return nil, err
		}
		result, err := log.Apply(data, applyTimeout)
		if err != nil {
			return nil, fmt.Errorf("runtimeshard: prepare: %w", err)
		}
		return encodeGob(lockErrResp{Err: result.(LockError)})
	})

	srv.HandleSync(MethodCommit, func(req []byte) ([]byte, error) {
		var in ticketReq
		if err := decodeGob(req, &in); err != nil {
			return nil, err
		}
		cmd := Command{Type: CmdCommit, Ticket: in.Ticket}
		data, err := cmd.Encode()
		if err != nil {
			return nil, err
		}
		result, err := log.Apply(data, applyTimeout)
		if err != nil {
			return nil, fmt.Errorf("runtimeshard: commit: %w", err)
		}
		return encodeGob(lockErrResp{Err: result.(LockError)})
	})

	srv.HandleSync(MethodFinish, func(req []byte) ([]byte, error) {
		var in ticketReq
		if err := decodeGob(req, &in); err != nil {
			return nil, err
		}
		cmd := Command{Type: CmdFinish, Ticket: in.Ticket}
		data, err := cmd.Encode()
		if err != nil {
			return nil, err
		}
		result, err := log.Apply(data, applyTimeout)
		if err != nil {
			return nil, fmt.Errorf("runtimeshard: finish: %w", err)
		}
		return encodeGob(lockErrResp{Err: result.(LockError)})
	})

	srv.HandleSync(MethodRollback, func(req []byte) ([]byte, error) {
		var in ticketReq
		if err := decodeGob(req, &in); err != nil {
			return nil, err
		}
		return encodeGob(lockErrResp{Err: shard.Rollback(in.Ticket)})
	})

	srv.HandleSync(MethodGetTickets, func(req []byte) ([]byte, error) {
		var in getTicketsReq
		if err := decodeGob(req, &in); err != nil {
			return nil, err
		}
		return encodeGob(getTicketsResp{Tickets: shard.GetTickets(in.Broker)})
	})
}

// BrokerClient implements the broker side of the ticket RPC over
// internal/rpcconn, for out-of-process brokers and for exercising
// RegisterHandlers in tests without standing up the broker itself (the
// broker's orchestration logic is an external collaborator — only the RPC
// surface it calls lives here).
type BrokerClient struct {
	client  *rpcconn.Client
	timeout time.Duration
}

// DialBrokerClient opens a persistent connection to a runtime locking
// shard's RPC listener.
func DialBrokerClient(addr string, timeout time.Duration) (*BrokerClient, error) {
	c, err := rpcconn.DialClient(addr)
	if err != nil {
		return nil, fmt.Errorf("runtimeshard: dial %s: %w", addr, err)
	}
	return &BrokerClient{client: c, timeout: timeout}, nil
}

// Stop unblocks any in-flight call and closes the connection.
func (b *BrokerClient) Stop() { b.client.Stop() }

// TryLock calls try_lock asynchronously: the broker supplies its own
// continuation since a queued lock's reply may arrive well after this call
// returns.
func (b *BrokerClient) TryLock(ticket uint64, broker, key string, lt LockType, firstLock bool, reply func(LockError, *WoundedDetails, error)) error {
	payload, err := encodeGob(tryLockReq{Ticket: ticket, Broker: broker, Key: key, Type: lt, FirstLock: firstLock})
	if err != nil {
		return err
	}
	return b.client.CallAsync(MethodTryLock, payload, func(respData []byte, callErr error) {
		if callErr != nil {
			reply(ErrInternal, nil, callErr)
			return
		}
		var resp tryLockResp
		if err := decodeGob(respData, &resp); err != nil {
			reply(ErrInternal, nil, err)
			return
		}
		reply(resp.Err, resp.Wounded, nil)
	})
}

func (b *BrokerClient) callTicket(method string, ticket uint64) (LockError, error) {
	payload, err := encodeGob(ticketReq{Ticket: ticket})
	if err != nil {
		return ErrInternal, err
	}
	respData, err := b.client.Call(context.Background(), method, payload, b.timeout)
	if err != nil {
		return ErrInternal, fmt.Errorf("runtimeshard: %s: %w", method, err)
	}
	var resp lockErrResp
	if err := decodeGob(respData, &resp); err != nil {
		return ErrInternal, err
	}
	return resp.Err, nil
}

// Prepare calls prepare. broker is echoed into the replicated command so a
// follower that never saw this ticket's try_lock calls can still answer
// get_tickets for it after replay.
func (b *BrokerClient) Prepare(ticket uint64, broker string, stateUpdate map[string][]byte) (LockError, error) {
	payload, err := encodeGob(prepareReq{Ticket: ticket, Broker: broker, StateUpdate: stateUpdate})
	if err != nil {
		return ErrInternal, err
	}
	respData, err := b.client.Call(context.Background(), MethodPrepare, payload, b.timeout)
	if err != nil {
		return ErrInternal, fmt.Errorf("runtimeshard: prepare: %w", err)
	}
	var resp lockErrResp
	if err := decodeGob(respData, &resp); err != nil {
		return ErrInternal, err
	}
	return resp.Err, nil
}

// Commit calls commit.
func (b *BrokerClient) Commit(ticket uint64) (LockError, error) { return b.callTicket(MethodCommit, ticket) }

// Rollback calls rollback.
func (b *BrokerClient) Rollback(ticket uint64) (LockError, error) {
	return b.callTicket(MethodRollback, ticket)
}

// Finish calls finish.
func (b *BrokerClient) Finish(ticket uint64) (LockError, error) { return b.callTicket(MethodFinish, ticket) }

// GetTickets calls get_tickets, used by a broker resuming after a restart
// to learn which tickets it still owns.
func (b *BrokerClient) GetTickets(broker string) (map[uint64]TicketState, error) {
	payload, err := encodeGob(getTicketsReq{Broker: broker})
	if err != nil {
		return nil, err
	}
	respData, err := b.client.Call(context.Background(), MethodGetTickets, payload, b.timeout)
	if err != nil {
		return nil, fmt.Errorf("runtimeshard: get_tickets: %w", err)
	}
	var resp getTicketsResp
	if err := decodeGob(respData, &resp); err != nil {
		return nil, err
	}
	return resp.Tickets, nil
}

func encodeGob(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("runtimeshard: encode: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeGob(data []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("runtimeshard: decode: %w", err)
	}
	return nil
}
