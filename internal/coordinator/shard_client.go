package coordinator

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/dreamware/settle/internal/rpcconn"
	"github.com/dreamware/settle/internal/txtypes"
)

// Method names for the coordinator→locking-shard RPC.
const (
	methodLockOutputs  = "lock_outputs"
	methodApplyOutputs = "apply_outputs"
	methodDiscardDtx   = "discard_dtx"
)

type lockOutputsReq struct {
	DtxID txtypes.DtxID
	Slice []txtypes.CTX
}

type lockOutputsResp struct {
	Bitmap []bool
}

type applyOutputsReq struct {
	DtxID    txtypes.DtxID
	Complete []bool
}

type discardDtxReq struct {
	DtxID txtypes.DtxID
}

// ShardClient implements internal/dtx.LockingShard over internal/rpcconn,
// for a coordinator process talking to an out-of-process cmd/lockshard.
// In-process tests use internal/lockshard.Shard directly instead, since it
// already satisfies the same interface.
type ShardClient struct {
	client  *rpcconn.Client
	timeout time.Duration
}

// DialShardClient opens a persistent connection to a locking shard's RPC
// listener.
func DialShardClient(addr string, timeout time.Duration) (*ShardClient, error) {
	c, err := rpcconn.DialClient(addr)
	if err != nil {
		return nil, fmt.Errorf("coordinator: dial shard %s: %w", addr, err)
	}
	return &ShardClient{client: c, timeout: timeout}, nil
}

// Stop unblocks any in-flight call and closes the connection, so a
// shutting-down coordinator can tear down its drivers cleanly.
func (s *ShardClient) Stop() { s.client.Stop() }

func (s *ShardClient) LockOutputs(dtxID txtypes.DtxID, slice []txtypes.CTX) ([]bool, error) {
	payload, err := encodeGob(lockOutputsReq{DtxID: dtxID, Slice: slice})
	if err != nil {
		return nil, err
	}
	respData, err := s.client.Call(context.Background(), methodLockOutputs, payload, s.timeout)
	if err != nil {
		return nil, fmt.Errorf("coordinator: lock_outputs: %w", err)
	}
	var resp lockOutputsResp
	if err := decodeGob(respData, &resp); err != nil {
		return nil, err
	}
	return resp.Bitmap, nil
}

func (s *ShardClient) ApplyOutputs(dtxID txtypes.DtxID, complete []bool) error {
	payload, err := encodeGob(applyOutputsReq{DtxID: dtxID, Complete: complete})
	if err != nil {
		return err
	}
	if _, err := s.client.Call(context.Background(), methodApplyOutputs, payload, s.timeout); err != nil {
		return fmt.Errorf("coordinator: apply_outputs: %w", err)
	}
	return nil
}

func (s *ShardClient) DiscardDtx(dtxID txtypes.DtxID) error {
	payload, err := encodeGob(discardDtxReq{DtxID: dtxID})
	if err != nil {
		return err
	}
	if _, err := s.client.Call(context.Background(), methodDiscardDtx, payload, s.timeout); err != nil {
		return fmt.Errorf("coordinator: discard_dtx: %w", err)
	}
	return nil
}

func encodeGob(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("coordinator: encode: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeGob(data []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("coordinator: decode: %w", err)
	}
	return nil
}

// RegisterShardHandlers wires lock_outputs/apply_outputs/discard_dtx onto
// srv, dispatching to shard — the cmd/lockshard side of this RPC.
func RegisterShardHandlers(srv *rpcconn.Server, shard interface {
	LockOutputs(txtypes.DtxID, []txtypes.CTX) ([]bool, error)
	ApplyOutputs(txtypes.DtxID, []bool) error
	DiscardDtx(txtypes.DtxID) error
}) {
	srv.HandleSync(methodLockOutputs, func(req []byte) ([]byte, error) {
		var in lockOutputsReq
		if err := decodeGob(req, &in); err != nil {
			return nil, err
		}
		bitmap, err := shard.LockOutputs(in.DtxID, in.Slice)
		if err != nil {
			return nil, err
		}
		return encodeGob(lockOutputsResp{Bitmap: bitmap})
	})

	srv.HandleSync(methodApplyOutputs, func(req []byte) ([]byte, error) {
		var in applyOutputsReq
		if err := decodeGob(req, &in); err != nil {
			return nil, err
		}
		if err := shard.ApplyOutputs(in.DtxID, in.Complete); err != nil {
			return nil, err
		}
		return nil, nil
	})

	srv.HandleSync(methodDiscardDtx, func(req []byte) ([]byte, error) {
		var in discardDtxReq
		if err := decodeGob(req, &in); err != nil {
			return nil, err
		}
		if err := shard.DiscardDtx(in.DtxID); err != nil {
			return nil, err
		}
		return nil, nil
	})
}
