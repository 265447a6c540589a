package main

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/dreamware/settle/internal/coordinator"
	"github.com/dreamware/settle/internal/rpcconn"
	"github.com/dreamware/settle/internal/txtypes"
)

// methodSubmitCTX is the sentinel admission RPC's method name.
const methodSubmitCTX = "submit_ctx"

// admissionTimeout bounds how long Submit may block a caller on backpressure
// before the RPC call itself times out; the caller's own retry policy (or
// the watchtower path) takes over from there.
const admissionTimeout = 30 * time.Second

// registerAdmissionHandler wires the sentinel-facing RPC onto srv: a
// serialized CTX in, a completed/aborted boolean out, or an RPC-level error
// if the controller could not resolve an outcome (not leader, recovering,
// or the driver failed and left the dtx for a future leader). A leader
// failure that would otherwise leave the caller with no response at all
// maps to a call error here,
// since an RPC transport always owes its caller some response or timeout.
func registerAdmissionHandler(srv *rpcconn.Server, ctl *coordinator.Controller) {
	srv.HandleSync(methodSubmitCTX, func(req []byte) ([]byte, error) {
		var txn txtypes.CTX
		if err := gob.NewDecoder(bytes.NewReader(req)).Decode(&txn); err != nil {
			return nil, fmt.Errorf("coordinator: decode ctx: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), admissionTimeout)
		defer cancel()

		outcome, err := ctl.Submit(ctx, txn)
		if err != nil {
			return nil, err
		}
		if outcome == coordinator.OutcomeUnknown {
			return nil, fmt.Errorf("coordinator: dtx outcome unknown, retry via watchtower")
		}

		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(outcome == coordinator.OutcomeCompleted); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	})
}
