package rpcconn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStopped is returned to every pending and future call once Stop has
// been invoked, so a coordinator tearing down a locking-shard client never
// hangs waiting on a reply that will never arrive.
var ErrStopped = errors.New("rpcconn: client stopped")

// ErrTimeout is returned when a blocking Call's timeout elapses. The
// server-side work already dispatched is NOT cancelled by a timeout; this
// error only releases the caller.
var ErrTimeout = errors.New("rpcconn: call timed out")

type pendingCall struct {
	done     chan struct{}
	resp     []byte
	err      error
	callback func([]byte, error) // nil for blocking calls
}

// Client correlates requests with responses over a single persistent TCP
// connection, supporting both blocking (Call) and async (CallAsync) modes.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex
	nextID  uint64

	mu      sync.Mutex
	pending map[uint64]*pendingCall
	stopped bool

	closeOnce sync.Once
	done      chan struct{}
}

// NewClient wraps an established connection. The caller owns conn's
// lifecycle up to calling Stop, which closes it.
func NewClient(conn net.Conn) *Client {
	c := &Client{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		pending: make(map[uint64]*pendingCall),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// DialClient opens a TCP connection to addr and wraps it in a Client.
func DialClient(addr string) (*Client, error) {
	conn, err := Dial(addr)
	if err != nil {
		return nil, err
	}
	return NewClient(conn), nil
}

func (c *Client) readLoop() {
	for {
		f, err := readFrame(c.reader)
		if err != nil {
			c.failAllPending(fmt.Errorf("rpcconn: connection lost: %w", err))
			return
		}
		c.mu.Lock()
		pc, ok := c.pending[f.RequestID]
		if ok {
			delete(c.pending, f.RequestID)
		}
		c.mu.Unlock()
		if !ok {
			continue // response for a call we already gave up on (timeout)
		}
		var rerr error
		if f.IsError {
			rerr = errors.New(string(f.Payload))
		}
		if pc.callback != nil {
			pc.callback(f.Payload, rerr)
			continue
		}
		pc.resp, pc.err = f.Payload, rerr
		close(pc.done)
	}
}

func (c *Client) failAllPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]*pendingCall)
	c.mu.Unlock()
	for _, pc := range pending {
		if pc.callback != nil {
			pc.callback(nil, err)
		} else {
			pc.err = err
			close(pc.done)
		}
	}
}

func (c *Client) send(requestID uint64, method string, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.conn, frame{RequestID: requestID, Method: method, Payload: payload})
}

// Call sends req and blocks until a response arrives, ctx is done, or
// timeout elapses (whichever first). A timeout <= 0 means wait on ctx alone.
func (c *Client) Call(ctx context.Context, method string, req []byte, timeout time.Duration) ([]byte, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, ErrStopped
	}
	id := atomic.AddUint64(&c.nextID, 1)
	pc := &pendingCall{done: make(chan struct{})}
	c.pending[id] = pc
	c.mu.Unlock()

	if err := c.send(id, method, req); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timeoutCh = t.C
	}

	select {
	case <-pc.done:
		return pc.resp, pc.err
	case <-timeoutCh:
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ErrTimeout
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrStopped
	}
}

// CallAsync sends req and invokes callback once: from the client's read
// goroutine when a response arrives, or with an error when the connection
// is lost or the client stops. It never blocks the caller.
func (c *Client) CallAsync(method string, req []byte, callback func(resp []byte, err error)) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	id := atomic.AddUint64(&c.nextID, 1)
	pc := &pendingCall{done: make(chan struct{}), callback: callback}
	c.pending[id] = pc
	c.mu.Unlock()

	if err := c.send(id, method, req); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return err
	}
	return nil
}

// Stop unblocks every in-flight call with ErrStopped and closes the
// connection. Safe to call multiple times.
func (c *Client) Stop() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.stopped = true
		c.mu.Unlock()
		close(c.done)
		_ = c.conn.Close()
		c.failAllPending(ErrStopped)
	})
}
