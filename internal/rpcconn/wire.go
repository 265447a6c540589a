package rpcconn

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"net"
)

// frame is the wire envelope for every message, request or response.
type frame struct {
	RequestID uint64
	Method    string // empty on a response
	IsError   bool
	Payload   []byte
}

const maxFrameSize = 64 << 20 // 64MiB: generous CTX/batch upper bound

func writeFrame(w io.Writer, f frame) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(f); err != nil {
		return fmt.Errorf("rpcconn: encode frame: %w", err)
	}
	if buf.Len() > maxFrameSize {
		return fmt.Errorf("rpcconn: frame too large (%d bytes)", buf.Len())
	}
	var sizeHdr [4]byte
	binary.BigEndian.PutUint32(sizeHdr[:], uint32(buf.Len()))
	if _, err := w.Write(sizeHdr[:]); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func readFrame(r *bufio.Reader) (frame, error) {
	var f frame
	var sizeHdr [4]byte
	if _, err := io.ReadFull(r, sizeHdr[:]); err != nil {
		return f, err
	}
	size := binary.BigEndian.Uint32(sizeHdr[:])
	if size > maxFrameSize {
		return f, fmt.Errorf("rpcconn: frame too large (%d bytes)", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return f, err
	}
	if err := gob.NewDecoder(bytes.NewReader(buf)).Decode(&f); err != nil {
		return f, fmt.Errorf("rpcconn: decode frame: %w", err)
	}
	return f, nil
}

// Dial opens a TCP connection to addr for use as an rpcconn transport.
func Dial(addr string) (net.Conn, error) {
	return net.Dial("tcp", addr)
}
