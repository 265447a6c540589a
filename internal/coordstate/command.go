package coordstate

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/dreamware/settle/internal/txtypes"
)

// CommandType selects which of the five coordinator commands a replicated
// log entry carries.
type CommandType byte

const (
	CmdPrepare CommandType = iota
	CmdCommit
	CmdDiscard
	CmdDone
	CmdGet
)

func (t CommandType) String() string {
	switch t {
	case CmdPrepare:
		return "prepare"
	case CmdCommit:
		return "commit"
	case CmdDiscard:
		return "discard"
	case CmdDone:
		return "done"
	case CmdGet:
		return "get"
	default:
		return "unknown"
	}
}

// Command is the gob-encoded payload of one raft log entry.
type Command struct {
	Type       CommandType
	DtxID      txtypes.DtxID
	Batch      []txtypes.CTX  // CmdPrepare
	Complete   []bool         // CmdCommit
	ShardIndex map[byte][]int // CmdPrepare and CmdCommit
}

// Encode serializes cmd for raft.Raft.Apply.
func (c Command) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(c); err != nil {
		return nil, fmt.Errorf("coordstate: encode command: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeCommand deserializes a raft log entry's data.
func DecodeCommand(data []byte) (Command, error) {
	var c Command
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&c); err != nil {
		return Command{}, fmt.Errorf("coordstate: decode command: %w", err)
	}
	return c, nil
}
