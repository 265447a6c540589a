package coordstate

import (
	"encoding/gob"
	"io"
)

func encodeGetResult(w io.Writer, result GetResult) error {
	return gob.NewEncoder(w).Encode(result)
}

func decodeGetResult(r io.Reader, result *GetResult) error {
	return gob.NewDecoder(r).Decode(result)
}
