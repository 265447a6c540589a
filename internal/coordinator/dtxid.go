package coordinator

import (
	"crypto/rand"
	"fmt"

	"github.com/dreamware/settle/internal/txtypes"
)

// NewDtxID mints a fresh random dtx identifier. Unlike
// TxID/UHSID it is not derived from content — it only needs to be globally
// unique, not reproducible.
func NewDtxID() txtypes.DtxID {
	var id txtypes.DtxID
	if _, err := rand.Read(id[:]); err != nil {
		// crypto/rand.Read failing means the OS entropy source is broken;
		// nothing downstream can proceed correctly.
		panic(fmt.Sprintf("coordinator: crypto/rand failure: %v", err))
	}
	return id
}
