package bus

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// encodeItem encodes a stored queue entry with deterministic CBOR, so the
// same item always produces the same bytes.
func encodeItem(v any) ([]byte, error) {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("encode item: %w", err)
	}
	return em.Marshal(v)
}

// decodeItem decodes a CBOR-encoded queue entry into out.
func decodeItem(data []byte, out any) error {
	return cbor.Unmarshal(data, out)
}
