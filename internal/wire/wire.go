// Package wire holds the canonical CBOR codec shared by every wire format
// and persisted record. Encoding is deterministic: re-encoding a decoded
// value yields identical bytes, which signatures depend on.
package wire

import (
	"github.com/aura-labs/aura"
	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Marshal encodes v canonically.
func Marshal(v interface{}) ([]byte, error) {
	buf, err := encMode.Marshal(v)
	if err != nil {
		return nil, aura.Errorf(aura.KindInvalidFormat, "cbor encode: %v", err)
	}
	return buf, nil
}

// MustMarshal is Marshal for values whose encoding cannot fail, i.e. plain
// structs of fixed types.
func MustMarshal(v interface{}) []byte {
	buf, err := Marshal(v)
	if err != nil {
		panic(err)
	}
	return buf
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v interface{}) error {
	if err := decMode.Unmarshal(data, v); err != nil {
		return aura.Errorf(aura.KindInvalidFormat, "cbor decode: %v", err)
	}
	return nil
}

// RawMessage is an encoded value kept opaque until its type is known.
type RawMessage = cbor.RawMessage
