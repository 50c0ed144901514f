package amp

import (
	"encoding/binary"

	"github.com/aura-labs/aura"
	"github.com/aura-labs/aura/internal/wire"
)

// SchemaVersion is the only message schema understood.
const SchemaVersion = 1

// MaxMessageSize bounds a serialized message.
const MaxMessageSize = 1 << 20

// Message is a sealed channel message.
type Message struct {
	SchemaVersion uint16 `cbor:"1,keyasint"`
	Header        Header `cbor:"2,keyasint"`
	Payload       []byte `cbor:"3,keyasint"`
}

// SerializeMessage returns a 4 byte big-endian length followed by the
// canonical CBOR of m.
func SerializeMessage(m *Message) ([]byte, error) {
	if m.SchemaVersion != SchemaVersion {
		return nil, aura.Errorf(aura.KindInvalidFormat, "schema version %d", m.SchemaVersion)
	}
	body, err := wire.Marshal(m)
	if err != nil {
		return nil, err
	}
	if len(body) > MaxMessageSize {
		return nil, aura.Errorf(aura.KindInvalid, "message of %d bytes", len(body))
	}
	out := make([]byte, 4, 4+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	return append(out, body...), nil
}

// DeserializeMessage reads a message written by SerializeMessage.
func DeserializeMessage(buf []byte) (*Message, error) {
	if len(buf) < 4 {
		return nil, aura.NewError(aura.KindInvalidFormat, "short message")
	}
	n := binary.BigEndian.Uint32(buf)
	if n > MaxMessageSize || int(n) != len(buf)-4 {
		return nil, aura.Errorf(aura.KindInvalidFormat, "length prefix %d for %d bytes", n, len(buf)-4)
	}
	m := &Message{}
	if err := wire.Unmarshal(buf[4:], m); err != nil {
		return nil, err
	}
	if m.SchemaVersion != SchemaVersion {
		return nil, aura.Errorf(aura.KindInvalidFormat, "unknown schema version %d", m.SchemaVersion)
	}
	return m, nil
}
