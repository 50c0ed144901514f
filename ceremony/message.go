package ceremony

import (
	"github.com/aura-labs/aura"
	"github.com/aura-labs/aura/crypto"
	"github.com/aura-labs/aura/crypto/frost"
	"github.com/aura-labs/aura/internal/wire"
	"github.com/aura-labs/aura/tree"
	"go.dedis.ch/kyber/v3"
)

// Message is the ceremony wire enum: exactly one variant is set.
type Message struct {
	Ceremony    crypto.Hash32 `cbor:"1,keyasint"`
	Execute     *Execute      `cbor:"2,keyasint,omitempty"`
	NonceCommit *NonceCommit  `cbor:"3,keyasint,omitempty"`
	SignRequest *SignRequest  `cbor:"4,keyasint,omitempty"`
	SignShare   *SignShare    `cbor:"5,keyasint,omitempty"`
	CommitFact  *CommitFact   `cbor:"6,keyasint,omitempty"`
}

// Execute opens a ceremony at the signers.
type Execute struct {
	Prestate      crypto.Hash32    `cbor:"1,keyasint"`
	OperationHash crypto.Hash32    `cbor:"2,keyasint"`
	// Operation is the encoded unattested TreeOp, postcondition included.
	Operation   []byte           `cbor:"3,keyasint"`
	Epoch       tree.Epoch       `cbor:"4,keyasint"`
	Coordinator aura.AuthorityID `cbor:"5,keyasint"`
	Signers     []tree.LeafIndex `cbor:"6,keyasint"`
	Round       uint8            `cbor:"7,keyasint"`
}

// NonceCommit carries the public nonce pair of a signer for a round.
type NonceCommit struct {
	Signer tree.LeafIndex `cbor:"1,keyasint"`
	Round  uint8          `cbor:"2,keyasint"`
	D      []byte         `cbor:"3,keyasint"`
	E      []byte         `cbor:"4,keyasint"`
}

// SignRequest hands the commitment list of a round to the signers.
type SignRequest struct {
	Round       uint8         `cbor:"1,keyasint"`
	Commitments []NonceCommit `cbor:"2,keyasint"`
}

// SignShare is a partial signature.
type SignShare struct {
	Signer tree.LeafIndex `cbor:"1,keyasint"`
	Round  uint8          `cbor:"2,keyasint"`
	Share  []byte         `cbor:"3,keyasint"`
}

// CommitFact announces the attested operation of a ceremony.
type CommitFact struct {
	Prestate      crypto.Hash32    `cbor:"1,keyasint"`
	OperationHash crypto.Hash32    `cbor:"2,keyasint"`
	Operation     []byte           `cbor:"3,keyasint"`
	Coordinator   aura.AuthorityID `cbor:"4,keyasint"`
}

// Kind names the set variant.
func (m *Message) Kind() string {
	switch {
	case m.Execute != nil:
		return "Execute"
	case m.NonceCommit != nil:
		return "NonceCommit"
	case m.SignRequest != nil:
		return "SignRequest"
	case m.SignShare != nil:
		return "SignShare"
	case m.CommitFact != nil:
		return "CommitFact"
	}
	return "Empty"
}

func (m *Message) variants() int {
	n := 0
	for _, set := range []bool{m.Execute != nil, m.NonceCommit != nil, m.SignRequest != nil,
		m.SignShare != nil, m.CommitFact != nil} {
		if set {
			n++
		}
	}
	return n
}

// Encode returns the canonical encoding of m.
func (m *Message) Encode() ([]byte, error) {
	if m.variants() != 1 {
		return nil, aura.Errorf(aura.KindInvalid, "ceremony message with %d variants", m.variants())
	}
	return wire.Marshal(m)
}

// Decode reads a ceremony message.
func Decode(buf []byte) (*Message, error) {
	m := &Message{}
	if err := wire.Unmarshal(buf, m); err != nil {
		return nil, err
	}
	if m.variants() != 1 {
		return nil, aura.Errorf(aura.KindInvalidFormat, "ceremony message with %d variants", m.variants())
	}
	return m, nil
}

func encodeCommitment(round uint8, c *frost.Commitment) NonceCommit {
	return NonceCommit{
		Signer: tree.LeafIndex(c.Index),
		Round:  round,
		D:      crypto.PointBytes(c.D),
		E:      crypto.PointBytes(c.E),
	}
}

// Commitment decodes the nonce commitment.
func (nc *NonceCommit) Commitment() (*frost.Commitment, error) {
	d, err := crypto.PointFromBytes(nc.D)
	if err != nil {
		return nil, err
	}
	e, err := crypto.PointFromBytes(nc.E)
	if err != nil {
		return nil, err
	}
	return &frost.Commitment{Index: int(nc.Signer), D: d, E: e}, nil
}

func decodeCommitments(ncs []NonceCommit) ([]*frost.Commitment, error) {
	cs := make([]*frost.Commitment, 0, len(ncs))
	seen := make(map[tree.LeafIndex]bool)
	for i := range ncs {
		if seen[ncs[i].Signer] {
			return nil, aura.Errorf(aura.KindInvalidFormat, "duplicate commitment of %d", ncs[i].Signer)
		}
		seen[ncs[i].Signer] = true
		c, err := ncs[i].Commitment()
		if err != nil {
			return nil, err
		}
		cs = append(cs, c)
	}
	frost.SortCommitments(cs)
	return cs, nil
}

func encodeShare(signer tree.LeafIndex, round uint8, z kyber.Scalar) *SignShare {
	return &SignShare{Signer: signer, Round: round, Share: frost.EncodeScalar(z)}
}
