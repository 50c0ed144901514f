package tree

import (
	"encoding/binary"
	"fmt"

	"github.com/aura-labs/aura"
	"github.com/aura-labs/aura/crypto"
	"github.com/aura-labs/aura/internal/wire"
)

// OpKind enumerates the tree operations.
type OpKind uint8

// Operation kinds.
const (
	OpAddLeaf OpKind = iota + 1
	OpRemoveLeaf
	OpChangePolicy
	OpRotateEpoch
	OpRecovery
)

func (k OpKind) String() string {
	switch k {
	case OpAddLeaf:
		return "AddLeaf"
	case OpRemoveLeaf:
		return "RemoveLeaf"
	case OpChangePolicy:
		return "ChangePolicy"
	case OpRotateEpoch:
		return "RotateEpoch"
	case OpRecovery:
		return "Recovery"
	}
	return fmt.Sprintf("OpKind(%d)", uint8(k))
}

// TreeOp is an attested operation pinned to the tree state it was
// authored against.
type TreeOp struct {
	Kind          OpKind        `cbor:"1,keyasint"`
	Prestate      crypto.Hash32 `cbor:"2,keyasint"`
	Postcondition crypto.Hash32 `cbor:"3,keyasint"`
	// Operation is the canonical encoding of the kind's body.
	Operation   []byte       `cbor:"4,keyasint"`
	Attestation *Attestation `cbor:"5,keyasint,omitempty"`
}

// Attestation is the threshold signature of a set of leaves over the
// attestation message.
type Attestation struct {
	Signature []byte      `cbor:"1,keyasint"`
	Signers   []LeafIndex `cbor:"2,keyasint"`
}

// AddLeaf adds a device.
type AddLeaf struct {
	Authority aura.AuthorityID `cbor:"1,keyasint"`
	PublicKey []byte           `cbor:"2,keyasint"`
}

// RemoveLeaf blanks a device's leaf.
type RemoveLeaf struct {
	Leaf LeafIndex `cbor:"1,keyasint"`
}

// ChangePolicy replaces the policy of the branch at Path ("" is the root,
// then 'L' and 'R' steps).
type ChangePolicy struct {
	Path   string `cbor:"1,keyasint"`
	Policy Policy `cbor:"2,keyasint"`
}

// RotateEpoch only advances the epoch, rekeying every channel.
type RotateEpoch struct {
	Reason string `cbor:"1,keyasint,omitempty"`
}

// Recovery applies a guardian recovery grant.
type Recovery struct {
	Grant RecoveryGrant `cbor:"1,keyasint"`
}

// RecoveryGrant is produced by the guardians of an account once a
// threshold of them approved a recovery.
type RecoveryGrant struct {
	AccountOld aura.AuthorityID `cbor:"1,keyasint"`
	AccountNew aura.AuthorityID `cbor:"2,keyasint"`
	// Guardian initiated the recovery.
	Guardian aura.AuthorityID `cbor:"3,keyasint"`
	// Operation is the encoded RecoveryAction.
	Operation        []byte             `cbor:"4,keyasint"`
	ConsensusProof   []GuardianApproval `cbor:"5,keyasint"`
	IssuedAtMs       uint64             `cbor:"6,keyasint"`
	DisputeWindowEnd uint64             `cbor:"7,keyasint"`
	// Proof is the Schnorr signature of the digest under the recovery
	// key the guardians' shares reconstruct.
	Proof []byte `cbor:"8,keyasint,omitempty"`
}

// GuardianApproval is one guardian's signature over the grant digest.
type GuardianApproval struct {
	Guardian   aura.AuthorityID `cbor:"1,keyasint"`
	Signature  []byte           `cbor:"2,keyasint"`
	IssuedAtMs uint64           `cbor:"3,keyasint"`
}

// RecoveryAction is the new device set installed by a recovery.
type RecoveryAction struct {
	Authorities []aura.AuthorityID `cbor:"1,keyasint"`
	PublicKeys  [][]byte           `cbor:"2,keyasint"`
	Threshold   uint16             `cbor:"3,keyasint"`
	GroupKey    []byte             `cbor:"4,keyasint"`
}

// Digest is what guardians sign: the grant without its proof.
func (g *RecoveryGrant) Digest() crypto.Hash32 {
	return crypto.NewHasher("RECOVERY_GRANT").
		Bytes(g.AccountOld[:]).Bytes(g.AccountNew[:]).Bytes(g.Guardian[:]).
		Prefixed(g.Operation).U64(g.IssuedAtMs).U64(g.DisputeWindowEnd).Sum()
}

// Action decodes the grant's operation.
func (g *RecoveryGrant) Action() (*RecoveryAction, error) {
	act := &RecoveryAction{}
	if err := wire.Unmarshal(g.Operation, act); err != nil {
		return nil, err
	}
	return act, nil
}

// NewOp encodes body into an unattested operation against prestate.
func NewOp(prestate crypto.Hash32, body interface{}) (*TreeOp, error) {
	var kind OpKind
	switch body.(type) {
	case *AddLeaf:
		kind = OpAddLeaf
	case *RemoveLeaf:
		kind = OpRemoveLeaf
	case *ChangePolicy:
		kind = OpChangePolicy
	case *RotateEpoch:
		kind = OpRotateEpoch
	case *Recovery:
		kind = OpRecovery
	default:
		return nil, aura.Errorf(aura.KindInvalid, "unknown operation body %T", body)
	}
	buf, err := wire.Marshal(body)
	if err != nil {
		return nil, err
	}
	return &TreeOp{Kind: kind, Prestate: prestate, Operation: buf}, nil
}

// Body decodes the operation body according to the kind.
func (op *TreeOp) Body() (interface{}, error) {
	var body interface{}
	switch op.Kind {
	case OpAddLeaf:
		body = &AddLeaf{}
	case OpRemoveLeaf:
		body = &RemoveLeaf{}
	case OpChangePolicy:
		body = &ChangePolicy{}
	case OpRotateEpoch:
		body = &RotateEpoch{}
	case OpRecovery:
		body = &Recovery{}
	default:
		return nil, aura.Errorf(aura.KindInvalidFormat, "unknown operation kind %d", op.Kind)
	}
	if err := wire.Unmarshal(op.Operation, body); err != nil {
		return nil, err
	}
	return body, nil
}

// OperationHash identifies the operation independently of its
// attestation.
func (op *TreeOp) OperationHash() crypto.Hash32 {
	return crypto.NewHasher("TREE_OP").U16(uint16(op.Kind)).Prefixed(op.Operation).Sum()
}

// Hash identifies the whole operation, attestation included.
func (op *TreeOp) Hash() crypto.Hash32 {
	return crypto.Hash(wire.MustMarshal(op))
}

// AttestationMessage returns M = operation_hash || prestate_hash ||
// epoch_le, the message signed by a ceremony. The epoch is the one of
// the prestate.
func AttestationMessage(opHash, prestate crypto.Hash32, epoch Epoch) []byte {
	m := make([]byte, 0, 72)
	m = append(m, opHash[:]...)
	m = append(m, prestate[:]...)
	var e [8]byte
	binary.LittleEndian.PutUint64(e[:], uint64(epoch))
	return append(m, e[:]...)
}

// DeviceID derives the authority id of a device from its public key, for
// callers that have no id of their own.
func DeviceID(publicKey []byte) aura.AuthorityID {
	var id aura.AuthorityID
	h := crypto.NewHasher("DEVICE_ID").Bytes(publicKey).Sum()
	copy(id[:], h[:16])
	return id
}
