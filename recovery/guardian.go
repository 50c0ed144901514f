// Package recovery lets the guardians of an account restore it when its
// devices can no longer reach the signing quorum.
//
// At setup the account deals shares of a recovery key to its guardians.
// A recovery collects the guardians' approvals together with their shares;
// once a threshold of valid ones is in, the initiator reconstructs the
// recovery key, signs the grant with it and waits for the dispute window
// to close before the grant is applied to the tree.
package recovery

import (
	"crypto/cipher"
	"encoding/binary"

	"github.com/aura-labs/aura"
	"github.com/aura-labs/aura/crypto"
	"github.com/aura-labs/aura/crypto/frost"
	"github.com/aura-labs/aura/tree"
	"go.dedis.ch/kyber/v3"
)

// Guardian is a member of a guardian set.
type Guardian struct {
	ID        aura.AuthorityID `cbor:"1,keyasint"`
	PublicKey []byte           `cbor:"2,keyasint"`
	// SharePublic is the public image of the guardian's share of the
	// recovery key.
	SharePublic []byte `cbor:"3,keyasint"`
}

// GuardianSet is the recovery configuration of an account.
type GuardianSet struct {
	Account     aura.AuthorityID `cbor:"1,keyasint"`
	Threshold   int              `cbor:"2,keyasint"`
	Guardians   []Guardian       `cbor:"3,keyasint"`
	RecoveryKey []byte           `cbor:"4,keyasint"`
}

// Deal creates a guardian set: a fresh recovery key is split between the
// guardians so that threshold of them can reconstruct it. The i-th share
// goes to the i-th guardian.
func Deal(account aura.AuthorityID, threshold int, ids []aura.AuthorityID, keys [][]byte, stream cipher.Stream) (*GuardianSet, []*frost.KeyShare, error) {
	if len(ids) != len(keys) {
		return nil, nil, aura.Errorf(aura.KindInvalid, "%d guardians with %d keys", len(ids), len(keys))
	}
	indices := make([]int, len(ids))
	for i := range indices {
		indices[i] = i
	}
	shares, key, err := frost.Deal(nil, threshold, indices, stream)
	if err != nil {
		return nil, nil, err
	}
	set := &GuardianSet{Account: account, Threshold: threshold, RecoveryKey: crypto.PointBytes(key)}
	for i, id := range ids {
		set.Guardians = append(set.Guardians, Guardian{
			ID:          id,
			PublicKey:   keys[i],
			SharePublic: crypto.PointBytes(shares[i].Public()),
		})
	}
	return set, shares, nil
}

// Index returns the position of a guardian, which is also its share index.
func (s *GuardianSet) Index(id aura.AuthorityID) (int, bool) {
	for i, g := range s.Guardians {
		if g.ID == id {
			return i, true
		}
	}
	return 0, false
}

func (s *GuardianSet) recoveryKey() (kyber.Point, error) {
	return crypto.PointFromBytes(s.RecoveryKey)
}

// ApprovalDigest is what a guardian signs to approve a recovery: the grant
// without its timing, which is only known once the threshold is reached.
func ApprovalDigest(g *tree.RecoveryGrant) crypto.Hash32 {
	return crypto.NewHasher("RECOVERY_APPROVAL").
		Bytes(g.AccountOld[:]).Bytes(g.AccountNew[:]).Bytes(g.Guardian[:]).
		Prefixed(g.Operation).Sum()
}

// Dispute voids a grant. It is signed by the disputing guardian.
type Dispute struct {
	Guardian  aura.AuthorityID `cbor:"1,keyasint"`
	Reason    string           `cbor:"2,keyasint"`
	FiledAtMs uint64           `cbor:"3,keyasint"`
	Signature []byte           `cbor:"4,keyasint"`
}

// Digest is what the guardian signs, bound to the disputed ceremony.
func (d *Dispute) Digest(ceremony crypto.Hash32) crypto.Hash32 {
	return crypto.NewHasher("RECOVERY_DISPUTE").Hash32(ceremony).Bytes(d.Guardian[:]).
		Prefixed([]byte(d.Reason)).U64(d.FiledAtMs).Sum()
}

// Sign signs the dispute with the guardian's key.
func (d *Dispute) Sign(kp *crypto.KeyPair, ceremony crypto.Hash32) error {
	h := d.Digest(ceremony)
	sig, err := kp.Sign(h[:])
	if err != nil {
		return err
	}
	d.Signature = sig
	return nil
}

// Share is a guardian's contribution: its share of the recovery key and
// its signature over the approval digest.
type Share struct {
	Guardian         aura.AuthorityID `cbor:"1,keyasint"`
	Share            []byte           `cbor:"2,keyasint"`
	PartialSignature []byte           `cbor:"3,keyasint"`
	IssuedAtMs       uint64           `cbor:"4,keyasint"`
}

// NewShare is what a guardian sends after checking out of band that the
// request is genuine.
func NewShare(kp *crypto.KeyPair, id aura.AuthorityID, ks *frost.KeyShare, g *tree.RecoveryGrant, nowMs uint64) (*Share, error) {
	h := ApprovalDigest(g)
	sig, err := kp.Sign(h[:])
	if err != nil {
		return nil, err
	}
	return &Share{Guardian: id, Share: frost.EncodeScalar(ks.Secret), PartialSignature: sig, IssuedAtMs: nowMs}, nil
}

// CeremonyID identifies a recovery.
func CeremonyID(g *tree.RecoveryGrant, startedMs uint64) crypto.Hash32 {
	var t [8]byte
	binary.LittleEndian.PutUint64(t[:], startedMs)
	d := ApprovalDigest(g)
	return crypto.Hash(d[:], t[:])
}
