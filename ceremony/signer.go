package ceremony

import (
	"crypto/cipher"
	"sync"

	"github.com/aura-labs/aura"
	"github.com/aura-labs/aura/crypto"
	"github.com/aura-labs/aura/crypto/frost"
	"github.com/aura-labs/aura/internal/wire"
	"github.com/aura-labs/aura/tree"
	"go.dedis.ch/onet/v3/log"
)

// View is what a signer needs from its replica of the tree.
type View interface {
	Snapshot() *tree.State
	Preview(op *tree.TreeOp) (crypto.Hash32, error)
}

type signing struct {
	exec   *Execute
	op     *tree.TreeOp
	msg    []byte
	round  uint8
	nonce  *frost.Nonce
	commit *frost.Commitment
}

// Signer answers the ceremonies a device takes part in.
type Signer struct {
	sync.Mutex
	share   *frost.KeyShare
	view    View
	stream  cipher.Stream
	pending map[crypto.Hash32]*signing
}

// NewSigner returns the signer of the leaf holding share.
func NewSigner(share *frost.KeyShare, view View, stream cipher.Stream) *Signer {
	return &Signer{
		share:   share,
		view:    view,
		stream:  stream,
		pending: make(map[crypto.Hash32]*signing),
	}
}

// Leaf returns the leaf the signer signs for.
func (s *Signer) Leaf() tree.LeafIndex {
	s.Lock()
	defer s.Unlock()
	return tree.LeafIndex(s.share.Index)
}

// SetShare replaces the key share after a reshare.
func (s *Signer) SetShare(ks *frost.KeyShare) {
	s.Lock()
	defer s.Unlock()
	s.share = ks
	s.pending = make(map[crypto.Hash32]*signing)
}

// HandleExecute checks an Execute against the local tree and returns the
// nonce commitment for its round.
func (s *Signer) HandleExecute(id crypto.Hash32, e *Execute) (*Message, error) {
	s.Lock()
	defer s.Unlock()
	if ID(e.Prestate, e.OperationHash, e.Epoch) != id {
		return nil, aura.Errorf(aura.KindInvalidFormat, "ceremony id %s does not match its execute", id.Prefix())
	}
	if p := s.pending[id]; p != nil {
		switch {
		case e.Round < p.round:
			return nil, aura.Errorf(aura.KindInvalid, "ceremony %s: round %d is over", id.Prefix(), e.Round)
		case e.Round == p.round && p.nonce != nil:
			nc := encodeCommitment(p.round, p.commit)
			return &Message{Ceremony: id, NonceCommit: &nc}, nil
		case e.Round == p.round:
			return nil, aura.Errorf(aura.KindInvalid, "ceremony %s: round %d already signed", id.Prefix(), e.Round)
		}
	}
	op := &tree.TreeOp{}
	if err := wire.Unmarshal(e.Operation, op); err != nil {
		return nil, err
	}
	if op.Prestate != e.Prestate || op.OperationHash() != e.OperationHash {
		return nil, aura.Errorf(aura.KindInvalidFormat, "ceremony %s: operation does not match its hashes", id.Prefix())
	}
	st := s.view.Snapshot()
	if st.RootCommitment() != e.Prestate || st.Epoch != e.Epoch {
		return nil, aura.Errorf(aura.KindStalePrestate, "ceremony %s: prestate %s at epoch %d, local root %s at epoch %d",
			id.Prefix(), e.Prestate.Prefix(), e.Epoch, st.RootCommitment().Prefix(), st.Epoch)
	}
	me := tree.LeafIndex(s.share.Index)
	eligible := false
	for _, l := range e.Signers {
		if l == me {
			eligible = true
		}
	}
	if _, ok := st.Leaf(me); !ok || !eligible {
		return nil, aura.Errorf(aura.KindAuthorizationDenied, "ceremony %s: leaf %d is not a signer", id.Prefix(), me)
	}
	post, err := s.view.Preview(op)
	if err != nil {
		return nil, err
	}
	if post != op.Postcondition {
		return nil, aura.Errorf(aura.KindPolicyViolation, "ceremony %s: postcondition %s, expected %s",
			id.Prefix(), op.Postcondition.Prefix(), post.Prefix())
	}
	nonce, commit := frost.NewNonce(s.share.Index, s.stream)
	s.pending[id] = &signing{
		exec:   e,
		op:     op,
		msg:    tree.AttestationMessage(e.OperationHash, e.Prestate, e.Epoch),
		round:  e.Round,
		nonce:  nonce,
		commit: commit,
	}
	log.Lvlf3("leaf %d: committed to ceremony %s round %d", me, id.Prefix(), e.Round)
	nc := encodeCommitment(e.Round, commit)
	return &Message{Ceremony: id, NonceCommit: &nc}, nil
}

// HandleSignRequest returns the partial signature for the round. The
// nonce is consumed: a second request for the same round is refused.
func (s *Signer) HandleSignRequest(id crypto.Hash32, r *SignRequest) (*Message, error) {
	s.Lock()
	defer s.Unlock()
	p := s.pending[id]
	if p == nil || p.round != r.Round {
		return nil, aura.Errorf(aura.KindInvalid, "ceremony %s: no commitment for round %d", id.Prefix(), r.Round)
	}
	if p.nonce == nil {
		return nil, aura.Errorf(aura.KindInvalid, "ceremony %s: nonce of round %d already used", id.Prefix(), r.Round)
	}
	cs, err := decodeCommitments(r.Commitments)
	if err != nil {
		return nil, err
	}
	nonce := p.nonce
	p.nonce = nil
	z, err := frost.SignShare(s.share, nonce, p.msg, cs)
	if err != nil {
		return nil, err
	}
	return &Message{Ceremony: id, SignShare: encodeShare(tree.LeafIndex(s.share.Index), r.Round, z)}, nil
}

// Forget drops the state of a finished ceremony.
func (s *Signer) Forget(id crypto.Hash32) {
	s.Lock()
	defer s.Unlock()
	delete(s.pending, id)
}

// Pending returns the ceremonies the signer committed to, with their
// prestate.
func (s *Signer) Pending() map[crypto.Hash32]crypto.Hash32 {
	s.Lock()
	defer s.Unlock()
	out := make(map[crypto.Hash32]crypto.Hash32, len(s.pending))
	for id, p := range s.pending {
		out[id] = p.exec.Prestate
	}
	return out
}
