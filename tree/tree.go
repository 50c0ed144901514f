// Package tree implements the ratchet tree of an account: the devices as
// leaves of a binary tree, the signing policy on its branches and the
// commitments binding both to an epoch.
//
// The tree is mutated only by applying an attested TreeOp. Every applied
// operation advances the epoch; every past epoch is kept for verifying
// older operations.
package tree

import (
	"sort"
	"sync"

	"github.com/aura-labs/aura"
	"github.com/aura-labs/aura/crypto"
	"github.com/aura-labs/aura/crypto/frost"
	"github.com/aura-labs/aura/effects"
	"go.dedis.ch/onet/v3/log"
)

// RecoveryVerifier checks a recovery grant: the guardian proof, the
// cooldowns and the absence of disputes.
type RecoveryVerifier interface {
	VerifyGrant(g *RecoveryGrant, nowMs uint64) error
}

// Config holds the collaborators of a tree.
type Config struct {
	Clock effects.Clock
	// Recovery verifies recovery grants. Without one, recovery
	// operations are refused.
	Recovery RecoveryVerifier
}

// Entry is the history record of one epoch.
type Entry struct {
	State *State
	// Op is the operation that produced the epoch, nil for genesis.
	Op *TreeOp
	// Affected are the leaves whose membership changed.
	Affected []LeafIndex
}

// Tree is the mutable tree of an account. Apply takes the exclusive lock,
// readers work on snapshots.
type Tree struct {
	sync.RWMutex
	cfg      Config
	state    *State
	history  map[Epoch]*Entry
	channels map[aura.ChannelID][]LeafIndex
}

// New returns a tree starting at the given state.
func New(cfg Config, st *State) *Tree {
	return &Tree{
		cfg:      cfg,
		state:    st,
		history:  map[Epoch]*Entry{st.Epoch: {State: st.Copy()}},
		channels: make(map[aura.ChannelID][]LeafIndex),
	}
}

// SetRecoveryVerifier installs the recovery verifier.
func (t *Tree) SetRecoveryVerifier(v RecoveryVerifier) {
	t.Lock()
	defer t.Unlock()
	t.cfg.Recovery = v
}

// RootCommitment returns the current root commitment.
func (t *Tree) RootCommitment() crypto.Hash32 {
	t.RLock()
	defer t.RUnlock()
	return t.state.RootCommitment()
}

// Epoch returns the current epoch.
func (t *Tree) Epoch() Epoch {
	t.RLock()
	defer t.RUnlock()
	return t.state.Epoch
}

// Snapshot returns a copy of the current state.
func (t *Tree) Snapshot() *State {
	t.RLock()
	defer t.RUnlock()
	return t.state.Copy()
}

// History returns the record of a past epoch.
func (t *Tree) History(e Epoch) (*Entry, bool) {
	t.RLock()
	defer t.RUnlock()
	h, ok := t.history[e]
	return h, ok
}

// Evaluate returns true iff signers satisfy the policy at path.
func (t *Tree) Evaluate(path string, signers []LeafIndex) (bool, error) {
	t.RLock()
	defer t.RUnlock()
	return t.state.Evaluate(path, signers)
}

// Policy returns the policy of the branch at path.
func (t *Tree) Policy(path string) (Policy, error) {
	t.RLock()
	defer t.RUnlock()
	return t.state.Policy(path)
}

// Leaves returns the occupied leaves.
func (t *Tree) Leaves() []Leaf {
	t.RLock()
	defer t.RUnlock()
	return t.state.Leaves()
}

// BindChannel records which leaves take part in a channel. An empty set
// binds the channel to the whole account.
func (t *Tree) BindChannel(ch aura.ChannelID, leaves []LeafIndex) {
	t.Lock()
	defer t.Unlock()
	ls := append([]LeafIndex{}, leaves...)
	sortLeaves(ls)
	t.channels[ch] = ls
}

// RekeyPaths returns the channels whose epoch must advance after the
// given leaves changed.
func (t *Tree) RekeyPaths(affected []LeafIndex) []aura.ChannelID {
	t.RLock()
	defer t.RUnlock()
	if len(affected) == 0 {
		return nil
	}
	hit := make(map[LeafIndex]bool)
	for _, l := range affected {
		hit[l] = true
	}
	var out []aura.ChannelID
	for ch, leaves := range t.channels {
		if len(leaves) == 0 {
			out = append(out, ch)
			continue
		}
		for _, l := range leaves {
			if hit[l] {
				out = append(out, ch)
				break
			}
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].String() < out[b].String() })
	return out
}

// Preview applies op to a copy of the current state, without checking the
// attestation nor the postcondition, and returns the resulting root
// commitment. Authors use it to fill in the postcondition.
func (t *Tree) Preview(op *TreeOp) (crypto.Hash32, error) {
	t.RLock()
	defer t.RUnlock()
	if op.Prestate != t.state.RootCommitment() {
		return crypto.Hash32{}, aura.Errorf(aura.KindStalePrestate, "prestate %s is not the root %s",
			op.Prestate.Prefix(), t.state.RootCommitment().Prefix())
	}
	next, _, err := t.state.next(op)
	if err != nil {
		return crypto.Hash32{}, err
	}
	return next.RootCommitment(), nil
}

// SigningMessage returns the attestation message of op against the
// current state.
func (t *Tree) SigningMessage(op *TreeOp) []byte {
	t.RLock()
	defer t.RUnlock()
	return AttestationMessage(op.OperationHash(), op.Prestate, t.state.Epoch)
}

// Apply verifies op against the current state and applies it. It returns
// the new epoch.
func (t *Tree) Apply(op *TreeOp) (Epoch, error) {
	t.Lock()
	defer t.Unlock()
	st := t.state
	if op.Prestate != st.RootCommitment() {
		return 0, aura.Errorf(aura.KindStalePrestate, "prestate %s is not the root %s",
			op.Prestate.Prefix(), st.RootCommitment().Prefix())
	}
	if op.Kind == OpRecovery {
		if err := t.verifyRecovery(op); err != nil {
			return 0, err
		}
	} else if err := verifyAttestation(st, op); err != nil {
		return 0, err
	}
	next, affected, err := st.next(op)
	if err != nil {
		return 0, err
	}
	if next.RootCommitment() != op.Postcondition {
		return 0, aura.Errorf(aura.KindPolicyViolation, "postcondition %s does not match the resulting root %s",
			op.Postcondition.Prefix(), next.RootCommitment().Prefix())
	}
	t.state = next
	t.history[next.Epoch] = &Entry{State: next.Copy(), Op: op, Affected: affected}
	log.Lvlf2("tree %s: applied %s, epoch %d -> %d", st.Account, op.Kind, st.Epoch, next.Epoch)
	return next.Epoch, nil
}

// next computes the state following op.
func (s *State) next(op *TreeOp) (*State, []LeafIndex, error) {
	body, err := op.Body()
	if err != nil {
		return nil, nil, err
	}
	n := s.Copy()
	e := s.Epoch + 1
	n.Epoch = e
	var affected []LeafIndex
	switch b := body.(type) {
	case *AddLeaf:
		i, err := n.addLeaf(b.Authority, b.PublicKey, e)
		if err != nil {
			return nil, nil, err
		}
		affected = []LeafIndex{i}
	case *RemoveLeaf:
		if err := n.removeLeaf(b.Leaf, e); err != nil {
			return nil, nil, err
		}
		affected = []LeafIndex{b.Leaf}
	case *ChangePolicy:
		if err := n.changePolicy(b.Path, b.Policy, e); err != nil {
			return nil, nil, err
		}
	case *RotateEpoch:
		for _, l := range s.leaves() {
			affected = append(affected, l.Index)
		}
	case *Recovery:
		act, err := b.Grant.Action()
		if err != nil {
			return nil, nil, err
		}
		for _, l := range s.leaves() {
			affected = append(affected, l.Index)
		}
		if err := n.replace(act, e); err != nil {
			return nil, nil, err
		}
		for _, l := range n.leaves() {
			affected = append(affected, l.Index)
		}
	}
	n.Nodes[n.root()].Epoch = e
	if err := n.check(); err != nil {
		return nil, nil, err
	}
	n.rehash()
	return n, dedupLeaves(affected), nil
}

func dedupLeaves(ls []LeafIndex) []LeafIndex {
	seen := make(map[LeafIndex]bool)
	var out []LeafIndex
	for _, l := range ls {
		if !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	sortLeaves(out)
	return out
}

// verifyAttestation checks that the signers satisfy the root policy and
// that the threshold signature verifies under the group key.
func verifyAttestation(st *State, op *TreeOp) error {
	a := op.Attestation
	if a == nil || len(a.Signature) != frost.SignatureSize {
		return aura.NewError(aura.KindInvalidAttestation, "missing threshold signature")
	}
	for _, l := range a.Signers {
		if _, ok := st.Leaf(l); !ok {
			return aura.Errorf(aura.KindInvalidAttestation, "signer %d is not a leaf", l)
		}
	}
	ok, err := st.Evaluate("", a.Signers)
	if err != nil {
		return err
	}
	if !ok {
		return aura.Errorf(aura.KindInvalidAttestation, "signers %v do not satisfy %s", a.Signers, st.RootPolicy())
	}
	group, err := crypto.PointFromBytes(st.GroupKey)
	if err != nil {
		return aura.WithKind(aura.KindInvalidAttestation, err)
	}
	msg := AttestationMessage(op.OperationHash(), op.Prestate, st.Epoch)
	return frost.Verify(group, msg, a.Signature)
}

func (t *Tree) verifyRecovery(op *TreeOp) error {
	body, err := op.Body()
	if err != nil {
		return err
	}
	grant := &body.(*Recovery).Grant
	if grant.AccountOld != t.state.Account {
		return aura.Errorf(aura.KindInvalidAttestation, "grant is for account %s", grant.AccountOld)
	}
	if t.cfg.Recovery == nil || t.cfg.Clock == nil {
		return aura.NewError(aura.KindInvalidAttestation, "no recovery verifier")
	}
	now := t.cfg.Clock.NowMs()
	if now < grant.DisputeWindowEnd {
		return aura.Errorf(aura.KindPolicyViolation, "dispute window open until %d, now %d", grant.DisputeWindowEnd, now)
	}
	return t.cfg.Recovery.VerifyGrant(grant, now)
}
