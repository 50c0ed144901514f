package tree

import (
	"sort"
	"strings"

	"github.com/aura-labs/aura"
	"github.com/aura-labs/aura/crypto"
	"github.com/aura-labs/aura/internal/wire"
)

// Epoch is the per-account counter advanced by every applied operation.
type Epoch uint64

// LeafIndex is the stable position of a device in the tree. Removing a
// device blanks its leaf; other indices never move.
type LeafIndex uint32

// NodeKind tells blank leaves, occupied leaves and branches apart.
type NodeKind uint8

// Node kinds.
const (
	NodeBlank NodeKind = iota
	NodeLeaf
	NodeBranch
)

// Node is an entry of the tree's node array. Leaves live at even indices
// and branches at odd ones; children are found by index arithmetic.
type Node struct {
	Kind       NodeKind         `cbor:"1,keyasint"`
	Authority  aura.AuthorityID `cbor:"2,keyasint"`
	PublicKey  []byte           `cbor:"3,keyasint,omitempty"`
	Policy     Policy           `cbor:"4,keyasint"`
	Epoch      Epoch            `cbor:"5,keyasint"`
	Commitment crypto.Hash32    `cbor:"6,keyasint"`
}

// Leaf describes an occupied leaf.
type Leaf struct {
	Index     LeafIndex
	Authority aura.AuthorityID
	PublicKey []byte
}

// State is the immutable value of a tree at one epoch. It is what gets
// snapshotted, persisted and kept in the history.
type State struct {
	Account  aura.AuthorityID `cbor:"1,keyasint"`
	Epoch    Epoch            `cbor:"2,keyasint"`
	Nodes    []Node           `cbor:"3,keyasint"`
	GroupKey []byte           `cbor:"4,keyasint"`
}

// The node array always describes a full tree whose width is a power of
// two of at least two leaves, so index arithmetic never depends on the
// number of occupied leaves.

func level(x uint32) uint32 {
	var k uint32
	for (x>>k)&1 == 1 {
		k++
	}
	return k
}

func left(x uint32) uint32 {
	k := level(x)
	return x ^ (1 << (k - 1))
}

func right(x uint32) uint32 {
	k := level(x)
	return x ^ (3 << (k - 1))
}

func parent(x uint32) uint32 {
	k := level(x)
	b := (x >> (k + 1)) & 1
	return (x | (1 << k)) ^ (b << (k + 1))
}

func leafNode(i LeafIndex) uint32 { return uint32(i) * 2 }

func (s *State) width() uint32 { return uint32(len(s.Nodes)+1) / 2 }

func (s *State) root() uint32 { return s.width() - 1 }

// directPath returns the node's ancestors up to the root, inclusive.
func (s *State) directPath(x uint32) []uint32 {
	var path []uint32
	r := s.root()
	for x != r {
		x = parent(x)
		path = append(path, x)
	}
	return path
}

// subtreeLeaves returns the occupied leaves below x.
func (s *State) subtreeLeaves(x uint32) []LeafIndex {
	if level(x) == 0 {
		if s.Nodes[x].Kind == NodeLeaf {
			return []LeafIndex{LeafIndex(x / 2)}
		}
		return nil
	}
	return append(s.subtreeLeaves(left(x)), s.subtreeLeaves(right(x))...)
}

// resolve maps a path of 'L' and 'R' steps from the root to a branch.
func (s *State) resolve(path string) (uint32, error) {
	x := s.root()
	for _, step := range strings.ToUpper(path) {
		if level(x) == 0 {
			return 0, aura.Errorf(aura.KindPolicyViolation, "path %q goes below a leaf", path)
		}
		switch step {
		case 'L':
			x = left(x)
		case 'R':
			x = right(x)
		default:
			return 0, aura.Errorf(aura.KindPolicyViolation, "invalid step %q in path %q", step, path)
		}
	}
	if level(x) == 0 {
		return 0, aura.Errorf(aura.KindPolicyViolation, "path %q ends at a leaf", path)
	}
	return x, nil
}

func newState(account aura.AuthorityID, groupKey []byte) *State {
	s := &State{
		Account:  account,
		Nodes:    make([]Node, 3),
		GroupKey: append([]byte{}, groupKey...),
	}
	s.Nodes[1] = Node{Kind: NodeBranch, Policy: Any()}
	return s
}

// Genesis returns the epoch 0 state of an account: one leaf at index 0
// under a root Threshold{1,1}.
func Genesis(account, device aura.AuthorityID, publicKey, groupKey []byte) (*State, error) {
	if len(publicKey) != crypto.PublicKeySize {
		return nil, aura.Errorf(aura.KindInvalid, "public key of %d bytes", len(publicKey))
	}
	s := newState(account, groupKey)
	s.Nodes[0] = Node{Kind: NodeLeaf, Authority: device, PublicKey: append([]byte{}, publicKey...)}
	s.Nodes[1].Policy = Threshold(1, 1)
	s.rehash()
	return s, nil
}

// Copy returns a deep copy of the state.
func (s *State) Copy() *State {
	c := &State{
		Account:  s.Account,
		Epoch:    s.Epoch,
		Nodes:    make([]Node, len(s.Nodes)),
		GroupKey: append([]byte{}, s.GroupKey...),
	}
	copy(c.Nodes, s.Nodes)
	for i := range c.Nodes {
		c.Nodes[i].PublicKey = append([]byte(nil), s.Nodes[i].PublicKey...)
	}
	return c
}

// commitment computes the commitment of node x from its children's.
func (s *State) commitment(x uint32) crypto.Hash32 {
	n := &s.Nodes[x]
	switch n.Kind {
	case NodeBlank:
		return crypto.Hash32{}
	case NodeLeaf:
		return crypto.NewHasher("LEAF").U32(x / 2).U64(uint64(n.Epoch)).Bytes(n.PublicKey).Sum()
	default:
		return crypto.NewHasher("BRANCH").U32(x).U64(uint64(n.Epoch)).Bytes(n.Policy.Tag()).
			Hash32(s.Nodes[left(x)].Commitment).Hash32(s.Nodes[right(x)].Commitment).Sum()
	}
}

// rehash recomputes every commitment bottom up.
func (s *State) rehash() {
	for k := uint32(0); k <= level(s.root()); k++ {
		for x := (uint32(1) << k) - 1; x < uint32(len(s.Nodes)); x += 1 << (k + 1) {
			s.Nodes[x].Commitment = s.commitment(x)
		}
	}
}

// touch marks x and its direct path as modified in epoch e.
func (s *State) touch(x uint32, e Epoch) {
	s.Nodes[x].Epoch = e
	for _, p := range s.directPath(x) {
		s.Nodes[p].Epoch = e
	}
}

// grow doubles the width. The old root hands its policy to the new root.
func (s *State) grow(e Epoch) {
	oldRoot := s.root()
	w := s.width()
	for i := uint32(0); i < 2*w; i++ {
		s.Nodes = append(s.Nodes, Node{})
	}
	for x := 2*w - 1; x < uint32(len(s.Nodes)); x += 2 {
		s.Nodes[x] = Node{Kind: NodeBranch, Policy: Any(), Epoch: e}
	}
	newRoot := s.root()
	s.Nodes[newRoot].Policy = s.Nodes[oldRoot].Policy
	s.Nodes[oldRoot].Policy = Any()
	s.Nodes[oldRoot].Epoch = e
}

// refit adjusts the threshold policies along the direct path of leaf
// node x to the new leaf counts.
func (s *State) refit(x uint32) {
	for _, p := range s.directPath(x) {
		s.Nodes[p].Policy = s.Nodes[p].Policy.adjust(len(s.subtreeLeaves(p)))
	}
}

func (s *State) addLeaf(authority aura.AuthorityID, pub []byte, e Epoch) (LeafIndex, error) {
	if len(pub) != crypto.PublicKeySize {
		return 0, aura.Errorf(aura.KindPolicyViolation, "public key of %d bytes", len(pub))
	}
	for _, l := range s.leaves() {
		if l.Authority == authority {
			return 0, aura.Errorf(aura.KindPolicyViolation, "device %s is already a leaf", authority)
		}
	}
	x := uint32(len(s.Nodes))
	for i := uint32(0); i < uint32(len(s.Nodes)); i += 2 {
		if s.Nodes[i].Kind == NodeBlank {
			x = i
			break
		}
	}
	if x == uint32(len(s.Nodes)) {
		// The old length is odd and becomes the new root; the first new
		// leaf slot follows it.
		s.grow(e)
		x++
	}
	s.Nodes[x] = Node{Kind: NodeLeaf, Authority: authority, PublicKey: append([]byte{}, pub...)}
	s.touch(x, e)
	s.refit(x)
	return LeafIndex(x / 2), nil
}

func (s *State) removeLeaf(i LeafIndex, e Epoch) error {
	x := leafNode(i)
	if x >= uint32(len(s.Nodes)) || s.Nodes[x].Kind != NodeLeaf {
		return aura.Errorf(aura.KindPolicyViolation, "leaf %d is not occupied", i)
	}
	if len(s.leaves()) == 1 {
		return aura.NewError(aura.KindPolicyViolation, "cannot remove the last leaf")
	}
	s.Nodes[x] = Node{}
	s.touch(x, e)
	s.refit(x)
	return nil
}

func (s *State) changePolicy(path string, p Policy, e Epoch) error {
	x, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := p.check(len(s.subtreeLeaves(x))); err != nil {
		return err
	}
	s.Nodes[x].Policy = p
	s.touch(x, e)
	return nil
}

// replace installs a recovered device set: every leaf is blanked, the new
// devices take the leftmost slots and the group key changes.
func (s *State) replace(act *RecoveryAction, e Epoch) error {
	if len(act.PublicKeys) == 0 || len(act.PublicKeys) != len(act.Authorities) {
		return aura.NewError(aura.KindPolicyViolation, "recovery needs matching devices and keys")
	}
	rootPolicy := Threshold(act.Threshold, uint16(len(act.PublicKeys)))
	for x := range s.Nodes {
		if s.Nodes[x].Kind == NodeLeaf {
			s.Nodes[x] = Node{}
		}
		if s.Nodes[x].Kind == NodeBranch {
			s.Nodes[x].Policy = Any()
		}
		s.Nodes[x].Epoch = e
	}
	for k := range act.PublicKeys {
		if _, err := s.addLeaf(act.Authorities[k], act.PublicKeys[k], e); err != nil {
			return err
		}
	}
	s.Nodes[s.root()].Policy = rootPolicy
	s.GroupKey = append([]byte{}, act.GroupKey...)
	return nil
}

// check verifies the structural invariants after an operation.
func (s *State) check() error {
	if len(s.leaves()) == 0 {
		return aura.NewError(aura.KindPolicyViolation, "tree has no leaves")
	}
	for x := uint32(1); x < uint32(len(s.Nodes)); x += 2 {
		if err := s.Nodes[x].Policy.check(len(s.subtreeLeaves(x))); err != nil {
			return err
		}
	}
	return nil
}

func (s *State) leaves() []Leaf {
	var out []Leaf
	for x := 0; x < len(s.Nodes); x += 2 {
		n := &s.Nodes[x]
		if n.Kind == NodeLeaf {
			out = append(out, Leaf{Index: LeafIndex(x / 2), Authority: n.Authority, PublicKey: n.PublicKey})
		}
	}
	return out
}

// RootCommitment returns the commitment of the root branch.
func (s *State) RootCommitment() crypto.Hash32 {
	return s.Nodes[s.root()].Commitment
}

// RootPolicy returns the account policy.
func (s *State) RootPolicy() Policy {
	return s.Nodes[s.root()].Policy
}

// Leaves returns the occupied leaves in index order.
func (s *State) Leaves() []Leaf {
	return s.leaves()
}

// Leaf returns the occupied leaf at index i.
func (s *State) Leaf(i LeafIndex) (Leaf, bool) {
	x := leafNode(i)
	if x >= uint32(len(s.Nodes)) || s.Nodes[x].Kind != NodeLeaf {
		return Leaf{}, false
	}
	n := &s.Nodes[x]
	return Leaf{Index: i, Authority: n.Authority, PublicKey: n.PublicKey}, true
}

// LeafOf returns the leaf held by a device.
func (s *State) LeafOf(device aura.AuthorityID) (Leaf, bool) {
	for _, l := range s.leaves() {
		if l.Authority == device {
			return l, true
		}
	}
	return Leaf{}, false
}

// Policy returns the policy of the branch at path.
func (s *State) Policy(path string) (Policy, error) {
	x, err := s.resolve(path)
	if err != nil {
		return Policy{}, err
	}
	return s.Nodes[x].Policy, nil
}

// Evaluate returns true iff signers satisfy the policy of the branch at
// path. Only signers that are occupied leaves of the subtree count.
func (s *State) Evaluate(path string, signers []LeafIndex) (bool, error) {
	x, err := s.resolve(path)
	if err != nil {
		return false, err
	}
	in := make(map[LeafIndex]bool)
	for _, l := range s.subtreeLeaves(x) {
		in[l] = true
	}
	signed := make(map[LeafIndex]bool)
	for _, l := range signers {
		if in[l] {
			signed[l] = true
		}
	}
	return s.Nodes[x].Policy.Satisfied(len(signed), len(in)), nil
}

// state is State without its methods, so that the codec encodes the
// fields instead of calling MarshalBinary again.
type state State

// MarshalBinary encodes the state canonically.
func (s *State) MarshalBinary() ([]byte, error) {
	return wire.Marshal((*state)(s))
}

// UnmarshalBinary decodes a state written by MarshalBinary. It does not
// check the commitments, UnmarshalState does.
func (s *State) UnmarshalBinary(buf []byte) error {
	return wire.Unmarshal(buf, (*state)(s))
}

// UnmarshalState decodes a state and checks its commitments.
func UnmarshalState(buf []byte) (*State, error) {
	s := &State{}
	if err := s.UnmarshalBinary(buf); err != nil {
		return nil, err
	}
	if len(s.Nodes) < 3 || (len(s.Nodes)+1)&len(s.Nodes) != 0 {
		return nil, aura.Errorf(aura.KindInvalidFormat, "tree of %d nodes", len(s.Nodes))
	}
	stored := make([]crypto.Hash32, len(s.Nodes))
	for x := range s.Nodes {
		stored[x] = s.Nodes[x].Commitment
	}
	s.rehash()
	for x := range s.Nodes {
		if stored[x] != s.Nodes[x].Commitment {
			return nil, aura.Errorf(aura.KindInvalidFormat, "commitment mismatch at node %d", x)
		}
	}
	return s, nil
}

func sortLeaves(ls []LeafIndex) {
	sort.Slice(ls, func(a, b int) bool { return ls[a] < ls[b] })
}
