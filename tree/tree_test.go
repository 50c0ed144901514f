package tree

import (
	"bytes"
	"testing"

	"github.com/aura-labs/aura"
	"github.com/aura-labs/aura/crypto"
	"github.com/aura-labs/aura/crypto/frost"
	"github.com/aura-labs/aura/effects"
	"github.com/aura-labs/aura/internal/wire"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/util/random"
)

var testAccount = aura.NamedAuthorityID("account")

type testTree struct {
	*Tree
	shares []*frost.KeyShare
	group  kyber.Point
	clock  *effects.SimClock
}

// newTestTree bootstraps a 1-of-1 account whose single device holds the
// whole group secret.
func newTestTree(t *testing.T) *testTree {
	shares, group, err := frost.Deal(nil, 1, []int{0}, random.New())
	require.NoError(t, err)
	kp := crypto.NewKeyPair(random.New())
	st, err := Genesis(testAccount, aura.NamedAuthorityID("device0"), kp.Public(), crypto.PointBytes(group))
	require.NoError(t, err)
	clock := effects.NewSimClock(0)
	return &testTree{Tree: New(Config{Clock: clock}, st), shares: shares, group: group, clock: clock}
}

// sign runs a FROST round with the given shares over op.
func (tt *testTree) sign(t *testing.T, op *TreeOp, shares []*frost.KeyShare, signers []LeafIndex) {
	msg := tt.SigningMessage(op)
	r := random.New()
	nonces := make(map[int]*frost.Nonce)
	var cs []*frost.Commitment
	for _, ks := range shares {
		n, c := frost.NewNonce(ks.Index, r)
		nonces[ks.Index] = n
		cs = append(cs, c)
	}
	frost.SortCommitments(cs)
	zs := make(map[int]kyber.Scalar)
	for _, ks := range shares {
		z, err := frost.SignShare(ks, nonces[ks.Index], msg, cs)
		require.NoError(t, err)
		zs[ks.Index] = z
	}
	sig, err := frost.Aggregate(msg, cs, zs)
	require.NoError(t, err)
	op.Attestation = &Attestation{Signature: sig, Signers: signers}
}

// prepare builds an attested operation against the current root.
func (tt *testTree) prepare(t *testing.T, body interface{}) *TreeOp {
	op, err := NewOp(tt.RootCommitment(), body)
	require.NoError(t, err)
	op.Postcondition, err = tt.Preview(op)
	require.NoError(t, err)
	tt.sign(t, op, tt.shares[:1], []LeafIndex{0})
	return op
}

func addLeaf(name string, b byte) *AddLeaf {
	return &AddLeaf{Authority: aura.NamedAuthorityID(name), PublicKey: bytes.Repeat([]byte{b}, 32)}
}

func TestTree_AddSecondDevice(t *testing.T) {
	tt := newTestTree(t)
	require.Equal(t, Epoch(0), tt.Epoch())
	require.Equal(t, Threshold(1, 1), tt.Snapshot().RootPolicy())
	initial := tt.RootCommitment()

	op := tt.prepare(t, addLeaf("device1", 1))
	require.Equal(t, initial, op.Prestate)
	e, err := tt.Apply(op)
	require.NoError(t, err)
	require.Equal(t, Epoch(1), e)

	snap := tt.Snapshot()
	require.Len(t, snap.Leaves(), 2)
	require.Equal(t, Threshold(1, 2), snap.RootPolicy())
	require.NotEqual(t, initial, snap.RootCommitment())
	l, ok := snap.LeafOf(aura.NamedAuthorityID("device1"))
	require.True(t, ok)
	require.Equal(t, LeafIndex(1), l.Index)

	h, ok := tt.History(0)
	require.True(t, ok)
	require.Equal(t, initial, h.State.RootCommitment())
	h, ok = tt.History(1)
	require.True(t, ok)
	require.Equal(t, []LeafIndex{1}, h.Affected)
}

func TestTree_StalePrestate(t *testing.T) {
	tt := newTestTree(t)
	op := tt.prepare(t, addLeaf("device1", 1))
	op.Prestate = crypto.Hash([]byte("other"))
	_, err := tt.Apply(op)
	require.True(t, aura.IsKind(err, aura.KindStalePrestate))

	// Replaying an applied operation is stale as well.
	op = tt.prepare(t, addLeaf("device1", 1))
	_, err = tt.Apply(op)
	require.NoError(t, err)
	_, err = tt.Apply(op)
	require.True(t, aura.IsKind(err, aura.KindStalePrestate))
	_, err = tt.Preview(op)
	require.True(t, aura.IsKind(err, aura.KindStalePrestate))
}

func TestTree_EpochMonotonic(t *testing.T) {
	tt := newTestTree(t)
	last := tt.Epoch()
	roots := map[crypto.Hash32]bool{tt.RootCommitment(): true}
	for i, body := range []interface{}{
		addLeaf("d1", 1),
		addLeaf("d2", 2),
		addLeaf("d3", 3),
		&RotateEpoch{Reason: "scheduled"},
		&RemoveLeaf{Leaf: 2},
		&ChangePolicy{Path: "", Policy: Threshold(2, 3)},
	} {
		e, err := tt.Apply(tt.prepare(t, body))
		require.NoError(t, err, "op %d", i)
		require.True(t, e > last)
		last = e
		require.False(t, roots[tt.RootCommitment()])
		roots[tt.RootCommitment()] = true
	}
	require.Equal(t, Epoch(6), last)
	require.Equal(t, Threshold(2, 3), tt.Snapshot().RootPolicy())
}

func TestTree_InvalidAttestation(t *testing.T) {
	tt := newTestTree(t)
	op := tt.prepare(t, addLeaf("device1", 1))

	bad := *op
	bad.Attestation = nil
	_, err := tt.Apply(&bad)
	require.True(t, aura.IsKind(err, aura.KindInvalidAttestation))

	// A signature over another operation.
	other := tt.prepare(t, addLeaf("device2", 2))
	bad = *op
	bad.Attestation = other.Attestation
	_, err = tt.Apply(&bad)
	require.True(t, aura.IsKind(err, aura.KindInvalidAttestation))

	// A signer set that does not satisfy the policy.
	bad = *op
	bad.Attestation = &Attestation{Signature: op.Attestation.Signature}
	_, err = tt.Apply(&bad)
	require.True(t, aura.IsKind(err, aura.KindInvalidAttestation))

	bad.Attestation = &Attestation{Signature: op.Attestation.Signature, Signers: []LeafIndex{5}}
	_, err = tt.Apply(&bad)
	require.True(t, aura.IsKind(err, aura.KindInvalidAttestation))

	// A key that is not the group's.
	shares, _, err := frost.Deal(nil, 1, []int{0}, random.New())
	require.NoError(t, err)
	bad = *op
	tt.sign(t, &bad, shares, []LeafIndex{0})
	_, err = tt.Apply(&bad)
	require.True(t, aura.IsKind(err, aura.KindInvalidAttestation))

	require.Equal(t, Epoch(0), tt.Epoch())
	_, err = tt.Apply(op)
	require.NoError(t, err)
}

func TestTree_PolicyViolation(t *testing.T) {
	tt := newTestTree(t)

	op := tt.prepare(t, addLeaf("device1", 1))
	op.Postcondition = crypto.Hash([]byte("wrong"))
	tt.sign(t, op, tt.shares, []LeafIndex{0})
	_, err := tt.Apply(op)
	require.True(t, aura.IsKind(err, aura.KindPolicyViolation))

	for _, body := range []interface{}{
		&RemoveLeaf{Leaf: 0},
		&RemoveLeaf{Leaf: 7},
		&ChangePolicy{Path: "", Policy: Threshold(2, 1)},
		&ChangePolicy{Path: "", Policy: Threshold(1, 3)},
		&ChangePolicy{Path: "", Policy: Threshold(0, 1)},
		&ChangePolicy{Path: "L", Policy: All()},
		&ChangePolicy{Path: "X", Policy: All()},
		&AddLeaf{Authority: aura.NamedAuthorityID("short"), PublicKey: []byte{1}},
		&AddLeaf{Authority: aura.NamedAuthorityID("device0"), PublicKey: bytes.Repeat([]byte{9}, 32)},
	} {
		op, err := NewOp(tt.RootCommitment(), body)
		require.NoError(t, err)
		_, err = tt.Preview(op)
		require.True(t, aura.IsKind(err, aura.KindPolicyViolation), "%T %v", body, err)
	}

	// Recovery is refused without a verifier.
	op, err = NewOp(tt.RootCommitment(), &Recovery{Grant: RecoveryGrant{AccountOld: testAccount}})
	require.NoError(t, err)
	_, err = tt.Apply(op)
	require.True(t, aura.IsKind(err, aura.KindInvalidAttestation))
}

func TestTree_GrowAndEvaluate(t *testing.T) {
	tt := newTestTree(t)
	for i := 1; i <= 4; i++ {
		_, err := tt.Apply(tt.prepare(t, addLeaf(string(rune('a'+i)), byte(i))))
		require.NoError(t, err)
	}
	snap := tt.Snapshot()
	require.Len(t, snap.Leaves(), 5)
	require.Len(t, snap.Nodes, 15)
	require.Equal(t, Threshold(1, 5), snap.RootPolicy())

	// Leaves 0..3 are on the left, leaf 4 on the right.
	pol, err := tt.Policy("L")
	require.NoError(t, err)
	require.Equal(t, Any(), pol)
	ok, err := tt.Evaluate("R", []LeafIndex{0})
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = tt.Evaluate("R", []LeafIndex{4})
	require.NoError(t, err)
	require.True(t, ok)

	_, err = tt.Apply(tt.prepare(t, &ChangePolicy{Path: "L", Policy: All()}))
	require.NoError(t, err)
	ok, err = tt.Evaluate("L", []LeafIndex{0, 1, 2})
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = tt.Evaluate("L", []LeafIndex{0, 1, 2, 3, 4})
	require.NoError(t, err)
	require.True(t, ok)

	_, err = tt.Apply(tt.prepare(t, &ChangePolicy{Path: "LL", Policy: Threshold(2, 2)}))
	require.NoError(t, err)
	ok, err = tt.Evaluate("LL", []LeafIndex{1})
	require.NoError(t, err)
	require.False(t, ok)

	// Removing a leaf refits the thresholds on its path.
	_, err = tt.Apply(tt.prepare(t, &RemoveLeaf{Leaf: 1}))
	require.NoError(t, err)
	pol, err = tt.Policy("LL")
	require.NoError(t, err)
	require.Equal(t, Threshold(1, 1), pol)
	require.Equal(t, Threshold(1, 4), tt.Snapshot().RootPolicy())

	// The blank slot is reused and other indices stay put.
	_, err = tt.Apply(tt.prepare(t, addLeaf("z", 0x7a)))
	require.NoError(t, err)
	l, ok := tt.Snapshot().LeafOf(aura.NamedAuthorityID("z"))
	require.True(t, ok)
	require.Equal(t, LeafIndex(1), l.Index)
	l, ok = tt.Snapshot().Leaf(4)
	require.True(t, ok)
	require.Equal(t, aura.NamedAuthorityID(string(rune('a'+4))), l.Authority)

	ok, err = tt.Evaluate("", nil)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTree_Commitments(t *testing.T) {
	tt := newTestTree(t)
	snap := tt.Snapshot()
	leaf := crypto.NewHasher("LEAF").U32(0).U64(0).Bytes(snap.Nodes[0].PublicKey).Sum()
	require.Equal(t, leaf, snap.Nodes[0].Commitment)
	root := crypto.NewHasher("BRANCH").U32(1).U64(0).Bytes(Threshold(1, 1).Tag()).
		Hash32(leaf).Hash32(crypto.Hash32{}).Sum()
	require.Equal(t, root, snap.RootCommitment())
	require.Equal(t, []byte{3, 1, 0, 1, 0}, Threshold(1, 1).Tag())
	require.Equal(t, []byte{1}, All().Tag())

	buf, err := snap.MarshalBinary()
	require.NoError(t, err)
	st, err := UnmarshalState(buf)
	require.NoError(t, err)
	require.Equal(t, snap.RootCommitment(), st.RootCommitment())

	snap.Nodes[0].PublicKey[0] ^= 1
	buf, err = snap.MarshalBinary()
	require.NoError(t, err)
	_, err = UnmarshalState(buf)
	require.True(t, aura.IsKind(err, aura.KindInvalidFormat))
}

func TestTree_GrowPastPowersOfTwo(t *testing.T) {
	tt := newTestTree(t)
	for i := 1; i <= 8; i++ {
		before := tt.Snapshot()
		op := tt.prepare(t, addLeaf(string(rune('a'+i)), byte(i)))
		_, err := tt.Apply(op)
		require.NoError(t, err, "leaf %d", i)

		snap := tt.Snapshot()
		require.Equal(t, op.Postcondition, snap.RootCommitment())
		require.Len(t, snap.Leaves(), i+1)
		require.Equal(t, Threshold(1, uint16(i+1)), snap.RootPolicy())
		require.Equal(t, NodeBranch, snap.Nodes[snap.root()].Kind)
		l, ok := snap.LeafOf(aura.NamedAuthorityID(string(rune('a' + i))))
		require.True(t, ok)
		require.Equal(t, LeafIndex(i), l.Index)

		// Earlier leaves keep their index and key.
		for _, old := range before.Leaves() {
			now, ok := snap.Leaf(old.Index)
			require.True(t, ok)
			require.Equal(t, old.Authority, now.Authority)
			require.Equal(t, old.PublicKey, now.PublicKey)
		}

		buf, err := snap.MarshalBinary()
		require.NoError(t, err)
		st, err := UnmarshalState(buf)
		require.NoError(t, err)
		require.Equal(t, snap.RootCommitment(), st.RootCommitment())
	}
	require.Len(t, tt.Snapshot().Nodes, 31)
	ok, err := tt.Evaluate("", []LeafIndex{8})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestState_Encoding(t *testing.T) {
	tt := newTestTree(t)
	_, err := tt.Apply(tt.prepare(t, addLeaf("b", 1)))
	require.NoError(t, err)
	_, err = tt.Apply(tt.prepare(t, addLeaf("c", 2)))
	require.NoError(t, err)
	snap := tt.Snapshot()

	buf, err := snap.MarshalBinary()
	require.NoError(t, err)
	st, err := UnmarshalState(buf)
	require.NoError(t, err)
	require.Equal(t, snap, st)

	// A state nested in another value goes through the same methods.
	type wrapper struct {
		State *State `cbor:"1,keyasint"`
	}
	nested, err := wire.Marshal(&wrapper{State: snap})
	require.NoError(t, err)
	var w wrapper
	require.NoError(t, wire.Unmarshal(nested, &w))
	require.Equal(t, snap.RootCommitment(), w.State.RootCommitment())
	require.Equal(t, snap.Leaves(), w.State.Leaves())

	_, err = UnmarshalState([]byte{0xff})
	require.True(t, aura.IsKind(err, aura.KindInvalidFormat))
}

func TestTree_RekeyPaths(t *testing.T) {
	tt := newTestTree(t)
	_, err := tt.Apply(tt.prepare(t, addLeaf("device1", 1)))
	require.NoError(t, err)

	var a, b, all aura.ChannelID
	a[0], b[0], all[0] = 1, 2, 3
	tt.BindChannel(a, []LeafIndex{0})
	tt.BindChannel(b, []LeafIndex{1})
	tt.BindChannel(all, nil)

	require.Equal(t, []aura.ChannelID{b, all}, tt.RekeyPaths([]LeafIndex{1}))
	require.Equal(t, []aura.ChannelID{a, b, all}, tt.RekeyPaths([]LeafIndex{0, 1}))
	require.Empty(t, tt.RekeyPaths(nil))
}

type fakeVerifier struct {
	err   error
	calls int
}

func (f *fakeVerifier) VerifyGrant(g *RecoveryGrant, nowMs uint64) error {
	f.calls++
	return f.err
}

func TestTree_Recovery(t *testing.T) {
	tt := newTestTree(t)
	_, err := tt.Apply(tt.prepare(t, addLeaf("device1", 1)))
	require.NoError(t, err)

	v := &fakeVerifier{}
	tt.SetRecoveryVerifier(v)
	newShares, newGroup, err := frost.Deal(nil, 1, []int{0}, random.New())
	require.NoError(t, err)
	act := &RecoveryAction{
		Authorities: []aura.AuthorityID{aura.NamedAuthorityID("new-phone")},
		PublicKeys:  [][]byte{bytes.Repeat([]byte{7}, 32)},
		Threshold:   1,
		GroupKey:    crypto.PointBytes(newGroup),
	}
	grant := RecoveryGrant{
		AccountOld:       testAccount,
		AccountNew:       testAccount,
		Operation:        wire.MustMarshal(act),
		DisputeWindowEnd: 1000,
	}
	op, err := NewOp(tt.RootCommitment(), &Recovery{Grant: grant})
	require.NoError(t, err)
	op.Postcondition, err = tt.Preview(op)
	require.NoError(t, err)

	// The dispute window is still open.
	_, err = tt.Apply(op)
	require.True(t, aura.IsKind(err, aura.KindPolicyViolation))
	require.Equal(t, 0, v.calls)

	tt.clock.Set(1001)
	v.err = aura.NewError(aura.KindInvalidAttestation, "disputed")
	_, err = tt.Apply(op)
	require.True(t, aura.IsKind(err, aura.KindInvalidAttestation))

	v.err = nil
	e, err := tt.Apply(op)
	require.NoError(t, err)
	require.Equal(t, Epoch(2), e)
	snap := tt.Snapshot()
	require.Len(t, snap.Leaves(), 1)
	require.Equal(t, aura.NamedAuthorityID("new-phone"), snap.Leaves()[0].Authority)
	require.Equal(t, Threshold(1, 1), snap.RootPolicy())
	require.Equal(t, crypto.PointBytes(newGroup), snap.GroupKey)
	h, _ := tt.History(2)
	require.Equal(t, []LeafIndex{0, 1}, h.Affected)

	// The recovered device signs with the new group key.
	tt.shares = newShares
	_, err = tt.Apply(tt.prepare(t, &RotateEpoch{}))
	require.NoError(t, err)

	grant.AccountOld = aura.NamedAuthorityID("someone else")
	op, err = NewOp(tt.RootCommitment(), &Recovery{Grant: grant})
	require.NoError(t, err)
	_, err = tt.Apply(op)
	require.True(t, aura.IsKind(err, aura.KindInvalidAttestation))
}
