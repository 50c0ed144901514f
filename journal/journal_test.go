package journal

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/aura-labs/aura"
	"github.com/aura-labs/aura/crypto"
	"github.com/aura-labs/aura/effects"
	"github.com/aura-labs/aura/storage"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/kyber/v3/util/random"
)

var (
	alice = aura.NamedAuthorityID("alice")
	bob   = aura.NamedAuthorityID("bob")
)

type keyring map[aura.AuthorityID]*crypto.KeyPair

func (k keyring) PublicKey(a aura.AuthorityID) ([]byte, error) {
	kp, ok := k[a]
	if !ok {
		return nil, aura.Errorf(aura.KindNotFound, "unknown authority %s", a)
	}
	return kp.Public(), nil
}

func (k keyring) signed(t *testing.T, f *SignedFact) *SignedFact {
	require.NoError(t, f.Sign(k[f.Authority]))
	return f
}

func newKeyring() keyring {
	return keyring{
		alice: crypto.NewKeyPair(random.New()),
		bob:   crypto.NewKeyPair(random.New()),
	}
}

type penalties map[aura.AuthorityID]int

func (p penalties) Penalize(source aura.AuthorityID, reason error) { p[source]++ }

type denyPrefix string

func (d denyPrefix) AuthorizeFact(f *SignedFact) error {
	if strings.HasPrefix(f.Key, string(d)) {
		return aura.Errorf(aura.KindAuthorizationDenied, "%s may not write %s", f.Authority, f.Key)
	}
	return nil
}

func TestFact_Order(t *testing.T) {
	live := NewFact("device:1", String("x"), alice, 3, 10)
	tomb := NewTombstone("device:1", alice, 3, 11)
	s := DefaultSchema
	require.Equal(t, 1, s.compare(live, tomb))
	require.Equal(t, -1, s.compare(tomb, live))

	capLive := NewFact("cap:1", String("x"), alice, 3, 10)
	capTomb := NewTombstone("cap:1", alice, 3, 11)
	require.Equal(t, 1, s.compare(capTomb, capLive))

	newer := NewFact("device:1", String("a"), alice, 4, 0)
	require.Equal(t, 1, s.compare(newer, tomb))
	require.Equal(t, 0, s.compare(live, live))

	other := NewFact("device:1", String("y"), alice, 3, 10)
	require.NotEqual(t, 0, s.compare(live, other))
	require.Equal(t, -s.compare(live, other), s.compare(other, live))

	// Same value, different authors: the full hash breaks the tie.
	byBob := NewFact("device:1", String("x"), bob, 3, 10)
	require.NotEqual(t, 0, s.compare(live, byBob))

	require.Equal(t, "device", Predicate("device:1:2"))
	require.Equal(t, "plain", Predicate("plain"))
	require.Equal(t, []string{"a", "b"}, Set("b", "a", "b").Set)
	require.True(t, Set("b", "a").Contains("a"))
	require.False(t, Set("b").Contains("a"))
}

func TestFact_SignVerify(t *testing.T) {
	keys := newKeyring()
	f := keys.signed(t, NewFact("k", Nested(map[string]Value{"n": Number(-5), "s": Set("x")}), alice, 1, 1))
	require.NoError(t, f.Verify(keys[alice].Public()))
	require.Error(t, f.Verify(keys[bob].Public()))

	c := f.Copy()
	require.Equal(t, f.Hash(), c.Hash())
	c.Value = Number(1)
	require.True(t, aura.IsKind(c.Verify(keys[alice].Public()), aura.KindInvalidSignature))
}

// randomJournal fills a journal with conflicting versions of few keys.
func randomJournal(r effects.Random, n int) *Journal {
	j := New(Config{})
	authors := []aura.AuthorityID{alice, bob}
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("k%d", r.Range(4))
		if r.Range(3) == 0 {
			key = "cap:" + key
		}
		epoch := r.Range(3)
		a := authors[r.Range(2)]
		if r.Range(4) == 0 {
			j.Merge(NewTombstone(key, a, epoch, r.Range(100)))
		} else {
			j.Merge(NewFact(key, Number(int64(r.Range(5))), a, epoch, r.Range(100)))
		}
	}
	return j
}

func TestJournal_Semilattice(t *testing.T) {
	r := effects.NewSeeded([]byte("semilattice"))
	for i := 0; i < 20; i++ {
		a, b, c := randomJournal(r, 10), randomJournal(r, 10), randomJournal(r, 10)
		require.True(t, Equal(Join(a, a), a))
		require.True(t, Equal(Join(a, b), Join(b, a)))
		require.True(t, Equal(Join(a, Join(b, c)), Join(Join(a, b), c)))
		// Monotone: the join holds every key of its inputs.
		ab := Join(a, b)
		for _, f := range a.Facts() {
			_, ok := ab.Get(f.Key)
			require.True(t, ok)
		}
	}
}

func TestJournal_Commit(t *testing.T) {
	keys := newKeyring()
	pen := penalties{}
	j := New(Config{Keys: keys, Penalizer: pen, Authorizer: denyPrefix("admin")})

	f := keys.signed(t, NewFact("device:1", String("phone"), alice, 1, 10))
	require.NoError(t, j.Commit(f))
	got, ok := j.Live("device:1")
	require.True(t, ok)
	require.Equal(t, "phone", got.Value.Str)

	forged := NewFact("device:2", String("x"), alice, 1, 10)
	require.NoError(t, forged.Sign(keys[bob]))
	err := j.CommitFrom(bob, forged)
	require.True(t, aura.IsKind(err, aura.KindInvalidSignature))
	require.Equal(t, 1, pen[bob])
	_, ok = j.Get("device:2")
	require.False(t, ok)

	stranger := NewFact("device:3", String("x"), aura.NamedAuthorityID("eve"), 1, 10)
	err = j.CommitFrom(bob, stranger)
	require.True(t, aura.IsKind(err, aura.KindInvalidSignature))
	require.Equal(t, 2, pen[bob])

	err = j.Commit(keys.signed(t, NewFact("admin:root", String("x"), alice, 1, 10)))
	require.True(t, aura.IsKind(err, aura.KindAuthorizationDenied))

	err = j.Commit(keys.signed(t, &SignedFact{Authority: alice}))
	require.True(t, aura.IsKind(err, aura.KindInvalidFormat))

	// An older version is accepted but does not change anything.
	seq := j.Seq()
	require.NoError(t, j.Commit(keys.signed(t, NewFact("device:1", String("old"), alice, 0, 5))))
	require.Equal(t, seq, j.Seq())

	require.NoError(t, j.Commit(keys.signed(t, NewTombstone("device:1", alice, 2, 20))))
	_, ok = j.Live("device:1")
	require.False(t, ok)
	_, ok = j.Get("device:1")
	require.True(t, ok)

	require.NoError(t, j.RefineCaps(keys.signed(t, NewFact("cap:bob", String("read"), alice, 1, 1))))
	require.NoError(t, j.RefineCaps(keys.signed(t, NewTombstone("cap:bob", alice, 1, 2))))
	_, ok = j.Live("cap:bob")
	require.False(t, ok)
	require.Error(t, j.RefineCaps(keys.signed(t, NewFact("device:9", String("x"), alice, 1, 1))))
}

func TestJournal_Index(t *testing.T) {
	j := New(Config{})
	j.Merge(
		NewFact("device:1", String("a"), alice, 1, 100),
		NewFact("device:2", String("b"), bob, 1, 200),
		NewFact("device", String("c"), bob, 1, 300),
		NewFact("device0", String("d"), alice, 1, 400),
		NewFact("devices:x", String("e"), alice, 1, 500),
		NewFact("flow:1", Number(3), alice, 1, 600),
	)
	keysOf := func(fs []*SignedFact) []string {
		var out []string
		for _, f := range fs {
			out = append(out, f.Key)
		}
		return out
	}
	require.Equal(t, []string{"device", "device:1", "device:2"}, keysOf(j.FactsByPredicate("device")))
	require.Equal(t, []string{"flow:1"}, keysOf(j.FactsByPredicate("flow")))
	require.Empty(t, j.FactsByPredicate("nothing"))
	require.Equal(t, []string{"device", "device:2"}, keysOf(j.ByAuthority(bob)))
	require.Equal(t, []string{"device:2", "device", "device0"}, keysOf(j.InRange(200, 500)))

	// A newer version by another author moves the indexes.
	j.Merge(NewFact("device:2", String("b2"), alice, 2, 700))
	require.Equal(t, []string{"device"}, keysOf(j.ByAuthority(bob)))
	require.Equal(t, []string{"device", "device0"}, keysOf(j.InRange(200, 500)))
	require.Equal(t, []string{"device:2"}, keysOf(j.InRange(700, 701)))
}

func TestJournal_Watch(t *testing.T) {
	j := New(Config{})
	c := j.Watch(0)
	_, ok := c.TryNext()
	require.False(t, ok)

	j.Merge(NewFact("a", Number(1), alice, 1, 1), NewFact("b", Number(1), alice, 1, 1))
	ctx := context.Background()
	f, err := c.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", f.Fact.Key)
	f, err = c.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "b", f.Fact.Key)
	require.Equal(t, uint64(2), c.Position())

	j.Merge(NewFact("a", Number(2), alice, 2, 1))
	f, err = c.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(3), f.Seq)
	require.Equal(t, int64(2), f.Fact.Value.Num)

	// A restarted subscriber sees the latest version of every key.
	r := j.Watch(0)
	f, _ = r.TryNext()
	require.Equal(t, "b", f.Fact.Key)
	f, _ = r.TryNext()
	require.Equal(t, "a", f.Fact.Key)

	go func() {
		time.Sleep(10 * time.Millisecond)
		j.Merge(NewFact("c", Number(1), alice, 1, 1))
	}()
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	f, err = c.Next(wctx)
	require.NoError(t, err)
	require.Equal(t, "c", f.Fact.Key)

	short, cancel2 := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel2()
	_, err = c.Next(short)
	require.True(t, aura.IsKind(err, aura.KindTimedOut))
}

func TestJournal_Intents(t *testing.T) {
	keys := newKeyring()
	j := New(Config{Keys: keys, MaxIntents: 2})
	var intents []*Intent
	for i := 0; i < 3; i++ {
		in := NewIntent(alice, "AddLeaf", []byte{byte(i)}, crypto.Hash([]byte("pre")), uint64(i))
		intents = append(intents, in)
	}
	require.NoError(t, j.Commit(keys.signed(t, intents[0].Fact(1))))
	require.NoError(t, j.Commit(keys.signed(t, intents[1].Fact(1))))
	err := j.Commit(keys.signed(t, intents[2].Fact(1)))
	require.True(t, aura.IsKind(err, aura.KindInsufficientBudget))

	pending := j.PendingIntents()
	require.Len(t, pending, 2)
	ids := map[crypto.Hash32]bool{pending[0].ID: true, pending[1].ID: true}
	require.True(t, ids[intents[0].ID])
	for _, p := range pending {
		if p.ID == intents[1].ID {
			require.Equal(t, []byte{1}, p.Operation)
			require.Equal(t, "AddLeaf", p.Kind)
			require.Equal(t, crypto.Hash([]byte("pre")), p.Prestate)
		}
	}

	require.NoError(t, j.Commit(keys.signed(t, NewTombstone(IntentKey(intents[0].ID), alice, 1, 5))))
	require.NoError(t, j.Commit(keys.signed(t, intents[2].Fact(1))))
	require.Len(t, j.PendingIntents(), 2)

	// Resolution wins over a concurrent re-announcement of the same epoch.
	require.NoError(t, j.Commit(keys.signed(t, intents[0].Fact(1))))
	require.Len(t, j.PendingIntents(), 2)
}

func TestBloom(t *testing.T) {
	b := NewBloom(100, 7)
	for i := 0; i < 100; i++ {
		b.Add([]byte(fmt.Sprintf("entry-%d", i)))
	}
	for i := 0; i < 100; i++ {
		require.True(t, b.Has([]byte(fmt.Sprintf("entry-%d", i))))
	}
	fp := 0
	for i := 0; i < 1000; i++ {
		if b.Has([]byte(fmt.Sprintf("other-%d", i))) {
			fp++
		}
	}
	require.True(t, fp < 50, "%d false positives", fp)
	require.False(t, (&Bloom{}).Has([]byte("x")))
}

func TestMerkle_Proofs(t *testing.T) {
	require.True(t, New(Config{}).MerkleRoot().IsZero())
	for n := 1; n <= 9; n++ {
		j := New(Config{})
		for i := 0; i < n; i++ {
			j.Merge(NewFact(fmt.Sprintf("k%d", i), Number(int64(i)), alice, 1, 1))
		}
		root := j.MerkleRoot()
		for i := 0; i < n; i++ {
			f, p, err := j.Proof(fmt.Sprintf("k%d", i))
			require.NoError(t, err)
			require.NoError(t, VerifyInclusion(root, f, p))
			require.True(t, j.VerifyInclusion(f))
		}
		stale := NewFact("k0", Number(42), alice, 0, 1)
		require.False(t, j.VerifyInclusion(stale))
		_, _, err := j.Proof("missing")
		require.True(t, aura.IsKind(err, aura.KindNotFound))
	}
}

// reconcile runs one session from r to s over direct calls.
func reconcile(t *testing.T, r, s *Journal, session uint64) *Initiator {
	seeds := effects.NewSeeded([]byte(fmt.Sprintf("seed-%d", session)))
	in := r.NewInitiator(bob, session, seeds.Uint64)
	resp := s.NewResponder(alice, session)
	m := in.Start()
	require.Equal(t, DigestExchange, in.State())
	for m != nil {
		reply, err := resp.Handle(m)
		require.NoError(t, err)
		m, err = in.Handle(reply)
		require.NoError(t, err)
	}
	require.Equal(t, Complete, in.State())
	return in
}

func TestAntiEntropy_Convergence(t *testing.T) {
	r := New(Config{})
	s := New(Config{})
	r.Merge(NewFact("a", Number(1), alice, 1, 1))
	s.Merge(NewFact("b", Number(2), bob, 1, 1))
	require.NotEqual(t, r.MerkleRoot(), s.MerkleRoot())

	in := reconcile(t, r, s, 1)
	require.True(t, in.Converged)
	in = reconcile(t, s, r, 2)
	require.True(t, in.Converged)
	require.Equal(t, 0, in.Merged)

	for _, j := range []*Journal{r, s} {
		require.Equal(t, 2, j.Len())
		a, _ := j.Get("a")
		require.Equal(t, int64(1), a.Value.Num)
		require.Equal(t, uint64(1), a.Epoch)
		b, _ := j.Get("b")
		require.Equal(t, int64(2), b.Value.Num)
	}
	require.Equal(t, r.MerkleRoot(), s.MerkleRoot())
}

func TestAntiEntropy_Conflicts(t *testing.T) {
	rnd := effects.NewSeeded([]byte("conflicts"))
	for i := 0; i < 10; i++ {
		r, s := randomJournal(rnd, 30), randomJournal(rnd, 30)
		want := Join(r, s)
		in := reconcile(t, r, s, uint64(i))
		require.True(t, in.Converged)
		require.True(t, Equal(r, want))
		require.True(t, Equal(s, want))
	}
}

func TestAntiEntropy_Signed(t *testing.T) {
	keys := newKeyring()
	pen := penalties{}
	r := New(Config{Keys: keys, Penalizer: pen})
	s := New(Config{})
	require.NoError(t, r.Commit(keys.signed(t, NewFact("a", Number(1), alice, 1, 1))))
	s.Merge(keys.signed(t, NewFact("b", Number(1), bob, 1, 1)))
	forged := NewFact("c", Number(1), alice, 1, 1)
	require.NoError(t, forged.Sign(keys[bob]))
	s.Merge(forged)

	in := reconcile(t, r, s, 1)
	// The forged fact never crosses, so the roots cannot agree.
	require.False(t, in.Converged)
	require.Equal(t, DefaultMaxRounds, int(pen[bob]))
	_, ok := r.Get("b")
	require.True(t, ok)
	_, ok = r.Get("c")
	require.False(t, ok)
	_, ok = s.Get("a")
	require.True(t, ok)
}

func TestAntiEntropy_StateMachine(t *testing.T) {
	r := New(Config{})
	s := New(Config{})
	r.Merge(NewFact("a", Number(1), alice, 1, 1))
	in := r.NewInitiator(bob, 1, func() uint64 { return 1 })
	resp := s.NewResponder(alice, 1)
	require.Equal(t, Idle, in.State())

	m := in.Start()
	_, err := in.Handle(&Message{Session: 1, FactResponse: &FactResponse{}})
	require.Error(t, err)
	_, err = in.Handle(&Message{Session: 2, DigestResponse: &DigestResponse{}})
	require.Error(t, err)

	reply, err := resp.Handle(m)
	require.NoError(t, err)
	require.Equal(t, KeyExchange, resp.State())
	_, err = in.Handle(reply)
	require.NoError(t, err)
	require.Equal(t, KeyExchange, in.State())

	// A timeout drops both sides to Idle; a new round starts over.
	in.Reset()
	resp.Reset()
	require.Equal(t, Idle, in.State())
	_, err = resp.Handle(&Message{Session: 1, KeyRequest: &KeyRequest{}})
	require.Error(t, err)

	m = in.Start()
	for m != nil {
		reply, err := resp.Handle(m)
		require.NoError(t, err)
		m, err = in.Handle(reply)
		require.NoError(t, err)
	}
	require.True(t, in.Converged)
	require.Equal(t, r.MerkleRoot(), s.MerkleRoot())
}

func TestJournal_Persistence(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	j := randomJournal(effects.NewSeeded([]byte("persist")), 20)
	require.NoError(t, j.Save(ctx, store, alice))

	l, err := Load(ctx, store, alice, Config{})
	require.NoError(t, err)
	require.True(t, Equal(j, l))

	empty, err := Load(ctx, store, bob, Config{})
	require.NoError(t, err)
	require.Equal(t, 0, empty.Len())

	buf, err := j.MarshalBinary()
	require.NoError(t, err)
	buf2, err := l.MarshalBinary()
	require.NoError(t, err)
	require.Equal(t, buf, buf2)

	_, err = Unmarshal(Config{}, []byte{0xff})
	require.True(t, aura.IsKind(err, aura.KindInvalidFormat))
}
