package capability

import (
	"testing"

	"github.com/aura-labs/aura"
	"github.com/aura-labs/aura/crypto"
	"github.com/aura-labs/aura/effects"
	"github.com/aura-labs/aura/journal"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/kyber/v3/util/random"
)

var (
	alice = aura.NamedAuthorityID("alice")
	bob   = aura.NamedAuthorityID("bob")
	carol = aura.NamedAuthorityID("carol")
	room  = aura.NamedContextID("room")
)

func TestScope_Lattice(t *testing.T) {
	docs := StorageScope(alice, "/docs/")
	sub := StorageScope(alice, "docs/2024")
	other := StorageScope(alice, "docsecret")
	require.Equal(t, "docs", docs.Path)

	require.True(t, sub.LessEq(docs))
	require.False(t, docs.LessEq(sub))
	require.False(t, other.LessEq(docs))
	require.True(t, docs.LessEq(AuthorityScope(alice)))
	require.False(t, docs.LessEq(AuthorityScope(bob)))
	require.False(t, ContextScope(room).LessEq(AuthorityScope(alice)))
	require.True(t, Scope{}.LessEq(docs))

	require.Equal(t, sub, docs.Meet(sub))
	require.Equal(t, sub, sub.Meet(docs))
	require.Equal(t, Scope{}, other.Meet(docs))

	for _, s := range []Scope{AuthorityScope(alice), ContextScope(room), docs, StorageScope(bob, ""), {}} {
		back, err := ParseScope(s.Resource())
		require.NoError(t, err)
		require.Equal(t, s, back)
	}
	_, err := ParseScope("/planet/earth")
	require.True(t, aura.IsKind(err, aura.KindInvalidFormat))

	facts := docs.Datalog()
	require.Len(t, facts, 2)
	require.Equal(t, `resource_type("storage")`, facts[0].String())
	require.Equal(t, `resource("/storage/`+alice.String()+`/docs")`, facts[1].String())
}

func TestCapability_Verify(t *testing.T) {
	c := New(alice, bob, StorageScope(alice, "docs"), []string{OpWrite, OpRead, OpRead}, 1000, 2)
	require.Equal(t, []string{OpRead, OpWrite}, c.Ops)

	require.True(t, VerifyCapability(c, OpRead, StorageScope(alice, "docs/a"), 10))
	require.False(t, VerifyCapability(c, OpDelete, StorageScope(alice, "docs/a"), 10))
	require.False(t, VerifyCapability(c, OpRead, StorageScope(alice, "photos"), 10))
	require.False(t, VerifyCapability(c, OpRead, StorageScope(alice, "docs"), 1000))
	require.False(t, VerifyCapability(nil, OpRead, StorageScope(alice, "docs"), 0))

	err := CheckCapability(c, OpDelete, StorageScope(alice, "docs"), 0)
	require.True(t, aura.IsKind(err, aura.KindAuthorizationDenied))
}

func TestDelegate(t *testing.T) {
	src := New(alice, bob, AuthorityScope(alice), []string{OpRead, OpWrite, OpDelegate}, 0, 2)
	req := New(bob, carol, StorageScope(alice, "docs"), []string{OpRead, OpDelete}, 5000, 5)

	d, err := Delegate(src, req, carol)
	require.NoError(t, err)
	require.Equal(t, carol, d.Subject)
	require.Equal(t, bob, d.Issuer)
	require.Equal(t, []string{OpRead}, d.Ops)
	require.Equal(t, StorageScope(alice, "docs"), d.Scope)
	require.Equal(t, uint64(5000), d.ExpiryMs)
	require.Equal(t, uint8(1), d.Depth)

	// Delegating again consumes the last level.
	d2, err := Delegate(d, d, alice)
	require.NoError(t, err)
	require.Equal(t, uint8(0), d2.Depth)
	_, err = Delegate(d2, d2, bob)
	require.True(t, aura.IsKind(err, aura.KindAuthorizationDenied))
}

// Delegation is the meet: the result never grants more than the source
// nor more than was requested.
func TestDelegate_Refines(t *testing.T) {
	rnd := effects.NewSeeded([]byte("delegate"))
	ops := []string{OpRead, OpWrite, OpDelete, OpSend, OpDelegate}
	scopes := []Scope{
		{},
		AuthorityScope(alice),
		AuthorityScope(bob),
		ContextScope(room),
		StorageScope(alice, ""),
		StorageScope(alice, "docs"),
		StorageScope(alice, "docs/a"),
		StorageScope(bob, "docs"),
	}
	randomCap := func() *Capability {
		var set []string
		for _, o := range ops {
			if rnd.Range(2) == 1 {
				set = append(set, o)
			}
		}
		return New(alice, bob, scopes[rnd.Range(uint64(len(scopes)))], set,
			rnd.Range(3)*1000, uint8(rnd.Range(4)))
	}
	for i := 0; i < 500; i++ {
		s, r := randomCap(), randomCap()
		require.True(t, s.LessEq(s))
		m := s.Meet(r)
		require.True(t, m.LessEq(s))
		require.True(t, m.LessEq(r))

		d, err := Delegate(s, r, carol)
		if s.Depth == 0 {
			require.Error(t, err)
			continue
		}
		require.NoError(t, err)
		require.True(t, d.LessEq(s), "%s !<= %s", d, s)
		require.True(t, d.LessEq(r), "%s !<= %s", d, r)
		require.True(t, d.Depth < s.Depth)
	}
}

func TestDatalog_Parse(t *testing.T) {
	src := `right("/a", "read");
		can($r, $op) <- right($r, $op);
		check if time($t), $t < 10;
		allow if can($r, "read") or right($r, "write"), $r.starts_with("/");
		deny if right($r, $op), $op != "read";`
	b, err := Parse(src)
	require.NoError(t, err)
	require.Len(t, b.Facts, 1)
	require.Len(t, b.Rules, 1)
	require.Len(t, b.Checks, 1)
	require.Len(t, b.Policies, 2)
	require.True(t, b.Policies[0].Allow)
	require.Len(t, b.Policies[0].Queries, 2)
	require.False(t, b.Policies[1].Allow)
	require.Equal(t, `can($r, $op) <- right($r, $op)`, b.Rules[0].String())

	again, err := Parse(b.String())
	require.NoError(t, err)
	require.Equal(t, b.String(), again.String())

	empty, err := Parse("  ")
	require.NoError(t, err)
	require.Empty(t, empty.Facts)

	for _, bad := range []string{
		`right($x);`,
		`can($x) <- right($y);`,
		`check if $x == 1;`,
		`right("a"`,
		`right("a")`,
		`Right("a");`,
	} {
		_, err := Parse(bad)
		require.Error(t, err, bad)
		require.True(t, aura.IsKind(err, aura.KindInvalidFormat), bad)
	}
}

func TestDatalog_Fixpoint(t *testing.T) {
	b, err := Parse(`edge("a", "b"); edge("b", "c"); edge("c", "d");
		path($x, $y) <- edge($x, $y);
		path($x, $z) <- path($x, $y), edge($y, $z);
		weight("a", 3); weight("b", 12);`)
	require.NoError(t, err)
	w := NewWorld()
	w.AddBlock(b)
	require.NoError(t, w.Run())

	q := func(src string) bool {
		c, err := Parse("check if " + src + ";")
		require.NoError(t, err)
		return w.Query(c.Checks[0].Queries[0])
	}
	require.True(t, q(`path("a", "d")`))
	require.False(t, q(`path("d", "a")`))
	require.True(t, q(`weight($n, $w), $w > 10`))
	require.False(t, q(`weight($n, $w), $w > 20`))
	require.True(t, q(`weight($n, $w), $w <= 3, $n == "a"`))
	require.True(t, q(`path($x, "c"), $x.starts_with("a")`))
	require.Len(t, w.Facts(), 3+6+2)
}

func TestDatalog_Limits(t *testing.T) {
	b, err := Parse(`n(0); n($y) <- n($x), step($x, $y);`)
	require.NoError(t, err)
	w := NewWorld()
	w.AddBlock(b)
	for i := 0; i < MaxFacts+10; i++ {
		w.AddFact(NewPredicate("step", Int(int64(i)), Int(int64(i+1))))
	}
	require.Error(t, w.Run())
}

func TestToken_Authorize(t *testing.T) {
	r := random.New()
	root := crypto.NewKeyPair(r)
	clock := effects.NewSimClock(1000)
	c := New(alice, bob, StorageScope(alice, "docs"), []string{OpRead, OpWrite}, 5000, 0)
	tok, err := MintCapability(root, c, r)
	require.NoError(t, err)
	buf, err := tok.MarshalBinary()
	require.NoError(t, err)

	az := NewAuthorizer(root.Public(), clock)
	d, err := az.Authorize(buf, OpRead, StorageScope(alice, "docs/notes"))
	require.NoError(t, err)
	require.True(t, d.Authorized, d.Reason)

	d, err = az.Authorize(buf, OpDelete, StorageScope(alice, "docs"))
	require.NoError(t, err)
	require.False(t, d.Authorized)
	require.NotEmpty(t, d.Reason)

	d, err = az.Authorize(buf, OpRead, AuthorityScope(alice))
	require.NoError(t, err)
	require.False(t, d.Authorized)

	// Attenuation only restricts.
	ro, err := tok.Attenuate(`check if operation("read");`, r)
	require.NoError(t, err)
	d, err = az.AuthorizeToken(ro, OpRead, StorageScope(alice, "docs"))
	require.NoError(t, err)
	require.True(t, d.Authorized, d.Reason)
	d, err = az.AuthorizeToken(ro, OpWrite, StorageScope(alice, "docs"))
	require.NoError(t, err)
	require.False(t, d.Authorized)
	_, err = tok.Attenuate(`right("/", "read");`, r)
	require.Error(t, err)

	// Expiry is a check of the authority block.
	clock.Set(6000)
	d, err = az.Authorize(buf, OpRead, StorageScope(alice, "docs"))
	require.NoError(t, err)
	require.False(t, d.Authorized)
}

func TestToken_Encoding(t *testing.T) {
	r := random.New()
	root := crypto.NewKeyPair(r)
	tok, err := NewToken(root, `right("/context", "send");`, r)
	require.NoError(t, err)
	tok, err = tok.Attenuate(`check if operation("send");`, r)
	require.NoError(t, err)

	buf, err := tok.MarshalBinary()
	require.NoError(t, err)
	dec, err := UnmarshalToken(buf)
	require.NoError(t, err)
	require.Equal(t, tok, dec)
	blocks, err := dec.Verify(root.Public())
	require.NoError(t, err)
	require.Len(t, blocks, 2)

	again, err := dec.MarshalBinary()
	require.NoError(t, err)
	require.Equal(t, buf, again)

	_, err = UnmarshalToken(nil)
	require.True(t, aura.IsKind(err, aura.KindInvalidFormat))
}

func TestToken_Errors(t *testing.T) {
	r := random.New()
	root := crypto.NewKeyPair(r)
	tok, err := NewToken(root, `right("/context", "send");`, r)
	require.NoError(t, err)

	_, err = NewAuthorizer(nil, nil).AuthorizeToken(tok, OpSend, ContextScope(room))
	require.True(t, aura.IsKind(err, aura.KindInvalid))

	_, err = NewAuthorizer(root.Public(), nil).Authorize([]byte{0xff, 0x00}, OpSend, ContextScope(room))
	require.True(t, aura.IsKind(err, aura.KindInvalidFormat))

	other := crypto.NewKeyPair(r)
	_, err = NewAuthorizer(other.Public(), nil).AuthorizeToken(tok, OpSend, ContextScope(room))
	require.True(t, aura.IsKind(err, aura.KindInvalidSignature))

	forged := &Token{Blocks: append([]SignedBlock{}, tok.Blocks...), Proof: tok.Proof}
	forged.Blocks[0].Source = `right("/", "send");`
	_, err = NewAuthorizer(root.Public(), nil).AuthorizeToken(forged, OpSend, ContextScope(room))
	require.True(t, aura.IsKind(err, aura.KindInvalidSignature))

	// A dropped attenuation block leaves a proof that does not match.
	att, err := tok.Attenuate(`check if operation("receive");`, r)
	require.NoError(t, err)
	stripped := &Token{Blocks: att.Blocks[:1], Proof: att.Proof}
	_, err = NewAuthorizer(root.Public(), nil).AuthorizeToken(stripped, OpSend, ContextScope(room))
	require.True(t, aura.IsKind(err, aura.KindInvalidSignature))

	d, err := NewAuthorizer(root.Public(), nil).AuthorizeToken(tok, OpSend, ContextScope(room))
	require.NoError(t, err)
	require.True(t, d.Authorized, d.Reason)

	_, err = NewToken(root, `right(`, r)
	require.Error(t, err)
}

type journalSink struct {
	j *journal.Journal
}

func (s journalSink) Record(f *journal.SignedFact) error {
	return s.j.Commit(f)
}

// The charges recorded add up to what is spent, and spent never passes
// the limit.
func TestBudgets_Accounting(t *testing.T) {
	j := journal.New(journal.Config{})
	rnd := effects.NewSeeded([]byte("budget"))
	b := NewBudgets(alice, 100, effects.NewSimClock(0), journalSink{j})

	var sum uint64
	for i := 0; i < 200; i++ {
		cost := rnd.Range(15)
		fb, err := b.Charge(room, bob, cost)
		if err != nil {
			require.True(t, aura.IsKind(err, aura.KindInsufficientBudget))
		} else {
			sum += cost
		}
		require.Equal(t, sum, fb.Spent)
		require.True(t, fb.Spent <= fb.Limit)
	}
	require.Equal(t, sum, b.Get(room, bob).Spent)

	var recorded uint64
	for _, f := range j.FactsByPredicate(FlowFamily) {
		require.Equal(t, "charge", f.Value.Nested["kind"].Str)
		recorded += uint64(f.Value.Nested["cost"].Num)
	}
	require.Equal(t, sum, recorded)

	// Other pairs are untouched.
	require.Equal(t, uint64(0), b.Get(room, carol).Spent)

	_, err := b.Update(room, bob, sum-1)
	require.Error(t, err)
	fb, err := b.Update(room, bob, 200)
	require.NoError(t, err)
	require.Equal(t, uint64(200), fb.Limit)

	fb, err = b.Refresh(room, bob)
	require.NoError(t, err)
	require.Equal(t, uint64(0), fb.Spent)

	_, err = b.Charge(room, bob, 50)
	require.NoError(t, err)
	b.AdvanceEpoch(3)
	fb = b.Get(room, bob)
	require.Equal(t, uint64(0), fb.Spent)
	require.Equal(t, uint64(3), fb.Epoch)
	b.AdvanceEpoch(2)
	require.Equal(t, uint64(3), b.Get(room, bob).Epoch)
}

type failingSink struct{}

func (failingSink) Record(*journal.SignedFact) error {
	return aura.NewError(aura.KindStorage, "disk full")
}

func TestBudgets_UnrecordedChargeRollsBack(t *testing.T) {
	b := NewBudgets(alice, 10, nil, failingSink{})
	_, err := b.Charge(room, bob, 3)
	require.True(t, aura.IsKind(err, aura.KindStorage))
	require.Equal(t, uint64(0), b.Get(room, bob).Spent)
}

type keyring map[aura.AuthorityID]*crypto.KeyPair

func (k keyring) PublicKey(a aura.AuthorityID) ([]byte, error) {
	kp, ok := k[a]
	if !ok {
		return nil, aura.Errorf(aura.KindNotFound, "unknown authority %s", a)
	}
	return kp.Public(), nil
}

func TestGate(t *testing.T) {
	keys := keyring{alice: crypto.NewKeyPair(random.New()), bob: crypto.NewKeyPair(random.New())}
	store := NewStore()
	budgets := NewBudgets(alice, 3, nil, nil)
	gate := &Gate{Account: alice, Context: room, Caps: store, Budgets: budgets}
	j := journal.New(journal.Config{Keys: keys, Authorizer: gate, Penalizer: gate})

	store.Grant(New(alice, bob, JournalScope(alice, "note"), []string{OpWrite}, 0, 0))

	f := journal.NewFact("note:1", journal.String("hi"), bob, 1, 10)
	require.NoError(t, f.Sign(keys[bob]))
	require.NoError(t, j.Commit(f))

	f = journal.NewFact("device:1", journal.String("x"), bob, 1, 10)
	require.NoError(t, f.Sign(keys[bob]))
	require.True(t, aura.IsKind(j.Commit(f), aura.KindAuthorizationDenied))

	// Badly signed facts charge the sender until its budget runs out.
	for i := 0; i < 5; i++ {
		f = journal.NewFact("note:2", journal.String("spam"), bob, 1, 10)
		require.NoError(t, f.Sign(keys[alice]))
		require.True(t, aura.IsKind(j.CommitFrom(carol, f), aura.KindInvalidSignature))
	}
	require.Equal(t, uint64(3), budgets.Get(room, carol).Spent)
	require.Equal(t, 1, j.Len())
}

func TestStore_LoadFromJournal(t *testing.T) {
	j := journal.New(journal.Config{})
	c1 := New(alice, bob, ContextScope(room), []string{OpSend}, 0, 0)
	c2 := New(alice, carol, ContextScope(room), []string{OpReceive}, 0, 0)
	require.NoError(t, j.RefineCaps(c1.Fact(1, 0), c2.Fact(1, 0)))

	back, err := ParseCapability(c1.Fact(1, 0))
	require.NoError(t, err)
	require.Equal(t, c1, back)

	s := NewStore()
	s.Load(j.Facts())
	require.NoError(t, s.Check(bob, OpSend, ContextScope(room), 0))
	require.NoError(t, s.Check(carol, OpReceive, ContextScope(room), 0))

	// Revocation is a remove-wins tombstone at the same epoch.
	require.NoError(t, j.RefineCaps(c1.Revocation(1, 5)))
	s.Load(j.Facts())
	require.True(t, aura.IsKind(s.Check(bob, OpSend, ContextScope(room), 0), aura.KindAuthorizationDenied))
	require.NoError(t, s.Check(carol, OpReceive, ContextScope(room), 0))

	require.Error(t, j.RefineCaps(journal.NewFact("note:1", journal.String("x"), alice, 1, 0)))
}
