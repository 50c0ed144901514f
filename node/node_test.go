package node

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aura-labs/aura"
	"github.com/aura-labs/aura/ceremony"
	"github.com/aura-labs/aura/config"
	"github.com/aura-labs/aura/crypto"
	"github.com/aura-labs/aura/crypto/frost"
	"github.com/aura-labs/aura/effects"
	"github.com/aura-labs/aura/internal/wire"
	"github.com/aura-labs/aura/journal"
	"github.com/aura-labs/aura/recovery"
	"github.com/aura-labs/aura/storage"
	"github.com/aura-labs/aura/transport"
	"github.com/aura-labs/aura/tree"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/kyber/v3"
)

const wait = 5 * time.Second

var account = aura.NamedAuthorityID("account")

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.CeremonyTimeout = config.Duration{Duration: 5 * time.Second}
	cfg.ShareTimeout = config.Duration{Duration: time.Second}
	cfg.AntiEntropyInterval = config.Duration{Duration: time.Hour}
	cfg.TransportBackoff = config.Duration{Duration: time.Millisecond}
	cfg.DisputeWindowMs = 1000
	cfg.GuardianCooldownSecs = 1
	return cfg
}

type device struct {
	*Node
	key   *crypto.KeyPair
	fx    effects.Effects
	store *storage.MemStore
	stop  func()
}

type cluster struct {
	t       *testing.T
	net     *transport.LocalManager
	clock   *effects.SimClock
	cfg     *config.Config
	genesis *tree.State
	devices []*device
}

// newCluster creates n devices of one account. The first one holds the
// genesis leaf, the others still have to join.
func newCluster(t *testing.T, n int) *cluster {
	c := &cluster{
		t:     t,
		net:   transport.NewLocalManager(),
		clock: effects.NewSimClock(1000),
		cfg:   testConfig(),
	}
	var share *frost.KeyShare
	for i := 0; i < n; i++ {
		fx := effects.Effects{Clock: c.clock, Random: effects.NewSeeded([]byte(fmt.Sprintf("device%d", i)))}
		d := &device{key: crypto.NewKeyPair(fx.Random.Stream()), fx: fx, store: storage.NewMemStore()}
		if i == 0 {
			var err error
			c.genesis, share, err = Genesis(account, d.key, effects.NewSeeded([]byte("genesis")).Stream())
			require.NoError(t, err)
			c.start(d, share)
		} else {
			c.start(d, nil)
		}
		c.devices = append(c.devices, d)
	}
	return c
}

// start creates the node of d over its storage and runs it until the end
// of the test.
func (c *cluster) start(d *device, share *frost.KeyShare) {
	nd, err := New(context.Background(), Options{
		Config:    c.cfg,
		Account:   account,
		Key:       d.key,
		Effects:   d.fx,
		Storage:   d.store,
		Transport: c.net.NewTransport(tree.DeviceID(d.key.Public())),
		Genesis:   c.genesis,
		Share:     share,
	})
	require.NoError(c.t, err)
	d.Node = nd
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := nd.Run(ctx); err != nil {
			c.t.Errorf("%s stopped: %v", nd.ID(), err)
		}
	}()
	var once sync.Once
	d.stop = func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
	c.t.Cleanup(d.stop)
}

// join adds the device i to the tree and waits for its key share.
func (c *cluster) join(i int) tree.Epoch {
	d := c.devices[i]
	e, err := c.devices[0].ProposeOp(context.Background(), &tree.AddLeaf{Authority: d.ID(), PublicKey: d.PublicKey()})
	require.NoError(c.t, err)
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	require.NoError(c.t, d.Ready(ctx, e))
	return e
}

func (c *cluster) waitEpoch(d *device, e tree.Epoch) {
	require.Eventually(c.t, func() bool { return d.Tree().Epoch() >= e }, wait, 10*time.Millisecond)
}

func leafOf(t *testing.T, d *device) tree.LeafIndex {
	l, ok := d.Tree().Snapshot().LeafOf(d.ID())
	require.True(t, ok)
	return l.Index
}

func receive(t *testing.T, d *device) Delivery {
	select {
	case m := <-d.Deliveries():
		return m
	case <-time.After(wait):
		require.FailNow(t, "no channel message delivered")
	}
	return Delivery{}
}

func TestNode_JoinSecondDevice(t *testing.T) {
	c := newCluster(t, 2)
	a, b := c.devices[0], c.devices[1]

	e := c.join(1)
	require.Equal(t, tree.Epoch(1), e)
	require.Len(t, a.Tree().Leaves(), 2)
	require.Equal(t, tree.Threshold(1, 2), a.Tree().Snapshot().RootPolicy())
	c.waitEpoch(b, 1)
	require.Equal(t, a.Tree().RootCommitment(), b.Tree().RootCommitment())

	f, ok := a.Journal().Get(DeviceKey(b.ID()))
	require.True(t, ok)
	require.Equal(t, uint64(1), f.Epoch)
	_, ok = a.Journal().Get(TreeOpKey(1))
	require.True(t, ok)

	for _, d := range c.devices {
		se, ok := d.ShareEpoch()
		require.True(t, ok)
		require.Equal(t, tree.Epoch(1), se)
	}

	// The operation is stored for replays.
	stored, ok, err := a.store.Read(context.Background(), TreeEpochKey(account, 1))
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, stored)
}

func TestNode_JournalAntiEntropy(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 2)
	a, b := c.devices[0], c.devices[1]
	c.join(1)
	c.waitEpoch(b, 1)

	require.NoError(t, a.Assert(ctx, "note:a", journal.String("from a")))
	require.NoError(t, b.Assert(ctx, "note:b", journal.String("from b")))
	require.NotEqual(t, a.Journal().MerkleRoot(), b.Journal().MerkleRoot())

	_, err := a.Sync(ctx, a.ID())
	require.Error(t, err)

	require.Eventually(t, func() bool {
		sctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		converged, err := a.Sync(sctx, b.ID())
		return err == nil && converged && a.Journal().MerkleRoot() == b.Journal().MerkleRoot()
	}, wait, 10*time.Millisecond)

	for _, d := range c.devices {
		for _, k := range []string{"note:a", "note:b"} {
			_, ok := d.Journal().Get(k)
			require.True(t, ok, "%s misses %s", d.ID(), k)
		}
	}

	// A second session finds nothing to do.
	converged, err := b.Sync(ctx, a.ID())
	require.NoError(t, err)
	require.True(t, converged)
}

func TestNode_ConcurrentProposals(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 3)
	a, b, third := c.devices[0], c.devices[1], c.devices[2]
	c.join(1)
	c.waitEpoch(b, 1)

	// Both devices add a device on the same tree, each signing alone.
	alpha, err := a.Propose(ctx, &tree.AddLeaf{Authority: third.ID(), PublicKey: third.PublicKey()}, leafOf(t, a))
	require.NoError(t, err)
	other := crypto.NewKeyPair(effects.NewSeeded([]byte("other")).Stream())
	beta, err := b.Propose(ctx, &tree.AddLeaf{Authority: tree.DeviceID(other.Public()), PublicKey: other.Public()}, leafOf(t, b))
	require.NoError(t, err)
	require.Equal(t, alpha.Op.Prestate, beta.Op.Prestate)
	require.NotEqual(t, alpha.ID(), beta.ID())

	require.NoError(t, a.CommitProposal(ctx, alpha))
	require.Equal(t, tree.Epoch(2), a.Tree().Epoch())
	c.waitEpoch(b, 2)

	require.Eventually(t, func() bool {
		_, ok := b.Journal().Get(ceremony.SupersededKey(alpha.ID(), beta.ID()))
		return ok
	}, wait, 10*time.Millisecond)
	o := beta.Outcome()
	require.Equal(t, ceremony.Superseded, o.State)
	require.Equal(t, ceremony.PrestateStale, o.Reason)
	require.Equal(t, alpha.ID(), o.Winner)

	err = b.CommitProposal(ctx, beta)
	require.True(t, aura.IsKind(err, aura.KindSuperseded), "%v", err)
	_, err = b.Tree().Apply(beta.Op)
	require.True(t, aura.IsKind(err, aura.KindStalePrestate), "%v", err)
	require.Equal(t, a.Tree().RootCommitment(), b.Tree().RootCommitment())

	// The device added by the winner joins.
	wctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	require.NoError(t, third.Ready(wctx, 2))
	require.Len(t, third.Tree().Leaves(), 3)
}

func TestNode_Channel(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 2)
	a, b := c.devices[0], c.devices[1]
	c.join(1)
	c.waitEpoch(b, 1)
	chat := aura.NamedContextID("chat")

	id, err := a.OpenChannel(ctx, chat, b.ID())
	require.NoError(t, err)
	e, ok := a.ChannelEpoch(id)
	require.True(t, ok)
	require.Equal(t, uint64(1), e)

	require.NoError(t, a.Send(ctx, chat, b.ID(), []byte("hello")))
	m := receive(t, b)
	require.Equal(t, a.ID(), m.From)
	require.Equal(t, chat, m.Context)
	require.Equal(t, id, m.Channel)
	require.Equal(t, []byte("hello"), m.Payload)
	require.Equal(t, uint64(1), a.Budgets().Get(chat, b.ID()).Spent)

	require.NoError(t, b.Send(ctx, chat, a.ID(), []byte("hi")))
	require.Equal(t, []byte("hi"), receive(t, a).Payload)

	// A rotation rekeys the channels of the affected leaves.
	_, err = a.ProposeOp(ctx, &tree.RotateEpoch{Reason: "rekey"})
	require.NoError(t, err)
	e, _ = a.ChannelEpoch(id)
	require.Equal(t, uint64(2), e)
	c.waitEpoch(b, 2)
	require.NoError(t, a.Send(ctx, chat, b.ID(), []byte("after rotation")))
	require.Equal(t, []byte("after rotation"), receive(t, b).Payload)
}

type guardian struct {
	id    aura.AuthorityID
	kp    *crypto.KeyPair
	share *frost.KeyShare
	net   transport.Transport
}

// guardians deals a two of three guardian set to the devices.
func (c *cluster) guardians() ([]*guardian, *recovery.GuardianSet) {
	r := effects.NewSeeded([]byte("guardians"))
	var gs []*guardian
	var ids []aura.AuthorityID
	var keys [][]byte
	for i := 1; i <= 3; i++ {
		g := &guardian{id: aura.NamedAuthorityID(fmt.Sprintf("guardian%d", i)), kp: crypto.NewKeyPair(r.Stream())}
		g.net = c.net.NewTransport(g.id)
		gs = append(gs, g)
		ids = append(ids, g.id)
		keys = append(keys, g.kp.Public())
	}
	set, shares, err := recovery.Deal(account, 2, ids, keys, r.Stream())
	require.NoError(c.t, err)
	for i, ks := range shares {
		gs[i].share = ks
	}
	for _, d := range c.devices {
		require.NoError(c.t, d.SetGuardians(set))
	}
	return gs, set
}

// initiateRecovery starts a recovery replacing the devices with
// themselves under a new group key, and returns the new key shares.
func (c *cluster) initiateRecovery(gs []*guardian) (crypto.Hash32, []*frost.KeyShare) {
	a := c.devices[0]
	shares, group, err := frost.Deal(nil, 1, []int{0, 1}, effects.NewSeeded([]byte("recovered")).Stream())
	require.NoError(c.t, err)
	act := &tree.RecoveryAction{Threshold: 1, GroupKey: crypto.PointBytes(group)}
	for _, d := range c.devices {
		act.Authorities = append(act.Authorities, d.ID())
		act.PublicKeys = append(act.PublicKeys, d.PublicKey())
	}
	id, err := a.InitiateRecovery(context.Background(), recovery.Request{
		Context:   aura.NamedContextID("recovery"),
		Threshold: 2,
		Guardians: []aura.AuthorityID{gs[0].id, gs[1].id, gs[2].id},
		Action:    act,
	})
	require.NoError(c.t, err)
	return id, shares
}

func (c *cluster) approve(id crypto.Hash32, g *guardian) *recovery.Share {
	grant, err := c.devices[0].Recovery().Pending(id)
	require.NoError(c.t, err)
	s, err := recovery.NewShare(g.kp, g.id, g.share, grant, c.clock.NowMs())
	require.NoError(c.t, err)
	return s
}

func (c *cluster) waitStatus(id crypto.Hash32, st recovery.Status) {
	require.Eventually(c.t, func() bool {
		r, ok := c.devices[0].Recovery().Status(id)
		return ok && r.Status == st
	}, wait, 10*time.Millisecond)
}

func TestNode_Recovery(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 2)
	a, b := c.devices[0], c.devices[1]
	c.join(1)
	c.waitEpoch(b, 1)
	gs, _ := c.guardians()

	chat := aura.NamedContextID("chat")
	ch, err := a.OpenChannel(ctx, chat, b.ID())
	require.NoError(t, err)
	require.NoError(t, a.Send(ctx, chat, b.ID(), []byte("before")))
	require.Equal(t, []byte("before"), receive(t, b).Payload)

	id, shares := c.initiateRecovery(gs)
	st, err := a.SubmitRecoveryShare(ctx, id, c.approve(id, gs[0]))
	require.NoError(t, err)
	require.Equal(t, recovery.Collecting, st)
	_, err = a.FinalizeRecovery(ctx, id)
	require.True(t, aura.IsKind(err, aura.KindInsufficientSigners), "%v", err)

	// The second share comes over the network.
	require.NoError(t, SendRecovery(ctx, gs[1].net, gs[1].kp, account, a.ID(),
		&RecoveryMessage{Ceremony: id, Share: c.approve(id, gs[1])}))
	c.waitStatus(id, recovery.Granted)

	_, err = a.FinalizeRecovery(ctx, id)
	require.True(t, aura.IsKind(err, aura.KindPolicyViolation), "%v", err)
	require.Equal(t, tree.Epoch(1), a.Tree().Epoch())

	c.clock.Advance(1001 * time.Millisecond)
	e, err := a.FinalizeRecovery(ctx, id)
	require.NoError(t, err)
	require.Equal(t, tree.Epoch(2), e)
	c.waitStatus(id, recovery.Applied)
	c.waitEpoch(b, 2)
	require.Equal(t, a.Tree().RootCommitment(), b.Tree().RootCommitment())
	require.Equal(t, shares[0].GroupKey.String(), mustPoint(t, a.Tree().Snapshot().GroupKey).String())

	// The recovery rekeyed every channel.
	ce, ok := a.ChannelEpoch(ch)
	require.True(t, ok)
	require.Equal(t, uint64(2), ce)

	publics := map[tree.LeafIndex]kyber.Point{0: shares[0].Public(), 1: shares[1].Public()}
	require.NoError(t, a.InstallShare(ctx, shares[leafOf(t, a)], publics))
	require.NoError(t, b.InstallShare(ctx, shares[leafOf(t, b)], publics))
	require.Error(t, a.InstallShare(ctx, shares[leafOf(t, b)], publics))

	// The recovered devices sign again.
	e, err = a.ProposeOp(ctx, &tree.RotateEpoch{Reason: "recovered"})
	require.NoError(t, err)
	require.Equal(t, tree.Epoch(3), e)
	c.waitEpoch(b, 3)
	wctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	require.NoError(t, b.Ready(wctx, 3))

	require.NoError(t, a.Send(ctx, chat, b.ID(), []byte("after")))
	require.Equal(t, []byte("after"), receive(t, b).Payload)
}

func mustPoint(t *testing.T, buf []byte) kyber.Point {
	p, err := crypto.PointFromBytes(buf)
	require.NoError(t, err)
	return p
}

func TestNode_RecoveryDispute(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 2)
	a, b := c.devices[0], c.devices[1]
	c.join(1)
	c.waitEpoch(b, 1)
	gs, _ := c.guardians()

	id, _ := c.initiateRecovery(gs)
	for _, g := range gs[:2] {
		_, err := a.SubmitRecoveryShare(ctx, id, c.approve(id, g))
		require.NoError(t, err)
	}
	c.waitStatus(id, recovery.Granted)
	root := a.Tree().RootCommitment()

	c.clock.Advance(500 * time.Millisecond)
	d := &recovery.Dispute{Guardian: gs[2].id, Reason: "not requested by the owner", FiledAtMs: c.clock.NowMs()}
	require.NoError(t, d.Sign(gs[2].kp, id))

	// A guardian cannot file a dispute in the name of another.
	forged := *d
	forged.Guardian = gs[0].id
	require.NoError(t, SendRecovery(ctx, gs[2].net, gs[2].kp, account, a.ID(), &RecoveryMessage{Ceremony: id, Dispute: &forged}))
	require.NoError(t, SendRecovery(ctx, gs[2].net, gs[2].kp, account, a.ID(), &RecoveryMessage{Ceremony: id, Dispute: d}))
	c.waitStatus(id, recovery.Voided)

	c.clock.Advance(600 * time.Millisecond)
	_, err := a.FinalizeRecovery(ctx, id)
	require.True(t, aura.IsKind(err, aura.KindSuperseded), "%v", err)
	require.Equal(t, tree.Epoch(1), a.Tree().Epoch())
	require.Equal(t, root, a.Tree().RootCommitment())

	key := recovery.FactKey(id, "dispute:"+gs[2].id.String())
	_, ok := a.Journal().Get(key)
	require.True(t, ok)
	_, ok = a.Journal().Get(recovery.FactKey(id, "dispute:"+gs[0].id.String()))
	require.False(t, ok)

	// The dispute reaches the other device with anti-entropy.
	require.Eventually(t, func() bool {
		sctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		_, err := a.Sync(sctx, b.ID())
		_, ok := b.Journal().Get(key)
		return err == nil && ok
	}, wait, 10*time.Millisecond)
}

func TestNode_Rehydrate(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 2)
	a, b := c.devices[0], c.devices[1]
	c.join(1)
	c.waitEpoch(b, 1)

	chat := aura.NamedContextID("chat")
	ch, err := a.OpenChannel(ctx, chat, b.ID())
	require.NoError(t, err)
	require.NoError(t, a.Send(ctx, chat, b.ID(), []byte("hello")))
	receive(t, b)
	require.NoError(t, a.Assert(ctx, "note:a", journal.String("kept")))

	a.stop()
	epoch := a.Tree().Epoch()
	root := a.Tree().RootCommitment()
	ledger := a.Journal().MerkleRoot()
	facts := a.Journal().Len()

	restarted := &device{key: a.key, fx: a.fx, store: a.store}
	c.start(restarted, nil)
	require.Equal(t, epoch, restarted.Tree().Epoch())
	require.Equal(t, root, restarted.Tree().RootCommitment())
	require.Equal(t, ledger, restarted.Journal().MerkleRoot())
	require.Equal(t, facts, restarted.Journal().Len())
	se, ok := restarted.ShareEpoch()
	require.True(t, ok)
	require.Equal(t, epoch, se)
	ce, ok := restarted.ChannelEpoch(ch)
	require.True(t, ok)
	require.Equal(t, uint64(epoch), ce)

	// The restarted device keeps its channel and signs again.
	require.NoError(t, restarted.Send(ctx, chat, b.ID(), []byte("back")))
	require.Equal(t, []byte("back"), receive(t, b).Payload)
	_, err = restarted.ProposeOp(ctx, &tree.RotateEpoch{Reason: "restarted"})
	require.NoError(t, err)
	c.waitEpoch(b, epoch+1)
}

func TestNode_RefusesForeignAccount(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 1)
	a := c.devices[0]
	stranger := crypto.NewKeyPair(effects.NewSeeded([]byte("stranger")).Stream())
	from := tree.DeviceID(stranger.Public())
	buf, err := sealEnvelope(stranger, from, a.ID(), MsgSyncRequest, aura.NamedAuthorityID("other"), &journal.Message{})
	require.NoError(t, err)
	err = a.handle(ctx, transport.Packet{From: from, Data: buf})
	require.True(t, aura.IsKind(err, aura.KindAuthorizationDenied), "%v", err)

	_, err = DecodeEnvelope([]byte{0xff})
	require.Error(t, err)
}

func TestNode_AuthenticatesEnvelopes(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, 1)
	a := c.devices[0]
	stranger := crypto.NewKeyPair(effects.NewSeeded([]byte("stranger")).Stream())
	from := tree.DeviceID(stranger.Public())
	reject := func(kind aura.Kind, sender aura.AuthorityID, env *Envelope) {
		buf, err := wire.Marshal(env)
		require.NoError(t, err)
		err = a.handle(ctx, transport.Packet{From: sender, Data: buf})
		require.True(t, aura.IsKind(err, kind), "%v", err)
	}
	seal := func(key *crypto.KeyPair, from, to aura.AuthorityID) *Envelope {
		buf, err := sealEnvelope(key, from, to, MsgSyncRequest, account, &journal.Message{})
		require.NoError(t, err)
		env, err := DecodeEnvelope(buf)
		require.NoError(t, err)
		return env
	}

	// Unsigned.
	env := seal(stranger, from, a.ID())
	env.Signature = nil
	reject(aura.KindInvalidSignature, from, env)

	// Delivered by another authority than the one that signed.
	reject(aura.KindAuthorizationDenied, aura.NamedAuthorityID("relay"), seal(stranger, from, a.ID()))

	// Signed in the name of the device with another key.
	reject(aura.KindAuthorizationDenied, a.ID(), seal(stranger, a.ID(), a.ID()))

	// Signed for another recipient.
	reject(aura.KindInvalidSignature, from, seal(stranger, from, aura.NamedAuthorityID("elsewhere")))

	// Body changed after signing.
	env = seal(stranger, from, a.ID())
	env.Body = append(env.Body, 0)
	reject(aura.KindInvalidSignature, from, env)
}
