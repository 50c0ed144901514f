package sim

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/aura-labs/aura"
	"github.com/aura-labs/aura/amp"
	"github.com/aura-labs/aura/ceremony"
	"github.com/aura-labs/aura/config"
	"github.com/aura-labs/aura/crypto"
	"github.com/aura-labs/aura/crypto/frost"
	"github.com/aura-labs/aura/journal"
	"github.com/aura-labs/aura/node"
	"github.com/aura-labs/aura/recovery"
	"github.com/aura-labs/aura/transport"
	"github.com/aura-labs/aura/tree"
	"go.dedis.ch/kyber/v3"
	"golang.org/x/xerrors"
)

// Scenario is one end-to-end run.
type Scenario struct {
	Name        string
	Description string
	// Devices is the size of the cluster.
	Devices int
	// DisputeWindowMs overrides the configured dispute window.
	DisputeWindowMs uint64
	run             func(ctx context.Context, c *Cluster, w io.Writer) error
}

// Scenarios lists the scenarios in order.
var Scenarios = []Scenario{
	{Name: "S1", Description: "add a second device", Devices: 2, run: addDevice},
	{Name: "S2", Description: "anti-entropy convergence of two journals", Devices: 2, run: antiEntropy},
	{Name: "S3", Description: "concurrent ceremonies with supersession", Devices: 3, run: supersession},
	{Name: "S4", Description: "deterministic channel nonce and delivery", Devices: 2, run: channelNonce},
	{Name: "S5", Description: "guardian recovery", Devices: 2, DisputeWindowMs: 1000, run: recoveryHappy},
	{Name: "S6", Description: "guardian recovery voided by a dispute", Devices: 2, DisputeWindowMs: 1000, run: recoveryDisputed},
}

// Find returns the scenario with the given name.
func Find(name string) (Scenario, bool) {
	for _, s := range Scenarios {
		if s.Name == name {
			return s, true
		}
	}
	return Scenario{}, false
}

// Run starts a cluster for the scenario, runs it and writes what it
// observes to w.
func (s Scenario) Run(ctx context.Context, cfg *config.Config, w io.Writer) error {
	local := *cfg
	if s.DisputeWindowMs != 0 {
		local.DisputeWindowMs = s.DisputeWindowMs
	}
	c, err := NewCluster(ctx, &local, s.Devices)
	if err != nil {
		return err
	}
	defer c.Close()
	fmt.Fprintf(w, "%s: %s\n", s.Name, s.Description)
	if err := s.run(ctx, c, w); err != nil {
		return xerrors.Errorf("%s: %v", s.Name, err)
	}
	fmt.Fprintf(w, "%s: ok\n", s.Name)
	return nil
}

func expect(ok bool, format string, args ...interface{}) error {
	if ok {
		return nil
	}
	return aura.Errorf(aura.KindInvalid, "expected "+format, args...)
}

// joined returns a cluster whose first two devices share epoch 1.
func joined(ctx context.Context, c *Cluster) error {
	if _, err := c.Join(ctx, 1); err != nil {
		return err
	}
	return c.WaitEpoch(ctx, c.Devices[1], 1)
}

func addDevice(ctx context.Context, c *Cluster, w io.Writer) error {
	a, b := c.Devices[0], c.Devices[1]
	st := a.Tree().Snapshot()
	fmt.Fprintf(w, "  genesis: %d leaf, policy %s, epoch %d\n", len(st.Leaves()), st.RootPolicy(), st.Epoch)
	if err := joined(ctx, c); err != nil {
		return err
	}
	st = a.Tree().Snapshot()
	fmt.Fprintf(w, "  after AddLeaf: %d leaves, policy %s, epoch %d\n", len(st.Leaves()), st.RootPolicy(), st.Epoch)
	if err := expect(st.Epoch == 1 && len(st.Leaves()) == 2, "two leaves at epoch 1"); err != nil {
		return err
	}
	if err := expect(st.RootPolicy() == tree.Threshold(1, 2), "policy Threshold{1, 2}, got %s", st.RootPolicy()); err != nil {
		return err
	}
	f, ok := a.Journal().Get(node.DeviceKey(b.ID()))
	if err := expect(ok && f.Epoch == 1, "a device fact at epoch 1"); err != nil {
		return err
	}
	fmt.Fprintf(w, "  journal: %s at epoch %d\n", f.Key, f.Epoch)
	return nil
}

func antiEntropy(ctx context.Context, c *Cluster, w io.Writer) error {
	r, s := c.Devices[0], c.Devices[1]
	if err := joined(ctx, c); err != nil {
		return err
	}
	if err := r.Assert(ctx, "a", journal.Number(1)); err != nil {
		return err
	}
	if err := s.Assert(ctx, "b", journal.Number(2)); err != nil {
		return err
	}
	fmt.Fprintf(w, "  before: R %s (%d facts), S %s (%d facts)\n",
		r.Journal().MerkleRoot().Prefix(), r.Journal().Len(), s.Journal().MerkleRoot().Prefix(), s.Journal().Len())
	for round := 0; round < journal.DefaultMaxRounds; round++ {
		for _, p := range [][2]*Device{{r, s}, {s, r}} {
			sctx, cancel := context.WithTimeout(ctx, c.Config.ShareTimeout.Duration)
			_, err := p[0].Sync(sctx, p[1].ID())
			cancel()
			if err != nil {
				return err
			}
		}
		if r.Journal().MerkleRoot() == s.Journal().MerkleRoot() {
			break
		}
	}
	fmt.Fprintf(w, "  after: R %s (%d facts), S %s (%d facts)\n",
		r.Journal().MerkleRoot().Prefix(), r.Journal().Len(), s.Journal().MerkleRoot().Prefix(), s.Journal().Len())
	for _, d := range []*Device{r, s} {
		for _, k := range []string{"a", "b"} {
			if _, ok := d.Journal().Get(k); !ok {
				return aura.Errorf(aura.KindInvalid, "%s misses %q", d.Name(), k)
			}
		}
	}
	return expect(r.Journal().MerkleRoot() == s.Journal().MerkleRoot(), "equal merkle roots")
}

func supersession(ctx context.Context, c *Cluster, w io.Writer) error {
	a, b, third := c.Devices[0], c.Devices[1], c.Devices[2]
	if err := joined(ctx, c); err != nil {
		return err
	}
	la, err := a.Leaf()
	if err != nil {
		return err
	}
	lb, err := b.Leaf()
	if err != nil {
		return err
	}
	alpha, err := a.Propose(ctx, &tree.AddLeaf{Authority: third.ID(), PublicKey: third.PublicKey()}, la)
	if err != nil {
		return err
	}
	other := crypto.NewKeyPair(c.Random("other").Stream())
	beta, err := b.Propose(ctx, &tree.AddLeaf{Authority: tree.DeviceID(other.Public()), PublicKey: other.Public()}, lb)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "  alpha %s: %s\n  beta %s: %s\n", alpha.ID().Prefix(), alpha.Outcome(), beta.ID().Prefix(), beta.Outcome())
	if err := a.CommitProposal(ctx, alpha); err != nil {
		return err
	}
	key := ceremony.SupersededKey(alpha.ID(), beta.ID())
	if err := c.WaitFor(ctx, key, func() bool {
		_, ok := b.Journal().Get(key)
		return ok
	}); err != nil {
		return err
	}
	o := beta.Outcome()
	fmt.Fprintf(w, "  alpha committed at epoch %d, beta is %s\n  journal: %s\n", a.Tree().Epoch(), o, key)
	if err := expect(o.State == ceremony.Superseded && o.Reason == ceremony.PrestateStale && o.Winner == alpha.ID(),
		"beta superseded as stale by alpha, got %s", o); err != nil {
		return err
	}
	if err := b.CommitProposal(ctx, beta); !aura.IsKind(err, aura.KindSuperseded) {
		return aura.Errorf(aura.KindInvalid, "committing beta returned %v", err)
	}
	_, err = b.Tree().Apply(beta.Op)
	fmt.Fprintf(w, "  applying beta: %v\n", err)
	return expect(aura.IsKind(err, aura.KindStalePrestate), "a stale prestate")
}

func channelNonce(ctx context.Context, c *Cluster, w io.Writer) error {
	n := amp.DeriveNonce(0x0123456789ABCDEF, 0x12345678)
	want := []byte{0xEF, 0xCD, 0xAB, 0x89, 0x67, 0x45, 0x23, 0x01, 0x78, 0x56, 0x34, 0x12}
	fmt.Fprintf(w, "  nonce: %s\n", hex.EncodeToString(n[:]))
	if err := expect(bytes.Equal(n[:], want), "nonce %x", want); err != nil {
		return err
	}
	a, b := c.Devices[0], c.Devices[1]
	if err := joined(ctx, c); err != nil {
		return err
	}
	chat := aura.NamedContextID("chat")
	id, err := a.OpenChannel(ctx, chat, b.ID())
	if err != nil {
		return err
	}
	if err := a.Send(ctx, chat, b.ID(), []byte("hello")); err != nil {
		return err
	}
	m, err := c.Receive(ctx, b)
	if err != nil {
		return err
	}
	e, _ := a.ChannelEpoch(id)
	fmt.Fprintf(w, "  channel %s at epoch %d delivered %q\n", id.Short(), e, m.Payload)
	return expect(string(m.Payload) == "hello", "the message to be delivered")
}

type guardian struct {
	id    aura.AuthorityID
	kp    *crypto.KeyPair
	share *frost.KeyShare
	net   transport.Transport
}

// recoverySetup joins the devices, deals three guardians and starts a
// recovery of the account onto the same devices under a new group key.
func recoverySetup(ctx context.Context, c *Cluster) ([]*guardian, crypto.Hash32, []*frost.KeyShare, error) {
	var id crypto.Hash32
	if err := joined(ctx, c); err != nil {
		return nil, id, nil, err
	}
	r := c.Random("guardians")
	var gs []*guardian
	var ids []aura.AuthorityID
	var keys [][]byte
	for i := 1; i <= 3; i++ {
		g := &guardian{id: aura.NamedAuthorityID(fmt.Sprintf("G%d", i)), kp: crypto.NewKeyPair(r.Stream())}
		g.net = c.Net.NewTransport(g.id)
		gs = append(gs, g)
		ids = append(ids, g.id)
		keys = append(keys, g.kp.Public())
	}
	set, shares, err := recovery.Deal(c.Account, 2, ids, keys, r.Stream())
	if err != nil {
		return nil, id, nil, err
	}
	for i, ks := range shares {
		gs[i].share = ks
	}
	for _, d := range c.Devices {
		if err := d.SetGuardians(set); err != nil {
			return nil, id, nil, err
		}
	}
	newShares, group, err := frost.Deal(nil, 1, []int{0, 1}, r.Stream())
	if err != nil {
		return nil, id, nil, err
	}
	act := &tree.RecoveryAction{Threshold: 1, GroupKey: crypto.PointBytes(group)}
	for _, d := range c.Devices {
		act.Authorities = append(act.Authorities, d.ID())
		act.PublicKeys = append(act.PublicKeys, d.PublicKey())
	}
	id, err = c.Devices[0].InitiateRecovery(ctx, recovery.Request{
		Context:   aura.NamedContextID("recovery"),
		Threshold: 2,
		Guardians: ids,
		Action:    act,
	})
	return gs, id, newShares, err
}

// approve sends the share of g over the network.
func approve(ctx context.Context, c *Cluster, id crypto.Hash32, g *guardian) error {
	a := c.Devices[0]
	grant, err := a.Recovery().Pending(id)
	if err != nil {
		return err
	}
	s, err := recovery.NewShare(g.kp, g.id, g.share, grant, c.Clock.NowMs())
	if err != nil {
		return err
	}
	return node.SendRecovery(ctx, g.net, g.kp, c.Account, a.ID(), &node.RecoveryMessage{Ceremony: id, Share: s})
}

func (c *Cluster) waitRecovery(ctx context.Context, id crypto.Hash32, st recovery.Status) error {
	return c.WaitFor(ctx, "recovery "+st.String(), func() bool {
		r, ok := c.Devices[0].Recovery().Status(id)
		return ok && r.Status == st
	})
}

func recoveryHappy(ctx context.Context, c *Cluster, w io.Writer) error {
	a, b := c.Devices[0], c.Devices[1]
	gs, id, shares, err := recoverySetup(ctx, c)
	if err != nil {
		return err
	}
	chat := aura.NamedContextID("chat")
	ch, err := a.OpenChannel(ctx, chat, b.ID())
	if err != nil {
		return err
	}
	for _, g := range gs[:2] {
		if err := approve(ctx, c, id, g); err != nil {
			return err
		}
	}
	if err := c.waitRecovery(ctx, id, recovery.Granted); err != nil {
		return err
	}
	rec, _ := a.Recovery().Status(id)
	fmt.Fprintf(w, "  recovery %s granted at %d ms, dispute window ends at %d ms\n",
		id.Prefix(), rec.Grant.IssuedAtMs, rec.Grant.DisputeWindowEnd)

	c.Clock.Set(rec.Grant.DisputeWindowEnd + 1)
	before, _ := a.ChannelEpoch(ch)
	e, err := a.FinalizeRecovery(ctx, id)
	if err != nil {
		return err
	}
	if err := c.WaitEpoch(ctx, b, e); err != nil {
		return err
	}
	after, _ := a.ChannelEpoch(ch)
	fmt.Fprintf(w, "  at %d ms: Recovery applied, epoch %d, channel epoch %d -> %d\n", c.Clock.NowMs(), e, before, after)
	h, _ := a.Tree().History(e)
	if err := expect(h.Op.Kind == tree.OpRecovery, "a Recovery operation"); err != nil {
		return err
	}
	if err := expect(after == uint64(e), "the channel rekeyed to epoch %d", e); err != nil {
		return err
	}

	publics := map[tree.LeafIndex]kyber.Point{}
	for i, ks := range shares {
		publics[tree.LeafIndex(i)] = ks.Public()
	}
	for _, d := range c.Devices {
		l, err := d.Leaf()
		if err != nil {
			return err
		}
		if err := d.InstallShare(ctx, shares[l], publics); err != nil {
			return err
		}
	}
	e, err = a.ProposeOp(ctx, &tree.RotateEpoch{Reason: "recovered"})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "  the recovered devices signed epoch %d\n", e)
	return nil
}

func recoveryDisputed(ctx context.Context, c *Cluster, w io.Writer) error {
	a := c.Devices[0]
	gs, id, _, err := recoverySetup(ctx, c)
	if err != nil {
		return err
	}
	for _, g := range gs[:2] {
		if err := approve(ctx, c, id, g); err != nil {
			return err
		}
	}
	if err := c.waitRecovery(ctx, id, recovery.Granted); err != nil {
		return err
	}
	rec, _ := a.Recovery().Status(id)
	root := a.Tree().RootCommitment()

	c.Clock.Set(rec.Grant.IssuedAtMs + 500)
	g := gs[2]
	d := &recovery.Dispute{Guardian: g.id, Reason: "not me", FiledAtMs: c.Clock.NowMs()}
	if err := d.Sign(g.kp, id); err != nil {
		return err
	}
	if err := node.SendRecovery(ctx, g.net, g.kp, c.Account, a.ID(), &node.RecoveryMessage{Ceremony: id, Dispute: d}); err != nil {
		return err
	}
	if err := c.waitRecovery(ctx, id, recovery.Voided); err != nil {
		return err
	}
	fmt.Fprintf(w, "  at %d ms: %s disputes: %q\n", c.Clock.NowMs(), g.id, d.Reason)

	c.Clock.Set(rec.Grant.DisputeWindowEnd + 1)
	_, err = a.FinalizeRecovery(ctx, id)
	fmt.Fprintf(w, "  at %d ms: finalizing: %v\n", c.Clock.NowMs(), err)
	if err := expect(aura.IsKind(err, aura.KindSuperseded), "a void grant"); err != nil {
		return err
	}
	if err := expect(a.Tree().RootCommitment() == root, "an unchanged tree"); err != nil {
		return err
	}
	key := recovery.FactKey(id, "dispute:"+g.id.String())
	_, ok := a.Journal().Get(key)
	fmt.Fprintf(w, "  journal: %s\n", key)
	return expect(ok, "the dispute in the journal")
}
