package node

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/aura-labs/aura"
	"github.com/aura-labs/aura/ceremony"
	"github.com/aura-labs/aura/crypto"
	"github.com/aura-labs/aura/internal/wire"
	"github.com/aura-labs/aura/journal"
	"github.com/aura-labs/aura/storage"
	"github.com/aura-labs/aura/tree"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/onet/v3/log"
)

// Journal families written by the node.
const (
	// TreeOpFamily records the applied operations: treeop:{epoch} holds
	// the operation that produced the epoch.
	TreeOpFamily = "treeop"
	// DeviceFamily records the devices added to the account:
	// device:{authority} is written at the epoch the device joined.
	DeviceFamily = "device"
)

// TreeOpKey returns the journal key of the operation producing epoch e.
func TreeOpKey(e tree.Epoch) string {
	return fmt.Sprintf("%s:%020d", TreeOpFamily, uint64(e))
}

// DeviceKey returns the journal key announcing a device.
func DeviceKey(device aura.AuthorityID) string {
	return DeviceFamily + ":" + device.String()
}

// TreeEpochKey returns accounts/{account}/tree_epoch_{N}.cbor, where the
// operation producing epoch N is stored.
func TreeEpochKey(account aura.AuthorityID, e tree.Epoch) string {
	return storage.AccountKey(account, fmt.Sprintf("tree_epoch_%d.cbor", uint64(e)))
}

func genesisKey(account aura.AuthorityID) string {
	return storage.AccountKey(account, "tree_genesis.cbor")
}

// pendingOp is an operation learned from the journal before its prestate
// was reached.
type pendingOp struct {
	op       *tree.TreeOp
	ceremony crypto.Hash32
}

// Proposal is a ceremony that reached its aggregated signature and waits
// to be committed.
type Proposal struct {
	// Op is the attested operation.
	Op      *tree.TreeOp
	session *ceremony.Session
}

// ID returns the ceremony id.
func (p *Proposal) ID() crypto.Hash32 {
	return p.session.ID()
}

// Outcome returns the state of the ceremony.
func (p *Proposal) Outcome() ceremony.Outcome {
	return p.session.Outcome()
}

// outbox sends the messages of the local sessions.
type outbox struct{ n *Node }

func (o outbox) Send(ctx context.Context, to aura.AuthorityID, m *ceremony.Message) error {
	return o.n.send(ctx, to, MsgCeremony, m)
}

// ProposeOp runs the whole life of an operation: intent, ceremony, apply,
// journal and rekey. It returns the new epoch.
func (n *Node) ProposeOp(ctx context.Context, body interface{}) (tree.Epoch, error) {
	p, err := n.Propose(ctx, body)
	if err != nil {
		return 0, err
	}
	if err := n.CommitProposal(ctx, p); err != nil {
		return 0, err
	}
	return n.tree.Epoch(), nil
}

// Propose authors an operation against the current tree, records its
// intent and runs its ceremony until the signature is aggregated. signers
// restricts the ceremony to some leaves.
func (n *Node) Propose(ctx context.Context, body interface{}, signers ...tree.LeafIndex) (*Proposal, error) {
	st := n.tree.Snapshot()
	wctx, cancel := context.WithTimeout(ctx, n.cfg.ShareTimeout.Duration)
	err := n.Ready(wctx, st.Epoch)
	cancel()
	if err != nil {
		return nil, aura.Errorf(aura.KindInsufficientSigners, "cannot coordinate at epoch %d: %v", st.Epoch, err)
	}
	op, err := tree.NewOp(st.RootCommitment(), body)
	if err != nil {
		return nil, err
	}
	if op.Postcondition, err = n.tree.Preview(op); err != nil {
		return nil, err
	}
	c, err := ceremony.NewCoordinator(ceremony.Config{
		Coordinator: n.id,
		Op:          op,
		State:       st,
		Publics:     n.verificationShares(st.Epoch),
		Signers:     signers,
	})
	if err != nil {
		return nil, err
	}
	id := c.ID()
	in := journal.NewIntent(n.id, op.Kind.String(), wire.MustMarshal(op), op.Prestate, n.now())
	if err := n.commit(in.Fact(uint64(st.Epoch))); err != nil {
		return nil, err
	}
	s := ceremony.NewSession(c, outbox{n}, n.cfg.ShareTimeout.Duration)
	n.Lock()
	n.sessions[id] = s
	n.intents[id] = in.ID
	n.Unlock()
	if err := n.registry.Register(id, op.Prestate, n.id, s); err != nil {
		n.finish(ctx, s)
		return nil, err
	}
	n.saveRecord(ctx, c)

	rctx, cancel := context.WithTimeout(ctx, n.ceremonyTimeout())
	defer cancel()
	attested, err := s.Run(rctx)
	if err != nil {
		n.finish(ctx, s)
		return nil, err
	}
	n.saveRecord(ctx, c)
	return &Proposal{Op: attested, session: s}, nil
}

// CommitProposal applies an aggregated operation and announces it to the
// devices. It fails if the ceremony was superseded in the meantime.
func (n *Node) CommitProposal(ctx context.Context, p *Proposal) error {
	s := p.session
	defer n.finish(ctx, s)
	if o := s.Outcome(); o.State != ceremony.AggregateReady {
		return o.Err(s.ID())
	}
	before := n.tree.Snapshot()
	if err := n.ApplyCommitted(ctx, p.Op); err != nil {
		if aura.IsKind(err, aura.KindStalePrestate) {
			w, _ := n.registry.Winner(p.Op.Prestate)
			s.Stop(ceremony.Outcome{State: ceremony.Superseded, Reason: ceremony.PrestateStale, Winner: w})
		}
		return err
	}
	s.MarkCommitted()
	m, err := s.CommitFact()
	if err != nil {
		return err
	}
	n.announce(ctx, before, m)
	return nil
}

// announce sends m to the devices of the state before the operation and
// of the current one.
func (n *Node) announce(ctx context.Context, before *tree.State, m *ceremony.Message) {
	seen := map[aura.AuthorityID]bool{n.id: true}
	for _, st := range []*tree.State{before, n.tree.Snapshot()} {
		for _, l := range st.Leaves() {
			if seen[l.Authority] {
				continue
			}
			seen[l.Authority] = true
			if err := n.send(ctx, l.Authority, MsgCeremony, m); err != nil {
				log.Lvlf2("%s: announcing %s to %s: %v", n.id, m.Ceremony.Prefix(), l.Authority, err)
			}
		}
	}
}

// finish retires a local ceremony: the registry learns its outcome, its
// record is saved and its intent resolved.
func (n *Node) finish(ctx context.Context, s *ceremony.Session) {
	id := s.ID()
	n.registry.Done(id, s.Prestate(), s.Outcome())
	n.saveRecord(ctx, s.Coordinator)
	n.Lock()
	intent, ok := n.intents[id]
	delete(n.intents, id)
	delete(n.sessions, id)
	n.Unlock()
	if ok {
		if err := n.commit(journal.NewTombstone(journal.IntentKey(intent), n.id, n.epoch(), n.now())); err != nil {
			log.Warnf("%s: resolving intent %s: %v", n.id, intent.Prefix(), err)
		}
	}
	if err := n.saveJournal(ctx); err != nil {
		log.Warn("saving journal:", err)
	}
}

func (n *Node) saveRecord(ctx context.Context, c *ceremony.Coordinator) {
	if err := n.records.Save(ctx, c.Record(n.now())); err != nil {
		log.Warnf("saving ceremony %s: %v", c.ID().Prefix(), err)
	}
}

// verificationShares returns the FROST verification shares of the leaves
// if the device's share is for epoch e.
func (n *Node) verificationShares(e tree.Epoch) map[tree.LeafIndex]kyber.Point {
	n.Lock()
	defer n.Unlock()
	if n.share == nil || n.shareEpoch != e {
		return nil
	}
	out := make(map[tree.LeafIndex]kyber.Point, len(n.publics))
	for l, p := range n.publics {
		out[l] = p
	}
	return out
}

// handleCeremony routes a ceremony message: the signer answers Execute
// and SignRequest, the local sessions take the answers, and CommitFact is
// applied.
func (n *Node) handleCeremony(ctx context.Context, from aura.AuthorityID, m *ceremony.Message) error {
	id := m.Ceremony
	switch {
	case m.Execute != nil:
		e := m.Execute
		if from != e.Coordinator {
			return aura.Errorf(aura.KindAuthorizationDenied, "execute of %s sent by %s", e.Coordinator, from)
		}
		if n.registry.Observe(id, e.Prestate) {
			return aura.Errorf(aura.KindSuperseded, "ceremony %s yields to a local ceremony", id.Prefix())
		}
		n.Lock()
		ready := n.share != nil && n.shareEpoch == e.Epoch
		n.Unlock()
		if !ready {
			return aura.Errorf(aura.KindInsufficientSigners, "no key share for epoch %d", e.Epoch)
		}
		reply, err := n.signer.HandleExecute(id, e)
		if err != nil {
			return err
		}
		return n.send(ctx, e.Coordinator, MsgCeremony, reply)
	case m.SignRequest != nil:
		reply, err := n.signer.HandleSignRequest(id, m.SignRequest)
		if err != nil {
			return err
		}
		return n.send(ctx, from, MsgCeremony, reply)
	case m.NonceCommit != nil, m.SignShare != nil:
		n.Lock()
		s := n.sessions[id]
		n.Unlock()
		if s == nil {
			return aura.Errorf(aura.KindInvalid, "no running ceremony %s", id.Prefix())
		}
		s.Deliver(m)
		return nil
	case m.CommitFact != nil:
		cf := m.CommitFact
		op := &tree.TreeOp{}
		if err := wire.Unmarshal(cf.Operation, op); err != nil {
			return err
		}
		if op.Prestate != cf.Prestate || op.OperationHash() != cf.OperationHash {
			return aura.Errorf(aura.KindInvalidFormat, "commit of %s does not match its operation", id.Prefix())
		}
		n.signer.Forget(id)
		err := n.ApplyCommitted(ctx, op)
		if aura.IsKind(err, aura.KindStalePrestate) {
			if n.applied(op) {
				return nil
			}
			n.Lock()
			n.pending[op.Prestate] = &pendingOp{op: op, ceremony: id}
			n.Unlock()
			go n.catchUp(ctx, from)
			return nil
		}
		return err
	}
	return aura.Errorf(aura.KindInvalidFormat, "empty ceremony message")
}

// catchUp runs anti-entropy with a device that committed an operation
// on a tree the device has not reached, so that the operations in between
// are applied.
func (n *Node) catchUp(ctx context.Context, from aura.AuthorityID) {
	sctx, cancel := context.WithTimeout(ctx, n.cfg.ShareTimeout.Duration)
	defer cancel()
	if _, err := n.Sync(sctx, from); err != nil {
		log.Lvlf2("%s: catching up with %s: %v", n.id, from, err)
	}
}

// applied returns true if op is in the tree history.
func (n *Node) applied(op *tree.TreeOp) bool {
	for e := n.tree.Epoch(); e > 0; e-- {
		h, ok := n.tree.History(e)
		if ok && h.Op != nil && h.Op.Prestate == op.Prestate {
			return h.Op.OperationHash() == op.OperationHash()
		}
	}
	return false
}

// ApplyCommitted applies an attested operation, or a recovery grant, to
// the local tree and carries out its consequences: persistence, journal,
// supersession of the ceremonies it beat, flow budgets, channel rekeying
// and the reshare of the key shares.
func (n *Node) ApplyCommitted(ctx context.Context, op *tree.TreeOp) error {
	n.applyMu.Lock()
	defer n.applyMu.Unlock()
	if err := n.apply(ctx, op); err != nil {
		return err
	}
	n.applyPending(ctx)
	return nil
}

// apply is ApplyCommitted with applyMu held.
func (n *Node) apply(ctx context.Context, op *tree.TreeOp) error {
	e, err := n.tree.Apply(op)
	if err != nil {
		return err
	}
	id := ceremony.ID(op.Prestate, op.OperationHash(), e-1)
	log.Lvlf1("%s: epoch %d after %s (ceremony %s)", n.id, e, op.Kind, id.Prefix())
	if err := n.store.Write(ctx, TreeEpochKey(n.account, e), wire.MustMarshal(op)); err != nil {
		log.Errorf("%s: persisting epoch %d: %v", n.id, e, err)
	}
	n.registry.Committed(id, op.Prestate)
	n.signer.Forget(id)
	n.recordOp(op, e, id)
	n.budgets.AdvanceEpoch(uint64(e))
	n.rekey(ctx, e)
	if err := n.saveJournal(ctx); err != nil {
		log.Warn("saving journal:", err)
	}
	n.startReshare(ctx, op, e)
	n.tryReshare(ctx)
	n.Lock()
	n.notify()
	n.Unlock()
	return nil
}

// recordOp journals the operation producing epoch e, and the device it
// added, unless a replica already did.
func (n *Node) recordOp(op *tree.TreeOp, e tree.Epoch, id crypto.Hash32) {
	if _, ok := n.journal.Get(TreeOpKey(e)); !ok {
		f := journal.NewFact(TreeOpKey(e), journal.Nested(map[string]journal.Value{
			"op":       journal.String(hex.EncodeToString(wire.MustMarshal(op))),
			"prestate": journal.String(op.Prestate.Hex()),
			"ceremony": journal.String(id.Hex()),
		}), n.id, uint64(e), n.now())
		if err := n.commit(f); err != nil {
			log.Warnf("%s: recording epoch %d: %v", n.id, e, err)
		}
	}
	if op.Kind != tree.OpAddLeaf {
		return
	}
	body, err := op.Body()
	if err != nil {
		return
	}
	add := body.(*tree.AddLeaf)
	if _, ok := n.journal.Get(DeviceKey(add.Authority)); ok {
		return
	}
	h, _ := n.tree.History(e)
	leaf, _ := h.State.LeafOf(add.Authority)
	f := journal.NewFact(DeviceKey(add.Authority), journal.Nested(map[string]journal.Value{
		"public_key": journal.String(hex.EncodeToString(add.PublicKey)),
		"leaf":       journal.Number(int64(leaf.Index)),
	}), n.id, uint64(e), n.now())
	if err := n.commit(f); err != nil {
		log.Warnf("%s: recording device %s: %v", n.id, add.Authority, err)
	}
}

// observeTreeOp applies an operation merged from another replica, or
// keeps it until its prestate is reached. applyMu is held.
func (n *Node) observeTreeOp(ctx context.Context, f *journal.SignedFact) {
	op, id, err := parseTreeOp(f)
	if err != nil {
		log.Warnf("%s: dropping %s: %v", n.id, f.Key, err)
		return
	}
	if op.Prestate == n.tree.RootCommitment() {
		if err := n.apply(ctx, op); err != nil {
			log.Warnf("%s: applying %s: %v", n.id, f.Key, err)
		}
		return
	}
	if n.applied(op) {
		return
	}
	n.Lock()
	n.pending[op.Prestate] = &pendingOp{op: op, ceremony: id}
	n.Unlock()
}

// applyPending applies the kept operations that became applicable.
// applyMu is held.
func (n *Node) applyPending(ctx context.Context) {
	for {
		root := n.tree.RootCommitment()
		n.Lock()
		p := n.pending[root]
		delete(n.pending, root)
		n.Unlock()
		if p == nil {
			return
		}
		if err := n.apply(ctx, p.op); err != nil {
			log.Warnf("%s: applying ceremony %s: %v", n.id, p.ceremony.Prefix(), err)
			return
		}
	}
}

func parseTreeOp(f *journal.SignedFact) (*tree.TreeOp, crypto.Hash32, error) {
	var id crypto.Hash32
	if f.Value.Kind != journal.ValueNested {
		return nil, id, aura.Errorf(aura.KindInvalidFormat, "%s is not an operation", f.Key)
	}
	buf, err := hex.DecodeString(f.Value.Nested["op"].Str)
	if err != nil {
		return nil, id, aura.Errorf(aura.KindInvalidFormat, "%s: %v", f.Key, err)
	}
	op := &tree.TreeOp{}
	if err := wire.Unmarshal(buf, op); err != nil {
		return nil, id, err
	}
	raw, err := hex.DecodeString(f.Value.Nested["ceremony"].Str)
	if err != nil || len(raw) != len(id) {
		return nil, id, aura.Errorf(aura.KindInvalidFormat, "%s: bad ceremony id", f.Key)
	}
	copy(id[:], raw)
	return op, id, nil
}

// loadGenesis reads the stored genesis, storing g on the first start.
func (n *Node) loadGenesis(ctx context.Context, g *tree.State) (*tree.State, error) {
	buf, ok, err := n.store.Read(ctx, genesisKey(n.account))
	if err != nil {
		return nil, err
	}
	if ok {
		st, err := tree.UnmarshalState(buf)
		if err != nil {
			return nil, err
		}
		if g != nil && g.RootCommitment() != st.RootCommitment() {
			return nil, aura.Errorf(aura.KindInvalid, "stored genesis %s differs from %s",
				st.RootCommitment().Prefix(), g.RootCommitment().Prefix())
		}
		return st, nil
	}
	if g == nil {
		return nil, aura.Errorf(aura.KindNotFound, "no genesis stored for %s", n.account)
	}
	buf, err = g.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if err := n.store.Write(ctx, genesisKey(n.account), buf); err != nil {
		return nil, err
	}
	return g.Copy(), nil
}
