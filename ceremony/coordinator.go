package ceremony

import (
	"context"
	"sync"

	"github.com/aura-labs/aura"
	"github.com/aura-labs/aura/crypto"
	"github.com/aura-labs/aura/crypto/frost"
	"github.com/aura-labs/aura/internal/wire"
	"github.com/aura-labs/aura/tree"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/sync/errgroup"
)

// MaxRounds bounds how often a ceremony restarts its commitment phase
// after excluding signers.
const MaxRounds = 3

// DefaultWorkers is the size of the share verification pool.
const DefaultWorkers = 4

// Config describes the ceremony a coordinator runs.
type Config struct {
	Coordinator aura.AuthorityID
	// Op is the unattested operation, postcondition filled in.
	Op *tree.TreeOp
	// State is the tree at the operation's prestate.
	State *tree.State
	// Publics are the FROST verification shares of the leaves.
	Publics map[tree.LeafIndex]kyber.Point
	// Signers restricts the selection. Empty selects every leaf with a
	// verification share.
	Signers []tree.LeafIndex
	// Workers sizes the share verification pool.
	Workers int
}

// Coordinator is the coordinator side of one ceremony. It does no I/O: it
// consumes the signers' messages and produces the ones to send.
type Coordinator struct {
	sync.Mutex
	id       crypto.Hash32
	cfg      Config
	opBytes  []byte
	msg      []byte
	group    kyber.Point
	signers  []tree.LeafIndex
	round    uint8
	retried  bool
	commits  map[tree.LeafIndex]*frost.Commitment
	cs       []*frost.Commitment
	shares   map[tree.LeafIndex]kyber.Scalar
	state    State
	outcome  Outcome
	attested *tree.TreeOp
}

// NewCoordinator checks that the operation applies to the given state and
// that enough signers can take part.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	st := cfg.State
	op := cfg.Op
	if op.Prestate != st.RootCommitment() {
		return nil, aura.Errorf(aura.KindStalePrestate, "prestate %s is not the root %s",
			op.Prestate.Prefix(), st.RootCommitment().Prefix())
	}
	group, err := crypto.PointFromBytes(st.GroupKey)
	if err != nil {
		return nil, err
	}
	unattested := *op
	unattested.Attestation = nil
	opBytes, err := wire.Marshal(&unattested)
	if err != nil {
		return nil, err
	}
	candidates := cfg.Signers
	if len(candidates) == 0 {
		for _, l := range st.Leaves() {
			candidates = append(candidates, l.Index)
		}
	}
	var signers []tree.LeafIndex
	for _, l := range candidates {
		if _, ok := st.Leaf(l); !ok {
			continue
		}
		if _, ok := cfg.Publics[l]; ok {
			signers = append(signers, l)
		}
	}
	if ok, err := st.Evaluate("", signers); err != nil || !ok {
		return nil, aura.Errorf(aura.KindInsufficientSigners, "signers %v cannot satisfy %s", signers, st.RootPolicy())
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	c := &Coordinator{
		id:      ID(op.Prestate, op.OperationHash(), st.Epoch),
		cfg:     cfg,
		opBytes: opBytes,
		msg:     tree.AttestationMessage(op.OperationHash(), op.Prestate, st.Epoch),
		group:   group,
		signers: signers,
		state:   Init,
	}
	return c, nil
}

// ID returns the ceremony id.
func (c *Coordinator) ID() crypto.Hash32 {
	return c.id
}

// Prestate returns the prestate the ceremony attests against.
func (c *Coordinator) Prestate() crypto.Hash32 {
	return c.cfg.Op.Prestate
}

// Outcome returns the current state.
func (c *Coordinator) Outcome() Outcome {
	c.Lock()
	defer c.Unlock()
	if c.outcome.State == Init {
		return Outcome{State: c.state}
	}
	return c.outcome
}

// Signers returns the leaves of the current round.
func (c *Coordinator) Signers() []tree.LeafIndex {
	c.Lock()
	defer c.Unlock()
	return append([]tree.LeafIndex{}, c.signers...)
}

// Authority returns the device holding a leaf.
func (c *Coordinator) Authority(l tree.LeafIndex) (aura.AuthorityID, bool) {
	leaf, ok := c.cfg.State.Leaf(l)
	return leaf.Authority, ok
}

func (c *Coordinator) execute() *Message {
	return &Message{Ceremony: c.id, Execute: &Execute{
		Prestate:      c.cfg.Op.Prestate,
		OperationHash: c.cfg.Op.OperationHash(),
		Operation:     c.opBytes,
		Epoch:         c.cfg.State.Epoch,
		Coordinator:   c.cfg.Coordinator,
		Signers:       append([]tree.LeafIndex{}, c.signers...),
		Round:         c.round,
	}}
}

// Start moves to AwaitCommitments and returns the Execute to send to the
// signers.
func (c *Coordinator) Start() (*Message, error) {
	c.Lock()
	defer c.Unlock()
	if c.state != Init {
		return nil, aura.Errorf(aura.KindInvalid, "ceremony %s already started", c.id.Prefix())
	}
	c.state = AwaitCommitments
	c.commits = make(map[tree.LeafIndex]*frost.Commitment)
	log.Lvlf2("ceremony %s: executing %s with %v", c.id.Prefix(), c.cfg.Op.Kind, c.signers)
	return c.execute(), nil
}

func (c *Coordinator) inRound(l tree.LeafIndex) bool {
	for _, s := range c.signers {
		if s == l {
			return true
		}
	}
	return false
}

// HandleCommit records a nonce commitment of the current round.
func (c *Coordinator) HandleCommit(nc *NonceCommit) error {
	c.Lock()
	defer c.Unlock()
	if c.state != AwaitCommitments || nc.Round != c.round {
		return aura.Errorf(aura.KindInvalid, "commitment of round %d in %s round %d", nc.Round, c.state, c.round)
	}
	if !c.inRound(nc.Signer) {
		return aura.Errorf(aura.KindAuthorizationDenied, "leaf %d is not a signer", nc.Signer)
	}
	cm, err := nc.Commitment()
	if err != nil {
		return err
	}
	c.commits[nc.Signer] = cm
	return nil
}

// CommitmentsComplete returns true once every signer of the round
// committed.
func (c *Coordinator) CommitmentsComplete() bool {
	c.Lock()
	defer c.Unlock()
	return c.state == AwaitCommitments && len(c.commits) == len(c.signers)
}

// CloseCommitments excludes the signers that did not commit and returns
// the signing request. Too few remaining signers abort the ceremony.
func (c *Coordinator) CloseCommitments() (*Message, error) {
	c.Lock()
	defer c.Unlock()
	if c.state != AwaitCommitments {
		return nil, aura.Errorf(aura.KindInvalid, "ceremony %s in %s", c.id.Prefix(), c.state)
	}
	var responders []tree.LeafIndex
	for _, l := range c.signers {
		if _, ok := c.commits[l]; ok {
			responders = append(responders, l)
		} else {
			log.Lvlf2("ceremony %s: excluding %d, no commitment", c.id.Prefix(), l)
		}
	}
	if err := c.restrict(responders); err != nil {
		return nil, err
	}
	c.state = SigningReady
	c.cs = c.cs[:0]
	req := &SignRequest{Round: c.round}
	for _, l := range c.signers {
		cm := c.commits[l]
		c.cs = append(c.cs, cm)
		req.Commitments = append(req.Commitments, encodeCommitment(c.round, cm))
	}
	frost.SortCommitments(c.cs)
	c.shares = make(map[tree.LeafIndex]kyber.Scalar)
	c.state = AwaitShares
	return &Message{Ceremony: c.id, SignRequest: req}, nil
}

// restrict narrows the round to signers, aborting if they cannot satisfy
// the root policy.
func (c *Coordinator) restrict(signers []tree.LeafIndex) error {
	ok, err := c.cfg.State.Evaluate("", signers)
	if err != nil || !ok {
		c.terminate(Outcome{State: Aborted, Reason: InsufficientSigners})
		return c.outcome.Err(c.id)
	}
	c.signers = signers
	return nil
}

// HandleShare records a partial signature of the current round.
// Verification happens when the phase closes.
func (c *Coordinator) HandleShare(s *SignShare) error {
	c.Lock()
	defer c.Unlock()
	if c.state != AwaitShares || s.Round != c.round {
		return aura.Errorf(aura.KindInvalid, "share of round %d in %s round %d", s.Round, c.state, c.round)
	}
	if !c.inRound(s.Signer) {
		return aura.Errorf(aura.KindAuthorizationDenied, "leaf %d is not a signer", s.Signer)
	}
	z, err := frost.DecodeScalar(s.Share)
	if err != nil {
		return aura.WithKind(aura.KindInvalidFormat, err)
	}
	c.shares[s.Signer] = z
	return nil
}

// SharesComplete returns true once every signer of the round sent a share.
func (c *Coordinator) SharesComplete() bool {
	c.Lock()
	defer c.Unlock()
	return c.state == AwaitShares && len(c.shares) == len(c.signers)
}

// CloseShares verifies the collected shares on the worker pool. If every
// share is there and valid, the ceremony is AggregateReady and nil is
// returned. Otherwise the faulty or silent signers are excluded and the
// Execute of a new round is returned. Invalid shares only get one such
// re-collection.
func (c *Coordinator) CloseShares(ctx context.Context) (*Message, error) {
	c.Lock()
	defer c.Unlock()
	if c.state != AwaitShares {
		return nil, aura.Errorf(aura.KindInvalid, "ceremony %s in %s", c.id.Prefix(), c.state)
	}
	bad, err := c.verifyShares(ctx)
	if err != nil {
		return nil, err
	}
	var keep []tree.LeafIndex
	missing := 0
	for _, l := range c.signers {
		_, got := c.shares[l]
		switch {
		case !got:
			missing++
			log.Lvlf2("ceremony %s: excluding %d, no share", c.id.Prefix(), l)
		case bad[l]:
			log.Warnf("ceremony %s: invalid share from %d", c.id.Prefix(), l)
		default:
			keep = append(keep, l)
		}
	}
	if len(bad) == 0 && missing == 0 {
		c.state = AggregateReady
		return nil, nil
	}
	if len(bad) > 0 {
		if c.retried {
			c.terminate(Outcome{State: Aborted, Reason: InvalidShares})
			return nil, c.outcome.Err(c.id)
		}
		c.retried = true
	}
	if int(c.round)+1 >= MaxRounds {
		c.terminate(Outcome{State: Aborted, Reason: InsufficientSigners})
		return nil, c.outcome.Err(c.id)
	}
	if err := c.restrict(keep); err != nil {
		return nil, err
	}
	c.round++
	c.commits = make(map[tree.LeafIndex]*frost.Commitment)
	c.shares = nil
	c.state = AwaitCommitments
	log.Lvlf2("ceremony %s: round %d with %v", c.id.Prefix(), c.round, c.signers)
	return c.execute(), nil
}

// verifyShares checks every received share in parallel and returns the
// signers whose share does not verify.
func (c *Coordinator) verifyShares(ctx context.Context) (map[tree.LeafIndex]bool, error) {
	var mu sync.Mutex
	bad := make(map[tree.LeafIndex]bool)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)
	for l, z := range c.shares {
		l, z := l, z
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return aura.Errorf(aura.KindTimedOut, "verifying shares: %v", err)
			}
			err := frost.VerifyShare(int(l), z, c.cfg.Publics[l], c.group, c.msg, c.cs)
			if err != nil {
				log.Lvlf3("ceremony %s: %v", c.id.Prefix(), err)
				mu.Lock()
				bad[l] = true
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return bad, nil
}

// Aggregate sums the shares and returns the attested operation.
func (c *Coordinator) Aggregate() (*tree.TreeOp, error) {
	c.Lock()
	defer c.Unlock()
	if c.state != AggregateReady {
		return nil, aura.Errorf(aura.KindInvalid, "ceremony %s in %s", c.id.Prefix(), c.state)
	}
	shares := make(map[int]kyber.Scalar, len(c.shares))
	for l, z := range c.shares {
		shares[int(l)] = z
	}
	sig, err := frost.Aggregate(c.msg, c.cs, shares)
	if err != nil {
		return nil, err
	}
	if err := frost.Verify(c.group, c.msg, sig); err != nil {
		// Every share verified, so the aggregate must.
		log.Errorf("ceremony %s: aggregate does not verify: %v", c.id.Prefix(), err)
		c.terminate(Outcome{State: Aborted, Reason: InvariantViolation})
		return nil, err
	}
	op := *c.cfg.Op
	op.Attestation = &tree.Attestation{Signature: sig, Signers: append([]tree.LeafIndex{}, c.signers...)}
	c.attested = &op
	return &op, nil
}

// CommitFact returns the announcement of the attested operation.
func (c *Coordinator) CommitFact() (*Message, error) {
	c.Lock()
	defer c.Unlock()
	if c.attested == nil {
		return nil, aura.Errorf(aura.KindInvalid, "ceremony %s is not aggregated", c.id.Prefix())
	}
	buf, err := wire.Marshal(c.attested)
	if err != nil {
		return nil, err
	}
	return &Message{Ceremony: c.id, CommitFact: &CommitFact{
		Prestate:      c.attested.Prestate,
		OperationHash: c.attested.OperationHash(),
		Operation:     buf,
		Coordinator:   c.cfg.Coordinator,
	}}, nil
}

// MarkCommitted records that the attested operation was applied.
func (c *Coordinator) MarkCommitted() {
	c.Lock()
	defer c.Unlock()
	c.terminate(Outcome{State: Committed})
}

// Supersede ends the ceremony unless it already reached a terminal state.
// It returns whether the outcome changed.
func (c *Coordinator) Supersede(o Outcome) bool {
	c.Lock()
	defer c.Unlock()
	return c.terminate(o)
}

// Stop implements Stopper for coordinators driven without a session.
func (c *Coordinator) Stop(o Outcome) {
	c.Supersede(o)
}

func (c *Coordinator) terminate(o Outcome) bool {
	if c.state.Terminal() {
		return false
	}
	c.state = o.State
	c.outcome = o
	log.Lvlf1("ceremony %s: %s", c.id.Prefix(), o)
	return true
}

// Record returns the persisted form of the ceremony.
func (c *Coordinator) Record(nowMs uint64) *Record {
	c.Lock()
	defer c.Unlock()
	o := c.outcome
	if !c.state.Terminal() {
		o = Outcome{State: c.state}
	}
	return &Record{
		ID:            c.id,
		Prestate:      c.cfg.Op.Prestate,
		OperationHash: c.cfg.Op.OperationHash(),
		Epoch:         c.cfg.State.Epoch,
		Coordinator:   c.cfg.Coordinator,
		Signers:       append([]tree.LeafIndex{}, c.signers...),
		Round:         c.round,
		Outcome:       o,
		UpdatedMs:     nowMs,
	}
}
