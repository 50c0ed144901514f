package capability

import (
	"fmt"
	"sync"

	"github.com/aura-labs/aura"
	"github.com/aura-labs/aura/effects"
	"github.com/aura-labs/aura/journal"
	"go.dedis.ch/onet/v3/log"
)

// FlowFamily is the journal family recording budget charges.
const FlowFamily = "flow"

// FlowBudget is the allowance of a peer in a context. Spent never exceeds
// Limit.
type FlowBudget struct {
	Limit uint64
	Spent uint64
	Epoch uint64
}

// Remaining returns what can still be charged.
func (b FlowBudget) Remaining() uint64 {
	return b.Limit - b.Spent
}

// FactSink records facts produced by the budgets, typically by signing
// and committing them to the journal. It must not call back into the
// budgets.
type FactSink interface {
	Record(f *journal.SignedFact) error
}

type pair struct {
	context aura.ContextID
	peer    aura.AuthorityID
}

// Budgets tracks the flow budgets of one replica.
type Budgets struct {
	sync.Mutex
	authority    aura.AuthorityID
	clock        effects.Clock
	sink         FactSink
	defaultLimit uint64
	epoch        uint64
	budgets      map[pair]*FlowBudget
	charges      map[pair]uint64
}

// NewBudgets returns budgets starting at defaultLimit for every pair.
// Facts are attributed to authority. A nil sink records nothing.
func NewBudgets(authority aura.AuthorityID, defaultLimit uint64, clock effects.Clock, sink FactSink) *Budgets {
	return &Budgets{
		authority:    authority,
		clock:        clock,
		sink:         sink,
		defaultLimit: defaultLimit,
		budgets:      make(map[pair]*FlowBudget),
		charges:      make(map[pair]uint64),
	}
}

func (b *Budgets) get(ctx aura.ContextID, peer aura.AuthorityID) *FlowBudget {
	k := pair{ctx, peer}
	fb := b.budgets[k]
	if fb == nil {
		fb = &FlowBudget{Limit: b.defaultLimit, Epoch: b.epoch}
		b.budgets[k] = fb
	}
	return fb
}

// Get returns the budget of peer in ctx.
func (b *Budgets) Get(ctx aura.ContextID, peer aura.AuthorityID) FlowBudget {
	b.Lock()
	defer b.Unlock()
	return *b.get(ctx, peer)
}

// Update sets the limit of a budget. The limit cannot drop below what is
// already spent.
func (b *Budgets) Update(ctx aura.ContextID, peer aura.AuthorityID, limit uint64) (FlowBudget, error) {
	b.Lock()
	defer b.Unlock()
	fb := b.get(ctx, peer)
	if limit < fb.Spent {
		return *fb, aura.Errorf(aura.KindInvalid, "limit %d is below the spent %d", limit, fb.Spent)
	}
	fb.Limit = limit
	return *fb, nil
}

// Charge spends cost from the budget of peer in ctx and records the
// charge. A charge taking spent over the limit fails with
// InsufficientBudget and changes nothing.
func (b *Budgets) Charge(ctx aura.ContextID, peer aura.AuthorityID, cost uint64) (FlowBudget, error) {
	b.Lock()
	defer b.Unlock()
	fb := b.get(ctx, peer)
	if cost > fb.Remaining() {
		return *fb, aura.Errorf(aura.KindInsufficientBudget, "budget of %s in %s: %d of %d spent, cannot charge %d",
			peer, ctx, fb.Spent, fb.Limit, cost)
	}
	fb.Spent += cost
	if err := b.record(ctx, peer, "charge", cost, fb); err != nil {
		fb.Spent -= cost
		return *fb, err
	}
	return *fb, nil
}

// Refresh resets what peer spent in ctx.
func (b *Budgets) Refresh(ctx aura.ContextID, peer aura.AuthorityID) (FlowBudget, error) {
	b.Lock()
	defer b.Unlock()
	fb := b.get(ctx, peer)
	old := fb.Spent
	fb.Spent = 0
	if err := b.record(ctx, peer, "refresh", 0, fb); err != nil {
		fb.Spent = old
		return *fb, err
	}
	return *fb, nil
}

// AdvanceEpoch resets every budget. Epochs never go backwards.
func (b *Budgets) AdvanceEpoch(epoch uint64) {
	b.Lock()
	defer b.Unlock()
	if epoch <= b.epoch {
		return
	}
	b.epoch = epoch
	for _, fb := range b.budgets {
		fb.Spent = 0
		fb.Epoch = epoch
	}
	log.Lvlf3("flow budgets reset at epoch %d", epoch)
}

// FlowKey returns the journal key of the n-th record of a pair in an
// epoch.
func FlowKey(ctx aura.ContextID, peer aura.AuthorityID, epoch, n uint64) string {
	return fmt.Sprintf("%s:%s:%s:%d:%d", FlowFamily, ctx, peer, epoch, n)
}

func (b *Budgets) record(ctx aura.ContextID, peer aura.AuthorityID, kind string, cost uint64, fb *FlowBudget) error {
	if b.sink == nil {
		return nil
	}
	k := pair{ctx, peer}
	n := b.charges[k]
	var now uint64
	if b.clock != nil {
		now = b.clock.NowMs()
	}
	f := journal.NewFact(FlowKey(ctx, peer, b.epoch, n), journal.Nested(map[string]journal.Value{
		"kind":  journal.String(kind),
		"cost":  journal.Number(int64(cost)),
		"spent": journal.Number(int64(fb.Spent)),
		"limit": journal.Number(int64(fb.Limit)),
	}), b.authority, b.epoch, now)
	if err := b.sink.Record(f); err != nil {
		return aura.ErrorOrNil(err, "recording budget "+kind)
	}
	b.charges[k] = n + 1
	return nil
}
