package ceremony

import (
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/aura-labs/aura"
	"github.com/aura-labs/aura/crypto"
	"github.com/aura-labs/aura/effects"
	"github.com/aura-labs/aura/journal"
	"go.dedis.ch/onet/v3/log"
)

// SupersededFamily is the journal family of supersession records.
const SupersededFamily = "superseded"

// SupersededKey returns superseded:{winner_prefix}:{loser_prefix}, with
// "none" for supersessions no other ceremony caused.
func SupersededKey(winner, loser crypto.Hash32) string {
	w := "none"
	if !winner.IsZero() {
		w = winner.Prefix()
	}
	return fmt.Sprintf("%s:%s:%s", SupersededFamily, w, loser.Prefix())
}

// SupersessionFact returns the unsigned record of a supersession.
func SupersessionFact(loser, prestate crypto.Hash32, o Outcome, author aura.AuthorityID, epoch, nowMs uint64) *journal.SignedFact {
	v := map[string]journal.Value{
		"loser":    journal.String(loser.Hex()),
		"prestate": journal.String(prestate.Hex()),
		"reason":   journal.String(o.Reason.String()),
	}
	if !o.Winner.IsZero() {
		v["winner"] = journal.String(o.Winner.Hex())
	}
	return journal.NewFact(SupersededKey(o.Winner, loser), journal.Nested(v), author, epoch, nowMs)
}

var reasons = map[string]Reason{}

func init() {
	for r := PrestateStale; r <= InvariantViolation; r++ {
		reasons[r.String()] = r
	}
}

// ParseSupersession reads a supersession fact.
func ParseSupersession(f *journal.SignedFact) (loser crypto.Hash32, o Outcome, err error) {
	if f.Predicate() != SupersededFamily || f.Value.Kind != journal.ValueNested {
		return loser, o, aura.Errorf(aura.KindInvalidFormat, "%s is not a supersession", f.Key)
	}
	n := f.Value.Nested
	if loser, err = parseHash(n["loser"].Str); err != nil {
		return
	}
	o.State = Superseded
	r, ok := reasons[n["reason"].Str]
	if !ok {
		return loser, o, aura.Errorf(aura.KindInvalidFormat, "%s: unknown reason %q", f.Key, n["reason"].Str)
	}
	o.Reason = r
	if w := n["winner"].Str; w != "" {
		if o.Winner, err = parseHash(w); err != nil {
			return
		}
	}
	if !strings.HasSuffix(f.Key, ":"+loser.Prefix()) {
		return loser, o, aura.Errorf(aura.KindInvalidFormat, "%s does not name %s", f.Key, loser.Prefix())
	}
	return loser, o, nil
}

func parseHash(s string) (crypto.Hash32, error) {
	var h crypto.Hash32
	buf, err := hex.DecodeString(s)
	if err != nil || len(buf) != len(h) {
		return h, aura.Errorf(aura.KindInvalidFormat, "bad hash %q", s)
	}
	copy(h[:], buf)
	return h, nil
}

// Stopper is told when the registry ends a ceremony.
type Stopper interface {
	Stop(o Outcome)
}

// Sink records facts, typically by signing and committing them to the
// journal. It must not call back into the registry.
type Sink interface {
	Record(f *journal.SignedFact) error
}

type active struct {
	prestate  crypto.Hash32
	initiator aura.AuthorityID
	stopper   Stopper
}

// Registry tracks the ceremonies of a replica and decides supersessions.
// Ceremonies never talk to each other: everything goes through the
// registry and the facts it records.
type Registry struct {
	sync.Mutex
	author    aura.AuthorityID
	clock     effects.Clock
	sink      Sink
	epoch     func() uint64
	active    map[crypto.Hash32]*active
	committed map[crypto.Hash32]crypto.Hash32
	recorded  map[crypto.Hash32]bool
}

// NewRegistry returns a registry recording its facts as author. epoch
// returns the current tree epoch.
func NewRegistry(author aura.AuthorityID, clock effects.Clock, sink Sink, epoch func() uint64) *Registry {
	return &Registry{
		author:    author,
		clock:     clock,
		sink:      sink,
		epoch:     epoch,
		active:    make(map[crypto.Hash32]*active),
		committed: make(map[crypto.Hash32]crypto.Hash32),
		recorded:  make(map[crypto.Hash32]bool),
	}
}

// Register adds a local ceremony. It fails with Superseded if its prestate
// is already committed. Older ceremonies of the same initiator are
// superseded by the new one.
func (r *Registry) Register(id, prestate crypto.Hash32, initiator aura.AuthorityID, s Stopper) error {
	r.Lock()
	defer r.Unlock()
	if w, ok := r.committed[prestate]; ok && w != id {
		o := Outcome{State: Superseded, Reason: PrestateStale, Winner: w}
		r.record(id, prestate, o)
		return o.Err(id)
	}
	for other, a := range r.active {
		if other != id && a.initiator == initiator {
			r.supersede(other, Outcome{State: Superseded, Reason: NewerRequest, Winner: id})
		}
	}
	r.active[id] = &active{prestate: prestate, initiator: initiator, stopper: s}
	return nil
}

// Active returns whether id is a running local ceremony.
func (r *Registry) Active(id crypto.Hash32) bool {
	r.Lock()
	defer r.Unlock()
	return r.active[id] != nil
}

// Observe is called for a foreign ceremony in flight on prestate. Local
// ceremonies on the same prestate whose id is larger lose the precedence
// race to it. It returns true if the foreign ceremony should itself yield
// to a local one.
func (r *Registry) Observe(id, prestate crypto.Hash32) bool {
	r.Lock()
	defer r.Unlock()
	if _, ok := r.active[id]; ok {
		return false
	}
	yields := false
	for other, a := range r.active {
		if a.prestate != prestate {
			continue
		}
		if id.Less(other) {
			r.supersede(other, Outcome{State: Superseded, Reason: Precedence, Winner: id})
		} else {
			yields = true
		}
	}
	return yields
}

// Committed records that ceremony id committed on prestate. Every other
// ceremony on that prestate is superseded as stale.
func (r *Registry) Committed(id, prestate crypto.Hash32) {
	r.Lock()
	defer r.Unlock()
	r.committed[prestate] = id
	delete(r.active, id)
	for other, a := range r.active {
		if a.prestate == prestate {
			r.supersede(other, Outcome{State: Superseded, Reason: PrestateStale, Winner: id})
		}
	}
}

// Winner returns the ceremony that committed on prestate.
func (r *Registry) Winner(prestate crypto.Hash32) (crypto.Hash32, bool) {
	r.Lock()
	defer r.Unlock()
	w, ok := r.committed[prestate]
	return w, ok
}

// Cancel supersedes a local ceremony on request of its user.
func (r *Registry) Cancel(id crypto.Hash32) bool {
	r.Lock()
	defer r.Unlock()
	if r.active[id] == nil {
		return false
	}
	r.supersede(id, Outcome{State: Superseded, Reason: ExplicitCancel})
	return true
}

// Done removes a finished ceremony, recording its supersession if nobody
// did yet.
func (r *Registry) Done(id, prestate crypto.Hash32, o Outcome) {
	r.Lock()
	defer r.Unlock()
	delete(r.active, id)
	switch o.State {
	case Committed:
		r.committed[prestate] = id
	case Superseded:
		r.record(id, prestate, o)
	}
}

// ObserveFact applies a supersession fact gossiped by another replica.
func (r *Registry) ObserveFact(f *journal.SignedFact) {
	loser, o, err := ParseSupersession(f)
	if err != nil {
		log.Warnf("dropping supersession fact: %v", err)
		return
	}
	r.Lock()
	defer r.Unlock()
	r.recorded[loser] = true
	if a := r.active[loser]; a != nil {
		delete(r.active, loser)
		a.stopper.Stop(o)
	}
}

// supersede stops an active ceremony and records why. r is locked.
func (r *Registry) supersede(id crypto.Hash32, o Outcome) {
	a := r.active[id]
	if a == nil {
		return
	}
	delete(r.active, id)
	if a.stopper != nil {
		a.stopper.Stop(o)
	}
	r.record(id, a.prestate, o)
}

func (r *Registry) record(loser, prestate crypto.Hash32, o Outcome) {
	if r.recorded[loser] || r.sink == nil {
		return
	}
	var now, epoch uint64
	if r.clock != nil {
		now = r.clock.NowMs()
	}
	if r.epoch != nil {
		epoch = r.epoch()
	}
	if err := r.sink.Record(SupersessionFact(loser, prestate, o, r.author, epoch, now)); err != nil {
		log.Warnf("recording supersession of %s: %v", loser.Prefix(), err)
		return
	}
	r.recorded[loser] = true
}
