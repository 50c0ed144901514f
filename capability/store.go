package capability

import (
	"fmt"
	"sync"

	"github.com/aura-labs/aura"
	"github.com/aura-labs/aura/crypto"
	"github.com/aura-labs/aura/effects"
	"github.com/aura-labs/aura/internal/wire"
	"github.com/aura-labs/aura/journal"
	"go.dedis.ch/onet/v3/log"
)

// Key returns the journal key of the capability.
func (c *Capability) Key() string {
	h := crypto.Hash(wire.MustMarshal(c))
	return fmt.Sprintf("%s:%s:%s", journal.CapFamily, c.Subject, h.Prefix())
}

// Fact returns the unsigned journal fact granting c. It is written by the
// issuer.
func (c *Capability) Fact(epoch, nowMs uint64) *journal.SignedFact {
	return journal.NewFact(c.Key(), journal.Nested(map[string]journal.Value{
		"subject":  journal.String(c.Subject.String()),
		"issuer":   journal.String(c.Issuer.String()),
		"ops":      journal.Set(c.Ops...),
		"resource": journal.String(c.Scope.Resource()),
		"expiry":   journal.Number(int64(c.ExpiryMs)),
		"depth":    journal.Number(int64(c.Depth)),
	}), c.Issuer, epoch, nowMs)
}

// Revocation returns the unsigned tombstone revoking c.
func (c *Capability) Revocation(epoch, nowMs uint64) *journal.SignedFact {
	return journal.NewTombstone(c.Key(), c.Issuer, epoch, nowMs)
}

// ParseCapability reads a capability fact.
func ParseCapability(f *journal.SignedFact) (*Capability, error) {
	v := f.Value
	if f.Tombstone || v.Kind != journal.ValueNested {
		return nil, aura.Errorf(aura.KindInvalidFormat, "%s is not a capability", f.Key)
	}
	str := func(k string) string { return v.Nested[k].Str }
	subject, err := aura.ParseAuthorityID(str("subject"))
	if err != nil {
		return nil, err
	}
	issuer, err := aura.ParseAuthorityID(str("issuer"))
	if err != nil {
		return nil, err
	}
	scope, err := ParseScope(str("resource"))
	if err != nil {
		return nil, err
	}
	depth := v.Nested["depth"].Num
	if depth < 0 || depth > 255 || v.Nested["expiry"].Num < 0 {
		return nil, aura.Errorf(aura.KindInvalidFormat, "%s: bad depth or expiry", f.Key)
	}
	return New(issuer, subject, scope, v.Nested["ops"].Set, uint64(v.Nested["expiry"].Num), uint8(depth)), nil
}

// Store indexes the live capabilities by subject.
type Store struct {
	sync.RWMutex
	caps map[aura.AuthorityID][]*Capability
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{caps: make(map[aura.AuthorityID][]*Capability)}
}

// Grant adds c.
func (s *Store) Grant(c *Capability) {
	s.Lock()
	defer s.Unlock()
	s.caps[c.Subject] = append(s.caps[c.Subject], c)
}

// For returns the capabilities of subject.
func (s *Store) For(subject aura.AuthorityID) []*Capability {
	s.RLock()
	defer s.RUnlock()
	return append([]*Capability{}, s.caps[subject]...)
}

// Check returns nil if one of the capabilities of subject allows op on
// resource.
func (s *Store) Check(subject aura.AuthorityID, op string, resource Scope, nowMs uint64) error {
	caps := s.For(subject)
	if len(caps) == 0 {
		return aura.Errorf(aura.KindAuthorizationDenied, "%s holds no capability", subject)
	}
	var err error
	for _, c := range caps {
		if err = CheckCapability(c, op, resource, nowMs); err == nil {
			return nil
		}
	}
	return aura.ErrorOrNil(err, fmt.Sprintf("%s may not %s", subject, op))
}

// Load replaces the content of the store with the live capability facts.
// Revoked capabilities are tombstones and are skipped.
func (s *Store) Load(facts []*journal.SignedFact) {
	caps := make(map[aura.AuthorityID][]*Capability)
	for _, f := range facts {
		if f.Predicate() != journal.CapFamily || f.Tombstone {
			continue
		}
		c, err := ParseCapability(f)
		if err != nil {
			log.Warnf("skipping capability fact: %v", err)
			continue
		}
		caps[c.Subject] = append(caps[c.Subject], c)
	}
	s.Lock()
	defer s.Unlock()
	s.caps = caps
}

// JournalScope is the storage scope guarding writes of a fact family in
// the journal of account.
func JournalScope(account aura.AuthorityID, family string) Scope {
	return StorageScope(account, "journal/"+family)
}

// Gate connects the capability engine to a journal: it authorizes fact
// writes against the store and charges the flow budget of peers sending
// badly signed facts.
type Gate struct {
	Account aura.AuthorityID
	// Context is where penalties are charged.
	Context     aura.ContextID
	Caps        *Store
	Budgets     *Budgets
	Clock       effects.Clock
	PenaltyCost uint64
}

// DefaultPenaltyCost is charged per badly signed fact.
const DefaultPenaltyCost = 1

// AuthorizeFact implements journal.Authorizer.
func (g *Gate) AuthorizeFact(f *journal.SignedFact) error {
	var now uint64
	if g.Clock != nil {
		now = g.Clock.NowMs()
	}
	return g.Caps.Check(f.Authority, OpWrite, JournalScope(g.Account, f.Predicate()), now)
}

// Penalize implements journal.Penalizer.
func (g *Gate) Penalize(source aura.AuthorityID, reason error) {
	if g.Budgets == nil {
		return
	}
	cost := g.PenaltyCost
	if cost == 0 {
		cost = DefaultPenaltyCost
	}
	b, err := g.Budgets.Charge(g.Context, source, cost)
	if err != nil {
		log.Warnf("%s: %v (budget exhausted: %v)", source, reason, err)
		return
	}
	log.Lvlf2("%s charged %d for %v, %d/%d spent", source, cost, reason, b.Spent, b.Limit)
}
