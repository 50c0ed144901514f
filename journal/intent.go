package journal

import (
	"encoding/hex"
	"strings"

	"github.com/aura-labs/aura"
	"github.com/aura-labs/aura/crypto"
	"go.dedis.ch/onet/v3/log"
)

// IntentFamily is the family of intent facts. An intent is a proposed
// tree operation waiting for a ceremony; it is tombstoned once resolved.
const IntentFamily = "intent"

// Intent is a pending proposal.
type Intent struct {
	ID        crypto.Hash32
	Author    aura.AuthorityID
	Kind      string
	Operation []byte
	Prestate  crypto.Hash32
	CreatedMs uint64
}

// NewIntent fills in the content-derived id.
func NewIntent(author aura.AuthorityID, kind string, operation []byte, prestate crypto.Hash32, nowMs uint64) *Intent {
	id := crypto.NewHasher("INTENT").Prefixed([]byte(kind)).Prefixed(operation).Hash32(prestate).Sum()
	return &Intent{ID: id, Author: author, Kind: kind, Operation: operation, Prestate: prestate, CreatedMs: nowMs}
}

// IntentKey returns the fact key of an intent.
func IntentKey(id crypto.Hash32) string {
	return IntentFamily + ":" + id.Hex()
}

// Fact returns the unsigned fact announcing the intent.
func (in *Intent) Fact(epoch uint64) *SignedFact {
	v := Nested(map[string]Value{
		"kind":      String(in.Kind),
		"operation": String(hex.EncodeToString(in.Operation)),
		"prestate":  String(in.Prestate.Hex()),
	})
	return NewFact(IntentKey(in.ID), v, in.Author, epoch, in.CreatedMs)
}

// ParseIntent decodes an intent fact.
func ParseIntent(f *SignedFact) (*Intent, error) {
	if Predicate(f.Key) != IntentFamily || f.Value.Kind != ValueNested {
		return nil, aura.Errorf(aura.KindInvalidFormat, "%s is not an intent", f.Key)
	}
	id, err := hex.DecodeString(strings.TrimPrefix(f.Key, IntentFamily+":"))
	if err != nil || len(id) != len(crypto.Hash32{}) {
		return nil, aura.Errorf(aura.KindInvalidFormat, "intent id in %s", f.Key)
	}
	op, err := hex.DecodeString(f.Value.Nested["operation"].Str)
	if err != nil {
		return nil, aura.Errorf(aura.KindInvalidFormat, "intent operation: %v", err)
	}
	pre, err := hex.DecodeString(f.Value.Nested["prestate"].Str)
	if err != nil || len(pre) != len(crypto.Hash32{}) {
		return nil, aura.Errorf(aura.KindInvalidFormat, "intent prestate in %s", f.Key)
	}
	in := &Intent{
		Author:    f.Authority,
		Kind:      f.Value.Nested["kind"].Str,
		Operation: op,
		CreatedMs: f.Timestamp,
	}
	copy(in.ID[:], id)
	copy(in.Prestate[:], pre)
	return in, nil
}

// pendingIntents counts live intents. The caller holds the lock.
func (j *Journal) pendingIntents() int {
	n := 0
	j.facts.AscendGreaterOrEqual(probe(IntentFamily+":"), func(e *entry) bool {
		if !strings.HasPrefix(e.fact.Key, IntentFamily+":") {
			return false
		}
		if !e.fact.Tombstone {
			n++
		}
		return true
	})
	return n
}

// PendingIntents returns the live intents in key order.
func (j *Journal) PendingIntents() []*Intent {
	var out []*Intent
	for _, f := range j.FactsByPredicate(IntentFamily) {
		if f.Tombstone {
			continue
		}
		in, err := ParseIntent(f)
		if err != nil {
			log.Warnf("dropping intent: %v", err)
			continue
		}
		out = append(out, in)
	}
	return out
}
