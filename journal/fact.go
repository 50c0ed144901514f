package journal

import (
	"bytes"
	"sort"
	"strings"

	"github.com/aura-labs/aura"
	"github.com/aura-labs/aura/crypto"
	"github.com/aura-labs/aura/internal/wire"
)

// ValueKind enumerates the fact value variants.
type ValueKind uint8

// Value kinds.
const (
	ValueString ValueKind = iota + 1
	ValueNumber
	ValueSet
	ValueNested
)

// Value is a fact value: a string, a number, a set of strings or a nested
// fact.
type Value struct {
	Kind   ValueKind        `cbor:"1,keyasint"`
	Str    string           `cbor:"2,keyasint,omitempty"`
	Num    int64            `cbor:"3,keyasint,omitempty"`
	Set    []string         `cbor:"4,keyasint,omitempty"`
	Nested map[string]Value `cbor:"5,keyasint,omitempty"`
}

// String returns a string value.
func String(s string) Value { return Value{Kind: ValueString, Str: s} }

// Number returns a number value.
func Number(n int64) Value { return Value{Kind: ValueNumber, Num: n} }

// Set returns a set value. The members are sorted and deduplicated.
func Set(members ...string) Value {
	m := append([]string{}, members...)
	sort.Strings(m)
	out := m[:0]
	for i, s := range m {
		if i == 0 || s != m[i-1] {
			out = append(out, s)
		}
	}
	return Value{Kind: ValueSet, Set: out}
}

// Nested returns a nested fact value.
func Nested(f map[string]Value) Value { return Value{Kind: ValueNested, Nested: f} }

// Contains returns true if the set value holds s.
func (v Value) Contains(s string) bool {
	i := sort.SearchStrings(v.Set, s)
	return i < len(v.Set) && v.Set[i] == s
}

// valid checks the value is in canonical form.
func (v Value) valid() bool {
	switch v.Kind {
	case ValueString, ValueNumber:
		return true
	case ValueSet:
		return sort.SliceIsSorted(v.Set, func(a, b int) bool { return v.Set[a] < v.Set[b] })
	case ValueNested:
		for _, n := range v.Nested {
			if !n.valid() {
				return false
			}
		}
		return true
	}
	return false
}

// TombstonePolicy decides between a live fact and a tombstone of the same
// epoch.
type TombstonePolicy uint8

// Tombstone policies.
const (
	AddWins TombstonePolicy = iota
	RemoveWins
)

// Schema maps fact families to their tombstone policy. Families not
// listed are add-wins. All replicas must use the same schema.
type Schema map[string]TombstonePolicy

// DefaultSchema is the schema of the core fact families. Capability
// revocations and intent resolutions must win.
var DefaultSchema = Schema{
	"cap":    RemoveWins,
	"intent": RemoveWins,
}

// Predicate returns the family of a key: the part before the first ':'.
func Predicate(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}

// SignedFact is a key/value assertion signed by an authority.
type SignedFact struct {
	Key       string           `cbor:"1,keyasint"`
	Value     Value            `cbor:"2,keyasint"`
	Authority aura.AuthorityID `cbor:"3,keyasint"`
	Epoch     uint64           `cbor:"4,keyasint"`
	Timestamp uint64           `cbor:"5,keyasint"`
	Tombstone bool             `cbor:"6,keyasint,omitempty"`
	Signature []byte           `cbor:"7,keyasint,omitempty"`
}

// NewFact returns an unsigned fact.
func NewFact(key string, v Value, authority aura.AuthorityID, epoch, nowMs uint64) *SignedFact {
	return &SignedFact{Key: key, Value: v, Authority: authority, Epoch: epoch, Timestamp: nowMs}
}

// NewTombstone returns an unsigned tombstone for key.
func NewTombstone(key string, authority aura.AuthorityID, epoch, nowMs uint64) *SignedFact {
	return &SignedFact{Key: key, Authority: authority, Epoch: epoch, Timestamp: nowMs, Tombstone: true}
}

// SigningBytes is the canonical encoding of everything but the signature.
func (f *SignedFact) SigningBytes() []byte {
	c := *f
	c.Signature = nil
	return wire.MustMarshal(&c)
}

// Sign signs the fact in place.
func (f *SignedFact) Sign(kp *crypto.KeyPair) error {
	sig, err := kp.Sign(f.SigningBytes())
	if err != nil {
		return err
	}
	f.Signature = sig
	return nil
}

// Verify checks the signature against the authority's key.
func (f *SignedFact) Verify(public []byte) error {
	return crypto.Verify(public, f.SigningBytes(), f.Signature)
}

// Hash identifies the full canonical signed fact.
func (f *SignedFact) Hash() crypto.Hash32 {
	return crypto.Hash(wire.MustMarshal(f))
}

// ValueHash hashes the serialized value, the merge tag after the epoch.
func (f *SignedFact) ValueHash() crypto.Hash32 {
	if f.Tombstone {
		return crypto.NewHasher("TOMBSTONE").Sum()
	}
	return crypto.Hash(wire.MustMarshal(&f.Value))
}

// Predicate returns the fact's family.
func (f *SignedFact) Predicate() string {
	return Predicate(f.Key)
}

// Copy returns a deep copy.
func (f *SignedFact) Copy() *SignedFact {
	c := &SignedFact{}
	if err := wire.Unmarshal(wire.MustMarshal(f), c); err != nil {
		panic(err)
	}
	return c
}

func (f *SignedFact) check() error {
	if f.Key == "" {
		return aura.NewError(aura.KindInvalidFormat, "fact without key")
	}
	if !f.Tombstone && !f.Value.valid() {
		return aura.Errorf(aura.KindInvalidFormat, "fact %s has a non-canonical value", f.Key)
	}
	return nil
}

// compare orders two versions of the same key by (epoch, tombstone bias,
// value hash, full hash). The order is total, which makes merge a
// semilattice join.
func (s Schema) compare(a, b *SignedFact) int {
	if a.Epoch != b.Epoch {
		if a.Epoch < b.Epoch {
			return -1
		}
		return 1
	}
	if a.Tombstone != b.Tombstone {
		// The tombstone ranks above the live fact under remove-wins.
		tombWins := s[Predicate(a.Key)] == RemoveWins
		if a.Tombstone == tombWins {
			return 1
		}
		return -1
	}
	ha, hb := a.ValueHash(), b.ValueHash()
	if c := bytes.Compare(ha[:], hb[:]); c != 0 {
		return c
	}
	fa, fb := a.Hash(), b.Hash()
	return bytes.Compare(fa[:], fb[:])
}
