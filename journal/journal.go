// Package journal implements the convergent fact journal of an account: a
// join-semilattice of signed facts keyed by string, indexed by family,
// authority and time, with the merkle and bloom digests driving
// anti-entropy between replicas.
package journal

import (
	"context"
	"strings"
	"sync"

	"github.com/aura-labs/aura"
	"github.com/aura-labs/aura/crypto"
	"github.com/aura-labs/aura/internal/wire"
	"github.com/aura-labs/aura/storage"
	"github.com/google/btree"
	"go.dedis.ch/onet/v3/log"
)

// KeyResolver returns the signing key of an authority.
type KeyResolver interface {
	PublicKey(authority aura.AuthorityID) ([]byte, error)
}

// Authorizer decides whether the author of a fact may write it.
type Authorizer interface {
	AuthorizeFact(f *SignedFact) error
}

// Penalizer is told about sources sending facts with bad signatures, so
// that it can charge their flow budget.
type Penalizer interface {
	Penalize(source aura.AuthorityID, reason error)
}

// DefaultMaxIntents bounds the intent pool.
const DefaultMaxIntents = 256

// Config holds the collaborators of a journal. A nil Keys accepts
// unverified facts and must only be used for replicas fed from trusted
// storage.
type Config struct {
	Schema     Schema
	Keys       KeyResolver
	Authorizer Authorizer
	Penalizer  Penalizer
	MaxIntents int
}

// IndexedFact is a fact together with the sequence number of the merge
// that stored it.
type IndexedFact struct {
	Seq  uint64
	Fact *SignedFact
}

type entry struct {
	fact *SignedFact
	seq  uint64
}

const degree = 16

// Journal is a replica. There is exactly one writer at a time; readers
// take copy-on-write snapshots.
type Journal struct {
	sync.Mutex
	cfg         Config
	facts       *btree.BTreeG[*entry]
	bySeq       *btree.BTreeG[*entry]
	byTime      *btree.BTreeG[*entry]
	byAuthority map[aura.AuthorityID]map[string]bool
	seq         uint64
	notify      chan struct{}
}

func byKey(a, b *entry) bool { return a.fact.Key < b.fact.Key }

func bySeq(a, b *entry) bool { return a.seq < b.seq }

func byTime(a, b *entry) bool {
	if a.fact.Timestamp != b.fact.Timestamp {
		return a.fact.Timestamp < b.fact.Timestamp
	}
	return a.fact.Key < b.fact.Key
}

// New returns an empty journal.
func New(cfg Config) *Journal {
	if cfg.Schema == nil {
		cfg.Schema = DefaultSchema
	}
	if cfg.MaxIntents == 0 {
		cfg.MaxIntents = DefaultMaxIntents
	}
	return &Journal{
		cfg:         cfg,
		facts:       btree.NewG(degree, byKey),
		bySeq:       btree.NewG(degree, bySeq),
		byTime:      btree.NewG(degree, byTime),
		byAuthority: make(map[aura.AuthorityID]map[string]bool),
		notify:      make(chan struct{}),
	}
}

func probe(key string) *entry {
	return &entry{fact: &SignedFact{Key: key}}
}

// mergeOne stores f if it ranks above the current version of its key.
// The caller holds the lock.
func (j *Journal) mergeOne(f *SignedFact) bool {
	if err := f.check(); err != nil {
		log.Warnf("dropping fact: %v", err)
		return false
	}
	old, ok := j.facts.Get(probe(f.Key))
	if ok {
		c := j.cfg.Schema.compare(f, old.fact)
		if c <= 0 {
			if c == 0 && old.fact.Hash() != f.Hash() {
				log.Error(aura.NewError(aura.KindMergeConflict, "equal merge tags for different facts at "+f.Key))
			}
			return false
		}
		j.bySeq.Delete(old)
		j.byTime.Delete(old)
		if keys := j.byAuthority[old.fact.Authority]; keys != nil {
			delete(keys, old.fact.Key)
		}
	}
	j.seq++
	e := &entry{fact: f.Copy(), seq: j.seq}
	j.facts.ReplaceOrInsert(e)
	j.bySeq.ReplaceOrInsert(e)
	j.byTime.ReplaceOrInsert(e)
	keys := j.byAuthority[f.Authority]
	if keys == nil {
		keys = make(map[string]bool)
		j.byAuthority[f.Authority] = keys
	}
	keys[f.Key] = true
	return true
}

func (j *Journal) wake() {
	close(j.notify)
	j.notify = make(chan struct{})
}

// Merge joins facts into the journal without verifying them and returns
// the ones that changed it. Merge is commutative, associative and
// idempotent.
func (j *Journal) Merge(facts ...*SignedFact) []*SignedFact {
	j.Lock()
	defer j.Unlock()
	var changed []*SignedFact
	for _, f := range facts {
		if j.mergeOne(f) {
			changed = append(changed, f)
		}
	}
	if len(changed) > 0 {
		j.wake()
	}
	return changed
}

// Join returns a new journal holding the join of a and b.
func Join(a, b *Journal) *Journal {
	out := New(a.cfg)
	out.Merge(a.Facts()...)
	out.Merge(b.Facts()...)
	return out
}

// Equal returns true if both journals hold the same facts.
func Equal(a, b *Journal) bool {
	return a.Len() == b.Len() && a.MerkleRoot() == b.MerkleRoot()
}

// Commit verifies a locally produced fact and merges it. New intents are
// refused once the intent pool is full.
func (j *Journal) Commit(f *SignedFact) error {
	return j.commit(f.Authority, f, true)
}

// CommitFrom verifies a fact received from source and merges it. A bad
// signature charges the source.
func (j *Journal) CommitFrom(source aura.AuthorityID, f *SignedFact) error {
	return j.commit(source, f, false)
}

func (j *Journal) commit(source aura.AuthorityID, f *SignedFact, local bool) error {
	if err := f.check(); err != nil {
		return err
	}
	if j.cfg.Keys != nil {
		pub, err := j.cfg.Keys.PublicKey(f.Authority)
		if err == nil {
			err = f.Verify(pub)
		}
		if err != nil {
			err = aura.WithKind(aura.KindInvalidSignature, err)
			if j.cfg.Penalizer != nil {
				j.cfg.Penalizer.Penalize(source, err)
			}
			return err
		}
	}
	if j.cfg.Authorizer != nil {
		if err := j.cfg.Authorizer.AuthorizeFact(f); err != nil {
			return err
		}
	}
	j.Lock()
	defer j.Unlock()
	if local && Predicate(f.Key) == IntentFamily && !f.Tombstone {
		if _, exists := j.facts.Get(probe(f.Key)); !exists && j.pendingIntents() >= j.cfg.MaxIntents {
			return aura.Errorf(aura.KindInsufficientBudget, "intent pool is full (%d)", j.cfg.MaxIntents)
		}
	}
	if j.mergeOne(f) {
		j.wake()
	}
	return nil
}

// RefineCaps merges capability facts. Revocations are tombstones under a
// remove-wins policy, so refinement only ever narrows.
func (j *Journal) RefineCaps(refinement ...*SignedFact) error {
	for _, f := range refinement {
		if Predicate(f.Key) != CapFamily {
			return aura.Errorf(aura.KindInvalid, "%s is not a capability fact", f.Key)
		}
	}
	for _, f := range refinement {
		if err := j.Commit(f); err != nil {
			return err
		}
	}
	return nil
}

// CapFamily is the family of capability facts.
const CapFamily = "cap"

// Get returns the current version of key, tombstones included.
func (j *Journal) Get(key string) (*SignedFact, bool) {
	j.Lock()
	defer j.Unlock()
	e, ok := j.facts.Get(probe(key))
	if !ok {
		return nil, false
	}
	return e.fact, true
}

// Live returns the value of key unless it is missing or deleted.
func (j *Journal) Live(key string) (*SignedFact, bool) {
	f, ok := j.Get(key)
	if !ok || f.Tombstone {
		return nil, false
	}
	return f, true
}

// Len returns the number of keys.
func (j *Journal) Len() int {
	j.Lock()
	defer j.Unlock()
	return j.facts.Len()
}

// Seq returns the sequence number of the last change.
func (j *Journal) Seq() uint64 {
	j.Lock()
	defer j.Unlock()
	return j.seq
}

// Facts returns all facts in key order.
func (j *Journal) Facts() []*SignedFact {
	return j.Snapshot().Facts()
}

// FactsByPredicate returns the facts of a family in key order.
func (j *Journal) FactsByPredicate(pred string) []*SignedFact {
	j.Lock()
	defer j.Unlock()
	var out []*SignedFact
	j.facts.AscendGreaterOrEqual(probe(pred), func(e *entry) bool {
		if e.fact.Key != pred && !strings.HasPrefix(e.fact.Key, pred+":") {
			return e.fact.Key < pred+":"
		}
		out = append(out, e.fact)
		return true
	})
	return out
}

// ByAuthority returns the facts authored by a, in key order.
func (j *Journal) ByAuthority(a aura.AuthorityID) []*SignedFact {
	j.Lock()
	defer j.Unlock()
	var out []*SignedFact
	j.facts.Ascend(func(e *entry) bool {
		if j.byAuthority[a][e.fact.Key] {
			out = append(out, e.fact)
		}
		return len(out) < len(j.byAuthority[a])
	})
	return out
}

// InRange returns the facts with t0 <= timestamp < t1, oldest first.
func (j *Journal) InRange(t0, t1 uint64) []*SignedFact {
	j.Lock()
	defer j.Unlock()
	var out []*SignedFact
	lo := &entry{fact: &SignedFact{Timestamp: t0}}
	hi := &entry{fact: &SignedFact{Timestamp: t1}}
	j.byTime.AscendRange(lo, hi, func(e *entry) bool {
		out = append(out, e.fact)
		return true
	})
	return out
}

// Snapshot returns a consistent read-only view.
func (j *Journal) Snapshot() *Snapshot {
	j.Lock()
	defer j.Unlock()
	return &Snapshot{facts: j.facts.Clone(), seq: j.seq}
}

// MerkleRoot returns the root over all facts.
func (j *Journal) MerkleRoot() crypto.Hash32 {
	return j.Snapshot().MerkleRoot()
}

// BloomFilter returns a filter over all fact versions.
func (j *Journal) BloomFilter(seed uint64) *Bloom {
	return j.Snapshot().BloomFilter(seed)
}

// Proof returns the inclusion proof of the current version of key.
func (j *Journal) Proof(key string) (*SignedFact, *InclusionProof, error) {
	return j.Snapshot().Proof(key)
}

// VerifyInclusion returns true if f is the current version of its key.
func (j *Journal) VerifyInclusion(f *SignedFact) bool {
	snap := j.Snapshot()
	cur, p, err := snap.Proof(f.Key)
	if err != nil || cur.Hash() != f.Hash() {
		return false
	}
	return VerifyInclusion(snap.MerkleRoot(), f, p) == nil
}

// Snapshot is an immutable view of a journal.
type Snapshot struct {
	facts *btree.BTreeG[*entry]
	seq   uint64
}

// Seq returns the sequence number the snapshot was taken at.
func (s *Snapshot) Seq() uint64 { return s.seq }

// Len returns the number of keys.
func (s *Snapshot) Len() int { return s.facts.Len() }

// Get returns the version of key in the snapshot.
func (s *Snapshot) Get(key string) (*SignedFact, bool) {
	e, ok := s.facts.Get(probe(key))
	if !ok {
		return nil, false
	}
	return e.fact, true
}

// Facts returns all facts in key order.
func (s *Snapshot) Facts() []*SignedFact {
	out := make([]*SignedFact, 0, s.facts.Len())
	s.facts.Ascend(func(e *entry) bool {
		out = append(out, e.fact)
		return true
	})
	return out
}

func (s *Snapshot) leaves() []crypto.Hash32 {
	out := make([]crypto.Hash32, 0, s.facts.Len())
	s.facts.Ascend(func(e *entry) bool {
		out = append(out, merkleLeaf(e.fact))
		return true
	})
	return out
}

// MerkleRoot returns the root over all facts in key order.
func (s *Snapshot) MerkleRoot() crypto.Hash32 {
	return merkleRoot(s.leaves())
}

// BloomFilter returns a filter over all fact versions.
func (s *Snapshot) BloomFilter(seed uint64) *Bloom {
	b := NewBloom(s.facts.Len(), seed)
	s.facts.Ascend(func(e *entry) bool {
		b.Add(bloomEntry(e.fact))
		return true
	})
	return b
}

// EpochRange returns the lowest and highest fact epochs.
func (s *Snapshot) EpochRange() (uint64, uint64) {
	var lo, hi uint64
	first := true
	s.facts.Ascend(func(e *entry) bool {
		if first || e.fact.Epoch < lo {
			lo = e.fact.Epoch
		}
		if first || e.fact.Epoch > hi {
			hi = e.fact.Epoch
		}
		first = false
		return true
	})
	return lo, hi
}

// Proof returns the current version of key and its inclusion proof.
func (s *Snapshot) Proof(key string) (*SignedFact, *InclusionProof, error) {
	index := -1
	var fact *SignedFact
	i := 0
	s.facts.Ascend(func(e *entry) bool {
		if e.fact.Key == key {
			index, fact = i, e.fact
			return false
		}
		i++
		return true
	})
	if index < 0 {
		return nil, nil, aura.Errorf(aura.KindNotFound, "no fact %s", key)
	}
	return fact, merkleProof(s.leaves(), index), nil
}

type ledger struct {
	Facts []*SignedFact `cbor:"1,keyasint"`
}

// MarshalBinary encodes the journal canonically.
func (j *Journal) MarshalBinary() ([]byte, error) {
	return wire.Marshal(&ledger{Facts: j.Facts()})
}

// Unmarshal decodes a journal written by MarshalBinary.
func Unmarshal(cfg Config, buf []byte) (*Journal, error) {
	var l ledger
	if err := wire.Unmarshal(buf, &l); err != nil {
		return nil, err
	}
	j := New(cfg)
	j.Merge(l.Facts...)
	return j, nil
}

// LedgerKey is where the journal of an account is stored.
func LedgerKey(account aura.AuthorityID) string {
	return storage.AccountKey(account, "ledger.cbor")
}

// Save writes the journal to storage.
func (j *Journal) Save(ctx context.Context, s storage.Storage, account aura.AuthorityID) error {
	buf, err := j.MarshalBinary()
	if err != nil {
		return err
	}
	return s.Write(ctx, LedgerKey(account), buf)
}

// Load reads the journal of an account, or returns an empty one.
func Load(ctx context.Context, s storage.Storage, account aura.AuthorityID, cfg Config) (*Journal, error) {
	buf, ok, err := s.Read(ctx, LedgerKey(account))
	if err != nil {
		return nil, err
	}
	if !ok {
		return New(cfg), nil
	}
	return Unmarshal(cfg, buf)
}
