package recovery

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aura-labs/aura"
	"github.com/aura-labs/aura/crypto"
	"github.com/aura-labs/aura/crypto/frost"
	"github.com/aura-labs/aura/effects"
	"github.com/aura-labs/aura/internal/wire"
	"github.com/aura-labs/aura/journal"
	"github.com/aura-labs/aura/storage"
	"github.com/aura-labs/aura/tree"
	"go.dedis.ch/kyber/v3/sign/schnorr"
	"go.dedis.ch/onet/v3/log"
)

// Defaults of the recovery timing.
const (
	DefaultDisputeWindow = 24 * time.Hour
	DefaultCooldown      = 900 * time.Second
	DefaultTimeout       = 72 * time.Hour
)

// Family is the journal family of recovery facts.
const Family = "recovery"

const recordPrefix = "recovery/"

// Status is the state of a recovery ceremony.
type Status uint8

// Recovery statuses. Applied, Voided and Aborted are terminal.
const (
	Collecting Status = iota + 1
	Granted
	Applied
	Voided
	Aborted
)

func (s Status) String() string {
	switch s {
	case Collecting:
		return "Collecting"
	case Granted:
		return "Granted"
	case Applied:
		return "Applied"
	case Voided:
		return "Voided"
	case Aborted:
		return "Aborted"
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// Request starts a recovery.
type Request struct {
	Initiator aura.AuthorityID
	Account   aura.AuthorityID
	// AccountNew defaults to Account.
	AccountNew aura.AuthorityID
	Context    aura.ContextID
	Threshold  int
	Guardians  []aura.AuthorityID
	Action     *tree.RecoveryAction
}

// Record is the persisted state of a recovery ceremony. Guardian shares
// are kept in memory only.
type Record struct {
	ID         crypto.Hash32      `cbor:"1,keyasint"`
	Context    aura.ContextID     `cbor:"2,keyasint"`
	Status     Status             `cbor:"3,keyasint"`
	Threshold  int                `cbor:"4,keyasint"`
	Guardians  []aura.AuthorityID `cbor:"5,keyasint"`
	Grant      tree.RecoveryGrant `cbor:"6,keyasint"`
	StartedMs  uint64             `cbor:"7,keyasint"`
	DeadlineMs uint64             `cbor:"8,keyasint"`
	Disputes   []Dispute          `cbor:"9,keyasint,omitempty"`
	UpdatedMs  uint64             `cbor:"10,keyasint"`
}

// RecordKey returns recovery/{ceremony_id}.cbor.
func RecordKey(id crypto.Hash32) string {
	return recordPrefix + id.Hex() + ".cbor"
}

// Sink records facts. It must not call back into the manager.
type Sink interface {
	Record(f *journal.SignedFact) error
}

// Config holds the collaborators and timing of a Manager. Zero durations
// use the defaults.
type Config struct {
	Clock effects.Clock
	// Author signs the facts recorded through Sink.
	Author        aura.AuthorityID
	Sink          Sink
	Store         storage.Storage
	Epoch         func() uint64
	DisputeWindow time.Duration
	Cooldown      time.Duration
	Timeout       time.Duration
}

type ceremony struct {
	rec    *Record
	set    *GuardianSet
	shares map[aura.AuthorityID]*Share
}

// Manager runs the recovery ceremonies of a replica and verifies the
// recovery grants applied to its trees.
type Manager struct {
	sync.Mutex
	cfg        Config
	sets       map[aura.AuthorityID]*GuardianSet
	ceremonies map[crypto.Hash32]*ceremony
	// lastCounted is when each guardian's approval was last counted.
	lastCounted map[aura.AuthorityID]uint64
	// disputed holds the approval digests of disputed grants.
	disputed map[crypto.Hash32]bool
}

// NewManager returns a manager without guardian sets.
func NewManager(cfg Config) *Manager {
	if cfg.DisputeWindow <= 0 {
		cfg.DisputeWindow = DefaultDisputeWindow
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Manager{
		cfg:         cfg,
		sets:        make(map[aura.AuthorityID]*GuardianSet),
		ceremonies:  make(map[crypto.Hash32]*ceremony),
		lastCounted: make(map[aura.AuthorityID]uint64),
		disputed:    make(map[crypto.Hash32]bool),
	}
}

func ms(d time.Duration) uint64 {
	return uint64(d / time.Millisecond)
}

// AddGuardianSet installs or replaces the guardian set of an account.
func (m *Manager) AddGuardianSet(s *GuardianSet) error {
	if s.Threshold < 1 || s.Threshold > len(s.Guardians) {
		return aura.Errorf(aura.KindPolicyViolation, "threshold %d for %d guardians", s.Threshold, len(s.Guardians))
	}
	if _, err := s.recoveryKey(); err != nil {
		return err
	}
	m.Lock()
	defer m.Unlock()
	m.sets[s.Account] = s
	return nil
}

// GuardianSet returns the guardian set of an account.
func (m *Manager) GuardianSet(account aura.AuthorityID) (*GuardianSet, bool) {
	m.Lock()
	defer m.Unlock()
	s, ok := m.sets[account]
	return s, ok
}

// Initiate starts a recovery ceremony and returns its id. The guardians
// must belong to the account's guardian set and be at least as many as
// needed to reconstruct the recovery key.
func (m *Manager) Initiate(ctx context.Context, req *Request) (crypto.Hash32, error) {
	var id crypto.Hash32
	if req.Action == nil {
		return id, aura.NewError(aura.KindInvalid, "recovery without action")
	}
	m.Lock()
	defer m.Unlock()
	set, ok := m.sets[req.Account]
	if !ok {
		return id, aura.Errorf(aura.KindNotFound, "no guardian set for %s", req.Account)
	}
	if req.Threshold < set.Threshold || req.Threshold > len(req.Guardians) {
		return id, aura.Errorf(aura.KindPolicyViolation, "threshold %d of %d guardians, the recovery key needs %d",
			req.Threshold, len(req.Guardians), set.Threshold)
	}
	seen := make(map[aura.AuthorityID]bool)
	for _, g := range req.Guardians {
		if _, ok := set.Index(g); !ok || seen[g] {
			return id, aura.Errorf(aura.KindAuthorizationDenied, "%s is not a guardian of %s", g, req.Account)
		}
		seen[g] = true
	}
	op, err := wire.Marshal(req.Action)
	if err != nil {
		return id, err
	}
	now := m.cfg.Clock.NowMs()
	grant := tree.RecoveryGrant{
		AccountOld: req.Account,
		AccountNew: req.AccountNew,
		Guardian:   req.Initiator,
		Operation:  op,
	}
	if grant.AccountNew.IsNil() {
		grant.AccountNew = req.Account
	}
	id = CeremonyID(&grant, now)
	if m.ceremonies[id] != nil {
		return id, aura.Errorf(aura.KindInvalid, "recovery %s already running", id.Prefix())
	}
	c := &ceremony{
		rec: &Record{
			ID:         id,
			Context:    req.Context,
			Status:     Collecting,
			Threshold:  req.Threshold,
			Guardians:  append([]aura.AuthorityID{}, req.Guardians...),
			Grant:      grant,
			StartedMs:  now,
			DeadlineMs: now + ms(m.cfg.Timeout),
			UpdatedMs:  now,
		},
		set:    set,
		shares: make(map[aura.AuthorityID]*Share),
	}
	m.ceremonies[id] = c
	log.Lvlf1("recovery %s of %s started by %s, %d of %d guardians", id.Prefix(), req.Account,
		req.Initiator, req.Threshold, len(req.Guardians))
	return id, m.save(ctx, c.rec)
}

// Pending returns the grant the guardians of a ceremony approve.
func (m *Manager) Pending(id crypto.Hash32) (*tree.RecoveryGrant, error) {
	m.Lock()
	defer m.Unlock()
	c, ok := m.ceremonies[id]
	if !ok {
		return nil, aura.Errorf(aura.KindNotFound, "no recovery %s", id.Prefix())
	}
	g := c.rec.Grant
	return &g, nil
}

// Status returns the record of a ceremony.
func (m *Manager) Status(id crypto.Hash32) (*Record, bool) {
	m.Lock()
	defer m.Unlock()
	c, ok := m.ceremonies[id]
	if !ok {
		return nil, false
	}
	r := *c.rec
	return &r, true
}

// SubmitShare counts a guardian's share. Shares of unknown guardians and
// invalid shares are refused without affecting the ceremony. Once enough
// shares are in, the grant is issued and the dispute window opens.
func (m *Manager) SubmitShare(ctx context.Context, id crypto.Hash32, s *Share) (Status, error) {
	m.Lock()
	defer m.Unlock()
	c, ok := m.ceremonies[id]
	if !ok {
		return 0, aura.Errorf(aura.KindNotFound, "no recovery %s", id.Prefix())
	}
	if c.rec.Status != Collecting {
		return c.rec.Status, aura.Errorf(aura.KindInvalid, "recovery %s is %s", id.Prefix(), c.rec.Status)
	}
	if err := c.check(s); err != nil {
		log.Warnf("recovery %s: ignoring share of %s: %v", id.Prefix(), s.Guardian, err)
		return c.rec.Status, err
	}
	if c.shares[s.Guardian] != nil {
		return c.rec.Status, nil
	}
	now := m.cfg.Clock.NowMs()
	if last, ok := m.lastCounted[s.Guardian]; ok && now < last+ms(m.cfg.Cooldown) {
		return c.rec.Status, aura.Errorf(aura.KindPolicyViolation, "guardian %s approved %d ms ago, cooldown is %s",
			s.Guardian, now-last, m.cfg.Cooldown)
	}
	c.shares[s.Guardian] = s
	m.lastCounted[s.Guardian] = now
	c.rec.Grant.ConsensusProof = append(c.rec.Grant.ConsensusProof, tree.GuardianApproval{
		Guardian:   s.Guardian,
		Signature:  s.PartialSignature,
		IssuedAtMs: s.IssuedAtMs,
	})
	m.record(c, fmt.Sprintf("approval:%s", s.Guardian), journal.Nested(map[string]journal.Value{
		"ceremony": journal.String(id.Hex()),
		"guardian": journal.String(s.Guardian.String()),
		"issued":   journal.Number(int64(s.IssuedAtMs)),
	}))
	log.Lvlf2("recovery %s: %d of %d approvals", id.Prefix(), len(c.shares), c.rec.Threshold)
	if len(c.shares) >= c.rec.Threshold {
		if err := m.grant(c, now); err != nil {
			return c.rec.Status, err
		}
	}
	c.rec.UpdatedMs = now
	return c.rec.Status, m.save(ctx, c.rec)
}

// check verifies that s comes from a guardian of the ceremony, carries
// that guardian's share of the recovery key and signs the grant.
func (c *ceremony) check(s *Share) error {
	member := false
	for _, g := range c.rec.Guardians {
		member = member || g == s.Guardian
	}
	i, ok := c.set.Index(s.Guardian)
	if !member || !ok {
		return aura.Errorf(aura.KindAuthorizationDenied, "%s is not a guardian of this recovery", s.Guardian)
	}
	g := c.set.Guardians[i]
	digest := ApprovalDigest(&c.rec.Grant)
	if err := crypto.Verify(g.PublicKey, digest[:], s.PartialSignature); err != nil {
		return err
	}
	sec, err := frost.DecodeScalar(s.Share)
	if err != nil {
		return aura.WithKind(aura.KindInvalidFormat, err)
	}
	if !bytes.Equal(crypto.PointBytes(aura.Suite.Point().Mul(sec, nil)), g.SharePublic) {
		return aura.Errorf(aura.KindInvalidSignature, "share of %s does not match its public share", s.Guardian)
	}
	return nil
}

// grant reconstructs the recovery key and signs the grant with it. m is
// locked.
func (m *Manager) grant(c *ceremony, now uint64) error {
	var shares []*frost.KeyShare
	key, err := c.set.recoveryKey()
	if err != nil {
		return err
	}
	for id, s := range c.shares {
		i, _ := c.set.Index(id)
		sec, err := frost.DecodeScalar(s.Share)
		if err != nil {
			return err
		}
		shares = append(shares, &frost.KeyShare{Index: i, Secret: sec, GroupKey: key})
	}
	sort.Slice(shares, func(a, b int) bool { return shares[a].Index < shares[b].Index })
	secret, err := frost.RecoverSecret(shares, c.set.Threshold, key)
	if err != nil {
		return err
	}
	g := &c.rec.Grant
	sort.Slice(g.ConsensusProof, func(a, b int) bool {
		return g.ConsensusProof[a].Guardian.Less(g.ConsensusProof[b].Guardian)
	})
	g.IssuedAtMs = now
	g.DisputeWindowEnd = now + ms(m.cfg.DisputeWindow)
	d := g.Digest()
	g.Proof, err = schnorr.Sign(aura.Suite, secret, d[:])
	if err != nil {
		return aura.WithKind(aura.KindInvalidSignature, err)
	}
	c.rec.Status = Granted
	// The shares are not needed anymore.
	for k, s := range c.shares {
		c.shares[k] = &Share{Guardian: s.Guardian, IssuedAtMs: s.IssuedAtMs}
	}
	m.record(c, "grant", journal.Nested(map[string]journal.Value{
		"ceremony":   journal.String(c.rec.ID.Hex()),
		"digest":     journal.String(d.Hex()),
		"window_end": journal.Number(int64(g.DisputeWindowEnd)),
	}))
	log.Lvlf1("recovery %s granted, dispute window ends at %d", c.rec.ID.Prefix(), g.DisputeWindowEnd)
	return nil
}

// FileDispute voids a recovery. Any guardian of the account may dispute
// until the dispute window closes.
func (m *Manager) FileDispute(ctx context.Context, id crypto.Hash32, d *Dispute) error {
	m.Lock()
	defer m.Unlock()
	c, ok := m.ceremonies[id]
	if !ok {
		return aura.Errorf(aura.KindNotFound, "no recovery %s", id.Prefix())
	}
	i, ok := c.set.Index(d.Guardian)
	if !ok {
		return aura.Errorf(aura.KindAuthorizationDenied, "%s is not a guardian of %s", d.Guardian, c.set.Account)
	}
	h := d.Digest(id)
	if err := crypto.Verify(c.set.Guardians[i].PublicKey, h[:], d.Signature); err != nil {
		return err
	}
	now := m.cfg.Clock.NowMs()
	switch c.rec.Status {
	case Applied:
		return aura.Errorf(aura.KindPolicyViolation, "recovery %s is already applied", id.Prefix())
	case Aborted:
		return aura.Errorf(aura.KindInvalid, "recovery %s is aborted", id.Prefix())
	case Granted:
		if now >= c.rec.Grant.DisputeWindowEnd {
			return aura.Errorf(aura.KindPolicyViolation, "dispute window of %s closed at %d", id.Prefix(), c.rec.Grant.DisputeWindowEnd)
		}
	}
	c.rec.Status = Voided
	c.rec.Disputes = append(c.rec.Disputes, *d)
	c.rec.UpdatedMs = now
	c.shares = nil
	m.disputed[ApprovalDigest(&c.rec.Grant)] = true
	m.record(c, fmt.Sprintf("dispute:%s", d.Guardian), disputeValue(id, &c.rec.Grant, d))
	log.Lvlf1("recovery %s voided by %s: %s", id.Prefix(), d.Guardian, d.Reason)
	return m.save(ctx, c.rec)
}

func disputeValue(id crypto.Hash32, g *tree.RecoveryGrant, d *Dispute) journal.Value {
	digest := ApprovalDigest(g)
	return journal.Nested(map[string]journal.Value{
		"ceremony":  journal.String(id.Hex()),
		"digest":    journal.String(digest.Hex()),
		"account":   journal.String(g.AccountOld.String()),
		"guardian":  journal.String(d.Guardian.String()),
		"reason":    journal.String(d.Reason),
		"filed":     journal.Number(int64(d.FiledAtMs)),
		"signature": journal.String(hex.EncodeToString(d.Signature)),
	})
}

// Finalize returns the grant of a ceremony whose dispute window passed
// without dispute. The grant is ready to be applied as a Recovery
// operation.
func (m *Manager) Finalize(id crypto.Hash32, nowMs uint64) (*tree.RecoveryGrant, error) {
	m.Lock()
	defer m.Unlock()
	c, ok := m.ceremonies[id]
	if !ok {
		return nil, aura.Errorf(aura.KindNotFound, "no recovery %s", id.Prefix())
	}
	switch c.rec.Status {
	case Collecting:
		return nil, aura.Errorf(aura.KindInsufficientSigners, "recovery %s has %d of %d approvals",
			id.Prefix(), len(c.shares), c.rec.Threshold)
	case Voided:
		return nil, aura.Errorf(aura.KindSuperseded, "recovery %s was disputed", id.Prefix())
	case Aborted:
		return nil, aura.Errorf(aura.KindTimedOut, "recovery %s timed out", id.Prefix())
	case Applied:
		return nil, aura.Errorf(aura.KindInvalid, "recovery %s is already applied", id.Prefix())
	}
	if nowMs < c.rec.Grant.DisputeWindowEnd {
		return nil, aura.Errorf(aura.KindPolicyViolation, "dispute window of %s open until %d",
			id.Prefix(), c.rec.Grant.DisputeWindowEnd)
	}
	g := c.rec.Grant
	return &g, nil
}

// MarkApplied records that the grant of id was applied to the tree.
func (m *Manager) MarkApplied(ctx context.Context, id crypto.Hash32) error {
	m.Lock()
	defer m.Unlock()
	c, ok := m.ceremonies[id]
	if !ok {
		return aura.Errorf(aura.KindNotFound, "no recovery %s", id.Prefix())
	}
	if c.rec.Status != Granted {
		return aura.Errorf(aura.KindInvalid, "recovery %s is %s", id.Prefix(), c.rec.Status)
	}
	c.rec.Status = Applied
	c.rec.UpdatedMs = m.cfg.Clock.NowMs()
	m.record(c, "status", journal.String(Applied.String()))
	return m.save(ctx, c.rec)
}

// Expire aborts the ceremonies still collecting past their deadline and
// returns their ids.
func (m *Manager) Expire(ctx context.Context, nowMs uint64) ([]crypto.Hash32, error) {
	m.Lock()
	defer m.Unlock()
	var out []crypto.Hash32
	for id, c := range m.ceremonies {
		if c.rec.Status != Collecting || nowMs < c.rec.DeadlineMs {
			continue
		}
		c.rec.Status = Aborted
		c.rec.UpdatedMs = nowMs
		c.shares = nil
		m.record(c, "status", journal.String(Aborted.String()))
		log.Lvlf1("recovery %s aborted after its deadline", id.Prefix())
		if err := m.save(ctx, c.rec); err != nil {
			return out, err
		}
		out = append(out, id)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Less(out[b]) })
	return out, nil
}

// VerifyGrant checks a grant before it is applied: a threshold of valid
// approvals from distinct guardians, the proof under the recovery key, a
// closed dispute window of the configured length and no dispute.
func (m *Manager) VerifyGrant(g *tree.RecoveryGrant, nowMs uint64) error {
	m.Lock()
	defer m.Unlock()
	set, ok := m.sets[g.AccountOld]
	if !ok {
		return aura.Errorf(aura.KindInvalidAttestation, "no guardian set for %s", g.AccountOld)
	}
	digest := ApprovalDigest(g)
	if m.disputed[digest] {
		return aura.NewError(aura.KindPolicyViolation, "grant was disputed")
	}
	if nowMs < g.DisputeWindowEnd {
		return aura.Errorf(aura.KindPolicyViolation, "dispute window open until %d", g.DisputeWindowEnd)
	}
	if g.DisputeWindowEnd < g.IssuedAtMs || g.DisputeWindowEnd-g.IssuedAtMs < ms(m.cfg.DisputeWindow) {
		return aura.Errorf(aura.KindPolicyViolation, "dispute window of %d ms is too short",
			int64(g.DisputeWindowEnd)-int64(g.IssuedAtMs))
	}
	seen := make(map[aura.AuthorityID]bool)
	for _, a := range g.ConsensusProof {
		i, ok := set.Index(a.Guardian)
		if !ok || seen[a.Guardian] {
			continue
		}
		if crypto.Verify(set.Guardians[i].PublicKey, digest[:], a.Signature) != nil {
			continue
		}
		seen[a.Guardian] = true
	}
	if len(seen) < set.Threshold {
		return aura.Errorf(aura.KindInvalidAttestation, "%d valid guardian approvals, %d needed", len(seen), set.Threshold)
	}
	key, err := set.recoveryKey()
	if err != nil {
		return err
	}
	d := g.Digest()
	if err := schnorr.Verify(aura.Suite, key, d[:], g.Proof); err != nil {
		return aura.Errorf(aura.KindInvalidAttestation, "recovery proof: %v", err)
	}
	return nil
}

// ObserveFact learns the disputes recorded by other replicas.
func (m *Manager) ObserveFact(f *journal.SignedFact) {
	if f.Predicate() != Family || f.Tombstone || !strings.Contains(f.Key, ":dispute:") {
		return
	}
	if err := m.observeDispute(f.Value); err != nil {
		log.Warnf("dropping dispute fact %s: %v", f.Key, err)
	}
}

func (m *Manager) observeDispute(v journal.Value) error {
	if v.Kind != journal.ValueNested {
		return aura.NewError(aura.KindInvalidFormat, "dispute is not nested")
	}
	n := v.Nested
	id, err := parseHash(n["ceremony"].Str)
	if err != nil {
		return err
	}
	digest, err := parseHash(n["digest"].Str)
	if err != nil {
		return err
	}
	account, err := aura.ParseAuthorityID(n["account"].Str)
	if err != nil {
		return err
	}
	guardian, err := aura.ParseAuthorityID(n["guardian"].Str)
	if err != nil {
		return err
	}
	sig, err := hex.DecodeString(n["signature"].Str)
	if err != nil {
		return aura.Errorf(aura.KindInvalidFormat, "dispute signature: %v", err)
	}
	d := &Dispute{Guardian: guardian, Reason: n["reason"].Str, FiledAtMs: uint64(n["filed"].Num), Signature: sig}

	m.Lock()
	defer m.Unlock()
	set, ok := m.sets[account]
	if !ok {
		return aura.Errorf(aura.KindNotFound, "no guardian set for %s", account)
	}
	i, ok := set.Index(guardian)
	if !ok {
		return aura.Errorf(aura.KindAuthorizationDenied, "%s is not a guardian of %s", guardian, account)
	}
	h := d.Digest(id)
	if err := crypto.Verify(set.Guardians[i].PublicKey, h[:], d.Signature); err != nil {
		return err
	}
	m.disputed[digest] = true
	if c := m.ceremonies[id]; c != nil && (c.rec.Status == Collecting || c.rec.Status == Granted) {
		c.rec.Status = Voided
		c.rec.Disputes = append(c.rec.Disputes, *d)
		c.shares = nil
		log.Lvlf1("recovery %s voided by a dispute of %s", id.Prefix(), guardian)
	}
	return nil
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

// FactKey returns recovery:{ceremony_prefix}:{suffix}.
func FactKey(id crypto.Hash32, suffix string) string {
	return fmt.Sprintf("%s:%s:%s", Family, id.Prefix(), suffix)
}

// record hands a fact to the sink. m is locked.
func (m *Manager) record(c *ceremony, suffix string, v journal.Value) {
	if m.cfg.Sink == nil {
		return
	}
	var epoch uint64
	if m.cfg.Epoch != nil {
		epoch = m.cfg.Epoch()
	}
	f := journal.NewFact(FactKey(c.rec.ID, suffix), v, m.cfg.Author, epoch, m.cfg.Clock.NowMs())
	if err := m.cfg.Sink.Record(f); err != nil {
		log.Warnf("recording %s: %v", f.Key, err)
	}
}

func (m *Manager) save(ctx context.Context, r *Record) error {
	if m.cfg.Store == nil {
		return nil
	}
	buf, err := wire.Marshal(r)
	if err != nil {
		return err
	}
	return m.cfg.Store.Write(ctx, RecordKey(r.ID), buf)
}

// Load reads a stored ceremony record.
func Load(ctx context.Context, s storage.Storage, id crypto.Hash32) (*Record, error) {
	buf, ok, err := s.Read(ctx, RecordKey(id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, aura.Errorf(aura.KindNotFound, "no record of recovery %s", id.Prefix())
	}
	r := &Record{}
	if err := wire.Unmarshal(buf, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Rehydrate reloads the stored ceremonies after a restart. Ceremonies
// that were collecting lost their shares and are aborted; granted ones
// resume waiting for their dispute window.
func (m *Manager) Rehydrate(ctx context.Context) (int, error) {
	if m.cfg.Store == nil {
		return 0, nil
	}
	keys, err := m.cfg.Store.ListKeys(ctx, recordPrefix)
	if err != nil {
		return 0, err
	}
	m.Lock()
	defer m.Unlock()
	n := 0
	for _, k := range keys {
		buf, ok, err := m.cfg.Store.Read(ctx, k)
		if err != nil {
			return n, err
		}
		if !ok {
			continue
		}
		r := &Record{}
		if err := wire.Unmarshal(buf, r); err != nil {
			log.Warnf("skipping %s: %v", k, err)
			continue
		}
		set, ok := m.sets[r.Grant.AccountOld]
		if !ok {
			log.Warnf("skipping %s: no guardian set for %s", k, r.Grant.AccountOld)
			continue
		}
		c := &ceremony{rec: r, set: set, shares: make(map[aura.AuthorityID]*Share)}
		for _, a := range r.Grant.ConsensusProof {
			c.shares[a.Guardian] = &Share{Guardian: a.Guardian, IssuedAtMs: a.IssuedAtMs}
		}
		if r.Status == Collecting {
			r.Status = Aborted
			r.UpdatedMs = m.cfg.Clock.NowMs()
			m.record(c, "status", journal.String(Aborted.String()))
			if err := m.save(ctx, r); err != nil {
				return n, err
			}
		}
		if r.Status == Voided {
			m.disputed[ApprovalDigest(&r.Grant)] = true
		}
		m.ceremonies[r.ID] = c
		n++
	}
	return n, nil
}
