// Package node runs one device of an account: it binds the tree, the
// journal, the capabilities, the ceremonies, the channels and the recovery
// manager to a transport and a storage backend.
//
// All the protocol state lives in the component packages; the node routes
// messages between them, persists what they produce and turns the facts
// merged from other replicas into local effects.
package node

import (
	"context"
	"sync"
	"time"

	"github.com/aura-labs/aura"
	"github.com/aura-labs/aura/amp"
	"github.com/aura-labs/aura/capability"
	"github.com/aura-labs/aura/ceremony"
	"github.com/aura-labs/aura/config"
	"github.com/aura-labs/aura/crypto"
	"github.com/aura-labs/aura/crypto/frost"
	"github.com/aura-labs/aura/effects"
	"github.com/aura-labs/aura/internal/retry"
	"github.com/aura-labs/aura/journal"
	"github.com/aura-labs/aura/recovery"
	"github.com/aura-labs/aura/storage"
	"github.com/aura-labs/aura/transport"
	"github.com/aura-labs/aura/tree"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

// JournalContext is where peers sending badly signed facts are charged.
var JournalContext = aura.NamedContextID("journal")

// DeliveryBuffer bounds the decrypted channel messages waiting for the
// application.
const DeliveryBuffer = 256

// Options are the collaborators of a node.
type Options struct {
	Config    *config.Config
	Account   aura.AuthorityID
	Key       *crypto.KeyPair
	Effects   effects.Effects
	Storage   storage.Storage
	Transport transport.Transport
	// Genesis is the initial tree of the account. It is persisted on the
	// first start and read back afterwards, so restarts leave it nil.
	Genesis *tree.State
	// Share is the key share for the genesis epoch, if the device holds
	// one.
	Share *frost.KeyShare
	// Guardians are the guardian sets the recovery manager knows. They
	// are needed before the stored tree operations are replayed.
	Guardians []*recovery.GuardianSet
}

// Delivery is a decrypted channel message.
type Delivery struct {
	From    aura.AuthorityID
	Context aura.ContextID
	Channel aura.ChannelID
	Payload []byte
}

type channelEnd struct {
	ch      *amp.Channel
	context aura.ContextID
	peer    aura.AuthorityID
	send    bool
}

type responderKey struct {
	peer    aura.AuthorityID
	session uint64
}

// Node is one device of an account.
type Node struct {
	cfg     *config.Config
	account aura.AuthorityID
	id      aura.AuthorityID
	key     *crypto.KeyPair
	fx      effects.Effects
	store   storage.Storage
	net     transport.Transport
	retry   retry.Policy

	tree     *tree.Tree
	journal  *journal.Journal
	caps     *capability.Store
	budgets  *capability.Budgets
	gate     *capability.Gate
	registry *ceremony.Registry
	records  *ceremony.Records
	signer   *ceremony.Signer
	recovery *recovery.Manager

	// applyMu serializes applying operations and draining the journal.
	applyMu sync.Mutex
	cursor  *journal.Cursor
	// saveMu orders the journal writes, so that the last one stored is
	// the newest.
	saveMu sync.Mutex

	sync.Mutex
	share      *frost.KeyShare
	shareEpoch tree.Epoch
	publics    map[tree.LeafIndex]kyber.Point
	sessions   map[crypto.Hash32]*ceremony.Session
	intents    map[crypto.Hash32]crypto.Hash32
	syncs      map[uint64]chan *journal.Message
	responders map[responderKey]*journal.Responder
	channels   map[aura.ChannelID]*channelEnd
	peers      map[aura.AuthorityID][]byte
	pending    map[crypto.Hash32]*pendingOp
	reshares   map[tree.Epoch]*reshareRound
	changed    chan struct{}

	deliveries chan Delivery
}

// New starts a node from its storage, creating it from opts.Genesis on
// the first start. Nothing runs until Run is called.
func New(ctx context.Context, opts Options) (*Node, error) {
	if opts.Key == nil || opts.Storage == nil || opts.Transport == nil {
		return nil, aura.NewError(aura.KindInvalid, "node needs a key, a storage and a transport")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	fx := opts.Effects
	if fx.Clock == nil || fx.Random == nil {
		fx = effects.System()
	}
	n := &Node{
		cfg:     cfg,
		account: opts.Account,
		id:      tree.DeviceID(opts.Key.Public()),
		key:     opts.Key,
		fx:      fx,
		store:   opts.Storage,
		net:     opts.Transport,
		retry: retry.Policy{
			Attempts: cfg.TransportRetries,
			Base:     cfg.TransportBackoff.Duration,
			Max:      cfg.ShareTimeout.Duration,
			Jitter:   fx.Random.Range,
		},
		caps:       capability.NewStore(),
		publics:    make(map[tree.LeafIndex]kyber.Point),
		sessions:   make(map[crypto.Hash32]*ceremony.Session),
		intents:    make(map[crypto.Hash32]crypto.Hash32),
		syncs:      make(map[uint64]chan *journal.Message),
		responders: make(map[responderKey]*journal.Responder),
		channels:   make(map[aura.ChannelID]*channelEnd),
		peers:      make(map[aura.AuthorityID][]byte),
		pending:    make(map[crypto.Hash32]*pendingOp),
		reshares:   make(map[tree.Epoch]*reshareRound),
		changed:    make(chan struct{}),
		deliveries: make(chan Delivery, DeliveryBuffer),
	}
	sink := factSink{n}
	n.budgets = capability.NewBudgets(n.id, cfg.FlowBudget, fx.Clock, sink)
	n.gate = &capability.Gate{
		Account: n.account,
		Context: JournalContext,
		Caps:    n.caps,
		Budgets: n.budgets,
		Clock:   fx.Clock,
	}
	n.registry = ceremony.NewRegistry(n.id, fx.Clock, sink, n.epoch)
	n.records = ceremony.NewRecords(n.store, fx.Clock, cfg.CeremonyRetention.Duration)
	n.recovery = recovery.NewManager(recovery.Config{
		Clock:         fx.Clock,
		Author:        n.id,
		Sink:          sink,
		Store:         n.store,
		Epoch:         n.epoch,
		DisputeWindow: cfg.DisputeWindow(),
		Cooldown:      cfg.GuardianCooldown(),
	})
	for _, g := range opts.Guardians {
		if err := n.recovery.AddGuardianSet(g); err != nil {
			return nil, err
		}
	}
	genesis, err := n.loadGenesis(ctx, opts.Genesis)
	if err != nil {
		return nil, err
	}
	n.tree = tree.New(tree.Config{Clock: fx.Clock, Recovery: n.recovery}, genesis)
	n.signer = ceremony.NewSigner(opts.Share, n.tree, fx.Random.Stream())
	if err := n.loadShare(ctx); err != nil {
		return nil, xerrors.Errorf("loading key share: %v", err)
	}
	if opts.Share != nil && n.share == nil {
		if err := n.installShare(ctx, genesis.Epoch, opts.Share, map[tree.LeafIndex]kyber.Point{
			tree.LeafIndex(opts.Share.Index): opts.Share.Public(),
		}); err != nil {
			return nil, err
		}
	}
	if err := n.Rehydrate(ctx); err != nil {
		return nil, xerrors.Errorf("rehydrating: %v", err)
	}
	return n, nil
}

// ID returns the device's authority id.
func (n *Node) ID() aura.AuthorityID {
	return n.id
}

// Account returns the account the device belongs to.
func (n *Node) Account() aura.AuthorityID {
	return n.account
}

// PublicKey returns the device's signing key.
func (n *Node) PublicKey() []byte {
	return n.key.Public()
}

// Tree returns the device's replica of the account tree.
func (n *Node) Tree() *tree.Tree {
	return n.tree
}

// Journal returns the device's journal replica.
func (n *Node) Journal() *journal.Journal {
	return n.journal
}

// Budgets returns the flow budgets the device charges.
func (n *Node) Budgets() *capability.Budgets {
	return n.budgets
}

// Capabilities returns the capability store gating foreign writes.
func (n *Node) Capabilities() *capability.Store {
	return n.caps
}

// Registry returns the ceremony registry.
func (n *Node) Registry() *ceremony.Registry {
	return n.registry
}

// Records returns the persisted ceremony records.
func (n *Node) Records() *ceremony.Records {
	return n.records
}

// Recovery returns the recovery manager.
func (n *Node) Recovery() *recovery.Manager {
	return n.recovery
}

// Deliveries returns the decrypted channel messages.
func (n *Node) Deliveries() <-chan Delivery {
	return n.deliveries
}

// AddPeer records the signing key of a device outside the account, so
// that its facts and channels can be verified.
func (n *Node) AddPeer(id aura.AuthorityID, public []byte) {
	n.Lock()
	defer n.Unlock()
	n.peers[id] = append([]byte{}, public...)
}

func (n *Node) epoch() uint64 {
	return uint64(n.tree.Epoch())
}

func (n *Node) now() uint64 {
	return n.fx.Clock.NowMs()
}

// notify wakes the waiters of Ready. n is locked.
func (n *Node) notify() {
	close(n.changed)
	n.changed = make(chan struct{})
}

// ShareEpoch returns the epoch of the device's key share, and false if it
// holds none.
func (n *Node) ShareEpoch() (tree.Epoch, bool) {
	n.Lock()
	defer n.Unlock()
	return n.shareEpoch, n.share != nil
}

// Ready waits until the device holds a key share for the epoch.
func (n *Node) Ready(ctx context.Context, e tree.Epoch) error {
	for {
		n.Lock()
		ok := n.share != nil && n.shareEpoch >= e
		ch := n.changed
		n.Unlock()
		if ok {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return aura.Errorf(aura.KindTimedOut, "no key share for epoch %d: %v", e, ctx.Err())
		}
	}
}

// publicKey resolves the signing key of a device: the leaves of every
// epoch of the tree, newest first, then the peers.
func (n *Node) publicKey(id aura.AuthorityID) ([]byte, bool) {
	if id == n.id {
		return n.key.Public(), true
	}
	for e := n.tree.Epoch(); ; e-- {
		if h, ok := n.tree.History(e); ok {
			if l, ok := h.State.LeafOf(id); ok {
				return l.PublicKey, true
			}
		}
		if e == 0 {
			break
		}
	}
	n.Lock()
	defer n.Unlock()
	pub, ok := n.peers[id]
	return pub, ok
}

// member returns true if id is or was a device of the account.
func (n *Node) member(id aura.AuthorityID) bool {
	for e := n.tree.Epoch(); ; e-- {
		if h, ok := n.tree.History(e); ok {
			if _, ok := h.State.LeafOf(id); ok {
				return true
			}
		}
		if e == 0 {
			return false
		}
	}
}

// keys implements journal.KeyResolver.
type keys struct{ n *Node }

func (k keys) PublicKey(id aura.AuthorityID) ([]byte, error) {
	pub, ok := k.n.publicKey(id)
	if !ok {
		return nil, aura.Errorf(aura.KindNotFound, "unknown authority %s", id)
	}
	return pub, nil
}

// writers implements journal.Authorizer: devices of the account write
// everything, other authorities need a capability.
type writers struct{ n *Node }

func (w writers) AuthorizeFact(f *journal.SignedFact) error {
	if f.Authority == w.n.id || w.n.member(f.Authority) {
		return nil
	}
	return w.n.gate.AuthorizeFact(f)
}

// factSink signs the facts of the components and commits them.
type factSink struct{ n *Node }

func (s factSink) Record(f *journal.SignedFact) error {
	return s.n.commit(f)
}

// commit signs f as the device and commits it to the journal.
func (n *Node) commit(f *journal.SignedFact) error {
	f.Authority = n.id
	if err := f.Sign(n.key); err != nil {
		return err
	}
	return n.journal.Commit(f)
}

// Assert writes an application fact to the journal.
func (n *Node) Assert(ctx context.Context, key string, v journal.Value) error {
	if err := n.commit(journal.NewFact(key, v, n.id, n.epoch(), n.now())); err != nil {
		return err
	}
	n.drain(ctx)
	return n.saveJournal(ctx)
}

// Grant issues a capability fact and loads it into the store. The device
// must be the issuer.
func (n *Node) Grant(ctx context.Context, c *capability.Capability) error {
	if c.Issuer != n.id {
		return aura.Errorf(aura.KindAuthorizationDenied, "capability issued by %s, not by %s", c.Issuer, n.id)
	}
	if err := n.journal.RefineCaps(n.signed(c.Fact(n.epoch(), n.now()))); err != nil {
		return err
	}
	n.caps.Grant(c)
	return n.saveJournal(ctx)
}

func (n *Node) signed(f *journal.SignedFact) *journal.SignedFact {
	f.Authority = n.id
	if err := f.Sign(n.key); err != nil {
		log.Error("signing fact:", err)
	}
	return f
}

func (n *Node) saveJournal(ctx context.Context) error {
	n.saveMu.Lock()
	defer n.saveMu.Unlock()
	return n.journal.Save(ctx, n.store, n.account)
}

func (n *Node) ceremonyTimeout() time.Duration {
	return n.cfg.CeremonyTimeout.Duration
}
