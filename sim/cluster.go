// Package sim runs the end-to-end scenarios of the protocol against a
// cluster of devices living in one process. The devices share a simulated
// clock and an in-memory network; their randomness is seeded, so that a
// scenario replays the same way with the same seed.
package sim

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aura-labs/aura"
	"github.com/aura-labs/aura/config"
	"github.com/aura-labs/aura/crypto"
	"github.com/aura-labs/aura/effects"
	"github.com/aura-labs/aura/internal/retry"
	"github.com/aura-labs/aura/node"
	"github.com/aura-labs/aura/storage"
	"github.com/aura-labs/aura/transport"
	"github.com/aura-labs/aura/tree"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

// DefaultSeed seeds the clusters of configurations without a seed.
var DefaultSeed = []byte("aurasim")

// Device is one running device of a cluster.
type Device struct {
	*node.Node
	Key   *crypto.KeyPair
	Store storage.Storage

	name   string
	closer func() error
	cancel context.CancelFunc
	done   chan struct{}
}

// Name returns the device's name in the reports.
func (d *Device) Name() string {
	return d.name
}

// Cluster is a set of devices of one account.
type Cluster struct {
	Account aura.AuthorityID
	Net     *transport.LocalManager
	Clock   *effects.SimClock
	Config  *config.Config
	Genesis *tree.State
	Devices []*Device

	seed []byte
	dir  string
	once sync.Once
}

// NewCluster starts n devices. The first one holds the genesis leaf of the
// account, the others have to be joined. With a storage path in cfg every
// device keeps its state in a bbolt file of a fresh directory below it.
func NewCluster(ctx context.Context, cfg *config.Config, n int) (*Cluster, error) {
	if n < 1 {
		return nil, aura.Errorf(aura.KindInvalid, "cluster of %d devices", n)
	}
	c := &Cluster{
		Account: aura.NamedAuthorityID("account"),
		Net:     transport.NewLocalManager(),
		Clock:   effects.NewSimClock(0),
		Config:  cfg,
		seed:    cfg.SeedBytes(),
	}
	if c.seed == nil {
		c.seed = DefaultSeed
	}
	if cfg.StoragePath != "" {
		if err := os.MkdirAll(cfg.StoragePath, 0700); err != nil {
			return nil, aura.WithKind(aura.KindStorage, err)
		}
		dir, err := os.MkdirTemp(cfg.StoragePath, "aurasim-")
		if err != nil {
			return nil, aura.WithKind(aura.KindStorage, err)
		}
		c.dir = dir
		log.Lvl2("storing the devices in", dir)
	}
	for i := 0; i < n; i++ {
		if err := c.addDevice(ctx, i); err != nil {
			c.Close()
			return nil, xerrors.Errorf("starting device %d: %v", i, err)
		}
	}
	return c, nil
}

// Random returns a seeded source of randomness for one use in the
// cluster.
func (c *Cluster) Random(use string) effects.Random {
	return effects.NewSeeded(append(append([]byte{}, c.seed...), use...))
}

func (c *Cluster) storage(i int) (storage.Storage, func() error, error) {
	if c.dir == "" {
		m := storage.NewMemStore()
		return m, m.Close, nil
	}
	b, err := storage.OpenBolt(filepath.Join(c.dir, fmt.Sprintf("device%d.db", i)))
	if err != nil {
		return nil, nil, err
	}
	return storage.NewRetrying(b, retry.Policy{
		Attempts: c.Config.TransportRetries,
		Base:     c.Config.TransportBackoff.Duration,
	}), b.Close, nil
}

func (c *Cluster) addDevice(ctx context.Context, i int) error {
	name := fmt.Sprintf("device%d", i)
	fx := effects.Effects{Clock: c.Clock, Random: c.Random(name)}
	key := crypto.NewKeyPair(fx.Random.Stream())
	store, closer, err := c.storage(i)
	if err != nil {
		return err
	}
	opts := node.Options{
		Config:    c.Config,
		Account:   c.Account,
		Key:       key,
		Effects:   fx,
		Storage:   store,
		Transport: c.Net.NewTransport(tree.DeviceID(key.Public())),
	}
	if i == 0 {
		c.Genesis, opts.Share, err = node.Genesis(c.Account, key, c.Random("genesis").Stream())
		if err != nil {
			closer()
			return err
		}
	}
	opts.Genesis = c.Genesis
	n, err := node.New(ctx, opts)
	if err != nil {
		closer()
		return err
	}
	rctx, cancel := context.WithCancel(context.Background())
	d := &Device{Node: n, Key: key, Store: store, name: name, closer: closer, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(d.done)
		if err := n.Run(rctx); err != nil {
			log.Error(name, "stopped:", err)
		}
	}()
	c.Devices = append(c.Devices, d)
	log.Lvlf2("%s is %s", name, n.ID())
	return nil
}

// Close stops the devices and closes their storage.
func (c *Cluster) Close() {
	c.once.Do(func() {
		for _, d := range c.Devices {
			d.cancel()
			<-d.done
			if err := d.closer(); err != nil {
				log.Warn("closing", d.name, err)
			}
		}
	})
}

// Join adds device i to the tree through the genesis device and waits for
// its key share.
func (c *Cluster) Join(ctx context.Context, i int) (tree.Epoch, error) {
	d := c.Devices[i]
	e, err := c.Devices[0].ProposeOp(ctx, &tree.AddLeaf{Authority: d.ID(), PublicKey: d.PublicKey()})
	if err != nil {
		return 0, err
	}
	wctx, cancel := context.WithTimeout(ctx, c.Config.CeremonyTimeout.Duration)
	defer cancel()
	if err := d.Ready(wctx, e); err != nil {
		return 0, err
	}
	return e, nil
}

// WaitFor polls cond until it holds or the ceremony timeout passes.
func (c *Cluster) WaitFor(ctx context.Context, what string, cond func() bool) error {
	ctx, cancel := context.WithTimeout(ctx, c.Config.CeremonyTimeout.Duration)
	defer cancel()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return aura.Errorf(aura.KindTimedOut, "waiting for %s", what)
		case <-tick.C:
		}
	}
	return nil
}

// WaitEpoch waits until d reached epoch e.
func (c *Cluster) WaitEpoch(ctx context.Context, d *Device, e tree.Epoch) error {
	return c.WaitFor(ctx, fmt.Sprintf("%s at epoch %d", d.name, e), func() bool {
		return d.Tree().Epoch() >= e
	})
}

// Receive waits for the next channel message of d.
func (c *Cluster) Receive(ctx context.Context, d *Device) (node.Delivery, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Config.CeremonyTimeout.Duration)
	defer cancel()
	select {
	case m := <-d.Deliveries():
		return m, nil
	case <-ctx.Done():
		return node.Delivery{}, aura.Errorf(aura.KindTimedOut, "no message for %s", d.name)
	}
}

// Leaf returns the leaf of d in its own tree.
func (d *Device) Leaf() (tree.LeafIndex, error) {
	l, ok := d.Tree().Snapshot().LeafOf(d.ID())
	if !ok {
		return 0, aura.Errorf(aura.KindNotFound, "%s has no leaf", d.name)
	}
	return l.Index, nil
}
