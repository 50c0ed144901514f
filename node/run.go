package node

import (
	"context"
	"time"

	"github.com/aura-labs/aura"
	"github.com/aura-labs/aura/ceremony"
	"github.com/aura-labs/aura/internal/wire"
	"github.com/aura-labs/aura/journal"
	"github.com/aura-labs/aura/recovery"
	"github.com/aura-labs/aura/transport"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/sync/errgroup"
)

// Run serves the device until ctx is done: it handles incoming messages
// and periodically runs anti-entropy with the other devices, expires
// recoveries and prunes ceremony records.
func (n *Node) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.receive(gctx)
	})
	g.Go(func() error {
		return n.maintain(gctx)
	})
	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (n *Node) receive(ctx context.Context) error {
	for {
		p, err := n.net.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := n.handle(ctx, p); err != nil {
			log.Lvlf2("%s: dropping message from %s: %v", n.id, p.From, err)
		}
	}
}

func (n *Node) maintain(ctx context.Context) error {
	tick := time.NewTicker(n.cfg.AntiEntropyInterval.Duration)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
		n.Tick(ctx)
	}
}

// Tick runs one round of the periodic work. Run calls it on every
// anti-entropy interval.
func (n *Node) Tick(ctx context.Context) {
	for _, l := range n.tree.Leaves() {
		if l.Authority == n.id {
			continue
		}
		sctx, cancel := context.WithTimeout(ctx, n.cfg.ShareTimeout.Duration)
		if _, err := n.Sync(sctx, l.Authority); err != nil {
			log.Lvlf2("%s: anti-entropy with %s: %v", n.id, l.Authority, err)
		}
		cancel()
	}
	n.applyMu.Lock()
	ids, err := n.recovery.Expire(ctx, n.now())
	n.applyMu.Unlock()
	if err != nil {
		log.Warn("expiring recoveries:", err)
	} else if len(ids) > 0 {
		log.Lvlf1("%s: %d recoveries timed out", n.id, len(ids))
	}
	if _, err := n.records.Prune(ctx); err != nil {
		log.Warn("pruning ceremony records:", err)
	}
	n.drain(ctx)
	if err := n.saveJournal(ctx); err != nil {
		log.Warn("saving journal:", err)
	}
}

// handle routes one received message.
func (n *Node) handle(ctx context.Context, p transport.Packet) error {
	env, err := DecodeEnvelope(p.Data)
	if err != nil {
		return err
	}
	if env.Account != n.account && env.Kind != MsgChannel {
		return aura.Errorf(aura.KindAuthorizationDenied, "%s message for account %s", env.Kind, env.Account)
	}
	if err := n.authenticate(p.From, env); err != nil {
		return err
	}
	log.Lvlf4("%s: %s from %s", n.id, env.Kind, p.From)
	switch env.Kind {
	case MsgCeremony:
		m, err := ceremony.Decode(env.Body)
		if err != nil {
			return err
		}
		return n.handleCeremony(ctx, p.From, m)
	case MsgSyncRequest, MsgSyncReply:
		m := &journal.Message{}
		if err := wire.Unmarshal(env.Body, m); err != nil {
			return err
		}
		if env.Kind == MsgSyncRequest {
			return n.handleSyncRequest(ctx, p.From, m)
		}
		return n.handleSyncReply(p.From, m)
	case MsgChannel:
		return n.handleChannel(ctx, p.From, env.Body)
	case MsgReshare:
		r := &Reshare{}
		if err := wire.Unmarshal(env.Body, r); err != nil {
			return err
		}
		return n.handleReshare(ctx, p.From, r)
	case MsgRecovery:
		m := &RecoveryMessage{}
		if err := wire.Unmarshal(env.Body, m); err != nil {
			return err
		}
		return n.handleRecovery(ctx, p.From, m)
	}
	return aura.Errorf(aura.KindInvalidFormat, "unhandled %s", env.Kind)
}

// drain feeds the facts merged since the last call to the components
// that react to them: tree operations, supersessions, recovery disputes
// and capabilities.
func (n *Node) drain(ctx context.Context) {
	n.applyMu.Lock()
	defer n.applyMu.Unlock()
	capsChanged := false
	for {
		f, ok := n.cursor.TryNext()
		if !ok {
			break
		}
		fact := f.Fact
		if fact.Tombstone && fact.Predicate() != journal.CapFamily {
			continue
		}
		switch fact.Predicate() {
		case TreeOpFamily:
			n.observeTreeOp(ctx, fact)
		case ceremony.SupersededFamily:
			if fact.Authority != n.id {
				n.registry.ObserveFact(fact)
			}
		case recovery.Family:
			if fact.Authority != n.id {
				n.recovery.ObserveFact(fact)
			}
		case journal.CapFamily:
			capsChanged = true
		}
	}
	if capsChanged {
		n.caps.Load(n.journal.FactsByPredicate(journal.CapFamily))
	}
	n.applyPending(ctx)
}
