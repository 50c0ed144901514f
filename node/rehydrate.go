package node

import (
	"context"
	"crypto/cipher"

	"github.com/aura-labs/aura"
	"github.com/aura-labs/aura/ceremony"
	"github.com/aura-labs/aura/crypto"
	"github.com/aura-labs/aura/crypto/frost"
	"github.com/aura-labs/aura/internal/wire"
	"github.com/aura-labs/aura/journal"
	"github.com/aura-labs/aura/tree"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

// Genesis creates the tree of a new account whose only device holds key,
// together with the device's key share.
func Genesis(account aura.AuthorityID, key *crypto.KeyPair, stream cipher.Stream) (*tree.State, *frost.KeyShare, error) {
	shares, group, err := frost.Deal(nil, 1, []int{0}, stream)
	if err != nil {
		return nil, nil, err
	}
	st, err := tree.Genesis(account, tree.DeviceID(key.Public()), key.Public(), crypto.PointBytes(group))
	if err != nil {
		return nil, nil, err
	}
	return st, shares[0], nil
}

// Rehydrate restores the device from its storage: the journal, the
// recoveries, the operations applied since genesis, the key share and
// the channels. The ceremonies left open by a crash are settled and the
// device's pending intents resolved. Calling it again is harmless.
func (n *Node) Rehydrate(ctx context.Context) error {
	if n.journal == nil {
		j, err := journal.Load(ctx, n.store, n.account, journal.Config{
			Keys:       keys{n},
			Authorizer: writers{n},
			Penalizer:  n.gate,
		})
		if err != nil {
			return xerrors.Errorf("loading journal: %v", err)
		}
		n.journal = j
		n.cursor = j.Watch(0)
	}

	n.applyMu.Lock()
	_, err := n.recovery.Rehydrate(ctx)
	if err == nil {
		err = n.replay(ctx)
	}
	n.applyMu.Unlock()
	if err != nil {
		return err
	}
	n.budgets.AdvanceEpoch(n.epoch())

	if err := n.loadShare(ctx); err != nil {
		return xerrors.Errorf("loading key share: %v", err)
	}
	if err := n.loadChannels(ctx); err != nil {
		return xerrors.Errorf("loading channels: %v", err)
	}
	settled, err := n.records.Rehydrate(ctx, evidence{n})
	if err != nil {
		return xerrors.Errorf("settling ceremonies: %v", err)
	}
	for _, r := range settled {
		log.Lvlf2("%s: ceremony %s settled as %s", n.id, r.ID.Prefix(), r.Outcome)
	}
	n.resolveIntents()
	n.drain(ctx)
	return n.saveJournal(ctx)
}

// replay applies the stored operations following the current epoch.
// applyMu is held.
func (n *Node) replay(ctx context.Context) error {
	for {
		e := n.tree.Epoch() + 1
		buf, ok, err := n.store.Read(ctx, TreeEpochKey(n.account, e))
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		op := &tree.TreeOp{}
		if err := wire.Unmarshal(buf, op); err != nil {
			return err
		}
		if _, err := n.tree.Apply(op); err != nil {
			return xerrors.Errorf("replaying epoch %d: %v", e, err)
		}
		log.Lvlf3("%s: replayed epoch %d", n.id, e)
	}
}

// resolveIntents tombstones the device's intents that no running ceremony
// carries: their ceremonies died with the previous run.
func (n *Node) resolveIntents() {
	n.Lock()
	running := make(map[crypto.Hash32]bool, len(n.intents))
	for _, in := range n.intents {
		running[in] = true
	}
	n.Unlock()
	for _, in := range n.journal.PendingIntents() {
		if in.Author != n.id || running[in.ID] {
			continue
		}
		if err := n.commit(journal.NewTombstone(journal.IntentKey(in.ID), n.id, n.epoch(), n.now())); err != nil {
			log.Warnf("%s: resolving intent %s: %v", n.id, in.ID.Prefix(), err)
		}
	}
}

// evidence finds the committed ceremonies in the tree history.
type evidence struct{ n *Node }

func (ev evidence) CommittedOn(prestate crypto.Hash32) (crypto.Hash32, bool) {
	t := ev.n.tree
	for e := t.Epoch(); e > 0; e-- {
		h, ok := t.History(e)
		if ok && h.Op != nil && h.Op.Prestate == prestate {
			return ceremony.ID(prestate, h.Op.OperationHash(), e-1), true
		}
	}
	return crypto.Hash32{}, false
}
