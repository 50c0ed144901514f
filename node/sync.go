package node

import (
	"context"

	"github.com/aura-labs/aura"
	"github.com/aura-labs/aura/journal"
	"go.dedis.ch/onet/v3/log"
)

// maxResponders bounds the anti-entropy sessions answered at once.
const maxResponders = 64

// Sync runs one anti-entropy session with peer and merges what it
// learns. It returns whether both journals ended with the same root.
func (n *Node) Sync(ctx context.Context, peer aura.AuthorityID) (bool, error) {
	if peer == n.id {
		return false, aura.NewError(aura.KindInvalid, "cannot sync with itself")
	}
	sid := n.fx.Random.Uint64()
	in := n.journal.NewInitiator(peer, sid, n.fx.Random.Uint64)
	replies := make(chan *journal.Message, 1)
	n.Lock()
	n.syncs[sid] = replies
	n.Unlock()
	defer func() {
		n.Lock()
		delete(n.syncs, sid)
		n.Unlock()
	}()

	m := in.Start()
	for m != nil {
		if err := n.send(ctx, peer, MsgSyncRequest, m); err != nil {
			in.Reset()
			return false, err
		}
		var reply *journal.Message
		select {
		case reply = <-replies:
		case <-ctx.Done():
			in.Reset()
			return false, aura.Errorf(aura.KindTimedOut, "anti-entropy with %s: %v", peer, ctx.Err())
		}
		var err error
		if m, err = in.Handle(reply); err != nil {
			in.Reset()
			return false, err
		}
	}
	if in.Merged > 0 {
		n.drain(ctx)
		if err := n.saveJournal(ctx); err != nil {
			return in.Converged, err
		}
	}
	return in.Converged, nil
}

// handleSyncRequest answers one message of a session opened by peer.
func (n *Node) handleSyncRequest(ctx context.Context, peer aura.AuthorityID, m *journal.Message) error {
	key := responderKey{peer: peer, session: m.Session}
	n.Lock()
	r := n.responders[key]
	if r == nil {
		if m.DigestRequest == nil {
			n.Unlock()
			return aura.Errorf(aura.KindInvalid, "no anti-entropy session %d with %s", m.Session, peer)
		}
		if len(n.responders) >= maxResponders {
			n.Unlock()
			return aura.Errorf(aura.KindInsufficientBudget, "%d anti-entropy sessions running", len(n.responders))
		}
		r = n.journal.NewResponder(peer, m.Session)
		n.responders[key] = r
	}
	n.Unlock()

	before := n.journal.Seq()
	reply, err := r.Handle(m)
	if err != nil || r.State() == journal.Complete {
		n.Lock()
		delete(n.responders, key)
		n.Unlock()
	}
	if err != nil {
		return err
	}
	if n.journal.Seq() != before {
		n.drain(ctx)
		if err := n.saveJournal(ctx); err != nil {
			log.Warn("saving journal:", err)
		}
	}
	return n.send(ctx, peer, MsgSyncReply, reply)
}

// handleSyncReply hands a reply to the waiting session.
func (n *Node) handleSyncReply(peer aura.AuthorityID, m *journal.Message) error {
	n.Lock()
	ch := n.syncs[m.Session]
	n.Unlock()
	if ch == nil {
		return aura.Errorf(aura.KindInvalid, "no anti-entropy session %d with %s", m.Session, peer)
	}
	select {
	case ch <- m:
	default:
		log.Lvlf2("%s: dropping duplicate anti-entropy reply from %s", n.id, peer)
	}
	return nil
}
