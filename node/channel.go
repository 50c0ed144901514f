package node

import (
	"context"

	"github.com/aura-labs/aura"
	"github.com/aura-labs/aura/amp"
	"github.com/aura-labs/aura/internal/wire"
	"github.com/aura-labs/aura/storage"
	"github.com/aura-labs/aura/tree"
	"go.dedis.ch/onet/v3/log"
)

// channelRef is the index entry of a channel end held by the device. The
// channel state itself is stored by amp.
type channelRef struct {
	Channel aura.ChannelID   `cbor:"1,keyasint"`
	Context aura.ContextID   `cbor:"2,keyasint"`
	Peer    aura.AuthorityID `cbor:"3,keyasint"`
	Send    bool             `cbor:"4,keyasint"`
}

func (n *Node) channelIndexKey() string {
	return storage.AccountKey(n.account, "devices", n.id.String(), "channels.cbor")
}

// OpenChannel opens both ends of the channels with peer in a context and
// returns the id of the sending one.
func (n *Node) OpenChannel(ctx context.Context, c aura.ContextID, peer aura.AuthorityID) (aura.ChannelID, error) {
	e := uint64(n.tree.Epoch())
	send, err := n.channel(ctx, c, peer, true, e)
	if err != nil {
		return aura.ChannelID{}, err
	}
	if _, err := n.channel(ctx, c, peer, false, e); err != nil {
		return aura.ChannelID{}, err
	}
	return send.ch.ID(), nil
}

// channel returns the end of the channel with peer, opening it at epoch
// if the device does not hold it yet.
func (n *Node) channel(ctx context.Context, c aura.ContextID, peer aura.AuthorityID, send bool, epoch uint64) (*channelEnd, error) {
	id := amp.ChannelIDFor(c, peer, n.id)
	if send {
		id = amp.ChannelIDFor(c, n.id, peer)
	}
	n.Lock()
	end := n.channels[id]
	n.Unlock()
	if end != nil {
		return end, nil
	}
	pub, ok := n.publicKey(peer)
	if !ok {
		return nil, aura.Errorf(aura.KindNotFound, "no key for %s", peer)
	}
	shared, err := n.key.Agree(pub)
	if err != nil {
		return nil, err
	}
	secret, err := amp.ChannelSecret(shared, c, id)
	if err != nil {
		return nil, err
	}
	ch, err := amp.NewChannel(c, id, secret, epoch)
	if err != nil {
		return nil, err
	}
	end = &channelEnd{ch: ch, context: c, peer: peer, send: send}
	n.Lock()
	if held := n.channels[id]; held != nil {
		n.Unlock()
		return held, nil
	}
	n.channels[id] = end
	n.Unlock()
	n.bindChannel(end)
	if err := ch.Save(ctx, n.store, n.account); err != nil {
		return nil, err
	}
	if err := n.saveChannelIndex(ctx); err != nil {
		return nil, err
	}
	log.Lvlf2("%s: opened channel %s with %s at epoch %d", n.id, id.Short(), peer, epoch)
	return end, nil
}

// bindChannel ties a channel to the leaves of its two ends, or to the
// device's leaf alone when the peer is outside the account.
func (n *Node) bindChannel(end *channelEnd) {
	st := n.tree.Snapshot()
	var leaves []tree.LeafIndex
	for _, id := range []aura.AuthorityID{n.id, end.peer} {
		if l, ok := st.LeafOf(id); ok {
			leaves = append(leaves, l.Index)
		}
	}
	n.tree.BindChannel(end.ch.ID(), leaves)
}

// Send seals payload on the channel to peer and sends it. The flow budget
// of the context is charged first.
func (n *Node) Send(ctx context.Context, c aura.ContextID, peer aura.AuthorityID, payload []byte) error {
	if _, err := n.budgets.Charge(c, peer, 1); err != nil {
		return err
	}
	if err := n.saveJournal(ctx); err != nil {
		return err
	}
	end, err := n.channel(ctx, c, peer, true, uint64(n.tree.Epoch()))
	if err != nil {
		return err
	}
	m, err := end.ch.Seal(payload)
	if err != nil {
		return err
	}
	if err := end.ch.Save(ctx, n.store, n.account); err != nil {
		return err
	}
	buf, err := amp.SerializeMessage(m)
	if err != nil {
		return err
	}
	return n.send(ctx, peer, MsgChannel, buf)
}

// Open decrypts a channel message from another authority. A message from
// a newer channel epoch the local tree already reached advances the
// receiving end; one from past the local tree fails with an epoch
// mismatch until anti-entropy catches up.
func (n *Node) Open(ctx context.Context, from aura.AuthorityID, m *amp.Message) ([]byte, error) {
	h := m.Header
	if h.Channel != amp.ChannelIDFor(h.Context, from, n.id) {
		return nil, aura.Errorf(aura.KindAuthorizationDenied, "channel %s is not from %s", h.Channel.Short(), from)
	}
	end, err := n.channel(ctx, h.Context, from, false, h.ChanEpoch)
	if err != nil {
		return nil, err
	}
	pt, err := end.ch.Open(m)
	if mm, ok := err.(*amp.EpochMismatchError); ok && mm.Remote > mm.Local {
		if n.member(from) && mm.Remote > uint64(n.tree.Epoch()) {
			return nil, err
		}
		if err := end.ch.AdvanceEpoch(mm.Remote); err != nil {
			return nil, err
		}
		pt, err = end.ch.Open(m)
	}
	if err != nil {
		return nil, err
	}
	if err := end.ch.Save(ctx, n.store, n.account); err != nil {
		log.Warnf("%s: saving channel %s: %v", n.id, h.Channel.Short(), err)
	}
	return pt, nil
}

// handleChannel opens a received message and queues it for the
// application. A message from a tree epoch not reached yet is retried
// after anti-entropy with its sender.
func (n *Node) handleChannel(ctx context.Context, from aura.AuthorityID, buf []byte) error {
	m, err := amp.DeserializeMessage(buf)
	if err != nil {
		return err
	}
	pt, err := n.Open(ctx, from, m)
	if mm, ok := err.(*amp.EpochMismatchError); ok && mm.Remote > mm.Local {
		go n.resync(ctx, from, m)
		return nil
	}
	if err != nil {
		return err
	}
	n.deliver(Delivery{From: from, Context: m.Header.Context, Channel: m.Header.Channel, Payload: pt})
	return nil
}

func (n *Node) resync(ctx context.Context, from aura.AuthorityID, m *amp.Message) {
	sctx, cancel := context.WithTimeout(ctx, n.cfg.ShareTimeout.Duration)
	defer cancel()
	if _, err := n.Sync(sctx, from); err != nil {
		log.Lvlf2("%s: anti-entropy with %s before opening: %v", n.id, from, err)
	}
	pt, err := n.Open(ctx, from, m)
	if err != nil {
		log.Lvlf2("%s: dropping channel message from %s: %v", n.id, from, err)
		return
	}
	n.deliver(Delivery{From: from, Context: m.Header.Context, Channel: m.Header.Channel, Payload: pt})
}

func (n *Node) deliver(d Delivery) {
	select {
	case n.deliveries <- d:
	default:
		log.Warnf("%s: delivery queue full, dropping message from %s", n.id, d.From)
	}
}

// rekey advances the channels bound to the leaves epoch e changed.
func (n *Node) rekey(ctx context.Context, e tree.Epoch) {
	h, ok := n.tree.History(e)
	if !ok {
		return
	}
	for _, id := range n.tree.RekeyPaths(h.Affected) {
		n.Lock()
		end := n.channels[id]
		n.Unlock()
		if end == nil || end.ch.Epoch() >= uint64(e) {
			continue
		}
		if err := end.ch.AdvanceEpoch(uint64(e)); err != nil {
			log.Warnf("%s: rekeying channel %s: %v", n.id, id.Short(), err)
			continue
		}
		if err := end.ch.Save(ctx, n.store, n.account); err != nil {
			log.Warnf("%s: saving channel %s: %v", n.id, id.Short(), err)
		}
	}
}

// ChannelEpoch returns the epoch of a channel end held by the device.
func (n *Node) ChannelEpoch(id aura.ChannelID) (uint64, bool) {
	n.Lock()
	end := n.channels[id]
	n.Unlock()
	if end == nil {
		return 0, false
	}
	return end.ch.Epoch(), true
}

func (n *Node) saveChannelIndex(ctx context.Context) error {
	n.Lock()
	refs := make([]channelRef, 0, len(n.channels))
	for id, end := range n.channels {
		refs = append(refs, channelRef{Channel: id, Context: end.context, Peer: end.peer, Send: end.send})
	}
	n.Unlock()
	buf, err := wire.Marshal(refs)
	if err != nil {
		return err
	}
	return n.store.Write(ctx, n.channelIndexKey(), buf)
}

// loadChannels restores the channel ends listed in the index.
func (n *Node) loadChannels(ctx context.Context) error {
	buf, ok, err := n.store.Read(ctx, n.channelIndexKey())
	if err != nil || !ok {
		return err
	}
	var refs []channelRef
	if err := wire.Unmarshal(buf, &refs); err != nil {
		return err
	}
	for _, r := range refs {
		n.Lock()
		_, held := n.channels[r.Channel]
		n.Unlock()
		if held {
			continue
		}
		ch, err := amp.Load(ctx, n.store, n.account, r.Channel)
		if err != nil {
			log.Warnf("%s: loading channel %s: %v", n.id, r.Channel.Short(), err)
			continue
		}
		end := &channelEnd{ch: ch, context: r.Context, peer: r.Peer, send: r.Send}
		n.Lock()
		n.channels[r.Channel] = end
		n.Unlock()
		n.bindChannel(end)
	}
	return nil
}
