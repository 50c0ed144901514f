package node

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/aura-labs/aura"
	"github.com/aura-labs/aura/crypto"
	"github.com/aura-labs/aura/crypto/frost"
	"github.com/aura-labs/aura/internal/wire"
	"github.com/aura-labs/aura/storage"
	"github.com/aura-labs/aura/tree"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/onet/v3/log"
)

// maxReshareAhead bounds how far past the local tree a reshare round may
// be collected.
const maxReshareAhead = 16

// reshareRound collects the contributions to the shares of one epoch.
type reshareRound struct {
	parts   map[tree.LeafIndex]*Reshare
	senders map[tree.LeafIndex]aura.AuthorityID
}

// storedShare is the persisted key share of the device.
type storedShare struct {
	Epoch    tree.Epoch                `cbor:"1,keyasint"`
	Index    int                       `cbor:"2,keyasint"`
	Secret   []byte                    `cbor:"3,keyasint"`
	GroupKey []byte                    `cbor:"4,keyasint"`
	Publics  map[tree.LeafIndex][]byte `cbor:"5,keyasint"`
}

func (n *Node) shareKey() string {
	return storage.AccountKey(n.account, "devices", n.id.String(), "share.cbor")
}

// startReshare deals the contribution of the device to the shares of
// epoch e, if it signed the operation that produced it. Recoveries carry
// a new group key and are dealt by whoever ran them.
func (n *Node) startReshare(ctx context.Context, op *tree.TreeOp, e tree.Epoch) {
	if op.Kind == tree.OpRecovery || op.Attestation == nil {
		return
	}
	n.Lock()
	ks, se := n.share, n.shareEpoch
	n.Unlock()
	if ks == nil || se+1 != e {
		return
	}
	prev, ok := n.tree.History(e - 1)
	if !ok {
		return
	}
	me, ok := prev.State.LeafOf(n.id)
	if !ok || int(me.Index) != ks.Index || !hasLeaf(op.Attestation.Signers, me.Index) {
		return
	}
	h, _ := n.tree.History(e)
	leaves := h.State.Leaves()
	t := h.State.RootPolicy().Required(len(leaves))
	indices := make([]int, len(leaves))
	for k, l := range leaves {
		indices[k] = int(l.Index)
	}
	c, err := frost.ReshareDeal(ks, leafInts(op.Attestation.Signers), t, indices, n.fx.Random.Stream())
	if err != nil {
		log.Errorf("%s: dealing shares of epoch %d: %v", n.id, e, err)
		return
	}
	commits := make([][]byte, len(c.Commits))
	for k, p := range c.Commits {
		commits[k] = crypto.PointBytes(p)
	}
	for _, l := range leaves {
		sealed, err := n.sealShare(e, me.Index, l.Index, l.PublicKey, frost.EncodeScalar(c.Shares[int(l.Index)]))
		if err != nil {
			log.Errorf("%s: sealing share for leaf %d: %v", n.id, l.Index, err)
			continue
		}
		r := &Reshare{
			Epoch:     e,
			From:      me.Index,
			To:        l.Index,
			Set:       op.Attestation.Signers,
			Threshold: t,
			Commits:   commits,
			Share:     sealed,
		}
		if err := n.send(ctx, l.Authority, MsgReshare, r); err != nil {
			log.Warnf("%s: reshare of epoch %d to %s: %v", n.id, e, l.Authority, err)
		}
	}
}

// shareSealKey derives the key protecting the share dealt by one leaf to
// another for an epoch.
func (n *Node) shareSealKey(e tree.Epoch, from, to tree.LeafIndex, peer []byte) ([]byte, error) {
	shared, err := n.key.Agree(peer)
	if err != nil {
		return nil, err
	}
	salt := make([]byte, 8)
	binary.LittleEndian.PutUint64(salt, uint64(e))
	info := make([]byte, 0, 20)
	info = append(info, "AURA_RESHARE"...)
	info = binary.LittleEndian.AppendUint32(info, uint32(from))
	info = binary.LittleEndian.AppendUint32(info, uint32(to))
	return crypto.DeriveKey(shared, salt, info, crypto.KeySize)
}

// sealShare encrypts a share. Every key seals a single share, so the
// nonce is fixed.
func (n *Node) sealShare(e tree.Epoch, from, to tree.LeafIndex, peer, plain []byte) ([]byte, error) {
	key, err := n.shareSealKey(e, from, to, peer)
	if err != nil {
		return nil, err
	}
	return crypto.Seal(key, make([]byte, crypto.NonceSize), plain, nil)
}

func (n *Node) openShare(e tree.Epoch, from, to tree.LeafIndex, peer, sealed []byte) (kyber.Scalar, error) {
	key, err := n.shareSealKey(e, from, to, peer)
	if err != nil {
		return nil, err
	}
	plain, err := crypto.Open(key, make([]byte, crypto.NonceSize), sealed, nil)
	if err != nil {
		return nil, err
	}
	return frost.DecodeScalar(plain)
}

// handleReshare keeps a contribution until the round is complete.
func (n *Node) handleReshare(ctx context.Context, from aura.AuthorityID, r *Reshare) error {
	if r.Epoch > n.tree.Epoch()+maxReshareAhead {
		return aura.Errorf(aura.KindInvalid, "reshare for epoch %d, tree at %d", r.Epoch, n.tree.Epoch())
	}
	n.Lock()
	if n.share != nil && r.Epoch <= n.shareEpoch {
		n.Unlock()
		return nil
	}
	round := n.reshares[r.Epoch]
	if round == nil {
		round = &reshareRound{
			parts:   make(map[tree.LeafIndex]*Reshare),
			senders: make(map[tree.LeafIndex]aura.AuthorityID),
		}
		n.reshares[r.Epoch] = round
	}
	if _, dup := round.parts[r.From]; !dup {
		round.parts[r.From] = r
		round.senders[r.From] = from
	}
	n.Unlock()
	n.tryReshare(ctx)
	return nil
}

// tryReshare combines the round of the current epoch once every signer
// of its operation contributed.
func (n *Node) tryReshare(ctx context.Context) {
	e := n.tree.Epoch()
	h, ok := n.tree.History(e)
	n.Lock()
	for ep := range n.reshares {
		if ep < e || (n.share != nil && ep <= n.shareEpoch) {
			delete(n.reshares, ep)
		}
	}
	round := n.reshares[e]
	if round == nil || !ok || h.Op == nil || h.Op.Attestation == nil {
		n.Unlock()
		return
	}
	for _, l := range h.Op.Attestation.Signers {
		if round.parts[l] == nil {
			n.Unlock()
			return
		}
	}
	delete(n.reshares, e)
	n.Unlock()

	ks, publics, err := n.combineReshare(e, h, round)
	if err != nil {
		log.Errorf("%s: reshare of epoch %d: %v", n.id, e, err)
		return
	}
	if err := n.installShare(ctx, e, ks, publics); err != nil {
		log.Errorf("%s: installing share of epoch %d: %v", n.id, e, err)
	}
}

// combineReshare verifies the contributions of a round against their
// commitments and sums them into the device's new share.
func (n *Node) combineReshare(e tree.Epoch, h *tree.Entry, round *reshareRound) (*frost.KeyShare, map[tree.LeafIndex]kyber.Point, error) {
	prev, ok := n.tree.History(e - 1)
	if !ok {
		return nil, nil, aura.Errorf(aura.KindNotFound, "no tree for epoch %d", e-1)
	}
	me, ok := h.State.LeafOf(n.id)
	if !ok {
		return nil, nil, aura.Errorf(aura.KindAuthorizationDenied, "%s is not a device at epoch %d", n.id, e)
	}
	set := h.Op.Attestation.Signers
	t := h.State.RootPolicy().Required(len(h.State.Leaves()))
	sum := aura.Suite.Scalar().Zero()
	var commits [][]kyber.Point
	for _, l := range set {
		r := round.parts[l]
		if r.Epoch != e || r.From != l || r.To != me.Index || r.Threshold != t || !sameLeaves(r.Set, set) {
			return nil, nil, aura.Errorf(aura.KindInvalid, "contribution of leaf %d does not match the round", l)
		}
		dealer, ok := prev.State.Leaf(l)
		if !ok || dealer.Authority != round.senders[l] {
			return nil, nil, aura.Errorf(aura.KindAuthorizationDenied, "contribution of leaf %d sent by %s", l, round.senders[l])
		}
		if len(r.Commits) != t {
			return nil, nil, aura.Errorf(aura.KindInvalidFormat, "%d commitments for threshold %d", len(r.Commits), t)
		}
		cs := make([]kyber.Point, len(r.Commits))
		for k, buf := range r.Commits {
			p, err := crypto.PointFromBytes(buf)
			if err != nil {
				return nil, nil, err
			}
			cs[k] = p
		}
		s, err := n.openShare(e, l, me.Index, dealer.PublicKey, r.Share)
		if err != nil {
			return nil, nil, err
		}
		if err := frost.CheckShare(int(me.Index), s, cs); err != nil {
			return nil, nil, err
		}
		sum.Add(sum, s)
		commits = append(commits, cs)
	}
	group := frost.ResharedGroup(commits)
	if !bytes.Equal(crypto.PointBytes(group), h.State.GroupKey) {
		return nil, nil, aura.NewError(aura.KindInvalidSignature, "contributions do not share the group key")
	}
	publics := make(map[tree.LeafIndex]kyber.Point)
	for _, l := range h.State.Leaves() {
		publics[l.Index] = frost.ResharedPublic(int(l.Index), commits)
	}
	return &frost.KeyShare{Index: int(me.Index), Secret: sum, GroupKey: group}, publics, nil
}

// InstallShare hands the device a share of the current epoch dealt
// outside of the reshare, as after a recovery. publics are the
// verification shares of the leaves.
func (n *Node) InstallShare(ctx context.Context, ks *frost.KeyShare, publics map[tree.LeafIndex]kyber.Point) error {
	st := n.tree.Snapshot()
	me, ok := st.LeafOf(n.id)
	if !ok || int(me.Index) != ks.Index {
		return aura.Errorf(aura.KindInvalid, "share %d is not for the leaf of %s", ks.Index, n.id)
	}
	if !bytes.Equal(crypto.PointBytes(ks.GroupKey), st.GroupKey) {
		return aura.NewError(aura.KindInvalid, "share is not for the account's group key")
	}
	if p, ok := publics[me.Index]; !ok || !p.Equal(ks.Public()) {
		return aura.NewError(aura.KindInvalid, "share does not match its verification share")
	}
	return n.installShare(ctx, st.Epoch, ks, publics)
}

// installShare makes ks the share of epoch e and persists it.
func (n *Node) installShare(ctx context.Context, e tree.Epoch, ks *frost.KeyShare, publics map[tree.LeafIndex]kyber.Point) error {
	n.Lock()
	if n.share != nil && e < n.shareEpoch {
		n.Unlock()
		return nil
	}
	n.share = ks
	n.shareEpoch = e
	n.publics = publics
	n.signer.SetShare(ks)
	n.notify()
	n.Unlock()
	log.Lvlf2("%s: key share %d for epoch %d", n.id, ks.Index, e)

	ss := &storedShare{
		Epoch:    e,
		Index:    ks.Index,
		Secret:   frost.EncodeScalar(ks.Secret),
		GroupKey: crypto.PointBytes(ks.GroupKey),
		Publics:  make(map[tree.LeafIndex][]byte, len(publics)),
	}
	for l, p := range publics {
		ss.Publics[l] = crypto.PointBytes(p)
	}
	buf, err := wire.Marshal(ss)
	if err != nil {
		return err
	}
	return n.store.Write(ctx, n.shareKey(), buf)
}

// loadShare restores the persisted share, if it is newer than the one
// held.
func (n *Node) loadShare(ctx context.Context) error {
	buf, ok, err := n.store.Read(ctx, n.shareKey())
	if err != nil || !ok {
		return err
	}
	ss := &storedShare{}
	if err := wire.Unmarshal(buf, ss); err != nil {
		return err
	}
	n.Lock()
	newer := n.share == nil || ss.Epoch > n.shareEpoch
	n.Unlock()
	if !newer {
		return nil
	}
	secret, err := frost.DecodeScalar(ss.Secret)
	if err != nil {
		return err
	}
	group, err := crypto.PointFromBytes(ss.GroupKey)
	if err != nil {
		return err
	}
	publics := make(map[tree.LeafIndex]kyber.Point, len(ss.Publics))
	for l, buf := range ss.Publics {
		p, err := crypto.PointFromBytes(buf)
		if err != nil {
			return err
		}
		publics[l] = p
	}
	ks := &frost.KeyShare{Index: ss.Index, Secret: secret, GroupKey: group}
	n.Lock()
	n.share = ks
	n.shareEpoch = ss.Epoch
	n.publics = publics
	n.signer.SetShare(ks)
	n.notify()
	n.Unlock()
	return nil
}

func hasLeaf(ls []tree.LeafIndex, l tree.LeafIndex) bool {
	for _, x := range ls {
		if x == l {
			return true
		}
	}
	return false
}

func sameLeaves(a, b []tree.LeafIndex) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if a[k] != b[k] {
			return false
		}
	}
	return true
}

func leafInts(ls []tree.LeafIndex) []int {
	out := make([]int, len(ls))
	for k, l := range ls {
		out[k] = int(l)
	}
	return out
}
