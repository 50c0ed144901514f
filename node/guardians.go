package node

import (
	"context"

	"github.com/aura-labs/aura"
	"github.com/aura-labs/aura/ceremony"
	"github.com/aura-labs/aura/crypto"
	"github.com/aura-labs/aura/internal/wire"
	"github.com/aura-labs/aura/recovery"
	"github.com/aura-labs/aura/tree"
	"go.dedis.ch/onet/v3/log"
)

// The recovery manager records its facts through the journal, which
// resolves keys through the tree, while the tree asks the manager to
// verify grants. Every call into the manager is made under applyMu so
// that the two never wait on each other.

// SetGuardians installs the guardian set of an account.
func (n *Node) SetGuardians(set *recovery.GuardianSet) error {
	n.applyMu.Lock()
	defer n.applyMu.Unlock()
	return n.recovery.AddGuardianSet(set)
}

// InitiateRecovery starts a recovery of the device's account run by the
// device. The guardians send their shares with SendRecovery.
func (n *Node) InitiateRecovery(ctx context.Context, req recovery.Request) (crypto.Hash32, error) {
	req.Initiator = n.id
	req.Account = n.account
	n.applyMu.Lock()
	defer n.applyMu.Unlock()
	id, err := n.recovery.Initiate(ctx, &req)
	if err != nil {
		return id, err
	}
	return id, n.saveJournal(ctx)
}

// SubmitRecoveryShare hands a guardian's share to a running recovery.
func (n *Node) SubmitRecoveryShare(ctx context.Context, id crypto.Hash32, s *recovery.Share) (recovery.Status, error) {
	n.applyMu.Lock()
	st, err := n.recovery.SubmitShare(ctx, id, s)
	n.applyMu.Unlock()
	if err != nil {
		return st, err
	}
	return st, n.saveJournal(ctx)
}

// DisputeRecovery voids a recovery on behalf of a guardian.
func (n *Node) DisputeRecovery(ctx context.Context, id crypto.Hash32, d *recovery.Dispute) error {
	n.applyMu.Lock()
	err := n.recovery.FileDispute(ctx, id, d)
	n.applyMu.Unlock()
	if err != nil {
		return err
	}
	return n.saveJournal(ctx)
}

// FinalizeRecovery applies the grant of a recovery whose dispute window
// passed and announces it to the devices. It returns the new epoch.
func (n *Node) FinalizeRecovery(ctx context.Context, id crypto.Hash32) (tree.Epoch, error) {
	n.applyMu.Lock()
	g, err := n.recovery.Finalize(id, n.now())
	if err != nil {
		n.applyMu.Unlock()
		return 0, err
	}
	before := n.tree.Snapshot()
	op, err := tree.NewOp(before.RootCommitment(), &tree.Recovery{Grant: *g})
	if err == nil {
		op.Postcondition, err = n.tree.Preview(op)
	}
	if err == nil {
		err = n.apply(ctx, op)
	}
	if err != nil {
		n.applyMu.Unlock()
		return 0, err
	}
	n.applyPending(ctx)
	if err := n.recovery.MarkApplied(ctx, id); err != nil {
		log.Warnf("%s: marking recovery %s applied: %v", n.id, id.Prefix(), err)
	}
	n.applyMu.Unlock()
	if err := n.saveJournal(ctx); err != nil {
		log.Warn("saving journal:", err)
	}

	m := &ceremony.Message{
		Ceremony: ceremony.ID(op.Prestate, op.OperationHash(), before.Epoch),
		CommitFact: &ceremony.CommitFact{
			Prestate:      op.Prestate,
			OperationHash: op.OperationHash(),
			Operation:     wire.MustMarshal(op),
			Coordinator:   n.id,
		},
	}
	n.announce(ctx, before, m)
	return n.tree.Epoch(), nil
}

// handleRecovery takes a guardian's share or dispute. Guardians send
// their own.
func (n *Node) handleRecovery(ctx context.Context, from aura.AuthorityID, m *RecoveryMessage) error {
	switch {
	case m.Share != nil:
		if m.Share.Guardian != from {
			return aura.Errorf(aura.KindAuthorizationDenied, "share of %s sent by %s", m.Share.Guardian, from)
		}
		st, err := n.SubmitRecoveryShare(ctx, m.Ceremony, m.Share)
		if err != nil {
			return err
		}
		log.Lvlf2("%s: recovery %s is %s", n.id, m.Ceremony.Prefix(), st)
		return nil
	case m.Dispute != nil:
		if m.Dispute.Guardian != from {
			return aura.Errorf(aura.KindAuthorizationDenied, "dispute of %s sent by %s", m.Dispute.Guardian, from)
		}
		return n.DisputeRecovery(ctx, m.Ceremony, m.Dispute)
	}
	return aura.NewError(aura.KindInvalidFormat, "empty recovery message")
}
