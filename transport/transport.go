// Package transport defines the reliable, in-order per peer message
// transport the protocols run on, and an in-process implementation used by
// simulations and tests.
package transport

import (
	"context"

	"github.com/aura-labs/aura"
	"github.com/aura-labs/aura/internal/retry"
	"go.dedis.ch/onet/v3/log"
)

// Packet is a message received from a peer.
type Packet struct {
	From aura.AuthorityID
	Data []byte
}

// Transport is reliable and in order per peer. No ordering is assumed
// across peers.
type Transport interface {
	// ID is the authority the transport sends as.
	ID() aura.AuthorityID
	Send(ctx context.Context, peer aura.AuthorityID, data []byte) error
	Broadcast(ctx context.Context, peers []aura.AuthorityID, data []byte) error
	// Receive blocks until a packet arrives or ctx is done.
	Receive(ctx context.Context) (Packet, error)
	Connect(ctx context.Context, peer aura.AuthorityID) error
	Disconnect(peer aura.AuthorityID) error
	IsConnected(peer aura.AuthorityID) bool
}

// SendRetry sends with retries on transport errors, connecting first if
// needed.
func SendRetry(ctx context.Context, t Transport, p retry.Policy, peer aura.AuthorityID, data []byte) error {
	if p.Retryable == nil {
		p.Retryable = func(err error) bool {
			return aura.IsKind(err, aura.KindTransport)
		}
	}
	return retry.Do(ctx, p, "send to "+peer.String(), func() error {
		if !t.IsConnected(peer) {
			if err := t.Connect(ctx, peer); err != nil {
				return err
			}
		}
		return t.Send(ctx, peer, data)
	})
}

// BroadcastRetry sends to every peer with SendRetry. It returns the
// peers that could not be reached; the caller decides whether that is
// fatal.
func BroadcastRetry(ctx context.Context, t Transport, p retry.Policy, peers []aura.AuthorityID, data []byte) []aura.AuthorityID {
	var failed []aura.AuthorityID
	for _, peer := range peers {
		if err := SendRetry(ctx, t, p, peer, data); err != nil {
			log.Warnf("unreachable peer %s: %v", peer, err)
			failed = append(failed, peer)
		}
	}
	return failed
}
