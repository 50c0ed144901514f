package node

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aura-labs/aura"
	"github.com/aura-labs/aura/ceremony"
	"github.com/aura-labs/aura/crypto"
	"github.com/aura-labs/aura/internal/wire"
	"github.com/aura-labs/aura/recovery"
	"github.com/aura-labs/aura/transport"
	"github.com/aura-labs/aura/tree"
)

// MsgKind tells which protocol an envelope belongs to.
type MsgKind uint8

// Envelope kinds.
const (
	MsgCeremony MsgKind = iota + 1
	MsgSyncRequest
	MsgSyncReply
	MsgChannel
	MsgReshare
	MsgRecovery
)

func (k MsgKind) String() string {
	switch k {
	case MsgCeremony:
		return "ceremony"
	case MsgSyncRequest:
		return "sync-request"
	case MsgSyncReply:
		return "sync-reply"
	case MsgChannel:
		return "channel"
	case MsgReshare:
		return "reshare"
	case MsgRecovery:
		return "recovery"
	}
	return fmt.Sprintf("MsgKind(%d)", uint8(k))
}

// Envelope is what travels over the transport: the encoded message of one
// of the protocols, tagged with the account it concerns and signed by the
// sender for one recipient.
type Envelope struct {
	Kind      MsgKind          `cbor:"1,keyasint"`
	Account   aura.AuthorityID `cbor:"2,keyasint"`
	Body      []byte           `cbor:"3,keyasint"`
	From      aura.AuthorityID `cbor:"4,keyasint"`
	PublicKey []byte           `cbor:"5,keyasint"`
	Signature []byte           `cbor:"6,keyasint"`
}

func (e *Envelope) message(to aura.AuthorityID) []byte {
	h := crypto.NewHasher("AURA_ENVELOPE").U32(uint32(e.Kind)).Bytes(e.Account[:]).
		Bytes(e.From[:]).Bytes(to[:]).Prefixed(e.Body).Sum()
	return h[:]
}

// Reshare carries one contribution to the key shares of a new epoch. The
// share is sealed to the recipient's leaf key.
type Reshare struct {
	Epoch     tree.Epoch       `cbor:"1,keyasint"`
	From      tree.LeafIndex   `cbor:"2,keyasint"`
	To        tree.LeafIndex   `cbor:"3,keyasint"`
	Set       []tree.LeafIndex `cbor:"4,keyasint"`
	Threshold int              `cbor:"5,keyasint"`
	Commits   [][]byte         `cbor:"6,keyasint"`
	Share     []byte           `cbor:"7,keyasint"`
}

// RecoveryMessage is sent by a guardian to the device running a recovery.
type RecoveryMessage struct {
	Ceremony crypto.Hash32     `cbor:"1,keyasint"`
	Share    *recovery.Share   `cbor:"2,keyasint,omitempty"`
	Dispute  *recovery.Dispute `cbor:"3,keyasint,omitempty"`
}

// sealEnvelope wraps body for account and signs it with the key of from
// for the recipient to.
func sealEnvelope(key *crypto.KeyPair, from, to aura.AuthorityID, kind MsgKind, account aura.AuthorityID, body interface{}) ([]byte, error) {
	var buf []byte
	var err error
	switch b := body.(type) {
	case []byte:
		buf = b
	case *ceremony.Message:
		buf, err = b.Encode()
	default:
		buf, err = wire.Marshal(body)
	}
	if err != nil {
		return nil, err
	}
	env := &Envelope{Kind: kind, Account: account, Body: buf, From: from, PublicKey: key.Public()}
	env.Signature, err = key.Sign(env.message(to))
	if err != nil {
		return nil, err
	}
	return wire.Marshal(env)
}

// DecodeEnvelope reads an envelope.
func DecodeEnvelope(buf []byte) (*Envelope, error) {
	env := &Envelope{}
	if err := wire.Unmarshal(buf, env); err != nil {
		return nil, err
	}
	if env.Kind < MsgCeremony || env.Kind > MsgRecovery {
		return nil, aura.Errorf(aura.KindInvalidFormat, "unknown envelope kind %d", env.Kind)
	}
	return env, nil
}

// SendRecovery is what a guardian's device uses to hand its share or
// dispute to the device running the recovery. key is the guardian's key
// in the guardian set of the account.
func SendRecovery(ctx context.Context, t transport.Transport, key *crypto.KeyPair, account, to aura.AuthorityID, m *RecoveryMessage) error {
	buf, err := sealEnvelope(key, t.ID(), to, MsgRecovery, account, m)
	if err != nil {
		return err
	}
	if !t.IsConnected(to) {
		if err := t.Connect(ctx, to); err != nil {
			return err
		}
	}
	return t.Send(ctx, to, buf)
}

// send delivers a message to a device, which may be this one.
func (n *Node) send(ctx context.Context, to aura.AuthorityID, kind MsgKind, body interface{}) error {
	buf, err := sealEnvelope(n.key, n.id, to, kind, n.account, body)
	if err != nil {
		return err
	}
	if to == n.id {
		return n.handle(ctx, transport.Packet{From: n.id, Data: buf})
	}
	return transport.SendRetry(ctx, n.net, n.retry, to, buf)
}

// authenticate checks that env was signed for this device by the authority
// the transport delivered it from.
func (n *Node) authenticate(from aura.AuthorityID, env *Envelope) error {
	if env.From != from {
		return aura.Errorf(aura.KindAuthorizationDenied, "envelope of %s delivered by %s", env.From, from)
	}
	if len(env.Signature) == 0 {
		return aura.Errorf(aura.KindInvalidSignature, "unsigned envelope from %s", env.From)
	}
	if !n.knowsKey(env.From, env.PublicKey) {
		return aura.Errorf(aura.KindAuthorizationDenied, "%s signed with a key that is not its own", env.From)
	}
	return crypto.Verify(env.PublicKey, env.message(n.id), env.Signature)
}

// knowsKey returns true if pub is the key of id: device ids derive from
// their key, other authorities are looked up among the devices, the peers
// and the guardians of the account.
func (n *Node) knowsKey(id aura.AuthorityID, pub []byte) bool {
	if len(pub) == 0 {
		return false
	}
	if tree.DeviceID(pub) == id {
		return true
	}
	if known, ok := n.publicKey(id); ok {
		return bytes.Equal(known, pub)
	}
	if set, ok := n.recovery.GuardianSet(n.account); ok {
		if i, ok := set.Index(id); ok {
			return bytes.Equal(set.Guardians[i].PublicKey, pub)
		}
	}
	return false
}
