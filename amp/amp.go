// Package amp implements the asynchronous message protocol: authenticated
// encryption on a one-way channel between two authorities of a context,
// with a per-message key ratchet bound to the channel epoch.
//
// A channel epoch advances whenever the membership of the tree changes;
// every message key derives from the epoch's master key, so a device
// removed from the tree cannot follow the channel past its removal.
package amp

import (
	"encoding/binary"

	"github.com/aura-labs/aura"
	"github.com/aura-labs/aura/crypto"
)

// Header prefixes every channel message.
type Header struct {
	Context    aura.ContextID `cbor:"1,keyasint"`
	Channel    aura.ChannelID `cbor:"2,keyasint"`
	ChanEpoch  uint64         `cbor:"3,keyasint"`
	RatchetGen uint64         `cbor:"4,keyasint"`
}

// ChannelIDFor returns the id of the channel carrying messages from one
// authority to another in a context. The two directions are distinct
// channels.
func ChannelIDFor(ctx aura.ContextID, from, to aura.AuthorityID) aura.ChannelID {
	return aura.ChannelID(crypto.NewHasher("AMP_CHANNEL_ID").Bytes(ctx[:]).Bytes(from[:]).Bytes(to[:]).Sum())
}

// ChannelSecret derives the root secret of a channel from the
// Diffie-Hellman secret of its two ends.
func ChannelSecret(shared []byte, ctx aura.ContextID, ch aura.ChannelID) ([]byte, error) {
	return crypto.DeriveKey(shared, ctx[:], append([]byte("AMP_CHANNEL_v1"), ch[:]...), crypto.KeySize)
}

// EpochKey derives the master key of a channel epoch from the channel
// secret.
func EpochKey(secret []byte, epoch uint64) ([]byte, error) {
	var e [8]byte
	binary.LittleEndian.PutUint64(e[:], epoch)
	return crypto.DeriveKey(secret, e[:], []byte("AMP_EPOCH_v1"), crypto.KeySize)
}

// MessageKey derives the key of one message with HKDF over the master
// key, info "AMP_MESSAGE_v1" || context || channel || chan_epoch ||
// ratchet_gen and salt ratchet_gen.
func MessageKey(master []byte, h Header) ([]byte, error) {
	var e, g [8]byte
	binary.LittleEndian.PutUint64(e[:], h.ChanEpoch)
	binary.LittleEndian.PutUint64(g[:], h.RatchetGen)
	info := make([]byte, 0, 14+16+32+16)
	info = append(info, "AMP_MESSAGE_v1"...)
	info = append(info, h.Context[:]...)
	info = append(info, h.Channel[:]...)
	info = append(info, e[:]...)
	info = append(info, g[:]...)
	return crypto.DeriveKey(master, g[:], info, crypto.KeySize)
}

// DeriveNonce returns ratchet_gen_le[0..8] || chan_epoch_le[0..4].
func DeriveNonce(ratchetGen, chanEpoch uint64) [crypto.NonceSize]byte {
	var n [crypto.NonceSize]byte
	binary.LittleEndian.PutUint64(n[:8], ratchetGen)
	binary.LittleEndian.PutUint32(n[8:], uint32(chanEpoch))
	return n
}

func aad(h Header) []byte {
	h32 := crypto.NewHasher("AMP_HEADER").Bytes(h.Context[:]).Bytes(h.Channel[:]).
		U64(h.ChanEpoch).U64(h.RatchetGen).Sum()
	return h32[:]
}

// Seal encrypts plaintext under the epoch master key. It is pure: the
// caller picks a fresh generation per message.
func Seal(master []byte, h Header, plaintext []byte) ([]byte, error) {
	key, err := MessageKey(master, h)
	if err != nil {
		return nil, err
	}
	nonce := DeriveNonce(h.RatchetGen, h.ChanEpoch)
	return crypto.Seal(key, nonce[:], plaintext, aad(h))
}

// Open is the inverse of Seal. A tampered header or ciphertext fails with
// InvalidSignature.
func Open(master []byte, h Header, ciphertext []byte) ([]byte, error) {
	key, err := MessageKey(master, h)
	if err != nil {
		return nil, err
	}
	nonce := DeriveNonce(h.RatchetGen, h.ChanEpoch)
	return crypto.Open(key, nonce[:], ciphertext, aad(h))
}
