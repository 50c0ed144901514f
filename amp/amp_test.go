package amp

import (
	"bytes"
	"context"
	"testing"

	"github.com/aura-labs/aura"
	"github.com/aura-labs/aura/crypto"
	"github.com/aura-labs/aura/effects"
	"github.com/aura-labs/aura/storage"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

var (
	room  = aura.NamedContextID("room")
	alice = aura.NamedAuthorityID("alice")
	bob   = aura.NamedAuthorityID("bob")
)

// pair returns alice's sending end and bob's receiving end of the
// alice -> bob channel, keyed through Diffie-Hellman.
func pair(t *testing.T, epoch uint64) (*Channel, *Channel) {
	r := effects.NewSeeded([]byte("amp"))
	ka := crypto.NewKeyPair(r.Stream())
	kb := crypto.NewKeyPair(r.Stream())
	sa, err := ka.Agree(kb.Public())
	require.NoError(t, err)
	sb, err := kb.Agree(ka.Public())
	require.NoError(t, err)
	require.Equal(t, sa, sb)

	ch := ChannelIDFor(room, alice, bob)
	require.NotEqual(t, ch, ChannelIDFor(room, bob, alice))
	secret, err := ChannelSecret(sa, room, ch)
	require.NoError(t, err)
	send, err := NewChannel(room, ch, secret, epoch)
	require.NoError(t, err)
	recv, err := NewChannel(room, ch, secret, epoch)
	require.NoError(t, err)
	return send, recv
}

func TestDeriveNonce(t *testing.T) {
	n := DeriveNonce(0x0123456789ABCDEF, 0x12345678)
	require.Equal(t, [12]byte{0xEF, 0xCD, 0xAB, 0x89, 0x67, 0x45, 0x23, 0x01, 0x78, 0x56, 0x34, 0x12}, n)
}

func TestSealOpen_RoundTrip(t *testing.T) {
	r := effects.NewSeeded([]byte("roundtrip"))
	master := make([]byte, crypto.KeySize)
	r.Read(master)
	for i := 0; i < 50; i++ {
		h := Header{Context: room, ChanEpoch: r.Uint64(), RatchetGen: r.Uint64()}
		r.Read(h.Channel[:])
		pt := make([]byte, r.Range(200))
		r.Read(pt)

		ct, err := Seal(master, h, pt)
		require.NoError(t, err)
		back, err := Open(master, h, ct)
		require.NoError(t, err)
		require.True(t, bytes.Equal(pt, back))

		m := &Message{SchemaVersion: SchemaVersion, Header: h, Payload: ct}
		buf, err := SerializeMessage(m)
		require.NoError(t, err)
		m2, err := DeserializeMessage(buf)
		require.NoError(t, err)
		buf2, err := SerializeMessage(m2)
		require.NoError(t, err)
		require.Equal(t, buf, buf2)

		// The header is authenticated.
		h.RatchetGen++
		_, err = Open(master, h, ct)
		require.True(t, aura.IsKind(err, aura.KindInvalidSignature))
	}
}

func TestWire_Errors(t *testing.T) {
	_, err := SerializeMessage(&Message{SchemaVersion: 2})
	require.True(t, aura.IsKind(err, aura.KindInvalidFormat))
	_, err = DeserializeMessage([]byte{0, 0})
	require.True(t, aura.IsKind(err, aura.KindInvalidFormat))

	buf, err := SerializeMessage(&Message{SchemaVersion: SchemaVersion, Payload: []byte("x")})
	require.NoError(t, err)
	_, err = DeserializeMessage(buf[:len(buf)-1])
	require.True(t, aura.IsKind(err, aura.KindInvalidFormat))
	_, err = DeserializeMessage(append(buf, 0))
	require.True(t, aura.IsKind(err, aura.KindInvalidFormat))
}

func TestChannel_Replay(t *testing.T) {
	send, recv := pair(t, 1)
	var msgs []*Message
	for i := 0; i < 5; i++ {
		m, err := send.Seal([]byte{byte(i)})
		require.NoError(t, err)
		require.Equal(t, uint64(i), m.Header.RatchetGen)
		msgs = append(msgs, m)
	}
	// Out of order delivery is fine, duplicates are not.
	for _, i := range []int{3, 0, 4, 1, 2} {
		pt, err := recv.Open(msgs[i])
		require.NoError(t, err)
		require.Equal(t, []byte{byte(i)}, pt)
	}
	_, err := recv.Open(msgs[2])
	require.True(t, aura.IsKind(err, aura.KindInvalid))

	// A tampered message is dropped and does not burn its generation.
	m, err := send.Seal([]byte("hello"))
	require.NoError(t, err)
	bad := *m
	bad.Payload = append([]byte{}, m.Payload...)
	bad.Payload[0] ^= 1
	_, err = recv.Open(&bad)
	require.True(t, aura.IsKind(err, aura.KindInvalidSignature))
	pt, err := recv.Open(m)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), pt)
}

func TestWindow(t *testing.T) {
	var w Window
	require.NoError(t, w.Check(5))
	w.Mark(5)
	require.Error(t, w.Check(5))
	require.NoError(t, w.Check(4))
	w.Mark(5 + WindowSize)
	require.Error(t, w.Check(5))
	require.NoError(t, w.Check(6+WindowSize/2))
	w.Mark(10 * WindowSize)
	require.Error(t, w.Check(5+WindowSize))
	require.NoError(t, w.Check(10*WindowSize-1))
	require.Error(t, w.Check(10*WindowSize))
}

func TestChannel_AdvanceEpoch(t *testing.T) {
	send, recv := pair(t, 1)
	m1, err := send.Seal([]byte("old"))
	require.NoError(t, err)

	require.NoError(t, send.AdvanceEpoch(2))
	require.Error(t, send.AdvanceEpoch(2))
	m2, err := send.Seal([]byte("new"))
	require.NoError(t, err)
	require.Equal(t, uint64(0), m2.Header.RatchetGen)
	require.Equal(t, uint64(2), m2.Header.ChanEpoch)

	_, err = recv.Open(m2)
	var mismatch *EpochMismatchError
	require.True(t, xerrors.As(err, &mismatch))
	require.Equal(t, uint64(1), mismatch.Local)
	require.True(t, aura.IsKind(err, aura.KindEpochMismatch))
	require.False(t, aura.IsKind(err, aura.KindStalePrestate))

	require.NoError(t, recv.AdvanceEpoch(2))
	pt, err := recv.Open(m2)
	require.NoError(t, err)
	require.Equal(t, []byte("new"), pt)
	_, err = recv.Open(m1)
	require.Error(t, err)

	// Keys of different epochs differ.
	k1, err := EpochKey([]byte("secret"), 1)
	require.NoError(t, err)
	k2, err := EpochKey([]byte("secret"), 2)
	require.NoError(t, err)
	require.NotEqual(t, k1, k2)
}

func TestChannel_Persistence(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemStore()
	send, recv := pair(t, 3)
	m, err := send.Seal([]byte("one"))
	require.NoError(t, err)
	_, err = recv.Open(m)
	require.NoError(t, err)
	require.NoError(t, send.Save(ctx, st, alice))
	require.NoError(t, recv.Save(ctx, st, bob))

	keys, err := st.ListKeys(ctx, storage.AccountKey(alice, "channels"))
	require.NoError(t, err)
	require.Equal(t, []string{Key(alice, send.ID())}, keys)

	send2, err := Load(ctx, st, alice, send.ID())
	require.NoError(t, err)
	recv2, err := Load(ctx, st, bob, recv.ID())
	require.NoError(t, err)
	_, err = recv2.Open(m)
	require.Error(t, err)
	m, err = send2.Seal([]byte("two"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), m.Header.RatchetGen)
	pt, err := recv2.Open(m)
	require.NoError(t, err)
	require.Equal(t, []byte("two"), pt)

	_, err = Load(ctx, st, bob, ChannelIDFor(room, bob, alice))
	require.True(t, aura.IsKind(err, aura.KindNotFound))
}
