package transport

import (
	"context"
	"testing"
	"time"

	"github.com/aura-labs/aura"
	"github.com/aura-labs/aura/internal/retry"
	"github.com/stretchr/testify/require"
)

func TestLocal_SendReceive(t *testing.T) {
	ctx := context.Background()
	m := NewLocalManager()
	a := m.NewTransport(aura.NamedAuthorityID("a"))
	b := m.NewTransport(aura.NamedAuthorityID("b"))
	c := m.NewTransport(aura.NamedAuthorityID("c"))

	err := a.Send(ctx, b.ID(), []byte("x"))
	require.True(t, aura.IsKind(err, aura.KindTransport))

	require.NoError(t, a.Connect(ctx, b.ID()))
	require.True(t, a.IsConnected(b.ID()))
	for _, msg := range []string{"1", "2", "3"} {
		require.NoError(t, a.Send(ctx, b.ID(), []byte(msg)))
	}
	for _, msg := range []string{"1", "2", "3"} {
		p, err := b.Receive(ctx)
		require.NoError(t, err)
		require.Equal(t, a.ID(), p.From)
		require.Equal(t, msg, string(p.Data))
	}

	require.NoError(t, a.Connect(ctx, c.ID()))
	require.NoError(t, a.Broadcast(ctx, []aura.AuthorityID{b.ID(), c.ID()}, []byte("all")))
	p, ok := b.TryReceive()
	require.True(t, ok)
	require.Equal(t, "all", string(p.Data))
	p, ok = c.TryReceive()
	require.True(t, ok)
	require.Equal(t, "all", string(p.Data))

	require.NoError(t, a.Disconnect(b.ID()))
	require.False(t, a.IsConnected(b.ID()))

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = b.Receive(short)
	require.True(t, aura.IsKind(err, aura.KindTimedOut))
}

func TestLocal_LinkDown(t *testing.T) {
	ctx := context.Background()
	m := NewLocalManager()
	a := m.NewTransport(aura.NamedAuthorityID("a"))
	b := m.NewTransport(aura.NamedAuthorityID("b"))
	require.NoError(t, a.Connect(ctx, b.ID()))

	m.SetLink(a.ID(), b.ID(), false)
	err := a.Send(ctx, b.ID(), []byte("x"))
	require.True(t, aura.IsKind(err, aura.KindTransport))
	require.False(t, a.IsConnected(b.ID()))

	p := retry.Policy{Attempts: 2, Base: time.Millisecond}
	err = SendRetry(ctx, a, p, b.ID(), []byte("x"))
	require.True(t, aura.IsKind(err, aura.KindTransport))
	failed := BroadcastRetry(ctx, a, p, []aura.AuthorityID{b.ID()}, []byte("x"))
	require.Equal(t, []aura.AuthorityID{b.ID()}, failed)

	m.SetLink(a.ID(), b.ID(), true)
	require.NoError(t, SendRetry(ctx, a, p, b.ID(), []byte("y")))
	got, ok := b.TryReceive()
	require.True(t, ok)
	require.Equal(t, "y", string(got.Data))

	require.NoError(t, b.Close())
	err = SendRetry(ctx, a, p, b.ID(), []byte("z"))
	require.Error(t, err)
}
