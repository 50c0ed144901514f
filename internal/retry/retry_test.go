package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aura-labs/aura"
	"github.com/stretchr/testify/require"
)

func TestDo_RetriesThenSucceeds(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 3, Base: time.Millisecond}, "op", func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDo_SurfacesAfterAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Attempts: 2, Base: time.Millisecond}, "op", func() error {
		calls++
		return aura.NewError(aura.KindTransport, "unreachable")
	})
	require.Error(t, err)
	require.Equal(t, 2, calls)
	require.True(t, aura.IsKind(err, aura.KindTransport))
}

func TestDo_Permanent(t *testing.T) {
	calls := 0
	p := Policy{Attempts: 5, Base: time.Millisecond, Retryable: func(error) bool { return false }}
	err := Do(context.Background(), p, "op", func() error {
		calls++
		return errors.New("fatal")
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestDo_Context(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, Policy{Attempts: 3, Base: time.Hour}, "op", func() error {
		return errors.New("x")
	})
	require.True(t, aura.IsKind(err, aura.KindTimedOut))
}

func TestPolicy_Delay(t *testing.T) {
	p := Policy{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond}
	require.Equal(t, 10*time.Millisecond, p.Delay(1))
	require.Equal(t, 20*time.Millisecond, p.Delay(2))
	require.Equal(t, 50*time.Millisecond, p.Delay(4))
	require.Equal(t, 50*time.Millisecond, p.Delay(80))

	p.Jitter = func(n uint64) uint64 { return n - 1 }
	d := p.Delay(1)
	require.True(t, d >= 5*time.Millisecond && d <= 10*time.Millisecond)
}
