package aura

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

var errExample = xerrors.New("example")

func makeError() error {
	return xerrors.Errorf("oops: %w", errExample)
}

// Test that the basic function create an error when the parameter
// is not nil, and returns nil otherwise.
func TestError_ErrorOrNil(t *testing.T) {
	err := ErrorOrNil(makeError(), "test")

	require.Equal(t, "test: oops: example", err.Error())
	require.Nil(t, ErrorOrNil(nil, ""))
}

// Test that the skip option is correctly used to prevent a call
// to be included in the stack trace.
func TestError_ErrorOrNilSkip(t *testing.T) {
	err := ErrorOrNilSkip(makeError(), "test", 2)

	require.NotContains(t, fmt.Sprintf("%+v", err), t.Name())
	require.Contains(t, fmt.Sprintf("%+v", err), ".makeError")
}

// Test that the wrapper is invisible but allows the error
// comparison to work.
func TestError_WrapError(t *testing.T) {
	err := WrapError(makeError())

	require.Equal(t, "oops: example", err.Error())
	require.Contains(t, fmt.Sprintf("%+v", err), ".makeError")
	require.True(t, xerrors.Is(err, errExample))
	require.False(t, xerrors.Is(err, xerrors.New("abc")))
}

func TestError_Kind(t *testing.T) {
	err := NewError(KindStalePrestate, "prestate moved")
	require.Equal(t, KindStalePrestate, KindOf(err))
	require.Equal(t, "prestate moved", err.Error())

	// The kind survives further wrapping.
	wrapped := xerrors.Errorf("apply: %w", err)
	require.True(t, IsKind(wrapped, KindStalePrestate))
	require.False(t, IsKind(wrapped, KindTimedOut))

	// A plain wrapper keeps the inner kind.
	require.Equal(t, KindStalePrestate, KindOf(WrapError(err)))

	// WithKind re-tags a foreign error.
	require.Equal(t, KindStorage, KindOf(WithKind(KindStorage, errExample)))
	require.Nil(t, WithKind(KindStorage, nil))

	require.Equal(t, Kind(""), KindOf(errExample))
	require.False(t, IsKind(nil, KindInvalid))
}

func TestError_Errorf(t *testing.T) {
	err := Errorf(KindTransport, "peer %s: %w", "abc", errExample)
	require.Equal(t, "peer abc: example", err.Error())
	require.True(t, xerrors.Is(err, errExample))
	require.Equal(t, KindTransport, KindOf(err))
}
