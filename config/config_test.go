package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/aura-labs/aura"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	require.Equal(t, 24*time.Hour, c.DisputeWindow())
	require.Equal(t, 15*time.Minute, c.GuardianCooldown())
	require.Nil(t, c.SeedBytes())
}

func TestParse(t *testing.T) {
	c, err := Parse(`
Seed = "00ff"
CeremonyTimeout = "10s"
ShareTimeout = "500ms"
FlowBudget = 7
Debug = 2
`)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0xff}, c.SeedBytes())
	require.Equal(t, 10*time.Second, c.CeremonyTimeout.Duration)
	require.Equal(t, 500*time.Millisecond, c.ShareTimeout.Duration)
	require.Equal(t, uint64(7), c.FlowBudget)
	require.Equal(t, 2, c.Debug)
	// Unset fields keep their defaults.
	require.Equal(t, Default().AntiEntropyInterval, c.AntiEntropyInterval)
}

func TestParse_Errors(t *testing.T) {
	for _, doc := range []string{
		`Seed = "xyz"`,
		`CeremonyTimeout = "forever"`,
		`ShareTimeout = "1m"`,
		`TransportRetries = 0`,
		`Debug = 9`,
		`Unknown = 1`,
	} {
		_, err := Parse(doc)
		require.Error(t, err, doc)
	}
	_, err := Parse(`Unknown = 1`)
	require.True(t, aura.IsKind(err, aura.KindInvalidFormat))
	_, err = Parse(`FlowBudget = 0`)
	require.True(t, aura.IsKind(err, aura.KindInvalid))
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aura.toml")
	c := Default()
	c.Seed = "abcd"
	c.AntiEntropyInterval = Duration{time.Minute}
	require.NoError(t, c.Save(path))

	c2, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, c, c2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.True(t, aura.IsKind(err, aura.KindStorage))
}
