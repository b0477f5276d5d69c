package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_Defaults(t *testing.T) {
	cfg, err := New()
	require.NoError(t, err)
	require.Equal(t, "regburst", cfg.AppName)
	require.Equal(t, 8080, cfg.Port)
	require.Equal(t, "America/New_York", cfg.Timezone)
	require.Equal(t, 100, cfg.SessionCapacity)
	require.ElementsMatch(t, []string{"time.google.com", "time.cloudflare.com", "pool.ntp.org"}, cfg.NTPServers)
}

func TestNew_OverridesFromEnv(t *testing.T) {
	t.Setenv("REGBURST_PORT", "9090")
	t.Setenv("REGBURST_SESSION_CAPACITY", "5")
	cfg, err := New()
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Port)
	require.Equal(t, 5, cfg.SessionCapacity)
}
