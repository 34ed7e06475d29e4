package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_NilReaderReturnsDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, float64(10), cfg.LockTimeout().Seconds())
}

func TestLoad_OverridesDefaults(t *testing.T) {
	yamlDoc := `
targets:
  - name: primary-to-replica1
    db_name: orders
    log_source_directory: /var/lib/repl/orders
    apply_idle_timeout_seconds: 2
    apply_error_timeout_seconds: 15
logging:
  level: debug
`
	cfg, err := Load(strings.NewReader(yamlDoc))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	require.Len(t, cfg.Targets, 1)

	tgt := cfg.Targets[0]
	assert.Equal(t, float64(2), tgt.IdleTimeout().Seconds())
	assert.Equal(t, float64(15), tgt.ErrorTimeout().Seconds())
}

func TestLoad_EmptyDataReturnsDefaults(t *testing.T) {
	cfg, err := Load(strings.NewReader(""))
	require.NoError(t, err)
	assert.False(t, cfg.Debug.Enabled)
}
