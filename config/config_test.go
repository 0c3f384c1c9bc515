package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franksops/gridxfer/engine"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.StateDir)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, engine.DefaultMaxErrorsBeforeCanceling, cfg.MaxErrorsBeforeCanceling)
	assert.True(t, cfg.LogSuccessfulTransfers)
	assert.False(t, cfg.LogRestartFiles)
	assert.True(t, cfg.ForceOverwrite)
	assert.Equal(t, engine.DefaultBufferSize, cfg.BufferSize)
	assert.Equal(t, 10, cfg.CheckpointItems)
	assert.Equal(t, 5*time.Second, cfg.CheckpointInterval)
	assert.Equal(t, 20, cfg.RecentQueueSize)
	assert.Equal(t, filepath.Join(dir, "gxfer.db"), cfg.DBPath())
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `log_level: debug
log_format: json
max_errors_before_canceling: -1
verify_checksum: true
checkpoint_interval: 30s
recent_queue_size: 50
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gxfer.yaml"), []byte(yaml), 0600))
	t.Setenv("GXFER_PASS_PHRASE", "from-env")
	t.Setenv("GXFER_RECENT_QUEUE_SIZE", "5")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, engine.Unlimited, cfg.MaxErrorsBeforeCanceling)
	assert.True(t, cfg.VerifyChecksum)
	assert.Equal(t, 30*time.Second, cfg.CheckpointInterval)
	assert.Equal(t, "from-env", cfg.PassPhrase)
	assert.Equal(t, 5, cfg.RecentQueueSize)

	ec := cfg.Engine()
	assert.Equal(t, "from-env", ec.PassPhrase)
	assert.Equal(t, engine.Unlimited, ec.MaxErrorsBeforeCanceling)
	assert.True(t, ec.VerifyChecksum)
	assert.Equal(t, 30*time.Second, ec.Checkpoint.Interval)
	assert.Equal(t, 5, ec.RecentQueueSize)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("GXFER_LOG_RESTART_FILES=true\n"), 0600))
	t.Cleanup(func() { os.Unsetenv("GXFER_LOG_RESTART_FILES") })

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.True(t, cfg.LogRestartFiles)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad format", "log_format: xml\n"},
		{"bad budget", "max_errors_before_canceling: -3\n"},
		{"broken yaml", "log_level: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, "gxfer.yaml"), []byte(tt.yaml), 0600))
			_, err := Load(dir)
			assert.Error(t, err)
		})
	}
}
