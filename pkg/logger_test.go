package pkg

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     func() *Config
		wantErr bool
	}{
		{
			name: "default config",
			cfg:  func() *Config { return nil },
		},
		{
			name: "console format",
			cfg: func() *Config {
				c := DefaultConfig()
				c.Format = "console"
				c.Level = "debug"
				return c
			},
		},
		{
			name: "stderr output",
			cfg: func() *Config {
				c := DefaultConfig()
				c.Console.Output = "stderr"
				return c
			},
		},
		{
			name: "no outputs",
			cfg: func() *Config {
				c := DefaultConfig()
				c.Console.Enable = false
				return c
			},
		},
		{
			name: "disabled level",
			cfg: func() *Config {
				c := DefaultConfig()
				c.Level = "disabled"
				return c
			},
		},
		{
			name: "invalid level",
			cfg: func() *Config {
				c := DefaultConfig()
				c.Level = "loud"
				return c
			},
			wantErr: true,
		},
		{
			name: "file output without path",
			cfg: func() *Config {
				c := DefaultConfig()
				c.File.Enable = true
				c.File.Path = ""
				return c
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg())
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, logger)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, logger)
			assert.NoError(t, logger.Close())
		})
	}
}

func TestLogger_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "node.log")

	cfg := DefaultConfig()
	cfg.Console.Enable = false
	cfg.File.Enable = true
	cfg.File.Path = path

	logger, err := New(cfg)
	require.NoError(t, err)

	logger.Info().Str("node_id", "abcd1234").Msg("joined ring")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "joined ring")
	assert.Contains(t, string(data), "abcd1234")
}

func TestLogger_AsyncWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "async.log")

	cfg := DefaultConfig()
	cfg.Console.Enable = false
	cfg.File.Enable = true
	cfg.File.Path = path
	cfg.AsyncWrite = true
	cfg.BufferSize = 64

	logger, err := New(cfg)
	require.NoError(t, err)

	logger.Warn().Msg("finger marked questionable")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "finger marked questionable")
}

func TestLogger_WithFieldsAndContext(t *testing.T) {
	logger, err := New(DefaultConfig())
	require.NoError(t, err)

	child := logger.WithFields(Fields{"component": "test"})
	require.NotNil(t, child)
	assert.NotSame(t, logger.Logger, child.Logger)

	// No request id: the same logger comes back.
	assert.Same(t, child, child.WithContext(context.Background()))

	ctx := ContextWithRequestID(context.Background(), "req-1")
	assert.Equal(t, "req-1", RequestID(ctx))
	assert.NotSame(t, child, child.WithContext(ctx))
}

func TestLogger_UpdateLevel(t *testing.T) {
	logger, err := New(DefaultConfig())
	require.NoError(t, err)

	require.NoError(t, logger.UpdateLevel("error"))
	assert.Equal(t, "error", logger.Logger.GetLevel().String())

	assert.Error(t, logger.UpdateLevel("nope"))
}

func TestNop(t *testing.T) {
	logger := Nop()
	require.NotNil(t, logger)
	logger.Error().Msg("discarded")
	assert.NoError(t, logger.Close())
}
