package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewResolvesZeroMeansAutoFields(t *testing.T) {
	cfg, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, uint32(DefaultQueueDepth), cfg.QueueDepth)
	assert.Equal(t, DefaultMaxFilesInFlight, cfg.MaxFilesInFlight)
	assert.Equal(t, DefaultBufferSize, cfg.BufferSize)
	assert.Equal(t, 0, cfg.WorkerCount, "worker count stays at the auto sentinel; dispatch.ResolveWorkerCount resolves it")
}

func TestNewPreservesExplicitValues(t *testing.T) {
	cfg, err := New(Config{
		QueueDepth:       64,
		MaxFilesInFlight: 10,
		BufferSize:       4096,
		WorkerCount:      3,
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(64), cfg.QueueDepth)
	assert.Equal(t, 10, cfg.MaxFilesInFlight)
	assert.Equal(t, 4096, cfg.BufferSize)
	assert.Equal(t, 3, cfg.WorkerCount)
}

func TestNewRejectsNegativeWorkerCount(t *testing.T) {
	_, err := New(Config{WorkerCount: -1})
	require.Error(t, err)
}

func TestNewACLsImplyPermissions(t *testing.T) {
	cfg, err := New(Config{PreserveACLs: true})
	require.NoError(t, err)
	assert.True(t, cfg.PreservePermissions)
}

func TestExistingFileModeString(t *testing.T) {
	assert.Equal(t, "overwrite", ExistingOverwrite.String())
	assert.Equal(t, "size-modtime-skip", ExistingSizeModTimeSkip.String())
	assert.Equal(t, "error", ExistingError.String())
	assert.Equal(t, "unknown", ExistingFileMode(99).String())
}

func TestEffectiveBufferSizeFallsBackToDefault(t *testing.T) {
	c := &Config{}
	assert.Equal(t, DefaultBufferSize, c.EffectiveBufferSize())
	c.BufferSize = 2048
	assert.Equal(t, 2048, c.EffectiveBufferSize())
}
