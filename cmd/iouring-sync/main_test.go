package main

import (
	"testing"

	"github.com/jmalicki/iouring-sync/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetFlagState restores every package-level flag variable to its flag
// default so tests don't leak state into each other the way a real cobra
// invocation would reset them via pflag.Parse on each run.
func resetFlagState() {
	archive = false
	existingPolicy = "overwrite"
	quietFlag = false
	progressFlag = false
	crtimesFlag = false
	atimeFlag = false
	cpuCount = 0
	bufferSizeKB = 0
	opt = config.Config{}
}

func TestResolveConfigArchiveExpandsComponents(t *testing.T) {
	resetFlagState()
	archive = true

	cfg, err := resolveConfig(opt)
	require.NoError(t, err)
	assert.True(t, cfg.Recursive)
	assert.True(t, cfg.PreserveSymlinks)
	assert.True(t, cfg.PreservePermissions)
	assert.True(t, cfg.PreserveTimes)
	assert.True(t, cfg.PreserveGroup)
	assert.True(t, cfg.PreserveOwner)
	assert.True(t, cfg.PreserveDevices)
	// -a does not imply -X, -A, or -H; those are independent rsync flags.
	assert.False(t, cfg.PreserveXattrs)
	assert.False(t, cfg.PreserveACLs)
	assert.False(t, cfg.PreserveHardlinks)
}

func TestResolveConfigExistingPolicies(t *testing.T) {
	for _, tc := range []struct {
		flag string
		want config.ExistingFileMode
	}{
		{"overwrite", config.ExistingOverwrite},
		{"skip", config.ExistingSizeModTimeSkip},
		{"error", config.ExistingError},
	} {
		resetFlagState()
		existingPolicy = tc.flag
		cfg, err := resolveConfig(opt)
		require.NoError(t, err)
		assert.Equal(t, tc.want, cfg.Existing, tc.flag)
	}
}

func TestResolveConfigRejectsUnknownExistingPolicy(t *testing.T) {
	resetFlagState()
	existingPolicy = "bogus"
	_, err := resolveConfig(opt)
	require.Error(t, err)
	_, isUsage := err.(usageError)
	assert.True(t, isUsage)
}

func TestResolveConfigQuietSuppressesVerbose(t *testing.T) {
	resetFlagState()
	quietFlag = true
	opt.Verbose = true

	cfg, err := resolveConfig(opt)
	require.NoError(t, err)
	assert.False(t, cfg.Verbose)
	assert.True(t, cfg.Quiet)
}

func TestResolveConfigBufferSizeKB(t *testing.T) {
	resetFlagState()
	bufferSizeKB = 64

	cfg, err := resolveConfig(opt)
	require.NoError(t, err)
	assert.Equal(t, 64*1024, cfg.BufferSize)
}

func TestRootCommandRequiresTwoArgs(t *testing.T) {
	resetFlagState()
	cmd := newRootCommand()
	cmd.SetArgs([]string{"onlyone"})
	err := cmd.Execute()
	require.Error(t, err)
}
