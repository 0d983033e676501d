package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServeRunsWithoutConfigFile(t *testing.T) {
	t.Setenv("CALLSTATS_FEED_ADDRESS", "")

	_, err := execute(t, "serve")
	require.Error(t, err)
	assert.Equal(t, "feed.address is required", err.Error(), "config is built from defaults and env")
}

func TestServeEnvOverridesWithoutConfigFile(t *testing.T) {
	t.Setenv("CALLSTATS_FEED_ADDRESS", "not-an-address")

	_, err := execute(t, "serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `feed.address must be host:port, got "not-an-address"`)
}

func TestServeExplicitConfigMustExist(t *testing.T) {
	_, err := execute(t, "serve", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
