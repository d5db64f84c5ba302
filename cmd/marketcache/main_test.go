package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rshade/marketcache/internal/cli"
)

func TestRun(t *testing.T) {
	t.Setenv("MARKETCACHE_HOME", t.TempDir())
	t.Setenv("MARKETCACHE_LOG_LEVEL", "error")

	assert.Equal(t, 0, run([]string{"ttl"}))
	assert.Equal(t, 0, run([]string{"--version"}))
	assert.Equal(t, 1, run([]string{"inspect", "market_price"}), "missing key argument")
	assert.Equal(t, 1, run([]string{"no-such-command"}))
}

func TestMainComponents(t *testing.T) {
	root := cli.NewRootCmd(version)
	assert.NotNil(t, root)
	assert.Equal(t, "marketcache", root.Use)
	assert.Equal(t, "dev", root.Version)
}
