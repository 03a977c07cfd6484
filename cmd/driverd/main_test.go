package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hackohio/execstream/internal/config"
)

func TestSplitComma(t *testing.T) {
	assert.Nil(t, splitComma(""))
	assert.Equal(t, []string{"a"}, splitComma("a"))
	assert.Equal(t, []string{"a", "b"}, splitComma("a,,b,"))
}

func TestListenUnixReplacesStaleSocket(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "run", "exec.sock")
	cfg := config.Config{Listen: "unix:" + sock}

	l, err := listen(cfg)
	require.NoError(t, err)
	assert.Equal(t, "unix", l.Addr().Network())
	l.(interface{ SetUnlinkOnClose(bool) }).SetUnlinkOnClose(false)
	require.NoError(t, l.Close())

	l, err = listen(cfg)
	require.NoError(t, err, "stale socket file is removed")
	require.NoError(t, l.Close())
}
