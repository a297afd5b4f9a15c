// ABOUTME: Tests for tailnet settings resolution.
// ABOUTME: Joining a real tailnet is not exercised here.

package host

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTailnetStateDir(t *testing.T) {
	dir, err := tailnetStateDir("/var/lib/relay")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/relay", dir)

	t.Setenv("HOME", "/home/relay")
	dir, err = tailnetStateDir("")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/home/relay", ".local", "share", "relay-gateway", "tailscale"), dir)
}

func TestTailnetAuthKey(t *testing.T) {
	t.Setenv("TS_AUTHKEY", "")
	_, err := tailnetAuthKey("")
	assert.Error(t, err)

	t.Setenv("TS_AUTHKEY", "tskey-env")
	key, err := tailnetAuthKey("")
	require.NoError(t, err)
	assert.Equal(t, "tskey-env", key)

	key, err = tailnetAuthKey("tskey-config")
	require.NoError(t, err)
	assert.Equal(t, "tskey-config", key)
}
