package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "peerlink.toml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ".", c.DataDir)
	require.Equal(t, ":7420", c.TCPAddr)
	require.Equal(t, 5*time.Second, c.PingInterval)
	require.Equal(t, 30*time.Second, c.ConnectTimeout)
	require.False(t, c.Verbose)
}

func TestLoadFileAndEnv(t *testing.T) {
	p := writeFile(t, `
data_dir = "/var/lib/peerlink"
device_name = "desk"
directory_peers = ["10.0.0.1:7423", "10.0.0.2:7423"]
ping_interval = "2s"
connect_timeout = "10s"
auto_connect = ["fpA"]
`)
	t.Setenv("PEERLINK_DEVICE_NAME", "laptop")
	t.Setenv("PEERLINK_AUTO_CONNECT", "fpB, fpC,,")
	t.Setenv("PEERLINK_VERBOSE", "1")
	t.Setenv("PEERLINK_LOOKUP_CACHE_TTL", "1m")

	c, err := Load(p)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/peerlink", c.DataDir)
	require.Equal(t, "laptop", c.DeviceName)
	require.Equal(t, []string{"10.0.0.1:7423", "10.0.0.2:7423"}, c.DirectoryPeers)
	require.Equal(t, []string{"fpB", "fpC"}, c.AutoConnect)
	require.True(t, c.Verbose)
	require.Equal(t, 2*time.Second, c.PingInterval)
	require.Equal(t, 10*time.Second, c.ConnectTimeout)
	require.Equal(t, time.Minute, c.LookupCacheTTL)
	require.Equal(t, 2*time.Minute, c.AnnounceInterval)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(writeFile(t, `bogus_key = 1`))
	require.ErrorContains(t, err, "unknown keys")

	_, err = Load(writeFile(t, `ping_interval = "soon"`))
	require.ErrorContains(t, err, "ping_interval")

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)

	t.Setenv("PEERLINK_ALLOW_ALL", "maybe")
	_, err = Load("")
	require.ErrorContains(t, err, "PEERLINK_ALLOW_ALL")
}

func TestDumpRoundTrip(t *testing.T) {
	c := Default()
	c.DeviceName = "desk"
	c.DirectoryPeers = []string{"10.0.0.1:7423"}
	c.PingInterval = 3 * time.Second

	var buf bytes.Buffer
	require.NoError(t, c.Dump(&buf))
	require.Contains(t, buf.String(), `ping_interval = "3s"`)

	back, err := Load(writeFile(t, buf.String()))
	require.NoError(t, err)
	require.Equal(t, "desk", back.DeviceName)
	require.Equal(t, c.DirectoryPeers, back.DirectoryPeers)
	require.Equal(t, 3*time.Second, back.PingInterval)
}

func TestSplitList(t *testing.T) {
	require.Nil(t, SplitList(""))
	require.Equal(t, []string{"a", "b"}, SplitList(" a ,, b "))
}
