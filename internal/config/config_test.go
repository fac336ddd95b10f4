package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rudp.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
listen = "127.0.0.1:7000"
debug = true
handshake_timeout = "5s"
stun_servers = [" stun.example.net:3478 ", ""]

[session]
window = 8
retransmit_interval = "40ms"
max_cache_gap = 8192

[tunnel]
role = "Client"
local = "127.0.0.1:9000"
peer = "203.0.113.7:4000"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7000", cfg.Listen)
	assert.True(t, cfg.Debug)
	assert.Equal(t, 5*time.Second, cfg.Registry.HandshakeTimeout)
	assert.Equal(t, []string{"stun.example.net:3478"}, cfg.Registry.STUNServers)
	assert.Equal(t, 8, cfg.Registry.Session.Window)
	assert.Equal(t, 40*time.Millisecond, cfg.Registry.Session.RetransmitInterval)
	assert.Equal(t, 8192, cfg.Registry.Session.MaxCacheGap)
	assert.Equal(t, RoleClient, cfg.Tunnel.Role)
	assert.Equal(t, "203.0.113.7:4000", cfg.Tunnel.Peer)

	def := Default()
	assert.Equal(t, def.Registry.Session.MTU, cfg.Registry.Session.MTU)
	assert.Equal(t, def.Registry.HelloInterval, cfg.Registry.HelloInterval)
	assert.Equal(t, def.StatsInterval, cfg.StatsInterval)
}

func TestLoadErrors(t *testing.T) {
	testCases := []struct {
		name string
		body string
	}{
		{"bad duration", `handshake_timeout = "soon"`},
		{"unknown key", `lisen = "x"`},
		{"gap too large", "[session]\nmax_cache_gap = 40000"},
		{"bad role", "[tunnel]\nrole = \"relay\""},
		{"oversized messages", `max_message_size = 70000`},
		{"not toml", `listen = `},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}
