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
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{"password": "secret", "server_port": 1080}`))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server)
	assert.Equal(t, 1080, cfg.ServerPort)
	assert.Equal(t, "chacha20-ietf-poly1305", cfg.Method)
	assert.Equal(t, 30*time.Second, cfg.ProbeDelayDuration())
	assert.Equal(t, 60*time.Second, cfg.HandshakeTimeout())
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeoutDuration())
	assert.Equal(t, 5*time.Minute, cfg.UDPIdleTimeout())
	assert.True(t, cfg.UDPEnabled())
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{
		"server": "127.0.0.1",
		"server_port": 8388,
		"password": "barfoo!",
		"method": "aes-256-cfb",
		"timeout": 600,
		"udp_timeout": 0,
		"udp": false
	}`))
	require.NoError(t, err)

	assert.Equal(t, "aes-256-cfb", cfg.Method)
	assert.Equal(t, 10*time.Minute, cfg.HandshakeTimeout())
	assert.Zero(t, cfg.UDPIdleTimeout())
	assert.False(t, cfg.UDPEnabled())
}

func TestLoadRequiresPassword(t *testing.T) {
	_, err := Load(writeConfig(t, `{"method": "aes-128-gcm"}`))
	assert.ErrorIs(t, err, ErrMissingPassword)
}

func TestLoadRejectsBadValues(t *testing.T) {
	for name, body := range map[string]string{
		"port":        `{"password": "x", "server_port": 70000}`,
		"probe delay": `{"password": "x", "probe_delay": -1}`,
		"udp timeout": `{"password": "x", "udp_timeout": -5}`,
		"log format":  `{"password": "x", "log_format": "xml"}`,
		"syntax":      `{"password": `,
		"method":      `{"password": "x", "method": "rc4-md5"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
