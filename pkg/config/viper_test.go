package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileFallsBackToEnv(t *testing.T) {
	t.Setenv("SERVER_PORT", "9999")
	v, err := Load(t.TempDir(), "does-not-exist")
	require.NoError(t, err)
	assert.Equal(t, "9999", v.GetString("server.port"))
}

func TestLoadReadsYAML(t *testing.T) {
	dir := t.TempDir()
	body := "server:\n  port: \"8081\"\nhub:\n  ping_interval: 15s\n  pong_timeout: 45\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "status.yaml"), []byte(body), 0o600))

	v, err := Load(dir, "status")
	require.NoError(t, err)
	assert.Equal(t, "8081", v.GetString("server.port"))
	assert.Equal(t, 15*time.Second, Duration(v, "hub.ping_interval", time.Second))
	assert.Equal(t, 45*time.Second, Duration(v, "hub.pong_timeout", time.Second))
	assert.Equal(t, 7*time.Second, Duration(v, "hub.missing", 7*time.Second))
}

func TestBindEnvs(t *testing.T) {
	t.Setenv("TWITCH_CLIENT_ID", "abc")
	v, err := Load(t.TempDir(), "none")
	require.NoError(t, err)
	require.NoError(t, BindEnvs(v, map[string]string{"platforms.twitch.client_id": "TWITCH_CLIENT_ID"}))
	assert.Equal(t, "abc", v.GetString("platforms.twitch.client_id"))
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "status.yaml")
	require.NoError(t, os.WriteFile(file, []byte("log:\n  level: info\n"), 0o600))

	v, err := Load(dir, "status")
	require.NoError(t, err)

	levels := make(chan string, 8)
	require.NoError(t, Watch(v, func(v *viper.Viper) { levels <- v.GetString("log.level") }))

	require.NoError(t, os.WriteFile(file, []byte("log:\n  level: debug\n"), 0o600))
	require.Eventually(t, func() bool {
		select {
		case l := <-levels:
			return l == "debug"
		default:
			return false
		}
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWatchWithoutFile(t *testing.T) {
	v, err := Load(t.TempDir(), "absent")
	require.NoError(t, err)
	assert.ErrorIs(t, Watch(v, func(*viper.Viper) {}), ErrNoConfigFile)
}
