package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cfg := Default()
	err := cfg.Parse(`
name = "/b"
listen = "127.0.0.1:10000"
carrier = "bcast"

[peers]
"/a" = "127.0.0.1:10001"

[gossip]
enabled = true
port = 7000
neighbours = ["127.0.0.1:7001"]

[log]
level = "debug"
`)
	require.NoError(t, err)
	require.Equal(t, "/b", cfg.Name)
	require.Equal(t, "bcast", cfg.Carrier)
	require.Equal(t, "127.0.0.1:10001", cfg.Peers["/a"])
	require.True(t, cfg.Gossip.Enabled)
	require.Equal(t, 7000, cfg.Gossip.Port)
	require.Equal(t, "127.0.0.1", cfg.Gossip.Addr, "defaults survive a partial table")
	require.Equal(t, "text", cfg.Log.Format)
	require.NoError(t, cfg.Validate())
}

func TestParse_UnknownKey(t *testing.T) {
	cfg := Default()
	require.ErrorContains(t, cfg.Parse(`nmae = "/b"`), "unknown keys")
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"CARRIER_NAME":        "/env",
		"CARRIER_GOSSIP_PORT": "7100",
		"CARRIER_NEIGHBOURS":  "10.0.0.1:7946, 10.0.0.2:7946,",
	}
	cfg := Default()
	require.NoError(t, cfg.applyEnv(func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}))
	require.Equal(t, "/env", cfg.Name)
	require.Equal(t, 7100, cfg.Gossip.Port)
	require.Equal(t, []string{"10.0.0.1:7946", "10.0.0.2:7946"}, cfg.Gossip.Neighbours)
	require.True(t, cfg.Gossip.Enabled)

	env["CARRIER_GOSSIP_PORT"] = "nope"
	require.Error(t, cfg.applyEnv(func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}))
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "portcat.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
name = "/file"
carrier = "direct"
`), 0o600))
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("CARRIER_LOG_LEVEL=warn\n"), 0o600))
	t.Setenv("CARRIER_NAME", "/env")
	// godotenv only sets unset variables, t.Setenv restores it after.
	t.Setenv("CARRIER_LOG_LEVEL", "")
	os.Unsetenv("CARRIER_LOG_LEVEL")

	cfg, err := Load(path, envFile, filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
	require.Equal(t, "/env", cfg.Name, "environment wins over the file")
	require.Equal(t, "direct", cfg.Carrier)
	require.Equal(t, "warn", cfg.Log.Level)
	require.NotEmpty(t, cfg.Options(cfg.LogHandler(os.Stderr)))
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.HandshakeTimeout = "soon"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.HandshakeTimeout = "-5s"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Log.Format = "xml"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Log.Level = "loud"
	require.Error(t, cfg.Validate())
}
