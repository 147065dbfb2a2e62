package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Gateway struct {
		BaseURL string `mapstructure:"base_url"`
		Token   string `mapstructure:"token"`
	} `mapstructure:"gateway"`
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
}

func writeConfig(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", name+".yaml"), []byte(body), 0o644))
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "feed-test", `
gateway:
  base_url: https://gateway.example.com
  token: from-file
log:
  level: debug
`)
	t.Chdir(dir)
	t.Setenv("FEED_TEST_GATEWAY_TOKEN", "from-env")

	var out sample
	v, err := Load("feed-test", &out)
	require.NoError(t, err)
	assert.NotEmpty(t, v.ConfigFileUsed())
	assert.Equal(t, "https://gateway.example.com", out.Gateway.BaseURL)
	assert.Equal(t, "from-env", out.Gateway.Token)
	assert.Equal(t, "debug", out.Log.Level)
}

func TestLoad_MissingFile(t *testing.T) {
	t.Chdir(t.TempDir())

	var out sample
	_, err := Load("does-not-exist", &out)
	assert.Error(t, err)
}

func TestEnvPrefix(t *testing.T) {
	assert.Equal(t, "FEED_CLIENT", envPrefix("feed-client"))
}
