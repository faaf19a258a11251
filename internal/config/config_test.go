package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apimocker/pkg/model"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, NewConfig(), cfg)
	assert.Equal(t, model.ModePage, cfg.GlobalConfig().InterceptMode)
	assert.Equal(t, 5000, cfg.SessionConfig().LookupTimeoutMS)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sqlite:
  dsn: test.sqlite3
records:
  maxRecords: 50
  autoClean: false
intercept:
  mode: page
`), 0o644))
	t.Setenv("APIMOCKER_INTERCEPT_MODE", "network")

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, "test.sqlite3", cfg.Sqlite.Dsn)
	assert.Equal(t, "apimocker_", cfg.Sqlite.Prefix)
	assert.Equal(t, "network", cfg.Intercept.Mode)

	g := cfg.GlobalConfig()
	assert.Equal(t, model.ModeNetwork, g.InterceptMode)
	assert.Equal(t, 50, g.MaxRecords)
	assert.False(t, g.AutoClean)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("APIMOCKER_INTERCEPT_MODE", "proxy")
	_, err := Load(viper.New(), "")
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = Load(viper.New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
