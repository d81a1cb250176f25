package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestValidateRejectsZeroBatchSizes(t *testing.T) {
	cfg := Default()
	cfg.Loader.MergeBatchSize = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveFontHeight(t *testing.T) {
	cfg := Default()
	cfg.Layout.FontHeight = 0
	assert.Error(t, cfg.Validate())
}

func TestDeepCopyIsIndependent(t *testing.T) {
	cfg := Default()
	dup := cfg.DeepCopy()
	dup.Layout.FontHeight = 999

	assert.NotEqual(t, cfg.Layout.FontHeight, dup.Layout.FontHeight)
}

func TestLoadWritesDefaultsWhenMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default().Layout.FontHeight, cfg.Layout.FontHeight)

	// A second load should read back what was just written.
	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Loader.ReadSize, reloaded.Loader.ReadSize)
}

func TestManagerNotifiesOnUpdate(t *testing.T) {
	m := NewManager(Default(), "")

	var gotOld, gotNew *Config
	m.OnConfigChange(func(oldConfig, newConfig *Config) {
		gotOld = oldConfig
		gotNew = newConfig
	})

	next := Default()
	next.Layout.FontHeight = 42
	require.NoError(t, m.UpdateConfig(next))

	require.NotNil(t, gotOld)
	require.NotNil(t, gotNew)
	assert.NotEqual(t, gotOld.Layout.FontHeight, gotNew.Layout.FontHeight)
	assert.Equal(t, float32(42), m.GetConfig().Layout.FontHeight)
}

func TestManagerRejectsInvalidUpdate(t *testing.T) {
	m := NewManager(Default(), "")
	bad := Default()
	bad.Loader.ReadSize = 0
	assert.Error(t, m.UpdateConfig(bad))
	assert.Equal(t, Default().Loader.ReadSize, m.GetConfig().Loader.ReadSize)
}
