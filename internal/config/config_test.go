package config_test

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wicos64/blockfs/internal/config"
)

func TestDefaultPassesValidate(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
}

func TestLoadEmptyPathReturnsDefault(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	cfg := config.Default()
	cfg.CacheCapacity = 128
	cfg.FlushIntervalMs = 250

	path := filepath.Join(t.TempDir(), "blockfs.json")
	require.NoError(t, config.Save(path, cfg))

	got, err := config.Load(path)
	require.NoError(t, err)
	if diff := cmp.Diff(cfg, got); diff != "" {
		t.Errorf("config round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestValidateRejectsOutOfRangeFaultRate(t *testing.T) {
	cfg := config.Default()
	cfg.FaultInjection.ReadFailRate = 1.5
	assert.Error(t, cfg.Validate())
}

func TestValidateClampsZeroFields(t *testing.T) {
	var cfg config.Config
	require.NoError(t, cfg.Validate())
	assert.Equal(t, config.Default().CacheCapacity, cfg.CacheCapacity)
	assert.Equal(t, config.Default().FlushIntervalMs, cfg.FlushIntervalMs)
}
