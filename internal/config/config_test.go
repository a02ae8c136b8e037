package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadAppliesDefaultsWhenEnvUnset(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "./world", cfg.WorldDir)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, uint64(10_000_000), cfg.FuelPerStep)
	assert.Equal(t, uint64(1000), cfg.SnapshotEveryEvents)
}

func TestLoadReadsOverridesFromEnvironment(t *testing.T) {
	t.Setenv("AOS_WORLD_DIR", "/var/lib/aos")
	t.Setenv("AOS_LOG_LEVEL", "DEBUG")
	t.Setenv("AOS_FUEL_PER_STEP", "500")
	t.Setenv("AOS_SNAPSHOT_EVERY_EVENTS", "notanumber")

	cfg := Load()
	assert.Equal(t, "/var/lib/aos", cfg.WorldDir)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, uint64(500), cfg.FuelPerStep)
	assert.Equal(t, uint64(1000), cfg.SnapshotEveryEvents, "malformed override falls back to default")
}
