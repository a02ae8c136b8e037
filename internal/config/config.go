// Package config loads a world's runtime configuration from environment
// variables, mirroring how the rest of this stack is wired at process
// start rather than through a file or flags.
package config

import (
	"os"
	"strconv"
)

// Config holds one world process's runtime configuration.
type Config struct {
	WorldDir                  string
	LogLevel                  string
	FuelPerStep               uint64
	SnapshotEveryEvents       uint64
	SnapshotEveryBytes        uint64
	ReceiptHorizonGraceEvents uint64
}

// Load reads configuration from the environment, applying the same
// defaults a fresh world would need to boot with no operator input.
func Load() *Config {
	worldDir := os.Getenv("AOS_WORLD_DIR")
	if worldDir == "" {
		worldDir = "./world"
	}

	logLevel := os.Getenv("AOS_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	return &Config{
		WorldDir:                  worldDir,
		LogLevel:                  logLevel,
		FuelPerStep:               envUint("AOS_FUEL_PER_STEP", 10_000_000),
		SnapshotEveryEvents:       envUint("AOS_SNAPSHOT_EVERY_EVENTS", 1000),
		SnapshotEveryBytes:        envUint("AOS_SNAPSHOT_EVERY_BYTES", 64*1024*1024),
		ReceiptHorizonGraceEvents: envUint("AOS_RECEIPT_HORIZON_GRACE_EVENTS", 500),
	}
}

func envUint(name string, def uint64) uint64 {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}
