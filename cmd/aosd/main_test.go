package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartcomputer-ai/agent-os-sub003/internal/manifest"
)

func newTestManifest(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "manifest.json")
	require.NoError(t, manifest.SaveFile(manifest.New(), path))
	return path
}

func TestRunWithNoArgsPrintsUsageAndFails(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"aosd"}, &stdout, &stderr)
	assert.Equal(t, exitGenericError, code)
	assert.Contains(t, stderr.String(), "Usage")
}

func TestRunWithUnknownCommandFails(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"aosd", "bogus"}, &stdout, &stderr)
	assert.Equal(t, exitGenericError, code)
	assert.Contains(t, stderr.String(), "unknown command")
}

func TestJournalHeadOnFreshWorldIsZero(t *testing.T) {
	dir := t.TempDir()
	manifestPath := newTestManifest(t, dir)
	worldDir := filepath.Join(dir, "world")

	var stdout, stderr bytes.Buffer
	code := Run([]string{"aosd", "journal-head", "-manifest", manifestPath, "-world", worldDir}, &stdout, &stderr)
	require.Equal(t, exitOK, code, stderr.String())
	assert.Equal(t, "0", strings.TrimSpace(stdout.String()))
}

func TestSnapshotOnFreshWorldReturnsAHash(t *testing.T) {
	dir := t.TempDir()
	manifestPath := newTestManifest(t, dir)
	worldDir := filepath.Join(dir, "world")

	var stdout, stderr bytes.Buffer
	code := Run([]string{"aosd", "snapshot", "-manifest", manifestPath, "-world", worldDir}, &stdout, &stderr)
	require.Equal(t, exitOK, code, stderr.String())
	assert.True(t, strings.HasPrefix(strings.TrimSpace(stdout.String()), "sha256:"))
}

func TestStateGetForUnknownReducerFails(t *testing.T) {
	dir := t.TempDir()
	manifestPath := newTestManifest(t, dir)
	worldDir := filepath.Join(dir, "world")

	var stdout, stderr bytes.Buffer
	code := Run([]string{"aosd", "state-get", "-manifest", manifestPath, "-world", worldDir, "-reducer", "demo/CounterSM@1"}, &stdout, &stderr)
	assert.Equal(t, exitGenericError, code)
	assert.Contains(t, stderr.String(), "no cell state")
}

func TestEventSendWithMissingFlagsFails(t *testing.T) {
	dir := t.TempDir()
	manifestPath := newTestManifest(t, dir)
	worldDir := filepath.Join(dir, "world")

	var stdout, stderr bytes.Buffer
	code := Run([]string{"aosd", "event-send", "-manifest", manifestPath, "-world", worldDir}, &stdout, &stderr)
	assert.Equal(t, exitGenericError, code)
	assert.Contains(t, stderr.String(), "required")
}

func TestBaselinePromotesASnapshot(t *testing.T) {
	dir := t.TempDir()
	manifestPath := newTestManifest(t, dir)
	worldDir := filepath.Join(dir, "world")

	var snapOut, snapErr bytes.Buffer
	code := Run([]string{"aosd", "snapshot", "-manifest", manifestPath, "-world", worldDir}, &snapOut, &snapErr)
	require.Equal(t, exitOK, code, snapErr.String())
	snapshotHash := strings.TrimSpace(snapOut.String())

	var stdout, stderr bytes.Buffer
	code = Run([]string{"aosd", "baseline", "-manifest", manifestPath, "-world", worldDir, snapshotHash}, &stdout, &stderr)
	require.Equal(t, exitOK, code, stderr.String())
	assert.Contains(t, stdout.String(), "snapshot_hash")
	assert.Contains(t, stdout.String(), "receipt_horizon_height")
}

func TestBaselineWithBadHashFails(t *testing.T) {
	dir := t.TempDir()
	manifestPath := newTestManifest(t, dir)
	worldDir := filepath.Join(dir, "world")

	var stdout, stderr bytes.Buffer
	code := Run([]string{"aosd", "baseline", "-manifest", manifestPath, "-world", worldDir, "not-a-hash"}, &stdout, &stderr)
	assert.Equal(t, exitGenericError, code)
	assert.Contains(t, stderr.String(), "parse snapshot_hash")
}

func TestTraceWithUnknownEventHashFails(t *testing.T) {
	dir := t.TempDir()
	manifestPath := newTestManifest(t, dir)
	worldDir := filepath.Join(dir, "world")

	var stdout, stderr bytes.Buffer
	code := Run([]string{"aosd", "trace", "-manifest", manifestPath, "-world", worldDir, "sha256:" + strings.Repeat("00", 32)}, &stdout, &stderr)
	assert.Equal(t, exitGenericError, code)
	assert.Contains(t, stderr.String(), "trace:")
}

func TestTraceRequiresCorrelateByWithSchema(t *testing.T) {
	dir := t.TempDir()
	manifestPath := newTestManifest(t, dir)
	worldDir := filepath.Join(dir, "world")

	var stdout, stderr bytes.Buffer
	code := Run([]string{"aosd", "trace", "-manifest", manifestPath, "-world", worldDir, "-schema", "demo.Thing@1"}, &stdout, &stderr)
	assert.Equal(t, exitGenericError, code)
	assert.Contains(t, stderr.String(), "--correlate-by is required")
}
