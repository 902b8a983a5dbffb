package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"ENABLE_MULTI_TENANCY",
		"UPDATE_CREATE_SUPPORTED",
		"LOCK_DURATION_MS",
		"MAX_CONCURRENT_EXPORT_PER_USER",
		"MAX_SYSTEM_CONCURRENT_EXPORT",
	} {
		os.Unsetenv(key)
	}

	cfg := Load()

	assert.False(t, cfg.EnableMultiTenancy)
	assert.False(t, cfg.UpdateCreateSupported)
	assert.EqualValues(t, DefaultLockDurationMs, cfg.LockDurationMs)
	assert.Equal(t, DefaultMaxConcurrentExportPerUser, cfg.MaxConcurrentExportPerUser)
	assert.Equal(t, DefaultMaxSystemConcurrentExport, cfg.MaxSystemConcurrentExport)
}

func TestLoadFromEnv(t *testing.T) {
	os.Setenv("ENABLE_MULTI_TENANCY", "true")
	os.Setenv("LOCK_DURATION_MS", "60000")
	os.Setenv("MAX_SYSTEM_CONCURRENT_EXPORT", "5")
	defer func() {
		os.Unsetenv("ENABLE_MULTI_TENANCY")
		os.Unsetenv("LOCK_DURATION_MS")
		os.Unsetenv("MAX_SYSTEM_CONCURRENT_EXPORT")
	}()

	cfg := Load()

	assert.True(t, cfg.EnableMultiTenancy)
	assert.EqualValues(t, 60000, cfg.LockDurationMs)
	assert.Equal(t, 5, cfg.MaxSystemConcurrentExport)
}

func TestLoadFileMissingIsNotError(t *testing.T) {
	fc, err := LoadFile(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Empty(t, fc.Offloads)
}

func TestLoadFileParsesOffloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "offloads.yaml")
	contents := "offloads:\n  - resourceType: Questionnaire\n    fields: [\"item\"]\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0600))

	fc, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, fc.Offloads, 1)
	assert.Equal(t, "Questionnaire", fc.Offloads[0].ResourceType)
	assert.Equal(t, []string{"item"}, fc.Offloads[0].Fields)
}
