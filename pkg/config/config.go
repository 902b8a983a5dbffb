// Package config loads the persistence core's configuration from the
// environment, with an optional YAML file layered underneath for
// settings that are awkward to express as environment variables (the
// hybrid-store offload field registration).
package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds every environment-derived setting named by the
// persistence core's external-interfaces contract.
type Config struct {
	EnableMultiTenancy        bool
	UpdateCreateSupported     bool
	LockDurationMs            int64
	MaxConcurrentExportPerUser int
	MaxSystemConcurrentExport int

	// BlobKeySeparator is the single character separating a blob's
	// resourceType/id prefix from its uuid suffix. Not itself an
	// enumerated env var in the external-interfaces table, but
	// configurable per the persisted-layout note ("default _").
	BlobKeySeparator string
}

// Offload is one entry of the YAML-file-only hybrid store
// registration table.
type Offload struct {
	ResourceType string   `yaml:"resourceType"`
	Fields       []string `yaml:"fields"`
}

// FileConfig is the optional YAML overlay, read only for settings
// that have no natural environment-variable shape.
type FileConfig struct {
	Offloads []Offload `yaml:"offloads"`
}

// Default values for settings not present in the environment.
const (
	DefaultLockDurationMs             = 35000
	DefaultMaxConcurrentExportPerUser = 1
	DefaultMaxSystemConcurrentExport  = 2
	DefaultBlobKeySeparator           = "_"
)

// Load reads Config from the environment, falling back to documented
// defaults for anything unset.
func Load() Config {
	return Config{
		EnableMultiTenancy:         getBool("ENABLE_MULTI_TENANCY", false),
		UpdateCreateSupported:      getBool("UPDATE_CREATE_SUPPORTED", false),
		LockDurationMs:             getInt64("LOCK_DURATION_MS", DefaultLockDurationMs),
		MaxConcurrentExportPerUser: getInt("MAX_CONCURRENT_EXPORT_PER_USER", DefaultMaxConcurrentExportPerUser),
		MaxSystemConcurrentExport:  getInt("MAX_SYSTEM_CONCURRENT_EXPORT", DefaultMaxSystemConcurrentExport),
		BlobKeySeparator:           getString("BLOB_KEY_SEPARATOR", DefaultBlobKeySeparator),
	}
}

// LoadFile reads the optional YAML overlay from path. A missing file
// is not an error: it returns a zero-value FileConfig.
func LoadFile(path string) (FileConfig, error) {
	var fc FileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fc, nil
		}
		return fc, err
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}
