// Package config loads and validates the mirror's INI configuration file.
// It wraps gopkg.in/ini.v1 (the teacher's own configuration library) with
// a typed Config struct and fail-fast validation, so a malformed config
// is rejected before any network call, per spec.md's error taxonomy.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/pypa/bandersnatch-go/backend"
	"github.com/pypa/bandersnatch-go/pipeline"
	"github.com/pypa/bandersnatch-go/scheduler"
)

// SimpleFormat is the parsed simple-format setting. The pipeline publishes
// the HTML, versioned HTML and JSON simple-index documents whatever its
// value.
type SimpleFormat string

const (
	SimpleFormatHTML SimpleFormat = "HTML"
	SimpleFormatJSON SimpleFormat = "JSON"
	SimpleFormatAll  SimpleFormat = "ALL"
)

// StorageBackend names the storage implementation to use.
type StorageBackend string

const (
	StorageFilesystem StorageBackend = "filesystem"
	StorageS3         StorageBackend = "s3"
	StorageSwift      StorageBackend = "swift"
)

// Config is the mirror's fully parsed, validated [mirror] configuration.
type Config struct {
	Directory                string
	Master                   string
	DownloadMirror           string
	DownloadMirrorNoFallback bool
	Proxy                    string
	Workers                  int
	Verifiers                int
	Timeout                  int
	GlobalTimeout            int
	StopOnError              bool
	HashIndex                bool
	JSON                     bool
	ReleaseFiles             bool
	SimpleFormat             SimpleFormat
	RootURI                  string
	CompareMethod            backend.CompareMethod
	DigestName               backend.Digest
	KeepIndexVersions        int
	DiffFile                 string
	DiffAppendEpoch          bool
	Cleanup                  bool
	StorageBackend           StorageBackend
	LogConfig                string

	// raw keeps the parsed ini.File around so the filter package can pull
	// its own sections ([plugins] and filter-specific ones) straight from
	// the same file the rest of the mirror is configured from.
	raw *ini.File
}

// Raw returns the underlying *ini.File, for filter.Build and for any
// filter-specific sections ([allowlist], [blocklist], [python], etc.)
// this package doesn't itself model.
func (c *Config) Raw() *ini.File {
	return c.raw
}

// Load reads and validates the mirror configuration at path.
func Load(path string) (*Config, error) {
	raw, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return fromINI(raw)
}

// LoadBytes parses configuration from an in-memory INI document, used by
// tests and by callers embedding a config without a file on disk.
func LoadBytes(data []byte) (*Config, error) {
	raw, err := ini.Load(data)
	if err != nil {
		return nil, fmt.Errorf("config: parsing: %w", err)
	}
	return fromINI(raw)
}

func fromINI(raw *ini.File) (*Config, error) {
	section := raw.Section("mirror")

	cfg := &Config{
		Directory:                section.Key("directory").String(),
		Master:                   section.Key("master").String(),
		DownloadMirror:           section.Key("download-mirror").String(),
		DownloadMirrorNoFallback: section.Key("download-mirror-no-fallback").MustBool(false),
		Proxy:                    section.Key("proxy").String(),
		Workers:                  section.Key("workers").MustInt(scheduler.DefaultWorkers),
		Verifiers:                section.Key("verifiers").MustInt(3),
		Timeout:                  section.Key("timeout").MustInt(10),
		GlobalTimeout:            section.Key("global-timeout").MustInt(18000),
		StopOnError:              section.Key("stop-on-error").MustBool(false),
		HashIndex:                section.Key("hash-index").MustBool(false),
		JSON:                     section.Key("json").MustBool(false),
		ReleaseFiles:             section.Key("release-files").MustBool(true),
		SimpleFormat:             SimpleFormat(orDefault(section.Key("simple-format").String(), string(SimpleFormatAll))),
		RootURI:                  section.Key("root_uri").String(),
		CompareMethod:            backend.CompareMethod(orDefault(section.Key("compare-method").String(), string(backend.CompareHash))),
		DigestName:               backend.Digest(orDefault(section.Key("digest_name").String(), string(backend.DigestSHA256))),
		KeepIndexVersions:        section.Key("keep_index_versions").MustInt(0),
		DiffFile:                 section.Key("diff-file").String(),
		DiffAppendEpoch:          section.Key("diff-append-epoch").MustBool(false),
		Cleanup:                  section.Key("cleanup").MustBool(false),
		StorageBackend:           StorageBackend(orDefault(section.Key("storage-backend").String(), string(StorageFilesystem))),
		LogConfig:                section.Key("log-config").String(),
		raw:                      raw,
	}

	if !cfg.ReleaseFiles && cfg.RootURI == "" {
		cfg.RootURI = "https://files.pythonhosted.org/"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Validate performs the fail-fast checks spec.md's error taxonomy
// requires before any network call: missing required keys, out-of-range
// values, and malformed URLs.
func (c *Config) Validate() error {
	if c.Directory == "" {
		return fmt.Errorf("config: [mirror] directory is required")
	}
	if c.Master == "" {
		return fmt.Errorf("config: [mirror] master is required")
	}
	if err := requireHTTPSURL("master", c.Master); err != nil {
		return err
	}
	if c.DownloadMirror != "" {
		if _, err := url.Parse(c.DownloadMirror); err != nil {
			return fmt.Errorf("config: [mirror] download-mirror is not a valid URL: %w", err)
		}
	}
	if c.Proxy != "" {
		if _, err := url.Parse(c.Proxy); err != nil {
			return fmt.Errorf("config: [mirror] proxy is not a valid URL: %w", err)
		}
	}
	if c.Workers < scheduler.MinWorkers || c.Workers > scheduler.MaxWorkers {
		return fmt.Errorf("config: [mirror] workers must be between %d and %d, got %d", scheduler.MinWorkers, scheduler.MaxWorkers, c.Workers)
	}
	if c.Verifiers < 1 {
		return fmt.Errorf("config: [mirror] verifiers must be >= 1, got %d", c.Verifiers)
	}
	if c.KeepIndexVersions < 0 {
		return fmt.Errorf("config: [mirror] keep_index_versions must be >= 0, got %d", c.KeepIndexVersions)
	}
	switch c.SimpleFormat {
	case SimpleFormatHTML, SimpleFormatJSON, SimpleFormatAll:
	default:
		return fmt.Errorf("config: [mirror] simple-format must be HTML, JSON, or ALL, got %q", c.SimpleFormat)
	}
	switch c.CompareMethod {
	case backend.CompareHash, backend.CompareStat:
	default:
		return fmt.Errorf("config: [mirror] compare-method must be hash or stat, got %q", c.CompareMethod)
	}
	switch c.DigestName {
	case backend.DigestSHA256, backend.DigestMD5:
	default:
		return fmt.Errorf("config: [mirror] digest_name must be sha256 or md5, got %q", c.DigestName)
	}
	switch c.StorageBackend {
	case StorageFilesystem, StorageS3, StorageSwift:
	default:
		return fmt.Errorf("config: [mirror] storage-backend must be filesystem, s3, or swift, got %q", c.StorageBackend)
	}
	return nil
}

func requireHTTPSURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("config: [mirror] %s is not a valid URL: %w", key, err)
	}
	if !strings.EqualFold(u.Scheme, "https") {
		return fmt.Errorf("config: [mirror] %s must use https, got scheme %q", key, u.Scheme)
	}
	return nil
}

// PipelineOptions converts the validated config into pipeline.Options.
func (c *Config) PipelineOptions() pipeline.Options {
	return pipeline.Options{
		CompareMethod:     c.CompareMethod,
		DigestName:        c.DigestName,
		HashIndex:         c.HashIndex,
		KeepIndexVersions: c.KeepIndexVersions,
		DiffAppendEnabled: c.DiffAppendEpoch,
		DiffFile:          c.DiffFile,
	}
}

// SchedulerConfig converts the validated config into scheduler.Config.
func (c *Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		Workers:   c.Workers,
		QueueSize: 1024,
		Timeout:   time.Duration(c.GlobalTimeout) * time.Second,
	}
}
