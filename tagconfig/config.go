// Package tagconfig centralizes Tagsistant's configuration.
//
// Values are resolved through a three-tier hierarchy, highest priority
// first:
//
//  1. command-line flags
//  2. an optional YAML config file
//  3. environment variables / built-in defaults
//
// Config is loaded once at startup; cmd/tagsistant passes its values to
// the components it builds. Nothing in this package is read again after
// Load returns, so no synchronization is required on the returned value.
package tagconfig

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every value listed in spec.md §6 "Configuration inputs".
type Config struct {
	// RepositoryRoot is the on-disk root containing archive/ and the
	// metadata store file.
	// Environment: TAGSISTANT_REPOSITORY
	RepositoryRoot string `yaml:"repository_root"`

	// MountPoint is where the query filesystem is exposed.
	// Environment: TAGSISTANT_MOUNTPOINT
	MountPoint string `yaml:"mountpoint"`

	// DBOptions is an opaque string selecting/tuning the metadata backend
	// (for storage/sqlstore, a DSN suffix such as "_busy_timeout=5000").
	// Environment: TAGSISTANT_DB_OPTIONS
	DBOptions string `yaml:"db_options"`

	// DeduplicationInterval is the background sweep period.
	// Environment: TAGSISTANT_DEDUP_INTERVAL_SECS (default 60)
	DeduplicationInterval time.Duration `yaml:"-"`

	// DeduplicationIntervalSecs is DeduplicationInterval's wire form. It
	// must stay exported: yaml.v3 cannot populate unexported fields via
	// reflection, so applyFile's yaml.Unmarshal would otherwise silently
	// skip this value.
	DeduplicationIntervalSecs int `yaml:"deduplication_interval_secs"`

	// EnableDeduplicator toggles the background sweep goroutine.
	// Environment: TAGSISTANT_ENABLE_DEDUPLICATOR (default true)
	EnableDeduplicator bool `yaml:"enable_deduplicator"`

	// EnableDeduplicatorSet marks EnableDeduplicator as having been
	// explicitly supplied by an overrides Config (set by callers
	// constructing overrides from parsed flags, e.g. via
	// cmd.Flags().Changed("enable-deduplicator")). mergeOverrides only
	// merges EnableDeduplicator when this is true, since false is
	// otherwise indistinguishable from "flag not passed".
	EnableDeduplicatorSet bool `yaml:"-"`

	// VerboseLogging raises the default log level to DEBUG.
	// Environment: TAGSISTANT_VERBOSE (default false)
	VerboseLogging bool `yaml:"verbose_logging"`

	// VerboseLoggingSet marks VerboseLogging as explicitly supplied,
	// mirroring EnableDeduplicatorSet.
	VerboseLoggingSet bool `yaml:"-"`

	// AdminListenAddr, if non-empty, serves adminapi's /healthz and
	// /stats.json. Environment: TAGSISTANT_ADMIN_ADDR
	AdminListenAddr string `yaml:"admin_listen_addr"`

	// AliasFile, if non-empty, is a YAML file of {name: full_path} used to
	// seed query.StaticAliasMap at startup (spec.md §9 Open Question (c)).
	AliasFile string `yaml:"alias_file"`
}

// defaults returns the built-in fallback values applied before the
// environment and config file are consulted.
func defaults() Config {
	return Config{
		RepositoryRoot:            "",
		MountPoint:                "",
		DBOptions:                 "",
		DeduplicationIntervalSecs: 60,
		EnableDeduplicator:        true,
		VerboseLogging:            false,
		AdminListenAddr:           "",
	}
}

// Load resolves a Config from, in increasing priority: built-in defaults,
// the environment, an optional YAML file at configPath, and finally the
// already-parsed flag overrides in overrides (empty or zero fields in
// overrides are ignored, and the two bool fields are merged only when
// their *Set companion is true — callers pass a sparse Config from their
// flag set).
func Load(configPath string, overrides *Config) (*Config, error) {
	cfg := defaults()
	applyEnv(&cfg)

	if configPath != "" {
		if err := applyFile(&cfg, configPath); err != nil {
			return nil, fmt.Errorf("tagconfig: loading %s: %w", configPath, err)
		}
	}

	if overrides != nil {
		mergeOverrides(&cfg, overrides)
	}

	cfg.DeduplicationInterval = time.Duration(cfg.DeduplicationIntervalSecs) * time.Second

	if cfg.RepositoryRoot == "" {
		return nil, fmt.Errorf("tagconfig: repository_root is required")
	}
	if cfg.MountPoint == "" {
		return nil, fmt.Errorf("tagconfig: mountpoint is required")
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("TAGSISTANT_REPOSITORY"); v != "" {
		cfg.RepositoryRoot = v
	}
	if v := os.Getenv("TAGSISTANT_MOUNTPOINT"); v != "" {
		cfg.MountPoint = v
	}
	if v := os.Getenv("TAGSISTANT_DB_OPTIONS"); v != "" {
		cfg.DBOptions = v
	}
	if v := os.Getenv("TAGSISTANT_DEDUP_INTERVAL_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DeduplicationIntervalSecs = n
		}
	}
	if v := os.Getenv("TAGSISTANT_ENABLE_DEDUPLICATOR"); v != "" {
		cfg.EnableDeduplicator = parseBool(v, cfg.EnableDeduplicator)
	}
	if v := os.Getenv("TAGSISTANT_VERBOSE"); v != "" {
		cfg.VerboseLogging = parseBool(v, cfg.VerboseLogging)
	}
	if v := os.Getenv("TAGSISTANT_ADMIN_ADDR"); v != "" {
		cfg.AdminListenAddr = v
	}
	if v := os.Getenv("TAGSISTANT_ALIAS_FILE"); v != "" {
		cfg.AliasFile = v
	}
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func mergeOverrides(cfg *Config, o *Config) {
	if o.RepositoryRoot != "" {
		cfg.RepositoryRoot = o.RepositoryRoot
	}
	if o.MountPoint != "" {
		cfg.MountPoint = o.MountPoint
	}
	if o.DBOptions != "" {
		cfg.DBOptions = o.DBOptions
	}
	if o.DeduplicationIntervalSecs != 0 {
		cfg.DeduplicationIntervalSecs = o.DeduplicationIntervalSecs
	}
	if o.AdminListenAddr != "" {
		cfg.AdminListenAddr = o.AdminListenAddr
	}
	if o.AliasFile != "" {
		cfg.AliasFile = o.AliasFile
	}
	if o.EnableDeduplicatorSet {
		cfg.EnableDeduplicator = o.EnableDeduplicator
	}
	if o.VerboseLoggingSet {
		cfg.VerboseLogging = o.VerboseLogging
	}
}

func parseBool(v string, fallback bool) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// SetDeduplicationIntervalSecs is used by flag parsing in cmd/tagsistant to
// populate the seconds field of an overrides Config.
func (c *Config) SetDeduplicationIntervalSecs(n int) {
	c.DeduplicationIntervalSecs = n
}
