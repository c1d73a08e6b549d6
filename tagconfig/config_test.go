package tagconfig_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"tagsistant/tagconfig"
)

func TestLoadRequiresRepositoryRootAndMountpoint(t *testing.T) {
	if _, err := tagconfig.Load("", &tagconfig.Config{}); err == nil {
		t.Fatal("expected error when repository_root and mountpoint are unset")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	overrides := &tagconfig.Config{
		RepositoryRoot:     "/repo",
		MountPoint:         "/mnt",
		EnableDeduplicator: true,
	}
	cfg, err := tagconfig.Load("", overrides)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DeduplicationInterval != 60*time.Second {
		t.Fatalf("expected default 60s dedup interval, got %v", cfg.DeduplicationInterval)
	}
	if !cfg.EnableDeduplicator {
		t.Fatal("expected deduplicator enabled by default")
	}
}

func TestLoadFileOverridesDefaultsAndEnv(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "tagsistant.yaml")
	yamlContent := "repository_root: /from-file\nmountpoint: /mnt-file\ndeduplication_interval_secs: 30\n"
	if err := os.WriteFile(configPath, []byte(yamlContent), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("TAGSISTANT_MOUNTPOINT", "/mnt-env")

	cfg, err := tagconfig.Load(configPath, &tagconfig.Config{EnableDeduplicator: true})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RepositoryRoot != "/from-file" {
		t.Fatalf("expected repository_root from file, got %q", cfg.RepositoryRoot)
	}
	if cfg.MountPoint != "/mnt-file" {
		t.Fatalf("expected file value to win over env applied before it, got %q", cfg.MountPoint)
	}
	if cfg.DeduplicationInterval != 30*time.Second {
		t.Fatalf("expected dedup interval from file, got %v", cfg.DeduplicationInterval)
	}
}

func TestOverridesTakeHighestPriority(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "tagsistant.yaml")
	yamlContent := "repository_root: /from-file\nmountpoint: /mnt-file\n"
	if err := os.WriteFile(configPath, []byte(yamlContent), 0o644); err != nil {
		t.Fatal(err)
	}

	overrides := &tagconfig.Config{
		RepositoryRoot:     "/from-flag",
		MountPoint:         "/mnt-flag",
		EnableDeduplicator: true,
	}
	cfg, err := tagconfig.Load(configPath, overrides)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RepositoryRoot != "/from-flag" || cfg.MountPoint != "/mnt-flag" {
		t.Fatalf("expected flag overrides to win, got %+v", cfg)
	}
}

func TestFileDisabledDeduplicatorSurvivesUnsetOverrideFlag(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "tagsistant.yaml")
	yamlContent := "repository_root: /from-file\nmountpoint: /mnt-file\nenable_deduplicator: false\nverbose_logging: true\n"
	if err := os.WriteFile(configPath, []byte(yamlContent), 0o644); err != nil {
		t.Fatal(err)
	}

	// Simulates cobra flags at their defaults (enable-deduplicator=true,
	// verbose=false) with neither explicitly passed on the command line:
	// EnableDeduplicatorSet/VerboseLoggingSet stay false, so mergeOverrides
	// must leave the file's values alone instead of reapplying flag
	// defaults.
	overrides := &tagconfig.Config{
		EnableDeduplicator: true,
		VerboseLogging:     false,
	}
	cfg, err := tagconfig.Load(configPath, overrides)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.EnableDeduplicator {
		t.Fatal("expected file's enable_deduplicator: false to survive an unset override flag")
	}
	if !cfg.VerboseLogging {
		t.Fatal("expected file's verbose_logging: true to survive an unset override flag")
	}
}

func TestOverrideFlagWinsWhenExplicitlySet(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "tagsistant.yaml")
	yamlContent := "repository_root: /from-file\nmountpoint: /mnt-file\nenable_deduplicator: true\n"
	if err := os.WriteFile(configPath, []byte(yamlContent), 0o644); err != nil {
		t.Fatal(err)
	}

	overrides := &tagconfig.Config{
		EnableDeduplicator:    false,
		EnableDeduplicatorSet: true,
	}
	cfg, err := tagconfig.Load(configPath, overrides)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.EnableDeduplicator {
		t.Fatal("expected an explicitly-set override flag to win over the file value")
	}
}

func TestSetDeduplicationIntervalSecsFeedsOverrides(t *testing.T) {
	overrides := &tagconfig.Config{
		RepositoryRoot:     "/repo",
		MountPoint:         "/mnt",
		EnableDeduplicator: true,
	}
	overrides.SetDeduplicationIntervalSecs(15)

	cfg, err := tagconfig.Load("", overrides)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DeduplicationInterval != 15*time.Second {
		t.Fatalf("expected 15s dedup interval from override, got %v", cfg.DeduplicationInterval)
	}
}
