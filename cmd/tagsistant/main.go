// Tagsistant mounts a semantic, tag-based view of a file archive as a
// FUSE filesystem (spec.md §1). This binary wires the Metadata Store,
// Archive Store, query parser, resolver, mutation path, deduplicator and
// admin HTTP surface together and serves the mount until interrupted.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/spf13/cobra"

	"tagsistant/adminapi"
	"tagsistant/autotag"
	"tagsistant/cache"
	"tagsistant/dedup"
	"tagsistant/fsadapter"
	"tagsistant/logger"
	"tagsistant/mutate"
	"tagsistant/query"
	"tagsistant/resolver"
	"tagsistant/storage/archive"
	"tagsistant/storage/sqlstore"
	"tagsistant/tagconfig"
)

// Version is overridden at build time with -ldflags "-X main.Version=...".
var Version = "0.1.0-dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "tagsistant",
		Short:   "A semantic, tag-based FUSE filesystem",
		Version: Version,
	}
	root.AddCommand(newMountCmd(), newDedupNowCmd())
	return root
}

// mountFlags mirrors tagconfig.Config: cobra flags are parsed into a
// sparse Config and handed to tagconfig.Load as overrides, the
// highest-priority tier of spec.md §6's configuration hierarchy.
type mountFlags struct {
	repository         string
	mountpoint         string
	dbOptions          string
	configFile         string
	aliasFile          string
	adminAddr          string
	dedupIntervalSecs  int
	enableDeduplicator bool
	verbose            bool
	poolSize           int
}

func newMountCmd() *cobra.Command {
	var flags mountFlags

	cmd := &cobra.Command{
		Use:   "mount",
		Short: "Mount the tagsistant filesystem",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMount(flags, cmd.Flags().Changed("enable-deduplicator"), cmd.Flags().Changed("verbose"))
		},
	}

	flagSet := cmd.Flags()
	flagSet.StringVar(&flags.repository, "repository", "", "repository root containing archive/ and the metadata store (required)")
	flagSet.StringVar(&flags.mountpoint, "mountpoint", "", "directory to mount the filesystem at (required)")
	flagSet.StringVar(&flags.dbOptions, "db-options", "", "metadata store DSN suffix")
	flagSet.StringVar(&flags.configFile, "config", "", "path to a YAML config file")
	flagSet.StringVar(&flags.aliasFile, "alias-file", "", "path to a YAML alias map (spec.md §9 Open Question (c))")
	flagSet.StringVar(&flags.adminAddr, "admin-addr", "", "address to serve /healthz and /stats.json on (disabled if empty)")
	flagSet.IntVar(&flags.dedupIntervalSecs, "dedup-interval-secs", 0, "background deduplication sweep period")
	flagSet.BoolVar(&flags.enableDeduplicator, "enable-deduplicator", true, "run the background deduplication sweep")
	flagSet.BoolVar(&flags.verbose, "verbose", false, "enable DEBUG-level logging")
	flagSet.IntVar(&flags.poolSize, "db-pool-size", 8, "metadata store transactional lease pool size")

	return cmd
}

func newDedupNowCmd() *cobra.Command {
	var repository, dbOptions string

	cmd := &cobra.Command{
		Use:   "dedup-now",
		Short: "Run a single deduplication sweep against an existing repository and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDedupNow(repository, dbOptions)
		},
	}
	cmd.Flags().StringVar(&repository, "repository", "", "repository root (required)")
	cmd.Flags().StringVar(&dbOptions, "db-options", "", "metadata store DSN suffix")
	return cmd
}

// runMount builds the Config overrides tier from parsed flags.
// enableDeduplicatorSet/verboseSet report whether the corresponding flag
// was actually passed on the command line (cmd.Flags().Changed), so that
// an unset bool flag doesn't clobber a value chosen by the YAML file or
// environment tier (tagconfig.mergeOverrides only merges these two
// fields when their *Set companion is true).
func runMount(flags mountFlags, enableDeduplicatorSet, verboseSet bool) error {
	overrides := &tagconfig.Config{
		RepositoryRoot:        flags.repository,
		MountPoint:            flags.mountpoint,
		DBOptions:             flags.dbOptions,
		AliasFile:             flags.aliasFile,
		AdminListenAddr:       flags.adminAddr,
		EnableDeduplicator:    flags.enableDeduplicator,
		EnableDeduplicatorSet: enableDeduplicatorSet,
		VerboseLogging:        flags.verbose,
		VerboseLoggingSet:     verboseSet,
	}
	overrides.SetDeduplicationIntervalSecs(flags.dedupIntervalSecs)

	cfg, err := tagconfig.Load(flags.configFile, overrides)
	if err != nil {
		return err
	}

	logger.Configure()
	if cfg.VerboseLogging {
		logger.SetLevel("DEBUG")
	}

	archiveRoot := cfg.RepositoryRoot + "/archive"
	if err := os.MkdirAll(archiveRoot, 0755); err != nil {
		return fmt.Errorf("creating archive root: %w", err)
	}

	arc, err := archive.New(archiveRoot, query.DefaultDelim)
	if err != nil {
		return fmt.Errorf("opening archive store: %w", err)
	}

	dbPath := cfg.RepositoryRoot + "/tags.sqlite3"
	dsn := dbPath
	if cfg.DBOptions != "" {
		dsn = dbPath + "?" + cfg.DBOptions
	}
	store, err := sqlstore.Open(dsn, flags.poolSize)
	if err != nil {
		return fmt.Errorf("opening metadata store: %w", err)
	}
	defer store.Close()

	var aliases query.AliasResolver
	if cfg.AliasFile != "" {
		m, err := query.LoadAliasFile(cfg.AliasFile)
		if err != nil {
			return fmt.Errorf("loading alias file: %w", err)
		}
		aliases = m
	}
	parser := query.NewParser(query.DefaultDelim, aliases)

	listing := cache.New(1024)
	res := resolver.New(store, arc, listing)

	chain := autotag.NewChain()

	dd := dedup.New(store, arc, dedup.Config{
		Enabled:  cfg.EnableDeduplicator,
		Interval: cfg.DeduplicationInterval,
	}, res.InvalidateListings)

	mutator := mutate.New(store, chain, dd, res.InvalidateListings)

	if err := dd.Start(); err != nil {
		return fmt.Errorf("starting deduplicator: %w", err)
	}
	defer dd.Stop()

	if cfg.AdminListenAddr != "" {
		handler := adminapi.New(store, store, arc, dd)
		srv := &http.Server{Addr: cfg.AdminListenAddr, Handler: handler.Router()}
		go func() {
			logger.Info("adminapi: listening on %s", cfg.AdminListenAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("adminapi: %v", err)
			}
		}()
	}

	adapter := fsadapter.New(parser, res, mutator, arc, store)

	if err := os.MkdirAll(cfg.MountPoint, 0755); err != nil {
		return fmt.Errorf("creating mountpoint: %w", err)
	}

	server, err := fs.Mount(cfg.MountPoint, adapter.Root(), &fs.Options{})
	if err != nil {
		return fmt.Errorf("mounting at %s: %w", cfg.MountPoint, err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("tagsistant: received shutdown signal, unmounting %s", cfg.MountPoint)
		server.Unmount()
	}()

	logger.Info("tagsistant: mounted %s at %s", cfg.RepositoryRoot, cfg.MountPoint)
	server.Wait()
	return nil
}

func runDedupNow(repository, dbOptions string) error {
	if repository == "" {
		return fmt.Errorf("--repository is required")
	}

	logger.Configure()

	archiveRoot := repository + "/archive"
	arc, err := archive.New(archiveRoot, query.DefaultDelim)
	if err != nil {
		return fmt.Errorf("opening archive store: %w", err)
	}

	dbPath := repository + "/tags.sqlite3"
	dsn := dbPath
	if dbOptions != "" {
		dsn = dbPath + "?" + dbOptions
	}
	store, err := sqlstore.Open(dsn, 4)
	if err != nil {
		return fmt.Errorf("opening metadata store: %w", err)
	}
	defer store.Close()

	dd := dedup.New(store, arc, dedup.Config{BatchSize: 1000, Concurrency: 4}, nil)
	if err := dd.Sweep(context.Background()); err != nil {
		return fmt.Errorf("sweep: %w", err)
	}

	stats := dd.GetStats()
	fmt.Printf("hashed=%d merged=%d errors=%d\n", stats.ObjectsHashed, stats.ObjectsMerged, stats.Errors)
	return nil
}
