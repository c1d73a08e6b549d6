// Package dedup implements the Deduplicator of spec.md §4.F: two entry
// points (single-object and sweep) sharing one body, modeled on
// entitydb's DeletionCollector (services/deletion_collector.go) for its
// Config/Stats/background-loop shape, adapted from lifecycle-transition
// bookkeeping to content-hash merge bookkeeping.
package dedup

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"tagsistant/logger"
	"tagsistant/models"
	"tagsistant/storage/archive"
	"tagsistant/storage/pools"
)

// Config configures the Deduplicator's background sweep.
type Config struct {
	// Enabled controls whether Start launches the background loop.
	Enabled bool

	// Interval between sweeps. Defaults to 60s (spec.md §4.F).
	Interval time.Duration

	// BatchSize bounds how many dirty objects one sweep inspects.
	BatchSize int

	// Concurrency bounds how many objects are hashed at once within a
	// sweep.
	Concurrency int
}

func (c Config) withDefaults() Config {
	if c.Interval == 0 {
		c.Interval = 60 * time.Second
	}
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
	if c.Concurrency == 0 {
		c.Concurrency = 4
	}
	return c
}

// Stats is exposed to adminapi's /stats.json.
type Stats struct {
	TotalRuns     int64
	ObjectsHashed int64
	ObjectsMerged int64
	Errors        int64
	LastRunTime   time.Time
	LastError     string
}

// Deduplicator hashes dirty objects and merges same-checksum duplicates,
// per spec.md §4.F's smallest-inode-wins policy.
type Deduplicator struct {
	store   models.Store
	archive *archive.Store
	onMerge func() // invalidates cached listings; nil-safe

	config Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	running int32

	wake chan int64 // single-object dedup requests queued by RequestOne

	mu    sync.RWMutex
	stats Stats
}

// New builds a Deduplicator. onMerge, if non-nil, is called after any
// merge commits (cmd/tagsistant passes the resolver's InvalidateListings,
// which drops every cached listing, including any that named the
// now-removed inode).
func New(store models.Store, arc *archive.Store, config Config, onMerge func()) *Deduplicator {
	config = config.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Deduplicator{
		store:   store,
		archive: arc,
		onMerge: onMerge,
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan int64, 64),
	}
}

// Start launches the background sweep loop. It returns an error if Start
// has already been called; if config.Enabled is false it launches no loop.
func (d *Deduplicator) Start() error {
	if !atomic.CompareAndSwapInt32(&d.running, 0, 1) {
		return fmt.Errorf("%w: deduplicator already running", models.ErrInvariant)
	}
	if !d.config.Enabled {
		logger.Info("dedup: disabled by configuration")
		return nil
	}

	logger.Info("dedup: starting (interval=%v, batch=%d, concurrency=%d)",
		d.config.Interval, d.config.BatchSize, d.config.Concurrency)

	d.wg.Add(1)
	go d.loop()
	return nil
}

// Stop cancels the background loop and waits for it to exit.
func (d *Deduplicator) Stop() error {
	if !atomic.CompareAndSwapInt32(&d.running, 1, 0) {
		return fmt.Errorf("%w: deduplicator not running", models.ErrInvariant)
	}
	d.cancel()
	d.wg.Wait()
	return nil
}

// IsRunning reports whether the background loop is active.
func (d *Deduplicator) IsRunning() bool {
	return d.config.Enabled && atomic.LoadInt32(&d.running) == 1
}

// GetStats returns a copy of the Deduplicator's lifetime statistics.
func (d *Deduplicator) GetStats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.stats
}

func (d *Deduplicator) loop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			logger.Debug("dedup: loop stopping")
			return

		case inode := <-d.wake:
			if err := d.DeduplicateOne(d.ctx, inode); err != nil {
				logger.Error("dedup: single-object request for inode %d failed: %v", inode, err)
				d.recordError(err)
			}

		case <-ticker.C:
			if err := d.Sweep(d.ctx); err != nil {
				logger.Error("dedup: sweep failed: %v", err)
				d.recordError(err)
			}
		}
	}
}

// RequestOne enqueues an immediate single-object dedup without waiting
// for the next sweep interval. mutate.Flush does not use it; it calls
// DeduplicateOne synchronously instead. Silently drops the request
// if the wake channel is full or the loop is not running; the object
// remains dirty and will be picked up by the next sweep regardless.
func (d *Deduplicator) RequestOne(inode int64) {
	select {
	case d.wake <- inode:
	default:
	}
}

// Sweep implements the background entry point: iterate all objects with
// empty checksum (bounded by BatchSize) and invoke DeduplicateOne for
// each.
func (d *Deduplicator) Sweep(ctx context.Context) error {
	d.mu.Lock()
	d.stats.TotalRuns++
	d.stats.LastRunTime = time.Now()
	d.mu.Unlock()

	var dirty []int64
	err := d.store.Query(ctx, "SELECT inode FROM objects WHERE checksum = '' LIMIT ?", func(row models.Row) error {
		var inode int64
		if err := row.Scan(&inode); err != nil {
			return err
		}
		dirty = append(dirty, inode)
		return nil
	}, d.config.BatchSize)
	if err != nil {
		return fmt.Errorf("%w: listing dirty objects: %v", models.ErrStore, err)
	}

	sem := make(chan struct{}, d.config.Concurrency)
	var wg sync.WaitGroup
	for _, inode := range dirty {
		inode := inode
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := d.DeduplicateOne(ctx, inode); err != nil {
				logger.Error("dedup: inode %d: %v", inode, err)
				d.recordError(err)
			}
		}()
	}
	wg.Wait()

	return nil
}

// DeduplicateOne is the shared single-object body: hash the object's
// current content, update its checksum, and merge it with any earlier
// object sharing that checksum. Any store or I/O error aborts this
// object's pass, leaving it Dirty for the next sweep (spec.md §4.F
// failure semantics).
func (d *Deduplicator) DeduplicateOne(ctx context.Context, inode int64) error {
	obj, err := d.loadObject(ctx, inode)
	if err != nil {
		return err
	}

	checksum, err := d.hash(obj)
	if err != nil {
		return err
	}

	wrote, err := d.recordChecksumIfStillDirty(ctx, inode, checksum)
	if err != nil {
		return err
	}
	if !wrote {
		// The checksum is not empty: another pass has already recorded a
		// digest. Leave that value in place rather than overwriting it
		// with this pass's digest.
		return nil
	}

	d.mu.Lock()
	d.stats.ObjectsHashed++
	d.mu.Unlock()

	mainInode, err := d.findEarlierMatch(ctx, inode, checksum)
	if err != nil {
		return err
	}
	if mainInode == 0 {
		return nil
	}

	if err := d.merge(ctx, mainInode, inode, obj.ObjectName); err != nil {
		return err
	}

	d.mu.Lock()
	d.stats.ObjectsMerged++
	d.mu.Unlock()

	if d.onMerge != nil {
		d.onMerge()
	}
	return nil
}

// recordChecksumIfStillDirty writes checksum for inode inside a Tx, but
// only after rechecking under that transaction that the object's
// checksum is still empty (spec.md §4.F: "read-modify-write by the
// Deduplicator must recheck emptiness under its transaction before
// writing a hex value, to avoid overwriting a concurrent content
// change"). Returns false, nil if the recheck found the object no
// longer dirty.
func (d *Deduplicator) recordChecksumIfStillDirty(ctx context.Context, inode int64, checksum string) (bool, error) {
	tx, err := d.store.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("%w: begin checksum write for inode %d: %v", models.ErrStore, inode, err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	var current string
	found := false
	err = tx.Query(ctx, "SELECT checksum FROM objects WHERE inode = ?", func(row models.Row) error {
		found = true
		return row.Scan(&current)
	}, inode)
	if err != nil {
		return false, fmt.Errorf("%w: rechecking checksum for inode %d: %v", models.ErrStore, inode, err)
	}
	if !found {
		return false, fmt.Errorf("%w: inode %d", models.ErrNotFound, inode)
	}
	if current != "" {
		return false, nil
	}

	if _, err := tx.Exec(ctx, "UPDATE objects SET checksum = ? WHERE inode = ?", checksum, inode); err != nil {
		return false, fmt.Errorf("%w: recording checksum for inode %d: %v", models.ErrStore, inode, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("%w: commit checksum write for inode %d: %v", models.ErrStore, inode, err)
	}
	committed = true
	return true, nil
}

func (d *Deduplicator) loadObject(ctx context.Context, inode int64) (models.Object, error) {
	var obj models.Object
	found := false
	err := d.store.Query(ctx, "SELECT inode, objectname, checksum FROM objects WHERE inode = ?", func(row models.Row) error {
		found = true
		return row.Scan(&obj.Inode, &obj.ObjectName, &obj.Checksum)
	}, inode)
	if err != nil {
		return obj, fmt.Errorf("%w: loading inode %d: %v", models.ErrStore, inode, err)
	}
	if !found {
		return obj, fmt.Errorf("%w: inode %d", models.ErrNotFound, inode)
	}
	return obj, nil
}

// hash computes the object's content digest, skipping non-regular,
// non-symlink archive entries per spec.md §4.F.
func (d *Deduplicator) hash(obj models.Object) (string, error) {
	info, err := d.archive.Stat(obj.Inode, obj.ObjectName)
	if err != nil {
		return "", fmt.Errorf("%w: stat inode %d: %v", models.ErrArchive, obj.Inode, err)
	}
	mode := info.Mode()
	if !mode.IsRegular() && mode&os.ModeSymlink == 0 {
		return "", fmt.Errorf("%w: inode %d is neither a regular file nor a symlink", models.ErrArchive, obj.Inode)
	}

	f, err := d.archive.Open(obj.Inode, obj.ObjectName)
	if err != nil {
		return "", fmt.Errorf("%w: open inode %d: %v", models.ErrArchive, obj.Inode, err)
	}
	defer f.Close()

	h := sha1.New()
	buf := pools.GetHashBuffer()
	defer pools.PutHashBuffer(buf)
	written, err := io.CopyBuffer(h, f, *buf)
	if err != nil {
		return "", fmt.Errorf("%w: hashing inode %d: %v", models.ErrArchive, obj.Inode, err)
	}
	logger.Debug("dedup: hashed inode %d (%s)", obj.Inode, humanize.Bytes(uint64(written)))
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (d *Deduplicator) findEarlierMatch(ctx context.Context, inode int64, checksum string) (int64, error) {
	var mainInode int64
	found := false
	err := d.store.Query(ctx,
		"SELECT inode FROM objects WHERE checksum = ? AND inode < ? ORDER BY inode ASC LIMIT 1",
		func(row models.Row) error {
			found = true
			return row.Scan(&mainInode)
		}, checksum, inode)
	if err != nil {
		return 0, fmt.Errorf("%w: finding earlier match for inode %d: %v", models.ErrStore, inode, err)
	}
	if !found {
		return 0, nil
	}
	return mainInode, nil
}

// merge implements spec.md §4.F's merge policy: repoint tagging from
// loser to survivor, drop residual tagging rows, delete the loser's
// object row — all in one transaction — then best-effort unlink the
// loser's archive file.
func (d *Deduplicator) merge(ctx context.Context, survivor, loser int64, loserObjectName string) error {
	tx, err := d.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin merge: %v", models.ErrStore, err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	if _, err := tx.Exec(ctx,
		"INSERT OR IGNORE INTO tagging (inode, tag_id) SELECT ?, tag_id FROM tagging WHERE inode = ?",
		survivor, loser); err != nil {
		return fmt.Errorf("%w: repointing tagging from %d to %d: %v", models.ErrStore, loser, survivor, err)
	}
	if _, err := tx.Exec(ctx, "DELETE FROM tagging WHERE inode = ?", loser); err != nil {
		return fmt.Errorf("%w: clearing residual tagging for inode %d: %v", models.ErrStore, loser, err)
	}
	if _, err := tx.Exec(ctx, "DELETE FROM objects WHERE inode = ?", loser); err != nil {
		return fmt.Errorf("%w: deleting object row for inode %d: %v", models.ErrStore, loser, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit merge of inode %d into %d: %v", models.ErrStore, loser, survivor, err)
	}
	committed = true

	if err := d.archive.Remove(loser, loserObjectName); err != nil {
		logger.Warn("dedup: best-effort unlink of inode %d failed: %v", loser, err)
	}
	return nil
}

func (d *Deduplicator) recordError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.Errors++
	d.stats.LastError = err.Error()
}
