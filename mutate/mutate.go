// Package mutate implements Tagsistant's mutation path (spec.md §4.E):
// object lookup-or-create under a taggable path, AND-set tag binding,
// flush-triggered autotagging and single-object deduplication, and
// write/truncate checksum dirtying.
//
// Structured in the request-scoped transaction shape of entitydb's
// lifecycle transition methods (entitydb/models/entity_lifecycle.go):
// every mutating call opens one Tx, does its work, and commits or rolls
// back as a unit.
package mutate

import (
	"context"
	"fmt"

	"tagsistant/autotag"
	"tagsistant/logger"
	"tagsistant/models"
)

// Deduplicator is the subset of dedup.Deduplicator that mutate needs: a
// synchronous single-object pass triggered from flush. It is declared
// here rather than imported, so mutate does not depend on the dedup
// package; *dedup.Deduplicator satisfies it.
type Deduplicator interface {
	DeduplicateOne(ctx context.Context, inode int64) error
}

// Mutator implements the create/tag/flush/write mutation path over a
// Metadata Store.
type Mutator struct {
	store   models.Store
	chain   *autotag.Chain
	dedup   Deduplicator
	onMutate func() // invalidates cached listings; nil-safe
}

// New builds a Mutator. chain and dedup may be nil to disable
// autotagging and flush-triggered deduplication respectively (useful in
// tests exercising create/tag alone). onMutate, if non-nil, is called
// after every state change that could invalidate a cached listing.
func New(store models.Store, chain *autotag.Chain, dedup Deduplicator, onMutate func()) *Mutator {
	return &Mutator{store: store, chain: chain, dedup: dedup, onMutate: onMutate}
}

func (m *Mutator) invalidate() {
	if m.onMutate != nil {
		m.onMutate()
	}
}

// Create implements spec.md §4.E's create/mkdir/mknod/symlink path: look
// up an existing object by objectname (unless forceCreate), insert one
// if none exists, patch q's resolved inode/path, and bind every tag
// named in q's AND-sets. Returns the resolved inode.
func (m *Mutator) Create(ctx context.Context, q *models.QueryTree, objectName string, forceCreate bool) (int64, error) {
	tx, err := m.store.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: begin create: %v", models.ErrStore, err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	inode, err := m.lookupOrInsert(ctx, tx, objectName, forceCreate)
	if err != nil {
		return 0, err
	}
	if inode == 0 {
		return 0, fmt.Errorf("%w: store assigned inode 0", models.ErrInvariant)
	}

	q.Inode = inode
	q.ObjectPath = objectName
	q.PointsToObject = true

	if err := m.bindAll(ctx, tx, inode, q); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit create: %v", models.ErrStore, err)
	}
	committed = true

	m.invalidate()
	return inode, nil
}

func (m *Mutator) lookupOrInsert(ctx context.Context, tx models.Tx, objectName string, forceCreate bool) (int64, error) {
	if !forceCreate {
		var existing int64
		found := false
		err := tx.Query(ctx, "SELECT inode FROM objects WHERE objectname = ? LIMIT 1", func(row models.Row) error {
			found = true
			return row.Scan(&existing)
		}, objectName)
		if err != nil {
			return 0, fmt.Errorf("%w: lookup object: %v", models.ErrStore, err)
		}
		if found {
			return existing, nil
		}
	}

	if _, err := tx.Exec(ctx, "INSERT INTO objects (objectname, checksum) VALUES (?, '')", objectName); err != nil {
		return 0, fmt.Errorf("%w: insert object: %v", models.ErrStore, err)
	}
	inode, err := tx.LastInsertID()
	if err != nil {
		return 0, fmt.Errorf("%w: last insert id: %v", models.ErrStore, err)
	}
	return inode, nil
}

// bindAll inserts (inode, tag_id) for every distinct tag named anywhere
// in q, creating tags that do not yet exist.
func (m *Mutator) bindAll(ctx context.Context, tx models.Tx, inode int64, q *models.QueryTree) error {
	for _, tagName := range q.AllTags() {
		tagID, err := m.tagIDOrCreate(ctx, tx, tagName)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, "INSERT OR IGNORE INTO tagging (inode, tag_id) VALUES (?, ?)", inode, tagID); err != nil {
			return fmt.Errorf("%w: bind tag %q to inode %d: %v", models.ErrStore, tagName, inode, err)
		}
	}
	return nil
}

func (m *Mutator) tagIDOrCreate(ctx context.Context, tx models.Tx, tagName string) (int64, error) {
	var id int64
	found := false
	err := tx.Query(ctx, "SELECT tag_id FROM tags WHERE tagname = ?", func(row models.Row) error {
		found = true
		return row.Scan(&id)
	}, tagName)
	if err != nil {
		return 0, fmt.Errorf("%w: lookup tag %q: %v", models.ErrStore, tagName, err)
	}
	if found {
		return id, nil
	}

	if _, err := tx.Exec(ctx, "INSERT INTO tags (tagname) VALUES (?)", tagName); err != nil {
		return 0, fmt.Errorf("%w: insert tag %q: %v", models.ErrStore, tagName, err)
	}
	return tx.LastInsertID()
}

// Untag removes the (inode, tag_id) binding for tagName, if present.
// A no-op on an unbound tag is not an error (spec.md treats untag of an
// already-absent binding as idempotent).
func (m *Mutator) Untag(ctx context.Context, inode int64, tagName string) error {
	tx, err := m.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin untag: %v", models.ErrStore, err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	if _, err := tx.Exec(ctx,
		"DELETE FROM tagging WHERE inode = ? AND tag_id IN (SELECT tag_id FROM tags WHERE tagname = ?)",
		inode, tagName); err != nil {
		return fmt.Errorf("%w: untag: %v", models.ErrStore, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit untag: %v", models.ErrStore, err)
	}
	committed = true

	m.invalidate()
	return nil
}

// Dirty marks an object's checksum empty, the required effect of any
// write or truncate that changes content (spec.md §4.E). Idempotent:
// setting an already-empty checksum is harmless.
func (m *Mutator) Dirty(ctx context.Context, inode int64) error {
	if _, err := m.store.Exec(ctx, "UPDATE objects SET checksum = '' WHERE inode = ?", inode); err != nil {
		return fmt.Errorf("%w: dirty inode %d: %v", models.ErrStore, inode, err)
	}
	return nil
}

// Flush implements spec.md §4.E's flush contract and the ordering
// supplemented from the original implementation's flush.c: re-check the
// object's own dirty bit, run the autotag chain, then run single-object
// deduplication — in that order, so a plugin that tags an object it
// just finished writing still sees it deduplicated in the same flush.
//
// Flush only acts when q is taggable (spec.md: "If the querytree is
// taggable and the object's checksum is empty").
func (m *Mutator) Flush(ctx context.Context, q *models.QueryTree) error {
	if !q.Taggable || q.Inode == 0 {
		return nil
	}

	dirty, err := m.isDirty(ctx, q.Inode)
	if err != nil {
		return err
	}
	if !dirty {
		return nil
	}

	if m.chain != nil {
		obj := &models.Object{Inode: q.Inode, ObjectName: q.ObjectPath}
		if err := m.chain.Process(ctx, obj, m.store); err != nil {
			logger.Warn("mutate: autotag chain error for inode %d: %v", q.Inode, err)
		}
	}

	if m.dedup != nil {
		if err := m.dedup.DeduplicateOne(ctx, q.Inode); err != nil {
			logger.Warn("mutate: flush-triggered dedup error for inode %d: %v", q.Inode, err)
		}
	}

	m.invalidate()
	return nil
}

func (m *Mutator) isDirty(ctx context.Context, inode int64) (bool, error) {
	var checksum string
	found := false
	err := m.store.Query(ctx, "SELECT checksum FROM objects WHERE inode = ?", func(row models.Row) error {
		found = true
		return row.Scan(&checksum)
	}, inode)
	if err != nil {
		return false, fmt.Errorf("%w: checking dirty state for inode %d: %v", models.ErrStore, inode, err)
	}
	if !found {
		return false, fmt.Errorf("%w: inode %d", models.ErrNotFound, inode)
	}
	return checksum == "", nil
}
