// Package resolver implements spec.md §4.D: it evaluates a parsed
// models.QueryTree against the Metadata Store and produces either a
// directory listing or a resolved archive path.
//
// The AND/OR evaluation is structured as a small accumulator in the
// shape of entitydb's EntityQuery builder (entitydb/models/
// entity_query.go), but reads through SQL rather than scanning an
// in-memory repository.
package resolver

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"tagsistant/cache"
	"tagsistant/models"
	"tagsistant/storage/archive"
)

// Entry is one directory entry produced by List.
type Entry struct {
	Name string
}

// StatPseudoFiles is the fixed skeleton of the STATS surface (spec.md
// §4.D, Open Question (b)): names only; fsadapter generates each file's
// content on demand from the Metadata Store.
var StatPseudoFiles = []string{"object_count", "tag_count", "dirty_count", "last_sweep"}

// Resolver evaluates query trees against a Metadata Store and Archive
// Store.
type Resolver struct {
	store   models.Store
	archive *archive.Store
	listing *cache.ARC
}

// New builds a Resolver. listing may be nil to disable listing caching.
func New(store models.Store, arc *archive.Store, listing *cache.ARC) *Resolver {
	return &Resolver{store: store, archive: arc, listing: listing}
}

// InvalidateListings drops every cached TAGS listing. Called by mutate
// and dedup after any tagging change (spec.md §8 property 2 only
// guarantees stability between mutations, not across them).
func (r *Resolver) InvalidateListings() {
	if r.listing != nil {
		r.listing.Clear()
	}
}

func dotEntries() []Entry {
	return []Entry{{"."}, {".."}}
}

// List produces the directory listing for q, dispatching by role exactly
// as spec.md §4.D specifies.
func (r *Resolver) List(ctx context.Context, q *models.QueryTree) ([]Entry, error) {
	switch {
	case q.Malformed:
		return nil, models.ErrMalformed
	case q.Root:
		return append(dotEntries(), Entry{"archive"}, Entry{"relations"}, Entry{"stats"}, Entry{"tags"}), nil
	case q.Archive:
		return r.listArchive(ctx)
	case q.Tags:
		if q.Complete {
			return r.listFiletree(ctx, q)
		}
		return r.listTagsInProgress(ctx, q)
	case q.Relations:
		return r.listRelations(ctx, q)
	case q.Stats:
		entries := dotEntries()
		for _, name := range StatPseudoFiles {
			entries = append(entries, Entry{name})
		}
		return entries, nil
	default:
		return nil, models.ErrMalformed
	}
}

func (r *Resolver) listArchive(ctx context.Context) ([]Entry, error) {
	files, err := r.archive.ReadDir()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrArchive, err)
	}
	entries := dotEntries()
	for _, f := range files {
		entries = append(entries, Entry{f.Name()})
	}
	return entries, nil
}

func (r *Resolver) listTagsInProgress(ctx context.Context, q *models.QueryTree) ([]Entry, error) {
	if cached, ok := r.cacheGet(q); ok {
		return cached, nil
	}

	entries := dotEntries()
	if !q.AtTagsRoot() {
		entries = append(entries, Entry{"+"}, Entry{"="})
	}

	suppress := q.LastANDSet()
	err := r.store.Query(ctx, "SELECT tagname FROM tags", func(row models.Row) error {
		var name string
		if err := row.Scan(&name); err != nil {
			return err
		}
		if suppress.Has(name) {
			return nil
		}
		entries = append(entries, Entry{name})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStore, err)
	}

	r.cacheSet(q, entries)
	return entries, nil
}

// listFiletree implements the complete-query filetree build of
// spec.md §4.D: intersect within each OR-section, union across them.
func (r *Resolver) listFiletree(ctx context.Context, q *models.QueryTree) ([]Entry, error) {
	if cached, ok := r.cacheGet(q); ok {
		return cached, nil
	}

	union := make(map[int64]bool)
	for _, andSet := range q.ORSections {
		matches, err := r.matchANDSet(ctx, andSet)
		if err != nil {
			return nil, err
		}
		for inode := range matches {
			union[inode] = true
		}
	}

	if len(union) == 0 {
		entries := dotEntries()
		r.cacheSet(q, entries)
		return entries, nil
	}

	inodes := make([]int64, 0, len(union))
	for inode := range union {
		inodes = append(inodes, inode)
	}
	sort.Slice(inodes, func(i, j int) bool { return inodes[i] < inodes[j] })

	entries := dotEntries()
	for _, inode := range inodes {
		name, err := r.objectName(ctx, inode)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{r.archive.FileName(inode, name)})
	}

	r.cacheSet(q, entries)
	return entries, nil
}

// matchANDSet returns the set of inodes tagged with every member of
// andSet. An empty andSet matches nothing (mirrors "/tags/=" binding no
// tags: a complete-but-empty AND-set names no objects).
func (r *Resolver) matchANDSet(ctx context.Context, andSet models.ANDSet) (map[int64]bool, error) {
	if len(andSet) == 0 {
		return nil, nil
	}

	var result map[int64]bool
	for _, node := range andSet {
		inodes, err := r.matchNode(ctx, node)
		if err != nil {
			return nil, err
		}
		if result == nil {
			result = inodes
			continue
		}
		for inode := range result {
			if !inodes[inode] {
				delete(result, inode)
			}
		}
		if len(result) == 0 {
			return result, nil
		}
	}
	return result, nil
}

func (r *Resolver) matchNode(ctx context.Context, node models.ANDNode) (map[int64]bool, error) {
	if node.Structured() {
		return r.matchStructuredNode(ctx, node)
	}
	return r.matchPlainTag(ctx, node.Tag)
}

func (r *Resolver) matchPlainTag(ctx context.Context, tagname string) (map[int64]bool, error) {
	inodes := make(map[int64]bool)
	err := r.store.Query(ctx,
		"SELECT tagging.inode FROM tagging JOIN tags ON tags.tag_id = tagging.tag_id WHERE tags.tagname = ?",
		func(row models.Row) error {
			var inode int64
			if err := row.Scan(&inode); err != nil {
				return err
			}
			inodes[inode] = true
			return nil
		}, tagname)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStore, err)
	}
	return inodes, nil
}

// matchStructuredNode matches tags stored as "namespace:key=value" whose
// value satisfies node's operator against node.Value, comparing
// numerically when both sides parse as numbers and lexicographically
// otherwise.
func (r *Resolver) matchStructuredNode(ctx context.Context, node models.ANDNode) (map[int64]bool, error) {
	prefix := node.Namespace + ":" + node.Key + "="
	inodes := make(map[int64]bool)

	err := r.store.Query(ctx,
		"SELECT tagging.inode, tags.tagname FROM tagging JOIN tags ON tags.tag_id = tagging.tag_id WHERE tags.tagname LIKE ?",
		func(row models.Row) error {
			var inode int64
			var tagname string
			if err := row.Scan(&inode, &tagname); err != nil {
				return err
			}
			if !strings.HasPrefix(tagname, prefix) {
				return nil
			}
			storedValue := tagname[len(prefix):]
			if compareValues(storedValue, node.Operator, node.Value) {
				inodes[inode] = true
			}
			return nil
		}, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStore, err)
	}
	return inodes, nil
}

func compareValues(stored string, op models.Operator, want string) bool {
	sf, serr := strconv.ParseFloat(stored, 64)
	wf, werr := strconv.ParseFloat(want, 64)
	if serr == nil && werr == nil {
		switch op {
		case models.OpEqual:
			return sf == wf
		case models.OpNotEqual:
			return sf != wf
		case models.OpLess:
			return sf < wf
		case models.OpGreater:
			return sf > wf
		case models.OpLessEqual:
			return sf <= wf
		case models.OpGreaterEqual:
			return sf >= wf
		}
	}
	switch op {
	case models.OpEqual:
		return stored == want
	case models.OpNotEqual:
		return stored != want
	case models.OpLess:
		return stored < want
	case models.OpGreater:
		return stored > want
	case models.OpLessEqual:
		return stored <= want
	case models.OpGreaterEqual:
		return stored >= want
	}
	return false
}

func (r *Resolver) objectName(ctx context.Context, inode int64) (string, error) {
	var name string
	found := false
	err := r.store.Query(ctx, "SELECT objectname FROM objects WHERE inode = ?", func(row models.Row) error {
		found = true
		return row.Scan(&name)
	}, inode)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrStore, err)
	}
	if !found {
		return "", fmt.Errorf("%w: inode %d", models.ErrNotFound, inode)
	}
	return name, nil
}

func (r *Resolver) listRelations(ctx context.Context, q *models.QueryTree) ([]Entry, error) {
	entries := dotEntries()

	switch {
	case q.FirstTag != "" && q.Relation != "" && q.SecondTag != "":
		// Terminal shape: all three present, nothing further to list.
		return entries, nil

	case q.FirstTag != "" && q.Relation != "":
		err := r.store.Query(ctx,
			`SELECT tags.tagname FROM tags
			 JOIN relations ON relations.tag2_id = tags.tag_id
			 JOIN tags AS firsttags ON firsttags.tag_id = relations.tag1_id
			 WHERE firsttags.tagname = ? AND relations.relation = ?`,
			func(row models.Row) error {
				var name string
				if err := row.Scan(&name); err != nil {
					return err
				}
				entries = append(entries, Entry{name})
				return nil
			}, q.FirstTag, q.Relation)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrStore, err)
		}
		return entries, nil

	case q.FirstTag != "":
		err := r.store.Query(ctx,
			`SELECT DISTINCT relations.relation FROM relations
			 JOIN tags ON tags.tag_id = relations.tag1_id
			 WHERE tags.tagname = ?`,
			func(row models.Row) error {
				var rel string
				if err := row.Scan(&rel); err != nil {
					return err
				}
				entries = append(entries, Entry{rel})
				return nil
			}, q.FirstTag)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrStore, err)
		}
		return entries, nil

	default:
		err := r.store.Query(ctx, "SELECT tagname FROM tags", func(row models.Row) error {
			var name string
			if err := row.Scan(&name); err != nil {
				return err
			}
			entries = append(entries, Entry{name})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", models.ErrStore, err)
		}
		return entries, nil
	}
}

// ResolveArchivePath resolves an object-pointing QueryTree to its
// absolute archive path, fetching the inode by objectname when the
// parser could not extract one from the leaf (spec.md §4.C: "absence is
// not itself a parser error — it is surfaced by the resolver as
// ENOENT").
func (r *Resolver) ResolveArchivePath(ctx context.Context, q *models.QueryTree) (string, error) {
	if !q.PointsToObject {
		return "", fmt.Errorf("%w: query does not point to an object", models.ErrInvariant)
	}

	inode := q.Inode
	name := q.ObjectPath

	if inode == 0 {
		var err error
		inode, name, err = r.findByObjectName(ctx, q.ObjectPath)
		if err != nil {
			return "", err
		}
	}

	path := r.archive.Path(inode, name)
	q.FullArchivePath = path
	return path, nil
}

func (r *Resolver) findByObjectName(ctx context.Context, objectName string) (int64, string, error) {
	var inode int64
	found := false
	err := r.store.Query(ctx, "SELECT inode FROM objects WHERE objectname = ? LIMIT 1", func(row models.Row) error {
		found = true
		return row.Scan(&inode)
	}, objectName)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", models.ErrStore, err)
	}
	if !found {
		return 0, "", models.ErrNotFound
	}
	return inode, objectName, nil
}

func (r *Resolver) cacheGet(q *models.QueryTree) ([]Entry, bool) {
	if r.listing == nil {
		return nil, false
	}
	v, ok := r.listing.Get(q.String())
	if !ok {
		return nil, false
	}
	entries, ok := v.([]Entry)
	return entries, ok
}

func (r *Resolver) cacheSet(q *models.QueryTree, entries []Entry) {
	if r.listing == nil {
		return
	}
	r.listing.Set(q.String(), entries)
}
