package mutate_test

import (
	"context"
	"strings"
	"sync"
	"testing"

	"tagsistant/models"
	"tagsistant/mutate"
)

// fakeStore is a minimal in-memory models.Store: objects by inode,
// tags by name, and a tagging set, with Begin returning a Tx that
// mutates the same maps directly (sufficient for these
// single-goroutine tests, mirroring dedup's memStore fake).
type fakeStore struct {
	mu      sync.Mutex
	objects map[int64]string // inode -> objectname
	tags    map[string]int64 // tagname -> tag_id
	tagging map[int64]map[int64]bool
	lastID  int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		objects: make(map[int64]string),
		tags:    make(map[string]int64),
		tagging: make(map[int64]map[int64]bool),
	}
}

func (s *fakeStore) Query(ctx context.Context, q string, fn models.RowFunc, args ...interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryLocked(q, fn, args...)
}

func (s *fakeStore) queryLocked(q string, fn models.RowFunc, args ...interface{}) error {
	switch {
	case strings.Contains(q, "SELECT inode FROM objects WHERE objectname"):
		name := args[0].(string)
		for inode, n := range s.objects {
			if n == name {
				return fn(row{[]interface{}{inode}})
			}
		}
		return nil

	case strings.Contains(q, "SELECT tag_id FROM tags WHERE tagname"):
		name := args[0].(string)
		if id, ok := s.tags[name]; ok {
			return fn(row{[]interface{}{id}})
		}
		return nil

	case strings.Contains(q, "SELECT checksum FROM objects WHERE inode"):
		inode := args[0].(int64)
		if _, ok := s.objects[inode]; ok {
			return fn(row{[]interface{}{""}})
		}
		return nil

	default:
		return nil
	}
}

func (s *fakeStore) Exec(ctx context.Context, q string, args ...interface{}) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execLocked(q, args...)
}

func (s *fakeStore) execLocked(q string, args ...interface{}) (int64, error) {
	switch {
	case strings.Contains(q, "UPDATE objects SET checksum"):
		return 0, nil
	case strings.Contains(q, "DELETE FROM tagging WHERE inode"):
		inode := args[0].(int64)
		delete(s.tagging, inode)
		return 0, nil
	}
	return 0, nil
}

func (s *fakeStore) Begin(ctx context.Context) (models.Tx, error) {
	return &fakeTx{store: s}, nil
}

func (s *fakeStore) Close() error { return nil }

type fakeTx struct {
	store      *fakeStore
	lastID     int64
	haveLastID bool
}

func (t *fakeTx) Query(ctx context.Context, q string, fn models.RowFunc, args ...interface{}) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return t.store.queryLocked(q, fn, args...)
}

func (t *fakeTx) Exec(ctx context.Context, q string, args ...interface{}) (int64, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	switch {
	case strings.Contains(q, "INSERT INTO objects"):
		t.store.lastID++
		inode := t.store.lastID
		t.store.objects[inode] = args[0].(string)
		t.lastID = inode
		t.haveLastID = true
		return 1, nil

	case strings.Contains(q, "INSERT INTO tags"):
		t.store.lastID++
		id := t.store.lastID
		t.store.tags[args[0].(string)] = id
		t.lastID = id
		t.haveLastID = true
		return 1, nil

	case strings.Contains(q, "INSERT OR IGNORE INTO tagging"):
		inode, tagID := args[0].(int64), args[1].(int64)
		if t.store.tagging[inode] == nil {
			t.store.tagging[inode] = make(map[int64]bool)
		}
		t.store.tagging[inode][tagID] = true
		return 1, nil

	case strings.Contains(q, "DELETE FROM tagging WHERE inode"):
		inode := args[0].(int64)
		if tagName, ok := args[1].(string); ok {
			tagID := t.store.tags[tagName]
			delete(t.store.tagging[inode], tagID)
		}
		return 1, nil
	}

	return t.store.execLocked(q, args...)
}

func (t *fakeTx) LastInsertID() (int64, error) {
	if !t.haveLastID {
		return 0, nil
	}
	return t.lastID, nil
}

func (t *fakeTx) Commit() error   { return nil }
func (t *fakeTx) Rollback() error { return nil }

type row struct{ values []interface{} }

func (r row) Scan(dest ...interface{}) error {
	for i, d := range dest {
		switch v := d.(type) {
		case *int64:
			*v = r.values[i].(int64)
		case *string:
			*v = r.values[i].(string)
		}
	}
	return nil
}

func treeWithTags(tags ...string) *models.QueryTree {
	set := make(models.ANDSet, 0, len(tags))
	for _, t := range tags {
		set = append(set, models.ANDNode{Tag: t})
	}
	return &models.QueryTree{Tags: true, Complete: true, Taggable: true, ORSections: []models.ANDSet{set}}
}

func TestCreateInsertsNewObjectAndBindsTags(t *testing.T) {
	store := newFakeStore()
	m := mutate.New(store, nil, nil, nil)

	q := treeWithTags("red", "blue")
	inode, err := m.Create(context.Background(), q, "photo.jpg", false)
	if err != nil {
		t.Fatal(err)
	}
	if inode == 0 {
		t.Fatal("expected non-zero inode")
	}
	if q.Inode != inode || q.ObjectPath != "photo.jpg" || !q.PointsToObject {
		t.Fatalf("expected query tree patched with resolved identity, got %+v", q)
	}

	redID := store.tags["red"]
	blueID := store.tags["blue"]
	if !store.tagging[inode][redID] || !store.tagging[inode][blueID] {
		t.Fatalf("expected both tags bound, got %v", store.tagging[inode])
	}
}

func TestCreateReusesExistingObjectByName(t *testing.T) {
	store := newFakeStore()
	m := mutate.New(store, nil, nil, nil)

	first, err := m.Create(context.Background(), treeWithTags("a"), "same.txt", false)
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.Create(context.Background(), treeWithTags("b"), "same.txt", false)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatalf("expected the same inode reused, got %d and %d", first, second)
	}

	aID, bID := store.tags["a"], store.tags["b"]
	if !store.tagging[first][aID] || !store.tagging[first][bID] {
		t.Fatalf("expected both tags accumulated on the reused object, got %v", store.tagging[first])
	}
}

func TestCreateForceCreateAlwaysInsertsNew(t *testing.T) {
	store := newFakeStore()
	m := mutate.New(store, nil, nil, nil)

	first, err := m.Create(context.Background(), treeWithTags("a"), "dup.txt", true)
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.Create(context.Background(), treeWithTags("a"), "dup.txt", true)
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Fatal("expected forceCreate to insert a distinct object each time")
	}
}

func TestCreateCallsOnMutate(t *testing.T) {
	store := newFakeStore()
	calls := 0
	m := mutate.New(store, nil, nil, func() { calls++ })

	if _, err := m.Create(context.Background(), treeWithTags("a"), "x.txt", false); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one onMutate call, got %d", calls)
	}
}

func TestUntagRemovesBindingIdempotently(t *testing.T) {
	store := newFakeStore()
	m := mutate.New(store, nil, nil, nil)

	inode, err := m.Create(context.Background(), treeWithTags("a"), "f.txt", false)
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Untag(context.Background(), inode, "a"); err != nil {
		t.Fatal(err)
	}
	if len(store.tagging[inode]) != 0 {
		t.Fatalf("expected tag removed, got %v", store.tagging[inode])
	}

	// Untagging an already-absent binding is not an error.
	if err := m.Untag(context.Background(), inode, "a"); err != nil {
		t.Fatalf("expected idempotent untag, got %v", err)
	}
}

func TestFlushSkipsNonTaggableTree(t *testing.T) {
	store := newFakeStore()
	m := mutate.New(store, nil, nil, nil)

	q := &models.QueryTree{Archive: true, PointsToObject: true, Inode: 1}
	if err := m.Flush(context.Background(), q); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}

func TestFlushSkipsZeroInode(t *testing.T) {
	store := newFakeStore()
	m := mutate.New(store, nil, nil, nil)

	q := &models.QueryTree{Taggable: true, Inode: 0}
	if err := m.Flush(context.Background(), q); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}

type recordingDedup struct {
	called []int64
}

func (d *recordingDedup) DeduplicateOne(ctx context.Context, inode int64) error {
	d.called = append(d.called, inode)
	return nil
}

func TestFlushRunsDedupForDirtyTaggableObject(t *testing.T) {
	store := newFakeStore()
	dd := &recordingDedup{}
	m := mutate.New(store, nil, dd, nil)

	inode, err := m.Create(context.Background(), treeWithTags("a"), "f.txt", false)
	if err != nil {
		t.Fatal(err)
	}

	q := treeWithTags("a")
	q.Inode = inode
	if err := m.Flush(context.Background(), q); err != nil {
		t.Fatal(err)
	}
	if len(dd.called) != 1 || dd.called[0] != inode {
		t.Fatalf("expected dedup invoked once for inode %d, got %v", inode, dd.called)
	}
}
