package fsadapter_test

import (
	"context"
	"strings"
	"sync"
	"syscall"
	"testing"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"tagsistant/fsadapter"
	"tagsistant/models"
	"tagsistant/mutate"
	"tagsistant/query"
	"tagsistant/resolver"
	"tagsistant/storage/archive"
)

// fakeStore is a minimal in-memory models.Store covering every query
// mutate and resolver issue against objects/tags/tagging, guarded by one
// mutex, with Begin returning a Tx operating on the same maps directly.
type fakeStore struct {
	mu      sync.Mutex
	objects map[int64]string
	tags    map[string]int64
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

	case strings.Contains(q, "SELECT objectname FROM objects WHERE inode"):
		inode := args[0].(int64)
		if name, ok := s.objects[inode]; ok {
			return fn(row{[]interface{}{name}})
		}
		return nil

	case strings.Contains(q, "SELECT tagname FROM tags"):
		for name := range s.tags {
			if err := fn(row{[]interface{}{name}}); err != nil {
				return err
			}
		}
		return nil

	case strings.Contains(q, "SELECT COUNT(*) FROM objects WHERE checksum"):
		var n int64
		for _, name := range s.objects {
			_ = name
			n++
		}
		return fn(row{[]interface{}{n}})

	case strings.Contains(q, "SELECT COUNT(*) FROM objects"):
		return fn(row{[]interface{}{int64(len(s.objects))}})

	case strings.Contains(q, "SELECT COUNT(*) FROM tags"):
		return fn(row{[]interface{}{int64(len(s.tags))}})

	case strings.Contains(q, "tagging.inode FROM tagging"):
		return nil

	default:
		return nil
	}
}

func (s *fakeStore) Exec(ctx context.Context, q string, args ...interface{}) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case strings.Contains(q, "DELETE FROM tagging WHERE inode = ?") && len(args) == 1:
		inode := args[0].(int64)
		delete(s.tagging, inode)
		return 0, nil
	case strings.Contains(q, "DELETE FROM objects WHERE inode"):
		inode := args[0].(int64)
		delete(s.objects, inode)
		return 0, nil
	case strings.Contains(q, "UPDATE objects SET checksum"):
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
	}
	return t.execLockedNoLock(q, args...)
}

// execLockedNoLock mirrors fakeStore.Exec's switch without re-acquiring
// the mutex (the caller already holds it).
func (t *fakeTx) execLockedNoLock(q string, args ...interface{}) (int64, error) {
	switch {
	case strings.Contains(q, "DELETE FROM tagging WHERE inode"):
		inode := args[0].(int64)
		delete(t.store.tagging, inode)
		return 0, nil
	}
	return 0, nil
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

// harness wires a real query.Parser, resolver.Resolver, mutate.Mutator
// and archive.Store (rooted at a temp dir) over a fakeStore, mirroring
// how cmd/tagsistant assembles the same collaborators.
func harness(t *testing.T) (*fsadapter.Adapter, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	arc, err := archive.New(t.TempDir(), "___")
	if err != nil {
		t.Fatal(err)
	}
	parser := query.NewParser("___", nil)
	res := resolver.New(store, arc, nil)
	mutator := mutate.New(store, nil, nil, nil)
	return fsadapter.New(parser, res, mutator, arc, store), store
}

func TestRootGetattrIsDirectory(t *testing.T) {
	adapter, _ := harness(t)
	root := adapter.Root()

	out := &fuse.AttrOut{}
	errno := root.(fs.NodeGetattrer).Getattr(context.Background(), nil, out)
	if errno != 0 {
		t.Fatalf("expected success, got errno %v", errno)
	}
	if out.Mode&syscall.S_IFDIR == 0 {
		t.Fatalf("expected root to report as a directory, got mode %o", out.Mode)
	}
}

func TestRootReaddirListsTopLevelRoles(t *testing.T) {
	adapter, _ := harness(t)
	root := adapter.Root()

	stream, errno := root.(fs.NodeReaddirer).Readdir(context.Background())
	if errno != 0 {
		t.Fatalf("expected success, got errno %v", errno)
	}

	names := map[string]bool{}
	for stream.HasNext() {
		e, errno := stream.Next()
		if errno != 0 {
			t.Fatalf("unexpected errno during iteration: %v", errno)
		}
		names[e.Name] = true
	}
	for _, want := range []string{"archive", "tags", "relations", "stats"} {
		if !names[want] {
			t.Fatalf("expected root listing to include %q, got %v", want, names)
		}
	}
}

func TestLookupMalformedPathReturnsENOENT(t *testing.T) {
	adapter, _ := harness(t)
	root := adapter.Root()

	out := &fuse.EntryOut{}
	_, errno := root.(fs.NodeLookuper).Lookup(context.Background(), "bogus-top-level", out)
	if errno != syscall.ENOENT {
		t.Fatalf("expected ENOENT for an unrecognized top-level segment, got %v", errno)
	}
}

func TestLookupIncompleteTagsPathSucceedsAsDirectory(t *testing.T) {
	adapter, _ := harness(t)
	root := adapter.Root()

	out := &fuse.EntryOut{}
	_, errno := root.(fs.NodeLookuper).Lookup(context.Background(), "tags", out)
	if errno != 0 {
		t.Fatalf("expected success navigating into an in-progress tags query, got %v", errno)
	}
	if out.Attr.Mode&syscall.S_IFDIR == 0 {
		t.Fatalf("expected a directory mode, got %o", out.Attr.Mode)
	}
}
