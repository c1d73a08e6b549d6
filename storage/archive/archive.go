// Package archive is Tagsistant's Archive Store (spec.md §4.B): a flat
// root directory holding content-addressed-by-inode files named
// "<inode><delim><objectname>". It knows nothing about tags or
// metadata; the Deduplicator, the resolver and fsadapter are the callers
// that cross from metadata into archive paths.
//
// WriteAtomic uses a write-to-temp-then-rename sequence, grounded on
// entitydb's atomic file manager (entitydb/storage/binary/
// atomic_file_operations.go), so a concurrent Deduplicator sweep never
// observes content it writes half-written. Create opens the final path
// directly; writes through the file it returns are not atomic.
package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
)

// Store is a rooted, content-addressed-by-inode file archive.
type Store struct {
	root  string
	delim string
}

// New returns a Store rooted at root, creating it if necessary. delim
// must match the one the query.Parser was built with.
func New(root, delim string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("archive: creating root %s: %w", root, err)
	}
	return &Store{root: root, delim: delim}, nil
}

// Root returns the archive's root directory.
func (s *Store) Root() string { return s.root }

// FileName returns "<inode><delim><objectname>", the on-disk leaf name
// for an object.
func (s *Store) FileName(inode int64, objectName string) string {
	return strconv.FormatInt(inode, 10) + s.delim + objectName
}

// Path returns the absolute path for an object's archive file.
func (s *Store) Path(inode int64, objectName string) string {
	return filepath.Join(s.root, s.FileName(inode, objectName))
}

// Create atomically creates an empty regular file for a newly-minted
// object, failing if one already exists at that path.
func (s *Store) Create(inode int64, objectName string) (*os.File, error) {
	path := s.Path(inode, objectName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("archive: create %s: %w", path, err)
	}
	return f, nil
}

// WriteAtomic atomically replaces an object's content: it writes to a
// temp file in the same directory, then renames it into place, so a
// concurrent reader (or the Deduplicator) only ever sees the old or the
// new content, never a partial write.
func (s *Store) WriteAtomic(inode int64, objectName string, content io.Reader) error {
	path := s.Path(inode, objectName)
	tmp, err := os.CreateTemp(s.root, ".tagsistant-tmp-*")
	if err != nil {
		return fmt.Errorf("archive: create temp for %s: %w", path, err)
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("archive: writing temp for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("archive: syncing temp for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("archive: closing temp for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("archive: renaming temp into %s: %w", path, err)
	}
	return nil
}

// Open opens an object's archive file for reading.
func (s *Store) Open(inode int64, objectName string) (*os.File, error) {
	path := s.Path(inode, objectName)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", path, err)
	}
	return f, nil
}

// Stat lstats an object's archive file (a symlink is not followed) and
// returns its FileInfo whatever the entry's type; the Deduplicator
// refuses to hash entries that are neither regular files nor symlinks.
func (s *Store) Stat(inode int64, objectName string) (os.FileInfo, error) {
	return os.Lstat(s.Path(inode, objectName))
}

// Remove unlinks an object's archive file. Missing files are tolerated
// (best-effort, spec.md §4.F: "a stale archive file whose row is gone is
// tolerated and cleaned on the next sweep" — the converse, a gone file
// whose row still exists, is likewise tolerated here).
func (s *Store) Remove(inode int64, objectName string) error {
	if err := os.Remove(s.Path(inode, objectName)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("archive: remove %s: %w", s.Path(inode, objectName), err)
	}
	return nil
}

// ReadDir lists the archive's raw directory entries, for the ARCHIVE
// role's listing (spec.md §4.D): "listings pass through to the Archive
// Store's directory enumeration".
func (s *Store) ReadDir() ([]os.DirEntry, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("archive: readdir %s: %w", s.root, err)
	}
	out := entries[:0]
	for _, e := range entries {
		if filepath.Base(e.Name())[0] == '.' {
			continue // skip our own temp files and dotfiles
		}
		out = append(out, e)
	}
	return out, nil
}

// Size sums the on-disk size of every archived file, for adminapi's
// human-readable stats output.
func (s *Store) Size() (int64, error) {
	entries, err := s.ReadDir()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total, nil
}
