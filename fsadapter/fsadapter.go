// Package fsadapter wires Tagsistant's query parser, resolver and
// mutation path into a github.com/hanwen/go-fuse/v2 filesystem. It uses
// the library's inode-tree tier (package fs): every Lookup parses a
// fresh models.QueryTree from the accumulated path and hands off to
// query/resolver/mutate rather than keeping a filesystem tree of its
// own — the inode tree go-fuse requires is just a cache of path
// segments already parsed. Error translation follows spec.md §6/§7:
// not-found and malformed-path errors become syscall.ENOENT, other
// query/resolver/mutate errors EIO; EINVAL is returned for operations on
// paths that cannot name an object.
package fsadapter

import (
	"context"
	"os"
	"path"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"tagsistant/logger"
	"tagsistant/models"
	"tagsistant/mutate"
	"tagsistant/query"
	"tagsistant/resolver"
	"tagsistant/storage/archive"
)

// Adapter is shared by every node in the tree; it holds the collaborators
// that do the actual work.
type Adapter struct {
	parser   *query.Parser
	resolver *resolver.Resolver
	mutator  *mutate.Mutator
	archive  *archive.Store
	store    models.Store
}

// New builds an Adapter. Call Root to obtain the InodeEmbedder to pass
// to fs.Mount.
func New(parser *query.Parser, res *resolver.Resolver, mutator *mutate.Mutator, arc *archive.Store, store models.Store) *Adapter {
	return &Adapter{parser: parser, resolver: res, mutator: mutator, archive: arc, store: store}
}

// Root returns the filesystem's root node.
func (a *Adapter) Root() fs.InodeEmbedder {
	return &node{fsys: a, mountPath: "/"}
}

// node represents one point in the mount tree. It carries no cached
// state beyond the path it was looked up at; every operation re-derives
// a models.QueryTree from that path, so node never drifts out of sync
// with the Metadata Store.
type node struct {
	fs.Inode

	fsys      *Adapter
	mountPath string // always slash-rooted, as accepted by query.Parser.Parse

	mu   sync.Mutex
	file *os.File // non-nil only while the node backs an open regular file
}

var (
	_ fs.NodeGetattrer  = (*node)(nil)
	_ fs.NodeSetattrer  = (*node)(nil)
	_ fs.NodeReaddirer  = (*node)(nil)
	_ fs.NodeLookuper   = (*node)(nil)
	_ fs.NodeOpener     = (*node)(nil)
	_ fs.NodeReader     = (*node)(nil)
	_ fs.NodeWriter     = (*node)(nil)
	_ fs.NodeFlusher    = (*node)(nil)
	_ fs.NodeReleaser   = (*node)(nil)
	_ fs.NodeCreater    = (*node)(nil)
	_ fs.NodeMkdirer    = (*node)(nil)
	_ fs.NodeUnlinker   = (*node)(nil)
	_ fs.NodeRmdirer    = (*node)(nil)
	_ fs.NodeSymlinker  = (*node)(nil)
	_ fs.NodeReadlinker = (*node)(nil)
)

func (n *node) query() *models.QueryTree {
	return n.fsys.parser.Parse(n.mountPath)
}

func (n *node) child(name string) *node {
	return &node{fsys: n.fsys, mountPath: path.Join(n.mountPath, name)}
}

func errnoFor(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case isErr(err, models.ErrNotFound):
		return syscall.ENOENT
	case isErr(err, models.ErrMalformed):
		return syscall.ENOENT
	default:
		return syscall.EIO
	}
}

func isErr(err, target error) bool {
	for err != nil {
		if err == target {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// toErrno unwraps an os/syscall error down to the syscall.Errno the
// kernel expects, defaulting to EIO for anything else.
func toErrno(err error) syscall.Errno {
	for err != nil {
		if errno, ok := err.(syscall.Errno); ok {
			return errno
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return syscall.EIO
}

// Getattr implements fs.NodeGetattrer.
func (n *node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	now := time.Now()

	q := n.query()
	if q.Root {
		out.Mode = syscall.S_IFDIR | 0755
		out.SetTimes(&now, &now, &now)
		return 0
	}
	if q.Malformed {
		return syscall.ENOENT
	}
	if q.Stats && q.ObjectPath != "" {
		content, err := n.fsys.statsFileContent(ctx, q.ObjectPath)
		if err != nil {
			return syscall.ENOENT
		}
		out.Mode = syscall.S_IFREG | 0444
		out.Size = uint64(len(content))
		out.SetTimes(&now, &now, &now)
		return 0
	}
	if !q.PointsToObject {
		out.Mode = syscall.S_IFDIR | 0755
		out.SetTimes(&now, &now, &now)
		return 0
	}

	archivePath, err := n.fsys.resolver.ResolveArchivePath(ctx, q)
	if err != nil {
		return errnoFor(err)
	}
	info, err := os.Lstat(archivePath)
	if err != nil {
		return syscall.ENOENT
	}
	fillAttrFromFileInfo(&out.Attr, info)
	return 0
}

// Setattr implements fs.NodeSetattrer, used for truncate(2).
func (n *node) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	q := n.query()
	if !q.PointsToObject {
		return syscall.EINVAL
	}

	archivePath, err := n.fsys.resolver.ResolveArchivePath(ctx, q)
	if err != nil {
		return errnoFor(err)
	}

	if size, ok := in.GetSize(); ok {
		if err := os.Truncate(archivePath, int64(size)); err != nil {
			return toErrno(err)
		}
		if q.Inode != 0 {
			if err := n.fsys.mutator.Dirty(ctx, q.Inode); err != nil {
				return syscall.EIO
			}
		}
	}

	info, err := os.Lstat(archivePath)
	if err != nil {
		return syscall.ENOENT
	}
	fillAttrFromFileInfo(&out.Attr, info)
	return 0
}

// Readdir implements fs.NodeReaddirer by delegating to resolver.List.
func (n *node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	q := n.query()
	entries, err := n.fsys.resolver.List(ctx, q)
	if err != nil {
		return nil, errnoFor(err)
	}

	out := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, fuse.DirEntry{Name: e.Name, Mode: entryMode(q, e.Name)})
	}
	return fs.NewListDirStream(out), 0
}

func entryMode(q *models.QueryTree, name string) uint32 {
	switch {
	case name == "." || name == "..":
		return syscall.S_IFDIR
	case q.Stats:
		return syscall.S_IFREG
	case q.Tags && q.Complete:
		return syscall.S_IFREG
	case q.Archive && !q.PointsToObject:
		return syscall.S_IFREG
	default:
		return syscall.S_IFDIR
	}
}

// Lookup implements fs.NodeLookuper. Navigation into an
// incomplete/in-progress query path always succeeds (the user is still
// building a query); only a fully-resolved object leaf is checked
// against the Archive Store.
func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	now := time.Now()
	child := n.child(name)
	q := child.query()
	if q.Malformed {
		return nil, syscall.ENOENT
	}

	if q.Stats && q.ObjectPath != "" {
		content, err := n.fsys.statsFileContent(ctx, q.ObjectPath)
		if err != nil {
			return nil, syscall.ENOENT
		}
		out.Attr.Mode = syscall.S_IFREG | 0444
		out.Attr.Size = uint64(len(content))
		out.Attr.SetTimes(&now, &now, &now)
		return n.NewInode(ctx, child, fs.StableAttr{Mode: syscall.S_IFREG}), 0
	}

	if !q.PointsToObject {
		out.Attr.Mode = syscall.S_IFDIR | 0755
		out.Attr.SetTimes(&now, &now, &now)
		return n.NewInode(ctx, child, fs.StableAttr{Mode: syscall.S_IFDIR}), 0
	}

	archivePath, err := n.fsys.resolver.ResolveArchivePath(ctx, q)
	if err != nil {
		return nil, errnoFor(err)
	}
	info, err := os.Lstat(archivePath)
	if err != nil {
		return nil, syscall.ENOENT
	}
	fillAttrFromFileInfo(&out.Attr, info)

	mode := uint32(syscall.S_IFREG)
	if info.IsDir() {
		mode = syscall.S_IFDIR
	} else if info.Mode()&os.ModeSymlink != 0 {
		mode = syscall.S_IFLNK
	}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: mode}), 0
}

// Open implements fs.NodeOpener: the backing *os.File is kept on the
// node itself rather than in a separate FileHandle value.
func (n *node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	q := n.query()
	if !q.PointsToObject {
		return nil, 0, syscall.EISDIR
	}

	archivePath, err := n.fsys.resolver.ResolveArchivePath(ctx, q)
	if err != nil {
		return nil, 0, errnoFor(err)
	}

	f, err := os.OpenFile(archivePath, int(flags)&^os.O_CREATE, 0644)
	if err != nil {
		return nil, 0, toErrno(err)
	}

	n.mu.Lock()
	n.file = f
	n.mu.Unlock()
	return nil, 0, 0
}

// Read implements fs.NodeReader.
func (n *node) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n.mu.Lock()
	file := n.file
	n.mu.Unlock()
	if file == nil {
		return nil, syscall.EBADF
	}

	read, err := file.ReadAt(dest, off)
	if err != nil && read == 0 {
		return nil, toErrno(err)
	}
	return fuse.ReadResultData(dest[:read]), 0
}

// Write implements fs.NodeWriter.
func (n *node) Write(ctx context.Context, f fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	n.mu.Lock()
	file := n.file
	n.mu.Unlock()
	if file == nil {
		return 0, syscall.EBADF
	}

	written, err := file.WriteAt(data, off)
	if err != nil {
		return uint32(written), toErrno(err)
	}
	return uint32(written), 0
}

// Flush implements fs.NodeFlusher: content changed under an open
// handle, so the object's checksum is dirtied and the mutation path's
// autotag/dedup hooks run (spec.md §4.E "Flush").
func (n *node) Flush(ctx context.Context, f fs.FileHandle) syscall.Errno {
	q := n.query()
	if q.PointsToObject && q.Inode != 0 {
		if err := n.fsys.mutator.Dirty(ctx, q.Inode); err != nil {
			logger.Warn("fsadapter: dirty inode %d on flush: %v", q.Inode, err)
		}
		if err := n.fsys.mutator.Flush(ctx, q); err != nil {
			logger.Warn("fsadapter: flush %s: %v", n.mountPath, err)
		}
	}
	return 0
}

// Release implements fs.NodeReleaser.
func (n *node) Release(ctx context.Context, f fs.FileHandle) syscall.Errno {
	n.mu.Lock()
	file := n.file
	n.file = nil
	n.mu.Unlock()
	if file == nil {
		return 0
	}
	if err := file.Close(); err != nil {
		return toErrno(err)
	}
	return 0
}

// Create implements fs.NodeCreater: binds a new object to the tags/path
// context the node was looked up under, then opens it for writing.
func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	child := n.child(name)
	q := child.query()
	if q.Malformed || q.ObjectPath == "" {
		return nil, nil, 0, syscall.EINVAL
	}

	inode, err := n.fsys.mutator.Create(ctx, q, path.Base(q.ObjectPath), false)
	if err != nil {
		return nil, nil, 0, errnoFor(err)
	}

	f, err := n.fsys.archive.Create(inode, q.ObjectPath)
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}
	child.file = f

	now := time.Now()
	out.Attr.Mode = syscall.S_IFREG | (mode & 0777)
	out.Attr.SetTimes(&now, &now, &now)

	return n.NewInode(ctx, child, fs.StableAttr{Mode: syscall.S_IFREG}), nil, 0, 0
}

// Mkdir implements fs.NodeMkdirer: a "directory" object is still a
// Metadata Store object, backed here by a real directory in the Archive
// Store's root.
func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	child := n.child(name)
	q := child.query()
	if q.Malformed || q.ObjectPath == "" {
		return nil, syscall.EINVAL
	}

	inode, err := n.fsys.mutator.Create(ctx, q, path.Base(q.ObjectPath), false)
	if err != nil {
		return nil, errnoFor(err)
	}
	if err := os.Mkdir(n.fsys.archive.Path(inode, q.ObjectPath), 0755); err != nil && !os.IsExist(err) {
		return nil, toErrno(err)
	}

	now := time.Now()
	out.Attr.Mode = syscall.S_IFDIR | (mode & 0777)
	out.Attr.SetTimes(&now, &now, &now)
	return n.NewInode(ctx, child, fs.StableAttr{Mode: syscall.S_IFDIR}), 0
}

// Symlink implements fs.NodeSymlinker.
func (n *node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	child := n.child(name)
	q := child.query()
	if q.Malformed || q.ObjectPath == "" {
		return nil, syscall.EINVAL
	}

	inode, err := n.fsys.mutator.Create(ctx, q, path.Base(q.ObjectPath), false)
	if err != nil {
		return nil, errnoFor(err)
	}
	if err := os.Symlink(target, n.fsys.archive.Path(inode, q.ObjectPath)); err != nil {
		return nil, toErrno(err)
	}

	now := time.Now()
	out.Attr.Mode = syscall.S_IFLNK | 0777
	out.Attr.SetTimes(&now, &now, &now)
	return n.NewInode(ctx, child, fs.StableAttr{Mode: syscall.S_IFLNK}), 0
}

// Readlink implements fs.NodeReadlinker.
func (n *node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	q := n.query()
	if !q.PointsToObject {
		return nil, syscall.EINVAL
	}
	archivePath, err := n.fsys.resolver.ResolveArchivePath(ctx, q)
	if err != nil {
		return nil, errnoFor(err)
	}
	target, err := os.Readlink(archivePath)
	if err != nil {
		return nil, toErrno(err)
	}
	return []byte(target), 0
}

// Unlink implements fs.NodeUnlinker. Under /archive it deletes the
// object outright; under a complete /tags/.../= path it only removes the
// bindings of every tag the path names, so "rm" inside a tag view
// untags rather than destroying content other views still reach.
func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	child := n.child(name)
	q := child.query()
	if !q.PointsToObject || q.Inode == 0 {
		return syscall.ENOENT
	}

	if q.Archive {
		if _, err := n.fsys.store.Exec(ctx, "DELETE FROM tagging WHERE inode = ?", q.Inode); err != nil {
			return syscall.EIO
		}
		if _, err := n.fsys.store.Exec(ctx, "DELETE FROM objects WHERE inode = ?", q.Inode); err != nil {
			return syscall.EIO
		}
		if err := n.fsys.archive.Remove(q.Inode, q.ObjectPath); err != nil {
			logger.Warn("fsadapter: unlink archive file for inode %d: %v", q.Inode, err)
		}
		n.fsys.resolver.InvalidateListings()
		return 0
	}

	for _, tagName := range q.AllTags() {
		if err := n.fsys.mutator.Untag(ctx, q.Inode, tagName); err != nil {
			return errnoFor(err)
		}
	}
	return 0
}

// Rmdir implements fs.NodeRmdirer identically to Unlink: both remove a
// binding or an object, the distinction the kernel itself enforces
// (directories vs files) does not apply to Tagsistant's tag-bound
// objects.
func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return n.Unlink(ctx, name)
}

func (a *Adapter) statsFileContent(ctx context.Context, name string) ([]byte, error) {
	var query string
	switch name {
	case "object_count":
		query = "SELECT COUNT(*) FROM objects"
	case "tag_count":
		query = "SELECT COUNT(*) FROM tags"
	case "dirty_count":
		query = "SELECT COUNT(*) FROM objects WHERE checksum = ''"
	case "last_sweep":
		return []byte("see /stats.json on the admin surface\n"), nil
	default:
		return nil, models.ErrNotFound
	}

	var n int64
	err := a.store.Query(ctx, query, func(row models.Row) error {
		return row.Scan(&n)
	})
	if err != nil {
		return nil, err
	}
	return []byte(strconv.FormatInt(n, 10) + "\n"), nil
}

func fillAttrFromFileInfo(attr *fuse.Attr, info os.FileInfo) {
	mode := uint32(syscall.S_IFREG)
	switch {
	case info.IsDir():
		mode = syscall.S_IFDIR
	case info.Mode()&os.ModeSymlink != 0:
		mode = syscall.S_IFLNK
	}
	attr.Mode = mode | uint32(info.Mode().Perm())
	attr.Size = uint64(info.Size())
	mtime := info.ModTime()
	attr.SetTimes(&mtime, &mtime, &mtime)
}
