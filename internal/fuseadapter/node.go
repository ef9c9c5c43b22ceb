// Package fuseadapter is the thin go-fuse v2 bridge between the kernel and
// the tiering subsystem: it dispatches read/write/open/release/unlink to
// internal/tiervfs.Core and otherwise defers to the real directory tree
// rooted at the SSD path for attributes, directory listing, and permission
// checks. The core is only consulted for total_size and timestamps when
// the underlying proxy turns out to be tiered.
package fuseadapter

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/javi11/tiervfs/internal/tiererrors"
	"github.com/javi11/tiervfs/internal/tiervfs"
)

var (
	_ fs.NodeLookuper   = (*Node)(nil)
	_ fs.NodeReaddirer  = (*Node)(nil)
	_ fs.NodeOpener     = (*Node)(nil)
	_ fs.NodeReader     = (*Node)(nil)
	_ fs.NodeWriter     = (*Node)(nil)
	_ fs.NodeReleaser   = (*Node)(nil)
	_ fs.NodeUnlinker   = (*Node)(nil)
	_ fs.NodeGetattrer  = (*Node)(nil)
	_ fs.NodeCreater    = (*Node)(nil)
)

// Node is one entry in the bridged filesystem tree, identified by its
// logical path relative to the SSD root.
type Node struct {
	fs.Inode

	core *tiervfs.Core
	root string // SSD root, for directory-op passthrough
	path string // logical path relative to root
	logger *slog.Logger
}

// NewRoot returns the FUSE root node for a tiervfs mount.
func NewRoot(core *tiervfs.Core, ssdRoot string, logger *slog.Logger) *Node {
	return &Node{core: core, root: ssdRoot, path: "", logger: logger}
}

func (n *Node) realPath() string {
	return filepath.Join(n.root, n.path)
}

func (n *Node) child(name string) *Node {
	return &Node{core: n.core, root: n.root, path: filepath.Join(n.path, name), logger: n.logger}
}

// Lookup passes through to the real directory entry, deferring permission
// and identity attributes to the kernel's usual stat path.
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	child := n.child(name)
	info, err := os.Lstat(child.realPath())
	if err != nil {
		return nil, syscallErrno(err)
	}

	fillAttr(&out.Attr, info)
	mode := fuse.S_IFREG
	if info.IsDir() {
		mode = fuse.S_IFDIR
	}

	embedded := n.NewInode(ctx, child, fs.StableAttr{Mode: uint32(mode)})
	return embedded, 0
}

// Readdir lists the real directory, skipping every entry whose name starts
// with '.', which hides metadata records, tail files, the index mirror, and
// the cache directory.
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := os.ReadDir(n.realPath())
	if err != nil {
		return nil, syscallErrno(err)
	}

	var fuseEntries []fuse.DirEntry
	for _, e := range entries {
		if len(e.Name()) > 0 && e.Name()[0] == '.' {
			continue
		}
		mode := uint32(fuse.S_IFREG)
		if e.IsDir() {
			mode = fuse.S_IFDIR
		}
		fuseEntries = append(fuseEntries, fuse.DirEntry{Name: e.Name(), Mode: mode})
	}
	return fs.NewListDirStream(fuseEntries), 0
}

// Getattr reports POSIX attributes from the real proxy file, but overrides
// Size/Atime/Mtime/Ctime with the core's Stat when the file is tiered.
func (n *Node) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	info, err := os.Lstat(n.realPath())
	if err != nil {
		return syscallErrno(err)
	}
	fillAttr(&out.Attr, info)

	if info.IsDir() {
		return 0
	}

	attrs, err := n.core.Stat(n.path)
	if err != nil {
		if isNotFound(err) {
			return 0
		}
		return syscall.EIO
	}
	out.Attr.Size = uint64(attrs.TotalSize)
	out.Attr.Atime = uint64(attrs.Atime)
	out.Attr.Mtime = uint64(attrs.Mtime)
	out.Attr.Ctime = uint64(attrs.Ctime)
	return 0
}

// Create makes a new resident proxy file and opens a writable handle on it.
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	child := n.child(name)

	f, err := os.OpenFile(child.realPath(), os.O_CREATE|os.O_EXCL|os.O_RDWR, os.FileMode(mode))
	if err != nil {
		return nil, nil, 0, syscallErrno(err)
	}
	f.Close()

	h, err := n.core.Open(child.path, true)
	if err != nil {
		return nil, nil, 0, syscall.EIO
	}

	info, _ := os.Lstat(child.realPath())
	if info != nil {
		fillAttr(&out.Attr, info)
	}

	embedded := n.NewInode(ctx, child, fs.StableAttr{Mode: fuse.S_IFREG})
	return embedded, &Handle{core: n.core, handle: h, path: child.path}, 0, 0
}

// Open opens an existing file; writable handles participate in the
// release-time migration decision.
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	writable := flags&syscall.O_ACCMODE != syscall.O_RDONLY

	h, err := n.core.Open(n.path, writable)
	if err != nil {
		return nil, 0, syscall.EIO
	}

	return &Handle{core: n.core, handle: h, path: n.path}, fuse.FOPEN_KEEP_CACHE, 0
}

// Read delegates to the open handle.
func (n *Node) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	h, ok := fh.(*Handle)
	if !ok {
		return nil, syscall.EBADF
	}
	got, err := n.core.Read(ctx, h.handle, dest, len(dest), off)
	if err != nil {
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(dest[:got]), 0
}

// Write delegates to the open handle.
func (n *Node) Write(ctx context.Context, fh fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	h, ok := fh.(*Handle)
	if !ok {
		return 0, syscall.EBADF
	}
	written, err := n.core.Write(ctx, h.handle, data, len(data), off)
	if err != nil {
		return 0, syscall.EIO
	}
	return uint32(written), 0
}

// Release runs the release-time migration decision when the last writable
// handle on the file closes.
func (n *Node) Release(ctx context.Context, fh fs.FileHandle) syscall.Errno {
	h, ok := fh.(*Handle)
	if !ok {
		return syscall.EBADF
	}
	if err := n.core.Release(ctx, h.handle); err != nil {
		return syscall.EIO
	}
	return 0
}

// Unlink removes the logical file's entire on-SSD and on-cloud footprint.
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	child := n.child(name)
	if err := n.core.Unlink(ctx, child.path); err != nil {
		if isNotFound(err) {
			return syscall.ENOENT
		}
		return syscall.EIO
	}
	return 0
}

func fillAttr(out *fuse.Attr, info os.FileInfo) {
	out.Size = uint64(info.Size())
	out.Mode = uint32(info.Mode())
	mtime := info.ModTime()
	out.Mtime = uint64(mtime.Unix())
	out.Atime = out.Mtime
	out.Ctime = out.Mtime
}

func syscallErrno(err error) syscall.Errno {
	if os.IsNotExist(err) {
		return syscall.ENOENT
	}
	if os.IsPermission(err) {
		return syscall.EACCES
	}
	return syscall.EIO
}

func isNotFound(err error) bool {
	_, ok := err.(*tiererrors.NotFoundError)
	return ok
}
