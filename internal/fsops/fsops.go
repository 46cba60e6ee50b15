// Package fsops is the kernel-bridge surface: the same operation set the
// reference implementation's FS exposes to fuse_mt (see
// original_source/src/filesystem/mod.rs), reworked around inode.ID instead
// of path lookups, since the jacobsa/fuse ops this server answers already
// carry an inode number rather than a path (see internal/fuseadapter).
//
// Every mutating call goes through inode.Layer, which owns conflict
// resolution, clock bookkeeping and block storage; fsops only translates
// between that and POSIX call semantics (errno, handle table, attrs).
package fsops

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/syncfs/syncfs/internal/inode"
	"github.com/syncfs/syncfs/internal/logger"
	"github.com/syncfs/syncfs/internal/rwhashes"
)

// Attr is the subset of an inode's metadata a kernel bridge needs to
// build a stat(2) response, independent of any particular FUSE binding.
type Attr struct {
	Node     inode.ID
	FileType inode.FileType
	Perm     uint32
	UID      uint32
	GID      uint32
	Size     uint64
	Blocks   uint64
	Nlink    uint32
	Atime    time.Time
	Mtime    time.Time
	Ctime    time.Time
	Crtime   time.Time
}

func attrOf(node inode.ID, e *inode.Entry) Attr {
	nlink := uint32(1)
	if e.FileType == inode.Directory {
		nlink = uint32(2 + len(e.Children))
	}
	return Attr{
		Node:     node,
		FileType: e.FileType,
		Perm:     e.Perm,
		UID:      e.UID,
		GID:      e.GID,
		Size:     e.Size,
		Blocks:   e.Blocks512(),
		Nlink:    nlink,
		Atime:    e.Atime,
		Mtime:    e.Mtime,
		Ctime:    e.Ctime,
		Crtime:   e.Crtime,
	}
}

// DirEntry is one child reported by Readdir.
type DirEntry struct {
	Name     string
	Node     inode.ID
	FileType inode.FileType
}

// Statfs mirrors the reference implementation's hardcoded Statfs reply:
// syncfs has no fixed backing volume size, so it reports a large constant
// filesystem instead of deriving one from local disk usage.
type Statfs struct {
	Blocks, BlocksFree, BlocksAvail uint64
	Files, FilesFree                uint64
	BlockSize, NameLen, FragSize    uint32
}

// handle is an open file or directory: which node it refers to, held
// alive (and able to be fsync'd and released) independent of any path.
type handle struct {
	node inode.ID
}

// Server answers every kernel-bridge operation against a single peer's
// inode.Layer, handing out opaque handle IDs the way the reference
// implementation's FS::create_handle/delete_handle do.
type Server struct {
	layer *inode.Layer

	handles       *rwhashes.Map[uint64, *handle]
	handleCounter atomic.Uint64
}

// New returns a Server backed by layer, ensuring the filesystem root
// exists (lazily creating it, owned by uid/gid, if this is a fresh
// catalog) before returning.
func New(ctx context.Context, layer *inode.Layer, uid, gid uint32) (*Server, error) {
	if err := layer.EnsureRoot(ctx, uid, gid, time.Now()); err != nil {
		return nil, fmt.Errorf("ensuring root node: %w", err)
	}
	return &Server{
		layer:   layer,
		handles: rwhashes.New[uint64, *handle](8, func(h uint64) uint64 { return h }),
	}, nil
}

// RootNode is the node ID of the filesystem root, directory (0,0) as
// named by the glossary — lazily created by New on first mount.
var RootNode = inode.ID{PeerNum: 0, Index: 0}

func notFound(err error) bool {
	// inode.Layer surfaces a missing revision as a plain error rather than a
	// typed one (see Layer.View); fsops treats any View/FetchEntry failure
	// against a node the caller claims to hold as ENOENT, since the only way
	// to reach a dangling node ID here is a stale handle or a torn rename.
	return err != nil
}

// createHandle mints and stores a fresh handle ID for node.
func (s *Server) createHandle(node inode.ID) uint64 {
	id := s.handleCounter.Add(1)
	s.handles.Set(id, &handle{node: node})
	return id
}

func (s *Server) handleNode(h uint64) (inode.ID, error) {
	hd, ok := s.handles.Get(h)
	if !ok {
		return inode.ID{}, unix.EBADF
	}
	return hd.node, nil
}

// Open mints a handle for an already-resolved node. The reference
// implementation's open/opendir are identical (fuse_mt doesn't distinguish
// them beyond the path); so is this.
func (s *Server) Open(ctx context.Context, node inode.ID) (uint64, error) {
	return s.createHandle(node), nil
}

// Release flushes any dirty write-back blocks for the handle's node to
// content-addressed storage and forgets the handle, mirroring
// FS::delete_handle.
func (s *Server) Release(ctx context.Context, h uint64) error {
	hd, ok := s.handles.Get(h)
	if !ok {
		return nil
	}
	s.handles.Delete(h)
	return s.layer.Sync(ctx, hd.node)
}

// LookUp resolves name within parent, the Go form of find_node's one-level
// step (the kernel already walks the tree for us via repeated LookUp
// calls, unlike fuse_mt's whole-path find_node).
func (s *Server) LookUp(ctx context.Context, parent inode.ID, name string) (Attr, error) {
	dir, err := s.layer.View(ctx, parent)
	if notFound(err) {
		return Attr{}, unix.ENOENT
	}
	ref, ok := dir.Children[name]
	if !ok {
		return Attr{}, unix.ENOENT
	}
	child, err := s.layer.View(ctx, ref.Node)
	if notFound(err) {
		return Attr{}, unix.ENOENT
	}
	return attrOf(ref.Node, child), nil
}

// Getattr reports node's current attributes.
func (s *Server) Getattr(ctx context.Context, node inode.ID) (Attr, error) {
	e, err := s.layer.View(ctx, node)
	if notFound(err) {
		return Attr{}, unix.ENOENT
	}
	return attrOf(node, e), nil
}

// Readdir lists node's children in the iteration order of the children
// map, which has no fixed order, so fsops doesn't promise stability across
// calls.
func (s *Server) Readdir(ctx context.Context, node inode.ID) ([]DirEntry, error) {
	e, err := s.layer.View(ctx, node)
	if notFound(err) {
		return nil, unix.ENOENT
	}
	out := make([]DirEntry, 0, len(e.Children))
	for name, ref := range e.Children {
		out = append(out, DirEntry{Name: name, Node: ref.Node, FileType: ref.Type})
	}
	return out, nil
}

// Chmod sets node's permission bits.
func (s *Server) Chmod(ctx context.Context, node inode.ID, mode uint32) error {
	_, err := s.layer.Update(ctx, node, time.Now(), func(e *inode.Entry) {
		e.Perm = mode
	})
	return err
}

// Chown sets node's owning uid and/or gid; a nil pointer leaves that
// field unchanged, matching chown(2)'s -1 sentinel.
func (s *Server) Chown(ctx context.Context, node inode.ID, uid, gid *uint32) error {
	_, err := s.layer.Update(ctx, node, time.Now(), func(e *inode.Entry) {
		if uid != nil {
			e.UID = *uid
		}
		if gid != nil {
			e.GID = *gid
		}
	})
	return err
}

// Utimens sets node's access and/or modification time; a nil pointer
// leaves that field unchanged.
func (s *Server) Utimens(ctx context.Context, node inode.ID, atime, mtime *time.Time) error {
	_, err := s.layer.Update(ctx, node, time.Now(), func(e *inode.Entry) {
		if atime != nil {
			e.Atime = *atime
		}
		if mtime != nil {
			e.Mtime = *mtime
		}
	})
	return err
}

// Truncate sets node's size, the same bare field assignment as the
// reference implementation (no actual block truncation: a shrink just
// changes what Entry.Read will return past the new size, and a grow
// reads back as a sparse hole until written).
func (s *Server) Truncate(ctx context.Context, node inode.ID, size uint64) error {
	_, err := s.layer.Update(ctx, node, time.Now(), func(e *inode.Entry) {
		e.Size = size
	})
	return err
}

// Create makes a new regular file named name under parent, owned by
// parent's uid/gid the way create_node mirrors its parent's ownership,
// opens a handle on it, and links it into parent.
func (s *Server) Create(ctx context.Context, parent inode.ID, name string, mode uint32) (Attr, uint64, error) {
	return s.createChild(ctx, parent, name, inode.RegularFile, mode)
}

// Mkdir makes a new directory named name under parent.
func (s *Server) Mkdir(ctx context.Context, parent inode.ID, name string, mode uint32) (Attr, error) {
	attr, _, err := s.createChild(ctx, parent, name, inode.Directory, mode)
	return attr, err
}

func (s *Server) createChild(ctx context.Context, parent inode.ID, name string, filetype inode.FileType, mode uint32) (Attr, uint64, error) {
	parentEntry, err := s.layer.View(ctx, parent)
	if notFound(err) {
		return Attr{}, 0, unix.ENOENT
	}
	if _, exists := parentEntry.Children[name]; exists {
		return Attr{}, 0, unix.EEXIST
	}

	node, child, err := s.layer.CreateChild(ctx, filetype, time.Now())
	if err != nil {
		return Attr{}, 0, fmt.Errorf("creating child: %w", err)
	}
	if _, err := s.layer.Update(ctx, node, time.Now(), func(e *inode.Entry) {
		e.Perm = mode
		e.UID = parentEntry.UID
		e.GID = parentEntry.GID
	}); err != nil {
		return Attr{}, 0, err
	}

	if _, err := s.layer.Update(ctx, parent, time.Now(), func(e *inode.Entry) {
		e.AddChild(name, inode.ChildRef{Node: node, Type: filetype})
	}); err != nil {
		return Attr{}, 0, err
	}

	var h uint64
	if filetype == inode.RegularFile {
		h = s.createHandle(node)
	}
	child.Perm = mode
	child.UID = parentEntry.UID
	child.GID = parentEntry.GID
	return attrOf(node, child), h, nil
}

// Symlink creates a symlink named name under parent whose target is the
// literal path target, stored as the symlink's sole immutable block.
func (s *Server) Symlink(ctx context.Context, parent inode.ID, name, target string) (Attr, error) {
	parentEntry, err := s.layer.View(ctx, parent)
	if notFound(err) {
		return Attr{}, unix.ENOENT
	}
	if _, exists := parentEntry.Children[name]; exists {
		return Attr{}, unix.EEXIST
	}

	node, child, err := s.layer.CreateSymlink(ctx, target, time.Now())
	if err != nil {
		return Attr{}, fmt.Errorf("creating symlink: %w", err)
	}
	if _, err := s.layer.Update(ctx, node, time.Now(), func(e *inode.Entry) {
		e.UID = parentEntry.UID
		e.GID = parentEntry.GID
	}); err != nil {
		return Attr{}, err
	}
	if _, err := s.layer.Update(ctx, parent, time.Now(), func(e *inode.Entry) {
		e.AddChild(name, inode.ChildRef{Node: node, Type: inode.Symlink})
	}); err != nil {
		return Attr{}, err
	}
	child.UID = parentEntry.UID
	child.GID = parentEntry.GID
	return attrOf(node, child), nil
}

// Readlink returns a symlink node's target.
func (s *Server) Readlink(ctx context.Context, node inode.ID) (string, error) {
	e, err := s.layer.View(ctx, node)
	if notFound(err) {
		return "", unix.ENOENT
	}
	if e.FileType != inode.Symlink {
		return "", unix.EINVAL
	}
	data, err := s.layer.Read(ctx, node, 0, uint32(e.Size))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Link adds a second name, newname under newparent, for an existing node
// — a second directory entry pointing at the same inode, exactly as
// fuse_mt's link passes the existing node straight through to add_child.
func (s *Server) Link(ctx context.Context, node, newParent inode.ID, newName string) (Attr, error) {
	child, err := s.layer.View(ctx, node)
	if notFound(err) {
		return Attr{}, unix.ENOENT
	}
	if _, err := s.layer.Update(ctx, newParent, time.Now(), func(e *inode.Entry) {
		e.AddChild(newName, inode.ChildRef{Node: node, Type: child.FileType})
	}); err != nil {
		return Attr{}, err
	}
	return attrOf(node, child), nil
}

// Read reads up to size bytes of node starting at offset.
func (s *Server) Read(ctx context.Context, node inode.ID, offset uint64, size uint32) ([]byte, error) {
	data, err := s.layer.Read(ctx, node, offset, size)
	if notFound(err) {
		return nil, unix.ENOENT
	}
	return data, err
}

// Write writes data to node starting at offset, caching the result until
// the next Release or Fsync flushes it to content-addressed storage.
func (s *Server) Write(ctx context.Context, node inode.ID, offset uint64, data []byte) (int, error) {
	n, err := s.layer.Write(ctx, node, offset, data, time.Now())
	if notFound(err) {
		return 0, unix.ENOENT
	}
	return n, err
}

// Rmdir removes an empty directory named name from parent.
func (s *Server) Rmdir(ctx context.Context, parent inode.ID, name string) error {
	dirEntry, err := s.layer.View(ctx, parent)
	if notFound(err) {
		return unix.ENOENT
	}
	ref, ok := dirEntry.Children[name]
	if !ok {
		return unix.ENOENT
	}
	child, err := s.layer.View(ctx, ref.Node)
	if notFound(err) {
		return unix.ENOENT
	}
	if len(child.Children) != 0 {
		return unix.ENOTEMPTY
	}
	_, err = s.layer.Update(ctx, parent, time.Now(), func(e *inode.Entry) {
		e.RemoveChild(name)
	})
	return err
}

// Unlink removes name from parent.
func (s *Server) Unlink(ctx context.Context, parent inode.ID, name string) error {
	_, err := s.layer.Update(ctx, parent, time.Now(), func(e *inode.Entry) {
		if _, ok := e.RemoveChild(name); !ok {
			logger.Debugf("unlink: %q already absent from parent, treating as success", name)
		}
	})
	return err
}

// Rename moves name from oldParent to newName under newParent — a
// remove-then-add pair against the two parent entries, exactly as the
// reference implementation's rename does (no atomic cross-directory
// rename: a crash between the two Updates can leave the child unlinked
// from both, the same risk fuse_mt's FS::rename already accepts).
func (s *Server) Rename(ctx context.Context, oldParent inode.ID, oldName string, newParent inode.ID, newName string) error {
	var moved inode.ChildRef
	_, err := s.layer.Update(ctx, oldParent, time.Now(), func(e *inode.Entry) {
		moved, _ = e.RemoveChild(oldName)
	})
	if err != nil {
		return err
	}
	_, err = s.layer.Update(ctx, newParent, time.Now(), func(e *inode.Entry) {
		e.AddChild(newName, moved)
	})
	return err
}

// Statfs reports a large fixed-size filesystem, the same constant reply
// the reference implementation hardcodes since there is no single
// backing volume whose free space is meaningful to report.
func (s *Server) Statfs(ctx context.Context) Statfs {
	const huge = 1_000_000_000
	return Statfs{
		Blocks:     huge,
		BlocksFree: huge,
		BlocksAvail: huge,
		FilesFree:  huge,
		BlockSize:  4096,
		NameLen:    4096,
		FragSize:   4096,
	}
}

// Getxattr returns the value stored under name, or unix.ENODATA if absent.
func (s *Server) Getxattr(ctx context.Context, node inode.ID, name string) ([]byte, error) {
	e, err := s.layer.View(ctx, node)
	if notFound(err) {
		return nil, unix.ENOENT
	}
	v, ok := e.Xattrs[name]
	if !ok {
		return nil, unix.ENODATA
	}
	return v, nil
}

// Listxattr returns the names of every extended attribute set on node.
func (s *Server) Listxattr(ctx context.Context, node inode.ID) ([]string, error) {
	e, err := s.layer.View(ctx, node)
	if notFound(err) {
		return nil, unix.ENOENT
	}
	names := make([]string, 0, len(e.Xattrs))
	for name := range e.Xattrs {
		names = append(names, name)
	}
	return names, nil
}

// XattrCreate and XattrReplace mirror setxattr(2)'s XATTR_CREATE and
// XATTR_REPLACE flags.
type XattrFlags int

const (
	XattrDefault XattrFlags = iota
	XattrCreate
	XattrReplace
)

// Setxattr sets name to value on node, honoring flags the way the
// reference implementation's setxattr does: XattrCreate fails EEXIST if
// name is already set, XattrReplace fails ENODATA if it isn't.
func (s *Server) Setxattr(ctx context.Context, node inode.ID, name string, value []byte, flags XattrFlags) error {
	var existed bool
	_, err := s.layer.Update(ctx, node, time.Now(), func(e *inode.Entry) {
		_, exists := e.Xattrs[name]
		existed = exists
		switch flags {
		case XattrCreate:
			if exists {
				return
			}
		case XattrReplace:
			if !exists {
				return
			}
		}
		e.Xattrs[name] = append([]byte(nil), value...)
	})
	if err != nil {
		return err
	}
	// Re-check post-hoc: the mutate closure can't return an error, so a
	// flag violation is detected after the Update rather than aborting it —
	// XattrCreate from whether name was present when the closure ran,
	// XattrReplace by re-viewing the saved entry.
	e, viewErr := s.layer.View(ctx, node)
	if viewErr != nil {
		return viewErr
	}
	_, ok := e.Xattrs[name]
	switch flags {
	case XattrCreate:
		if existed {
			return unix.EEXIST
		}
	case XattrReplace:
		if !ok {
			return unix.ENODATA
		}
	}
	return nil
}

// Removexattr removes name from node, or unix.ENODATA if it wasn't set.
func (s *Server) Removexattr(ctx context.Context, node inode.ID, name string) error {
	var existed bool
	_, err := s.layer.Update(ctx, node, time.Now(), func(e *inode.Entry) {
		if _, ok := e.Xattrs[name]; ok {
			delete(e.Xattrs, name)
			existed = true
		}
	})
	if err != nil {
		return err
	}
	if !existed {
		return unix.ENODATA
	}
	return nil
}

// Fsync flushes a handle's node to content-addressed storage without
// releasing the handle.
func (s *Server) Fsync(ctx context.Context, h uint64) error {
	node, err := s.handleNode(h)
	if err != nil {
		return err
	}
	return s.layer.Sync(ctx, node)
}

// Fsyncdir is an alias of Fsync: the reference implementation's
// fsyncdir just forwards to fsync, since syncing a directory node's
// pending child-list mutation is identical to syncing a file.
func (s *Server) Fsyncdir(ctx context.Context, h uint64) error {
	return s.Fsync(ctx, h)
}
