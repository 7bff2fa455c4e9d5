// Package vfs implements the tree model of spec §4.5: the fixed set of
// node kinds (RootDir, ProcDir, PidDir, CgroupDir, and the five regular
// files) that a stateless FUSE driver resolves per request from a decoded
// inode. Per the design note in spec §9, nodes are constructed ephemerally
// for the duration of one call and never store parent pointers; `..` is
// answered by each directory's Parent method, which constructs the fixed
// parent node for its kind at call time. No parent attributes are captured
// when a node is constructed.
package vfs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/hcbsmanager/hcbsmanager/pkg/hcbs"
	"github.com/hcbsmanager/hcbsmanager/pkg/inode"
	"github.com/hcbsmanager/hcbsmanager/pkg/snapshot"
)

// EntryTTL is the attribute/entry cache lifetime every FUSE reply carries,
// so the kernel page cache never masks a live change (spec §4.5).
const EntryTTL = 1 * time.Millisecond

var (
	// ErrNoEntry is returned by lookups that miss; fusesrv maps it to ENOENT.
	ErrNoEntry = errors.New("vfs: no such entry")
	// ErrNotDirectory is returned when readdir/lookup targets a file.
	ErrNotDirectory = errors.New("vfs: not a directory")
	// ErrIsDirectory is returned when read/write targets a directory.
	ErrIsDirectory = errors.New("vfs: is a directory")
	// ErrNotReadable is returned for a read on a write-only command file.
	ErrNotReadable = errors.New("vfs: file is not readable")
	// ErrBadWriteOffset is returned for any write not at offset 0
	// (command files are single-shot, spec §4.5 write).
	ErrBadWriteOffset = errors.New("vfs: writes must start at offset 0")
	// ErrWriteRejected wraps any parse or semantic failure from a
	// command-file write (AlreadyExists, NotFound, InsufficientBudget,
	// ParseError, PolicyConflict, Unsupported — all surfaced as EACCES
	// per spec §7).
	ErrWriteRejected = errors.New("vfs: write rejected")
	// ErrPlatform wraps an underlying platform-layer failure on a read
	// (surfaced as EIO per spec §7).
	ErrPlatform = errors.New("vfs: platform error")
	// ErrSetAttrUnsupported is returned by setattr on a directory.
	ErrSetAttrUnsupported = errors.New("vfs: setattr not supported on directories")
)

// mode bits. Only the type (directory/regular) and permission bits this
// filesystem ever reports are modeled; no symlinks, devices, or sockets.
const (
	modeTypeDir = 0o040000
	modeTypeReg = 0o100000

	dirPerm       = 0o775
	filePerm      = 0o664
	cgroupCmdPerm = 0o666
)

var epoch = time.Unix(0, 0)

// Attr is the subset of POSIX file attributes this filesystem reports.
type Attr struct {
	Mode    uint32
	Size    uint64
	Nlink   uint32
	Uid     uint32
	Gid     uint32
	BlkSize uint32
	Atime   time.Time
	Mtime   time.Time
	Ctime   time.Time
	Crtime  time.Time
}

func dirAttr() Attr {
	return Attr{
		Mode:    modeTypeDir | dirPerm,
		Nlink:   1,
		BlkSize: 512,
		Atime:   epoch,
		Mtime:   epoch,
		Ctime:   epoch,
		Crtime:  epoch,
	}
}

func fileAttr(size uint64, perm uint32) Attr {
	return Attr{
		Mode:    modeTypeReg | perm,
		Size:    size,
		Nlink:   1,
		BlkSize: 512,
		Atime:   epoch,
		Mtime:   epoch,
		Ctime:   epoch,
		Crtime:  epoch,
	}
}

// procAttr builds a PID-directory attribute set: credentials and all four
// timestamps come from the process snapshot rather than the epoch
// (SPEC_FULL.md §C.5), matching the original's PidDirFS which borrows a
// cached ProcessStats rather than re-reading /proc per getattr. A PID whose
// start time could not be read gets the epoch.
func procAttr(info snapshot.Info) Attr {
	start := info.StartTime
	if start.IsZero() {
		start = epoch
	}
	return Attr{
		Mode:    modeTypeDir | dirPerm,
		Nlink:   1,
		BlkSize: 512,
		Uid:     info.UID,
		Gid:     info.GID,
		Atime:   start,
		Mtime:   start,
		Ctime:   start,
		Crtime:  start,
	}
}

// DirEntry is one entry returned by a directory's Children, or injected
// generically by Tree for "." and "..".
type DirEntry struct {
	Name  string
	Ino   uint64
	IsDir bool
}

// Node is the capability every tree node exposes (spec §4.5).
type Node interface {
	Ino() uint64
	Attr() Attr
}

// Dir is a directory node. LookupChild resolves a single named child;
// "." and ".." are handled generically by Tree and never reach
// LookupChild. Parent returns the node used to answer "..", built from the
// directory's kind when called.
type Dir interface {
	Node
	Children() ([]DirEntry, error)
	LookupChild(name string) (Node, error)
	Parent() Node
}

// File is a regular file node. Readable/Writable gate read(2)/write(2);
// ReadAll computes the full current payload (Tree slices it by offset);
// WriteAll performs the single-shot command parse-and-apply.
type File interface {
	Node
	Readable() bool
	Writable() bool
	ReadAll() ([]byte, error)
	WriteAll(body []byte) error
}

// Tree resolves inodes into ephemeral nodes, borrowing the façade manager
// and process snapshot for the duration of one call (spec §9).
type Tree struct {
	Manager  *hcbs.Manager
	Snapshot *snapshot.Snapshotter
	Logger   hclog.Logger
}

// NewTree constructs a Tree. logger may be nil.
func NewTree(manager *hcbs.Manager, snap *snapshot.Snapshotter, logger hclog.Logger) *Tree {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Tree{Manager: manager, Snapshot: snap, Logger: logger.Named("vfs")}
}

// Resolve decodes ino and constructs the corresponding node. It is the
// single entry point every other Tree method funnels through.
func (t *Tree) Resolve(ino uint64) (Node, error) {
	if ino == inode.Root {
		return t.rootDir(), nil
	}

	kind, id, off := inode.Decode(ino)
	switch kind {
	case inode.KindProc:
		if id == 0 {
			if off != 0 {
				return nil, ErrNoEntry
			}
			return t.procDir(), nil
		}
		pid := int(id)
		switch off {
		case 0:
			return t.pidDir(pid)
		case pidFileCgroupOffset:
			return t.cgroupFile(pid)
		case pidFileSchedPolicyOffset:
			return t.schedPolicyFile(pid)
		default:
			return nil, ErrNoEntry
		}
	case inode.KindCgroup:
		if id != 0 {
			return nil, ErrNoEntry
		}
		switch off {
		case 0:
			return t.cgroupDir(), nil
		case cgroupFileCreateOffset:
			return t.createFile(), nil
		case cgroupFileDeleteOffset:
			return t.deleteFile(), nil
		case cgroupFileUpdateOffset:
			return t.updateFile(), nil
		default:
			return nil, ErrNoEntry
		}
	default:
		return nil, ErrNoEntry
	}
}

// Lookup resolves name under the directory at parentIno, handling "." and
// ".." generically from the parent node and the node its Parent method
// returns (spec §4.5 lookup).
func (t *Tree) Lookup(parentIno uint64, name string) (Node, error) {
	parent, err := t.Resolve(parentIno)
	if err != nil {
		return nil, err
	}
	dir, ok := parent.(Dir)
	if !ok {
		return nil, ErrNotDirectory
	}
	switch name {
	case ".":
		return dir, nil
	case "..":
		return dir.Parent(), nil
	default:
		return dir.LookupChild(name)
	}
}

// ReadDir returns the full, ordered entry list for ino: "." first, then
// ".." (except RootDir, which has none), then the directory's own
// children (spec §4.5 readdir).
func (t *Tree) ReadDir(ino uint64) ([]DirEntry, error) {
	node, err := t.Resolve(ino)
	if err != nil {
		return nil, err
	}
	dir, ok := node.(Dir)
	if !ok {
		return nil, ErrNotDirectory
	}

	entries := []DirEntry{{Name: ".", Ino: dir.Ino(), IsDir: true}}
	if ino != inode.Root {
		parent := dir.Parent()
		entries = append(entries, DirEntry{Name: "..", Ino: parent.Ino(), IsDir: true})
	}
	children, err := dir.Children()
	if err != nil {
		return nil, err
	}
	return append(entries, children...), nil
}

// Read returns node's payload sliced to [offset, min(len, offset+size)),
// per spec §4.5 read. Directories return ErrIsDirectory; write-only files
// return ErrNotReadable.
func (t *Tree) Read(ino uint64, offset int64, size int) ([]byte, error) {
	node, err := t.Resolve(ino)
	if err != nil {
		return nil, err
	}
	if _, ok := node.(Dir); ok {
		return nil, ErrIsDirectory
	}
	file, ok := node.(File)
	if !ok {
		return nil, fmt.Errorf("vfs: node %d is neither directory nor file", ino)
	}
	if !file.Readable() {
		return nil, ErrNotReadable
	}
	payload, err := file.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPlatform, err)
	}
	if offset < 0 || int(offset) > len(payload) {
		return nil, nil
	}
	end := int(offset) + size
	if end > len(payload) {
		end = len(payload)
	}
	return payload[offset:end], nil
}

// Write applies body to node at offset, enforcing the single-shot rule
// (spec §4.5 write): only offset 0 is accepted.
func (t *Tree) Write(ino uint64, offset int64, body []byte) (int, error) {
	node, err := t.Resolve(ino)
	if err != nil {
		return 0, err
	}
	if _, ok := node.(Dir); ok {
		return 0, ErrIsDirectory
	}
	file, ok := node.(File)
	if !ok {
		return 0, fmt.Errorf("vfs: node %d is neither directory nor file", ino)
	}
	if !file.Writable() {
		return 0, fmt.Errorf("%w: %v", ErrWriteRejected, "file is not writable")
	}
	if offset != 0 {
		return 0, ErrBadWriteOffset
	}
	if err := file.WriteAll(body); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrWriteRejected, err)
	}
	return len(body), nil
}

// SetAttr answers the truncate/chmod no-op that standard tools issue
// before an O_TRUNC write (spec §4.5 setattr). Directories reject.
func (t *Tree) SetAttr(ino uint64) (Attr, error) {
	node, err := t.Resolve(ino)
	if err != nil {
		return Attr{}, err
	}
	if _, ok := node.(Dir); ok {
		return Attr{}, ErrSetAttrUnsupported
	}
	return node.Attr(), nil
}

func (t *Tree) ctx() context.Context { return context.Background() }
