package vfs

import (
	"sort"
	"strconv"

	"github.com/hcbsmanager/hcbsmanager/pkg/inode"
	"github.com/hcbsmanager/hcbsmanager/pkg/snapshot"
)

// File offsets within their parent directory's inode, per spec §3: a
// PID directory's children live at off ∈ {2,3}; CGROUP_DIR's children
// occupy CGROUP_DIR + {1,2,3}.
const (
	pidFileCgroupOffset      = 2
	pidFileSchedPolicyOffset = 3

	cgroupFileCreateOffset = 1
	cgroupFileDeleteOffset = 2
	cgroupFileUpdateOffset = 3
)

// rootDir is /: children "proc" and "cgroup". It has no parent: Tree's
// readdir omits ".." for it, and Parent returns the root itself, so a
// lookup of ".." resolves to /.
type rootDir struct{ tree *Tree }

func (t *Tree) rootDir() *rootDir { return &rootDir{tree: t} }

func (d *rootDir) Ino() uint64  { return inode.Root }
func (d *rootDir) Attr() Attr   { return dirAttr() }
func (d *rootDir) Parent() Node { return d }

func (d *rootDir) Children() ([]DirEntry, error) {
	return []DirEntry{
		{Name: "proc", Ino: inode.ProcDir, IsDir: true},
		{Name: "cgroup", Ino: inode.CgroupDir, IsDir: true},
	}, nil
}

func (d *rootDir) LookupChild(name string) (Node, error) {
	switch name {
	case "proc":
		return d.tree.procDir(), nil
	case "cgroup":
		return d.tree.cgroupDir(), nil
	default:
		return nil, ErrNoEntry
	}
}

// procDir is /proc: one child per live PID.
type procDir struct{ tree *Tree }

func (t *Tree) procDir() *procDir { return &procDir{tree: t} }

func (d *procDir) Ino() uint64  { return inode.ProcDir }
func (d *procDir) Attr() Attr   { return dirAttr() }
func (d *procDir) Parent() Node { return d.tree.rootDir() }

func (d *procDir) Children() ([]DirEntry, error) {
	pids := d.tree.Snapshot.LivePids()
	sort.Ints(pids)
	entries := make([]DirEntry, 0, len(pids))
	for _, pid := range pids {
		entries = append(entries, DirEntry{
			Name:  strconv.Itoa(pid),
			Ino:   inode.PidDir(uint64(pid)),
			IsDir: true,
		})
	}
	return entries, nil
}

func (d *procDir) LookupChild(name string) (Node, error) {
	pid, err := strconv.Atoi(name)
	if err != nil || pid < 0 {
		return nil, ErrNoEntry
	}
	return d.tree.pidDir(pid)
}

// pidDir is /proc/<pid>: fixed children "cgroup" and "sched_policy".
type pidDir struct {
	tree *Tree
	pid  int
	info snapshot.Info
}

func (t *Tree) pidDir(pid int) (*pidDir, error) {
	info, ok := t.Snapshot.Info(pid)
	if !ok {
		return nil, ErrNoEntry
	}
	return &pidDir{tree: t, pid: pid, info: info}, nil
}

func (d *pidDir) Ino() uint64  { return inode.PidDir(uint64(d.pid)) }
func (d *pidDir) Attr() Attr   { return procAttr(d.info) }
func (d *pidDir) Parent() Node { return d.tree.procDir() }

func (d *pidDir) Children() ([]DirEntry, error) {
	base := inode.PidDir(uint64(d.pid))
	return []DirEntry{
		{Name: "cgroup", Ino: base + pidFileCgroupOffset},
		{Name: "sched_policy", Ino: base + pidFileSchedPolicyOffset},
	}, nil
}

func (d *pidDir) LookupChild(name string) (Node, error) {
	switch name {
	case "cgroup":
		return d.tree.cgroupFile(d.pid)
	case "sched_policy":
		return d.tree.schedPolicyFile(d.pid)
	default:
		return nil, ErrNoEntry
	}
}

// cgroupDir is /cgroup: fixed children "create", "delete", "update".
type cgroupDir struct{ tree *Tree }

func (t *Tree) cgroupDir() *cgroupDir { return &cgroupDir{tree: t} }

func (d *cgroupDir) Ino() uint64  { return inode.CgroupDir }
func (d *cgroupDir) Attr() Attr   { return dirAttr() }
func (d *cgroupDir) Parent() Node { return d.tree.rootDir() }

func (d *cgroupDir) Children() ([]DirEntry, error) {
	return []DirEntry{
		{Name: "create", Ino: inode.CgroupDir + cgroupFileCreateOffset},
		{Name: "delete", Ino: inode.CgroupDir + cgroupFileDeleteOffset},
		{Name: "update", Ino: inode.CgroupDir + cgroupFileUpdateOffset},
	}, nil
}

func (d *cgroupDir) LookupChild(name string) (Node, error) {
	switch name {
	case "create":
		return d.tree.createFile(), nil
	case "delete":
		return d.tree.deleteFile(), nil
	case "update":
		return d.tree.updateFile(), nil
	default:
		return nil, ErrNoEntry
	}
}
