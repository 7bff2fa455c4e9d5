package vfs

import (
	"strings"

	"github.com/hcbsmanager/hcbsmanager/pkg/cgroupmgr"
	"github.com/hcbsmanager/hcbsmanager/pkg/inode"
	"github.com/hcbsmanager/hcbsmanager/pkg/platform"
	"github.com/hcbsmanager/hcbsmanager/pkg/protocol"
)

// cgroupFile is /proc/<pid>/cgroup (spec §4.6).
type cgroupFile struct {
	tree *Tree
	pid  int
}

func (t *Tree) cgroupFile(pid int) (*cgroupFile, error) {
	if _, ok := t.Snapshot.Info(pid); !ok {
		return nil, ErrNoEntry
	}
	return &cgroupFile{tree: t, pid: pid}, nil
}

func (f *cgroupFile) Ino() uint64 {
	return inode.PidDir(uint64(f.pid)) + pidFileCgroupOffset
}

func (f *cgroupFile) Attr() Attr {
	payload, err := f.ReadAll()
	if err != nil {
		return fileAttr(0, filePerm)
	}
	return fileAttr(uint64(len(payload)), filePerm)
}

func (f *cgroupFile) Readable() bool { return true }
func (f *cgroupFile) Writable() bool { return true }

func (f *cgroupFile) ReadAll() ([]byte, error) {
	cgroup, err := f.tree.Manager.PidCgroup(f.tree.ctx(), f.pid)
	if err != nil {
		return nil, err
	}
	// Rendered as an absolute cgroupfs path (spec §8 scenario S3: reading
	// back after a migration into "g1" yields a line ending in "/g1\n"),
	// even though the registry and platform layer key cgroups by their
	// name with no leading slash.
	return []byte("/" + cgroup + "\n"), nil
}

func (f *cgroupFile) WriteAll(body []byte) error {
	name, err := protocol.ParseCgroupName(trimBody(body))
	if err != nil {
		return err
	}
	return f.tree.Manager.AssignCgroup(f.tree.ctx(), f.pid, name)
}

// schedPolicyFile is /proc/<pid>/sched_policy (spec §4.6).
type schedPolicyFile struct {
	tree *Tree
	pid  int
}

func (t *Tree) schedPolicyFile(pid int) (*schedPolicyFile, error) {
	if _, ok := t.Snapshot.Info(pid); !ok {
		return nil, ErrNoEntry
	}
	return &schedPolicyFile{tree: t, pid: pid}, nil
}

func (f *schedPolicyFile) Ino() uint64 {
	return inode.PidDir(uint64(f.pid)) + pidFileSchedPolicyOffset
}

func (f *schedPolicyFile) Attr() Attr {
	payload, err := f.ReadAll()
	if err != nil {
		return fileAttr(0, filePerm)
	}
	return fileAttr(uint64(len(payload)), filePerm)
}

func (f *schedPolicyFile) Readable() bool { return true }
func (f *schedPolicyFile) Writable() bool { return true }

func (f *schedPolicyFile) ReadAll() ([]byte, error) {
	policy, err := f.tree.Manager.PidSchedPolicy(f.tree.ctx(), f.pid)
	if err != nil {
		return nil, err
	}
	return []byte(policy.String() + "\n"), nil
}

func (f *schedPolicyFile) WriteAll(body []byte) error {
	parsed, err := protocol.ParsePolicy(trimBody(body))
	if err != nil {
		return err
	}
	return f.tree.Manager.SetPolicy(f.tree.ctx(), f.pid, toPlatformPolicy(parsed))
}

func toPlatformPolicy(p protocol.Policy) platform.SchedPolicy {
	kind := platform.SchedOther
	switch p.Kind {
	case protocol.PolicyFIFO:
		kind = platform.SchedFIFO
	case protocol.PolicyRR:
		kind = platform.SchedRR
	}
	return platform.SchedPolicy{Kind: kind, Priority: p.Priority}
}

// commandFile is the shared shape of /cgroup/{create,delete,update}: all
// three are write-only (EIO on read, spec §4.6) and single-shot.
type commandFile struct {
	tree   *Tree
	offset uint64
	apply  func(body string) error
}

func (t *Tree) createFile() *commandFile {
	return &commandFile{tree: t, offset: cgroupFileCreateOffset, apply: t.applyCreate}
}

func (t *Tree) deleteFile() *commandFile {
	return &commandFile{tree: t, offset: cgroupFileDeleteOffset, apply: t.applyDelete}
}

func (t *Tree) updateFile() *commandFile {
	return &commandFile{tree: t, offset: cgroupFileUpdateOffset, apply: t.applyUpdate}
}

func (t *Tree) applyCreate(body string) error {
	name, res, err := protocol.ParseReservation(body)
	if err != nil {
		return err
	}
	return t.Manager.Cgroups.Create(t.ctx(), name, cgroupmgr.Reservation{RuntimeUs: res.RuntimeUs, PeriodUs: res.PeriodUs})
}

func (t *Tree) applyUpdate(body string) error {
	name, res, err := protocol.ParseReservation(body)
	if err != nil {
		return err
	}
	return t.Manager.Cgroups.Update(t.ctx(), name, cgroupmgr.Reservation{RuntimeUs: res.RuntimeUs, PeriodUs: res.PeriodUs})
}

func (t *Tree) applyDelete(body string) error {
	name, err := protocol.ParseDeleteRequest(body)
	if err != nil {
		return err
	}
	return t.Manager.Cgroups.Destroy(t.ctx(), name)
}

func (f *commandFile) Ino() uint64       { return inode.CgroupDir + f.offset }
func (f *commandFile) Attr() Attr        { return fileAttr(0, cgroupCmdPerm) }
func (f *commandFile) Readable() bool    { return false }
func (f *commandFile) Writable() bool    { return true }
func (f *commandFile) ReadAll() ([]byte, error) {
	return nil, ErrNotReadable
}
func (f *commandFile) WriteAll(body []byte) error {
	return f.apply(trimBody(body))
}

func trimBody(body []byte) string {
	return strings.TrimSpace(string(body))
}
