//go:build linux

package platform

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// Error wraps an underlying syscall/file error so callers can distinguish
// a platform-layer failure from a semantic rejection (AlreadyExists,
// InsufficientBudget, ...) while still unwrapping to the original error
// via errors.Is/errors.As.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("platform: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// Linux implements Platform over the cgroup v1 CPU controller mounted at
// Root (typically /sys/fs/cgroup/cpu,cpuacct), following the mountinfo
// detection style of the process-cgroup detector this repository's
// ancestry uses elsewhere, and the cpu.rt_period_us/cpu.rt_runtime_us
// write-ordering rules of runc's libcontainer cgroup v1 CPU subsystem.
type Linux struct {
	// Root is the cgroup v1 CPU controller's mount point.
	Root string
}

// DetectCPUControllerRoot parses /proc/self/mountinfo for the cgroup v1
// mount carrying the "cpu" subsystem and returns its mount point.
func DetectCPUControllerRoot() (string, error) {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return "", fmt.Errorf("open mountinfo: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		sep := " - "
		i := strings.LastIndex(line, sep)
		if i < 0 {
			continue
		}
		tail := line[i+len(sep):]
		fields := strings.Fields(tail)
		if len(fields) < 3 || fields[0] != "cgroup" {
			continue
		}
		superopts := fields[2]
		opts := strings.Split(superopts, ",")
		hasCPU := false
		for _, o := range opts {
			if o == "cpu" || o == "cpuacct" {
				hasCPU = true
				break
			}
		}
		if !hasCPU {
			continue
		}
		pre := strings.Fields(line[:i])
		if len(pre) < 5 {
			continue
		}
		return pre[4], nil
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("scan mountinfo: %w", err)
	}
	return "", fmt.Errorf("no cgroup v1 cpu controller mount found")
}

func (l *Linux) dir(name string) string {
	return filepath.Join(l.Root, filepath.FromSlash(name))
}

func (l *Linux) CgroupExists(_ context.Context, name string) (bool, error) {
	info, err := os.Stat(l.dir(name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, wrap("stat cgroup", err)
	}
	return info.IsDir(), nil
}

func (l *Linux) CreateCgroup(_ context.Context, name string) error {
	if err := os.MkdirAll(l.dir(name), 0o775); err != nil {
		return wrap("create cgroup", err)
	}
	return nil
}

func (l *Linux) DeleteCgroup(_ context.Context, name string) error {
	if err := os.Remove(l.dir(name)); err != nil {
		return wrap("delete cgroup", err)
	}
	return nil
}

func (l *Linux) readInt64(name, file string) (int64, error) {
	raw, err := os.ReadFile(filepath.Join(l.dir(name), file))
	if err != nil {
		return 0, wrap("read "+file, err)
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, wrap("parse "+file, err)
	}
	return v, nil
}

func (l *Linux) writeInt64(name, file string, v int64) error {
	path := filepath.Join(l.dir(name), file)
	if err := os.WriteFile(path, []byte(strconv.FormatInt(v, 10)), 0o644); err != nil {
		return wrap("write "+file, err)
	}
	return nil
}

func (l *Linux) GetCgroupRuntimeUs(_ context.Context, name string) (int64, error) {
	return l.readInt64(name, "cpu.rt_runtime_us")
}

func (l *Linux) SetCgroupRuntimeUs(_ context.Context, name string, us int64) error {
	return l.writeInt64(name, "cpu.rt_runtime_us", us)
}

func (l *Linux) GetCgroupPeriodUs(_ context.Context, name string) (uint64, error) {
	v, err := l.readInt64(name, "cpu.rt_period_us")
	if err != nil {
		return 0, err
	}
	return uint64(v), nil
}

func (l *Linux) SetCgroupPeriodUs(_ context.Context, name string, us uint64) error {
	return l.writeInt64(name, "cpu.rt_period_us", int64(us))
}

func (l *Linux) CgroupPids(_ context.Context, name string) ([]int, error) {
	raw, err := os.ReadFile(filepath.Join(l.dir(name), "tasks"))
	if err != nil {
		return nil, wrap("read tasks", err)
	}
	var pids []int
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			return nil, wrap("parse tasks", err)
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

func (l *Linux) AssignPidToCgroup(_ context.Context, name string, pid int) error {
	path := filepath.Join(l.dir(name), "tasks")
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return wrap("assign pid", err)
	}
	return nil
}

func (l *Linux) GetPidCgroup(_ context.Context, pid int) (string, error) {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/cgroup", pid))
	if err != nil {
		return "", wrap("read proc cgroup", err)
	}
	for _, line := range strings.Split(string(raw), "\n") {
		// Format: hierarchy-ID:controller-list:cgroup-path
		parts := strings.SplitN(line, ":", 3)
		if len(parts) != 3 {
			continue
		}
		controllers := strings.Split(parts[1], ",")
		for _, c := range controllers {
			if c == "cpu" || c == "cpuacct" {
				return strings.TrimPrefix(parts[2], "/"), nil
			}
		}
	}
	return "", wrap("read proc cgroup", fmt.Errorf("no cpu controller entry for pid %d", pid))
}

func toUnixPolicy(p SchedPolicy) (int, error) {
	switch p.Kind {
	case SchedOther:
		return unix.SCHED_OTHER, nil
	case SchedFIFO:
		return unix.SCHED_FIFO, nil
	case SchedRR:
		return unix.SCHED_RR, nil
	case SchedBatch:
		return unix.SCHED_BATCH, nil
	case SchedIdle:
		return unix.SCHED_IDLE, nil
	case SchedDeadline:
		return -1, fmt.Errorf("SCHED_DEADLINE is not settable via sched_setscheduler")
	default:
		return -1, fmt.Errorf("unknown scheduling policy kind %d", p.Kind)
	}
}

func fromUnixPolicy(policy int) SchedPolicyKind {
	switch policy {
	case unix.SCHED_FIFO:
		return SchedFIFO
	case unix.SCHED_RR:
		return SchedRR
	case unix.SCHED_BATCH:
		return SchedBatch
	case unix.SCHED_IDLE:
		return SchedIdle
	case unix.SCHED_DEADLINE:
		return SchedDeadline
	default:
		return SchedOther
	}
}

func (l *Linux) GetSchedPolicy(_ context.Context, pid int) (SchedPolicy, error) {
	policy, err := unix.SchedGetscheduler(pid)
	if err != nil {
		return SchedPolicy{}, wrap("sched_getscheduler", err)
	}
	kind := fromUnixPolicy(policy)
	prio := uint32(0)
	if kind == SchedFIFO || kind == SchedRR {
		param, err := unix.SchedGetparam(pid)
		if err != nil {
			return SchedPolicy{}, wrap("sched_getparam", err)
		}
		prio = uint32(param.Priority)
	}
	return SchedPolicy{Kind: kind, Priority: prio}, nil
}

func (l *Linux) SetSchedPolicy(_ context.Context, pid int, policy SchedPolicy) error {
	unixPolicy, err := toUnixPolicy(policy)
	if err != nil {
		return wrap("sched_setscheduler", err)
	}
	param := unix.SchedParam{Priority: int32(policy.Priority)}
	if err := unix.SchedSetscheduler(pid, unixPolicy, &param); err != nil {
		return wrap("sched_setscheduler", err)
	}
	return nil
}

func (l *Linux) KillPid(_ context.Context, pid int) error {
	if err := unix.Kill(pid, unix.SIGKILL); err != nil {
		return wrap("kill", err)
	}
	return nil
}

func (l *Linux) PidExists(pid int) bool {
	err := unix.Kill(pid, syscall.Signal(0))
	if err == nil {
		return true
	}
	return err != unix.ESRCH
}

var _ Platform = (*Linux)(nil)
