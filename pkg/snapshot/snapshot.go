// Package snapshot implements the cached process-table view of spec §4.4:
// a debounced Refresh that yields PIDs which disappeared since the
// previous scan, and per-PID credential/start-time lookups used to
// populate PID-directory attributes (SPEC_FULL.md §C.5). Grounded on the
// two-tier process inspection split used throughout the corpus: a cheap
// enumerator (mitchellh/go-ps) for "who is alive", plus a richer, slower
// lookup (shirou/gopsutil/v3/process) only for the metadata FUSE actually
// needs to render.
package snapshot

import (
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	gops "github.com/mitchellh/go-ps"
	"github.com/shirou/gopsutil/v3/process"
)

// UpdateDelta is the minimum wall-clock interval between successive
// process-table scans (spec §3 UPDATE_DELTA).
const UpdateDelta = 1 * time.Second

// Info is the cached per-process metadata a PID directory's attributes are
// built from.
type Info struct {
	UID       uint32
	GID       uint32
	StartTime time.Time
}

// nowFunc is overridable in tests so debouncing can be exercised without
// real sleeps.
type nowFunc func() time.Time

// Snapshotter is the process-table cache. Every method holds mu, so calls
// from several goroutines are serialised.
type Snapshotter struct {
	logger hclog.Logger
	now    nowFunc

	mu         sync.Mutex
	lastScan   time.Time
	alive      map[int]Info
	hasScanned bool
}

// New constructs a Snapshotter. The process table is empty until the
// first Refresh.
func New(logger hclog.Logger) *Snapshotter {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Snapshotter{
		logger: logger.Named("snapshot"),
		now:    time.Now,
		alive:  make(map[int]Info),
	}
}

// Refresh rescans the process table if at least UpdateDelta has elapsed
// since the previous non-debounced scan, and returns the PIDs that were
// alive in the previous scan but are gone now. A debounced call (within
// UpdateDelta) touches nothing and returns nil (spec §4.4).
func (s *Snapshotter) Refresh() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.hasScanned && now.Sub(s.lastScan) < UpdateDelta {
		return nil
	}

	procs, err := gops.Processes()
	if err != nil {
		s.logger.Warn("process enumeration failed", "error", err)
		return nil
	}

	current := make(map[int]Info, len(procs))
	for _, p := range procs {
		pid := p.Pid()
		info, ok := s.alive[pid]
		if !ok {
			info = s.lookupInfo(pid)
		}
		current[pid] = info
	}

	var dead []int
	for pid := range s.alive {
		if _, stillAlive := current[pid]; !stillAlive {
			dead = append(dead, pid)
		}
	}

	s.alive = current
	s.lastScan = now
	s.hasScanned = true
	return dead
}

// lookupInfo fetches uid/gid/start-time for a newly observed pid via
// gopsutil. Errors leave a zero-value Info; callers render that as uid=
// gid=0 / epoch timestamps rather than failing the whole directory listing.
func (s *Snapshotter) lookupInfo(pid int) Info {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return Info{}
	}

	var info Info
	if uids, err := proc.Uids(); err == nil && len(uids) > 0 {
		info.UID = uint32(uids[0])
	}
	if gids, err := proc.Gids(); err == nil && len(gids) > 0 {
		info.GID = uint32(gids[0])
	}
	if createdMs, err := proc.CreateTime(); err == nil {
		info.StartTime = time.UnixMilli(createdMs)
	}
	return info
}

// Info returns the cached metadata for pid, if it was alive as of the
// last scan.
func (s *Snapshotter) Info(pid int) (Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.alive[pid]
	return info, ok
}

// LivePids returns every PID observed in the last scan, sorted by the
// caller if order matters (readdir needs numeric order; this returns
// whatever order ranging a map gives, which pkg/vfs sorts).
func (s *Snapshotter) LivePids() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	pids := make([]int, 0, len(s.alive))
	for pid := range s.alive {
		pids = append(pids, pid)
	}
	return pids
}
