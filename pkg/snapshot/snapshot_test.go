package snapshot

import (
	"os"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefresh_FirstScanNotDebounced(t *testing.T) {
	s := New(hclog.NewNullLogger())
	dead := s.Refresh()
	assert.Nil(t, dead)

	_, ok := s.Info(os.Getpid())
	assert.True(t, ok, "current process must appear in its own snapshot")
}

func TestRefresh_DebouncedWithinUpdateDelta(t *testing.T) {
	s := New(hclog.NewNullLogger())
	clock := time.Now()
	s.now = func() time.Time { return clock }

	require.Nil(t, s.Refresh())
	s.alive[999999] = Info{}
	clock = clock.Add(UpdateDelta / 2)

	dead := s.Refresh()
	assert.Nil(t, dead, "a scan within UpdateDelta must not touch the OS")
	_, stillThere := s.Info(999999)
	assert.True(t, stillThere, "debounced refresh must not evict the fabricated entry")
}

func TestRefresh_ReportsDeadAfterDelta(t *testing.T) {
	s := New(hclog.NewNullLogger())
	clock := time.Now()
	s.now = func() time.Time { return clock }

	require.Nil(t, s.Refresh())
	s.alive[999999] = Info{} // simulate a PID that was alive last scan

	clock = clock.Add(2 * UpdateDelta)
	dead := s.Refresh()
	assert.Contains(t, dead, 999999)
	_, ok := s.Info(999999)
	assert.False(t, ok)
}

func TestLivePidsContainsSelf(t *testing.T) {
	s := New(hclog.NewNullLogger())
	s.Refresh()
	assert.Contains(t, s.LivePids(), os.Getpid())
}
