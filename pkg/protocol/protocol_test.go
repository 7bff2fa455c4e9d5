package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCgroupName(t *testing.T) {
	cases := []struct {
		in      string
		wantErr bool
	}{
		{".", false},
		{"g1", false},
		{"realtime_tasks", false},
		{"a/b/c", false},
		{"", true},
		{"1abc", true},
		{"a//b", true},
		{"a b", true},
		{"a-b", true},
	}
	for _, c := range cases {
		t.Run(c.in, func(t *testing.T) {
			_, err := ParseCgroupName(c.in)
			if c.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseReservation(t *testing.T) {
	name, res, err := ParseReservation("g1 50000 100000")
	assert.NoError(t, err)
	assert.Equal(t, "g1", name)
	assert.Equal(t, Reservation{RuntimeUs: 50000, PeriodUs: 100000}, res)

	_, _, err = ParseReservation("g1 50000")
	assert.ErrorIs(t, err, ErrParse)

	_, _, err = ParseReservation("g1 notanumber 100000")
	assert.ErrorIs(t, err, ErrParse)
}

func TestParseDeleteRequest(t *testing.T) {
	name, err := ParseDeleteRequest("g1/child")
	assert.NoError(t, err)
	assert.Equal(t, "g1/child", name)

	_, err = ParseDeleteRequest("g1 g2")
	assert.ErrorIs(t, err, ErrParse)
}

func TestParsePolicy(t *testing.T) {
	cases := []struct {
		in   string
		kind PolicyKind
		prio uint32
	}{
		{"SCHED_OTHER", PolicyOther, 0},
		{"SCHED_FIFO(10)", PolicyFIFO, 10},
		{"SCHED_RR(99)", PolicyRR, 99},
		{"SCHED_FIFO(0)", PolicyFIFO, 0},
	}
	for _, c := range cases {
		t.Run(c.in, func(t *testing.T) {
			p, err := ParsePolicy(c.in)
			assert.NoError(t, err)
			assert.Equal(t, c.kind, p.Kind)
			assert.Equal(t, c.prio, p.Priority)
			assert.Equal(t, c.in, p.String())
		})
	}
}

func TestParsePolicy_RejectsReadOnlyAndMalformed(t *testing.T) {
	for _, in := range []string{"SCHED_IDLE", "SCHED_BATCH", "SCHED_DEADLINE", "SCHED_FIFO()", "SCHED_FIFO(-1)", "garbage"} {
		_, err := ParsePolicy(in)
		assert.ErrorIsf(t, err, ErrParse, "input %q should be rejected", in)
	}
}
