// Package protocol parses the line-oriented write grammar accepted by the
// command files under /cgroup and /proc/<pid>, per spec §6:
//
//	cgroup_segment  ::= "." | [A-Za-z_][A-Za-z0-9_]*
//	cgroup_name     ::= cgroup_segment ("/" cgroup_segment)*
//	reservation     ::= cgroup_name SPACE+ uint64 SPACE+ uint64
//	delete_request  ::= cgroup_name
//	policy          ::= "SCHED_OTHER"
//	                  | "SCHED_FIFO(" uint64 ")"
//	                  | "SCHED_RR("   uint64 ")"
//
// The SCHED_FIFO/SCHED_RR priority must fit in 32 bits; a larger value is
// rejected with ErrParse.
//
// All writes are single-shot: the whole body arrives in one write at
// offset 0, trailing whitespace is trimmed by the caller before parsing
// reaches here, and a malformed body is reported as ErrParse.
package protocol

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrParse is returned for any grammar violation. Callers surface it as
// EACCES per spec §7.
var ErrParse = errors.New("protocol: parse error")

var segmentRe = regexp.MustCompile(`^(?:\.|[A-Za-z_][A-Za-z0-9_]*)$`)

// ParseCgroupName validates a POSIX-path-like cgroup name: segments of
// [A-Za-z_][A-Za-z0-9_]* or the literal ".", joined by "/", never empty.
func ParseCgroupName(s string) (string, error) {
	if s == "" {
		return "", fmt.Errorf("%w: empty cgroup name", ErrParse)
	}
	for _, seg := range strings.Split(s, "/") {
		if !segmentRe.MatchString(seg) {
			return "", fmt.Errorf("%w: invalid cgroup segment %q", ErrParse, seg)
		}
	}
	return s, nil
}

// Reservation is the (runtime_us, period_us) pair parsed from a create or
// update request body.
type Reservation struct {
	RuntimeUs uint64
	PeriodUs  uint64
}

// ParseReservation parses "<name> <runtime_us> <period_us>", as accepted by
// /cgroup/create and /cgroup/update.
func ParseReservation(body string) (name string, res Reservation, err error) {
	fields := strings.Fields(body)
	if len(fields) != 3 {
		return "", Reservation{}, fmt.Errorf("%w: want \"name runtime_us period_us\", got %q", ErrParse, body)
	}
	name, err = ParseCgroupName(fields[0])
	if err != nil {
		return "", Reservation{}, err
	}
	runtimeUs, err := parseUint64(fields[1])
	if err != nil {
		return "", Reservation{}, err
	}
	periodUs, err := parseUint64(fields[2])
	if err != nil {
		return "", Reservation{}, err
	}
	return name, Reservation{RuntimeUs: runtimeUs, PeriodUs: periodUs}, nil
}

// ParseDeleteRequest parses the body of a write to /cgroup/delete: a bare
// cgroup name.
func ParseDeleteRequest(body string) (string, error) {
	fields := strings.Fields(body)
	if len(fields) != 1 {
		return "", fmt.Errorf("%w: want a single cgroup name, got %q", ErrParse, body)
	}
	return ParseCgroupName(fields[0])
}

func parseUint64(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a uint64", ErrParse, s)
	}
	return v, nil
}

// PolicyKind is the POSIX scheduling policy family written to
// /proc/<pid>/sched_policy.
type PolicyKind int

const (
	PolicyOther PolicyKind = iota
	PolicyFIFO
	PolicyRR
	PolicyIdle
	PolicyBatch
	PolicyDeadline
)

// Policy is a fully parsed scheduling-policy request. Priority is only
// meaningful for PolicyFIFO and PolicyRR.
type Policy struct {
	Kind     PolicyKind
	Priority uint32
}

// IsOther reports whether this is the SCHED_OTHER policy.
func (p Policy) IsOther() bool { return p.Kind == PolicyOther }

// String renders the policy the way /proc/<pid>/sched_policy reads it back,
// without the trailing newline (callers append one for file reads).
func (p Policy) String() string {
	switch p.Kind {
	case PolicyOther:
		return "SCHED_OTHER"
	case PolicyFIFO:
		return fmt.Sprintf("SCHED_FIFO(%d)", p.Priority)
	case PolicyRR:
		return fmt.Sprintf("SCHED_RR(%d)", p.Priority)
	case PolicyIdle:
		return "SCHED_IDLE"
	case PolicyBatch:
		return "SCHED_BATCH"
	case PolicyDeadline:
		return "SCHED_DEADLINE"
	default:
		return "SCHED_UNKNOWN"
	}
}

var (
	fifoRe = regexp.MustCompile(`^SCHED_FIFO\(([0-9]+)\)$`)
	rrRe   = regexp.MustCompile(`^SCHED_RR\(([0-9]+)\)$`)
)

// ParsePolicy parses a sched_policy write body. Only the three writable
// forms in the grammar are accepted here; SCHED_IDLE/BATCH/DEADLINE are
// read-only values reported by the kernel and are never valid write
// requests, so they are rejected with ErrParse.
func ParsePolicy(body string) (Policy, error) {
	switch {
	case body == "SCHED_OTHER":
		return Policy{Kind: PolicyOther}, nil
	case fifoRe.MatchString(body):
		m := fifoRe.FindStringSubmatch(body)
		prio, err := parsePriority(m[1])
		if err != nil {
			return Policy{}, err
		}
		return Policy{Kind: PolicyFIFO, Priority: prio}, nil
	case rrRe.MatchString(body):
		m := rrRe.FindStringSubmatch(body)
		prio, err := parsePriority(m[1])
		if err != nil {
			return Policy{}, err
		}
		return Policy{Kind: PolicyRR, Priority: prio}, nil
	default:
		return Policy{}, fmt.Errorf("%w: unrecognized sched_policy body %q", ErrParse, body)
	}
}

func parsePriority(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: priority %q out of range", ErrParse, s)
	}
	return uint32(v), nil
}
