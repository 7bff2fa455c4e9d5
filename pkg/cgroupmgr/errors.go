package cgroupmgr

import "errors"

var (
	// ErrAlreadyExists is returned by Create when name is already managed.
	ErrAlreadyExists = errors.New("cgroupmgr: cgroup already exists")

	// ErrNotFound is returned by Update/Destroy for an unmanaged name.
	ErrNotFound = errors.New("cgroupmgr: cgroup not found")

	// ErrInsufficientBudget is returned when admission would exceed MaxUtilisation.
	ErrInsufficientBudget = errors.New("cgroupmgr: insufficient admission budget")

	// ErrInvalidReservation is returned for a Reservation violating
	// 0 < runtime_us <= period_us.
	ErrInvalidReservation = errors.New("cgroupmgr: invalid reservation")
)
