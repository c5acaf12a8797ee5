package schedule

import (
	"time"

	"github.com/listwatch/harvester/internal/types"
)

// Night window bounds in local time.
const (
	nightStartHour = 22
	nightEndHour   = 6
)

// offsetStartStep staggers worker launches so they do not hammer the site in
// lockstep.
const offsetStartStep = 2 * time.Minute

// InWindow reports whether a worker under the policy may run at t.
func InWindow(policy types.SchedulePolicy, t time.Time) bool {
	switch policy {
	case types.PolicyNightWindow:
		h := t.Hour()
		return h >= nightStartHour || h < nightEndHour
	case types.PolicyWeekendOnly:
		wd := t.Weekday()
		return wd == time.Saturday || wd == time.Sunday
	default:
		return true
	}
}

// NextWindow returns the earliest instant at or after t when the policy
// permits running. workerIndex staggers offset_start launches.
func NextWindow(policy types.SchedulePolicy, workerIndex int, t time.Time) time.Time {
	switch policy {
	case types.PolicyOffsetStart:
		return t.Add(time.Duration(workerIndex) * offsetStartStep)
	case types.PolicyNightWindow:
		if InWindow(policy, t) {
			return t
		}
		next := time.Date(t.Year(), t.Month(), t.Day(), nightStartHour, 0, 0, 0, t.Location())
		if !next.After(t) {
			next = next.AddDate(0, 0, 1)
		}
		return next
	case types.PolicyWeekendOnly:
		if InWindow(policy, t) {
			return t
		}
		next := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
		for next.Weekday() != time.Saturday {
			next = next.AddDate(0, 0, 1)
		}
		return next
	default:
		return t
	}
}
