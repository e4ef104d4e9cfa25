package quota

import (
	"strings"
	"sync"
	"time"

	"policy-engine/internal/policy"
)

// State is the mutable accumulator for one (policy instance, billing rule,
// target entity) triple. A missing state means "zero usage so far", never an
// error; the store materializes one on first qualifying sample.
type State struct {
	PeriodUsage float64
	FreeUsed    float64
	LastReset   time.Time
}

// Result is the billing outcome of applying one sample's usage.
type Result struct {
	Charge        float64
	FreeUnits     float64
	PaidUnits     float64
	OverflowUnits float64
	Reset         bool
}

// Apply folds a sample's delta usage into the state and prices it.
//
// Free mode consumes the free ceiling first; the part of the same sample
// beyond the ceiling is charged at the paid fallback price when the policy
// declares one, otherwise it is reported as unbilled overflow for the caller
// to act on. Paid mode charges every unit and still tracks cumulative usage
// for reporting. fallbackPrice is nil when no paid fallback rule exists.
func Apply(st *State, r policy.Rule, fallbackPrice *float64, usage float64, now time.Time) Result {
	var res Result
	if st.LastReset.IsZero() {
		// First qualifying sample opens the current period.
		st.LastReset = LatestBoundary(r.Reset, now)
	}
	if b := LatestBoundary(r.Reset, now); b.After(st.LastReset) {
		st.PeriodUsage = 0
		st.FreeUsed = 0
		// The boundary instant, not now, so repeated late samples do not
		// drift the period start.
		st.LastReset = b
		res.Reset = true
	}
	if usage < 0 {
		usage = 0
	}
	st.PeriodUsage += usage

	switch r.BillingMode {
	case policy.BillingPaid:
		res.PaidUnits = usage
		res.Charge = usage * r.Price
	case policy.BillingFree:
		if r.FreeQuota <= 0 {
			// No ceiling declared: the whole sample is free.
			res.FreeUnits = usage
			st.FreeUsed += usage
			return res
		}
		remaining := r.FreeQuota - st.FreeUsed
		if remaining < 0 {
			remaining = 0
		}
		free := usage
		if free > remaining {
			free = remaining
		}
		excess := usage - free
		res.FreeUnits = free
		st.FreeUsed += free
		if excess > 0 {
			if fallbackPrice != nil {
				res.PaidUnits = excess
				res.Charge = excess * *fallbackPrice
			} else {
				res.OverflowUnits = excess
			}
		}
	}
	return res
}

// LatestBoundary returns the most recent reset boundary at or before now for
// the schedule. For "never" it returns the zero time, so the accumulator is
// monotonic for the instance's lifetime.
func LatestBoundary(rs policy.ResetSchedule, now time.Time) time.Time {
	switch rs.Type {
	case policy.ResetDaily:
		h, m := resetClock(rs.Time)
		b := time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, now.Location())
		if b.After(now) {
			b = b.AddDate(0, 0, -1)
		}
		return b
	case policy.ResetMonthly:
		h, m := resetClock(rs.Time)
		b := monthlyBoundary(now.Year(), now.Month(), rs.Day, h, m, now.Location())
		if b.After(now) {
			y, mo := now.Year(), now.Month()
			if mo == time.January {
				y, mo = y-1, time.December
			} else {
				mo--
			}
			b = monthlyBoundary(y, mo, rs.Day, h, m, now.Location())
		}
		return b
	default:
		return time.Time{}
	}
}

// NextBoundary returns the first boundary strictly after now, or the zero
// time for "never". Used by the proactive roll job.
func NextBoundary(rs policy.ResetSchedule, now time.Time) time.Time {
	last := LatestBoundary(rs, now)
	if last.IsZero() {
		return time.Time{}
	}
	switch rs.Type {
	case policy.ResetDaily:
		return last.AddDate(0, 0, 1)
	case policy.ResetMonthly:
		y, mo := last.Year(), last.Month()
		if mo == time.December {
			y, mo = y+1, time.January
		} else {
			mo++
		}
		h, m := resetClock(rs.Time)
		return monthlyBoundary(y, mo, rs.Day, h, m, last.Location())
	}
	return time.Time{}
}

// monthlyBoundary clamps the configured day of month to the month's length,
// so a day-31 schedule fires on Feb 28/29, Apr 30, and so on.
func monthlyBoundary(year int, month time.Month, day, hour, minute int, loc *time.Location) time.Time {
	if last := daysIn(year, month); day > last {
		day = last
	}
	if day < 1 {
		day = 1
	}
	return time.Date(year, month, day, hour, minute, 0, 0, loc)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func resetClock(s string) (hour, minute int) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, 0
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0
	}
	return t.Hour(), t.Minute()
}

// KeyedMutex serializes work per string key. The engine keys it by
// (instance, entity) so accumulator read-modify-write never interleaves for
// the same pair while unrelated entities evaluate concurrently.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: map[string]*entry{}}
}

// Lock acquires the key's mutex and returns its unlock function.
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
