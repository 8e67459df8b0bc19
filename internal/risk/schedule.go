package risk

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MinutesPerDay bounds TimeRange values.
const MinutesPerDay = 24 * 60

// TimeRange is a half-open [Start, End) interval in minutes after local midnight.
type TimeRange struct {
	Start int
	End   int
}

// Contains reports whether minute falls inside the range. A check at exactly End is outside.
func (r TimeRange) Contains(minute int) bool {
	return minute >= r.Start && minute < r.End
}

func (r TimeRange) String() string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d", r.Start/60, r.Start%60, r.End/60, r.End%60)
}

// ParseTimeRange parses "HH:MM-HH:MM". The end may be "24:00".
func ParseTimeRange(s string) (TimeRange, error) {
	startS, endS, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return TimeRange{}, fmt.Errorf("risk: time range %q: want HH:MM-HH:MM", s)
	}
	start, err := parseClock(startS)
	if err != nil {
		return TimeRange{}, fmt.Errorf("risk: time range %q: %w", s, err)
	}
	end, err := parseClock(endS)
	if err != nil {
		return TimeRange{}, fmt.Errorf("risk: time range %q: %w", s, err)
	}
	if end <= start {
		return TimeRange{}, fmt.Errorf("risk: time range %q: end must be after start", s)
	}
	return TimeRange{Start: start, End: end}, nil
}

func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("bad clock %q", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil {
		return 0, fmt.Errorf("bad hour %q", hh)
	}
	m, err := strconv.Atoi(mm)
	if err != nil {
		return 0, fmt.Errorf("bad minute %q", mm)
	}
	total := h*60 + m
	if h < 0 || m < 0 || m > 59 || total > MinutesPerDay {
		return 0, fmt.Errorf("clock %q out of range", s)
	}
	return total, nil
}

// Exception overrides the weekly table for one calendar date.
// A non-working exception closes the office for the whole day.
type Exception struct {
	Date       string // YYYY-MM-DD in the office timezone
	WorkingDay bool
	Hours      []TimeRange
	Reason     string
}

// OfficeSchedule is the weekly working-hours table of one office.
type OfficeSchedule struct {
	Office     string
	Location   *time.Location
	Weekly     map[time.Weekday][]TimeRange
	Exceptions []Exception
}

// DefaultSchedule is Monday to Friday, 08:00 to 17:00 in loc.
func DefaultSchedule(loc *time.Location) OfficeSchedule {
	if loc == nil {
		loc = time.UTC
	}
	day := []TimeRange{{Start: 8 * 60, End: 17 * 60}}
	return OfficeSchedule{
		Location: loc,
		Weekly: map[time.Weekday][]TimeRange{
			time.Monday:    day,
			time.Tuesday:   day,
			time.Wednesday: day,
			time.Thursday:  day,
			time.Friday:    day,
		},
	}
}

// ScheduleSource looks up office schedules. found is false when the office has none configured.
type ScheduleSource interface {
	Schedule(ctx context.Context, office string) (sched OfficeSchedule, found bool, err error)
}

// Check evaluates at against the schedule. Date exceptions win over the weekly table.
func (s OfficeSchedule) Check(at time.Time) (within bool, reason string) {
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	local := at.In(loc)
	minute := local.Hour()*60 + local.Minute()
	date := local.Format(time.DateOnly)

	for _, ex := range s.Exceptions {
		if ex.Date != date {
			continue
		}
		if !ex.WorkingDay {
			if ex.Reason != "" {
				return false, "office closed: " + ex.Reason
			}
			return false, "office closed on " + date
		}
		if len(ex.Hours) > 0 {
			if inAny(ex.Hours, minute) {
				return true, ""
			}
			return false, "outside special hours on " + date
		}
		break
	}

	ranges := s.Weekly[local.Weekday()]
	if len(ranges) == 0 {
		return false, "no office hours on " + strings.ToLower(local.Weekday().String())
	}
	if inAny(ranges, minute) {
		return true, ""
	}
	return false, "outside office hours"
}

func inAny(ranges []TimeRange, minute int) bool {
	for _, r := range ranges {
		if r.Contains(minute) {
			return true
		}
	}
	return false
}

// StaticSchedules is an in-memory ScheduleSource.
type StaticSchedules map[string]OfficeSchedule

func (s StaticSchedules) Schedule(_ context.Context, office string) (OfficeSchedule, bool, error) {
	sched, ok := s[office]
	return sched, ok, nil
}
