package risk

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type scheduleFile struct {
	Offices map[string]officeDoc `yaml:"offices"`
}

type officeDoc struct {
	Timezone   string              `yaml:"timezone"`
	Weekly     map[string][]string `yaml:"weekly"`
	Exceptions []exceptionDoc      `yaml:"exceptions"`
}

type exceptionDoc struct {
	Date    string   `yaml:"date"`
	Working bool     `yaml:"working"`
	Hours   []string `yaml:"hours"`
	Reason  string   `yaml:"reason"`
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// LoadScheduleFile reads office schedules from a YAML document.
func LoadScheduleFile(path string) (StaticSchedules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("risk: read schedule file: %w", err)
	}
	return ParseSchedules(data)
}

// ParseSchedules decodes the YAML schedule format:
//
//	offices:
//	  hq:
//	    timezone: Europe/Berlin
//	    weekly:
//	      monday: ["08:00-12:00", "13:00-17:00"]
//	    exceptions:
//	      - date: 2026-12-25
//	        working: false
//	        reason: Christmas
func ParseSchedules(data []byte) (StaticSchedules, error) {
	var doc scheduleFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("risk: decode schedules: %w", err)
	}
	out := make(StaticSchedules, len(doc.Offices))
	for office, od := range doc.Offices {
		sched, err := od.build(office)
		if err != nil {
			return nil, err
		}
		out[office] = sched
	}
	return out, nil
}

// ParseOffice decodes a single office document, the value under one key of
// the offices map. JSON input is accepted as well.
func ParseOffice(office string, data []byte) (OfficeSchedule, error) {
	var od officeDoc
	if err := yaml.Unmarshal(data, &od); err != nil {
		return OfficeSchedule{}, fmt.Errorf("risk: decode office %s: %w", office, err)
	}
	return od.build(office)
}

// SplitOffices breaks a schedule file into one validated YAML document per
// office, in the form ParseOffice accepts.
func SplitOffices(data []byte) (map[string][]byte, error) {
	var doc struct {
		Offices map[string]yaml.Node `yaml:"offices"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("risk: decode schedules: %w", err)
	}
	out := make(map[string][]byte, len(doc.Offices))
	for office, node := range doc.Offices {
		raw, err := yaml.Marshal(&node)
		if err != nil {
			return nil, fmt.Errorf("risk: office %s: %w", office, err)
		}
		if _, err := ParseOffice(office, raw); err != nil {
			return nil, err
		}
		out[office] = raw
	}
	return out, nil
}

func (od officeDoc) build(office string) (OfficeSchedule, error) {
	loc := time.UTC
	if od.Timezone != "" {
		l, err := time.LoadLocation(od.Timezone)
		if err != nil {
			return OfficeSchedule{}, fmt.Errorf("risk: office %s: %w", office, err)
		}
		loc = l
	}
	sched := OfficeSchedule{
		Office:   office,
		Location: loc,
		Weekly:   make(map[time.Weekday][]TimeRange, len(od.Weekly)),
	}
	for name, specs := range od.Weekly {
		day, ok := weekdays[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return OfficeSchedule{}, fmt.Errorf("risk: office %s: unknown weekday %q", office, name)
		}
		ranges, err := parseRanges(specs)
		if err != nil {
			return OfficeSchedule{}, fmt.Errorf("risk: office %s: %w", office, err)
		}
		sched.Weekly[day] = ranges
	}
	for _, ed := range od.Exceptions {
		if _, err := time.Parse(time.DateOnly, ed.Date); err != nil {
			return OfficeSchedule{}, fmt.Errorf("risk: office %s: exception date %q: %w", office, ed.Date, err)
		}
		ranges, err := parseRanges(ed.Hours)
		if err != nil {
			return OfficeSchedule{}, fmt.Errorf("risk: office %s: %w", office, err)
		}
		sched.Exceptions = append(sched.Exceptions, Exception{
			Date:       ed.Date,
			WorkingDay: ed.Working,
			Hours:      ranges,
			Reason:     ed.Reason,
		})
	}
	return sched, nil
}

func parseRanges(specs []string) ([]TimeRange, error) {
	out := make([]TimeRange, 0, len(specs))
	for _, spec := range specs {
		r, err := ParseTimeRange(spec)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
