package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"strings"
	"time"
)

// eventWindow is how far either side of an event date the cache is bypassed
const eventWindow = 6 * time.Hour

// eventDateLayouts are tried in order for each line of the event-dates file
var eventDateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// EventCalendar holds dates (solar eclipses and similar propagation events)
// around which every spot is reported, even repeats, so researchers get the
// full density of observations.
type EventCalendar struct {
	dates  []time.Time
	window time.Duration
}

// NewEventCalendar creates a calendar from already parsed dates
func NewEventCalendar(dates []time.Time) *EventCalendar {
	return &EventCalendar{dates: dates, window: eventWindow}
}

// LoadEventCalendar reads the event-dates file. A missing file is not an
// error: the calendar is simply empty.
func LoadEventCalendar(path string) (*EventCalendar, error) {
	if path == "" {
		return NewEventCalendar(nil), nil
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if DebugMode {
				log.Printf("DEBUG: PSKReporter: event dates file %s not found, bypass disabled", path)
			}
			return NewEventCalendar(nil), nil
		}
		return NewEventCalendar(nil), fmt.Errorf("failed to open event dates file: %w", err)
	}
	defer f.Close()

	cal, err := ParseEventCalendar(f)
	if err != nil {
		return NewEventCalendar(nil), fmt.Errorf("failed to read event dates file: %w", err)
	}
	log.Printf("PSKReporter: Loaded %d event dates from %s", len(cal.dates), path)
	return cal, nil
}

// ParseEventCalendar parses one timestamp per line. Blank lines, lines
// starting with '#' and lines that do not parse are skipped.
func ParseEventCalendar(r io.Reader) (*EventCalendar, error) {
	var dates []time.Time
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		t, ok := parseEventDate(line)
		if !ok {
			if DebugMode {
				log.Printf("DEBUG: PSKReporter: ignoring malformed event date %q", line)
			}
			continue
		}
		dates = append(dates, t)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return NewEventCalendar(dates), nil
}

func parseEventDate(s string) (time.Time, bool) {
	for _, layout := range eventDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// Active reports whether now lies within the window of any event date
func (ec *EventCalendar) Active(now time.Time) bool {
	if ec == nil {
		return false
	}
	for _, d := range ec.dates {
		diff := now.Sub(d)
		if diff < 0 {
			diff = -diff
		}
		if diff <= ec.window {
			return true
		}
	}
	return false
}

// Len returns the number of loaded dates
func (ec *EventCalendar) Len() int {
	if ec == nil {
		return 0
	}
	return len(ec.dates)
}
