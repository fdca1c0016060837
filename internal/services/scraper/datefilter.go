package scraper

import (
	"fmt"
	"strings"
	"time"

	"fare-scraper/internal/services/obilet"
)

const dateLayout = "2006-01-02"

// upstream sends both offset-aware and naive timestamps
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// ParseDeparture parses an upstream timestamp. Strings without an offset are
// taken as UTC.
func ParseDeparture(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", raw)
}

// CalendarDate is the YYYY-MM-DD of t in its own offset.
func CalendarDate(t time.Time) string {
	return t.Format(dateLayout)
}

// FilterByDate keeps the listings whose departure falls on target's calendar
// date, compared in the departure's own offset. Listings with a missing or
// unparseable departure are dropped. Order is preserved.
func FilterByDate(journeys []obilet.Journey, target time.Time) []obilet.Journey {
	want := CalendarDate(target)
	kept := make([]obilet.Journey, 0, len(journeys))
	for _, j := range journeys {
		dep, err := ParseDeparture(j.Journey.Departure)
		if err != nil {
			continue
		}
		if CalendarDate(dep) == want {
			kept = append(kept, j)
		}
	}
	return kept
}
