package schedule

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Weekday uses the same numbering as time.Weekday (Sunday = 0).
type Weekday int

const (
	Sunday Weekday = iota
	Monday
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
)

var weekdayNames = [...]string{"sunday", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday"}

func WeekdayOf(date time.Time) Weekday {
	return Weekday(date.Weekday())
}

func ParseWeekday(s string) (Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range weekdayNames {
		if s == name || s == name[:3] {
			return Weekday(i), nil
		}
	}
	return 0, fmt.Errorf("invalid weekday %q", s)
}

func (w Weekday) Valid() bool { return w >= Sunday && w <= Saturday }

func (w Weekday) String() string {
	if !w.Valid() {
		return fmt.Sprintf("weekday(%d)", int(w))
	}
	return weekdayNames[w]
}

// Interval is a half-open [Start, End) range within a single day.
type Interval struct {
	Start Clock `json:"start"`
	End   Clock `json:"end"`
}

// Overlaps reports whether two half-open intervals intersect. Intervals that
// only touch at an endpoint do not overlap.
func Overlaps(a, b Interval) bool {
	return a.Start < b.End && b.Start < a.End
}

func (iv Interval) Valid() bool {
	return iv.Start.Valid() && iv.End.Valid() && iv.Start < iv.End
}

func (iv Interval) Minutes() int { return int(iv.End - iv.Start) }

func (iv Interval) String() string {
	return iv.Start.String() + "-" + iv.End.String()
}

// WeeklyScheduleEntry is one recurring working window for a practitioner.
type WeeklyScheduleEntry struct {
	ID             uuid.UUID `json:"id"`
	PractitionerID uuid.UUID `json:"practitioner_id"`
	Weekday        Weekday   `json:"weekday"`
	Start          Clock     `json:"start"`
	End            Clock     `json:"end"`
	SlotMinutes    int       `json:"slot_minutes"`
	GapMinutes     int       `json:"gap_minutes"`
	Active         bool      `json:"active"`
}

var ErrInvalidEntry = errors.New("invalid weekly schedule entry")

func (e WeeklyScheduleEntry) Validate() error {
	switch {
	case !e.Weekday.Valid():
		return fmt.Errorf("%w: weekday %d", ErrInvalidEntry, e.Weekday)
	case !e.Start.Valid() || !e.End.Valid() || e.Start >= e.End:
		return fmt.Errorf("%w: window %s-%s", ErrInvalidEntry, e.Start, e.End)
	case e.SlotMinutes <= 0:
		return fmt.Errorf("%w: slot duration must be positive", ErrInvalidEntry)
	case e.GapMinutes < 0:
		return fmt.Errorf("%w: gap must not be negative", ErrInvalidEntry)
	}
	return nil
}

// Slots expands the entry into consecutive slots. A slot is emitted only
// when it fits entirely inside the window.
func (e WeeklyScheduleEntry) Slots() []Interval {
	if e.Validate() != nil {
		return nil
	}
	step := e.SlotMinutes + e.GapMinutes
	out := make([]Interval, 0, (int(e.End-e.Start)/step)+1)
	for t := e.Start; t.Add(e.SlotMinutes) <= e.End; t = t.Add(step) {
		out = append(out, Interval{Start: t, End: t.Add(e.SlotMinutes)})
	}
	return out
}

type GenerateOptions struct {
	// Dedupe drops repeated identical slots produced by overlapping entries
	// and returns the result ordered by start time.
	Dedupe bool
}

// GenerateSlots expands every active entry, in the order given, into one
// list. Inactive or malformed entries contribute nothing.
func GenerateSlots(entries []WeeklyScheduleEntry, opts GenerateOptions) []Interval {
	var out []Interval
	for _, e := range entries {
		if !e.Active {
			continue
		}
		out = append(out, e.Slots()...)
	}
	if opts.Dedupe && len(out) > 1 {
		out = dedupe(out)
	}
	return out
}

func dedupe(in []Interval) []Interval {
	sorted := make([]Interval, len(in))
	copy(sorted, in)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].End < sorted[j].End
	})
	out := sorted[:1]
	for _, iv := range sorted[1:] {
		if iv != out[len(out)-1] {
			out = append(out, iv)
		}
	}
	return out
}

// EntriesFor filters entries to the ones that apply on weekday, keeping order.
func EntriesFor(entries []WeeklyScheduleEntry, weekday Weekday) []WeeklyScheduleEntry {
	var out []WeeklyScheduleEntry
	for _, e := range entries {
		if e.Weekday == weekday {
			out = append(out, e)
		}
	}
	return out
}

// Covers reports whether iv lies inside the working hours that the active
// entries give weekday. Entries that touch or overlap count as one window.
func Covers(entries []WeeklyScheduleEntry, weekday Weekday, iv Interval) bool {
	var windows []Interval
	for _, e := range entries {
		if e.Active && e.Weekday == weekday && e.Validate() == nil {
			windows = append(windows, Interval{Start: e.Start, End: e.End})
		}
	}
	sort.Slice(windows, func(i, j int) bool { return windows[i].Start < windows[j].Start })

	var cur Interval
	for i, w := range windows {
		if i == 0 || w.Start > cur.End {
			cur = w
		} else if w.End > cur.End {
			cur.End = w.End
		}
		if cur.Start <= iv.Start && iv.End <= cur.End {
			return true
		}
	}
	return false
}
