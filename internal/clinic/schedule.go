package clinic

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const DateLayout = "2006-01-02"

// Window is a half-open interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewWindow spans durationMinutes from start.
func NewWindow(start time.Time, durationMinutes int) Window {
	return Window{Start: start, End: start.Add(time.Duration(durationMinutes) * time.Minute)}
}

// Overlaps treats touching windows (one ends exactly when the other starts) as
// disjoint.
func (w Window) Overlaps(o Window) bool {
	return w.Start.Before(o.End) && o.Start.Before(w.End)
}

// Blocks reports whether an existing appointment occupies its window.
func (a Appointment) Blocks() bool {
	return a.Status != StatusCancelled
}

// FindConflict returns the first appointment in existing that blocks w, or nil.
// exclude (uuid.Nil for none) is ignored so an appointment never conflicts
// with itself during an update.
func FindConflict(existing []Appointment, w Window, exclude uuid.UUID) *Appointment {
	for i := range existing {
		a := &existing[i]
		if exclude != uuid.Nil && a.ID == exclude {
			continue
		}
		if !a.Blocks() {
			continue
		}
		if a.Window().Overlaps(w) {
			return a
		}
	}
	return nil
}

// BookingReader is the read side the scheduler needs from storage.
type BookingReader interface {
	// ListBlockingAppointments returns the practitioner's non-cancelled
	// appointments intersecting [from, to).
	ListBlockingAppointments(ctx context.Context, practitionerID uuid.UUID, from, to time.Time) ([]Appointment, error)
}

// Scheduler answers conflict questions against committed appointments. It holds
// no state of its own.
type Scheduler struct {
	bookings BookingReader
}

// NewScheduler checks conflicts against bookings.
func NewScheduler(bookings BookingReader) *Scheduler {
	return &Scheduler{bookings: bookings}
}

// CheckAvailability reports whether practitionerID is free for
// [start, start+durationMinutes). Duration and start-in-future checks belong
// to the caller.
func (s *Scheduler) CheckAvailability(ctx context.Context, practitionerID uuid.UUID, start time.Time, durationMinutes int, exclude uuid.UUID) (bool, error) {
	conflict, err := s.Conflict(ctx, practitionerID, NewWindow(start, durationMinutes), exclude)
	if err != nil {
		return false, err
	}
	return conflict == nil, nil
}

// Conflict returns the blocking appointment for w, if any.
func (s *Scheduler) Conflict(ctx context.Context, practitionerID uuid.UUID, w Window, exclude uuid.UUID) (*Appointment, error) {
	existing, err := s.bookings.ListBlockingAppointments(ctx, practitionerID, w.Start, w.End)
	if err != nil {
		return nil, fmt.Errorf("list blocking appointments: %w", err)
	}
	return FindConflict(existing, w, exclude), nil
}

// WorksOn reports whether the practitioner's week includes day and day is not
// a blackout. The returned string is the blackout reason when one applies.
func (a Availability) WorksOn(day time.Time) (bool, string) {
	date := day.Format(DateLayout)
	for _, b := range a.Blackouts {
		if b.Date == date {
			reason := b.Reason
			if reason == "" {
				reason = "unavailable"
			}
			return false, reason
		}
	}
	for _, d := range a.Days {
		if d == day.Weekday() {
			return true, ""
		}
	}
	return false, "not a working day"
}

// Slots lays out appointment-length windows across working hours of day,
// skipping any that touch the break. day is interpreted in loc.
func (a Availability) Slots(day time.Time, loc *time.Location) []Window {
	if ok, _ := a.WorksOn(day.In(loc)); !ok {
		return nil
	}
	start, ok := parseClock(a.Start)
	if !ok {
		return nil
	}
	end, ok := parseClock(a.End)
	if !ok || a.AppointmentMinutes <= 0 {
		return nil
	}

	// wall-clock minutes, so slots keep their "HH:MM" on DST transition days
	y, m, d := day.In(loc).Date()
	at := func(minutes int) time.Time { return time.Date(y, m, d, 0, minutes, 0, 0, loc) }

	var lunch *Window
	if bs, ok := parseClock(a.BreakStart); ok {
		if be, ok := parseClock(a.BreakEnd); ok {
			lunch = &Window{Start: at(bs), End: at(be)}
		}
	}

	var out []Window
	for off := start; off+a.AppointmentMinutes <= end; off += a.AppointmentMinutes {
		w := NewWindow(at(off), a.AppointmentMinutes)
		if lunch != nil && w.Overlaps(*lunch) {
			continue
		}
		out = append(out, w)
	}
	return out
}

// FreeSlots is Slots minus windows that are already booked or start before now.
func FreeSlots(a Availability, day time.Time, loc *time.Location, booked []Appointment, now time.Time) []Window {
	var free []Window
	for _, w := range a.Slots(day, loc) {
		if !w.Start.After(now) {
			continue
		}
		if FindConflict(booked, w, uuid.Nil) != nil {
			continue
		}
		free = append(free, w)
	}
	return free
}
