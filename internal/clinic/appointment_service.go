package clinic

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

type AppointmentInput struct {
	PractitionerID  uuid.UUID
	PatientID       uuid.UUID
	Start           time.Time
	DurationMinutes int
	Status          AppointmentStatus
	Type            AppointmentType
	Notes           string
	Symptoms        []string
	Diagnosis       string
	Payment         Payment
}

type AppointmentUpdate struct {
	PractitionerID  *uuid.UUID
	PatientID       *uuid.UUID
	Start           *time.Time
	DurationMinutes *int
	Status          *AppointmentStatus
	Type            *AppointmentType
	Notes           *string
	Symptoms        *[]string
	Diagnosis       *string
	Payment         *Payment
}

type AppointmentQuery struct {
	PractitionerID *uuid.UUID
	PatientID      *uuid.UUID
	Status         *AppointmentStatus
	// Day restricts results to one calendar day in the clinic zone.
	Day    *time.Time
	Limit  int
	Offset int
}

// CheckAvailability reports whether the practitioner is free for the window.
func (s *Service) CheckAvailability(ctx context.Context, caller Identity, practitionerID uuid.UUID, start time.Time, durationMinutes int) (bool, error) {
	if err := Authorize(caller, ActionManageAppointment, Resource{}); err != nil {
		return false, err
	}
	if err := ValidateDuration(durationMinutes); err != nil {
		return false, err
	}
	if _, err := s.loadPractitioner(ctx, practitionerID); err != nil {
		return false, err
	}
	return s.scheduler.CheckAvailability(ctx, practitionerID, start, durationMinutes, uuid.Nil)
}

func (s *Service) requireFuture(start time.Time) error {
	if start.IsZero() {
		return Validation("start", "required", "start is required")
	}
	if !start.After(s.now()) {
		return Validation("start", "future", "appointments must start in the future")
	}
	return nil
}

func (s *Service) bookablePractitioner(ctx context.Context, id uuid.UUID) error {
	p, err := s.loadPractitioner(ctx, id)
	if err != nil {
		return err
	}
	if !p.Active {
		return InvalidState("practitioner_inactive", "practitioner is not taking appointments")
	}
	return nil
}

// bookWithCheck runs the conflict check and the write under the
// practitioner lock. The repository's overlap guard backs it up.
func (s *Service) bookWithCheck(ctx context.Context, a Appointment, exclude uuid.UUID, write func(ctx context.Context, a Appointment) (*Appointment, error)) (*Appointment, error) {
	var saved *Appointment
	err := s.withLock(ctx, a.PractitionerID, func(lockCtx context.Context) error {
		conflict, err := s.scheduler.Conflict(lockCtx, a.PractitionerID, a.Window(), exclude)
		if err != nil {
			return err
		}
		if conflict != nil {
			return Conflict(ConflictScheduleOverlap, fmt.Sprintf(
				"practitioner already booked from %s to %s",
				conflict.Start.Format(time.RFC3339), conflict.End().Format(time.RFC3339)))
		}
		saved, err = write(lockCtx, a)
		return err
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// CreateAppointment books a future window after the conflict check. Cancelled
// bookings skip the check since they block nothing.
func (s *Service) CreateAppointment(ctx context.Context, caller Identity, in AppointmentInput) (*Appointment, error) {
	if err := Authorize(caller, ActionManageAppointment, Resource{}); err != nil {
		return nil, err
	}

	a := Appointment{
		ID:              uuid.New(),
		PractitionerID:  in.PractitionerID,
		PatientID:       in.PatientID,
		Start:           in.Start,
		DurationMinutes: in.DurationMinutes,
		Status:          in.Status,
		Type:            in.Type,
		Notes:           in.Notes,
		Symptoms:        in.Symptoms,
		Diagnosis:       in.Diagnosis,
		Payment:         in.Payment,
	}
	if a.DurationMinutes == 0 {
		a.DurationMinutes = DefaultDuration
	}
	if a.Status == "" {
		a.Status = StatusScheduled
	}
	if a.Type == "" {
		a.Type = TypeFirstVisit
	}
	if a.Payment.Status == "" {
		a.Payment.Status = PaymentPending
	}

	if err := validateAppointmentFields(&a); err != nil {
		return nil, err
	}
	if err := s.requireFuture(a.Start); err != nil {
		return nil, err
	}
	if err := s.bookablePractitioner(ctx, a.PractitionerID); err != nil {
		return nil, err
	}
	if _, err := s.loadPatient(ctx, a.PatientID); err != nil {
		return nil, err
	}

	var (
		created *Appointment
		err     error
	)
	if a.Blocks() {
		created, err = s.bookWithCheck(ctx, a, uuid.Nil, s.repo.CreateAppointment)
	} else {
		created, err = s.repo.CreateAppointment(ctx, a)
	}
	if err != nil {
		return nil, domainOr(err, "create appointment")
	}

	s.log.Info().
		Stringer("appointment_id", created.ID).
		Stringer("practitioner_id", created.PractitionerID).
		Time("start", created.Start).
		Int("duration_minutes", created.DurationMinutes).
		Msg("appointment created")
	s.logEvent(ctx, created.ID, caller, EventAppointmentCreated, map[string]any{
		"practitioner_id": created.PractitionerID.String(),
		"patient_id":      created.PatientID.String(),
		"start":           created.Start,
		"end":             created.End(),
		"status":          created.Status,
	})
	return created, nil
}

// GetAppointment returns one appointment.
func (s *Service) GetAppointment(ctx context.Context, caller Identity, id uuid.UUID) (*Appointment, error) {
	if err := Authorize(caller, ActionManageAppointment, Resource{}); err != nil {
		return nil, err
	}
	return s.loadAppointment(ctx, id)
}

// ListAppointments filters by practitioner, patient, status and day.
func (s *Service) ListAppointments(ctx context.Context, caller Identity, q AppointmentQuery) ([]Appointment, int, error) {
	if err := Authorize(caller, ActionManageAppointment, Resource{}); err != nil {
		return nil, 0, err
	}
	f := AppointmentFilter{
		PractitionerID: q.PractitionerID,
		PatientID:      q.PatientID,
		Status:         q.Status,
		Limit:          q.Limit,
		Offset:         q.Offset,
	}
	if q.Day != nil {
		from, to := dayBounds(*q.Day, s.loc)
		f.From, f.To = &from, &to
	}
	return s.listAppointments(ctx, f)
}

// PractitionerAppointments lists one practitioner's appointments.
func (s *Service) PractitionerAppointments(ctx context.Context, caller Identity, practitionerID uuid.UUID, limit, offset int) ([]Appointment, int, error) {
	if err := Authorize(caller, ActionManageAppointment, Resource{}); err != nil {
		return nil, 0, err
	}
	if _, err := s.loadPractitioner(ctx, practitionerID); err != nil {
		return nil, 0, err
	}
	return s.listAppointments(ctx, AppointmentFilter{PractitionerID: &practitionerID, Limit: limit, Offset: offset})
}

func (s *Service) listAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, int, error) {
	f.Limit, f.Offset = ClampPage(f.Limit, f.Offset)
	list, err := s.repo.ListAppointments(ctx, f)
	if err != nil {
		return nil, 0, fmt.Errorf("list appointments: %w", err)
	}
	total, err := s.repo.CountAppointments(ctx, f)
	if err != nil {
		return nil, 0, fmt.Errorf("count appointments: %w", err)
	}
	return list, total, nil
}

// UpdateAppointment applies in. The conflict check re-runs only when the
// practitioner, start, duration or a cancelled->active transition changes
// what the appointment occupies.
func (s *Service) UpdateAppointment(ctx context.Context, caller Identity, id uuid.UUID, in AppointmentUpdate) (*Appointment, error) {
	if err := Authorize(caller, ActionManageAppointment, Resource{}); err != nil {
		return nil, err
	}
	current, err := s.loadAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	a := *current

	if in.PractitionerID != nil {
		a.PractitionerID = *in.PractitionerID
	}
	if in.PatientID != nil {
		a.PatientID = *in.PatientID
	}
	if in.Start != nil {
		a.Start = *in.Start
	}
	if in.DurationMinutes != nil {
		a.DurationMinutes = *in.DurationMinutes
	}
	if in.Status != nil {
		a.Status = *in.Status
	}
	if in.Type != nil {
		a.Type = *in.Type
	}
	if in.Notes != nil {
		a.Notes = *in.Notes
	}
	if in.Symptoms != nil {
		a.Symptoms = slices.Clone(*in.Symptoms)
	}
	if in.Diagnosis != nil {
		a.Diagnosis = strings.TrimSpace(*in.Diagnosis)
	}
	if in.Payment != nil {
		a.Payment = *in.Payment
	}

	if err := validateAppointmentFields(&a); err != nil {
		return nil, err
	}

	practitionerChanged := a.PractitionerID != current.PractitionerID
	startChanged := !a.Start.Equal(current.Start)
	timeChanged := practitionerChanged || startChanged ||
		a.DurationMinutes != current.DurationMinutes ||
		(!current.Blocks() && a.Blocks())

	if startChanged {
		if err := s.requireFuture(a.Start); err != nil {
			return nil, err
		}
	}
	if practitionerChanged {
		if err := s.bookablePractitioner(ctx, a.PractitionerID); err != nil {
			return nil, err
		}
	}
	if a.PatientID != current.PatientID {
		if _, err := s.loadPatient(ctx, a.PatientID); err != nil {
			return nil, err
		}
	}

	var updated *Appointment
	if timeChanged && a.Blocks() {
		updated, err = s.bookWithCheck(ctx, a, a.ID, s.repo.UpdateAppointment)
	} else {
		updated, err = s.repo.UpdateAppointment(ctx, a)
	}
	if err != nil {
		return nil, domainOr(err, "update appointment")
	}

	event := EventAppointmentUpdated
	if current.Status != StatusCancelled && updated.Status == StatusCancelled {
		event = EventAppointmentCancelled
	}
	s.logEvent(ctx, updated.ID, caller, event, map[string]any{
		"from_status":   current.Status,
		"to_status":     updated.Status,
		"time_changed":  timeChanged,
		"practitioner":  updated.PractitionerID.String(),
		"start":         updated.Start,
		"duration_mins": updated.DurationMinutes,
	})
	return updated, nil
}

// DeleteAppointment removes an appointment. Linked prescriptions lose the link.
func (s *Service) DeleteAppointment(ctx context.Context, caller Identity, id uuid.UUID) error {
	if err := Authorize(caller, ActionManageAppointment, Resource{}); err != nil {
		return err
	}
	if err := s.repo.DeleteAppointment(ctx, id); err != nil {
		return domainOr(err, "delete appointment")
	}
	s.logEvent(ctx, id, caller, EventAppointmentDeleted, map[string]any{})
	return nil
}
