package clinic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	redisclient "github.com/hackgods/clinic-scheduling/internal/redis"
)

const (
	EventPractitionerBootstrapped = "PRACTITIONER_BOOTSTRAPPED"
	EventPractitionerCreated      = "PRACTITIONER_CREATED"
	EventPractitionerUpdated      = "PRACTITIONER_UPDATED"
	EventPractitionerDeleted      = "PRACTITIONER_DELETED"
	EventPatientCreated           = "PATIENT_CREATED"
	EventPatientUpdated           = "PATIENT_UPDATED"
	EventPatientDeleted           = "PATIENT_DELETED"
	EventAppointmentCreated       = "APPOINTMENT_CREATED"
	EventAppointmentUpdated       = "APPOINTMENT_UPDATED"
	EventAppointmentCancelled     = "APPOINTMENT_CANCELLED"
	EventAppointmentDeleted       = "APPOINTMENT_DELETED"
	EventPrescriptionCreated      = "PRESCRIPTION_CREATED"
	EventPrescriptionUpdated      = "PRESCRIPTION_UPDATED"
	EventPrescriptionDispensed    = "PRESCRIPTION_DISPENSED"
	EventPrescriptionExpired      = "PRESCRIPTION_EXPIRED"
	EventPrescriptionDeleted      = "PRESCRIPTION_DELETED"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Locker serializes work on one practitioner's records.
type Locker interface {
	WithPractitionerLock(ctx context.Context, practitionerID uuid.UUID, fn func(ctx context.Context) error) error
}

type PasswordHasher interface {
	HashPassword(password string) (string, error)
	VerifyPassword(hash, password string) error
}

type TokenIssuer interface {
	Issue(id Identity) (token string, expiresAt time.Time, err error)
}

type Option func(*Service)

// WithClock overrides time.Now, mostly for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// WithLocation sets the zone practitioner availability ("HH:MM") is read in.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

type Service struct {
	repo      Repository
	scheduler *Scheduler
	locker    Locker
	passwords PasswordHasher
	tokens    TokenIssuer
	log       zerolog.Logger
	loc       *time.Location
	clock     func() time.Time
}

// NewService wires the lifecycle manager. locker may be nil, in which case
// conflict checks rely on the repository's own overlap guard alone.
func NewService(repo Repository, locker Locker, passwords PasswordHasher, tokens TokenIssuer, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		scheduler: NewScheduler(repo),
		locker:    locker,
		passwords: passwords,
		tokens:    tokens,
		log:       log.With().Str("component", "clinic").Logger(),
		loc:       time.UTC,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) now() time.Time { return s.clock() }

// Location is the zone availability windows are interpreted in.
func (s *Service) Location() *time.Location { return s.loc }

func (s *Service) withLock(ctx context.Context, practitionerID uuid.UUID, fn func(ctx context.Context) error) error {
	if s.locker == nil {
		return fn(ctx)
	}
	err := s.locker.WithPractitionerLock(ctx, practitionerID, fn)
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return Conflict(ConflictBookingInProgress, "another change for this practitioner is in progress, please retry")
	}
	return err
}

func (s *Service) logEvent(ctx context.Context, entityID uuid.UUID, actor Identity, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error().Err(err).Str("event", eventType).Msg("failed to marshal event payload")
		data = nil
	}

	id := entityID
	ev := EventLog{
		EventType: eventType,
		EntityID:  &id,
		Payload:   data,
		CreatedAt: s.now(),
	}
	if actor.Authenticated() {
		subject := actor.SubjectID
		ev.ActorID = &subject
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.log.Error().Err(err).Str("event", eventType).Stringer("entity_id", entityID).Msg("failed to insert event log")
	}
}

// ClampPage applies the default and maximum page size.
func ClampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// dayBounds returns [midnight, next midnight) of day in loc.
func dayBounds(day time.Time, loc *time.Location) (time.Time, time.Time) {
	y, m, d := day.In(loc).Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}

func (s *Service) loadPractitioner(ctx context.Context, id uuid.UUID) (*Practitioner, error) {
	p, err := s.repo.GetPractitioner(ctx, id)
	if err != nil {
		if IsKind(err, KindNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load practitioner: %w", err)
	}
	return p, nil
}

func (s *Service) loadPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := s.repo.GetPatient(ctx, id)
	if err != nil {
		if IsKind(err, KindNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load patient: %w", err)
	}
	return p, nil
}

func (s *Service) loadAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := s.repo.GetAppointment(ctx, id)
	if err != nil {
		if IsKind(err, KindNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	return a, nil
}

func (s *Service) loadPrescription(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	p, err := s.repo.GetPrescription(ctx, id)
	if err != nil {
		if IsKind(err, KindNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load prescription: %w", err)
	}
	return p, nil
}

// domainOr passes domain errors through and wraps everything else.
func domainOr(err error, op string) error {
	if KindOf(err) != "" {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}
