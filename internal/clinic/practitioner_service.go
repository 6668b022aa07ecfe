package clinic

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type PractitionerInput struct {
	Name          string
	LicenseNumber string
	Specialty     Specialty
	Password      string
	IsAdmin       bool
	Contact       PractitionerContact
	Availability  *Availability
	Active        *bool
}

type PractitionerUpdate struct {
	Name          *string
	LicenseNumber *string
	Specialty     *Specialty
	Password      *string
	IsAdmin       *bool
	Contact       *PractitionerContact
	Availability  *Availability
	Active        *bool
}

type Session struct {
	Token        string        `json:"token"`
	ExpiresAt    time.Time     `json:"expires_at"`
	Admin        bool          `json:"admin"`
	Practitioner *Practitioner `json:"practitioner"`
}

// Authenticate verifies a license/password pair and issues a session token.
// asAdmin requests an admin session, which only admins may open.
func (s *Service) Authenticate(ctx context.Context, license, password string, asAdmin bool) (*Session, error) {
	p, err := s.repo.GetPractitionerByLicense(ctx, strings.TrimSpace(license))
	if err != nil {
		if IsKind(err, KindNotFound) {
			return nil, Unauthenticated("invalid license number or password")
		}
		return nil, fmt.Errorf("load practitioner: %w", err)
	}
	if err := s.passwords.VerifyPassword(p.PasswordHash, password); err != nil {
		return nil, Unauthenticated("invalid license number or password")
	}
	if !p.Active {
		return nil, Unauthorized("practitioner account is inactive")
	}
	if asAdmin && !p.IsAdmin {
		return nil, Unauthorized("admin privileges required")
	}

	token, expiresAt, err := s.tokens.Issue(NewIdentity(p.ID, asAdmin))
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}

	s.log.Info().Stringer("practitioner_id", p.ID).Bool("admin", asAdmin).Msg("practitioner authenticated")
	return &Session{Token: token, ExpiresAt: expiresAt, Admin: asAdmin, Practitioner: p}, nil
}

// Me returns the caller's own practitioner record.
func (s *Service) Me(ctx context.Context, caller Identity) (*Practitioner, error) {
	if err := Authorize(caller, ActionReadPractitioner, Resource{}); err != nil {
		return nil, err
	}
	return s.loadPractitioner(ctx, caller.SubjectID)
}

// CreatePractitioner registers a practitioner. In an empty system the call is
// allowed without credentials and the record is always an admin.
func (s *Service) CreatePractitioner(ctx context.Context, caller Identity, in PractitionerInput) (*Practitioner, error) {
	count, err := s.repo.CountPractitioners(ctx)
	if err != nil {
		return nil, fmt.Errorf("count practitioners: %w", err)
	}
	bootstrap := count == 0
	if err := Authorize(caller, ActionCreatePractitioner, Resource{Bootstrap: bootstrap}); err != nil {
		return nil, err
	}

	p := Practitioner{
		ID:            uuid.New(),
		Name:          strings.TrimSpace(in.Name),
		LicenseNumber: strings.TrimSpace(in.LicenseNumber),
		Specialty:     in.Specialty,
		IsAdmin:       in.IsAdmin || bootstrap,
		Contact:       in.Contact,
		Availability:  DefaultAvailability(),
		Active:        true,
	}
	if in.Availability != nil {
		p.Availability = *in.Availability
	}
	if in.Active != nil {
		p.Active = *in.Active
	}
	if bootstrap {
		p.Active = true
	}

	if err := validatePractitioner(&p); err != nil {
		return nil, err
	}
	if len(in.Password) < MinPasswordLength {
		return nil, Validation("password", "min_length", fmt.Sprintf("password must have at least %d characters", MinPasswordLength))
	}
	if err := s.ensureLicenseFree(ctx, p.LicenseNumber, uuid.Nil); err != nil {
		return nil, err
	}

	hash, err := s.passwords.HashPassword(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	p.PasswordHash = hash

	if !bootstrap {
		created, err := s.repo.CreatePractitioner(ctx, p)
		if err != nil {
			return nil, domainOr(err, "create practitioner")
		}
		s.logEvent(ctx, created.ID, caller, EventPractitionerCreated, map[string]any{
			"license_number": created.LicenseNumber,
			"is_admin":       created.IsAdmin,
		})
		return created, nil
	}

	// Two anonymous callers racing for the bootstrap slot: only the one that
	// still sees an empty table inside the lock may proceed.
	var created *Practitioner
	err = s.withLock(ctx, uuid.Nil, func(lockCtx context.Context) error {
		n, err := s.repo.CountPractitioners(lockCtx)
		if err != nil {
			return fmt.Errorf("count practitioners: %w", err)
		}
		if n > 0 {
			return Unauthenticated("valid credentials required")
		}
		created, err = s.repo.CreatePractitioner(lockCtx, p)
		if err != nil {
			return domainOr(err, "create practitioner")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().Stringer("practitioner_id", created.ID).Msg("bootstrap admin created")
	s.logEvent(ctx, created.ID, caller, EventPractitionerBootstrapped, map[string]any{
		"license_number": created.LicenseNumber,
	})
	return created, nil
}

func (s *Service) ensureLicenseFree(ctx context.Context, license string, self uuid.UUID) error {
	existing, err := s.repo.GetPractitionerByLicense(ctx, license)
	if err != nil {
		if IsKind(err, KindNotFound) {
			return nil
		}
		return fmt.Errorf("check license: %w", err)
	}
	if existing.ID != self {
		return ErrDuplicateLicense
	}
	return nil
}

// GetPractitioner returns one practitioner to any authenticated caller.
func (s *Service) GetPractitioner(ctx context.Context, caller Identity, id uuid.UUID) (*Practitioner, error) {
	if err := Authorize(caller, ActionReadPractitioner, Resource{}); err != nil {
		return nil, err
	}
	return s.loadPractitioner(ctx, id)
}

// ListPractitioners filters by specialty and active flag.
func (s *Service) ListPractitioners(ctx context.Context, caller Identity, f PractitionerFilter) ([]Practitioner, error) {
	if err := Authorize(caller, ActionReadPractitioner, Resource{}); err != nil {
		return nil, err
	}
	if f.Specialty != nil {
		if err := ValidateSpecialty(*f.Specialty); err != nil {
			return nil, err
		}
	}
	f.Limit, f.Offset = ClampPage(f.Limit, f.Offset)

	list, err := s.repo.ListPractitioners(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list practitioners: %w", err)
	}
	return list, nil
}

// UpdatePractitioner is admin-only. A new password is re-hashed and the license
// stays unique.
func (s *Service) UpdatePractitioner(ctx context.Context, caller Identity, id uuid.UUID, in PractitionerUpdate) (*Practitioner, error) {
	if err := Authorize(caller, ActionUpdatePractitioner, Resource{}); err != nil {
		return nil, err
	}
	p, err := s.loadPractitioner(ctx, id)
	if err != nil {
		return nil, err
	}

	if in.Name != nil {
		p.Name = strings.TrimSpace(*in.Name)
	}
	if in.LicenseNumber != nil {
		p.LicenseNumber = strings.TrimSpace(*in.LicenseNumber)
	}
	if in.Specialty != nil {
		p.Specialty = *in.Specialty
	}
	if in.IsAdmin != nil {
		p.IsAdmin = *in.IsAdmin
	}
	if in.Contact != nil {
		p.Contact = *in.Contact
	}
	if in.Availability != nil {
		p.Availability = *in.Availability
	}
	if in.Active != nil {
		p.Active = *in.Active
	}

	if err := validatePractitioner(p); err != nil {
		return nil, err
	}
	if in.LicenseNumber != nil {
		if err := s.ensureLicenseFree(ctx, p.LicenseNumber, p.ID); err != nil {
			return nil, err
		}
	}
	if in.Password != nil {
		if len(*in.Password) < MinPasswordLength {
			return nil, Validation("password", "min_length", fmt.Sprintf("password must have at least %d characters", MinPasswordLength))
		}
		hash, err := s.passwords.HashPassword(*in.Password)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		p.PasswordHash = hash
	}

	updated, err := s.repo.UpdatePractitioner(ctx, *p)
	if err != nil {
		return nil, domainOr(err, "update practitioner")
	}
	s.logEvent(ctx, updated.ID, caller, EventPractitionerUpdated, map[string]any{
		"active":   updated.Active,
		"is_admin": updated.IsAdmin,
	})
	return updated, nil
}

// DeletePractitioner removes a practitioner nothing refers to. Referenced
// practitioners should be deactivated instead.
func (s *Service) DeletePractitioner(ctx context.Context, caller Identity, id uuid.UUID) error {
	if err := Authorize(caller, ActionDeletePractitioner, Resource{}); err != nil {
		return err
	}
	if _, err := s.loadPractitioner(ctx, id); err != nil {
		return err
	}

	appointments, err := s.repo.CountAppointments(ctx, AppointmentFilter{PractitionerID: &id})
	if err != nil {
		return fmt.Errorf("count appointments: %w", err)
	}
	prescriptions, err := s.repo.CountPrescriptions(ctx, PrescriptionFilter{PractitionerID: &id})
	if err != nil {
		return fmt.Errorf("count prescriptions: %w", err)
	}
	patients, err := s.repo.CountPatients(ctx, PatientFilter{OwnerID: &id})
	if err != nil {
		return fmt.Errorf("count patients: %w", err)
	}
	if appointments > 0 || prescriptions > 0 || patients > 0 {
		return InvalidState("practitioner_referenced", fmt.Sprintf(
			"practitioner has %d appointments, %d prescriptions and %d patients; deactivate it instead",
			appointments, prescriptions, patients))
	}

	if err := s.repo.DeletePractitioner(ctx, id); err != nil {
		return domainOr(err, "delete practitioner")
	}
	s.logEvent(ctx, id, caller, EventPractitionerDeleted, map[string]any{})
	return nil
}

// AvailablePractitioners lists active practitioners who work on day and have
// no blackout for it.
func (s *Service) AvailablePractitioners(ctx context.Context, caller Identity, day time.Time) ([]Practitioner, error) {
	if err := Authorize(caller, ActionReadPractitioner, Resource{}); err != nil {
		return nil, err
	}
	active := true
	all, err := s.repo.ListPractitioners(ctx, PractitionerFilter{Active: &active})
	if err != nil {
		return nil, fmt.Errorf("list practitioners: %w", err)
	}

	local := day.In(s.loc)
	var out []Practitioner
	for _, p := range all {
		if ok, _ := p.Availability.WorksOn(local); ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// FreeSlots lists the bookable windows of a practitioner on day.
func (s *Service) FreeSlots(ctx context.Context, caller Identity, practitionerID uuid.UUID, day time.Time) ([]Window, error) {
	if err := Authorize(caller, ActionManageAppointment, Resource{}); err != nil {
		return nil, err
	}
	p, err := s.loadPractitioner(ctx, practitionerID)
	if err != nil {
		return nil, err
	}
	if !p.Active {
		return nil, nil
	}

	from, to := dayBounds(day, s.loc)
	booked, err := s.repo.ListBlockingAppointments(ctx, practitionerID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list booked appointments: %w", err)
	}
	return FreeSlots(p.Availability, from, s.loc, booked, s.now()), nil
}
