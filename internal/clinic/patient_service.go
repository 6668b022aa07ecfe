package clinic

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type PatientInput struct {
	// PractitionerID is the owner; zero means the caller.
	PractitionerID uuid.UUID
	Name           string
	NationalID     string
	BirthDate      time.Time
	Gender         string
	Contact        PatientContact
	Health         HealthInfo
	Notes          string
}

type PatientUpdate struct {
	PractitionerID *uuid.UUID
	Name           *string
	NationalID     *string
	BirthDate      *time.Time
	Gender         *string
	Contact        *PatientContact
	Health         *HealthInfo
	Notes          *string
	Active         *bool
}

type PatientQuery struct {
	Name   string
	Limit  int
	Offset int
}

// CreatePatient registers a patient. Doctors may only register patients they own.
func (s *Service) CreatePatient(ctx context.Context, caller Identity, in PatientInput) (*Patient, error) {
	owner := in.PractitionerID
	if owner == uuid.Nil {
		owner = caller.SubjectID
	}
	if err := Authorize(caller, ActionCreatePatient, Resource{OwnerID: owner}); err != nil {
		return nil, err
	}
	if _, err := s.loadPractitioner(ctx, owner); err != nil {
		return nil, err
	}

	p := Patient{
		ID:             uuid.New(),
		PractitionerID: owner,
		Name:           strings.TrimSpace(in.Name),
		NationalID:     NormalizeNationalID(in.NationalID),
		BirthDate:      in.BirthDate,
		Gender:         strings.TrimSpace(in.Gender),
		Contact:        in.Contact,
		Health:         in.Health,
		Notes:          in.Notes,
		Active:         true,
	}
	if err := validatePatient(&p, s.now()); err != nil {
		return nil, err
	}
	if err := s.ensureNationalIDFree(ctx, p.NationalID, uuid.Nil); err != nil {
		return nil, err
	}

	created, err := s.repo.CreatePatient(ctx, p)
	if err != nil {
		return nil, domainOr(err, "create patient")
	}
	s.logEvent(ctx, created.ID, caller, EventPatientCreated, map[string]any{
		"practitioner_id": created.PractitionerID.String(),
	})
	return created, nil
}

func (s *Service) ensureNationalIDFree(ctx context.Context, nationalID string, self uuid.UUID) error {
	existing, err := s.repo.GetPatientByNationalID(ctx, nationalID)
	if err != nil {
		if IsKind(err, KindNotFound) {
			return nil
		}
		return fmt.Errorf("check national id: %w", err)
	}
	if existing.ID != self {
		return ErrDuplicateNational
	}
	return nil
}

// authorizedPatient loads a patient and checks the caller may act on it.
func (s *Service) authorizedPatient(ctx context.Context, caller Identity, id uuid.UUID, action Action) (*Patient, error) {
	if !caller.Authenticated() {
		return nil, Unauthenticated("valid credentials required")
	}
	p, err := s.loadPatient(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := Authorize(caller, action, Resource{OwnerID: p.PractitionerID}); err != nil {
		return nil, err
	}
	return p, nil
}

// GetPatient returns a patient the caller may see.
func (s *Service) GetPatient(ctx context.Context, caller Identity, id uuid.UUID) (*Patient, error) {
	return s.authorizedPatient(ctx, caller, id, ActionReadPatient)
}

// ListPatients returns the caller's patients (every patient for admins) and
// the total matching count.
func (s *Service) ListPatients(ctx context.Context, caller Identity, q PatientQuery) ([]Patient, int, error) {
	if err := Authorize(caller, ActionListPatients, Resource{}); err != nil {
		return nil, 0, err
	}
	limit, offset := ClampPage(q.Limit, q.Offset)
	f := PatientFilter{
		OwnerID:      PatientScope(caller),
		NameContains: strings.TrimSpace(q.Name),
		Limit:        limit,
		Offset:       offset,
	}

	list, err := s.repo.ListPatients(ctx, f)
	if err != nil {
		return nil, 0, fmt.Errorf("list patients: %w", err)
	}
	total, err := s.repo.CountPatients(ctx, f)
	if err != nil {
		return nil, 0, fmt.Errorf("count patients: %w", err)
	}
	return list, total, nil
}

// UpdatePatient re-validates the merged record and keeps national ids unique.
func (s *Service) UpdatePatient(ctx context.Context, caller Identity, id uuid.UUID, in PatientUpdate) (*Patient, error) {
	p, err := s.authorizedPatient(ctx, caller, id, ActionUpdatePatient)
	if err != nil {
		return nil, err
	}

	if in.PractitionerID != nil && *in.PractitionerID != p.PractitionerID {
		// handing a patient over counts as creating it for the new owner
		if err := Authorize(caller, ActionCreatePatient, Resource{OwnerID: *in.PractitionerID}); err != nil {
			return nil, err
		}
		if _, err := s.loadPractitioner(ctx, *in.PractitionerID); err != nil {
			return nil, err
		}
		p.PractitionerID = *in.PractitionerID
	}
	if in.Name != nil {
		p.Name = strings.TrimSpace(*in.Name)
	}
	if in.NationalID != nil {
		p.NationalID = NormalizeNationalID(*in.NationalID)
	}
	if in.BirthDate != nil {
		p.BirthDate = *in.BirthDate
	}
	if in.Gender != nil {
		p.Gender = strings.TrimSpace(*in.Gender)
	}
	if in.Contact != nil {
		p.Contact = *in.Contact
	}
	if in.Health != nil {
		p.Health = *in.Health
	}
	if in.Notes != nil {
		p.Notes = *in.Notes
	}
	if in.Active != nil {
		p.Active = *in.Active
	}

	if err := validatePatient(p, s.now()); err != nil {
		return nil, err
	}
	if err := s.ensureNationalIDFree(ctx, p.NationalID, p.ID); err != nil {
		return nil, err
	}

	updated, err := s.repo.UpdatePatient(ctx, *p)
	if err != nil {
		return nil, domainOr(err, "update patient")
	}
	s.logEvent(ctx, updated.ID, caller, EventPatientUpdated, map[string]any{
		"practitioner_id": updated.PractitionerID.String(),
	})
	return updated, nil
}

// DeletePatient removes a patient with no appointments or prescriptions.
func (s *Service) DeletePatient(ctx context.Context, caller Identity, id uuid.UUID) error {
	if _, err := s.authorizedPatient(ctx, caller, id, ActionDeletePatient); err != nil {
		return err
	}

	appointments, err := s.repo.CountAppointments(ctx, AppointmentFilter{PatientID: &id})
	if err != nil {
		return fmt.Errorf("count appointments: %w", err)
	}
	prescriptions, err := s.repo.CountPrescriptions(ctx, PrescriptionFilter{PatientID: &id})
	if err != nil {
		return fmt.Errorf("count prescriptions: %w", err)
	}
	if appointments > 0 || prescriptions > 0 {
		return InvalidState("patient_referenced", fmt.Sprintf(
			"patient has %d appointments and %d prescriptions", appointments, prescriptions))
	}

	if err := s.repo.DeletePatient(ctx, id); err != nil {
		return domainOr(err, "delete patient")
	}
	s.logEvent(ctx, id, caller, EventPatientDeleted, map[string]any{})
	return nil
}

// PatientAppointments lists a visible patient's appointments, newest first.
func (s *Service) PatientAppointments(ctx context.Context, caller Identity, id uuid.UUID, limit, offset int) ([]Appointment, int, error) {
	if _, err := s.authorizedPatient(ctx, caller, id, ActionReadPatient); err != nil {
		return nil, 0, err
	}
	return s.listAppointments(ctx, AppointmentFilter{PatientID: &id, Limit: limit, Offset: offset})
}

// PatientPrescriptions lists a visible patient's prescriptions.
func (s *Service) PatientPrescriptions(ctx context.Context, caller Identity, id uuid.UUID, limit, offset int) ([]Prescription, int, error) {
	if _, err := s.authorizedPatient(ctx, caller, id, ActionReadPatient); err != nil {
		return nil, 0, err
	}
	return s.listPrescriptions(ctx, PrescriptionFilter{PatientID: &id, Limit: limit, Offset: offset})
}
