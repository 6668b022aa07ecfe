package clinic

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

type PrescriptionInput struct {
	// PractitionerID is the prescriber; zero means the caller.
	PractitionerID      uuid.UUID
	PatientID           uuid.UUID
	AppointmentID       *uuid.UUID
	IssueDate           *time.Time
	ExpirationDate      *time.Time
	Medications         []Medication
	GeneralInstructions string
	Diagnosis           string
	ICDCode             string
	Refillable          bool
	RefillsAuthorized   int
}

type PrescriptionUpdate struct {
	Medications         *[]Medication
	ExpirationDate      *time.Time
	GeneralInstructions *string
	Diagnosis           *string
	ICDCode             *string
	// Status may only move an active prescription to cancelled.
	Status *PrescriptionStatus
}

type PrescriptionQuery struct {
	PractitionerID *uuid.UUID
	PatientID      *uuid.UUID
	Status         *PrescriptionStatus
	Medication     string
	Limit          int
	Offset         int
}

type DispensationInput struct {
	At           *time.Time
	PharmacyName string
	Pharmacist   string
	Notes        string
}

// CreatePrescription issues a prescription after the allergy check, defaulting
// the prescriber to the caller and clamping controlled expirations.
func (s *Service) CreatePrescription(ctx context.Context, caller Identity, in PrescriptionInput) (*Prescription, error) {
	if err := Authorize(caller, ActionManagePrescription, Resource{}); err != nil {
		return nil, err
	}
	prescriber := in.PractitionerID
	if prescriber == uuid.Nil {
		prescriber = caller.SubjectID
	}

	if err := validateMedications(in.Medications); err != nil {
		return nil, err
	}
	if in.RefillsAuthorized < 0 {
		return nil, Validation("refill.authorized", "range", "authorized refills cannot be negative")
	}
	if _, err := s.loadPractitioner(ctx, prescriber); err != nil {
		return nil, err
	}
	patient, err := s.loadPatient(ctx, in.PatientID)
	if err != nil {
		return nil, err
	}
	if in.AppointmentID != nil {
		appt, err := s.loadAppointment(ctx, *in.AppointmentID)
		if err != nil {
			return nil, err
		}
		if appt.PatientID != patient.ID {
			return nil, Validation("appointment_id", "mismatch", "appointment belongs to another patient")
		}
	}
	if err := checkAllergies(in.Medications, patient.Health.Allergies); err != nil {
		return nil, err
	}

	issue := s.now()
	if in.IssueDate != nil && !in.IssueDate.IsZero() {
		issue = *in.IssueDate
	}
	expiration, err := ResolveExpiration(issue, in.ExpirationDate, in.Medications)
	if err != nil {
		return nil, err
	}

	p := Prescription{
		ID:                  uuid.New(),
		PractitionerID:      prescriber,
		PatientID:           patient.ID,
		AppointmentID:       in.AppointmentID,
		IssueDate:           issue,
		ExpirationDate:      expiration,
		Medications:         slices.Clone(in.Medications),
		GeneralInstructions: in.GeneralInstructions,
		Diagnosis:           strings.TrimSpace(in.Diagnosis),
		ICDCode:             strings.TrimSpace(in.ICDCode),
		Status:              PrescriptionActive,
		Refill:              RefillInfo{Refillable: in.Refillable},
		Dispensations:       []Dispensation{},
	}
	if in.Refillable {
		p.Refill.Authorized = in.RefillsAuthorized
	}

	created, err := s.repo.CreatePrescription(ctx, p)
	if err != nil {
		return nil, domainOr(err, "create prescription")
	}
	s.logEvent(ctx, created.ID, caller, EventPrescriptionCreated, map[string]any{
		"patient_id":      created.PatientID.String(),
		"medications":     len(created.Medications),
		"controlled":      HasControlled(created.Medications),
		"expiration_date": created.ExpirationDate,
	})
	return created, nil
}

// GetPrescription returns one prescription.
func (s *Service) GetPrescription(ctx context.Context, caller Identity, id uuid.UUID) (*Prescription, error) {
	if err := Authorize(caller, ActionManagePrescription, Resource{}); err != nil {
		return nil, err
	}
	return s.loadPrescription(ctx, id)
}

// ListPrescriptions filters by prescriber, patient, status and medication name.
func (s *Service) ListPrescriptions(ctx context.Context, caller Identity, q PrescriptionQuery) ([]Prescription, int, error) {
	if err := Authorize(caller, ActionManagePrescription, Resource{}); err != nil {
		return nil, 0, err
	}
	return s.listPrescriptions(ctx, PrescriptionFilter{
		PractitionerID: q.PractitionerID,
		PatientID:      q.PatientID,
		Status:         q.Status,
		Medication:     strings.TrimSpace(q.Medication),
		Limit:          q.Limit,
		Offset:         q.Offset,
	})
}

func (s *Service) listPrescriptions(ctx context.Context, f PrescriptionFilter) ([]Prescription, int, error) {
	f.Limit, f.Offset = ClampPage(f.Limit, f.Offset)
	list, err := s.repo.ListPrescriptions(ctx, f)
	if err != nil {
		return nil, 0, fmt.Errorf("list prescriptions: %w", err)
	}
	total, err := s.repo.CountPrescriptions(ctx, f)
	if err != nil {
		return nil, 0, fmt.Errorf("count prescriptions: %w", err)
	}
	return list, total, nil
}

// UpdatePrescription edits an active prescription. Changed medications are
// re-checked against the patient's allergies and the expiration is re-clamped.
// Like Dispense it works on a copy re-read under the prescriber's lock, and the
// write only lands if nothing changed the prescription meanwhile.
func (s *Service) UpdatePrescription(ctx context.Context, caller Identity, id uuid.UUID, in PrescriptionUpdate) (*Prescription, error) {
	if err := Authorize(caller, ActionManagePrescription, Resource{}); err != nil {
		return nil, err
	}
	current, err := s.loadPrescription(ctx, id)
	if err != nil {
		return nil, err
	}

	var updated *Prescription
	err = s.withLock(ctx, current.PractitionerID, func(lockCtx context.Context) error {
		p, err := s.loadPrescription(lockCtx, id)
		if err != nil {
			return err
		}
		if err := s.applyPrescriptionUpdate(lockCtx, p, in); err != nil {
			return err
		}
		updated, err = s.repo.UpdatePrescription(lockCtx, *p)
		return err
	})
	if err != nil {
		return nil, domainOr(err, "update prescription")
	}

	s.logEvent(ctx, updated.ID, caller, EventPrescriptionUpdated, map[string]any{
		"status":          updated.Status,
		"expiration_date": updated.ExpirationDate,
	})
	return updated, nil
}

func (s *Service) applyPrescriptionUpdate(ctx context.Context, p *Prescription, in PrescriptionUpdate) error {
	if p.Status != PrescriptionActive {
		return InvalidState("prescription_not_active",
			fmt.Sprintf("prescription is %s and can no longer be changed", p.Status))
	}

	if in.Medications != nil {
		meds := slices.Clone(*in.Medications)
		if err := validateMedications(meds); err != nil {
			return err
		}
		patient, err := s.loadPatient(ctx, p.PatientID)
		if err != nil {
			return err
		}
		if err := checkAllergies(meds, patient.Health.Allergies); err != nil {
			return err
		}
		p.Medications = meds
	}
	if in.Medications != nil || in.ExpirationDate != nil {
		requested := &p.ExpirationDate
		if in.ExpirationDate != nil {
			requested = in.ExpirationDate
		}
		expiration, err := ResolveExpiration(p.IssueDate, requested, p.Medications)
		if err != nil {
			return err
		}
		p.ExpirationDate = expiration
	}
	if in.GeneralInstructions != nil {
		p.GeneralInstructions = *in.GeneralInstructions
	}
	if in.Diagnosis != nil {
		p.Diagnosis = strings.TrimSpace(*in.Diagnosis)
	}
	if in.ICDCode != nil {
		p.ICDCode = strings.TrimSpace(*in.ICDCode)
	}
	if in.Status != nil && *in.Status != p.Status {
		if *in.Status != PrescriptionCancelled {
			return Validation("status", "transition", "an active prescription can only be cancelled")
		}
		p.Status = PrescriptionCancelled
	}
	return nil
}

// DeletePrescription refuses once the prescription is dispensed, and when a
// dispensation or edit lands between the read and the delete.
func (s *Service) DeletePrescription(ctx context.Context, caller Identity, id uuid.UUID) error {
	if err := Authorize(caller, ActionManagePrescription, Resource{}); err != nil {
		return err
	}
	current, err := s.loadPrescription(ctx, id)
	if err != nil {
		return err
	}

	err = s.withLock(ctx, current.PractitionerID, func(lockCtx context.Context) error {
		p, err := s.loadPrescription(lockCtx, id)
		if err != nil {
			return err
		}
		if p.Status == PrescriptionDispensed {
			return InvalidState("prescription_dispensed", "dispensed prescriptions cannot be deleted")
		}
		return s.repo.DeletePrescription(lockCtx, id, p.UpdatedAt)
	})
	if err != nil {
		return domainOr(err, "delete prescription")
	}
	s.logEvent(ctx, id, caller, EventPrescriptionDeleted, map[string]any{})
	return nil
}

// Dispense records a pharmacy dispensation. It runs under the prescriber's lock
// so two pharmacies cannot both consume the last refill.
func (s *Service) Dispense(ctx context.Context, caller Identity, id uuid.UUID, in DispensationInput) (*Prescription, error) {
	if err := Authorize(caller, ActionManagePrescription, Resource{}); err != nil {
		return nil, err
	}
	current, err := s.loadPrescription(ctx, id)
	if err != nil {
		return nil, err
	}

	var updated *Prescription
	err = s.withLock(ctx, current.PractitionerID, func(lockCtx context.Context) error {
		p, err := s.loadPrescription(lockCtx, id)
		if err != nil {
			return err
		}
		now := s.now()
		d := Dispensation{
			PharmacyName: strings.TrimSpace(in.PharmacyName),
			Pharmacist:   strings.TrimSpace(in.Pharmacist),
			Notes:        in.Notes,
		}
		if in.At != nil {
			d.At = *in.At
		}
		if err := p.Dispense(d, now); err != nil {
			return err
		}
		updated, err = s.repo.UpdatePrescription(lockCtx, *p)
		return err
	})
	if err != nil {
		return nil, domainOr(err, "dispense prescription")
	}

	s.logEvent(ctx, updated.ID, caller, EventPrescriptionDispensed, map[string]any{
		"status":       updated.Status,
		"refills_used": updated.Refill.Used,
		"pharmacy":     in.PharmacyName,
	})
	return updated, nil
}

// ExpirePrescriptions moves every active prescription past its expiration to
// expired. It is meant for the periodic worker and returns how many changed.
func (s *Service) ExpirePrescriptions(ctx context.Context) (int, error) {
	now := s.now()
	candidates, err := s.repo.FindExpiredActive(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("find expired prescriptions: %w", err)
	}

	expired := 0
	for _, p := range candidates {
		_, err := s.repo.UpdatePrescriptionStatus(ctx, p.ID, PrescriptionActive, PrescriptionExpired)
		if err != nil {
			if !errors.Is(err, ErrPrescriptionNotFound) {
				s.log.Error().Err(err).Stringer("prescription_id", p.ID).Msg("failed to expire prescription")
			}
			continue
		}
		expired++
		s.logEvent(ctx, p.ID, Anonymous(), EventPrescriptionExpired, map[string]any{
			"expiration_date": p.ExpirationDate,
			"reason":          "worker",
		})
	}
	return expired, nil
}
