package clinic

import (
	"context"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPractitionerNotFound = &Error{Kind: KindNotFound, Code: "practitioner_not_found", Field: "practitioner", Message: "practitioner not found"}
	ErrPatientNotFound      = &Error{Kind: KindNotFound, Code: "patient_not_found", Field: "patient", Message: "patient not found"}
	ErrAppointmentNotFound  = &Error{Kind: KindNotFound, Code: "appointment_not_found", Field: "appointment", Message: "appointment not found"}
	ErrPrescriptionNotFound = &Error{Kind: KindNotFound, Code: "prescription_not_found", Field: "prescription", Message: "prescription not found"}

	ErrScheduleOverlap   = &Error{Kind: KindConflict, Code: ConflictScheduleOverlap, Message: "practitioner already has an appointment in this window"}
	ErrDuplicateLicense  = &Error{Kind: KindConflict, Code: ConflictDuplicateLicense, Field: "license_number", Message: "license number already registered"}
	ErrDuplicateNational = &Error{Kind: KindConflict, Code: ConflictDuplicateNational, Field: "national_id", Message: "national id already registered"}

	ErrPrescriptionNotActive = &Error{Kind: KindInvalidState, Code: "prescription_not_active", Message: "prescription is no longer active"}
	ErrPrescriptionDispensed = &Error{Kind: KindInvalidState, Code: "prescription_dispensed", Message: "dispensed prescriptions cannot be deleted"}
	ErrPrescriptionChanged   = &Error{Kind: KindInvalidState, Code: "prescription_changed", Message: "prescription changed since it was read, reload and retry"}
)

// staleWriteError names the reason a prescription write guarded by status and
// UpdatedAt was refused, given the status now stored.
func staleWriteError(current PrescriptionStatus, deleting bool) error {
	switch {
	case deleting && current == PrescriptionDispensed:
		return ErrPrescriptionDispensed
	case !deleting && current != PrescriptionActive:
		return ErrPrescriptionNotActive
	}
	return ErrPrescriptionChanged
}

type PractitionerFilter struct {
	Specialty *Specialty
	Active    *bool
	Limit     int
	Offset    int
}

type PatientFilter struct {
	OwnerID      *uuid.UUID
	NameContains string
	Limit        int
	Offset       int
}

type AppointmentFilter struct {
	PractitionerID *uuid.UUID
	PatientID      *uuid.UUID
	Status         *AppointmentStatus
	From           *time.Time
	To             *time.Time
	Limit          int
	Offset         int
}

type PrescriptionFilter struct {
	PractitionerID *uuid.UUID
	PatientID      *uuid.UUID
	Status         *PrescriptionStatus
	Medication     string
	Limit          int
	Offset         int
}

// Repository is every storage interaction the service needs. Implementations
// enforce license and national id uniqueness and reject overlapping
// non-cancelled appointments of one practitioner, returning the Err*
// conflicts above.
type Repository interface {
	BookingReader

	CountPractitioners(ctx context.Context) (int, error)
	CreatePractitioner(ctx context.Context, p Practitioner) (*Practitioner, error)
	GetPractitioner(ctx context.Context, id uuid.UUID) (*Practitioner, error)
	GetPractitionerByLicense(ctx context.Context, license string) (*Practitioner, error)
	ListPractitioners(ctx context.Context, f PractitionerFilter) ([]Practitioner, error)
	UpdatePractitioner(ctx context.Context, p Practitioner) (*Practitioner, error)
	DeletePractitioner(ctx context.Context, id uuid.UUID) error

	CreatePatient(ctx context.Context, p Patient) (*Patient, error)
	GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetPatientByNationalID(ctx context.Context, nationalID string) (*Patient, error)
	ListPatients(ctx context.Context, f PatientFilter) ([]Patient, error)
	CountPatients(ctx context.Context, f PatientFilter) (int, error)
	UpdatePatient(ctx context.Context, p Patient) (*Patient, error)
	DeletePatient(ctx context.Context, id uuid.UUID) error

	CreateAppointment(ctx context.Context, a Appointment) (*Appointment, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error)
	CountAppointments(ctx context.Context, f AppointmentFilter) (int, error)
	UpdateAppointment(ctx context.Context, a Appointment) (*Appointment, error)
	DeleteAppointment(ctx context.Context, id uuid.UUID) error

	CreatePrescription(ctx context.Context, p Prescription) (*Prescription, error)
	GetPrescription(ctx context.Context, id uuid.UUID) (*Prescription, error)
	ListPrescriptions(ctx context.Context, f PrescriptionFilter) ([]Prescription, error)
	CountPrescriptions(ctx context.Context, f PrescriptionFilter) (int, error)
	// UpdatePrescription and DeletePrescription are conditional: they apply
	// only while the stored UpdatedAt equals the one the caller read, and
	// only to an active (update) or not dispensed (delete) prescription.
	UpdatePrescription(ctx context.Context, p Prescription) (*Prescription, error)
	DeletePrescription(ctx context.Context, id uuid.UUID, version time.Time) error

	// Expiry worker
	FindExpiredActive(ctx context.Context, now time.Time) ([]Prescription, error)
	UpdatePrescriptionStatus(ctx context.Context, id uuid.UUID, from, to PrescriptionStatus) (*Prescription, error)

	InsertEvent(ctx context.Context, ev EventLog) error
}
