package clinic

import (
	"time"

	"github.com/google/uuid"
)

type Specialty string

const (
	SpecialtyGeneralPractice Specialty = "General Practice"
	SpecialtyCardiology      Specialty = "Cardiology"
	SpecialtyDermatology     Specialty = "Dermatology"
	SpecialtyNeurology       Specialty = "Neurology"
	SpecialtyPediatrics      Specialty = "Pediatrics"
	SpecialtyOrthopedics     Specialty = "Orthopedics"
	SpecialtyGynecology      Specialty = "Gynecology"
	SpecialtyOphthalmology   Specialty = "Ophthalmology"
	SpecialtyPsychiatry      Specialty = "Psychiatry"
	SpecialtyUrology         Specialty = "Urology"
	SpecialtyEndocrinology   Specialty = "Endocrinology"
	SpecialtyENT             Specialty = "ENT"
	SpecialtyGeriatrics      Specialty = "Geriatrics"
)

var Specialties = []Specialty{
	SpecialtyGeneralPractice,
	SpecialtyCardiology,
	SpecialtyDermatology,
	SpecialtyNeurology,
	SpecialtyPediatrics,
	SpecialtyOrthopedics,
	SpecialtyGynecology,
	SpecialtyOphthalmology,
	SpecialtyPsychiatry,
	SpecialtyUrology,
	SpecialtyEndocrinology,
	SpecialtyENT,
	SpecialtyGeriatrics,
}

type AppointmentStatus string

const (
	StatusScheduled AppointmentStatus = "scheduled"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCompleted AppointmentStatus = "completed"
	StatusCancelled AppointmentStatus = "cancelled"
)

type AppointmentType string

const (
	TypeFirstVisit AppointmentType = "first_visit"
	TypeFollowUp   AppointmentType = "follow_up"
	TypeEmergency  AppointmentType = "emergency"
)

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentRefunded PaymentStatus = "refunded"
)

type PaymentMethod string

const (
	MethodCash         PaymentMethod = "cash"
	MethodCard         PaymentMethod = "card"
	MethodInsurance    PaymentMethod = "insurance"
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodOther        PaymentMethod = "other"
)

type PrescriptionStatus string

const (
	PrescriptionActive    PrescriptionStatus = "active"
	PrescriptionDispensed PrescriptionStatus = "dispensed"
	PrescriptionCancelled PrescriptionStatus = "cancelled"
	PrescriptionExpired   PrescriptionStatus = "expired"
)

type Address struct {
	Street       string `json:"street,omitempty"`
	Number       string `json:"number,omitempty"`
	Complement   string `json:"complement,omitempty"`
	Neighborhood string `json:"neighborhood,omitempty"`
	City         string `json:"city,omitempty"`
	State        string `json:"state,omitempty"`
	ZipCode      string `json:"zip_code,omitempty"`
}

type PractitionerContact struct {
	Email   string  `json:"email"`
	Phone   string  `json:"phone"`
	Address Address `json:"address"`
}

// Blackout is a whole calendar day (YYYY-MM-DD) the practitioner does not work.
type Blackout struct {
	Date   string `json:"date"`
	Reason string `json:"reason,omitempty"`
}

// Availability is the practitioner's recurring week. Times are "HH:MM" in the
// clinic time zone.
type Availability struct {
	Days               []time.Weekday `json:"days"`
	Start              string         `json:"start"`
	End                string         `json:"end"`
	BreakStart         string         `json:"break_start,omitempty"`
	BreakEnd           string         `json:"break_end,omitempty"`
	AppointmentMinutes int            `json:"appointment_minutes"`
	Blackouts          []Blackout     `json:"blackouts,omitempty"`
}

// DefaultAvailability is Monday to Friday, 08:00-18:00 with a lunch hour and 30 minute slots.
func DefaultAvailability() Availability {
	return Availability{
		Days:               []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
		Start:              "08:00",
		End:                "18:00",
		BreakStart:         "12:00",
		BreakEnd:           "13:00",
		AppointmentMinutes: 30,
	}
}

type Practitioner struct {
	ID            uuid.UUID           `json:"id"`
	Name          string              `json:"name"`
	LicenseNumber string              `json:"license_number"`
	Specialty     Specialty           `json:"specialty"`
	PasswordHash  string              `json:"-"`
	IsAdmin       bool                `json:"is_admin"`
	Contact       PractitionerContact `json:"contact"`
	Availability  Availability        `json:"availability"`
	Active        bool                `json:"active"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

type EmergencyContact struct {
	Name         string `json:"name,omitempty"`
	Phone        string `json:"phone,omitempty"`
	Relationship string `json:"relationship,omitempty"`
}

type PatientContact struct {
	Email     string           `json:"email,omitempty"`
	Phone     string           `json:"phone"`
	Emergency EmergencyContact `json:"emergency"`
	Address   Address          `json:"address"`
}

type HealthInfo struct {
	BloodType  string   `json:"blood_type"`
	WeightKg   float64  `json:"weight_kg,omitempty"`
	HeightCm   float64  `json:"height_cm,omitempty"`
	Conditions []string `json:"conditions,omitempty"`
	Allergies  []string `json:"allergies,omitempty"`
}

type Patient struct {
	ID             uuid.UUID      `json:"id"`
	PractitionerID uuid.UUID      `json:"practitioner_id"`
	Name           string         `json:"name"`
	NationalID     string         `json:"national_id"`
	BirthDate      time.Time      `json:"birth_date"`
	Gender         string         `json:"gender"`
	Contact        PatientContact `json:"contact"`
	Health         HealthInfo     `json:"health"`
	Notes          string         `json:"notes,omitempty"`
	Active         bool           `json:"active"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

type Payment struct {
	Status PaymentStatus `json:"status"`
	Method PaymentMethod `json:"method,omitempty"`
	Amount float64       `json:"amount"`
}

type Appointment struct {
	ID              uuid.UUID         `json:"id"`
	PractitionerID  uuid.UUID         `json:"practitioner_id"`
	PatientID       uuid.UUID         `json:"patient_id"`
	Start           time.Time         `json:"start"`
	DurationMinutes int               `json:"duration_minutes"`
	Status          AppointmentStatus `json:"status"`
	Type            AppointmentType   `json:"type"`
	Notes           string            `json:"notes,omitempty"`
	Symptoms        []string          `json:"symptoms,omitempty"`
	Diagnosis       string            `json:"diagnosis,omitempty"`
	Payment         Payment           `json:"payment"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// End is the exclusive end of the booked interval.
func (a Appointment) End() time.Time {
	return a.Start.Add(time.Duration(a.DurationMinutes) * time.Minute)
}

// Window is the appointment's [start, end) interval.
func (a Appointment) Window() Window {
	return Window{Start: a.Start, End: a.End()}
}

type Medication struct {
	Name         string `json:"name"`
	Dosage       string `json:"dosage"`
	Frequency    string `json:"frequency"`
	Duration     string `json:"duration,omitempty"`
	Instructions string `json:"instructions,omitempty"`
	Controlled   bool   `json:"controlled"`
}

type RefillInfo struct {
	Refillable   bool       `json:"refillable"`
	Authorized   int        `json:"authorized"`
	Used         int        `json:"used"`
	LastRefillAt *time.Time `json:"last_refill_at,omitempty"`
}

type Dispensation struct {
	At           time.Time `json:"at"`
	PharmacyName string    `json:"pharmacy_name,omitempty"`
	Pharmacist   string    `json:"pharmacist,omitempty"`
	Notes        string    `json:"notes,omitempty"`
}

type Prescription struct {
	ID                  uuid.UUID          `json:"id"`
	PractitionerID      uuid.UUID          `json:"practitioner_id"`
	PatientID           uuid.UUID          `json:"patient_id"`
	AppointmentID       *uuid.UUID         `json:"appointment_id,omitempty"`
	IssueDate           time.Time          `json:"issue_date"`
	ExpirationDate      time.Time          `json:"expiration_date"`
	Medications         []Medication       `json:"medications"`
	GeneralInstructions string             `json:"general_instructions,omitempty"`
	Diagnosis           string             `json:"diagnosis,omitempty"`
	ICDCode             string             `json:"icd_code,omitempty"`
	Status              PrescriptionStatus `json:"status"`
	Refill              RefillInfo         `json:"refill"`
	Dispensations       []Dispensation     `json:"dispensations"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

type EventLog struct {
	ID        int64
	EventType string
	EntityID  *uuid.UUID
	ActorID   *uuid.UUID
	Payload   []byte
	CreatedAt time.Time
}
