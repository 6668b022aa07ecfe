package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling/internal/clinic"
)

// Date accepts either "YYYY-MM-DD" or a full RFC 3339 timestamp.
type Date struct {
	time.Time
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if t, err := time.Parse(clinic.DateLayout, s); err == nil {
		d.Time = t
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fmt.Errorf("date %q must be YYYY-MM-DD", s)
	}
	d.Time = t
	return nil
}

type LoginRequest struct {
	LicenseNumber string `json:"license_number"`
	Password      string `json:"password"`
	Admin         bool   `json:"admin"`
}

type CreatePractitionerRequest struct {
	Name          string                     `json:"name"`
	LicenseNumber string                     `json:"license_number"`
	Specialty     clinic.Specialty           `json:"specialty"`
	Password      string                     `json:"password"`
	IsAdmin       bool                       `json:"is_admin"`
	Contact       clinic.PractitionerContact `json:"contact"`
	Availability  *clinic.Availability       `json:"availability,omitempty"`
	Active        *bool                      `json:"active,omitempty"`
}

type UpdatePractitionerRequest struct {
	Name          *string                     `json:"name"`
	LicenseNumber *string                     `json:"license_number"`
	Specialty     *clinic.Specialty           `json:"specialty"`
	Password      *string                     `json:"password"`
	IsAdmin       *bool                       `json:"is_admin"`
	Contact       *clinic.PractitionerContact `json:"contact"`
	Availability  *clinic.Availability        `json:"availability"`
	Active        *bool                       `json:"active"`
}

type CreatePatientRequest struct {
	PractitionerID *uuid.UUID            `json:"practitioner_id,omitempty"`
	Name           string                `json:"name"`
	NationalID     string                `json:"national_id"`
	BirthDate      Date                  `json:"birth_date"`
	Gender         string                `json:"gender"`
	Contact        clinic.PatientContact `json:"contact"`
	Health         clinic.HealthInfo     `json:"health"`
	Notes          string                `json:"notes,omitempty"`
}

type UpdatePatientRequest struct {
	PractitionerID *uuid.UUID             `json:"practitioner_id"`
	Name           *string                `json:"name"`
	NationalID     *string                `json:"national_id"`
	BirthDate      *Date                  `json:"birth_date"`
	Gender         *string                `json:"gender"`
	Contact        *clinic.PatientContact `json:"contact"`
	Health         *clinic.HealthInfo     `json:"health"`
	Notes          *string                `json:"notes"`
	Active         *bool                  `json:"active"`
}

type CreateAppointmentRequest struct {
	PractitionerID  uuid.UUID                `json:"practitioner_id"`
	PatientID       uuid.UUID                `json:"patient_id"`
	Start           time.Time                `json:"start"`
	DurationMinutes int                      `json:"duration_minutes"`
	Status          clinic.AppointmentStatus `json:"status,omitempty"`
	Type            clinic.AppointmentType   `json:"type,omitempty"`
	Notes           string                   `json:"notes,omitempty"`
	Symptoms        []string                 `json:"symptoms,omitempty"`
	Diagnosis       string                   `json:"diagnosis,omitempty"`
	Payment         clinic.Payment           `json:"payment"`
}

type UpdateAppointmentRequest struct {
	PractitionerID  *uuid.UUID                `json:"practitioner_id"`
	PatientID       *uuid.UUID                `json:"patient_id"`
	Start           *time.Time                `json:"start"`
	DurationMinutes *int                      `json:"duration_minutes"`
	Status          *clinic.AppointmentStatus `json:"status"`
	Type            *clinic.AppointmentType   `json:"type"`
	Notes           *string                   `json:"notes"`
	Symptoms        *[]string                 `json:"symptoms"`
	Diagnosis       *string                   `json:"diagnosis"`
	Payment         *clinic.Payment           `json:"payment"`
}

type AvailabilityResponse struct {
	PractitionerID uuid.UUID `json:"practitioner_id"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	Available      bool      `json:"available"`
}

type CreatePrescriptionRequest struct {
	PractitionerID      *uuid.UUID          `json:"practitioner_id,omitempty"`
	PatientID           uuid.UUID           `json:"patient_id"`
	AppointmentID       *uuid.UUID          `json:"appointment_id,omitempty"`
	IssueDate           *time.Time          `json:"issue_date,omitempty"`
	ExpirationDate      *time.Time          `json:"expiration_date,omitempty"`
	Medications         []clinic.Medication `json:"medications"`
	GeneralInstructions string              `json:"general_instructions,omitempty"`
	Diagnosis           string              `json:"diagnosis,omitempty"`
	ICDCode             string              `json:"icd_code,omitempty"`
	Refillable          bool                `json:"refillable"`
	RefillsAuthorized   int                 `json:"refills_authorized"`
}

type UpdatePrescriptionRequest struct {
	Medications         *[]clinic.Medication       `json:"medications"`
	ExpirationDate      *time.Time                 `json:"expiration_date"`
	GeneralInstructions *string                    `json:"general_instructions"`
	Diagnosis           *string                    `json:"diagnosis"`
	ICDCode             *string                    `json:"icd_code"`
	Status              *clinic.PrescriptionStatus `json:"status"`
}

type DispenseRequest struct {
	At           *time.Time `json:"at,omitempty"`
	PharmacyName string     `json:"pharmacy_name"`
	Pharmacist   string     `json:"pharmacist"`
	Notes        string     `json:"notes,omitempty"`
}

type ListResponse[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	Details string `json:"details,omitempty"`
	Field   string `json:"field,omitempty"`
}
