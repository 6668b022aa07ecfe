package clinic

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	MinDurationMinutes = 15
	MaxDurationMinutes = 120
	DefaultDuration    = 30
	MaxPatientAgeYears = 120
	MinPasswordLength  = 6
	nationalIDLength   = 11
)

var (
	licensePattern = regexp.MustCompile(`^\d{5,6}(-[A-Z]{2})?$`)
	emailPattern   = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	clockPattern   = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)
	nonDigits      = regexp.MustCompile(`\D`)
)

var bloodTypes = map[string]bool{
	"A+": true, "A-": true, "B+": true, "B-": true,
	"AB+": true, "AB-": true, "O+": true, "O-": true,
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return Validation(field, "required", field+" is required")
	}
	return nil
}

// ValidateLicense accepts 5 or 6 digits with an optional "-UF" state suffix.
func ValidateLicense(license string) error {
	if !licensePattern.MatchString(license) {
		return Validation("license_number", "format", "license number must be 5 or 6 digits with an optional -UF suffix")
	}
	return nil
}

// ValidSpecialty reports whether s is in Specialties.
func ValidSpecialty(s Specialty) bool {
	for _, known := range Specialties {
		if s == known {
			return true
		}
	}
	return false
}

// ValidateSpecialty rejects specialties outside the closed list.
func ValidateSpecialty(s Specialty) error {
	if !ValidSpecialty(s) {
		return Validation("specialty", "enum", fmt.Sprintf("unknown specialty %q", s))
	}
	return nil
}

// NormalizeNationalID strips everything but digits, so "123.456.789-09" and
// "12345678909" are the same identifier.
func NormalizeNationalID(raw string) string {
	return nonDigits.ReplaceAllString(raw, "")
}

// ValidateNationalID expects an already normalized value.
func ValidateNationalID(id string) error {
	if len(id) != nationalIDLength {
		return Validation("national_id", "length", "national id must have 11 digits")
	}
	if strings.Count(id, id[:1]) == len(id) {
		return Validation("national_id", "repeated_digits", "national id cannot repeat a single digit")
	}
	return nil
}

// ValidateBirthDate rejects future dates and ages over 120.
func ValidateBirthDate(birth, now time.Time) error {
	if birth.IsZero() {
		return Validation("birth_date", "required", "birth date is required")
	}
	if birth.After(now) {
		return Validation("birth_date", "future", "birth date cannot be in the future")
	}
	if ageAt(birth, now) > MaxPatientAgeYears {
		return Validation("birth_date", "max_age", fmt.Sprintf("age cannot exceed %d years", MaxPatientAgeYears))
	}
	return nil
}

func ageAt(birth, now time.Time) int {
	age := now.Year() - birth.Year()
	if now.Month() < birth.Month() || (now.Month() == birth.Month() && now.Day() < birth.Day()) {
		age--
	}
	return age
}

// ValidateDuration bounds appointment length to 15..120 minutes.
func ValidateDuration(minutes int) error {
	if minutes < MinDurationMinutes || minutes > MaxDurationMinutes {
		return Validation("duration_minutes", "range",
			fmt.Sprintf("duration must be between %d and %d minutes", MinDurationMinutes, MaxDurationMinutes))
	}
	return nil
}

// ValidateEmail wants a plausible user@host.tld address.
func ValidateEmail(field, email string) error {
	if !emailPattern.MatchString(email) {
		return Validation(field, "format", "invalid email address")
	}
	return nil
}

// ValidateBloodType allows empty or one of the eight ABO/Rh types.
func ValidateBloodType(bt string) error {
	if bt == "" || bloodTypes[bt] {
		return nil
	}
	return Validation("health.blood_type", "enum", fmt.Sprintf("unknown blood type %q", bt))
}

// parseClock returns minutes since midnight for an "HH:MM" value.
func parseClock(s string) (int, bool) {
	if !clockPattern.MatchString(s) {
		return 0, false
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}

// ValidateAvailability checks days, "HH:MM" bounds, the break window, slot length
// and blackout dates.
func ValidateAvailability(a Availability) error {
	seen := make(map[time.Weekday]bool, len(a.Days))
	for _, d := range a.Days {
		if d < time.Sunday || d > time.Saturday {
			return Validation("availability.days", "enum", fmt.Sprintf("invalid weekday %d", d))
		}
		if seen[d] {
			return Validation("availability.days", "unique", fmt.Sprintf("weekday %s listed twice", d))
		}
		seen[d] = true
	}

	start, ok := parseClock(a.Start)
	if !ok {
		return Validation("availability.start", "format", "start must be HH:MM")
	}
	end, ok := parseClock(a.End)
	if !ok {
		return Validation("availability.end", "format", "end must be HH:MM")
	}
	if end <= start {
		return Validation("availability.end", "order", "end must be after start")
	}

	if a.BreakStart != "" || a.BreakEnd != "" {
		bs, ok := parseClock(a.BreakStart)
		if !ok {
			return Validation("availability.break_start", "format", "break start must be HH:MM")
		}
		be, ok := parseClock(a.BreakEnd)
		if !ok {
			return Validation("availability.break_end", "format", "break end must be HH:MM")
		}
		if be <= bs || bs < start || be > end {
			return Validation("availability.break_end", "order", "break must be a non-empty window inside working hours")
		}
	}

	if a.AppointmentMinutes < MinDurationMinutes || a.AppointmentMinutes > MaxDurationMinutes {
		return Validation("availability.appointment_minutes", "range",
			fmt.Sprintf("appointment length must be between %d and %d minutes", MinDurationMinutes, MaxDurationMinutes))
	}

	for _, b := range a.Blackouts {
		if _, err := time.Parse(DateLayout, b.Date); err != nil {
			return Validation("availability.blackouts", "format", fmt.Sprintf("blackout date %q must be YYYY-MM-DD", b.Date))
		}
	}
	return nil
}

func validatePractitioner(p *Practitioner) error {
	if err := required("name", p.Name); err != nil {
		return err
	}
	if err := ValidateLicense(p.LicenseNumber); err != nil {
		return err
	}
	if err := ValidateSpecialty(p.Specialty); err != nil {
		return err
	}
	if err := ValidateEmail("contact.email", p.Contact.Email); err != nil {
		return err
	}
	if err := required("contact.phone", p.Contact.Phone); err != nil {
		return err
	}
	return ValidateAvailability(p.Availability)
}

func validatePatient(p *Patient, now time.Time) error {
	if err := required("name", p.Name); err != nil {
		return err
	}
	if err := ValidateNationalID(p.NationalID); err != nil {
		return err
	}
	if err := ValidateBirthDate(p.BirthDate, now); err != nil {
		return err
	}
	if err := required("gender", p.Gender); err != nil {
		return err
	}
	if err := required("contact.phone", p.Contact.Phone); err != nil {
		return err
	}
	if p.Contact.Email != "" {
		if err := ValidateEmail("contact.email", p.Contact.Email); err != nil {
			return err
		}
	}
	if err := ValidateBloodType(p.Health.BloodType); err != nil {
		return err
	}
	if p.Health.WeightKg < 0 {
		return Validation("health.weight_kg", "range", "weight cannot be negative")
	}
	if p.Health.HeightCm < 0 {
		return Validation("health.height_cm", "range", "height cannot be negative")
	}
	return nil
}

func validateAppointmentFields(a *Appointment) error {
	if err := ValidateDuration(a.DurationMinutes); err != nil {
		return err
	}
	switch a.Status {
	case StatusScheduled, StatusConfirmed, StatusCompleted, StatusCancelled:
	default:
		return Validation("status", "enum", fmt.Sprintf("unknown status %q", a.Status))
	}
	switch a.Type {
	case TypeFirstVisit, TypeFollowUp, TypeEmergency:
	default:
		return Validation("type", "enum", fmt.Sprintf("unknown appointment type %q", a.Type))
	}
	switch a.Payment.Status {
	case PaymentPending, PaymentPaid, PaymentRefunded:
	default:
		return Validation("payment.status", "enum", fmt.Sprintf("unknown payment status %q", a.Payment.Status))
	}
	switch a.Payment.Method {
	case "", MethodCash, MethodCard, MethodInsurance, MethodBankTransfer, MethodOther:
	default:
		return Validation("payment.method", "enum", fmt.Sprintf("unknown payment method %q", a.Payment.Method))
	}
	if a.Payment.Amount < 0 {
		return Validation("payment.amount", "range", "amount cannot be negative")
	}
	return nil
}

func validateMedications(meds []Medication) error {
	if len(meds) == 0 {
		return Validation("medications", "required", "at least one medication is required")
	}
	for i, m := range meds {
		prefix := fmt.Sprintf("medications[%d].", i)
		if err := required(prefix+"name", m.Name); err != nil {
			return err
		}
		if err := required(prefix+"dosage", m.Dosage); err != nil {
			return err
		}
		if err := required(prefix+"frequency", m.Frequency); err != nil {
			return err
		}
	}
	return nil
}
