package clinic

import (
	"fmt"
	"strings"
	"time"
)

const PrescriptionValidity = 30 * 24 * time.Hour

// HasControlled reports whether any medication is a controlled substance.
func HasControlled(meds []Medication) bool {
	for _, m := range meds {
		if m.Controlled {
			return true
		}
	}
	return false
}

// ResolveExpiration picks the stored expiration for a prescription issued at
// issue. Without a request it is issue+30d. Controlled medications cap any
// request at issue+30d.
func ResolveExpiration(issue time.Time, requested *time.Time, meds []Medication) (time.Time, error) {
	limit := issue.Add(PrescriptionValidity)
	if requested == nil || requested.IsZero() {
		return limit, nil
	}
	if !requested.After(issue) {
		return time.Time{}, Validation("expiration_date", "order", "expiration must be after the issue date")
	}
	if HasControlled(meds) && requested.After(limit) {
		return limit, nil
	}
	return *requested, nil
}

// AllergyMatch returns the first medication whose name contains one of the
// allergies, compared case-insensitively. Blank allergy entries never match.
func AllergyMatch(meds []Medication, allergies []string) (Medication, string, bool) {
	for _, m := range meds {
		name := strings.ToLower(m.Name)
		for _, allergy := range allergies {
			a := strings.ToLower(strings.TrimSpace(allergy))
			if a == "" {
				continue
			}
			if strings.Contains(name, a) {
				return m, allergy, true
			}
		}
	}
	return Medication{}, "", false
}

func checkAllergies(meds []Medication, allergies []string) error {
	if m, allergy, ok := AllergyMatch(meds, allergies); ok {
		return Validation("medications", "allergy",
			fmt.Sprintf("patient is allergic to %s (matches %q)", m.Name, allergy))
	}
	return nil
}

// Dispense appends d to the history and advances refill and status state.
// Non-refillable prescriptions are dispensed by their first dispensation;
// refillable ones once used refills reach the authorized count.
func (p *Prescription) Dispense(d Dispensation, now time.Time) error {
	if p.Status != PrescriptionActive {
		return InvalidState("prescription_not_active",
			fmt.Sprintf("prescription is %s, only active prescriptions can be dispensed", p.Status))
	}
	if now.After(p.ExpirationDate) {
		return InvalidState("prescription_expired", "prescription has expired")
	}
	if d.At.IsZero() {
		d.At = now
	}

	p.Dispensations = append(p.Dispensations, d)
	if p.Refill.Refillable {
		p.Refill.Used++
		at := d.At
		p.Refill.LastRefillAt = &at
		if p.Refill.Used >= p.Refill.Authorized {
			p.Status = PrescriptionDispensed
		}
	} else {
		p.Status = PrescriptionDispensed
	}
	return nil
}

// Expired reports whether an active prescription is past its expiration.
func (p *Prescription) Expired(now time.Time) bool {
	return p.Status == PrescriptionActive && now.After(p.ExpirationDate)
}
