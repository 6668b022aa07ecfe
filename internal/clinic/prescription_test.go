package clinic

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveExpiration(t *testing.T) {
	issue := time.Date(2030, 3, 4, 9, 0, 0, 0, time.UTC)
	plain := []Medication{{Name: "Amoxicillin", Dosage: "500mg", Frequency: "8/8h"}}
	controlled := []Medication{{Name: "Clonazepam", Dosage: "2mg", Frequency: "nightly", Controlled: true}}

	got, err := ResolveExpiration(issue, nil, plain)
	require.NoError(t, err)
	assert.Equal(t, issue.AddDate(0, 0, 30), got)

	sixty := issue.AddDate(0, 0, 60)
	got, err = ResolveExpiration(issue, &sixty, plain)
	require.NoError(t, err)
	assert.Equal(t, sixty, got)

	got, err = ResolveExpiration(issue, &sixty, controlled)
	require.NoError(t, err)
	assert.Equal(t, issue.AddDate(0, 0, 30), got, "controlled medication clamps to 30 days")

	ten := issue.AddDate(0, 0, 10)
	got, err = ResolveExpiration(issue, &ten, controlled)
	require.NoError(t, err)
	assert.Equal(t, ten, got)

	before := issue.Add(-time.Hour)
	_, err = ResolveExpiration(issue, &before, plain)
	assert.True(t, IsKind(err, KindValidation))
}

func TestAllergyMatch(t *testing.T) {
	meds := []Medication{{Name: "Ibuprofen 400"}, {Name: "Amoxicillin Clavulanate"}}

	m, allergy, ok := AllergyMatch(meds, []string{"penicillin", "AMOXICILLIN"})
	require.True(t, ok)
	assert.Equal(t, "Amoxicillin Clavulanate", m.Name)
	assert.Equal(t, "AMOXICILLIN", allergy)

	_, _, ok = AllergyMatch(meds, []string{"sulfa", "  "})
	assert.False(t, ok)

	_, _, ok = AllergyMatch(meds, nil)
	assert.False(t, ok)
}

func activePrescription(refillable bool, authorized int, expires time.Time) *Prescription {
	return &Prescription{
		Status:         PrescriptionActive,
		ExpirationDate: expires,
		Refill:         RefillInfo{Refillable: refillable, Authorized: authorized},
	}
}

func TestDispense_NonRefillable(t *testing.T) {
	now := time.Date(2030, 3, 4, 9, 0, 0, 0, time.UTC)
	p := activePrescription(false, 0, now.AddDate(0, 0, 30))

	require.NoError(t, p.Dispense(Dispensation{PharmacyName: "Central"}, now))
	assert.Equal(t, PrescriptionDispensed, p.Status)
	require.Len(t, p.Dispensations, 1)
	assert.Equal(t, now, p.Dispensations[0].At)

	err := p.Dispense(Dispensation{}, now)
	assert.True(t, IsKind(err, KindInvalidState))
	assert.Len(t, p.Dispensations, 1)
}

func TestDispense_RefillableUntilExhausted(t *testing.T) {
	now := time.Date(2030, 3, 4, 9, 0, 0, 0, time.UTC)
	p := activePrescription(true, 2, now.AddDate(0, 0, 30))

	require.NoError(t, p.Dispense(Dispensation{}, now))
	assert.Equal(t, PrescriptionActive, p.Status)
	assert.Equal(t, 1, p.Refill.Used)
	require.NotNil(t, p.Refill.LastRefillAt)

	require.NoError(t, p.Dispense(Dispensation{}, now.Add(time.Hour)))
	assert.Equal(t, PrescriptionDispensed, p.Status)
	assert.Equal(t, 2, p.Refill.Used)
	assert.Equal(t, now.Add(time.Hour), *p.Refill.LastRefillAt)
}

func TestDispense_Expired(t *testing.T) {
	expires := time.Date(2030, 3, 4, 9, 0, 0, 0, time.UTC)
	p := activePrescription(false, 0, expires)

	assert.NoError(t, activePrescription(false, 0, expires).Dispense(Dispensation{}, expires), "exactly at expiration is allowed")

	err := p.Dispense(Dispensation{}, expires.Add(time.Second))
	var de *Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "prescription_expired", de.Code)
	assert.Equal(t, PrescriptionActive, p.Status)
	assert.True(t, p.Expired(expires.Add(time.Second)))
}
