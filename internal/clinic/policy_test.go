package clinic

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestAuthorize(t *testing.T) {
	doctorID := uuid.New()
	otherID := uuid.New()
	doctor := NewIdentity(doctorID, false)
	admin := NewIdentity(uuid.New(), true)

	tests := []struct {
		name   string
		id     Identity
		action Action
		res    Resource
		want   Kind
	}{
		{"anonymous bootstrap allowed", Anonymous(), ActionCreatePractitioner, Resource{Bootstrap: true}, ""},
		{"anonymous create refused once populated", Anonymous(), ActionCreatePractitioner, Resource{}, KindUnauthenticated},
		{"anonymous appointment", Anonymous(), ActionManageAppointment, Resource{}, KindUnauthenticated},
		{"doctor cannot create practitioner", doctor, ActionCreatePractitioner, Resource{}, KindUnauthorized},
		{"doctor cannot delete practitioner", doctor, ActionDeletePractitioner, Resource{}, KindUnauthorized},
		{"admin creates practitioner", admin, ActionCreatePractitioner, Resource{}, ""},
		{"doctor reads own patient", doctor, ActionReadPatient, Resource{OwnerID: doctorID}, ""},
		{"doctor reads foreign patient", doctor, ActionReadPatient, Resource{OwnerID: otherID}, KindUnauthorized},
		{"doctor creates patient for another", doctor, ActionCreatePatient, Resource{OwnerID: otherID}, KindUnauthorized},
		{"admin updates any patient", admin, ActionUpdatePatient, Resource{OwnerID: otherID}, ""},
		{"doctor books appointments", doctor, ActionManageAppointment, Resource{}, ""},
		{"doctor manages prescriptions", doctor, ActionManagePrescription, Resource{}, ""},
		{"doctor lists scoped patients", doctor, ActionListPatients, Resource{}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Authorize(tt.id, tt.action, tt.res)
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, tt.want, KindOf(err))
		})
	}
}

func TestIdentityRoles(t *testing.T) {
	assert.False(t, Anonymous().Authenticated())
	assert.False(t, Identity{Role: RoleAdmin}.IsAdmin(), "admin role without a subject is not an admin")
	assert.Equal(t, "doctor", NewIdentity(uuid.New(), false).Role.String())
	assert.Equal(t, "admin", NewIdentity(uuid.New(), true).Role.String())
}

func TestPatientScope(t *testing.T) {
	id := uuid.New()
	assert.Nil(t, PatientScope(NewIdentity(id, true)))

	scope := PatientScope(NewIdentity(id, false))
	if assert.NotNil(t, scope) {
		assert.Equal(t, id, *scope)
	}
}
