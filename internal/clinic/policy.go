package clinic

import (
	"github.com/google/uuid"
)

type Role int

const (
	RoleAnonymous Role = iota
	RoleDoctor
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleDoctor:
		return "doctor"
	case RoleAdmin:
		return "admin"
	default:
		return "anonymous"
	}
}

// Identity is the verified caller. The zero value is anonymous.
type Identity struct {
	SubjectID uuid.UUID
	Role      Role
}

// Anonymous is the identity of a request without a credential.
func Anonymous() Identity { return Identity{} }

// NewIdentity builds a doctor identity, or an admin one when admin is set.
func NewIdentity(subjectID uuid.UUID, admin bool) Identity {
	if admin {
		return Identity{SubjectID: subjectID, Role: RoleAdmin}
	}
	return Identity{SubjectID: subjectID, Role: RoleDoctor}
}

func (id Identity) Authenticated() bool { return id.Role != RoleAnonymous && id.SubjectID != uuid.Nil }
func (id Identity) IsAdmin() bool       { return id.Role == RoleAdmin && id.SubjectID != uuid.Nil }

type Action string

const (
	ActionCreatePractitioner Action = "practitioner:create"
	ActionUpdatePractitioner Action = "practitioner:update"
	ActionDeletePractitioner Action = "practitioner:delete"
	ActionReadPractitioner   Action = "practitioner:read"

	ActionCreatePatient Action = "patient:create"
	ActionReadPatient   Action = "patient:read"
	ActionUpdatePatient Action = "patient:update"
	ActionDeletePatient Action = "patient:delete"
	ActionListPatients  Action = "patient:list"

	ActionManageAppointment  Action = "appointment:manage"
	ActionManagePrescription Action = "prescription:manage"
)

// Resource carries the facts about the target the policy needs. OwnerID is the
// owning practitioner for patient actions. Bootstrap is true only when the
// system holds no practitioners at all.
type Resource struct {
	OwnerID   uuid.UUID
	Bootstrap bool
}

var adminOnly = map[Action]bool{
	ActionCreatePractitioner: true,
	ActionUpdatePractitioner: true,
	ActionDeletePractitioner: true,
}

var ownerScoped = map[Action]bool{
	ActionCreatePatient: true,
	ActionReadPatient:   true,
	ActionUpdatePatient: true,
	ActionDeletePatient: true,
}

// Authorize is the single gate for every operation. It returns nil to allow,
// or an Unauthenticated/Unauthorized error describing the denial.
func Authorize(id Identity, action Action, res Resource) error {
	if action == ActionCreatePractitioner && res.Bootstrap {
		return nil
	}
	if !id.Authenticated() {
		return Unauthenticated("valid credentials required")
	}
	if id.IsAdmin() {
		return nil
	}
	if adminOnly[action] {
		return Unauthorized("admin privileges required")
	}
	if ownerScoped[action] && res.OwnerID != id.SubjectID {
		return Unauthorized("patient belongs to another practitioner")
	}
	return nil
}

// PatientScope returns the owner filter a caller's patient listings are
// restricted to; nil means unrestricted.
func PatientScope(id Identity) *uuid.UUID {
	if id.IsAdmin() {
		return nil
	}
	subject := id.SubjectID
	return &subject
}
