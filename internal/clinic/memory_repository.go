package clinic

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is a process-local Repository with the same uniqueness and
// overlap guarantees as the Postgres schema. It backs tests and local demos.
type MemoryRepository struct {
	mu            sync.RWMutex
	practitioners map[uuid.UUID]Practitioner
	patients      map[uuid.UUID]Patient
	appointments  map[uuid.UUID]Appointment
	prescriptions map[uuid.UUID]Prescription
	events        []EventLog
}

// NewMemoryRepository returns an empty store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		practitioners: make(map[uuid.UUID]Practitioner),
		patients:      make(map[uuid.UUID]Patient),
		appointments:  make(map[uuid.UUID]Appointment),
		prescriptions: make(map[uuid.UUID]Prescription),
	}
}

var _ Repository = (*MemoryRepository)(nil)

// Copy helpers keep callers from mutating stored slices.

func clonePractitioner(p Practitioner) *Practitioner {
	p.Availability.Days = slices.Clone(p.Availability.Days)
	p.Availability.Blackouts = slices.Clone(p.Availability.Blackouts)
	return &p
}

func clonePatient(p Patient) *Patient {
	p.Health.Allergies = slices.Clone(p.Health.Allergies)
	p.Health.Conditions = slices.Clone(p.Health.Conditions)
	return &p
}

func cloneAppointment(a Appointment) *Appointment {
	a.Symptoms = slices.Clone(a.Symptoms)
	return &a
}

func clonePrescription(p Prescription) *Prescription {
	p.Medications = slices.Clone(p.Medications)
	p.Dispensations = slices.Clone(p.Dispensations)
	if p.AppointmentID != nil {
		id := *p.AppointmentID
		p.AppointmentID = &id
	}
	if p.Refill.LastRefillAt != nil {
		at := *p.Refill.LastRefillAt
		p.Refill.LastRefillAt = &at
	}
	return &p
}

func page[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func nowUTC() time.Time { return time.Now().UTC() }

// nextVersion is a timestamp strictly after prev.
func nextVersion(prev time.Time) time.Time {
	now := nowUTC()
	if !now.After(prev) {
		return prev.Add(time.Microsecond)
	}
	return now
}

// Practitioners

func (r *MemoryRepository) CountPractitioners(ctx context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.practitioners), nil
}

func (r *MemoryRepository) licenseTaken(license string, except uuid.UUID) bool {
	for id, p := range r.practitioners {
		if id != except && p.LicenseNumber == license {
			return true
		}
	}
	return false
}

func (r *MemoryRepository) CreatePractitioner(ctx context.Context, p Practitioner) (*Practitioner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.licenseTaken(p.LicenseNumber, uuid.Nil) {
		return nil, ErrDuplicateLicense
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = nowUTC()
	p.UpdatedAt = p.CreatedAt
	r.practitioners[p.ID] = *clonePractitioner(p)
	return clonePractitioner(p), nil
}

func (r *MemoryRepository) GetPractitioner(ctx context.Context, id uuid.UUID) (*Practitioner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.practitioners[id]
	if !ok {
		return nil, NotFound("practitioner", id)
	}
	return clonePractitioner(p), nil
}

func (r *MemoryRepository) GetPractitionerByLicense(ctx context.Context, license string) (*Practitioner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.practitioners {
		if p.LicenseNumber == license {
			return clonePractitioner(p), nil
		}
	}
	return nil, ErrPractitionerNotFound
}

func (r *MemoryRepository) ListPractitioners(ctx context.Context, f PractitionerFilter) ([]Practitioner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Practitioner
	for _, p := range r.practitioners {
		if f.Specialty != nil && p.Specialty != *f.Specialty {
			continue
		}
		if f.Active != nil && p.Active != *f.Active {
			continue
		}
		out = append(out, *clonePractitioner(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].Name < out[j].Name
	})
	return page(out, f.Limit, f.Offset), nil
}

func (r *MemoryRepository) UpdatePractitioner(ctx context.Context, p Practitioner) (*Practitioner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.practitioners[p.ID]
	if !ok {
		return nil, NotFound("practitioner", p.ID)
	}
	if r.licenseTaken(p.LicenseNumber, p.ID) {
		return nil, ErrDuplicateLicense
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = nowUTC()
	r.practitioners[p.ID] = *clonePractitioner(p)
	return clonePractitioner(p), nil
}

func (r *MemoryRepository) DeletePractitioner(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.practitioners[id]; !ok {
		return NotFound("practitioner", id)
	}
	delete(r.practitioners, id)
	return nil
}

// Patients

func (r *MemoryRepository) nationalIDTaken(nationalID string, except uuid.UUID) bool {
	for id, p := range r.patients {
		if id != except && p.NationalID == nationalID {
			return true
		}
	}
	return false
}

func (r *MemoryRepository) CreatePatient(ctx context.Context, p Patient) (*Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.nationalIDTaken(p.NationalID, uuid.Nil) {
		return nil, ErrDuplicateNational
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = nowUTC()
	p.UpdatedAt = p.CreatedAt
	r.patients[p.ID] = *clonePatient(p)
	return clonePatient(p), nil
}

func (r *MemoryRepository) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.patients[id]
	if !ok {
		return nil, NotFound("patient", id)
	}
	return clonePatient(p), nil
}

func (r *MemoryRepository) GetPatientByNationalID(ctx context.Context, nationalID string) (*Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.patients {
		if p.NationalID == nationalID {
			return clonePatient(p), nil
		}
	}
	return nil, ErrPatientNotFound
}

func (r *MemoryRepository) matchPatients(f PatientFilter) []Patient {
	needle := strings.ToLower(f.NameContains)
	var out []Patient
	for _, p := range r.patients {
		if f.OwnerID != nil && p.PractitionerID != *f.OwnerID {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(p.Name), needle) {
			continue
		}
		out = append(out, *clonePatient(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (r *MemoryRepository) ListPatients(ctx context.Context, f PatientFilter) ([]Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return page(r.matchPatients(f), f.Limit, f.Offset), nil
}

func (r *MemoryRepository) CountPatients(ctx context.Context, f PatientFilter) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.matchPatients(f)), nil
}

func (r *MemoryRepository) UpdatePatient(ctx context.Context, p Patient) (*Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.patients[p.ID]
	if !ok {
		return nil, NotFound("patient", p.ID)
	}
	if r.nationalIDTaken(p.NationalID, p.ID) {
		return nil, ErrDuplicateNational
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = nowUTC()
	r.patients[p.ID] = *clonePatient(p)
	return clonePatient(p), nil
}

func (r *MemoryRepository) DeletePatient(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.patients[id]; !ok {
		return NotFound("patient", id)
	}
	delete(r.patients, id)
	return nil
}

// Appointments

func (r *MemoryRepository) overlaps(a Appointment) bool {
	if !a.Blocks() {
		return false
	}
	for id, other := range r.appointments {
		if id == a.ID || other.PractitionerID != a.PractitionerID || !other.Blocks() {
			continue
		}
		if other.Window().Overlaps(a.Window()) {
			return true
		}
	}
	return false
}

func (r *MemoryRepository) CreateAppointment(ctx context.Context, a Appointment) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if r.overlaps(a) {
		return nil, ErrScheduleOverlap
	}
	a.CreatedAt = nowUTC()
	a.UpdatedAt = a.CreatedAt
	r.appointments[a.ID] = *cloneAppointment(a)
	return cloneAppointment(a), nil
}

func (r *MemoryRepository) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.appointments[id]
	if !ok {
		return nil, NotFound("appointment", id)
	}
	return cloneAppointment(a), nil
}

func (r *MemoryRepository) matchAppointments(f AppointmentFilter) []Appointment {
	var out []Appointment
	for _, a := range r.appointments {
		if f.PractitionerID != nil && a.PractitionerID != *f.PractitionerID {
			continue
		}
		if f.PatientID != nil && a.PatientID != *f.PatientID {
			continue
		}
		if f.Status != nil && a.Status != *f.Status {
			continue
		}
		if f.From != nil && a.Start.Before(*f.From) {
			continue
		}
		if f.To != nil && !a.Start.Before(*f.To) {
			continue
		}
		out = append(out, *cloneAppointment(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

func (r *MemoryRepository) ListAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return page(r.matchAppointments(f), f.Limit, f.Offset), nil
}

func (r *MemoryRepository) CountAppointments(ctx context.Context, f AppointmentFilter) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.matchAppointments(f)), nil
}

func (r *MemoryRepository) ListBlockingAppointments(ctx context.Context, practitionerID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w := Window{Start: from, End: to}
	var out []Appointment
	for _, a := range r.appointments {
		if a.PractitionerID != practitionerID || !a.Blocks() {
			continue
		}
		if a.Window().Overlaps(w) {
			out = append(out, *cloneAppointment(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (r *MemoryRepository) UpdateAppointment(ctx context.Context, a Appointment) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.appointments[a.ID]
	if !ok {
		return nil, NotFound("appointment", a.ID)
	}
	if r.overlaps(a) {
		return nil, ErrScheduleOverlap
	}
	a.CreatedAt = existing.CreatedAt
	a.UpdatedAt = nowUTC()
	r.appointments[a.ID] = *cloneAppointment(a)
	return cloneAppointment(a), nil
}

func (r *MemoryRepository) DeleteAppointment(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.appointments[id]; !ok {
		return NotFound("appointment", id)
	}
	delete(r.appointments, id)
	for pid, p := range r.prescriptions {
		if p.AppointmentID != nil && *p.AppointmentID == id {
			p.AppointmentID = nil
			r.prescriptions[pid] = p
		}
	}
	return nil
}

// Prescriptions

func (r *MemoryRepository) CreatePrescription(ctx context.Context, p Prescription) (*Prescription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = nowUTC()
	p.UpdatedAt = p.CreatedAt
	r.prescriptions[p.ID] = *clonePrescription(p)
	return clonePrescription(p), nil
}

func (r *MemoryRepository) GetPrescription(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.prescriptions[id]
	if !ok {
		return nil, NotFound("prescription", id)
	}
	return clonePrescription(p), nil
}

func (r *MemoryRepository) matchPrescriptions(f PrescriptionFilter) []Prescription {
	med := strings.ToLower(f.Medication)
	var out []Prescription
	for _, p := range r.prescriptions {
		if f.PractitionerID != nil && p.PractitionerID != *f.PractitionerID {
			continue
		}
		if f.PatientID != nil && p.PatientID != *f.PatientID {
			continue
		}
		if f.Status != nil && p.Status != *f.Status {
			continue
		}
		if med != "" && !slices.ContainsFunc(p.Medications, func(m Medication) bool {
			return strings.Contains(strings.ToLower(m.Name), med)
		}) {
			continue
		}
		out = append(out, *clonePrescription(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssueDate.After(out[j].IssueDate) })
	return out
}

func (r *MemoryRepository) ListPrescriptions(ctx context.Context, f PrescriptionFilter) ([]Prescription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return page(r.matchPrescriptions(f), f.Limit, f.Offset), nil
}

func (r *MemoryRepository) CountPrescriptions(ctx context.Context, f PrescriptionFilter) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.matchPrescriptions(f)), nil
}

func (r *MemoryRepository) UpdatePrescription(ctx context.Context, p Prescription) (*Prescription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.prescriptions[p.ID]
	if !ok {
		return nil, NotFound("prescription", p.ID)
	}
	if existing.Status != PrescriptionActive || !existing.UpdatedAt.Equal(p.UpdatedAt) {
		return nil, staleWriteError(existing.Status, false)
	}
	p.AppointmentID = existing.AppointmentID
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = nextVersion(existing.UpdatedAt)
	r.prescriptions[p.ID] = *clonePrescription(p)
	return clonePrescription(p), nil
}

func (r *MemoryRepository) DeletePrescription(ctx context.Context, id uuid.UUID, version time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.prescriptions[id]
	if !ok {
		return NotFound("prescription", id)
	}
	if existing.Status == PrescriptionDispensed || !existing.UpdatedAt.Equal(version) {
		return staleWriteError(existing.Status, true)
	}
	delete(r.prescriptions, id)
	return nil
}

func (r *MemoryRepository) FindExpiredActive(ctx context.Context, at time.Time) ([]Prescription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Prescription
	for _, p := range r.prescriptions {
		if p.Expired(at) {
			out = append(out, *clonePrescription(p))
		}
	}
	return out, nil
}

func (r *MemoryRepository) UpdatePrescriptionStatus(ctx context.Context, id uuid.UUID, from, to PrescriptionStatus) (*Prescription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.prescriptions[id]
	if !ok || p.Status != from {
		return nil, NotFound("prescription", id)
	}
	p.Status = to
	p.UpdatedAt = nextVersion(p.UpdatedAt)
	r.prescriptions[id] = p
	return clonePrescription(p), nil
}

// Events

func (r *MemoryRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev.ID = int64(len(r.events) + 1)
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = nowUTC()
	}
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of every recorded audit event in insertion order.
func (r *MemoryRepository) Events() []EventLog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.events)
}
