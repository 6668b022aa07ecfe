package clinic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisclient "github.com/hackgods/clinic-scheduling/internal/redis"
)

type plainHasher struct{}

func (plainHasher) HashPassword(password string) (string, error) { return "hashed:" + password, nil }

func (plainHasher) VerifyPassword(hash, password string) error {
	if hash != "hashed:"+password {
		return errors.New("password mismatch")
	}
	return nil
}

type stubTokens struct{}

func (stubTokens) Issue(id Identity) (string, time.Time, error) {
	return fmt.Sprintf("%s:%s", id.Role, id.SubjectID), time.Time{}, nil
}

type fixture struct {
	t        *testing.T
	ctx      context.Context
	repo     *MemoryRepository
	svc      *Service
	now      time.Time
	seq      int
	admin    Identity
	adminRec *Practitioner
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		t:    t,
		ctx:  context.Background(),
		repo: NewMemoryRepository(),
		now:  at(7, 0),
	}
	opts = append([]Option{WithClock(func() time.Time { return f.now })}, opts...)
	f.svc = NewService(f.repo, nil, plainHasher{}, stubTokens{}, zerolog.Nop(), opts...)

	rec, err := f.svc.CreatePractitioner(f.ctx, Anonymous(), f.practitionerInput())
	require.NoError(t, err)
	f.adminRec = rec
	f.admin = NewIdentity(rec.ID, true)
	return f
}

func (f *fixture) practitionerInput() PractitionerInput {
	f.seq++
	return PractitionerInput{
		Name:          gofakeit.Name(),
		LicenseNumber: fmt.Sprintf("%06d", 100000+f.seq),
		Specialty:     SpecialtyGeneralPractice,
		Password:      "secret-pass",
		Contact: PractitionerContact{
			Email: fmt.Sprintf("doc%d@clinic.test", f.seq),
			Phone: gofakeit.Phone(),
		},
	}
}

func (f *fixture) doctor() (*Practitioner, Identity) {
	f.t.Helper()
	p, err := f.svc.CreatePractitioner(f.ctx, f.admin, f.practitionerInput())
	require.NoError(f.t, err)
	return p, NewIdentity(p.ID, false)
}

func (f *fixture) patientInput(owner uuid.UUID) PatientInput {
	f.seq++
	return PatientInput{
		PractitionerID: owner,
		Name:           gofakeit.Name(),
		NationalID:     fmt.Sprintf("%011d", 12345678900+int64(f.seq)),
		BirthDate:      time.Date(1985, 6, 15, 0, 0, 0, 0, time.UTC),
		Gender:         "female",
		Contact:        PatientContact{Phone: gofakeit.Phone()},
		Health:         HealthInfo{BloodType: "O+"},
	}
}

func (f *fixture) patient(caller Identity, owner uuid.UUID) *Patient {
	f.t.Helper()
	p, err := f.svc.CreatePatient(f.ctx, caller, f.patientInput(owner))
	require.NoError(f.t, err)
	return p
}

func (f *fixture) book(caller Identity, practitionerID, patientID uuid.UUID, start time.Time, minutes int) (*Appointment, error) {
	return f.svc.CreateAppointment(f.ctx, caller, AppointmentInput{
		PractitionerID:  practitionerID,
		PatientID:       patientID,
		Start:           start,
		DurationMinutes: minutes,
	})
}

func assertKind(t *testing.T, err error, kind Kind, code string) {
	t.Helper()
	require.Error(t, err)
	var de *Error
	require.ErrorAs(t, err, &de, "expected a domain error, got %v", err)
	assert.Equal(t, kind, de.Kind)
	if code != "" {
		assert.Equal(t, code, de.Code)
	}
}

func eventTypes(repo *MemoryRepository) []string {
	var out []string
	for _, ev := range repo.Events() {
		out = append(out, ev.EventType)
	}
	return out
}

// Practitioners

func TestCreatePractitioner_Bootstrap(t *testing.T) {
	f := newFixture(t)

	assert.True(t, f.adminRec.IsAdmin, "first practitioner is always admin")
	assert.True(t, f.adminRec.Active)
	assert.Equal(t, DefaultAvailability(), f.adminRec.Availability)
	assert.Contains(t, eventTypes(f.repo), EventPractitionerBootstrapped)

	_, err := f.svc.CreatePractitioner(f.ctx, Anonymous(), f.practitionerInput())
	assertKind(t, err, KindUnauthenticated, "")

	n, err := f.repo.CountPractitioners(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCreatePractitioner_AdminOnly(t *testing.T) {
	f := newFixture(t)
	_, doctor := f.doctor()

	_, err := f.svc.CreatePractitioner(f.ctx, doctor, f.practitionerInput())
	assertKind(t, err, KindUnauthorized, "")

	in := f.practitionerInput()
	in.LicenseNumber = f.adminRec.LicenseNumber
	_, err = f.svc.CreatePractitioner(f.ctx, f.admin, in)
	assertKind(t, err, KindConflict, ConflictDuplicateLicense)

	in = f.practitionerInput()
	in.Specialty = "Alchemy"
	_, err = f.svc.CreatePractitioner(f.ctx, f.admin, in)
	assertKind(t, err, KindValidation, "enum")

	in = f.practitionerInput()
	in.Password = "123"
	_, err = f.svc.CreatePractitioner(f.ctx, f.admin, in)
	assertKind(t, err, KindValidation, "min_length")
}

func TestUpdatePractitioner(t *testing.T) {
	f := newFixture(t)
	doc, doctor := f.doctor()

	name := "Dr. Renamed"
	_, err := f.svc.UpdatePractitioner(f.ctx, doctor, doc.ID, PractitionerUpdate{Name: &name})
	assertKind(t, err, KindUnauthorized, "")

	updated, err := f.svc.UpdatePractitioner(f.ctx, f.admin, doc.ID, PractitionerUpdate{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, name, updated.Name)
	assert.Equal(t, doc.PasswordHash, updated.PasswordHash)

	taken := f.adminRec.LicenseNumber
	_, err = f.svc.UpdatePractitioner(f.ctx, f.admin, doc.ID, PractitionerUpdate{LicenseNumber: &taken})
	assertKind(t, err, KindConflict, ConflictDuplicateLicense)

	own := doc.LicenseNumber
	_, err = f.svc.UpdatePractitioner(f.ctx, f.admin, doc.ID, PractitionerUpdate{LicenseNumber: &own})
	assert.NoError(t, err, "keeping one's own license is not a duplicate")
}

func TestDeletePractitioner(t *testing.T) {
	f := newFixture(t)
	busy, _ := f.doctor()
	idle, _ := f.doctor()
	pat := f.patient(f.admin, f.adminRec.ID)

	_, err := f.book(f.admin, busy.ID, pat.ID, at(10, 0), 30)
	require.NoError(t, err)

	err = f.svc.DeletePractitioner(f.ctx, f.admin, busy.ID)
	assertKind(t, err, KindInvalidState, "practitioner_referenced")

	require.NoError(t, f.svc.DeletePractitioner(f.ctx, f.admin, idle.ID))
	_, err = f.svc.GetPractitioner(f.ctx, f.admin, idle.ID)
	assert.ErrorIs(t, err, ErrPractitionerNotFound)

	err = f.svc.DeletePractitioner(f.ctx, f.admin, f.adminRec.ID)
	assertKind(t, err, KindInvalidState, "practitioner_referenced")
}

func TestAuthenticate(t *testing.T) {
	f := newFixture(t)
	doc, _ := f.doctor()

	session, err := f.svc.Authenticate(f.ctx, doc.LicenseNumber, "secret-pass", false)
	require.NoError(t, err)
	assert.Equal(t, "doctor:"+doc.ID.String(), session.Token)
	assert.False(t, session.Admin)

	_, err = f.svc.Authenticate(f.ctx, doc.LicenseNumber, "secret-pass", true)
	assertKind(t, err, KindUnauthorized, "")

	_, err = f.svc.Authenticate(f.ctx, doc.LicenseNumber, "wrong-pass", false)
	assertKind(t, err, KindUnauthenticated, "")

	_, err = f.svc.Authenticate(f.ctx, "999999", "secret-pass", false)
	assertKind(t, err, KindUnauthenticated, "")

	session, err = f.svc.Authenticate(f.ctx, f.adminRec.LicenseNumber, "secret-pass", true)
	require.NoError(t, err)
	assert.True(t, session.Admin)

	inactive := false
	_, err = f.svc.UpdatePractitioner(f.ctx, f.admin, doc.ID, PractitionerUpdate{Active: &inactive})
	require.NoError(t, err)
	_, err = f.svc.Authenticate(f.ctx, doc.LicenseNumber, "secret-pass", false)
	assertKind(t, err, KindUnauthorized, "")
}

func TestMe(t *testing.T) {
	f := newFixture(t)
	doc, doctor := f.doctor()

	me, err := f.svc.Me(f.ctx, doctor)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, me.ID)

	_, err = f.svc.Me(f.ctx, Anonymous())
	assertKind(t, err, KindUnauthenticated, "")
}

func TestAvailablePractitionersAndFreeSlots(t *testing.T) {
	f := newFixture(t)
	doc, _ := f.doctor()
	off, _ := f.doctor()

	avail := DefaultAvailability()
	avail.Blackouts = []Blackout{{Date: "2030-03-04", Reason: "vacation"}}
	_, err := f.svc.UpdatePractitioner(f.ctx, f.admin, off.ID, PractitionerUpdate{Availability: &avail})
	require.NoError(t, err)

	list, err := f.svc.AvailablePractitioners(f.ctx, f.admin, monday)
	require.NoError(t, err)
	ids := make([]uuid.UUID, 0, len(list))
	for _, p := range list {
		ids = append(ids, p.ID)
	}
	assert.Contains(t, ids, doc.ID)
	assert.NotContains(t, ids, off.ID)

	saturday, err := f.svc.AvailablePractitioners(f.ctx, f.admin, monday.AddDate(0, 0, 5))
	require.NoError(t, err)
	assert.Empty(t, saturday)

	pat := f.patient(f.admin, f.adminRec.ID)
	_, err = f.book(f.admin, doc.ID, pat.ID, at(8, 0), 30)
	require.NoError(t, err)

	slots, err := f.svc.FreeSlots(f.ctx, f.admin, doc.ID, monday)
	require.NoError(t, err)
	require.Len(t, slots, 17)
	assert.Equal(t, at(8, 30), slots[0].Start)
}

// Patients

func TestCreatePatient_DuplicateNationalID(t *testing.T) {
	f := newFixture(t)

	in := f.patientInput(f.adminRec.ID)
	in.NationalID = "123.456.789-09"
	created, err := f.svc.CreatePatient(f.ctx, f.admin, in)
	require.NoError(t, err)
	assert.Equal(t, "12345678909", created.NationalID)

	again := f.patientInput(f.adminRec.ID)
	again.NationalID = "12345678909"
	_, err = f.svc.CreatePatient(f.ctx, f.admin, again)
	assert.ErrorIs(t, err, ErrDuplicateNational)
	assertKind(t, err, KindConflict, ConflictDuplicateNational)
}

func TestCreatePatient_Validation(t *testing.T) {
	f := newFixture(t)

	in := f.patientInput(f.adminRec.ID)
	in.BirthDate = f.now.AddDate(0, 0, 1)
	_, err := f.svc.CreatePatient(f.ctx, f.admin, in)
	assertKind(t, err, KindValidation, "future")

	in = f.patientInput(f.adminRec.ID)
	in.NationalID = "000.000.000-00"
	_, err = f.svc.CreatePatient(f.ctx, f.admin, in)
	assertKind(t, err, KindValidation, "repeated_digits")

	in = f.patientInput(uuid.New())
	_, err = f.svc.CreatePatient(f.ctx, f.admin, in)
	assert.ErrorIs(t, err, ErrPractitionerNotFound)
}

func TestPatientOwnership(t *testing.T) {
	f := newFixture(t)
	docA, a := f.doctor()
	docB, b := f.doctor()

	mine := f.patient(a, uuid.Nil)
	assert.Equal(t, docA.ID, mine.PractitionerID, "owner defaults to the caller")
	f.patient(b, docB.ID)

	_, err := f.svc.GetPatient(f.ctx, b, mine.ID)
	assertKind(t, err, KindUnauthorized, "")

	name := "Changed"
	_, err = f.svc.UpdatePatient(f.ctx, b, mine.ID, PatientUpdate{Name: &name})
	assertKind(t, err, KindUnauthorized, "")

	_, err = f.svc.CreatePatient(f.ctx, a, f.patientInput(docB.ID))
	assertKind(t, err, KindUnauthorized, "")

	_, err = f.svc.UpdatePatient(f.ctx, a, mine.ID, PatientUpdate{PractitionerID: &docB.ID})
	assertKind(t, err, KindUnauthorized, "")

	listA, totalA, err := f.svc.ListPatients(f.ctx, a, PatientQuery{})
	require.NoError(t, err)
	assert.Equal(t, 1, totalA)
	require.Len(t, listA, 1)
	assert.Equal(t, mine.ID, listA[0].ID)

	_, totalAll, err := f.svc.ListPatients(f.ctx, f.admin, PatientQuery{})
	require.NoError(t, err)
	assert.Equal(t, 2, totalAll)

	moved, err := f.svc.UpdatePatient(f.ctx, f.admin, mine.ID, PatientUpdate{PractitionerID: &docB.ID})
	require.NoError(t, err)
	assert.Equal(t, docB.ID, moved.PractitionerID)

	_, _, err = f.svc.ListPatients(f.ctx, Anonymous(), PatientQuery{})
	assertKind(t, err, KindUnauthenticated, "")
}

func TestListPatients_NameSearch(t *testing.T) {
	f := newFixture(t)

	in := f.patientInput(f.adminRec.ID)
	in.Name = "Maria Souza"
	_, err := f.svc.CreatePatient(f.ctx, f.admin, in)
	require.NoError(t, err)
	in = f.patientInput(f.adminRec.ID)
	in.Name = "John Smith"
	_, err = f.svc.CreatePatient(f.ctx, f.admin, in)
	require.NoError(t, err)

	list, total, err := f.svc.ListPatients(f.ctx, f.admin, PatientQuery{Name: "souza"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, list, 1)
	assert.Equal(t, "Maria Souza", list[0].Name)
}

func TestUpdatePatient_NationalIDConflict(t *testing.T) {
	f := newFixture(t)
	first := f.patient(f.admin, f.adminRec.ID)
	second := f.patient(f.admin, f.adminRec.ID)

	_, err := f.svc.UpdatePatient(f.ctx, f.admin, second.ID, PatientUpdate{NationalID: &first.NationalID})
	assertKind(t, err, KindConflict, ConflictDuplicateNational)

	same := second.NationalID
	_, err = f.svc.UpdatePatient(f.ctx, f.admin, second.ID, PatientUpdate{NationalID: &same})
	assert.NoError(t, err)
}

func TestDeletePatient(t *testing.T) {
	f := newFixture(t)
	linked := f.patient(f.admin, f.adminRec.ID)
	free := f.patient(f.admin, f.adminRec.ID)

	_, err := f.book(f.admin, f.adminRec.ID, linked.ID, at(10, 0), 30)
	require.NoError(t, err)

	err = f.svc.DeletePatient(f.ctx, f.admin, linked.ID)
	assertKind(t, err, KindInvalidState, "patient_referenced")

	require.NoError(t, f.svc.DeletePatient(f.ctx, f.admin, free.ID))
	_, err = f.svc.GetPatient(f.ctx, f.admin, free.ID)
	assert.ErrorIs(t, err, ErrPatientNotFound)
}

// Appointments

func TestAppointmentOverlapScenario(t *testing.T) {
	f := newFixture(t)
	doc, doctor := f.doctor()
	pat := f.patient(doctor, uuid.Nil)

	first, err := f.book(doctor, doc.ID, pat.ID, at(10, 0), 30)
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, first.Status)
	assert.Equal(t, TypeFirstVisit, first.Type)
	assert.Equal(t, PaymentPending, first.Payment.Status)

	_, err = f.book(doctor, doc.ID, pat.ID, at(10, 15), 30)
	assertKind(t, err, KindConflict, ConflictScheduleOverlap)

	backToBack, err := f.book(doctor, doc.ID, pat.ID, at(10, 30), 30)
	require.NoError(t, err)
	assert.Equal(t, at(11, 0), backToBack.End())

	cancelled, err := f.svc.CreateAppointment(f.ctx, doctor, AppointmentInput{
		PractitionerID:  doc.ID,
		PatientID:       pat.ID,
		Start:           at(10, 0),
		DurationMinutes: 30,
		Status:          StatusCancelled,
	})
	require.NoError(t, err, "cancelled duplicates do not block")
	assert.Equal(t, StatusCancelled, cancelled.Status)

	other, _ := f.doctor()
	_, err = f.book(doctor, other.ID, pat.ID, at(10, 0), 30)
	assert.NoError(t, err, "other practitioners are independent")

	list, total, err := f.svc.PractitionerAppointments(f.ctx, doctor, doc.ID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, list, 3)
}

func TestCreateAppointment_Rules(t *testing.T) {
	f := newFixture(t)
	doc, doctor := f.doctor()
	pat := f.patient(doctor, uuid.Nil)

	_, err := f.book(doctor, doc.ID, pat.ID, f.now, 30)
	assertKind(t, err, KindValidation, "future")

	_, err = f.book(doctor, doc.ID, pat.ID, at(10, 0), 10)
	assertKind(t, err, KindValidation, "range")

	_, err = f.book(doctor, doc.ID, pat.ID, at(10, 0), 121)
	assertKind(t, err, KindValidation, "range")

	_, err = f.book(doctor, doc.ID, uuid.New(), at(10, 0), 30)
	assert.ErrorIs(t, err, ErrPatientNotFound)

	_, err = f.book(doctor, uuid.New(), pat.ID, at(10, 0), 30)
	assert.ErrorIs(t, err, ErrPractitionerNotFound)

	_, err = f.book(Anonymous(), doc.ID, pat.ID, at(10, 0), 30)
	assertKind(t, err, KindUnauthenticated, "")

	inactive := false
	_, err = f.svc.UpdatePractitioner(f.ctx, f.admin, doc.ID, PractitionerUpdate{Active: &inactive})
	require.NoError(t, err)
	_, err = f.book(f.admin, doc.ID, pat.ID, at(10, 0), 30)
	assertKind(t, err, KindInvalidState, "practitioner_inactive")

	created, err := f.svc.CreateAppointment(f.ctx, f.admin, AppointmentInput{
		PractitionerID: f.adminRec.ID,
		PatientID:      pat.ID,
		Start:          at(15, 0),
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultDuration, created.DurationMinutes)
}

func TestCheckAvailability_Service(t *testing.T) {
	f := newFixture(t)
	pat := f.patient(f.admin, f.adminRec.ID)
	_, err := f.book(f.admin, f.adminRec.ID, pat.ID, at(10, 0), 30)
	require.NoError(t, err)

	ok, err := f.svc.CheckAvailability(f.ctx, f.admin, f.adminRec.ID, at(10, 15), 30)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.svc.CheckAvailability(f.ctx, f.admin, f.adminRec.ID, at(10, 30), 30)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = f.svc.CheckAvailability(f.ctx, f.admin, f.adminRec.ID, at(10, 30), 200)
	assertKind(t, err, KindValidation, "range")
}

func TestUpdateAppointment_ConflictCheck(t *testing.T) {
	f := newFixture(t)
	pat := f.patient(f.admin, f.adminRec.ID)
	doc := f.adminRec.ID

	first, err := f.book(f.admin, doc, pat.ID, at(10, 0), 30)
	require.NoError(t, err)
	second, err := f.book(f.admin, doc, pat.ID, at(11, 0), 30)
	require.NoError(t, err)

	// shifting within its own window never conflicts with itself
	shifted := at(10, 15)
	moved, err := f.svc.UpdateAppointment(f.ctx, f.admin, first.ID, AppointmentUpdate{Start: &shifted})
	require.NoError(t, err)
	assert.Equal(t, shifted, moved.Start)

	// growing into the next booking does
	longer := 60
	_, err = f.svc.UpdateAppointment(f.ctx, f.admin, first.ID, AppointmentUpdate{DurationMinutes: &longer})
	assertKind(t, err, KindConflict, ConflictScheduleOverlap)

	notes := "bring exams"
	updated, err := f.svc.UpdateAppointment(f.ctx, f.admin, second.ID, AppointmentUpdate{Notes: &notes})
	require.NoError(t, err)
	assert.Equal(t, notes, updated.Notes)

	cancelled := StatusCancelled
	_, err = f.svc.UpdateAppointment(f.ctx, f.admin, second.ID, AppointmentUpdate{Status: &cancelled})
	require.NoError(t, err)
	assert.Contains(t, eventTypes(f.repo), EventAppointmentCancelled)

	// the freed window can be taken, after which reviving the cancelled one fails
	_, err = f.book(f.admin, doc, pat.ID, at(11, 0), 30)
	require.NoError(t, err)
	scheduled := StatusScheduled
	_, err = f.svc.UpdateAppointment(f.ctx, f.admin, second.ID, AppointmentUpdate{Status: &scheduled})
	assertKind(t, err, KindConflict, ConflictScheduleOverlap)

	past := f.now.Add(-time.Hour)
	_, err = f.svc.UpdateAppointment(f.ctx, f.admin, first.ID, AppointmentUpdate{Start: &past})
	assertKind(t, err, KindValidation, "future")

	stored, err := f.svc.GetAppointment(f.ctx, f.admin, first.ID)
	require.NoError(t, err)
	assert.Equal(t, shifted, stored.Start, "rejected updates leave the record unchanged")
	assert.Equal(t, 30, stored.DurationMinutes)
}

func TestDeleteAppointment(t *testing.T) {
	f := newFixture(t)
	pat := f.patient(f.admin, f.adminRec.ID)
	appt, err := f.book(f.admin, f.adminRec.ID, pat.ID, at(10, 0), 30)
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteAppointment(f.ctx, f.admin, appt.ID))
	_, err = f.svc.GetAppointment(f.ctx, f.admin, appt.ID)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)

	err = f.svc.DeleteAppointment(f.ctx, f.admin, appt.ID)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestListAppointments_ByDay(t *testing.T) {
	f := newFixture(t)
	pat := f.patient(f.admin, f.adminRec.ID)
	_, err := f.book(f.admin, f.adminRec.ID, pat.ID, at(10, 0), 30)
	require.NoError(t, err)
	_, err = f.book(f.admin, f.adminRec.ID, pat.ID, at(10, 0).AddDate(0, 0, 1), 30)
	require.NoError(t, err)

	day := monday
	list, total, err := f.svc.ListAppointments(f.ctx, f.admin, AppointmentQuery{Day: &day})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, list, 1)
	assert.Equal(t, at(10, 0), list[0].Start)

	list, _, err = f.svc.PatientAppointments(f.ctx, f.admin, pat.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestConcurrentBookings_OneWinner(t *testing.T) {
	f := newFixture(t)
	pat := f.patient(f.admin, f.adminRec.ID)

	const callers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		won       int
		conflicts int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.book(f.admin, f.adminRec.ID, pat.ID, at(10, 0), 30)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case IsKind(err, KindConflict):
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, won)
	assert.Equal(t, callers-1, conflicts)
}

func TestCreateAppointment_LockHeld(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	locker := redisclient.NewPractitionerLocker(rdb, 2*time.Second)

	f := newFixture(t)
	f.svc.locker = locker
	pat := f.patient(f.admin, f.adminRec.ID)

	require.NoError(t, mr.Set("lock:practitioner:"+f.adminRec.ID.String(), "someone-else"))
	_, err := f.book(f.admin, f.adminRec.ID, pat.ID, at(10, 0), 30)
	assertKind(t, err, KindConflict, ConflictBookingInProgress)

	mr.Del("lock:practitioner:" + f.adminRec.ID.String())
	appt, err := f.book(f.admin, f.adminRec.ID, pat.ID, at(10, 0), 30)
	require.NoError(t, err)
	assert.Equal(t, at(10, 0), appt.Start)
	assert.False(t, mr.Exists("lock:practitioner:"+f.adminRec.ID.String()), "lock released after booking")
}

// Prescriptions

func prescriptionInput(patientID uuid.UUID, meds ...Medication) PrescriptionInput {
	if len(meds) == 0 {
		meds = []Medication{{Name: "Amoxicillin", Dosage: "500mg", Frequency: "every 8 hours"}}
	}
	return PrescriptionInput{PatientID: patientID, Medications: meds}
}

func TestCreatePrescription_Allergy(t *testing.T) {
	f := newFixture(t)
	in := f.patientInput(f.adminRec.ID)
	in.Health.Allergies = []string{"penicillin", "Dipyrone"}
	pat, err := f.svc.CreatePatient(f.ctx, f.admin, in)
	require.NoError(t, err)

	_, err = f.svc.CreatePrescription(f.ctx, f.admin, prescriptionInput(pat.ID,
		Medication{Name: "Benzathine PENICILLIN G", Dosage: "1.2M UI", Frequency: "once"}))
	assertKind(t, err, KindValidation, "allergy")

	created, err := f.svc.CreatePrescription(f.ctx, f.admin, prescriptionInput(pat.ID))
	require.NoError(t, err)
	assert.Equal(t, PrescriptionActive, created.Status)
	assert.Equal(t, f.adminRec.ID, created.PractitionerID, "prescriber defaults to the caller")
	assert.Equal(t, f.now.AddDate(0, 0, 30), created.ExpirationDate)
	assert.Empty(t, created.Dispensations)
}

func TestCreatePrescription_Rules(t *testing.T) {
	f := newFixture(t)
	pat := f.patient(f.admin, f.adminRec.ID)

	_, err := f.svc.CreatePrescription(f.ctx, f.admin, PrescriptionInput{PatientID: pat.ID})
	assertKind(t, err, KindValidation, "required")

	_, err = f.svc.CreatePrescription(f.ctx, f.admin, prescriptionInput(uuid.New()))
	assert.ErrorIs(t, err, ErrPatientNotFound)

	in := prescriptionInput(pat.ID)
	in.PractitionerID = uuid.New()
	_, err = f.svc.CreatePrescription(f.ctx, f.admin, in)
	assert.ErrorIs(t, err, ErrPractitionerNotFound)

	other := f.patient(f.admin, f.adminRec.ID)
	appt, err := f.book(f.admin, f.adminRec.ID, other.ID, at(10, 0), 30)
	require.NoError(t, err)
	in = prescriptionInput(pat.ID)
	in.AppointmentID = &appt.ID
	_, err = f.svc.CreatePrescription(f.ctx, f.admin, in)
	assertKind(t, err, KindValidation, "mismatch")
}

func TestCreatePrescription_ControlledClamp(t *testing.T) {
	f := newFixture(t)
	pat := f.patient(f.admin, f.adminRec.ID)

	issue := f.now
	requested := issue.AddDate(0, 0, 60)
	in := prescriptionInput(pat.ID,
		Medication{Name: "Amoxicillin", Dosage: "500mg", Frequency: "8/8h"},
		Medication{Name: "Clonazepam", Dosage: "2mg", Frequency: "nightly", Controlled: true},
	)
	in.IssueDate = &issue
	in.ExpirationDate = &requested

	created, err := f.svc.CreatePrescription(f.ctx, f.admin, in)
	require.NoError(t, err)
	assert.Equal(t, issue.AddDate(0, 0, 30), created.ExpirationDate)
}

func TestDispense_Lifecycle(t *testing.T) {
	f := newFixture(t)
	pat := f.patient(f.admin, f.adminRec.ID)

	rx, err := f.svc.CreatePrescription(f.ctx, f.admin, prescriptionInput(pat.ID))
	require.NoError(t, err)

	dispensed, err := f.svc.Dispense(f.ctx, f.admin, rx.ID, DispensationInput{PharmacyName: "Central", Pharmacist: "Ana"})
	require.NoError(t, err)
	assert.Equal(t, PrescriptionDispensed, dispensed.Status)
	require.Len(t, dispensed.Dispensations, 1)
	assert.Equal(t, f.now, dispensed.Dispensations[0].At)

	_, err = f.svc.Dispense(f.ctx, f.admin, rx.ID, DispensationInput{})
	assertKind(t, err, KindInvalidState, "prescription_not_active")

	err = f.svc.DeletePrescription(f.ctx, f.admin, rx.ID)
	assertKind(t, err, KindInvalidState, "prescription_dispensed")

	assert.Contains(t, eventTypes(f.repo), EventPrescriptionDispensed)
}

func TestDispense_Refills(t *testing.T) {
	f := newFixture(t)
	pat := f.patient(f.admin, f.adminRec.ID)

	in := prescriptionInput(pat.ID)
	in.Refillable = true
	in.RefillsAuthorized = 2
	rx, err := f.svc.CreatePrescription(f.ctx, f.admin, in)
	require.NoError(t, err)

	got, err := f.svc.Dispense(f.ctx, f.admin, rx.ID, DispensationInput{})
	require.NoError(t, err)
	assert.Equal(t, PrescriptionActive, got.Status)
	assert.Equal(t, 1, got.Refill.Used)

	got, err = f.svc.Dispense(f.ctx, f.admin, rx.ID, DispensationInput{})
	require.NoError(t, err)
	assert.Equal(t, PrescriptionDispensed, got.Status)
	assert.Len(t, got.Dispensations, 2)
}

func TestUpdatePrescription(t *testing.T) {
	f := newFixture(t)
	in := f.patientInput(f.adminRec.ID)
	in.Health.Allergies = []string{"sulfa"}
	pat, err := f.svc.CreatePatient(f.ctx, f.admin, in)
	require.NoError(t, err)

	rx, err := f.svc.CreatePrescription(f.ctx, f.admin, prescriptionInput(pat.ID))
	require.NoError(t, err)

	meds := []Medication{{Name: "Sulfamethoxazole", Dosage: "800mg", Frequency: "12/12h"}}
	_, err = f.svc.UpdatePrescription(f.ctx, f.admin, rx.ID, PrescriptionUpdate{Medications: &meds})
	assertKind(t, err, KindValidation, "allergy")

	meds = []Medication{{Name: "Morphine", Dosage: "10mg", Frequency: "4/4h", Controlled: true}}
	longer := rx.IssueDate.AddDate(0, 0, 90)
	updated, err := f.svc.UpdatePrescription(f.ctx, f.admin, rx.ID, PrescriptionUpdate{Medications: &meds, ExpirationDate: &longer})
	require.NoError(t, err)
	assert.Equal(t, rx.IssueDate.AddDate(0, 0, 30), updated.ExpirationDate)

	dispensed := PrescriptionDispensed
	_, err = f.svc.UpdatePrescription(f.ctx, f.admin, rx.ID, PrescriptionUpdate{Status: &dispensed})
	assertKind(t, err, KindValidation, "transition")

	cancelled := PrescriptionCancelled
	updated, err = f.svc.UpdatePrescription(f.ctx, f.admin, rx.ID, PrescriptionUpdate{Status: &cancelled})
	require.NoError(t, err)
	assert.Equal(t, PrescriptionCancelled, updated.Status)

	notes := "late edit"
	_, err = f.svc.UpdatePrescription(f.ctx, f.admin, rx.ID, PrescriptionUpdate{GeneralInstructions: &notes})
	assertKind(t, err, KindInvalidState, "prescription_not_active")

	require.NoError(t, f.svc.DeletePrescription(f.ctx, f.admin, rx.ID), "cancelled prescriptions can be deleted")
}

// staleReads serves frozen prescription snapshots, the way a read that raced a
// concurrent write would see them.
type staleReads struct {
	*MemoryRepository
	frozen map[uuid.UUID]Prescription
}

func (r *staleReads) GetPrescription(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	if p, ok := r.frozen[id]; ok {
		return clonePrescription(p), nil
	}
	return r.MemoryRepository.GetPrescription(ctx, id)
}

func TestPrescriptionWrites_RejectStaleReads(t *testing.T) {
	f := newFixture(t)
	pat := f.patient(f.admin, f.adminRec.ID)

	stale := &staleReads{MemoryRepository: f.repo, frozen: map[uuid.UUID]Prescription{}}
	issuedAt := f.now
	lagging := NewService(stale, nil, plainHasher{}, stubTokens{}, zerolog.Nop(),
		WithClock(func() time.Time { return issuedAt }))

	freeze := func(id uuid.UUID) {
		snap, err := f.repo.GetPrescription(f.ctx, id)
		require.NoError(t, err)
		stale.frozen[id] = *snap
	}
	notes := "take with food"

	t.Run("dispensed meanwhile", func(t *testing.T) {
		rx, err := f.svc.CreatePrescription(f.ctx, f.admin, prescriptionInput(pat.ID))
		require.NoError(t, err)
		freeze(rx.ID)

		_, err = f.svc.Dispense(f.ctx, f.admin, rx.ID, DispensationInput{PharmacyName: "Central"})
		require.NoError(t, err)

		_, err = lagging.UpdatePrescription(f.ctx, f.admin, rx.ID, PrescriptionUpdate{GeneralInstructions: &notes})
		assertKind(t, err, KindInvalidState, "prescription_not_active")

		_, err = lagging.Dispense(f.ctx, f.admin, rx.ID, DispensationInput{PharmacyName: "Other"})
		assertKind(t, err, KindInvalidState, "prescription_not_active")

		err = lagging.DeletePrescription(f.ctx, f.admin, rx.ID)
		assertKind(t, err, KindInvalidState, "prescription_dispensed")

		got, err := f.repo.GetPrescription(f.ctx, rx.ID)
		require.NoError(t, err)
		assert.Equal(t, PrescriptionDispensed, got.Status)
		require.Len(t, got.Dispensations, 1)
		assert.Equal(t, "Central", got.Dispensations[0].PharmacyName)
	})

	t.Run("refill consumed meanwhile", func(t *testing.T) {
		in := prescriptionInput(pat.ID)
		in.Refillable = true
		in.RefillsAuthorized = 3
		rx, err := f.svc.CreatePrescription(f.ctx, f.admin, in)
		require.NoError(t, err)
		freeze(rx.ID)

		_, err = f.svc.Dispense(f.ctx, f.admin, rx.ID, DispensationInput{})
		require.NoError(t, err)

		_, err = lagging.UpdatePrescription(f.ctx, f.admin, rx.ID, PrescriptionUpdate{GeneralInstructions: &notes})
		assertKind(t, err, KindInvalidState, "prescription_changed")

		err = lagging.DeletePrescription(f.ctx, f.admin, rx.ID)
		assertKind(t, err, KindInvalidState, "prescription_changed")

		got, err := f.repo.GetPrescription(f.ctx, rx.ID)
		require.NoError(t, err)
		assert.Equal(t, PrescriptionActive, got.Status)
		assert.Equal(t, 1, got.Refill.Used)
		assert.Len(t, got.Dispensations, 1)
		assert.Empty(t, got.GeneralInstructions)
	})

	t.Run("expired meanwhile", func(t *testing.T) {
		rx, err := f.svc.CreatePrescription(f.ctx, f.admin, prescriptionInput(pat.ID))
		require.NoError(t, err)
		freeze(rx.ID)

		f.now = f.now.AddDate(0, 0, 31)
		t.Cleanup(func() { f.now = issuedAt })
		_, err = f.svc.ExpirePrescriptions(f.ctx)
		require.NoError(t, err)

		_, err = lagging.Dispense(f.ctx, f.admin, rx.ID, DispensationInput{})
		assertKind(t, err, KindInvalidState, "prescription_not_active")

		got, err := f.repo.GetPrescription(f.ctx, rx.ID)
		require.NoError(t, err)
		assert.Equal(t, PrescriptionExpired, got.Status)
		assert.Empty(t, got.Dispensations)
	})
}

func TestListPrescriptions_ByMedication(t *testing.T) {
	f := newFixture(t)
	pat := f.patient(f.admin, f.adminRec.ID)

	_, err := f.svc.CreatePrescription(f.ctx, f.admin, prescriptionInput(pat.ID))
	require.NoError(t, err)
	_, err = f.svc.CreatePrescription(f.ctx, f.admin, prescriptionInput(pat.ID,
		Medication{Name: "Losartan", Dosage: "50mg", Frequency: "daily"}))
	require.NoError(t, err)

	list, total, err := f.svc.ListPrescriptions(f.ctx, f.admin, PrescriptionQuery{Medication: "losar"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, list, 1)
	assert.Equal(t, "Losartan", list[0].Medications[0].Name)

	_, total, err = f.svc.PatientPrescriptions(f.ctx, f.admin, pat.ID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestExpirePrescriptions(t *testing.T) {
	f := newFixture(t)
	pat := f.patient(f.admin, f.adminRec.ID)

	rx, err := f.svc.CreatePrescription(f.ctx, f.admin, prescriptionInput(pat.ID))
	require.NoError(t, err)

	n, err := f.svc.ExpirePrescriptions(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.now = f.now.AddDate(0, 0, 31)
	n, err = f.svc.ExpirePrescriptions(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.svc.GetPrescription(f.ctx, f.admin, rx.ID)
	require.NoError(t, err)
	assert.Equal(t, PrescriptionExpired, got.Status)

	_, err = f.svc.Dispense(f.ctx, f.admin, rx.ID, DispensationInput{})
	assertKind(t, err, KindInvalidState, "prescription_not_active")
	assert.Contains(t, eventTypes(f.repo), EventPrescriptionExpired)
}
