package clinic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgForeignKeyViolation = "23503"
	pgUniqueViolation     = "23505"
	pgExclusionViolation  = "23P01"
)

// bumpUpdatedAt keeps updated_at strictly increasing so it can serve as a
// row version for conditional writes.
const bumpUpdatedAt = "updated_at = GREATEST(now(), updated_at + interval '1 microsecond')"

var pg = goqu.Dialect("postgres")

var (
	practitionerCols = []string{"id", "name", "license_number", "specialty", "password_hash", "is_admin",
		"contact", "availability", "active", "created_at", "updated_at"}
	patientCols = []string{"id", "practitioner_id", "name", "national_id", "birth_date", "gender",
		"contact", "health", "notes", "active", "created_at", "updated_at"}
	appointmentCols = []string{"id", "practitioner_id", "patient_id", "start_time", "duration_minutes", "status",
		"type", "notes", "symptoms", "diagnosis", "payment", "created_at", "updated_at"}
	prescriptionCols = []string{"id", "practitioner_id", "patient_id", "appointment_id", "issue_date", "expiration_date",
		"medications", "general_instructions", "diagnosis", "icd_code", "status", "refill", "dispensations",
		"created_at", "updated_at"}
)

func colList(cols []string) string { return strings.Join(cols, ", ") }

func selectCols(cols []string) []any {
	out := make([]any, len(cols))
	for i, c := range cols {
		out[i] = c
	}
	return out
}

type PgRepository struct {
	pool *pgxpool.Pool
}

// NewPgRepository uses pool for every query; the caller owns the pool.
func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

var _ Repository = (*PgRepository)(nil)

// Helpers

// mapWriteError turns constraint violations on insert and update into domain
// errors. A foreign key violation means the referenced record vanished.
func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgForeignKeyViolation:
		if missing := missingReference(pgErr.ConstraintName); missing != nil {
			return missing
		}
	case pgUniqueViolation:
		switch pgErr.ConstraintName {
		case "practitioners_license_key":
			return ErrDuplicateLicense
		case "patients_national_id_key":
			return ErrDuplicateNational
		}
	case pgExclusionViolation:
		if pgErr.ConstraintName == "appointments_no_overlap" {
			return ErrScheduleOverlap
		}
	}
	return err
}

// missingReference maps a foreign key constraint name such as
// "appointments_patient_id_fkey" to the not-found error of its target.
func missingReference(constraint string) error {
	switch {
	case strings.HasSuffix(constraint, "_practitioner_id_fkey"):
		return ErrPractitionerNotFound
	case strings.HasSuffix(constraint, "_patient_id_fkey"):
		return ErrPatientNotFound
	case strings.HasSuffix(constraint, "_appointment_id_fkey"):
		return ErrAppointmentNotFound
	}
	return nil
}

// mapDeleteError reports a delete blocked by rows that still point at entity.
func mapDeleteError(err error, entity string) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgForeignKeyViolation {
		return err
	}
	msg := entity + " is still referenced"
	if pgErr.TableName != "" {
		msg += " by " + pgErr.TableName
	}
	return InvalidState(entity+"_referenced", msg)
}

func notFoundOr(err error, entity string, id uuid.UUID) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return NotFound(entity, id)
	}
	return err
}

func marshalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode jsonb: %w", err)
	}
	return data, nil
}

func scanPractitioner(row pgx.Row) (*Practitioner, error) {
	var p Practitioner
	var contact, availability []byte

	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.LicenseNumber,
		&p.Specialty,
		&p.PasswordHash,
		&p.IsAdmin,
		&contact,
		&availability,
		&p.Active,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(contact, &p.Contact); err != nil {
		return nil, fmt.Errorf("decode practitioner contact: %w", err)
	}
	if err := json.Unmarshal(availability, &p.Availability); err != nil {
		return nil, fmt.Errorf("decode practitioner availability: %w", err)
	}
	return &p, nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var contact, health []byte

	err := row.Scan(
		&p.ID,
		&p.PractitionerID,
		&p.Name,
		&p.NationalID,
		&p.BirthDate,
		&p.Gender,
		&contact,
		&health,
		&p.Notes,
		&p.Active,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(contact, &p.Contact); err != nil {
		return nil, fmt.Errorf("decode patient contact: %w", err)
	}
	if err := json.Unmarshal(health, &p.Health); err != nil {
		return nil, fmt.Errorf("decode patient health: %w", err)
	}
	return &p, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var symptoms, payment []byte

	err := row.Scan(
		&a.ID,
		&a.PractitionerID,
		&a.PatientID,
		&a.Start,
		&a.DurationMinutes,
		&a.Status,
		&a.Type,
		&a.Notes,
		&symptoms,
		&a.Diagnosis,
		&payment,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(symptoms, &a.Symptoms); err != nil {
		return nil, fmt.Errorf("decode appointment symptoms: %w", err)
	}
	if err := json.Unmarshal(payment, &a.Payment); err != nil {
		return nil, fmt.Errorf("decode appointment payment: %w", err)
	}
	return &a, nil
}

func scanPrescription(row pgx.Row) (*Prescription, error) {
	var p Prescription
	var meds, refill, dispensations []byte

	err := row.Scan(
		&p.ID,
		&p.PractitionerID,
		&p.PatientID,
		&p.AppointmentID,
		&p.IssueDate,
		&p.ExpirationDate,
		&meds,
		&p.GeneralInstructions,
		&p.Diagnosis,
		&p.ICDCode,
		&p.Status,
		&refill,
		&dispensations,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(meds, &p.Medications); err != nil {
		return nil, fmt.Errorf("decode prescription medications: %w", err)
	}
	if err := json.Unmarshal(refill, &p.Refill); err != nil {
		return nil, fmt.Errorf("decode prescription refill: %w", err)
	}
	if err := json.Unmarshal(dispensations, &p.Dispensations); err != nil {
		return nil, fmt.Errorf("decode prescription dispensations: %w", err)
	}
	return &p, nil
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]T, error) {
	defer rows.Close()

	var out []T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *PgRepository) queryList(ctx context.Context, ds *goqu.SelectDataset) (pgx.Rows, error) {
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return r.pool.Query(ctx, query, args...)
}

func (r *PgRepository) count(ctx context.Context, table string, where []exp.Expression) (int, error) {
	query, args, err := pg.From(table).Select(goqu.COUNT("*")).Where(where...).Prepared(true).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build count: %w", err)
	}
	var n int
	if err := r.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func paginate(ds *goqu.SelectDataset, limit, offset int) *goqu.SelectDataset {
	if limit > 0 {
		ds = ds.Limit(uint(limit))
	}
	if offset > 0 {
		ds = ds.Offset(uint(offset))
	}
	return ds
}

// Practitioners

func (r *PgRepository) CountPractitioners(ctx context.Context) (int, error) {
	return r.count(ctx, "practitioners", nil)
}

func (r *PgRepository) CreatePractitioner(ctx context.Context, p Practitioner) (*Practitioner, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	contact, err := marshalJSON(p.Contact)
	if err != nil {
		return nil, err
	}
	availability, err := marshalJSON(p.Availability)
	if err != nil {
		return nil, err
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO practitioners (id, name, license_number, specialty, password_hash, is_admin,
		                           contact, availability, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())
		RETURNING `+colList(practitionerCols),
		p.ID, p.Name, p.LicenseNumber, p.Specialty, p.PasswordHash, p.IsAdmin, contact, availability, p.Active)

	created, err := scanPractitioner(row)
	if err != nil {
		return nil, mapWriteError(err)
	}
	return created, nil
}

func (r *PgRepository) GetPractitioner(ctx context.Context, id uuid.UUID) (*Practitioner, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+colList(practitionerCols)+`
		FROM practitioners
		WHERE id = $1
	`, id)
	p, err := scanPractitioner(row)
	if err != nil {
		return nil, notFoundOr(err, "practitioner", id)
	}
	return p, nil
}

func (r *PgRepository) GetPractitionerByLicense(ctx context.Context, license string) (*Practitioner, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+colList(practitionerCols)+`
		FROM practitioners
		WHERE license_number = $1
	`, license)
	p, err := scanPractitioner(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPractitionerNotFound
		}
		return nil, err
	}
	return p, nil
}

func (r *PgRepository) ListPractitioners(ctx context.Context, f PractitionerFilter) ([]Practitioner, error) {
	ds := pg.From("practitioners").Select(selectCols(practitionerCols)...)
	if f.Specialty != nil {
		ds = ds.Where(goqu.Ex{"specialty": string(*f.Specialty)})
	}
	if f.Active != nil {
		ds = ds.Where(goqu.Ex{"active": *f.Active})
	}
	ds = paginate(ds.Order(goqu.I("name").Asc(), goqu.I("id").Asc()), f.Limit, f.Offset)

	rows, err := r.queryList(ctx, ds)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanPractitioner)
}

func (r *PgRepository) UpdatePractitioner(ctx context.Context, p Practitioner) (*Practitioner, error) {
	contact, err := marshalJSON(p.Contact)
	if err != nil {
		return nil, err
	}
	availability, err := marshalJSON(p.Availability)
	if err != nil {
		return nil, err
	}

	row := r.pool.QueryRow(ctx, `
		UPDATE practitioners
		SET name = $2,
		    license_number = $3,
		    specialty = $4,
		    password_hash = $5,
		    is_admin = $6,
		    contact = $7,
		    availability = $8,
		    active = $9,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+colList(practitionerCols),
		p.ID, p.Name, p.LicenseNumber, p.Specialty, p.PasswordHash, p.IsAdmin, contact, availability, p.Active)

	updated, err := scanPractitioner(row)
	if err != nil {
		return nil, notFoundOr(mapWriteError(err), "practitioner", p.ID)
	}
	return updated, nil
}

func (r *PgRepository) DeletePractitioner(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM practitioners WHERE id = $1`, id)
	if err != nil {
		return mapDeleteError(err, "practitioner")
	}
	if tag.RowsAffected() == 0 {
		return NotFound("practitioner", id)
	}
	return nil
}

// Patients

func (r *PgRepository) CreatePatient(ctx context.Context, p Patient) (*Patient, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	contact, err := marshalJSON(p.Contact)
	if err != nil {
		return nil, err
	}
	health, err := marshalJSON(p.Health)
	if err != nil {
		return nil, err
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO patients (id, practitioner_id, name, national_id, birth_date, gender,
		                      contact, health, notes, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())
		RETURNING `+colList(patientCols),
		p.ID, p.PractitionerID, p.Name, p.NationalID, p.BirthDate, p.Gender, contact, health, p.Notes, p.Active)

	created, err := scanPatient(row)
	if err != nil {
		return nil, mapWriteError(err)
	}
	return created, nil
}

func (r *PgRepository) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+colList(patientCols)+`
		FROM patients
		WHERE id = $1
	`, id)
	p, err := scanPatient(row)
	if err != nil {
		return nil, notFoundOr(err, "patient", id)
	}
	return p, nil
}

func (r *PgRepository) GetPatientByNationalID(ctx context.Context, nationalID string) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+colList(patientCols)+`
		FROM patients
		WHERE national_id = $1
	`, nationalID)
	p, err := scanPatient(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return p, nil
}

func patientWhere(f PatientFilter) []exp.Expression {
	var where []exp.Expression
	if f.OwnerID != nil {
		where = append(where, goqu.Ex{"practitioner_id": *f.OwnerID})
	}
	if f.NameContains != "" {
		where = append(where, goqu.C("name").ILike("%"+f.NameContains+"%"))
	}
	return where
}

func (r *PgRepository) ListPatients(ctx context.Context, f PatientFilter) ([]Patient, error) {
	ds := pg.From("patients").Select(selectCols(patientCols)...).Where(patientWhere(f)...)
	ds = paginate(ds.Order(goqu.I("name").Asc(), goqu.I("id").Asc()), f.Limit, f.Offset)

	rows, err := r.queryList(ctx, ds)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanPatient)
}

func (r *PgRepository) CountPatients(ctx context.Context, f PatientFilter) (int, error) {
	return r.count(ctx, "patients", patientWhere(f))
}

func (r *PgRepository) UpdatePatient(ctx context.Context, p Patient) (*Patient, error) {
	contact, err := marshalJSON(p.Contact)
	if err != nil {
		return nil, err
	}
	health, err := marshalJSON(p.Health)
	if err != nil {
		return nil, err
	}

	row := r.pool.QueryRow(ctx, `
		UPDATE patients
		SET practitioner_id = $2,
		    name = $3,
		    national_id = $4,
		    birth_date = $5,
		    gender = $6,
		    contact = $7,
		    health = $8,
		    notes = $9,
		    active = $10,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+colList(patientCols),
		p.ID, p.PractitionerID, p.Name, p.NationalID, p.BirthDate, p.Gender, contact, health, p.Notes, p.Active)

	updated, err := scanPatient(row)
	if err != nil {
		return nil, notFoundOr(mapWriteError(err), "patient", p.ID)
	}
	return updated, nil
}

func (r *PgRepository) DeletePatient(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM patients WHERE id = $1`, id)
	if err != nil {
		return mapDeleteError(err, "patient")
	}
	if tag.RowsAffected() == 0 {
		return NotFound("patient", id)
	}
	return nil
}

// Appointments

func (r *PgRepository) CreateAppointment(ctx context.Context, a Appointment) (*Appointment, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	symptoms, err := marshalJSON(nonNil(a.Symptoms))
	if err != nil {
		return nil, err
	}
	payment, err := marshalJSON(a.Payment)
	if err != nil {
		return nil, err
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO appointments (id, practitioner_id, patient_id, start_time, end_time, duration_minutes,
		                          status, type, notes, symptoms, diagnosis, payment, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now(), now())
		RETURNING `+colList(appointmentCols),
		a.ID, a.PractitionerID, a.PatientID, a.Start, a.End(), a.DurationMinutes,
		a.Status, a.Type, a.Notes, symptoms, a.Diagnosis, payment)

	created, err := scanAppointment(row)
	if err != nil {
		return nil, mapWriteError(err)
	}
	return created, nil
}

func (r *PgRepository) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+colList(appointmentCols)+`
		FROM appointments
		WHERE id = $1
	`, id)
	a, err := scanAppointment(row)
	if err != nil {
		return nil, notFoundOr(err, "appointment", id)
	}
	return a, nil
}

func appointmentWhere(f AppointmentFilter) []exp.Expression {
	var where []exp.Expression
	if f.PractitionerID != nil {
		where = append(where, goqu.Ex{"practitioner_id": *f.PractitionerID})
	}
	if f.PatientID != nil {
		where = append(where, goqu.Ex{"patient_id": *f.PatientID})
	}
	if f.Status != nil {
		where = append(where, goqu.Ex{"status": string(*f.Status)})
	}
	if f.From != nil {
		where = append(where, goqu.C("start_time").Gte(*f.From))
	}
	if f.To != nil {
		where = append(where, goqu.C("start_time").Lt(*f.To))
	}
	return where
}

func (r *PgRepository) ListAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error) {
	ds := pg.From("appointments").Select(selectCols(appointmentCols)...).Where(appointmentWhere(f)...)
	ds = paginate(ds.Order(goqu.I("start_time").Asc()), f.Limit, f.Offset)

	rows, err := r.queryList(ctx, ds)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanAppointment)
}

func (r *PgRepository) CountAppointments(ctx context.Context, f AppointmentFilter) (int, error) {
	return r.count(ctx, "appointments", appointmentWhere(f))
}

func (r *PgRepository) ListBlockingAppointments(ctx context.Context, practitionerID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+colList(appointmentCols)+`
		FROM appointments
		WHERE practitioner_id = $1
		  AND status <> 'cancelled'
		  AND start_time < $3
		  AND end_time > $2
		ORDER BY start_time
	`, practitionerID, from, to)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanAppointment)
}

func (r *PgRepository) UpdateAppointment(ctx context.Context, a Appointment) (*Appointment, error) {
	symptoms, err := marshalJSON(nonNil(a.Symptoms))
	if err != nil {
		return nil, err
	}
	payment, err := marshalJSON(a.Payment)
	if err != nil {
		return nil, err
	}

	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET practitioner_id = $2,
		    patient_id = $3,
		    start_time = $4,
		    end_time = $5,
		    duration_minutes = $6,
		    status = $7,
		    type = $8,
		    notes = $9,
		    symptoms = $10,
		    diagnosis = $11,
		    payment = $12,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+colList(appointmentCols),
		a.ID, a.PractitionerID, a.PatientID, a.Start, a.End(), a.DurationMinutes,
		a.Status, a.Type, a.Notes, symptoms, a.Diagnosis, payment)

	updated, err := scanAppointment(row)
	if err != nil {
		return nil, notFoundOr(mapWriteError(err), "appointment", a.ID)
	}
	return updated, nil
}

func (r *PgRepository) DeleteAppointment(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM appointments WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return NotFound("appointment", id)
	}
	return nil
}

// Prescriptions

func prescriptionJSON(p Prescription) (meds, refill, dispensations []byte, err error) {
	if meds, err = marshalJSON(p.Medications); err != nil {
		return nil, nil, nil, err
	}
	if refill, err = marshalJSON(p.Refill); err != nil {
		return nil, nil, nil, err
	}
	if dispensations, err = marshalJSON(nonNil(p.Dispensations)); err != nil {
		return nil, nil, nil, err
	}
	return meds, refill, dispensations, nil
}

func (r *PgRepository) CreatePrescription(ctx context.Context, p Prescription) (*Prescription, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	meds, refill, dispensations, err := prescriptionJSON(p)
	if err != nil {
		return nil, err
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO prescriptions (id, practitioner_id, patient_id, appointment_id, issue_date, expiration_date,
		                           medications, general_instructions, diagnosis, icd_code, status, refill,
		                           dispensations, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now(), now())
		RETURNING `+colList(prescriptionCols),
		p.ID, p.PractitionerID, p.PatientID, p.AppointmentID, p.IssueDate, p.ExpirationDate,
		meds, p.GeneralInstructions, p.Diagnosis, p.ICDCode, p.Status, refill, dispensations)

	created, err := scanPrescription(row)
	if err != nil {
		return nil, mapWriteError(err)
	}
	return created, nil
}

func (r *PgRepository) GetPrescription(ctx context.Context, id uuid.UUID) (*Prescription, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+colList(prescriptionCols)+`
		FROM prescriptions
		WHERE id = $1
	`, id)
	p, err := scanPrescription(row)
	if err != nil {
		return nil, notFoundOr(err, "prescription", id)
	}
	return p, nil
}

func prescriptionWhere(f PrescriptionFilter) []exp.Expression {
	var where []exp.Expression
	if f.PractitionerID != nil {
		where = append(where, goqu.Ex{"practitioner_id": *f.PractitionerID})
	}
	if f.PatientID != nil {
		where = append(where, goqu.Ex{"patient_id": *f.PatientID})
	}
	if f.Status != nil {
		where = append(where, goqu.Ex{"status": string(*f.Status)})
	}
	if f.Medication != "" {
		where = append(where, goqu.L(
			"EXISTS (SELECT 1 FROM jsonb_array_elements(medications) AS m WHERE m->>'name' ILIKE ?)",
			"%"+f.Medication+"%",
		))
	}
	return where
}

func (r *PgRepository) ListPrescriptions(ctx context.Context, f PrescriptionFilter) ([]Prescription, error) {
	ds := pg.From("prescriptions").Select(selectCols(prescriptionCols)...).Where(prescriptionWhere(f)...)
	ds = paginate(ds.Order(goqu.I("issue_date").Desc()), f.Limit, f.Offset)

	rows, err := r.queryList(ctx, ds)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanPrescription)
}

func (r *PgRepository) CountPrescriptions(ctx context.Context, f PrescriptionFilter) (int, error) {
	return r.count(ctx, "prescriptions", prescriptionWhere(f))
}

// UpdatePrescription writes p only while the stored row is still active and
// carries the UpdatedAt p was read with. The appointment link is not written.
func (r *PgRepository) UpdatePrescription(ctx context.Context, p Prescription) (*Prescription, error) {
	meds, refill, dispensations, err := prescriptionJSON(p)
	if err != nil {
		return nil, err
	}

	row := r.pool.QueryRow(ctx, `
		UPDATE prescriptions
		SET expiration_date = $2,
		    medications = $3,
		    general_instructions = $4,
		    diagnosis = $5,
		    icd_code = $6,
		    status = $7,
		    refill = $8,
		    dispensations = $9,
		    `+bumpUpdatedAt+`
		WHERE id = $1
		  AND status = 'active'
		  AND updated_at = $10
		RETURNING `+colList(prescriptionCols),
		p.ID, p.ExpirationDate, meds, p.GeneralInstructions, p.Diagnosis, p.ICDCode,
		p.Status, refill, dispensations, p.UpdatedAt)

	updated, err := scanPrescription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.rejectedPrescriptionWrite(ctx, p.ID, false)
	}
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeletePrescription removes the row unless it is dispensed or changed since
// version was read.
func (r *PgRepository) DeletePrescription(ctx context.Context, id uuid.UUID, version time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM prescriptions
		WHERE id = $1
		  AND status <> 'dispensed'
		  AND updated_at = $2
	`, id, version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.rejectedPrescriptionWrite(ctx, id, true)
	}
	return nil
}

// rejectedPrescriptionWrite explains why a conditional write matched no row.
func (r *PgRepository) rejectedPrescriptionWrite(ctx context.Context, id uuid.UUID, deleting bool) error {
	var status string
	err := r.pool.QueryRow(ctx, `SELECT status FROM prescriptions WHERE id = $1`, id).Scan(&status)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return NotFound("prescription", id)
	case err != nil:
		return fmt.Errorf("reload prescription: %w", err)
	}
	return staleWriteError(PrescriptionStatus(status), deleting)
}

func (r *PgRepository) FindExpiredActive(ctx context.Context, now time.Time) ([]Prescription, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+colList(prescriptionCols)+`
		FROM prescriptions
		WHERE status = 'active'
		  AND expiration_date < $1
	`, now)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanPrescription)
}

// UpdatePrescriptionStatus only applies when the row is still in status from.
// It bumps updated_at, so an edit or dispensation read before it is rejected.
func (r *PgRepository) UpdatePrescriptionStatus(ctx context.Context, id uuid.UUID, from, to PrescriptionStatus) (*Prescription, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE prescriptions
		SET status = $2,
		    `+bumpUpdatedAt+`
		WHERE id = $1
		  AND status = $3
		RETURNING `+colList(prescriptionCols),
		id, to, from)

	p, err := scanPrescription(row)
	if err != nil {
		return nil, notFoundOr(err, "prescription", id)
	}
	return p, nil
}

// Events

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, entity_id, actor_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, ev.EventType, ev.EntityID, ev.ActorID, ev.Payload, createdAt)
	return err
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
