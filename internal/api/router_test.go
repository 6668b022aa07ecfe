package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/hackgods/clinic-scheduling/internal/auth"
	"github.com/hackgods/clinic-scheduling/internal/clinic"
)

type testServer struct {
	t       *testing.T
	handler http.Handler
	seq     int
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	now := time.Date(2030, 3, 4, 7, 0, 0, 0, time.UTC)
	tokens := auth.NewTokenManager("test-secret", time.Hour)
	svc := clinic.NewService(
		clinic.NewMemoryRepository(),
		nil,
		auth.NewPasswordManager(bcrypt.MinCost),
		tokens,
		zerolog.Nop(),
		clinic.WithClock(func() time.Time { return now }),
	)
	return &testServer{
		t:       t,
		handler: NewRouter(RouterConfig{Service: svc, Tokens: tokens, Logger: zerolog.Nop(), Env: "test"}),
	}
}

func (s *testServer) do(method, path, token string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (s *testServer) practitionerBody(admin bool) map[string]any {
	s.seq++
	return map[string]any{
		"name":           gofakeit.Name(),
		"license_number": fmt.Sprintf("%05d-SP", 10000+s.seq),
		"specialty":      "Cardiology",
		"password":       "secret-pass",
		"is_admin":       admin,
		"contact":        map[string]any{"email": fmt.Sprintf("doc%d@clinic.test", s.seq), "phone": gofakeit.Phone()},
	}
}

// login creates a practitioner through the API and opens a session for it.
func (s *testServer) login(creator string, admin bool) (clinic.Practitioner, string) {
	s.t.Helper()
	body := s.practitionerBody(admin)
	rec := s.do(http.MethodPost, "/practitioners", creator, body)
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	p := decode[clinic.Practitioner](s.t, rec)

	rec = s.do(http.MethodPost, "/auth/login", "", LoginRequest{
		LicenseNumber: p.LicenseNumber,
		Password:      "secret-pass",
		Admin:         admin,
	})
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
	session := decode[clinic.Session](s.t, rec)
	require.NotEmpty(s.t, session.Token)
	return p, session.Token
}

func (s *testServer) patient(token string) clinic.Patient {
	s.t.Helper()
	s.seq++
	rec := s.do(http.MethodPost, "/patients", token, map[string]any{
		"name":        gofakeit.Name(),
		"national_id": fmt.Sprintf("%011d", 98765432100+int64(s.seq)),
		"birth_date":  "1985-06-15",
		"gender":      "male",
		"contact":     map[string]any{"phone": gofakeit.Phone()},
		"health":      map[string]any{"blood_type": "A+", "allergies": []string{"penicillin"}},
	})
	require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[clinic.Patient](s.t, rec)
}

func appointmentBody(practitionerID, patientID uuid.UUID, start string, minutes int) map[string]any {
	return map[string]any{
		"practitioner_id":  practitionerID,
		"patient_id":       patientID,
		"start":            start,
		"duration_minutes": minutes,
	}
}

func TestBootstrapAndLogin(t *testing.T) {
	s := newTestServer(t)

	admin, adminToken := s.login("", true)
	assert.True(t, admin.IsAdmin)

	rec := s.do(http.MethodPost, "/practitioners", "", s.practitionerBody(false))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthenticated", decode[ErrorResponse](t, rec).Kind)

	doc, docToken := s.login(adminToken, false)

	rec = s.do(http.MethodPost, "/practitioners", docToken, s.practitionerBody(false))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodPost, "/auth/login", "", LoginRequest{LicenseNumber: doc.LicenseNumber, Password: "secret-pass", Admin: true})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodPost, "/auth/login", "", LoginRequest{LicenseNumber: doc.LicenseNumber, Password: "nope-nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(http.MethodGet, "/practitioners/me", docToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	me := decode[clinic.Practitioner](t, rec)
	assert.Equal(t, doc.ID, me.ID)
	assert.NotContains(t, rec.Body.String(), "password")

	rec = s.do(http.MethodPost, "/practitioners", adminToken, map[string]any{
		"name":           "Dup",
		"license_number": doc.LicenseNumber,
		"specialty":      "Cardiology",
		"password":       "secret-pass",
		"contact":        map[string]any{"email": "dup@clinic.test", "phone": "555"},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, clinic.ConflictDuplicateLicense, decode[ErrorResponse](t, rec).Error)
}

func TestAuthMiddleware(t *testing.T) {
	s := newTestServer(t)
	s.login("", true)

	rec := s.do(http.MethodGet, "/patients", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(http.MethodGet, "/patients", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_token", decode[ErrorResponse](t, rec).Error)

	req := httptest.NewRequest(http.MethodGet, "/patients", nil)
	req.Header.Set("Authorization", "Basic abc")
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
}

func TestAppointmentBookingFlow(t *testing.T) {
	s := newTestServer(t)
	_, adminToken := s.login("", true)
	doc, token := s.login(adminToken, false)
	pat := s.patient(token)

	rec := s.do(http.MethodPost, "/appointments", token, appointmentBody(doc.ID, pat.ID, "2030-03-04T10:00:00Z", 30))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decode[clinic.Appointment](t, rec)
	assert.Equal(t, clinic.StatusScheduled, first.Status)

	rec = s.do(http.MethodPost, "/appointments", token, appointmentBody(doc.ID, pat.ID, "2030-03-04T10:15:00Z", 30))
	require.Equal(t, http.StatusConflict, rec.Code)
	errResp := decode[ErrorResponse](t, rec)
	assert.Equal(t, clinic.ConflictScheduleOverlap, errResp.Error)
	assert.Equal(t, "conflict", errResp.Kind)

	rec = s.do(http.MethodPost, "/appointments", token, appointmentBody(doc.ID, pat.ID, "2030-03-04T10:30:00Z", 30))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(http.MethodPost, "/appointments", token, appointmentBody(doc.ID, pat.ID, "2030-03-04T14:00:00Z", 5))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "duration_minutes", decode[ErrorResponse](t, rec).Field)

	path := fmt.Sprintf("/appointments/availability?practitioner_id=%s&start=2030-03-04T10:15:00Z&duration_minutes=30", doc.ID)
	rec = s.do(http.MethodGet, path, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[AvailabilityResponse](t, rec).Available)

	rec = s.do(http.MethodGet, fmt.Sprintf("/practitioners/%s/slots?date=2030-03-04", doc.ID), token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	slots := decode[ListResponse[clinic.Window]](t, rec)
	assert.Len(t, slots.Items, 16)

	rec = s.do(http.MethodGet, "/appointments?date=2030-03-04", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[ListResponse[clinic.Appointment]](t, rec).Total)

	cancelled := clinic.StatusCancelled
	rec = s.do(http.MethodPut, "/appointments/"+first.ID.String(), token, UpdateAppointmentRequest{Status: &cancelled})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(http.MethodPost, "/appointments", token, appointmentBody(doc.ID, pat.ID, "2030-03-04T10:00:00Z", 30))
	assert.Equal(t, http.StatusCreated, rec.Code, "cancelled appointments free their window")

	rec = s.do(http.MethodGet, "/appointments/not-a-uuid", token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/appointments/"+uuid.NewString(), token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPatientOwnershipOverHTTP(t *testing.T) {
	s := newTestServer(t)
	_, adminToken := s.login("", true)
	_, tokenA := s.login(adminToken, false)
	_, tokenB := s.login(adminToken, false)
	pat := s.patient(tokenA)

	rec := s.do(http.MethodGet, "/patients/"+pat.ID.String(), tokenB, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodGet, "/patients", tokenB, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"items":[]`)

	rec = s.do(http.MethodGet, "/patients?name="+pat.Name[:3], adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.GreaterOrEqual(t, decode[ListResponse[clinic.Patient]](t, rec).Total, 1)

	rec = s.do(http.MethodDelete, "/patients/"+pat.ID.String(), tokenA, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestPrescriptionFlow(t *testing.T) {
	s := newTestServer(t)
	_, adminToken := s.login("", true)
	_, token := s.login(adminToken, false)
	pat := s.patient(token)

	rec := s.do(http.MethodPost, "/prescriptions", token, map[string]any{
		"patient_id":  pat.ID,
		"medications": []map[string]any{{"name": "Penicillin V", "dosage": "500mg", "frequency": "6/6h"}},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "allergy", decode[ErrorResponse](t, rec).Error)

	rec = s.do(http.MethodPost, "/prescriptions", token, map[string]any{
		"patient_id":  pat.ID,
		"medications": []map[string]any{{"name": "Losartan", "dosage": "50mg", "frequency": "daily"}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rx := decode[clinic.Prescription](t, rec)

	rec = s.do(http.MethodPost, "/prescriptions/"+rx.ID.String()+"/dispense", token, DispenseRequest{PharmacyName: "Central"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, clinic.PrescriptionDispensed, decode[clinic.Prescription](t, rec).Status)

	rec = s.do(http.MethodPost, "/prescriptions/"+rx.ID.String()+"/dispense", token, DispenseRequest{})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "invalid_state", decode[ErrorResponse](t, rec).Kind)

	rec = s.do(http.MethodDelete, "/prescriptions/"+rx.ID.String(), token, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(http.MethodGet, "/prescriptions?medication=losar", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[ListResponse[clinic.Prescription]](t, rec).Total)

	rec = s.do(http.MethodGet, "/patients/"+pat.ID.String()+"/prescriptions", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[ListResponse[clinic.Prescription]](t, rec).Total)
}

func TestReadiness(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("down") }

	tests := []struct {
		name   string
		checks []Check
		status string
		code   int
	}{
		{"all up", []Check{{Name: "postgres", Critical: true, Ping: ok}, {Name: "redis", Ping: ok}}, "ok", http.StatusOK},
		{"redis down", []Check{{Name: "postgres", Critical: true, Ping: ok}, {Name: "redis", Ping: down}}, "degraded", http.StatusOK},
		{"postgres down", []Check{{Name: "postgres", Critical: true, Ping: down}, {Name: "redis", Ping: ok}}, "error", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler("test", "v1", tt.checks...)
			rec := httptest.NewRecorder()
			h.Readiness(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

			assert.Equal(t, tt.code, rec.Code)
			resp := decode[ReadinessResponse](t, rec)
			assert.Equal(t, tt.status, resp.Status)
			assert.Len(t, resp.Dependencies, 2)
		})
	}
}
