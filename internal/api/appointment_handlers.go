package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/hackgods/clinic-scheduling/internal/clinic"
)

func (h *handlers) createAppointment(w http.ResponseWriter, r *http.Request) {
	var req CreateAppointmentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	appt, err := h.svc.CreateAppointment(r.Context(), IdentityFrom(r.Context()), clinic.AppointmentInput{
		PractitionerID:  req.PractitionerID,
		PatientID:       req.PatientID,
		Start:           req.Start,
		DurationMinutes: req.DurationMinutes,
		Status:          req.Status,
		Type:            req.Type,
		Notes:           req.Notes,
		Symptoms:        req.Symptoms,
		Diagnosis:       req.Diagnosis,
		Payment:         req.Payment,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, appt)
}

func (h *handlers) listAppointments(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := pageQuery(w, r)
	if !ok {
		return
	}
	practitionerID, ok := optionalUUIDQuery(w, r, "practitioner_id")
	if !ok {
		return
	}
	patientID, ok := optionalUUIDQuery(w, r, "patient_id")
	if !ok {
		return
	}
	q := clinic.AppointmentQuery{
		PractitionerID: practitionerID,
		PatientID:      patientID,
		Limit:          limit,
		Offset:         offset,
	}
	if s := r.URL.Query().Get("status"); s != "" {
		status := clinic.AppointmentStatus(s)
		q.Status = &status
	}
	if r.URL.Query().Get("date") != "" {
		day, ok := dateQuery(w, r, h.svc.Location())
		if !ok {
			return
		}
		q.Day = &day
	}

	list, total, err := h.svc.ListAppointments(r.Context(), IdentityFrom(r.Context()), q)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(list, total, limit, offset))
}

// checkAvailability answers GET /appointments/availability?practitioner_id=&start=&duration_minutes=
func (h *handlers) checkAvailability(w http.ResponseWriter, r *http.Request) {
	practitionerID, ok := optionalUUIDQuery(w, r, "practitioner_id")
	if !ok {
		return
	}
	if practitionerID == nil {
		writeError(w, http.StatusBadRequest, "invalid_practitioner_id", "practitioner_id is required")
		return
	}
	start, err := time.Parse(time.RFC3339, r.URL.Query().Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_start", "start must be an RFC 3339 timestamp")
		return
	}
	duration := clinic.DefaultDuration
	if raw := r.URL.Query().Get("duration_minutes"); raw != "" {
		duration, err = strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_duration_minutes", "duration_minutes must be an integer")
			return
		}
	}

	available, err := h.svc.CheckAvailability(r.Context(), IdentityFrom(r.Context()), *practitionerID, start, duration)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	window := clinic.NewWindow(start, duration)
	writeJSON(w, http.StatusOK, AvailabilityResponse{
		PractitionerID: *practitionerID,
		Start:          window.Start,
		End:            window.End,
		Available:      available,
	})
}

func (h *handlers) getAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	appt, err := h.svc.GetAppointment(r.Context(), IdentityFrom(r.Context()), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, appt)
}

func (h *handlers) updateAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req UpdateAppointmentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	appt, err := h.svc.UpdateAppointment(r.Context(), IdentityFrom(r.Context()), id, clinic.AppointmentUpdate{
		PractitionerID:  req.PractitionerID,
		PatientID:       req.PatientID,
		Start:           req.Start,
		DurationMinutes: req.DurationMinutes,
		Status:          req.Status,
		Type:            req.Type,
		Notes:           req.Notes,
		Symptoms:        req.Symptoms,
		Diagnosis:       req.Diagnosis,
		Payment:         req.Payment,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, appt)
}

func (h *handlers) deleteAppointment(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.svc.DeleteAppointment(r.Context(), IdentityFrom(r.Context()), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
