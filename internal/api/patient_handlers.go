package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling/internal/clinic"
)

func (h *handlers) createPatient(w http.ResponseWriter, r *http.Request) {
	var req CreatePatientRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	in := clinic.PatientInput{
		Name:       req.Name,
		NationalID: req.NationalID,
		BirthDate:  req.BirthDate.Time,
		Gender:     req.Gender,
		Contact:    req.Contact,
		Health:     req.Health,
		Notes:      req.Notes,
	}
	if req.PractitionerID != nil {
		in.PractitionerID = *req.PractitionerID
	}

	p, err := h.svc.CreatePatient(r.Context(), IdentityFrom(r.Context()), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *handlers) listPatients(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := pageQuery(w, r)
	if !ok {
		return
	}
	list, total, err := h.svc.ListPatients(r.Context(), IdentityFrom(r.Context()), clinic.PatientQuery{
		Name:   r.URL.Query().Get("name"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(list, total, limit, offset))
}

func (h *handlers) getPatient(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	p, err := h.svc.GetPatient(r.Context(), IdentityFrom(r.Context()), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handlers) updatePatient(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req UpdatePatientRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	var birth *time.Time
	if req.BirthDate != nil {
		birth = &req.BirthDate.Time
	}

	p, err := h.svc.UpdatePatient(r.Context(), IdentityFrom(r.Context()), id, clinic.PatientUpdate{
		PractitionerID: req.PractitionerID,
		Name:           req.Name,
		NationalID:     req.NationalID,
		BirthDate:      birth,
		Gender:         req.Gender,
		Contact:        req.Contact,
		Health:         req.Health,
		Notes:          req.Notes,
		Active:         req.Active,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handlers) deletePatient(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.svc.DeletePatient(r.Context(), IdentityFrom(r.Context()), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) patientAppointments(w http.ResponseWriter, r *http.Request) {
	h.patientListing(w, r, func(id uuid.UUID, limit, offset int) (any, error) {
		list, total, err := h.svc.PatientAppointments(r.Context(), IdentityFrom(r.Context()), id, limit, offset)
		return newList(list, total, limit, offset), err
	})
}

func (h *handlers) patientPrescriptions(w http.ResponseWriter, r *http.Request) {
	h.patientListing(w, r, func(id uuid.UUID, limit, offset int) (any, error) {
		list, total, err := h.svc.PatientPrescriptions(r.Context(), IdentityFrom(r.Context()), id, limit, offset)
		return newList(list, total, limit, offset), err
	})
}

func (h *handlers) patientListing(w http.ResponseWriter, r *http.Request, load func(id uuid.UUID, limit, offset int) (any, error)) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	limit, offset, ok := pageQuery(w, r)
	if !ok {
		return
	}
	resp, err := load(id, limit, offset)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
