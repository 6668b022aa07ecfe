package api

import (
	"net/http"

	"github.com/hackgods/clinic-scheduling/internal/clinic"
)

func (h *handlers) createPractitioner(w http.ResponseWriter, r *http.Request) {
	var req CreatePractitionerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	p, err := h.svc.CreatePractitioner(r.Context(), IdentityFrom(r.Context()), clinic.PractitionerInput{
		Name:          req.Name,
		LicenseNumber: req.LicenseNumber,
		Specialty:     req.Specialty,
		Password:      req.Password,
		IsAdmin:       req.IsAdmin,
		Contact:       req.Contact,
		Availability:  req.Availability,
		Active:        req.Active,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *handlers) listPractitioners(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := pageQuery(w, r)
	if !ok {
		return
	}
	active, ok := boolQuery(w, r, "active")
	if !ok {
		return
	}
	f := clinic.PractitionerFilter{Active: active, Limit: limit, Offset: offset}
	if s := r.URL.Query().Get("specialty"); s != "" {
		specialty := clinic.Specialty(s)
		f.Specialty = &specialty
	}

	list, err := h.svc.ListPractitioners(r.Context(), IdentityFrom(r.Context()), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(list, len(list), limit, offset))
}

func (h *handlers) me(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Me(r.Context(), IdentityFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handlers) availablePractitioners(w http.ResponseWriter, r *http.Request) {
	day, ok := dateQuery(w, r, h.svc.Location())
	if !ok {
		return
	}
	list, err := h.svc.AvailablePractitioners(r.Context(), IdentityFrom(r.Context()), day)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(list, len(list), 0, 0))
}

func (h *handlers) getPractitioner(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	p, err := h.svc.GetPractitioner(r.Context(), IdentityFrom(r.Context()), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handlers) updatePractitioner(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req UpdatePractitionerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	p, err := h.svc.UpdatePractitioner(r.Context(), IdentityFrom(r.Context()), id, clinic.PractitionerUpdate{
		Name:          req.Name,
		LicenseNumber: req.LicenseNumber,
		Specialty:     req.Specialty,
		Password:      req.Password,
		IsAdmin:       req.IsAdmin,
		Contact:       req.Contact,
		Availability:  req.Availability,
		Active:        req.Active,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handlers) deletePractitioner(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.svc.DeletePractitioner(r.Context(), IdentityFrom(r.Context()), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) practitionerSlots(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	day, ok := dateQuery(w, r, h.svc.Location())
	if !ok {
		return
	}

	slots, err := h.svc.FreeSlots(r.Context(), IdentityFrom(r.Context()), id, day)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(slots, len(slots), 0, 0))
}

func (h *handlers) practitionerAppointments(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	limit, offset, ok := pageQuery(w, r)
	if !ok {
		return
	}

	list, total, err := h.svc.PractitionerAppointments(r.Context(), IdentityFrom(r.Context()), id, limit, offset)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(list, total, limit, offset))
}
