package api

import (
	"net/http"

	"github.com/hackgods/clinic-scheduling/internal/clinic"
)

func (h *handlers) createPrescription(w http.ResponseWriter, r *http.Request) {
	var req CreatePrescriptionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	in := clinic.PrescriptionInput{
		PatientID:           req.PatientID,
		AppointmentID:       req.AppointmentID,
		IssueDate:           req.IssueDate,
		ExpirationDate:      req.ExpirationDate,
		Medications:         req.Medications,
		GeneralInstructions: req.GeneralInstructions,
		Diagnosis:           req.Diagnosis,
		ICDCode:             req.ICDCode,
		Refillable:          req.Refillable,
		RefillsAuthorized:   req.RefillsAuthorized,
	}
	if req.PractitionerID != nil {
		in.PractitionerID = *req.PractitionerID
	}

	p, err := h.svc.CreatePrescription(r.Context(), IdentityFrom(r.Context()), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *handlers) listPrescriptions(w http.ResponseWriter, r *http.Request) {
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
	q := clinic.PrescriptionQuery{
		PractitionerID: practitionerID,
		PatientID:      patientID,
		Medication:     r.URL.Query().Get("medication"),
		Limit:          limit,
		Offset:         offset,
	}
	if s := r.URL.Query().Get("status"); s != "" {
		status := clinic.PrescriptionStatus(s)
		q.Status = &status
	}

	list, total, err := h.svc.ListPrescriptions(r.Context(), IdentityFrom(r.Context()), q)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newList(list, total, limit, offset))
}

func (h *handlers) getPrescription(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	p, err := h.svc.GetPrescription(r.Context(), IdentityFrom(r.Context()), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handlers) updatePrescription(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req UpdatePrescriptionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	p, err := h.svc.UpdatePrescription(r.Context(), IdentityFrom(r.Context()), id, clinic.PrescriptionUpdate{
		Medications:         req.Medications,
		ExpirationDate:      req.ExpirationDate,
		GeneralInstructions: req.GeneralInstructions,
		Diagnosis:           req.Diagnosis,
		ICDCode:             req.ICDCode,
		Status:              req.Status,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *handlers) deletePrescription(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.svc.DeletePrescription(r.Context(), IdentityFrom(r.Context()), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) dispensePrescription(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req DispenseRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	p, err := h.svc.Dispense(r.Context(), IdentityFrom(r.Context()), id, clinic.DispensationInput{
		At:           req.At,
		PharmacyName: req.PharmacyName,
		Pharmacist:   req.Pharmacist,
		Notes:        req.Notes,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
