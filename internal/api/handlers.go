package api

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/clinic"
)

type handlers struct {
	svc *clinic.Service
	log zerolog.Logger
}

func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	writeServiceError(w, r, h.log, err)
}

func (h *handlers) login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.LicenseNumber == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "missing_credentials", "license_number and password are required")
		return
	}

	session, err := h.svc.Authenticate(r.Context(), req.LicenseNumber, req.Password, req.Admin)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}
