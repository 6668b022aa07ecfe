package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/clinic"
)

type RouterConfig struct {
	Service *clinic.Service
	Tokens  TokenVerifier
	Logger  zerolog.Logger
	Checks  []Check
	Env     string
	Version string
}

// NewRouter mounts health, login and the authenticated clinic routes.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	log := cfg.Logger.With().Str("component", "http").Logger()
	h := &handlers{svc: cfg.Service, log: log}

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(log))

	health := NewHealthHandler(cfg.Env, cfg.Version, cfg.Checks...)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	r.Post("/auth/login", h.login)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Tokens))

		r.Route("/practitioners", func(r chi.Router) {
			// anonymous POST is accepted only while no practitioner exists
			r.Post("/", h.createPractitioner)
			r.Get("/", h.listPractitioners)
			r.Get("/me", h.me)
			r.Get("/available", h.availablePractitioners)
			r.Get("/{id}", h.getPractitioner)
			r.Put("/{id}", h.updatePractitioner)
			r.Delete("/{id}", h.deletePractitioner)
			r.Get("/{id}/slots", h.practitionerSlots)
			r.Get("/{id}/appointments", h.practitionerAppointments)
		})

		r.Route("/patients", func(r chi.Router) {
			r.Post("/", h.createPatient)
			r.Get("/", h.listPatients)
			r.Get("/{id}", h.getPatient)
			r.Put("/{id}", h.updatePatient)
			r.Delete("/{id}", h.deletePatient)
			r.Get("/{id}/appointments", h.patientAppointments)
			r.Get("/{id}/prescriptions", h.patientPrescriptions)
		})

		r.Route("/appointments", func(r chi.Router) {
			r.Post("/", h.createAppointment)
			r.Get("/", h.listAppointments)
			r.Get("/availability", h.checkAvailability)
			r.Get("/{id}", h.getAppointment)
			r.Put("/{id}", h.updateAppointment)
			r.Delete("/{id}", h.deleteAppointment)
		})

		r.Route("/prescriptions", func(r chi.Router) {
			r.Post("/", h.createPrescription)
			r.Get("/", h.listPrescriptions)
			r.Get("/{id}", h.getPrescription)
			r.Put("/{id}", h.updatePrescription)
			r.Delete("/{id}", h.deletePrescription)
			r.Post("/{id}/dispense", h.dispensePrescription)
		})
	})

	return r
}
