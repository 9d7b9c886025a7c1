package directory

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
)

// MountRoutes attaches directory routes. requireSession guards the
// authenticated group.
func (h *Handler) MountRoutes(r chi.Router, requireSession func(http.Handler) http.Handler) {
	// Invite-code endpoints are reachable without a session; the code itself
	// is the shared secret. Rate limited to slow down code guessing.
	r.Group(func(r chi.Router) {
		r.Use(httprate.Limit(20, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
		r.Get("/invites/{code}", h.handleVerifyInvite)
		r.Get("/households/by-code/{code}", h.handleHouseholdByCode)
		r.Get("/households/by-code/{code}/members", h.handleRosterByCode)
		r.Post("/devices/bind", h.handleBindDevice)
	})

	r.Group(func(r chi.Router) {
		r.Use(requireSession)
		r.Post("/households", h.handleCreateHousehold)
		r.Post("/households/join", h.handleJoinHousehold)
		r.Get("/households/{id}/members", h.handleListMembers)
		r.Get("/households/{id}/dependents", h.handleListDependents)
		r.Post("/households/{id}/dependents", h.handleAddDependent)
		r.Get("/members/{id}/household", h.handleResolveHousehold)
		r.Get("/dependents/{id}/targets", h.handleGetTargets)
		r.Put("/dependents/{id}/targets", h.handleSetTargets)
	})
}
