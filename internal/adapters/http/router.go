package http

import (
	"context"
	"net/http"
	"net/netip"

	"github.com/go-chi/chi/v5"
	"github.com/viralforge/guardian-activation/internal/application"
	"github.com/viralforge/guardian-activation/internal/ports"
)

// Handler is the HTTP adapter over the application service.
type Handler struct {
	service *application.Service
	ready   func(context.Context) error
}

func NewHandler(service *application.Service, ready func(context.Context) error) *Handler {
	return &Handler{service: service, ready: ready}
}

type RouterConfig struct {
	Verifier ports.CallerVerifier
	// Per client IP; zero disables the limiter.
	RequestsPerSecond float64
	Burst             int
	// Peers allowed to report the client address in X-Forwarded-For.
	TrustedProxies []netip.Prefix
}

func NewRouter(handler *Handler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware)
	r.Use(loggingMiddleware)

	r.Get("/healthz", handler.healthz)
	r.Get("/readyz", handler.readyz)

	r.Route("/guardian/v1", func(r chi.Router) {
		if cfg.RequestsPerSecond > 0 {
			r.Use(newIPRateLimiter(cfg.RequestsPerSecond, cfg.Burst, cfg.TrustedProxies).middleware)
		}

		// Grant holders are not platform callers; the token and code are the credential.
		r.Get("/grants/validate", handler.validateGrant)

		r.Group(func(r chi.Router) {
			r.Use(authMiddleware(cfg.Verifier))

			r.Group(func(r chi.Router) {
				r.Use(requireRole(ports.RoleGuardian))
				r.Post("/activation-requests", handler.submitActivation)
				r.Post("/activation-requests/withdraw", handler.withdrawActivation)
			})

			r.Group(func(r chi.Router) {
				r.Use(requireRole(ports.RoleScheduler, ports.RoleAdmin))
				r.Post("/rule-evaluation-cycles", handler.runEvaluationCycle)
				r.Post("/subjects/{subject_id}/evaluate", handler.evaluateSubject)
				r.Post("/subjects/{subject_id}/health-checks", handler.recordHealthCheck)
				r.Post("/subjects/{subject_id}/reminders", handler.sendReminders)
				r.Post("/maintenance/expire", handler.expireLapsedWindows)
				r.Post("/maintenance/scheduled-actions", handler.runDueActions)
			})

			r.Group(func(r chi.Router) {
				r.Use(requireRole(ports.RoleAdmin))
				r.Post("/subjects/{subject_id}/initialize", handler.initializeSubject)
				r.Put("/subjects/{subject_id}/settings", handler.updateSettings)
				r.Put("/subjects/{subject_id}/rules", handler.upsertRule)
				r.Get("/subjects/{subject_id}/rules", handler.listRules)
				r.Get("/subjects/{subject_id}/activation-status", handler.activationStatus)
				r.Post("/subjects/{subject_id}/reset", handler.resetProtocol)
				r.Get("/subjects/{subject_id}/audit", handler.listAudit)
				r.Post("/subjects/{subject_id}/grants", handler.issueGrant)
				r.Post("/grants/{grant_id}/revoke", handler.revokeGrant)
				r.Get("/status", handler.systemStatus)
			})
		})
	})

	return r
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeSuccess(w, http.StatusOK, map[string]string{"state": "ok"})
}

func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			logHTTPOperationError(r.Context(), "readyz", http.StatusServiceUnavailable, "NOT_READY", "dependencies unavailable", err)
			writeError(w, http.StatusServiceUnavailable, "NOT_READY", "dependencies unavailable")
			return
		}
	}
	writeSuccess(w, http.StatusOK, map[string]string{"state": "ready"})
}
