// Package gateway is the hub's RPC boundary. It translates HTTP calls into
// registry and scheduler operations, enforces token checks, and maps the
// internal error taxonomy to stable wire errors.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"masond/services/hub/auth"
	"masond/services/hub/fault"
	"masond/services/hub/identity"
	"masond/services/hub/registry"
	"masond/services/hub/scheduler"
)

// Config controls runtime behaviour for the gateway.
type Config struct {
	AllowedOrigins []string
	RateLimit      int
	RequestTimeout time.Duration
}

// RegistryService is the registry surface the gateway exposes.
type RegistryService interface {
	Enroll(ctx context.Context, req registry.EnrollmentRequest) error
	Accept(ctx context.Context, req registry.EnrollmentRequest) error
	Decline(ctx context.Context, accountID uuid.UUID) error
	Leave(ctx context.Context, accountID uuid.UUID) error
	Visible(ctx context.Context) ([]registry.Endpoint, error)
	Pending(ctx context.Context) ([]registry.Endpoint, error)
	AcceptPending(ctx context.Context, id uuid.UUID) error
	DeclinePending(ctx context.Context, id uuid.UUID) error
	Restore(ctx context.Context, id uuid.UUID) error
	SetWorkStatus(ctx context.Context, accountID uuid.UUID, ws registry.WorkStatus) error
	Audit(ctx context.Context, limit int) ([]registry.AuditEntry, error)
}

// SchedulerService is the scheduler surface the gateway exposes.
type SchedulerService interface {
	Enqueue(ctx context.Context, p scheduler.EnqueueParams) (scheduler.Task, error)
	Report(ctx context.Context, r scheduler.ReportParams) error
	Tasks(ctx context.Context, status *scheduler.Status) ([]scheduler.Task, error)
}

// EndpointResolver maps an authenticated account to its endpoint.
type EndpointResolver interface {
	GetByAccount(ctx context.Context, q identity.Querier, accountID uuid.UUID) (registry.Endpoint, error)
}

// Gateway wires the hub services into HTTP handlers.
type Gateway struct {
	auth      *auth.Service
	registry  RegistryService
	scheduler SchedulerService
	endpoints EndpointResolver
	config    Config
	log       zerolog.Logger
}

// New creates a Gateway.
func New(authService *auth.Service, reg RegistryService, sched SchedulerService, endpoints EndpointResolver, cfg Config, log zerolog.Logger) (*Gateway, error) {
	if authService == nil || reg == nil || sched == nil || endpoints == nil {
		return nil, errors.New("gateway: missing collaborator")
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 100
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	return &Gateway{
		auth:      authService,
		registry:  reg,
		scheduler: sched,
		endpoints: endpoints,
		config:    cfg,
		log:       log,
	}, nil
}

// Routes constructs the chi router containing all hub endpoints.
func (g *Gateway) Routes() (http.Handler, error) {
	if g == nil {
		return nil, errors.New("nil gateway")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(g.config.RequestTimeout))

	allowed := g.config.AllowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowed,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         int((10 * time.Minute).Seconds()),
	}))
	r.Use(httprate.Limit(g.config.RateLimit, time.Minute))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	r.Method("GET", "/metrics", promhttp.Handler())

	r.Route("/services", func(r chi.Router) {
		r.Get("/authenticate", g.handleAuthenticate)
		r.Post("/refresh_token", g.handleRefreshToken)
		r.Post("/enroll", g.handleEnroll)

		r.Group(func(r chi.Router) {
			r.Use(g.requireAPIToken)
			r.Post("/accept", g.handleAccept)
			r.Post("/decline", g.handleDecline)
			r.Post("/leave", g.handleLeave)
			r.Get("/endpoints", g.handleEndpoints)

			r.Group(func(r chi.Router) {
				r.Use(g.requireOperationalEndpoint)
				r.Post("/build/status", g.handleBuildStatus)
				r.Post("/work_status", g.handleWorkStatus)
			})

			r.Group(func(r chi.Router) {
				r.Use(g.requireHuman)
				r.Get("/pending", g.handlePending)
				r.Post("/pending/{id}/accept", g.handleAcceptPending)
				r.Post("/pending/{id}/decline", g.handleDeclinePending)
				r.Post("/endpoints/{id}/restore", g.handleRestore)
				r.Get("/tasks", g.handleTasks)
				r.Post("/tasks", g.handleEnqueue)
				r.Get("/audit", g.handleAudit)
			})
		})
	})

	return r, nil
}

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// respondFault maps the error taxonomy to HTTP. Internal errors cross the
// boundary as an opaque kind with no detail.
func (g *Gateway) respondFault(w http.ResponseWriter, err error) {
	kind := fault.Kind(err)
	status := faultStatus(kind)
	detail := err.Error()
	if kind == "internal" {
		g.log.Error().Err(err).Msg("internal error")
		detail = "internal error"
	}
	respondJSON(w, status, map[string]string{"kind": kind, "error": detail})
}

func faultStatus(kind string) int {
	switch kind {
	case "unauthenticated":
		return http.StatusUnauthorized
	case "not-found":
		return http.StatusNotFound
	case "conflict":
		return http.StatusConflict
	case "forbidden":
		return http.StatusForbidden
	case "unreachable":
		return http.StatusBadGateway
	case "invalid":
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// caller returns the authenticated claims the middleware stored.
func caller(r *http.Request) (auth.Claims, bool) {
	claims, ok := r.Context().Value(claimsKey{}).(auth.Claims)
	return claims, ok
}

// callerEndpoint returns the operational endpoint resolved by
// requireOperationalEndpoint.
func callerEndpoint(r *http.Request) (registry.Endpoint, bool) {
	e, ok := r.Context().Value(endpointKey{}).(registry.Endpoint)
	return e, ok
}
