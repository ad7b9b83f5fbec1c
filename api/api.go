package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/gatekey/ceremony"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	svc            *ceremony.Service
	tokens         TokenVerifier
	audit          *auditLogger
	ipLimiter      *registrationIPLimiter
	globalLimiter  *registrationGlobalLimiter
	trustedProxies []netip.Prefix
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// WithAlertFunc installs a callback invoked when the anomaly detector sees a
// spike of failed verifications or policy rejections.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.audit.metrics = newMetricsCollector(fn)
	}
}

// WithTrustedProxies configures the CIDR ranges whose proxy headers are
// honored when extracting the client IP for rate limiting. Empty means
// proxy headers are never trusted.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) {
		a.trustedProxies = prefixes
	}
}

// New creates a new API instance. tokens authenticates the bearer tokens on
// every protected route.
func New(svc *ceremony.Service, tokens TokenVerifier, opts ...Option) *API {
	a := &API{
		svc:           svc,
		tokens:        tokens,
		audit:         newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil))),
		ipLimiter:     newRegistrationIPLimiter(),
		globalLimiter: newRegistrationGlobalLimiter(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.With(a.AuthMiddleware).Post("/webauthn/start-registration", a.StartRegistration)
	r.With(a.AuthMiddleware).Post("/webauthn/finish-registration", a.FinishRegistration)

	r.Route("/files", func(r chi.Router) {
		r.Use(a.AuthMiddleware)
		r.Post("/", a.CreateFile)
		r.Get("/{fileID}/devices", a.ListDevices)
	})

	return r
}
