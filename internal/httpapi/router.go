package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions controls the construction of the authorization HTTP
// router. The zero value is invalid; Repository, Resolver, and Writer
// are required.
type RouterOptions struct {
	Repository Repository
	Resolver   Resolver
	Writer     Writer
	Logger     *slog.Logger
	// ListAllEnabled opts in to GET /authorize, which returns every
	// known user's view (§6).
	ListAllEnabled bool
	CORSOptions    *cors.Options
	Middleware     []func(http.Handler) http.Handler
	HealthHandler  http.HandlerFunc
}

// DefaultCORSOptions returns a permissive same-origin-friendly policy
// suitable for a service consumed by an internal edge filter.
func DefaultCORSOptions() cors.Options {
	return cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           300,
	}
}

func defaultHealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// NewRouter assembles the chi.Router described in §6.
func NewRouter(opts RouterOptions) chi.Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	corsCfg := DefaultCORSOptions()
	if opts.CORSOptions != nil {
		corsCfg = *opts.CORSOptions
	}
	r.Use(cors.Handler(corsCfg))

	for _, mw := range opts.Middleware {
		if mw != nil {
			r.Use(mw)
		}
	}

	r.Route("/authorize", func(ar chi.Router) {
		if opts.ListAllEnabled {
			ar.Get("/", HandleListAuthorize(opts.Repository, logger))
		}
		ar.Get("/{id}", HandleGetAuthorize(opts.Repository, logger))
		ar.Get("/{id}/accounts", HandleFilteredAuthorize(opts.Repository, logger, kindAccounts))
		ar.Get("/{id}/accounts/{name}", HandleFilteredAuthorize(opts.Repository, logger, kindAccounts))
		ar.Get("/{id}/applications", HandleFilteredAuthorize(opts.Repository, logger, kindApplications))
		ar.Get("/{id}/applications/{name}", HandleFilteredAuthorize(opts.Repository, logger, kindApplications))
		ar.Get("/{id}/serviceAccounts", HandleFilteredAuthorize(opts.Repository, logger, kindServiceAccounts))
		ar.Get("/{id}/serviceAccounts/{name}", HandleFilteredAuthorize(opts.Repository, logger, kindServiceAccounts))
	})

	r.Route("/roles", func(rr chi.Router) {
		rr.Post("/{id}", HandlePostRoles(opts.Resolver, opts.Writer, logger))
		rr.Put("/{id}", HandlePutRoles(opts.Resolver, opts.Writer, logger))
		rr.Delete("/{id}", HandleDeleteRoles(opts.Repository, logger))
	})

	healthHandler := opts.HealthHandler
	if healthHandler == nil {
		healthHandler = defaultHealthHandler
	}
	r.Get("/healthz", healthHandler)

	return r
}
