package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/chonibe/coa-service-sub010/internal/platform/httpx"
)

// RouteRegistrar registers a set of routes against the provided router.
type RouteRegistrar func(r chi.Router)

// routeGroup pairs a mount point with its registrar and the middleware
// applied to everything underneath it.
type routeGroup struct {
	name        string
	path        string
	registrar   RouteRegistrar
	middlewares []func(http.Handler) http.Handler
}

type routerConfig struct {
	basePath    string
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers

	admin    routeGroup
	webhooks routeGroup
	internal routeGroup
}

// Option customises the router configuration before construction.
type Option func(*routerConfig)

const (
	defaultAPIPrefix = "/api/v1"
	defaultTimeout   = 60 * time.Second
)

// NewRouter builds the chi router. Three route groups hang off the base path:
// /admin for operator endpoints, /webhooks for commerce platform deliveries,
// and /internal for scheduler and worker callbacks. Each group carries its
// own auth middleware.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		basePath: defaultAPIPrefix,
		middlewares: []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Timeout(defaultTimeout),
		},
		admin:    routeGroup{name: "admin", path: "/admin"},
		webhooks: routeGroup{name: "webhooks", path: "/webhooks"},
		internal: routeGroup{name: "internal", path: "/internal"},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	r := chi.NewRouter()
	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("route_not_found", fmt.Sprintf("no route for %s", req.URL.Path), http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path), http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(cfg.basePath, func(api chi.Router) {
		for _, group := range []routeGroup{cfg.admin, cfg.webhooks, cfg.internal} {
			group.mount(api)
		}
	})

	return r
}

func (g routeGroup) mount(api chi.Router) {
	api.Route(g.path, func(r chi.Router) {
		for _, mw := range g.middlewares {
			if mw != nil {
				r.Use(mw)
			}
		}
		if g.registrar != nil {
			g.registrar(r)
			return
		}

		// A group without a registrar answers consistently instead of 404ing.
		stub := func(w http.ResponseWriter, req *http.Request) {
			httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", fmt.Sprintf("%s routes not implemented", g.name), http.StatusNotImplemented))
		}
		r.HandleFunc("/*", stub)
		r.HandleFunc("/", stub)
		r.NotFound(stub)
		r.MethodNotAllowed(stub)
	})
}

// WithMiddlewares appends additional global middleware to the router.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithHealthHandlers overrides the handlers used for /healthz and /readyz.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.health = h
	}
}

// WithAdminRoutes configures the registrar for operator endpoints.
func WithAdminRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.admin.registrar = reg
	}
}

// WithAdminMiddlewares appends middleware to the /admin group.
func WithAdminMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.admin.middlewares = append(cfg.admin.middlewares, mw...)
	}
}

// WithWebhookRoutes configures the registrar for webhook endpoints.
func WithWebhookRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.webhooks.registrar = reg
	}
}

// WithWebhookMiddlewares appends middleware to the /webhooks group.
func WithWebhookMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.webhooks.middlewares = append(cfg.webhooks.middlewares, mw...)
	}
}

// WithInternalRoutes configures the registrar for internal endpoints.
func WithInternalRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.internal.registrar = reg
	}
}

// WithInternalMiddlewares appends middleware to the /internal group.
func WithInternalMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.internal.middlewares = append(cfg.internal.middlewares, mw...)
	}
}
