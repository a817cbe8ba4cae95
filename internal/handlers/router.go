package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/orderfield/api/internal/platform/httpx"
)

// RouteRegistrar attaches a feature's routes to the given router.
type RouteRegistrar func(r chi.Router)

// routeGroup is one mounted subtree under the API prefix. A group without
// a registrar serves 501 placeholders until its handlers land.
type routeGroup struct {
	name        string
	path        string
	register    RouteRegistrar
	middlewares []func(http.Handler) http.Handler
}

type routerConfig struct {
	basePath    string
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers

	orders   routeGroup
	admin    routeGroup
	webhooks routeGroup
	internal routeGroup
}

// Option customises the router configuration before construction.
type Option func(*routerConfig)

const (
	defaultAPIPrefix  = "/api/v1"
	defaultTimeout    = 60 * time.Second
	errorNotFoundCode = "route_not_found"
)

// NewRouter builds the chi router: health probes at the root, then the
// orders, admin, webhooks and internal groups under the API prefix, each
// with its own middleware chain.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		basePath: defaultAPIPrefix,
		middlewares: []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Timeout(defaultTimeout),
		},
		orders:   routeGroup{name: "orders", path: "/orders"},
		admin:    routeGroup{name: "admin", path: "/admin"},
		webhooks: routeGroup{name: "webhooks", path: "/webhooks"},
		internal: routeGroup{name: "internal", path: "/internal"},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.health == nil {
		cfg.health = NewHealthHandlers(nil)
	}

	r := chi.NewRouter()
	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError(errorNotFoundCode, fmt.Sprintf("no route for %s", req.URL.Path), http.StatusNotFound))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path), http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(cfg.basePath, func(api chi.Router) {
		for _, group := range []routeGroup{cfg.orders, cfg.admin, cfg.webhooks, cfg.internal} {
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
		if g.register != nil {
			g.register(r)
			return
		}

		placeholder := func(w http.ResponseWriter, req *http.Request) {
			httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", fmt.Sprintf("%s routes not implemented", g.name), http.StatusNotImplemented))
		}
		r.HandleFunc("/*", placeholder)
		r.HandleFunc("/", placeholder)
		r.NotFound(placeholder)
		r.MethodNotAllowed(placeholder)
	})
}

// WithMiddlewares appends global middleware applied to every route.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithHealthHandlers overrides the /healthz and /readyz handlers.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.health = h
	}
}

// WithOrderRoutes supplies the registrar for the buyer-facing order tree.
func WithOrderRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.orders.register = reg
	}
}

// WithAdminRoutes supplies the registrar for the admin endpoints.
func WithAdminRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.admin.register = reg
	}
}

// WithAdminMiddlewares adds middleware to the /admin group, typically the
// Firebase admin-role gate.
func WithAdminMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.admin.middlewares = append(cfg.admin.middlewares, mw...)
	}
}

// WithWebhookRoutes supplies the registrar for carrier webhook endpoints.
func WithWebhookRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.webhooks.register = reg
	}
}

// WithWebhookMiddlewares adds middleware to the /webhooks group, typically
// HMAC signature verification.
func WithWebhookMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.webhooks.middlewares = append(cfg.webhooks.middlewares, mw...)
	}
}

// WithInternalRoutes supplies the registrar for service-to-service
// endpoints.
func WithInternalRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.internal.register = reg
	}
}

// WithInternalMiddlewares adds middleware to the /internal group,
// typically OIDC verification.
func WithInternalMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.internal.middlewares = append(cfg.internal.middlewares, mw...)
	}
}
