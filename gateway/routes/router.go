package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"koinpay/gateway/middleware"
	"koinpay/server"
)

// Config wires the HTTP surface: handlers plus the boundary middleware.
type Config struct {
	Handlers      *server.Handlers
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
}

// New builds the router. Quote and webhook are public, the order surface
// needs a user token and the admin surface an admin role on top of it.
func New(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.CORS))

	obs := cfg.Observability
	limiter := cfg.RateLimiter

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(pub chi.Router) {
		if limiter != nil {
			pub.Use(limiter.Middleware(middleware.LimitGeneric))
		}
		if obs != nil {
			pub.Use(obs.Middleware("pricing"))
		}
		pub.Get("/pricing/quote", cfg.Handlers.GetQuote)
	})

	r.Group(func(hook chi.Router) {
		if obs != nil {
			hook.Use(obs.Middleware("webhook"))
		}
		hook.Post("/payments/webhook", cfg.Handlers.PaymentWebhook)
	})

	r.Route("/orders", func(orders chi.Router) {
		if cfg.Authenticator != nil {
			orders.Use(cfg.Authenticator.Middleware)
		}
		if obs != nil {
			orders.Use(obs.Middleware("orders"))
		}
		if limiter != nil {
			orders.With(limiter.Middleware(middleware.LimitOrders)).
				Post("/", cfg.Handlers.CreateOrder)
		} else {
			orders.Post("/", cfg.Handlers.CreateOrder)
		}
		var generic func(http.Handler) http.Handler
		if limiter != nil {
			generic = limiter.Middleware(middleware.LimitGeneric)
		} else {
			generic = passthrough
		}
		orders.With(generic).Get("/", cfg.Handlers.ListOrders)
		orders.With(generic).Get("/{id}", cfg.Handlers.GetOrder)
		orders.With(generic).Post("/{id}/pay", cfg.Handlers.PayOrder)
		orders.With(generic).Post("/{id}/sync", cfg.Handlers.SyncOrder)
		orders.With(generic).Post("/{id}/cancel", cfg.Handlers.CancelOrder)
	})

	r.Route("/admin/orders", func(admin chi.Router) {
		if cfg.Authenticator != nil {
			admin.Use(cfg.Authenticator.Middleware)
		}
		admin.Use(middleware.RequireRole(middleware.RoleAdmin))
		if obs != nil {
			admin.Use(obs.Middleware("admin"))
		}
		admin.Post("/{id}/retry", cfg.Handlers.AdminRetryOrder)
		admin.Post("/{id}/mark-success", cfg.Handlers.AdminMarkSuccess)
	})

	if obs != nil {
		r.Handle("/metrics", obs.MetricsHandler())
	}

	return r
}

func passthrough(next http.Handler) http.Handler { return next }
