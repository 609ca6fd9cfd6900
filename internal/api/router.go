package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// RouterConfig carries the transport settings of the router.
type RouterConfig struct {
	JWT            JWTConfig
	InternalAPIKey string
	AllowedOrigins []string
}

// NewRouter registers the ledger routes.
func NewRouter(h *Handlers, cfg RouterConfig, logger *zap.Logger) *chi.Mux {
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  zap.NewStdLog(logger.With(zap.String("component", "http"))),
		NoColor: true,
	}))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", idempotencyKeyHeader, "X-Internal-API-Key"},
		ExposedHeaders:   []string{replayedHeader, "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, result(http.StatusOK, "healthy", nil))
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))
		r.Post("/accounts", h.handleOpenAccount)
	})

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.JWT))

		r.Get("/accounts/me", h.query(h.getAccount))

		r.Post("/transfers", h.mutate(h.createTransfer))
		r.Get("/transfers", h.query(h.listTransfers))

		r.Route("/scheduled-payments", func(r chi.Router) {
			r.Post("/", h.mutate(h.createScheduledPayment))
			r.Get("/", h.query(h.listScheduledPayments))
			r.Patch("/{id}", h.mutate(h.updateScheduledPayment))
			r.Delete("/{id}", h.mutate(h.cancelScheduledPayment))
		})

		r.Route("/qr", func(r chi.Router) {
			r.Post("/", h.mutate(h.createToken))
			r.Get("/", h.query(h.listTokens))
			r.Post("/redeem", h.mutate(h.redeemToken))
			r.Delete("/{id}", h.mutate(h.deleteToken))
		})

		r.Route("/money-requests", func(r chi.Router) {
			r.Post("/", h.mutate(h.createMoneyRequest))
			r.Get("/", h.query(h.listMoneyRequests))
			r.Post("/{id}/respond", h.mutate(h.respondMoneyRequest))
		})

		r.Route("/favorites", func(r chi.Router) {
			r.Post("/", h.mutate(h.addFavorite))
			r.Get("/", h.query(h.listFavorites))
			r.Delete("/{favoriteID}", h.mutate(h.removeFavorite))
		})
	})

	return r
}
