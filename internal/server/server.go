package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/bizosaas/eventcore/internal/bus"
	"github.com/bizosaas/eventcore/internal/failover"
	"github.com/bizosaas/eventcore/internal/infra"
	"github.com/bizosaas/eventcore/internal/subscription"
)

// Server — HTTP-фасад платформы: публикация событий, подписки через webhook,
// replay, история и админский периметр failover-контроллера.
type Server struct {
	router *chi.Mux
	logger *zap.Logger
	cfg    *infra.Config

	bus      *bus.Bus
	ctrl     *failover.Controller
	subs     *subscription.Manager
	webhooks *WebhookDeliverer

	validator TokenValidator
	registry  *prometheus.Registry
	limiter   *rate.Limiter
}

// NewServer инициализирует HTTP-фасад со всеми зависимостями.
func NewServer(
	cfg *infra.Config,
	logger *zap.Logger,
	b *bus.Bus,
	ctrl *failover.Controller,
	subs *subscription.Manager,
	registry *prometheus.Registry,
) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.Named("http-api"),
		cfg:       cfg,
		bus:       b,
		ctrl:      ctrl,
		subs:      subs,
		webhooks:  NewWebhookDeliverer(),
		validator: NewHMACValidator(cfg.Auth.JWTSecret),
		registry:  registry,
		limiter:   rate.NewLimiter(rate.Limit(cfg.Server.PublishRateLimit), cfg.Server.PublishBurst),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ ---
	r.Group(func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	})

	// --- 3. СОБЫТИЯ ---
	r.Route("/v1/events", func(r chi.Router) {
		// Лимит только на write-путь: стор и брокер дороже, чем чтение
		r.With(rateLimit(s.limiter)).Post("/", s.handlePublish)
		r.Get("/", s.handleHistory)
		r.Post("/replay", s.handleReplay)
	})

	// --- 4. ПОДПИСКИ (webhook-доставка) ---
	r.Route("/v1/subscriptions", func(r chi.Router) {
		r.Get("/", s.handleListSubscriptions)
		r.Post("/", s.handleSubscribe)
		r.Delete("/{id}", s.handleUnsubscribe)
	})

	// --- 5. FAILOVER: чтение открыто, управление за токеном ---
	r.Route("/v1/failover", func(r chi.Router) {
		r.Get("/status", s.handleFailoverStatusAll)
		r.Get("/status/{integration}", s.handleFailoverStatus)
		r.Get("/events", s.handleFailoverEvents)
		r.Get("/statistics", s.handleFailoverStatistics)

		r.Group(func(r chi.Router) {
			r.Use(NewAuthMiddleware(s.validator, s.logger))
			r.Post("/{integration}/trigger", s.handleTriggerFailover)
			r.Post("/{integration}/manual", s.handleManualFailover)
			r.Post("/{integration}/reset", s.handleResetBreaker)
			r.Put("/{integration}/targets/{target}/health", s.handleUpdateHealth)
		})
	})
}

// ServeHTTP позволяет использовать Server как стандартный http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
