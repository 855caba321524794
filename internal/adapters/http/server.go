package httpadapter

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"plontis/internal/domain"
	"plontis/internal/metrics"
	"plontis/internal/services/ingest"
	"plontis/internal/services/ledger"
)

// Registrar is the subset of the ledger the HTTP surface needs.
type Registrar interface {
	Register(ctx context.Context, req ledger.RegisterRequest) (ledger.Registration, error)
	Authenticate(ctx context.Context, apiKey, siteHash string) (domain.SiteIdentity, error)
	Revoke(ctx context.Context, siteHash string) (domain.SiteIdentity, error)
}

type Ingestor interface {
	Admit(ctx context.Context, raw ingest.RawEvent, apiKey, siteHash string) (string, error)
}

type Querier interface {
	MarketIntelligence(ctx context.Context, window time.Duration) domain.AggregateSnapshot
	SiteInsights(ctx context.Context, apiKey, siteHash string, window time.Duration) (domain.AggregateSnapshot, error)
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	RequestTimeout time.Duration
	MaxBodyBytes   int64
	MarketWindow   time.Duration
	SiteWindow     time.Duration
	MaxWindow      time.Duration
	// RequestsPerSecond <= 0 disables rate limiting.
	RequestsPerSecond float64
	Burst             int
}

type Server struct {
	ledger   Registrar
	ingest   Ingestor
	query    Querier
	store    Pinger
	opts     Options
	log      *zap.Logger
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	validate *validator.Validate
	limiter  *keyedLimiter
}

func New(l Registrar, in Ingestor, q Querier, store Pinger, opts Options, log *zap.Logger, m *metrics.Metrics, gatherer prometheus.Gatherer) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		ledger:   l,
		ingest:   in,
		query:    q,
		store:    store,
		opts:     opts,
		log:      log,
		metrics:  m,
		gatherer: gatherer,
		validate: validator.New(),
	}
	if opts.RequestsPerSecond > 0 {
		s.limiter = newKeyedLimiter(opts.RequestsPerSecond, opts.Burst)
	}
	return s
}

// Routes returns the chi router serving the public API.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(s.recoverer)
	if s.opts.RequestTimeout > 0 {
		r.Use(middleware.Timeout(s.opts.RequestTimeout))
	}

	r.Get("/healthz", s.getHealthz)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Use(s.limitBody)
		r.Post("/register", s.postRegister)
		r.Post("/revoke", s.postRevoke)
		r.Post("/detections", s.postDetections)
		r.Get("/market-intelligence", s.getMarketIntelligence)
		r.Get("/site-insights", s.getSiteInsights)
		r.Get("/insights/{site_hash}", s.getInsightsBySiteHash)
	})
	return r
}

func (s *Server) getHealthz(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			s.log.Warn("health check: store unreachable", zap.Error(err))
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, map[string]string{"status": status})
}
