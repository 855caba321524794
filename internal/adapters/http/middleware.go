package httpadapter

import (
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"plontis/internal/domain"
	"plontis/internal/services/ledger"
)

const (
	headerAPIKey = "X-API-Key"
	// limiter entries idle for longer than this are dropped on the next sweep
	limiterIdleTTL  = 10 * time.Minute
	limiterSweepMin = 4096
)

func requestID(r *http.Request) string { return middleware.GetReqID(r.Context()) }

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		d := time.Since(start)
		s.metrics.ObserveHTTP(r.Method, route, status, d)
		s.log.Info("http_request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", d),
			zap.String("request_id", requestID(r)),
			zap.String("remote_addr", r.RemoteAddr))
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.log.Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.ByteString("stack", debug.Stack()))
				writeJSON(w, http.StatusInternalServerError, errorResponse{Error: errorBody{
					Code:    "INTERNAL",
					Message: "internal server error",
				}})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.MaxBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit charges every call to the client IP bucket. Calls carrying a
// credential also charge a bucket keyed by the key digest, so one key spread
// over many addresses is capped too.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		allowed := s.limiter.allow("ip:" + host)
		if k := apiKey(r); allowed && k != "" {
			allowed = s.limiter.allow("key:" + ledger.DigestKey(k))
		}
		if !allowed {
			s.writeError(w, r, domain.ErrRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// apiKey reads the credential from X-API-Key or an Authorization bearer token.
func apiKey(r *http.Request) string {
	if k := strings.TrimSpace(r.Header.Get(headerAPIKey)); k != "" {
		return k
	}
	if v, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

type keyedLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	entries   map[string]*limiterEntry
	lastSweep time.Time
}

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newKeyedLimiter(rps float64, burst int) *keyedLimiter {
	if burst < 1 {
		burst = 1
	}
	return &keyedLimiter{limit: rate.Limit(rps), burst: burst, entries: make(map[string]*limiterEntry)}
}

func (k *keyedLimiter) allow(key string) bool {
	now := time.Now()
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.entries[key]
	if !ok {
		e = &limiterEntry{lim: rate.NewLimiter(k.limit, k.burst)}
		k.entries[key] = e
	}
	e.lastSeen = now
	if len(k.entries) > limiterSweepMin && now.Sub(k.lastSweep) > limiterIdleTTL {
		for name, idle := range k.entries {
			if now.Sub(idle.lastSeen) > limiterIdleTTL {
				delete(k.entries, name)
			}
		}
		k.lastSweep = now
	}
	return e.lim.AllowN(now, 1)
}
