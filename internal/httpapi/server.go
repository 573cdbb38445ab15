// Package httpapi is the HTTP surface of the metering engine.
//
// User routes take the caller's identity from the X-User-ID and X-Client-ID
// headers set by the fronting session layer. Internal routes require the
// X-Internal-Token header to match the configured secret and are refused
// outright when no secret is configured.
package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/kelpejol/ctmeter/internal/calibration"
	"github.com/kelpejol/ctmeter/internal/economy"
	"github.com/kelpejol/ctmeter/internal/ledger"
	"github.com/kelpejol/ctmeter/internal/pricing"
	"github.com/kelpejol/ctmeter/internal/recommend"
	"github.com/kelpejol/ctmeter/internal/wallet"
)

const (
	HeaderUserID        = "X-User-ID"
	HeaderClientID      = "X-Client-ID"
	HeaderInternalToken = "X-Internal-Token"
)

// Deps are the engine components behind the routes.
type Deps struct {
	Ledger      *ledger.Ledger
	Wallet      *wallet.Wallet
	Settings    *economy.Service
	Calibration *calibration.Engine
	Seeder      *pricing.Seeder
	Recommender *recommend.Recommender

	// Ready reports whether the backing store answers. Nil means always ready.
	Ready func(ctx context.Context) error
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer

	InternalToken string
}

type Server struct {
	deps Deps
	log  zerolog.Logger
}

func New(deps Deps, logger zerolog.Logger) *Server {
	return &Server{
		deps: deps,
		log:  logger.With().Str("component", "httpapi").Logger(),
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.accessLog)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	gatherer := s.deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.identity)
			r.Post("/user/spend", s.handleSpend)
			r.Post("/user/topup", s.handleTopup)
			r.Get("/user/snapshot", s.handleSnapshot)

			r.Get("/settings/user", s.handleGetSettings)
			r.Patch("/settings/user", s.handlePatchSettings)
			r.Post("/settings/user", s.handlePatchSettings)
			r.Post("/settings/user/reset", s.handleResetSettings)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.internalOnly)
			r.Post("/usage/preflight", s.handlePreflight)
			r.Post("/usage/finalize", s.handleFinalize)

			r.Get("/billing/calibration/proposal", s.handleCalibrationPropose)
			r.Post("/billing/calibration/apply", s.handleCalibrationApply)
			r.Get("/billing/cost-telemetry", s.handleCostTelemetry)
			r.Post("/billing/shadow-sync", s.handleShadowSync)
			r.Get("/billing/plan-recommendations", s.handlePlanRecommendations)
		})
	})

	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Msg("http request completed")
	})
}

type identityKey struct{}

// Identity is the caller resolved from the session headers.
type Identity struct {
	UserID   int64
	ClientID *int64
}

func identityFrom(ctx context.Context) Identity {
	id, _ := ctx.Value(identityKey{}).(Identity)
	return id
}

func (s *Server) identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get(HeaderUserID)), 10, 64)
		if err != nil || uid <= 0 {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		id := Identity{UserID: uid}
		if raw := strings.TrimSpace(r.Header.Get(HeaderClientID)); raw != "" {
			cid, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || cid <= 0 {
				writeError(w, http.StatusBadRequest, "Invalid client id")
				return
			}
			id.ClientID = &cid
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}

func (s *Server) internalOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := s.deps.InternalToken
		got := r.Header.Get(HeaderInternalToken)
		if want == "" || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			s.log.Warn().Str("path", r.URL.Path).Msg("internal route refused")
			writeError(w, http.StatusForbidden, "Forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Ready(ctx); err != nil {
			s.log.Warn().Err(err).Msg("readiness check failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
