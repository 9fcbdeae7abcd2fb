// Package api is the HTTP surface: routing, request decoding, error
// mapping and response shaping. All domain logic lives in the services.
package api

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agoranet/marketplace/internal/agents"
	"github.com/agoranet/marketplace/internal/config"
	"github.com/agoranet/marketplace/internal/database"
	"github.com/agoranet/marketplace/internal/fees"
	"github.com/agoranet/marketplace/internal/jobs"
	"github.com/agoranet/marketplace/internal/listings"
	"github.com/agoranet/marketplace/internal/metrics"
	"github.com/agoranet/marketplace/internal/middleware"
	"github.com/agoranet/marketplace/internal/reputation"
	"github.com/agoranet/marketplace/internal/wallet"
)

// Pinger is anything whose liveness the health endpoint reports.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps collects everything the server needs.
type Deps struct {
	Config     config.ServerConfig
	Agents     *agents.Service
	Listings   *listings.Service
	Jobs       *jobs.Service
	Reputation *reputation.Service
	Wallet     *wallet.Service
	Fees       *fees.Engine
	DB         database.Client
	KV         Pinger
	Auth       *middleware.Auth
	Limiter    *middleware.RateLimiter
	Metrics    *metrics.Metrics
}

// Server routes marketplace requests to the services.
type Server struct {
	cfg        config.ServerConfig
	agents     *agents.Service
	listings   *listings.Service
	jobs       *jobs.Service
	reputation *reputation.Service
	wallet     *wallet.Service
	fees       *fees.Engine
	db         database.Client
	kv         Pinger
	auth       *middleware.Auth
	limiter    *middleware.RateLimiter
	metrics    *metrics.Metrics
	logger     *log.Logger
	router     *mux.Router
}

// NewServer builds the router. The returned server is an http.Handler.
func NewServer(d Deps) *Server {
	s := &Server{
		cfg:        d.Config,
		agents:     d.Agents,
		listings:   d.Listings,
		jobs:       d.Jobs,
		reputation: d.Reputation,
		wallet:     d.Wallet,
		fees:       d.Fees,
		db:         d.DB,
		kv:         d.KV,
		auth:       d.Auth,
		limiter:    d.Limiter,
		metrics:    d.Metrics,
		logger:     log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.SecurityHeaders)
	r.Use(s.instrument)
	// The body cap must run before auth, which reads the body to check
	// the signature.
	r.Use(func(next http.Handler) http.Handler {
		return middleware.BodyLimit(s.cfg.MaxBodyBytes, next)
	})

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()

	// Open endpoints.
	v1.Handle("/agents/register",
		s.open(middleware.CategoryRegistration, s.handleRegister)).Methods(http.MethodPost)
	v1.Handle("/fees",
		s.open(middleware.CategoryUnauth, s.handleFees)).Methods(http.MethodGet)

	// Agents.
	v1.Handle("/agents/me",
		s.authed(middleware.CategoryWrite, s.handleAgentUpdate)).Methods(http.MethodPatch)
	v1.Handle("/agents/me",
		s.authed(middleware.CategoryWrite, s.handleAgentDeactivate)).Methods(http.MethodDelete)
	v1.Handle("/agents/me/balance",
		s.authed(middleware.CategoryRead, s.handleBalance)).Methods(http.MethodGet)
	v1.Handle("/agents/{id}",
		s.authed(middleware.CategoryRead, s.handleAgentGet)).Methods(http.MethodGet)
	v1.Handle("/agents/{id}/card",
		s.authed(middleware.CategoryRead, s.handleAgentCard)).Methods(http.MethodGet)
	v1.Handle("/agents/{id}/listings",
		s.authed(middleware.CategoryRead, s.handleListingsBySeller)).Methods(http.MethodGet)
	v1.Handle("/agents/{id}/reputation",
		s.authed(middleware.CategoryRead, s.handleReputation)).Methods(http.MethodGet)
	v1.Handle("/agents/{id}/reviews",
		s.authed(middleware.CategoryRead, s.handleReviews)).Methods(http.MethodGet)

	// Listings and discovery.
	v1.Handle("/listings",
		s.authed(middleware.CategoryWrite, s.handleListingCreate)).Methods(http.MethodPost)
	v1.Handle("/listings/{id}",
		s.authed(middleware.CategoryRead, s.handleListingGet)).Methods(http.MethodGet)
	v1.Handle("/listings/{id}",
		s.authed(middleware.CategoryWrite, s.handleListingUpdate)).Methods(http.MethodPatch)
	v1.Handle("/listings/{id}",
		s.authed(middleware.CategoryWrite, s.handleListingArchive)).Methods(http.MethodDelete)
	v1.Handle("/discover",
		s.authed(middleware.CategoryDiscovery, s.handleDiscover)).Methods(http.MethodGet)

	// Job lifecycle.
	v1.Handle("/jobs",
		s.authed(middleware.CategoryJobLifecycle, s.handleJobPropose)).Methods(http.MethodPost)
	v1.Handle("/jobs",
		s.authed(middleware.CategoryRead, s.handleJobList)).Methods(http.MethodGet)
	v1.Handle("/jobs/{id}",
		s.authed(middleware.CategoryRead, s.handleJobGet)).Methods(http.MethodGet)
	for verb, handler := range map[string]http.HandlerFunc{
		"counter":  s.handleJobCounter,
		"accept":   s.handleJobAccept,
		"fund":     s.handleJobFund,
		"start":    s.handleJobStart,
		"deliver":  s.handleJobDeliver,
		"verify":   s.handleJobVerify,
		"complete": s.handleJobComplete,
		"fail":     s.handleJobFail,
		"dispute":  s.handleJobDispute,
		"resolve":  s.handleJobResolve,
		"cancel":   s.handleJobCancel,
	} {
		v1.Handle("/jobs/{id}/"+verb,
			s.authed(middleware.CategoryJobLifecycle, handler)).Methods(http.MethodPost)
	}
	v1.Handle("/jobs/{id}/reviews",
		s.authed(middleware.CategoryWrite, s.handleReviewSubmit)).Methods(http.MethodPost)

	// Wallet.
	v1.Handle("/wallet/deposit-address",
		s.authed(middleware.CategoryWrite, s.handleDepositAddress)).Methods(http.MethodGet)
	v1.Handle("/wallet/deposits/notify",
		s.authed(middleware.CategoryWrite, s.handleNotifyDeposit)).Methods(http.MethodPost)
	v1.Handle("/wallet/deposits",
		s.authed(middleware.CategoryRead, s.handleDeposits)).Methods(http.MethodGet)
	v1.Handle("/wallet/withdrawals",
		s.authed(middleware.CategoryWrite, s.handleWithdrawalRequest)).Methods(http.MethodPost)
	v1.Handle("/wallet/withdrawals",
		s.authed(middleware.CategoryRead, s.handleWithdrawals)).Methods(http.MethodGet)

	return r
}

// authed applies signature auth then the per-agent rate bucket.
func (s *Server) authed(cat middleware.Category, h http.HandlerFunc) http.Handler {
	return s.auth.Require(s.limiter.Limit(cat, h))
}

// open applies only the per-IP rate bucket.
func (s *Server) open(cat middleware.Category, h http.HandlerFunc) http.Handler {
	return s.limiter.Limit(cat, h)
}

// instrument records request durations against the matched route
// template, not the raw path, to keep the label space bounded.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if s.metrics == nil {
			return
		}
		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		s.metrics.RequestDuration.
			WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{"database": "ok", "kv": "ok"}
	healthy := true
	if err := s.db.Ping(ctx); err != nil {
		checks["database"] = err.Error()
		healthy = false
	}
	if s.kv != nil {
		if err := s.kv.Ping(ctx); err != nil {
			checks["kv"] = err.Error()
			healthy = false
		}
	} else {
		checks["kv"] = "not configured"
	}

	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": checks})
}

func (s *Server) handleFees(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.fees.CurrentSchedule())
}
