package middleware

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agoranet/marketplace/internal/config"
	"github.com/agoranet/marketplace/internal/infra"
	"github.com/agoranet/marketplace/internal/metrics"
)

// Category names one rate-limit bucket family.
type Category string

const (
	CategoryDiscovery    Category = "discovery"
	CategoryRead         Category = "read"
	CategoryWrite        Category = "write"
	CategoryJobLifecycle Category = "job_lifecycle"
	CategoryRegistration Category = "registration"
	CategoryUnauth       Category = "unauth"
)

// TokenTaker consumes rate-limit tokens. The Redis adapter implements
// it.
type TokenTaker interface {
	TakeToken(ctx context.Context, key string, capacity, refillPerMin int) (infra.RateLimitResult, error)
}

// RateLimiter applies per-principal token buckets. Authenticated
// requests key by agent id; anonymous ones by client IP (left-most
// X-Forwarded-For, else the peer address). On a KV outage safe reads
// fail open and writes fail closed.
type RateLimiter struct {
	kv      TokenTaker
	rates   config.RatesConfig
	metrics *metrics.Metrics
	logger  *log.Logger
}

// NewRateLimiter wires the limiter. A nil kv disables limiting.
func NewRateLimiter(kv TokenTaker, rates config.RatesConfig, m *metrics.Metrics) *RateLimiter {
	return &RateLimiter{
		kv:      kv,
		rates:   rates,
		metrics: m,
		logger:  log.New(log.Writer(), "[RATELIMIT] ", log.LstdFlags),
	}
}

// Limit wraps a handler with the bucket for the given category.
func (l *RateLimiter) Limit(category Category, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.kv == nil {
			next.ServeHTTP(w, r)
			return
		}
		bucket := l.bucket(category)
		key := "rl:" + string(category) + ":" + principal(r)

		res, err := l.kv.TakeToken(r.Context(), key, bucket.Capacity, bucket.RefillPerMin)
		if err != nil {
			l.logger.Printf("token bucket unavailable: %v", err)
			if idempotent(r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			denyUnavailable(w)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(bucket.Capacity))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(res.RetryAfter).Unix(), 10))
		if !res.Allowed {
			if l.metrics != nil {
				l.metrics.RateLimitDenied.WithLabelValues(string(category)).Inc()
			}
			seconds := int(res.RetryAfter.Round(time.Second) / time.Second)
			if seconds < 1 {
				seconds = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *RateLimiter) bucket(category Category) config.Bucket {
	switch category {
	case CategoryDiscovery:
		return l.rates.Discovery
	case CategoryRead:
		return l.rates.Read
	case CategoryWrite:
		return l.rates.Write
	case CategoryJobLifecycle:
		return l.rates.JobLifecycle
	case CategoryRegistration:
		return l.rates.Registration
	}
	return l.rates.Unauth
}

// principal identifies the bucket owner for one request.
func principal(r *http.Request) string {
	if agent, ok := AgentFrom(r.Context()); ok {
		return agent.AgentID.String()
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func idempotent(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

func denyUnavailable(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(map[string]string{"error": "service temporarily unavailable"})
}
