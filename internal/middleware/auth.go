// Package middleware carries the HTTP cross-cutting layers: signature
// authentication, token-bucket rate limiting, body caps and security
// headers.
package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agoranet/marketplace/internal/config"
	"github.com/agoranet/marketplace/internal/core"
	"github.com/agoranet/marketplace/internal/crypto"
	"github.com/agoranet/marketplace/internal/database"
	"github.com/agoranet/marketplace/internal/metrics"
)

type contextKey int

const agentKey contextKey = iota

// AgentFrom returns the authenticated agent, if the request carried one.
func AgentFrom(ctx context.Context) (*core.Agent, bool) {
	a, ok := ctx.Value(agentKey).(*core.Agent)
	return a, ok
}

// WithAgent attaches an authenticated agent to the context. Exported for
// handler tests.
func WithAgent(ctx context.Context, a *core.Agent) context.Context {
	return context.WithValue(ctx, agentKey, a)
}

// NonceStore replays-checks request nonces. The Redis adapter implements
// it; a nil store disables replay protection.
type NonceStore interface {
	ReserveNonce(ctx context.Context, nonce string, ttl time.Duration) (bool, error)
}

// Auth verifies Ed25519 request signatures. The client signs
// timestamp\nmethod\npath\nsha256(body) and sends
// "Authorization: AgentSig <agent_id>:<signature_hex>" plus an RFC 3339
// X-Timestamp. All failures produce the same 403 so probes cannot tell
// a bad signature from an unknown agent.
type Auth struct {
	db      database.Client
	nonces  NonceStore
	cfg     config.AuthConfig
	metrics *metrics.Metrics
	logger  *log.Logger
	now     func() time.Time
}

// NewAuth wires the signature middleware. nonces may be nil.
func NewAuth(db database.Client, nonces NonceStore, cfg config.AuthConfig, m *metrics.Metrics) *Auth {
	return &Auth{
		db:      db,
		nonces:  nonces,
		cfg:     cfg,
		metrics: m,
		logger:  log.New(log.Writer(), "[AUTH] ", log.LstdFlags),
		now:     time.Now,
	}
}

// Require wraps a handler that only authenticated agents may reach.
func (a *Auth) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent, cause := a.authenticate(r)
		if agent == nil {
			if cause == causeTooLarge {
				denyTooLarge(w)
				return
			}
			if a.metrics != nil {
				a.metrics.AuthFailures.WithLabelValues(cause).Inc()
			}
			denyAuth(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithAgent(r.Context(), agent)))
	})
}

func (a *Auth) authenticate(r *http.Request) (*core.Agent, string) {
	agentID, signature, ok := parseAuthorization(r.Header.Get("Authorization"))
	if !ok {
		return nil, "missing"
	}
	timestamp := r.Header.Get("X-Timestamp")
	if !crypto.TimestampFresh(timestamp, a.now(), a.cfg.SignatureMaxAge()) {
		return nil, "stale"
	}
	if nonce := r.Header.Get("X-Nonce"); nonce != "" && a.nonces != nil {
		fresh, err := a.nonces.ReserveNonce(r.Context(), agentID.String()+":"+nonce, a.cfg.NonceTTL())
		if err != nil {
			a.logger.Printf("nonce check failed: %v", err)
			return nil, "replay"
		}
		if !fresh {
			return nil, "replay"
		}
	}

	body, err := swapBody(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, causeTooLarge
		}
		return nil, "signature"
	}

	var agent *core.Agent
	err = a.db.View(r.Context(), func(tx database.Tx) error {
		found, err := tx.AgentByID(r.Context(), agentID)
		if err != nil {
			return err
		}
		agent = found
		return nil
	})
	if err != nil {
		return nil, "unknown_agent"
	}
	if agent.Status != core.AgentActive {
		return nil, "unknown_agent"
	}

	message := crypto.BuildSignatureMessage(timestamp, r.Method, r.URL.Path, body)
	if !crypto.Verify(agent.PublicKey, message, signature) {
		return nil, "signature"
	}
	return agent, ""
}

// parseAuthorization splits "AgentSig <agent_id>:<signature_hex>".
func parseAuthorization(header string) (uuid.UUID, string, bool) {
	const scheme = "AgentSig "
	if !strings.HasPrefix(header, scheme) {
		return uuid.Nil, "", false
	}
	id, sig, found := strings.Cut(strings.TrimSpace(header[len(scheme):]), ":")
	if !found || sig == "" {
		return uuid.Nil, "", false
	}
	agentID, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, "", false
	}
	return agentID, sig, true
}

// swapBody reads the request body for digesting and replaces it so the
// handler can read it again.
func swapBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// causeTooLarge marks a body that blew the global cap while being read
// for the signature digest; it maps to 413, not an auth failure.
const causeTooLarge = "too_large"

func denyAuth(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	json.NewEncoder(w).Encode(map[string]string{"error": "authentication failed"})
}

func denyTooLarge(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusRequestEntityTooLarge)
	json.NewEncoder(w).Encode(map[string]string{"error": "request body too large"})
}
