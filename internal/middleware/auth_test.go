package middleware

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agoranet/marketplace/internal/config"
	"github.com/agoranet/marketplace/internal/core"
	"github.com/agoranet/marketplace/internal/crypto"
	"github.com/agoranet/marketplace/internal/database"
)

type fakeNonces struct {
	seen map[string]bool
	err  error
}

func (n *fakeNonces) ReserveNonce(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	if n.err != nil {
		return false, n.err
	}
	if n.seen == nil {
		n.seen = map[string]bool{}
	}
	if n.seen[nonce] {
		return false, nil
	}
	n.seen[nonce] = true
	return true, nil
}

type authFixture struct {
	auth    *Auth
	store   *database.Memory
	nonces  *fakeNonces
	agentID uuid.UUID
	privKey string
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	pub, priv, err := crypto.GenerateKeypair()
	require.NoError(t, err)

	f := &authFixture{
		store:   database.NewMemory(),
		nonces:  &fakeNonces{},
		agentID: uuid.New(),
		privKey: priv,
	}
	err = f.store.Transact(context.Background(), func(tx database.Tx) error {
		return tx.CreateAgent(context.Background(), &core.Agent{
			AgentID:   f.agentID,
			PublicKey: pub,
			Status:    core.AgentActive,
			Balance:   decimal.Zero,
		})
	})
	require.NoError(t, err)

	cfg := config.AuthConfig{SignatureMaxAgeSeconds: 30, NonceTTLSeconds: 60}
	f.auth = NewAuth(f.store, f.nonces, cfg, nil)
	return f
}

func (f *authFixture) signedRequest(t *testing.T, method, path string, body []byte) *http.Request {
	t.Helper()
	timestamp := time.Now().UTC().Format(time.RFC3339)
	message := crypto.BuildSignatureMessage(timestamp, method, path, body)
	sig, err := crypto.Sign(f.privKey, message)
	require.NoError(t, err)

	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Authorization", "AgentSig "+f.agentID.String()+":"+sig)
	req.Header.Set("X-Timestamp", timestamp)
	return req
}

func serveAuth(f *authFixture, req *http.Request) (*httptest.ResponseRecorder, *core.Agent) {
	var seen *core.Agent
	handler := f.auth.Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a, ok := AgentFrom(r.Context()); ok {
			seen = a
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, seen
}

func TestAuthAcceptsValidSignature(t *testing.T) {
	f := newAuthFixture(t)
	body := []byte(`{"hello": "world"}`)
	rec, seen := serveAuth(f, f.signedRequest(t, http.MethodPost, "/v1/jobs", body))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, f.agentID, seen.AgentID)
}

func TestAuthRestoresBodyForHandler(t *testing.T) {
	f := newAuthFixture(t)
	body := []byte(`{"hello": "world"}`)
	req := f.signedRequest(t, http.MethodPost, "/v1/jobs", body)

	var got []byte
	handler := f.auth.Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := new(bytes.Buffer)
		buf.ReadFrom(r.Body)
		got = buf.Bytes()
	}))
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, body, got)
}

func TestAuthUniformFailures(t *testing.T) {
	f := newAuthFixture(t)

	cases := map[string]func(t *testing.T) *http.Request{
		"no header": func(t *testing.T) *http.Request {
			return httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
		},
		"wrong scheme": func(t *testing.T) *http.Request {
			req := f.signedRequest(t, http.MethodGet, "/v1/jobs", nil)
			req.Header.Set("Authorization", "Bearer nope")
			return req
		},
		"stale timestamp": func(t *testing.T) *http.Request {
			req := f.signedRequest(t, http.MethodGet, "/v1/jobs", nil)
			req.Header.Set("X-Timestamp", time.Now().UTC().Add(-5*time.Minute).Format(time.RFC3339))
			return req
		},
		"no zone in timestamp": func(t *testing.T) *http.Request {
			req := f.signedRequest(t, http.MethodGet, "/v1/jobs", nil)
			req.Header.Set("X-Timestamp", time.Now().UTC().Format("2006-01-02T15:04:05"))
			return req
		},
		"tampered body": func(t *testing.T) *http.Request {
			req := f.signedRequest(t, http.MethodPost, "/v1/jobs", []byte(`{"a":1}`))
			req.Body = httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(`{"a":2}`)).Body
			return req
		},
		"wrong path": func(t *testing.T) *http.Request {
			req := f.signedRequest(t, http.MethodGet, "/v1/jobs", nil)
			req.URL.Path = "/v1/agents"
			return req
		},
		"unknown agent": func(t *testing.T) *http.Request {
			req := f.signedRequest(t, http.MethodGet, "/v1/jobs", nil)
			req.Header.Set("Authorization", "AgentSig "+uuid.NewString()+":deadbeef")
			return req
		},
	}
	for name, build := range cases {
		rec, seen := serveAuth(f, build(t))
		assert.Equal(t, http.StatusForbidden, rec.Code, name)
		assert.Contains(t, rec.Body.String(), "authentication failed", name)
		assert.Nil(t, seen, name)
	}
}

func TestAuthRejectsInactiveAgent(t *testing.T) {
	f := newAuthFixture(t)
	err := f.store.Transact(context.Background(), func(tx database.Tx) error {
		a, err := tx.AgentForUpdate(context.Background(), f.agentID)
		if err != nil {
			return err
		}
		a.Status = core.AgentSuspended
		return tx.UpdateAgentProfile(context.Background(), a)
	})
	require.NoError(t, err)

	rec, _ := serveAuth(f, f.signedRequest(t, http.MethodGet, "/v1/jobs", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAuthNonceReplay(t *testing.T) {
	f := newAuthFixture(t)

	first := f.signedRequest(t, http.MethodGet, "/v1/jobs", nil)
	first.Header.Set("X-Nonce", "n-1")
	rec, _ := serveAuth(f, first)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	replay := f.signedRequest(t, http.MethodGet, "/v1/jobs", nil)
	replay.Header.Set("X-Nonce", "n-1")
	rec, _ = serveAuth(f, replay)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
