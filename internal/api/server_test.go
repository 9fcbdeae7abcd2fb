package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agoranet/marketplace/internal/agents"
	"github.com/agoranet/marketplace/internal/config"
	"github.com/agoranet/marketplace/internal/core"
	"github.com/agoranet/marketplace/internal/crypto"
	"github.com/agoranet/marketplace/internal/database"
	"github.com/agoranet/marketplace/internal/escrow"
	"github.com/agoranet/marketplace/internal/fees"
	"github.com/agoranet/marketplace/internal/jobs"
	"github.com/agoranet/marketplace/internal/listings"
	"github.com/agoranet/marketplace/internal/metrics"
	"github.com/agoranet/marketplace/internal/middleware"
	"github.com/agoranet/marketplace/internal/reputation"
	"github.com/agoranet/marketplace/internal/verify"
	"github.com/agoranet/marketplace/internal/wallet"
)

type apiFixture struct {
	srv   *Server
	store *database.Memory
	keys  map[uuid.UUID]string // agent id -> private key hex
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	feeEngine, err := fees.NewEngine(config.FeesConfig{
		BaseFeePercent: "1.0", ClientShare: "0.5", SellerShare: "0.5",
		MinimumFee: "0.01", VerifyPerCPUSecond: "0.01", VerifyMinimum: "0.05",
		StoragePerKB: "0.001", StorageMinimum: "0.01",
		WithdrawalFlatFee: "1.00", MinWithdrawal: "5.00", MaxWithdrawal: "10000.00",
	})
	require.NoError(t, err)

	m := metrics.New()
	store := database.NewMemory()
	verifier := verify.NewEngine(config.VerifyConfig{
		TestTimeoutSeconds: 60, SuiteTimeoutSeconds: 300,
	}, nil, m)
	jobSvc := jobs.NewService(store, escrow.NewEngine(feeEngine, m), verifier,
		nil, nil, nil,
		config.JobsConfig{DefaultMaxRounds: 5, MaxCriteriaBytes: 64 << 10, MaxResultBytes: 1 << 20}, m)
	agentSvc := agents.NewService(store, nil, nil, jobSvc, config.IdentityConfig{}, true)
	walletSvc, err := wallet.NewService(store, nil, feeEngine, bytes.Repeat([]byte{9}, 32),
		config.ChainConfig{Confirmations: 12, MinDeposit: "1.00"}, m)
	require.NoError(t, err)

	srv := NewServer(Deps{
		Config:     config.ServerConfig{MaxBodyBytes: 1 << 20},
		Agents:     agentSvc,
		Listings:   listings.NewService(store),
		Jobs:       jobSvc,
		Reputation: reputation.NewService(store, nil),
		Wallet:     walletSvc,
		Fees:       feeEngine,
		DB:         store,
		Auth: middleware.NewAuth(store, nil,
			config.AuthConfig{SignatureMaxAgeSeconds: 30, NonceTTLSeconds: 60}, m),
		Limiter: middleware.NewRateLimiter(nil, config.RatesConfig{}, m),
		Metrics: m,
	})
	return &apiFixture{srv: srv, store: store, keys: map[uuid.UUID]string{}}
}

// register creates an agent through the public endpoint and remembers
// its private key for signing later requests.
func (f *apiFixture) register(t *testing.T, name string) uuid.UUID {
	t.Helper()
	public, private, err := crypto.GenerateKeypair()
	require.NoError(t, err)

	rec := f.unsigned(t, http.MethodPost, "/api/v1/agents/register", map[string]any{
		"public_key":   public,
		"display_name": name,
		"endpoint_url": "https://" + name + ".example.com",
		"capabilities": []string{"ocr"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var out struct {
		Agent struct {
			AgentID uuid.UUID `json:"agent_id"`
		} `json:"agent"`
		WebhookSecret string `json:"webhook_secret"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.NotEmpty(t, out.WebhookSecret)
	f.keys[out.Agent.AgentID] = private
	return out.Agent.AgentID
}

func (f *apiFixture) unsigned(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

// do sends a signed request as the given agent. The query string is not
// part of the signed message; only the path is.
func (f *apiFixture) do(t *testing.T, agentID uuid.UUID, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	ts := time.Now().UTC().Format(time.RFC3339)
	sig, err := crypto.Sign(f.keys[agentID],
		crypto.BuildSignatureMessage(ts, method, req.URL.Path, raw))
	require.NoError(t, err)
	req.Header.Set("Authorization", fmt.Sprintf("AgentSig %s:%s", agentID, sig))
	req.Header.Set("X-Timestamp", ts)
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) credit(t *testing.T, agentID uuid.UUID, amount string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.Transact(ctx, func(tx database.Tx) error {
		return tx.UpdateAgentBalance(ctx, agentID, decimal.RequireFromString(amount))
	}))
}

func TestRegisterAndProfile(t *testing.T) {
	f := newAPIFixture(t)
	alice := f.register(t, "alice")
	bob := f.register(t, "bob")

	rec := f.do(t, bob, http.MethodGet, "/api/v1/agents/"+alice.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var profile core.Agent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &profile))
	assert.Equal(t, "alice", profile.DisplayName)
	assert.NotContains(t, rec.Body.String(), "webhook_secret")

	rec = f.do(t, alice, http.MethodPatch, "/api/v1/agents/me", map[string]any{
		"display_name": "alice-v2",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &profile))
	assert.Equal(t, "alice-v2", profile.DisplayName)
}

func TestRegisterRejections(t *testing.T) {
	f := newAPIFixture(t)
	public, _, err := crypto.GenerateKeypair()
	require.NoError(t, err)

	rec := f.unsigned(t, http.MethodPost, "/api/v1/agents/register", map[string]any{
		"public_key":   "not-hex",
		"display_name": "x",
		"endpoint_url": "https://x.example.com",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body := map[string]any{
		"public_key":   public,
		"display_name": "x",
		"endpoint_url": "https://x.example.com",
	}
	rec = f.unsigned(t, http.MethodPost, "/api/v1/agents/register", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = f.unsigned(t, http.MethodPost, "/api/v1/agents/register", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAuthRequiredOnProtectedRoutes(t *testing.T) {
	f := newAPIFixture(t)
	alice := f.register(t, "alice")

	rec := f.unsigned(t, http.MethodGet, "/api/v1/agents/"+alice.String(), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "authentication failed")
}

func TestListingAndDiscovery(t *testing.T) {
	f := newAPIFixture(t)
	seller := f.register(t, "seller")
	client := f.register(t, "client")

	rec := f.do(t, seller, http.MethodPost, "/api/v1/listings", map[string]any{
		"skill_id":    "ocr",
		"description": "document OCR",
		"price_model": "per_call",
		"base_price":  "2.50",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var listing core.Listing
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.Equal(t, core.ListingActive, listing.Status)

	rec = f.do(t, client, http.MethodGet, "/api/v1/discover?skill_id=ocr", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var found struct {
		Listings []core.Listing `json:"listings"`
		Count    int            `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &found))
	require.Equal(t, 1, found.Count)
	assert.Equal(t, listing.ListingID, found.Listings[0].ListingID)

	rec = f.do(t, client, http.MethodGet, "/api/v1/discover?max_price=nope", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, seller, http.MethodDelete, "/api/v1/listings/"+listing.ListingID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, client, http.MethodGet, "/api/v1/discover?skill_id=ocr", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &found))
	assert.Zero(t, found.Count)
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	client := f.register(t, "client")
	seller := f.register(t, "seller")
	f.credit(t, client, "100.00")

	rec := f.do(t, client, http.MethodPost, "/api/v1/jobs", map[string]any{
		"seller_agent_id": seller.String(),
		"requirements":    map[string]any{"pages": 3},
		"proposed_price":  "10.00",
		"message":         "three pages please",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		JobID uuid.UUID `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	jobPath := "/api/v1/jobs/" + created.JobID.String()

	for _, step := range []struct {
		actor uuid.UUID
		verb  string
		body  any
	}{
		{seller, "accept", map[string]any{}},
		{client, "fund", nil},
		{seller, "start", nil},
		{seller, "deliver", map[string]any{"result": map[string]any{"text": "done"}}},
		{client, "verify", nil},
	} {
		rec := f.do(t, step.actor, http.MethodPost, jobPath+"/"+step.verb, step.body)
		require.Equal(t, http.StatusOK, rec.Code, "%s: %s", step.verb, rec.Body.String())
	}

	rec = f.do(t, client, http.MethodGet, jobPath, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view struct {
		Status core.JobStatus  `json:"status"`
		Result json.RawMessage `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, core.JobCompleted, view.Status)
	assert.Contains(t, string(view.Result), "done")

	// A stranger sees the job but never the deliverable.
	stranger := f.register(t, "stranger")
	rec = f.do(t, stranger, http.MethodGet, jobPath, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view.Result = nil // Unmarshal leaves absent fields untouched
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Empty(t, view.Result)
}

func TestReviewAfterCompletion(t *testing.T) {
	f := newAPIFixture(t)
	client := f.register(t, "client")
	seller := f.register(t, "seller")
	f.credit(t, client, "100.00")

	rec := f.do(t, client, http.MethodPost, "/api/v1/jobs", map[string]any{
		"seller_agent_id": seller.String(),
		"proposed_price":  "10.00",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		JobID uuid.UUID `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	jobPath := "/api/v1/jobs/" + created.JobID.String()
	for _, step := range []struct {
		actor uuid.UUID
		verb  string
		body  any
	}{
		{seller, "accept", map[string]any{}},
		{client, "fund", nil},
		{seller, "start", nil},
		{seller, "deliver", map[string]any{"result": map[string]any{"ok": true}}},
		{client, "complete", nil},
	} {
		rec := f.do(t, step.actor, http.MethodPost, jobPath+"/"+step.verb, step.body)
		require.Equal(t, http.StatusOK, rec.Code, "%s: %s", step.verb, rec.Body.String())
	}

	rec = f.do(t, client, http.MethodPost, jobPath+"/reviews", map[string]any{
		"rating": 5, "tags": []string{"fast"}, "comment": "great work",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, client, http.MethodGet, "/api/v1/agents/"+seller.String()+"/reputation", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summary struct {
		SellerDisplay string `json:"reputation_as_seller_display"`
		TotalAsSeller int    `json:"total_reviews_as_seller"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, "new", summary.SellerDisplay)
	assert.Equal(t, 1, summary.TotalAsSeller)
}

func TestWalletEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	alice := f.register(t, "alice")
	f.credit(t, alice, "50.00")

	rec := f.do(t, alice, http.MethodGet, "/api/v1/wallet/deposit-address", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var addr core.DepositAddress
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &addr))
	assert.NotEmpty(t, addr.Address)

	rec = f.do(t, alice, http.MethodPost, "/api/v1/wallet/withdrawals", map[string]any{
		"amount":              "20.00",
		"destination_address": "0x00000000000000000000000000000000000000cc",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var w core.WithdrawalRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &w))
	assert.Equal(t, core.WithdrawalPending, w.Status)

	rec = f.do(t, alice, http.MethodGet, "/api/v1/agents/me/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"balance":"30.00"`)

	rec = f.do(t, alice, http.MethodGet, "/api/v1/wallet/withdrawals", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)

	// Chain access is not configured in this fixture.
	rec = f.do(t, alice, http.MethodPost, "/api/v1/wallet/deposits/notify", map[string]any{
		"tx_hash": "0x" + "11" + fmt.Sprintf("%062x", 0),
	})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestFeesAndHealthArePublic(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.unsigned(t, http.MethodGet, "/api/v1/fees", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "base_fee_percent")

	rec = f.unsigned(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestErrorShape(t *testing.T) {
	f := newAPIFixture(t)
	alice := f.register(t, "alice")

	rec := f.do(t, alice, http.MethodGet, "/api/v1/agents/"+uuid.NewString(), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not_found", body.Code)
	assert.NotEmpty(t, body.Error)
}
