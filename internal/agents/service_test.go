package agents

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agoranet/marketplace/internal/config"
	"github.com/agoranet/marketplace/internal/core"
	"github.com/agoranet/marketplace/internal/crypto"
	"github.com/agoranet/marketplace/internal/database"
	"github.com/agoranet/marketplace/internal/identity"
)

const testCard = `{
	"name": "ocr-bot",
	"url": "https://example.org",
	"version": "1.0.0",
	"skills": [
		{"id": "ocr", "tags": ["ocr", "vision"]},
		{"id": "translate", "tags": ["translation"]}
	]
}`

type fakeProvider struct {
	profile *identity.Profile
	err     error
}

func (p *fakeProvider) VerifyToken(ctx context.Context, token string) (*identity.Profile, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.profile, nil
}

type fakeSweeper struct {
	swept []uuid.UUID
}

func (s *fakeSweeper) AbandonForAgent(ctx context.Context, agentID uuid.UUID) (int, error) {
	s.swept = append(s.swept, agentID)
	return 1, nil
}

type fixture struct {
	svc      *Service
	store    *database.Memory
	provider *fakeProvider
	sweeper  *fakeSweeper
	cardSrv  *httptest.Server
	cardBody string
	cardCode int
}

func newFixture(t *testing.T, cfg config.IdentityConfig) *fixture {
	t.Helper()
	f := &fixture{
		store:    database.NewMemory(),
		provider: &fakeProvider{},
		sweeper:  &fakeSweeper{},
		cardBody: testCard,
		cardCode: http.StatusOK,
	}
	f.cardSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/agent.json" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(f.cardCode)
		w.Write([]byte(f.cardBody))
	}))
	t.Cleanup(f.cardSrv.Close)

	// Private endpoints allowed so the httptest server passes URL policy.
	f.svc = NewService(f.store, NewCardFetcher(), f.provider, f.sweeper, cfg, true)
	return f
}

func registration(t *testing.T, f *fixture) RegisterInput {
	t.Helper()
	pub, _, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	return RegisterInput{
		PublicKey:   pub,
		DisplayName: "ocr-bot",
		EndpointURL: f.cardSrv.URL,
	}
}

func TestRegisterFetchesCard(t *testing.T) {
	f := newFixture(t, config.IdentityConfig{})
	agent, err := f.svc.Register(context.Background(), registration(t, f))
	require.NoError(t, err)

	assert.Equal(t, core.AgentActive, agent.Status)
	assert.Equal(t, []string{"ocr", "translation", "vision"}, agent.Capabilities)
	assert.Len(t, agent.WebhookSecret, 64)
	assert.True(t, agent.Balance.IsZero())
	assert.JSONEq(t, testCard, string(agent.AgentCard))

	card, err := f.svc.Card(context.Background(), agent.AgentID)
	require.NoError(t, err)
	assert.JSONEq(t, testCard, string(card))
}

func TestRegisterDuplicateKey(t *testing.T) {
	f := newFixture(t, config.IdentityConfig{})
	in := registration(t, f)
	_, err := f.svc.Register(context.Background(), in)
	require.NoError(t, err)

	in.DisplayName = "impostor"
	_, err = f.svc.Register(context.Background(), in)
	assert.Equal(t, core.KindConflict, core.KindOf(err))
}

func TestRegisterCardUnavailable(t *testing.T) {
	f := newFixture(t, config.IdentityConfig{})
	f.cardCode = http.StatusBadGateway

	// Without declared capabilities the card failure is fatal.
	_, err := f.svc.Register(context.Background(), registration(t, f))
	assert.Equal(t, core.KindSchema, core.KindOf(err))

	// Declared capabilities keep the registration alive.
	in := registration(t, f)
	in.Capabilities = []string{"ocr"}
	agent, err := f.svc.Register(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, []string{"ocr"}, agent.Capabilities)
	assert.Empty(t, agent.AgentCard)
}

func TestRegisterWithIdentity(t *testing.T) {
	f := newFixture(t, config.IdentityConfig{})
	f.provider.profile = &identity.Profile{
		ID: "mb-123", Username: "ocrbot", Karma: 42, Verified: true,
	}

	in := registration(t, f)
	in.IdentityToken = "token-1"
	agent, err := f.svc.Register(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "mb-123", agent.IdentityID)
	assert.Equal(t, "ocrbot", agent.IdentityUsername)
	assert.True(t, agent.IdentityVerified)

	// The same identity cannot back a second agent.
	other := registration(t, f)
	other.IdentityToken = "token-1"
	_, err = f.svc.Register(context.Background(), other)
	assert.Equal(t, core.KindConflict, core.KindOf(err))
}

func TestRegisterIdentityRequired(t *testing.T) {
	f := newFixture(t, config.IdentityConfig{Required: true})
	_, err := f.svc.Register(context.Background(), registration(t, f))
	assert.Equal(t, core.KindValidation, core.KindOf(err))
}

func TestRegisterRejectsBadInput(t *testing.T) {
	f := newFixture(t, config.IdentityConfig{})
	base := registration(t, f)

	cases := map[string]func(in *RegisterInput){
		"bad key":       func(in *RegisterInput) { in.PublicKey = "nothex" },
		"no name":       func(in *RegisterInput) { in.DisplayName = "  " },
		"bad endpoint":  func(in *RegisterInput) { in.EndpointURL = "ftp://example.org" },
		"bad tag":       func(in *RegisterInput) { in.Capabilities = []string{"bad tag!"} },
		"http endpoint": func(in *RegisterInput) { in.EndpointURL = "http://example.org" },
	}
	for name, mutate := range cases {
		in := base
		mutate(&in)
		svc := NewService(f.store, nil, nil, nil, config.IdentityConfig{}, false)
		_, err := svc.Register(context.Background(), in)
		require.Error(t, err, name)
		assert.Equal(t, core.KindValidation, core.KindOf(err), name)
	}
}

func TestUpdateRefetchesCard(t *testing.T) {
	f := newFixture(t, config.IdentityConfig{})
	agent, err := f.svc.Register(context.Background(), registration(t, f))
	require.NoError(t, err)

	f.cardBody = `{
		"name": "ocr-bot", "url": "https://example.org", "version": "2.0.0",
		"skills": [{"id": "ocr", "tags": ["ocr-v2"]}]
	}`
	endpoint := f.cardSrv.URL
	updated, err := f.svc.Update(context.Background(), agent.AgentID, UpdateInput{EndpointURL: &endpoint})
	require.NoError(t, err)
	assert.Equal(t, []string{"ocr-v2"}, updated.Capabilities)
}

func TestDeactivateSweepsJobs(t *testing.T) {
	f := newFixture(t, config.IdentityConfig{})
	agent, err := f.svc.Register(context.Background(), registration(t, f))
	require.NoError(t, err)

	require.NoError(t, f.svc.Deactivate(context.Background(), agent.AgentID))
	assert.Equal(t, []uuid.UUID{agent.AgentID}, f.sweeper.swept)

	got, err := f.svc.Get(context.Background(), agent.AgentID)
	require.NoError(t, err)
	assert.Equal(t, core.AgentDeactivated, got.Status)

	// Deactivated agents cannot be edited.
	name := "back again"
	_, err = f.svc.Update(context.Background(), agent.AgentID, UpdateInput{DisplayName: &name})
	assert.Equal(t, core.KindConflict, core.KindOf(err))
}

func TestParseCard(t *testing.T) {
	caps, err := parseCard([]byte(testCard))
	require.NoError(t, err)
	assert.Equal(t, []string{"ocr", "translation", "vision"}, caps)

	bad := map[string]string{
		"not json":       `nope`,
		"missing fields": `{"name": "x"}`,
		"skills scalar":  `{"name": "x", "url": "u", "version": "1", "skills": 5}`,
		"skill no id":    `{"name": "x", "url": "u", "version": "1", "skills": [{"tags": ["a"]}]}`,
		"url not string": `{"name": "x", "url": 1, "version": "1", "skills": []}`,
	}
	for name, raw := range bad {
		_, err := parseCard([]byte(raw))
		require.Error(t, err, name)
		assert.Equal(t, core.KindSchema, core.KindOf(err), name)
	}
}
