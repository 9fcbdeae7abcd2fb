package reputation

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agoranet/marketplace/internal/core"
	"github.com/agoranet/marketplace/internal/database"
)

type sinkRecorder struct {
	events  []string
	targets []uuid.UUID
}

func (r *sinkRecorder) AgentEvent(ctx context.Context, tx database.Tx, target uuid.UUID, event string, jobID *uuid.UUID, data map[string]any) error {
	r.events = append(r.events, event)
	r.targets = append(r.targets, target)
	return nil
}

type fixture struct {
	svc   *Service
	store *database.Memory
	sink  *sinkRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: database.NewMemory(), sink: &sinkRecorder{}}
	f.svc = NewService(f.store, f.sink)
	return f
}

func (f *fixture) newAgent(t *testing.T, name string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	err := f.store.Transact(context.Background(), func(tx database.Tx) error {
		return tx.CreateAgent(context.Background(), &core.Agent{
			AgentID:     id,
			PublicKey:   strings.Repeat(strings.ReplaceAll(id.String(), "-", ""), 2),
			DisplayName: name,
			Status:      core.AgentActive,
			Balance:     decimal.Zero,
		})
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) newJob(t *testing.T, client, seller uuid.UUID, status core.JobStatus) uuid.UUID {
	t.Helper()
	id := uuid.New()
	err := f.store.Transact(context.Background(), func(tx database.Tx) error {
		return tx.CreateJob(context.Background(), &core.Job{
			JobID:         id,
			ClientAgentID: client,
			SellerAgentID: seller,
			Status:        status,
			AgreedPrice:   decimal.New(1000, -2),
			CreatedAt:     time.Now().UTC(),
		})
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) agent(t *testing.T, id uuid.UUID) *core.Agent {
	t.Helper()
	var agent *core.Agent
	err := f.store.View(context.Background(), func(tx database.Tx) error {
		a, err := tx.AgentByID(context.Background(), id)
		agent = a
		return err
	})
	require.NoError(t, err)
	return agent
}

func TestSubmitRecomputesSellerScore(t *testing.T) {
	f := newFixture(t)
	client := f.newAgent(t, "client")
	seller := f.newAgent(t, "seller")
	jobID := f.newJob(t, client, seller, core.JobCompleted)

	review, err := f.svc.Submit(context.Background(), jobID, client, ReviewInput{
		Rating: 5, Tags: []string{"fast"}, Comment: "great work",
	})
	require.NoError(t, err)
	assert.Equal(t, core.ClientOfSeller, review.Role)
	assert.Equal(t, seller, review.RevieweeAgentID)

	// One 5-star review at confidence 1/20.
	assert.Equal(t, "0.25", f.agent(t, seller).ReputationSeller.StringFixed(2))
	assert.Equal(t, []string{"review.created"}, f.sink.events)
	assert.Equal(t, []uuid.UUID{seller}, f.sink.targets)
}

func TestSubmitSellerReviewsClient(t *testing.T) {
	f := newFixture(t)
	client := f.newAgent(t, "client")
	seller := f.newAgent(t, "seller")
	jobID := f.newJob(t, client, seller, core.JobFailed)

	review, err := f.svc.Submit(context.Background(), jobID, seller, ReviewInput{Rating: 2})
	require.NoError(t, err)
	assert.Equal(t, core.SellerOfClient, review.Role)
	assert.Equal(t, client, review.RevieweeAgentID)
	assert.False(t, f.agent(t, client).ReputationClient.IsZero())
	assert.True(t, f.agent(t, client).ReputationSeller.IsZero())
}

func TestSubmitGuards(t *testing.T) {
	f := newFixture(t)
	client := f.newAgent(t, "client")
	seller := f.newAgent(t, "seller")
	stranger := f.newAgent(t, "stranger")
	done := f.newJob(t, client, seller, core.JobCompleted)
	live := f.newJob(t, client, seller, core.JobInProgress)

	_, err := f.svc.Submit(context.Background(), live, client, ReviewInput{Rating: 4})
	assert.Equal(t, core.KindConflict, core.KindOf(err))

	_, err = f.svc.Submit(context.Background(), done, stranger, ReviewInput{Rating: 4})
	assert.Equal(t, core.KindForbidden, core.KindOf(err))

	_, err = f.svc.Submit(context.Background(), done, client, ReviewInput{Rating: 4})
	require.NoError(t, err)
	_, err = f.svc.Submit(context.Background(), done, client, ReviewInput{Rating: 1})
	assert.Equal(t, core.KindConflict, core.KindOf(err))

	// The other party still gets its own review.
	_, err = f.svc.Submit(context.Background(), done, seller, ReviewInput{Rating: 4})
	require.NoError(t, err)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)
	client := f.newAgent(t, "client")
	seller := f.newAgent(t, "seller")
	jobID := f.newJob(t, client, seller, core.JobCompleted)

	cases := map[string]ReviewInput{
		"rating low":   {Rating: 0},
		"rating high":  {Rating: 6},
		"bad tag":      {Rating: 3, Tags: []string{"no spaces!"}},
		"long comment": {Rating: 3, Comment: strings.Repeat("x", 4097)},
	}
	for name, in := range cases {
		_, err := f.svc.Submit(context.Background(), jobID, client, in)
		require.Error(t, err, name)
		assert.Equal(t, core.KindValidation, core.KindOf(err), name)
	}
}

func TestScoreRecencyWeighting(t *testing.T) {
	now := time.Now().UTC()
	var samples []database.ReviewSample
	for i := 0; i < 10; i++ {
		samples = append(samples, database.ReviewSample{Rating: 5, CreatedAt: now.Add(-200 * 24 * time.Hour)})
		samples = append(samples, database.ReviewSample{Rating: 1, CreatedAt: now.Add(-time.Hour)})
	}

	// (10*5*1 + 10*1*2) / (10*1 + 10*2) at full confidence.
	assert.Equal(t, "2.33", Score(samples, now).StringFixed(2))
	assert.True(t, Score(nil, now).IsZero())
}

func TestScoreCap(t *testing.T) {
	now := time.Now().UTC()
	var samples []database.ReviewSample
	for i := 0; i < 25; i++ {
		samples = append(samples, database.ReviewSample{Rating: 5, CreatedAt: now})
	}
	assert.Equal(t, "5.00", Score(samples, now).StringFixed(2))
}

func TestSummarizeNewUntilThreshold(t *testing.T) {
	f := newFixture(t)
	seller := f.newAgent(t, "seller")

	clientA := f.newAgent(t, "client-a")
	jobA := f.newJob(t, clientA, seller, core.JobCompleted)
	_, err := f.svc.Submit(context.Background(), jobA, clientA, ReviewInput{
		Rating: 5, Tags: []string{"fast", "accurate"},
	})
	require.NoError(t, err)

	clientB := f.newAgent(t, "client-b")
	jobB := f.newJob(t, clientB, seller, core.JobResolved)
	_, err = f.svc.Submit(context.Background(), jobB, clientB, ReviewInput{
		Rating: 4, Tags: []string{"fast"},
	})
	require.NoError(t, err)

	sum, err := f.svc.Summarize(context.Background(), seller)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.TotalReviewsAsSeller)
	assert.Equal(t, 0, sum.TotalReviewsAsClient)
	assert.Equal(t, "new", sum.SellerDisplay)
	assert.Equal(t, "new", sum.ClientDisplay)
	assert.Nil(t, sum.ReputationSeller)
	assert.Equal(t, []string{"fast", "accurate"}, sum.TopTags)
}

func TestSummarizeShowsScoreAtThreshold(t *testing.T) {
	f := newFixture(t)
	seller := f.newAgent(t, "seller")
	for i := 0; i < newThreshold; i++ {
		client := f.newAgent(t, fmt.Sprintf("client-%d", i))
		jobID := f.newJob(t, client, seller, core.JobCompleted)
		_, err := f.svc.Submit(context.Background(), jobID, client, ReviewInput{Rating: 5})
		require.NoError(t, err)
	}

	sum, err := f.svc.Summarize(context.Background(), seller)
	require.NoError(t, err)
	assert.Equal(t, newThreshold, sum.TotalReviewsAsSeller)
	assert.Equal(t, "5.00", sum.SellerDisplay)
	require.NotNil(t, sum.ReputationSeller)
	assert.Equal(t, "5.00", sum.ReputationSeller.StringFixed(2))
	assert.Equal(t, "new", sum.ClientDisplay)
}

func TestForAgentNewestFirst(t *testing.T) {
	f := newFixture(t)
	seller := f.newAgent(t, "seller")
	clock := time.Now().UTC().Add(-time.Hour)
	f.svc.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}

	for i := 1; i <= 3; i++ {
		client := f.newAgent(t, fmt.Sprintf("client-%d", i))
		jobID := f.newJob(t, client, seller, core.JobCompleted)
		_, err := f.svc.Submit(context.Background(), jobID, client, ReviewInput{Rating: i})
		require.NoError(t, err)
	}

	reviews, err := f.svc.ForAgent(context.Background(), seller, core.ClientOfSeller, 2)
	require.NoError(t, err)
	require.Len(t, reviews, 2)
	assert.Equal(t, 3, reviews[0].Rating)
	assert.Equal(t, 2, reviews[1].Rating)
}
