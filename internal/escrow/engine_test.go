package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agoranet/marketplace/internal/config"
	"github.com/agoranet/marketplace/internal/core"
	"github.com/agoranet/marketplace/internal/database"
	"github.com/agoranet/marketplace/internal/fees"
	"github.com/agoranet/marketplace/internal/metrics"
)

type fixture struct {
	engine *Engine
	store  *database.Memory
	client *core.Agent
	seller *core.Agent
	job    *core.Job
}

func newFixture(t *testing.T, clientBalance, price string) *fixture {
	t.Helper()
	feeCfg := config.FeesConfig{
		BaseFeePercent: "1.0", ClientShare: "0.5", SellerShare: "0.5",
		MinimumFee: "0.01", VerifyPerCPUSecond: "0.01", VerifyMinimum: "0.05",
		StoragePerKB: "0.001", StorageMinimum: "0.01",
		WithdrawalFlatFee: "1.00", MinWithdrawal: "5.00", MaxWithdrawal: "10000.00",
	}
	feeEngine, err := fees.NewEngine(feeCfg)
	require.NoError(t, err)

	f := &fixture{
		engine: NewEngine(feeEngine, metrics.New()),
		store:  database.NewMemory(),
	}
	f.client = &core.Agent{
		AgentID: uuid.New(), PublicKey: "client-key", DisplayName: "client",
		Balance: decimal.RequireFromString(clientBalance), Status: core.AgentActive,
	}
	f.seller = &core.Agent{
		AgentID: uuid.New(), PublicKey: "seller-key", DisplayName: "seller",
		Balance: decimal.Zero, Status: core.AgentActive,
	}
	f.job = &core.Job{
		JobID:         uuid.New(),
		ClientAgentID: f.client.AgentID,
		SellerAgentID: f.seller.AgentID,
		Status:        core.JobAgreed,
		AgreedPrice:   decimal.RequireFromString(price),
	}
	ctx := context.Background()
	require.NoError(t, f.store.Transact(ctx, func(tx database.Tx) error {
		if err := tx.CreateAgent(ctx, f.client); err != nil {
			return err
		}
		if err := tx.CreateAgent(ctx, f.seller); err != nil {
			return err
		}
		return tx.CreateJob(ctx, f.job)
	}))
	return f
}

func (f *fixture) balance(t *testing.T, id uuid.UUID) decimal.Decimal {
	t.Helper()
	var out decimal.Decimal
	ctx := context.Background()
	require.NoError(t, f.store.View(ctx, func(tx database.Tx) error {
		a, err := tx.AgentByID(ctx, id)
		if err != nil {
			return err
		}
		out = a.Balance
		return nil
	}))
	return out
}

func (f *fixture) fund(t *testing.T) *core.EscrowAccount {
	t.Helper()
	ctx := context.Background()
	var account *core.EscrowAccount
	require.NoError(t, f.store.Transact(ctx, func(tx database.Tx) error {
		var err error
		account, err = f.engine.Fund(ctx, tx, f.job, f.client.AgentID)
		return err
	}))
	return account
}

func TestFundLocksClientFunds(t *testing.T) {
	f := newFixture(t, "150.00", "100.00")
	account := f.fund(t)

	assert.Equal(t, core.EscrowFunded, account.Status)
	assert.True(t, f.balance(t, f.client.AgentID).Equal(decimal.RequireFromString("50.00")))
	assert.True(t, f.balance(t, f.seller.AgentID).IsZero())

	ctx := context.Background()
	require.NoError(t, f.store.View(ctx, func(tx database.Tx) error {
		trail, err := tx.AuditTrail(ctx, account.EscrowID)
		require.NoError(t, err)
		require.Len(t, trail, 2)
		assert.Equal(t, core.AuditCreated, trail[0].Action)
		assert.Equal(t, core.AuditFunded, trail[1].Action)
		return nil
	}))
}

func TestFundInsufficientBalanceIsConflict(t *testing.T) {
	f := newFixture(t, "99.99", "100.00")
	ctx := context.Background()
	err := f.store.Transact(ctx, func(tx database.Tx) error {
		_, err := f.engine.Fund(ctx, tx, f.job, f.client.AgentID)
		return err
	})
	require.Error(t, err)
	assert.Equal(t, core.KindConflict, core.KindOf(err))
	// Rollback left the balance untouched.
	assert.True(t, f.balance(t, f.client.AgentID).Equal(decimal.RequireFromString("99.99")))
}

func TestFundTwiceIsConflict(t *testing.T) {
	f := newFixture(t, "300.00", "100.00")
	f.fund(t)

	ctx := context.Background()
	err := f.store.Transact(ctx, func(tx database.Tx) error {
		_, err := f.engine.Fund(ctx, tx, f.job, f.client.AgentID)
		return err
	})
	require.Error(t, err)
	assert.Equal(t, core.KindConflict, core.KindOf(err))
	// Only one debit happened.
	assert.True(t, f.balance(t, f.client.AgentID).Equal(decimal.RequireFromString("200.00")))
}

func TestFundBySellerForbidden(t *testing.T) {
	f := newFixture(t, "150.00", "100.00")
	ctx := context.Background()
	err := f.store.Transact(ctx, func(tx database.Tx) error {
		_, err := f.engine.Fund(ctx, tx, f.job, f.seller.AgentID)
		return err
	})
	assert.Equal(t, core.KindForbidden, core.KindOf(err))
}

func TestReleasePaysSellerAndCollectsFee(t *testing.T) {
	f := newFixture(t, "150.00", "100.00")
	f.fund(t)

	ctx := context.Background()
	var res *ReleaseResult
	require.NoError(t, f.store.Transact(ctx, func(tx database.Tx) error {
		var err error
		res, err = f.engine.Release(ctx, tx, f.job, nil)
		return err
	}))

	// 1% of 100 = 1.00, split 0.50/0.50.
	assert.True(t, res.SellerCredit.Equal(decimal.RequireFromString("99.50")))
	assert.True(t, res.ClientDebit.Equal(decimal.RequireFromString("0.50")))
	assert.True(t, f.balance(t, f.seller.AgentID).Equal(decimal.RequireFromString("99.50")))
	assert.True(t, f.balance(t, f.client.AgentID).Equal(decimal.RequireFromString("49.50")))
	assert.Equal(t, core.EscrowReleased, res.Escrow.Status)
}

func TestReleaseTwiceIsConflict(t *testing.T) {
	f := newFixture(t, "150.00", "100.00")
	f.fund(t)
	ctx := context.Background()
	require.NoError(t, f.store.Transact(ctx, func(tx database.Tx) error {
		_, err := f.engine.Release(ctx, tx, f.job, nil)
		return err
	}))

	err := f.store.Transact(ctx, func(tx database.Tx) error {
		_, err := f.engine.Release(ctx, tx, f.job, nil)
		return err
	})
	require.Error(t, err)
	assert.Equal(t, core.KindConflict, core.KindOf(err))
	// No double payout.
	assert.True(t, f.balance(t, f.seller.AgentID).Equal(decimal.RequireFromString("99.50")))
}

func TestReleaseClientShareCappedAtBalance(t *testing.T) {
	f := newFixture(t, "100.00", "100.00")
	f.fund(t)
	// Client has zero left; the fee share cannot go negative.
	ctx := context.Background()
	var res *ReleaseResult
	require.NoError(t, f.store.Transact(ctx, func(tx database.Tx) error {
		var err error
		res, err = f.engine.Release(ctx, tx, f.job, nil)
		return err
	}))
	assert.True(t, res.ClientDebit.IsZero())
	assert.True(t, f.balance(t, f.client.AgentID).IsZero())
}

func TestRefundReturnsAmountMinusClientShare(t *testing.T) {
	f := newFixture(t, "100.00", "100.00")
	f.fund(t)

	// Seller earned credits from elsewhere so the seller share is collectable.
	ctx := context.Background()
	require.NoError(t, f.store.Transact(ctx, func(tx database.Tx) error {
		return tx.UpdateAgentBalance(ctx, f.seller.AgentID, decimal.RequireFromString("10.00"))
	}))

	var res *RefundResult
	require.NoError(t, f.store.Transact(ctx, func(tx database.Tx) error {
		var err error
		res, err = f.engine.Refund(ctx, tx, f.job, nil, "deadline_expired")
		return err
	}))

	assert.True(t, res.ClientCredit.Equal(decimal.RequireFromString("99.50")))
	assert.True(t, res.SellerDebit.Equal(decimal.RequireFromString("0.50")))
	assert.True(t, f.balance(t, f.client.AgentID).Equal(decimal.RequireFromString("99.50")))
	assert.True(t, f.balance(t, f.seller.AgentID).Equal(decimal.RequireFromString("9.50")))
	assert.Equal(t, core.EscrowRefunded, res.Escrow.Status)

	require.NoError(t, f.store.View(ctx, func(tx database.Tx) error {
		trail, err := tx.AuditTrail(ctx, res.Escrow.EscrowID)
		require.NoError(t, err)
		require.Len(t, trail, 3)
		assert.Equal(t, core.AuditRefunded, trail[2].Action)
		assert.Equal(t, "deadline_expired", trail[2].Metadata["reason"])
		return nil
	}))
}

func TestRefundAfterReleaseIsConflict(t *testing.T) {
	f := newFixture(t, "150.00", "100.00")
	f.fund(t)
	ctx := context.Background()
	require.NoError(t, f.store.Transact(ctx, func(tx database.Tx) error {
		_, err := f.engine.Release(ctx, tx, f.job, nil)
		return err
	}))
	err := f.store.Transact(ctx, func(tx database.Tx) error {
		_, err := f.engine.Refund(ctx, tx, f.job, nil, "dispute")
		return err
	})
	assert.Equal(t, core.KindConflict, core.KindOf(err))
}

func TestDisputeFreezesEscrowThenRefundSettles(t *testing.T) {
	f := newFixture(t, "100.00", "100.00")
	f.fund(t)

	ctx := context.Background()
	require.NoError(t, f.store.Transact(ctx, func(tx database.Tx) error {
		_, err := f.engine.Dispute(ctx, tx, f.job, f.client.AgentID)
		return err
	}))

	// Release is blocked while disputed.
	err := f.store.Transact(ctx, func(tx database.Tx) error {
		_, err := f.engine.Release(ctx, tx, f.job, nil)
		return err
	})
	assert.Equal(t, core.KindConflict, core.KindOf(err))

	// A refund ruling settles the disputed escrow.
	require.NoError(t, f.store.Transact(ctx, func(tx database.Tx) error {
		_, err := f.engine.Refund(ctx, tx, f.job, nil, "dispute_ruling")
		return err
	}))
	assert.True(t, f.balance(t, f.client.AgentID).Equal(decimal.RequireFromString("99.50")))
}

func TestChargeVerificationFeeCapped(t *testing.T) {
	f := newFixture(t, "0.03", "100.00")
	ctx := context.Background()
	var charged decimal.Decimal
	require.NoError(t, f.store.Transact(ctx, func(tx database.Tx) error {
		var err error
		charged, err = f.engine.ChargeVerificationFee(ctx, tx, f.client.AgentID, decimal.NewFromInt(2))
		return err
	}))
	assert.True(t, charged.Equal(decimal.RequireFromString("0.03")))
	assert.True(t, f.balance(t, f.client.AgentID).IsZero())
}

func TestChargeStorageFee(t *testing.T) {
	f := newFixture(t, "100.00", "100.00")
	ctx := context.Background()
	require.NoError(t, f.store.Transact(ctx, func(tx database.Tx) error {
		return tx.UpdateAgentBalance(ctx, f.seller.AgentID, decimal.RequireFromString("5.00"))
	}))
	var charged decimal.Decimal
	require.NoError(t, f.store.Transact(ctx, func(tx database.Tx) error {
		var err error
		charged, err = f.engine.ChargeStorageFee(ctx, tx, f.seller.AgentID, 50*1024)
		return err
	}))
	assert.True(t, charged.Equal(decimal.RequireFromString("0.05")), "got %s", charged)
	assert.True(t, f.balance(t, f.seller.AgentID).Equal(decimal.RequireFromString("4.95")))
}

func TestLedgerConservation(t *testing.T) {
	// Fund + release must conserve credits minus collected fees.
	f := newFixture(t, "500.00", "123.45")
	f.fund(t)
	ctx := context.Background()
	var res *ReleaseResult
	require.NoError(t, f.store.Transact(ctx, func(tx database.Tx) error {
		var err error
		res, err = f.engine.Release(ctx, tx, f.job, nil)
		return err
	}))
	total := f.balance(t, f.client.AgentID).Add(f.balance(t, f.seller.AgentID))
	expected := decimal.RequireFromString("500.00").Sub(res.Fee.Total)
	assert.True(t, total.Equal(expected), "total %s, expected %s", total, expected)
}

func TestAuditTimestampsMonotonic(t *testing.T) {
	f := newFixture(t, "150.00", "100.00")
	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	step := 0
	f.engine.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	}
	account := f.fund(t)
	ctx := context.Background()
	require.NoError(t, f.store.View(ctx, func(tx database.Tx) error {
		trail, err := tx.AuditTrail(ctx, account.EscrowID)
		require.NoError(t, err)
		for i := 1; i < len(trail); i++ {
			assert.True(t, !trail[i].Timestamp.Before(trail[i-1].Timestamp))
		}
		return nil
	}))
}
