package wallet

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
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

var testUSDC = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")

type sentTransfer struct {
	To     common.Address
	Amount *big.Int
	Hash   common.Hash
}

// fakeChain is an in-memory stand-in for an EVM node.
type fakeChain struct {
	receipts map[common.Hash]*types.Receipt
	head     uint64
	sent     []sentTransfer
	sendErr  error
}

func newFakeChain() *fakeChain {
	return &fakeChain{receipts: map[common.Hash]*types.Receipt{}}
}

func (c *fakeChain) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	r, ok := c.receipts[txHash]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	return r, nil
}

func (c *fakeChain) BlockNumber(context.Context) (uint64, error) {
	return c.head, nil
}

func (c *fakeChain) SendUSDC(_ context.Context, to common.Address, amount *big.Int) (common.Hash, error) {
	if c.sendErr != nil {
		return common.Hash{}, c.sendErr
	}
	hash := common.BytesToHash([]byte(fmt.Sprintf("broadcast-%d", len(c.sent))))
	c.sent = append(c.sent, sentTransfer{To: to, Amount: amount, Hash: hash})
	return hash, nil
}

func addrTopic(a common.Address) common.Hash {
	return common.BytesToHash(common.LeftPadBytes(a.Bytes(), 32))
}

func transferReceipt(to common.Address, amount *big.Int, block int64, status uint64) *types.Receipt {
	from := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	return &types.Receipt{
		Status:      status,
		BlockNumber: big.NewInt(block),
		Logs: []*types.Log{{
			Address: testUSDC,
			Topics:  []common.Hash{transferTopic, addrTopic(from), addrTopic(to)},
			Data:    common.LeftPadBytes(amount.Bytes(), 32),
		}},
	}
}

type fixture struct {
	svc   *Service
	chain *fakeChain
	store *database.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	feeEngine, err := fees.NewEngine(config.FeesConfig{
		BaseFeePercent: "1.0", ClientShare: "0.5", SellerShare: "0.5",
		MinimumFee: "0.01", VerifyPerCPUSecond: "0.01", VerifyMinimum: "0.05",
		StoragePerKB: "0.001", StorageMinimum: "0.01",
		WithdrawalFlatFee: "1.00", MinWithdrawal: "5.00", MaxWithdrawal: "10000.00",
	})
	require.NoError(t, err)

	chain := newFakeChain()
	store := database.NewMemory()
	svc, err := NewService(store, chain, feeEngine, bytes.Repeat([]byte{7}, 32), config.ChainConfig{
		USDCContract:  testUSDC.Hex(),
		Confirmations: 12,
		MinDeposit:    "1.00",
	}, metrics.New())
	require.NoError(t, err)
	return &fixture{svc: svc, chain: chain, store: store}
}

func (f *fixture) newAgent(t *testing.T, balance string) *core.Agent {
	t.Helper()
	id := uuid.New()
	agent := &core.Agent{
		AgentID:     id,
		PublicKey:   fmt.Sprintf("%064x", id[:]),
		DisplayName: "agent",
		Status:      core.AgentActive,
		Balance:     decimal.RequireFromString(balance),
	}
	require.NoError(t, f.store.Transact(context.Background(), func(tx database.Tx) error {
		return tx.CreateAgent(context.Background(), agent)
	}))
	return agent
}

func (f *fixture) balance(t *testing.T, id uuid.UUID) decimal.Decimal {
	t.Helper()
	var out decimal.Decimal
	require.NoError(t, f.store.View(context.Background(), func(tx database.Tx) error {
		a, err := tx.AgentByID(context.Background(), id)
		if err != nil {
			return err
		}
		out = a.Balance
		return nil
	}))
	return out
}

func hash(n int) string {
	return fmt.Sprintf("0x%064x", n)
}

func TestDepositAddressStableAndSequential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.newAgent(t, "0")
	second := f.newAgent(t, "0")

	a1, err := f.svc.DepositAddress(ctx, first.AgentID)
	require.NoError(t, err)
	assert.Equal(t, 0, a1.DerivationIndex)

	again, err := f.svc.DepositAddress(ctx, first.AgentID)
	require.NoError(t, err)
	assert.Equal(t, a1.Address, again.Address)
	assert.Equal(t, a1.DepositAddressID, again.DepositAddressID)

	a2, err := f.svc.DepositAddress(ctx, second.AgentID)
	require.NoError(t, err)
	assert.Equal(t, 1, a2.DerivationIndex)
	assert.NotEqual(t, a1.Address, a2.Address)
}

func TestNotifyDepositRecordsConfirming(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.newAgent(t, "0")
	addr, err := f.svc.DepositAddress(ctx, agent.AgentID)
	require.NoError(t, err)

	txHash := hash(1)
	f.chain.receipts[common.HexToHash(txHash)] = transferReceipt(
		common.HexToAddress(addr.Address), big.NewInt(25_500_000), 100, types.ReceiptStatusSuccessful)

	dep, err := f.svc.NotifyDeposit(ctx, agent.AgentID, txHash)
	require.NoError(t, err)
	assert.Equal(t, core.DepositConfirming, dep.Status)
	assert.Equal(t, "25.5", dep.AmountUSDC.String())
	assert.Equal(t, "25.5", dep.AmountCredits.String())
	assert.EqualValues(t, 100, dep.BlockNumber)
	assert.True(t, f.balance(t, agent.AgentID).IsZero(), "no credit before confirmations")

	dup, err := f.svc.NotifyDeposit(ctx, agent.AgentID, txHash)
	require.NoError(t, err)
	assert.Equal(t, dep.DepositTxID, dup.DepositTxID)
}

func TestNotifyDepositRoundsToCredits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.newAgent(t, "0")
	addr, err := f.svc.DepositAddress(ctx, agent.AgentID)
	require.NoError(t, err)

	// Credits are rounded half-up to two decimals.
	for i, tc := range []struct {
		raw     int64
		credits string
	}{
		{10_994_000, "10.99"},
		{10_995_000, "11.00"},
	} {
		f.chain.receipts[common.HexToHash(hash(20+i))] = transferReceipt(
			common.HexToAddress(addr.Address), big.NewInt(tc.raw), 50, types.ReceiptStatusSuccessful)

		dep, err := f.svc.NotifyDeposit(ctx, agent.AgentID, hash(20+i))
		require.NoError(t, err)
		assert.Equal(t, tc.credits, dep.AmountCredits.StringFixed(2))
	}
}

func TestNotifyDepositRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.newAgent(t, "0")
	addr, err := f.svc.DepositAddress(ctx, agent.AgentID)
	require.NoError(t, err)
	deposit := common.HexToAddress(addr.Address)
	other := common.HexToAddress("0x00000000000000000000000000000000000000bb")

	f.chain.receipts[common.HexToHash(hash(10))] = transferReceipt(deposit, big.NewInt(5_000_000), 10, types.ReceiptStatusFailed)
	f.chain.receipts[common.HexToHash(hash(11))] = transferReceipt(other, big.NewInt(5_000_000), 10, types.ReceiptStatusSuccessful)
	f.chain.receipts[common.HexToHash(hash(12))] = transferReceipt(deposit, big.NewInt(990_000), 10, types.ReceiptStatusSuccessful)

	cases := map[string]struct {
		hash string
		kind core.Kind
	}{
		"malformed hash":    {"0x123", core.KindValidation},
		"unknown tx":        {hash(9), core.KindNotFound},
		"reverted tx":       {hash(10), core.KindValidation},
		"wrong destination": {hash(11), core.KindValidation},
		"below minimum":     {hash(12), core.KindValidation},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.NotifyDeposit(ctx, agent.AgentID, tc.hash)
			require.Error(t, err)
			assert.Equal(t, tc.kind, core.KindOf(err))
		})
	}
}

func TestNotifyDepositRequiresAddress(t *testing.T) {
	f := newFixture(t)
	agent := f.newAgent(t, "0")

	_, err := f.svc.NotifyDeposit(context.Background(), agent.AgentID, hash(1))
	require.Error(t, err)
	assert.Equal(t, core.KindNotFound, core.KindOf(err))
}

func TestPollDepositsCreditsAtThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.newAgent(t, "0")
	addr, err := f.svc.DepositAddress(ctx, agent.AgentID)
	require.NoError(t, err)

	f.chain.receipts[common.HexToHash(hash(1))] = transferReceipt(
		common.HexToAddress(addr.Address), big.NewInt(40_000_000), 100, types.ReceiptStatusSuccessful)
	dep, err := f.svc.NotifyDeposit(ctx, agent.AgentID, hash(1))
	require.NoError(t, err)

	f.chain.head = 105 // 5 confirmations, below the 12 threshold
	credited, err := f.svc.PollDeposits(ctx)
	require.NoError(t, err)
	assert.Zero(t, credited)
	assert.True(t, f.balance(t, agent.AgentID).IsZero())

	f.chain.head = 112
	credited, err = f.svc.PollDeposits(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, credited)
	assert.Equal(t, "40.00", f.balance(t, agent.AgentID).StringFixed(2))

	require.NoError(t, f.store.View(ctx, func(tx database.Tx) error {
		row, err := tx.DepositTxByHash(ctx, dep.TxHash)
		require.NoError(t, err)
		assert.Equal(t, core.DepositCredited, row.Status)
		assert.NotNil(t, row.CreditedAt)
		assert.EqualValues(t, 12, row.Confirmations)
		return nil
	}))

	// A second poll must not credit twice.
	f.chain.head = 150
	credited, err = f.svc.PollDeposits(ctx)
	require.NoError(t, err)
	assert.Zero(t, credited)
	assert.Equal(t, "40.00", f.balance(t, agent.AgentID).StringFixed(2))
}

func TestWithdrawalLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.newAgent(t, "100.00")
	dest := "0x00000000000000000000000000000000000000cc"

	w, err := f.svc.RequestWithdrawal(ctx, agent.AgentID, decimal.RequireFromString("50.00"), dest)
	require.NoError(t, err)
	assert.Equal(t, core.WithdrawalPending, w.Status)
	assert.Equal(t, "1.00", w.Fee.StringFixed(2))
	assert.Equal(t, "49.00", w.NetPayout.StringFixed(2))
	assert.Equal(t, "50.00", f.balance(t, agent.AgentID).StringFixed(2), "debit is immediate")

	sent, err := f.svc.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	require.Len(t, f.chain.sent, 1)
	assert.Equal(t, common.HexToAddress(dest), f.chain.sent[0].To)
	assert.Equal(t, big.NewInt(49_000_000), f.chain.sent[0].Amount)

	history, err := f.svc.Withdrawals(ctx, agent.AgentID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, core.WithdrawalProcessing, history[0].Status)
	assert.Equal(t, f.chain.sent[0].Hash.Hex(), history[0].TxHash)

	f.chain.receipts[f.chain.sent[0].Hash] = &types.Receipt{
		Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(200),
	}
	settled, err := f.svc.PollWithdrawals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, settled)

	history, err = f.svc.Withdrawals(ctx, agent.AgentID)
	require.NoError(t, err)
	assert.Equal(t, core.WithdrawalCompleted, history[0].Status)
	assert.NotNil(t, history[0].ProcessedAt)
	assert.Equal(t, "50.00", f.balance(t, agent.AgentID).StringFixed(2), "completed withdrawal stays debited")
}

func TestWithdrawalValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.newAgent(t, "100.00")
	dest := "0x00000000000000000000000000000000000000cc"

	cases := map[string]struct {
		amount string
		dest   string
		kind   core.Kind
	}{
		"bad destination":  {"50.00", "not-an-address", core.KindValidation},
		"below minimum":    {"4.99", dest, core.KindValidation},
		"above maximum":    {"10001.00", dest, core.KindValidation},
		"sub-cent amount":  {"50.001", dest, core.KindValidation},
		"exceeds balance":  {"150.00", dest, core.KindConflict},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.RequestWithdrawal(ctx, agent.AgentID, decimal.RequireFromString(tc.amount), tc.dest)
			require.Error(t, err)
			assert.Equal(t, tc.kind, core.KindOf(err))
		})
	}
	assert.Equal(t, "100.00", f.balance(t, agent.AgentID).StringFixed(2))
}

func TestWithdrawalBroadcastFailureRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.newAgent(t, "100.00")
	f.chain.sendErr = fmt.Errorf("node rejected transaction")

	_, err := f.svc.RequestWithdrawal(ctx, agent.AgentID,
		decimal.RequireFromString("50.00"), "0x00000000000000000000000000000000000000cc")
	require.NoError(t, err)

	sent, err := f.svc.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)

	history, err := f.svc.Withdrawals(ctx, agent.AgentID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, core.WithdrawalFailed, history[0].Status)
	assert.Contains(t, history[0].ErrorMessage, "node rejected")
	assert.Equal(t, "100.00", f.balance(t, agent.AgentID).StringFixed(2), "full amount refunded")
}

func TestWithdrawalRevertRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.newAgent(t, "100.00")

	_, err := f.svc.RequestWithdrawal(ctx, agent.AgentID,
		decimal.RequireFromString("50.00"), "0x00000000000000000000000000000000000000cc")
	require.NoError(t, err)
	_, err = f.svc.ProcessPending(ctx)
	require.NoError(t, err)
	require.Len(t, f.chain.sent, 1)

	f.chain.receipts[f.chain.sent[0].Hash] = &types.Receipt{
		Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(200),
	}
	settled, err := f.svc.PollWithdrawals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, settled)

	history, err := f.svc.Withdrawals(ctx, agent.AgentID)
	require.NoError(t, err)
	assert.Equal(t, core.WithdrawalFailed, history[0].Status)
	assert.Equal(t, "100.00", f.balance(t, agent.AgentID).StringFixed(2))
}

func TestRecoverRequeuesUnbroadcastWithdrawals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.newAgent(t, "100.00")

	w, err := f.svc.RequestWithdrawal(ctx, agent.AgentID,
		decimal.RequireFromString("50.00"), "0x00000000000000000000000000000000000000cc")
	require.NoError(t, err)

	// Simulate a crash between claiming and broadcasting.
	require.NoError(t, f.store.Transact(ctx, func(tx database.Tx) error {
		row, err := tx.WithdrawalForUpdate(ctx, w.WithdrawalID)
		if err != nil {
			return err
		}
		row.Status = core.WithdrawalProcessing
		return tx.UpdateWithdrawal(ctx, row)
	}))

	requeued, err := f.svc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)

	history, err := f.svc.Withdrawals(ctx, agent.AgentID)
	require.NoError(t, err)
	assert.Equal(t, core.WithdrawalPending, history[0].Status)

	// Broadcast ones stay processing for the poll loop.
	requeued, err = f.svc.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, requeued)
}

func TestDepositHistoryNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent := f.newAgent(t, "0")
	addr, err := f.svc.DepositAddress(ctx, agent.AgentID)
	require.NoError(t, err)

	clock := time.Now().UTC()
	f.svc.now = func() time.Time { clock = clock.Add(time.Minute); return clock }

	for i := 1; i <= 3; i++ {
		f.chain.receipts[common.HexToHash(hash(i))] = transferReceipt(
			common.HexToAddress(addr.Address), big.NewInt(int64(i)*2_000_000), int64(i*10), types.ReceiptStatusSuccessful)
		_, err := f.svc.NotifyDeposit(ctx, agent.AgentID, hash(i))
		require.NoError(t, err)
	}

	deposits, err := f.svc.Deposits(ctx, agent.AgentID)
	require.NoError(t, err)
	require.Len(t, deposits, 3)
	assert.Equal(t, hash(3), deposits[0].TxHash)
	assert.Equal(t, hash(1), deposits[2].TxHash)
}
