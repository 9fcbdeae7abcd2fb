package wallet

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agoranet/marketplace/internal/config"
	"github.com/agoranet/marketplace/internal/core"
	"github.com/agoranet/marketplace/internal/database"
	"github.com/agoranet/marketplace/internal/fees"
	"github.com/agoranet/marketplace/internal/metrics"
	"github.com/agoranet/marketplace/internal/validate"
)

// usdcDecimals is the on-chain USDC scale; credits carry two.
const usdcDecimals = 6

// Service owns wallet state: deposit addresses, deposit confirmation
// and withdrawal processing.
type Service struct {
	db         database.Client
	chain      Chain
	fees       *fees.Engine
	seed       []byte
	usdc       common.Address
	minDeposit decimal.Decimal
	cfg        config.ChainConfig
	metrics    *metrics.Metrics
	logger     *log.Logger
	now        func() time.Time
}

// NewService wires the wallet. chain may be nil for deployments without
// chain access; deposit notify and withdrawal processing then fail
// unavailable.
func NewService(db database.Client, chain Chain, feeEngine *fees.Engine, masterSeed []byte,
	cfg config.ChainConfig, m *metrics.Metrics) (*Service, error) {
	if cfg.USDCContract != "" && !common.IsHexAddress(cfg.USDCContract) {
		return nil, fmt.Errorf("usdc contract %q is not an address", cfg.USDCContract)
	}
	minDeposit, err := decimal.NewFromString(cfg.MinDeposit)
	if err != nil {
		return nil, fmt.Errorf("chain config min_deposit: %w", err)
	}
	return &Service{
		db:         db,
		chain:      chain,
		fees:       feeEngine,
		seed:       masterSeed,
		usdc:       common.HexToAddress(cfg.USDCContract),
		minDeposit: minDeposit,
		cfg:        cfg,
		metrics:    m,
		logger:     log.New(log.Writer(), "[WALLET] ", log.LstdFlags),
		now:        time.Now,
	}, nil
}

// DepositAddress returns the agent's receive address, deriving one at
// the next index on first use. Indexes are strictly increasing and
// never reused.
func (s *Service) DepositAddress(ctx context.Context, agentID uuid.UUID) (*core.DepositAddress, error) {
	if len(s.seed) == 0 {
		return nil, core.E(core.KindUnavailable, "wallet infrastructure not configured")
	}
	var out *core.DepositAddress
	err := s.db.Transact(ctx, func(tx database.Tx) error {
		if _, err := tx.AgentByID(ctx, agentID); err != nil {
			return err
		}
		existing, err := tx.DepositAddressForAgent(ctx, agentID)
		if err == nil {
			out = existing
			return nil
		}
		if core.KindOf(err) != core.KindNotFound {
			return err
		}

		maxIdx, err := tx.MaxDerivationIndex(ctx)
		if err != nil {
			return err
		}
		index := maxIdx + 1
		address, err := DeriveAddress(s.seed, index)
		if err != nil {
			return err
		}
		out = &core.DepositAddress{
			DepositAddressID: uuid.New(),
			AgentID:          agentID,
			Address:          address.Hex(),
			DerivationIndex:  index,
			CreatedAt:        s.now().UTC(),
		}
		return tx.CreateDepositAddress(ctx, out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// NotifyDeposit registers an on-chain transaction the agent claims pays
// its deposit address. The receipt must contain a successful USDC
// Transfer to that address for at least the minimum deposit. Duplicate
// hashes return the existing record.
func (s *Service) NotifyDeposit(ctx context.Context, agentID uuid.UUID, txHash string) (*core.DepositTransaction, error) {
	if err := validate.TxHash(txHash); err != nil {
		return nil, err
	}
	if s.chain == nil {
		return nil, core.E(core.KindUnavailable, "chain access not configured")
	}

	var existing *core.DepositTransaction
	var address common.Address
	err := s.db.View(ctx, func(tx database.Tx) error {
		dep, err := tx.DepositTxByHash(ctx, txHash)
		if err == nil {
			existing = dep
			return nil
		}
		if core.KindOf(err) != core.KindNotFound {
			return err
		}
		addr, err := tx.DepositAddressForAgent(ctx, agentID)
		if err != nil {
			return err
		}
		address = common.HexToAddress(addr.Address)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	receipt, err := s.chain.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		return nil, core.Wrap(core.KindNotFound, err, "transaction not found on chain")
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, core.E(core.KindValidation, "transaction reverted on chain")
	}
	from, rawAmount, found := matchTransfer(receipt, s.usdc, address)
	if !found {
		return nil, core.E(core.KindValidation,
			"transaction does not contain a USDC transfer to %s", address.Hex())
	}

	amountUSDC := decimal.NewFromBigInt(rawAmount, -usdcDecimals)
	credits := amountUSDC.Round(2)
	if credits.LessThan(s.minDeposit) {
		return nil, core.E(core.KindValidation,
			"deposit %s is below the %s minimum", credits, s.minDeposit)
	}

	deposit := &core.DepositTransaction{
		DepositTxID:   uuid.New(),
		AgentID:       agentID,
		TxHash:        txHash,
		FromAddress:   from.Hex(),
		AmountUSDC:    amountUSDC,
		AmountCredits: credits,
		BlockNumber:   receipt.BlockNumber.Int64(),
		Status:        core.DepositConfirming,
		DetectedAt:    s.now().UTC(),
	}
	err = s.db.Transact(ctx, func(tx database.Tx) error {
		if err := tx.CreateDepositTx(ctx, deposit); err != nil {
			if core.KindOf(err) != core.KindConflict {
				return err
			}
			// Concurrent notify for the same hash; take the winner.
			dep, err := tx.DepositTxByHash(ctx, txHash)
			if err != nil {
				return err
			}
			deposit = dep
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Printf("deposit %s registered for agent %s: %s USDC, waiting for %d confirmations",
		txHash, agentID, deposit.AmountUSDC, s.cfg.Confirmations)
	return deposit, nil
}

// matchTransfer scans receipt logs for an ERC-20 Transfer from the USDC
// contract to the deposit address.
func matchTransfer(receipt *types.Receipt, usdc, to common.Address) (common.Address, *big.Int, bool) {
	for _, lg := range receipt.Logs {
		if lg.Address != usdc || len(lg.Topics) != 3 || lg.Topics[0] != transferTopic {
			continue
		}
		if common.BytesToAddress(lg.Topics[2].Bytes()) != to {
			continue
		}
		from := common.BytesToAddress(lg.Topics[1].Bytes())
		return from, new(big.Int).SetBytes(lg.Data), true
	}
	return common.Address{}, nil, false
}

// PollDeposits advances confirmation counts for confirming deposits and
// credits any that reached the threshold. Crediting happens in one
// transaction per deposit so a crash cannot double-credit.
func (s *Service) PollDeposits(ctx context.Context) (int, error) {
	if s.chain == nil {
		return 0, nil
	}
	head, err := s.chain.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}

	credited := 0
	err = s.db.Transact(ctx, func(tx database.Tx) error {
		deposits, err := tx.ConfirmingDeposits(ctx, 100)
		if err != nil {
			return err
		}
		for i := range deposits {
			dep := &deposits[i]
			dep.Confirmations = int64(head) - dep.BlockNumber
			if dep.Confirmations < s.cfg.Confirmations {
				if err := tx.UpdateDepositTx(ctx, dep); err != nil {
					return err
				}
				continue
			}
			agent, err := tx.AgentForUpdate(ctx, dep.AgentID)
			if err != nil {
				return err
			}
			if err := tx.UpdateAgentBalance(ctx, agent.AgentID, agent.Balance.Add(dep.AmountCredits)); err != nil {
				return err
			}
			now := s.now().UTC()
			dep.Status = core.DepositCredited
			dep.CreditedAt = &now
			if err := tx.UpdateDepositTx(ctx, dep); err != nil {
				return err
			}
			credited++
			if s.metrics != nil {
				s.metrics.DepositsCredited.Inc()
			}
			s.logger.Printf("deposit %s credited: agent=%s amount=%s", dep.TxHash, dep.AgentID, dep.AmountCredits)
		}
		return nil
	})
	if err != nil {
		return credited, err
	}
	return credited, nil
}

// RequestWithdrawal debits the amount immediately and queues the
// request, so concurrent funds and withdrawals can never double-spend.
func (s *Service) RequestWithdrawal(ctx context.Context, agentID uuid.UUID, amount decimal.Decimal, destination string) (*core.WithdrawalRequest, error) {
	if err := validate.ChainAddress(destination); err != nil {
		return nil, err
	}
	if amount.Exponent() < -2 {
		return nil, core.E(core.KindValidation, "amount has more than two decimal places")
	}
	net, err := s.fees.CheckWithdrawal(amount)
	if err != nil {
		return nil, err
	}

	withdrawal := &core.WithdrawalRequest{
		WithdrawalID:       uuid.New(),
		AgentID:            agentID,
		Amount:             amount,
		Fee:                s.fees.WithdrawalFee(),
		NetPayout:          net,
		DestinationAddress: destination,
		Status:             core.WithdrawalPending,
		RequestedAt:        s.now().UTC(),
	}
	err = s.db.Transact(ctx, func(tx database.Tx) error {
		agent, err := tx.AgentForUpdate(ctx, agentID)
		if err != nil {
			return err
		}
		if agent.Balance.LessThan(amount) {
			return core.E(core.KindConflict,
				"insufficient balance: have %s, need %s", agent.Balance, amount)
		}
		if err := tx.UpdateAgentBalance(ctx, agentID, agent.Balance.Sub(amount)); err != nil {
			return err
		}
		return tx.CreateWithdrawal(ctx, withdrawal)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Printf("withdrawal %s created: agent=%s amount=%s net=%s",
		withdrawal.WithdrawalID, agentID, amount, net)
	return withdrawal, nil
}

// ProcessPending claims pending withdrawals, broadcasts the transfers,
// and records the tx hash. Broadcast requests stay in processing until
// PollWithdrawals sees them mined.
func (s *Service) ProcessPending(ctx context.Context) (int, error) {
	if s.chain == nil {
		return 0, nil
	}
	var claimed []core.WithdrawalRequest
	err := s.db.Transact(ctx, func(tx database.Tx) error {
		pending, err := tx.PendingWithdrawals(ctx, 10)
		if err != nil {
			return err
		}
		for i := range pending {
			pending[i].Status = core.WithdrawalProcessing
			if err := tx.UpdateWithdrawal(ctx, &pending[i]); err != nil {
				return err
			}
		}
		claimed = pending
		return nil
	})
	if err != nil {
		return 0, err
	}

	sent := 0
	for i := range claimed {
		w := &claimed[i]
		raw := w.NetPayout.Shift(usdcDecimals).BigInt()
		txHash, err := s.chain.SendUSDC(ctx, common.HexToAddress(w.DestinationAddress), raw)
		if err != nil {
			s.logger.Printf("withdrawal %s broadcast failed: %v", w.WithdrawalID, err)
			if err := s.failWithdrawal(ctx, w.WithdrawalID, err.Error()); err != nil {
				s.logger.Printf("withdrawal %s refund failed: %v", w.WithdrawalID, err)
			}
			continue
		}
		if err := s.recordBroadcast(ctx, w.WithdrawalID, txHash.Hex()); err != nil {
			s.logger.Printf("withdrawal %s tx record failed: %v", w.WithdrawalID, err)
			continue
		}
		sent++
	}
	return sent, nil
}

// PollWithdrawals settles processing withdrawals whose transfer has
// been mined.
func (s *Service) PollWithdrawals(ctx context.Context) (int, error) {
	if s.chain == nil {
		return 0, nil
	}
	var inFlight []core.WithdrawalRequest
	if err := s.db.View(ctx, func(tx database.Tx) error {
		rows, err := tx.ProcessingWithdrawals(ctx)
		if err != nil {
			return err
		}
		inFlight = rows
		return nil
	}); err != nil {
		return 0, err
	}

	settled := 0
	for i := range inFlight {
		w := &inFlight[i]
		if w.TxHash == "" {
			continue
		}
		receipt, err := s.chain.TransactionReceipt(ctx, common.HexToHash(w.TxHash))
		if err != nil {
			continue // not mined yet
		}
		if receipt.Status == types.ReceiptStatusSuccessful {
			if err := s.completeWithdrawal(ctx, w.WithdrawalID); err != nil {
				s.logger.Printf("withdrawal %s completion failed: %v", w.WithdrawalID, err)
				continue
			}
		} else {
			if err := s.failWithdrawal(ctx, w.WithdrawalID, "transfer reverted on chain"); err != nil {
				s.logger.Printf("withdrawal %s refund failed: %v", w.WithdrawalID, err)
				continue
			}
		}
		settled++
	}
	return settled, nil
}

func (s *Service) recordBroadcast(ctx context.Context, id uuid.UUID, txHash string) error {
	return s.db.Transact(ctx, func(tx database.Tx) error {
		w, err := tx.WithdrawalForUpdate(ctx, id)
		if err != nil {
			return err
		}
		w.TxHash = txHash
		return tx.UpdateWithdrawal(ctx, w)
	})
}

func (s *Service) completeWithdrawal(ctx context.Context, id uuid.UUID) error {
	return s.db.Transact(ctx, func(tx database.Tx) error {
		w, err := tx.WithdrawalForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if w.Status != core.WithdrawalProcessing {
			return nil
		}
		now := s.now().UTC()
		w.Status = core.WithdrawalCompleted
		w.ProcessedAt = &now
		if err := tx.UpdateWithdrawal(ctx, w); err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.WithdrawalsProcessed.WithLabelValues("completed").Inc()
			fee, _ := w.Fee.Float64()
			s.metrics.FeesCollected.WithLabelValues("withdrawal").Add(fee)
		}
		s.logger.Printf("withdrawal %s completed: tx=%s net=%s", w.WithdrawalID, w.TxHash, w.NetPayout)
		return nil
	})
}

// failWithdrawal moves a request to failed and refunds the full debited
// amount in the same transaction.
func (s *Service) failWithdrawal(ctx context.Context, id uuid.UUID, cause string) error {
	return s.db.Transact(ctx, func(tx database.Tx) error {
		w, err := tx.WithdrawalForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if w.Status == core.WithdrawalCompleted || w.Status == core.WithdrawalFailed {
			return nil
		}
		now := s.now().UTC()
		w.Status = core.WithdrawalFailed
		if len(cause) > 1000 {
			cause = cause[:1000]
		}
		w.ErrorMessage = cause
		w.ProcessedAt = &now
		if err := tx.UpdateWithdrawal(ctx, w); err != nil {
			return err
		}
		agent, err := tx.AgentForUpdate(ctx, w.AgentID)
		if err != nil {
			return err
		}
		if err := tx.UpdateAgentBalance(ctx, w.AgentID, agent.Balance.Add(w.Amount)); err != nil {
			return err
		}
		if s.metrics != nil {
			s.metrics.WithdrawalsProcessed.WithLabelValues("failed").Inc()
		}
		s.logger.Printf("withdrawal %s failed, refunded %s to agent %s", w.WithdrawalID, w.Amount, w.AgentID)
		return nil
	})
}

// Recover reconciles in-flight work after a restart: processing
// withdrawals that never got a tx hash go back to pending; broadcast
// ones are left for PollWithdrawals. Confirming deposits are picked up
// by the regular poll loop.
func (s *Service) Recover(ctx context.Context) (int, error) {
	requeued := 0
	err := s.db.Transact(ctx, func(tx database.Tx) error {
		rows, err := tx.ProcessingWithdrawals(ctx)
		if err != nil {
			return err
		}
		for i := range rows {
			if rows[i].TxHash != "" {
				continue
			}
			rows[i].Status = core.WithdrawalPending
			if err := tx.UpdateWithdrawal(ctx, &rows[i]); err != nil {
				return err
			}
			requeued++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if requeued > 0 {
		s.logger.Printf("requeued %d withdrawal(s) interrupted before broadcast", requeued)
	}
	return requeued, nil
}

// Run drives the chain watcher until the context is cancelled.
func (s *Service) Run(ctx context.Context) {
	interval := time.Duration(s.cfg.PollIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.PollDeposits(ctx); err != nil {
				s.logger.Printf("deposit poll: %v", err)
			}
			if _, err := s.ProcessPending(ctx); err != nil {
				s.logger.Printf("withdrawal processing: %v", err)
			}
			if _, err := s.PollWithdrawals(ctx); err != nil {
				s.logger.Printf("withdrawal poll: %v", err)
			}
		}
	}
}

// Deposits returns the agent's deposit history, newest first.
func (s *Service) Deposits(ctx context.Context, agentID uuid.UUID) ([]core.DepositTransaction, error) {
	var out []core.DepositTransaction
	err := s.db.View(ctx, func(tx database.Tx) error {
		rows, err := tx.DepositsForAgent(ctx, agentID, 100)
		if err != nil {
			return err
		}
		out = rows
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Withdrawals returns the agent's withdrawal history, newest first.
func (s *Service) Withdrawals(ctx context.Context, agentID uuid.UUID) ([]core.WithdrawalRequest, error) {
	var out []core.WithdrawalRequest
	err := s.db.View(ctx, func(tx database.Tx) error {
		rows, err := tx.WithdrawalsForAgent(ctx, agentID, 100)
		if err != nil {
			return err
		}
		out = rows
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
