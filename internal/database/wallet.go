package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/agoranet/marketplace/internal/core"
)

func (t *pgTx) CreateDepositAddress(ctx context.Context, d *core.DepositAddress) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO deposit_addresses (deposit_address_id, agent_id, address, derivation_index, created_at)
		VALUES ($1,$2,$3,$4,$5)`,
		d.DepositAddressID, d.AgentID, d.Address, d.DerivationIndex, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert deposit address: %w", err)
	}
	return nil
}

func (t *pgTx) DepositAddressForAgent(ctx context.Context, agentID uuid.UUID) (*core.DepositAddress, error) {
	var d core.DepositAddress
	err := t.tx.QueryRowContext(ctx, `
		SELECT deposit_address_id, agent_id, address, derivation_index, created_at
		FROM deposit_addresses WHERE agent_id = $1`, agentID).
		Scan(&d.DepositAddressID, &d.AgentID, &d.Address, &d.DerivationIndex, &d.CreatedAt)
	if err != nil {
		return nil, notFound("deposit address", err)
	}
	return &d, nil
}

func (t *pgTx) AllDepositAddresses(ctx context.Context) ([]core.DepositAddress, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT deposit_address_id, agent_id, address, derivation_index, created_at
		FROM deposit_addresses ORDER BY derivation_index ASC`)
	if err != nil {
		return nil, fmt.Errorf("all deposit addresses: %w", err)
	}
	defer rows.Close()
	var out []core.DepositAddress
	for rows.Next() {
		var d core.DepositAddress
		if err := rows.Scan(&d.DepositAddressID, &d.AgentID, &d.Address,
			&d.DerivationIndex, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// MaxDerivationIndex returns the highest issued index, or -1 when no
// address exists yet. Derivation indexes are strictly increasing and
// never reused.
func (t *pgTx) MaxDerivationIndex(ctx context.Context) (int, error) {
	var idx sql.NullInt64
	err := t.tx.QueryRowContext(ctx,
		`SELECT MAX(derivation_index) FROM deposit_addresses`).Scan(&idx)
	if err != nil {
		return 0, fmt.Errorf("max derivation index: %w", err)
	}
	if !idx.Valid {
		return -1, nil
	}
	return int(idx.Int64), nil
}

const depositTxColumns = `deposit_tx_id, agent_id, tx_hash, from_address,
	amount_usdc, amount_credits, confirmations, block_number, status,
	detected_at, credited_at`

func (t *pgTx) CreateDepositTx(ctx context.Context, d *core.DepositTransaction) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO deposit_transactions (`+depositTxColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		d.DepositTxID, d.AgentID, d.TxHash, d.FromAddress, d.AmountUSDC,
		d.AmountCredits, d.Confirmations, d.BlockNumber, d.Status,
		d.DetectedAt, d.CreditedAt)
	if err != nil {
		return fmt.Errorf("insert deposit tx: %w", err)
	}
	return nil
}

func (t *pgTx) DepositTxByHash(ctx context.Context, txHash string) (*core.DepositTransaction, error) {
	var d core.DepositTransaction
	err := t.tx.QueryRowContext(ctx, `
		SELECT `+depositTxColumns+` FROM deposit_transactions
		WHERE tx_hash = $1 FOR UPDATE`, txHash).
		Scan(&d.DepositTxID, &d.AgentID, &d.TxHash, &d.FromAddress,
			&d.AmountUSDC, &d.AmountCredits, &d.Confirmations, &d.BlockNumber,
			&d.Status, &d.DetectedAt, &d.CreditedAt)
	if err != nil {
		return nil, notFound("deposit transaction", err)
	}
	return &d, nil
}

func (t *pgTx) UpdateDepositTx(ctx context.Context, d *core.DepositTransaction) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE deposit_transactions SET confirmations = $2, block_number = $3,
			status = $4, credited_at = $5, from_address = $6
		WHERE deposit_tx_id = $1`,
		d.DepositTxID, d.Confirmations, d.BlockNumber, d.Status, d.CreditedAt,
		d.FromAddress)
	if err != nil {
		return fmt.Errorf("update deposit tx: %w", err)
	}
	return requireOneRow(res, "deposit transaction")
}

func (t *pgTx) DepositsForAgent(ctx context.Context, agentID uuid.UUID, limit int) ([]core.DepositTransaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+depositTxColumns+` FROM deposit_transactions
		WHERE agent_id = $1 ORDER BY detected_at DESC LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("deposits for agent: %w", err)
	}
	defer rows.Close()
	var out []core.DepositTransaction
	for rows.Next() {
		var d core.DepositTransaction
		if err := rows.Scan(&d.DepositTxID, &d.AgentID, &d.TxHash,
			&d.FromAddress, &d.AmountUSDC, &d.AmountCredits, &d.Confirmations,
			&d.BlockNumber, &d.Status, &d.DetectedAt, &d.CreditedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ConfirmingDeposits lists deposits still waiting on confirmations, for
// the chain watcher's poll loop.
func (t *pgTx) ConfirmingDeposits(ctx context.Context, limit int) ([]core.DepositTransaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+depositTxColumns+` FROM deposit_transactions
		WHERE status = 'confirming' ORDER BY detected_at ASC
		LIMIT $1 FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, fmt.Errorf("confirming deposits: %w", err)
	}
	defer rows.Close()
	var out []core.DepositTransaction
	for rows.Next() {
		var d core.DepositTransaction
		if err := rows.Scan(&d.DepositTxID, &d.AgentID, &d.TxHash,
			&d.FromAddress, &d.AmountUSDC, &d.AmountCredits, &d.Confirmations,
			&d.BlockNumber, &d.Status, &d.DetectedAt, &d.CreditedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

const withdrawalColumns = `withdrawal_id, agent_id, amount, fee, net_payout,
	destination_address, status, tx_hash, error_message, requested_at, processed_at`

func (t *pgTx) CreateWithdrawal(ctx context.Context, w *core.WithdrawalRequest) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO withdrawal_requests (`+withdrawalColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		w.WithdrawalID, w.AgentID, w.Amount, w.Fee, w.NetPayout,
		w.DestinationAddress, w.Status, w.TxHash, w.ErrorMessage,
		w.RequestedAt, w.ProcessedAt)
	if err != nil {
		return fmt.Errorf("insert withdrawal: %w", err)
	}
	return nil
}

func (t *pgTx) WithdrawalForUpdate(ctx context.Context, id uuid.UUID) (*core.WithdrawalRequest, error) {
	var w core.WithdrawalRequest
	err := t.tx.QueryRowContext(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawal_requests
		WHERE withdrawal_id = $1 FOR UPDATE`, id).
		Scan(&w.WithdrawalID, &w.AgentID, &w.Amount, &w.Fee, &w.NetPayout,
			&w.DestinationAddress, &w.Status, &w.TxHash, &w.ErrorMessage,
			&w.RequestedAt, &w.ProcessedAt)
	if err != nil {
		return nil, notFound("withdrawal", err)
	}
	return &w, nil
}

func (t *pgTx) UpdateWithdrawal(ctx context.Context, w *core.WithdrawalRequest) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE withdrawal_requests SET status = $2, tx_hash = $3,
			error_message = $4, processed_at = $5
		WHERE withdrawal_id = $1`,
		w.WithdrawalID, w.Status, w.TxHash, w.ErrorMessage, w.ProcessedAt)
	if err != nil {
		return fmt.Errorf("update withdrawal: %w", err)
	}
	return requireOneRow(res, "withdrawal")
}

// PendingWithdrawals claims the oldest pending requests with SKIP LOCKED
// so concurrent processors never double-pay.
func (t *pgTx) PendingWithdrawals(ctx context.Context, limit int) ([]core.WithdrawalRequest, error) {
	if limit <= 0 || limit > 50 {
		limit = 10
	}
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawal_requests
		WHERE status = 'pending' ORDER BY requested_at ASC
		LIMIT $1 FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, fmt.Errorf("pending withdrawals: %w", err)
	}
	defer rows.Close()
	var out []core.WithdrawalRequest
	for rows.Next() {
		var w core.WithdrawalRequest
		if err := rows.Scan(&w.WithdrawalID, &w.AgentID, &w.Amount, &w.Fee,
			&w.NetPayout, &w.DestinationAddress, &w.Status, &w.TxHash,
			&w.ErrorMessage, &w.RequestedAt, &w.ProcessedAt); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ProcessingWithdrawals lists requests stuck in flight, for boot
// reconciliation.
func (t *pgTx) ProcessingWithdrawals(ctx context.Context) ([]core.WithdrawalRequest, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawal_requests
		WHERE status = 'processing' ORDER BY requested_at ASC FOR UPDATE`)
	if err != nil {
		return nil, fmt.Errorf("processing withdrawals: %w", err)
	}
	defer rows.Close()
	var out []core.WithdrawalRequest
	for rows.Next() {
		var w core.WithdrawalRequest
		if err := rows.Scan(&w.WithdrawalID, &w.AgentID, &w.Amount, &w.Fee,
			&w.NetPayout, &w.DestinationAddress, &w.Status, &w.TxHash,
			&w.ErrorMessage, &w.RequestedAt, &w.ProcessedAt); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (t *pgTx) WithdrawalsForAgent(ctx context.Context, agentID uuid.UUID, limit int) ([]core.WithdrawalRequest, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawal_requests
		WHERE agent_id = $1 ORDER BY requested_at DESC LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("withdrawals for agent: %w", err)
	}
	defer rows.Close()
	var out []core.WithdrawalRequest
	for rows.Next() {
		var w core.WithdrawalRequest
		if err := rows.Scan(&w.WithdrawalID, &w.AgentID, &w.Amount, &w.Fee,
			&w.NetPayout, &w.DestinationAddress, &w.Status, &w.TxHash,
			&w.ErrorMessage, &w.RequestedAt, &w.ProcessedAt); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
