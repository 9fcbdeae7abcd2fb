// Package fees computes platform fees: the base fee on escrow releases
// and refunds, verification and storage fees, and withdrawal fees and
// limits. All math is fixed-point decimal rounded to two places, half up.
package fees

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/agoranet/marketplace/internal/config"
	"github.com/agoranet/marketplace/internal/core"
)

// Quote is the fee breakdown for one escrow amount.
type Quote struct {
	Amount      decimal.Decimal `json:"amount"`
	Total       decimal.Decimal `json:"total_fee"`
	ClientShare decimal.Decimal `json:"client_share"`
	SellerShare decimal.Decimal `json:"seller_share"`
}

// Engine holds the configured fee rates.
type Engine struct {
	baseFeePercent     decimal.Decimal
	clientShare        decimal.Decimal
	sellerShare        decimal.Decimal
	minimumFee         decimal.Decimal
	verifyPerCPUSecond decimal.Decimal
	verifyMinimum      decimal.Decimal
	storagePerKB       decimal.Decimal
	storageMinimum     decimal.Decimal
	withdrawalFee      decimal.Decimal
	minWithdrawal      decimal.Decimal
	maxWithdrawal      decimal.Decimal
}

// NewEngine parses the configured rates. Shares must sum to 1.
func NewEngine(cfg config.FeesConfig) (*Engine, error) {
	e := &Engine{}
	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"base_fee_percent", cfg.BaseFeePercent, &e.baseFeePercent},
		{"client_share", cfg.ClientShare, &e.clientShare},
		{"seller_share", cfg.SellerShare, &e.sellerShare},
		{"minimum_fee", cfg.MinimumFee, &e.minimumFee},
		{"verify_per_cpu_second", cfg.VerifyPerCPUSecond, &e.verifyPerCPUSecond},
		{"verify_minimum", cfg.VerifyMinimum, &e.verifyMinimum},
		{"storage_per_kb", cfg.StoragePerKB, &e.storagePerKB},
		{"storage_minimum", cfg.StorageMinimum, &e.storageMinimum},
		{"withdrawal_flat_fee", cfg.WithdrawalFlatFee, &e.withdrawalFee},
		{"min_withdrawal", cfg.MinWithdrawal, &e.minWithdrawal},
		{"max_withdrawal", cfg.MaxWithdrawal, &e.maxWithdrawal},
	}
	for _, f := range fields {
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return nil, fmt.Errorf("fee config %s: %w", f.name, err)
		}
		if d.IsNegative() {
			return nil, fmt.Errorf("fee config %s: must not be negative", f.name)
		}
		*f.dst = d
	}
	if !e.clientShare.Add(e.sellerShare).Equal(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("fee shares must sum to 1, got %s + %s", e.clientShare, e.sellerShare)
	}
	return e, nil
}

var hundred = decimal.NewFromInt(100)

// BaseFee quotes the release fee for an escrow amount. The total is
// max(amount * rate, minimum) rounded to 2dp; the seller share is the
// remainder after the rounded client share so the split sums exactly.
func (e *Engine) BaseFee(amount decimal.Decimal) Quote {
	total := amount.Mul(e.baseFeePercent).Div(hundred).Round(2)
	if total.LessThan(e.minimumFee) {
		total = e.minimumFee
	}
	client := total.Mul(e.clientShare).Round(2)
	return Quote{
		Amount:      amount,
		Total:       total,
		ClientShare: client,
		SellerShare: total.Sub(client),
	}
}

// VerificationFee charges the client per CPU-second of verification
// work, floored at the configured minimum.
func (e *Engine) VerificationFee(cpuSeconds decimal.Decimal) decimal.Decimal {
	fee := cpuSeconds.Mul(e.verifyPerCPUSecond).Round(2)
	if fee.LessThan(e.verifyMinimum) {
		fee = e.verifyMinimum
	}
	return fee
}

// VerificationMinimum is the floor every verification run costs.
func (e *Engine) VerificationMinimum() decimal.Decimal {
	return e.verifyMinimum
}

var kib = decimal.NewFromInt(1024)

// StorageFee charges the seller per KiB of deliverable at delivery
// time, rounded up to whole KiB and floored at the minimum.
func (e *Engine) StorageFee(sizeBytes int64) decimal.Decimal {
	kb := decimal.NewFromInt(sizeBytes).Div(kib).Ceil()
	fee := kb.Mul(e.storagePerKB).Round(2)
	if fee.LessThan(e.storageMinimum) {
		fee = e.storageMinimum
	}
	return fee
}

// WithdrawalFee is the flat charge per withdrawal.
func (e *Engine) WithdrawalFee() decimal.Decimal {
	return e.withdrawalFee
}

// CheckWithdrawal validates a withdrawal amount and returns the net
// payout after the flat fee.
func (e *Engine) CheckWithdrawal(amount decimal.Decimal) (decimal.Decimal, error) {
	if amount.LessThan(e.minWithdrawal) {
		return decimal.Zero, core.E(core.KindValidation,
			"withdrawal amount %s below minimum %s", amount, e.minWithdrawal)
	}
	if amount.GreaterThan(e.maxWithdrawal) {
		return decimal.Zero, core.E(core.KindValidation,
			"withdrawal amount %s above maximum %s", amount, e.maxWithdrawal)
	}
	net := amount.Sub(e.withdrawalFee)
	if !net.IsPositive() {
		return decimal.Zero, core.E(core.KindValidation,
			"withdrawal amount %s does not cover the %s fee", amount, e.withdrawalFee)
	}
	return net, nil
}

// Schedule is the public fee table served by GET /fees.
type Schedule struct {
	BaseFeePercent     decimal.Decimal `json:"base_fee_percent"`
	ClientShare        decimal.Decimal `json:"client_share"`
	SellerShare        decimal.Decimal `json:"seller_share"`
	MinimumFee         decimal.Decimal `json:"minimum_fee"`
	VerifyPerCPUSecond decimal.Decimal `json:"verify_per_cpu_second"`
	VerifyMinimum      decimal.Decimal `json:"verify_minimum"`
	StoragePerKB       decimal.Decimal `json:"storage_per_kb"`
	StorageMinimum     decimal.Decimal `json:"storage_minimum"`
	WithdrawalFee      decimal.Decimal `json:"withdrawal_fee"`
	MinWithdrawal      decimal.Decimal `json:"min_withdrawal"`
	MaxWithdrawal      decimal.Decimal `json:"max_withdrawal"`
	Examples           []Quote         `json:"examples"`
}

// CurrentSchedule returns the rates plus worked examples at common
// job sizes so agents can price negotiations up front.
func (e *Engine) CurrentSchedule() Schedule {
	examples := make([]Quote, 0, 3)
	for _, amt := range []int64{1, 100, 2500} {
		examples = append(examples, e.BaseFee(decimal.NewFromInt(amt)))
	}
	return Schedule{
		BaseFeePercent:     e.baseFeePercent,
		ClientShare:        e.clientShare,
		SellerShare:        e.sellerShare,
		MinimumFee:         e.minimumFee,
		VerifyPerCPUSecond: e.verifyPerCPUSecond,
		VerifyMinimum:      e.verifyMinimum,
		StoragePerKB:       e.storagePerKB,
		StorageMinimum:     e.storageMinimum,
		WithdrawalFee:      e.withdrawalFee,
		MinWithdrawal:      e.minWithdrawal,
		MaxWithdrawal:      e.maxWithdrawal,
		Examples:           examples,
	}
}
