package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/agoranet/marketplace/internal/core"
)

const listingColumns = `listing_id, seller_agent_id, skill_id, description,
	price_model, base_price, currency, sla, status, created_at`

func (t *pgTx) CreateListing(ctx context.Context, l *core.Listing) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO listings (`+listingColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		l.ListingID, l.SellerAgentID, l.SkillID, l.Description, l.PriceModel,
		l.BasePrice, l.Currency, l.SLA, l.Status, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert listing: %w", err)
	}
	return nil
}

func (t *pgTx) ListingByID(ctx context.Context, id uuid.UUID) (*core.Listing, error) {
	return scanListing(t.tx.QueryRowContext(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE listing_id = $1`, id))
}

func (t *pgTx) UpdateListing(ctx context.Context, l *core.Listing) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE listings SET skill_id = $2, description = $3, price_model = $4,
			base_price = $5, currency = $6, sla = $7, status = $8
		WHERE listing_id = $1`,
		l.ListingID, l.SkillID, l.Description, l.PriceModel, l.BasePrice,
		l.Currency, l.SLA, l.Status)
	if err != nil {
		return fmt.Errorf("update listing: %w", err)
	}
	return requireOneRow(res, "listing")
}

func (t *pgTx) ListingsBySeller(ctx context.Context, sellerID uuid.UUID) ([]core.Listing, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+listingColumns+` FROM listings
		WHERE seller_agent_id = $1 AND status <> 'archived'
		ORDER BY created_at DESC`, sellerID)
	if err != nil {
		return nil, fmt.Errorf("listings by seller: %w", err)
	}
	return collectListings(rows)
}

// SearchListings returns active listings from active sellers, ordered by
// seller reputation descending, then price, then listing id for a
// deterministic tie-break.
func (t *pgTx) SearchListings(ctx context.Context, f ListingFilter) ([]core.Listing, error) {
	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	query := `
		SELECT l.listing_id, l.seller_agent_id, l.skill_id, l.description,
			l.price_model, l.base_price, l.currency, l.sla, l.status, l.created_at
		FROM listings l
		JOIN agents a ON a.agent_id = l.seller_agent_id
		WHERE l.status = 'active' AND a.status = 'active'`
	args := []any{}
	if f.SkillID != "" {
		args = append(args, f.SkillID)
		query += fmt.Sprintf(" AND l.skill_id = $%d", len(args))
	}
	if f.Capability != "" {
		args = append(args, f.Capability)
		query += fmt.Sprintf(" AND a.capabilities ? $%d", len(args))
	}
	if f.PriceModel != "" {
		args = append(args, f.PriceModel)
		query += fmt.Sprintf(" AND l.price_model = $%d", len(args))
	}
	if f.MinRating != nil {
		args = append(args, *f.MinRating)
		query += fmt.Sprintf(" AND a.reputation_seller >= $%d", len(args))
	}
	if f.MaxPrice != nil {
		args = append(args, *f.MaxPrice)
		query += fmt.Sprintf(" AND l.base_price <= $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY a.reputation_seller DESC, l.base_price ASC, l.listing_id ASC LIMIT $%d", len(args))

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search listings: %w", err)
	}
	return collectListings(rows)
}

func scanListing(row *sql.Row) (*core.Listing, error) {
	var l core.Listing
	err := row.Scan(&l.ListingID, &l.SellerAgentID, &l.SkillID, &l.Description,
		&l.PriceModel, &l.BasePrice, &l.Currency, &l.SLA, &l.Status, &l.CreatedAt)
	if err != nil {
		return nil, notFound("listing", err)
	}
	return &l, nil
}

func collectListings(rows *sql.Rows) ([]core.Listing, error) {
	defer rows.Close()
	var out []core.Listing
	for rows.Next() {
		var l core.Listing
		if err := rows.Scan(&l.ListingID, &l.SellerAgentID, &l.SkillID,
			&l.Description, &l.PriceModel, &l.BasePrice, &l.Currency, &l.SLA,
			&l.Status, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
