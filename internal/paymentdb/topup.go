package paymentdb

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"permabundle/internal/credits"
	"permabundle/internal/db"
	"permabundle/internal/errs"
)

// Topup is a fiat credit purchase delivered through a payment provider.
type Topup struct {
	ID          uuid.UUID
	Provider    string
	ProviderRef string
	User        UserID
	Credits     credits.Credits
}

// InsertTopup records a provider-confirmed purchase. The provider_ref unique
// constraint makes webhook redelivery idempotent.
func InsertTopup(ctx context.Context, tx pgx.Tx, t *Topup) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO topup (topup_id, provider, provider_ref, user_address, user_kind, credit_amount)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.Provider, t.ProviderRef, t.User.Address, t.User.Kind, t.Credits)
	if err != nil {
		if db.IsUniqueViolation(err, "") {
			return errs.Newf(errs.KindDuplicate, "topup %s already processed", t.ProviderRef)
		}
		return errs.Wrap(errs.KindUnavailable, "insert topup", err)
	}
	return nil
}
