package paymentdb

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"permabundle/internal/errs"
)

// FraudSeverity grades a declared-vs-actual size deviation.
type FraudSeverity string

const (
	SeverityWarning FraudSeverity = "warning"
	SeverityMinor   FraudSeverity = "minor"
	SeverityMajor   FraudSeverity = "major"
)

// FraudAttempt is one recorded size deviation.
type FraudAttempt struct {
	ID           uuid.UUID
	User         UserID
	PaymentID    *uuid.UUID
	Declared     int64
	Actual       int64
	DeviationPct float64
	Severity     FraudSeverity
	Action       string
}

// InsertFraudAttempt records a deviation.
func InsertFraudAttempt(ctx context.Context, tx pgx.Tx, f *FraudAttempt) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO fraud_attempt (fraud_id, user_address, user_kind, payment_id,
			declared, actual, deviation_pct, severity, action)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		f.ID, f.User.Address, f.User.Kind, f.PaymentID,
		f.Declared, f.Actual, f.DeviationPct, f.Severity, f.Action)
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, "insert fraud attempt", err)
	}
	return nil
}

// CountRecentMajorAttempts counts the user's major deviations inside the
// rolling window that feeds the ban threshold.
func CountRecentMajorAttempts(ctx context.Context, tx pgx.Tx, id UserID, window time.Duration) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM fraud_attempt
		WHERE user_address = $1 AND user_kind = $2
		  AND severity = 'major' AND created_at > NOW() - $3`,
		id.Address, id.Kind, window).Scan(&n)
	if err != nil {
		return 0, errs.Wrap(errs.KindUnavailable, "count fraud attempts", err)
	}
	return n, nil
}

// InsertBan bans the user for the given duration. A nil duration is a
// permanent ban.
func InsertBan(ctx context.Context, tx pgx.Tx, id UserID, reason string, until *time.Time, attemptCount int) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO ban (ban_id, user_address, user_kind, reason, expires_at, attempt_count)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New(), id.Address, id.Kind, reason, until, attemptCount)
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, "insert ban", err)
	}
	return nil
}

// IsBanned reports whether the user has a live ban.
func IsBanned(ctx context.Context, q querier, id UserID) (bool, error) {
	var banned bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM ban
			WHERE user_address = $1 AND user_kind = $2
			  AND (expires_at IS NULL OR expires_at > NOW())
		)`,
		id.Address, id.Kind).Scan(&banned)
	if err != nil {
		return false, errs.Wrap(errs.KindUnavailable, "check ban", err)
	}
	return banned, nil
}
