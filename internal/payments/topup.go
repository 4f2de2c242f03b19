package payments

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"permabundle/internal/credits"
	"permabundle/internal/dataitem"
	"permabundle/internal/errs"
	"permabundle/internal/paymentdb"
)

// ParseStripeEvent verifies a webhook payload against the endpoint secret.
func ParseStripeEvent(payload []byte, signature, secret string) (*stripe.Event, error) {
	event, err := webhook.ConstructEvent(payload, signature, secret)
	if err != nil {
		return nil, errs.Wrap(errs.KindBadRequest, "invalid stripe webhook signature", err)
	}
	return &event, nil
}

// HandleCheckoutCompleted credits a fiat top-up. The session's metadata names
// the destination account; the amount converts through the oracle at the
// USDC peg (1 cent = 10,000 micro-USDC). Redelivered events are idempotent
// through the provider_ref unique key.
func (s *Service) HandleCheckoutCompleted(ctx context.Context, session *stripe.CheckoutSession) error {
	address := session.Metadata["address"]
	kindName := session.Metadata["signatureKind"]
	if address == "" {
		return errs.New(errs.KindBadRequest, "checkout session missing address metadata")
	}
	k, err := dataitem.ParseKind(kindName)
	if err != nil {
		k = dataitem.KindEthereum
	}
	if err := dataitem.ValidateOwner(k, address); err != nil {
		return err
	}
	if session.AmountTotal <= 0 {
		return errs.Newf(errs.KindBadRequest, "checkout session %s has no amount", session.ID)
	}

	// AmountTotal is in cents; USDC pegs 1:1 to the dollar.
	microUSDC := session.AmountTotal * 10_000
	amount := s.oracle.MicroUSDCToCredits(credits.Credits(microUSDC).ToBigInt())
	if amount <= 0 {
		return errs.Newf(errs.KindBadRequest, "checkout session %s buys no credits", session.ID)
	}

	user := paymentdb.UserID{Address: address, Kind: k}
	err = s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := paymentdb.InsertTopup(ctx, tx, &paymentdb.Topup{
			ID:          uuid.New(),
			Provider:    "stripe",
			ProviderRef: session.ID,
			User:        user,
			Credits:     amount,
		}); err != nil {
			return err
		}
		u, err := paymentdb.GetUserForUpdate(ctx, tx, user)
		if err != nil {
			return err
		}
		return paymentdb.ApplyDelta(ctx, tx, u, amount, paymentdb.ReasonTopup, session.ID)
	})
	if err != nil {
		if errs.KindOf(err) == errs.KindDuplicate {
			// Webhook redelivery; already credited.
			return nil
		}
		return err
	}

	s.logger.Info("topup credited", "user", address, "session", session.ID, "winc", amount)
	return nil
}
