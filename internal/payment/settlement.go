package payment

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/digkill/AIImageBot/internal/apperr"
	"github.com/digkill/AIImageBot/internal/events"
	"github.com/digkill/AIImageBot/internal/models"
)

const DefaultSubscriptionDays = 30

type SettlementLedger interface {
	UpdateTransactionStatus(ctx context.Context, txnID int64, status models.TransactionStatus) (*models.Transaction, error)
	GetTransactionByReference(ctx context.Context, ref string) (*models.Transaction, error)
	ActivateSubscription(ctx context.Context, userID int64, durationDays int) (bool, error)
}

// Settlement applies confirmations and failures reported by payment
// providers or operators. A confirmed payment grants a subscription.
type Settlement struct {
	ledger SettlementLedger
	events events.Publisher
	log    *slog.Logger
	days   int
}

func NewSettlement(ledger SettlementLedger, publisher events.Publisher, subscriptionDays int, log *slog.Logger) *Settlement {
	if subscriptionDays <= 0 {
		subscriptionDays = DefaultSubscriptionDays
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Settlement{ledger: ledger, events: publisher, log: log, days: subscriptionDays}
}

func (s *Settlement) Confirm(ctx context.Context, txnID int64) (*models.Transaction, error) {
	return s.settle(ctx, txnID, models.StatusConfirmed)
}

func (s *Settlement) Fail(ctx context.Context, txnID int64) (*models.Transaction, error) {
	return s.settle(ctx, txnID, models.StatusFailed)
}

func (s *Settlement) ConfirmByReference(ctx context.Context, ref string) (*models.Transaction, error) {
	id, err := s.lookup(ctx, ref)
	if err != nil {
		return nil, err
	}
	return s.settle(ctx, id, models.StatusConfirmed)
}

func (s *Settlement) FailByReference(ctx context.Context, ref string) (*models.Transaction, error) {
	id, err := s.lookup(ctx, ref)
	if err != nil {
		return nil, err
	}
	return s.settle(ctx, id, models.StatusFailed)
}

func (s *Settlement) lookup(ctx context.Context, ref string) (int64, error) {
	t, err := s.ledger.GetTransactionByReference(ctx, ref)
	if err != nil {
		return 0, fmt.Errorf("find transaction: %w", err)
	}
	if t == nil {
		return 0, apperr.Newf(apperr.KindNotFound, "settle payment", "no transaction for reference").WithReference(ref)
	}
	return t.ID, nil
}

func (s *Settlement) settle(ctx context.Context, txnID int64, status models.TransactionStatus) (*models.Transaction, error) {
	t, err := s.ledger.UpdateTransactionStatus(ctx, txnID, status)
	if err != nil {
		return nil, fmt.Errorf("settle transaction %d: %w", txnID, err)
	}

	var activateErr error
	if status == models.StatusConfirmed {
		if _, err := s.ledger.ActivateSubscription(ctx, t.UserID, s.days); err != nil {
			// The transaction stays confirmed; the event below flags it so an
			// operator can grant the subscription with ledgerctl.
			s.log.Error("subscription not granted for confirmed payment",
				"transaction_id", t.ID, "user_id", t.UserID, "reference", t.ExternalReference, "err", err)
			activateErr = fmt.Errorf("activate subscription: %w", err)
		}
	}

	ev := events.NewEvent(events.TypeSettled)
	ev.UserID = t.UserID
	ev.TransactionID = t.ID
	ev.Reference = t.ExternalReference
	ev.Method = string(t.PaymentMethod)
	ev.Amount = t.Amount.StringFixed(2)
	ev.Currency = t.Currency
	ev.Status = string(t.Status)
	ev.ActivationFailed = activateErr != nil
	if err := s.events.Publish(ctx, ev); err != nil {
		s.log.Warn("publish settlement event failed", "reference", t.ExternalReference, "err", err)
	}
	if activateErr != nil {
		return t, activateErr
	}

	s.log.Info("payment settled", "transaction_id", t.ID, "user_id", t.UserID, "status", t.Status)
	return t, nil
}
