package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/digkill/AIImageBot/internal/apperr"
	"github.com/digkill/AIImageBot/internal/models"
)

// WebhookEvent is the provider-neutral notification accepted by the admin
// webhook. Gateways or relays translate their own callbacks into it.
type WebhookEvent struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
}

// HandleWebhook settles the transaction named in payload. Notifications for
// an already settled transaction are acknowledged without changes.
func (s *Settlement) HandleWebhook(ctx context.Context, payload []byte) (*models.Transaction, error) {
	const op = "handle payment webhook"

	var evt WebhookEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, apperr.New(apperr.KindValidation, op, fmt.Errorf("parse webhook: %w", err))
	}
	evt.Reference = strings.TrimSpace(evt.Reference)
	if evt.Reference == "" {
		return nil, apperr.Newf(apperr.KindValidation, op, "webhook missing reference")
	}

	t, err := s.ledger.GetTransactionByReference(ctx, evt.Reference)
	if err != nil {
		return nil, fmt.Errorf("find transaction: %w", err)
	}
	if t == nil {
		return nil, apperr.Newf(apperr.KindNotFound, op, "no transaction for reference").WithReference(evt.Reference)
	}
	if t.Status != models.StatusPending {
		s.log.Info("webhook for settled transaction ignored", "reference", evt.Reference, "status", t.Status)
		return t, nil
	}

	var status models.TransactionStatus
	switch strings.ToLower(evt.Status) {
	case "succeeded", "completed", "paid", "confirmed":
		status = models.StatusConfirmed
	case "failed", "canceled", "cancelled", "expired", "denied":
		status = models.StatusFailed
	default:
		return nil, apperr.Newf(apperr.KindValidation, op, "unknown status %q", evt.Status).WithReference(evt.Reference)
	}

	settled, err := s.settle(ctx, t.ID, status)
	if apperr.KindOf(err) == apperr.KindInvalidTransition {
		// A concurrent delivery of the same notification settled it first.
		current, lerr := s.ledger.GetTransactionByReference(ctx, evt.Reference)
		if lerr == nil && current != nil && current.Status != models.StatusPending {
			s.log.Info("webhook for settled transaction ignored", "reference", evt.Reference, "status", current.Status)
			return current, nil
		}
	}
	return settled, err
}
