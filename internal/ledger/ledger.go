// Package ledger owns every durable account mutation: user creation,
// credits, subscription windows, the payment transaction log and the
// generation history. Callers never touch a Store directly.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/digkill/AIImageBot/internal/apperr"
	"github.com/digkill/AIImageBot/internal/models"
)

const (
	defaultFreeCredits = 1
	defaultTimeout     = 5 * time.Second
	defaultBackoff     = 50 * time.Millisecond
	maxStoredPrompt    = 1000
	defaultCurrency    = "USD"
)

type Ledger struct {
	store       Store
	log         *slog.Logger
	now         func() time.Time
	freeCredits int
	timeout     time.Duration
	backoff     time.Duration
}

type Option func(*Ledger)

// WithClock replaces time.Now. Subscription expiry is always evaluated
// against this clock.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithFreeCredits(n int) Option {
	return func(l *Ledger) {
		if n >= 0 {
			l.freeCredits = n
		}
	}
}

// WithTimeout bounds each operation including its retry.
func WithTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.timeout = d
		}
	}
}

func WithRetryBackoff(d time.Duration) Option {
	return func(l *Ledger) {
		if d >= 0 {
			l.backoff = d
		}
	}
}

func New(store Store, log *slog.Logger, opts ...Option) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	l := &Ledger{
		store:       store,
		log:         log,
		now:         time.Now,
		freeCredits: defaultFreeCredits,
		timeout:     defaultTimeout,
		backoff:     defaultBackoff,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Now is the ledger clock.
func (l *Ledger) Now() time.Time { return l.now().UTC() }

// EnsureUser creates the account with the free credit allowance on first
// contact. An existing account is not an error: created is false and the
// profile fields are refreshed best-effort.
func (l *Ledger) EnsureUser(ctx context.Context, p models.Profile) (bool, error) {
	if p.UserID == 0 {
		return false, apperr.Newf(apperr.KindValidation, "ensure user", "user id required")
	}
	now := l.Now()
	created, err := write(ctx, l, "ensure_user", p.UserID, true, func(ctx context.Context) (bool, error) {
		return l.store.InsertUserIfAbsent(ctx, &models.User{
			UserID:       p.UserID,
			Username:     p.Username,
			FirstName:    p.FirstName,
			LastName:     p.LastName,
			Credits:      l.freeCredits,
			CreatedAt:    now,
			LastActiveAt: now,
		})
	})
	if err != nil {
		return false, err
	}
	if created {
		l.log.Info("user created", "user_id", p.UserID, "credits", l.freeCredits)
		return true, nil
	}
	ctx, cancel := l.bounded(ctx)
	defer cancel()
	if err := l.store.UpdateProfile(ctx, p, now); err != nil {
		l.log.Warn("refresh profile", "user_id", p.UserID, "err", err)
	}
	return false, nil
}

// TouchActivity never fails the caller; errors are only logged.
func (l *Ledger) TouchActivity(ctx context.Context, userID int64) {
	ctx, cancel := l.bounded(ctx)
	defer cancel()
	if err := l.store.TouchActivity(ctx, userID, l.Now()); err != nil {
		l.log.Warn("touch activity", "user_id", userID, "err", err)
	}
}

// GetUser returns nil for unknown users.
func (l *Ledger) GetUser(ctx context.Context, userID int64) (*models.User, error) {
	return read(ctx, l, "get_user", func(ctx context.Context) (*models.User, error) {
		return l.store.GetUser(ctx, userID)
	})
}

// GetCredits returns 0 for unknown users.
func (l *Ledger) GetCredits(ctx context.Context, userID int64) (int, error) {
	u, err := l.GetUser(ctx, userID)
	if err != nil || u == nil {
		return 0, err
	}
	return u.Credits, nil
}

// IsEntitled is true iff the subscription end date is strictly after now or
// credits remain. Unknown users are not entitled.
func (l *Ledger) IsEntitled(ctx context.Context, userID int64) (bool, error) {
	u, err := l.GetUser(ctx, userID)
	if err != nil || u == nil {
		return false, err
	}
	return u.Entitled(l.Now()), nil
}

// DebitOneCredit atomically takes one credit. It reports false, with state
// unchanged, when the balance is already zero or the user is unknown.
func (l *Ledger) DebitOneCredit(ctx context.Context, userID int64) (bool, error) {
	ok, err := write(ctx, l, "debit_credit", userID, false, func(ctx context.Context) (bool, error) {
		return l.store.DebitCredit(ctx, userID)
	})
	if err != nil {
		return false, err
	}
	if !ok {
		l.log.Info("debit refused, no credits", "user_id", userID)
	}
	return ok, nil
}

// CreditUser adds credits to an existing user; it never creates one.
func (l *Ledger) CreditUser(ctx context.Context, userID int64, amount int) (bool, error) {
	if amount <= 0 {
		return false, apperr.Newf(apperr.KindValidation, "credit user", "amount must be positive, got %d", amount).WithUser(userID)
	}
	ok, err := write(ctx, l, "credit_user", userID, false, func(ctx context.Context) (bool, error) {
		return l.store.AddCredits(ctx, userID, amount)
	})
	if err != nil {
		return false, err
	}
	if ok {
		l.log.Info("credits added", "user_id", userID, "amount", amount)
	}
	return ok, nil
}

// ActivateSubscription sets the end date to now + durationDays. Re-activation
// restarts the window from now rather than stacking on the old end date.
func (l *Ledger) ActivateSubscription(ctx context.Context, userID int64, durationDays int) (bool, error) {
	if durationDays <= 0 {
		return false, apperr.Newf(apperr.KindValidation, "activate subscription", "duration must be positive, got %d", durationDays).WithUser(userID)
	}
	end := l.Now().Add(time.Duration(durationDays) * 24 * time.Hour)
	ok, err := write(ctx, l, "activate_subscription", userID, true, func(ctx context.Context) (bool, error) {
		return l.store.SetSubscription(ctx, userID, end)
	})
	if err != nil {
		return false, err
	}
	if ok {
		l.log.Info("subscription activated", "user_id", userID, "ends_at", end)
	}
	return ok, nil
}

// RecordTransaction stores a claimed payment as pending. A reference that is
// already present fails with a duplicate reference error and leaves the
// existing row alone.
func (l *Ledger) RecordTransaction(ctx context.Context, t *models.Transaction) (int64, error) {
	const op = "record transaction"
	switch {
	case t == nil:
		return 0, apperr.Newf(apperr.KindValidation, op, "transaction required")
	case t.UserID == 0:
		return 0, apperr.Newf(apperr.KindValidation, op, "user id required")
	case strings.TrimSpace(t.ExternalReference) == "":
		return 0, apperr.Newf(apperr.KindValidation, op, "external reference required").WithUser(t.UserID)
	case !t.Amount.IsPositive():
		return 0, apperr.Newf(apperr.KindValidation, op, "amount must be positive, got %s", t.Amount).WithUser(t.UserID)
	}
	if _, ok := models.ParsePaymentMethod(string(t.PaymentMethod)); !ok {
		return 0, apperr.Newf(apperr.KindUnsupportedMethod, op, "method %q", t.PaymentMethod).WithUser(t.UserID)
	}

	now := l.Now()
	t.Status = models.StatusPending
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Currency == "" {
		t.Currency = defaultCurrency
	}

	id, err := write(ctx, l, "record_transaction", t.UserID, false, func(ctx context.Context) (int64, error) {
		return l.store.InsertTransaction(ctx, t)
	})
	if err != nil {
		var ae *apperr.Error
		if errors.As(err, &ae) && ae.Reference == "" {
			ae.Reference = t.ExternalReference
		}
		return 0, err
	}
	l.log.Info("transaction recorded", "user_id", t.UserID, "transaction_id", id, "method", t.PaymentMethod, "reference", t.ExternalReference, "amount", t.Amount.String())
	return id, nil
}

// UpdateTransactionStatus applies a forward transition and returns the
// updated row. Backward or repeated transitions fail with an invalid
// transition error; unknown ids with not found.
func (l *Ledger) UpdateTransactionStatus(ctx context.Context, txnID int64, status models.TransactionStatus) (*models.Transaction, error) {
	if status != models.StatusConfirmed && status != models.StatusFailed {
		return nil, apperr.Newf(apperr.KindInvalidTransition, "update transaction status", "cannot move to %q", status)
	}
	t, err := write(ctx, l, "update_transaction_status", 0, false, func(ctx context.Context) (*models.Transaction, error) {
		return l.store.TransitionTransaction(ctx, txnID, status, l.Now())
	})
	if err != nil {
		return nil, err
	}
	l.log.Info("transaction status updated", "transaction_id", txnID, "user_id", t.UserID, "status", status)
	return t, nil
}

func (l *Ledger) GetTransaction(ctx context.Context, txnID int64) (*models.Transaction, error) {
	return read(ctx, l, "get_transaction", func(ctx context.Context) (*models.Transaction, error) {
		return l.store.GetTransaction(ctx, txnID)
	})
}

func (l *Ledger) GetTransactionByReference(ctx context.Context, ref string) (*models.Transaction, error) {
	return read(ctx, l, "get_transaction_by_reference", func(ctx context.Context) (*models.Transaction, error) {
		return l.store.GetTransactionByReference(ctx, ref)
	})
}

const maxPendingList = 500

func (l *Ledger) ListPendingTransactions(ctx context.Context, limit int) ([]models.Transaction, error) {
	switch {
	case limit <= 0:
		limit = 100
	case limit > maxPendingList:
		limit = maxPendingList
	}
	return read(ctx, l, "list_pending_transactions", func(ctx context.Context) ([]models.Transaction, error) {
		return l.store.ListTransactionsByStatus(ctx, models.StatusPending, limit)
	})
}

// RecordGeneration appends to the history. Prompts longer than the stored
// bound are truncated on a rune boundary.
func (l *Ledger) RecordGeneration(ctx context.Context, userID int64, prompt, resultLocator string) (int64, error) {
	g := &models.Generation{
		UserID:        userID,
		Prompt:        truncateRunes(prompt, maxStoredPrompt),
		ResultLocator: resultLocator,
		CreatedAt:     l.Now(),
	}
	return write(ctx, l, "record_generation", userID, false, func(ctx context.Context) (int64, error) {
		return l.store.InsertGeneration(ctx, g)
	})
}

// GetStats is an aggregate read with no snapshot guarantee.
func (l *Ledger) GetStats(ctx context.Context) (models.Stats, error) {
	return read(ctx, l, "get_stats", func(ctx context.Context) (models.Stats, error) {
		return l.store.Stats(ctx, l.Now())
	})
}

func (l *Ledger) ListUserIDs(ctx context.Context) ([]int64, error) {
	return read(ctx, l, "list_user_ids", func(ctx context.Context) ([]int64, error) {
		return l.store.ListUserIDs(ctx)
	})
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i]
		}
		n++
	}
	return s
}
