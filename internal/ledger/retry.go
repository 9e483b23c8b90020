package ledger

import (
	"context"
	"time"

	"github.com/digkill/AIImageBot/internal/apperr"
)

func (l *Ledger) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, l.timeout)
}

func (l *Ledger) pause(ctx context.Context) error {
	if l.backoff == 0 {
		return ctx.Err()
	}
	t := time.NewTimer(l.backoff)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// isStorage treats unclassified errors as storage failures.
func isStorage(err error) bool {
	k := apperr.KindOf(err)
	return k == apperr.KindStorage || k == ""
}

func observe(op string, start time.Time, err error) {
	operationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	result := "ok"
	if err != nil {
		result = string(apperr.KindOf(err))
		if result == "" {
			result = "error"
		}
	}
	operationsTotal.WithLabelValues(op, result).Inc()
}

// read retries a failed storage read once after the backoff.
func read[T any](ctx context.Context, l *Ledger, op string, fn func(context.Context) (T, error)) (T, error) {
	start := time.Now()
	ctx, cancel := l.bounded(ctx)
	defer cancel()

	v, err := fn(ctx)
	if err != nil && isStorage(err) {
		retriesTotal.WithLabelValues(op).Inc()
		l.log.Warn("ledger read failed, retrying", "op", op, "err", err)
		if perr := l.pause(ctx); perr == nil {
			v, err = fn(ctx)
		}
	}
	observe(op, start, err)
	return v, err
}

// write retries once only when a retry cannot double-apply: the backend
// reported a transient failure that rolled back, or the operation is
// idempotent. Any other storage failure leaves the account in an unknown
// state and is logged for manual reconciliation.
func write[T any](ctx context.Context, l *Ledger, op string, userID int64, idempotent bool, fn func(context.Context) (T, error)) (T, error) {
	start := time.Now()
	ctx, cancel := l.bounded(ctx)
	defer cancel()

	v, err := fn(ctx)
	if err != nil && isStorage(err) && (idempotent || apperr.IsTransient(err)) {
		retriesTotal.WithLabelValues(op).Inc()
		l.log.Warn("ledger write failed, retrying", "op", op, "user_id", userID, "err", err)
		if perr := l.pause(ctx); perr == nil {
			v, err = fn(ctx)
		}
	}
	if err != nil && isStorage(err) {
		if idempotent || apperr.IsTransient(err) {
			l.log.Error("ledger write failed", "op", op, "user_id", userID, "err", err)
		} else {
			unknownStateTotal.Inc()
			l.log.Error("ledger write in unknown state, manual reconciliation required", "op", op, "user_id", userID, "err", err)
		}
	}
	observe(op, start, err)
	return v, err
}
