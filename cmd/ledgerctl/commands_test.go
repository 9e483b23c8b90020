package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strconv"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/AIImageBot/internal/ledger"
	"github.com/digkill/AIImageBot/internal/models"
	"github.com/digkill/AIImageBot/internal/payment"
	"github.com/digkill/AIImageBot/internal/repository"
)

type env struct {
	ledger *ledger.Ledger
	open   opener
	closed int
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st, err := repository.OpenBadger(repository.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := ledger.New(st, log, ledger.WithRetryBackoff(0))
	_, err = l.EnsureUser(context.Background(), models.Profile{UserID: 100, Username: "kate"})
	require.NoError(t, err)

	e := &env{ledger: l}
	e.open = func(context.Context) (*backend, error) {
		return &backend{
			Ledger:     l,
			Settlement: payment.NewSettlement(l, nil, 30, log),
			Close:      func() error { e.closed++; return nil },
		}, nil
	}
	return e
}

func (e *env) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd, cleanup := newRootCmd(e.open)
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	require.NoError(t, cleanup())
	return out.String(), err
}

func TestUserAndCredit(t *testing.T) {
	e := newEnv(t)

	out, err := e.run(t, "user", "100")
	require.NoError(t, err)
	assert.Contains(t, out, "username:     @kate")
	assert.Contains(t, out, "credits:      1")
	assert.Contains(t, out, "subscription: none")

	out, err = e.run(t, "credit", "100", "4")
	require.NoError(t, err)
	assert.Contains(t, out, "credits:      5")
	assert.Equal(t, 2, e.closed)

	_, err = e.run(t, "credit", "100", "0")
	assert.Error(t, err)

	_, err = e.run(t, "credit", "555", "1")
	assert.ErrorIs(t, err, errUserNotFound)
	assert.Equal(t, 4, e.closed)

	_, err = e.run(t, "user", "abc")
	assert.ErrorContains(t, err, `invalid id "abc"`)
}

func TestSubscribe(t *testing.T) {
	e := newEnv(t)
	out, err := e.run(t, "subscribe", "100", "--days", "7")
	require.NoError(t, err)
	assert.Contains(t, out, "subscription: active")

	u, err := e.ledger.GetUser(context.Background(), 100)
	require.NoError(t, err)
	assert.True(t, u.Subscribed(e.ledger.Now()))
}

func TestPendingAndSettle(t *testing.T) {
	e := newEnv(t)
	id, err := e.ledger.RecordTransaction(context.Background(), &models.Transaction{
		UserID:            100,
		Amount:            decimal.RequireFromString("9.99"),
		Currency:          "USD",
		PaymentMethod:     models.PaymentUSDT,
		ExternalReference: "AIBOT-0123456789AB",
	})
	require.NoError(t, err)

	out, err := e.run(t, "pending")
	require.NoError(t, err)
	assert.Contains(t, out, "AIBOT-0123456789AB")
	assert.Contains(t, out, "9.99 USD")

	ref := strconv.FormatInt(id, 10)
	out, err = e.run(t, "confirm", ref, "--json")
	require.NoError(t, err)
	var txn models.Transaction
	require.NoError(t, json.Unmarshal([]byte(out), &txn))
	assert.Equal(t, id, txn.ID)
	assert.Equal(t, models.StatusConfirmed, txn.Status)

	_, err = e.run(t, "fail", ref)
	assert.Error(t, err)

	out, err = e.run(t, "pending", "--json")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, out)

	u, err := e.ledger.GetUser(context.Background(), 100)
	require.NoError(t, err)
	assert.True(t, u.Subscribed(e.ledger.Now()))
}

func TestStats(t *testing.T) {
	e := newEnv(t)
	out, err := e.run(t, "stats", "--json")
	require.NoError(t, err)
	var stats models.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, int64(1), stats.TotalUsers)
}
