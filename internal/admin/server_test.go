package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/AIImageBot/internal/ledger"
	"github.com/digkill/AIImageBot/internal/models"
	"github.com/digkill/AIImageBot/internal/payment"
	"github.com/digkill/AIImageBot/internal/repository"
)

type fakeMessenger struct {
	sent   []int64
	failOn int64
}

func (f *fakeMessenger) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	msg := c.(tgbotapi.MessageConfig)
	if msg.ChatID == f.failOn {
		return tgbotapi.Message{}, errors.New("bot was blocked by the user")
	}
	f.sent = append(f.sent, msg.ChatID)
	return tgbotapi.Message{}, nil
}

type harness struct {
	srv    *Server
	ledger *ledger.Ledger
	bot    *fakeMessenger
}

func newHarness(t *testing.T, opts ...ledger.Option) *harness {
	t.Helper()
	st, err := repository.OpenBadger(repository.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := ledger.New(st, log, append([]ledger.Option{ledger.WithRetryBackoff(0)}, opts...)...)
	ctx := context.Background()
	for _, id := range []int64{10, 20} {
		_, err := l.EnsureUser(ctx, models.Profile{UserID: id})
		require.NoError(t, err)
	}

	bot := &fakeMessenger{}
	settlement := payment.NewSettlement(l, nil, 30, log)
	srv := NewServer(Options{Username: "admin", Password: "pw", WebhookSecret: "hook"}, log, l, settlement, bot)
	return &harness{srv: srv, ledger: l, bot: bot}
}

func (h *harness) do(t *testing.T, method, path, body string, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if auth {
		req.SetBasicAuth("admin", "pw")
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (h *harness) pending(t *testing.T, userID int64, ref string) int64 {
	t.Helper()
	id, err := h.ledger.RecordTransaction(context.Background(), &models.Transaction{
		UserID:            userID,
		Amount:            decimal.NewFromInt(10),
		PaymentMethod:     models.PaymentBTC,
		ExternalReference: ref,
	})
	require.NoError(t, err)
	return id
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, "/stats", "", false).Code)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/healthz", "", false).Code)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/metrics", "", false).Code)
}

func TestStatsAndUser(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/stats", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats models.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(2), stats.TotalUsers)

	rec = h.do(t, http.MethodGet, "/users/10", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"credits":1`)
	assert.Contains(t, rec.Body.String(), `"subscription":"none"`)

	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/users/99", "", true).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/users/abc", "", true).Code)
}

func TestUserSubscriptionUsesLedgerClock(t *testing.T) {
	now := time.Now().UTC()
	h := newHarness(t, ledger.WithClock(func() time.Time { return now }))

	ok, err := h.ledger.ActivateSubscription(context.Background(), 10, 30)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(31 * 24 * time.Hour)
	rec := h.do(t, http.MethodGet, "/users/10", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"subscription":"expired"`)
}

func TestCreditAndSubscription(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec := h.do(t, http.MethodPost, "/users/10/credits", `{"amount":5}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	n, err := h.ledger.GetCredits(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/users/10/credits", `{"amount":0}`, true).Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodPost, "/users/99/credits", `{"amount":1}`, true).Code)

	rec = h.do(t, http.MethodPost, "/users/20/subscription", `{"days":7}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	u, err := h.ledger.GetUser(ctx, 20)
	require.NoError(t, err)
	assert.True(t, u.Subscribed(h.ledger.Now()))
}

func TestPendingAndSettlement(t *testing.T) {
	h := newHarness(t)
	first := h.pending(t, 10, "AIBOT-AAAAAAAAAAAA")
	second := h.pending(t, 20, "AIBOT-BBBBBBBBBBBB")

	rec := h.do(t, http.MethodGet, "/transactions/pending", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var txns []models.Transaction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &txns))
	assert.Len(t, txns, 2)

	rec = h.do(t, http.MethodPost, "/transactions/"+itoa(first)+"/confirm", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"confirmed"`)

	assert.Equal(t, http.StatusConflict, h.do(t, http.MethodPost, "/transactions/"+itoa(first)+"/fail", "", true).Code)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/transactions/"+itoa(second)+"/fail", "", true).Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodPost, "/transactions/999/confirm", "", true).Code)

	rec = h.do(t, http.MethodGet, "/transactions/"+itoa(first), "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"external_reference":"AIBOT-AAAAAAAAAAAA"`)

	rec = h.do(t, http.MethodGet, "/transactions/pending?limit=5", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestPaymentWebhook(t *testing.T) {
	h := newHarness(t)
	h.pending(t, 10, "AIBOT-CCCCCCCCCCCC")
	body := `{"reference":"AIBOT-CCCCCCCCCCCC","status":"succeeded"}`

	req := httptest.NewRequest(http.MethodPost, "/webhook/payment", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/webhook/payment", strings.NewReader(body))
	req.Header.Set("X-Webhook-Secret", "hook")
	rec = httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	u, err := h.ledger.GetUser(context.Background(), 10)
	require.NoError(t, err)
	assert.True(t, u.Subscribed(h.ledger.Now()))

	req = httptest.NewRequest(http.MethodPost, "/webhook/payment", strings.NewReader(`{"reference":"nope","status":"succeeded"}`))
	req.Header.Set("X-Webhook-Secret", "hook")
	rec = httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBroadcast(t *testing.T) {
	h := newHarness(t)
	h.bot.failOn = 20

	rec := h.do(t, http.MethodPost, "/broadcast", `{"message":"new styles available"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sent":1,"total":2}`, rec.Body.String())
	assert.Equal(t, []int64{10}, h.bot.sent)

	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/broadcast", `{"message":"  "}`, true).Code)
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
