package telegram

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/AIImageBot/internal/apperr"
	"github.com/digkill/AIImageBot/internal/genai"
	"github.com/digkill/AIImageBot/internal/ledger"
	"github.com/digkill/AIImageBot/internal/models"
	"github.com/digkill/AIImageBot/internal/payment"
	"github.com/digkill/AIImageBot/internal/repository"
	"github.com/digkill/AIImageBot/internal/service"
)

const (
	userID  int64 = 42
	adminID int64 = 7
)

type fakeAPI struct {
	mu       sync.Mutex
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
	fileURL  string
	updates  chan tgbotapi.Update
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, nil
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) GetFileDirectURL(string) (string, error) { return f.fileURL, nil }

func (f *fakeAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel { return f.updates }

func (f *fakeAPI) StopReceivingUpdates() {}

func (f *fakeAPI) texts() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.sent {
		if m, ok := c.(tgbotapi.MessageConfig); ok {
			out = append(out, m.Text)
		}
	}
	return strings.Join(out, "\n---\n")
}

func (f *fakeAPI) lastMessage() tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if m, ok := f.sent[i].(tgbotapi.MessageConfig); ok {
			return m
		}
	}
	return tgbotapi.MessageConfig{}
}

func (f *fakeAPI) photos() []tgbotapi.PhotoConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tgbotapi.PhotoConfig
	for _, c := range f.sent {
		if p, ok := c.(tgbotapi.PhotoConfig); ok {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeAPI) reset() {
	f.mu.Lock()
	f.sent = nil
	f.mu.Unlock()
}

type fakeGenerator struct {
	mu         sync.Mutex
	prompts    []string
	histories  [][]genai.Message
	imageErr   error
	result     *service.GenerationResult
	reply      string
	transcript string
	speech     []byte
}

func (g *fakeGenerator) GenerateImage(_ context.Context, _ int64, prompt string) (*service.GenerationResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, prompt)
	if g.imageErr != nil {
		return nil, g.imageErr
	}
	return g.result, nil
}

func (g *fakeGenerator) Chat(_ context.Context, _ int64, history []genai.Message) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.histories = append(g.histories, history)
	return g.reply, nil
}

func (g *fakeGenerator) Transcribe(_ context.Context, _ int64, audio io.Reader, _ string) (string, error) {
	if _, err := io.ReadAll(audio); err != nil {
		return "", err
	}
	return g.transcript, nil
}

func (g *fakeGenerator) Speak(context.Context, string) ([]byte, error) {
	return g.speech, nil
}

type harness struct {
	bot    *Bot
	api    *fakeAPI
	gen    *fakeGenerator
	ledger *ledger.Ledger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := repository.OpenBadger(repository.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := ledger.New(st, log, ledger.WithRetryBackoff(0))
	issuer := payment.NewIssuer(payment.Config{BTCWallet: "bc1qexamplewallet"}, l, nil, log)

	api := &fakeAPI{updates: make(chan tgbotapi.Update)}
	gen := &fakeGenerator{
		result: &service.GenerationResult{
			Image:   &genai.Image{URL: "https://backend/img.png"},
			Locator: "https://cdn.example.com/generations/1.png",
			Charged: true,
		},
		reply: "Здравствуйте!",
	}
	bot := NewBot(Options{
		AdminUserID:       adminID,
		FreeCredits:       1,
		SubscriptionPrice: decimal.RequireFromString("9.99"),
		SubscriptionDays:  30,
		HistoryLimit:      4,
	}, api, log, l, gen, issuer)
	return &harness{bot: bot, api: api, gen: gen, ledger: l}
}

func command(from int64, text string) *tgbotapi.Message {
	cmd := strings.SplitN(text, " ", 2)[0]
	msg := plain(from, text)
	msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd)}}
	return msg
}

func plain(from int64, text string) *tgbotapi.Message {
	return &tgbotapi.Message{
		From: &tgbotapi.User{ID: from, FirstName: "Anna", UserName: "anna"},
		Chat: &tgbotapi.Chat{ID: from},
		Text: text,
	}
}

func (h *harness) message(msg *tgbotapi.Message) {
	h.bot.handleUpdate(context.Background(), tgbotapi.Update{Message: msg})
}

func (h *harness) callback(from int64, data string) {
	h.bot.handleUpdate(context.Background(), tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb",
		From:    &tgbotapi.User{ID: from},
		Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: from}},
		Data:    data,
	}})
}

func TestStartRegistersUser(t *testing.T) {
	h := newHarness(t)
	h.message(command(userID, "/start"))

	u, err := h.ledger.GetUser(context.Background(), userID)
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, 1, u.Credits)
	assert.Equal(t, "anna", u.Username)
	assert.Contains(t, h.api.texts(), "Привет, Anna!")
}

func TestImageCommand(t *testing.T) {
	h := newHarness(t)
	h.message(command(userID, "/image a lighthouse at dawn"))

	assert.Equal(t, []string{"a lighthouse at dawn"}, h.gen.prompts)
	photos := h.api.photos()
	require.Len(t, photos, 1)
	assert.Equal(t, tgbotapi.FileURL("https://cdn.example.com/generations/1.png"), photos[0].File)
	assert.Contains(t, photos[0].Caption, "Списан 1 кредит")
}

func TestGenerateWaitsForPrompt(t *testing.T) {
	h := newHarness(t)
	h.message(command(userID, "/generate"))
	assert.Empty(t, h.gen.prompts)
	assert.Contains(t, h.api.lastMessage().Text, "Опишите изображение")

	h.message(plain(userID, "a red fox in snow"))
	assert.Equal(t, []string{"a red fox in snow"}, h.gen.prompts)

	h.message(plain(userID, "thanks"))
	assert.Len(t, h.gen.prompts, 1)
	assert.Len(t, h.gen.histories, 1)
}

func TestImageTriggerInText(t *testing.T) {
	h := newHarness(t)
	h.message(plain(userID, "Нарисуй: кота в шляпе"))
	assert.Equal(t, []string{"кота в шляпе"}, h.gen.prompts)
}

func TestGenerationErrorsMapToUserText(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"rejected", apperr.Newf(apperr.KindContentRejected, "generate image", "rule blocked_term"), "нарушает правила"},
		{"validation", apperr.Newf(apperr.KindValidation, "generate image", "prompt too_short"), "слишком короткое"},
		{"balance", apperr.Newf(apperr.KindInsufficientBalance, "generate image", "no credits"), "/buy"},
		{"throttled", apperr.Newf(apperr.KindRateLimited, "throttle image", "retry after 5s"), "Слишком много запросов"},
		{"backend", errors.New("generate image: upstream 502 secret-token"), "Что-то пошло не так"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.gen.imageErr = tc.err
			h.message(command(userID, "/image a cat"))

			last := h.api.lastMessage().Text
			assert.Contains(t, last, tc.want)
			assert.NotContains(t, h.api.texts(), "secret-token")
			assert.Empty(t, h.api.photos())
		})
	}
}

func TestChatKeepsBoundedHistory(t *testing.T) {
	h := newHarness(t)
	h.message(plain(userID, "one"))
	h.message(plain(userID, "two"))
	h.message(plain(userID, "three"))

	require.Len(t, h.gen.histories, 3)
	assert.Len(t, h.gen.histories[0], 1)
	assert.Len(t, h.gen.histories[1], 3)
	// Limit 4 keeps the last two exchanges.
	assert.Len(t, h.gen.histories[2], 5)
	assert.Equal(t, "three", h.gen.histories[2][4].Content)
	assert.Contains(t, h.api.texts(), "Здравствуйте!")

	h.message(command(userID, "/clear"))
	h.message(plain(userID, "again"))
	assert.Len(t, h.gen.histories[3], 1)
}

func TestBuyFlow(t *testing.T) {
	h := newHarness(t)
	h.message(command(userID, "/buy"))

	kb, ok := h.api.lastMessage().ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	require.True(t, ok)
	require.Len(t, kb.InlineKeyboard, 1)
	require.NotNil(t, kb.InlineKeyboard[0][0].CallbackData)
	assert.Equal(t, "buy:btc", *kb.InlineKeyboard[0][0].CallbackData)

	h.callback(userID, "buy:btc")
	text := h.api.lastMessage().Text
	assert.Contains(t, text, "bc1qexamplewallet")
	assert.Contains(t, text, "9.99 USD")
	assert.Contains(t, text, "AIBOT-")

	pending, err := h.ledger.ListPendingTransactions(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, userID, pending[0].UserID)
	assert.Equal(t, models.PaymentBTC, pending[0].PaymentMethod)

	h.callback(userID, "buy:paypal")
	assert.Contains(t, h.api.lastMessage().Text, "недоступен")
	pending, err = h.ledger.ListPendingTransactions(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestBalance(t *testing.T) {
	h := newHarness(t)
	h.message(command(userID, "/balance"))
	assert.Contains(t, h.api.lastMessage().Text, "Кредиты: 1")
	assert.Contains(t, h.api.lastMessage().Text, "Подписки нет")

	_, err := h.ledger.ActivateSubscription(context.Background(), userID, 30)
	require.NoError(t, err)
	h.message(command(userID, "/balance"))
	assert.Contains(t, h.api.lastMessage().Text, "Подписка активна до")
}

func TestStatsIsAdminOnly(t *testing.T) {
	h := newHarness(t)
	h.message(command(userID, "/stats"))
	assert.Contains(t, h.api.lastMessage().Text, "Неизвестная команда")

	h.message(command(adminID, "/stats"))
	assert.Contains(t, h.api.lastMessage().Text, "Пользователей: 2")
}

func TestVoiceMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("OggS-voice"))
	}))
	defer srv.Close()

	h := newHarness(t)
	h.api.fileURL = srv.URL + "/voice.ogg"
	h.gen.transcript = "какая погода"
	h.gen.speech = []byte("OggS-reply")

	msg := plain(userID, "")
	msg.Voice = &tgbotapi.Voice{FileID: "voice-1"}
	h.message(msg)

	texts := h.api.texts()
	assert.Contains(t, texts, "Распознано: какая погода")
	assert.Contains(t, texts, "Здравствуйте!")
	require.Len(t, h.gen.histories, 1)
	assert.Equal(t, "какая погода", h.gen.histories[0][0].Content)

	h.api.mu.Lock()
	last := h.api.sent[len(h.api.sent)-1]
	h.api.mu.Unlock()
	voice, ok := last.(tgbotapi.VoiceConfig)
	require.True(t, ok)
	assert.Equal(t, tgbotapi.FileBytes{Name: "reply.ogg", Bytes: []byte("OggS-reply")}, voice.File)
}

func TestRunDispatchesUntilCancelled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.bot.Run(ctx) }()

	h.api.updates <- tgbotapi.Update{Message: command(userID, "/help")}
	require.Eventually(t, func() bool {
		return strings.Contains(h.api.texts(), "/image <описание>")
	}, time.Second, 10*time.Millisecond)
	cancel()
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
}

func TestImagePromptFromText(t *testing.T) {
	cases := []struct {
		in     string
		prompt string
		ok     bool
	}{
		{"draw a castle", "a castle", true},
		{"Generate image: neon city", "neon city", true},
		{"нарисуй закат", "закат", true},
		{"drawing tips please", "", false},
		{"нарисуй", "", false},
		{"how are you", "", false},
	}
	for _, tc := range cases {
		prompt, ok := imagePromptFromText(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.Equal(t, tc.prompt, prompt, tc.in)
	}
}

func TestSplitMessage(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitMessage("short", 10))

	long := strings.Repeat("а", 80) + "\n" + strings.Repeat("б", 80)
	parts := splitMessage(long, 100)
	require.Len(t, parts, 2)
	assert.Equal(t, 80, utf8.RuneCountInString(parts[0]))
	assert.Equal(t, strings.Repeat("б", 80), parts[1])

	parts = splitMessage(strings.Repeat("x", 250), 100)
	require.Len(t, parts, 3)
	assert.Len(t, parts[2], 50)
}

func TestStateResetClearsPendingPrompt(t *testing.T) {
	h := newHarness(t)
	h.message(command(userID, "/generate"))
	h.api.reset()
	h.message(command(userID, "/start"))
	h.message(plain(userID, "hello there"))
	assert.Empty(t, h.gen.prompts)
	assert.Len(t, h.gen.histories, 1)
}
