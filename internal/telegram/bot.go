package telegram

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"

	"github.com/digkill/AIImageBot/internal/apperr"
	"github.com/digkill/AIImageBot/internal/genai"
	"github.com/digkill/AIImageBot/internal/models"
	"github.com/digkill/AIImageBot/internal/service"
)

const (
	maxMessageRunes = 4096
	maxVoiceBytes   = 20 << 20
	buyPrefix       = "buy:"
)

// imageTriggers start a free-text message that asks for a picture instead of
// a chat reply.
var imageTriggers = []string{
	"нарисуй",
	"сгенерируй картинку",
	"создай картинку",
	"создай изображение",
	"draw",
	"generate image",
	"create image",
}

// API is the subset of tgbotapi.BotAPI the bot relies on.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

type Accounts interface {
	Now() time.Time
	EnsureUser(ctx context.Context, p models.Profile) (bool, error)
	TouchActivity(ctx context.Context, userID int64)
	GetUser(ctx context.Context, userID int64) (*models.User, error)
	GetStats(ctx context.Context) (models.Stats, error)
}

type Generator interface {
	GenerateImage(ctx context.Context, userID int64, prompt string) (*service.GenerationResult, error)
	Chat(ctx context.Context, userID int64, history []genai.Message) (string, error)
	Transcribe(ctx context.Context, userID int64, audio io.Reader, filename string) (string, error)
	Speak(ctx context.Context, text string) ([]byte, error)
}

type Payments interface {
	Available() []models.PaymentMethod
	CreateIntent(ctx context.Context, userID int64, amount decimal.Decimal, method string) (*models.PaymentIntent, error)
}

type Options struct {
	AdminUserID       int64
	FreeCredits       int
	SubscriptionPrice decimal.Decimal
	SubscriptionDays  int
	HistoryLimit      int
}

type Bot struct {
	opts       Options
	api        API
	log        *slog.Logger
	accounts   Accounts
	generator  Generator
	payments   Payments
	state      *StateManager
	httpClient *http.Client
	wg         sync.WaitGroup
}

func NewBot(opts Options, api API, log *slog.Logger, accounts Accounts, generator Generator, payments Payments) *Bot {
	return &Bot{
		opts:       opts,
		api:        api,
		log:        log,
		accounts:   accounts,
		generator:  generator,
		payments:   payments,
		state:      NewStateManager(opts.HistoryLimit),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// Run handles each update on its own goroutine so a slow generation for one
// user does not hold up the others. It waits for in-flight handlers before
// returning.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.log.Info("telegram bot started")
	defer b.wg.Wait()

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.handleUpdate(ctx, update)
			}()
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return ctx.Err()
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.Message != nil:
		b.handleMessage(ctx, update.Message)
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil {
		return
	}
	chatID := msg.Chat.ID
	userID := msg.From.ID
	if err := b.ensureUser(ctx, msg.From); err != nil {
		b.log.Error("ensure user", "user_id", userID, "err", err)
		b.sendText(chatID, "Сервис временно недоступен, попробуйте позже.")
		return
	}

	if msg.Voice != nil {
		b.handleVoice(ctx, msg)
		return
	}
	if msg.IsCommand() {
		b.handleCommand(ctx, msg)
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	if b.state.State(chatID) == StateAwaitingPrompt {
		b.state.SetState(chatID, StateIdle)
		b.generateImage(ctx, chatID, userID, text)
		return
	}
	if prompt, ok := imagePromptFromText(text); ok {
		b.generateImage(ctx, chatID, userID, prompt)
		return
	}
	if reply, ok := b.chat(ctx, chatID, userID, text); ok {
		b.sendText(chatID, reply)
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	userID := msg.From.ID

	switch msg.Command() {
	case "start":
		b.state.Reset(chatID)
		text := fmt.Sprintf(
			"Привет, %s!\n\nЯ отвечаю на сообщения и голосовые и рисую картинки по описанию.\nНовым пользователям доступно %d бесплатных генераций, дальше по подписке.\n\nКоманды:\n/image <описание> — создать изображение\n/balance — баланс и подписка\n/buy — оформить подписку\n/clear — очистить историю диалога\n/help — помощь",
			msg.From.FirstName, b.opts.FreeCredits,
		)
		b.sendText(chatID, text)
	case "help":
		b.sendText(chatID, "Команды:\n/image <описание> — создать изображение\n/generate — ввести описание следующим сообщением\n/balance — баланс и подписка\n/buy — оформить подписку\n/clear — очистить историю диалога\n\nПросто напишите или надиктуйте сообщение, чтобы поговорить с ассистентом.")
	case "image", "generate":
		prompt := strings.TrimSpace(msg.CommandArguments())
		if prompt == "" {
			b.state.SetState(chatID, StateAwaitingPrompt)
			b.sendText(chatID, "Опишите изображение, которое нужно создать.")
			return
		}
		b.generateImage(ctx, chatID, userID, prompt)
	case "balance":
		b.handleBalance(ctx, chatID, userID)
	case "buy":
		b.promptPaymentMethod(chatID)
	case "clear":
		b.state.Reset(chatID)
		b.sendText(chatID, "История диалога очищена.")
	case "stats":
		if b.opts.AdminUserID == 0 || userID != b.opts.AdminUserID {
			b.sendText(chatID, "Неизвестная команда. Используйте /help.")
			return
		}
		b.handleStats(ctx, chatID)
	default:
		b.sendText(chatID, "Неизвестная команда. Используйте /help.")
	}
}

func (b *Bot) handleBalance(ctx context.Context, chatID, userID int64) {
	user, err := b.accounts.GetUser(ctx, userID)
	if err != nil || user == nil {
		b.replyError(chatID, userID, err)
		return
	}
	text := fmt.Sprintf("Кредиты: %d", user.Credits)
	switch user.SubscriptionState(b.accounts.Now()) {
	case models.SubscriptionActive:
		text += fmt.Sprintf("\nПодписка активна до %s", user.SubscriptionEndDate.Format("02.01.2006"))
	case models.SubscriptionExpired:
		text += "\nПодписка истекла. Продлить: /buy"
	default:
		text += "\nПодписки нет. Оформить: /buy"
	}
	b.sendText(chatID, text)
}

func (b *Bot) handleStats(ctx context.Context, chatID int64) {
	stats, err := b.accounts.GetStats(ctx)
	if err != nil {
		b.replyError(chatID, 0, err)
		return
	}
	b.sendText(chatID, fmt.Sprintf("Пользователей: %d\nАктивных подписок: %d\nГенераций: %d",
		stats.TotalUsers, stats.ActiveSubscribers, stats.TotalGenerations))
}

func (b *Bot) promptPaymentMethod(chatID int64) {
	methods := b.payments.Available()
	if len(methods) == 0 {
		b.sendText(chatID, "Оплата временно недоступна, попробуйте позже.")
		return
	}
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(methods))
	for _, m := range methods {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(methodTitle(m), buyPrefix+string(m)),
		))
	}
	msg := tgbotapi.NewMessage(chatID, fmt.Sprintf(
		"Подписка на %d дней без ограничений: %s USD.\nВыберите способ оплаты:",
		b.opts.SubscriptionDays, b.opts.SubscriptionPrice.StringFixed(2),
	))
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send keyboard", "err", err)
	}
}

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if cb.From == nil || cb.Message == nil || cb.Message.Chat == nil {
		return
	}
	if _, err := b.api.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
		b.log.Error("callback ack", "err", err)
	}
	chatID := cb.Message.Chat.ID
	userID := cb.From.ID
	b.accounts.TouchActivity(ctx, userID)

	method, ok := strings.CutPrefix(cb.Data, buyPrefix)
	if !ok {
		b.sendText(chatID, "Неизвестный выбор.")
		return
	}
	intent, err := b.payments.CreateIntent(ctx, userID, b.opts.SubscriptionPrice, method)
	if err != nil {
		b.replyError(chatID, userID, err)
		return
	}
	b.sendText(chatID, intentText(intent))
}

func intentText(intent *models.PaymentIntent) string {
	amount := intent.Amount.StringFixed(2) + " " + intent.Currency
	if intent.RedirectURL != "" {
		return fmt.Sprintf("Сумма: %s\nОплатите по ссылке:\n%s\n\nНомер платежа: %s. Подписка активируется после подтверждения оплаты.",
			amount, intent.RedirectURL, intent.ExternalReference)
	}
	return fmt.Sprintf("Переведите эквивалент %s в %s на адрес:\n%s\n\nУкажите в комментарии к переводу: %s\nПодписка активируется после подтверждения оплаты.",
		amount, strings.ToUpper(string(intent.Method)), intent.WalletAddress, intent.ExternalReference)
}

func methodTitle(m models.PaymentMethod) string {
	switch m {
	case models.PaymentPayPal:
		return "PayPal"
	case models.PaymentStripe:
		return "Банковская карта (Stripe)"
	case models.PaymentBTC:
		return "Bitcoin"
	case models.PaymentUSDT:
		return "USDT"
	default:
		return string(m)
	}
}

func (b *Bot) generateImage(ctx context.Context, chatID, userID int64, prompt string) {
	b.sendText(chatID, "Генерация началась, это может занять до минуты.")
	if _, err := b.api.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatUploadPhoto)); err != nil {
		b.log.Debug("chat action", "err", err)
	}

	result, err := b.generator.GenerateImage(ctx, userID, prompt)
	if err != nil {
		b.replyError(chatID, userID, err)
		return
	}
	b.deliverImage(chatID, result)
}

func (b *Bot) deliverImage(chatID int64, result *service.GenerationResult) {
	var cfg tgbotapi.PhotoConfig
	switch {
	case len(result.Image.Bytes) > 0:
		cfg = tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{
			Name:  "generation.png",
			Bytes: result.Image.Bytes,
		})
	case result.Locator != "":
		cfg = tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(result.Locator))
	case result.Image.URL != "":
		cfg = tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(result.Image.URL))
	default:
		b.sendText(chatID, "Не удалось получить результат.")
		return
	}
	switch {
	case result.Subscribed:
		cfg.Caption = "Готово! Подписка активна."
	case result.Charged:
		cfg.Caption = "Готово! Списан 1 кредит."
	default:
		cfg.Caption = "Готово!"
	}
	if _, err := b.api.Send(cfg); err != nil {
		b.log.Error("send image", "err", err)
	}
}

// chat sends text with the chat history and records the exchange. It reports
// false after it has already told the user what went wrong.
func (b *Bot) chat(ctx context.Context, chatID, userID int64, text string) (string, bool) {
	history := append(b.state.History(chatID), genai.Message{Role: genai.RoleUser, Content: text})
	reply, err := b.generator.Chat(ctx, userID, history)
	if err != nil {
		b.replyError(chatID, userID, err)
		return "", false
	}
	if strings.TrimSpace(reply) == "" {
		b.sendText(chatID, "Не удалось сформировать ответ, попробуйте переформулировать.")
		return "", false
	}
	b.state.Append(chatID,
		genai.Message{Role: genai.RoleUser, Content: text},
		genai.Message{Role: genai.RoleAssistant, Content: reply},
	)
	return reply, true
}

// handleVoice transcribes the message, answers it like text and adds a
// spoken copy of the answer.
func (b *Bot) handleVoice(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	userID := msg.From.ID

	data, err := b.downloadFile(ctx, msg.Voice.FileID)
	if err != nil {
		b.log.Error("download voice", "user_id", userID, "err", err)
		b.sendText(chatID, "Не удалось получить голосовое сообщение, попробуйте снова.")
		return
	}
	text, err := b.generator.Transcribe(ctx, userID, bytes.NewReader(data), "voice.ogg")
	if err != nil {
		b.replyError(chatID, userID, err)
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		b.sendText(chatID, "Не удалось распознать речь.")
		return
	}
	b.sendText(chatID, "Распознано: "+text)

	reply, ok := b.chat(ctx, chatID, userID, text)
	if !ok {
		return
	}
	b.sendText(chatID, reply)

	audio, err := b.generator.Speak(ctx, reply)
	if err != nil {
		b.log.Warn("speech synthesis failed", "user_id", userID, "err", err)
		return
	}
	voice := tgbotapi.NewVoice(chatID, tgbotapi.FileBytes{Name: "reply.ogg", Bytes: audio})
	if _, err := b.api.Send(voice); err != nil {
		b.log.Error("send voice", "err", err)
	}
}

func (b *Bot) downloadFile(ctx context.Context, fileID string) ([]byte, error) {
	url, err := b.api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("telegram file status: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxVoiceBytes))
	if err != nil {
		return nil, fmt.Errorf("read file body: %w", err)
	}
	return body, nil
}

// replyError turns an error into user-facing text. Internal details stay in
// the log.
func (b *Bot) replyError(chatID, userID int64, err error) {
	switch apperr.KindOf(err) {
	case apperr.KindContentRejected:
		b.sendText(chatID, "Запрос нарушает правила использования. Попробуйте другое описание.")
	case apperr.KindValidation:
		b.sendText(chatID, "Описание слишком короткое или слишком длинное. Попробуйте другое.")
	case apperr.KindInsufficientBalance:
		b.sendText(chatID, "Бесплатные генерации закончились. Оформите подписку: /buy")
	case apperr.KindRateLimited:
		b.sendText(chatID, "Слишком много запросов. Подождите немного и попробуйте снова.")
	case apperr.KindMethodUnavailable, apperr.KindUnsupportedMethod:
		b.sendText(chatID, "Этот способ оплаты сейчас недоступен. Выберите другой: /buy")
	default:
		b.log.Error("request failed", "user_id", userID, "err", err)
		b.sendText(chatID, "Что-то пошло не так, попробуйте позже.")
	}
}

func (b *Bot) ensureUser(ctx context.Context, from *tgbotapi.User) error {
	_, err := b.accounts.EnsureUser(ctx, models.Profile{
		UserID:    from.ID,
		Username:  from.UserName,
		FirstName: from.FirstName,
		LastName:  from.LastName,
	})
	return err
}

// sendText splits long replies at Telegram's message limit.
func (b *Bot) sendText(chatID int64, text string) {
	for _, part := range splitMessage(text, maxMessageRunes) {
		if _, err := b.api.Send(tgbotapi.NewMessage(chatID, part)); err != nil {
			b.log.Error("send text", "err", err)
			return
		}
	}
}

func splitMessage(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var parts []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := limit
		for i := limit; i > limit/2; i-- {
			if runes[i] == '\n' {
				cut = i
				break
			}
		}
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
		if len(runes) > 0 && runes[0] == '\n' {
			runes = runes[1:]
		}
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}

func imagePromptFromText(text string) (string, bool) {
	for _, trigger := range imageTriggers {
		if len(text) < len(trigger) || !strings.EqualFold(text[:len(trigger)], trigger) {
			continue
		}
		rest := text[len(trigger):]
		if rest != "" && rest[0] != ' ' && rest[0] != ':' && rest[0] != ',' {
			continue
		}
		prompt := strings.TrimSpace(strings.TrimLeft(rest, " :,"))
		if prompt == "" {
			return "", false
		}
		return prompt, true
	}
	return "", false
}
