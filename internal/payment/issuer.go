package payment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/digkill/AIImageBot/internal/apperr"
	"github.com/digkill/AIImageBot/internal/events"
	"github.com/digkill/AIImageBot/internal/models"
)

const (
	paypalSandboxURL = "https://www.sandbox.paypal.com"
	paypalLiveURL    = "https://www.paypal.com"
	stripeCheckout   = "https://checkout.stripe.com/pay/"
	defaultItemName  = "AI Image Bot Premium Subscription"
)

type Config struct {
	PayPalClientID  string
	PayPalSecret    string
	PayPalMode      string
	StripeSecretKey string
	BTCWallet       string
	USDTWallet      string
	Currency        string
	ItemName        string
	ReferencePrefix string
}

// TransactionRecorder persists a pending transaction and returns its id.
type TransactionRecorder interface {
	RecordTransaction(ctx context.Context, t *models.Transaction) (int64, error)
}

// Issuer turns a purchase request into a recorded pending transaction plus
// the instructions the user needs to pay it.
type Issuer struct {
	cfg      Config
	recorder TransactionRecorder
	events   events.Publisher
	log      *slog.Logger
	now      func() time.Time
}

func NewIssuer(cfg Config, recorder TransactionRecorder, publisher events.Publisher, log *slog.Logger) *Issuer {
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	if cfg.ItemName == "" {
		cfg.ItemName = defaultItemName
	}
	if cfg.ReferencePrefix == "" {
		cfg.ReferencePrefix = "AIBOT"
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Issuer{cfg: cfg, recorder: recorder, events: publisher, log: log, now: time.Now}
}

// Available lists the methods that are configured well enough to issue intents.
func (i *Issuer) Available() []models.PaymentMethod {
	var out []models.PaymentMethod
	for _, m := range models.PaymentMethods {
		if i.unavailable(m) == "" {
			out = append(out, m)
		}
	}
	return out
}

func (i *Issuer) unavailable(m models.PaymentMethod) string {
	switch m {
	case models.PaymentPayPal:
		if i.cfg.PayPalClientID == "" || i.cfg.PayPalSecret == "" {
			return "paypal credentials not configured"
		}
	case models.PaymentStripe:
		if i.cfg.StripeSecretKey == "" {
			return "stripe secret key not configured"
		}
	case models.PaymentBTC:
		if i.cfg.BTCWallet == "" {
			return "btc wallet not configured"
		}
	case models.PaymentUSDT:
		if i.cfg.USDTWallet == "" {
			return "usdt wallet not configured"
		}
	}
	return ""
}

// CreateIntent records a pending transaction for the chosen method and
// returns where the user should pay. Nothing is persisted when the method is
// unknown or not configured.
func (i *Issuer) CreateIntent(ctx context.Context, userID int64, amount decimal.Decimal, method string) (*models.PaymentIntent, error) {
	const op = "create payment intent"

	m, ok := models.ParsePaymentMethod(method)
	if !ok {
		return nil, apperr.Newf(apperr.KindUnsupportedMethod, op, "method %q", method).WithUser(userID)
	}
	if !amount.IsPositive() {
		return nil, apperr.Newf(apperr.KindValidation, op, "amount must be positive, got %s", amount).WithUser(userID)
	}
	if reason := i.unavailable(m); reason != "" {
		return nil, apperr.Newf(apperr.KindMethodUnavailable, op, "%s", reason).WithUser(userID)
	}

	at := i.now()
	intent := &models.PaymentIntent{
		UserID:   userID,
		Amount:   amount,
		Currency: i.cfg.Currency,
		Method:   m,
	}
	switch m {
	case models.PaymentPayPal:
		intent.ExternalReference = redirectReference(m, userID, at)
		intent.RedirectURL = i.paypalURL(amount, intent.ExternalReference)
	case models.PaymentStripe:
		intent.ExternalReference = redirectReference(m, userID, at)
		intent.RedirectURL = stripeCheckout + intent.ExternalReference
	case models.PaymentBTC:
		intent.ExternalReference = cryptoReference(i.cfg.ReferencePrefix, userID, m, at)
		intent.WalletAddress = i.cfg.BTCWallet
	case models.PaymentUSDT:
		intent.ExternalReference = cryptoReference(i.cfg.ReferencePrefix, userID, m, at)
		intent.WalletAddress = i.cfg.USDTWallet
	}

	id, err := i.recorder.RecordTransaction(ctx, &models.Transaction{
		UserID:            userID,
		Amount:            amount,
		Currency:          intent.Currency,
		PaymentMethod:     m,
		ExternalReference: intent.ExternalReference,
	})
	if err != nil {
		return nil, fmt.Errorf("record intent: %w", err)
	}
	intent.TransactionID = id

	ev := events.NewEvent(events.TypeIntentCreated)
	ev.UserID = userID
	ev.TransactionID = id
	ev.Reference = intent.ExternalReference
	ev.Method = string(m)
	ev.Amount = amount.StringFixed(2)
	ev.Currency = intent.Currency
	ev.Status = string(models.StatusPending)
	if err := i.events.Publish(ctx, ev); err != nil {
		i.log.Warn("publish intent event failed", "reference", ev.Reference, "err", err)
	}

	i.log.Info("payment intent created", "user_id", userID, "transaction_id", id, "method", m, "reference", intent.ExternalReference)
	return intent, nil
}

func (i *Issuer) paypalURL(amount decimal.Decimal, ref string) string {
	base := paypalSandboxURL
	if strings.EqualFold(i.cfg.PayPalMode, "live") {
		base = paypalLiveURL
	}
	q := url.Values{}
	q.Set("cmd", "_xclick")
	q.Set("business", i.cfg.PayPalClientID)
	q.Set("item_name", i.cfg.ItemName)
	q.Set("amount", amount.StringFixed(2))
	q.Set("currency_code", i.cfg.Currency)
	q.Set("custom", ref)
	return base + "/cgi-bin/webscr?" + q.Encode()
}

func redirectReference(m models.PaymentMethod, userID int64, at time.Time) string {
	return fmt.Sprintf("%s_%d_%d", m, userID, at.UnixNano())
}

// cryptoReference is short enough to paste into a transfer memo.
func cryptoReference(prefix string, userID int64, m models.PaymentMethod, at time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d_%s_%d", userID, strings.ToUpper(string(m)), at.UnixNano())))
	return prefix + "-" + strings.ToUpper(hex.EncodeToString(sum[:])[:12])
}
