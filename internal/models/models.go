package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type PaymentMethod string

const (
	PaymentPayPal PaymentMethod = "paypal"
	PaymentStripe PaymentMethod = "stripe"
	PaymentBTC    PaymentMethod = "btc"
	PaymentUSDT   PaymentMethod = "usdt"
)

// PaymentMethods lists the supported methods in display order.
var PaymentMethods = []PaymentMethod{PaymentPayPal, PaymentStripe, PaymentBTC, PaymentUSDT}

func ParsePaymentMethod(raw string) (PaymentMethod, bool) {
	m := PaymentMethod(strings.ToLower(strings.TrimSpace(raw)))
	switch m {
	case PaymentPayPal, PaymentStripe, PaymentBTC, PaymentUSDT:
		return m, true
	}
	return "", false
}

// IsCrypto reports whether the method settles to a wallet address instead of
// a hosted checkout page.
func (m PaymentMethod) IsCrypto() bool {
	return m == PaymentBTC || m == PaymentUSDT
}

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusConfirmed TransactionStatus = "confirmed"
	StatusFailed    TransactionStatus = "failed"
)

func ParseTransactionStatus(raw string) (TransactionStatus, error) {
	s := TransactionStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case StatusPending, StatusConfirmed, StatusFailed:
		return s, nil
	}
	return "", fmt.Errorf("unknown transaction status %q", raw)
}

// CanTransition allows only pending -> confirmed and pending -> failed.
func (s TransactionStatus) CanTransition(to TransactionStatus) bool {
	return s == StatusPending && (to == StatusConfirmed || to == StatusFailed)
}

type SubscriptionState string

const (
	SubscriptionNone    SubscriptionState = "none"
	SubscriptionActive  SubscriptionState = "active"
	SubscriptionExpired SubscriptionState = "expired"
)

// Profile is the chat-side identity refreshed on every contact.
type Profile struct {
	UserID    int64
	Username  string
	FirstName string
	LastName  string
}

type User struct {
	UserID              int64      `json:"user_id"`
	Username            string     `json:"username,omitempty"`
	FirstName           string     `json:"first_name,omitempty"`
	LastName            string     `json:"last_name,omitempty"`
	Credits             int        `json:"credits"`
	SubscriptionActive  bool       `json:"subscription_active"`
	SubscriptionEndDate *time.Time `json:"subscription_end_date,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	LastActiveAt        time.Time  `json:"last_active"`
}

// SubscriptionState is derived from the stored flag and end date against now.
func (u *User) SubscriptionState(now time.Time) SubscriptionState {
	if !u.SubscriptionActive || u.SubscriptionEndDate == nil {
		return SubscriptionNone
	}
	if u.SubscriptionEndDate.After(now) {
		return SubscriptionActive
	}
	return SubscriptionExpired
}

func (u *User) Subscribed(now time.Time) bool {
	return u.SubscriptionState(now) == SubscriptionActive
}

func (u *User) Entitled(now time.Time) bool {
	return u.Subscribed(now) || u.Credits > 0
}

type Transaction struct {
	ID                int64             `json:"id"`
	UserID            int64             `json:"user_id"`
	Amount            decimal.Decimal   `json:"amount"`
	Currency          string            `json:"currency"`
	PaymentMethod     PaymentMethod     `json:"payment_method"`
	ExternalReference string            `json:"external_reference"`
	Status            TransactionStatus `json:"status"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

type Generation struct {
	ID            int64     `json:"id"`
	UserID        int64     `json:"user_id"`
	Prompt        string    `json:"prompt"`
	ResultLocator string    `json:"result_locator"`
	CreatedAt     time.Time `json:"created_at"`
}

// PaymentIntent is handed back to the user. Exactly one of RedirectURL and
// WalletAddress is set.
type PaymentIntent struct {
	TransactionID     int64
	UserID            int64
	Amount            decimal.Decimal
	Currency          string
	Method            PaymentMethod
	ExternalReference string
	RedirectURL       string
	WalletAddress     string
}

type Stats struct {
	TotalUsers        int64 `json:"total_users"`
	ActiveSubscribers int64 `json:"active_subscribers"`
	TotalGenerations  int64 `json:"total_generations"`
}
