package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUserEntitlement(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(24 * time.Hour)
	past := now.Add(-time.Second)

	tests := []struct {
		name     string
		user     User
		state    SubscriptionState
		entitled bool
	}{
		{"credits only", User{Credits: 1}, SubscriptionNone, true},
		{"nothing", User{}, SubscriptionNone, false},
		{"active subscription", User{SubscriptionActive: true, SubscriptionEndDate: &future}, SubscriptionActive, true},
		{"expired subscription", User{SubscriptionActive: true, SubscriptionEndDate: &past}, SubscriptionExpired, false},
		{"expired with credits", User{Credits: 2, SubscriptionActive: true, SubscriptionEndDate: &past}, SubscriptionExpired, true},
		{"end date exactly now", User{SubscriptionActive: true, SubscriptionEndDate: &now}, SubscriptionExpired, false},
		{"flag without date", User{SubscriptionActive: true}, SubscriptionNone, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.state, tt.user.SubscriptionState(now))
			assert.Equal(t, tt.entitled, tt.user.Entitled(now))
		})
	}
}

func TestTransactionStatusTransitions(t *testing.T) {
	assert.True(t, StatusPending.CanTransition(StatusConfirmed))
	assert.True(t, StatusPending.CanTransition(StatusFailed))
	assert.False(t, StatusPending.CanTransition(StatusPending))
	assert.False(t, StatusConfirmed.CanTransition(StatusPending))
	assert.False(t, StatusConfirmed.CanTransition(StatusFailed))
	assert.False(t, StatusFailed.CanTransition(StatusConfirmed))
}

func TestParsePaymentMethod(t *testing.T) {
	m, ok := ParsePaymentMethod(" USDT ")
	assert.True(t, ok)
	assert.Equal(t, PaymentUSDT, m)
	assert.True(t, m.IsCrypto())

	_, ok = ParsePaymentMethod("venmo")
	assert.False(t, ok)
}
