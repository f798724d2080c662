package services

import (
	"context"
	"testing"

	"github.com/ruralpay/echobank/internal/session"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"send 5000 to John", "5000"},
		{"send 5,000 naira to John", "5000"},
		{"pay Ada 2.5k", "2500"},
		{"transfer 1.5 million", "1500000"},
		{"send five thousand naira to John", "5000"},
		{"twenty five thousand five hundred", "25500"},
		{"two hundred", "200"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			amount := parseAmount(tt.input)
			require.NotNil(t, amount)
			assert.True(t, amount.Equal(decimal.RequireFromString(tt.expected)), "got %s", amount)
		})
	}

	assert.Nil(t, parseAmount("send money to John"))
	zero := parseAmount("send 0 to John")
	require.NotNil(t, zero)
	assert.True(t, zero.IsZero())
}

func TestParseRecipient(t *testing.T) {
	assert.Equal(t, "John", parseRecipient("send 5000 to John"))
	assert.Equal(t, "John Okafor", parseRecipient("send five thousand naira to John Okafor."))
	assert.Equal(t, "Ada", parseRecipient("transfer to Ada 2000 naira"))
	assert.Equal(t, "", parseRecipient("send 5000"))
}

func TestPinHelpers(t *testing.T) {
	assert.True(t, looksLikePin("1234"))
	assert.True(t, looksLikePin("1-2-3-4"))
	assert.True(t, looksLikePin(" 12 34 56 "))
	assert.False(t, looksLikePin("123"))
	assert.False(t, looksLikePin("1234567"))
	assert.False(t, looksLikePin("12a4"))
	assert.Equal(t, "1234", normalizePin("1 2-3 4"))
}

func TestKeywordClassifier(t *testing.T) {
	classifier := NewKeywordClassifier()
	ctx := context.Background()

	tests := []struct {
		text   string
		intent Intent
	}{
		{"send 5000 to John", IntentTransfer},
		{"what is my balance", IntentCheckBalance},
		{"show my recipients", IntentViewRecipients},
		{"show my recent transactions", IntentViewTransactions},
		{"I want to add a recipient", IntentAddRecipient},
		{"yes", IntentConfirm},
		{"confirm", IntentConfirm},
		{"cancel", IntentCancel},
		{"no, stop", IntentCancel},
		{"let's start over", IntentStartOver},
		{"1-2-3-4", IntentProvidePin},
		{"Okafor", IntentUnknown},
		{"", IntentUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			c, err := classifier.Classify(ctx, tt.text, session.StateIdle)
			require.NoError(t, err)
			assert.Equal(t, tt.intent, c.Intent)
			if tt.intent == IntentUnknown {
				assert.Zero(t, c.Confidence)
			}
		})
	}

	c, err := classifier.Classify(ctx, "send 5000 to John", session.StateIdle)
	require.NoError(t, err)
	assert.Equal(t, "John", c.Entities.Recipient)
	require.NotNil(t, c.Entities.Amount)
	assert.True(t, c.Entities.Amount.Equal(decimal.NewFromInt(5000)))
}

func TestKeywordIntentBuckets(t *testing.T) {
	assert.Equal(t, IntentCheckBalance, keywordIntent("uh balance please"))
	assert.Equal(t, IntentViewRecipients, keywordIntent("my beneficiaries"))
	assert.Equal(t, IntentViewTransactions, keywordIntent("transaction list"))
	assert.Equal(t, IntentTransfer, keywordIntent("i want to send money"))
	assert.Equal(t, IntentUnknown, keywordIntent("good morning"))
}

func TestParseIntent(t *testing.T) {
	assert.Equal(t, IntentTransfer, ParseIntent(" Transfer "))
	assert.Equal(t, IntentUnknown, ParseIntent("fly_to_moon"))
}
