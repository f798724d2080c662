package services

import (
	"context"
	"regexp"
	"strings"

	"github.com/ruralpay/echobank/internal/session"
	"github.com/shopspring/decimal"
)

// Intent is the coarse label attached to an utterance
type Intent string

const (
	IntentTransfer         Intent = "transfer"
	IntentCheckBalance     Intent = "check_balance"
	IntentViewRecipients   Intent = "view_recipients"
	IntentViewTransactions Intent = "view_transactions"
	IntentAddRecipient     Intent = "add_recipient"
	IntentConfirm          Intent = "confirm"
	IntentCancel           Intent = "cancel"
	IntentStartOver        Intent = "start_over"
	IntentProvidePin       Intent = "provide_pin"
	IntentUnknown          Intent = "unknown"
)

var knownIntents = map[Intent]bool{
	IntentTransfer: true, IntentCheckBalance: true, IntentViewRecipients: true,
	IntentViewTransactions: true, IntentAddRecipient: true, IntentConfirm: true,
	IntentCancel: true, IntentStartOver: true, IntentProvidePin: true, IntentUnknown: true,
}

// ParseIntent maps a label to a known intent, defaulting to unknown
func ParseIntent(label string) Intent {
	intent := Intent(strings.ToLower(strings.TrimSpace(label)))
	if knownIntents[intent] {
		return intent
	}
	return IntentUnknown
}

type ClassifiedEntities struct {
	Recipient string           `json:"recipient,omitempty"`
	Amount    *decimal.Decimal `json:"amount,omitempty"`
}

type Classification struct {
	Intent     Intent             `json:"intent"`
	Confidence float64            `json:"confidence"`
	Entities   ClassifiedEntities `json:"entities"`
}

// Classifier labels an utterance. state is the conversation state the
// utterance arrives in and may be used as context.
type Classifier interface {
	Classify(ctx context.Context, text string, state session.State) (*Classification, error)
}

var (
	startOverPhrases = []string{"start over", "restart", "begin again"}

	cancelWords    = []string{"cancel", "stop", "abort", "no"}
	confirmWords   = []string{"confirm", "yes", "proceed", "go ahead", "okay", "ok"}
	addRecipient   = []string{"add recipient", "add beneficiary", "new recipient", "new beneficiary", "add a recipient"}
	balanceWords   = []string{"balance", "how much do i have", "how much money"}
	recipientWords = []string{"recipient", "beneficiar", "contacts", "who can i send"}
	historyWords   = []string{"transaction", "history", "statement", "recent"}
	transferWords  = []string{"send", "transfer", "pay", "give"}

	pinSeparators = strings.NewReplacer(" ", "", "-", "")
	pinOnly       = regexp.MustCompile(`^\d{4,6}$`)
	digitAmount   = regexp.MustCompile(`(\d[\d,]*(?:\.\d+)?)\s*(k|thousand|m|million)?\b`)
	recipientTail = regexp.MustCompile(`\bto\s+(.+)$`)
	wordSplitter  = regexp.MustCompile(`[^a-z0-9']+`)
)

var numberWords = map[string]int64{
	"zero": 0, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5, "six": 6, "seven": 7,
	"eight": 8, "nine": 9, "ten": 10, "eleven": 11, "twelve": 12, "thirteen": 13,
	"fourteen": 14, "fifteen": 15, "sixteen": 16, "seventeen": 17, "eighteen": 18,
	"nineteen": 19, "twenty": 20, "thirty": 30, "forty": 40, "fifty": 50, "sixty": 60,
	"seventy": 70, "eighty": 80, "ninety": 90,
}

var numberScales = map[string]int64{"thousand": 1000, "million": 1000000}

// normalizePin strips the separators people say or type between digits
func normalizePin(text string) string {
	return pinSeparators.Replace(strings.TrimSpace(text))
}

// looksLikePin reports 4 to 6 digits once separators are removed
func looksLikePin(text string) bool {
	return pinOnly.MatchString(normalizePin(text))
}

func isStartOver(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	for _, phrase := range startOverPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

func containsAny(text string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(text, n) {
			return true
		}
	}
	return false
}

func hasWord(words []string, candidates []string) bool {
	for _, w := range words {
		for _, c := range candidates {
			if w == c {
				return true
			}
		}
	}
	return false
}

// keywordIntent is the bucket scan used when a classifier is unsure
func keywordIntent(text string) Intent {
	lower := strings.ToLower(text)
	switch {
	case containsAny(lower, balanceWords):
		return IntentCheckBalance
	case containsAny(lower, recipientWords):
		return IntentViewRecipients
	case containsAny(lower, historyWords):
		return IntentViewTransactions
	case containsAny(lower, transferWords):
		return IntentTransfer
	}
	return IntentUnknown
}

// parseAmount reads "5000", "5,000", "5k", "2.5 million" or "five thousand"
func parseAmount(text string) *decimal.Decimal {
	lower := strings.ToLower(text)

	if m := digitAmount.FindStringSubmatch(lower); m != nil {
		value, err := decimal.NewFromString(strings.ReplaceAll(m[1], ",", ""))
		if err == nil {
			switch m[2] {
			case "k", "thousand":
				value = value.Mul(decimal.NewFromInt(1000))
			case "m", "million":
				value = value.Mul(decimal.NewFromInt(1000000))
			}
			return &value
		}
	}

	var total, current int64
	found := false
	for _, word := range wordSplitter.Split(lower, -1) {
		if n, ok := numberWords[word]; ok {
			current += n
			found = true
			continue
		}
		switch {
		case word == "hundred" && found:
			current *= 100
		case numberScales[word] > 0 && found:
			total += current * numberScales[word]
			current = 0
		}
	}
	if !found || total+current == 0 {
		return nil
	}
	value := decimal.NewFromInt(total + current)
	return &value
}

// parseRecipient takes the words after "to", stopping at the amount
func parseRecipient(text string) string {
	m := recipientTail.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return ""
	}

	var name []string
	for _, word := range strings.Fields(m[1]) {
		lower := strings.ToLower(strings.Trim(word, ".,!?"))
		if lower == "naira" || lower == "ngn" || digitAmount.MatchString(lower) || numberWords[lower] > 0 {
			break
		}
		name = append(name, strings.Trim(word, ".,!?"))
	}
	return strings.Join(name, " ")
}

// KeywordClassifier is a rule-based classifier used when no model endpoint
// is configured, and as the entity extractor behind it
type KeywordClassifier struct{}

func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{}
}

func (k *KeywordClassifier) Classify(ctx context.Context, text string, state session.State) (*Classification, error) {
	lower := strings.ToLower(strings.TrimSpace(text))
	words := wordSplitter.Split(lower, -1)
	entities := ClassifiedEntities{
		Recipient: parseRecipient(text),
		Amount:    parseAmount(text),
	}

	result := &Classification{Intent: IntentUnknown, Entities: entities}
	switch {
	case lower == "":
	case looksLikePin(text):
		result.Intent = IntentProvidePin
		result.Entities.Recipient = ""
	case isStartOver(lower):
		result.Intent = IntentStartOver
	case hasWord(words, cancelWords):
		result.Intent = IntentCancel
	case containsAny(lower, addRecipient):
		result.Intent = IntentAddRecipient
	case containsAny(lower, transferWords) && (entities.Amount != nil || entities.Recipient != ""):
		result.Intent = IntentTransfer
	case hasWord(words, confirmWords) || strings.Contains(lower, "go ahead"):
		result.Intent = IntentConfirm
	default:
		result.Intent = keywordIntent(lower)
	}

	if result.Intent != IntentUnknown {
		result.Confidence = 0.9
	}
	return result, nil
}
