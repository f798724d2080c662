package config

import (
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

type VoiceConfig struct {
	SessionTTL          time.Duration
	PendingTransferTTL  time.Duration
	AwaitingPinTTL      time.Duration
	PinMaxAttempts      int
	PinLockoutDuration  time.Duration
	DefaultDailyLimit   decimal.Decimal
	GatewayTimeout      time.Duration
	GatewayMaxAttempts  int
	GatewayRetryBackoff time.Duration
	ClassifierURL       string
	ClassifierAPIKey    string
	ClassifierModel     string
	MinConfidence       float64
	ReaperSchedule      string
	StaleTransferAge    time.Duration
	Location            *time.Location
}

func LoadVoiceConfig() *VoiceConfig {
	return &VoiceConfig{
		SessionTTL:          getEnvAsDuration("VOICE_SESSION_TTL", 30*time.Minute),
		PendingTransferTTL:  getEnvAsDuration("VOICE_PENDING_TTL", 5*time.Minute),
		AwaitingPinTTL:      getEnvAsDuration("VOICE_PIN_TTL", 2*time.Minute),
		PinMaxAttempts:      getEnvAsInt("PIN_MAX_ATTEMPTS", 3),
		PinLockoutDuration:  getEnvAsDuration("PIN_LOCKOUT_DURATION", 30*time.Minute),
		DefaultDailyLimit:   getEnvAsDecimal("DEFAULT_DAILY_LIMIT", decimal.NewFromInt(50000)),
		GatewayTimeout:      getEnvAsDuration("GATEWAY_TIMEOUT", 30*time.Second),
		GatewayMaxAttempts:  getEnvAsInt("GATEWAY_MAX_ATTEMPTS", 3),
		GatewayRetryBackoff: getEnvAsDuration("GATEWAY_RETRY_BACKOFF", 200*time.Millisecond),
		ClassifierURL:       getEnv("CLASSIFIER_URL", ""),
		ClassifierAPIKey:    getEnv("CLASSIFIER_API_KEY", ""),
		ClassifierModel:     getEnv("CLASSIFIER_MODEL", "mistralai/Mixtral-8x7B-Instruct-v0.1"),
		MinConfidence:       getEnvAsFloat("CLASSIFIER_MIN_CONFIDENCE", 0.05),
		ReaperSchedule:      getEnv("REAPER_SCHEDULE", "@every 1m"),
		StaleTransferAge:    getEnvAsDuration("REAPER_STALE_AGE", 10*time.Minute),
		Location:            getEnvAsLocation("VOICE_TIMEZONE", "Africa/Lagos"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}

func getEnvAsDecimal(key string, defaultVal decimal.Decimal) decimal.Decimal {
	if val := os.Getenv(key); val != "" {
		if d, err := decimal.NewFromString(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// getEnvAsLocation falls back to the server's local zone when the name is unknown
func getEnvAsLocation(key, defaultVal string) *time.Location {
	loc, err := time.LoadLocation(getEnv(key, defaultVal))
	if err != nil {
		return time.Local
	}
	return loc
}
