package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// AI backend modes selectable via AI_MODE.
const (
	// AIModeRealtime bridges Twilio Media Streams to the OpenAI Realtime
	// WebSocket (full-duplex audio).
	AIModeRealtime = "realtime"
	// AIModeTurns bridges Twilio ConversationRelay to a chat-completions
	// endpoint (one request per user utterance).
	AIModeTurns = "turns"
)

// Config holds all configuration for the voice gateway
type Config struct {
	Port    int
	BaseURL string // Public URL Twilio reaches us at (https://...)

	AIMode string // "realtime" or "turns"

	OpenAIAPIKey  string
	RealtimeModel string // OpenAI Realtime model for media-stream calls
	RealtimeVoice string
	ChatModel     string // Chat-completions model for turn-based calls
	ChatBaseURL   string

	TwilioAccountSID       string
	TwilioAuthToken        string
	TwilioAPIBaseURL       string
	TwilioValidateDisabled bool // Skip webhook signature checks (non-production only)

	DispatchPhoneNumber string // Human agent number for transfer_call

	Greeting     string
	HistoryLimit int           // Max messages kept per turn-based conversation
	DeadAirDelay time.Duration // Filler utterance delay for turn-based calls

	ResendAPIKey string // Resend API key for transcript emails
	FromEmail    string
	EmailTo      string

	TelegramBotToken string // Optional admin notifications
	TelegramAdminID  int64

	realtimeBaseURL string // test override for the Realtime WebSocket endpoint

	// test overrides for the relay heartbeat; zero means the defaults
	heartbeatInterval time.Duration
	livenessWindow    time.Duration
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load .env file (overrides existing env vars)
	_ = godotenv.Overload()

	config := &Config{
		Port:                   getEnvAsIntOrDefault("PORT", 8080),
		BaseURL:                os.Getenv("BASE_URL"),
		AIMode:                 getEnvOrDefault("AI_MODE", AIModeRealtime),
		OpenAIAPIKey:           os.Getenv("OPENAI_API_KEY"),
		RealtimeModel:          getEnvOrDefault("OPENAI_REALTIME_MODEL", "gpt-4o-realtime-preview-2024-10-01"),
		RealtimeVoice:          getEnvOrDefault("OPENAI_VOICE", "shimmer"),
		ChatModel:              getEnvOrDefault("OPENAI_CHAT_MODEL", "gpt-4o-mini"),
		ChatBaseURL:            getEnvOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		TwilioAccountSID:       os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:        os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioAPIBaseURL:       getEnvOrDefault("TWILIO_API_BASE_URL", "https://api.twilio.com/2010-04-01"),
		TwilioValidateDisabled: getEnvAsBool("TWILIO_VALIDATE_DISABLED"),
		DispatchPhoneNumber:    os.Getenv("DISPATCH_PHONE_NUMBER"),
		Greeting:               getEnvOrDefault("GREETING", "Thank you for calling TradeLine 24/7. One moment while I connect you."),
		HistoryLimit:           getEnvAsIntOrDefault("HISTORY_LIMIT", 40),
		DeadAirDelay:           time.Duration(getEnvAsIntOrDefault("DEAD_AIR_DELAY_MS", 1200)) * time.Millisecond,
		ResendAPIKey:           os.Getenv("RESEND_API_KEY"),
		FromEmail:              getEnvOrDefault("FROM_EMAIL", "TradeLine 24/7 <calls@tradeline247.example>"),
		EmailTo:                os.Getenv("EMAIL_TO"),
		TelegramBotToken:       os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramAdminID:        int64(getEnvAsIntOrDefault("TELEGRAM_ADMIN_ID", 0)),
	}

	if config.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	if config.AIMode != AIModeRealtime && config.AIMode != AIModeTurns {
		return nil, fmt.Errorf("AI_MODE must be %q or %q, got %q", AIModeRealtime, AIModeTurns, config.AIMode)
	}

	return config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

func getEnvAsBool(key string) bool {
	value, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return false
	}
	return value
}
