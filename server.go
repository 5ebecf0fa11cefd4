package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"
)

// App owns the wired components and the HTTP server.
type App struct {
	cfg      *Config
	store    *SessionStore
	issuer   *TokenIssuer
	reporter *Reporter
	server   *http.Server
}

func NewApp(cfg *Config) *App {
	store := NewSessionStore()
	issuer := NewTokenIssuer()
	twilio := NewTwilioClient(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioAPIBaseURL)
	dispatcher := NewToolDispatcher(cfg, twilio)
	chat := NewChatClient(cfg.OpenAIAPIKey, cfg.ChatBaseURL, cfg.ChatModel)

	var notifiers []Notifier
	if cfg.ResendAPIKey != "" && cfg.EmailTo != "" {
		notifiers = append(notifiers, NewResendNotifier(cfg.ResendAPIKey, cfg.FromEmail, cfg.EmailTo))
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramAdminID != 0 {
		tn, err := NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramAdminID)
		if err != nil {
			log.Printf("[Server] telegram notifier disabled: %v", err)
		} else {
			notifiers = append(notifiers, tn)
		}
	}
	if len(notifiers) == 0 {
		log.Printf("[Server] no notifiers configured, call summaries will only be logged")
	}
	reporter := NewReporter(store, notifiers...)

	webhooks := NewWebhookServer(cfg, store, issuer, dispatcher, chat, reporter)

	return &App{
		cfg:      cfg,
		store:    store,
		issuer:   issuer,
		reporter: reporter,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           webhooks.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start blocks serving HTTP until Shutdown is called or the listener fails.
func (a *App) Start() error {
	log.Printf("[Server] TradeLine 24/7 voice gateway listening on %s (mode=%s)", a.server.Addr, a.cfg.AIMode)
	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (a *App) Shutdown(ctx context.Context) {
	a.issuer.Stop()
	if err := a.server.Shutdown(ctx); err != nil {
		log.Printf("[Server] shutdown: %v", err)
	}
}
