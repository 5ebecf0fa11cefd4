package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Notifier delivers a post-call summary somewhere a human will see it.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

const resendAPIURL = "https://api.resend.com/emails"

// ResendNotifier emails summaries through the Resend API.
type ResendNotifier struct {
	apiKey     string
	from       string
	to         string
	baseURL    string
	httpClient *http.Client
}

func NewResendNotifier(apiKey, from, to string) *ResendNotifier {
	return &ResendNotifier{
		apiKey:     apiKey,
		from:       from,
		to:         to,
		baseURL:    resendAPIURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (n *ResendNotifier) Notify(ctx context.Context, subject, body string) error {
	payload, err := json.Marshal(map[string]any{
		"from":    n.from,
		"to":      []string{n.to},
		"subject": subject,
		"text":    body,
	})
	if err != nil {
		return fmt.Errorf("encode email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+n.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("resend API returned %d", resp.StatusCode)
	}
	return nil
}

// TelegramNotifier pushes summaries to the admin chat.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

func NewTelegramNotifier(botToken string, chatID int64) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("telegram init: %w", err)
	}
	return &TelegramNotifier{bot: bot, chatID: chatID}, nil
}

func (n *TelegramNotifier) Notify(ctx context.Context, subject, body string) error {
	msg := tgbotapi.NewMessage(n.chatID, subject+"\n\n"+body)
	if _, err := n.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// terminalStatuses are the call states after which no further media or
// status events are expected.
var terminalStatuses = map[string]bool{
	"completed": true,
	"failed":    true,
	"busy":      true,
	"no-answer": true,
	"canceled":  true,
}

// Reporter turns finished calls into summaries for the configured notifiers.
// Delivery failures are logged and never retried; reporting must not block
// or break call handling.
type Reporter struct {
	store     *SessionStore
	notifiers []Notifier
}

func NewReporter(store *SessionStore, notifiers ...Notifier) *Reporter {
	return &Reporter{store: store, notifiers: notifiers}
}

// HandleStatus processes a call status callback. Only the first terminal
// status for a call produces a report; the session is gone afterwards, so
// repeats are no-ops.
func (r *Reporter) HandleStatus(callSID, status string) {
	if !terminalStatuses[status] {
		return
	}

	transcript, ok := r.store.Finalize(callSID)
	if !ok {
		log.Printf("[Reporter] %s: no session to finalize (status=%s)", callSID, status)
		return
	}
	if len(transcript) == 0 {
		log.Printf("[Reporter] %s: empty transcript, skipping report", callSID)
		return
	}

	subject := "TradeLine 24/7 Call Summary: " + callSID
	body := formatTranscript(callSID, status, transcript)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, n := range r.notifiers {
		if err := n.Notify(ctx, subject, body); err != nil {
			log.Printf("[Reporter] %s: notify failed: %v", callSID, err)
		}
	}
}

func formatTranscript(callSID, status string, transcript []TranscriptEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Call %s ended with status %q at %s.\n\n", callSID, status, time.Now().Format(time.RFC1123))
	for _, entry := range transcript {
		fmt.Fprintf(&b, "[%s] %s\n", strings.ToUpper(entry.Role), entry.Text)
	}
	return b.String()
}
