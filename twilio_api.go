package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const twilioAPIBaseURL = "https://api.twilio.com/2010-04-01"

// TwilioClient talks to the Twilio REST API for in-call actions. BaseURL is
// configurable so tests can point it at a local server.
type TwilioClient struct {
	accountSID string
	authToken  string
	baseURL    string
	httpClient *http.Client
}

type twilioAPIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func NewTwilioClient(accountSID, authToken, baseURL string) *TwilioClient {
	if baseURL == "" {
		baseURL = twilioAPIBaseURL
	}
	return &TwilioClient{
		accountSID: accountSID,
		authToken:  authToken,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// UpdateCall posts new TwiML for a live call, redirecting it immediately.
func (c *TwilioClient) UpdateCall(ctx context.Context, callSID, twiml string) error {
	endpoint := fmt.Sprintf("%s/Accounts/%s/Calls/%s.json", c.baseURL, c.accountSID, callSID)

	form := url.Values{}
	form.Set("Twiml", twiml)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call update request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr twilioAPIError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("twilio API %d: %s (code %d)", resp.StatusCode, apiErr.Message, apiErr.Code)
		}
		return fmt.Errorf("twilio API %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// TransferCall redirects a live call to the dispatch number.
func (c *TwilioClient) TransferCall(ctx context.Context, callSID, number string) error {
	twiml := fmt.Sprintf(`<Response><Say voice="alice">Transferring you now, please hold.</Say><Dial>%s</Dial></Response>`, number)
	return c.UpdateCall(ctx, callSID, twiml)
}
