package main

import (
	"encoding/json"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type webhookHarness struct {
	srv      *httptest.Server
	cfg      *Config
	store    *SessionStore
	issuer   *TokenIssuer
	notifier *recordingNotifier
}

func newWebhookHarness(t *testing.T, mode string) *webhookHarness {
	t.Helper()

	ai := newFakeRealtime(t)
	cfg := &Config{
		AIMode:          mode,
		OpenAIAPIKey:    "sk-test",
		RealtimeModel:   "gpt-4o-realtime-preview-2024-10-01",
		RealtimeVoice:   "shimmer",
		ChatBaseURL:     "http://127.0.0.1:1", // turn tests stub this separately
		ChatModel:       "gpt-4o-mini",
		TwilioAuthToken: "test-auth-token",
		Greeting:        "Thank you for calling TradeLine 24/7.",
		HistoryLimit:    40,
		realtimeBaseURL: ai.wsURL(),
	}

	store := NewSessionStore()
	issuer := NewTokenIssuer()
	t.Cleanup(issuer.Stop)
	dispatcher, _ := newTestDispatcher(t, "+15550001111")
	chat := NewChatClient(cfg.OpenAIAPIKey, cfg.ChatBaseURL, cfg.ChatModel)
	notifier := &recordingNotifier{}
	reporter := NewReporter(store, notifier)

	ws := NewWebhookServer(cfg, store, issuer, dispatcher, chat, reporter)
	srv := httptest.NewServer(ws.Handler())
	t.Cleanup(srv.Close)

	return &webhookHarness{srv: srv, cfg: cfg, store: store, issuer: issuer, notifier: notifier}
}

// postSigned posts a correctly signed Twilio webhook form.
func (h *webhookHarness) postSigned(t *testing.T, path string, params url.Values) *http.Response {
	t.Helper()
	target := h.srv.URL + path
	req, err := http.NewRequest(http.MethodPost, target, strings.NewReader(params.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", signTwilio(h.cfg.TwilioAuthToken, target, params))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	h := newWebhookHarness(t, AIModeRealtime)

	for _, path := range []string{"/", "/health"} {
		resp, err := http.Get(h.srv.URL + path)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		resp.Body.Close()
		assert.Equal(t, "online", body["status"])
	}
}

func TestVoiceWebhookIssuesStreamToken(t *testing.T) {
	h := newWebhookHarness(t, AIModeRealtime)

	resp := h.postSigned(t, "/voice", url.Values{"CallSid": {"CA-hook-1"}, "From": {"+15551234567"}})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/xml")

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var twiml twimlResponse
	require.NoError(t, xml.Unmarshal(raw, &twiml))
	require.NotNil(t, twiml.Say)
	assert.Equal(t, h.cfg.Greeting, strings.TrimSpace(twiml.Say.Text))
	require.NotNil(t, twiml.Connect)
	require.NotNil(t, twiml.Connect.Stream)

	streamURL, err := url.Parse(twiml.Connect.Stream.URL)
	require.NoError(t, err)
	assert.Equal(t, "wss", streamURL.Scheme)
	assert.Equal(t, "/media-stream", streamURL.Path)
	assert.Equal(t, "CA-hook-1", streamURL.Query().Get("callSid"))

	token := streamURL.Query().Get("token")
	require.NotEmpty(t, token)

	// The minted token opens the socket exactly once.
	dialURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/media-stream?" + streamURL.RawQuery
	conn, _, err := websocket.DefaultDialer.Dial(dialURL, nil)
	require.NoError(t, err)
	conn.Close()

	_, resp2, err := websocket.DefaultDialer.Dial(dialURL, nil)
	require.Error(t, err, "a consumed token must not open a second socket")
	require.NotNil(t, resp2)
	assert.Equal(t, http.StatusForbidden, resp2.StatusCode)
}

func TestVoiceWebhookTurnsMode(t *testing.T) {
	h := newWebhookHarness(t, AIModeTurns)

	resp := h.postSigned(t, "/voice", url.Values{"CallSid": {"CA-hook-2"}})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var twiml twimlResponse
	require.NoError(t, xml.Unmarshal(raw, &twiml))
	require.NotNil(t, twiml.Connect)
	require.NotNil(t, twiml.Connect.ConversationRelay)
	assert.Nil(t, twiml.Connect.Stream)
	assert.Equal(t, h.cfg.Greeting, twiml.Connect.ConversationRelay.WelcomeGreeting)

	relayURL, err := url.Parse(twiml.Connect.ConversationRelay.URL)
	require.NoError(t, err)
	assert.Equal(t, "/relay-ws", relayURL.Path)
	assert.NotEmpty(t, relayURL.Query().Get("token"))
}

func TestVoiceWebhookRejectsBadSignature(t *testing.T) {
	h := newWebhookHarness(t, AIModeRealtime)

	req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/voice", strings.NewReader("CallSid=CA-hook-3"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", "bm90LXRoZS1zaWduYXR1cmU=")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestVoiceWebhookMissingCallSid(t *testing.T) {
	h := newWebhookHarness(t, AIModeRealtime)

	resp := h.postSigned(t, "/voice", url.Values{"From": {"+15551234567"}})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMediaStreamRejectsBogusToken(t *testing.T) {
	h := newWebhookHarness(t, AIModeRealtime)

	dialURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/media-stream?callSid=CA-hook-4&token=bogus"
	_, resp, err := websocket.DefaultDialer.Dial(dialURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestVoiceStatusFinalizesAndReports(t *testing.T) {
	h := newWebhookHarness(t, AIModeRealtime)

	s := h.store.Register("CA-hook-5")
	s.Append("user", "book me for tomorrow")
	s.Append("assistant", "Done, you are booked for 2 PM.")

	params := url.Values{"CallSid": {"CA-hook-5"}, "CallStatus": {"completed"}}
	resp := h.postSigned(t, "/voice-status", params)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, 1, h.notifier.count())
	assert.Equal(t, 0, h.store.Count())

	// Twilio retries the callback; no duplicate report.
	resp2 := h.postSigned(t, "/voice-status", params)
	resp2.Body.Close()
	assert.Equal(t, 1, h.notifier.count())
}

func TestVoiceStatusIgnoresNonTerminal(t *testing.T) {
	h := newWebhookHarness(t, AIModeRealtime)

	s := h.store.Register("CA-hook-6")
	s.Append("user", "hello")

	resp := h.postSigned(t, "/voice-status", url.Values{"CallSid": {"CA-hook-6"}, "CallStatus": {"in-progress"}})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, 0, h.notifier.count())
	assert.Equal(t, 1, h.store.Count())
}
