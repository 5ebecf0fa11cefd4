package main

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"log"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
)

const maxWebhookBody = 64 * 1024

// TwiML rendering.
type twimlResponse struct {
	XMLName xml.Name      `xml:"Response"`
	Say     *twimlSay     `xml:"Say,omitempty"`
	Connect *twimlConnect `xml:"Connect,omitempty"`
}

type twimlSay struct {
	Voice string `xml:"voice,attr,omitempty"`
	Text  string `xml:",chardata"`
}

type twimlConnect struct {
	Stream            *twimlStream            `xml:"Stream,omitempty"`
	ConversationRelay *twimlConversationRelay `xml:"ConversationRelay,omitempty"`
}

type twimlStream struct {
	URL string `xml:"url,attr"`
}

type twimlConversationRelay struct {
	URL             string `xml:"url,attr"`
	WelcomeGreeting string `xml:"welcomeGreeting,attr,omitempty"`
}

// WebhookServer is the HTTP/WebSocket surface: Twilio webhooks in, media and
// relay sockets up.
type WebhookServer struct {
	cfg        *Config
	store      *SessionStore
	issuer     *TokenIssuer
	verifier   *SignatureVerifier
	limiter    *RateLimiter
	dispatcher *ToolDispatcher
	chat       *ChatClient
	reporter   *Reporter

	mux      *http.ServeMux
	upgrader websocket.Upgrader
}

func NewWebhookServer(cfg *Config, store *SessionStore, issuer *TokenIssuer, dispatcher *ToolDispatcher, chat *ChatClient, reporter *Reporter) *WebhookServer {
	s := &WebhookServer{
		cfg:        cfg,
		store:      store,
		issuer:     issuer,
		verifier:   NewSignatureVerifier(cfg.TwilioAuthToken, cfg.TwilioValidateDisabled),
		limiter:    NewRateLimiter(10, 30),
		dispatcher: dispatcher,
		chat:       chat,
		reporter:   reporter,
		mux:        http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	s.mux.HandleFunc("GET /{$}", s.handleHealth)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	bodyCap := func(next http.HandlerFunc) http.HandlerFunc { return maxBodyMiddleware(maxWebhookBody, next) }
	s.mux.HandleFunc("POST /voice", chainMiddleware(s.handleVoice,
		bodyCap,
		s.limiter.Middleware,
		s.verifier.Middleware,
	))
	s.mux.HandleFunc("POST /voice-status", chainMiddleware(s.handleVoiceStatus,
		bodyCap,
		s.verifier.Middleware,
	))
	s.mux.HandleFunc("GET /media-stream", s.handleMediaStream)
	s.mux.HandleFunc("GET /relay-ws", s.handleRelayWS)
	return s
}

// Handler exposes the route table, mainly for tests.
func (s *WebhookServer) Handler() http.Handler {
	return s.mux
}

func (s *WebhookServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "online",
		"service": "TradeLine 24/7 Voice Gateway",
	})
}

// handleVoice answers Twilio's incoming-call webhook with TwiML that opens
// the call's WebSocket leg, authenticated by a freshly minted stream token.
func (s *WebhookServer) handleVoice(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	callSID := r.PostFormValue("CallSid")
	if callSID == "" {
		http.Error(w, "Missing CallSid", http.StatusBadRequest)
		return
	}

	token := s.issuer.Issue(callSID)
	log.Printf("[Webhook] incoming call %s from %s", callSID, r.PostFormValue("From"))

	var reply twimlResponse
	switch s.cfg.AIMode {
	case AIModeTurns:
		reply.Connect = &twimlConnect{
			ConversationRelay: &twimlConversationRelay{
				URL:             s.streamURL(r, "/relay-ws", callSID, token),
				WelcomeGreeting: s.cfg.Greeting,
			},
		}
	default:
		reply.Say = &twimlSay{Voice: "alice", Text: s.cfg.Greeting}
		reply.Connect = &twimlConnect{
			Stream: &twimlStream{URL: s.streamURL(r, "/media-stream", callSID, token)},
		}
	}

	w.Header().Set("Content-Type", "text/xml")
	w.Write([]byte(xml.Header))
	if err := xml.NewEncoder(w).Encode(reply); err != nil {
		log.Printf("[Webhook] %s: encode TwiML: %v", callSID, err)
	}
}

// streamURL builds the wss:// endpoint Twilio should connect back to. An
// explicit BASE_URL wins over whatever host the request arrived on.
func (s *WebhookServer) streamURL(r *http.Request, path, callSID, token string) string {
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	if s.cfg.BaseURL != "" {
		if base, err := url.Parse(s.cfg.BaseURL); err == nil && base.Host != "" {
			host = base.Host
		}
	}
	q := url.Values{}
	q.Set("callSid", callSID)
	q.Set("token", token)
	u := url.URL{Scheme: "wss", Host: host, Path: path, RawQuery: q.Encode()}
	return u.String()
}

// handleVoiceStatus receives call lifecycle callbacks. Terminal statuses
// finalize the session and trigger the post-call report.
func (s *WebhookServer) handleVoiceStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	callSID := r.PostFormValue("CallSid")
	status := r.PostFormValue("CallStatus")
	log.Printf("[Webhook] status %s for call %s", status, callSID)

	if callSID != "" {
		s.reporter.HandleStatus(callSID, status)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// authorizeStream consumes the single-use token carried in the socket URL.
func (s *WebhookServer) authorizeStream(w http.ResponseWriter, r *http.Request) (string, bool) {
	callSID := r.URL.Query().Get("callSid")
	token := r.URL.Query().Get("token")
	if callSID == "" || !s.issuer.Consume(callSID, token) {
		log.Printf("[Webhook] rejected stream connection for %q: bad token", callSID)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return "", false
	}
	return callSID, true
}

func (s *WebhookServer) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorizeStream(w, r); !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Webhook] media-stream upgrade failed: %v", err)
		return
	}

	log.Printf("[Webhook] media stream connected")
	NewRelaySession(s.cfg, s.store, s.dispatcher, conn).Run(context.Background())
}

func (s *WebhookServer) handleRelayWS(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authorizeStream(w, r); !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Webhook] relay-ws upgrade failed: %v", err)
		return
	}

	log.Printf("[Webhook] conversation relay connected")
	NewTurnSession(s.cfg, s.store, s.chat, conn).Run()
}
