package main

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ConversationHistory is a bounded message list for turn-based calls. The
// first entry holds the system instructions and is never evicted; past the
// cap the oldest non-system messages are dropped.
type ConversationHistory struct {
	max      int
	messages []ChatMessage
}

func NewConversationHistory(instructions string, max int) *ConversationHistory {
	if max < 2 {
		max = 2
	}
	return &ConversationHistory{
		max:      max,
		messages: []ChatMessage{{Role: "system", Content: instructions}},
	}
}

func (h *ConversationHistory) Append(role, content string) {
	h.messages = append(h.messages, ChatMessage{Role: role, Content: content})
	if len(h.messages) > h.max {
		over := len(h.messages) - h.max
		// Keep messages[0] (system), drop the oldest of the rest.
		h.messages = append(h.messages[:1], h.messages[1+over:]...)
	}
}

func (h *ConversationHistory) Messages() []ChatMessage {
	out := make([]ChatMessage, len(h.messages))
	copy(out, h.messages)
	return out
}

func (h *ConversationHistory) Len() int {
	return len(h.messages)
}

// Twilio ConversationRelay messages.
type relayClientMessage struct {
	Type                    string `json:"type"`
	CallSID                 string `json:"callSid,omitempty"`                 // setup
	From                    string `json:"from,omitempty"`                    // setup
	VoicePrompt             string `json:"voicePrompt,omitempty"`             // prompt
	Lang                    string `json:"lang,omitempty"`                    // prompt
	Last                    bool   `json:"last,omitempty"`                    // prompt
	Digit                   string `json:"digit,omitempty"`                   // dtmf
	UtteranceUntilInterrupt string `json:"utteranceUntilInterrupt,omitempty"` // interrupt
}

type relayTextMessage struct {
	Type  string `json:"type"` // "text"
	Token string `json:"token"`
	Last  bool   `json:"last"`
}

// TurnSession handles one ConversationRelay call against a request/response
// completion backend. Each final user utterance issues one completion; a new
// utterance or a barge-in cancels the outstanding one, so at most one request
// is ever in flight per session.
type TurnSession struct {
	cfg   *Config
	store *SessionStore
	chat  *ChatClient
	conn  *websocket.Conn

	callSID string
	session *CallSession

	mu      sync.Mutex
	cancel  context.CancelFunc // at most one live value
	seq     int
	history *ConversationHistory

	writeMu sync.Mutex
	baseCtx context.Context
	stop    context.CancelFunc
}

func NewTurnSession(cfg *Config, store *SessionStore, chat *ChatClient, conn *websocket.Conn) *TurnSession {
	ctx, stop := context.WithCancel(context.Background())
	return &TurnSession{
		cfg:     cfg,
		store:   store,
		chat:    chat,
		conn:    conn,
		history: NewConversationHistory(systemInstructions, cfg.HistoryLimit),
		baseCtx: ctx,
		stop:    stop,
	}
}

// Run reads ConversationRelay messages until the socket closes. Shutdown
// cancels any in-flight completion and its dead-air timer.
func (s *TurnSession) Run() {
	defer s.close()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[Turns] %s: read: %v", s.callSID, err)
			}
			return
		}

		var msg relayClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("[Turns] %s: malformed frame: %v", s.callSID, err)
			continue
		}

		switch msg.Type {
		case "setup":
			s.callSID = msg.CallSID
			s.session = s.store.Register(msg.CallSID)
			s.session.setState(StateActive)
			log.Printf("[Turns] %s: setup complete (from=%s)", s.callSID, msg.From)

		case "prompt":
			if msg.Last && msg.VoicePrompt != "" {
				s.handleUtterance(msg.VoicePrompt, msg.Lang)
			}

		case "interrupt":
			// Barge-in: the caller spoke over us. Drop the in-flight turn.
			log.Printf("[Turns] %s: interrupted", s.callSID)
			s.cancelInflight()

		case "dtmf":
			log.Printf("[Turns] %s: dtmf %q", s.callSID, msg.Digit)

		case "error":
			log.Printf("[Turns] %s: relay error frame: %s", s.callSID, string(data))

		case "end":
			log.Printf("[Turns] %s: relay ended", s.callSID)
			return
		}
	}
}

// handleUtterance starts a completion turn for a final user utterance,
// cancelling any outstanding one first.
func (s *TurnSession) handleUtterance(text, lang string) {
	if s.session != nil {
		s.session.Append("user", text)
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	s.cancel = cancel
	s.seq++
	seq := s.seq
	s.history.Append("user", text)
	messages := s.history.Messages()
	s.mu.Unlock()

	go s.runTurn(ctx, seq, messages, lang)
}

func (s *TurnSession) runTurn(ctx context.Context, seq int, messages []ChatMessage, lang string) {
	var turnMu sync.Mutex
	resolved := false

	// Dead-air mitigation: if the completion is still pending when the timer
	// fires and the turn was not cancelled, speak a short filler. History is
	// never touched by the filler. The filler sends while holding turnMu so
	// it is ordered strictly before the final reply.
	deadAir := time.AfterFunc(s.cfg.DeadAirDelay, func() {
		turnMu.Lock()
		defer turnMu.Unlock()
		if resolved || ctx.Err() != nil {
			return
		}
		log.Printf("[Turns] %s: dead-air filler (lang=%s)", s.callSID, lang)
		s.sendText(fillerUtterance(lang))
	})
	defer deadAir.Stop()

	reply, err := s.chat.Chat(ctx, messages)

	// Marking the turn resolved waits out a filler already sending and
	// suppresses any later firing.
	turnMu.Lock()
	resolved = true
	turnMu.Unlock()

	if ctx.Err() != nil {
		// Cancelled: normal flow termination. No filler, no reply, no history.
		return
	}
	if err != nil {
		log.Printf("[Turns] %s: completion failed: %v", s.callSID, err)
		s.sendText(apologyUtterance(lang))
		return
	}

	s.mu.Lock()
	if seq != s.seq {
		// A newer turn superseded us while resolving; discard.
		s.mu.Unlock()
		return
	}
	s.history.Append("assistant", reply)
	s.cancel = nil
	s.mu.Unlock()

	if s.session != nil {
		s.session.Append("assistant", reply)
	}
	s.sendText(reply)
}

func (s *TurnSession) cancelInflight() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
}

// sendText speaks one complete utterance on the telephony side.
func (s *TurnSession) sendText(text string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(relayTextMessage{Type: "text", Token: text, Last: true}); err != nil {
		log.Printf("[Turns] %s: write failed: %v", s.callSID, err)
	}
}

func (s *TurnSession) close() {
	s.stop()
	s.cancelInflight()
	if s.session != nil {
		s.session.setState(StateClosing)
	}
	s.conn.Close()
	log.Printf("[Turns] %s: session closed", s.callSID)
}

// Localized utterances for the dead-air filler and the upstream-failure
// apology. Language tags match on primary subtag; English is the fallback.
var fillerPhrases = map[string]string{
	"en": "One moment while I check that for you.",
	"es": "Un momento, por favor, lo estoy comprobando.",
	"fr": "Un instant, je vérifie cela pour vous.",
	"de": "Einen Moment bitte, ich prüfe das für Sie.",
}

var apologyPhrases = map[string]string{
	"en": "I'm sorry, I'm having trouble answering right now. Could you repeat that?",
	"es": "Lo siento, tengo problemas para responder en este momento. ¿Puede repetirlo?",
	"fr": "Désolé, j'ai du mal à répondre pour le moment. Pouvez-vous répéter ?",
	"de": "Entschuldigung, ich habe gerade Schwierigkeiten zu antworten. Können Sie das wiederholen?",
}

func fillerUtterance(lang string) string {
	return localizedPhrase(fillerPhrases, lang)
}

func apologyUtterance(lang string) string {
	return localizedPhrase(apologyPhrases, lang)
}

func localizedPhrase(table map[string]string, lang string) string {
	primary := strings.ToLower(lang)
	if i := strings.IndexByte(primary, '-'); i > 0 {
		primary = primary[:i]
	}
	if phrase, ok := table[primary]; ok {
		return phrase
	}
	return table["en"]
}
