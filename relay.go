package main

import (
	"context"
	"encoding/json"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	relayEventBuffer         = 256
	defaultHeartbeatInterval = 15 * time.Second
	defaultLivenessWindow    = 45 * time.Second
	closeGracePeriod         = 5 * time.Second
)

// Twilio Media Streams message envelope.
type streamMessage struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid,omitempty"`
	Start     *streamStart  `json:"start,omitempty"`
	Media     *streamMedia  `json:"media,omitempty"`
	Mark      *streamMark   `json:"mark,omitempty"`
	Stop      *streamStop   `json:"stop,omitempty"`
}

type streamStart struct {
	StreamSID    string            `json:"streamSid"`
	AccountSID   string            `json:"accountSid"`
	CallSID      string            `json:"callSid"`
	CustomParams map[string]string `json:"customParameters"`
}

type streamMedia struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"` // base64 audio, passed through opaque
}

type streamMark struct {
	Name string `json:"name"`
}

type streamStop struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

// relayEventKind is the closed set of events the relay loop dispatches on.
type relayEventKind int

const (
	evTwilioStart relayEventKind = iota
	evTwilioMedia
	evTwilioMark
	evTwilioStop
	evTwilioClosed
	evAIAudioDelta
	evAISpeechStarted
	evAIUserTranscript
	evAIAssistantTranscript
	evAIToolCall
	evAIClosed
	evToolResult
)

type relayEvent struct {
	kind       relayEventKind
	callSID    string
	streamSID  string
	payload    string // base64 audio
	text       string // transcript text
	markName   string
	epoch      int64 // stream epoch an audio delta belongs to
	toolCallID string
	toolName   string
	toolArgs   string
	toolOutput string
}

// RelaySession bridges one Twilio Media Streams connection to one OpenAI
// Realtime connection. A single loop owns all session state: both socket
// readers, tool results, and the heartbeat feed it events, and only the loop
// writes either socket.
type RelaySession struct {
	cfg        *Config
	store      *SessionStore
	dispatcher *ToolDispatcher

	twilio *websocket.Conn
	ai     *websocket.Conn

	events chan relayEvent
	done   chan struct{} // closed when the loop exits

	// session-lifetime context; closing the session cancels pending tool
	// dispatches through it
	sessCtx    context.Context
	sessCancel context.CancelFunc

	hbInterval time.Duration
	liveWindow time.Duration

	epoch atomic.Int64 // bumped on every stream start, stamps AI audio deltas

	// loop-owned state, no locking
	state         CallState
	callSID       string
	streamSID     string
	session       *CallSession
	pendingTools  map[string]bool
	doneTools     map[string]bool
	lastLiveness  time.Time
	outstandingHB string
	twilioClosed  bool
	aiClosed      bool
}

func NewRelaySession(cfg *Config, store *SessionStore, dispatcher *ToolDispatcher, twilio *websocket.Conn) *RelaySession {
	hb := cfg.heartbeatInterval
	if hb == 0 {
		hb = defaultHeartbeatInterval
	}
	window := cfg.livenessWindow
	if window == 0 {
		window = defaultLivenessWindow
	}
	sessCtx, sessCancel := context.WithCancel(context.Background())
	return &RelaySession{
		cfg:          cfg,
		store:        store,
		dispatcher:   dispatcher,
		twilio:       twilio,
		events:       make(chan relayEvent, relayEventBuffer),
		done:         make(chan struct{}),
		sessCtx:      sessCtx,
		sessCancel:   sessCancel,
		hbInterval:   hb,
		liveWindow:   window,
		state:        StatePending,
		pendingTools: make(map[string]bool),
		doneTools:    make(map[string]bool),
	}
}

// Run drives the relay until both sides are closed. It blocks; the caller is
// the WebSocket handler goroutine for this call.
func (rs *RelaySession) Run(ctx context.Context) {
	defer close(rs.done)
	defer rs.release()

	go rs.readTwilio()

	heartbeat := time.NewTicker(rs.hbInterval)
	defer heartbeat.Stop()
	rs.lastLiveness = time.Now()

	var grace <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			rs.beginClose("context cancelled")
			if grace == nil {
				grace = time.After(closeGracePeriod)
			}

		case <-grace:
			if rs.state == StateClosing {
				log.Printf("[Relay] %s: grace period elapsed, force releasing", rs.callSID)
				rs.state = StateClosed
				return
			}

		case <-heartbeat.C:
			rs.onHeartbeat()

		case ev := <-rs.events:
			rs.dispatch(ev)
		}

		if rs.state == StateClosing {
			if rs.twilioClosed && (rs.aiClosed || rs.ai == nil) {
				rs.state = StateClosed
				return
			}
			if grace == nil {
				grace = time.After(closeGracePeriod)
			}
		}
	}
}

// dispatch handles one event on the relay loop.
func (rs *RelaySession) dispatch(ev relayEvent) {
	if rs.state == StateClosed {
		log.Printf("[Relay] %s: stale event %d after close", rs.callSID, ev.kind)
		return
	}

	switch ev.kind {
	case evTwilioStart:
		rs.onStart(ev)

	case evTwilioMedia:
		if rs.state != StateActive || rs.ai == nil {
			return
		}
		frame := realtimeAudioAppend{Type: "input_audio_buffer.append", Audio: ev.payload}
		if err := rs.ai.WriteJSON(frame); err != nil {
			log.Printf("[Relay] %s: AI write failed: %v", rs.callSID, err)
			rs.beginClose("AI write error")
		}

	case evTwilioMark:
		if ev.markName == rs.outstandingHB {
			rs.outstandingHB = ""
			rs.lastLiveness = time.Now()
		}

	case evTwilioStop:
		// Frames addressed to this stream are stale from here on.
		rs.streamSID = ""
		rs.epoch.Add(1)
		rs.beginClose("stream stopped")

	case evTwilioClosed:
		rs.twilioClosed = true
		rs.beginClose("telephony socket closed")

	case evAIAudioDelta:
		if rs.state != StateActive {
			return
		}
		if ev.epoch != rs.epoch.Load() || rs.streamSID == "" {
			log.Printf("[Relay] %s: dropping audio for stale stream", rs.callSID)
			return
		}
		out := streamMessage{
			Event:     "media",
			StreamSID: rs.streamSID,
			Media:     &streamMedia{Payload: ev.payload},
		}
		if err := rs.twilio.WriteJSON(out); err != nil {
			log.Printf("[Relay] %s: telephony write failed: %v", rs.callSID, err)
			rs.beginClose("telephony write error")
		}

	case evAISpeechStarted:
		// Barge-in: flush audio Twilio has buffered but not yet played.
		if rs.state != StateActive || rs.streamSID == "" {
			return
		}
		if err := rs.twilio.WriteJSON(streamMessage{Event: "clear", StreamSID: rs.streamSID}); err != nil {
			log.Printf("[Relay] %s: clear failed: %v", rs.callSID, err)
			rs.beginClose("telephony write error")
		}

	case evAIUserTranscript:
		if rs.state != StateActive {
			return
		}
		rs.appendTranscript("user", ev.text)

	case evAIAssistantTranscript:
		if rs.state != StateActive {
			return
		}
		rs.appendTranscript("assistant", ev.text)

	case evAIToolCall:
		rs.onToolCall(ev)

	case evToolResult:
		rs.onToolResult(ev)

	case evAIClosed:
		rs.aiClosed = true
		rs.beginClose("AI socket closed")
	}
}

// onStart moves Pending -> Active: register with the store, adopt the stream
// SID, and connect the AI backend. A duplicate start for the same call only
// rotates the stream SID.
func (rs *RelaySession) onStart(ev relayEvent) {
	rs.epoch.Add(1)
	rs.streamSID = ev.streamSID

	if rs.state == StateActive {
		log.Printf("[Relay] %s: stream rotated to %s", rs.callSID, ev.streamSID)
		rs.session.setStreamSID(ev.streamSID)
		return
	}
	if rs.state != StatePending {
		return
	}

	rs.callSID = ev.callSID
	rs.session = rs.store.Register(ev.callSID)
	rs.session.setStreamSID(ev.streamSID)
	log.Printf("[Relay] %s: stream started (streamSid=%s)", rs.callSID, ev.streamSID)

	ai, err := dialRealtime(rs.cfg)
	if err != nil {
		log.Printf("[Relay] %s: %v", rs.callSID, err)
		rs.aiClosed = true
		rs.beginClose("AI connect failed")
		return
	}
	rs.ai = ai
	rs.state = StateActive
	rs.session.setState(StateActive)
	rs.lastLiveness = time.Now()

	go rs.readAI(ai)
}

func (rs *RelaySession) onToolCall(ev relayEvent) {
	if rs.state != StateActive {
		return
	}
	if rs.pendingTools[ev.toolCallID] || rs.doneTools[ev.toolCallID] {
		// At most one dispatch per call identifier.
		return
	}
	rs.pendingTools[ev.toolCallID] = true
	log.Printf("[Relay] %s: tool %s invoked (call_id=%s)", rs.callSID, ev.toolName, ev.toolCallID)

	// Dispatch off-loop; the result re-enters the event stream. The context
	// dies with the session, so closing aborts an in-flight dispatch.
	go func(ev relayEvent) {
		ctx, cancel := context.WithTimeout(rs.sessCtx, 15*time.Second)
		defer cancel()
		output := rs.dispatcher.Execute(ctx, rs.callSID, ev.toolName, ev.toolArgs)
		rs.enqueue(relayEvent{kind: evToolResult, toolCallID: ev.toolCallID, toolOutput: output})
	}(ev)
}

func (rs *RelaySession) onToolResult(ev relayEvent) {
	if !rs.pendingTools[ev.toolCallID] {
		return
	}
	delete(rs.pendingTools, ev.toolCallID)
	rs.doneTools[ev.toolCallID] = true

	if rs.state != StateActive || rs.ai == nil {
		log.Printf("[Relay] %s: discarding tool result %s, session closing", rs.callSID, ev.toolCallID)
		return
	}

	item := realtimeItemCreate{
		Type: "conversation.item.create",
		Item: realtimeOutputItem{
			Type:   "function_call_output",
			CallID: ev.toolCallID,
			Output: ev.toolOutput,
		},
	}
	if err := rs.ai.WriteJSON(item); err != nil {
		log.Printf("[Relay] %s: tool result write failed: %v", rs.callSID, err)
		rs.beginClose("AI write error")
		return
	}
	// Prompt the model to respond to the tool output.
	if err := rs.ai.WriteJSON(realtimeResponseCreate{Type: "response.create"}); err != nil {
		log.Printf("[Relay] %s: response.create failed: %v", rs.callSID, err)
		rs.beginClose("AI write error")
	}
}

// onHeartbeat probes telephony-side liveness with a mark frame and forces
// shutdown when no echo arrives within the window.
func (rs *RelaySession) onHeartbeat() {
	if rs.state != StateActive {
		return
	}
	if time.Since(rs.lastLiveness) > rs.liveWindow {
		log.Printf("[Relay] %s: liveness window exceeded, closing", rs.callSID)
		rs.beginClose("liveness timeout")
		return
	}

	name := "hb-" + uuid.NewString()
	out := streamMessage{
		Event:     "mark",
		StreamSID: rs.streamSID,
		Mark:      &streamMark{Name: name},
	}
	if err := rs.twilio.WriteJSON(out); err != nil {
		rs.beginClose("telephony write error")
		return
	}
	rs.outstandingHB = name
}

func (rs *RelaySession) appendTranscript(role, text string) {
	if rs.session == nil || text == "" {
		return
	}
	log.Printf("[Transcript] %s %s: %s", rs.callSID, role, text)
	rs.session.Append(role, text)
}

// beginClose moves the session to Closing and tears down whichever sides are
// still open. Idempotent.
func (rs *RelaySession) beginClose(reason string) {
	if rs.state == StateClosing || rs.state == StateClosed {
		return
	}
	log.Printf("[Relay] %s: closing (%s)", rs.callSID, reason)
	rs.state = StateClosing
	rs.sessCancel()
	if rs.session != nil {
		rs.session.setState(StateClosing)
	}
	if rs.ai != nil && !rs.aiClosed {
		rs.ai.Close()
	}
	if !rs.twilioClosed {
		rs.twilio.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		rs.twilio.Close()
	}
}

func (rs *RelaySession) release() {
	rs.sessCancel()
	if rs.session != nil {
		rs.session.setState(StateClosing)
	}
	if rs.ai != nil {
		rs.ai.Close()
	}
	rs.twilio.Close()
	log.Printf("[Relay] %s: released", rs.callSID)
}

// enqueue feeds an event to the loop. Events after the loop has exited are
// late by definition: logged, never surfaced. On a full buffer the oldest
// queued event is shed so fresh audio keeps flowing.
func (rs *RelaySession) enqueue(ev relayEvent) {
	select {
	case <-rs.done:
		log.Printf("[Relay] %s: late event %d ignored", rs.callSID, ev.kind)
		return
	case rs.events <- ev:
		return
	default:
	}

	select {
	case old := <-rs.events:
		log.Printf("[Relay] %s: event buffer full, shedding event %d", rs.callSID, old.kind)
	default:
	}
	select {
	case rs.events <- ev:
	default:
		log.Printf("[Relay] %s: event buffer full, dropping event %d", rs.callSID, ev.kind)
	}
}

// readTwilio parses Media Streams frames into relay events.
func (rs *RelaySession) readTwilio() {
	defer rs.enqueue(relayEvent{kind: evTwilioClosed})

	for {
		_, data, err := rs.twilio.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[Relay] %s: telephony read: %v", rs.callSID, err)
			}
			return
		}

		var msg streamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			// Malformed frame: drop it, keep the session alive.
			log.Printf("[Relay] %s: malformed telephony frame: %v", rs.callSID, err)
			continue
		}

		switch msg.Event {
		case "connected":
			// Protocol preamble, nothing to do.
		case "start":
			if msg.Start != nil {
				rs.enqueue(relayEvent{kind: evTwilioStart, callSID: msg.Start.CallSID, streamSID: msg.Start.StreamSID})
			}
		case "media":
			if msg.Media != nil && msg.Media.Payload != "" {
				rs.enqueue(relayEvent{kind: evTwilioMedia, payload: msg.Media.Payload})
			}
		case "mark":
			if msg.Mark != nil {
				rs.enqueue(relayEvent{kind: evTwilioMark, markName: msg.Mark.Name})
			}
		case "stop":
			rs.enqueue(relayEvent{kind: evTwilioStop})
		default:
			log.Printf("[Relay] %s: unknown telephony event %q", rs.callSID, msg.Event)
		}
	}
}

// readAI parses Realtime events into relay events. Audio deltas are stamped
// with the stream epoch current at receive time so rotation discards them.
func (rs *RelaySession) readAI(conn *websocket.Conn) {
	defer rs.enqueue(relayEvent{kind: evAIClosed})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[Relay] %s: AI read: %v", rs.callSID, err)
			}
			return
		}

		var ev realtimeServerEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("[Relay] %s: malformed AI frame: %v", rs.callSID, err)
			continue
		}

		switch ev.Type {
		case "response.audio.delta":
			if ev.Delta != "" {
				rs.enqueue(relayEvent{kind: evAIAudioDelta, payload: ev.Delta, epoch: rs.epoch.Load()})
			}
		case "input_audio_buffer.speech_started":
			rs.enqueue(relayEvent{kind: evAISpeechStarted})
		case "conversation.item.input_audio_transcription.completed":
			rs.enqueue(relayEvent{kind: evAIUserTranscript, text: ev.Transcript})
		case "response.audio_transcript.done":
			rs.enqueue(relayEvent{kind: evAIAssistantTranscript, text: ev.Transcript})
		case "response.function_call_arguments.done":
			rs.enqueue(relayEvent{
				kind:       evAIToolCall,
				toolCallID: ev.CallID,
				toolName:   ev.Name,
				toolArgs:   ev.Arguments,
			})
		case "error":
			if ev.Error != nil {
				log.Printf("[Relay] %s: AI error event: %s: %s", rs.callSID, ev.Error.Type, ev.Error.Message)
			}
		}
	}
}
