package main

import (
	"sync"
	"time"
)

// CallState is the lifecycle of a relayed call.
type CallState int32

const (
	StatePending CallState = iota // registered, AI backend not yet connected
	StateActive                   // both sides connected, frames flowing
	StateClosing                  // either side initiated shutdown
	StateClosed                   // terminal, resources released
)

func (s CallState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// TranscriptEntry is one utterance captured during a call.
type TranscriptEntry struct {
	Role      string // "user" or "assistant"
	Text      string
	Timestamp time.Time
}

// CallSession is the store-owned record of one active phone call. The relay
// holds a non-owning reference for the duration of the call.
type CallSession struct {
	CallSID   string
	StartedAt time.Time

	mu         sync.Mutex
	streamSID  string
	state      CallState
	transcript []TranscriptEntry
}

func (s *CallSession) State() CallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *CallSession) setState(state CallState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *CallSession) StreamSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamSID
}

func (s *CallSession) setStreamSID(streamSID string) {
	s.mu.Lock()
	s.streamSID = streamSID
	s.mu.Unlock()
}

// Append records an utterance. Entries are never reordered; timestamps are
// clamped so the sequence stays monotonically non-decreasing.
func (s *CallSession) Append(role, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := time.Now()
	if n := len(s.transcript); n > 0 && ts.Before(s.transcript[n-1].Timestamp) {
		ts = s.transcript[n-1].Timestamp
	}
	s.transcript = append(s.transcript, TranscriptEntry{Role: role, Text: text, Timestamp: ts})
}

// Transcript returns a snapshot of the entries recorded so far.
func (s *CallSession) Transcript() []TranscriptEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TranscriptEntry, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// SessionStore is the process-wide registry of active call sessions, keyed by
// call SID. Handlers receive an instance rather than touching a global so
// tests can run isolated stores.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*CallSession
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*CallSession)}
}

// Register returns the session for the call, creating it if needed.
// Idempotent: duplicate start events for the same call SID share one session.
func (st *SessionStore) Register(callSID string) *CallSession {
	st.mu.Lock()
	defer st.mu.Unlock()

	if s, ok := st.sessions[callSID]; ok {
		return s
	}
	s := &CallSession{CallSID: callSID, StartedAt: time.Now(), state: StatePending}
	st.sessions[callSID] = s
	return s
}

func (st *SessionStore) Get(callSID string) (*CallSession, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[callSID]
	return s, ok
}

// Finalize removes the session and returns its transcript snapshot. Unknown
// call SIDs are a no-op, covering status webhooks that race cleanup.
func (st *SessionStore) Finalize(callSID string) ([]TranscriptEntry, bool) {
	st.mu.Lock()
	s, ok := st.sessions[callSID]
	if ok {
		delete(st.sessions, callSID)
	}
	st.mu.Unlock()

	if !ok {
		return nil, false
	}
	s.setState(StateClosed)
	return s.Transcript(), true
}

// Count reports the number of live sessions.
func (st *SessionStore) Count() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}
