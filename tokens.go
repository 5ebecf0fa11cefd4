package main

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log"
	"sync"
	"time"
)

const (
	streamTokenTTL      = 5 * time.Minute
	tokenSweepInterval  = time.Minute
	streamTokenNumBytes = 24 // 192 bits of entropy
)

// streamToken is an ephemeral credential gating the media-stream endpoint for
// one call. Consume-once: a successful validation deletes it.
type streamToken struct {
	secret    string
	expiresAt time.Time
}

// TokenIssuer mints and validates per-call stream tokens. One entry per call
// SID; re-issuing overwrites. Expiry is enforced both by a background sweep
// and at consumption time.
type TokenIssuer struct {
	mu     sync.Mutex
	tokens map[string]streamToken
	ttl    time.Duration
	now    func() time.Time
	stop   chan struct{}
}

func NewTokenIssuer() *TokenIssuer {
	ti := &TokenIssuer{
		tokens: make(map[string]streamToken),
		ttl:    streamTokenTTL,
		now:    time.Now,
		stop:   make(chan struct{}),
	}
	go ti.sweep()
	return ti
}

// Issue mints a fresh token for the call, replacing any prior one.
func (ti *TokenIssuer) Issue(callSID string) string {
	buf := make([]byte, streamTokenNumBytes)
	if _, err := rand.Read(buf); err != nil {
		// rand.Read failing means the process is in no state to serve calls
		log.Fatalf("[Token] crypto/rand failed: %v", err)
	}
	secret := hex.EncodeToString(buf)

	ti.mu.Lock()
	ti.tokens[callSID] = streamToken{secret: secret, expiresAt: ti.now().Add(ti.ttl)}
	ti.mu.Unlock()

	return secret
}

// Consume validates and invalidates the token for the call. Returns false for
// unknown call SIDs, wrong secrets, and expired-but-not-yet-swept tokens.
func (ti *TokenIssuer) Consume(callSID, secret string) bool {
	ti.mu.Lock()
	defer ti.mu.Unlock()

	tok, ok := ti.tokens[callSID]
	if !ok {
		return false
	}
	if ti.now().After(tok.expiresAt) {
		delete(ti.tokens, callSID)
		return false
	}
	if subtle.ConstantTimeCompare([]byte(tok.secret), []byte(secret)) != 1 {
		return false
	}

	delete(ti.tokens, callSID)
	return true
}

// Stop halts the background sweeper.
func (ti *TokenIssuer) Stop() {
	close(ti.stop)
}

func (ti *TokenIssuer) sweep() {
	ticker := time.NewTicker(tokenSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ti.mu.Lock()
			now := ti.now()
			for callSID, tok := range ti.tokens {
				if now.After(tok.expiresAt) {
					delete(ti.tokens, callSID)
				}
			}
			ti.mu.Unlock()
		case <-ti.stop:
			return
		}
	}
}
