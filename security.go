package main

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Security middleware and helpers

// SignatureVerifier validates that webhook requests were signed by Twilio.
// An empty auth token is a misconfiguration: the middleware fails closed and
// rejects every request with a server error instead of a 403.
type SignatureVerifier struct {
	authToken string
	bypass    bool
}

func NewSignatureVerifier(authToken string, bypass bool) *SignatureVerifier {
	return &SignatureVerifier{authToken: authToken, bypass: bypass}
}

// Verify checks a provider signature against the canonical HMAC-SHA1 over the
// externally visible URL plus the sorted form parameters. The comparison is
// constant-time.
func (v *SignatureVerifier) Verify(method, fullURL string, params url.Values, signature string) bool {
	if v.authToken == "" || signature == "" {
		return false
	}

	data := fullURL
	if method == http.MethodPost {
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			data += k + params.Get(k)
		}
	}

	mac := hmac.New(sha1.New, []byte(v.authToken))
	mac.Write([]byte(data))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return subtle.ConstantTimeCompare([]byte(signature), []byte(expected)) == 1
}

// Middleware gates a webhook handler behind signature verification.
func (v *SignatureVerifier) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if v.bypass {
			log.Printf("[Security] WARNING: signature validation bypassed for %s %s", r.Method, r.URL.Path)
			next(w, r)
			return
		}

		if v.authToken == "" {
			log.Printf("[Security] TWILIO_AUTH_TOKEN not configured, refusing %s", r.URL.Path)
			http.Error(w, "Server Misconfigured", http.StatusInternalServerError)
			return
		}

		signature := r.Header.Get("X-Twilio-Signature")
		if signature == "" {
			log.Printf("[Security] webhook rejected: missing X-Twilio-Signature for %s", r.URL.Path)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		if err := r.ParseForm(); err != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}

		if !v.Verify(r.Method, externalURL(r), r.PostForm, signature) {
			log.Printf("[Security] webhook rejected: invalid signature for %s", r.URL.Path)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		next(w, r)
	}
}

// externalURL reconstructs the URL Twilio signed: the externally visible
// scheme and host (proxy-forwarded headers win over the socket's view) plus
// the exact request path and query string.
func externalURL(r *http.Request) string {
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		if r.TLS != nil {
			scheme = "https"
		} else {
			scheme = "http"
		}
	}

	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}

	return scheme + "://" + host + r.URL.RequestURI()
}

// maxBodyMiddleware limits request body size to prevent memory exhaustion.
func maxBodyMiddleware(maxBytes int64, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		next(w, r)
	}
}

// RateLimiter implements per-IP rate limiting.
type RateLimiter struct {
	visitors map[string]*visitorEntry
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
}

type visitorEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a rate limiter with the given requests per second and burst size.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitorEntry),
		rate:     rate.Limit(rps),
		burst:    burst,
	}
	go rl.cleanup()
	return rl
}

func (rl *RateLimiter) getVisitor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, exists := rl.visitors[ip]
	if !exists {
		limiter := rate.NewLimiter(rl.rate, rl.burst)
		rl.visitors[ip] = &visitorEntry{limiter: limiter, lastSeen: time.Now()}
		return limiter
	}
	v.lastSeen = time.Now()
	return v.limiter
}

func (rl *RateLimiter) cleanup() {
	for {
		time.Sleep(5 * time.Minute)
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			if time.Since(v.lastSeen) > 10*time.Minute {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

// Middleware wraps a handler with rate limiting.
func (rl *RateLimiter) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		// Use X-Forwarded-For if behind a proxy
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			ip = strings.Split(forwarded, ",")[0]
			ip = strings.TrimSpace(ip)
		}

		limiter := rl.getVisitor(ip)
		if !limiter.Allow() {
			http.Error(w, `{"error": "rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}

		next(w, r)
	}
}

// chainMiddleware applies multiple middleware in order (outermost first).
func chainMiddleware(handler http.HandlerFunc, middlewares ...func(http.HandlerFunc) http.HandlerFunc) http.HandlerFunc {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return handler
}
