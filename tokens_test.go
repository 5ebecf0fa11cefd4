package main

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenConsumeOnce(t *testing.T) {
	ti := NewTokenIssuer()
	defer ti.Stop()

	secret := ti.Issue("CA123")
	require.NotEmpty(t, secret)
	require.GreaterOrEqual(t, len(secret), 32, "token must carry at least 128 bits of entropy")

	assert.True(t, ti.Consume("CA123", secret))
	assert.False(t, ti.Consume("CA123", secret), "second consumption must fail")
}

func TestTokenWrongSecret(t *testing.T) {
	ti := NewTokenIssuer()
	defer ti.Stop()

	secret := ti.Issue("CA123")
	assert.False(t, ti.Consume("CA123", "not-the-secret"))
	// A failed guess must not burn the real token.
	assert.True(t, ti.Consume("CA123", secret))
}

func TestTokenUnknownCall(t *testing.T) {
	ti := NewTokenIssuer()
	defer ti.Stop()

	assert.False(t, ti.Consume("CA999", "anything"))
}

func TestTokenExpiry(t *testing.T) {
	ti := NewTokenIssuer()
	defer ti.Stop()

	current := time.Now()
	ti.now = func() time.Time { return current }

	secret := ti.Issue("CA123")
	current = current.Add(streamTokenTTL + time.Second)

	assert.False(t, ti.Consume("CA123", secret), "expired token must be rejected even before the sweep runs")
}

func TestTokenReissueReplaces(t *testing.T) {
	ti := NewTokenIssuer()
	defer ti.Stop()

	first := ti.Issue("CA123")
	second := ti.Issue("CA123")
	require.NotEqual(t, first, second)

	assert.False(t, ti.Consume("CA123", first), "reissue must invalidate the prior token")
	assert.True(t, ti.Consume("CA123", second))
}

func TestTokenConcurrentConsume(t *testing.T) {
	ti := NewTokenIssuer()
	defer ti.Stop()

	secret := ti.Issue("CA123")

	const workers = 32
	var wg sync.WaitGroup
	results := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- ti.Consume("CA123", secret)
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for ok := range results {
		if ok {
			wins++
		}
	}
	assert.Equal(t, 1, wins, "exactly one consumer may win")
}
