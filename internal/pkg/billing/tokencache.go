package billing

import (
	"context"
	"sync"
	"time"
)

// defaultTokenTTL is used when a provider omits expires_in from its token
// response. One hour is conservative for every PSP we integrate.
const defaultTokenTTL = time.Hour

// defaultSafetyMargin is subtracted from the token expiry so a token is never
// handed out moments before the provider stops accepting it.
const defaultSafetyMargin = 30 * time.Second

// tokenFetcher performs the actual network credential exchange.
type tokenFetcher func(ctx context.Context) (token string, ttl time.Duration, err error)

// inflightRefresh is the shared result of one refresh network exchange.
// Concurrent callers arriving during the exchange wait on done and reuse it.
type inflightRefresh struct {
	done  chan struct{}
	token string
	err   error
}

// TokenCache holds one provider's short-lived bearer token. It serves the
// cached value while fresh and serializes refreshes so that N concurrent
// callers hitting an empty or expired cache trigger exactly one exchange.
type TokenCache struct {
	mu        sync.Mutex
	token     string
	expiresAt time.Time
	flight    *inflightRefresh

	margin time.Duration
	fetch  tokenFetcher
	now    func() time.Time
}

// NewTokenCache creates a cache around a fetcher.
func NewTokenCache(fetch tokenFetcher) *TokenCache {
	return &TokenCache{
		margin: defaultSafetyMargin,
		fetch:  fetch,
		now:    time.Now,
	}
}

// Token returns a valid bearer token, refreshing if the cached one is absent
// or inside the safety margin of its expiry.
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	c.mu.Lock()

	if c.token != "" && c.now().Before(c.expiresAt.Add(-c.margin)) {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}

	if c.flight != nil {
		flight := c.flight
		c.mu.Unlock()
		select {
		case <-flight.done:
			return flight.token, flight.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	flight := &inflightRefresh{done: make(chan struct{})}
	c.flight = flight
	c.mu.Unlock()

	token, ttl, err := c.fetch(ctx)
	if err == nil && ttl <= 0 {
		ttl = defaultTokenTTL
	}

	c.mu.Lock()
	if err != nil {
		// A stale token is never served past a hard refresh failure.
		c.token = ""
		c.expiresAt = time.Time{}
	} else {
		c.token = token
		c.expiresAt = c.now().Add(ttl)
	}
	c.flight = nil
	c.mu.Unlock()

	flight.token = token
	flight.err = err
	close(flight.done)

	return token, err
}

// Invalidate discards the cached token, forcing the next caller to refresh.
// Called after a provider rejects a request as unauthenticated.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.token = ""
	c.expiresAt = time.Time{}
	c.mu.Unlock()
}
