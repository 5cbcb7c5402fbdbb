package payment

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const tokenExpirySkew = 30 * time.Second

type tokenFetcher func(ctx context.Context) (token string, ttl time.Duration, err error)

// tokenSource lazily fetches a bearer token and caches it until it expires or a
// provider answers 401. Concurrent refreshes are allowed; the last one wins.
type tokenSource struct {
	fetch tokenFetcher
	now   func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
	fetches   int
}

// clientCredentials fetches tokens with the OAuth2 client-credentials grant.
// Requests go through doer so token calls share the provider's retries and
// breaker.
func clientCredentials(p Provider, doer Doer, tokenURL, clientID, clientSecret string, scopes ...string) tokenFetcher {
	cfg := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       scopes,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	hc := &http.Client{Transport: doerTransport{doer: doer}}
	return func(ctx context.Context) (string, time.Duration, error) {
		tok, err := cfg.Token(context.WithValue(ctx, oauth2.HTTPClient, hc))
		if err != nil {
			return "", 0, tokenError(p, err)
		}
		var ttl time.Duration
		if !tok.Expiry.IsZero() {
			ttl = time.Until(tok.Expiry)
		}
		return tok.AccessToken, ttl, nil
	}
}

func tokenError(p Provider, err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) || re.Response == nil {
		return unavailable(p, 0, "token request failed", err)
	}
	status := re.Response.StatusCode
	if status >= http.StatusInternalServerError || status == http.StatusTooManyRequests {
		return unavailable(p, status, "token endpoint error", err)
	}
	return rejected(p, status, re.ErrorCode, "token request refused")
}

func newTokenSource(fetch tokenFetcher) *tokenSource {
	return &tokenSource{fetch: fetch, now: time.Now}
}

// Token returns the cached token or fetches a new one.
func (s *tokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.token != "" && (s.expiresAt.IsZero() || s.now().Before(s.expiresAt)) {
		tok := s.token
		s.mu.Unlock()
		return tok, nil
	}
	s.mu.Unlock()

	tok, ttl, err := s.fetch(ctx)
	if err != nil {
		return "", err
	}
	if tok == "" {
		return "", errors.New("payment: provider returned empty token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	s.token = tok
	s.expiresAt = time.Time{}
	if ttl > 0 {
		skew := tokenExpirySkew
		if ttl <= skew {
			skew = ttl / 2
		}
		s.expiresAt = s.now().Add(ttl - skew)
	}
	return tok, nil
}

// Invalidate drops the cached token if it is still the stale one.
func (s *tokenSource) Invalidate(stale string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == stale {
		s.token = ""
		s.expiresAt = time.Time{}
	}
}

// withToken runs call with a cached token and retries once with a fresh token
// when the provider answers 401.
func withToken(ctx context.Context, src *tokenSource, call func(token string) error) error {
	for attempt := 0; ; attempt++ {
		tok, err := src.Token(ctx)
		if err != nil {
			return err
		}
		err = call(tok)
		if attempt == 0 && isUnauthorized(err) {
			src.Invalidate(tok)
			continue
		}
		return err
	}
}

func isUnauthorized(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.StatusCode == 401
}
