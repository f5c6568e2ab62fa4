package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// oauthToken is a cached client-credentials bearer token.
type oauthToken struct {
	mu        sync.Mutex
	value     string
	expiresAt time.Time
}

// oauthCache holds one cached token per endpoint name.
type oauthCache struct {
	mu     sync.Mutex
	tokens map[string]*oauthToken
}

func newOAuthCache() *oauthCache {
	return &oauthCache{tokens: map[string]*oauthToken{}}
}

func (c *oauthCache) tokenFor(name string) *oauthToken {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tokens[name]
	if !ok {
		t = &oauthToken{}
		c.tokens[name] = t
	}
	return t
}

// fetchOAuthToken performs the client-credentials grant, caching the
// result until its reported expiry.
func (c *oauthCache) fetchOAuthToken(ctx context.Context, client *http.Client, ep Endpoint) (string, error) {
	cached := c.tokenFor(ep.Name)
	cached.mu.Lock()
	defer cached.mu.Unlock()

	if cached.value != "" && time.Now().Before(cached.expiresAt) {
		return cached.value, nil
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", ep.Auth.OAuthClientID)
	form.Set("client_secret", ep.Auth.OAuthClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.Auth.OAuthTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("api: build oauth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return "", Retryable(fmt.Errorf("api: oauth request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", Retryable(fmt.Errorf("api: oauth server error %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("api: oauth rejected: status %d", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("api: decode oauth response: %w", err)
	}
	if body.ExpiresIn <= 0 {
		body.ExpiresIn = 3600
	}

	cached.value = body.AccessToken
	cached.expiresAt = time.Now().Add(time.Duration(body.ExpiresIn) * time.Second).Add(-5 * time.Second)
	return cached.value, nil
}

// applyAuth sets exactly one Authorization-equivalent value on req,
// following the precedence OAuth bearer > API key header > Authorization
// Bearer > Basic.
func (c *oauthCache) applyAuth(ctx context.Context, client *http.Client, ep Endpoint, req *http.Request) error {
	if ep.Auth.OAuthTokenURL != "" {
		tok, err := c.fetchOAuthToken(ctx, client, ep)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
		return nil
	}
	if ep.Auth.APIKeyValue != "" {
		header := ep.Auth.APIKeyHeader
		if header == "" {
			header = "X-Api-Key"
		}
		req.Header.Set(header, ep.Auth.APIKeyValue)
		return nil
	}
	if ep.Auth.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+ep.Auth.BearerToken)
		return nil
	}
	if ep.Auth.BasicUsername != "" {
		req.SetBasicAuth(ep.Auth.BasicUsername, ep.Auth.BasicPassword)
		return nil
	}
	return nil
}
