package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// refreshMargin renews a token this long before it expires.
const refreshMargin = time.Minute

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// clientCredentials caches an OAuth2 client-credentials app token.
type clientCredentials struct {
	tokenURL     string
	clientID     string
	clientSecret string
	client       *http.Client
	now          func() time.Time

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
}

func newClientCredentials(tokenURL, clientID, clientSecret string, client *http.Client) *clientCredentials {
	return &clientCredentials{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		client:       client,
		now:          time.Now,
	}
}

// Token returns a valid access token, fetching a new one when needed.
func (c *clientCredentials) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && c.now().Before(c.expiresAt.Add(-refreshMargin)) {
		return c.accessToken, nil
	}

	var resp tokenResponse
	err := postForm(ctx, c.client, c.tokenURL, url.Values{
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"grant_type":    {"client_credentials"},
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("fetch app token: %w", err)
	}
	if resp.AccessToken == "" {
		return "", errors.New("fetch app token: empty access_token")
	}

	c.accessToken = resp.AccessToken
	c.expiresAt = c.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	return c.accessToken, nil
}

// Invalidate drops the cached token, e.g. after a 401.
func (c *clientCredentials) Invalidate() {
	c.mu.Lock()
	c.accessToken = ""
	c.mu.Unlock()
}
