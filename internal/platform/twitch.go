package platform

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/weiawesome/streamer-status/internal/domain"
)

// helixResponse is the common Helix envelope.
type helixResponse[T any] struct {
	Data []T `json:"data"`
}

type twitchUser struct {
	ID              string `json:"id"`
	Login           string `json:"login"`
	DisplayName     string `json:"display_name"`
	ProfileImageURL string `json:"profile_image_url"`
}

type twitchStream struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	UserLogin   string `json:"user_login"`
	GameName    string `json:"game_name"`
	Type        string `json:"type"`
	Title       string `json:"title"`
	ViewerCount int    `json:"viewer_count"`
	StartedAt   string `json:"started_at"`
}

// TwitchConfig configures the Helix client.
type TwitchConfig struct {
	BaseURL      string
	AuthURL      string
	ClientID     string
	ClientSecret string
	Retry        RetryConfig
}

// TwitchClient checks live status through the Twitch Helix API.
type TwitchClient struct {
	cfg    TwitchConfig
	client *http.Client
	auth   *clientCredentials
}

func NewTwitchClient(cfg TwitchConfig, client *http.Client) *TwitchClient {
	return &TwitchClient{
		cfg:    cfg,
		client: client,
		auth:   newClientCredentials(cfg.AuthURL, cfg.ClientID, cfg.ClientSecret, client),
	}
}

func (c *TwitchClient) Platform() domain.Platform { return domain.PlatformTwitch }

// IsLive resolves the login to a user and looks up its current stream.
func (c *TwitchClient) IsLive(ctx context.Context, handle string) (*StreamInfo, error) {
	users, err := helixGet[twitchUser](ctx, c, "/users", url.Values{"login": {strings.ToLower(handle)}})
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, ErrNotFound
	}

	streams, err := helixGet[twitchStream](ctx, c, "/streams", url.Values{"user_id": {users[0].ID}})
	if err != nil {
		return nil, err
	}
	if len(streams) == 0 || streams[0].Type != "live" {
		return &StreamInfo{}, nil
	}

	s := streams[0]
	info := &StreamInfo{
		Live:        true,
		ViewerCount: s.ViewerCount,
		Category:    s.GameName,
		Title:       s.Title,
	}
	if t, err := time.Parse(time.RFC3339, s.StartedAt); err == nil {
		info.StartedAt = t
	}
	return info, nil
}

func helixGet[T any](ctx context.Context, c *TwitchClient, endpoint string, params url.Values) ([]T, error) {
	return WithRetry(ctx, c.cfg.Retry, func(ctx context.Context) ([]T, error) {
		token, err := c.auth.Token(ctx)
		if err != nil {
			return nil, err
		}

		header := http.Header{}
		header.Set("Authorization", "Bearer "+token)
		header.Set("Client-Id", c.cfg.ClientID)

		var resp helixResponse[T]
		err = getJSON(ctx, c.client, c.cfg.BaseURL+endpoint+"?"+params.Encode(), header, &resp)
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusUnauthorized {
			c.auth.Invalidate()
		}
		if err != nil {
			return nil, err
		}
		return resp.Data, nil
	})
}
