package platform

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/weiawesome/streamer-status/internal/domain"
	"github.com/weiawesome/streamer-status/pkg/log"
)

type kickResponse[T any] struct {
	Data    []T    `json:"data"`
	Message string `json:"message"`
}

type kickCategory struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type kickChannel struct {
	BroadcasterUserID int          `json:"broadcaster_user_id"`
	Slug              string       `json:"slug"`
	StreamTitle       string       `json:"stream_title"`
	Category          kickCategory `json:"category"`
	Stream            struct {
		IsLive      bool   `json:"is_live"`
		ViewerCount int    `json:"viewer_count"`
		StartTime   string `json:"start_time"`
	} `json:"stream"`
}

type kickLivestream struct {
	BroadcasterUserID int          `json:"broadcaster_user_id"`
	Category          kickCategory `json:"category"`
	StreamTitle       string       `json:"stream_title"`
	ViewerCount       int          `json:"viewer_count"`
	StartedAt         string       `json:"started_at"`
}

// KickConfig configures the Kick public API client.
type KickConfig struct {
	BaseURL      string
	AuthURL      string
	ClientID     string
	ClientSecret string
	Retry        RetryConfig
}

// KickClient checks live status through the Kick public API.
type KickClient struct {
	cfg    KickConfig
	client *http.Client
	auth   *clientCredentials
}

func NewKickClient(cfg KickConfig, client *http.Client) *KickClient {
	return &KickClient{
		cfg:    cfg,
		client: client,
		auth:   newClientCredentials(cfg.AuthURL, cfg.ClientID, cfg.ClientSecret, client),
	}
}

func (c *KickClient) Platform() domain.Platform { return domain.PlatformKick }

// IsLive looks the channel up by slug. When it is live the livestream
// endpoint supplies the freshest title and category; the channel's own
// fields are used if that lookup fails.
func (c *KickClient) IsLive(ctx context.Context, handle string) (*StreamInfo, error) {
	channels, err := kickGet[kickChannel](ctx, c, "/channels", url.Values{"slug": {strings.ToLower(handle)}})
	if err != nil {
		return nil, err
	}
	if len(channels) == 0 {
		return nil, ErrNotFound
	}

	ch := channels[0]
	if !ch.Stream.IsLive {
		return &StreamInfo{}, nil
	}

	info := &StreamInfo{
		Live:        true,
		ViewerCount: ch.Stream.ViewerCount,
		Category:    ch.Category.Name,
		Title:       ch.StreamTitle,
	}
	if t, err := time.Parse(time.RFC3339, ch.Stream.StartTime); err == nil {
		info.StartedAt = t
	}

	streams, err := kickGet[kickLivestream](ctx, c, "/livestreams",
		url.Values{"broadcaster_user_id": {strconv.Itoa(ch.BroadcasterUserID)}})
	if err != nil {
		l := log.Ctx(ctx)
		l.Debug().Err(err).Str(log.FieldHandle, handle).Msg("kick livestream lookup failed, using channel data")
		return info, nil
	}
	if len(streams) > 0 {
		s := streams[0]
		if s.StreamTitle != "" {
			info.Title = s.StreamTitle
		}
		if s.Category.Name != "" {
			info.Category = s.Category.Name
		}
		if s.ViewerCount > info.ViewerCount {
			info.ViewerCount = s.ViewerCount
		}
	}
	return info, nil
}

func kickGet[T any](ctx context.Context, c *KickClient, endpoint string, params url.Values) ([]T, error) {
	return WithRetry(ctx, c.cfg.Retry, func(ctx context.Context) ([]T, error) {
		token, err := c.auth.Token(ctx)
		if err != nil {
			return nil, err
		}

		header := http.Header{}
		header.Set("Authorization", "Bearer "+token)

		var resp kickResponse[T]
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
