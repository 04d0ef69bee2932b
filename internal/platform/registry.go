package platform

import (
	"net/http"

	"github.com/weiawesome/streamer-status/internal/config"
	"github.com/weiawesome/streamer-status/internal/domain"
)

// NewClients builds a client for every enabled platform.
func NewClients(cfg config.PlatformsConfig, httpClient *http.Client) map[domain.Platform]StatusClient {
	retry := RetryConfig{
		MaxRetries:   cfg.MaxRetries,
		DefaultDelay: cfg.RetryDelay,
		MaxDelay:     DefaultRetryConfig().MaxDelay,
	}

	clients := make(map[domain.Platform]StatusClient, 2)
	if cfg.Twitch.Enabled {
		clients[domain.PlatformTwitch] = NewTwitchClient(TwitchConfig{
			BaseURL:      cfg.Twitch.BaseURL,
			AuthURL:      cfg.Twitch.AuthURL,
			ClientID:     cfg.Twitch.ClientID,
			ClientSecret: cfg.Twitch.ClientSecret,
			Retry:        retry,
		}, httpClient)
	}
	if cfg.Kick.Enabled {
		clients[domain.PlatformKick] = NewKickClient(KickConfig{
			BaseURL:      cfg.Kick.BaseURL,
			AuthURL:      cfg.Kick.AuthURL,
			ClientID:     cfg.Kick.ClientID,
			ClientSecret: cfg.Kick.ClientSecret,
			Retry:        retry,
		}, httpClient)
	}
	return clients
}
