package collector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/social-monitor/internal/models"
	"github.com/social-monitor/internal/types"
)

// TwitchCollector samples a channel's live stream through the Helix API. Each run
// yields one snapshot item keyed by stream and minute, so live metrics form a
// time series instead of overwriting one row.
type TwitchCollector struct {
	baseURL string
	authURL string
	http    *HTTPClient
	now     func() time.Time
}

// NewTwitchCollector creates a Twitch collector
func NewTwitchCollector(baseURL, authURL string, client *HTTPClient) *TwitchCollector {
	return &TwitchCollector{
		baseURL: strings.TrimRight(baseURL, "/"),
		authURL: authURL,
		http:    client,
		now:     time.Now,
	}
}

// Platform implements Collector
func (c *TwitchCollector) Platform() types.Platform { return types.PlatformTwitch }

type twitchTokenResponse struct {
	AccessToken string `json:"access_token"`
}

type twitchStreamsResponse struct {
	Data []struct {
		ID          string    `json:"id"`
		UserName    string    `json:"user_name"`
		GameName    string    `json:"game_name"`
		Title       string    `json:"title"`
		ViewerCount int64     `json:"viewer_count"`
		StartedAt   time.Time `json:"started_at"`
	} `json:"data"`
}

// Fetch implements Collector
func (c *TwitchCollector) Fetch(ctx context.Context, entity *models.MonitoredEntity, creds Credentials) ([]RawItem, error) {
	clientID := creds.Get("client_id")
	// app tokens live only for this run
	token, err := c.fetchToken(ctx, creds)
	if err != nil {
		return nil, err
	}

	login := strings.ToLower(strings.TrimPrefix(entity.Handle, "@"))
	header := http.Header{
		"Authorization": {"Bearer " + token},
		"Client-Id":     {clientID},
	}

	var streams twitchStreamsResponse
	if err := c.http.GetJSON(ctx, c.baseURL+"/streams?"+url.Values{"user_login": {login}}.Encode(), header, &streams); err != nil {
		return nil, err
	}

	minute := c.now().UTC().Truncate(time.Minute)
	channelURL := "https://www.twitch.tv/" + login

	if len(streams.Data) == 0 {
		return []RawItem{{
			NativeID:    fmt.Sprintf("offline:%d", minute.Unix()),
			Author:      login,
			URL:         channelURL,
			PublishedAt: &minute,
			Metrics:     models.Metrics{"viewer_count": 0, "is_live": 0},
		}}, nil
	}

	s := streams.Data[0]
	started := s.StartedAt
	return []RawItem{{
		NativeID:    fmt.Sprintf("%s:%d", s.ID, minute.Unix()),
		Title:       s.Title,
		Body:        s.GameName,
		Author:      s.UserName,
		URL:         channelURL,
		PublishedAt: &started,
		Metrics:     models.Metrics{"viewer_count": s.ViewerCount, "is_live": 1},
	}}, nil
}

func (c *TwitchCollector) fetchToken(ctx context.Context, creds Credentials) (string, error) {
	form := url.Values{
		"client_id":     {creds.Get("client_id")},
		"client_secret": {creds.Get("client_secret")},
		"grant_type":    {"client_credentials"},
	}

	var tok twitchTokenResponse
	if err := c.http.PostForm(ctx, c.authURL, nil, form, &tok); err != nil {
		var transient *TransientError
		// Twitch answers 400 for unknown client ids
		if errors.As(err, &transient) && strings.Contains(transient.Error(), "status 400") {
			return "", &AuthError{Platform: types.PlatformTwitch, StatusCode: http.StatusBadRequest, Cause: err}
		}
		return "", err
	}
	if tok.AccessToken == "" {
		return "", &AuthError{Platform: types.PlatformTwitch, StatusCode: http.StatusOK, Cause: errors.New("token response carried no access token")}
	}
	return tok.AccessToken, nil
}
