package collector

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/social-monitor/internal/models"
	"github.com/social-monitor/internal/types"
)

const (
	twitterDefaultItems = 20
	twitterMinItems     = 5
	twitterMaxItems     = 100
)

// TwitterCollector collects a user's recent tweets through the Twitter API v2.
// There is no persisted since_id; each run reads the most recent tweets.
type TwitterCollector struct {
	baseURL string
	http    *HTTPClient
}

// NewTwitterCollector creates a Twitter collector
func NewTwitterCollector(baseURL string, client *HTTPClient) *TwitterCollector {
	return &TwitterCollector{baseURL: strings.TrimRight(baseURL, "/"), http: client}
}

// Platform implements Collector
func (c *TwitterCollector) Platform() types.Platform { return types.PlatformTwitter }

type twitterUserResponse struct {
	Data struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"data"`
}

type twitterTweetsResponse struct {
	Data []struct {
		ID            string    `json:"id"`
		Text          string    `json:"text"`
		CreatedAt     time.Time `json:"created_at"`
		PublicMetrics struct {
			RetweetCount    int64 `json:"retweet_count"`
			ReplyCount      int64 `json:"reply_count"`
			LikeCount       int64 `json:"like_count"`
			QuoteCount      int64 `json:"quote_count"`
			ImpressionCount int64 `json:"impression_count"`
		} `json:"public_metrics"`
	} `json:"data"`
}

// Fetch implements Collector
func (c *TwitterCollector) Fetch(ctx context.Context, entity *models.MonitoredEntity, creds Credentials) ([]RawItem, error) {
	header := http.Header{"Authorization": {"Bearer " + creds.Get("bearer_token")}}
	username := strings.TrimPrefix(entity.Handle, "@")

	var user twitterUserResponse
	if err := c.http.GetJSON(ctx, c.baseURL+"/users/by/username/"+url.PathEscape(username), header, &user); err != nil {
		return nil, err
	}
	if user.Data.ID == "" {
		return nil, &TransientError{Platform: types.PlatformTwitter, Cause: fmt.Errorf("user %q not found", username)}
	}

	limit := limitOr(entity.ItemLimit, twitterDefaultItems, twitterMaxItems)
	if limit < twitterMinItems {
		limit = twitterMinItems
	}
	params := url.Values{
		"max_results":  {strconv.Itoa(limit)},
		"tweet.fields": {"created_at,public_metrics"},
	}

	var tweets twitterTweetsResponse
	if err := c.http.GetJSON(ctx, c.baseURL+"/users/"+user.Data.ID+"/tweets?"+params.Encode(), header, &tweets); err != nil {
		return nil, err
	}

	items := make([]RawItem, 0, len(tweets.Data))
	for _, t := range tweets.Data {
		created := t.CreatedAt
		items = append(items, RawItem{
			NativeID:    t.ID,
			Body:        t.Text,
			Author:      username,
			URL:         fmt.Sprintf("https://twitter.com/%s/status/%s", username, t.ID),
			PublishedAt: &created,
			Metrics: models.Metrics{
				"likes":       t.PublicMetrics.LikeCount,
				"retweets":    t.PublicMetrics.RetweetCount,
				"replies":     t.PublicMetrics.ReplyCount,
				"quotes":      t.PublicMetrics.QuoteCount,
				"impressions": t.PublicMetrics.ImpressionCount,
			},
		})
	}
	return items, nil
}
