package collector

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/social-monitor/internal/models"
	"github.com/social-monitor/internal/types"
)

const (
	redditDefaultItems = 25
	redditMaxItems     = 100
)

// RedditCollector collects the newest posts of a subreddit through Reddit's OAuth API
type RedditCollector struct {
	baseURL string
	authURL string
	http    *HTTPClient
}

// NewRedditCollector creates a Reddit collector
func NewRedditCollector(baseURL, authURL string, client *HTTPClient) *RedditCollector {
	return &RedditCollector{
		baseURL: strings.TrimRight(baseURL, "/"),
		authURL: authURL,
		http:    client,
	}
}

// Platform implements Collector
func (c *RedditCollector) Platform() types.Platform { return types.PlatformReddit }

type redditTokenResponse struct {
	AccessToken string `json:"access_token"`
}

type redditListing struct {
	Data struct {
		Children []struct {
			Kind string          `json:"kind"`
			Data json.RawMessage `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type redditPost struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Selftext    string  `json:"selftext"`
	Author      string  `json:"author"`
	Permalink   string  `json:"permalink"`
	CreatedUTC  float64 `json:"created_utc"`
	Score       int64   `json:"score"`
	UpvoteRatio float64 `json:"upvote_ratio"`
	NumComments int64   `json:"num_comments"`
}

type redditComment struct {
	ID         string  `json:"id"`
	Body       string  `json:"body"`
	Author     string  `json:"author"`
	CreatedUTC float64 `json:"created_utc"`
	Score      int64   `json:"score"`
}

// Fetch implements Collector
func (c *RedditCollector) Fetch(ctx context.Context, entity *models.MonitoredEntity, creds Credentials) ([]RawItem, error) {
	// app tokens live only for this run
	token, err := c.fetchToken(ctx, creds)
	if err != nil {
		return nil, err
	}

	header := http.Header{
		"Authorization": {"Bearer " + token},
		"User-Agent":    {creds.Get("user_agent")},
	}
	subreddit := strings.TrimPrefix(strings.TrimPrefix(entity.Handle, "r/"), "/r/")
	limit := limitOr(entity.ItemLimit, redditDefaultItems, redditMaxItems)

	var listing redditListing
	endpoint := fmt.Sprintf("%s/r/%s/new?limit=%d&raw_json=1", c.baseURL, url.PathEscape(subreddit), limit)
	if err := c.http.GetJSON(ctx, endpoint, header, &listing); err != nil {
		return nil, err
	}

	items := make([]RawItem, 0, len(listing.Data.Children))
	for _, child := range listing.Data.Children {
		if child.Kind != "t3" {
			continue
		}
		var post redditPost
		if err := json.Unmarshal(child.Data, &post); err != nil {
			return nil, &TransientError{Platform: types.PlatformReddit, Cause: fmt.Errorf("decoding post: %w", err)}
		}

		created := epochTime(post.CreatedUTC)
		item := RawItem{
			NativeID:    post.ID,
			Title:       post.Title,
			Body:        post.Selftext,
			Author:      post.Author,
			URL:         "https://www.reddit.com" + post.Permalink,
			PublishedAt: &created,
			Metrics: models.Metrics{
				"score":            post.Score,
				"comments":         post.NumComments,
				"upvote_ratio_pct": int64(math.Round(post.UpvoteRatio * 100)),
			},
		}

		if entity.SubItemLimit > 0 && post.NumComments > 0 {
			subs, err := c.comments(ctx, header, post.ID, entity.SubItemLimit)
			if err != nil {
				return nil, err
			}
			item.SubItems = subs
		}
		items = append(items, item)
	}
	return items, nil
}

func (c *RedditCollector) fetchToken(ctx context.Context, creds Credentials) (string, error) {
	req := url.Values{"grant_type": {"client_credentials"}}
	header := http.Header{"User-Agent": {creds.Get("user_agent")}}
	header.Set("Authorization", "Basic "+basicAuth(creds.Get("client_id"), creds.Get("client_secret")))

	var tok redditTokenResponse
	if err := c.http.PostForm(ctx, c.authURL, header, req, &tok); err != nil {
		return "", err
	}
	if tok.AccessToken == "" {
		return "", &AuthError{Platform: types.PlatformReddit, StatusCode: http.StatusOK, Cause: errors.New("token response carried no access token")}
	}
	return tok.AccessToken, nil
}

func (c *RedditCollector) comments(ctx context.Context, header http.Header, postID string, limit int) ([]RawSubItem, error) {
	var listings []redditListing
	endpoint := fmt.Sprintf("%s/comments/%s?limit=%d&depth=1&sort=top&raw_json=1", c.baseURL, postID, limitOr(limit, limit, redditMaxItems))
	if err := c.http.GetJSON(ctx, endpoint, header, &listings); err != nil {
		return nil, err
	}
	if len(listings) < 2 {
		return nil, nil
	}

	var subs []RawSubItem
	for _, child := range listings[1].Data.Children {
		if child.Kind != "t1" {
			continue
		}
		if len(subs) >= limit {
			break
		}
		var comment redditComment
		if err := json.Unmarshal(child.Data, &comment); err != nil {
			return nil, &TransientError{Platform: types.PlatformReddit, Cause: fmt.Errorf("decoding comment: %w", err)}
		}
		created := epochTime(comment.CreatedUTC)
		subs = append(subs, RawSubItem{
			NativeID:    comment.ID,
			Body:        comment.Body,
			Author:      comment.Author,
			PublishedAt: &created,
			Metrics:     models.Metrics{"score": comment.Score},
		})
	}
	return subs, nil
}

func epochTime(secs float64) time.Time {
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC()
}

func basicAuth(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}
