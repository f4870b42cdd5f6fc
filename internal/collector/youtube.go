package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/social-monitor/internal/logging"
	"github.com/social-monitor/internal/models"
	"github.com/social-monitor/internal/types"
)

const (
	youtubeDefaultItems    = 20
	youtubeMaxItems        = 50
	youtubeMaxCommentsPage = 100
)

var errCommentsDisabled = errors.New("comments are disabled for this video")

// YouTubeCollector collects the latest uploads of a channel through the YouTube Data API v3
type YouTubeCollector struct {
	baseURL string
	http    *HTTPClient
}

// NewYouTubeCollector creates a YouTube collector
func NewYouTubeCollector(baseURL string, client *HTTPClient) *YouTubeCollector {
	client.onError = youtubeErrorHook(client.platform)
	return &YouTubeCollector{baseURL: strings.TrimRight(baseURL, "/"), http: client}
}

// Platform implements Collector
func (c *YouTubeCollector) Platform() types.Platform { return types.PlatformYouTube }

type youtubeChannelsResponse struct {
	Items []struct {
		ID             string `json:"id"`
		ContentDetails struct {
			RelatedPlaylists struct {
				Uploads string `json:"uploads"`
			} `json:"relatedPlaylists"`
		} `json:"contentDetails"`
	} `json:"items"`
}

type youtubePlaylistItemsResponse struct {
	Items []struct {
		ContentDetails struct {
			VideoID string `json:"videoId"`
		} `json:"contentDetails"`
	} `json:"items"`
}

type youtubeVideosResponse struct {
	Items []struct {
		ID      string `json:"id"`
		Snippet struct {
			Title        string    `json:"title"`
			Description  string    `json:"description"`
			ChannelTitle string    `json:"channelTitle"`
			PublishedAt  time.Time `json:"publishedAt"`
		} `json:"snippet"`
		Statistics struct {
			ViewCount    string `json:"viewCount"`
			LikeCount    string `json:"likeCount"`
			CommentCount string `json:"commentCount"`
		} `json:"statistics"`
	} `json:"items"`
}

type youtubeCommentThreadsResponse struct {
	Items []struct {
		ID      string `json:"id"`
		Snippet struct {
			TopLevelComment struct {
				Snippet struct {
					TextDisplay       string    `json:"textDisplay"`
					AuthorDisplayName string    `json:"authorDisplayName"`
					LikeCount         int64     `json:"likeCount"`
					PublishedAt       time.Time `json:"publishedAt"`
				} `json:"snippet"`
			} `json:"topLevelComment"`
			TotalReplyCount int64 `json:"totalReplyCount"`
		} `json:"snippet"`
	} `json:"items"`
}

// Fetch implements Collector
func (c *YouTubeCollector) Fetch(ctx context.Context, entity *models.MonitoredEntity, creds Credentials) ([]RawItem, error) {
	apiKey := creds.Get("api_key")

	uploads, err := c.uploadsPlaylist(ctx, apiKey, entity.Handle)
	if err != nil {
		return nil, err
	}

	limit := limitOr(entity.ItemLimit, youtubeDefaultItems, youtubeMaxItems)
	var playlist youtubePlaylistItemsResponse
	if err := c.http.GetJSON(ctx, c.endpoint("playlistItems", url.Values{
		"part":       {"contentDetails"},
		"playlistId": {uploads},
		"maxResults": {strconv.Itoa(limit)},
		"key":        {apiKey},
	}), nil, &playlist); err != nil {
		return nil, err
	}
	if len(playlist.Items) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(playlist.Items))
	for _, it := range playlist.Items {
		ids = append(ids, it.ContentDetails.VideoID)
	}

	var videos youtubeVideosResponse
	if err := c.http.GetJSON(ctx, c.endpoint("videos", url.Values{
		"part": {"snippet,statistics"},
		"id":   {strings.Join(ids, ",")},
		"key":  {apiKey},
	}), nil, &videos); err != nil {
		return nil, err
	}

	items := make([]RawItem, 0, len(videos.Items))
	for _, v := range videos.Items {
		published := v.Snippet.PublishedAt
		item := RawItem{
			NativeID:    v.ID,
			Title:       v.Snippet.Title,
			Body:        v.Snippet.Description,
			Author:      v.Snippet.ChannelTitle,
			URL:         "https://www.youtube.com/watch?v=" + v.ID,
			PublishedAt: &published,
			Metrics: models.Metrics{
				"views":    parseCount(v.Statistics.ViewCount),
				"likes":    parseCount(v.Statistics.LikeCount),
				"comments": parseCount(v.Statistics.CommentCount),
			},
		}

		if entity.SubItemLimit > 0 {
			comments, err := c.comments(ctx, apiKey, v.ID, entity.SubItemLimit)
			switch {
			case errors.Is(err, errCommentsDisabled):
				logging.FromContext(ctx).WithField("videoId", v.ID).Debug("Skipping comments, disabled on video")
			case err != nil:
				return nil, err
			default:
				item.SubItems = comments
			}
		}
		items = append(items, item)
	}
	return items, nil
}

// uploadsPlaylist resolves a channel id (UC...) or @handle to its uploads playlist
func (c *YouTubeCollector) uploadsPlaylist(ctx context.Context, apiKey, handle string) (string, error) {
	params := url.Values{"part": {"contentDetails"}, "key": {apiKey}}
	if strings.HasPrefix(handle, "UC") && len(handle) == 24 {
		params.Set("id", handle)
	} else {
		params.Set("forHandle", "@"+strings.TrimPrefix(handle, "@"))
	}

	var channels youtubeChannelsResponse
	if err := c.http.GetJSON(ctx, c.endpoint("channels", params), nil, &channels); err != nil {
		return "", err
	}
	if len(channels.Items) == 0 || channels.Items[0].ContentDetails.RelatedPlaylists.Uploads == "" {
		return "", &TransientError{Platform: types.PlatformYouTube, Cause: fmt.Errorf("channel %q not found", handle)}
	}
	return channels.Items[0].ContentDetails.RelatedPlaylists.Uploads, nil
}

func (c *YouTubeCollector) comments(ctx context.Context, apiKey, videoID string, limit int) ([]RawSubItem, error) {
	var threads youtubeCommentThreadsResponse
	if err := c.http.GetJSON(ctx, c.endpoint("commentThreads", url.Values{
		"part":       {"snippet"},
		"videoId":    {videoID},
		"maxResults": {strconv.Itoa(limitOr(limit, limit, youtubeMaxCommentsPage))},
		"order":      {"relevance"},
		"textFormat": {"plainText"},
		"key":        {apiKey},
	}), nil, &threads); err != nil {
		return nil, err
	}

	subs := make([]RawSubItem, 0, len(threads.Items))
	for _, t := range threads.Items {
		s := t.Snippet.TopLevelComment.Snippet
		published := s.PublishedAt
		subs = append(subs, RawSubItem{
			NativeID:    t.ID,
			Body:        s.TextDisplay,
			Author:      s.AuthorDisplayName,
			PublishedAt: &published,
			Metrics: models.Metrics{
				"likes":   s.LikeCount,
				"replies": t.Snippet.TotalReplyCount,
			},
		})
	}
	return subs, nil
}

func (c *YouTubeCollector) endpoint(resource string, params url.Values) string {
	return c.baseURL + "/" + resource + "?" + params.Encode()
}

// youtubeErrorHook maps Google's 403 reasons: quota exhaustion is backpressure, not
// a credential problem, and disabled comments are not an error at all
func youtubeErrorHook(platform types.Platform) errorHook {
	return func(resp *http.Response, body []byte) error {
		if resp.StatusCode != http.StatusForbidden {
			return nil
		}
		var payload struct {
			Error struct {
				Errors []struct {
					Reason string `json:"reason"`
				} `json:"errors"`
			} `json:"error"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil
		}
		for _, e := range payload.Error.Errors {
			switch e.Reason {
			case "quotaExceeded", "rateLimitExceeded", "userRateLimitExceeded", "dailyLimitExceeded":
				return &RateLimitedError{Platform: platform, Cause: fmt.Errorf("youtube: %s", e.Reason)}
			case "commentsDisabled":
				return errCommentsDisabled
			}
		}
		return nil
	}
}

func parseCount(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
