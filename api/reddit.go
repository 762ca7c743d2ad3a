package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aipulse/tracker/models"
	"github.com/aipulse/tracker/platforms"
)

const (
	defaultBaseURL = "https://oauth.reddit.com"
	defaultAuthURL = "https://www.reddit.com/api/v1/access_token"
)

// SeenChecker answers whether an item ID has already been ingested for a
// platform. The store implements it; fetch uses it to dedup candidates.
type SeenChecker interface {
	HasItem(platformID, itemID string) (bool, error)
}

// RedditAPI is the upstream content client. One instance is shared across
// platform cycles; the token cache is guarded for that reason.
type RedditAPI struct {
	clientID     string
	clientSecret string
	userAgent    string
	baseURL      string
	authURL      string
	httpClient   *http.Client
	accessToken  string
	tokenExpiry  time.Time
	mutex        sync.RWMutex
	log          *logrus.Logger

	// sleep is swapped out in tests so pacing delays don't slow them down
	sleep func(time.Duration)
	now   func() time.Time
}

// redditThing is the wire shape shared by posts and comments.
type redditThing struct {
	Kind string `json:"kind"`
	Data struct {
		ID         string  `json:"id"`
		Title      string  `json:"title"`
		Author     string  `json:"author"`
		Subreddit  string  `json:"subreddit"`
		CreatedUTC float64 `json:"created_utc"`
		Score      int     `json:"score"`
		SelfText   string  `json:"selftext"`
		Body       string  `json:"body"`
		Stickied   bool    `json:"stickied"`
	} `json:"data"`
}

type redditListing struct {
	Kind string `json:"kind"`
	Data struct {
		Children []redditThing `json:"children"`
	} `json:"data"`
}

// NewRedditAPI creates a new upstream content client
func NewRedditAPI(clientID, clientSecret, userAgent string, log *logrus.Logger) *RedditAPI {
	return &RedditAPI{
		clientID:     clientID,
		clientSecret: clientSecret,
		userAgent:    userAgent,
		baseURL:      defaultBaseURL,
		authURL:      defaultAuthURL,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		log:          log,
		sleep:        time.Sleep,
		now:          time.Now,
	}
}

// FetchPlatform pulls candidate posts and comments for every source of one
// platform. Sources are visited in sequence with a fixed delay between
// upstream requests so the rate-limit discipline stays deterministic. A
// failing source is logged and skipped; an auth failure aborts the whole
// fetch with zero items.
func (r *RedditAPI) FetchPlatform(ctx context.Context, platform *platforms.Platform, seen SeenChecker) ([]models.Item, error) {
	if err := r.authenticate(); err != nil {
		return nil, fmt.Errorf("authentication failed, aborting fetch: %w", err)
	}

	requestDelay := time.Duration(platform.RequestDelayMs) * time.Millisecond
	sourceDelay := time.Duration(platform.SourceDelayMs) * time.Millisecond

	items := make([]models.Item, 0)
	for i, source := range platform.Sources {
		if i > 0 {
			r.sleep(sourceDelay)
		}

		sourceItems, err := r.fetchSource(ctx, platform, source, seen, requestDelay)
		if err != nil {
			// one bad source must not abort collection for the rest
			r.log.WithError(err).WithFields(logrus.Fields{
				"platform": platform.ID,
				"source":   source,
			}).Error("Failed to fetch source, skipping")
			continue
		}
		items = append(items, sourceItems...)
	}

	r.log.WithFields(logrus.Fields{
		"platform": platform.ID,
		"sources":  len(platform.Sources),
		"items":    len(items),
	}).Info("Fetched new items for platform")

	return items, nil
}

// fetchSource retrieves the top posts of the last hour for one source plus
// their top-level comments, deduplicated against the store.
func (r *RedditAPI) fetchSource(ctx context.Context, platform *platforms.Platform, source string, seen SeenChecker, requestDelay time.Duration) ([]models.Item, error) {
	endpoint := fmt.Sprintf("%s/r/%s/top.json?t=hour&limit=%d", r.baseURL, url.PathEscape(source), platform.PostsPerSource)

	var listing redditListing
	if err := r.getJSON(ctx, endpoint, &listing); err != nil {
		return nil, err
	}

	windowStart := r.now().Add(-time.Hour)
	items := make([]models.Item, 0, len(listing.Data.Children))

	for _, child := range listing.Data.Children {
		post := r.postFromThing(child, platform.ID, source)
		if post == nil {
			continue
		}

		alreadySeen, err := seen.HasItem(platform.ID, post.ID)
		if err != nil {
			r.log.WithError(err).WithField("item_id", post.ID).Warn("Dedup check failed, skipping item")
			continue
		}
		if alreadySeen {
			continue
		}

		items = append(items, *post)

		r.sleep(requestDelay)
		comments, err := r.fetchComments(ctx, platform, source, post.ID, windowStart, seen)
		if err != nil {
			// comments are best effort; the post itself is already kept
			r.log.WithError(err).WithFields(logrus.Fields{
				"platform": platform.ID,
				"post_id":  post.ID,
			}).Warn("Failed to fetch comments for post")
			continue
		}
		items = append(items, comments...)
	}

	return items, nil
}

// fetchComments pulls up to CommentsPerPost top replies for one post,
// keeping only comments inside the trailing 60-minute window (boundary
// inclusive) and dropping tombstoned content.
func (r *RedditAPI) fetchComments(ctx context.Context, platform *platforms.Platform, source, postID string, windowStart time.Time, seen SeenChecker) ([]models.Item, error) {
	endpoint := fmt.Sprintf("%s/r/%s/comments/%s.json?sort=top&depth=1&limit=%d",
		r.baseURL, url.PathEscape(source), url.PathEscape(postID), platform.CommentsPerPost)

	// the comments endpoint returns two listings: the post, then the replies
	var listings []redditListing
	if err := r.getJSON(ctx, endpoint, &listings); err != nil {
		return nil, err
	}
	if len(listings) < 2 {
		return nil, fmt.Errorf("malformed comments payload for post %s", postID)
	}

	comments := make([]models.Item, 0, platform.CommentsPerPost)
	for _, child := range listings[1].Data.Children {
		if child.Kind != "t1" {
			continue
		}
		body := strings.TrimSpace(child.Data.Body)
		if body == "" || isTombstoned(body) {
			continue
		}

		createdAt := time.Unix(int64(child.Data.CreatedUTC), 0)
		if createdAt.Before(windowStart) {
			continue
		}

		alreadySeen, err := seen.HasItem(platform.ID, child.Data.ID)
		if err != nil {
			r.log.WithError(err).WithField("item_id", child.Data.ID).Warn("Dedup check failed, skipping item")
			continue
		}
		if alreadySeen {
			continue
		}

		comments = append(comments, models.Item{
			ID:         child.Data.ID,
			PlatformID: platform.ID,
			ParentID:   postID,
			Body:       body,
			Source:     source,
			CreatedAt:  createdAt,
			Score:      child.Data.Score,
			Keywords:   []string{},
		})
		if len(comments) >= platform.CommentsPerPost {
			break
		}
	}

	return comments, nil
}

// postFromThing converts a wire post to an Item, returning nil for posts
// with no usable text.
func (r *RedditAPI) postFromThing(thing redditThing, platformID, source string) *models.Item {
	if thing.Kind != "t3" {
		return nil
	}

	title := strings.TrimSpace(thing.Data.Title)
	body := strings.TrimSpace(thing.Data.SelfText)
	if title == "" && body == "" {
		return nil
	}
	if isTombstoned(body) {
		body = ""
		if title == "" {
			return nil
		}
	}

	return &models.Item{
		ID:         thing.Data.ID,
		PlatformID: platformID,
		Title:      title,
		Body:       body,
		Source:     source,
		CreatedAt:  time.Unix(int64(thing.Data.CreatedUTC), 0),
		Score:      thing.Data.Score,
		Keywords:   []string{},
	}
}

// authenticate performs the OAuth client-credentials exchange, reusing a
// cached token until it expires.
func (r *RedditAPI) authenticate() error {
	// first check if we already have a valid token without holding the lock for long
	r.mutex.RLock()
	token := r.accessToken
	expiry := r.tokenExpiry
	r.mutex.RUnlock()

	if token != "" && r.now().Before(expiry) {
		return nil
	}

	r.log.Info("Authenticating with upstream content API")

	data := url.Values{}
	data.Set("grant_type", "client_credentials")

	req, err := http.NewRequest("POST", r.authURL, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create auth request: %w", err)
	}

	req.SetBasicAuth(r.clientID, r.clientSecret)
	req.Header.Set("User-Agent", r.userAgent)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute auth request: %w", err)
	}
	defer resp.Body.Close()

	r.logRateHeaders(resp)

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("auth request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var authResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&authResp); err != nil {
		return fmt.Errorf("failed to decode auth response: %w", err)
	}

	r.mutex.Lock()
	r.accessToken = authResp.AccessToken
	r.tokenExpiry = r.now().Add(time.Duration(authResp.ExpiresIn) * time.Second)
	r.mutex.Unlock()

	r.log.Info("Successfully authenticated with upstream content API")
	return nil
}

// getJSON performs an authenticated GET and decodes the response into out.
func (r *RedditAPI) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	r.mutex.RLock()
	token := r.accessToken
	r.mutex.RUnlock()

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	r.logRateHeaders(resp)

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		r.log.WithFields(logrus.Fields{
			"endpoint":      endpoint,
			"response_body": string(body),
			"status_code":   resp.StatusCode,
		}).Error("Upstream API error response")
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

// logRateHeaders surfaces the upstream rate-limit headers for debugging.
// X-Ratelimit-Remaining is bugged upstream (always 0) but logged anyways in
// case that gets fixed.
func (r *RedditAPI) logRateHeaders(resp *http.Response) {
	used := getHeaderAsInt(resp.Header, "X-Ratelimit-Used")
	remaining := getHeaderAsInt(resp.Header, "X-Ratelimit-Remaining")
	reset := getHeaderAsInt(resp.Header, "X-Ratelimit-Reset")

	// skip if we didn't get valid headers for some reason
	if reset == 0 && used == 0 {
		return
	}

	r.log.WithFields(logrus.Fields{
		"used":      used,
		"remaining": remaining,
		"reset_sec": reset,
	}).Debug("Upstream rate limit headers")
}

// isTombstoned reports whether upstream replaced the content with a removal
// marker.
func isTombstoned(body string) bool {
	return body == "[deleted]" || body == "[removed]"
}

func getHeaderAsInt(header http.Header, name string) int {
	value := header.Get(name)
	if value == "" {
		return 0
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}

	return intValue
}
