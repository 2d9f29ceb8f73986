// Package remote serves images from a photo library web service.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"imagedecloner/internal/errs"
	"imagedecloner/internal/models"
)

const (
	// DefaultBaseURL is the photo library REST endpoint.
	DefaultBaseURL = "https://photoslibrary.googleapis.com/v1"
	// DefaultThumbnailSize is used when a caller asks for a non-positive size.
	DefaultThumbnailSize = 100

	pageSize = 100
	// Content URLs handed out by the service expire after an hour.
	baseURLTTL = 50 * time.Minute
	// DefaultMaxDownloadBytes caps a single content download.
	DefaultMaxDownloadBytes = 200 << 20
)

// Options configures a Client.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	// Tokens supplies bearer tokens for API calls. Usually *Credentials.
	Tokens            oauth2.TokenSource
	Retry             RetryConfig
	RequestsPerSecond float64 // <= 0 means unlimited
	MaxConcurrent     int     // <= 0 means unlimited
	MaxDownloadBytes  int64   // <= 0 means DefaultMaxDownloadBytes
	Logger            zerolog.Logger
}

// Client is a Source backed by the photo library service. Ids are the
// service's media item ids.
type Client struct {
	base    *url.URL
	http    *http.Client
	tokens  oauth2.TokenSource
	retry   RetryConfig
	limiter *rate.Limiter
	sem     *semaphore.Weighted
	maxBody int64
	logger  zerolog.Logger

	mu    sync.Mutex
	items map[string]cachedItem
}

type cachedItem struct {
	item      mediaItem
	fetchedAt time.Time
}

// New creates a Client.
func New(opts Options) (*Client, error) {
	if opts.Tokens == nil {
		return nil, errs.Auth("connect", "", errors.New("no credentials configured"))
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimSuffix(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", opts.BaseURL, err)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.MaxDownloadBytes <= 0 {
		opts.MaxDownloadBytes = DefaultMaxDownloadBytes
	}

	limit := rate.Inf
	burst := 1
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
		if opts.RequestsPerSecond > 1 {
			burst = int(opts.RequestsPerSecond)
		}
	}

	c := &Client{
		base:    base,
		http:    opts.HTTPClient,
		tokens:  opts.Tokens,
		retry:   opts.Retry.withDefaults(),
		limiter: rate.NewLimiter(limit, burst),
		maxBody: opts.MaxDownloadBytes,
		logger:  opts.Logger.With().Str("component", "remote").Str("host", base.Host).Logger(),
		items:   make(map[string]cachedItem),
	}
	if opts.MaxConcurrent > 0 {
		c.sem = semaphore.NewWeighted(int64(opts.MaxConcurrent))
	}
	return c, nil
}

// Name returns "remote:" followed by the service host.
func (c *Client) Name() string { return "remote:" + c.base.Host }

// List pages through the library and returns the ids of all image items
// in service order.
func (c *Client) List(ctx context.Context) ([]string, error) {
	var ids []string
	pageToken := ""
	seen := make(map[string]bool)
	now := time.Now()
	fresh := make(map[string]cachedItem)

	for {
		q := url.Values{"pageSize": {fmt.Sprint(pageSize)}}
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}

		var page listResponse
		if err := c.getJSON(ctx, "list", "", c.endpoint("mediaItems", q), &page); err != nil {
			return nil, err
		}

		for _, item := range page.MediaItems {
			if !item.isImage() {
				continue
			}
			if _, dup := fresh[item.ID]; dup {
				continue
			}
			ids = append(ids, item.ID)
			fresh[item.ID] = cachedItem{item: item, fetchedAt: now}
		}

		if page.NextPageToken == "" {
			break
		}
		if seen[page.NextPageToken] {
			return nil, errs.IO("list", "", fmt.Errorf("page token %q repeated", page.NextPageToken))
		}
		seen[page.NextPageToken] = true
		pageToken = page.NextPageToken
	}

	c.mu.Lock()
	c.items = fresh
	c.mu.Unlock()

	c.logger.Debug().Int("images", len(ids)).Msg("listed library")
	return ids, nil
}

// Image downloads the original bytes.
func (c *Client) Image(ctx context.Context, id string) ([]byte, error) {
	item, err := c.item(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.download(ctx, "image", id, item.BaseURL+"=d")
}

// Thumbnail downloads a server-side resized variant cropped to size×size.
func (c *Client) Thumbnail(ctx context.Context, id string, size int) ([]byte, error) {
	if size <= 0 {
		size = DefaultThumbnailSize
	}
	item, err := c.item(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.download(ctx, "thumbnail", id, fmt.Sprintf("%s=w%d-h%d-c", item.BaseURL, size, size))
}

// Metadata reports the item's service metadata.
func (c *Client) Metadata(ctx context.Context, id string) (models.Metadata, error) {
	item, err := c.item(ctx, id)
	if err != nil {
		return models.Metadata{}, err
	}
	return item.metadata(), nil
}

// Delete removes the item from the library. Deletes are not retried; a
// transient failure is reported for the caller to decide.
func (c *Client) Delete(ctx context.Context, id string) error {
	u := c.endpoint("mediaItems/"+url.PathEscape(id), nil)
	err := c.call(ctx, "delete", id, 0, func(ctx context.Context) error {
		resp, err := c.send(ctx, http.MethodDelete, u, true)
		if err != nil {
			return errs.IO("delete", id, err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		return checkStatus("delete", id, resp)
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.items, id)
	c.mu.Unlock()

	c.logger.Debug().Str("id", id).Msg("deleted")
	return nil
}

// item returns the media item for id, from the listing cache while its
// content URL is still fresh.
func (c *Client) item(ctx context.Context, id string) (mediaItem, error) {
	if id == "" {
		return mediaItem{}, errs.NotFound("get", id, nil)
	}

	c.mu.Lock()
	cached, ok := c.items[id]
	c.mu.Unlock()
	if ok && time.Since(cached.fetchedAt) < baseURLTTL {
		return cached.item, nil
	}

	var item mediaItem
	if err := c.getJSON(ctx, "get", id, c.endpoint("mediaItems/"+url.PathEscape(id), nil), &item); err != nil {
		return mediaItem{}, err
	}
	if !item.isImage() {
		return mediaItem{}, errs.NotFound("get", id, fmt.Errorf("media item is %q, not an image", item.MimeType))
	}

	c.mu.Lock()
	c.items[id] = cachedItem{item: item, fetchedAt: time.Now()}
	c.mu.Unlock()
	return item, nil
}

func (c *Client) getJSON(ctx context.Context, op, id, u string, v any) error {
	return c.call(ctx, op, id, c.retry.MaxRetries, func(ctx context.Context) error {
		resp, err := c.send(ctx, http.MethodGet, u, true)
		if err != nil {
			return errs.IO(op, id, err)
		}
		defer resp.Body.Close()
		if err := checkStatus(op, id, resp); err != nil {
			return err
		}
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return errs.IO(op, id, fmt.Errorf("decode response: %w", err))
		}
		return nil
	})
}

// download fetches a content URL. Content URLs are pre-signed, so no
// bearer token is sent with them.
func (c *Client) download(ctx context.Context, op, id, u string) ([]byte, error) {
	var data []byte
	err := c.call(ctx, op, id, c.retry.MaxRetries, func(ctx context.Context) error {
		resp, err := c.send(ctx, http.MethodGet, u, false)
		if err != nil {
			return errs.IO(op, id, err)
		}
		defer resp.Body.Close()
		if err := checkStatus(op, id, resp); err != nil {
			return err
		}
		data, err = io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
		if err != nil {
			return errs.IO(op, id, err)
		}
		if int64(len(data)) > c.maxBody {
			data = nil
			return errs.Decode(op, id, fmt.Errorf("content exceeds %d bytes", c.maxBody))
		}
		return nil
	})
	return data, err
}

func (c *Client) send(ctx context.Context, method, u string, authorize bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, err
	}
	if authorize {
		tok, err := c.token(ctx)
		if err != nil {
			if errors.Is(err, errs.ErrAuth) || errors.Is(err, errs.ErrIO) {
				return nil, err
			}
			return nil, errs.Auth("token", "", err)
		}
		tok.SetAuthHeader(req)
	}
	return c.http.Do(req)
}

// contextTokenSource is a token source whose refreshes follow a context.
type contextTokenSource interface {
	TokenContext(ctx context.Context) (*oauth2.Token, error)
}

// token fetches a bearer token under the attempt's context when the source
// allows it.
func (c *Client) token(ctx context.Context) (*oauth2.Token, error) {
	if ts, ok := c.tokens.(contextTokenSource); ok {
		return ts.TokenContext(ctx)
	}
	return c.tokens.Token()
}

func (c *Client) endpoint(p string, q url.Values) string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + p
	u.RawPath = ""
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// checkStatus maps HTTP status codes onto the error taxonomy.
func checkStatus(op, id string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg := readErrorMessage(resp)
	cause := fmt.Errorf("status %d: %s", resp.StatusCode, msg)

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return errs.Auth(op, id, cause)
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return errs.NotFound(op, id, cause)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return errs.IO(op, id, cause)
	default:
		return fmt.Errorf("%s %s: %w", op, id, cause)
	}
}

func readErrorMessage(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var apiErr errorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return apiErr.Error.Message
	}
	if s := strings.TrimSpace(string(body)); s != "" {
		return s
	}
	return http.StatusText(resp.StatusCode)
}
