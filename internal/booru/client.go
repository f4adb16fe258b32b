// Package booru is a small client for a Philomena-style image board API.
// The featured-image banner mode reads from it.
package booru

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	logx "warden/pkg/logx"
)

const userAgent = "warden/1.0"

// maxImageBytes caps banner downloads. Telegram rejects photos far below
// this anyway; the cap just keeps a misbehaving host from eating memory.
const maxImageBytes = 20 << 20

// StatusError reports a non-2xx response from the image host.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("image host returned status %d", e.Code)
}

// IsTimeout reports whether err is a network timeout or context deadline.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

// Image is the subset of image metadata the banner executor cares about.
type Image struct {
	ID                  int64     `json:"id"`
	CreatedAt           time.Time `json:"created_at"`
	Format              string    `json:"format"`
	Spoilered           bool      `json:"spoilered"`
	ThumbnailsGenerated bool      `json:"thumbnails_generated"`

	ViewURL string `json:"view_url"`
	PageURL string `json:"-"`
}

type Config struct {
	Endpoint string // e.g. https://manebooru.art
	APIKey   string
}

type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
	log      logx.Logger
}

func newHTTPClient() *http.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.Logger = nil
	return rc.StandardClient()
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, errors.New("booru endpoint is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	return &Client{
		endpoint: endpoint,
		apiKey:   cfg.APIKey,
		http:     newHTTPClient(),
		log:      log,
	}, nil
}

// Fetcher downloads arbitrary image URLs with the same retry policy the
// API client uses. The rotate banner mode pulls its configured image set
// through it.
type Fetcher struct {
	http *http.Client
}

func NewFetcher() *Fetcher {
	return &Fetcher{http: newHTTPClient()}
}

func (f *Fetcher) Fetch(ctx context.Context, imageURL string) ([]byte, error) {
	return fetchImage(ctx, f.http, imageURL)
}

type featuredResponse struct {
	Image Image `json:"image"`
}

// Featured fetches the image host's currently featured image.
func (c *Client) Featured(ctx context.Context) (Image, error) {
	u := c.endpoint + "/api/v1/json/images/featured"
	if c.apiKey != "" {
		u += "?key=" + url.QueryEscape(c.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Image{}, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return Image{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Image{}, &StatusError{Code: resp.StatusCode}
	}

	var out featuredResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return Image{}, fmt.Errorf("decode featured image: %w", err)
	}
	if out.Image.ID == 0 {
		return Image{}, errors.New("featured image response has no image")
	}
	out.Image.PageURL = fmt.Sprintf("%s/images/%d", c.endpoint, out.Image.ID)
	return out.Image, nil
}

// FetchImage downloads image bytes from an absolute URL.
func (c *Client) FetchImage(ctx context.Context, imageURL string) ([]byte, error) {
	return fetchImage(ctx, c.http, imageURL)
}

func fetchImage(ctx context.Context, hc *http.Client, imageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode}
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
}
