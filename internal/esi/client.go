package esi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// DefaultBaseURL is the public ESI root.
const DefaultBaseURL = "https://esi.evetech.net/latest"

const datasource = "tranquility"

// TokenSource supplies a valid bearer token for a character, refreshing it
// if needed. Implemented by the auth store; refreshes are single-flight per
// character so concurrent calls share one refresh.
type TokenSource interface {
	AccessToken(ctx context.Context, characterID int64) (string, error)
}

// Client is a rate-limited, cache-aware ESI HTTP client.
// All methods honor ctx cancellation and deadlines; the client never retries.
type Client struct {
	BaseURL string

	http      *http.Client
	userAgent string
	sem       chan struct{}
	tokens    TokenSource

	Status      *StatusTracker
	industry    *industryCache
	orderFlight singleflight.Group
}

// NewClient creates an ESI client. ESI allows up to 150 error-free
// requests/sec; 20 concurrent connections keeps us well inside that.
func NewClient(tokens TokenSource, userAgent string) *Client {
	if userAgent == "" {
		userAgent = "eve-quantum/1.0 (github.com)"
	}
	return &Client{
		BaseURL:   DefaultBaseURL,
		http:      &http.Client{Timeout: 30 * time.Second},
		userAgent: userAgent,
		sem:       make(chan struct{}, 20),
		tokens:    tokens,
		Status:    NewStatusTracker(),
		industry:  newIndustryCache(),
	}
}

func (c *Client) newRequest(ctx context.Context, url, token string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

// tokenFor resolves a bearer token when characterID is set.
func (c *Client) tokenFor(ctx context.Context, characterID int64) (string, error) {
	if characterID == 0 || c.tokens == nil {
		return "", nil
	}
	tok, err := c.tokens.AccessToken(ctx, characterID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenRefresh, err)
	}
	return tok, nil
}

// parseExpires reads the Expires header, falling back to a 5-minute TTL
// (the typical ESI market refresh window).
func parseExpires(resp *http.Response) time.Time {
	if exp := resp.Header.Get("Expires"); exp != "" {
		if t, err := time.Parse(time.RFC1123, exp); err == nil {
			return t
		}
	}
	return time.Now().Add(5 * time.Minute)
}

// doJSON performs one GET and decodes the body.
// Returns the cache expiry and the raw body size.
func (c *Client) doJSON(ctx context.Context, url, token string, dst interface{}) (time.Time, int, error) {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return time.Time{}, 0, ctx.Err()
	}
	defer func() { <-c.sem }()

	req, err := c.newRequest(ctx, url, token)
	if err != nil {
		return time.Time{}, 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return time.Time{}, 0, err
	}
	defer resp.Body.Close()

	expires := parseExpires(resp)
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return expires, 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return expires, len(body), &StatusError{Code: resp.StatusCode, Body: truncate(string(body), 200)}
	}
	if dst != nil {
		if err := json.Unmarshal(body, dst); err != nil {
			return expires, len(body), &DeserializeError{Err: err}
		}
	}
	return expires, len(body), nil
}

// GetJSON fetches a public endpoint, tracking status under key.
func (c *Client) GetJSON(ctx context.Context, key, url string, dst interface{}) (time.Time, error) {
	return c.AuthGetJSON(ctx, key, url, 0, dst)
}

// AuthGetJSON fetches an endpoint on behalf of characterID (0 = public),
// tracking status under key.
func (c *Client) AuthGetJSON(ctx context.Context, key, url string, characterID int64, dst interface{}) (time.Time, error) {
	c.Status.Start(key)
	token, err := c.tokenFor(ctx, characterID)
	if err != nil {
		c.Status.Error(key, err)
		return time.Time{}, err
	}
	expires, size, err := c.doJSON(ctx, url, token, dst)
	if err != nil {
		c.Status.Error(key, err)
		return time.Time{}, err
	}
	c.Status.Success(key, expires, size)
	return expires, nil
}

// GetPaginated fetches every page of a paginated endpoint (X-Pages header)
// and returns the concatenated items. Page 1 is fetched first to learn the
// page count; the rest are fetched concurrently. Any page failure fails the
// whole call — callers persist only after full success.
func (c *Client) GetPaginated(ctx context.Context, key, url string, characterID int64) ([]json.RawMessage, time.Time, error) {
	c.Status.Start(key)
	token, err := c.tokenFor(ctx, characterID)
	if err != nil {
		c.Status.Error(key, err)
		return nil, time.Time{}, err
	}

	items, expires, size, err := c.fetchAllPages(ctx, url, token)
	if err != nil {
		c.Status.Error(key, err)
		return nil, time.Time{}, err
	}
	c.Status.Success(key, expires, size)
	return items, expires, nil
}

func (c *Client) fetchAllPages(ctx context.Context, url, token string) ([]json.RawMessage, time.Time, int, error) {
	page1, expires, pages, size, err := c.fetchPage(ctx, url, token, 1)
	if err != nil {
		return nil, time.Time{}, 0, err
	}
	if pages <= 1 {
		return page1, expires, size, nil
	}

	results := make([][]json.RawMessage, pages+1)
	sizes := make([]int, pages+1)
	results[1] = page1
	sizes[1] = size

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for p := 2; p <= pages; p++ {
		g.Go(func() error {
			items, _, _, n, err := c.fetchPage(gctx, url, token, p)
			if err != nil {
				return err
			}
			results[p] = items
			sizes[p] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, time.Time{}, 0, err
	}

	var all []json.RawMessage
	total := 0
	for p := 1; p <= pages; p++ {
		all = append(all, results[p]...)
		total += sizes[p]
	}
	return all, expires, total, nil
}

func (c *Client) fetchPage(ctx context.Context, url, token string, page int) ([]json.RawMessage, time.Time, int, int, error) {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, time.Time{}, 0, 0, ctx.Err()
	}
	defer func() { <-c.sem }()

	sep := "?"
	for _, r := range url {
		if r == '?' {
			sep = "&"
			break
		}
	}
	req, err := c.newRequest(ctx, fmt.Sprintf("%s%spage=%d", url, sep, page), token)
	if err != nil {
		return nil, time.Time{}, 0, 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, time.Time{}, 0, 0, err
	}
	defer resp.Body.Close()

	expires := parseExpires(resp)
	pages := 1
	if p := resp.Header.Get("X-Pages"); p != "" {
		pages, _ = strconv.Atoi(p)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, expires, pages, 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, expires, pages, len(body), &StatusError{Code: resp.StatusCode, Body: truncate(string(body), 200)}
	}
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, expires, pages, len(body), &DeserializeError{Err: err}
	}
	return items, expires, pages, len(body), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
