package pos

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrSourceUnavailable occurs when a page fetch fails, times out or returns garbage.
	ErrSourceUnavailable = errors.New("pos: source unavailable")
	// ErrSourceAuth occurs when the POS API rejects the credentials.
	ErrSourceAuth = errors.New("pos: authentication failed")
)

const (
	defaultPageLimit   = 250
	defaultMaxPages    = 200
	defaultPageTimeout = 30 * time.Second
	maxPageBytes       = 32 << 20
	timestampLayout    = "2006-01-02T15:04:05.000Z"
)

// Config carries everything needed to talk to one POS account.
type Config struct {
	BaseURL     string
	Token       string
	StoreID     string
	PageLimit   int
	MaxPages    int
	PageTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PageLimit <= 0 {
		c.PageLimit = defaultPageLimit
	}
	if c.MaxPages <= 0 {
		c.MaxPages = defaultMaxPages
	}
	if c.PageTimeout <= 0 {
		c.PageTimeout = defaultPageTimeout
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return c
}

// Query describes a single page request.
type Query struct {
	CreatedMin time.Time
	CreatedMax time.Time
	Limit      int
	StoreID    string
	Cursor     string
}

// Page is one decoded page of receipts.
type Page struct {
	Receipts   []Receipt
	Skipped    []Skipped
	NextCursor string
}

// PageSource returns pages of receipts.
type PageSource interface {
	Page(ctx context.Context, q Query) (Page, error)
}

// Client is the HTTP implementation of PageSource.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient constructs a client. A nil httpClient gets a default one.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	cfg = cfg.withDefaults()
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.PageTimeout + 5*time.Second}
	}
	return &Client{cfg: cfg, httpClient: httpClient}
}

// Page fetches one page of receipts, bounded by the configured page timeout.
func (c *Client) Page(ctx context.Context, q Query) (Page, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PageTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.pageURL(q), nil)
	if err != nil {
		return Page{}, fmt.Errorf("%w: build request: %v", ErrSourceUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Page{}, fmt.Errorf("%w: status %d", ErrSourceAuth, resp.StatusCode)
	case resp.StatusCode >= 300:
		return Page{}, fmt.Errorf("%w: status %d", ErrSourceUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return Page{}, fmt.Errorf("%w: read body: %v", ErrSourceUnavailable, err)
	}
	page, err := decodePage(body)
	if err != nil {
		return Page{}, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	return page, nil
}

func (c *Client) pageURL(q Query) string {
	params := url.Values{}
	params.Set("created_at_min", q.CreatedMin.UTC().Format(timestampLayout))
	params.Set("created_at_max", q.CreatedMax.UTC().Format(timestampLayout))
	limit := q.Limit
	if limit <= 0 {
		limit = c.cfg.PageLimit
	}
	params.Set("limit", strconv.Itoa(limit))
	if q.StoreID != "" {
		params.Set("store_id", q.StoreID)
	}
	if q.Cursor != "" {
		params.Set("cursor", q.Cursor)
	}
	return fmt.Sprintf("%s/receipts?%s", c.cfg.BaseURL, params.Encode())
}
