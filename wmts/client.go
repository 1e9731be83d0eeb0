package wmts

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultStyle is sent as the STYLE parameter when a TileRequest does not name one.
const DefaultStyle = "default"

// TileRequest addresses a single tile on the service.
type TileRequest struct {
	Layer         string
	TileMatrixSet string
	TileMatrix    string
	Row           int
	Col           int
	Format        string
	// Style is optional, DefaultStyle is used when empty.
	Style string
}

// Client speaks WMTS KVP to one service endpoint.
// The capabilities document is fetched once and cached for the client's lifetime.
type Client struct {
	base       *url.URL
	httpClient *http.Client
	logger     zerolog.Logger

	mu   sync.Mutex
	caps *Capabilities
}

type Option func(*Client)

// WithHTTPClient replaces the default outbound HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithLogger attaches a logger. The default discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a client for the WMTS service at rawURL.
// Query parameters already present in rawURL are preserved on every request.
func NewClient(rawURL string, opts ...Option) (*Client, error) {
	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse service url: %w", err)
	}
	c := &Client{
		base:       base,
		httpClient: newOutboundHTTPClient(),
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// newOutboundHTTPClient tunes the transport for many small requests to one host.
func newOutboundHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   30 * time.Second,
	}
}

// Capabilities returns the service's parsed capabilities, fetching them on first use.
func (c *Client) Capabilities(ctx context.Context) (*Capabilities, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.caps != nil {
		return c.caps, nil
	}

	params := url.Values{}
	params.Set("SERVICE", "WMTS")
	params.Set("REQUEST", "GetCapabilities")
	params.Set("VERSION", "1.0.0")

	body, _, err := c.do(ctx, "GetCapabilities", params)
	if err != nil {
		return nil, err
	}
	caps, err := ParseCapabilities(body)
	if err != nil {
		return nil, err
	}
	c.caps = caps
	c.logger.Debug().
		Str("title", caps.ServiceIdentification.Title).
		Int("layers", len(caps.Layers())).
		Int("tileMatrixSets", len(caps.TileMatrixSets())).
		Msg("fetched capabilities")
	return caps, nil
}

// GetTile retrieves one tile and returns the raw image bytes.
func (c *Client) GetTile(ctx context.Context, req TileRequest) ([]byte, error) {
	style := req.Style
	if style == "" {
		style = DefaultStyle
	}

	params := url.Values{}
	params.Set("SERVICE", "WMTS")
	params.Set("REQUEST", "GetTile")
	params.Set("VERSION", "1.0.0")
	params.Set("LAYER", req.Layer)
	params.Set("STYLE", style)
	params.Set("TILEMATRIXSET", req.TileMatrixSet)
	params.Set("TILEMATRIX", req.TileMatrix)
	params.Set("TILEROW", strconv.Itoa(req.Row))
	params.Set("TILECOL", strconv.Itoa(req.Col))
	params.Set("FORMAT", req.Format)

	body, contentType, err := c.do(ctx, "GetTile", params)
	if err != nil {
		return nil, err
	}
	// Some services report errors as an XML exception document with status 200.
	if strings.Contains(contentType, "xml") {
		return nil, fmt.Errorf("service returned an exception report: %s", excerpt(body))
	}
	c.logger.Debug().
		Str("layer", req.Layer).
		Str("tileMatrix", req.TileMatrix).
		Int("row", req.Row).
		Int("col", req.Col).
		Int("bytes", len(body)).
		Msg("fetched tile")
	return body, nil
}

// do performs one KVP GET request, merging params into the base URL's query.
func (c *Client) do(ctx context.Context, operation string, params url.Values) ([]byte, string, error) {
	u := *c.base
	query := u.Query()
	for key, values := range params {
		query[key] = values
	}
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		recordRequest(operation, "error", 0)
		return nil, "", fmt.Errorf("build %s request: %w", operation, err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		recordRequest(operation, "error", time.Since(start))
		return nil, "", fmt.Errorf("%s request: %w", operation, err)
	}
	defer func() { _ = resp.Body.Close() }()

	recordRequest(operation, strconv.Itoa(resp.StatusCode), time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, "", fmt.Errorf("%s returned status %d: %s", operation, resp.StatusCode, excerpt(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read %s response: %w", operation, err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func excerpt(body []byte) string {
	const maxLen = 256
	s := strings.TrimSpace(string(body))
	if len(s) > maxLen {
		s = s[:maxLen] + "..."
	}
	return s
}
