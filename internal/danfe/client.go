// Package danfe talks to the MeuDanfe API to fetch the DANFE PDF and the
// NFe XML for a validated 44-digit access key.
package danfe

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"bot-danfe/internal/cache"
	"bot-danfe/internal/metrics"
)

var (
	// ErrNotFound means the upstream does not know the document. This
	// outcome is definitive: retrying will not make the note appear.
	ErrNotFound = errors.New("fiscal document not found")
	// ErrUnavailable covers transient upstream failures worth retrying.
	ErrUnavailable = errors.New("lookup service unavailable")
)

// Document is a successfully fetched fiscal document.
type Document struct {
	AccessKey string
	PDF       []byte
	XML       []byte
	Filename  string
}

// Config holds MeuDanfe client configuration.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	CacheTTL   time.Duration
}

// Client provides typed access to the MeuDanfe API.
type Client struct {
	logger     *slog.Logger
	baseURL    string
	apiKey     string
	http       *http.Client
	metrics    *metrics.Metrics
	cache      *cache.Redis
	maxRetries int
	cacheTTL   time.Duration
}

// New creates a new MeuDanfe client.
func New(cfg Config, logger *slog.Logger, metricRegistry *metrics.Metrics, redis *cache.Redis) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://api.meudanfe.com.br/v2"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Client{
		logger:     logger.With("component", "danfe"),
		baseURL:    base,
		apiKey:     cfg.APIKey,
		http:       &http.Client{Timeout: timeout},
		metrics:    metricRegistry,
		cache:      redis,
		maxRetries: retries,
		cacheTTL:   ttl,
	}
}

// dataEnvelope mirrors MeuDanfe's {"data": "..."} responses.
type dataEnvelope struct {
	Data    string `json:"data"`
	Message string `json:"message"`
}

// Fetch performs one lookup round: register the key upstream, then pull
// the PDF and the XML. The XML is optional; a missing XML does not fail
// the lookup.
func (c *Client) Fetch(ctx context.Context, key string) (*Document, error) {
	if c.cache != nil {
		if doc, ok := c.cachedDocument(ctx, key); ok {
			c.countLookup("cache_hit")
			return doc, nil
		}
	}

	start := time.Now()
	doc, err := c.fetchUpstream(ctx, key)
	status := "success"
	switch {
	case errors.Is(err, ErrNotFound):
		status = "not_found"
	case err != nil:
		status = "error"
	}
	c.countLookup(status)
	if c.metrics != nil {
		c.metrics.LookupLatency.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		c.storeDocument(ctx, doc)
	}
	return doc, nil
}

// FetchWithRetry retries transient failures with exponential backoff.
// Definitive not-found outcomes are returned immediately. The attempt
// count is reported for the audit record even on failure.
func (c *Client) FetchWithRetry(ctx context.Context, key string) (*Document, int, error) {
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		attempts = attempt + 1
		doc, err := c.Fetch(ctx, key)
		if err == nil {
			return doc, attempts, nil
		}
		lastErr = err
		if errors.Is(err, ErrNotFound) {
			return nil, attempts, err
		}
		if attempt == c.maxRetries {
			break
		}

		backoff := time.Duration(1<<uint(attempt+1)) * time.Second
		c.logger.Warn("lookup failed, retrying", "key", key, "attempt", attempts, "backoff", backoff, "error", err)
		if c.metrics != nil {
			c.metrics.LookupRetries.Inc()
		}
		select {
		case <-ctx.Done():
			return nil, attempts, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, attempts, lastErr
}

func (c *Client) fetchUpstream(ctx context.Context, key string) (*Document, error) {
	// Registering the key makes the note available for download and is
	// the only billed call; the downloads themselves are free.
	if err := c.addDocument(ctx, key); err != nil {
		return nil, err
	}

	pdf, err := c.downloadPDF(ctx, key)
	if err != nil {
		return nil, err
	}

	doc := &Document{
		AccessKey: key,
		PDF:       pdf,
		Filename:  fmt.Sprintf("DANFE_%s.pdf", key[len(key)-8:]),
	}

	xml, err := c.downloadXML(ctx, key)
	if err != nil {
		c.logger.Warn("xml download failed, delivering pdf only", "key", key, "error", err)
	} else {
		doc.XML = xml
	}
	return doc, nil
}

func (c *Client) addDocument(ctx context.Context, key string) error {
	res, body, err := c.do(ctx, http.MethodPut, "/fd/add/"+key)
	if err != nil {
		return err
	}
	if res.StatusCode == http.StatusOK {
		return nil
	}

	var env dataEnvelope
	message := ""
	if jsonErr := json.Unmarshal(body, &env); jsonErr == nil {
		message = strings.TrimSpace(env.Message)
	}
	if res.StatusCode == http.StatusNotFound || res.StatusCode == http.StatusUnprocessableEntity {
		if message != "" {
			return fmt.Errorf("%w: %s", ErrNotFound, message)
		}
		return ErrNotFound
	}
	if message != "" {
		return fmt.Errorf("%w: add document: %s (status %d)", ErrUnavailable, message, res.StatusCode)
	}
	return fmt.Errorf("%w: add document status %d", ErrUnavailable, res.StatusCode)
}

func (c *Client) downloadPDF(ctx context.Context, key string) ([]byte, error) {
	res, body, err := c.do(ctx, http.MethodGet, "/fd/get/da/"+key)
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: pdf download status %d", ErrUnavailable, res.StatusCode)
	}

	var env dataEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: decode pdf response: %v", ErrUnavailable, err)
	}
	if env.Data == "" {
		return nil, fmt.Errorf("%w: pdf response carries no data", ErrUnavailable)
	}

	pdf, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: decode pdf base64: %v", ErrUnavailable, err)
	}
	return pdf, nil
}

func (c *Client) downloadXML(ctx context.Context, key string) ([]byte, error) {
	res, body, err := c.do(ctx, http.MethodGet, "/fd/get/xml/"+key)
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("xml download status %d", res.StatusCode)
	}

	var env dataEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode xml response: %w", err)
	}
	if env.Data == "" {
		return nil, errors.New("xml response carries no data")
	}
	// The API returns the XML as plain text in "data", not base64.
	return []byte(env.Data), nil
}

func (c *Client) do(ctx context.Context, method, endpoint string) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Api-Key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "bot-danfe/meudanfe-client")

	res, err := c.http.Do(req)
	if err != nil {
		if c.metrics != nil {
			c.metrics.Errors.WithLabelValues("danfe").Inc()
		}
		return nil, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	return res, body, nil
}

type cachedDoc struct {
	PDF      []byte `json:"pdf"`
	XML      []byte `json:"xml,omitempty"`
	Filename string `json:"filename"`
}

func (c *Client) cachedDocument(ctx context.Context, key string) (*Document, bool) {
	var cached cachedDoc
	ok, err := c.cache.GetJSON(ctx, cacheKey(key), &cached)
	if err != nil {
		c.logger.Warn("read document cache failed", "error", err)
		return nil, false
	}
	if !ok || len(cached.PDF) == 0 {
		return nil, false
	}
	return &Document{
		AccessKey: key,
		PDF:       cached.PDF,
		XML:       cached.XML,
		Filename:  cached.Filename,
	}, true
}

func (c *Client) storeDocument(ctx context.Context, doc *Document) {
	entry := cachedDoc{PDF: doc.PDF, XML: doc.XML, Filename: doc.Filename}
	if err := c.cache.SetJSON(ctx, cacheKey(doc.AccessKey), entry, c.cacheTTL); err != nil {
		c.logger.Warn("set document cache failed", "error", err)
	}
}

func cacheKey(key string) string {
	return "danfe:doc:" + key
}

func (c *Client) countLookup(status string) {
	if c.metrics != nil {
		c.metrics.LookupRequests.WithLabelValues(status).Inc()
	}
}
