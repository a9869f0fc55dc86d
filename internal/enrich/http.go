package enrich

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/lalith-99/insightops/internal/pipeline"
)

type HTTPClientOptions struct {
	URL        string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// HTTPClient calls a remote enrichment service with one JSON POST per job.
type HTTPClient struct {
	url        string
	token      string
	httpClient *http.Client
}

func NewHTTPClient(opts HTTPClientOptions) (*HTTPClient, error) {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		return nil, errors.New("enrich url is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &HTTPClient{url: url, token: strings.TrimSpace(opts.Token), httpClient: httpClient}, nil
}

func (c *HTTPClient) Enrich(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, pipeline.Terminal(fmt.Errorf("encode enrich request: %w", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, pipeline.Terminal(fmt.Errorf("build enrich request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, pipeline.Transient(fmt.Errorf("call enricher: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, pipeline.Transient(fmt.Errorf("read enrich response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, pipeline.Transient(fmt.Errorf("enricher returned %d: %s", resp.StatusCode, snippet(raw)))
	case resp.StatusCode >= 400:
		return nil, pipeline.Terminal(fmt.Errorf("enricher returned %d: %s", resp.StatusCode, snippet(raw)))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, pipeline.Terminal(fmt.Errorf("enricher returned unexpected status %d", resp.StatusCode))
	}

	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, pipeline.Terminal(fmt.Errorf("decode enrich response: %w", err))
	}
	if result.Sentiment != nil {
		s := strings.ToLower(strings.TrimSpace(*result.Sentiment))
		result.Sentiment = &s
	}
	return &result, nil
}

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
