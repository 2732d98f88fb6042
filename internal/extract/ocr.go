package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/54b3r/handoff-go/internal/blob"
)

// ocrMaxRetries bounds transient-failure retries per analyze request.
const ocrMaxRetries = 3

// OCRConfig holds the settings for constructing an OCRExtractor.
type OCRConfig struct {
	// Endpoint is the document-intelligence analyze URL.
	Endpoint string
	// APIKey authenticates requests to the service.
	APIKey string
	// Timeout bounds each HTTP round trip. Defaults to 60s.
	Timeout time.Duration
}

// OCRExtractor delegates PDF and image extraction to an external
// document-intelligence service. The service fetches the document itself,
// so the extractor first stages the bytes through a blob.Resolver and sends
// only the reference URL. Its sole job is shaping the request and parsing
// the response into plain text — transient failures are retried with
// backoff before surfacing ErrExtractionFailed.
type OCRExtractor struct {
	// cfg holds endpoint and credentials.
	cfg *OCRConfig
	// resolver turns raw bytes into a fetchable reference URL.
	resolver blob.Resolver
	// client is the shared HTTP client.
	client *http.Client
}

// NewOCRExtractor constructs an OCRExtractor.
func NewOCRExtractor(cfg *OCRConfig, resolver blob.Resolver) (*OCRExtractor, error) {
	if cfg == nil || cfg.Endpoint == "" {
		return nil, fmt.Errorf("extract: OCR endpoint must not be empty")
	}
	if resolver == nil {
		return nil, fmt.Errorf("extract: blob resolver must not be nil")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &OCRExtractor{
		cfg:      cfg,
		resolver: resolver,
		client:   &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// ocrAnalyzeRequest is the JSON body sent to the analyze endpoint.
type ocrAnalyzeRequest struct {
	URLSource string `json:"urlSource"`
}

// ocrAnalyzeResponse is the JSON body returned from the analyze endpoint.
type ocrAnalyzeResponse struct {
	Content string `json:"content"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Extract stages content, asks the layout service to analyze it by
// reference, and returns the recognized text.
func (e *OCRExtractor) Extract(ctx context.Context, content []byte, fileName, _ string) (string, error) {
	url, cleanup, err := e.resolver.Resolve(ctx, fileName, content)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrExtractionFailed, err)
	}
	defer cleanup()

	var text string
	op := func() error {
		var aErr error
		text, aErr = e.analyze(ctx, url)
		return aErr
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), ocrMaxRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return "", fmt.Errorf("%w: OCR of %s: %w", ErrExtractionFailed, fileName, err)
	}
	return text, nil
}

// analyze performs one analyze round trip.
func (e *OCRExtractor) analyze(ctx context.Context, urlSource string) (string, error) {
	payload, err := json.Marshal(ocrAnalyzeRequest{URLSource: urlSource})
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("Ocp-Apim-Subscription-Key", e.cfg.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("analyze request failed: %w", err)
	}
	defer resp.Body.Close()

	var result ocrAnalyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return result.Content, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		// Transient — worth a retry.
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	default:
		msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
		if result.Error != nil {
			msg = result.Error.Message
		}
		return "", backoff.Permanent(fmt.Errorf("%s", msg))
	}
}
