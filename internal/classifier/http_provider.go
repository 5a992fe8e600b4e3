package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ErrProviderUnavailable marks a retryable provider failure: network error,
// timeout, rate limit or 5xx. The caller leaves the transaction untouched and
// relies on queue redelivery.
var ErrProviderUnavailable = errors.New("classification provider unavailable")

const (
	languagePath = "/ai/language"
	visionPath   = "/ai/vision"
)

// HTTPProvider calls the classification service over HTTP with the fixed
// instruction template.
type HTTPProvider struct {
	endpoint     string
	instructions Instructions
	client       *http.Client
}

func NewHTTPProvider(endpoint, modelName, systemPrompt string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		endpoint: endpoint,
		instructions: Instructions{
			SystemPrompt: systemPrompt,
			ModelName:    modelName,
		},
		client: &http.Client{Timeout: timeout},
	}
}

// Classify sends the request to the provider. Transport failures, rate limits
// and server errors come back wrapping ErrProviderUnavailable; everything
// else resolves to a Result, falling back when the response does not conform.
func (p *HTTPProvider) Classify(ctx context.Context, req Request) (Result, error) {
	path := languagePath
	if req.ImageRef != "" {
		path = visionPath
	}

	body, err := json.Marshal(providerRequest{
		Text:         req.Text,
		ImageRef:     req.ImageRef,
		Instructions: p.instructions,
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal provider request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build provider request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("call provider: %v: %w", err, ErrProviderUnavailable)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read provider response: %v: %w", err, ErrProviderUnavailable)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Result{}, fmt.Errorf("provider status %d: %w", resp.StatusCode, ErrProviderUnavailable)
	case resp.StatusCode != http.StatusOK:
		// A client error cannot be fixed by retrying; degrade instead.
		slog.WarnContext(ctx, "Provider rejected classification request, using fallback",
			"status", resp.StatusCode)
		return FallbackResult(), nil
	}

	result := ParseResult(respBody)
	if result.Fallback {
		slog.WarnContext(ctx, "Provider returned malformed classification, using fallback")
	}

	return result, nil
}
