// Package classifier defines the contract the pipeline requires from a
// classification provider and the policy for non-conforming provider output:
// classification is best-effort and degrades to a fixed fallback, it never
// blocks a transaction from completing.
package classifier

import (
	"context"
	"encoding/json"

	"finflow/internal/core"
)

// Request carries the transaction input to classify. Exactly one of Text or
// ImageRef is meaningful, selected by the transaction's input kind.
type Request struct {
	Text     string
	ImageRef string
}

// Result is the interpreted provider output, already resolved to either a
// conforming classification or the fallback.
type Result struct {
	CategoryName string
	CategoryKind core.CategoryKind
	Amount       core.Money
	Confidence   float64
	Fallback     bool
}

// Provider is the external classification service. Implementations return an
// error only for retryable conditions (timeouts, rate limits, 5xx); malformed
// output is mapped to the fallback result instead.
type Provider interface {
	Classify(ctx context.Context, req Request) (Result, error)
}

// FallbackResult is assigned when provider output cannot be interpreted.
func FallbackResult() Result {
	return Result{
		CategoryName: core.FallbackCategoryName,
		CategoryKind: core.Expense,
		Confidence:   0.0,
		Fallback:     true,
	}
}

// Instructions is the fixed instruction payload sent with every provider
// request.
type Instructions struct {
	SystemPrompt string `json:"system_prompt"`
	ModelName    string `json:"model_name"`
}

type providerRequest struct {
	Text         string       `json:"text,omitempty"`
	ImageRef     string       `json:"image_ref,omitempty"`
	Instructions Instructions `json:"instructions"`
}

type providerResponse struct {
	CategoryName string   `json:"category_name"`
	CategoryType string   `json:"category_type"`
	Amount       *float64 `json:"amount,omitempty"`
	Confidence   *float64 `json:"confidence,omitempty"`
}

// ParseResult interprets a raw provider response body. Any shape that does
// not conform to the expected result is mapped to the fallback, never to an
// error. Optional fields default to zero; confidence is clamped to [0,1] and
// negative amounts are treated as absent.
func ParseResult(body []byte) Result {
	var resp providerResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return FallbackResult()
	}

	if resp.CategoryName == "" {
		return FallbackResult()
	}

	kind := core.CategoryKind(resp.CategoryType)
	if !kind.Valid() {
		return FallbackResult()
	}

	result := Result{
		CategoryName: resp.CategoryName,
		CategoryKind: kind,
	}

	if resp.Amount != nil && *resp.Amount > 0 {
		result.Amount = core.MoneyFromFloat(*resp.Amount)
	}
	if resp.Confidence != nil {
		result.Confidence = clamp01(*resp.Confidence)
	}

	return result
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
