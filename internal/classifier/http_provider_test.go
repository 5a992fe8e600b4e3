package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"finflow/internal/core"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *HTTPProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPProvider(srv.URL, "test-model", "test prompt", 5*time.Second)
}

func TestHTTPProvider_Classify(t *testing.T) {
	var gotPath string
	var gotReq providerRequest

	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"category_name":"Food & Drink","category_type":"expense","amount":25000,"confidence":0.93}`))
	})

	result, err := provider.Classify(context.Background(), Request{Text: "coffee 25000"})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}

	if gotPath != "/ai/language" {
		t.Errorf("request path = %v, want /ai/language", gotPath)
	}
	if gotReq.Text != "coffee 25000" {
		t.Errorf("request text = %v, want coffee 25000", gotReq.Text)
	}
	if gotReq.Instructions.ModelName != "test-model" || gotReq.Instructions.SystemPrompt != "test prompt" {
		t.Errorf("request instructions = %+v", gotReq.Instructions)
	}

	if result.CategoryName != "Food & Drink" || result.CategoryKind != core.Expense {
		t.Errorf("Classify() = %+v", result)
	}
	if result.Amount.Cents != 2500000 {
		t.Errorf("Amount.Cents = %v, want 2500000", result.Amount.Cents)
	}
	if result.Confidence != 0.93 {
		t.Errorf("Confidence = %v, want 0.93", result.Confidence)
	}
}

func TestHTTPProvider_Classify_ImageRoutesToVision(t *testing.T) {
	var gotPath string
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{"category_name":"Groceries","category_type":"expense","confidence":0.8}`))
	})

	_, err := provider.Classify(context.Background(), Request{ImageRef: "https://example.com/receipt.jpg"})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if gotPath != "/ai/vision" {
		t.Errorf("request path = %v, want /ai/vision", gotPath)
	}
}

func TestHTTPProvider_Classify_RetryableFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{name: "server error", status: http.StatusInternalServerError},
		{name: "bad gateway", status: http.StatusBadGateway},
		{name: "rate limited", status: http.StatusTooManyRequests},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})

			_, err := provider.Classify(context.Background(), Request{Text: "coffee"})
			if !errors.Is(err, ErrProviderUnavailable) {
				t.Errorf("Classify() error = %v, want ErrProviderUnavailable", err)
			}
		})
	}
}

func TestHTTPProvider_Classify_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	provider := NewHTTPProvider(srv.URL, "test-model", "test prompt", time.Second)
	_, err := provider.Classify(context.Background(), Request{Text: "coffee"})
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Errorf("Classify() error = %v, want ErrProviderUnavailable", err)
	}
}

func TestHTTPProvider_Classify_ClientErrorFallsBack(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	result, err := provider.Classify(context.Background(), Request{Text: "coffee"})
	if err != nil {
		t.Fatalf("Classify() error = %v, want fallback without error", err)
	}
	if !result.Fallback {
		t.Errorf("Classify() = %+v, want fallback result", result)
	}
}

func TestHTTPProvider_Classify_MalformedBodyFallsBack(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`definitely not json`))
	})

	result, err := provider.Classify(context.Background(), Request{Text: "coffee"})
	if err != nil {
		t.Fatalf("Classify() error = %v, want fallback without error", err)
	}
	if !result.Fallback {
		t.Errorf("Classify() = %+v, want fallback result", result)
	}
	if result.CategoryName != core.FallbackCategoryName || result.Confidence != 0 {
		t.Errorf("fallback = %+v, want %v with zero confidence", result, core.FallbackCategoryName)
	}
}
