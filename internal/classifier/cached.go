package classifier

import (
	"context"
	"strings"
	"time"

	"finflow/internal/cache"
)

// CachedProvider memoizes successful text classifications keyed by the
// normalized description. Identical descriptions, including redeliveries of
// the same message, skip the provider call. Safe because classification is
// idempotent-by-replacement. Image requests and fallback results are never
// cached.
type CachedProvider struct {
	inner   Provider
	results *cache.LRUCache[Result]
}

func NewCachedProvider(inner Provider, size int, ttl time.Duration) *CachedProvider {
	return &CachedProvider{
		inner:   inner,
		results: cache.NewLRUCache[Result](size, ttl),
	}
}

func cacheKey(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

func (p *CachedProvider) Classify(ctx context.Context, req Request) (Result, error) {
	key := ""
	if req.ImageRef == "" {
		key = cacheKey(req.Text)
	}

	if key != "" {
		if result, ok := p.results.Get(key); ok {
			return result, nil
		}
	}

	result, err := p.inner.Classify(ctx, req)
	if err != nil {
		return Result{}, err
	}

	if key != "" && !result.Fallback {
		p.results.Set(key, result)
	}

	return result, nil
}

// CleanExpired drops expired cache entries; wired to a maintenance ticker in
// the worker.
func (p *CachedProvider) CleanExpired() int {
	return p.results.CleanExpired()
}
