package cache

import (
	"context"
	"log/slog"
	"time"
)

// Cleaner is implemented by caches that can drop their expired entries.
type Cleaner interface {
	CleanExpired() int
}

// Maintainer periodically sweeps registered caches for expired entries.
type Maintainer struct {
	interval time.Duration
	caches   []Cleaner
}

func NewMaintainer(interval time.Duration, caches ...Cleaner) *Maintainer {
	return &Maintainer{interval: interval, caches: caches}
}

// Run sweeps on every tick until the context is cancelled.
func (m *Maintainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			removed := 0
			for _, c := range m.caches {
				removed += c.CleanExpired()
			}
			if removed > 0 {
				slog.InfoContext(ctx, "Expired cache entries removed", "count", removed)
			}
		}
	}
}
