package barapi

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PacerSettings configures politeness constraints for outbound API requests:
// a minimum gap between consecutive requests plus an optional token bucket.
type PacerSettings struct {
	Delay    time.Duration
	Requests int
	Window   time.Duration
}

// Pacer serializes politeness decisions for a single remote host.
type Pacer struct {
	delay   time.Duration
	limiter *rate.Limiter

	mu   sync.Mutex
	last time.Time
}

// NewPacer creates a pacer; returns nil when no constraint is configured so
// callers can skip the Wait entirely.
func NewPacer(settings PacerSettings) *Pacer {
	if settings.Delay <= 0 && (settings.Requests <= 0 || settings.Window <= 0) {
		return nil
	}
	p := &Pacer{delay: settings.Delay}
	if settings.Requests > 0 && settings.Window > 0 {
		interval := settings.Window / time.Duration(settings.Requests)
		if interval <= 0 {
			interval = time.Millisecond
		}
		p.limiter = rate.NewLimiter(rate.Every(interval), settings.Requests)
	}
	return p
}

// Wait blocks until the next request is allowed or the context is cancelled.
func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil {
		return nil
	}

	var sleep time.Duration
	now := time.Now()

	p.mu.Lock()
	if p.delay > 0 && !p.last.IsZero() {
		if rest := p.last.Add(p.delay).Sub(now); rest > 0 {
			sleep = rest
		}
	}
	p.mu.Unlock()

	if sleep > 0 {
		timer := time.NewTimer(sleep)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	p.mu.Lock()
	p.last = time.Now()
	p.mu.Unlock()
	return nil
}
