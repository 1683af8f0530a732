package rate

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimitError is returned when the guard refuses a request.
type RateLimitError struct {
	Account string
	Reason  string
	RetryAt time.Time
}

func (e RateLimitError) Error() string {
	if e.RetryAt.IsZero() {
		return fmt.Sprintf("%s rate limited: %s", e.Account, e.Reason)
	}
	return fmt.Sprintf("%s rate limited: %s (retry at %s)", e.Account, e.Reason, e.RetryAt.UTC().Format(time.RFC3339))
}

type Decision struct {
	Allowed bool
	Reason  string
	RetryAt time.Time
}

type bucket struct {
	capacity int
	window   time.Duration
	tokens   float64
	last     time.Time
}

// Guard enforces a Declaration.
type Guard struct {
	decl Declaration
	now  func() time.Time

	mu       sync.Mutex
	buckets  map[Window]*bucket
	cooldown time.Time
}

func NewGuard(decl Declaration, now func() time.Time) *Guard {
	if now == nil {
		now = time.Now
	}
	g := &Guard{decl: decl, now: now, buckets: make(map[Window]*bucket)}
	start := now()
	for window, limit := range decl.Limits() {
		g.buckets[window] = &bucket{
			capacity: limit,
			window:   windowDuration(window),
			tokens:   float64(limit),
			last:     start,
		}
	}
	return g
}

// WrapHTTP returns a copy of base whose transport consults the guard first.
func WrapHTTP(decl Declaration, base *http.Client) *http.Client {
	return NewGuard(decl, nil).Wrap(base)
}

func (g *Guard) Wrap(base *http.Client) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	client := *base
	transport := client.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	client.Transport = &roundTripper{base: transport, guard: g}
	return &client
}

type roundTripper struct {
	base  http.RoundTripper
	guard *Guard
}

func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	decision := rt.guard.ShouldCall()
	if !decision.Allowed {
		if req.Body != nil {
			req.Body.Close()
		}
		blockedCounter.WithLabelValues(rt.guard.decl.AccountName(), decision.Reason).Inc()
		return nil, RateLimitError{
			Account: rt.guard.decl.AccountName(),
			Reason:  decision.Reason,
			RetryAt: decision.RetryAt,
		}
	}

	resp, err := rt.base.RoundTrip(req)
	if err != nil {
		return resp, err
	}
	rt.guard.RecordResponse(resp.StatusCode, resp.Header)
	return resp, nil
}

func (g *Guard) ShouldCall() Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.decl.HasLimits() {
		return Decision{Allowed: true}
	}
	now := g.now()
	if !g.cooldown.IsZero() && now.Before(g.cooldown) {
		return Decision{Allowed: false, Reason: "cooldown", RetryAt: g.cooldown}
	}

	for window, b := range g.buckets {
		if b.capacity <= 0 {
			return Decision{Allowed: false, Reason: "disabled"}
		}
		if !b.take(now) {
			return Decision{Allowed: false, Reason: "budget", RetryAt: b.last.Add(b.window / time.Duration(b.capacity))}
		}
		remainingGauge.WithLabelValues(g.decl.AccountName(), window.String()).Set(b.tokens)
	}
	return Decision{Allowed: true}
}

// RecordResponse applies Retry-After and remaining-budget headers.
func (g *Guard) RecordResponse(status int, headers http.Header) {
	g.mu.Lock()
	defer g.mu.Unlock()

	account := g.decl.AccountName()
	lastStatusGauge.WithLabelValues(account).Set(float64(status))

	cfg := g.decl.headers
	if secs := headerInt(headers, cfg.RetryAfter); secs > 0 {
		g.cooldown = g.now().Add(time.Duration(secs) * time.Second)
		cooldownGauge.WithLabelValues(account).Set(float64(secs))
	} else if status == http.StatusTooManyRequests {
		g.cooldown = g.now().Add(time.Minute)
		cooldownGauge.WithLabelValues(account).Set(60)
	}

	if remaining := headerInt(headers, cfg.Remaining); remaining >= 0 {
		if b, ok := g.buckets[Minute]; ok && float64(remaining) < b.tokens {
			b.tokens = float64(remaining)
		}
		remainingGauge.WithLabelValues(account, Minute.String()).Set(float64(remaining))
	}
}

func (b *bucket) take(now time.Time) bool {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		refill := float64(b.capacity) / b.window.Seconds()
		b.tokens = min(float64(b.capacity), b.tokens+elapsed*refill)
		b.last = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

func headerInt(h http.Header, key string) int {
	if key == "" {
		return -1
	}
	val := h.Get(key)
	if val == "" {
		return -1
	}
	out, err := strconv.Atoi(val)
	if err != nil {
		return -1
	}
	return out
}

func windowDuration(window Window) time.Duration {
	switch window {
	case Hour:
		return time.Hour
	default:
		return time.Minute
	}
}
