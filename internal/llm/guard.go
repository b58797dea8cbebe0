// Package llm holds backend-independent plumbing for the scoring backends.
package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/scholardigest/internal/digest"
)

// ErrCircuitOpen is returned without calling the backend while the breaker
// is open.
var ErrCircuitOpen = errors.New("backend circuit breaker is open")

// breaker states
type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

func (s state) String() string {
	switch s {
	case stateClosed:
		return "closed"
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// GuardOptions configures a Guard. Zero values disable the corresponding
// protection.
type GuardOptions struct {
	// Timeout bounds each Classify call.
	Timeout time.Duration
	// RPS and Burst configure the token bucket shared by all callers.
	RPS   float64
	Burst int
	// MaxFailures consecutive failures open the breaker for Cooldown.
	MaxFailures int
	Cooldown    time.Duration
}

// Guard wraps a backend with a per-call timeout, a rate limiter and a
// consecutive-failure circuit breaker.
type Guard struct {
	inner   digest.Backend
	opts    GuardOptions
	limiter *rate.Limiter
	logger  log.Logger

	mu       sync.Mutex
	state    state
	failures int
	openedAt time.Time
	probing  bool
	now      func() time.Time
}

// NewGuard wraps inner.
func NewGuard(inner digest.Backend, opts GuardOptions, logger log.Logger) *Guard {
	if logger == nil {
		logger = log.Nop()
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = time.Minute
	}
	g := &Guard{
		inner:  inner,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
	if opts.RPS > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(opts.RPS), burst)
	}
	return g
}

// Name implements digest.Backend and reports the wrapped backend's name.
func (g *Guard) Name() string { return g.inner.Name() }

// Classify implements digest.Backend.
func (g *Guard) Classify(ctx context.Context, req *digest.ClassifyRequest) (*digest.Classification, error) {
	if err := g.admit(); err != nil {
		return nil, err
	}

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			g.release()
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	callCtx := ctx
	if g.opts.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.opts.Timeout)
		defer cancel()
	}

	c, err := g.inner.Classify(callCtx, req)
	// A canceled run says nothing about backend health.
	if err != nil && ctx.Err() != nil {
		g.release()
		return nil, err
	}
	g.record(ctx, err)
	return c, err
}

// admit decides whether a call may proceed.
func (g *Guard) admit() error {
	if g.opts.MaxFailures <= 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == stateOpen && g.now().Sub(g.openedAt) >= g.opts.Cooldown {
		g.state = stateHalfOpen
		g.probing = false
	}
	switch g.state {
	case stateOpen:
		return ErrCircuitOpen
	case stateHalfOpen:
		if g.probing {
			return ErrCircuitOpen
		}
		g.probing = true
	}
	return nil
}

// release returns a half-open probe slot that was not used.
func (g *Guard) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == stateHalfOpen {
		g.probing = false
	}
}

func (g *Guard) record(ctx context.Context, err error) {
	if g.opts.MaxFailures <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	prev := g.state
	if err != nil {
		g.failures++
		if g.state == stateHalfOpen || g.failures >= g.opts.MaxFailures {
			g.state = stateOpen
			g.openedAt = g.now()
			g.failures = 0
			g.probing = false
		}
	} else {
		g.state = stateClosed
		g.failures = 0
		g.probing = false
	}

	if g.state != prev {
		g.logger.Warn(ctx, "backend circuit breaker state changed",
			"backend", g.inner.Name(),
			"from", prev.String(),
			"to", g.state.String(),
		)
	}
}

// State reports the breaker state as "closed", "open" or "half-open".
func (g *Guard) State() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.String()
}
