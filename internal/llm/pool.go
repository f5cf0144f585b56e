package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/venari/internal/common"
)

// ErrQuotaExhausted is returned when no credential becomes usable within
// the caller's wait budget.
var ErrQuotaExhausted = errors.New("no credential usable within budget")

const (
	// minWindowWait is the floor for a quota-window wait.
	minWindowWait = 1 * time.Second

	// windowWaitSlack is added to computed window waits so the scan lands
	// just after the rollover, not on it.
	windowWaitSlack = 100 * time.Millisecond
)

// Limits are the per-credential quota ceilings
type Limits struct {
	RPM int // calls per minute
	TPM int // estimated tokens per minute
	RPD int // calls per day
}

// credential tracks one API key's rolling quota windows.
// All fields are guarded by the pool's mutex.
type credential struct {
	key     string
	project int

	minuteCalls  int
	minuteTokens int
	minuteStart  time.Time

	dayCalls int
	dayStart time.Time

	lastUsed time.Time
	failures int
}

// CredentialPool owns all quota state for the extraction gateway.
// Acquisition atomically checks and reserves a credential's counters,
// so concurrent callers cannot double-spend the same instant's budget.
type CredentialPool struct {
	mu          sync.Mutex
	creds       []*credential
	projects    []int            // distinct project ids in rotation order
	byProject   map[int][]*credential
	lastProject int // index into projects of the last project acquired from

	limits Limits
	logger arbor.ILogger

	// Injectable for deterministic tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// PoolOption configures the CredentialPool.
type PoolOption func(*CredentialPool)

// WithPoolLogger sets a logger.
func WithPoolLogger(logger arbor.ILogger) PoolOption {
	return func(p *CredentialPool) {
		p.logger = logger
	}
}

// WithClock overrides the pool's time source and sleeper.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) PoolOption {
	return func(p *CredentialPool) {
		p.now = now
		p.sleep = sleep
	}
}

// NewCredentialPool builds a pool from configured credentials.
// Credentials are constructed once and never removed, only marked exhausted.
func NewCredentialPool(creds []common.GeminiCredential, limits Limits, opts ...PoolOption) (*CredentialPool, error) {
	if len(creds) == 0 {
		return nil, errors.New("at least one credential is required")
	}
	if limits.RPM <= 0 || limits.TPM <= 0 || limits.RPD <= 0 {
		return nil, fmt.Errorf("invalid limits: rpm=%d tpm=%d rpd=%d", limits.RPM, limits.TPM, limits.RPD)
	}

	p := &CredentialPool{
		byProject:   make(map[int][]*credential),
		lastProject: -1,
		limits:      limits,
		now:         time.Now,
		sleep:       sleepWithContext,
	}

	for _, opt := range opts {
		opt(p)
	}

	start := p.now()
	for _, c := range creds {
		cred := &credential{
			key:         c.Key,
			project:     c.Project,
			minuteStart: start,
			dayStart:    start,
		}
		p.creds = append(p.creds, cred)
		if _, ok := p.byProject[c.Project]; !ok {
			p.projects = append(p.projects, c.Project)
		}
		p.byProject[c.Project] = append(p.byProject[c.Project], cred)
	}
	sort.Ints(p.projects)

	return p, nil
}

// Lease is one reserved credential. The counters were already committed at
// acquisition; the lease only feeds failure outcomes back into the pool.
type Lease struct {
	pool *CredentialPool
	cred *credential
}

// Key returns the leased API key
func (l *Lease) Key() string {
	return l.cred.key
}

// Project returns the leased credential's quota project
func (l *Lease) Project() int {
	return l.cred.project
}

// MarkMinuteExhausted pins the credential's minute counters to their
// ceilings, making it unusable until the minute window rolls over.
func (l *Lease) MarkMinuteExhausted() {
	l.pool.mu.Lock()
	defer l.pool.mu.Unlock()
	l.cred.minuteCalls = l.pool.limits.RPM
	l.cred.minuteTokens = l.pool.limits.TPM
	l.cred.failures++
}

// MarkDayExhausted makes the credential unusable for the rest of the day.
func (l *Lease) MarkDayExhausted() {
	l.pool.mu.Lock()
	defer l.pool.mu.Unlock()
	l.cred.dayCalls = l.pool.limits.RPD
	l.cred.failures++
}

// RecordFailure notes a transient failure without exhausting any window
func (l *Lease) RecordFailure() {
	l.pool.mu.Lock()
	defer l.pool.mu.Unlock()
	l.cred.failures++
}

// Acquire reserves a credential for a call of the given estimated token
// cost, blocking (in window-sized steps) up to budget. Fails with
// ErrQuotaExhausted when no credential can become usable in time.
func (p *CredentialPool) Acquire(ctx context.Context, estimatedTokens int, budget time.Duration) (*Lease, error) {
	deadline := p.now().Add(budget)

	for {
		if lease := p.tryAcquire(estimatedTokens); lease != nil {
			return lease, nil
		}

		wait := p.minWait()
		if p.now().Add(wait).After(deadline) {
			if p.logger != nil {
				p.logger.Warn().
					Str("wait", wait.String()).
					Str("budget", budget.String()).
					Msg("Quota wait exceeds budget")
			}
			return nil, ErrQuotaExhausted
		}

		if p.logger != nil {
			p.logger.Debug().Str("wait", wait.String()).Msg("All credentials exhausted, waiting for window rollover")
		}
		if err := p.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

// tryAcquire scans projects round-robin starting just after the last used
// project and reserves the LRU usable credential of the first project that
// has one. Returns nil when every credential is over a limit.
func (p *CredentialPool) tryAcquire(estimatedTokens int) *Lease {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	start := p.lastProject + 1

	for i := 0; i < len(p.projects); i++ {
		idx := (start + i) % len(p.projects)
		var best *credential
		for _, c := range p.byProject[p.projects[idx]] {
			p.rollWindows(c, now)
			if c.minuteCalls >= p.limits.RPM {
				continue
			}
			if c.minuteTokens+estimatedTokens > p.limits.TPM {
				continue
			}
			if c.dayCalls >= p.limits.RPD {
				continue
			}
			if best == nil || c.lastUsed.Before(best.lastUsed) {
				best = c
			}
		}
		if best != nil {
			best.minuteCalls++
			best.minuteTokens += estimatedTokens
			best.dayCalls++
			best.lastUsed = now
			p.lastProject = idx
			return &Lease{pool: p, cred: best}
		}
	}

	return nil
}

// minWait computes the shortest wait until any credential's minute window
// rolls over.
func (p *CredentialPool) minWait() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	wait := time.Duration(-1)
	for _, c := range p.creds {
		remaining := time.Minute - now.Sub(c.minuteStart)
		if remaining < minWindowWait {
			remaining = minWindowWait
		}
		if wait < 0 || remaining < wait {
			wait = remaining
		}
	}
	if wait < 0 {
		wait = minWindowWait
	}
	return wait + windowWaitSlack
}

// rollWindows resets expired windows. Counters only ever reset forward.
func (p *CredentialPool) rollWindows(c *credential, now time.Time) {
	if now.Sub(c.minuteStart) >= time.Minute {
		c.minuteCalls = 0
		c.minuteTokens = 0
		c.minuteStart = now
	}

	cy, cm, cd := c.dayStart.Date()
	ny, nm, nd := now.Date()
	if cy != ny || cm != nm || cd != nd {
		c.dayCalls = 0
		c.dayStart = now
	}
}

// Stats reports aggregate pool state for operator visibility
type PoolStats struct {
	Credentials int
	Projects    int
	Usable      int
	Failures    int
}

// Stats returns a snapshot of the pool
func (p *CredentialPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	stats := PoolStats{
		Credentials: len(p.creds),
		Projects:    len(p.projects),
	}
	for _, c := range p.creds {
		p.rollWindows(c, now)
		if c.minuteCalls < p.limits.RPM && c.dayCalls < p.limits.RPD {
			stats.Usable++
		}
		stats.Failures += c.failures
	}
	return stats
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
