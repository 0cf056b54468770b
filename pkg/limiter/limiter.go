// Package limiter enforces per-provider token rate and daily budget limits
// with token bucket accounting.
package limiter

import (
	"fmt"
	"sync"
	"time"

	"overseer/pkg/config"
)

var (
	// ErrRateLimit is returned when a provider's tokens-per-minute bucket is empty.
	ErrRateLimit = fmt.Errorf("rate limit exceeded")
	// ErrBudgetExceeded is returned when a provider's daily USD budget is spent.
	ErrBudgetExceeded = fmt.Errorf("daily budget exceeded")
)

// Limiter manages rate and budget buckets across providers.
type Limiter struct {
	providers  map[string]*providerLimiter
	resetTimer *time.Timer
	mu         sync.RWMutex
}

// providerLimiter enforces token and budget limits for one provider.
type providerLimiter struct {
	mu                 sync.Mutex
	name               string
	maxTokensPerMinute int
	maxBudgetPerDayUSD float64
	currentTokens      int
	spentTodayUSD      float64
	lastRefill         time.Time
}

// New creates a limiter from the provider table. Providers with MaxTPM 0 are
// unmetered; DailyBudget 0 means unlimited spend (local models).
func New(providers map[string]config.ProviderLimits) *Limiter {
	l := &Limiter{providers: make(map[string]*providerLimiter)}
	for name, limits := range providers {
		l.providers[name] = &providerLimiter{
			name:               name,
			maxTokensPerMinute: limits.MaxTPM,
			maxBudgetPerDayUSD: limits.DailyBudget,
			currentTokens:      limits.MaxTPM,
			lastRefill:         time.Now(),
		}
	}
	l.scheduleDailyReset()
	return l
}

// Reserve takes tokens out of the provider's rate bucket.
func (l *Limiter) Reserve(provider string, tokens int) error {
	pl, err := l.get(provider)
	if err != nil {
		return err
	}
	return pl.reserve(tokens)
}

// CheckBudget reports whether the provider's daily budget has headroom left.
// Called before a model call so an exhausted budget blocks new spend.
func (l *Limiter) CheckBudget(provider string) error {
	pl, err := l.get(provider)
	if err != nil {
		return err
	}
	return pl.checkBudget()
}

// ChargeBudget records USD spend against the provider's daily budget. Spend
// already incurred is recorded even when it crosses the cap; the error tells
// the caller the cap was breached.
func (l *Limiter) ChargeBudget(provider string, costUSD float64) error {
	pl, err := l.get(provider)
	if err != nil {
		return err
	}
	return pl.chargeBudget(costUSD)
}

// Status returns the remaining tokens and spend for a provider.
func (l *Limiter) Status(provider string) (tokens int, spentUSD float64, err error) {
	pl, err := l.get(provider)
	if err != nil {
		return 0, 0, err
	}
	pl.mu.Lock()
	defer pl.mu.Unlock()
	pl.refill()
	return pl.currentTokens, pl.spentTodayUSD, nil
}

// ResetDaily zeroes spend and refills every bucket.
func (l *Limiter) ResetDaily() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, pl := range l.providers {
		pl.mu.Lock()
		pl.spentTodayUSD = 0
		pl.currentTokens = pl.maxTokensPerMinute
		pl.lastRefill = time.Now()
		pl.mu.Unlock()
	}
}

// Close stops the daily reset timer.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.resetTimer != nil {
		l.resetTimer.Stop()
	}
}

func (l *Limiter) get(provider string) (*providerLimiter, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pl, ok := l.providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}
	return pl, nil
}

func (pl *providerLimiter) reserve(tokens int) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if pl.maxTokensPerMinute <= 0 {
		return nil
	}
	pl.refill()
	if pl.currentTokens < tokens {
		return ErrRateLimit
	}
	pl.currentTokens -= tokens
	return nil
}

func (pl *providerLimiter) checkBudget() error {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if pl.maxBudgetPerDayUSD <= 0 {
		return nil
	}
	if pl.spentTodayUSD >= pl.maxBudgetPerDayUSD {
		return ErrBudgetExceeded
	}
	return nil
}

func (pl *providerLimiter) chargeBudget(costUSD float64) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	pl.spentTodayUSD += costUSD
	if pl.maxBudgetPerDayUSD > 0 && pl.spentTodayUSD > pl.maxBudgetPerDayUSD {
		return ErrBudgetExceeded
	}
	return nil
}

func (pl *providerLimiter) refill() {
	now := time.Now()
	elapsed := now.Sub(pl.lastRefill)
	if elapsed < time.Minute {
		return
	}
	minutes := int(elapsed / time.Minute)
	pl.currentTokens += minutes * pl.maxTokensPerMinute
	if pl.currentTokens > pl.maxTokensPerMinute {
		pl.currentTokens = pl.maxTokensPerMinute
	}
	pl.lastRefill = pl.lastRefill.Add(time.Duration(minutes) * time.Minute)
}

func (l *Limiter) scheduleDailyReset() {
	now := time.Now()
	nextMidnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())

	l.resetTimer = time.AfterFunc(time.Until(nextMidnight), func() {
		l.ResetDaily()
		l.mu.Lock()
		l.resetTimer = time.AfterFunc(24*time.Hour, func() {
			l.scheduleDailyReset()
		})
		l.mu.Unlock()
	})
}
