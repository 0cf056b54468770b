// Package router selects the (provider, model) pair for each agent call from
// per-category escalation ladders, adjusted for provider health.
package router

import (
	"fmt"
	"sync"

	"overseer/pkg/config"
	"overseer/pkg/logx"
	"overseer/pkg/metrics"
	"overseer/pkg/proto"
)

const (
	defaultEscalateAfter = 2
	// healthWindow is the number of recent calls the rolling error rate spans.
	healthWindow = 20
	// healthMinSamples guards against declaring a provider unhealthy off a
	// single failure.
	healthMinSamples = 4
)

// Selection is the router's decision for one call.
type Selection struct {
	Ref         config.ModelRef
	LadderIndex int
	Escalated   bool
}

// Router picks models and tracks per-provider health for the current run.
type Router struct {
	mu     sync.Mutex
	cfg    *config.Config
	health map[string]*providerHealth
	logger *logx.Logger
}

type providerHealth struct {
	results []bool // true = success, rolling window
}

// New creates a router over the active configuration.
func New(cfg *config.Config) *Router {
	return &Router{
		cfg:    cfg,
		health: make(map[string]*providerHealth),
		logger: logx.NewLogger("router"),
	}
}

// Select picks the model for a role, category and complexity at a given
// attempt index (0-based, counting only consumed attempts).
//
// Builders start at the bottom of the ladder and escalate one step every
// escalate_after attempts. High-risk categories and the Auditor start at the
// top. Unhealthy providers are skipped, preferring stronger alternatives.
func (r *Router) Select(role proto.Role, category string, complexity proto.Complexity, attempt int) (Selection, error) {
	ladder, err := r.cfg.Ladder(category, complexity)
	if err != nil {
		return Selection{}, err
	}
	route, err := r.cfg.Route(category)
	if err != nil {
		return Selection{}, err
	}

	top := len(ladder) - 1
	idx := top
	escalated := false
	if role == proto.RoleBuilder && !route.HighRisk {
		escalateAfter := route.EscalateAfter
		if escalateAfter <= 0 {
			escalateAfter = defaultEscalateAfter
		}
		idx = attempt / escalateAfter
		if idx > top {
			idx = top
		}
		escalated = idx > 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Prefer the chosen rung, then stronger rungs, then weaker.
	for i := idx; i <= top; i++ {
		if r.healthyLocked(ladder[i].Provider) {
			return r.selection(category, ladder[i], i, escalated || i > idx), nil
		}
	}
	for i := idx - 1; i >= 0; i-- {
		if r.healthyLocked(ladder[i].Provider) {
			return r.selection(category, ladder[i], i, escalated), nil
		}
	}
	return Selection{}, fmt.Errorf("no healthy provider in ladder for category %s", category)
}

func (r *Router) selection(category string, ref config.ModelRef, idx int, escalated bool) Selection {
	if escalated {
		metrics.RecordEscalation(category)
		r.logger.Info("category %s escalated to %s/%s (rung %d)", category, ref.Provider, ref.Model, idx)
	}
	return Selection{Ref: ref, LadderIndex: idx, Escalated: escalated}
}

// RecordResult feeds one call outcome into the provider's rolling window.
// Infra failures count against health; content failures do not.
func (r *Router) RecordResult(provider string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.health[provider]
	if !ok {
		h = &providerHealth{}
		r.health[provider] = h
	}
	h.results = append(h.results, success)
	if len(h.results) > healthWindow {
		h.results = h.results[len(h.results)-healthWindow:]
	}
}

// Healthy reports whether a provider is currently routable.
func (r *Router) Healthy(provider string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.healthyLocked(provider)
}

// ResetHealth clears all rolling windows. Called at run start so one bad run
// cannot poison the next.
func (r *Router) ResetHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.health = make(map[string]*providerHealth)
}

func (r *Router) healthyLocked(provider string) bool {
	h, ok := r.health[provider]
	if !ok || len(h.results) < healthMinSamples {
		return true
	}
	threshold := 0.5
	if limits, ok := r.cfg.Providers[provider]; ok && limits.ErrorRateThreshold > 0 {
		threshold = limits.ErrorRateThreshold
	}

	failures := 0
	for _, success := range h.results {
		if !success {
			failures++
		}
	}
	rate := float64(failures) / float64(len(h.results))
	return rate < threshold
}
