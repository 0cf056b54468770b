// Package supervisor owns run execution: it locks runs, drives tiers and
// phases through the orchestrator, enforces run caps, and closes out each run
// by aging the issue backlog and promoting learned rules.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"overseer/pkg/budget"
	"overseer/pkg/config"
	"overseer/pkg/eventlog"
	"overseer/pkg/governance"
	"overseer/pkg/issues"
	"overseer/pkg/limiter"
	"overseer/pkg/logx"
	"overseer/pkg/orchestrator"
	"overseer/pkg/patch"
	"overseer/pkg/persistence"
	"overseer/pkg/proto"
	"overseer/pkg/router"
	"overseer/pkg/state"
	"overseer/pkg/verify"
)

const (
	defaultPollInterval       = 2 * time.Second
	defaultGovernanceInterval = 5 * time.Second
	verifyTimeout             = 10 * time.Minute
)

// Options configures a supervisor.
type Options struct {
	Config        *config.Config
	Store         *persistence.Store
	Summaries     *state.Store
	Events        *eventlog.Writer
	Limiter       *limiter.Limiter
	WorkspaceRoot string
	DataDir       string
	ClientFactory orchestrator.ClientFactory

	// PollInterval overrides the queue poll cadence (tests).
	PollInterval time.Duration
	// GovernanceInterval overrides the blocked-phase recheck cadence (tests).
	GovernanceInterval time.Duration
}

// Supervisor executes submitted runs one at a time.
type Supervisor struct {
	cfg        *config.Config
	store      *persistence.Store
	summaries  *state.Store
	events     *eventlog.Writer
	limits     *limiter.Limiter
	negotiator *governance.Negotiator
	factory    orchestrator.ClientFactory

	workspaceRoot string
	dataDir       string
	pollInterval  time.Duration
	govInterval   time.Duration
	logger        *logx.Logger

	mu     sync.Mutex
	queue  []string
	active map[string]*proto.Run
}

// New creates a supervisor.
func New(opts Options) *Supervisor {
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	gov := opts.GovernanceInterval
	if gov <= 0 {
		gov = defaultGovernanceInterval
	}
	return &Supervisor{
		cfg:           opts.Config,
		store:         opts.Store,
		summaries:     opts.Summaries,
		events:        opts.Events,
		limits:        opts.Limiter,
		negotiator:    governance.NewNegotiator(opts.Store),
		factory:       opts.ClientFactory,
		workspaceRoot: opts.WorkspaceRoot,
		dataDir:       opts.DataDir,
		pollInterval:  poll,
		govInterval:   gov,
		logger:        logx.NewLogger("supervisor"),
		active:        make(map[string]*proto.Run),
	}
}

// Negotiator exposes the shared governance negotiator for the control API.
func (s *Supervisor) Negotiator() *governance.Negotiator {
	return s.negotiator
}

// SubmitRun persists a new run and enqueues it.
func (s *Supervisor) SubmitRun(run *proto.Run) error {
	for _, tier := range run.Tiers {
		for _, phase := range tier.Phases {
			if err := phase.Validate(); err != nil {
				return fmt.Errorf("invalid run plan: %w", err)
			}
		}
	}
	if err := s.store.SaveRun(run); err != nil {
		return fmt.Errorf("failed to persist run: %w", err)
	}

	s.mu.Lock()
	s.queue = append(s.queue, run.ID)
	s.mu.Unlock()
	s.logger.Info("run %s submitted (%d tiers)", run.ID, len(run.Tiers))
	return nil
}

// Abort marks a run for cooperative abort. The executor notices at the next
// attempt boundary; nothing in flight is killed.
func (s *Supervisor) Abort(runID string) error {
	s.mu.Lock()
	run, active := s.active[runID]
	s.mu.Unlock()

	if active {
		run.AbortRequested = true
		run.State = proto.RunAborting
		return s.store.SaveRun(run)
	}

	run, err := s.store.LoadRun(runID)
	if err != nil {
		return err
	}
	if run.State.IsTerminal() {
		return fmt.Errorf("run %s already finished as %s", runID, run.State)
	}
	run.AbortRequested = true
	return s.store.SaveRun(run)
}

// RunStatus loads the current state of a run, preferring the live copy.
func (s *Supervisor) RunStatus(runID string) (*proto.Run, error) {
	s.mu.Lock()
	if run, ok := s.active[runID]; ok {
		s.mu.Unlock()
		return run, nil
	}
	s.mu.Unlock()
	return s.store.LoadRun(runID)
}

// ErrNotReviewable is returned when a phase review is requested for a phase
// that is not awaiting review.
var ErrNotReviewable = errors.New("phase is not awaiting review")

// ReviewPhase resolves a NEEDS_REVIEW phase by operator decision. Approval
// marks it COMPLETE, rejection marks it FAILED with the given reason. Review
// bypasses the transition map: NEEDS_REVIEW is terminal for the run loop and
// only an operator can move it.
func (s *Supervisor) ReviewPhase(runID, phaseID string, approve bool, reason string) (*proto.Phase, error) {
	s.mu.Lock()
	_, active := s.active[runID]
	s.mu.Unlock()
	if active {
		return nil, &ErrRunLocked{RunID: runID, Holder: "active executor"}
	}

	run, err := s.store.LoadRun(runID)
	if err != nil {
		return nil, err
	}
	phase := run.PhaseByID(phaseID)
	if phase == nil {
		return nil, fmt.Errorf("phase %s: %w", phaseID, persistence.ErrNotFound)
	}
	if phase.State != proto.PhaseNeedsReview {
		return nil, fmt.Errorf("phase %s is %s: %w", phaseID, phase.State, ErrNotReviewable)
	}

	if approve {
		phase.State = proto.PhaseComplete
		phase.FailureReason = ""
	} else {
		phase.State = proto.PhaseFailed
		phase.FailureReason = reason
		if reason == "" {
			phase.FailureReason = "rejected on review"
		}
	}
	if err := s.store.SavePhase(phase); err != nil {
		return nil, err
	}
	s.logger.Info("phase %s reviewed by operator: approve=%t", phaseID, approve)
	return phase, nil
}

// Start polls the queue until the context ends. One run executes at a time;
// config reloads apply between runs only.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.recoverQueued(); err != nil {
		s.logger.Error("failed to recover unfinished runs: %v", err)
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			runID, ok := s.dequeue()
			if !ok {
				continue
			}
			if config.ApplyPending() {
				if cfg, err := config.Get(); err == nil {
					s.cfg = cfg
				}
			}
			if err := s.ExecuteRun(ctx, runID); err != nil {
				s.logger.Error("run %s failed to execute: %v", runID, err)
			}
		}
	}
}

// recoverQueued requeues runs the store holds in a non-terminal state, so a
// daemon restart resumes interrupted work. Phase states were persisted at
// every transition and are picked up where they left off.
func (s *Supervisor) recoverQueued() error {
	ids, err := s.store.ListUnfinishedRuns()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	queued := make(map[string]bool, len(s.queue))
	for _, id := range s.queue {
		queued[id] = true
	}
	for _, id := range ids {
		if queued[id] || s.active[id] != nil {
			continue
		}
		s.queue = append(s.queue, id)
		s.logger.Info("run %s recovered from previous session", id)
	}
	return nil
}

func (s *Supervisor) dequeue() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return "", false
	}
	runID := s.queue[0]
	s.queue = s.queue[1:]
	return runID, true
}

// ExecuteRun drives one run to a terminal state under the exclusive run lock.
func (s *Supervisor) ExecuteRun(ctx context.Context, runID string) error {
	holder := fmt.Sprintf("%s/pid-%d", hostname(), os.Getpid())
	lock, err := acquireRunLock(filepath.Join(s.dataDir, "locks"), runID, holder)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.release(); err != nil {
			s.logger.Error("run %s: %v", runID, err)
		}
	}()

	run, err := s.store.LoadRun(runID)
	if err != nil {
		return err
	}
	if run.State.IsTerminal() {
		return fmt.Errorf("run %s already finished as %s", runID, run.State)
	}

	run.State = proto.RunExecuting
	if err := s.store.SaveRun(run); err != nil {
		return err
	}
	s.mu.Lock()
	s.active[run.ID] = run
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.active, run.ID)
		s.mu.Unlock()
	}()

	if timeout := s.runTimeout(run); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	tracker := issues.NewTracker(run.ID, s.store)
	rules, err := issues.LoadRuleBook(filepath.Join(s.dataDir, "rules.json"))
	if err != nil {
		return err
	}

	executor := orchestrator.NewExecutor(orchestrator.Options{
		WorkspaceRoot: s.workspaceRoot,
		Config:        s.cfg,
		Store:         s.store,
		Router:        router.New(s.cfg),
		Estimator:     budget.NewEstimator(s.cfg),
		Engine:        patch.NewEngine(s.workspaceRoot, s.cfg.Guardrails),
		Runner:        verify.NewRunner(s.workspaceRoot, verifyTimeout),
		Negotiator:    s.negotiator,
		Tracker:       tracker,
		Rules:         rules,
		Limiter:       s.limits,
		Events:        s.events,
		ClientFactory: s.factory,
	})

	finalState, reason := s.executeTiers(ctx, run, executor, tracker)
	s.finalize(run, tracker, rules, finalState, reason)
	return nil
}

// executeTiers walks tiers in order. A tier that finishes with failures or
// unresolved findings is not promoted, and later tiers do not start.
func (s *Supervisor) executeTiers(ctx context.Context, run *proto.Run, executor *orchestrator.Executor, tracker *issues.Tracker) (proto.RunState, string) {
	for _, tier := range run.Tiers {
		runState, reason, done := s.executeTier(ctx, run, tier, executor, tracker)
		if done {
			return runState, reason
		}

		total, major := tracker.TierCounts(tier.Index)
		tier.IssueCount = total
		tier.MajorIssues = major
		tier.RecalcClean()
		tier.Promoted = tier.Clean
		if err := s.store.SaveRun(run); err != nil {
			s.logger.Error("failed to persist tier state for %s: %v", run.ID, err)
		}

		if !tier.Clean {
			if tier.Index < len(run.Tiers)-1 {
				return proto.RunFailed, fmt.Sprintf("tier %d not promoted (%d issues, %d major)",
					tier.Index, total, major)
			}
			s.logger.Info("run %s final tier %d left unpromoted (%d issues)", run.ID, tier.Index, total)
		}
	}

	if run.AllResolved() {
		return proto.RunSucceeded, ""
	}
	return proto.RunFailed, "run finished with unresolved phases"
}

// executeTier resolves every phase in one tier, revisiting blocked phases
// until governance resolves them. done=true short-circuits the run.
func (s *Supervisor) executeTier(ctx context.Context, run *proto.Run, tier *proto.Tier, executor *orchestrator.Executor, tracker *issues.Tracker) (proto.RunState, string, bool) {
	for {
		progressed := false
		blocked := 0

		for _, phase := range tier.Phases {
			// FAILED is not terminal: a recovered run re-enters such phases
			// while attempt budget remains.
			if phase.State.IsTerminal() {
				continue
			}
			if ctx.Err() != nil {
				return proto.RunFailed, "run timed out", true
			}
			if run.AbortRequested {
				return proto.RunFailed, "aborted by operator", true
			}
			if limit := s.tokenCap(run); limit > 0 && run.TokensUsed >= limit {
				return proto.RunFailed, fmt.Sprintf("run token cap reached (%d)", run.TokensUsed), true
			}

			resolved, err := executor.ExecutePhase(ctx, run, phase)
			if err != nil {
				return proto.RunFailed, err.Error(), true
			}
			if err := s.store.SaveRun(run); err != nil {
				s.logger.Error("failed to persist run %s: %v", run.ID, err)
			}

			switch {
			case resolved:
				progressed = true
			case phase.State == proto.PhaseBlocked:
				blocked++
			case phase.State == proto.PhaseFailed:
				return proto.RunFailed,
					fmt.Sprintf("phase %q failed: %s", phase.Title, phase.FailureReason), true
			}
		}

		if blocked == 0 {
			return "", "", false
		}
		if progressed {
			continue
		}

		// Everything left is waiting on governance.
		select {
		case <-ctx.Done():
			return proto.RunFailed, "run timed out awaiting governance", true
		case <-time.After(s.govInterval):
		}
		if run.AbortRequested {
			return proto.RunFailed, "aborted by operator", true
		}
	}
}

// finalize closes out a run: terminal state, issue backlog aging, rule
// promotion and the run summary.
func (s *Supervisor) finalize(run *proto.Run, tracker *issues.Tracker, rules *issues.RuleBook, finalState proto.RunState, reason string) {
	run.State = finalState
	run.CompletedAt = time.Now().UTC()
	if err := s.store.SaveRun(run); err != nil {
		s.logger.Error("failed to persist final run state for %s: %v", run.ID, err)
	}

	backlog, err := issues.LoadBacklog(filepath.Join(s.dataDir, "backlog.json"))
	if err != nil {
		s.logger.Error("failed to load backlog: %v", err)
	} else {
		backlog.Absorb(run.ID, tracker.Issues())
		if err := backlog.Save(); err != nil {
			s.logger.Error("failed to save backlog: %v", err)
		}
		if promoted := rules.Promote(backlog.All()); promoted > 0 {
			s.logger.Info("run %s promoted %d new learned rules", run.ID, promoted)
		}
		if err := rules.Save(); err != nil {
			s.logger.Error("failed to save rule book: %v", err)
		}
	}

	if s.summaries != nil {
		if err := s.summaries.SaveRun(run); err != nil {
			s.logger.Error("failed to save run summary for %s: %v", run.ID, err)
		}
	}
	if s.events != nil {
		detail := reason
		if detail == "" {
			detail = "run completed"
		}
		_ = s.events.Write(&eventlog.Incident{
			Kind: eventlog.KindRunState, RunID: run.ID, Detail: detail,
		})
	}

	s.logger.Info("run %s finished %s (%d tokens, $%.4f): %s",
		run.ID, run.State, run.TokensUsed, run.CostUSD, reason)
}

func (s *Supervisor) tokenCap(run *proto.Run) int64 {
	if run.MaxTokens > 0 {
		return run.MaxTokens
	}
	return s.cfg.Caps.MaxRunTokens
}

func (s *Supervisor) runTimeout(run *proto.Run) time.Duration {
	if run.MaxWallClock.Std() > 0 {
		return run.MaxWallClock.Std()
	}
	return s.cfg.Caps.RunTimeout.Std()
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown-host"
	}
	return name
}
