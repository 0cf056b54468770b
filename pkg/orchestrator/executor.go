// Package orchestrator drives phases through their attempt loop: route a
// model, collect a patch, apply it, verify, audit and gate the result.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"overseer/pkg/agent"
	"overseer/pkg/agent/llmerrors"
	"overseer/pkg/budget"
	"overseer/pkg/config"
	"overseer/pkg/eventlog"
	"overseer/pkg/gate"
	"overseer/pkg/governance"
	"overseer/pkg/issues"
	"overseer/pkg/limiter"
	"overseer/pkg/logx"
	"overseer/pkg/metrics"
	"overseer/pkg/patch"
	"overseer/pkg/persistence"
	"overseer/pkg/proto"
	"overseer/pkg/router"
	"overseer/pkg/verify"
)

// ClientFactory builds a completion client for a routing target. Swappable in
// tests.
type ClientFactory func(ref config.ModelRef, limits config.ProviderLimits) (agent.Client, error)

// Executor runs one phase at a time inside a run owned by the supervisor.
type Executor struct {
	root       string
	cfg        *config.Config
	store      *persistence.Store
	router     *router.Router
	estimator  *budget.Estimator
	engine     *patch.Engine
	runner     *verify.Runner
	negotiator *governance.Negotiator
	tracker    *issues.Tracker
	rules      *issues.RuleBook
	limits     *limiter.Limiter
	events     *eventlog.Writer
	factory    ClientFactory
	logger     *logx.Logger
}

// Options bundles the collaborators an executor needs.
type Options struct {
	WorkspaceRoot string
	Config        *config.Config
	Store         *persistence.Store
	Router        *router.Router
	Estimator     *budget.Estimator
	Engine        *patch.Engine
	Runner        *verify.Runner
	Negotiator    *governance.Negotiator
	Tracker       *issues.Tracker
	Rules         *issues.RuleBook
	Limiter       *limiter.Limiter
	Events        *eventlog.Writer
	ClientFactory ClientFactory
}

// NewExecutor creates an executor. ClientFactory defaults to the real
// provider factory.
func NewExecutor(opts Options) *Executor {
	factory := opts.ClientFactory
	if factory == nil {
		factory = agent.NewClient
	}
	return &Executor{
		root:       opts.WorkspaceRoot,
		cfg:        opts.Config,
		store:      opts.Store,
		router:     opts.Router,
		estimator:  opts.Estimator,
		engine:     opts.Engine,
		runner:     opts.Runner,
		negotiator: opts.Negotiator,
		tracker:    opts.Tracker,
		rules:      opts.Rules,
		limits:     opts.Limiter,
		events:     opts.Events,
		factory:    factory,
		logger:     logx.NewLogger("orchestrator"),
	}
}

// attemptResult is one cycle's gate decision plus accounting.
type attemptResult struct {
	outcome  proto.OutcomeClass
	state    proto.PhaseState
	detail   string
	feedback []string
	issues   []*proto.Issue
}

// ExecutePhase drives a phase until it resolves, fails terminally, or
// suspends on governance. Returns true when the phase reached a resolved
// state.
func (e *Executor) ExecutePhase(ctx context.Context, run *proto.Run, phase *proto.Phase) (bool, error) {
	if err := phase.Validate(); err != nil {
		return false, err
	}

	infraRetries := 0
	started := time.Now()
	var feedback []string

	for {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if run.AbortRequested {
			return false, fmt.Errorf("run %s abort requested", run.ID)
		}

		switch phase.State {
		case proto.PhaseBlocked:
			resumed, err := e.resumeFromGovernance(phase)
			if err != nil || !resumed {
				return false, err
			}
		case proto.PhaseQueued, proto.PhaseFailed:
			if phase.State == proto.PhaseFailed && phase.AttemptCount >= e.maxAttempts(run) {
				// Recovered with no attempt budget left; stays failed.
				return false, nil
			}
			if err := e.transition(phase, proto.PhaseExecuting); err != nil {
				return false, err
			}
		case proto.PhaseExecuting:
			// Retrying after an infra error; no transition needed.
		default:
			return phase.State.Resolved(), nil
		}

		result, err := e.runAttempt(ctx, run, phase, feedback)
		if err != nil {
			return false, err
		}

		metrics.RecordAttemptOutcome(run.ID, phase.Category, result.outcome.String())
		e.logIncident(&eventlog.Incident{
			Kind:    eventlog.KindAttempt,
			RunID:   run.ID,
			PhaseID: phase.ID,
			Outcome: result.outcome,
			Detail:  result.detail,
		})
		for _, issue := range result.issues {
			if _, err := e.tracker.Record(issue, phase.TierIndex); err != nil {
				e.logger.Error("failed to persist issue %s: %v", issue.Key, err)
			}
		}

		switch result.outcome {
		case proto.OutcomeGovernanceBlocked:
			// Phase is BLOCKED; the supervisor revisits it once resolved.
			return false, nil

		case proto.OutcomeInfraError:
			infraRetries++
			if infraRetries > e.cfg.Caps.MaxInfraRetries {
				phase.FailureReason = fmt.Sprintf("infrastructure retries exhausted: %s", result.detail)
				if err := e.failFromCurrent(phase); err != nil {
					return false, err
				}
				return false, nil
			}
			e.logger.Warn("phase %s infra error (%d/%d): %s",
				phase.ID, infraRetries, e.cfg.Caps.MaxInfraRetries, result.detail)
			if err := e.rewindToExecuting(phase); err != nil {
				return false, err
			}
			continue

		default:
			phase.AttemptCount++
		}

		if result.state.Resolved() {
			if err := e.transition(phase, result.state); err != nil {
				return false, err
			}
			metrics.ObservePhaseDuration(phase.Category, time.Since(started).Seconds())
			e.negotiator.ReleasePhase(phase.ID)
			return true, nil
		}

		// Failed attempt. Out of budget means the phase is done.
		if phase.AttemptCount >= e.maxAttempts(run) {
			phase.FailureReason = result.detail
			if err := e.failFromCurrent(phase); err != nil {
				return false, err
			}
			metrics.ObservePhaseDuration(phase.Category, time.Since(started).Seconds())
			return false, nil
		}

		feedback = append(feedback, result.feedback...)
		if err := e.failFromCurrent(phase); err != nil {
			return false, err
		}
	}
}

// failFromCurrent walks the phase to FAILED through valid transitions from
// wherever the attempt left it.
func (e *Executor) failFromCurrent(phase *proto.Phase) error {
	if phase.State == proto.PhaseCIRunning {
		if err := e.transition(phase, proto.PhaseGate); err != nil {
			return err
		}
	}
	return e.transition(phase, proto.PhaseFailed)
}

// rewindToExecuting returns an attempt interrupted by an infra failure to
// EXECUTING without consuming its budget.
func (e *Executor) rewindToExecuting(phase *proto.Phase) error {
	for phase.State != proto.PhaseExecuting {
		var next proto.PhaseState
		switch phase.State {
		case proto.PhaseCIRunning:
			next = proto.PhaseGate
		case proto.PhaseGate:
			next = proto.PhaseFailed
		case proto.PhaseFailed:
			next = proto.PhaseExecuting
		default:
			return fmt.Errorf("cannot rewind phase %s from %s", phase.ID, phase.State)
		}
		if err := e.transition(phase, next); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) maxAttempts(run *proto.Run) int {
	if run.MaxAttempts > 0 {
		return run.MaxAttempts
	}
	return e.cfg.Caps.MaxAttempts
}

// runAttempt executes one Builder -> apply -> verify -> Auditor cycle.
func (e *Executor) runAttempt(ctx context.Context, run *proto.Run, phase *proto.Phase, feedback []string) (*attemptResult, error) {
	if timeout := e.cfg.Caps.AttemptTimeout.Std(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	attempt := &proto.Attempt{
		Index:     phase.AttemptCount,
		PhaseID:   phase.ID,
		StartedAt: time.Now().UTC(),
	}
	defer func() {
		attempt.FinishedAt = time.Now().UTC()
		if err := e.store.RecordAttempt(attempt); err != nil {
			e.logger.Error("failed to record attempt for %s: %v", phase.ID, err)
		}
	}()

	// Baseline before the patch so pre-existing failures are not charged to it.
	var baseline *verify.Outcome
	if phase.ValidationCommand != "" {
		var err error
		baseline, err = e.runner.Run(ctx, phase.ValidationCommand)
		if err != nil {
			return e.infraResult(attempt, fmt.Sprintf("baseline verification: %v", err)), nil
		}
	}

	sel, err := e.router.Select(proto.RoleBuilder, phase.Category, phase.Complexity, phase.AttemptCount)
	if err != nil {
		return e.infraResult(attempt, err.Error()), nil
	}
	attempt.BuilderProvider = sel.Ref.Provider
	attempt.BuilderModel = sel.Ref.Model

	phaseBudget := e.estimator.Estimate(phase)
	allowances := e.negotiator.AllowancesFor(phase.ID)
	buildReq := &agent.BuildRequest{
		Phase:               phase,
		WorkspaceContext:    e.workspaceContext(phase),
		LearnedRules:        e.rules.ForCategory(phase.Category),
		PriorFeedback:       feedback,
		TemporaryAllowances: allowances,
		MaxOutputTokens:     phaseBudget.Ceiling,
	}

	promptTokens := e.estimator.CountPrompt(buildReq.WorkspaceContext + phase.Spec)
	if err := e.limits.Reserve(sel.Ref.Provider, promptTokens+phaseBudget.Ceiling); err != nil {
		return e.infraResult(attempt, err.Error()), nil
	}
	if err := e.limits.CheckBudget(sel.Ref.Provider); err != nil {
		return e.infraResult(attempt, fmt.Sprintf("provider %s: %v", sel.Ref.Provider, err)), nil
	}

	client, err := e.factory(sel.Ref, e.cfg.Providers[sel.Ref.Provider])
	if err != nil {
		return e.infraResult(attempt, err.Error()), nil
	}
	builder := agent.NewBuilder(client)

	proposal, err := builder.Propose(ctx, buildReq)
	if infra := e.accountCallError(sel.Ref.Provider, err); infra != nil {
		return e.infraResult(attempt, infra.Error()), nil
	}
	if err != nil {
		// Permanent provider rejection (auth, bad prompt): fail the attempt.
		return e.contentFailure(attempt, phase, fmt.Sprintf("builder call failed: %v", err), nil), nil
	}
	e.router.RecordResult(sel.Ref.Provider, true)

	e.accountUsage(run, attempt, sel.Ref, proposal.Usage)
	e.recordEstimation(phase, phaseBudget, proposal)

	// Patch pipeline: parse, precheck, apply.
	changes, parseErr := patch.Parse(proposal.Diff)
	if parseErr == nil {
		parseErr = patch.Precheck(changes, proposal.Truncated, phase, allowances)
	}
	if parseErr != nil {
		var protected *patch.ProtectedError
		if errors.As(parseErr, &protected) && !e.cfg.Guardrails.StrictPolicy {
			return e.suspendOnGovernance(run, phase, attempt, protected)
		}
		return e.contentFailure(attempt, phase, parseErr.Error(), nil), nil
	}

	applied, applyErr := e.engine.Apply(changes, phase)
	if applyErr != nil {
		var guardrail *patch.GuardrailError
		if errors.As(applyErr, &guardrail) {
			issue := guardrail.Issue(phase.Category)
			e.logIncident(&eventlog.Incident{
				Kind: eventlog.KindRollback, RunID: run.ID, PhaseID: phase.ID, Issue: issue,
			})
			return e.gateResult(attempt, phase, gate.Signals{GuardrailIssues: []*proto.Issue{issue}}, ""), nil
		}
		e.logIncident(&eventlog.Incident{
			Kind: eventlog.KindRollback, RunID: run.ID, PhaseID: phase.ID, Detail: applyErr.Error(),
		})
		return e.gateResult(attempt, phase, gate.Signals{PatchCorrupted: true}, applyErr.Error()), nil
	}
	e.logger.Info("phase %s applied %d files (drift %d)", phase.ID, len(applied.FilesChanged), applied.Drift)

	// Post-patch verification.
	signals := gate.Signals{}
	verifyOutput := ""
	if phase.ValidationCommand != "" {
		if err := e.transition(phase, proto.PhaseGate); err != nil {
			return nil, err
		}
		if err := e.transition(phase, proto.PhaseCIRunning); err != nil {
			return nil, err
		}
		current, err := e.runner.Run(ctx, phase.ValidationCommand)
		if err != nil {
			return e.infraResult(attempt, fmt.Sprintf("verification: %v", err)), nil
		}
		delta := verify.Compare(baseline, current)
		if !delta.Clean() {
			// One retry separates genuinely broken tests from flaky ones.
			retry, err := e.runner.Run(ctx, phase.ValidationCommand)
			if err != nil {
				return e.infraResult(attempt, fmt.Sprintf("verification retry: %v", err)), nil
			}
			delta = verify.Reconcile(delta, verify.Compare(baseline, retry))
			for _, f := range delta.Flaky {
				e.logger.Warn("phase %s: %s failed once then passed on retry", phase.ID, f)
			}
			current = retry
		}
		signals.Delta = &delta
		verifyOutput = current.Output
		if err := e.transition(phase, proto.PhaseGate); err != nil {
			return nil, err
		}
	} else if err := e.transition(phase, proto.PhaseGate); err != nil {
		return nil, err
	}

	// Auditor review of the applied diff.
	verdict, err := e.reviewDiff(ctx, run, phase, attempt, proposal.Diff, verifyOutput)
	if err != nil {
		return e.infraResult(attempt, err.Error()), nil
	}
	if verdict != nil {
		signals.AuditorRan = true
		signals.AuditorApproved = verdict.Approved
		signals.AuditorIssues = verdict.Issues
	}

	return e.gateResult(attempt, phase, signals, verifyOutput), nil
}

// reviewDiff runs the Auditor. Auditor calls always route to the top of the
// ladder regardless of attempt index.
func (e *Executor) reviewDiff(ctx context.Context, run *proto.Run, phase *proto.Phase, attempt *proto.Attempt, diff, verifyOutput string) (*agent.Verdict, error) {
	sel, err := e.router.Select(proto.RoleAuditor, phase.Category, phase.Complexity, phase.AttemptCount)
	if err != nil {
		return nil, err
	}
	attempt.AuditorProvider = sel.Ref.Provider
	attempt.AuditorModel = sel.Ref.Model

	client, err := e.factory(sel.Ref, e.cfg.Providers[sel.Ref.Provider])
	if err != nil {
		return nil, err
	}
	auditor := agent.NewAuditor(client)

	verdict, err := auditor.Review(ctx, &agent.ReviewRequest{
		Phase:           phase,
		Diff:            diff,
		VerifyOutput:    verifyOutput,
		LearnedRules:    e.rules.ForCategory(phase.Category),
		MaxOutputTokens: auditorMaxTokens,
	})
	if infra := e.accountCallError(sel.Ref.Provider, err); infra != nil {
		return nil, infra
	}
	if err != nil {
		return nil, err
	}
	e.router.RecordResult(sel.Ref.Provider, true)

	e.accountUsage(run, attempt, sel.Ref, verdict.Usage)
	return verdict, nil
}

// auditorMaxTokens bounds verdict output; verdicts are small JSON documents.
const auditorMaxTokens = 4096

// accountCallError returns a non-nil error when the failure is infrastructure
// rather than request content, recording it against provider health.
func (e *Executor) accountCallError(provider string, err error) error {
	if err == nil {
		return nil
	}
	errType := llmerrors.TypeOf(err)
	metrics.RecordProviderError(provider, errType.String())
	switch errType {
	case llmerrors.ErrorTypeServiceUnavailable, llmerrors.ErrorTypeTransient,
		llmerrors.ErrorTypeRateLimit, llmerrors.ErrorTypeUnknown:
		e.router.RecordResult(provider, false)
		return err
	default:
		return nil
	}
}

func (e *Executor) accountUsage(run *proto.Run, attempt *proto.Attempt, ref config.ModelRef, usage agent.Usage) {
	cost := e.cfg.CostUSD(ref.Provider, usage.PromptTokens, usage.OutputTokens)
	attempt.PromptTokens += usage.PromptTokens
	attempt.OutputTokens += usage.OutputTokens
	attempt.CostUSD += cost
	run.TokensUsed += usage.PromptTokens + usage.OutputTokens
	run.CostUSD += cost

	metrics.RecordTokens(run.ID, ref.Provider, ref.Model, roleFor(attempt, ref), usage.PromptTokens, usage.OutputTokens)
	metrics.RecordCost(run.ID, ref.Provider, ref.Model, cost)
	if err := e.limits.ChargeBudget(ref.Provider, cost); err != nil {
		e.logger.Warn("provider %s: %v", ref.Provider, err)
		e.logIncident(&eventlog.Incident{
			Kind: eventlog.KindBudget, RunID: run.ID, PhaseID: attempt.PhaseID,
			Detail: fmt.Sprintf("provider %s: %v", ref.Provider, err),
		})
	}
}

func roleFor(attempt *proto.Attempt, ref config.ModelRef) string {
	if attempt.AuditorModel == ref.Model && attempt.AuditorProvider == ref.Provider {
		return proto.RoleAuditor.String()
	}
	return proto.RoleBuilder.String()
}

func (e *Executor) recordEstimation(phase *proto.Phase, b budget.Budget, proposal *agent.PatchProposal) {
	event := budget.NewEvent(phase, b, proposal.Usage.OutputTokens, proposal.Truncated)
	if err := e.store.RecordEstimationEvent(event); err != nil {
		e.logger.Error("failed to record estimation event for %s: %v", phase.ID, err)
	}
}

// suspendOnGovernance raises an approval request and blocks the phase on it.
func (e *Executor) suspendOnGovernance(run *proto.Run, phase *proto.Phase, attempt *proto.Attempt, protected *patch.ProtectedError) (*attemptResult, error) {
	req, err := e.negotiator.Raise(run.ID, phase.ID, protected.Paths,
		fmt.Sprintf("phase %q proposed writes to protected paths", phase.Title))
	if err != nil {
		return nil, err
	}
	phase.PendingGovernanceID = req.ID
	if err := e.transition(phase, proto.PhaseBlocked); err != nil {
		return nil, err
	}

	attempt.Outcome = proto.OutcomeGovernanceBlocked
	attempt.Detail = protected.Error()
	e.logIncident(&eventlog.Incident{
		Kind: eventlog.KindGovernance, RunID: run.ID, PhaseID: phase.ID,
		Detail: fmt.Sprintf("request %s raised for %s", req.ID, strings.Join(protected.Paths, ", ")),
	})
	return &attemptResult{
		outcome: proto.OutcomeGovernanceBlocked,
		state:   proto.PhaseBlocked,
		detail:  protected.Error(),
	}, nil
}

// resumeFromGovernance checks a blocked phase's request. Returns true when
// the phase may execute again.
func (e *Executor) resumeFromGovernance(phase *proto.Phase) (bool, error) {
	if phase.PendingGovernanceID == "" {
		return false, fmt.Errorf("phase %s is BLOCKED without a governance request", phase.ID)
	}
	req, err := e.negotiator.Get(phase.PendingGovernanceID)
	if err != nil {
		return false, err
	}

	switch req.Status {
	case proto.GovernancePending:
		return false, nil
	case proto.GovernanceApproved:
		phase.PendingGovernanceID = ""
		return true, e.transition(phase, proto.PhaseExecuting)
	default:
		phase.PendingGovernanceID = ""
		phase.FailureReason = fmt.Sprintf("governance denied writes to %s", strings.Join(req.Paths, ", "))
		return false, e.transition(phase, proto.PhaseFailed)
	}
}

// gateResult evaluates the gate over one attempt's signals.
func (e *Executor) gateResult(attempt *proto.Attempt, phase *proto.Phase, signals gate.Signals, verifyOutput string) *attemptResult {
	signals.HighRisk = e.cfg.HighRiskCategories()[phase.Category]
	decision := gate.Evaluate(signals)

	attempt.Outcome = decision.Outcome
	attempt.Detail = decision.Reason

	result := &attemptResult{
		outcome: decision.Outcome,
		state:   decision.State,
		detail:  decision.Reason,
		issues:  decision.Issues,
	}
	if decision.State == proto.PhaseFailed {
		result.feedback = append(result.feedback, decision.Reason)
		for _, issue := range decision.Issues {
			if issue.Message != "" {
				result.feedback = append(result.feedback, issue.Message)
			}
		}
		if verifyOutput != "" && decision.Outcome == proto.OutcomeCIFailed {
			result.feedback = append(result.feedback, "verification output:\n"+verifyOutput)
		}
	}
	return result
}

// contentFailure marks an attempt failed before anything touched the
// filesystem (truncated, empty or out-of-scope diffs, permanent call errors).
func (e *Executor) contentFailure(attempt *proto.Attempt, phase *proto.Phase, detail string, issues []*proto.Issue) *attemptResult {
	attempt.Outcome = proto.OutcomePatchCorrupted
	attempt.Detail = detail
	return &attemptResult{
		outcome:  proto.OutcomePatchCorrupted,
		state:    proto.PhaseFailed,
		detail:   detail,
		feedback: []string{detail},
		issues:   issues,
	}
}

func (e *Executor) infraResult(attempt *proto.Attempt, detail string) *attemptResult {
	attempt.Outcome = proto.OutcomeInfraError
	attempt.Detail = detail
	return &attemptResult{outcome: proto.OutcomeInfraError, detail: detail}
}

// transition moves the phase and persists the new state.
func (e *Executor) transition(phase *proto.Phase, to proto.PhaseState) error {
	if err := phase.Transition(to); err != nil {
		return err
	}
	if err := e.store.SavePhase(phase); err != nil {
		return fmt.Errorf("failed to persist phase %s in %s: %w", phase.ID, to, err)
	}
	return nil
}

func (e *Executor) logIncident(inc *eventlog.Incident) {
	if e.events == nil {
		return
	}
	if err := e.events.Write(inc); err != nil {
		e.logger.Error("failed to write incident: %v", err)
	}
}
