// Package governance mediates protected-path writes. A patch that touches a
// protected path never applies silently; the phase suspends on a pending
// approval request that an operator resolves out of band.
package governance

import (
	"fmt"
	"sync"
	"time"

	"overseer/pkg/logx"
	"overseer/pkg/metrics"
	"overseer/pkg/persistence"
	"overseer/pkg/proto"
)

// Negotiator raises and resolves protected-path approval requests. Approvals
// grant temporary allowances scoped to the requesting phase only.
type Negotiator struct {
	mu     sync.Mutex
	store  *persistence.Store
	logger *logx.Logger

	// allowances maps phase ID to the paths approved for that phase.
	allowances map[string][]string
	// released marks phases whose allowances have been retired.
	released map[string]bool
}

// NewNegotiator creates a negotiator backed by the persistence store.
func NewNegotiator(store *persistence.Store) *Negotiator {
	return &Negotiator{
		store:      store,
		logger:     logx.NewLogger("governance"),
		allowances: make(map[string][]string),
		released:   make(map[string]bool),
	}
}

// Raise creates and persists a pending request for the paths a patch tried to
// write. The caller blocks the phase on the returned request ID.
func (n *Negotiator) Raise(runID, phaseID string, paths []string, reason string) (*proto.GovernanceRequest, error) {
	req := proto.NewGovernanceRequest(runID, phaseID, paths, reason)
	if err := n.store.SaveGovernanceRequest(req); err != nil {
		return nil, fmt.Errorf("failed to persist governance request: %w", err)
	}
	metrics.RecordGovernance(string(proto.GovernancePending))
	n.logger.Info("raised governance request %s for phase %s: %v", req.ID, phaseID, paths)
	return req, nil
}

// Resolve records an operator decision. Approval grants a temporary allowance
// for the request's paths, scoped to the requesting phase.
func (n *Negotiator) Resolve(requestID string, approve bool, approver string) (*proto.GovernanceRequest, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	req, err := n.store.GetGovernanceRequest(requestID)
	if err != nil {
		return nil, err
	}
	if req.Resolved() {
		return nil, fmt.Errorf("governance request %s already resolved to %s", requestID, req.Status)
	}

	if approve {
		req.Status = proto.GovernanceApproved
		n.allowances[req.PhaseID] = append(n.allowances[req.PhaseID], req.Paths...)
	} else {
		req.Status = proto.GovernanceDenied
	}
	req.Approver = approver
	req.ResolvedAt = time.Now().UTC()

	if err := n.store.SaveGovernanceRequest(req); err != nil {
		return nil, fmt.Errorf("failed to persist governance resolution: %w", err)
	}
	metrics.RecordGovernance(string(req.Status))
	n.logger.Info("governance request %s resolved %s by %s", req.ID, req.Status, approver)
	return req, nil
}

// Get returns a request by ID.
func (n *Negotiator) Get(requestID string) (*proto.GovernanceRequest, error) {
	return n.store.GetGovernanceRequest(requestID)
}

// Pending lists unresolved requests for a run.
func (n *Negotiator) Pending(runID string) ([]*proto.GovernanceRequest, error) {
	return n.store.ListPendingGovernance(runID)
}

// AllowancesFor returns the approved paths for a phase. The allowance does not
// extend to sibling phases or later runs. Persisted approvals are merged in so
// a restart between approval and retry does not drop the grant.
func (n *Negotiator) AllowancesFor(phaseID string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.released[phaseID] {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, p := range n.allowances[phaseID] {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	persisted, err := n.store.ApprovedGovernancePaths(phaseID)
	if err != nil {
		n.logger.Error("failed to load approved paths for phase %s: %v", phaseID, err)
		return out
	}
	for _, p := range persisted {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

// ReleasePhase drops the allowances of a resolved phase.
func (n *Negotiator) ReleasePhase(phaseID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.allowances, phaseID)
	n.released[phaseID] = true
}
