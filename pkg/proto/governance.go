package proto

import (
	"fmt"
	"strings"
	"time"
)

// GovernanceStatus represents the status of a protected-path approval request.
type GovernanceStatus string

const (
	// GovernancePending indicates the request awaits resolution.
	GovernancePending GovernanceStatus = "PENDING"
	// GovernanceApproved indicates the write was approved; the patch retries
	// with a temporary allowance scoped to the requesting phase.
	GovernanceApproved GovernanceStatus = "APPROVED"
	// GovernanceDenied indicates the write was denied; the attempt fails.
	GovernanceDenied GovernanceStatus = "DENIED"
)

// String returns the string representation of GovernanceStatus.
func (s GovernanceStatus) String() string {
	return string(s)
}

// ParseGovernanceStatus parses a string into a GovernanceStatus with validation.
func ParseGovernanceStatus(s string) (GovernanceStatus, error) {
	switch status := GovernanceStatus(strings.ToUpper(s)); status {
	case GovernancePending, GovernanceApproved, GovernanceDenied:
		return status, nil
	default:
		return "", fmt.Errorf("unknown governance status: %s", s)
	}
}

// GovernanceRequest is a structured, asynchronously resolved approval for a
// protected-path write. A phase blocked on one suspends rather than fails.
type GovernanceRequest struct {
	ID         string           `json:"id"`
	RunID      string           `json:"run_id"`
	PhaseID    string           `json:"phase_id"`
	Paths      []string         `json:"paths"`
	Reason     string           `json:"reason,omitempty"`
	Status     GovernanceStatus `json:"status"`
	Approver   string           `json:"approver,omitempty"`
	RequestedAt time.Time       `json:"requested_at"`
	ResolvedAt  time.Time       `json:"resolved_at,omitzero"`
}

// NewGovernanceRequest creates a pending request for the given phase and paths.
func NewGovernanceRequest(runID, phaseID string, paths []string, reason string) *GovernanceRequest {
	return &GovernanceRequest{
		ID:          generateID("gov"),
		RunID:       runID,
		PhaseID:     phaseID,
		Paths:       paths,
		Reason:      reason,
		Status:      GovernancePending,
		RequestedAt: time.Now().UTC(),
	}
}

// Resolved reports whether the request has been approved or denied.
func (g *GovernanceRequest) Resolved() bool {
	return g.Status != GovernancePending
}
