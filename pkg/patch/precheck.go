package patch

import (
	"errors"
	"fmt"
	"strings"

	"overseer/pkg/proto"
	"overseer/pkg/utils"
)

// Precheck failures. Truncation and empty diffs are content failures that
// consume the attempt; protected-path hits raise governance instead.
var (
	// ErrTruncated marks a proposal whose output hit the token ceiling. A
	// clipped diff is never applied, however plausible it looks.
	ErrTruncated = errors.New("patch output was truncated")
	// ErrEmptyDiff marks a proposal with no usable diff.
	ErrEmptyDiff = errors.New("proposal contains no diff")
)

// ScopeError reports paths outside the phase's allowed scope.
type ScopeError struct {
	Paths []string
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("patch touches paths outside allowed scope: %s", strings.Join(e.Paths, ", "))
}

// ProtectedError reports protected paths the patch tries to write. The caller
// raises a governance request rather than failing the attempt.
type ProtectedError struct {
	Paths []string
}

func (e *ProtectedError) Error() string {
	return fmt.Sprintf("patch touches protected paths: %s", strings.Join(e.Paths, ", "))
}

// Precheck validates a parsed proposal against phase scope before anything
// touches the filesystem. allowances are protected paths already approved for
// this phase.
func Precheck(changes []*FileChange, truncated bool, phase *proto.Phase, allowances []string) error {
	if truncated {
		return ErrTruncated
	}
	if len(changes) == 0 {
		return ErrEmptyDiff
	}

	var protected, outOfScope []string
	for _, change := range changes {
		switch {
		case utils.PathWithin(change.Path, allowances):
			// Approved by governance for this phase.
		case utils.PathWithin(change.Path, phase.ProtectedPaths):
			protected = append(protected, change.Path)
		case !utils.PathWithin(change.Path, phase.AllowedPaths):
			outOfScope = append(outOfScope, change.Path)
		}
	}

	// Protected-path hits take precedence: they suspend rather than fail.
	if len(protected) > 0 {
		return &ProtectedError{Paths: protected}
	}
	if len(outOfScope) > 0 {
		return &ScopeError{Paths: outOfScope}
	}
	return nil
}
