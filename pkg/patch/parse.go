// Package patch parses Builder diffs, prechecks them against phase scope,
// applies them with a fallback strategy chain and rolls back corrupt applies
// byte-identically.
package patch

import (
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// LineOp is one line of a hunk body.
type LineOp struct {
	Kind byte // ' ', '-', '+'
	Text string
}

// Hunk is one contiguous change block.
type Hunk struct {
	OrigStart int // 1-based line in the original file
	Lines     []LineOp
}

// FileChange is the parsed change set for one file.
type FileChange struct {
	Path     string
	IsNew    bool
	IsDelete bool
	Hunks    []*Hunk
}

// Parse parses a unified multi-file diff into per-file change sets.
func Parse(patch string) ([]*FileChange, error) {
	if strings.TrimSpace(patch) == "" {
		return nil, fmt.Errorf("empty diff")
	}

	fileDiffs, err := diff.NewMultiFileDiffReader(strings.NewReader(patch)).ReadAllFiles()
	if err != nil {
		return nil, fmt.Errorf("invalid diff format: %w", err)
	}
	if len(fileDiffs) == 0 {
		return nil, fmt.Errorf("diff contains no files")
	}

	changes := make([]*FileChange, 0, len(fileDiffs))
	for _, fd := range fileDiffs {
		change := &FileChange{
			IsNew:    fd.OrigName == "/dev/null",
			IsDelete: fd.NewName == "/dev/null",
		}
		name := fd.NewName
		if change.IsDelete {
			name = fd.OrigName
		}
		change.Path = stripDiffPrefix(name)
		if change.Path == "" {
			return nil, fmt.Errorf("diff entry without a usable path")
		}

		for _, h := range fd.Hunks {
			hunk := &Hunk{OrigStart: int(h.OrigStartLine)}
			for _, raw := range strings.Split(strings.TrimSuffix(string(h.Body), "\n"), "\n") {
				if raw == "" {
					hunk.Lines = append(hunk.Lines, LineOp{Kind: ' ', Text: ""})
					continue
				}
				kind := raw[0]
				if kind != ' ' && kind != '-' && kind != '+' {
					if kind == '\\' { // "\ No newline at end of file"
						continue
					}
					return nil, fmt.Errorf("malformed hunk line in %s: %q", change.Path, raw)
				}
				hunk.Lines = append(hunk.Lines, LineOp{Kind: kind, Text: raw[1:]})
			}
			change.Hunks = append(change.Hunks, hunk)
		}

		if len(change.Hunks) == 0 && !change.IsDelete {
			return nil, fmt.Errorf("file %s has no hunks", change.Path)
		}
		changes = append(changes, change)
	}
	return changes, nil
}

// Paths returns the target paths of a change set.
func Paths(changes []*FileChange) []string {
	out := make([]string, 0, len(changes))
	for _, c := range changes {
		out = append(out, c.Path)
	}
	return out
}

func stripDiffPrefix(name string) string {
	name = strings.TrimPrefix(name, "a/")
	name = strings.TrimPrefix(name, "b/")
	if name == "/dev/null" {
		return ""
	}
	return name
}
