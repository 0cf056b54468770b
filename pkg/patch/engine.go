package patch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"overseer/pkg/config"
	"overseer/pkg/logx"
	"overseer/pkg/metrics"
	"overseer/pkg/proto"
	"overseer/pkg/utils"
)

// ErrCorrupt marks an apply that failed mid-patch and was rolled back. The
// workspace is byte-identical to its pre-apply state when this is returned.
var ErrCorrupt = errors.New("patch could not be applied cleanly")

// GuardrailError reports a size guardrail trip. The apply was rolled back.
type GuardrailError struct {
	Path      string
	PreLines  int
	PostLines int
	Symptom   string // "growth-exceeded" or "shrink-exceeded"
}

func (e *GuardrailError) Error() string {
	return fmt.Sprintf("%s on %s: %d -> %d lines", e.Symptom, e.Path, e.PreLines, e.PostLines)
}

// Issue converts the trip into a guardrail finding.
func (e *GuardrailError) Issue(category string) *proto.Issue {
	issue := proto.NewIssue(category, e.Path, e.Symptom, proto.SeverityMajor, proto.SourceGuardrail)
	issue.Message = e.Error()
	return issue
}

// Result summarizes one successful apply.
type Result struct {
	// FilesChanged lists workspace-relative paths written or deleted.
	FilesChanged []string
	// Strategies maps each file to the weakest strategy that placed its hunks.
	Strategies map[string]string
	// Drift is the total line offset between declared and actual hunk
	// positions. Large drift means the Builder worked from stale context.
	Drift int
}

// Engine applies parsed proposals to a workspace root.
type Engine struct {
	root       string
	guardrails config.GuardrailConfig
	logger     *logx.Logger
}

// NewEngine creates an engine rooted at the workspace directory.
func NewEngine(root string, guardrails config.GuardrailConfig) *Engine {
	return &Engine{
		root:       root,
		guardrails: guardrails,
		logger:     logx.NewLogger("patch"),
	}
}

// snapshot holds pre-apply file contents and modes for rollback. A nil entry
// means the file did not exist.
type snapshot map[string]*snapEntry

type snapEntry struct {
	data []byte
	mode os.FileMode
}

// Apply applies a parsed change set. Any failure mid-apply restores every
// touched file byte-identically before returning.
func (e *Engine) Apply(changes []*FileChange, phase *proto.Phase) (*Result, error) {
	snap, err := e.takeSnapshot(changes)
	if err != nil {
		return nil, err
	}

	result := &Result{Strategies: make(map[string]string)}
	for _, change := range changes {
		if err := e.applyFile(change, phase, result); err != nil {
			e.rollback(snap)
			metrics.RecordPatchRollback()
			e.logger.Warn("rolled back patch for phase %s: %v", phase.ID, err)
			return nil, err
		}
	}

	for file, strategy := range result.Strategies {
		metrics.RecordPatchStrategy(strategy)
		if strategy != "exact" {
			e.logger.Debug("%s applied via %s", file, strategy)
		}
	}
	return result, nil
}

func (e *Engine) applyFile(change *FileChange, phase *proto.Phase, result *Result) error {
	abs := filepath.Join(e.root, filepath.FromSlash(change.Path))

	if change.IsDelete {
		if err := os.Remove(abs); err != nil {
			return fmt.Errorf("%w: cannot delete %s: %v", ErrCorrupt, change.Path, err)
		}
		result.FilesChanged = append(result.FilesChanged, change.Path)
		result.Strategies[change.Path] = "delete"
		return nil
	}

	if change.IsNew {
		if _, err := os.Stat(abs); err == nil {
			return fmt.Errorf("%w: new file %s already exists", ErrCorrupt, change.Path)
		}
		var lines []string
		for _, hunk := range change.Hunks {
			lines = append(lines, newBlock(hunk)...)
		}
		content := strings.Join(lines, "\n") + "\n"
		if err := e.checkSyntax(change.Path, content); err != nil {
			return err
		}
		if err := utils.WriteFileAtomic(abs, []byte(content), 0o644); err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		result.FilesChanged = append(result.FilesChanged, change.Path)
		result.Strategies[change.Path] = "new-file"
		return nil
	}

	mode := os.FileMode(0o644)
	if info, err := os.Stat(abs); err == nil {
		mode = info.Mode().Perm()
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Errorf("%w: cannot read %s: %v", ErrCorrupt, change.Path, err)
	}
	trailingNewline := strings.HasSuffix(string(data), "\n")
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	preLines := len(lines)

	weakest := "exact"
	for _, hunk := range change.Hunks {
		placed := false
		for _, strategy := range strategyChain() {
			pos, ok := strategy.Locate(lines, hunk)
			if !ok {
				continue
			}
			drift := pos - (hunk.OrigStart - 1)
			if drift < 0 {
				drift = -drift
			}
			result.Drift += drift
			lines = applyHunk(lines, hunk, pos)
			weakest = weakerOf(weakest, strategy.Name())
			placed = true
			break
		}
		if !placed {
			return fmt.Errorf("%w: no strategy could place hunk at %s:%d",
				ErrCorrupt, change.Path, hunk.OrigStart)
		}
	}

	if err := e.checkGuardrails(change.Path, preLines, len(lines), phase); err != nil {
		return err
	}

	content := strings.Join(lines, "\n")
	if trailingNewline {
		content += "\n"
	}
	if err := e.checkSyntax(change.Path, content); err != nil {
		return err
	}
	if err := utils.WriteFileAtomic(abs, []byte(content), mode); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	result.FilesChanged = append(result.FilesChanged, change.Path)
	result.Strategies[change.Path] = weakest
	return nil
}

// checkGuardrails bounds post-apply size at pre*growth and pre/shrink unless
// the phase carries an explicit growth waiver.
func (e *Engine) checkGuardrails(path string, pre, post int, phase *proto.Phase) error {
	if phase.AllowGrowth || pre == 0 {
		return nil
	}
	if e.guardrails.GrowthMultiplier > 0 && float64(post) > float64(pre)*e.guardrails.GrowthMultiplier {
		return &GuardrailError{Path: path, PreLines: pre, PostLines: post, Symptom: "growth-exceeded"}
	}
	if e.guardrails.ShrinkMultiplier > 0 && float64(post) < float64(pre)/e.guardrails.ShrinkMultiplier {
		return &GuardrailError{Path: path, PreLines: pre, PostLines: post, Symptom: "shrink-exceeded"}
	}
	return nil
}

// checkSyntax runs a cheap structural sanity check on brace-delimited
// languages. Real verification happens later via the phase's validation
// command; this only catches diffs that chopped a block in half.
func (e *Engine) checkSyntax(path, content string) error {
	switch filepath.Ext(path) {
	case ".go", ".json", ".js", ".ts", ".java", ".c", ".cpp", ".rs":
	default:
		return nil
	}
	if balancedDelimiters(content) {
		return nil
	}
	return fmt.Errorf("%w: unbalanced delimiters in %s", ErrCorrupt, path)
}

func balancedDelimiters(content string) bool {
	depth := map[byte]int{'{': 0, '(': 0, '[': 0}
	closers := map[byte]byte{'}': '{', ')': '(', ']': '['}

	inString, inChar, inLineComment, inBlockComment := false, false, false, false
	var prev byte
	for i := 0; i < len(content); i++ {
		c := content[i]
		switch {
		case inLineComment:
			if c == '\n' {
				inLineComment = false
			}
		case inBlockComment:
			if prev == '*' && c == '/' {
				inBlockComment = false
			}
		case inString:
			if c == '"' && prev != '\\' {
				inString = false
			}
		case inChar:
			if c == '\'' && prev != '\\' {
				inChar = false
			}
		default:
			switch c {
			case '"':
				inString = true
			case '\'':
				inChar = true
			case '/':
				if i+1 < len(content) {
					if content[i+1] == '/' {
						inLineComment = true
					} else if content[i+1] == '*' {
						inBlockComment = true
					}
				}
			case '{', '(', '[':
				depth[c]++
			case '}', ')', ']':
				open := closers[c]
				depth[open]--
				if depth[open] < 0 {
					return false
				}
			}
		}
		prev = c
	}
	return depth['{'] == 0 && depth['('] == 0 && depth['['] == 0
}

func (e *Engine) takeSnapshot(changes []*FileChange) (snapshot, error) {
	snap := make(snapshot, len(changes))
	for _, change := range changes {
		abs := filepath.Join(e.root, filepath.FromSlash(change.Path))
		info, err := os.Stat(abs)
		if os.IsNotExist(err) {
			snap[change.Path] = nil
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to snapshot %s: %w", change.Path, err)
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			return nil, fmt.Errorf("failed to snapshot %s: %w", change.Path, err)
		}
		snap[change.Path] = &snapEntry{data: data, mode: info.Mode().Perm()}
	}
	return snap, nil
}

func (e *Engine) rollback(snap snapshot) {
	for path, entry := range snap {
		abs := filepath.Join(e.root, filepath.FromSlash(path))
		if entry == nil {
			_ = os.Remove(abs)
			continue
		}
		if err := utils.WriteFileAtomic(abs, entry.data, entry.mode); err != nil {
			e.logger.Error("rollback of %s failed: %v", path, err)
		}
	}
}

func weakerOf(a, b string) string {
	rank := map[string]int{"exact": 0, "whitespace": 1, "context-search": 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
