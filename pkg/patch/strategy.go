package patch

import (
	"strings"
)

// Strategy attempts to locate a hunk's original block in file content. The
// engine tries strategies in order and records which one succeeded; apply
// position drift feeds the drift signal.
type Strategy interface {
	Name() string
	// Locate returns the 0-based index where the hunk's old block starts, or
	// ok=false if this strategy cannot place it.
	Locate(lines []string, hunk *Hunk) (pos int, ok bool)
}

// strategyChain is the fallback order: exact position, whitespace-tolerant
// position, then a whole-file context search that tolerates drift.
func strategyChain() []Strategy {
	return []Strategy{exactStrategy{}, whitespaceStrategy{}, contextSearchStrategy{}}
}

// oldBlock extracts the lines the hunk expects in the original file.
func oldBlock(hunk *Hunk) []string {
	var out []string
	for _, op := range hunk.Lines {
		if op.Kind == ' ' || op.Kind == '-' {
			out = append(out, op.Text)
		}
	}
	return out
}

// newBlock extracts the lines the hunk produces.
func newBlock(hunk *Hunk) []string {
	var out []string
	for _, op := range hunk.Lines {
		if op.Kind == ' ' || op.Kind == '+' {
			out = append(out, op.Text)
		}
	}
	return out
}

type exactStrategy struct{}

func (exactStrategy) Name() string { return "exact" }

func (exactStrategy) Locate(lines []string, hunk *Hunk) (int, bool) {
	pos := hunk.OrigStart - 1
	if matchAt(lines, oldBlock(hunk), pos, false) {
		return pos, true
	}
	return 0, false
}

type whitespaceStrategy struct{}

func (whitespaceStrategy) Name() string { return "whitespace" }

func (whitespaceStrategy) Locate(lines []string, hunk *Hunk) (int, bool) {
	pos := hunk.OrigStart - 1
	if matchAt(lines, oldBlock(hunk), pos, true) {
		return pos, true
	}
	return 0, false
}

type contextSearchStrategy struct{}

func (contextSearchStrategy) Name() string { return "context-search" }

// Locate scans the whole file for the old block, preferring the occurrence
// closest to the declared position.
func (contextSearchStrategy) Locate(lines []string, hunk *Hunk) (int, bool) {
	block := oldBlock(hunk)
	if len(block) == 0 {
		return 0, false
	}
	expected := hunk.OrigStart - 1

	best := -1
	bestDist := -1
	for pos := 0; pos+len(block) <= len(lines); pos++ {
		if !matchAt(lines, block, pos, true) {
			continue
		}
		dist := pos - expected
		if dist < 0 {
			dist = -dist
		}
		if best == -1 || dist < bestDist {
			best, bestDist = pos, dist
		}
	}
	if best == -1 {
		return 0, false
	}
	return best, true
}

func matchAt(lines, block []string, pos int, ignoreSpace bool) bool {
	if pos < 0 || pos+len(block) > len(lines) {
		return false
	}
	for i, want := range block {
		got := lines[pos+i]
		if ignoreSpace {
			if strings.TrimSpace(got) != strings.TrimSpace(want) {
				return false
			}
		} else if got != want {
			return false
		}
	}
	return true
}

// applyHunk replaces the located old block with the hunk's new block.
func applyHunk(lines []string, hunk *Hunk, pos int) []string {
	old := oldBlock(hunk)
	repl := newBlock(hunk)

	out := make([]string, 0, len(lines)-len(old)+len(repl))
	out = append(out, lines[:pos]...)
	out = append(out, repl...)
	out = append(out, lines[pos+len(old):]...)
	return out
}
