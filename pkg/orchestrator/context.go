package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"overseer/pkg/proto"
)

const (
	// maxContextBytes bounds the workspace context fed into the Builder prompt.
	maxContextBytes = 192 * 1024
	// maxFileBytes skips individual files too large to be useful context.
	maxFileBytes = 48 * 1024
)

// workspaceContext assembles file contents under the phase's allowed paths
// into a fenced prompt section, smaller files first, until the context budget
// is spent.
func (e *Executor) workspaceContext(phase *proto.Phase) string {
	files := e.collectFiles(phase.AllowedPaths)
	sort.Slice(files, func(i, j int) bool {
		if files[i].size != files[j].size {
			return files[i].size < files[j].size
		}
		return files[i].path < files[j].path
	})

	var sb strings.Builder
	total := 0
	skipped := 0
	for _, f := range files {
		if total+int(f.size) > maxContextBytes {
			skipped++
			continue
		}
		data, err := os.ReadFile(filepath.Join(e.root, filepath.FromSlash(f.path)))
		if err != nil {
			continue
		}
		fmt.Fprintf(&sb, "### %s\n\n```\n%s\n```\n\n", f.path, strings.TrimRight(string(data), "\n"))
		total += int(f.size)
	}
	if skipped > 0 {
		fmt.Fprintf(&sb, "(%d files omitted for size; ask for them via feedback if needed)\n", skipped)
	}
	return sb.String()
}

type contextFile struct {
	path string
	size int64
}

func (e *Executor) collectFiles(roots []string) []contextFile {
	var out []contextFile
	seen := make(map[string]bool)

	for _, root := range roots {
		abs := filepath.Join(e.root, filepath.FromSlash(root))
		info, err := os.Stat(abs)
		if err != nil {
			continue
		}
		if !info.IsDir() {
			rel := filepath.ToSlash(filepath.Clean(root))
			if !seen[rel] && info.Size() <= maxFileBytes {
				seen[rel] = true
				out = append(out, contextFile{path: rel, size: info.Size()})
			}
			continue
		}

		_ = filepath.WalkDir(abs, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if strings.HasPrefix(d.Name(), ".") && path != abs {
					return filepath.SkipDir
				}
				return nil
			}
			info, err := d.Info()
			if err != nil || info.Size() > maxFileBytes {
				return nil
			}
			rel, err := filepath.Rel(e.root, path)
			if err != nil {
				return nil
			}
			slashed := filepath.ToSlash(rel)
			if !seen[slashed] {
				seen[slashed] = true
				out = append(out, contextFile{path: slashed, size: info.Size()})
			}
			return nil
		})
	}
	return out
}
