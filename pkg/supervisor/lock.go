package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
)

// ErrRunLocked reports that another executor already owns the run.
type ErrRunLocked struct {
	RunID  string
	Holder string
}

func (e *ErrRunLocked) Error() string {
	return fmt.Sprintf("run %s is locked by %s", e.RunID, e.Holder)
}

// runLock is the exclusive per-run lock. Exactly one executor may drive a
// run; acquisition is an O_EXCL create so two processes can never both win.
type runLock struct {
	path string
}

// acquireRunLock takes the lock for a run, writing the holder identity into
// the lock file for diagnostics.
func acquireRunLock(dir, runID, holder string) (*runLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	path := filepath.Join(dir, runID+".lock")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			existing, readErr := os.ReadFile(path)
			if readErr != nil {
				existing = []byte("unknown")
			}
			return nil, &ErrRunLocked{RunID: runID, Holder: string(existing)}
		}
		return nil, fmt.Errorf("failed to acquire run lock: %w", err)
	}

	if _, err := f.WriteString(holder); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to write run lock: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("failed to close run lock: %w", err)
	}
	return &runLock{path: path}, nil
}

// release removes the lock file.
func (l *runLock) release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release run lock: %w", err)
	}
	return nil
}
