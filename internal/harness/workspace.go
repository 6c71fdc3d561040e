package harness

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/codeclash/exec-engine/internal/domain"
)

// Workspace is the per-job scratch directory bind-mounted into the sandbox.
type Workspace struct {
	Dir string
}

// NewWorkspace creates {base}/code-execution/{submissionID}-{epochMS}.
// The directory is world-writable so the sandbox user can drop build
// artifacts into it.
func NewWorkspace(base, submissionID string) (*Workspace, error) {
	dir := filepath.Join(base, "code-execution", fmt.Sprintf("%s-%d", submissionID, time.Now().UnixMilli()))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("op=harness.workspace: %w", err)
	}
	if err := os.Chmod(dir, 0o777); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("op=harness.workspace: %w", err)
	}
	return &Workspace{Dir: dir}, nil
}

// WriteSource materializes the submission code under the plan's canonical
// filename.
func (w *Workspace) WriteSource(filename string, code []byte) error {
	if err := os.WriteFile(filepath.Join(w.Dir, filename), code, 0o644); err != nil {
		return fmt.Errorf("op=harness.write_source: %w", err)
	}
	return nil
}

// WriteTests serializes the test cases to tests.json for the in-sandbox
// runner.
func (w *Workspace) WriteTests(tests []domain.TestCase) error {
	b, err := json.Marshal(tests)
	if err != nil {
		return fmt.Errorf("op=harness.write_tests: %w", err)
	}
	if err := os.WriteFile(filepath.Join(w.Dir, "tests.json"), b, 0o644); err != nil {
		return fmt.Errorf("op=harness.write_tests: %w", err)
	}
	return nil
}

// Cleanup removes the workspace tree. Safe to call more than once.
func (w *Workspace) Cleanup() error {
	if w == nil || w.Dir == "" {
		return nil
	}
	if err := os.RemoveAll(w.Dir); err != nil {
		return fmt.Errorf("op=harness.cleanup: %w", err)
	}
	return nil
}
