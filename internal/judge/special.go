package judge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/codeclash/exec-engine/internal/domain"
	"github.com/codeclash/exec-engine/pkg/streamx"
)

// specialJudgeTimeout bounds one checker invocation.
const specialJudgeTimeout = 30 * time.Second

// SpecialJudge runs a problem-supplied checker executable. The checker
// receives the input, expected and actual files plus the test id as
// arguments and reports its decision on stdout, either as JSON
// {"verdict","passed","score","message"} or as a bare token (1/AC/ACCEPTED/
// true, 0/WA/WRONG/false) or a lone fractional score.
type SpecialJudge struct {
	path string
}

// NewSpecialJudge validates that the checker exists and is executable.
func NewSpecialJudge(path string) (*SpecialJudge, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("op=judge.special: %w: %v", domain.ErrInvalidArgument, err)
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return nil, fmt.Errorf("op=judge.special: %w: checker not executable: %s", domain.ErrInvalidArgument, path)
	}
	return &SpecialJudge{path: path}, nil
}

type specialVerdict struct {
	Verdict string   `json:"verdict"`
	Passed  bool     `json:"passed"`
	Score   *float64 `json:"score"`
	Message string   `json:"message"`
}

// Run invokes the checker for one test case and returns (passed, score,
// message). A non-zero exit, timeout, or unparseable output rejects the case.
func (s *SpecialJudge) Run(ctx context.Context, input, expected, actual, testID string) (bool, float64, string) {
	dir, err := os.MkdirTemp("", "special-judge-")
	if err != nil {
		return false, 0, fmt.Sprintf("Special judge error: %v", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	paths := map[string]string{
		"case.in":       input,
		"case.expected": expected,
		"case.actual":   actual,
	}
	args := make([]string, 0, 4)
	for _, name := range []string{"case.in", "case.expected", "case.actual"} {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(paths[name]), 0o600); err != nil {
			return false, 0, fmt.Sprintf("Special judge error: %v", err)
		}
		args = append(args, p)
	}
	args = append(args, testID)

	runCtx, cancel := context.WithTimeout(ctx, specialJudgeTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, s.path, args...)
	stdout := streamx.NewBoundedBuffer(64 << 10)
	stderr := streamx.NewBoundedBuffer(64 << 10)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err = cmd.Run()
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return false, 0, "Special judge timeout"
	}
	if err != nil {
		return false, 0, fmt.Sprintf("Special judge error: %s", streamx.SanitizeText(string(stderr.Bytes())))
	}

	out := strings.TrimSpace(string(stdout.Bytes()))
	var sv specialVerdict
	if jsonErr := json.Unmarshal([]byte(out), &sv); jsonErr == nil {
		passed := sv.Verdict == domain.VerdictAC || sv.Passed
		score := 0.0
		if passed {
			score = 1.0
		}
		if sv.Score != nil {
			score = *sv.Score
		}
		return passed, score, sv.Message
	}

	switch out {
	case "1", "AC", "ACCEPTED", "true":
		return true, 1.0, "Accepted by special judge"
	case "0", "WA", "WRONG", "false":
		return false, 0, "Rejected by special judge"
	}
	if score, perr := strconv.ParseFloat(out, 64); perr == nil {
		return score > 0, score, fmt.Sprintf("Score: %v", score)
	}
	return false, 0, fmt.Sprintf("Unknown special judge output: %s", streamx.TruncateString(out, 200))
}
