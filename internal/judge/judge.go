// Package judge assigns verdicts and scores to sandbox execution results.
//
// Execution status always wins over output comparison: a timed-out or
// crashed test is TLE/MLE/RE no matter what it printed. Comparison modes are
// exact, token, float, and special (external checker).
package judge

import (
	"context"
	"fmt"
	"math"

	"github.com/codeclash/exec-engine/internal/domain"
)

// Comparison modes.
const (
	ModeExact   = "exact"
	ModeToken   = "token"
	ModeFloat   = "float"
	ModeSpecial = "special"
)

// Config controls comparison and scoring for one problem.
type Config struct {
	Mode                     string
	FloatTolerance           float64
	CaseSensitive            bool
	IgnoreTrailingWhitespace bool
	IgnoreTrailingNewlines   bool
	PartialScoring           bool
	TestWeights              map[string]float64
	SpecialJudgePath         string
}

// DefaultConfig returns the standard exact-match configuration.
func DefaultConfig() Config {
	return Config{
		Mode:                     ModeExact,
		FloatTolerance:           1e-6,
		CaseSensitive:            true,
		IgnoreTrailingWhitespace: true,
		IgnoreTrailingNewlines:   true,
		PartialScoring:           true,
	}
}

// TestVerdict is the judged outcome of a single test case.
type TestVerdict struct {
	TestID          string  `json:"testId"`
	Verdict         string  `json:"verdict"`
	Score           float64 `json:"score"`
	MaxScore        float64 `json:"maxScore"`
	ExecutionTimeMS int64   `json:"executionTimeMs"`
	MemoryUsedKB    int64   `json:"memoryUsedKb"`
	Message         string  `json:"message,omitempty"`
}

// Result is the aggregate outcome of judging a submission.
type Result struct {
	FinalVerdict    string        `json:"finalVerdict"`
	TotalScore      float64       `json:"totalScore"`
	MaxScore        float64       `json:"maxScore"`
	ScorePercentage float64       `json:"scorePercentage"`
	PassedCount     int           `json:"passedCount"`
	FailedCount     int           `json:"failedCount"`
	TotalCount      int           `json:"totalCount"`
	TotalTimeMS     int64         `json:"totalTimeMs"`
	MaxMemoryKB     int64         `json:"maxMemoryKb"`
	TestVerdicts    []TestVerdict `json:"testVerdicts"`
	CompileMessage  string        `json:"compileMessage,omitempty"`
}

// Judge evaluates execution results against a problem configuration.
type Judge struct {
	cfg     Config
	special *SpecialJudge
}

// New builds a judge. Special mode requires a valid checker path.
func New(cfg Config) (*Judge, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeExact
	}
	if cfg.FloatTolerance <= 0 {
		cfg.FloatTolerance = 1e-6
	}
	j := &Judge{cfg: cfg}
	if cfg.Mode == ModeSpecial {
		if cfg.SpecialJudgePath == "" {
			return nil, fmt.Errorf("op=judge.new: %w: special mode needs a checker path", domain.ErrInvalidArgument)
		}
		sj, err := NewSpecialJudge(cfg.SpecialJudgePath)
		if err != nil {
			return nil, err
		}
		j.special = sj
	}
	return j, nil
}

func (j *Judge) weight(testID string) float64 {
	if w, ok := j.cfg.TestWeights[testID]; ok {
		return w
	}
	return 1.0
}

// JudgeCase assigns a verdict to one test result. Memory usage is attributed
// from the run-level peak since the sandbox reports it per run, not per test.
func (j *Judge) JudgeCase(ctx context.Context, tr domain.TestCaseResult, memoryKB int64) TestVerdict {
	weight := j.weight(tr.TestID)
	v := TestVerdict{
		TestID:          tr.TestID,
		MaxScore:        weight,
		ExecutionTimeMS: tr.ExecutionTimeMS,
		MemoryUsedKB:    memoryKB,
	}

	switch {
	case tr.Skipped:
		v.Verdict = domain.VerdictSK
		v.Message = "Skipped after earlier failure"
		return v
	case tr.TimedOut:
		v.Verdict = domain.VerdictTLE
		v.Message = fmt.Sprintf("Time limit exceeded (%dms)", tr.ExecutionTimeMS)
		return v
	case tr.MemoryExceeded:
		v.Verdict = domain.VerdictMLE
		v.Message = fmt.Sprintf("Memory limit exceeded (%dKB)", memoryKB)
		return v
	case tr.Error != "":
		v.Verdict = domain.VerdictRE
		v.Message = tr.Error
		return v
	}

	var (
		passed  bool
		score   float64
		message string
	)
	if j.special != nil {
		passed, score, message = j.special.Run(ctx, tr.Input, tr.Expected, tr.Actual, tr.TestID)
		score *= weight
	} else {
		switch j.cfg.Mode {
		case ModeToken:
			passed, message = tokenMatch(tr.Expected, tr.Actual, j.cfg)
		case ModeFloat:
			passed, message = floatMatch(tr.Expected, tr.Actual, j.cfg)
		default:
			passed, message = exactMatch(tr.Expected, tr.Actual, j.cfg)
		}
		if passed {
			score = weight
		}
	}

	if passed {
		v.Verdict = domain.VerdictAC
	} else {
		v.Verdict = domain.VerdictWA
	}
	v.Score = score
	v.Message = message
	return v
}

// JudgeSubmission judges a full execution result and aggregates the final
// verdict and score.
func (j *Judge) JudgeSubmission(ctx context.Context, exec domain.ExecutionResult) Result {
	if exec.CompileError {
		return Result{
			FinalVerdict:   domain.VerdictCE,
			CompileMessage: exec.Error,
			TestVerdicts:   []TestVerdict{},
		}
	}

	results := exec.TestResults
	if len(results) == 0 {
		// Run-only submission with no test cases: the program's own exit
		// decides.
		results = []domain.TestCaseResult{{
			TestID:          "test-1",
			Passed:          exec.Success,
			Actual:          exec.Output,
			ExecutionTimeMS: exec.ExecutionTimeMS,
			TimedOut:        exec.TimedOut,
			MemoryExceeded:  exec.MemoryExceeded,
			Error:           exec.Error,
		}}
		if !exec.TimedOut && !exec.MemoryExceeded && exec.Error == "" {
			v := TestVerdict{
				TestID:          "test-1",
				Verdict:         domain.VerdictAC,
				Score:           1,
				MaxScore:        1,
				ExecutionTimeMS: exec.ExecutionTimeMS,
				MemoryUsedKB:    exec.MemoryUsedKB,
				Message:         "Execution completed",
			}
			return aggregate([]TestVerdict{v})
		}
	}

	verdicts := make([]TestVerdict, 0, len(results))
	for _, tr := range results {
		if tr.TestID == "" {
			tr.TestID = fmt.Sprintf("test-%d", len(verdicts)+1)
		}
		verdicts = append(verdicts, j.JudgeCase(ctx, tr, exec.MemoryUsedKB))
	}
	return aggregate(verdicts)
}

func aggregate(verdicts []TestVerdict) Result {
	res := Result{
		TestVerdicts: verdicts,
		TotalCount:   len(verdicts),
	}
	codes := make([]string, 0, len(verdicts))
	for _, v := range verdicts {
		codes = append(codes, v.Verdict)
		res.TotalScore += v.Score
		res.MaxScore += v.MaxScore
		res.TotalTimeMS += v.ExecutionTimeMS
		if v.MemoryUsedKB > res.MaxMemoryKB {
			res.MaxMemoryKB = v.MemoryUsedKB
		}
		if v.Verdict == domain.VerdictAC {
			res.PassedCount++
		}
	}
	res.FailedCount = res.TotalCount - res.PassedCount
	res.FinalVerdict = domain.AggregateVerdict(codes)
	if res.MaxScore > 0 {
		res.ScorePercentage = round2(res.TotalScore / res.MaxScore * 100)
	}
	res.TotalScore = round2(res.TotalScore)
	res.MaxScore = round2(res.MaxScore)
	return res
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
