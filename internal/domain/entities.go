// Package domain defines the core entities and ports of the execution engine.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrRateLimited      = errors.New("rate limited")
	ErrStorage          = errors.New("storage error")
	ErrDatabase         = errors.New("database error")
	ErrQueueUnavailable = errors.New("queue unavailable")
	ErrOverloaded       = errors.New("overloaded")
	ErrInternal         = errors.New("internal error")
)

// SubmissionStatus enumerates the lifecycle states of a submission.
// Transitions form the DAG pending -> queued -> processing -> {completed, failed, timeout}.
type SubmissionStatus string

const (
	StatusPending    SubmissionStatus = "pending"
	StatusQueued     SubmissionStatus = "queued"
	StatusProcessing SubmissionStatus = "processing"
	StatusCompleted  SubmissionStatus = "completed"
	StatusFailed     SubmissionStatus = "failed"
	StatusTimeout    SubmissionStatus = "timeout"
)

// Terminal reports whether the status admits no further transitions.
func (s SubmissionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimeout
}

// Priority enumerates job priorities.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// ValidPriority reports whether p is one of the known priorities.
func ValidPriority(p string) bool {
	switch Priority(p) {
	case PriorityLow, PriorityNormal, PriorityHigh:
		return true
	}
	return false
}

// SupportedLanguages is the set of language tags accepted at intake.
var SupportedLanguages = map[string]struct{}{
	"javascript": {}, "typescript": {}, "python": {}, "java": {}, "cpp": {},
	"c": {}, "go": {}, "rust": {}, "ruby": {}, "php": {},
}

// Intake limits.
const (
	MaxCodeSizeBytes = 10 << 20 // 10 MiB
	MaxIDLength      = 255
	MaxTestCases     = 100
	MinTimeLimitMS   = 100
	MaxTimeLimitMS   = 30000
)

// Submission is the persisted record of a single code execution request.
type Submission struct {
	ID              string
	UserID          string
	ProblemID       string
	Language        string
	BlobKey         string
	CodeSizeBytes   int64
	Status          SubmissionStatus
	Verdict         string
	Score           float64
	MaxScore        float64
	PassedTestCases int
	TotalTestCases  int
	ExecutionTimeMS int64
	PeakMemoryKB    int64
	ErrorMessage    string
	SubmittedAt     time.Time
	QueuedAt        *time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	Metadata        map[string]string
}

// TestCase is a single input/expected-output pair supplied at intake.
type TestCase struct {
	ID             string `json:"id,omitempty"`
	Input          string `json:"input"`
	ExpectedOutput string `json:"expectedOutput"`
	StopOnFailure  bool   `json:"stopOnFailure,omitempty"`
}

// TestCaseResult is the outcome of running one test case.
type TestCaseResult struct {
	TestID          string `json:"testId"`
	Passed          bool   `json:"passed"`
	Input           string `json:"input,omitempty"`
	Expected        string `json:"expected,omitempty"`
	Actual          string `json:"actual,omitempty"`
	ExecutionTimeMS int64  `json:"executionTimeMs"`
	TimedOut        bool   `json:"timedOut,omitempty"`
	MemoryExceeded  bool   `json:"memoryExceeded,omitempty"`
	Skipped         bool   `json:"skipped,omitempty"`
	Error           string `json:"error,omitempty"`
}

// ExecutionResult is the structured outcome of one sandbox run, as reported by
// the in-sandbox runner over the __RESULT__ protocol line.
type ExecutionResult struct {
	Success         bool             `json:"success"`
	Output          string           `json:"output"`
	Error           string           `json:"error,omitempty"`
	ExitCode        int              `json:"exitCode"`
	ExecutionTimeMS int64            `json:"executionTimeMs"`
	MemoryUsedKB    int64            `json:"memoryUsedKb"`
	TimedOut        bool             `json:"timedOut,omitempty"`
	MemoryExceeded  bool             `json:"memoryExceeded,omitempty"`
	CompileError    bool             `json:"compileError,omitempty"`
	TestResults     []TestCaseResult `json:"testResults,omitempty"`
}

// JobEnvelope is the in-stream representation of a submission job.
// Every field crosses the stream as text; numeric fields are formatted decimal.
type JobEnvelope struct {
	SubmissionID  string     `json:"submissionId"`
	UserID        string     `json:"userId"`
	ProblemID     string     `json:"problemId"`
	Language      string     `json:"language"`
	BlobKey       string     `json:"blobKey"`
	CodeSizeBytes int64      `json:"codeSizeBytes"`
	TimeLimitMS   int64      `json:"timeLimitMs"`
	MemoryLimitKB int64      `json:"memoryLimitKb"`
	Priority      Priority   `json:"priority"`
	CreatedAt     time.Time  `json:"createdAt"`
	Attempt       int        `json:"attempt"`
	TestCases     []TestCase `json:"testCases,omitempty"`
}

// DLQEnvelope wraps an exhausted job with the reason it was dead-lettered.
type DLQEnvelope struct {
	JobEnvelope
	Reason   string `json:"reason"`
	Attempts int    `json:"attempts"`
}

// ClaimedJob pairs an envelope with its stream message id for later ack.
type ClaimedJob struct {
	MessageID string
	Envelope  JobEnvelope
}

// Ports.

// SubmissionRepository persists submission records.
type SubmissionRepository interface {
	Insert(ctx context.Context, s Submission) (string, error)
	Get(ctx context.Context, id string) (Submission, error)
	MarkQueued(ctx context.Context, id string) error
	MarkProcessing(ctx context.Context, id string) error
	Complete(ctx context.Context, s Submission) error
	Fail(ctx context.Context, id string, status SubmissionStatus, verdict, errMsg string) error
	ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]Submission, error)
	ListProcessingBefore(ctx context.Context, cutoff time.Time, limit int) ([]Submission, error)
}

// BlobStore stores opaque code objects addressable by key path.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, meta map[string]string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// JobQueue is the durable at-least-once job stream.
type JobQueue interface {
	Push(ctx context.Context, env JobEnvelope) (string, error)
	Claim(ctx context.Context, consumer string, max int, block time.Duration) ([]ClaimedJob, error)
	Ack(ctx context.Context, messageID string) error
	PushDeadLetter(ctx context.Context, env DLQEnvelope) (string, error)
	Depth(ctx context.Context) (int64, error)
}

// Runtime creates and drives ephemeral sandboxes.
type Runtime interface {
	Create(ctx context.Context, spec SandboxSpec) (string, error)
	Start(ctx context.Context, id string) error
	Wait(ctx context.Context, id string) (int64, error)
	Kill(ctx context.Context, id string) error
	Logs(ctx context.Context, id string, maxBytes int64) (stdout, stderr []byte, err error)
	PeakMemoryKB(ctx context.Context, id string) (int64, error)
	Remove(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

// SandboxSpec describes the resource envelope of one sandbox.
type SandboxSpec struct {
	Image        string
	Cmd          []string
	WorkspaceDir string
	WorkdirRO    bool
	CPUSeconds   int64
	MemoryBytes  int64
	PidsLimit    int64
	TmpfsBytes   int64
}

// Context is an alias so adapters and usecases share the std context type.
type Context = context.Context
