// Package usecase contains application business logic services.
package usecase

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"

	"github.com/codeclash/exec-engine/internal/adapter/observability"
	"github.com/codeclash/exec-engine/internal/domain"
	iobs "github.com/codeclash/exec-engine/internal/observability"
	"github.com/codeclash/exec-engine/internal/service/ratelimiter"
)

// RateLimiter is the token-bucket gate consulted before any write.
type RateLimiter interface {
	ConsumeAll(ctx context.Context, userID, ip string) ratelimiter.Decision
}

// LoadShedder refuses low-priority work when the queue is saturated.
type LoadShedder interface {
	Allow(p domain.Priority) bool
}

// SubmitInput is a decoded, type-checked submission request. Presence and
// type errors are rejected at the HTTP layer before this point.
type SubmitInput struct {
	Code          string
	Language      string
	ProblemID     string
	UserID        string
	TimeLimitMS   int64 // 0 means default
	MemoryLimitKB int64 // 0 means default
	Priority      string
	TestCases     []domain.TestCase
	Metadata      map[string]string
	ClientIP      string
}

// SubmitOutput reports the accepted submission. Queued is false when the
// queue push failed and the record stays pending for the sweeper.
type SubmitOutput struct {
	SubmissionID string
	Timestamp    time.Time
	Queued       bool
}

// SubmitService validates submissions and drives the intake pipeline:
// rate limit, blob put, record insert, queue push.
type SubmitService struct {
	Repo    domain.SubmissionRepository
	Blobs   domain.BlobStore
	Queue   domain.JobQueue
	Limiter RateLimiter
	Shedder LoadShedder

	DefaultTimeLimitMS   int64
	DefaultMemoryLimitKB int64
}

// NewSubmitService constructs a SubmitService with its dependencies.
func NewSubmitService(repo domain.SubmissionRepository, blobs domain.BlobStore, queue domain.JobQueue, limiter RateLimiter, shedder LoadShedder, defaultTimeLimitMS, defaultMemoryLimitKB int64) SubmitService {
	return SubmitService{
		Repo:                 repo,
		Blobs:                blobs,
		Queue:                queue,
		Limiter:              limiter,
		Shedder:              shedder,
		DefaultTimeLimitMS:   defaultTimeLimitMS,
		DefaultMemoryLimitKB: defaultMemoryLimitKB,
	}
}

// Validate applies the intake rules in order; the first failure wins.
func Validate(in *SubmitInput) *domain.ValidationError {
	if in.Language == "" || in.ProblemID == "" || in.UserID == "" {
		return domain.NewValidationError(domain.CodeMissingFields, "code, language, problemId and userId are required")
	}
	in.Language = strings.ToLower(strings.TrimSpace(in.Language))
	if _, ok := domain.SupportedLanguages[in.Language]; !ok {
		return domain.NewValidationError(domain.CodeUnsupportedLanguage, "language %q is not supported", in.Language)
	}
	size := int64(len(in.Code))
	if size == 0 {
		return domain.NewValidationError(domain.CodeEmptyCode, "code must not be empty")
	}
	if size > domain.MaxCodeSizeBytes {
		return domain.NewValidationError(domain.CodeCodeTooLarge, "code is %d bytes, limit is %d", size, domain.MaxCodeSizeBytes)
	}
	if len(in.ProblemID) > domain.MaxIDLength {
		return domain.NewValidationError(domain.CodeInvalidProblemID, "problemId exceeds %d characters", domain.MaxIDLength)
	}
	if len(in.UserID) > domain.MaxIDLength {
		return domain.NewValidationError(domain.CodeInvalidUserID, "userId exceeds %d characters", domain.MaxIDLength)
	}
	if in.TimeLimitMS != 0 && (in.TimeLimitMS < domain.MinTimeLimitMS || in.TimeLimitMS > domain.MaxTimeLimitMS) {
		return domain.NewValidationError(domain.CodeInvalidTimeLimit, "timeLimit must be in [%d, %d] ms", domain.MinTimeLimitMS, domain.MaxTimeLimitMS)
	}
	if in.Priority != "" && !domain.ValidPriority(in.Priority) {
		return domain.NewValidationError(domain.CodeInvalidPriority, "priority must be low, normal or high")
	}
	if len(in.TestCases) > domain.MaxTestCases {
		return domain.NewValidationError(domain.CodeInvalidTestCases, "at most %d test cases allowed", domain.MaxTestCases)
	}
	return nil
}

// Submit runs the full intake pipeline for one request.
func (s SubmitService) Submit(ctx context.Context, in SubmitInput) (SubmitOutput, error) {
	log := iobs.LoggerFromContext(ctx)

	if verr := Validate(&in); verr != nil {
		return SubmitOutput{}, verr
	}

	dec := s.Limiter.ConsumeAll(ctx, in.UserID, in.ClientIP)
	if !dec.Allowed {
		return SubmitOutput{}, &domain.RateLimitError{RetryAfter: dec.RetryAfter}
	}

	priority := domain.Priority(in.Priority)
	if priority == "" {
		priority = domain.PriorityNormal
	}
	if s.Shedder != nil && !s.Shedder.Allow(priority) {
		return SubmitOutput{}, fmt.Errorf("op=submit: %w: queue saturated", domain.ErrOverloaded)
	}

	timeLimit := in.TimeLimitMS
	if timeLimit == 0 {
		timeLimit = s.DefaultTimeLimitMS
	}
	memoryLimit := in.MemoryLimitKB
	if memoryLimit == 0 {
		memoryLimit = s.DefaultMemoryLimitKB
	}

	key := blobKey(in.UserID, in.ProblemID, domain.LanguageExt[in.Language])
	meta := map[string]string{
		"user-id":    in.UserID,
		"problem-id": in.ProblemID,
		"language":   in.Language,
		"priority":   string(priority),
		"size-bytes": strconv.FormatInt(int64(len(in.Code)), 10),
	}
	// One bounded local retry before escalating; the record does not exist
	// yet, so there is nothing to compensate here.
	putOp := func() error { return s.Blobs.Put(ctx, key, []byte(in.Code), meta) }
	if err := backoff.Retry(putOp, backoff.WithMaxRetries(backoff.NewConstantBackOff(100*time.Millisecond), 1)); err != nil {
		return SubmitOutput{}, fmt.Errorf("op=submit: blob put: %w", err)
	}

	sub := domain.Submission{
		UserID:        in.UserID,
		ProblemID:     in.ProblemID,
		Language:      in.Language,
		BlobKey:       key,
		CodeSizeBytes: int64(len(in.Code)),
		Status:        domain.StatusPending,
		SubmittedAt:   time.Now().UTC(),
		Metadata:      in.Metadata,
	}
	id, err := s.Repo.Insert(ctx, sub)
	if err != nil {
		if derr := s.Blobs.Delete(ctx, key); derr != nil {
			log.Warn("blob rollback failed", "key", key, "error", derr)
		}
		return SubmitOutput{}, fmt.Errorf("op=submit: insert: %w", err)
	}

	observability.SubmissionSizeBytes.Observe(float64(len(in.Code)))

	env := domain.JobEnvelope{
		SubmissionID:  id,
		UserID:        in.UserID,
		ProblemID:     in.ProblemID,
		Language:      in.Language,
		BlobKey:       key,
		CodeSizeBytes: int64(len(in.Code)),
		TimeLimitMS:   timeLimit,
		MemoryLimitKB: memoryLimit,
		Priority:      priority,
		CreatedAt:     time.Now().UTC(),
		Attempt:       1,
		TestCases:     in.TestCases,
	}
	out := SubmitOutput{SubmissionID: id, Timestamp: time.Now().UTC()}
	if _, err := s.Queue.Push(ctx, env); err != nil {
		// Accepted but not queued; the pending sweeper re-enqueues it.
		log.Warn("queue push failed, submission stays pending", "submission_id", id, "error", err)
		return out, nil
	}
	out.Queued = true

	if err := s.Repo.MarkQueued(ctx, id); err != nil {
		log.Warn("mark queued failed", "submission_id", id, "error", err)
	}
	return out, nil
}

var (
	keyEntropyMu sync.Mutex
	keyEntropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0) //nolint:gosec // key suffix entropy only
)

// blobKey builds submissions/{userId}/{problemId}/{ts}-{rand}.{ext}.
func blobKey(userID, problemID, ext string) string {
	keyEntropyMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), keyEntropy)
	keyEntropyMu.Unlock()
	return fmt.Sprintf("submissions/%s/%s/%d-%s.%s", userID, problemID, time.Now().UnixMilli(), id.String(), ext)
}
