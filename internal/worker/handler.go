// Package worker claims jobs from the stream and drives them through the
// sandbox harness and the judge.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/codeclash/exec-engine/internal/adapter/observability"
	"github.com/codeclash/exec-engine/internal/domain"
	"github.com/codeclash/exec-engine/internal/harness"
	"github.com/codeclash/exec-engine/internal/judge"
)

// Executor runs one submission in a sandbox.
type Executor interface {
	Execute(ctx context.Context, req harness.Request) (domain.ExecutionResult, error)
}

// Judger scores one execution result.
type Judger interface {
	JudgeSubmission(ctx context.Context, exec domain.ExecutionResult) judge.Result
}

// Sleeper lets tests replace the retry backoff sleep.
type Sleeper func(ctx context.Context, d time.Duration)

// Handler processes a single claimed job end to end.
type Handler struct {
	Pool  string
	Repo  domain.SubmissionRepository
	Blobs domain.BlobStore
	Queue domain.JobQueue
	Exec  Executor
	Judge Judger
	Retry domain.RetryPolicy
	Sleep Sleeper
}

// NewHandler builds a job handler for the given pool.
func NewHandler(pool string, repo domain.SubmissionRepository, blobs domain.BlobStore, queue domain.JobQueue, exec Executor, judger Judger, retry domain.RetryPolicy) *Handler {
	return &Handler{
		Pool:  pool,
		Repo:  repo,
		Blobs: blobs,
		Queue: queue,
		Exec:  exec,
		Judge: judger,
		Retry: retry,
		Sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		},
	}
}

// Handle drives one claimed job. The stream message is always acked: terminal
// outcomes are persisted, retryable failures are re-pushed as a fresh message
// with an incremented attempt, and exhausted jobs go to the dead-letter
// stream. Returning an error only signals the supervisor for logging.
func (h *Handler) Handle(ctx context.Context, job domain.ClaimedJob) error {
	env := job.Envelope
	start := time.Now()
	log := slog.Default().With(
		slog.String("submission_id", env.SubmissionID),
		slog.String("language", env.Language),
		slog.Int("attempt", env.Attempt),
	)

	tracer := otel.Tracer("worker")
	ctx, span := tracer.Start(ctx, "Handler.Handle")
	span.SetAttributes(
		attribute.String("submission.id", env.SubmissionID),
		attribute.String("submission.language", env.Language),
		attribute.Int("job.attempt", env.Attempt),
	)
	defer span.End()

	defer func() {
		if err := h.Queue.Ack(context.WithoutCancel(ctx), job.MessageID); err != nil {
			log.Warn("ack failed", slog.String("message_id", job.MessageID), slog.Any("error", err))
		}
	}()

	// Redeliveries of already-finished work are acked and dropped.
	sub, err := h.Repo.Get(ctx, env.SubmissionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			log.Warn("job for unknown submission dropped")
			return nil
		}
		return h.retryOrDeadLetter(ctx, log, env, "lookup", err)
	}
	if sub.Status.Terminal() {
		log.Info("submission already terminal, skipping", slog.String("status", string(sub.Status)))
		return nil
	}

	if err := h.Repo.MarkProcessing(ctx, env.SubmissionID); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			log.Info("submission claimed elsewhere, skipping")
			return nil
		}
		return h.retryOrDeadLetter(ctx, log, env, "mark_processing", err)
	}

	code, err := h.Blobs.Get(ctx, env.BlobKey)
	if err != nil {
		return h.retryOrDeadLetter(ctx, log, env, "blob_get", err)
	}

	exec, err := h.Exec.Execute(ctx, harness.Request{
		SubmissionID:  env.SubmissionID,
		Language:      env.Language,
		Code:          code,
		TimeLimitMS:   env.TimeLimitMS,
		MemoryLimitKB: env.MemoryLimitKB,
		TestCases:     env.TestCases,
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidArgument) {
			// Unrunnable by construction; a retry cannot help.
			return h.deadLetter(ctx, log, env, err)
		}
		return h.retryOrDeadLetter(ctx, log, env, "execute", err)
	}

	res := h.Judge.JudgeSubmission(ctx, exec)
	status := domain.StatusForVerdict(res.FinalVerdict)

	sub.Status = status
	sub.Verdict = res.FinalVerdict
	sub.Score = res.TotalScore
	sub.MaxScore = res.MaxScore
	sub.PassedTestCases = res.PassedCount
	sub.TotalTestCases = res.TotalCount
	sub.ExecutionTimeMS = res.TotalTimeMS
	sub.PeakMemoryKB = res.MaxMemoryKB
	sub.ErrorMessage = res.CompileMessage

	if err := h.Repo.Complete(ctx, sub); err != nil {
		return h.retryOrDeadLetter(ctx, log, env, "persist", err)
	}

	observability.ObserveJob(h.Pool, env.Language, string(status), res.FinalVerdict, time.Since(start), res.MaxMemoryKB)
	observability.ScorePercentage.Observe(res.ScorePercentage)
	log.Info("job completed",
		slog.String("verdict", res.FinalVerdict),
		slog.Float64("score", res.TotalScore),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return nil
}

// retryOrDeadLetter re-pushes a retryable failure with backoff, or dead
// letters it once attempts are exhausted.
func (h *Handler) retryOrDeadLetter(ctx context.Context, log *slog.Logger, env domain.JobEnvelope, stage string, cause error) error {
	observability.JobErrorsTotal.WithLabelValues(h.Pool, stage).Inc()
	if h.Retry.Exhausted(env.Attempt) {
		return h.deadLetter(ctx, log, env, cause)
	}

	delay := h.Retry.Backoff(env.Attempt)
	log.Warn("job failed, retrying",
		slog.String("stage", stage),
		slog.Duration("backoff", delay),
		slog.Any("error", cause),
	)
	h.Sleep(ctx, delay)

	next := env
	next.Attempt++
	if _, err := h.Queue.Push(context.WithoutCancel(ctx), next); err != nil {
		// Losing the re-push means losing the job; dead letter instead.
		return h.deadLetter(ctx, log, env, fmt.Errorf("retry push failed: %w (original: %v)", err, cause))
	}
	return fmt.Errorf("op=worker.handle: stage=%s attempt=%d: %w", stage, env.Attempt, cause)
}

// deadLetter parks the job on the DLQ stream and fails the submission.
func (h *Handler) deadLetter(ctx context.Context, log *slog.Logger, env domain.JobEnvelope, cause error) error {
	ctx = context.WithoutCancel(ctx)
	dlq := domain.DLQEnvelope{
		JobEnvelope: env,
		Reason:      cause.Error(),
		Attempts:    env.Attempt,
	}
	if _, err := h.Queue.PushDeadLetter(ctx, dlq); err != nil {
		log.Error("dead letter push failed", slog.Any("error", err))
	}
	msg := fmt.Sprintf("job failed after %d attempt(s): %v", env.Attempt, cause)
	if err := h.Repo.Fail(ctx, env.SubmissionID, domain.StatusFailed, domain.VerdictIE, msg); err != nil {
		log.Error("fail update after dead letter failed", slog.Any("error", err))
	}
	observability.ObserveJob(h.Pool, env.Language, string(domain.StatusFailed), domain.VerdictIE, 0, 0)
	log.Error("job dead lettered", slog.Any("error", cause))
	return fmt.Errorf("op=worker.handle: dead lettered: %w", cause)
}
