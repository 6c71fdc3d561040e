package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/codeclash/exec-engine/internal/domain"
)

// Sweeper repairs submissions the pipeline dropped: pending records whose
// queue push never landed are re-enqueued, and processing records older
// than the maximum age are failed.
type Sweeper struct {
	repo  domain.SubmissionRepository
	queue domain.JobQueue

	pendingAfter     time.Duration
	maxProcessingAge time.Duration
	interval         time.Duration

	defaultTimeLimitMS   int64
	defaultMemoryLimitKB int64
}

// NewSweeper builds a sweeper. Zero durations fall back to safe defaults.
func NewSweeper(repo domain.SubmissionRepository, queue domain.JobQueue, pendingAfter, maxProcessingAge, interval time.Duration, defaultTimeLimitMS, defaultMemoryLimitKB int64) *Sweeper {
	if repo == nil || queue == nil {
		return nil
	}
	if pendingAfter <= 0 {
		pendingAfter = time.Minute
	}
	if maxProcessingAge <= 0 {
		maxProcessingAge = 10 * time.Minute
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		repo:                 repo,
		queue:                queue,
		pendingAfter:         pendingAfter,
		maxProcessingAge:     maxProcessingAge,
		interval:             interval,
		defaultTimeLimitMS:   defaultTimeLimitMS,
		defaultMemoryLimitKB: defaultMemoryLimitKB,
	}
}

// Run loops until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("app.sweeper")
	ctx, span := tracer.Start(ctx, "Sweeper.sweepOnce")
	defer span.End()

	requeued := s.sweepPending(ctx)
	failed := s.sweepStuck(ctx)
	span.SetAttributes(
		attribute.Int("sweep.requeued", requeued),
		attribute.Int("sweep.failed", failed),
	)
}

// sweepPending re-enqueues pending submissions whose original queue push
// was lost. The envelope is rebuilt from the record with default limits;
// inline test cases do not survive a deferred queueing.
func (s *Sweeper) sweepPending(ctx context.Context) int {
	const pageSize = 100
	cutoff := time.Now().Add(-s.pendingAfter)

	subs, err := s.repo.ListPendingBefore(ctx, cutoff, pageSize)
	if err != nil {
		slog.Error("pending sweep list failed", slog.Any("error", err))
		return 0
	}
	requeued := 0
	for _, sub := range subs {
		env := domain.JobEnvelope{
			SubmissionID:  sub.ID,
			UserID:        sub.UserID,
			ProblemID:     sub.ProblemID,
			Language:      sub.Language,
			BlobKey:       sub.BlobKey,
			CodeSizeBytes: sub.CodeSizeBytes,
			TimeLimitMS:   s.defaultTimeLimitMS,
			MemoryLimitKB: s.defaultMemoryLimitKB,
			Priority:      domain.PriorityNormal,
			CreatedAt:     time.Now().UTC(),
			Attempt:       1,
		}
		if _, err := s.queue.Push(ctx, env); err != nil {
			slog.Warn("pending sweep push failed", slog.String("submission_id", sub.ID), slog.Any("error", err))
			continue
		}
		if err := s.repo.MarkQueued(ctx, sub.ID); err != nil {
			slog.Warn("pending sweep mark queued failed", slog.String("submission_id", sub.ID), slog.Any("error", err))
		}
		requeued++
	}
	return requeued
}

// sweepStuck fails processing submissions older than the maximum age; their
// worker is presumed dead and the stream entry will be redelivered or
// dead-lettered separately.
func (s *Sweeper) sweepStuck(ctx context.Context) int {
	const pageSize = 100
	cutoff := time.Now().Add(-s.maxProcessingAge)

	subs, err := s.repo.ListProcessingBefore(ctx, cutoff, pageSize)
	if err != nil {
		slog.Error("stuck sweep list failed", slog.Any("error", err))
		return 0
	}
	failed := 0
	for _, sub := range subs {
		msg := fmt.Sprintf("processing exceeded maximum age %v", s.maxProcessingAge)
		if err := s.repo.Fail(ctx, sub.ID, domain.StatusFailed, domain.VerdictIE, msg); err != nil {
			slog.Error("stuck sweep fail update failed", slog.String("submission_id", sub.ID), slog.Any("error", err))
			continue
		}
		failed++
	}
	return failed
}
