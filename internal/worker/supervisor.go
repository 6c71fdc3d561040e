package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/codeclash/exec-engine/internal/adapter/observability"
	"github.com/codeclash/exec-engine/internal/adapter/queue/redisstream"
	"github.com/codeclash/exec-engine/internal/domain"
)

// claimBlock is how long a claim blocks server-side before returning empty.
const claimBlock = 5 * time.Second

// busyWait is the pause when every worker slot is occupied.
const busyWait = 100 * time.Millisecond

// depthEvery is how often the queue depth is sampled for metrics and the
// load shedder.
const depthEvery = 5 * time.Second

// JobHandler processes one claimed job.
type JobHandler interface {
	Handle(ctx context.Context, job domain.ClaimedJob) error
}

// Supervisor runs the claim loop: it pulls jobs from the stream up to the
// concurrency cap, hands each to the handler in its own goroutine, and adapts
// its polling rate to the observed load.
type Supervisor struct {
	pool          string
	queue         domain.JobQueue
	handler       JobHandler
	maxConcurrent int
	poller        *redisstream.AdaptivePoller
	breaker       *observability.CircuitBreaker
	shedder       *observability.LoadShedder
	consumer      string

	// jobCtx outlives the claim-loop context so cancelling Run stops new
	// claims without aborting in-flight jobs; Drain cancels it only once
	// the drain deadline passes.
	jobCtx     context.Context
	cancelJobs context.CancelFunc

	active atomic.Int64
	wg     sync.WaitGroup
}

// NewSupervisor builds a supervisor with a unique consumer name so parallel
// worker processes claim disjoint messages from the group.
func NewSupervisor(pool string, queue domain.JobQueue, handler JobHandler, maxConcurrent int, poller *redisstream.AdaptivePoller, shedder *observability.LoadShedder) *Supervisor {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	host, _ := os.Hostname()
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	return &Supervisor{
		pool:          pool,
		queue:         queue,
		handler:       handler,
		maxConcurrent: maxConcurrent,
		poller:        poller,
		breaker:       observability.NewCircuitBreaker("queue-claim", observability.DefaultCircuitBreakerConfig()),
		shedder:       shedder,
		consumer:      fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8]),
		jobCtx:        jobCtx,
		cancelJobs:    cancelJobs,
	}
}

// Consumer returns the stream consumer name of this supervisor.
func (s *Supervisor) Consumer() string { return s.consumer }

// ActiveJobs returns the number of jobs currently being handled.
func (s *Supervisor) ActiveJobs() int64 { return s.active.Load() }

// Run claims and dispatches jobs until ctx is cancelled, then returns without
// waiting for in-flight jobs; call Drain to wait for them. Cancelling ctx
// stops claiming only; running jobs keep their own context until the drain
// deadline expires.
func (s *Supervisor) Run(ctx context.Context) {
	observability.WorkersRunning.Inc()
	defer observability.WorkersRunning.Dec()
	slog.Info("worker supervisor started",
		slog.String("pool", s.pool),
		slog.String("consumer", s.consumer),
		slog.Int("max_concurrent", s.maxConcurrent),
	)

	lastDepth := time.Time{}
	for {
		select {
		case <-ctx.Done():
			slog.Info("worker supervisor stopping", slog.Int64("active", s.active.Load()))
			return
		default:
		}

		if time.Since(lastDepth) >= depthEvery {
			s.sampleDepth(ctx)
			lastDepth = time.Now()
		}

		free := s.maxConcurrent - int(s.active.Load())
		if free <= 0 {
			s.pause(ctx, busyWait)
			continue
		}
		if !s.breaker.Allow() {
			s.pause(ctx, s.poller.Interval())
			continue
		}

		jobs, err := s.queue.Claim(ctx, s.consumer, free, claimBlock)
		s.breaker.Record(err)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			s.poller.RecordError()
			slog.Error("claim failed", slog.Any("error", err))
			s.pause(ctx, s.poller.Interval())
			continue
		}
		s.poller.RecordBatch(len(jobs), free)
		for _, job := range jobs {
			s.dispatch(ctx, job)
		}
		if len(jobs) == 0 {
			s.pause(ctx, s.poller.Interval())
		}
	}
}

func (s *Supervisor) dispatch(_ context.Context, job domain.ClaimedJob) {
	s.active.Add(1)
	observability.ActiveJobs.WithLabelValues(s.pool).Set(float64(s.active.Load()))
	s.wg.Add(1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				observability.WorkerRestartsTotal.Inc()
				slog.Error("job handler panicked",
					slog.String("submission_id", job.Envelope.SubmissionID),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
			}
			s.active.Add(-1)
			observability.ActiveJobs.WithLabelValues(s.pool).Set(float64(s.active.Load()))
			s.wg.Done()
		}()
		if err := s.handler.Handle(s.jobCtx, job); err != nil {
			slog.Warn("job handling ended with error",
				slog.String("submission_id", job.Envelope.SubmissionID),
				slog.Any("error", err),
			)
		}
	}()
}

// Drain waits up to timeout for in-flight jobs to finish. On timeout it
// cancels the remaining job contexts so their sandboxes are torn down and
// the jobs are re-queued for another attempt. It reports whether the drain
// completed cleanly.
func (s *Supervisor) Drain(timeout time.Duration) bool {
	defer s.cancelJobs()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		slog.Error("drain timeout, abandoning in-flight jobs", slog.Int64("active", s.active.Load()))
		return false
	}
}

func (s *Supervisor) sampleDepth(ctx context.Context) {
	depth, err := s.queue.Depth(ctx)
	if err != nil {
		return
	}
	observability.QueueDepth.WithLabelValues(s.pool).Set(float64(depth))
	if s.shedder != nil {
		s.shedder.ObserveDepth(depth)
	}
}

func (s *Supervisor) pause(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
