package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeclash/exec-engine/internal/domain"
)

type sweepRepo struct {
	mu         sync.Mutex
	pending    []domain.Submission
	processing []domain.Submission
	queued     []string
	failed     map[string]string
	listErr    error
}

func newSweepRepo() *sweepRepo {
	return &sweepRepo{failed: map[string]string{}}
}

func (r *sweepRepo) Insert(_ context.Context, s domain.Submission) (string, error) { return s.ID, nil }

func (r *sweepRepo) Get(context.Context, string) (domain.Submission, error) {
	return domain.Submission{}, domain.ErrNotFound
}

func (r *sweepRepo) MarkQueued(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queued = append(r.queued, id)
	return nil
}

func (r *sweepRepo) MarkProcessing(context.Context, string) error      { return nil }
func (r *sweepRepo) Complete(context.Context, domain.Submission) error { return nil }

func (r *sweepRepo) Fail(_ context.Context, id string, status domain.SubmissionStatus, verdict, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed[id] = verdict
	return nil
}

func (r *sweepRepo) ListPendingBefore(_ context.Context, cutoff time.Time, _ int) ([]domain.Submission, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}
	return r.pending, nil
}

func (r *sweepRepo) ListProcessingBefore(_ context.Context, cutoff time.Time, _ int) ([]domain.Submission, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}
	return r.processing, nil
}

type sweepQueue struct {
	mu      sync.Mutex
	pushed  []domain.JobEnvelope
	pushErr error
}

func (q *sweepQueue) Push(_ context.Context, env domain.JobEnvelope) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pushErr != nil {
		return "", q.pushErr
	}
	q.pushed = append(q.pushed, env)
	return "m1", nil
}

func (q *sweepQueue) Claim(context.Context, string, int, time.Duration) ([]domain.ClaimedJob, error) {
	return nil, nil
}

func (q *sweepQueue) Ack(context.Context, string) error { return nil }

func (q *sweepQueue) PushDeadLetter(context.Context, domain.DLQEnvelope) (string, error) {
	return "", nil
}

func (q *sweepQueue) Depth(context.Context) (int64, error) { return 0, nil }

func newTestSweeper(repo *sweepRepo, queue *sweepQueue) *Sweeper {
	return NewSweeper(repo, queue, time.Minute, 10*time.Minute, 30*time.Second, 5000, 262144)
}

func TestSweepPendingRequeues(t *testing.T) {
	repo := newSweepRepo()
	repo.pending = []domain.Submission{
		{ID: "s1", UserID: "u1", ProblemID: "p1", Language: "python", BlobKey: "k1", CodeSizeBytes: 10},
		{ID: "s2", UserID: "u2", ProblemID: "p2", Language: "go", BlobKey: "k2", CodeSizeBytes: 20},
	}
	queue := &sweepQueue{}

	n := newTestSweeper(repo, queue).sweepPending(context.Background())
	assert.Equal(t, 2, n)

	require.Len(t, queue.pushed, 2)
	env := queue.pushed[0]
	assert.Equal(t, "s1", env.SubmissionID)
	assert.Equal(t, "k1", env.BlobKey)
	assert.Equal(t, int64(5000), env.TimeLimitMS)
	assert.Equal(t, int64(262144), env.MemoryLimitKB)
	assert.Equal(t, 1, env.Attempt)
	assert.Equal(t, []string{"s1", "s2"}, repo.queued)
}

func TestSweepPendingPushFailureLeavesPending(t *testing.T) {
	repo := newSweepRepo()
	repo.pending = []domain.Submission{{ID: "s1"}}
	queue := &sweepQueue{pushErr: errors.New("redis down")}

	n := newTestSweeper(repo, queue).sweepPending(context.Background())
	assert.Zero(t, n)
	assert.Empty(t, repo.queued)
}

func TestSweepStuckFailsOldProcessing(t *testing.T) {
	repo := newSweepRepo()
	repo.processing = []domain.Submission{{ID: "s9", Status: domain.StatusProcessing}}
	queue := &sweepQueue{}

	n := newTestSweeper(repo, queue).sweepStuck(context.Background())
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.VerdictIE, repo.failed["s9"])
}

func TestSweepListErrorIsNonFatal(t *testing.T) {
	repo := newSweepRepo()
	repo.listErr = errors.New("db down")
	sw := newTestSweeper(repo, &sweepQueue{})

	assert.Zero(t, sw.sweepPending(context.Background()))
	assert.Zero(t, sw.sweepStuck(context.Background()))
}

func TestNewSweeperDefaults(t *testing.T) {
	sw := NewSweeper(newSweepRepo(), &sweepQueue{}, 0, 0, 0, 5000, 262144)
	require.NotNil(t, sw)
	assert.Equal(t, time.Minute, sw.pendingAfter)
	assert.Equal(t, 10*time.Minute, sw.maxProcessingAge)
	assert.Equal(t, 30*time.Second, sw.interval)

	assert.Nil(t, NewSweeper(nil, nil, 0, 0, 0, 0, 0))
}
