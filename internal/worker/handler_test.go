package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeclash/exec-engine/internal/domain"
	"github.com/codeclash/exec-engine/internal/harness"
	"github.com/codeclash/exec-engine/internal/judge"
)

type fakeRepo struct {
	mu          sync.Mutex
	subs        map[string]domain.Submission
	completeErr error
	conflictOn  map[string]bool
	failed      []string
}

func newFakeRepo(subs ...domain.Submission) *fakeRepo {
	r := &fakeRepo{subs: map[string]domain.Submission{}, conflictOn: map[string]bool{}}
	for _, s := range subs {
		r.subs[s.ID] = s
	}
	return r
}

func (r *fakeRepo) Insert(_ context.Context, s domain.Submission) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[s.ID] = s
	return s.ID, nil
}

func (r *fakeRepo) Get(_ context.Context, id string) (domain.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[id]
	if !ok {
		return domain.Submission{}, domain.ErrNotFound
	}
	return s, nil
}

func (r *fakeRepo) MarkQueued(_ context.Context, id string) error { return nil }

func (r *fakeRepo) MarkProcessing(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conflictOn[id] {
		return domain.ErrConflict
	}
	s := r.subs[id]
	s.Status = domain.StatusProcessing
	r.subs[id] = s
	return nil
}

func (r *fakeRepo) Complete(_ context.Context, s domain.Submission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.completeErr != nil {
		return r.completeErr
	}
	r.subs[s.ID] = s
	return nil
}

func (r *fakeRepo) Fail(_ context.Context, id string, status domain.SubmissionStatus, verdict, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.subs[id]
	s.Status = status
	s.Verdict = verdict
	s.ErrorMessage = errMsg
	r.subs[id] = s
	r.failed = append(r.failed, id)
	return nil
}

func (r *fakeRepo) ListPendingBefore(context.Context, time.Time, int) ([]domain.Submission, error) {
	return nil, nil
}

func (r *fakeRepo) ListProcessingBefore(context.Context, time.Time, int) ([]domain.Submission, error) {
	return nil, nil
}

func (r *fakeRepo) get(id string) domain.Submission {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subs[id]
}

type fakeBlobs struct {
	data   map[string][]byte
	getErr error
}

func (b *fakeBlobs) Put(context.Context, string, []byte, map[string]string) error { return nil }
func (b *fakeBlobs) Delete(context.Context, string) error                         { return nil }

func (b *fakeBlobs) Get(_ context.Context, key string) ([]byte, error) {
	if b.getErr != nil {
		return nil, b.getErr
	}
	return b.data[key], nil
}

type fakeQueue struct {
	mu      sync.Mutex
	pushed  []domain.JobEnvelope
	dead    []domain.DLQEnvelope
	acked   []string
	pushErr error
}

func (q *fakeQueue) Push(_ context.Context, env domain.JobEnvelope) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pushErr != nil {
		return "", q.pushErr
	}
	q.pushed = append(q.pushed, env)
	return "m1", nil
}

func (q *fakeQueue) Claim(context.Context, string, int, time.Duration) ([]domain.ClaimedJob, error) {
	return nil, nil
}

func (q *fakeQueue) Ack(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, id)
	return nil
}

func (q *fakeQueue) PushDeadLetter(_ context.Context, env domain.DLQEnvelope) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, env)
	return "d1", nil
}

func (q *fakeQueue) Depth(context.Context) (int64, error) { return 0, nil }

type fakeExec struct {
	res  domain.ExecutionResult
	err  error
	reqs []harness.Request
}

func (e *fakeExec) Execute(_ context.Context, req harness.Request) (domain.ExecutionResult, error) {
	e.reqs = append(e.reqs, req)
	return e.res, e.err
}

func newTestHandler(repo *fakeRepo, blobs *fakeBlobs, queue *fakeQueue, exec *fakeExec) *Handler {
	j, _ := judge.New(judge.DefaultConfig())
	h := NewHandler("container", repo, blobs, queue, exec, j, domain.RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    20 * time.Second,
	})
	h.Sleep = func(context.Context, time.Duration) {}
	return h
}

func envelopeFor(sub domain.Submission) domain.JobEnvelope {
	return domain.JobEnvelope{
		SubmissionID:  sub.ID,
		UserID:        sub.UserID,
		ProblemID:     sub.ProblemID,
		Language:      sub.Language,
		BlobKey:       sub.BlobKey,
		TimeLimitMS:   5000,
		MemoryLimitKB: 262144,
		Priority:      domain.PriorityNormal,
		Attempt:       1,
		TestCases:     []domain.TestCase{{ID: "t1", Input: "1 2", ExpectedOutput: "3"}},
	}
}

func TestHandleAccepted(t *testing.T) {
	sub := domain.Submission{ID: "s1", UserID: "u1", ProblemID: "p1", Language: "python", BlobKey: "k1", Status: domain.StatusQueued}
	repo := newFakeRepo(sub)
	blobs := &fakeBlobs{data: map[string][]byte{"k1": []byte("print(3)")}}
	queue := &fakeQueue{}
	exec := &fakeExec{res: domain.ExecutionResult{
		Success:         true,
		ExitCode:        0,
		ExecutionTimeMS: 42,
		MemoryUsedKB:    2048,
		TestResults: []domain.TestCaseResult{
			{TestID: "t1", Passed: true, Expected: "3", Actual: "3", ExecutionTimeMS: 42},
		},
	}}

	h := newTestHandler(repo, blobs, queue, exec)
	err := h.Handle(context.Background(), domain.ClaimedJob{MessageID: "m1", Envelope: envelopeFor(sub)})
	require.NoError(t, err)

	got := repo.get("s1")
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, domain.VerdictAC, got.Verdict)
	assert.Equal(t, 1, got.PassedTestCases)
	assert.Equal(t, int64(42), got.ExecutionTimeMS)
	assert.Equal(t, []string{"m1"}, queue.acked)

	require.Len(t, exec.reqs, 1)
	assert.Equal(t, []byte("print(3)"), exec.reqs[0].Code)
	assert.Equal(t, int64(5000), exec.reqs[0].TimeLimitMS)
}

func TestHandleWrongAnswer(t *testing.T) {
	sub := domain.Submission{ID: "s1", Language: "python", BlobKey: "k1", Status: domain.StatusQueued}
	repo := newFakeRepo(sub)
	blobs := &fakeBlobs{data: map[string][]byte{"k1": []byte("print(4)")}}
	queue := &fakeQueue{}
	exec := &fakeExec{res: domain.ExecutionResult{
		Success: true,
		TestResults: []domain.TestCaseResult{
			{TestID: "t1", Passed: false, Expected: "3", Actual: "4"},
		},
	}}

	h := newTestHandler(repo, blobs, queue, exec)
	require.NoError(t, h.Handle(context.Background(), domain.ClaimedJob{MessageID: "m1", Envelope: envelopeFor(sub)}))

	got := repo.get("s1")
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, domain.VerdictWA, got.Verdict)
}

func TestHandleTerminalSkips(t *testing.T) {
	sub := domain.Submission{ID: "s1", Language: "python", Status: domain.StatusCompleted, Verdict: domain.VerdictAC}
	repo := newFakeRepo(sub)
	queue := &fakeQueue{}
	exec := &fakeExec{}

	h := newTestHandler(repo, &fakeBlobs{}, queue, exec)
	require.NoError(t, h.Handle(context.Background(), domain.ClaimedJob{MessageID: "m7", Envelope: envelopeFor(sub)}))

	assert.Empty(t, exec.reqs, "terminal submissions must not execute")
	assert.Equal(t, []string{"m7"}, queue.acked, "redelivery must still be acked")
}

func TestHandleConflictSkips(t *testing.T) {
	sub := domain.Submission{ID: "s1", Language: "python", Status: domain.StatusQueued}
	repo := newFakeRepo(sub)
	repo.conflictOn["s1"] = true
	queue := &fakeQueue{}
	exec := &fakeExec{}

	h := newTestHandler(repo, &fakeBlobs{}, queue, exec)
	require.NoError(t, h.Handle(context.Background(), domain.ClaimedJob{MessageID: "m1", Envelope: envelopeFor(sub)}))

	assert.Empty(t, exec.reqs)
	assert.Equal(t, []string{"m1"}, queue.acked)
}

func TestHandleUnknownSubmissionDropped(t *testing.T) {
	repo := newFakeRepo()
	queue := &fakeQueue{}
	h := newTestHandler(repo, &fakeBlobs{}, queue, &fakeExec{})

	env := domain.JobEnvelope{SubmissionID: "ghost", Language: "python", Attempt: 1}
	require.NoError(t, h.Handle(context.Background(), domain.ClaimedJob{MessageID: "m1", Envelope: env}))
	assert.Equal(t, []string{"m1"}, queue.acked)
	assert.Empty(t, queue.pushed)
	assert.Empty(t, queue.dead)
}

func TestHandleRetryablePushesNextAttempt(t *testing.T) {
	sub := domain.Submission{ID: "s1", Language: "python", BlobKey: "k1", Status: domain.StatusQueued}
	repo := newFakeRepo(sub)
	blobs := &fakeBlobs{data: map[string][]byte{"k1": []byte("x")}}
	queue := &fakeQueue{}
	exec := &fakeExec{err: domain.ErrInternal}

	var slept []time.Duration
	h := newTestHandler(repo, blobs, queue, exec)
	h.Sleep = func(_ context.Context, d time.Duration) { slept = append(slept, d) }

	err := h.Handle(context.Background(), domain.ClaimedJob{MessageID: "m1", Envelope: envelopeFor(sub)})
	require.Error(t, err)

	require.Len(t, queue.pushed, 1)
	assert.Equal(t, 2, queue.pushed[0].Attempt)
	assert.Equal(t, []time.Duration{2 * time.Second}, slept)
	assert.Empty(t, queue.dead)
	assert.Equal(t, []string{"m1"}, queue.acked, "original message is acked after re-push")
}

func TestHandleAbortedExecutionRetriesInsteadOfVerdict(t *testing.T) {
	sub := domain.Submission{ID: "s1", Language: "python", BlobKey: "k1", Status: domain.StatusQueued}
	repo := newFakeRepo(sub)
	blobs := &fakeBlobs{data: map[string][]byte{"k1": []byte("x")}}
	queue := &fakeQueue{}
	exec := &fakeExec{err: fmt.Errorf("op=harness.phase: execution aborted: %w", context.Canceled)}

	h := newTestHandler(repo, blobs, queue, exec)
	err := h.Handle(context.Background(), domain.ClaimedJob{MessageID: "m1", Envelope: envelopeFor(sub)})
	require.Error(t, err)

	require.Len(t, queue.pushed, 1, "an aborted run is re-queued")
	assert.Equal(t, 2, queue.pushed[0].Attempt)
	assert.Empty(t, queue.dead)

	got := repo.get("s1")
	assert.False(t, got.Status.Terminal(), "no verdict may be recorded for an aborted run")
	assert.Empty(t, got.Verdict)
}

func TestHandleExhaustedDeadLetters(t *testing.T) {
	sub := domain.Submission{ID: "s1", Language: "python", BlobKey: "k1", Status: domain.StatusQueued}
	repo := newFakeRepo(sub)
	blobs := &fakeBlobs{data: map[string][]byte{"k1": []byte("x")}}
	queue := &fakeQueue{}
	exec := &fakeExec{err: domain.ErrInternal}

	h := newTestHandler(repo, blobs, queue, exec)
	env := envelopeFor(sub)
	env.Attempt = 3

	err := h.Handle(context.Background(), domain.ClaimedJob{MessageID: "m1", Envelope: env})
	require.Error(t, err)

	assert.Empty(t, queue.pushed)
	require.Len(t, queue.dead, 1)
	assert.Equal(t, 3, queue.dead[0].Attempts)

	got := repo.get("s1")
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, domain.VerdictIE, got.Verdict)
	assert.Contains(t, got.ErrorMessage, "3 attempt(s)")
}

func TestHandleInvalidLanguageDeadLettersImmediately(t *testing.T) {
	sub := domain.Submission{ID: "s1", Language: "cobol", BlobKey: "k1", Status: domain.StatusQueued}
	repo := newFakeRepo(sub)
	blobs := &fakeBlobs{data: map[string][]byte{"k1": []byte("x")}}
	queue := &fakeQueue{}
	exec := &fakeExec{err: domain.ErrInvalidArgument}

	h := newTestHandler(repo, blobs, queue, exec)
	err := h.Handle(context.Background(), domain.ClaimedJob{MessageID: "m1", Envelope: envelopeFor(sub)})
	require.Error(t, err)

	assert.Empty(t, queue.pushed, "unrunnable jobs must not be retried")
	require.Len(t, queue.dead, 1)
	assert.Equal(t, domain.StatusFailed, repo.get("s1").Status)
}

func TestHandleRetryPushFailureDeadLetters(t *testing.T) {
	sub := domain.Submission{ID: "s1", Language: "python", BlobKey: "k1", Status: domain.StatusQueued}
	repo := newFakeRepo(sub)
	blobs := &fakeBlobs{data: map[string][]byte{"k1": []byte("x")}}
	queue := &fakeQueue{pushErr: errors.New("redis down")}
	exec := &fakeExec{err: domain.ErrInternal}

	h := newTestHandler(repo, blobs, queue, exec)
	err := h.Handle(context.Background(), domain.ClaimedJob{MessageID: "m1", Envelope: envelopeFor(sub)})
	require.Error(t, err)

	require.Len(t, queue.dead, 1)
	assert.Contains(t, queue.dead[0].Reason, "retry push failed")
}

func TestHandleCompileError(t *testing.T) {
	sub := domain.Submission{ID: "s1", Language: "cpp", BlobKey: "k1", Status: domain.StatusQueued}
	repo := newFakeRepo(sub)
	blobs := &fakeBlobs{data: map[string][]byte{"k1": []byte("int main( {")}}
	queue := &fakeQueue{}
	exec := &fakeExec{res: domain.ExecutionResult{
		Success:      false,
		CompileError: true,
		Error:        "syntax error before '{'",
	}}

	h := newTestHandler(repo, blobs, queue, exec)
	require.NoError(t, h.Handle(context.Background(), domain.ClaimedJob{MessageID: "m1", Envelope: envelopeFor(sub)}))

	got := repo.get("s1")
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, domain.VerdictCE, got.Verdict)
	assert.Contains(t, got.ErrorMessage, "syntax error")
}
