package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeclash/exec-engine/internal/domain"
	"github.com/codeclash/exec-engine/internal/service/ratelimiter"
)

type fakeRepo struct {
	inserted  []domain.Submission
	insertErr error
	queuedIDs []string
	queueErr  error
	byID      map[string]domain.Submission
}

func (f *fakeRepo) Insert(_ context.Context, s domain.Submission) (string, error) {
	if f.insertErr != nil {
		return "", f.insertErr
	}
	f.inserted = append(f.inserted, s)
	return "sub-1", nil
}

func (f *fakeRepo) Get(_ context.Context, id string) (domain.Submission, error) {
	if s, ok := f.byID[id]; ok {
		return s, nil
	}
	return domain.Submission{}, domain.ErrNotFound
}

func (f *fakeRepo) MarkQueued(_ context.Context, id string) error {
	if f.queueErr != nil {
		return f.queueErr
	}
	f.queuedIDs = append(f.queuedIDs, id)
	return nil
}

func (f *fakeRepo) MarkProcessing(context.Context, string) error      { return nil }
func (f *fakeRepo) Complete(context.Context, domain.Submission) error { return nil }
func (f *fakeRepo) Fail(context.Context, string, domain.SubmissionStatus, string, string) error {
	return nil
}
func (f *fakeRepo) ListPendingBefore(context.Context, time.Time, int) ([]domain.Submission, error) {
	return nil, nil
}
func (f *fakeRepo) ListProcessingBefore(context.Context, time.Time, int) ([]domain.Submission, error) {
	return nil, nil
}

type fakeBlobs struct {
	puts    map[string][]byte
	putErrs int
	deletes []string
}

func (f *fakeBlobs) Put(_ context.Context, key string, data []byte, _ map[string]string) error {
	if f.putErrs > 0 {
		f.putErrs--
		return domain.ErrStorage
	}
	if f.puts == nil {
		f.puts = map[string][]byte{}
	}
	f.puts[key] = data
	return nil
}

func (f *fakeBlobs) Get(context.Context, string) ([]byte, error) { return nil, domain.ErrNotFound }

func (f *fakeBlobs) Delete(_ context.Context, key string) error {
	f.deletes = append(f.deletes, key)
	return nil
}

type fakeQueue struct {
	pushed  []domain.JobEnvelope
	pushErr error
}

func (f *fakeQueue) Push(_ context.Context, env domain.JobEnvelope) (string, error) {
	if f.pushErr != nil {
		return "", f.pushErr
	}
	f.pushed = append(f.pushed, env)
	return "1-0", nil
}

func (f *fakeQueue) Claim(context.Context, string, int, time.Duration) ([]domain.ClaimedJob, error) {
	return nil, nil
}
func (f *fakeQueue) Ack(context.Context, string) error { return nil }
func (f *fakeQueue) PushDeadLetter(context.Context, domain.DLQEnvelope) (string, error) {
	return "", nil
}
func (f *fakeQueue) Depth(context.Context) (int64, error) { return 0, nil }

type allowAll struct{}

func (allowAll) ConsumeAll(context.Context, string, string) ratelimiter.Decision {
	return ratelimiter.Decision{Allowed: true, Remaining: 10}
}

type denyAll struct{ retryAfter time.Duration }

func (d denyAll) ConsumeAll(context.Context, string, string) ratelimiter.Decision {
	return ratelimiter.Decision{Allowed: false, RetryAfter: d.retryAfter}
}

type shedLow struct{}

func (shedLow) Allow(p domain.Priority) bool { return p != domain.PriorityLow }

func validInput() SubmitInput {
	return SubmitInput{
		Code:      "print(42)",
		Language:  "python",
		ProblemID: "two-sum",
		UserID:    "user-9",
		ClientIP:  "10.0.0.1",
	}
}

func newService(repo *fakeRepo, blobs *fakeBlobs, queue *fakeQueue) SubmitService {
	return NewSubmitService(repo, blobs, queue, allowAll{}, nil, 5000, 262144)
}

func TestValidateOrder(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*SubmitInput)
		code string
	}{
		{"missing language", func(in *SubmitInput) { in.Language = "" }, domain.CodeMissingFields},
		{"missing user", func(in *SubmitInput) { in.UserID = "" }, domain.CodeMissingFields},
		{"unsupported language", func(in *SubmitInput) { in.Language = "cobol" }, domain.CodeUnsupportedLanguage},
		{"empty code", func(in *SubmitInput) { in.Code = "" }, domain.CodeEmptyCode},
		{"code too large", func(in *SubmitInput) { in.Code = strings.Repeat("a", domain.MaxCodeSizeBytes+1) }, domain.CodeCodeTooLarge},
		{"long problem id", func(in *SubmitInput) { in.ProblemID = strings.Repeat("p", 256) }, domain.CodeInvalidProblemID},
		{"long user id", func(in *SubmitInput) { in.UserID = strings.Repeat("u", 256) }, domain.CodeInvalidUserID},
		{"time limit low", func(in *SubmitInput) { in.TimeLimitMS = 99 }, domain.CodeInvalidTimeLimit},
		{"time limit high", func(in *SubmitInput) { in.TimeLimitMS = 30001 }, domain.CodeInvalidTimeLimit},
		{"bad priority", func(in *SubmitInput) { in.Priority = "urgent" }, domain.CodeInvalidPriority},
		{"too many tests", func(in *SubmitInput) {
			in.TestCases = make([]domain.TestCase, domain.MaxTestCases+1)
		}, domain.CodeInvalidTestCases},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := validInput()
			tc.mut(&in)
			verr := Validate(&in)
			require.NotNil(t, verr)
			assert.Equal(t, tc.code, verr.Code)
			assert.ErrorIs(t, verr, domain.ErrInvalidArgument)
		})
	}
}

func TestValidateBoundaries(t *testing.T) {
	in := validInput()
	in.Code = strings.Repeat("a", domain.MaxCodeSizeBytes)
	in.TimeLimitMS = 100
	in.TestCases = make([]domain.TestCase, domain.MaxTestCases)
	assert.Nil(t, Validate(&in))

	in = validInput()
	in.TimeLimitMS = 30000
	in.Language = "  Python "
	require.Nil(t, Validate(&in))
	assert.Equal(t, "python", in.Language, "language is case-folded and trimmed")
}

func TestSubmitHappyPath(t *testing.T) {
	repo := &fakeRepo{}
	blobs := &fakeBlobs{}
	queue := &fakeQueue{}
	svc := newService(repo, blobs, queue)

	out, err := svc.Submit(context.Background(), validInput())
	require.NoError(t, err)
	assert.Equal(t, "sub-1", out.SubmissionID)
	assert.True(t, out.Queued)

	require.Len(t, repo.inserted, 1)
	assert.Equal(t, domain.StatusPending, repo.inserted[0].Status)
	assert.Contains(t, repo.queuedIDs, "sub-1")

	require.Len(t, queue.pushed, 1)
	env := queue.pushed[0]
	assert.Equal(t, "sub-1", env.SubmissionID)
	assert.Equal(t, int64(5000), env.TimeLimitMS, "default applied")
	assert.Equal(t, int64(262144), env.MemoryLimitKB)
	assert.Equal(t, domain.PriorityNormal, env.Priority)
	assert.Equal(t, 1, env.Attempt)

	require.Len(t, blobs.puts, 1)
	for key := range blobs.puts {
		assert.True(t, strings.HasPrefix(key, "submissions/user-9/two-sum/"))
		assert.True(t, strings.HasSuffix(key, ".py"))
	}
}

func TestSubmitRateLimited(t *testing.T) {
	svc := NewSubmitService(&fakeRepo{}, &fakeBlobs{}, &fakeQueue{}, denyAll{retryAfter: 7 * time.Second}, nil, 5000, 262144)

	_, err := svc.Submit(context.Background(), validInput())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	var rle *domain.RateLimitError
	require.True(t, errors.As(err, &rle))
	assert.Equal(t, 7*time.Second, rle.RetryAfter)
}

func TestSubmitShedsLowPriority(t *testing.T) {
	repo := &fakeRepo{}
	svc := NewSubmitService(repo, &fakeBlobs{}, &fakeQueue{}, allowAll{}, shedLow{}, 5000, 262144)

	in := validInput()
	in.Priority = "low"
	_, err := svc.Submit(context.Background(), in)
	assert.ErrorIs(t, err, domain.ErrOverloaded)
	assert.Empty(t, repo.inserted)

	in.Priority = "high"
	_, err = svc.Submit(context.Background(), in)
	assert.NoError(t, err)
}

func TestSubmitBlobRetryOnce(t *testing.T) {
	blobs := &fakeBlobs{putErrs: 1}
	svc := newService(&fakeRepo{}, blobs, &fakeQueue{})

	out, err := svc.Submit(context.Background(), validInput())
	require.NoError(t, err, "one transient blob failure is retried")
	assert.True(t, out.Queued)

	blobs = &fakeBlobs{putErrs: 2}
	svc = newService(&fakeRepo{}, blobs, &fakeQueue{})
	_, err = svc.Submit(context.Background(), validInput())
	assert.ErrorIs(t, err, domain.ErrStorage)
}

func TestSubmitCompensatesBlobOnInsertFailure(t *testing.T) {
	repo := &fakeRepo{insertErr: errors.New("db down")}
	blobs := &fakeBlobs{}
	svc := newService(repo, blobs, &fakeQueue{})

	_, err := svc.Submit(context.Background(), validInput())
	require.Error(t, err)
	require.Len(t, blobs.deletes, 1, "orphaned blob is deleted")
}

func TestSubmitQueuePushFailureDefersQueuing(t *testing.T) {
	repo := &fakeRepo{}
	queue := &fakeQueue{pushErr: domain.ErrQueueUnavailable}
	svc := newService(repo, &fakeBlobs{}, queue)

	out, err := svc.Submit(context.Background(), validInput())
	require.NoError(t, err, "accepted even though queue is down")
	assert.False(t, out.Queued)
	assert.Empty(t, repo.queuedIDs, "record stays pending")
}

func TestStatusService(t *testing.T) {
	repo := &fakeRepo{byID: map[string]domain.Submission{
		"sub-7": {ID: "sub-7", Status: domain.StatusCompleted, Verdict: domain.VerdictAC},
	}}
	svc := NewStatusService(repo)

	sub, err := svc.Get(context.Background(), "sub-7")
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictAC, sub.Verdict)

	_, err = svc.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
