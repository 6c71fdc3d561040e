package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/codeclash/exec-engine/internal/domain"
)

// SubmissionRepo persists submissions. Status transitions are guarded in SQL:
// an update only applies when the row is in the expected predecessor state, so
// a redelivered job can never move a terminal submission backwards.
type SubmissionRepo struct{ Pool PgxPool }

// NewSubmissionRepo constructs a SubmissionRepo with the given pool.
func NewSubmissionRepo(p PgxPool) *SubmissionRepo { return &SubmissionRepo{Pool: p} }

const submissionColumns = `id, user_id, problem_id, language, blob_key, code_size_bytes,
	status, verdict, score, max_score, passed_test_cases, total_test_cases,
	execution_time_ms, peak_memory_kb, error_message,
	submitted_at, queued_at, started_at, completed_at, metadata`

// Insert stores a new pending submission and returns its id.
func (r *SubmissionRepo) Insert(ctx domain.Context, s domain.Submission) (string, error) {
	tracer := otel.Tracer("repo.submissions")
	ctx, span := tracer.Start(ctx, "submissions.Insert")
	defer span.End()
	id := s.ID
	if id == "" {
		id = uuid.New().String()
	}
	meta, err := json.Marshal(s.Metadata)
	if err != nil {
		return "", fmt.Errorf("op=submission.insert: %w", err)
	}
	q := `INSERT INTO submissions
		(id, user_id, problem_id, language, blob_key, code_size_bytes, status, submitted_at, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	submittedAt := s.SubmittedAt
	if submittedAt.IsZero() {
		submittedAt = time.Now().UTC()
	}
	_, err = r.Pool.Exec(ctx, q, id, s.UserID, s.ProblemID, s.Language, s.BlobKey,
		s.CodeSizeBytes, domain.StatusPending, submittedAt, meta)
	if err != nil {
		return "", fmt.Errorf("op=submission.insert: %w: %v", domain.ErrDatabase, err)
	}
	return id, nil
}

// Get loads a submission by id.
func (r *SubmissionRepo) Get(ctx domain.Context, id string) (domain.Submission, error) {
	tracer := otel.Tracer("repo.submissions")
	ctx, span := tracer.Start(ctx, "submissions.Get")
	defer span.End()
	q := `SELECT ` + submissionColumns + ` FROM submissions WHERE id=$1`
	s, err := scanSubmission(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Submission{}, fmt.Errorf("op=submission.get: %w", domain.ErrNotFound)
		}
		return domain.Submission{}, fmt.Errorf("op=submission.get: %w: %v", domain.ErrDatabase, err)
	}
	return s, nil
}

// MarkQueued moves a pending submission to queued. Losing the race to a
// worker that already started processing is not an error.
func (r *SubmissionRepo) MarkQueued(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.submissions")
	ctx, span := tracer.Start(ctx, "submissions.MarkQueued")
	defer span.End()
	q := `UPDATE submissions SET status=$2, queued_at=$3 WHERE id=$1 AND status=$4`
	_, err := r.Pool.Exec(ctx, q, id, domain.StatusQueued, time.Now().UTC(), domain.StatusPending)
	if err != nil {
		return fmt.Errorf("op=submission.mark_queued: %w: %v", domain.ErrDatabase, err)
	}
	return nil
}

// MarkProcessing moves a pending, queued, or retried processing submission
// to processing and stamps started_at. A processing row stays claimable so a
// re-pushed attempt after a transient failure can pick the work back up.
// Returns ErrConflict when the submission is already terminal.
func (r *SubmissionRepo) MarkProcessing(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.submissions")
	ctx, span := tracer.Start(ctx, "submissions.MarkProcessing")
	defer span.End()
	q := `UPDATE submissions SET status=$2, started_at=$3,
		queued_at=COALESCE(queued_at, $3)
		WHERE id=$1 AND status IN ($4, $5, $6)`
	tag, err := r.Pool.Exec(ctx, q, id, domain.StatusProcessing, time.Now().UTC(),
		domain.StatusPending, domain.StatusQueued, domain.StatusProcessing)
	if err != nil {
		return fmt.Errorf("op=submission.mark_processing: %w: %v", domain.ErrDatabase, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=submission.mark_processing: %w", domain.ErrConflict)
	}
	return nil
}

// Complete writes the terminal judged state of a processing submission.
func (r *SubmissionRepo) Complete(ctx domain.Context, s domain.Submission) error {
	tracer := otel.Tracer("repo.submissions")
	ctx, span := tracer.Start(ctx, "submissions.Complete")
	defer span.End()
	if !s.Status.Terminal() {
		return fmt.Errorf("op=submission.complete: non-terminal status %q: %w", s.Status, domain.ErrInvalidArgument)
	}
	q := `UPDATE submissions SET status=$2, verdict=$3, score=$4, max_score=$5,
		passed_test_cases=$6, total_test_cases=$7, execution_time_ms=$8,
		peak_memory_kb=$9, error_message=$10, completed_at=$11
		WHERE id=$1 AND status=$12`
	tag, err := r.Pool.Exec(ctx, q, s.ID, s.Status, s.Verdict, s.Score, s.MaxScore,
		s.PassedTestCases, s.TotalTestCases, s.ExecutionTimeMS, s.PeakMemoryKB,
		s.ErrorMessage, time.Now().UTC(), domain.StatusProcessing)
	if err != nil {
		return fmt.Errorf("op=submission.complete: %w: %v", domain.ErrDatabase, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=submission.complete: %w", domain.ErrConflict)
	}
	return nil
}

// Fail moves a non-terminal submission to the given terminal status with an
// error message.
func (r *SubmissionRepo) Fail(ctx domain.Context, id string, status domain.SubmissionStatus, verdict, errMsg string) error {
	tracer := otel.Tracer("repo.submissions")
	ctx, span := tracer.Start(ctx, "submissions.Fail")
	defer span.End()
	if !status.Terminal() {
		return fmt.Errorf("op=submission.fail: non-terminal status %q: %w", status, domain.ErrInvalidArgument)
	}
	q := `UPDATE submissions SET status=$2, verdict=$3, error_message=$4, completed_at=$5
		WHERE id=$1 AND status NOT IN ($6, $7, $8)`
	_, err := r.Pool.Exec(ctx, q, id, status, verdict, errMsg, time.Now().UTC(),
		domain.StatusCompleted, domain.StatusFailed, domain.StatusTimeout)
	if err != nil {
		return fmt.Errorf("op=submission.fail: %w: %v", domain.ErrDatabase, err)
	}
	return nil
}

// ListPendingBefore returns pending submissions submitted before the cutoff,
// oldest first, for the re-enqueue sweeper.
func (r *SubmissionRepo) ListPendingBefore(ctx domain.Context, cutoff time.Time, limit int) ([]domain.Submission, error) {
	return r.listByStatusBefore(ctx, domain.StatusPending, "submitted_at", cutoff, limit)
}

// ListProcessingBefore returns processing submissions started before the
// cutoff for the stuck-job sweeper.
func (r *SubmissionRepo) ListProcessingBefore(ctx domain.Context, cutoff time.Time, limit int) ([]domain.Submission, error) {
	return r.listByStatusBefore(ctx, domain.StatusProcessing, "started_at", cutoff, limit)
}

func (r *SubmissionRepo) listByStatusBefore(ctx domain.Context, status domain.SubmissionStatus, tsCol string, cutoff time.Time, limit int) ([]domain.Submission, error) {
	tracer := otel.Tracer("repo.submissions")
	ctx, span := tracer.Start(ctx, "submissions.listByStatusBefore")
	defer span.End()
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + submissionColumns + ` FROM submissions
		WHERE status=$1 AND ` + tsCol + ` < $2 ORDER BY ` + tsCol + ` ASC LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, status, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("op=submission.list_%s: %w: %v", status, domain.ErrDatabase, err)
	}
	defer rows.Close()
	var out []domain.Submission
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("op=submission.list_%s: %w", status, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSubmission(row pgx.Row) (domain.Submission, error) {
	var s domain.Submission
	var meta []byte
	err := row.Scan(&s.ID, &s.UserID, &s.ProblemID, &s.Language, &s.BlobKey,
		&s.CodeSizeBytes, &s.Status, &s.Verdict, &s.Score, &s.MaxScore,
		&s.PassedTestCases, &s.TotalTestCases, &s.ExecutionTimeMS, &s.PeakMemoryKB,
		&s.ErrorMessage, &s.SubmittedAt, &s.QueuedAt, &s.StartedAt, &s.CompletedAt, &meta)
	if err != nil {
		return domain.Submission{}, err
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &s.Metadata)
	}
	return s, nil
}
