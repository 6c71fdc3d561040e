package usecase

import (
	"context"

	"github.com/codeclash/exec-engine/internal/domain"
)

// StatusService answers submission lookup queries.
type StatusService struct {
	Repo domain.SubmissionRepository
}

// NewStatusService constructs a StatusService.
func NewStatusService(repo domain.SubmissionRepository) StatusService {
	return StatusService{Repo: repo}
}

// Get returns the submission record for id.
func (s StatusService) Get(ctx context.Context, id string) (domain.Submission, error) {
	return s.Repo.Get(ctx, id)
}
