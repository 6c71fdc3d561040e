package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/codeclash/exec-engine/internal/domain"
	"github.com/codeclash/exec-engine/internal/usecase"
)

// Server bundles the handler dependencies.
type Server struct {
	Submit usecase.SubmitService
	Status usecase.StatusService
}

// NewServer constructs a Server.
func NewServer(submit usecase.SubmitService, status usecase.StatusService) *Server {
	return &Server{Submit: submit, Status: status}
}

type submitResponse struct {
	Success      bool   `json:"success"`
	SubmissionID string `json:"submissionId"`
	Timestamp    string `json:"timestamp"`
	Message      string `json:"message,omitempty"`
}

// SubmitHandler accepts a code submission and enqueues it for execution.
func (s *Server) SubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, domain.MaxCodeSizeBytes+bodySlack)

		in, err := decodeSubmit(r)
		if err != nil {
			writeError(w, err)
			return
		}
		out, err := s.Submit.Submit(r.Context(), in)
		if err != nil {
			writeError(w, err)
			return
		}

		resp := submitResponse{
			Success:      true,
			SubmissionID: out.SubmissionID,
			Timestamp:    out.Timestamp.UTC().Format(time.RFC3339),
		}
		if !out.Queued {
			resp.Message = "queuing delayed"
			writeJSON(w, http.StatusAccepted, resp)
			return
		}
		writeJSON(w, http.StatusCreated, resp)
	}
}

type submissionView struct {
	ID              string            `json:"id"`
	UserID          string            `json:"userId"`
	ProblemID       string            `json:"problemId"`
	Language        string            `json:"language"`
	Status          string            `json:"status"`
	Verdict         string            `json:"verdict,omitempty"`
	Score           float64           `json:"score"`
	MaxScore        float64           `json:"maxScore"`
	PassedTestCases int               `json:"passedTestCases"`
	TotalTestCases  int               `json:"totalTestCases"`
	ExecutionTimeMS int64             `json:"executionTimeMs"`
	PeakMemoryKB    int64             `json:"peakMemoryKb"`
	ErrorMessage    string            `json:"errorMessage,omitempty"`
	SubmittedAt     time.Time         `json:"submittedAt"`
	QueuedAt        *time.Time        `json:"queuedAt,omitempty"`
	StartedAt       *time.Time        `json:"startedAt,omitempty"`
	CompletedAt     *time.Time        `json:"completedAt,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// GetSubmissionHandler returns the current state of one submission.
func (s *Server) GetSubmissionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, domain.NewValidationError(domain.CodeMissingFields, "submission id required"))
			return
		}
		sub, err := s.Status.Get(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, submissionView{
			ID:              sub.ID,
			UserID:          sub.UserID,
			ProblemID:       sub.ProblemID,
			Language:        sub.Language,
			Status:          string(sub.Status),
			Verdict:         sub.Verdict,
			Score:           sub.Score,
			MaxScore:        sub.MaxScore,
			PassedTestCases: sub.PassedTestCases,
			TotalTestCases:  sub.TotalTestCases,
			ExecutionTimeMS: sub.ExecutionTimeMS,
			PeakMemoryKB:    sub.PeakMemoryKB,
			ErrorMessage:    sub.ErrorMessage,
			SubmittedAt:     sub.SubmittedAt,
			QueuedAt:        sub.QueuedAt,
			StartedAt:       sub.StartedAt,
			CompletedAt:     sub.CompletedAt,
			Metadata:        sub.Metadata,
		})
	}
}
