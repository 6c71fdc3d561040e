package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/codeclash/exec-engine/internal/domain"
	"github.com/codeclash/exec-engine/internal/usecase"
)

var validate = validator.New()

// bodySlack covers JSON framing and metadata on top of the raw code cap.
const bodySlack = 1 << 20

// submitRequest defers field decoding so missing fields and wrong types can
// be told apart and reported with the right code.
type submitRequest struct {
	Code        json.RawMessage `json:"code"`
	Language    json.RawMessage `json:"language"`
	ProblemID   json.RawMessage `json:"problemId"`
	UserID      json.RawMessage `json:"userId"`
	TimeLimit   json.RawMessage `json:"timeLimit"`
	MemoryLimit json.RawMessage `json:"memoryLimit"`
	Priority    json.RawMessage `json:"priority"`
	TestCases   json.RawMessage `json:"testCases"`
	Metadata    json.RawMessage `json:"metadata"`
}

type testCaseBody struct {
	ID             string  `json:"id" validate:"omitempty,max=255"`
	Input          *string `json:"input" validate:"required"`
	ExpectedOutput *string `json:"expectedOutput" validate:"required"`
	StopOnFailure  bool    `json:"stopOnFailure"`
}

// decodeSubmit parses and type-checks the request body into a SubmitInput.
func decodeSubmit(r *http.Request) (usecase.SubmitInput, error) {
	var in usecase.SubmitInput

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return in, domain.NewValidationError(domain.CodeCodeTooLarge, "request body exceeds %d bytes", maxErr.Limit)
		}
		return in, domain.NewValidationError(domain.CodeInvalidTypes, "unreadable request body")
	}

	var req submitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return in, domain.NewValidationError(domain.CodeInvalidTypes, "request body is not a JSON object")
	}
	if req.Code == nil || req.Language == nil || req.ProblemID == nil || req.UserID == nil {
		return in, domain.NewValidationError(domain.CodeMissingFields, "code, language, problemId and userId are required")
	}

	stringFields := []struct {
		raw  json.RawMessage
		dst  *string
		name string
	}{
		{req.Code, &in.Code, "code"},
		{req.Language, &in.Language, "language"},
		{req.ProblemID, &in.ProblemID, "problemId"},
		{req.UserID, &in.UserID, "userId"},
	}
	for _, f := range stringFields {
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return in, domain.NewValidationError(domain.CodeInvalidTypes, "%s must be a string", f.name)
		}
	}

	if req.TimeLimit != nil {
		if err := json.Unmarshal(req.TimeLimit, &in.TimeLimitMS); err != nil {
			return in, domain.NewValidationError(domain.CodeInvalidTimeLimit, "timeLimit must be a number")
		}
	}
	if req.MemoryLimit != nil {
		if err := json.Unmarshal(req.MemoryLimit, &in.MemoryLimitKB); err != nil {
			return in, domain.NewValidationError(domain.CodeInvalidTypes, "memoryLimit must be a number")
		}
	}
	if req.Priority != nil {
		if err := json.Unmarshal(req.Priority, &in.Priority); err != nil {
			return in, domain.NewValidationError(domain.CodeInvalidPriority, "priority must be a string")
		}
	}
	if req.TestCases != nil {
		var cases []testCaseBody
		if err := json.Unmarshal(req.TestCases, &cases); err != nil {
			return in, domain.NewValidationError(domain.CodeInvalidTestCases, "testCases must be an array of objects")
		}
		in.TestCases = make([]domain.TestCase, 0, len(cases))
		for i, tc := range cases {
			if err := validate.Struct(tc); err != nil {
				return in, domain.NewValidationError(domain.CodeInvalidTestCases,
					"test case %d needs string input and expectedOutput", i+1)
			}
			in.TestCases = append(in.TestCases, domain.TestCase{
				ID:             tc.ID,
				Input:          *tc.Input,
				ExpectedOutput: *tc.ExpectedOutput,
				StopOnFailure:  tc.StopOnFailure,
			})
		}
	}
	if req.Metadata != nil {
		if err := json.Unmarshal(req.Metadata, &in.Metadata); err != nil {
			return in, domain.NewValidationError(domain.CodeInvalidTypes, "metadata must be a string map")
		}
		for k, v := range in.Metadata {
			if validate.Var(k, "max=255") != nil || validate.Var(v, "max=4096") != nil {
				return in, domain.NewValidationError(domain.CodeInvalidTypes, "metadata entries are capped at 255/4096 characters")
			}
		}
	}

	in.ClientIP = clientIP(r)
	return in, nil
}
