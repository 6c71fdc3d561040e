// Package redisstream implements the durable job queue on Redis Streams.
//
// Consumer groups give at-least-once, exclusive-per-message delivery; the
// pending list provides mutual exclusion for a claimed message until it is
// acked.
package redisstream

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/codeclash/exec-engine/internal/domain"
)

// Stream field names. Every value crosses the stream as text, numeric fields
// formatted decimal, timestamps as RFC 3339.
const (
	fieldSubmissionID = "submission_id"
	fieldUserID       = "user_id"
	fieldProblemID    = "problem_id"
	fieldLanguage     = "language"
	fieldBlobKey      = "blob_key"
	fieldCodeSize     = "code_size_bytes"
	fieldTimeLimit    = "time_limit_ms"
	fieldMemoryLimit  = "memory_limit_kb"
	fieldPriority     = "priority"
	fieldCreatedAt    = "created_at"
	fieldAttempt      = "attempt"
	fieldTestCases    = "test_cases"
	fieldReason       = "reason"
	fieldAttempts     = "attempts"
)

func encodeEnvelope(env domain.JobEnvelope) (map[string]interface{}, error) {
	m := map[string]interface{}{
		fieldSubmissionID: env.SubmissionID,
		fieldUserID:       env.UserID,
		fieldProblemID:    env.ProblemID,
		fieldLanguage:     env.Language,
		fieldBlobKey:      env.BlobKey,
		fieldCodeSize:     strconv.FormatInt(env.CodeSizeBytes, 10),
		fieldTimeLimit:    strconv.FormatInt(env.TimeLimitMS, 10),
		fieldMemoryLimit:  strconv.FormatInt(env.MemoryLimitKB, 10),
		fieldPriority:     string(env.Priority),
		fieldCreatedAt:    env.CreatedAt.UTC().Format(time.RFC3339Nano),
		fieldAttempt:      strconv.Itoa(env.Attempt),
	}
	if len(env.TestCases) > 0 {
		b, err := json.Marshal(env.TestCases)
		if err != nil {
			return nil, fmt.Errorf("op=envelope.encode: %w", err)
		}
		m[fieldTestCases] = string(b)
	}
	return m, nil
}

func decodeEnvelope(values map[string]interface{}) (domain.JobEnvelope, error) {
	get := func(k string) string {
		if v, ok := values[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
		return ""
	}
	env := domain.JobEnvelope{
		SubmissionID: get(fieldSubmissionID),
		UserID:       get(fieldUserID),
		ProblemID:    get(fieldProblemID),
		Language:     get(fieldLanguage),
		BlobKey:      get(fieldBlobKey),
		Priority:     domain.Priority(get(fieldPriority)),
	}
	if env.SubmissionID == "" {
		return domain.JobEnvelope{}, fmt.Errorf("op=envelope.decode: missing submission_id")
	}
	// A corrupted numeric must not silently become 0; it would flow into the
	// sandbox as a zero CPU limit and an unlimited memory cap.
	parseInt := func(k string) (int64, error) {
		s := get(k)
		if s == "" {
			return 0, nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("op=envelope.decode: %s: %w", k, err)
		}
		return n, nil
	}
	var err error
	if env.CodeSizeBytes, err = parseInt(fieldCodeSize); err != nil {
		return domain.JobEnvelope{}, err
	}
	if env.TimeLimitMS, err = parseInt(fieldTimeLimit); err != nil {
		return domain.JobEnvelope{}, err
	}
	if env.MemoryLimitKB, err = parseInt(fieldMemoryLimit); err != nil {
		return domain.JobEnvelope{}, err
	}
	attempt, err := parseInt(fieldAttempt)
	if err != nil {
		return domain.JobEnvelope{}, err
	}
	env.Attempt = int(attempt)
	if ts := get(fieldCreatedAt); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return domain.JobEnvelope{}, fmt.Errorf("op=envelope.decode: created_at: %w", err)
		}
		env.CreatedAt = t
	}
	if tc := get(fieldTestCases); tc != "" {
		if err := json.Unmarshal([]byte(tc), &env.TestCases); err != nil {
			return domain.JobEnvelope{}, fmt.Errorf("op=envelope.decode: test_cases: %w", err)
		}
	}
	return env, nil
}
