package harness

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"

	"github.com/codeclash/exec-engine/internal/domain"
	"github.com/codeclash/exec-engine/pkg/streamx"
)

// ResultSentinel prefixes the single structured result line the in-sandbox
// runner prints on stdout.
const ResultSentinel = "__RESULT__"

// Output caps: structured payload fields and raw fallback output.
const (
	maxPayloadBytes = 16 << 10
	maxRawBytes     = 1 << 20
)

// ParseResult extracts the runner's structured result from captured stdout.
// When no valid sentinel line exists it falls back to the raw output and
// exit code.
func ParseResult(stdout, stderr []byte, exitCode int) domain.ExecutionResult {
	if line, ok := findSentinelLine(stdout); ok {
		var res domain.ExecutionResult
		if err := json.Unmarshal(line, &res); err == nil {
			capResult(&res)
			return res
		}
	}

	res := domain.ExecutionResult{
		Success:  exitCode == 0,
		Output:   streamx.TruncateString(string(stdout), maxRawBytes),
		ExitCode: exitCode,
	}
	if exitCode != 0 {
		res.Error = streamx.TruncateString(streamx.SanitizeText(string(stderr)), maxPayloadBytes)
	}
	return res
}

// findSentinelLine returns the JSON payload of the last sentinel line. The
// last one wins so a program printing the literal sentinel cannot mask the
// runner's own trailing result.
func findSentinelLine(stdout []byte) ([]byte, bool) {
	var payload []byte
	sc := bufio.NewScanner(bytes.NewReader(stdout))
	sc.Buffer(make([]byte, 64<<10), maxRawBytes)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if rest, ok := strings.CutPrefix(line, ResultSentinel); ok {
			payload = []byte(rest)
		}
	}
	return payload, payload != nil
}

func capResult(res *domain.ExecutionResult) {
	res.Output = streamx.TruncateString(res.Output, maxPayloadBytes)
	res.Error = streamx.TruncateString(res.Error, maxPayloadBytes)
	for i := range res.TestResults {
		tr := &res.TestResults[i]
		tr.Input = streamx.TruncateString(tr.Input, maxPayloadBytes)
		tr.Expected = streamx.TruncateString(tr.Expected, maxPayloadBytes)
		tr.Actual = streamx.TruncateString(tr.Actual, maxPayloadBytes)
		tr.Error = streamx.TruncateString(tr.Error, maxPayloadBytes)
	}
}
