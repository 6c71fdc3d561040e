package judge

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Normalize prepares output text for comparison according to the problem
// config. Applying it twice yields the same string.
func Normalize(text string, cfg Config) string {
	result := text
	if cfg.IgnoreTrailingWhitespace {
		lines := strings.Split(result, "\n")
		for i, line := range lines {
			lines[i] = strings.TrimRight(line, " \t\r")
		}
		result = strings.Join(lines, "\n")
	}
	if cfg.IgnoreTrailingNewlines {
		result = strings.TrimRight(result, "\n")
	}
	if !cfg.CaseSensitive {
		result = strings.ToLower(result)
	}
	return result
}

// exactMatch compares normalized output line by line and reports the first
// differing line on mismatch.
func exactMatch(expected, actual string, cfg Config) (bool, string) {
	normExp := Normalize(expected, cfg)
	normAct := Normalize(actual, cfg)
	if normExp == normAct {
		return true, "Output matches expected"
	}
	expLines := strings.Split(normExp, "\n")
	actLines := strings.Split(normAct, "\n")
	if len(expLines) != len(actLines) {
		return false, fmt.Sprintf("Line count mismatch: expected %d, got %d", len(expLines), len(actLines))
	}
	for i := range expLines {
		if expLines[i] != actLines[i] {
			return false, fmt.Sprintf("Difference at line %d", i+1)
		}
	}
	return false, "Output differs from expected"
}

// tokenMatch compares whitespace-separated tokens and reports the first
// mismatching position.
func tokenMatch(expected, actual string, cfg Config) (bool, string) {
	expTokens := strings.Fields(expected)
	actTokens := strings.Fields(actual)
	if !cfg.CaseSensitive {
		for i, t := range expTokens {
			expTokens[i] = strings.ToLower(t)
		}
		for i, t := range actTokens {
			actTokens[i] = strings.ToLower(t)
		}
	}
	if len(expTokens) != len(actTokens) {
		return false, fmt.Sprintf("Token count mismatch: expected %d, got %d", len(expTokens), len(actTokens))
	}
	for i := range expTokens {
		if expTokens[i] != actTokens[i] {
			return false, fmt.Sprintf("Token mismatch at position %d: expected '%s', got '%s'", i+1, expTokens[i], actTokens[i])
		}
	}
	return true, "All tokens match"
}

// floatMatch parses both outputs as sequences of floats and accepts each pair
// within the absolute or relative tolerance. NaN equals NaN; infinities must
// match in sign.
func floatMatch(expected, actual string, cfg Config) (bool, string) {
	expVals, err := parseFloats(expected)
	if err != nil {
		return false, fmt.Sprintf("Cannot parse as float: %v", err)
	}
	actVals, err := parseFloats(actual)
	if err != nil {
		return false, fmt.Sprintf("Cannot parse as float: %v", err)
	}
	if len(expVals) != len(actVals) {
		return false, fmt.Sprintf("Value count mismatch: expected %d, got %d", len(expVals), len(actVals))
	}
	tol := cfg.FloatTolerance
	for i := range expVals {
		if !floatClose(expVals[i], actVals[i], tol) {
			return false, fmt.Sprintf("Value mismatch at position %d: expected %v, got %v (tolerance: %g)",
				i+1, expVals[i], actVals[i], tol)
		}
	}
	return true, "All values within tolerance"
}

func parseFloats(s string) ([]float64, error) {
	fields := strings.Fields(s)
	out := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("%q", f)
		}
		out = append(out, v)
	}
	return out, nil
}

func floatClose(exp, act, tol float64) bool {
	if math.IsNaN(exp) || math.IsNaN(act) {
		return math.IsNaN(exp) && math.IsNaN(act)
	}
	if math.IsInf(exp, 0) || math.IsInf(act, 0) {
		return exp == act
	}
	diff := math.Abs(exp - act)
	return diff <= tol || diff <= tol*math.Abs(exp)
}
