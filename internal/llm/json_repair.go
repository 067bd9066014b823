// Package llm contains helpers for consuming language-model output, chiefly
// repairing the almost-JSON that models like to return.
package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// RepairJSON normalizes a raw model response into valid JSON. It strips
// markdown fences and surrounding prose, then falls back to the jsonrepair
// library for structural fixes (trailing commas, unquoted keys, truncation).
// The second return reports whether any repair was needed.
func RepairJSON(raw string) (string, bool, error) {
	original := strings.TrimSpace(raw)
	if original == "" {
		return "", false, fmt.Errorf("empty response")
	}

	if json.Valid([]byte(original)) {
		return original, false, nil
	}

	candidate := stripMarkdownFences(original)
	candidate = extractJSONPayload(candidate)

	if json.Valid([]byte(candidate)) {
		return candidate, true, nil
	}

	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return "", true, fmt.Errorf("failed to repair JSON response: %w", err)
	}
	if !json.Valid([]byte(repaired)) {
		return "", true, fmt.Errorf("repaired response is still not valid JSON")
	}

	return repaired, true, nil
}

// stripMarkdownFences removes ```json ... ``` style wrappers.
func stripMarkdownFences(s string) string {
	if !strings.Contains(s, "```") {
		return s
	}

	start := strings.Index(s, "```")
	rest := s[start+3:]
	if newline := strings.IndexByte(rest, '\n'); newline >= 0 {
		// Drop the language tag line (e.g. "json").
		firstLine := strings.TrimSpace(rest[:newline])
		if firstLine == "" || !strings.ContainsAny(firstLine, "{[") {
			rest = rest[newline+1:]
		}
	}
	if end := strings.LastIndex(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

// extractJSONPayload slices the string down to the outermost JSON value,
// discarding any prose the model wrapped around it.
func extractJSONPayload(s string) string {
	objStart := strings.IndexByte(s, '{')
	arrStart := strings.IndexByte(s, '[')

	start := objStart
	closer := byte('}')
	if start < 0 || (arrStart >= 0 && arrStart < start) {
		start = arrStart
		closer = ']'
	}
	if start < 0 {
		return s
	}

	end := strings.LastIndexByte(s, closer)
	if end <= start {
		return s[start:]
	}
	return s[start : end+1]
}
