package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/tributary-ai/llm-relay/internal/types"
)

// RewriteMode selects how an operator instruction combines with one
// already present in the request.
type RewriteMode string

const (
	// ModeReplace overwrites any caller-supplied system instruction.
	ModeReplace RewriteMode = "replace"
	// ModeInsertIfAbsent only fills the instruction in when the caller
	// did not send one.
	ModeInsertIfAbsent RewriteMode = "insert_if_absent"
)

// RewriteSystemInstruction places the instruction into the field each
// family's upstream expects: a top-level system field for claude, a
// role-system message for codex, and systemInstruction for gemini.
func RewriteSystemInstruction(body []byte, family types.Family, instruction string, mode RewriteMode) ([]byte, error) {
	if instruction == "" {
		return body, nil
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("request body is not valid JSON")
	}
	switch family {
	case types.FamilyClaude:
		return rewriteClaude(body, instruction, mode)
	case types.FamilyCodex:
		return rewriteCodex(body, instruction, mode)
	case types.FamilyGemini:
		return rewriteGemini(body, instruction, mode)
	default:
		return nil, fmt.Errorf("unknown family %q", family)
	}
}

// rewriteClaude keeps the caller's system shape: an array of content
// blocks stays an array, anything else becomes a plain string.
func rewriteClaude(body []byte, instruction string, mode RewriteMode) ([]byte, error) {
	existing := gjson.GetBytes(body, "system")
	if existing.Exists() && mode == ModeInsertIfAbsent {
		return body, nil
	}
	if existing.IsArray() {
		block := []map[string]interface{}{{"type": "text", "text": instruction}}
		return sjson.SetBytes(body, "system", block)
	}
	return sjson.SetBytes(body, "system", instruction)
}

// rewriteCodex updates the first role-system message in place, or
// prepends one when the caller sent none.
func rewriteCodex(body []byte, instruction string, mode RewriteMode) ([]byte, error) {
	messages := gjson.GetBytes(body, "messages")
	for i, m := range messages.Array() {
		if m.Get("role").String() != "system" {
			continue
		}
		if mode == ModeInsertIfAbsent {
			return body, nil
		}
		return sjson.SetBytes(body, "messages."+strconv.Itoa(i)+".content", instruction)
	}

	head, err := json.Marshal(map[string]string{"role": "system", "content": instruction})
	if err != nil {
		return nil, fmt.Errorf("failed to build system message: %w", err)
	}
	rebuilt := make([]json.RawMessage, 0, len(messages.Array())+1)
	rebuilt = append(rebuilt, head)
	for _, m := range messages.Array() {
		rebuilt = append(rebuilt, json.RawMessage(m.Raw))
	}
	raw, err := json.Marshal(rebuilt)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild messages: %w", err)
	}
	return sjson.SetRawBytes(body, "messages", raw)
}

// rewriteGemini sets the dedicated systemInstruction field in the
// parts shape the API expects.
func rewriteGemini(body []byte, instruction string, mode RewriteMode) ([]byte, error) {
	if gjson.GetBytes(body, "systemInstruction").Exists() && mode == ModeInsertIfAbsent {
		return body, nil
	}
	value := map[string]interface{}{
		"parts": []map[string]string{{"text": instruction}},
	}
	return sjson.SetBytes(body, "systemInstruction", value)
}

// SanitizeModelName strips date suffixes from gpt model names so pseudo
// names like gpt-4o-2024-08-06 never reach upstreams, logs, or caches.
// Non-gpt names pass through untouched.
func SanitizeModelName(model string) string {
	trimmed := strings.TrimSpace(model)
	if trimmed == "" {
		return trimmed
	}
	lower := strings.ToLower(trimmed)
	if !strings.HasPrefix(lower, "gpt-") {
		return trimmed
	}

	parts := strings.Split(trimmed, "-")
	for i, part := range parts {
		if isCompactDate(part) || isYear(part) || isMonthDayCode(part) {
			return strings.Join(parts[:i], "-")
		}
	}

	// Loose fallback for date shapes the segment scan missed.
	if idx := strings.Index(lower, "-202"); idx >= 0 {
		return trimmed[:idx]
	}
	return trimmed
}

// SanitizeRequestModel rewrites a dated gpt model name inside the
// request body. It returns the (possibly updated) body plus the old and
// new names when a replacement happened, empty strings otherwise.
func SanitizeRequestModel(body []byte) ([]byte, string, string) {
	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		return body, "", ""
	}
	sanitized := SanitizeModelName(model)
	if sanitized == model {
		return body, "", ""
	}
	updated, err := sjson.SetBytes(body, "model", sanitized)
	if err != nil {
		return body, "", ""
	}
	return updated, model, sanitized
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isYear(s string) bool {
	if len(s) != 4 || !isAllDigits(s) {
		return false
	}
	year, _ := strconv.Atoi(s)
	return year >= 2000 && year <= 2099
}

func isCompactDate(s string) bool {
	return len(s) == 8 && isAllDigits(s) && strings.HasPrefix(s, "20")
}

func isMonthDayCode(s string) bool {
	if len(s) != 4 || !isAllDigits(s) {
		return false
	}
	month, _ := strconv.Atoi(s[:2])
	day, _ := strconv.Atoi(s[2:])
	return month >= 1 && month <= 12 && day >= 1 && day <= 31
}
