// Package protocol classifies inbound requests into one of the three
// upstream families and rewrites them into the shape the selected
// provider expects. Every transform here is pure: given the same
// request and target family the output is identical, with no shared
// state touched.
package protocol

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/tributary-ai/llm-relay/internal/types"
)

// ClassifyPath maps a request path to a family using the fixed routing
// table. Family-scoped prefixes win, then each family's native API
// surface.
func ClassifyPath(path string) (types.Family, bool) {
	switch {
	case hasFamilyPrefix(path, types.FamilyClaude), strings.HasPrefix(path, "/v1/messages"):
		return types.FamilyClaude, true
	case hasFamilyPrefix(path, types.FamilyCodex), strings.HasPrefix(path, "/v1/chat/completions"):
		return types.FamilyCodex, true
	case hasFamilyPrefix(path, types.FamilyGemini), strings.HasPrefix(path, "/v1beta/"):
		return types.FamilyGemini, true
	}
	return "", false
}

// ClassifyBody falls back to request-shape markers when the path is not
// family-scoped. Markers are checked from most to least distinctive:
// gemini's contents/systemInstruction, claude's top-level system
// alongside messages, then the generic chat-completions shape.
func ClassifyBody(body []byte) (types.Family, bool) {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return "", false
	}
	root := gjson.ParseBytes(body)
	if root.Get("contents").Exists() || root.Get("systemInstruction").Exists() {
		return types.FamilyGemini, true
	}
	messages := root.Get("messages")
	if !messages.Exists() {
		return "", false
	}
	if root.Get("system").Exists() {
		return types.FamilyClaude, true
	}
	for _, m := range messages.Array() {
		if m.Get("role").String() == "system" {
			return types.FamilyCodex, true
		}
	}
	if root.Get("model").Exists() {
		return types.FamilyCodex, true
	}
	return "", false
}

// Classify resolves the family for a request, path first, body shape as
// the fallback.
func Classify(path string, body []byte) (types.Family, error) {
	if family, ok := ClassifyPath(path); ok {
		return family, nil
	}
	if family, ok := ClassifyBody(body); ok {
		return family, nil
	}
	return "", fmt.Errorf("unable to classify request: path %q matches no family and body carries no family markers", path)
}

// StripFamilyPrefix removes the family-scoped path segment so the
// remainder can be sent upstream as-is. Paths without the prefix are
// returned unchanged.
func StripFamilyPrefix(path string, family types.Family) string {
	prefix := "/" + string(family)
	if path == prefix {
		return "/"
	}
	if strings.HasPrefix(path, prefix+"/") {
		return strings.TrimPrefix(path, prefix)
	}
	return path
}

func hasFamilyPrefix(path string, family types.Family) bool {
	prefix := "/" + string(family)
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
