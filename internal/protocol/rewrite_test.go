package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/tributary-ai/llm-relay/internal/types"
)

func TestRewriteSystemInstruction_ClaudeString(t *testing.T) {
	body := []byte(`{"model":"claude-3","messages":[{"role":"user","content":"hi"}]}`)

	out, err := RewriteSystemInstruction(body, types.FamilyClaude, "be brief", ModeReplace)
	require.NoError(t, err)
	assert.Equal(t, "be brief", gjson.GetBytes(out, "system").String())
}

func TestRewriteSystemInstruction_ClaudeKeepsArrayShape(t *testing.T) {
	body := []byte(`{"system":[{"type":"text","text":"old"}],"messages":[]}`)

	out, err := RewriteSystemInstruction(body, types.FamilyClaude, "new", ModeReplace)
	require.NoError(t, err)
	system := gjson.GetBytes(out, "system")
	require.True(t, system.IsArray())
	assert.Equal(t, "new", system.Get("0.text").String())
	assert.Equal(t, "text", system.Get("0.type").String())
}

func TestRewriteSystemInstruction_ClaudeInsertIfAbsent(t *testing.T) {
	withSystem := []byte(`{"system":"caller wins","messages":[]}`)
	out, err := RewriteSystemInstruction(withSystem, types.FamilyClaude, "ignored", ModeInsertIfAbsent)
	require.NoError(t, err)
	assert.Equal(t, "caller wins", gjson.GetBytes(out, "system").String())

	withoutSystem := []byte(`{"messages":[]}`)
	out, err = RewriteSystemInstruction(withoutSystem, types.FamilyClaude, "filled in", ModeInsertIfAbsent)
	require.NoError(t, err)
	assert.Equal(t, "filled in", gjson.GetBytes(out, "system").String())
}

func TestRewriteSystemInstruction_CodexReplacesExisting(t *testing.T) {
	body := []byte(`{"messages":[{"role":"system","content":"old"},{"role":"user","content":"hi"}]}`)

	out, err := RewriteSystemInstruction(body, types.FamilyCodex, "new", ModeReplace)
	require.NoError(t, err)
	messages := gjson.GetBytes(out, "messages").Array()
	require.Len(t, messages, 2)
	assert.Equal(t, "new", messages[0].Get("content").String())
	assert.Equal(t, "hi", messages[1].Get("content").String())
}

func TestRewriteSystemInstruction_CodexPrepends(t *testing.T) {
	body := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)

	out, err := RewriteSystemInstruction(body, types.FamilyCodex, "be brief", ModeReplace)
	require.NoError(t, err)
	messages := gjson.GetBytes(out, "messages").Array()
	require.Len(t, messages, 2)
	assert.Equal(t, "system", messages[0].Get("role").String())
	assert.Equal(t, "be brief", messages[0].Get("content").String())
	assert.Equal(t, "user", messages[1].Get("role").String())
}

func TestRewriteSystemInstruction_CodexInsertIfAbsentKeepsExisting(t *testing.T) {
	body := []byte(`{"messages":[{"role":"system","content":"caller wins"}]}`)

	out, err := RewriteSystemInstruction(body, types.FamilyCodex, "ignored", ModeInsertIfAbsent)
	require.NoError(t, err)
	assert.Equal(t, "caller wins", gjson.GetBytes(out, "messages.0.content").String())
}

func TestRewriteSystemInstruction_Gemini(t *testing.T) {
	body := []byte(`{"contents":[{"parts":[{"text":"hi"}]}]}`)

	out, err := RewriteSystemInstruction(body, types.FamilyGemini, "be brief", ModeReplace)
	require.NoError(t, err)
	assert.Equal(t, "be brief", gjson.GetBytes(out, "systemInstruction.parts.0.text").String())
}

func TestRewriteSystemInstruction_GeminiInsertIfAbsent(t *testing.T) {
	body := []byte(`{"systemInstruction":{"parts":[{"text":"caller wins"}]},"contents":[]}`)

	out, err := RewriteSystemInstruction(body, types.FamilyGemini, "ignored", ModeInsertIfAbsent)
	require.NoError(t, err)
	assert.Equal(t, "caller wins", gjson.GetBytes(out, "systemInstruction.parts.0.text").String())
}

func TestRewriteSystemInstruction_EmptyInstructionNoop(t *testing.T) {
	body := []byte(`{"messages":[]}`)

	out, err := RewriteSystemInstruction(body, types.FamilyClaude, "", ModeReplace)
	require.NoError(t, err)
	assert.Equal(t, string(body), string(out))
}

func TestRewriteSystemInstruction_InvalidJSON(t *testing.T) {
	_, err := RewriteSystemInstruction([]byte(`{"messages":`), types.FamilyClaude, "x", ModeReplace)
	require.Error(t, err)
}

func TestSanitizeModelName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"gpt-5.2-2025-12-11", "gpt-5.2"},
		{"gpt-5.2-20251211", "gpt-5.2"},
		{"gpt-4-0613", "gpt-4"},
		{"gpt-4-1106-preview", "gpt-4"},
		{"gpt-4-32k-0613", "gpt-4-32k"},
		{"gpt-4o-2024-08-06", "gpt-4o"},
		{"gpt-4o-mini-2024-08-06", "gpt-4o-mini"},
		{"gpt-4o", "gpt-4o"},
		{"claude-sonnet-4-5-20250929", "claude-sonnet-4-5-20250929"},
		{"gemini-2.0-flash", "gemini-2.0-flash"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeModelName(tt.in), "model %q", tt.in)
	}
}

func TestSanitizeRequestModel(t *testing.T) {
	body := []byte(`{"model":"gpt-4o-2024-08-06","messages":[]}`)

	out, from, to := SanitizeRequestModel(body)
	assert.Equal(t, "gpt-4o-2024-08-06", from)
	assert.Equal(t, "gpt-4o", to)
	assert.Equal(t, "gpt-4o", gjson.GetBytes(out, "model").String())

	clean := []byte(`{"model":"gpt-4o","messages":[]}`)
	out, from, to = SanitizeRequestModel(clean)
	assert.Empty(t, from)
	assert.Empty(t, to)
	assert.Equal(t, string(clean), string(out))
}
