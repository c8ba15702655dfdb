package types

import "fmt"

// Family identifies one of the three upstream wire-protocol families the
// relay understands. Every provider, selection, and routing decision is
// scoped to exactly one family.
type Family string

const (
	// FamilyClaude is the Anthropic messages protocol.
	FamilyClaude Family = "claude"
	// FamilyCodex is the OpenAI chat-completions protocol.
	FamilyCodex Family = "codex"
	// FamilyGemini is the Google generative-language protocol.
	FamilyGemini Family = "gemini"
)

// Families returns all known families in a stable order.
func Families() []Family {
	return []Family{FamilyClaude, FamilyCodex, FamilyGemini}
}

// Valid reports whether f is one of the known families.
func (f Family) Valid() bool {
	switch f {
	case FamilyClaude, FamilyCodex, FamilyGemini:
		return true
	}
	return false
}

func (f Family) String() string {
	return string(f)
}

// ParseFamily converts a string into a Family.
func ParseFamily(s string) (Family, error) {
	f := Family(s)
	if !f.Valid() {
		return "", fmt.Errorf("unknown application family: %q", s)
	}
	return f, nil
}
