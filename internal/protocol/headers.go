package protocol

import (
	"net/http"
	"strings"

	"github.com/tributary-ai/llm-relay/internal/types"
)

// Inbound headers passed through to upstreams. Everything else the CLI
// sends (its own auth, cookies, host) stays on our side of the hop.
var forwardedHeaders = map[string]struct{}{
	"accept":            {},
	"user-agent":        {},
	"x-request-id":      {},
	"anthropic-version": {},
	"anthropic-beta":    {},
}

// Response headers never re-emitted to the caller: hop-by-hop fields
// plus the two whose values stop being true once the body has been
// read and re-framed.
var droppedResponseHeaders = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailer":             {},
	"transfer-encoding":   {},
	"upgrade":             {},
	"content-length":      {},
	"content-encoding":    {},
}

// BuildUpstreamHeaders assembles the outbound header set: whitelist
// pass over the inbound headers, forced JSON content type, credentials
// in the family's expected shape, then operator custom headers last so
// they can override anything.
func BuildUpstreamHeaders(inbound http.Header, cand types.Candidate, family types.Family) http.Header {
	out := make(http.Header)
	for name, values := range inbound {
		if !forwardable(strings.ToLower(name)) {
			continue
		}
		for _, v := range values {
			out.Add(name, v)
		}
	}
	out.Set("Content-Type", "application/json")
	attachCredentials(out, cand.Endpoint.APIKey, family)
	for name, value := range cand.Provider.Headers {
		out.Set(name, value)
	}
	return out
}

func forwardable(lower string) bool {
	if _, ok := forwardedHeaders[lower]; ok {
		return true
	}
	return strings.HasPrefix(lower, "x-stainless-")
}

// attachCredentials picks the credential header by family. Claude
// upstreams take the native x-api-key only for real anthropic keys;
// aggregator keys go out as a bearer token instead.
func attachCredentials(h http.Header, apiKey string, family types.Family) {
	switch family {
	case types.FamilyClaude:
		if strings.HasPrefix(apiKey, "sk-ant-") {
			h.Set("x-api-key", apiKey)
		} else {
			h.Set("Authorization", "Bearer "+apiKey)
		}
	case types.FamilyCodex:
		h.Set("Authorization", "Bearer "+apiKey)
	case types.FamilyGemini:
		h.Set("x-goog-api-key", apiKey)
	}
}

// SanitizeResponseHeaders copies the upstream response headers minus
// the ones that must not survive the proxy hop.
func SanitizeResponseHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for name, values := range h {
		if _, drop := droppedResponseHeaders[strings.ToLower(name)]; drop {
			continue
		}
		for _, v := range values {
			out.Add(name, v)
		}
	}
	return out
}
