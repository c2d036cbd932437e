package relay

import (
	"net/http"
	"strings"
)

// allowedHeaders is the whitelist of headers forwarded upstream.
var allowedHeaders = map[string]bool{
	"accept":            true,
	"content-type":      true,
	"user-agent":        true,
	"anthropic-version": true,
	"anthropic-beta":    true,
}

// agentHeader is the vendor header clients set to identify the calling
// agent/tool (spec.md §4.3: "capture agent from a vendor header if present,
// used for telemetry and optional model override").
const agentHeader = "x-agent"

// filterHeaders builds a clean header set containing only the whitelist,
// dropping hop-by-hop and client-identifying headers before the request is
// forwarded upstream.
func filterHeaders(original http.Header) http.Header {
	clean := make(http.Header)
	for key, vals := range original {
		if allowedHeaders[strings.ToLower(key)] {
			for _, v := range vals {
				clean.Add(key, v)
			}
		}
	}
	return clean
}

// setAuthHeader applies the account's provider-specific auth header: a
// bearer token when the provider's AuthHeader is "authorization" (or
// empty), or the provider's named API-key header otherwise (spec.md §4.3
// step 3).
func setAuthHeader(h http.Header, authHeader, token string) {
	h.Del("Authorization")
	h.Del("X-Api-Key")
	if authHeader == "" || strings.EqualFold(authHeader, "authorization") {
		h.Set("Authorization", "Bearer "+token)
		return
	}
	h.Set(authHeader, token)
}

func extractAgent(h http.Header) string {
	return h.Get(agentHeader)
}
