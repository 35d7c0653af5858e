// Package urlrewrite recursively rewrites blob-store URLs inside a render
// payload, in both directions needed by the dispatcher: external-CDN to
// freshly-signed download URL (before a payload leaves the cluster), and
// external-hostname to internal-service-DNS (before a payload reaches a
// worker-pool chunk that should bypass the public edge). Grounded on
// worker_pool_service.py's _convert_payload_urls_recursive and
// render_service.py's _convert_to_internal_url.
package urlrewrite

import "strings"

// ExternalToInternal is the closed external-to-internal hostname mapping
// (spec.md §6 "URL rewriting rules"): workers reach the same services via
// their in-cluster DNS names rather than the public edge.
var ExternalToInternal = map[string]string{
	"https://services.vinicius.ai":      "http://v-services:5000",
	"http://services.vinicius.ai":       "http://v-services:5000",
	"https://services-home.vinicius.ai": "http://v-services:5000",
	"http://services-home.vinicius.ai":  "http://v-services:5000",
	"https://api.vinicius.ai":           "http://supabase-custom-api:5000",
	"http://api.vinicius.ai":            "http://supabase-custom-api:5000",
}

// Signer produces a freshly-signed download URL for a blob path, valid for
// the given TTL. Implemented by render/blobstore.Store.
type Signer func(path string) (string, error)

// RewriteSignedURLs walks the entire payload tree and replaces any string
// field whose value contains one of blobHosts with a newly-signed URL,
// recursing into maps and slices (spec.md §4.6.1: "Recursion walks the
// entire payload tree and rewrites any string field matching the known
// blob-store host"). blobHosts names the render module's own storage
// backend (e.g. the GCS bucket domain or CDN front for it), not the
// worker-routing hosts in ExternalToInternal.
func RewriteSignedURLs(payload any, blobHosts []string, sign Signer) any {
	return walk(payload, func(s string) string {
		matches := false
		for _, host := range blobHosts {
			if strings.Contains(s, host) {
				matches = true
				break
			}
		}
		if !matches {
			return s
		}
		resigned, err := sign(s)
		if err != nil {
			return s
		}
		return resigned
	})
}

// RewriteExternalToInternal walks the payload tree converting any known
// external hostname to its internal DNS equivalent (spec.md §4.6.2).
func RewriteExternalToInternal(payload any) any {
	return walk(payload, func(s string) string {
		for external, internal := range ExternalToInternal {
			if strings.Contains(s, external) {
				return strings.Replace(s, external, internal, 1)
			}
		}
		return s
	})
}

func walk(v any, transform func(string) string) any {
	switch t := v.(type) {
	case string:
		return transform(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = walk(val, transform)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = walk(val, transform)
		}
		return out
	default:
		return v
	}
}

// RewriteSubtree applies RewriteSignedURLs only within specific payload
// subtrees (overlay/mask/original-video tracks), leaving the rest of the
// payload untouched. keys names the top-level fields that should be
// recursed into (spec.md §4.6.1: "specific payload subtrees").
func RewriteSubtree(payload map[string]any, keys []string, blobHosts []string, sign Signer) map[string]any {
	for _, key := range keys {
		if sub, ok := payload[key]; ok {
			payload[key] = RewriteSignedURLs(sub, blobHosts, sign)
		}
	}
	return payload
}
