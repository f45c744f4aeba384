package oidc

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// maxAgeFromCacheControl extracts the max-age directive from a Cache-Control
// header value. Quoted values ("max-age=\"120\"") are tolerated.
func maxAgeFromCacheControl(value string) (time.Duration, bool) {
	for _, directive := range strings.Split(value, ",") {
		directive = strings.TrimSpace(directive)
		raw, ok := strings.CutPrefix(directive, "max-age=")
		if !ok {
			continue
		}
		raw = strings.Trim(raw, `"`)
		secs, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			continue
		}
		return time.Duration(secs) * time.Second, true
	}
	return 0, false
}

// responseTTL derives a cache lifetime from the response's Cache-Control
// header, falling back to the configured default when absent or unparseable.
func responseTTL(resp *http.Response, fallback time.Duration) time.Duration {
	if ttl, ok := maxAgeFromCacheControl(resp.Header.Get("Cache-Control")); ok {
		return ttl
	}
	return fallback
}
