package httptunnel

import (
	"strings"

	"hop.computer/httptunnel/headers"
)

const (
	cacheImmutable = "private, max-age=31536000, immutable"
	cacheDefault   = "private, no-cache, max-age=604800"
)

// SecurityOptions select the response headers added by the server tunnel.
// X-XSS-Protection is always added.
type SecurityOptions struct {
	Allow          bool
	CacheControl   bool
	NoSniff        bool
	ReferrerPolicy bool
}

// DefaultSecurityOptions enables every header.
var DefaultSecurityOptions = SecurityOptions{
	Allow:          true,
	CacheControl:   true,
	NoSniff:        true,
	ReferrerPolicy: true,
}

// documentTypes get Referrer-Policy and Allow.
var documentTypes = map[string]bool{
	"text/html":             true,
	"application/xhtml+xml": true,
	"application/xml":       true,
	"text/plain":            true,
	"application/json":      true,
}

// immutablePrefixes are content types that never change under one URL in
// practice and can be cached for a year.
var immutablePrefixes = []string{
	"application/pdf",
	"audio",
	"font",
	"image",
	"text/css",
	"video",
}

var blockedCookies = []string{"STYXKEY", "visited=yes"}

// mediaType strips parameters from a Content-Type value.
func mediaType(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

func isImmutable(mime string) bool {
	for _, p := range immutablePrefixes {
		if strings.HasPrefix(mime, p) {
			return true
		}
	}
	return false
}

// filterResponse drops Cache-Control values the tunnel does not honour and
// tracking cookies.
func filterResponse(h *headers.Set) {
	h.Filter(headers.CacheControl, func(v string) bool {
		lc := strings.ToLower(strings.TrimSpace(v))
		return lc != "none" && lc != "post-check"
	})
	h.Filter(headers.SetCookie, func(v string) bool {
		for _, c := range blockedCookies {
			if strings.Contains(v, c) {
				return false
			}
		}
		return true
	})
}

// addSecurityHeaders adds the enabled headers the response does not already
// carry.
func addSecurityHeaders(h *headers.Set, opts SecurityOptions) {
	mime := "application/octet-stream"
	if ct := h.Get(headers.ContentType); ct != "" {
		mime = mediaType(ct)
	}
	if documentTypes[mime] {
		if opts.ReferrerPolicy && !h.Has("Referrer-Policy") {
			h.Set("Referrer-Policy", "same-origin")
		}
		if opts.Allow && !h.Has("Allow") {
			h.Set("Allow", "GET, POST, HEAD")
		}
	}
	if opts.CacheControl {
		addCacheControl(h, mime)
	}
	if !h.Has("X-XSS-Protection") {
		h.Set("X-XSS-Protection", "1; mode=block")
	}
	if opts.NoSniff && !h.Has("X-Content-Type-Options") {
		h.Set("X-Content-Type-Options", "nosniff")
	}
}

func addCacheControl(h *headers.Set, mime string) {
	immutable := isImmutable(mime)
	if !h.Has(headers.CacheControl) {
		if immutable {
			h.Set(headers.CacheControl, cacheImmutable)
		} else {
			h.Set(headers.CacheControl, cacheDefault)
		}
		return
	}
	if !immutable {
		return
	}
	for _, v := range h.Values(headers.CacheControl) {
		if strings.EqualFold(strings.TrimSpace(v), "no-cache") {
			h.Set(headers.CacheControl, cacheImmutable)
			return
		}
	}
}
