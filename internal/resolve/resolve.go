// Package resolve validates relay targets and resolves manifest references
// against the URL a manifest was finally served from.
package resolve

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidTarget is returned when a client supplied target URL cannot be relayed.
var ErrInvalidTarget = errors.New("invalid target url")

// Target parses and validates a client supplied upstream URL.
// Only absolute http and https URLs with a host are accepted.
func Target(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: missing url parameter", ErrInvalidTarget)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if !Fetchable(u.Scheme) {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidTarget, u.Scheme)
	}
	if u.Host == "" || u.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidTarget)
	}

	u.Fragment = ""
	u.RawFragment = ""
	return u, nil
}

// Fetchable reports whether scheme is one the relay can fetch.
func Fetchable(scheme string) bool {
	switch strings.ToLower(scheme) {
	case "http", "https":
		return true
	}
	return false
}

// Reference resolves a manifest line against base.
//
// Lines that already carry a scheme are returned unchanged. Relative paths,
// absolute paths and protocol-relative references are resolved per RFC 3986.
// The second return value is false when the line cannot be parsed; callers
// then emit the original line as-is.
func Reference(base *url.URL, line string) (string, bool) {
	ref, err := url.Parse(line)
	if err != nil {
		return line, false
	}
	if ref.Scheme != "" {
		return line, true
	}
	if base == nil {
		return line, false
	}
	return base.ResolveReference(ref).String(), true
}

// Scheme returns the lower-cased scheme of an absolute reference, or "".
func Scheme(ref string) string {
	i := strings.Index(ref, ":")
	if i <= 0 {
		return ""
	}
	for _, r := range ref[:i] {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.') {
			return ""
		}
	}
	return strings.ToLower(ref[:i])
}
