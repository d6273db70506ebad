// Package hls rewrites HLS playlists so that every media reference is
// fetched back through the relay.
package hls

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/grafana/regexp"

	"iptv-relay/internal/resolve"
)

// ContentType is the type served for rewritten playlists.
const ContentType = "application/vnd.apple.mpegurl"

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// uriAttrTags lists the directives whose URI attribute names a fetchable resource.
var uriAttrTags = map[string]bool{
	"#EXT-X-KEY":                true,
	"#EXT-X-SESSION-KEY":        true,
	"#EXT-X-MAP":                true,
	"#EXT-X-MEDIA":              true,
	"#EXT-X-I-FRAME-STREAM-INF": true,
	"#EXT-X-PRELOAD-HINT":       true,
	"#EXT-X-RENDITION-REPORT":   true,
	"#EXT-X-PART":               true,
	"#EXT-X-SESSION-DATA":       true,
}

// uriAttr matches a URI attribute at an attribute-list boundary.
var uriAttr = regexp.MustCompile(`([:,]\s*URI=")([^"]*)(")`)

// Rewriter rewrites playlist references into relay URLs.
type Rewriter struct {
	// RelayPath is the same-origin path of the relay endpoint, e.g. "/relay".
	RelayPath string
	// RewriteAttributes enables rewriting of URI="..." attributes in
	// key, map, media and related directives.
	RewriteAttributes bool
}

// Rewrite returns body with every reference line replaced by a relay URL
// resolved against base, the URL the playlist was finally served from.
// Blank lines and directives are copied byte for byte, apart from URI
// attributes when RewriteAttributes is set. Line endings and the presence
// of a trailing newline are preserved; a leading BOM is dropped.
func (r Rewriter) Rewrite(body []byte, base *url.URL) []byte {
	body = bytes.TrimPrefix(body, utf8BOM)

	lines := bytes.Split(body, []byte("\n"))
	var out bytes.Buffer
	out.Grow(len(body) + len(body)/2)

	for i, line := range lines {
		if i > 0 {
			out.WriteByte('\n')
		}
		out.Write(r.rewriteLine(line, base))
	}
	return out.Bytes()
}

func (r Rewriter) rewriteLine(line []byte, base *url.URL) []byte {
	content, cr := line, []byte(nil)
	if n := len(line); n > 0 && line[n-1] == '\r' {
		content, cr = line[:n-1], line[n-1:]
	}

	trimmed := bytes.TrimSpace(content)
	switch {
	case len(trimmed) == 0:
		return line
	case trimmed[0] == '#':
		if r.RewriteAttributes && uriAttrTags[tagName(trimmed)] {
			return r.rewriteAttributes(line, base)
		}
		return line
	}

	relayed, ok := r.relayURL(string(trimmed), base)
	if !ok {
		return line
	}
	return append([]byte(relayed), cr...)
}

func (r Rewriter) rewriteAttributes(line []byte, base *url.URL) []byte {
	return uriAttr.ReplaceAllFunc(line, func(m []byte) []byte {
		sub := uriAttr.FindSubmatch(m)
		relayed, ok := r.relayURL(string(sub[2]), base)
		if !ok {
			return m
		}
		return []byte(string(sub[1]) + relayed + string(sub[3]))
	})
}

// relayURL resolves ref and wraps it into a relay URL. It reports false when
// ref cannot be resolved or does not use a fetchable scheme.
func (r Rewriter) relayURL(ref string, base *url.URL) (string, bool) {
	if ref == "" {
		return "", false
	}
	abs, ok := resolve.Reference(base, ref)
	if !ok || !resolve.Fetchable(resolve.Scheme(abs)) {
		return "", false
	}
	return r.RelayPath + "?url=" + url.QueryEscape(abs), true
}

// tagName returns the directive name of a "#EXT..." line, up to the first colon.
func tagName(line []byte) string {
	if i := bytes.IndexByte(line, ':'); i >= 0 {
		return strings.ToUpper(string(line[:i]))
	}
	return strings.ToUpper(string(line))
}
