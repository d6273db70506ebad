// Package classify decides whether an upstream response is an HLS manifest
// that must be rewritten or a binary body that is streamed through.
package classify

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/elnormous/contenttype"

	"iptv-relay/internal/model"
)

// Magic is the marker every HLS playlist starts with.
const Magic = "#EXTM3U"

// TS sync byte; a mislabeled body starting with it is an MPEG transport stream.
const tsSyncByte = 0x47

const (
	typeMPEGTS      = "video/mp2t"
	typeOctetStream = "application/octet-stream"
)

// sniffLimit bounds how far past a BOM and leading whitespace the body is
// read while looking for the playlist marker.
const sniffLimit = 1024

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Result is the outcome of classifying one upstream response.
type Result struct {
	Kind model.ResponseKind

	// Manifest holds the complete playlist when Kind is Manifest.
	Manifest []byte

	// Body is the binary body to stream when Kind is Binary. It may
	// replay a buffered prefix ahead of the remaining upstream bytes.
	Body io.Reader

	// Mislabeled is set when the upstream advertised a playlist but sent
	// something else. ContentType then carries the corrected type.
	Mislabeled  bool
	ContentType string

	// Size is the exact body length when the whole body was buffered, else -1.
	// Mislabeled bodies are streamed, so their Size is -1.
	Size int64
}

// Signal reports whether the content type or the target path suggests an
// HLS playlist.
func Signal(contentType string, target *url.URL) bool {
	if contentType != "" {
		mt := contenttype.NewMediaType(contentType)
		sub := strings.ToLower(mt.Subtype)
		if strings.Contains(sub, "mpegurl") || strings.Contains(sub, "m3u8") {
			return true
		}
		// Some origins send unparsable values such as "mpegurl".
		if mt.Type == "" {
			lower := strings.ToLower(contentType)
			if strings.Contains(lower, "mpegurl") || strings.Contains(lower, "m3u8") {
				return true
			}
		}
	}
	return target != nil && strings.HasSuffix(strings.ToLower(target.Path), ".m3u8")
}

// HasMagic reports whether b begins with the playlist marker, allowing a
// UTF-8 BOM and leading whitespace.
func HasMagic(b []byte) bool {
	has, _ := magicVerdict(b)
	return has
}

// BinaryType returns the content type used for a mislabeled body.
func BinaryType(b []byte) string {
	if len(b) > 0 && b[0] == tsSyncByte {
		return typeMPEGTS
	}
	return typeOctetStream
}

// Classify inspects an upstream response. Only a 200 response with a
// playlist signal is buffered, and never more than maxManifest bytes; all
// other responses are passed through untouched as Binary. A signalled body
// is only buffered once its first bytes carry the playlist marker, so a
// mislabeled live stream starts flowing as soon as its first packet arrives.
//
// An error is returned only when reading a signalled body fails.
func Classify(status int, header http.Header, target *url.URL, body io.Reader, maxManifest int64) (Result, error) {
	if status != http.StatusOK || !Signal(header.Get("Content-Type"), target) {
		return Result{Kind: model.Binary, Body: body, Size: -1}, nil
	}

	br := bufio.NewReaderSize(body, sniffLimit)
	prefix, isPlaylist, err := sniff(br)
	if err != nil {
		return Result{}, fmt.Errorf("read manifest: %w", err)
	}
	if !isPlaylist {
		return Result{
			Kind:        model.Binary,
			Body:        br,
			Mislabeled:  true,
			ContentType: BinaryType(prefix),
			Size:        -1,
		}, nil
	}

	buf, err := io.ReadAll(io.LimitReader(br, maxManifest+1))
	if err != nil {
		return Result{}, fmt.Errorf("read manifest: %w", err)
	}

	if int64(len(buf)) > maxManifest {
		return Result{
			Kind: model.Binary,
			Body: io.MultiReader(bytes.NewReader(buf), br),
			Size: -1,
		}, nil
	}

	return Result{Kind: model.Manifest, Manifest: buf, Size: int64(len(buf))}, nil
}

// sniff reads from br only until the presence of the playlist marker is
// decided. The returned prefix stays buffered in br.
func sniff(br *bufio.Reader) (prefix []byte, isPlaylist bool, err error) {
	want := 1
	for {
		_, perr := br.Peek(want)
		prefix, _ = br.Peek(br.Buffered())
		if has, decided := magicVerdict(prefix); decided {
			return prefix, has, nil
		}
		switch {
		case errors.Is(perr, io.EOF):
			return prefix, false, nil
		case perr != nil:
			return prefix, false, perr
		case len(prefix) >= sniffLimit:
			return prefix, false, nil
		}
		want = len(prefix) + 1
	}
}

// magicVerdict reports whether b starts with the playlist marker and whether
// b is long enough to tell.
func magicVerdict(b []byte) (has, decided bool) {
	if len(b) < len(utf8BOM) && bytes.HasPrefix(utf8BOM, b) {
		return false, false
	}
	b = bytes.TrimPrefix(b, utf8BOM)
	b = bytes.TrimLeft(b, " \t\r\n")
	switch {
	case len(b) >= len(Magic):
		return bytes.HasPrefix(b, []byte(Magic)), true
	case len(b) == 0, strings.HasPrefix(Magic, string(b)):
		return false, false
	}
	return false, true
}
