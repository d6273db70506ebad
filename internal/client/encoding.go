package client

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// acceptEncoding is advertised upstream for requests without a Range header.
const acceptEncoding = "gzip, deflate, br, zstd"

// decodedBody reads the decoded stream and closes both the decoder and the
// raw upstream body.
type decodedBody struct {
	io.Reader
	decoder io.Closer
	raw     io.Closer
}

func (d *decodedBody) Close() error {
	if d.decoder != nil {
		_ = d.decoder.Close()
	}
	return d.raw.Close()
}

// decodeBody wraps resp.Body in a decoder for its Content-Encoding. The
// second return value reports whether decoding happened. Partial content is
// never decoded because a byte range of a compressed stream is not
// decodable on its own. Unknown encodings pass through untouched.
func decodeBody(resp *http.Response) (io.ReadCloser, bool, error) {
	if resp.StatusCode == http.StatusPartialContent {
		return resp.Body, false, nil
	}

	enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch enc {
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(resp.Body)
		if errors.Is(err, io.EOF) {
			return &decodedBody{Reader: http.NoBody, raw: resp.Body}, true, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("gzip: %w", err)
		}
		return &decodedBody{Reader: zr, decoder: zr, raw: resp.Body}, true, nil

	case "deflate":
		zr, err := zlib.NewReader(resp.Body)
		if errors.Is(err, io.EOF) {
			return &decodedBody{Reader: http.NoBody, raw: resp.Body}, true, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("deflate: %w", err)
		}
		return &decodedBody{Reader: zr, decoder: zr, raw: resp.Body}, true, nil

	case "br":
		return &decodedBody{Reader: brotli.NewReader(resp.Body), raw: resp.Body}, true, nil

	case "zstd":
		zr, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, false, fmt.Errorf("zstd: %w", err)
		}
		rc := zr.IOReadCloser()
		return &decodedBody{Reader: rc, decoder: rc, raw: resp.Body}, true, nil
	}

	return resp.Body, false, nil
}
