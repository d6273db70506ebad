// Package stream pumps binary upstream bodies to clients with bounded memory.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/valyala/bytebufferpool"
)

// ChunkSize is the size of a single read from the upstream body.
const ChunkSize = 32 * 1024

// ErrClientWrite wraps failures writing to the client.
var ErrClientWrite = errors.New("client write failed")

var chunks bytebufferpool.Pool

func getChunk() *bytebufferpool.ByteBuffer {
	buf := chunks.Get()
	if cap(buf.B) < ChunkSize {
		buf.B = make([]byte, ChunkSize)
	}
	buf.B = buf.B[:ChunkSize]
	return buf
}

// Copy streams src to dst until src is exhausted, a write fails or ctx is
// done. A reader goroutine fills pooled chunks into a queue holding at most
// bufferBytes; when the queue is full the reader waits, so a slow client
// slows the upstream read instead of growing memory. dst is flushed after
// every chunk when it implements http.Flusher.
//
// Copy returns as soon as the client side fails. The caller must close src
// afterwards so that a read still blocked in the reader goroutine returns.
func Copy(ctx context.Context, dst io.Writer, src io.Reader, bufferBytes int) (int64, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	slots := max(1, bufferBytes/ChunkSize)
	queue := make(chan *bytebufferpool.ByteBuffer, slots)
	readErr := make(chan error, 1)

	go func() {
		defer close(queue)
		for {
			buf := getChunk()
			n, err := src.Read(buf.B)
			if n > 0 {
				buf.B = buf.B[:n]
				select {
				case queue <- buf:
				case <-ctx.Done():
					chunks.Put(buf)
					readErr <- ctx.Err()
					return
				}
			} else {
				chunks.Put(buf)
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					err = nil
				}
				readErr <- err
				return
			}
		}
	}()

	flusher, _ := dst.(http.Flusher)

	var written int64
	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		case buf, ok := <-queue:
			if !ok {
				return written, <-readErr
			}
			n, err := dst.Write(buf.B)
			written += int64(n)
			chunks.Put(buf)
			if err != nil {
				return written, fmt.Errorf("%w: %w", ErrClientWrite, err)
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}
