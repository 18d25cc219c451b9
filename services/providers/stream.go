package providers

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
)

// ErrStreamClosed is returned by Recv after Close
var ErrStreamClosed = errors.New("stream closed")

// ChunkDecoder reads the next chunk from an upstream body. It returns
// (nil, nil) to skip a frame and io.EOF once the upstream signals completion.
type ChunkDecoder func() (*QueryResponse, error)

// bodyStream adapts an HTTP body plus a decoder into a Stream. The body is
// released on EOF, on any decode error, on Close, and when ctx is done.
type bodyStream struct {
	ctx     context.Context
	body    io.Closer
	next    ChunkDecoder
	stop    func() bool
	release sync.Once
	closed  atomic.Bool
	err     error
}

// NewBodyStream wraps an upstream body. Recv must be called from one goroutine;
// Close may be called concurrently.
func NewBodyStream(ctx context.Context, body io.Closer, next ChunkDecoder) Stream {
	s := &bodyStream{
		ctx:  ctx,
		body: body,
		next: next,
	}
	s.stop = context.AfterFunc(ctx, s.releaseBody)
	return s
}

func (s *bodyStream) Recv() (*QueryResponse, error) {
	if s.closed.Load() {
		return nil, ErrStreamClosed
	}
	if s.err != nil {
		return nil, s.err
	}

	for {
		chunk, err := s.next()
		if err != nil {
			switch {
			case s.closed.Load():
				err = ErrStreamClosed
			case !errors.Is(err, io.EOF) && s.ctx.Err() != nil:
				err = s.ctx.Err()
			}
			s.err = err
			s.releaseBody()
			return nil, err
		}
		if chunk != nil {
			return chunk, nil
		}
	}
}

func (s *bodyStream) Close() error {
	s.closed.Store(true)
	s.releaseBody()
	return nil
}

func (s *bodyStream) releaseBody() {
	s.release.Do(func() {
		if s.stop != nil {
			s.stop()
		}
		_ = s.body.Close()
	})
}

// SSEDecoder decodes Server-Sent Events and yields the joined "data:" payloads
type SSEDecoder struct {
	r   *bufio.Reader
	buf []string
}

func NewSSEDecoder(r io.Reader) *SSEDecoder {
	return &SSEDecoder{r: bufio.NewReader(r)}
}

// NextData returns the next event's data payload joined by "\n".
// It returns io.EOF when the underlying reader ends.
func (d *SSEDecoder) NextData() (string, error) {
	for {
		line, err := d.r.ReadString('\n')
		if err != nil && err != io.EOF {
			return "", err
		}

		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if len(d.buf) > 0 {
				return d.flush(), nil
			}
			if err == io.EOF {
				return "", io.EOF
			}
			continue
		}

		if strings.HasPrefix(line, "data:") {
			d.buf = append(d.buf, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if err == io.EOF {
			if len(d.buf) > 0 {
				return d.flush(), nil
			}
			return "", io.EOF
		}
	}
}

func (d *SSEDecoder) flush() string {
	out := strings.Join(d.buf, "\n")
	d.buf = d.buf[:0]
	return out
}
