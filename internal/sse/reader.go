package sse

import (
	"errors"
	"io"
	"iter"
	"log/slog"
)

const readChunkSize = 4096

// Reader pulls frames from an underlying byte stream. It is finite and not
// restartable: once Next has returned an error, every later call returns
// the same error.
type Reader struct {
	r       io.Reader
	dec     *Decoder
	pending []Frame
	err     error
	buf     []byte
	logger  *slog.Logger
}

// NewReader wraps r. logger may be nil.
func NewReader(r io.Reader, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Reader{
		r:      r,
		dec:    NewDecoder(),
		buf:    make([]byte, readChunkSize),
		logger: logger,
	}
}

// Next returns the next complete frame. At the end of the stream it returns
// io.EOF; any other error comes from the underlying reader.
func (r *Reader) Next() (Frame, error) {
	for len(r.pending) == 0 {
		if r.err != nil {
			return Frame{}, r.err
		}
		n, err := r.r.Read(r.buf)
		if n > 0 {
			r.pending = append(r.pending, r.dec.Feed(r.buf[:n])...)
		}
		if err != nil {
			if dropped := r.dec.Close(); dropped > 0 {
				r.logger.Debug("discarding unterminated trailing frame",
					slog.Int("bytes", dropped))
			}
			r.err = err
		}
	}
	f := r.pending[0]
	r.pending = r.pending[1:]
	return f, nil
}

// Frames iterates over the remaining frames. Iteration stops silently at
// io.EOF; any other read error is yielded once as the final element.
func (r *Reader) Frames() iter.Seq2[Frame, error] {
	return func(yield func(Frame, error) bool) {
		for {
			f, err := r.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Frame{}, err)
				return
			}
			if !yield(f, nil) {
				return
			}
		}
	}
}
