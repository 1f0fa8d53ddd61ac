package forward

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

const streamChunkSize = 32 << 10

// ErrStreamInterrupted wraps upstream read failures after the response was accepted.
var ErrStreamInterrupted = errors.New("upstream stream interrupted")

// Exchange is an accepted upstream response whose body has not been relayed yet.
type Exchange struct {
	StatusCode int
	// Header is the filtered response header set for the caller.
	Header   http.Header
	Attempts []Attempt

	body   io.ReadCloser
	cancel context.CancelFunc
}

// Stream copies the body to w, calling flush after every chunk, and closes
// the exchange. It returns the bytes written. An upstream read failure is
// wrapped in ErrStreamInterrupted; a write failure means the caller went away.
func (x *Exchange) Stream(w io.Writer, flush func()) (int64, error) {
	defer x.Close()

	buf := make([]byte, streamChunkSize)
	var written int64
	for {
		n, rerr := x.body.Read(buf)
		if n > 0 {
			m, werr := w.Write(buf[:n])
			written += int64(m)
			if werr != nil {
				return written, fmt.Errorf("failed to write to client: %w", werr)
			}
			if flush != nil {
				flush()
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, fmt.Errorf("%w: %w", ErrStreamInterrupted, rerr)
		}
	}
}

// Close releases the upstream response. Safe to call more than once.
func (x *Exchange) Close() error {
	var err error
	if x.body != nil {
		err = x.body.Close()
		x.body = nil
	}
	if x.cancel != nil {
		x.cancel()
		x.cancel = nil
	}
	return err
}
