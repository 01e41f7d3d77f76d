package testkit

import (
	"errors"
	"io"
)

// ErrInjectedFault is the default error of the fault doubles.
var ErrInjectedFault = errors.New("testkit: injected fault")

// ErrorReader yields at most limit bytes of the wrapped reader, then fails.
type ErrorReader struct {
	r   io.Reader
	err error
}

// NewErrorReader returns a reader failing with err once limit bytes were
// read or r ran dry. A nil err means ErrInjectedFault.
func NewErrorReader(r io.Reader, limit int64, err error) *ErrorReader {
	if err == nil {
		err = ErrInjectedFault
	}
	return &ErrorReader{r: io.LimitReader(r, limit), err: err}
}

func (e *ErrorReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if errors.Is(err, io.EOF) {
		return n, e.err
	}
	return n, err
}
