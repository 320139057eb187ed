package client

import (
	"context"
	stderrors "errors"
	"io"
)

// CopyError reports which side of a chunked copy failed.
type CopyError struct {
	// Read is true when the source failed, false when the destination did.
	Read bool
	Err  error
}

func (e *CopyError) Error() string {
	if e.Read {
		return "read: " + e.Err.Error()
	}
	return "write: " + e.Err.Error()
}

func (e *CopyError) Unwrap() error {
	return e.Err
}

// CopyWithProgress copies src to dst through a buffer of bufSize bytes,
// invoking progress once per chunk with the running count (starting from
// start, for resumed transfers) and total. The context is checked between
// chunks. Failures are returned as *CopyError.
func CopyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, bufSize int, start, total int64, progress ProgressFunc) (int64, error) {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	buf := make([]byte, bufSize)
	transferred := start
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, &CopyError{Read: true, Err: err}
		}

		n, readErr := io.ReadFull(src, buf)
		if n > 0 {
			m, writeErr := dst.Write(buf[:n])
			written += int64(m)
			transferred += int64(m)
			if writeErr != nil {
				return written, &CopyError{Err: writeErr}
			}
			if m != n {
				return written, &CopyError{Err: io.ErrShortWrite}
			}
			if progress != nil {
				progress(transferred, total)
			}
		}
		if readErr != nil {
			if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
				return written, nil
			}
			return written, &CopyError{Read: true, Err: readErr}
		}
	}
}

// WrapCopyError converts a CopyWithProgress failure into a taxonomy error,
// using readKind for source failures and writeKind for destination ones.
func WrapCopyError(err error, readKind, writeKind ErrorKind, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	var copyErr *CopyError
	if stderrors.As(err, &copyErr) {
		kind := writeKind
		if copyErr.Read {
			kind = readKind
		}
		if kind != KindIO {
			kind = ClassifyNetError(copyErr.Err, kind)
		}
		return WrapError(copyErr.Err, kind, format, args...)
	}
	return WrapRemote(err, readKind, format, args...)
}

// ProgressReader reports progress as a streaming request body is consumed.
// Each Read is capped at the chunk size so progress fires once per chunk.
type ProgressReader struct {
	r           io.Reader
	chunk       int
	transferred int64
	total       int64
	progress    ProgressFunc
}

// NewProgressReader wraps r. A nil progress makes it a plain chunked reader.
func NewProgressReader(r io.Reader, chunk int, start, total int64, progress ProgressFunc) *ProgressReader {
	if chunk <= 0 {
		chunk = DefaultBufferSize
	}
	return &ProgressReader{r: r, chunk: chunk, transferred: start, total: total, progress: progress}
}

func (p *ProgressReader) Read(b []byte) (int, error) {
	if len(b) > p.chunk {
		b = b[:p.chunk]
	}
	n, err := p.r.Read(b)
	if n > 0 {
		p.transferred += int64(n)
		if p.progress != nil {
			p.progress(p.transferred, p.total)
		}
	}
	return n, err
}

// Transferred returns the running byte count.
func (p *ProgressReader) Transferred() int64 {
	return p.transferred
}
