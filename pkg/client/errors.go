package client

import (
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"net"
	"os"

	"github.com/jmgilman/go/errors"
)

// ErrorKind is the protocol-agnostic category of a remote filesystem
// failure. Kinds reuse the platform error codes where one already exists.
type ErrorKind = errors.ErrorCode

const (
	KindConnectionFailed     ErrorKind = "CONNECTION_FAILED"
	KindAuthenticationFailed           = errors.CodeUnauthorized
	KindFileNotFound                   = errors.CodeNotFound
	KindPermissionDenied               = errors.CodeForbidden
	KindNetwork                        = errors.CodeNetwork
	KindProtocol             ErrorKind = "PROTOCOL_ERROR"
	KindTransferFailed       ErrorKind = "TRANSFER_FAILED"
	KindTimeout                        = errors.CodeTimeout
	// KindIO marks local filesystem failures during a transfer.
	KindIO       ErrorKind = "IO_ERROR"
	KindURLParse ErrorKind = "URL_PARSE_ERROR"
	// KindOther covers protocol limitations such as unsupported operations.
	KindOther         ErrorKind = "OTHER"
	KindInvalidConfig           = errors.CodeInvalidConfig
)

// NewError creates a remote filesystem error of the given kind.
func NewError(kind ErrorKind, format string, args ...interface{}) error {
	return errors.Newf(kind, format, args...)
}

// WrapError wraps cause with the given kind and message. It returns nil
// when cause is nil.
func WrapError(cause error, kind ErrorKind, format string, args ...interface{}) error {
	if cause == nil {
		return nil
	}
	return errors.Wrap(cause, kind, fmt.Sprintf(format, args...))
}

// Unsupported returns the KindOther error used for operations a protocol
// cannot perform.
func Unsupported(protocol Protocol, operation string) error {
	return NewError(KindOther, "%s does not support %s", protocol, operation)
}

// KindOf returns the kind of err, or errors.CodeUnknown for foreign errors.
func KindOf(err error) ErrorKind {
	return errors.GetCode(err)
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// IsNotFound reports whether err is a KindFileNotFound error.
func IsNotFound(err error) bool {
	return IsKind(err, KindFileNotFound)
}

// ClassifyNetError picks the kind for a transport-level failure: timeouts,
// missing files and permission problems get their own kinds, other network
// errors become KindNetwork and anything else falls back to fallback.
func ClassifyNetError(err error, fallback ErrorKind) ErrorKind {
	if err == nil {
		return fallback
	}
	var platformErr errors.PlatformError
	if errors.As(err, &platformErr) {
		return platformErr.Code()
	}
	if stderrors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return KindTimeout
	}
	if stderrors.Is(err, fs.ErrNotExist) {
		return KindFileNotFound
	}
	if stderrors.Is(err, fs.ErrPermission) {
		return KindPermissionDenied
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	var opErr *net.OpError
	if stderrors.As(err, &opErr) {
		return KindNetwork
	}
	return fallback
}

// WrapRemote wraps a remote-side failure, choosing the kind with
// ClassifyNetError. A cause that already carries a kind keeps it.
func WrapRemote(cause error, fallback ErrorKind, format string, args ...interface{}) error {
	if cause == nil {
		return nil
	}
	return WrapError(cause, ClassifyNetError(cause, fallback), format, args...)
}

// ConnectFailure wraps a dial or handshake failure as KindConnectionFailed,
// or KindTimeout when the attempt timed out.
func ConnectFailure(cause error, format string, args ...interface{}) error {
	if cause == nil {
		return nil
	}
	kind := KindConnectionFailed
	if ClassifyNetError(cause, kind) == KindTimeout {
		kind = KindTimeout
	}
	return WrapError(cause, kind, format, args...)
}
