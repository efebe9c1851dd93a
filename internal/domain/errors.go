package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Transport, protocol and request-scoped failures all wrap
// one of these so callers can branch with errors.Is.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrCanceled     = fmt.Errorf("operation canceled")
	ErrInvalidInput = fmt.Errorf("invalid input")
)

// Protocol and transport errors.
var (
	// ErrDecode marks an inbound frame that is not a protocol message.
	// It never reaches a waiter.
	ErrDecode = fmt.Errorf("frame is not a protocol message")

	// ErrRemote is the category of server-reported application errors.
	// Concrete values are *RemoteError.
	ErrRemote = fmt.Errorf("remote error")

	// ErrProtocol is a connection-fatal protocol fault such as an error
	// frame that names no request.
	ErrProtocol = fmt.Errorf("protocol error")

	ErrConnect = fmt.Errorf("connect failed")
	ErrClosed  = fmt.Errorf("connection closed")
	ErrSend    = fmt.Errorf("send failed")

	// ErrDuplicateID means two pending requests were registered under the
	// same id. Correct id allocation never produces it.
	ErrDuplicateID = fmt.Errorf("duplicate request id")
)

// Session and service errors.
var (
	ErrAuth        = fmt.Errorf("authentication failed")
	ErrNotLoggedIn = fmt.Errorf("login required")
	ErrDownload    = fmt.Errorf("download failed")
	ErrConfigLoad  = fmt.Errorf("failed to load configuration")
	ErrDecryption  = fmt.Errorf("decryption failed")
	ErrEncryption  = fmt.Errorf("encryption operation failed")
	ErrStore       = fmt.Errorf("task store operation failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Service.SingleTask")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// RemoteError is an application error reported by the server for one request.
type RemoteError struct {
	Code    string // server "error" field, e.g. "403" or "not-found"
	Reason  string
	Message string
}

func (e *RemoteError) Error() string {
	switch {
	case e.Message != "":
		return "remote error: " + e.Message
	case e.Reason != "" && e.Code != "":
		return fmt.Sprintf("remote error: %s [%s]", e.Reason, e.Code)
	case e.Reason != "":
		return "remote error: " + e.Reason
	case e.Code != "":
		return "remote error: " + e.Code
	default:
		return "remote error"
	}
}

// Is lets errors.Is(err, ErrRemote) match any *RemoteError.
func (e *RemoteError) Is(target error) bool { return target == ErrRemote }

// IsConnectionError reports whether err ended the connection. Callers must
// reconnect before issuing new requests.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrClosed) || errors.Is(err, ErrProtocol) || errors.Is(err, ErrConnect)
}

// ErrorCode is a machine-parseable error category printed by the CLI.
type ErrorCode string

const (
	CodeUnknown      ErrorCode = "UNKNOWN"
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeTimeout      ErrorCode = "TIMEOUT"
	CodeCanceled     ErrorCode = "CANCELED"
	CodeInvalidInput ErrorCode = "INVALID_INPUT"
	CodeDecode       ErrorCode = "DECODE"
	CodeRemote       ErrorCode = "REMOTE"
	CodeProtocol     ErrorCode = "PROTOCOL"
	CodeConnect      ErrorCode = "CONNECT"
	CodeClosed       ErrorCode = "CLOSED"
	CodeSend         ErrorCode = "SEND"
	CodeDuplicateID  ErrorCode = "DUPLICATE_ID"
	CodeAuth         ErrorCode = "AUTH"
	CodeNotLoggedIn  ErrorCode = "NOT_LOGGED_IN"
	CodeDownload     ErrorCode = "DOWNLOAD"
	CodeConfigLoad   ErrorCode = "CONFIG_LOAD"
	CodeDecryption   ErrorCode = "DECRYPTION"
	CodeEncryption   ErrorCode = "ENCRYPTION"
	CodeStore        ErrorCode = "STORE"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:     CodeNotFound,
	ErrTimeout:      CodeTimeout,
	ErrCanceled:     CodeCanceled,
	ErrInvalidInput: CodeInvalidInput,
	ErrDecode:       CodeDecode,
	ErrRemote:       CodeRemote,
	ErrProtocol:     CodeProtocol,
	ErrConnect:      CodeConnect,
	ErrClosed:       CodeClosed,
	ErrSend:         CodeSend,
	ErrDuplicateID:  CodeDuplicateID,
	ErrAuth:         CodeAuth,
	ErrNotLoggedIn:  CodeNotLoggedIn,
	ErrDownload:     CodeDownload,
	ErrConfigLoad:   CodeConfigLoad,
	ErrDecryption:   CodeDecryption,
	ErrEncryption:   CodeEncryption,
	ErrStore:        CodeStore,
}

// codePriority orders the chain walk so the most specific cause wins when an
// error wraps several sentinels (e.g. a closed connection reported as a timeout).
var codePriority = []error{
	ErrDuplicateID,
	ErrAuth,
	ErrNotLoggedIn,
	ErrRemote,
	ErrProtocol,
	ErrConnect,
	ErrSend,
	ErrClosed,
	ErrTimeout,
	ErrCanceled,
	ErrDecode,
	ErrNotFound,
	ErrInvalidInput,
	ErrDownload,
	ErrConfigLoad,
	ErrDecryption,
	ErrEncryption,
	ErrStore,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	for _, sentinel := range codePriority {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	return CodeUnknown
}
