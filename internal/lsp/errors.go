package lsp

import (
	"errors"
	"fmt"
)

// Standard errors returned by the bridge. Callers classify failures with
// errors.Is; the retry wrapper and the tool surface depend on this taxonomy.
var (
	// ErrSpawn indicates the engine binary could not be started.
	ErrSpawn = errors.New("engine spawn failed")

	// ErrHandshake indicates the initialize handshake failed or timed out.
	ErrHandshake = errors.New("engine handshake failed")

	// ErrTransport indicates a broken stream or malformed framing.
	ErrTransport = errors.New("transport failure")

	// ErrRequestTimeout indicates a request received no response before its
	// deadline. The request id is forgotten; a late response is discarded.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrCrash indicates the engine process exited unexpectedly.
	ErrCrash = errors.New("engine exited unexpectedly")

	// ErrFileAccess indicates a file could not be read for opening.
	ErrFileAccess = errors.New("cannot read file")

	// ErrValidation indicates malformed caller input. Never retried, never
	// forwarded to the engine.
	ErrValidation = errors.New("invalid input")

	// ErrFatal indicates the restart bound was exceeded. Further EnsureReady
	// calls fail immediately without spawning.
	ErrFatal = errors.New("engine restart limit exceeded")

	// ErrShutdown indicates the bridge has been shut down.
	ErrShutdown = errors.New("bridge shut down")

	// ErrUnsupported indicates the engine did not advertise the capability
	// a query needs. Not retried.
	ErrUnsupported = errors.New("capability not supported by engine")
)

// IsTransient reports whether err is a transport-classified transient
// failure worth retrying. Validation failures and fatal supervisor states
// are deliberately excluded.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRequestTimeout) ||
		errors.Is(err, ErrTransport) ||
		errors.Is(err, ErrCrash)
}

// RPCError represents a JSON-RPC error object from the engine.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("rpc error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes, plus the LSP extensions.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeServerNotInitialized = -32002
	CodeRequestCancelled     = -32800
	CodeContentModified      = -32801
	CodeServerCancelled      = -32802
	CodeRequestFailed        = -32803
)
