package mcp

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dshills/lspbridge/internal/lsp"
)

// jsonResult wraps data as a single JSON text content block.
func jsonResult(data any) (*mcp.CallToolResult, error) {
	content, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal response: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: string(content)},
		},
	}, nil
}

// errorResult reports a tool failure in-band. The transport never sees
// tool-level errors; the agent does, with a classification it can act on.
func errorResult(operation string, err error) (*mcp.CallToolResult, error) {
	result, marshalErr := jsonResult(map[string]any{
		"success":   false,
		"operation": operation,
		"error":     err.Error(),
		"kind":      classify(err),
	})
	if marshalErr != nil {
		return nil, marshalErr
	}
	result.IsError = true
	return result, nil
}

// classify maps the bridge error taxonomy onto stable strings for the
// agent.
func classify(err error) string {
	switch {
	case errors.Is(err, lsp.ErrValidation):
		return "validation"
	case errors.Is(err, lsp.ErrUnsupported):
		return "unsupported"
	case errors.Is(err, lsp.ErrFileAccess):
		return "file_access"
	case errors.Is(err, lsp.ErrRequestTimeout):
		return "timeout"
	case errors.Is(err, lsp.ErrFatal):
		return "fatal"
	case errors.Is(err, lsp.ErrSpawn), errors.Is(err, lsp.ErrHandshake):
		return "startup"
	case errors.Is(err, lsp.ErrCrash), errors.Is(err, lsp.ErrTransport):
		return "transient"
	case errors.Is(err, lsp.ErrShutdown):
		return "shutdown"
	default:
		var rpcErr *lsp.RPCError
		if errors.As(err, &rpcErr) {
			return "server"
		}
		return "internal"
	}
}
