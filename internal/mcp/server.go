// Package mcp exposes the bridge's query operations as MCP tools over
// stdio. Handlers are thin: validate arguments, call the bridge, format
// the result as JSON text. Tool failures are reported in-band with
// IsError set; they never terminate the host process.
package mcp

import (
	"context"
	"log/slog"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dshills/lspbridge/internal/lsp"
)

// Bridge is the surface the tool handlers need. *lsp.Bridge implements
// it; tests substitute a stub.
type Bridge interface {
	WorkspaceSymbols(ctx context.Context, query string) ([]lsp.SymbolInformation, error)
	Definition(ctx context.Context, path string, line, character int) ([]lsp.Location, error)
	References(ctx context.Context, path string, line, character int, includeDeclaration bool) ([]lsp.Location, error)
	Hover(ctx context.Context, path string, line, character int) (*lsp.Hover, error)
	Implementations(ctx context.Context, path string, line, character int) ([]lsp.Location, error)
	DocumentSymbols(ctx context.Context, path string) ([]lsp.DocumentSymbol, error)
	CallHierarchy(ctx context.Context, path string, line, character int, incoming, outgoing bool) (*lsp.CallHierarchy, error)
	TypeHierarchy(ctx context.Context, path string, line, character int, supertypes, subtypes bool) (*lsp.TypeHierarchy, error)
	Diagnostics(ctx context.Context, path string, force bool) (lsp.DiagnosticsResult, error)
	Status() lsp.Status
}

// Server is the MCP stdio server wrapping a bridge.
type Server struct {
	bridge Bridge
	logger *slog.Logger
	server *mcp.Server
}

// NewServer builds the server and registers every tool.
func NewServer(bridge Bridge, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		bridge: bridge,
		logger: logger.With("component", "mcp"),
	}
	s.server = mcp.NewServer(&mcp.Implementation{
		Name:    "lspbridge",
		Version: version,
	}, nil)
	s.registerTools()
	return s
}

// Run serves MCP over stdio until ctx is canceled or the client hangs up.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("serving MCP over stdio")
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// positionProperties is the shared file+position argument schema.
func positionProperties() map[string]*jsonschema.Schema {
	return map[string]*jsonschema.Schema{
		"file": {
			Type:        "string",
			Description: "Path to the source file",
		},
		"line": {
			Type:        "integer",
			Description: "Zero-based line number",
		},
		"character": {
			Type:        "integer",
			Description: "Zero-based character offset within the line",
		},
	}
}

func (s *Server) registerTools() {
	s.server.AddTool(&mcp.Tool{
		Name:        "workspace_symbols",
		Description: "Search the workspace for symbols by name. Returns matching symbols with their kind, container, and location.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"query": {
					Type:        "string",
					Description: "Symbol name or fragment to search for",
				},
			},
			Required: []string{"query"},
		},
	}, s.handleWorkspaceSymbols)

	s.server.AddTool(&mcp.Tool{
		Name:        "definition",
		Description: "Resolve the definition sites of the symbol at a file position.",
		InputSchema: &jsonschema.Schema{
			Type:       "object",
			Properties: positionProperties(),
			Required:   []string{"file", "line", "character"},
		},
	}, s.handleDefinition)

	refProps := positionProperties()
	refProps["include_declaration"] = &jsonschema.Schema{
		Type:        "boolean",
		Description: "Include the declaration itself in the results (default true)",
	}
	s.server.AddTool(&mcp.Tool{
		Name:        "references",
		Description: "Find all references to the symbol at a file position.",
		InputSchema: &jsonschema.Schema{
			Type:       "object",
			Properties: refProps,
			Required:   []string{"file", "line", "character"},
		},
	}, s.handleReferences)

	s.server.AddTool(&mcp.Tool{
		Name:        "hover",
		Description: "Get documentation and type information for the symbol at a file position.",
		InputSchema: &jsonschema.Schema{
			Type:       "object",
			Properties: positionProperties(),
			Required:   []string{"file", "line", "character"},
		},
	}, s.handleHover)

	s.server.AddTool(&mcp.Tool{
		Name:        "implementations",
		Description: "Find implementations of the interface or abstract symbol at a file position.",
		InputSchema: &jsonschema.Schema{
			Type:       "object",
			Properties: positionProperties(),
			Required:   []string{"file", "line", "character"},
		},
	}, s.handleImplementations)

	s.server.AddTool(&mcp.Tool{
		Name:        "document_symbols",
		Description: "Get the symbol outline of a file: functions, types, methods, fields, nested by scope.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"file": {
					Type:        "string",
					Description: "Path to the source file",
				},
			},
			Required: []string{"file"},
		},
	}, s.handleDocumentSymbols)

	callProps := positionProperties()
	callProps["direction"] = &jsonschema.Schema{
		Type:        "string",
		Description: "Which calls to expand: incoming, outgoing, or both (default both)",
		Enum:        []any{"incoming", "outgoing", "both"},
	}
	s.server.AddTool(&mcp.Tool{
		Name:        "call_hierarchy",
		Description: "Show callers and callees of the function at a file position.",
		InputSchema: &jsonschema.Schema{
			Type:       "object",
			Properties: callProps,
			Required:   []string{"file", "line", "character"},
		},
	}, s.handleCallHierarchy)

	typeProps := positionProperties()
	typeProps["direction"] = &jsonschema.Schema{
		Type:        "string",
		Description: "Which relations to expand: supertypes, subtypes, or both (default both)",
		Enum:        []any{"supertypes", "subtypes", "both"},
	}
	s.server.AddTool(&mcp.Tool{
		Name:        "type_hierarchy",
		Description: "Show supertypes and subtypes of the type at a file position.",
		InputSchema: &jsonschema.Schema{
			Type:       "object",
			Properties: typeProps,
			Required:   []string{"file", "line", "character"},
		},
	}, s.handleTypeHierarchy)

	s.server.AddTool(&mcp.Tool{
		Name:        "diagnostics",
		Description: "Get compiler and analyzer diagnostics for a file. Results come from the language server's push notifications.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"file": {
					Type:        "string",
					Description: "Path to the source file",
				},
				"force_refresh": {
					Type:        "boolean",
					Description: "Wait briefly for a fresh publish instead of returning the cached set",
				},
			},
			Required: []string{"file"},
		},
	}, s.handleDiagnostics)

	s.server.AddTool(&mcp.Tool{
		Name:        "server_status",
		Description: "Report the language server's lifecycle state, restart count, and open-document statistics.",
		InputSchema: &jsonschema.Schema{
			Type:       "object",
			Properties: map[string]*jsonschema.Schema{},
		},
	}, s.handleServerStatus)
}
