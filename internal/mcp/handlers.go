package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/dshills/lspbridge/internal/lsp"
)

type positionArgs struct {
	File      string `json:"file"`
	Line      int    `json:"line"`
	Character int    `json:"character"`
}

func (a *positionArgs) validate() error {
	if a.File == "" {
		return fmt.Errorf("file is required: %w", lsp.ErrValidation)
	}
	if a.Line < 0 || a.Character < 0 {
		return fmt.Errorf("line and character must not be negative: %w", lsp.ErrValidation)
	}
	return nil
}

func decodeArgs(req *mcp.CallToolRequest, dst any) error {
	if len(req.Params.Arguments) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Params.Arguments, dst); err != nil {
		return fmt.Errorf("invalid arguments: %v: %w", err, lsp.ErrValidation)
	}
	return nil
}

func (s *Server) handleWorkspaceSymbols(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		Query string `json:"query"`
	}
	if err := decodeArgs(req, &args); err != nil {
		return errorResult("workspace_symbols", err)
	}
	if args.Query == "" {
		return errorResult("workspace_symbols", fmt.Errorf("query is required: %w", lsp.ErrValidation))
	}

	symbols, err := s.bridge.WorkspaceSymbols(ctx, args.Query)
	if err != nil {
		return errorResult("workspace_symbols", err)
	}
	return jsonResult(map[string]any{
		"query":   args.Query,
		"count":   len(symbols),
		"symbols": toSymbols(symbols),
	})
}

func (s *Server) handleDefinition(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args positionArgs
	if err := decodeArgs(req, &args); err != nil {
		return errorResult("definition", err)
	}
	if err := args.validate(); err != nil {
		return errorResult("definition", err)
	}

	locations, err := s.bridge.Definition(ctx, args.File, args.Line, args.Character)
	if err != nil {
		return errorResult("definition", err)
	}
	return jsonResult(map[string]any{
		"count":     len(locations),
		"locations": toLocations(locations),
	})
}

func (s *Server) handleReferences(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := struct {
		positionArgs
		IncludeDeclaration *bool `json:"include_declaration"`
	}{}
	if err := decodeArgs(req, &args); err != nil {
		return errorResult("references", err)
	}
	if err := args.validate(); err != nil {
		return errorResult("references", err)
	}
	includeDecl := true
	if args.IncludeDeclaration != nil {
		includeDecl = *args.IncludeDeclaration
	}

	locations, err := s.bridge.References(ctx, args.File, args.Line, args.Character, includeDecl)
	if err != nil {
		return errorResult("references", err)
	}
	return jsonResult(map[string]any{
		"count":     len(locations),
		"locations": toLocations(locations),
	})
}

func (s *Server) handleHover(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args positionArgs
	if err := decodeArgs(req, &args); err != nil {
		return errorResult("hover", err)
	}
	if err := args.validate(); err != nil {
		return errorResult("hover", err)
	}

	hover, err := s.bridge.Hover(ctx, args.File, args.Line, args.Character)
	if err != nil {
		return errorResult("hover", err)
	}
	if hover == nil {
		return jsonResult(map[string]any{"contents": nil})
	}
	return jsonResult(map[string]any{"contents": hover.Text()})
}

func (s *Server) handleImplementations(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args positionArgs
	if err := decodeArgs(req, &args); err != nil {
		return errorResult("implementations", err)
	}
	if err := args.validate(); err != nil {
		return errorResult("implementations", err)
	}

	locations, err := s.bridge.Implementations(ctx, args.File, args.Line, args.Character)
	if err != nil {
		return errorResult("implementations", err)
	}
	return jsonResult(map[string]any{
		"count":     len(locations),
		"locations": toLocations(locations),
	})
}

func (s *Server) handleDocumentSymbols(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		File string `json:"file"`
	}
	if err := decodeArgs(req, &args); err != nil {
		return errorResult("document_symbols", err)
	}
	if args.File == "" {
		return errorResult("document_symbols", fmt.Errorf("file is required: %w", lsp.ErrValidation))
	}

	symbols, err := s.bridge.DocumentSymbols(ctx, args.File)
	if err != nil {
		return errorResult("document_symbols", err)
	}
	return jsonResult(map[string]any{
		"file":    args.File,
		"symbols": toDocumentSymbols(symbols),
	})
}

func (s *Server) handleCallHierarchy(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := struct {
		positionArgs
		Direction string `json:"direction"`
	}{}
	if err := decodeArgs(req, &args); err != nil {
		return errorResult("call_hierarchy", err)
	}
	if err := args.validate(); err != nil {
		return errorResult("call_hierarchy", err)
	}

	incoming, outgoing := true, true
	switch args.Direction {
	case "", "both":
	case "incoming":
		outgoing = false
	case "outgoing":
		incoming = false
	default:
		return errorResult("call_hierarchy", fmt.Errorf("direction %q is not one of incoming, outgoing, both: %w", args.Direction, lsp.ErrValidation))
	}

	hierarchy, err := s.bridge.CallHierarchy(ctx, args.File, args.Line, args.Character, incoming, outgoing)
	if err != nil {
		return errorResult("call_hierarchy", err)
	}
	if hierarchy == nil {
		return jsonResult(map[string]any{"item": nil})
	}

	out := map[string]any{"item": toCallItem(hierarchy.Item)}
	if incoming {
		calls := make([]map[string]any, len(hierarchy.Incoming))
		for i, c := range hierarchy.Incoming {
			calls[i] = map[string]any{"from": toCallItem(c.From)}
		}
		out["incoming"] = calls
	}
	if outgoing {
		calls := make([]map[string]any, len(hierarchy.Outgoing))
		for i, c := range hierarchy.Outgoing {
			calls[i] = map[string]any{"to": toCallItem(c.To)}
		}
		out["outgoing"] = calls
	}
	return jsonResult(out)
}

func (s *Server) handleTypeHierarchy(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := struct {
		positionArgs
		Direction string `json:"direction"`
	}{}
	if err := decodeArgs(req, &args); err != nil {
		return errorResult("type_hierarchy", err)
	}
	if err := args.validate(); err != nil {
		return errorResult("type_hierarchy", err)
	}

	supertypes, subtypes := true, true
	switch args.Direction {
	case "", "both":
	case "supertypes":
		subtypes = false
	case "subtypes":
		supertypes = false
	default:
		return errorResult("type_hierarchy", fmt.Errorf("direction %q is not one of supertypes, subtypes, both: %w", args.Direction, lsp.ErrValidation))
	}

	hierarchy, err := s.bridge.TypeHierarchy(ctx, args.File, args.Line, args.Character, supertypes, subtypes)
	if err != nil {
		return errorResult("type_hierarchy", err)
	}
	if hierarchy == nil {
		return jsonResult(map[string]any{"item": nil})
	}

	out := map[string]any{"item": toTypeItem(hierarchy.Item)}
	if supertypes {
		out["supertypes"] = toTypeItems(hierarchy.Supertypes)
	}
	if subtypes {
		out["subtypes"] = toTypeItems(hierarchy.Subtypes)
	}
	return jsonResult(out)
}

func (s *Server) handleDiagnostics(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		File         string `json:"file"`
		ForceRefresh bool   `json:"force_refresh"`
	}
	if err := decodeArgs(req, &args); err != nil {
		return errorResult("diagnostics", err)
	}
	if args.File == "" {
		return errorResult("diagnostics", fmt.Errorf("file is required: %w", lsp.ErrValidation))
	}

	res, err := s.bridge.Diagnostics(ctx, args.File, args.ForceRefresh)
	if err != nil {
		return errorResult("diagnostics", err)
	}
	return jsonResult(map[string]any{
		"file":        res.Path,
		"fresh":       res.Fresh,
		"count":       len(res.Diagnostics),
		"diagnostics": toDiagnostics(res.Diagnostics),
	})
}

func (s *Server) handleServerStatus(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(toStatus(s.bridge.Status()))
}
