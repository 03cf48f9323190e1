package lsp

import (
	"context"
	"encoding/json"
	"fmt"
)

// validatePosition rejects negative coordinates before they reach the
// engine.
func validatePosition(line, character int) error {
	if line < 0 || character < 0 {
		return fmt.Errorf("position %d:%d: %w", line, character, ErrValidation)
	}
	return nil
}

// positionParams builds the common document+position request shape,
// opening the document first.
func (b *Bridge) positionParams(ctx context.Context, path string, line, character int) (TextDocumentPositionParams, error) {
	if err := validatePosition(line, character); err != nil {
		return TextDocumentPositionParams{}, err
	}
	abs, err := b.EnsureFileOpen(ctx, path)
	if err != nil {
		return TextDocumentPositionParams{}, err
	}
	return TextDocumentPositionParams{
		TextDocument: TextDocumentIdentifier{URI: FilePathToURI(abs)},
		Position:     Position{Line: line, Character: character},
	}, nil
}

// requireCapability fails fast when the engine did not advertise support
// for a request kind. Only checked once the handshake has completed.
func (b *Bridge) requireCapability(cap any, what string) error {
	if b.supervisor.State() == StateReady && !HasCapability(cap) {
		return fmt.Errorf("%s: %w", what, ErrUnsupported)
	}
	return nil
}

// locationQuery runs a definition-class request and normalizes the
// polymorphic result.
func (b *Bridge) locationQuery(ctx context.Context, method string, params any) ([]Location, error) {
	var raw json.RawMessage
	if err := b.Request(ctx, method, params, &raw); err != nil {
		return nil, err
	}
	return ParseLocationResult(raw)
}

// WorkspaceSymbols searches the workspace for symbols matching query.
func (b *Bridge) WorkspaceSymbols(ctx context.Context, query string) ([]SymbolInformation, error) {
	if query == "" {
		return nil, fmt.Errorf("empty symbol query: %w", ErrValidation)
	}
	if err := b.EnsureReady(ctx); err != nil {
		return nil, err
	}
	if err := b.requireCapability(b.supervisor.Capabilities().WorkspaceSymbolProvider, "workspace symbol search"); err != nil {
		return nil, err
	}

	var symbols []SymbolInformation
	err := b.Request(ctx, "workspace/symbol", WorkspaceSymbolParams{Query: query}, &symbols)
	if err != nil {
		return nil, err
	}
	return symbols, nil
}

// Definition resolves the definition sites of the symbol at a position.
func (b *Bridge) Definition(ctx context.Context, path string, line, character int) ([]Location, error) {
	params, err := b.positionParams(ctx, path, line, character)
	if err != nil {
		return nil, err
	}
	if err := b.requireCapability(b.supervisor.Capabilities().DefinitionProvider, "go to definition"); err != nil {
		return nil, err
	}
	return b.locationQuery(ctx, "textDocument/definition", params)
}

// References finds all references to the symbol at a position.
func (b *Bridge) References(ctx context.Context, path string, line, character int, includeDeclaration bool) ([]Location, error) {
	params, err := b.positionParams(ctx, path, line, character)
	if err != nil {
		return nil, err
	}
	if err := b.requireCapability(b.supervisor.Capabilities().ReferencesProvider, "find references"); err != nil {
		return nil, err
	}

	var locations []Location
	err = b.Request(ctx, "textDocument/references", ReferenceParams{
		TextDocumentPositionParams: params,
		Context:                    ReferenceContext{IncludeDeclaration: includeDeclaration},
	}, &locations)
	if err != nil {
		return nil, err
	}
	return locations, nil
}

// Hover returns documentation for the symbol at a position. A nil result
// with nil error means the engine has nothing to show there.
func (b *Bridge) Hover(ctx context.Context, path string, line, character int) (*Hover, error) {
	params, err := b.positionParams(ctx, path, line, character)
	if err != nil {
		return nil, err
	}
	if err := b.requireCapability(b.supervisor.Capabilities().HoverProvider, "hover"); err != nil {
		return nil, err
	}

	var raw json.RawMessage
	if err := b.Request(ctx, "textDocument/hover", HoverParams{TextDocumentPositionParams: params}, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var h Hover
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("parse hover result: %w", ErrTransport)
	}
	return &h, nil
}

// Implementations finds implementations of the interface or abstract
// symbol at a position.
func (b *Bridge) Implementations(ctx context.Context, path string, line, character int) ([]Location, error) {
	params, err := b.positionParams(ctx, path, line, character)
	if err != nil {
		return nil, err
	}
	if err := b.requireCapability(b.supervisor.Capabilities().ImplementationProvider, "find implementations"); err != nil {
		return nil, err
	}
	return b.locationQuery(ctx, "textDocument/implementation", params)
}

// DocumentSymbols returns the symbol outline of a document. Servers
// answer with either hierarchical DocumentSymbols or flat
// SymbolInformation; the flat form is lifted into the hierarchical one.
func (b *Bridge) DocumentSymbols(ctx context.Context, path string) ([]DocumentSymbol, error) {
	abs, err := b.EnsureFileOpen(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := b.requireCapability(b.supervisor.Capabilities().DocumentSymbolProvider, "document symbols"); err != nil {
		return nil, err
	}

	var raw json.RawMessage
	err = b.Request(ctx, "textDocument/documentSymbol", DocumentSymbolParams{
		TextDocument: TextDocumentIdentifier{URI: FilePathToURI(abs)},
	}, &raw)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var symbols []DocumentSymbol
	if err := json.Unmarshal(raw, &symbols); err == nil && (len(symbols) == 0 || symbols[0].SelectionRange != (Range{}) || symbols[0].Range != (Range{})) {
		return symbols, nil
	}

	var flat []SymbolInformation
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, fmt.Errorf("parse document symbols: %w", ErrTransport)
	}
	out := make([]DocumentSymbol, 0, len(flat))
	for _, s := range flat {
		out = append(out, DocumentSymbol{
			Name:           s.Name,
			Detail:         s.ContainerName,
			Kind:           s.Kind,
			Range:          s.Location.Range,
			SelectionRange: s.Location.Range,
		})
	}
	return out, nil
}

// CallHierarchy is the resolved call structure around one symbol.
type CallHierarchy struct {
	Item     CallHierarchyItem
	Incoming []CallHierarchyIncomingCall
	Outgoing []CallHierarchyOutgoingCall
}

// CallHierarchy prepares the item at a position and expands one level of
// callers, callees, or both.
func (b *Bridge) CallHierarchy(ctx context.Context, path string, line, character int, incoming, outgoing bool) (*CallHierarchy, error) {
	params, err := b.positionParams(ctx, path, line, character)
	if err != nil {
		return nil, err
	}
	if err := b.requireCapability(b.supervisor.Capabilities().CallHierarchyProvider, "call hierarchy"); err != nil {
		return nil, err
	}

	var items []CallHierarchyItem
	err = b.Request(ctx, "textDocument/prepareCallHierarchy",
		CallHierarchyPrepareParams{TextDocumentPositionParams: params}, &items)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}

	result := &CallHierarchy{Item: items[0]}
	if incoming {
		err = b.Request(ctx, "callHierarchy/incomingCalls",
			CallHierarchyIncomingCallsParams{Item: items[0]}, &result.Incoming)
		if err != nil {
			return nil, err
		}
	}
	if outgoing {
		err = b.Request(ctx, "callHierarchy/outgoingCalls",
			CallHierarchyOutgoingCallsParams{Item: items[0]}, &result.Outgoing)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

// TypeHierarchy is the resolved type structure around one symbol.
type TypeHierarchy struct {
	Item       TypeHierarchyItem
	Supertypes []TypeHierarchyItem
	Subtypes   []TypeHierarchyItem
}

// TypeHierarchy prepares the item at a position and expands one level of
// supertypes, subtypes, or both.
func (b *Bridge) TypeHierarchy(ctx context.Context, path string, line, character int, supertypes, subtypes bool) (*TypeHierarchy, error) {
	params, err := b.positionParams(ctx, path, line, character)
	if err != nil {
		return nil, err
	}
	if err := b.requireCapability(b.supervisor.Capabilities().TypeHierarchyProvider, "type hierarchy"); err != nil {
		return nil, err
	}

	var items []TypeHierarchyItem
	err = b.Request(ctx, "textDocument/prepareTypeHierarchy",
		TypeHierarchyPrepareParams{TextDocumentPositionParams: params}, &items)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}

	result := &TypeHierarchy{Item: items[0]}
	if supertypes {
		err = b.Request(ctx, "typeHierarchy/supertypes",
			TypeHierarchySupertypesParams{Item: items[0]}, &result.Supertypes)
		if err != nil {
			return nil, err
		}
	}
	if subtypes {
		err = b.Request(ctx, "typeHierarchy/subtypes",
			TypeHierarchySubtypesParams{Item: items[0]}, &result.Subtypes)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}
