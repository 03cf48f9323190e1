package mcp

import (
	"time"

	"github.com/dshills/lspbridge/internal/lsp"
)

// Output shapes. File URIs are rendered as plain paths and symbol kinds
// as names; the agent should not need LSP literacy to read results.

type locationOut struct {
	Path         string `json:"path"`
	Line         int    `json:"line"`
	Character    int    `json:"character"`
	EndLine      int    `json:"end_line"`
	EndCharacter int    `json:"end_character"`
}

func toLocation(l lsp.Location) locationOut {
	return locationOut{
		Path:         lsp.URIToFilePath(l.URI),
		Line:         l.Range.Start.Line,
		Character:    l.Range.Start.Character,
		EndLine:      l.Range.End.Line,
		EndCharacter: l.Range.End.Character,
	}
}

func toLocations(ls []lsp.Location) []locationOut {
	out := make([]locationOut, len(ls))
	for i, l := range ls {
		out[i] = toLocation(l)
	}
	return out
}

type symbolOut struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Container string `json:"container,omitempty"`
	Path      string `json:"path"`
	Line      int    `json:"line"`
	Character int    `json:"character"`
}

func toSymbols(syms []lsp.SymbolInformation) []symbolOut {
	out := make([]symbolOut, len(syms))
	for i, s := range syms {
		out[i] = symbolOut{
			Name:      s.Name,
			Kind:      s.Kind.String(),
			Container: s.ContainerName,
			Path:      lsp.URIToFilePath(s.Location.URI),
			Line:      s.Location.Range.Start.Line,
			Character: s.Location.Range.Start.Character,
		}
	}
	return out
}

type documentSymbolOut struct {
	Name     string              `json:"name"`
	Kind     string              `json:"kind"`
	Detail   string              `json:"detail,omitempty"`
	Line     int                 `json:"line"`
	EndLine  int                 `json:"end_line"`
	Children []documentSymbolOut `json:"children,omitempty"`
}

func toDocumentSymbols(syms []lsp.DocumentSymbol) []documentSymbolOut {
	out := make([]documentSymbolOut, len(syms))
	for i, s := range syms {
		out[i] = documentSymbolOut{
			Name:     s.Name,
			Kind:     s.Kind.String(),
			Detail:   s.Detail,
			Line:     s.Range.Start.Line,
			EndLine:  s.Range.End.Line,
			Children: toDocumentSymbols(s.Children),
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

type hierarchyItemOut struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
	Path   string `json:"path"`
	Line   int    `json:"line"`
}

func toCallItem(item lsp.CallHierarchyItem) hierarchyItemOut {
	return hierarchyItemOut{
		Name:   item.Name,
		Kind:   item.Kind.String(),
		Detail: item.Detail,
		Path:   lsp.URIToFilePath(item.URI),
		Line:   item.SelectionRange.Start.Line,
	}
}

func toTypeItem(item lsp.TypeHierarchyItem) hierarchyItemOut {
	return hierarchyItemOut{
		Name:   item.Name,
		Kind:   item.Kind.String(),
		Detail: item.Detail,
		Path:   lsp.URIToFilePath(item.URI),
		Line:   item.SelectionRange.Start.Line,
	}
}

func toTypeItems(items []lsp.TypeHierarchyItem) []hierarchyItemOut {
	out := make([]hierarchyItemOut, len(items))
	for i, it := range items {
		out[i] = toTypeItem(it)
	}
	return out
}

type diagnosticOut struct {
	Severity  string `json:"severity"`
	Message   string `json:"message"`
	Source    string `json:"source,omitempty"`
	Code      any    `json:"code,omitempty"`
	Line      int    `json:"line"`
	Character int    `json:"character"`
}

func toDiagnostics(diags []lsp.Diagnostic) []diagnosticOut {
	out := make([]diagnosticOut, len(diags))
	for i, d := range diags {
		out[i] = diagnosticOut{
			Severity:  d.Severity.String(),
			Message:   d.Message,
			Source:    d.Source,
			Code:      d.Code,
			Line:      d.Range.Start.Line,
			Character: d.Range.Start.Character,
		}
	}
	return out
}

type statusOut struct {
	State             string `json:"state"`
	RestartCount      int    `json:"restart_count"`
	UptimeSeconds     int    `json:"uptime_seconds"`
	OpenDocuments     int    `json:"open_documents"`
	CachedDiagnostics int    `json:"cached_diagnostics"`
	ServerName        string `json:"server_name,omitempty"`
	ServerVersion     string `json:"server_version,omitempty"`
	Command           string `json:"command"`
}

func toStatus(st lsp.Status) statusOut {
	return statusOut{
		State:             st.State,
		RestartCount:      st.RestartCount,
		UptimeSeconds:     int(st.Uptime / time.Second),
		OpenDocuments:     st.OpenDocuments,
		CachedDiagnostics: st.CachedDiagnostics,
		ServerName:        st.ServerName,
		ServerVersion:     st.ServerVersion,
		Command:           st.Command,
	}
}
