// Package lsp bridges tool callers to a single long-lived language server
// subprocess. It owns the JSON-RPC stdio transport, the process lifecycle
// (lazy start, handshake, crash recovery with bounded restarts), the set of
// documents the server believes are open, and the cache of push-delivered
// diagnostics.
//
// # Architecture
//
//   - Transport: JSON-RPC 2.0 over stdin/stdout with LSP base-protocol
//     framing. One sequential decode loop feeds two dispatch tables: pending
//     requests keyed by id, notification handlers keyed by method.
//   - Supervisor: owns the subprocess. The first caller of EnsureReady spawns
//     and initializes it; concurrent callers block on the same in-flight
//     start. Unexpected exits trigger restarts with exponential backoff,
//     counted within a sliding window. Exceeding the bound is fatal for the
//     bridge but not for the host process.
//   - DocumentTracker: capacity-bounded, LRU-evicting mirror of the server's
//     open-document set. Concurrent opens of the same file are collapsed
//     into one didOpen.
//   - DiagnosticsCache: latest publishDiagnostics push per open file,
//     cleared the moment its document is closed or evicted.
//   - Retry: backoff-plus-jitter decorator for the read-only queries,
//     retrying only transport-classified transient failures.
//
// # Quick Start
//
//	bridge, err := lsp.New(lsp.Options{
//	    Engine: lsp.EngineConfig{Command: "gopls", WorkspaceRoot: root},
//	})
//	if err != nil {
//	    return err
//	}
//	defer bridge.Shutdown(context.Background())
//
//	syms, err := bridge.WorkspaceSymbols(ctx, "Server")
//	locs, err := bridge.Definition(ctx, "/src/main.go", 10, 4)
//
// All entry points are safe for concurrent use. The bridge performs no
// source analysis itself; every semantic answer comes from the subprocess.
package lsp
