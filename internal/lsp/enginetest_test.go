package lsp

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// wireMsg is a raw JSON-RPC message as seen on the wire.
type wireMsg struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// engineHandler answers one request. respond false means the engine stays
// silent for this request.
type engineHandler func(method string, id, params json.RawMessage, e *fakeEngine) (result any, rpcErr *RPCError, respond bool)

// fakeEngine speaks the server side of the framed protocol over pipes.
// initialize and shutdown are answered built-in; everything else goes to
// the handler. Notifications are recorded.
type fakeEngine struct {
	t *testing.T

	in    *bufio.Reader
	out   io.Writer
	outMu sync.Mutex

	handler  engineHandler
	onNotify func(msg wireMsg, e *fakeEngine)
	initCaps *ServerCapabilities

	mu     sync.Mutex
	notifs []wireMsg

	closeOut func()
	done     chan struct{}
}

// newFakeEngine starts an engine over two pipes and returns the client
// side: clientR is what the transport reads, clientW what it writes.
func newFakeEngine(t *testing.T, handler engineHandler) (e *fakeEngine, clientR io.Reader, clientW io.WriteCloser) {
	t.Helper()

	c2sR, c2sW := io.Pipe()
	s2cR, s2cW := io.Pipe()

	e = &fakeEngine{
		t:        t,
		in:       bufio.NewReader(c2sR),
		out:      s2cW,
		handler:  handler,
		closeOut: func() { s2cW.Close() },
		done:     make(chan struct{}),
	}
	go e.serve()
	t.Cleanup(func() {
		c2sW.Close()
		s2cW.Close()
	})
	return e, s2cR, c2sW
}

func (e *fakeEngine) serve() {
	defer close(e.done)
	defer e.closeOut()
	for {
		msg, err := e.read()
		if err != nil {
			return
		}

		if len(msg.ID) == 0 || string(msg.ID) == "null" {
			e.mu.Lock()
			e.notifs = append(e.notifs, msg)
			cb := e.onNotify
			e.mu.Unlock()
			if cb != nil {
				cb(msg, e)
			}
			if msg.Method == "exit" {
				return
			}
			continue
		}

		switch msg.Method {
		case "initialize":
			caps := ServerCapabilities{
				TextDocumentSync:        1,
				HoverProvider:           true,
				DefinitionProvider:      true,
				ReferencesProvider:      true,
				ImplementationProvider:  true,
				DocumentSymbolProvider:  true,
				WorkspaceSymbolProvider: true,
				CallHierarchyProvider:   true,
				TypeHierarchyProvider:   true,
			}
			e.mu.Lock()
			if e.initCaps != nil {
				caps = *e.initCaps
			}
			e.mu.Unlock()
			e.respond(msg.ID, InitializeResult{
				Capabilities: caps,
				ServerInfo:   &InitializeServerInfo{Name: "fake-engine", Version: "0.1"},
			}, nil)
		case "shutdown":
			e.respond(msg.ID, nil, nil)
		default:
			if e.handler == nil {
				e.respond(msg.ID, nil, nil)
				continue
			}
			result, rpcErr, respond := e.handler(msg.Method, msg.ID, msg.Params, e)
			if respond {
				e.respond(msg.ID, result, rpcErr)
			}
		}
	}
}

func (e *fakeEngine) read() (wireMsg, error) {
	var length int
	for {
		line, err := e.in.ReadString('\n')
		if err != nil {
			return wireMsg{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if v, ok := strings.CutPrefix(line, "Content-Length: "); ok {
			length, err = strconv.Atoi(v)
			if err != nil {
				return wireMsg{}, err
			}
		}
	}
	if length <= 0 {
		return wireMsg{}, fmt.Errorf("missing content length")
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(e.in, body); err != nil {
		return wireMsg{}, err
	}
	var msg wireMsg
	if err := json.Unmarshal(body, &msg); err != nil {
		return wireMsg{}, err
	}
	return msg, nil
}

func (e *fakeEngine) writeFrame(v any) {
	body, err := json.Marshal(v)
	if err != nil {
		e.t.Errorf("marshal frame: %v", err)
		return
	}
	e.outMu.Lock()
	defer e.outMu.Unlock()
	fmt.Fprintf(e.out, "Content-Length: %d\r\n\r\n", len(body))
	e.out.Write(body)
}

// writeRaw puts arbitrary bytes on the wire, framing included.
func (e *fakeEngine) writeRaw(data []byte) {
	e.outMu.Lock()
	defer e.outMu.Unlock()
	e.out.Write(data)
}

func (e *fakeEngine) respond(id json.RawMessage, result any, rpcErr *RPCError) {
	msg := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  any             `json:"result,omitempty"`
		Error   *RPCError       `json:"error,omitempty"`
	}{JSONRPC: "2.0", ID: id, Result: result, Error: rpcErr}
	e.writeFrame(msg)
}

func (e *fakeEngine) notify(method string, params any) {
	msg := struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		Params  any    `json:"params,omitempty"`
	}{JSONRPC: "2.0", Method: method, Params: params}
	e.writeFrame(msg)
}

// setOnNotify installs a callback invoked for every incoming notification.
func (e *fakeEngine) setOnNotify(cb func(msg wireMsg, e *fakeEngine)) {
	e.mu.Lock()
	e.onNotify = cb
	e.mu.Unlock()
}

// notifications returns the methods of recorded notifications.
func (e *fakeEngine) notifications() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.notifs))
	for i, n := range e.notifs {
		out[i] = n.Method
	}
	return out
}

// notificationCount counts recorded notifications with the given method.
func (e *fakeEngine) notificationCount(method string) int {
	n := 0
	for _, m := range e.notifications() {
		if m == method {
			n++
		}
	}
	return n
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}
