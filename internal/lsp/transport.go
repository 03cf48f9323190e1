package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// Transport handles JSON-RPC 2.0 communication over the engine's stdio.
// It implements the LSP base protocol with Content-Length headers.
//
// One goroutine sequentially decodes inbound frames and feeds two dispatch
// tables: pending requests keyed by id and notification handlers keyed by
// method. All outbound writes are serialized under the same mutex that
// guards the tables.
type Transport struct {
	reader *bufio.Reader
	writer io.Writer
	closer io.Closer
	logger *slog.Logger

	mu       sync.Mutex
	nextID   atomic.Int64
	pending  map[int64]chan *Response
	handlers map[string]NotificationHandler

	closed      atomic.Bool
	closeReason atomic.Pointer[error]
	done        chan struct{}
}

// NotificationHandler handles a server-originated notification.
type NotificationHandler func(method string, params json.RawMessage)

// Request represents an outgoing JSON-RPC request or notification.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response represents a JSON-RPC response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// notification is used to parse incoming notifications.
type notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// NewTransport creates a transport over the given streams, typically the
// engine's stdout (r) and stdin (w).
func NewTransport(r io.Reader, w io.Writer, c io.Closer, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		reader:   bufio.NewReaderSize(r, 64*1024),
		writer:   w,
		closer:   c,
		logger:   logger.With("component", "transport"),
		pending:  make(map[int64]chan *Response),
		handlers: make(map[string]NotificationHandler),
		done:     make(chan struct{}),
	}
}

// Start begins the read loop.
func (t *Transport) Start(ctx context.Context) {
	go t.readLoop(ctx)
}

// Close tears the transport down. Pending requests fail with ErrShutdown.
func (t *Transport) Close() error {
	return t.CloseWithReason(ErrShutdown)
}

// CloseWithReason tears the transport down, failing pending requests with
// the given reason. Used by the supervisor when the engine crashes so that
// in-flight callers see ErrCrash rather than a generic shutdown.
func (t *Transport) CloseWithReason(reason error) error {
	if t.closed.Swap(true) {
		return nil
	}

	if reason == nil {
		reason = ErrShutdown
	}
	t.closeReason.Store(&reason)
	close(t.done)

	// Drop all pending entries. The channels are left open so a racing
	// handleResponse never sends on a closed channel; waiters observe
	// t.done instead.
	t.mu.Lock()
	t.pending = make(map[int64]chan *Response)
	t.mu.Unlock()

	if t.closer != nil {
		return t.closer.Close()
	}
	return nil
}

// reason returns the teardown cause, ErrShutdown if none was recorded.
func (t *Transport) reason() error {
	if p := t.closeReason.Load(); p != nil {
		return *p
	}
	return ErrShutdown
}

// Call sends a request and waits for the matching response. The context's
// deadline is the request's deadline; on expiry the pending entry is
// removed and ErrRequestTimeout is returned. A response arriving after
// that is discarded by the dispatch loop.
func (t *Transport) Call(ctx context.Context, method string, params any, result any) error {
	if t.closed.Load() {
		return t.reason()
	}

	id := t.nextID.Add(1)
	ch := make(chan *Response, 1)

	t.mu.Lock()
	t.pending[id] = ch
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	req := &Request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	}

	if err := t.send(req); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w", method, ErrRequestTimeout)
		}
		return ctx.Err()
	case <-t.done:
		return t.reason()
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("unmarshal %s result: %w", method, ErrTransport)
			}
		}
		return nil
	}
}

// Notify sends a notification. No response is expected.
func (t *Transport) Notify(ctx context.Context, method string, params any) error {
	if t.closed.Load() {
		return t.reason()
	}

	req := &Request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
	}
	return t.send(req)
}

// OnNotification registers a handler for server notifications. Handlers run
// on their own goroutines and never block response dispatch.
func (t *Transport) OnNotification(method string, handler NotificationHandler) {
	t.mu.Lock()
	t.handlers[method] = handler
	t.mu.Unlock()
}

// PendingCount returns the number of outstanding requests.
func (t *Transport) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// send writes a message with the Content-Length framing header.
func (t *Transport) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(data))

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := io.WriteString(t.writer, header); err != nil {
		return fmt.Errorf("write header: %w", ErrTransport)
	}
	if _, err := t.writer.Write(data); err != nil {
		return fmt.Errorf("write body: %w", ErrTransport)
	}
	return nil
}

// readLoop sequentially decodes inbound frames until the stream breaks or
// the transport closes. A malformed frame is logged and dropped; decoding
// resynchronizes at the next header block.
func (t *Transport) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		default:
		}

		msg, err := t.readMessage()
		if err != nil {
			if t.closed.Load() {
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.ErrUnexpectedEOF) {
				return
			}
			t.logger.Warn("dropping malformed frame", "error", err)
			continue
		}

		t.dispatch(msg)
	}
}

// readMessage reads one framed message: a header block, a blank line, then
// exactly Content-Length bytes of UTF-8 JSON.
func (t *Transport) readMessage() (json.RawMessage, error) {
	var contentLength int
	for {
		line, err := t.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		if strings.HasPrefix(strings.ToLower(line), "content-length:") {
			parts := strings.SplitN(line, ":", 2)
			if len(parts) == 2 {
				if n, err := strconv.Atoi(strings.TrimSpace(parts[1])); err == nil {
					contentLength = n
				}
			}
		}
		// Content-Type and unknown headers are ignored.
	}

	if contentLength <= 0 {
		return nil, fmt.Errorf("missing Content-Length header")
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(t.reader, body); err != nil {
		return nil, err
	}
	return body, nil
}

// dispatch routes a decoded message: id + result/error resolves a pending
// request, a method routes to a notification handler, anything else is
// dropped.
func (t *Transport) dispatch(data json.RawMessage) {
	var probe struct {
		ID     *int64          `json:"id"`
		Method string          `json:"method"`
		Error  *RPCError       `json:"error"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		t.logger.Warn("dropping undecodable message", "error", err)
		return
	}

	if probe.ID != nil && probe.Method == "" {
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			t.logger.Warn("dropping undecodable response", "id", *probe.ID, "error", err)
			return
		}
		t.handleResponse(&resp)
		return
	}

	if probe.Method != "" {
		var notif notification
		if err := json.Unmarshal(data, &notif); err != nil {
			return
		}
		t.handleNotification(&notif)
	}
}

// handleResponse resolves exactly one pending request. An id with no
// pending entry (a late response after timeout) is dropped silently.
func (t *Transport) handleResponse(resp *Response) {
	if t.closed.Load() {
		return
	}

	t.mu.Lock()
	ch, ok := t.pending[resp.ID]
	if ok {
		delete(t.pending, resp.ID)
	}
	t.mu.Unlock()

	if ok {
		select {
		case ch <- resp:
		default:
		}
	} else {
		t.logger.Debug("dropping response with no pending request", "id", resp.ID)
	}
}

// handleNotification routes a notification to its registered handler.
func (t *Transport) handleNotification(notif *notification) {
	t.mu.Lock()
	handler, ok := t.handlers[notif.Method]
	if !ok {
		handler, ok = t.handlers["*"]
	}
	t.mu.Unlock()

	if ok && handler != nil {
		// Run the handler on its own goroutine so a slow handler never
		// stalls response dispatch.
		go handler(notif.Method, notif.Params)
	}
}

// IsClosed reports whether the transport has been torn down.
func (t *Transport) IsClosed() bool {
	return t.closed.Load()
}
