package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestTransport(t *testing.T, handler engineHandler) (*Transport, *fakeEngine) {
	t.Helper()
	e, r, w := newFakeEngine(t, handler)
	tr := NewTransport(r, w, nil, testLogger())
	tr.Start(context.Background())
	t.Cleanup(func() { tr.Close() })
	return tr, e
}

func TestCallReceivesResult(t *testing.T) {
	tr, _ := newTestTransport(t, func(method string, id, params json.RawMessage, e *fakeEngine) (any, *RPCError, bool) {
		if method != "test/echo" {
			t.Errorf("unexpected method %q", method)
		}
		return map[string]string{"value": "hello"}, nil, true
	})

	var result struct {
		Value string `json:"value"`
	}
	if err := tr.Call(context.Background(), "test/echo", nil, &result); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result.Value != "hello" {
		t.Errorf("result = %q, want hello", result.Value)
	}
}

func TestCallCorrelatesOutOfOrderResponses(t *testing.T) {
	// The engine buffers the first request and answers it after the
	// second, so responses arrive out of submission order.
	var mu sync.Mutex
	var heldID json.RawMessage

	tr, e := newTestTransport(t, func(method string, id, params json.RawMessage, eng *fakeEngine) (any, *RPCError, bool) {
		switch method {
		case "test/slow":
			mu.Lock()
			heldID = append(json.RawMessage(nil), id...)
			mu.Unlock()
			return nil, nil, false
		case "test/fast":
			return "fast-result", nil, true
		}
		return nil, nil, true
	})

	var wg sync.WaitGroup
	wg.Add(2)
	var slowResult, fastResult string
	var slowErr, fastErr error

	go func() {
		defer wg.Done()
		slowErr = tr.Call(context.Background(), "test/slow", nil, &slowResult)
	}()

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return heldID != nil
	}, "slow request to arrive")

	go func() {
		defer wg.Done()
		fastErr = tr.Call(context.Background(), "test/fast", nil, &fastResult)
	}()

	waitFor(t, time.Second, func() bool { return tr.PendingCount() == 1 }, "fast response")

	mu.Lock()
	e.respond(heldID, "slow-result", nil)
	mu.Unlock()
	wg.Wait()

	if slowErr != nil || fastErr != nil {
		t.Fatalf("errors: slow=%v fast=%v", slowErr, fastErr)
	}
	if slowResult != "slow-result" || fastResult != "fast-result" {
		t.Errorf("results = %q, %q", slowResult, fastResult)
	}
}

func TestCallTimeoutForgetsRequest(t *testing.T) {
	var mu sync.Mutex
	var heldID json.RawMessage

	tr, e := newTestTransport(t, func(method string, id, params json.RawMessage, eng *fakeEngine) (any, *RPCError, bool) {
		mu.Lock()
		heldID = append(json.RawMessage(nil), id...)
		mu.Unlock()
		return nil, nil, false
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := tr.Call(ctx, "test/never", nil, nil)
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("err = %v, want ErrRequestTimeout", err)
	}
	if n := tr.PendingCount(); n != 0 {
		t.Errorf("pending after timeout = %d, want 0", n)
	}

	// A late response for the forgotten id must be discarded quietly.
	mu.Lock()
	id := heldID
	mu.Unlock()
	e.respond(id, "too-late", nil)
	time.Sleep(20 * time.Millisecond)

	// Transport still accepts requests afterwards. The handler holds
	// everything, so a fresh short deadline proves the loop is alive.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	if err := tr.Call(ctx2, "test/after", nil, nil); !errors.Is(err, ErrRequestTimeout) {
		t.Errorf("call after late response = %v, want ErrRequestTimeout", err)
	}
}

func TestCallRPCError(t *testing.T) {
	tr, _ := newTestTransport(t, func(method string, id, params json.RawMessage, e *fakeEngine) (any, *RPCError, bool) {
		return nil, &RPCError{Code: CodeMethodNotFound, Message: "unknown method"}, true
	})

	err := tr.Call(context.Background(), "test/missing", nil, nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("err = %v, want *RPCError", err)
	}
	if rpcErr.Code != CodeMethodNotFound {
		t.Errorf("code = %d, want %d", rpcErr.Code, CodeMethodNotFound)
	}
	if IsTransient(err) {
		t.Error("engine-side rpc errors must not be transient")
	}
}

func TestNotificationDispatch(t *testing.T) {
	tr, e := newTestTransport(t, nil)

	got := make(chan json.RawMessage, 1)
	tr.OnNotification("test/event", func(method string, params json.RawMessage) {
		got <- params
	})

	wildcard := make(chan string, 2)
	tr.OnNotification("*", func(method string, params json.RawMessage) {
		wildcard <- method
	})

	e.notify("test/event", map[string]int{"n": 7})

	select {
	case params := <-got:
		var p struct {
			N int `json:"n"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.N != 7 {
			t.Errorf("params = %s (err %v)", params, err)
		}
	case <-time.After(time.Second):
		t.Fatal("handler not invoked")
	}

	select {
	case m := <-wildcard:
		if m != "test/event" {
			t.Errorf("wildcard method = %q", m)
		}
	case <-time.After(time.Second):
		t.Fatal("wildcard handler not invoked")
	}
}

func TestMalformedBodyDoesNotKillReadLoop(t *testing.T) {
	tr, e := newTestTransport(t, nil)

	got := make(chan struct{}, 1)
	tr.OnNotification("test/after-garbage", func(method string, params json.RawMessage) {
		got <- struct{}{}
	})

	// Well-framed but undecodable body, then a valid notification.
	e.writeRaw([]byte("Content-Length: 9\r\n\r\nnot-json!"))
	e.notify("test/after-garbage", nil)

	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("read loop died on malformed body")
	}
}

func TestCloseWithReasonFailsPending(t *testing.T) {
	tr, _ := newTestTransport(t, func(method string, id, params json.RawMessage, e *fakeEngine) (any, *RPCError, bool) {
		return nil, nil, false
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- tr.Call(context.Background(), "test/hang", nil, nil)
	}()

	waitFor(t, time.Second, func() bool { return tr.PendingCount() == 1 }, "request in flight")

	tr.CloseWithReason(fmt.Errorf("engine exited: %w", ErrCrash))

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrCrash) {
			t.Errorf("err = %v, want ErrCrash", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pending call did not fail on close")
	}

	if !tr.IsClosed() {
		t.Error("transport should report closed")
	}
	if err := tr.Call(context.Background(), "test/x", nil, nil); !errors.Is(err, ErrCrash) {
		t.Errorf("call after close = %v, want ErrCrash", err)
	}
}

func TestNotifySendsNoID(t *testing.T) {
	tr, e := newTestTransport(t, nil)

	if err := tr.Notify(context.Background(), "test/ping", map[string]bool{"ok": true}); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		return e.notificationCount("test/ping") == 1
	}, "notification to arrive")
}
