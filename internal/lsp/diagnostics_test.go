package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func alwaysOpen(string) bool { return true }
func neverOpen(string) bool  { return false }

func TestPublishReplacesWholesale(t *testing.T) {
	c := NewDiagnosticsCache(alwaysOpen, testLogger())

	c.publish("/src/a.go", []Diagnostic{
		{Message: "unused variable", Severity: DiagnosticSeverityWarning},
		{Message: "type mismatch", Severity: DiagnosticSeverityError},
	})
	c.publish("/src/a.go", []Diagnostic{
		{Message: "type mismatch", Severity: DiagnosticSeverityError},
	})

	diags, ok := c.Get("/src/a.go")
	if !ok {
		t.Fatal("no entry")
	}
	if len(diags) != 1 || diags[0].Message != "type mismatch" {
		t.Errorf("diags = %+v", diags)
	}
}

func TestEmptyPublishIsMeaningful(t *testing.T) {
	c := NewDiagnosticsCache(alwaysOpen, testLogger())

	c.publish("/src/a.go", []Diagnostic{{Message: "oops"}})
	c.publish("/src/a.go", nil)

	diags, ok := c.Get("/src/a.go")
	if !ok {
		t.Fatal("clean publish must keep an entry")
	}
	if len(diags) != 0 {
		t.Errorf("diags = %+v, want empty", diags)
	}
}

func TestPublishForClosedDocumentDiscarded(t *testing.T) {
	c := NewDiagnosticsCache(neverOpen, testLogger())

	c.publish("/src/closed.go", []Diagnostic{{Message: "late"}})

	if _, ok := c.Get("/src/closed.go"); ok {
		t.Error("publish for closed document must not create an entry")
	}
}

func TestClearForFile(t *testing.T) {
	c := NewDiagnosticsCache(alwaysOpen, testLogger())

	c.publish("/src/a.go", []Diagnostic{{Message: "x"}})
	c.publish("/src/b.go", []Diagnostic{{Message: "y"}})
	c.ClearForFile("/src/a.go")

	if _, ok := c.Get("/src/a.go"); ok {
		t.Error("entry for a.go survived ClearForFile")
	}
	if _, ok := c.Get("/src/b.go"); !ok {
		t.Error("entry for b.go lost")
	}
}

func TestWaitForUpdateWakesOnPublish(t *testing.T) {
	c := NewDiagnosticsCache(alwaysOpen, testLogger())

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		done <- c.WaitForUpdate(ctx, "/src/a.go")
	}()

	time.Sleep(10 * time.Millisecond)
	c.publish("/src/a.go", []Diagnostic{{Message: "fresh"}})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitForUpdate: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not woken")
	}
}

func TestWaitForUpdateTimesOut(t *testing.T) {
	c := NewDiagnosticsCache(alwaysOpen, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.WaitForUpdate(ctx, "/src/a.go")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}

	// The expired waiter must not leak: a later publish closes no stale
	// channels and still stores normally.
	c.publish("/src/a.go", []Diagnostic{{Message: "later"}})
	if _, ok := c.Get("/src/a.go"); !ok {
		t.Error("publish after expired wait lost")
	}
}

func TestHandleNotificationParsesPayload(t *testing.T) {
	c := NewDiagnosticsCache(alwaysOpen, testLogger())

	params, _ := json.Marshal(PublishDiagnosticsParams{
		URI: FilePathToURI("/src/a.go"),
		Diagnostics: []Diagnostic{
			{Message: "undefined: Foo", Severity: DiagnosticSeverityError, Source: "compiler"},
		},
	})
	c.HandleNotification("textDocument/publishDiagnostics", params)

	diags, ok := c.Get("/src/a.go")
	if !ok || len(diags) != 1 {
		t.Fatalf("diags = %+v, ok = %v", diags, ok)
	}
	if diags[0].Source != "compiler" {
		t.Errorf("source = %q", diags[0].Source)
	}

	// Malformed payloads are dropped without panicking.
	c.HandleNotification("textDocument/publishDiagnostics", json.RawMessage(`{broken`))
}

func TestGetReturnsCopy(t *testing.T) {
	c := NewDiagnosticsCache(alwaysOpen, testLogger())

	c.publish("/src/a.go", []Diagnostic{{Message: "original"}})
	diags, _ := c.Get("/src/a.go")
	diags[0].Message = "mutated"

	again, _ := c.Get("/src/a.go")
	if again[0].Message != "original" {
		t.Error("Get must return an independent copy")
	}
}

func TestClearDropsEverything(t *testing.T) {
	c := NewDiagnosticsCache(alwaysOpen, testLogger())

	c.publish("/src/a.go", []Diagnostic{{Message: "x"}})
	c.publish("/src/b.go", []Diagnostic{{Message: "y"}})
	c.Clear()

	if c.Len() != 0 {
		t.Errorf("Len = %d after Clear", c.Len())
	}
}
