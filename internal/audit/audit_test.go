package audit

import (
	"context"
	"path/filepath"
	"testing"
)

func TestAppendAndTail(t *testing.T) {
	log, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()

	ctx := context.Background()
	log.Append(ctx, Entry{Kind: "pairing.approve", Actor: "op-1", Channel: "telegram", RawPeerID: "@Alice"})
	log.Append(ctx, Entry{Kind: "exec.denied", Detail: map[string]any{"command": "rm -rf /"}})

	entries, err := log.Tail(ctx, 10)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	// Newest first.
	if entries[0].Kind != "exec.denied" {
		t.Errorf("entries[0].Kind = %q", entries[0].Kind)
	}
	if entries[0].Detail["command"] != "rm -rf /" {
		t.Errorf("detail not preserved: %+v", entries[0].Detail)
	}
	if entries[1].RawPeerID != "@Alice" {
		t.Errorf("raw peer id lost: %+v", entries[1])
	}
}

func TestAppend_NilLogIsNoop(t *testing.T) {
	var l *Log
	l.Append(context.Background(), Entry{Kind: "x"}) // must not panic
	if err := l.Close(); err != nil {
		t.Errorf("nil Close: %v", err)
	}
}
