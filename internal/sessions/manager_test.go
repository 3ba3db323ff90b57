package sessions

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestManager_GetOrCreateIsLazyAndStable(t *testing.T) {
	m := NewManager(t.TempDir(), 16, time.Hour)

	if m.Get("web:default:dm:u1") != nil {
		t.Fatal("session exists before any message arrived")
	}
	a := m.GetOrCreate("web:default:dm:u1", "default")
	b := m.GetOrCreate("web:default:dm:u1", "default")
	if a != b {
		t.Error("second lookup minted a new session")
	}
	if a.AgentID != "default" || a.Key != "web:default:dm:u1" {
		t.Errorf("session fields = %q/%q", a.Key, a.AgentID)
	}
}

func TestManager_HistoryPersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, 16, time.Hour)
	key := "telegram:default:dm:12345"

	m.GetOrCreate(key, "default")
	m.Append(key, Entry{Role: "user", Text: "hello", TS: 1})
	m.Append(key, Entry{Role: "assistant", Text: "hi there", TS: 2})

	got := m.History(key, 0)
	if len(got) != 2 || got[0].Text != "hello" || got[1].Text != "hi there" {
		t.Fatalf("in-memory history = %v", got)
	}

	// A fresh manager over the same state dir reloads the tail from disk.
	m2 := NewManager(dir, 16, time.Hour)
	m2.GetOrCreate(key, "default")
	got = m2.History(key, 0)
	if len(got) != 2 {
		t.Fatalf("reloaded history has %d entries, want 2", len(got))
	}
	if got[0].Role != "user" || got[1].Role != "assistant" {
		t.Errorf("reloaded roles = %q, %q", got[0].Role, got[1].Role)
	}
}

func TestManager_HistoryLimitReturnsNewest(t *testing.T) {
	m := NewManager("", 16, time.Hour)
	key := "k"
	m.GetOrCreate(key, "a")
	for i := 0; i < 5; i++ {
		m.Append(key, Entry{Role: "user", Text: string(rune('a' + i)), TS: int64(i)})
	}
	got := m.History(key, 2)
	if len(got) != 2 || got[0].Text != "d" || got[1].Text != "e" {
		t.Errorf("limited history = %v", got)
	}
}

func TestManager_ResetRotatesLog(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, 16, time.Hour)
	key := "web:default:dm:u1"

	m.GetOrCreate(key, "default")
	m.Append(key, Entry{Role: "user", Text: "before reset", TS: 1})
	m.Reset(key)

	if got := m.History(key, 0); len(got) != 0 {
		t.Errorf("history after reset = %v", got)
	}

	// The prior transcript survives as a rotated file.
	var rotated bool
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err == nil && filepath.Ext(path) == ".old" {
			rotated = true
		}
		return nil
	})
	if !rotated {
		t.Error("no rotated .old transcript found")
	}

	m.Append(key, Entry{Role: "user", Text: "after reset", TS: 2})
	got := m.History(key, 0)
	if len(got) != 1 || got[0].Text != "after reset" {
		t.Errorf("post-reset history = %v", got)
	}
}

func TestManager_SweepIdleEvictsAndNotifies(t *testing.T) {
	m := NewManager("", 16, 10*time.Millisecond)

	var mu sync.Mutex
	var evicted []string
	m.SetEvictHook(func(key string) {
		mu.Lock()
		evicted = append(evicted, key)
		mu.Unlock()
	})

	m.GetOrCreate("stale", "a")
	time.Sleep(25 * time.Millisecond)
	m.GetOrCreate("fresh", "a")
	m.Touch("fresh")

	keys := m.SweepIdle()
	if len(keys) != 1 || keys[0] != "stale" {
		t.Fatalf("swept = %v, want [stale]", keys)
	}
	if m.Get("stale") != nil {
		t.Error("stale session still registered after sweep")
	}
	if m.Get("fresh") == nil {
		t.Error("fresh session was evicted")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(evicted) != 1 || evicted[0] != "stale" {
		t.Errorf("evict hook saw %v", evicted)
	}
}

func TestManager_ListSnapshots(t *testing.T) {
	m := NewManager("", 16, time.Hour)
	m.GetOrCreate("a", "x")
	m.GetOrCreate("b", "y")
	m.Append("a", Entry{Role: "user", Text: "1", TS: 1})

	infos := m.List()
	if len(infos) != 2 {
		t.Fatalf("List returned %d sessions", len(infos))
	}
	byKey := map[string]Info{}
	for _, in := range infos {
		byKey[in.Key] = in
	}
	if byKey["a"].EntryCount != 1 || byKey["b"].EntryCount != 0 {
		t.Errorf("entry counts = %v", byKey)
	}
}
