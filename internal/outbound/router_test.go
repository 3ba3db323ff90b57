package outbound

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fluxgate/fluxgate/internal/routing"
	"github.com/fluxgate/fluxgate/internal/sessions"
	"github.com/fluxgate/fluxgate/pkg/protocol"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []protocol.ChannelSendParams
	fail error
}

func (f *fakeSender) SendToChannel(ctx context.Context, p protocol.ChannelSendParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, p)
	return nil
}

type fakeBindings map[string]protocol.ChannelBinding

func (f fakeBindings) Binding(channel, account string) (protocol.ChannelBinding, bool) {
	b, ok := f[channel+":"+account]
	return b, ok
}

func newTestRouter(t *testing.T, sender *fakeSender, bindings fakeBindings) (*Router, *sessions.Manager, *[]string) {
	t.Helper()
	manager := sessions.NewManager(t.TempDir(), 16, time.Hour)
	var notified []string
	r := NewRouter(routing.NewResolver(routing.Config{}), manager, sender, bindings,
		func(key string, ev sessions.TurnEvent) {
			notified = append(notified, key+"/"+ev.Data["kind"].(string))
		})
	return r, manager, &notified
}

func TestRouter_DeliverToSession(t *testing.T) {
	sender := &fakeSender{}
	r, _, _ := newTestRouter(t, sender, fakeBindings{
		"telegram:default": {Channel: "telegram", Account: "default", TextLimit: 100},
	})

	r.DeliverToSession("telegram:default:dm:12345", "default", "hello")

	if len(sender.sent) != 1 {
		t.Fatalf("sent = %v", sender.sent)
	}
	got := sender.sent[0]
	if got.Channel != "telegram" || got.Peer.ID != "12345" || got.Peer.Kind != "dm" || got.Text != "hello" {
		t.Errorf("payload = %+v", got)
	}
}

func TestRouter_SendCreatesTargetSessionOnly(t *testing.T) {
	sender := &fakeSender{}
	r, manager, _ := newTestRouter(t, sender, fakeBindings{
		"mattermost:default": {Channel: "mattermost", Account: "default"},
	})

	sourceKey := "telegram:default:dm:7"
	manager.GetOrCreate(sourceKey, "default")

	targetKey, err := r.Send(sourceKey, "default", Payload{
		Target: protocol.TargetRef{
			Channel: "mattermost",
			Peer:    protocol.PeerRef{Kind: "dm", ID: "@Bob"},
		},
		Text: "cross-channel note",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if targetKey != "mattermost:default:dm:bob" {
		t.Errorf("target key = %q", targetKey)
	}

	// The relay lands in the target transcript, never the source.
	if hist := manager.History(targetKey, 0); len(hist) != 1 || !strings.Contains(hist[0].Text, "cross-channel note") {
		t.Errorf("target history = %v", hist)
	}
	if hist := manager.History(sourceKey, 0); len(hist) != 0 {
		t.Errorf("source history mirrored the relay: %v", hist)
	}
}

func TestRouter_SendFoldsEmptyAccount(t *testing.T) {
	sender := &fakeSender{}
	r, _, _ := newTestRouter(t, sender, fakeBindings{
		"mattermost:default": {Channel: "mattermost", Account: "default"},
	})

	// An explicit target omitting the account must hit the default-account
	// binding and carry the folded account on the wire.
	_, err := r.Send("telegram:default:dm:7", "default", Payload{
		Target: protocol.TargetRef{Channel: "Mattermost", Peer: protocol.PeerRef{Kind: "dm", ID: "bob"}},
		Text:   "hi",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sent = %v", sender.sent)
	}
	if got := sender.sent[0]; got.Channel != "mattermost" || got.Account != "default" {
		t.Errorf("wire target = %s:%s, want mattermost:default", got.Channel, got.Account)
	}
}

func TestRouter_SendFailureLeavesNoRelayEntry(t *testing.T) {
	sender := &fakeSender{fail: errors.New("plugin gone")}
	r, manager, _ := newTestRouter(t, sender, fakeBindings{
		"mattermost:default": {Channel: "mattermost", Account: "default"},
	})

	targetKey, err := r.Send("telegram:default:dm:7", "default", Payload{
		Target: protocol.TargetRef{Channel: "mattermost", Peer: protocol.PeerRef{Kind: "dm", ID: "bob"}},
		Text:   "hi",
	})
	if err == nil {
		t.Fatal("Send succeeded with a failing sender")
	}
	for _, e := range manager.History(targetKey, 0) {
		if strings.Contains(e.Text, "[relayed from") {
			t.Errorf("failed delivery recorded a relay entry: %v", e)
		}
	}
}

func TestRouter_ChunksToChannelLimit(t *testing.T) {
	sender := &fakeSender{}
	r, _, _ := newTestRouter(t, sender, fakeBindings{
		"telegram:default": {Channel: "telegram", Account: "default", TextLimit: 10},
	})

	r.DeliverToSession("telegram:default:dm:1", "a", "one two three four")

	if len(sender.sent) < 2 {
		t.Fatalf("expected multiple chunks, got %v", sender.sent)
	}
	for _, p := range sender.sent {
		if len(p.Text) > 10 {
			t.Errorf("chunk over limit: %q", p.Text)
		}
	}
}

func TestRouter_DeliveryFailureNotifiesBothSessions(t *testing.T) {
	sender := &fakeSender{fail: errors.New("socket closed")}
	r, manager, notified := newTestRouter(t, sender, fakeBindings{
		"mattermost:default": {Channel: "mattermost", Account: "default"},
	})

	sourceKey := "telegram:default:dm:7"
	manager.GetOrCreate(sourceKey, "default")

	targetKey, err := r.Send(sourceKey, "default", Payload{
		Target: protocol.TargetRef{Channel: "mattermost", Peer: protocol.PeerRef{Kind: "dm", ID: "x"}},
		Text:   "will fail",
	})
	if err == nil {
		t.Fatal("Send succeeded despite sender failure")
	}

	want := map[string]bool{
		sourceKey + "/" + protocol.LifecycleDeliveryFailed: true,
		targetKey + "/" + protocol.LifecycleDeliveryFailed: true,
	}
	for _, n := range *notified {
		delete(want, n)
	}
	if len(want) != 0 {
		t.Errorf("missing delivery-failed notifications: %v (got %v)", want, *notified)
	}

	// The next turn on each session sees the failure note.
	for _, key := range []string{sourceKey, targetKey} {
		s := manager.Get(key)
		if s == nil {
			t.Fatalf("session %s missing", key)
		}
		notes := s.Events.Drain()
		if len(notes) == 0 || !strings.Contains(notes[0], "delivery") {
			t.Errorf("session %s notes = %v", key, notes)
		}
	}
}

func TestRouter_UnboundChannelFails(t *testing.T) {
	sender := &fakeSender{}
	r, manager, _ := newTestRouter(t, sender, fakeBindings{})
	manager.GetOrCreate("telegram:default:dm:1", "a")

	_, err := r.Send("telegram:default:dm:1", "a", Payload{
		Target: protocol.TargetRef{Channel: "signal", Peer: protocol.PeerRef{Kind: "dm", ID: "x"}},
		Text:   "y",
	})
	if err == nil || !strings.Contains(err.Error(), "no channel plugin bound") {
		t.Errorf("err = %v", err)
	}
}

func TestChunk(t *testing.T) {
	cases := []struct {
		name  string
		text  string
		limit int
		want  int // chunk count; 0 = just verify limits
	}{
		{"fits", "short", 100, 1},
		{"empty", "", 100, 0},
		{"splits on newline", "line one\nline two\nline three", 12, 3},
		{"hard split without separators", strings.Repeat("a", 25), 10, 3},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			chunks := Chunk(c.text, c.limit)
			if c.want > 0 && len(chunks) != c.want {
				t.Errorf("Chunk(%q, %d) = %d chunks %q, want %d", c.text, c.limit, len(chunks), chunks, c.want)
			}
			// Newlines at cut points are trimmed; everything else must
			// survive reassembly.
			var rejoined strings.Builder
			for _, ch := range chunks {
				rejoined.WriteString(ch)
			}
			if strings.ReplaceAll(rejoined.String(), "\n", "") != strings.ReplaceAll(c.text, "\n", "") {
				t.Errorf("content lost: %q vs %q", rejoined.String(), c.text)
			}
		})
	}
}

func TestChunk_WideRunes(t *testing.T) {
	// CJK runes are two cells wide; ten of them need two chunks at a
	// ten-cell limit.
	text := strings.Repeat("日", 10)
	chunks := Chunk(text, 10)
	if len(chunks) != 2 {
		t.Errorf("wide text chunks = %d (%q), want 2", len(chunks), chunks)
	}
}

func TestRenderMarkdown(t *testing.T) {
	cases := []struct {
		mode, in, want string
	}{
		{MarkdownNative, "**bold**", "**bold**"},
		{MarkdownHTML, "**bold**", "<b>bold</b>"},
		{MarkdownHTML, "`code`", "<code>code</code>"},
		{MarkdownHTML, "[go](https://go.dev)", `<a href="https://go.dev">go</a>`},
		{MarkdownPlain, "**bold** and `code`", "bold and code"},
		{MarkdownPlain, "[go](https://go.dev)", "go (https://go.dev)"},
		{"", "**untouched**", "**untouched**"},
	}
	for _, c := range cases {
		if got := RenderMarkdown(c.in, c.mode); got != c.want {
			t.Errorf("RenderMarkdown(%q, %q) = %q, want %q", c.in, c.mode, got, c.want)
		}
	}
}
