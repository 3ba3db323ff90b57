package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fluxgate/fluxgate/internal/config"
	"github.com/fluxgate/fluxgate/internal/execplane"
	"github.com/fluxgate/fluxgate/internal/gateway"
	"github.com/fluxgate/fluxgate/internal/pairing"
	"github.com/fluxgate/fluxgate/internal/sessions"
	"github.com/fluxgate/fluxgate/pkg/protocol"
)

type noopRunner struct{}

func (noopRunner) RunTurn(context.Context, *sessions.Turn, func(sessions.TurnEvent)) error {
	return nil
}

func startGateway(t *testing.T) (*httptest.Server, *gateway.Registry) {
	t.Helper()
	cfg := config.Default()
	cfg.Sessions.StateDir = t.TempDir()

	manager := sessions.NewManager(cfg.Sessions.StateDir, 0, 0)
	registry := gateway.NewRegistry()
	sched := sessions.NewScheduler(noopRunner{}, func(*sessions.Turn, sessions.TurnEvent) {}, 0)
	t.Cleanup(sched.Close)

	pstore, err := pairing.NewStore(cfg.Sessions.StateDir, 60, 3, nil)
	if err != nil {
		t.Fatalf("pairing store: %v", err)
	}
	voice, err := gateway.NewVoicewake(cfg.Sessions.StateDir)
	if err != nil {
		t.Fatalf("voicewake: %v", err)
	}
	core := gateway.NewCore(gateway.CoreDeps{
		Config: cfg, Manager: manager, Scheduler: sched, Pairing: pstore, Voicewake: voice,
	})
	approvals := execplane.NewApprovals(cfg.Sessions.StateDir, time.Second, nil)
	router := gateway.NewMethodRouter(core, registry, approvals, "test")
	srv := gateway.NewServer(cfg, "test", core, registry, router)

	ts := httptest.NewServer(srv.BuildMux())
	t.Cleanup(ts.Close)
	return ts, registry
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func TestDialAndCall(t *testing.T) {
	ts, _ := startGateway(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, Options{URL: wsURL(ts), Client: protocol.ClientInfo{ID: "test"}})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if c.Hello().Protocol != protocol.ProtocolVersion {
		t.Errorf("hello protocol = %d, want %d", c.Hello().Protocol, protocol.ProtocolVersion)
	}

	var status struct {
		Version string `json:"version"`
	}
	if err := c.CallInto(ctx, protocol.MethodStatus, nil, &status); err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Version != "test" {
		t.Errorf("version = %q, want test", status.Version)
	}
}

func TestCallErrorSurfacesTypedCode(t *testing.T) {
	ts, _ := startGateway(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Default operator scope is read; chat.send needs write.
	c, err := Dial(ctx, Options{URL: wsURL(ts)})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	_, err = c.Call(ctx, protocol.MethodChatSend, protocol.ChatSendParams{
		SessionKey: "cli:local:dm:me", Message: "hi",
	})
	if err == nil {
		t.Fatal("chat.send succeeded without write scope")
	}
	var perr *protocol.Error
	if !errors.As(err, &perr) || perr.Code != protocol.ErrUnauthorized {
		t.Fatalf("error = %v, want %s", err, protocol.ErrUnauthorized)
	}
}

func TestEventsStream(t *testing.T) {
	ts, _ := startGateway(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	watcher, err := Dial(ctx, Options{URL: wsURL(ts), Scope: []string{"read"}})
	if err != nil {
		t.Fatalf("Dial watcher: %v", err)
	}
	defer watcher.Close()

	writer, err := Dial(ctx, Options{URL: wsURL(ts), Scope: []string{"read", "write"}})
	if err != nil {
		t.Fatalf("Dial writer: %v", err)
	}
	defer writer.Close()

	if _, err := writer.Call(ctx, protocol.MethodVoicewakeSet, protocol.VoicewakeState{
		Triggers: []string{"hey test"},
	}); err != nil {
		t.Fatalf("voicewake.set: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-watcher.Events():
			if !ok {
				t.Fatal("event channel closed before voicewake.changed arrived")
			}
			if ev.Event != protocol.EventVoicewakeChanged {
				continue
			}
			var state protocol.VoicewakeState
			if err := json.Unmarshal(ev.Payload, &state); err != nil {
				t.Fatalf("unmarshal event: %v", err)
			}
			if len(state.Triggers) != 1 || state.Triggers[0] != "hey test" {
				t.Fatalf("triggers = %v, want [hey test]", state.Triggers)
			}
			return
		case <-deadline:
			t.Fatal("voicewake.changed never arrived")
		}
	}
}

func TestOnRequestAnswersChannelSend(t *testing.T) {
	ts, registry := startGateway(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan protocol.ChannelSendParams, 1)
	plugin, err := Dial(ctx, Options{URL: wsURL(ts), Role: protocol.RoleChannelPlugin, DeviceID: "plug-1"})
	if err != nil {
		t.Fatalf("Dial plugin: %v", err)
	}
	defer plugin.Close()
	plugin.OnRequest(func(_ context.Context, method string, params json.RawMessage) (any, *protocol.Error) {
		if method != protocol.MethodChannelSend {
			return nil, &protocol.Error{Code: protocol.ErrUnknownMethod, Message: method}
		}
		var p protocol.ChannelSendParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &protocol.Error{Code: protocol.ErrInvalidRequest, Message: err.Error()}
		}
		got <- p
		return map[string]any{"delivered": true}, nil
	})

	if _, err := plugin.Call(ctx, protocol.MethodChannelRegister, protocol.ChannelRegisterParams{
		Channels: []protocol.ChannelBinding{{Channel: "testchan", Account: "default"}},
	}); err != nil {
		t.Fatalf("channel.register: %v", err)
	}

	if err := registry.SendToChannel(ctx, protocol.ChannelSendParams{
		Channel: "testchan", Account: "default",
		Peer: protocol.PeerRef{Kind: "dm", ID: "alice"},
		Text: "hello alice",
	}); err != nil {
		t.Fatalf("SendToChannel: %v", err)
	}

	select {
	case p := <-got:
		if p.Text != "hello alice" || p.Peer.ID != "alice" {
			t.Errorf("plugin received %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("plugin never received channel.send")
	}
}
