package gateway

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fluxgate/fluxgate/pkg/protocol"
)

var defaultTriggers = []string{"hey gate", "okay gate"}

// Voicewake holds the shared wake-word trigger list, persisted to
// voicewake.json so every connected client sees the same phrases.
type Voicewake struct {
	mu    sync.Mutex
	path  string
	state protocol.VoicewakeState
}

func NewVoicewake(stateDir string) (*Voicewake, error) {
	v := &Voicewake{
		path: filepath.Join(stateDir, "voicewake.json"),
		state: protocol.VoicewakeState{
			Triggers: append([]string(nil), defaultTriggers...),
		},
	}
	raw, err := os.ReadFile(v.path)
	if os.IsNotExist(err) {
		return v, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read voicewake state: %w", err)
	}
	if err := json.Unmarshal(raw, &v.state); err != nil {
		return nil, fmt.Errorf("parse %s: %w", v.path, err)
	}
	return v, nil
}

func (v *Voicewake) Get() protocol.VoicewakeState {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := v.state
	out.Triggers = append([]string(nil), v.state.Triggers...)
	return out
}

// Set replaces the trigger list. An empty list restores the defaults.
func (v *Voicewake) Set(triggers []string) (protocol.VoicewakeState, error) {
	if len(triggers) == 0 {
		triggers = defaultTriggers
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state = protocol.VoicewakeState{
		Triggers:    append([]string(nil), triggers...),
		UpdatedAtMs: time.Now().UnixMilli(),
	}
	if err := v.save(); err != nil {
		return protocol.VoicewakeState{}, err
	}
	return v.state, nil
}

func (v *Voicewake) save() error {
	raw, err := json.MarshalIndent(v.state, "", "  ")
	if err != nil {
		return err
	}
	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write voicewake state: %w", err)
	}
	return os.Rename(tmp, v.path)
}
