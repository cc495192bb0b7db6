// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// State is everything the bridge persists across restarts: the puppet
// mapping, portals, the relay-record retention window, and the Matrix sync
// cursor. Without it the bridge would re-register puppets and re-relay
// recently seen events after a restart.
type State struct {
	Puppets   []PuppetEntry        `json:"puppets"`
	Portals   []*Portal            `json:"portals"`
	Records   []*RelayRecord       `json:"relay_records"`
	NextBatch map[id.UserID]string `json:"next_batch"`
	FilterIDs map[id.UserID]string `json:"filter_ids"`
}

// StateFile loads and saves State atomically: reads are all-or-nothing,
// writes go to a temp file renamed into place. It also implements
// mautrix.SyncStore so the sync cursor rides along.
type StateFile struct {
	path string
	log  zerolog.Logger

	mu    sync.Mutex
	state *State
}

var _ mautrix.SyncStore = (*StateFile)(nil)

// LoadStateFile reads the state file, starting empty when it does not
// exist yet.
func LoadStateFile(path string, log zerolog.Logger) (*StateFile, error) {
	sf := &StateFile{
		path: path,
		log:  log.With().Str("component", "state").Logger(),
		state: &State{
			NextBatch: make(map[id.UserID]string),
			FilterIDs: make(map[id.UserID]string),
		},
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		sf.log.Info().Str("path", path).Msg("No state file, starting fresh")
		return sf, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}
	if state.NextBatch == nil {
		state.NextBatch = make(map[id.UserID]string)
	}
	if state.FilterIDs == nil {
		state.FilterIDs = make(map[id.UserID]string)
	}
	sf.state = &state
	sf.log.Info().
		Int("puppets", len(state.Puppets)).
		Int("portals", len(state.Portals)).
		Int("relay_records", len(state.Records)).
		Msg("Loaded state")
	return sf, nil
}

// Snapshot returns a copy of the loaded state for boot-time restore.
func (sf *StateFile) Snapshot() State {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return *sf.state
}

// Update replaces the persisted collections and writes the file.
func (sf *StateFile) Update(puppets []PuppetEntry, portals []*Portal, records []*RelayRecord) error {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	sf.state.Puppets = puppets
	sf.state.Portals = portals
	sf.state.Records = records
	return sf.persistLocked()
}

// persistLocked writes the state atomically. Callers hold sf.mu.
func (sf *StateFile) persistLocked() error {
	data, err := json.MarshalIndent(sf.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	tmp := sf.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(sf.path), 0o755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := os.Rename(tmp, sf.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// SaveNextBatch implements mautrix.SyncStore. The cursor is the resume
// point after reconnection: acknowledged events are never replayed.
func (sf *StateFile) SaveNextBatch(_ context.Context, userID id.UserID, nextBatchToken string) error {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	sf.state.NextBatch[userID] = nextBatchToken
	return sf.persistLocked()
}

// LoadNextBatch implements mautrix.SyncStore.
func (sf *StateFile) LoadNextBatch(_ context.Context, userID id.UserID) (string, error) {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.state.NextBatch[userID], nil
}

// SaveFilterID implements mautrix.SyncStore.
func (sf *StateFile) SaveFilterID(_ context.Context, userID id.UserID, filterID string) error {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	sf.state.FilterIDs[userID] = filterID
	return sf.persistLocked()
}

// LoadFilterID implements mautrix.SyncStore.
func (sf *StateFile) LoadFilterID(_ context.Context, userID id.UserID) (string, error) {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.state.FilterIDs[userID], nil
}
