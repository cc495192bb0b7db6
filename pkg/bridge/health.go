// Copyright 2024-2026 Aiku AI

package bridge

import "sync"

// ConnState is the ingestion state machine:
// Disconnected -> Connecting -> Streaming -> (Disconnected on error).
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateStreaming
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	default:
		return "disconnected"
	}
}

// Health tracks the connectivity state of each ingestion feed for the
// liveness probe.
type Health struct {
	mu    sync.RWMutex
	feeds map[string]ConnState
}

// NewHealth creates an empty registry.
func NewHealth() *Health {
	return &Health{feeds: make(map[string]ConnState)}
}

// Set updates one feed's state.
func (h *Health) Set(feed string, state ConnState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.feeds[feed] = state
}

// Ready reports whether every registered feed is streaming.
func (h *Health) Ready() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.feeds) == 0 {
		return false
	}
	for _, state := range h.feeds {
		if state != StateStreaming {
			return false
		}
	}
	return true
}

// Snapshot returns the per-feed states for the probe response.
func (h *Health) Snapshot() map[string]string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]string, len(h.feeds))
	for feed, state := range h.feeds {
		out[feed] = state.String()
	}
	return out
}
