// Copyright 2024-2026 Aiku AI

package bridge

import (
	"sort"
	"sync"
	"time"

	"maunium.net/go/mautrix/id"
)

// Portal pairs a Matrix room with a Mattermost channel. A portal is created
// once, the first time a channel is bridged, and only looked up afterwards.
type Portal struct {
	RoomID      id.RoomID `json:"room_id"`
	ChannelID   string    `json:"channel_id"`
	ChannelName string    `json:"channel_name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// PortalStore is the bidirectional room/channel index. Safe for concurrent
// use; writes only happen during channel sync and provisioning.
type PortalStore struct {
	mu        sync.RWMutex
	byRoom    map[id.RoomID]*Portal
	byChannel map[string]*Portal
}

// NewPortalStore creates an empty store.
func NewPortalStore() *PortalStore {
	return &PortalStore{
		byRoom:    make(map[id.RoomID]*Portal),
		byChannel: make(map[string]*Portal),
	}
}

// ByRoom looks up the portal for a Matrix room.
func (ps *PortalStore) ByRoom(roomID id.RoomID) (*Portal, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	p, ok := ps.byRoom[roomID]
	return p, ok
}

// ByChannel looks up the portal for a Mattermost channel.
func (ps *PortalStore) ByChannel(channelID string) (*Portal, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	p, ok := ps.byChannel[channelID]
	return p, ok
}

// Put stores a new portal. If either side is already bridged, the existing
// portal wins and is returned; portals are never recreated.
func (ps *PortalStore) Put(portal *Portal) *Portal {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if existing, ok := ps.byChannel[portal.ChannelID]; ok {
		return existing
	}
	if existing, ok := ps.byRoom[portal.RoomID]; ok {
		return existing
	}
	ps.byRoom[portal.RoomID] = portal
	ps.byChannel[portal.ChannelID] = portal
	return portal
}

// Len returns the number of bridged channels.
func (ps *PortalStore) Len() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.byChannel)
}

// Export snapshots all portals for persistence, in stable channel order.
func (ps *PortalStore) Export() []*Portal {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	out := make([]*Portal, 0, len(ps.byChannel))
	for _, p := range ps.byChannel {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

// Import restores portals from a persisted snapshot.
func (ps *PortalStore) Import(portals []*Portal) {
	for _, p := range portals {
		ps.Put(p)
	}
}
