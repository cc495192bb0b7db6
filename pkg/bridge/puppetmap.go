// Copyright 2024-2026 Aiku AI

package bridge

import (
	"sort"
	"sync/atomic"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// Snapshot is one immutable version of the puppet mapping: identity to
// puppet plus the reverse destination index. Snapshots are built once,
// validated, and then only ever read; a reload publishes a new snapshot
// instead of mutating in place, so readers never observe a partial map.
type Snapshot struct {
	byIdentity    map[id.UserID]*Puppet
	byDestination map[string]id.UserID
}

// BuildSnapshot validates the puppet set and assembles the forward and
// reverse indexes. It fails with a ValidationError naming the conflicting
// identities when an identity appears twice, a destination account is
// claimed by two identities, or a credential is reused.
func BuildSnapshot(puppets []*Puppet) (*Snapshot, error) {
	snap := &Snapshot{
		byIdentity:    make(map[id.UserID]*Puppet, len(puppets)),
		byDestination: make(map[string]id.UserID, len(puppets)),
	}
	tokenOwner := make(map[string]id.UserID, len(puppets))

	for _, p := range puppets {
		if prev, ok := snap.byIdentity[p.MXID]; ok {
			return nil, &ValidationError{
				Reason:    "identity mapped twice",
				Conflicts: []string{string(prev.MXID), string(p.MXID)},
			}
		}
		if owner, ok := snap.byDestination[p.MMUserID]; ok {
			return nil, &ValidationError{
				Reason:    "destination account claimed by two identities",
				Conflicts: []string{string(owner), string(p.MXID)},
			}
		}
		if tok := p.token(); tok != "" {
			if owner, ok := tokenOwner[tok]; ok {
				return nil, &ValidationError{
					Reason:    "credential shared between identities",
					Conflicts: []string{string(owner), string(p.MXID)},
				}
			}
			tokenOwner[tok] = p.MXID
		}
		snap.byIdentity[p.MXID] = p
		snap.byDestination[p.MMUserID] = p.MXID
	}
	return snap, nil
}

// Lookup resolves a source identity within this snapshot.
func (s *Snapshot) Lookup(identity id.UserID) (*Puppet, bool) {
	p, ok := s.byIdentity[identity]
	return p, ok
}

// Puppets returns the snapshot's puppets in stable identity order.
func (s *Snapshot) Puppets() []*Puppet {
	out := make([]*Puppet, 0, len(s.byIdentity))
	for _, p := range s.byIdentity {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MXID < out[j].MXID })
	return out
}

// Len returns the number of puppets in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.byIdentity)
}

// PuppetMap holds the live snapshot. Lookups read whatever snapshot is
// current when they start; Reload swaps the pointer atomically, so the
// critical section is a single pointer store.
type PuppetMap struct {
	snap atomic.Pointer[Snapshot]
	log  zerolog.Logger
}

// NewPuppetMap creates an empty map.
func NewPuppetMap(log zerolog.Logger) *PuppetMap {
	pm := &PuppetMap{log: log.With().Str("component", "puppet_map").Logger()}
	empty, _ := BuildSnapshot(nil)
	pm.snap.Store(empty)
	return pm
}

// Current returns the live snapshot. The returned snapshot stays valid for
// the duration of the caller's operation even if a reload lands meanwhile.
func (pm *PuppetMap) Current() *Snapshot {
	return pm.snap.Load()
}

// Lookup resolves a source identity to its puppet.
func (pm *PuppetMap) Lookup(identity id.UserID) (*Puppet, bool) {
	p, ok := pm.Current().byIdentity[identity]
	return p, ok
}

// LookupByDestination resolves a Mattermost user ID back to the source
// identity that owns it.
func (pm *PuppetMap) LookupByDestination(mmUserID string) (id.UserID, bool) {
	identity, ok := pm.Current().byDestination[mmUserID]
	return identity, ok
}

// IsPuppetDestination reports whether the Mattermost user ID belongs to any
// mapped puppet. Used by the echo guard to recognize our own puppets
// posting back.
func (pm *PuppetMap) IsPuppetDestination(mmUserID string) bool {
	_, ok := pm.LookupByDestination(mmUserID)
	return ok
}

// Len returns the number of mapped identities.
func (pm *PuppetMap) Len() int {
	return pm.Current().Len()
}

// Reload publishes a new snapshot and returns the previous one. Callers
// validate via BuildSnapshot before reaching this point, so the swap itself
// cannot fail and never leaves a half-applied mapping.
func (pm *PuppetMap) Reload(next *Snapshot) *Snapshot {
	prev := pm.snap.Swap(next)
	pm.log.Info().
		Int("previous", prev.Len()).
		Int("current", next.Len()).
		Msg("Puppet map swapped")
	return prev
}

// Register adds a single brand-new identity to the map. This is a distinct,
// separately-authorized provisioning operation, never a lookup side effect.
// It fails if the identity, destination account, or credential is already
// claimed.
func (pm *PuppetMap) Register(p *Puppet) error {
	for {
		cur := pm.snap.Load()
		if _, ok := cur.byIdentity[p.MXID]; ok {
			return &ValidationError{
				Reason:    "identity already registered",
				Conflicts: []string{string(p.MXID)},
			}
		}
		next, err := BuildSnapshot(append(cur.Puppets(), p))
		if err != nil {
			return err
		}
		if pm.snap.CompareAndSwap(cur, next) {
			pm.log.Info().
				Str("identity", string(p.MXID)).
				Str("mm_username", p.MMUsername).
				Msg("Registered puppet")
			return nil
		}
		// Concurrent reload won the race; rebuild against the new snapshot.
	}
}
