// Copyright 2024-2026 Aiku AI

package bridge

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// RelayRecord remembers one completed relay long enough to recognize the
// event echoing back from the destination feed and to de-duplicate
// at-least-once redelivery from upstream.
type RelayRecord struct {
	SourceEventID string    `json:"source_event_id"`
	DestEventID   string    `json:"dest_event_id"`
	Fingerprint   string    `json:"fingerprint"`
	RelayedAt     time.Time `json:"relayed_at"`
}

// RelayRecords is a bounded recent-history set with time-based retention.
// Both indexes share the same window: source event ID for redelivery
// de-duplication and payload fingerprint for echo detection on protocols
// that strip relayed markers. Eviction runs on the cache's own loop and
// never races with a concurrent check.
type RelayRecords struct {
	byID          *ttlcache.Cache[string, *RelayRecord]
	byFingerprint *ttlcache.Cache[string, string]
}

// NewRelayRecords creates a record set that retains entries for ttl and at
// most capacity records.
func NewRelayRecords(ttl time.Duration, capacity uint64) *RelayRecords {
	return &RelayRecords{
		byID: ttlcache.New(
			ttlcache.WithTTL[string, *RelayRecord](ttl),
			ttlcache.WithCapacity[string, *RelayRecord](capacity),
			ttlcache.WithDisableTouchOnHit[string, *RelayRecord](),
		),
		byFingerprint: ttlcache.New(
			ttlcache.WithTTL[string, string](ttl),
			ttlcache.WithCapacity[string, string](capacity),
			ttlcache.WithDisableTouchOnHit[string, string](),
		),
	}
}

// Start launches the background eviction loops.
func (r *RelayRecords) Start() {
	go r.byID.Start()
	go r.byFingerprint.Start()
}

// Stop halts eviction.
func (r *RelayRecords) Stop() {
	r.byID.Stop()
	r.byFingerprint.Stop()
}

// Fingerprint returns the retention key for a payload relayed into a
// conversation. Scoping by the destination room or channel keeps a foreign
// user coincidentally posting the same text elsewhere from matching.
func Fingerprint(conversation, payload string) string {
	sum := sha256.Sum256([]byte(conversation + "\x00" + payload))
	return hex.EncodeToString(sum[:16])
}

// Insert records a completed relay into a destination conversation. It is
// idempotent: redelivery of an already-recorded source event ID leaves the
// first record in place and returns false.
func (r *RelayRecords) Insert(sourceEventID, destEventID, conversation, payload string) bool {
	if r.byID.Has(sourceEventID) {
		return false
	}
	rec := &RelayRecord{
		SourceEventID: sourceEventID,
		DestEventID:   destEventID,
		Fingerprint:   Fingerprint(conversation, payload),
		RelayedAt:     time.Now().UTC(),
	}
	r.byID.Set(sourceEventID, rec, ttlcache.DefaultTTL)
	r.byFingerprint.Set(rec.Fingerprint, sourceEventID, ttlcache.DefaultTTL)
	return true
}

// Lookup returns the record for a source event ID, if still retained.
func (r *RelayRecords) Lookup(sourceEventID string) (*RelayRecord, bool) {
	item := r.byID.Get(sourceEventID)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// MatchesPayload reports whether the payload matches a pending record for
// the conversation. Defends against destination protocols that do not tag
// relayed events.
func (r *RelayRecords) MatchesPayload(conversation, payload string) bool {
	return r.byFingerprint.Has(Fingerprint(conversation, payload))
}

// Len returns the number of retained records.
func (r *RelayRecords) Len() int {
	return r.byID.Len()
}

// Export snapshots the retained records for persistence.
func (r *RelayRecords) Export() []*RelayRecord {
	var out []*RelayRecord
	for _, item := range r.byID.Items() {
		out = append(out, item.Value())
	}
	return out
}

// Import restores records from a persisted snapshot, skipping entries whose
// retention window has already passed.
func (r *RelayRecords) Import(records []*RelayRecord, ttl time.Duration) {
	now := time.Now()
	for _, rec := range records {
		remaining := ttl - now.Sub(rec.RelayedAt)
		if remaining <= 0 {
			continue
		}
		r.byID.Set(rec.SourceEventID, rec, remaining)
		r.byFingerprint.Set(rec.Fingerprint, rec.SourceEventID, remaining)
	}
}
