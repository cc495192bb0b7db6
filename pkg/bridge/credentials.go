// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// CredentialStore opens and verifies Mattermost credentials and tracks
// which identities are currently degraded (credential rejected at relay
// time). It never stores tokens itself; the authenticated client carries
// them. Safe for concurrent use.
type CredentialStore struct {
	serverURL string
	log       zerolog.Logger

	mu       sync.Mutex
	degraded map[id.UserID]time.Time
}

// NewCredentialStore creates a store that authenticates against the given
// Mattermost server unless an entry overrides the URL.
func NewCredentialStore(serverURL string, log zerolog.Logger) *CredentialStore {
	return &CredentialStore{
		serverURL: serverURL,
		log:       log.With().Str("component", "credentials").Logger(),
		degraded:  make(map[id.UserID]time.Time),
	}
}

// Open builds an authenticated client for the entry and verifies the
// credential against the Mattermost API. The token value never appears in
// the returned error or in logs.
func (cs *CredentialStore) Open(ctx context.Context, entry PuppetEntry) (*Puppet, error) {
	serverURL := entry.ServerURL
	if serverURL == "" {
		serverURL = cs.serverURL
	}

	client := model.NewAPIv4Client(serverURL)
	client.SetToken(entry.Token)

	me, _, err := client.GetMe(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to verify credential for %s: %w", entry.MXID, err)
	}

	mxid := id.UserID(entry.MXID)
	cs.clearDegraded(mxid)
	return &Puppet{
		MXID:       mxid,
		MMUserID:   me.Id,
		MMUsername: me.Username,
		CreatedAt:  time.Now().UTC(),
		client:     client,
	}, nil
}

// MarkDegraded records that the identity's credential was rejected. The
// mapping itself is not removed; relays for this identity fall back to the
// relay credential until an admin reload replaces the token.
func (cs *CredentialStore) MarkDegraded(identity id.UserID) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if _, ok := cs.degraded[identity]; !ok {
		cs.log.Warn().Str("identity", string(identity)).Msg("Credential marked degraded")
	}
	cs.degraded[identity] = time.Now().UTC()
}

// IsDegraded reports whether the identity's credential is known bad.
func (cs *CredentialStore) IsDegraded(identity id.UserID) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	_, ok := cs.degraded[identity]
	return ok
}

func (cs *CredentialStore) clearDegraded(identity id.UserID) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	delete(cs.degraded, identity)
}

// DegradedCount returns how many identities currently hold a rejected
// credential. Exposed through the health endpoint.
func (cs *CredentialStore) DegradedCount() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.degraded)
}
