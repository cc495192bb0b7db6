// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// EnvPuppetPrefix is the prefix of environment variables scanned for
// puppet mappings: BRIDGE_PUPPET_<NAME>_MXID, _TOKEN and optional _URL.
const EnvPuppetPrefix = "BRIDGE_PUPPET_"

// Bridge owns every component and wires the two ingestion feeds through
// the echo guard and relay router.
type Bridge struct {
	cfg *Config
	log zerolog.Logger

	state   *StateFile
	creds   *CredentialStore
	puppets *PuppetMap
	portals *PortalStore
	records *RelayRecords
	matrix  *MatrixSender
	health  *Health

	relayClient *model.Client4

	pipeline *Pipeline
	admin    *AdminAPI
	mmFeed   *MattermostFeed
	mxFeed   *MatrixFeed

	// reloadMu serializes puppet map reloads; entries mirrors the current
	// snapshot for persistence.
	reloadMu sync.Mutex
	entries  map[id.UserID]PuppetEntry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ adminBackend = (*Bridge)(nil)

// New builds the bridge from configuration. Network connections are not
// opened until Start.
func New(cfg *Config, log zerolog.Logger) (*Bridge, error) {
	state, err := LoadStateFile(cfg.StateFile, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}

	matrix, err := NewMatrixSender(cfg.Matrix, log)
	if err != nil {
		return nil, err
	}
	matrix.Bot().Store = state

	relayClient := model.NewAPIv4Client(cfg.Mattermost.ServerURL)
	relayClient.SetToken(cfg.Mattermost.BotToken)

	ttl := cfg.Relay.RecordTTL.Get(2 * time.Minute)
	records := NewRelayRecords(ttl, cfg.Relay.RecordCapacity)
	portals := NewPortalStore()

	saved := state.Snapshot()
	portals.Import(saved.Portals)
	records.Import(saved.Records, ttl)

	br := &Bridge{
		cfg:         cfg,
		log:         log,
		state:       state,
		creds:       NewCredentialStore(cfg.Mattermost.ServerURL, log),
		puppets:     NewPuppetMap(log),
		portals:     portals,
		records:     records,
		matrix:      matrix,
		health:      NewHealth(),
		relayClient: relayClient,
		entries:     make(map[id.UserID]PuppetEntry),
	}
	br.admin = NewAdminAPI(cfg.Admin, br, log)
	return br, nil
}

// Start connects to both protocols and begins relaying. It returns once
// the feeds are running; use Stop for a graceful shutdown.
func (br *Bridge) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	br.cancel = cancel

	verifyCtx, verifyCancel := context.WithTimeout(runCtx, 30*time.Second)
	defer verifyCancel()
	me, _, err := br.relayClient.GetMe(verifyCtx, "")
	if err != nil {
		cancel()
		return fmt.Errorf("failed to verify relay credential: %w", err)
	}
	br.log.Info().Str("relay_username", me.Username).Msg("Mattermost relay session verified")

	guard := NewEchoGuard(
		id.UserID(br.cfg.Matrix.BotMXID),
		me.Id,
		br.cfg.Matrix.GhostPrefix,
		br.cfg.Mattermost.BotPrefix,
		br.puppets,
		br.records,
		br.log,
	)
	router := NewRouter(
		br.puppets, br.creds, br.records, br.portals,
		br.matrix, br.relayClient, me.Id,
		true, br.cfg.Relay, br.log,
	)
	br.pipeline = NewPipeline(guard, router, br.cfg.Relay.QueueSize, br.log)

	if err := br.restorePuppets(runCtx); err != nil {
		cancel()
		return err
	}

	br.records.Start()

	cursor, err := br.state.LoadNextBatch(runCtx, br.matrix.Bot().UserID)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to load sync cursor: %w", err)
	}
	fresh := cursor == ""
	br.mmFeed = NewMattermostFeed(
		br.cfg.Mattermost, br.cfg.Relay, br.relayClient,
		br.portals, br.matrix, br.pipeline, br.health,
		br.persistState, br.log,
	)
	br.mxFeed = NewMatrixFeed(br.matrix.Bot(), br.cfg.Relay, br.pipeline, br.health, fresh, br.log)

	br.wg.Add(2)
	go func() {
		defer br.wg.Done()
		br.mmFeed.Run(runCtx)
	}()
	go func() {
		defer br.wg.Done()
		br.mxFeed.Run(runCtx)
	}()

	br.wg.Add(1)
	go func() {
		defer br.wg.Done()
		if err := br.admin.Start(br.cfg.Admin.ListenAddr); err != nil {
			br.log.Error().Err(err).Msg("Admin API stopped")
		}
	}()

	br.log.Info().
		Int("puppets", br.puppets.Len()).
		Int("portals", br.portals.Len()).
		Msg("Bridge started")
	return nil
}

// Stop shuts the bridge down in order: feeds first so no new events
// arrive, then the pipeline drains queued events, then state is persisted.
func (br *Bridge) Stop(ctx context.Context) {
	if br.cancel != nil {
		br.cancel()
	}
	if err := br.admin.Stop(ctx); err != nil {
		br.log.Warn().Err(err).Msg("Admin API shutdown failed")
	}
	if br.pipeline != nil {
		br.pipeline.Close()
	}
	br.records.Stop()
	br.wg.Wait()
	br.persistState()
	br.log.Info().Msg("Bridge stopped")
}

// restorePuppets rebuilds the puppet map from persisted entries overlaid
// with the environment. A credential that no longer verifies is logged and
// skipped; it does not block startup.
func (br *Bridge) restorePuppets(ctx context.Context) error {
	byMXID := make(map[id.UserID]PuppetEntry)
	for _, entry := range br.state.Snapshot().Puppets {
		byMXID[id.UserID(entry.MXID)] = entry
	}
	for _, entry := range ScanEnvPuppets(os.Environ()) {
		byMXID[id.UserID(entry.MXID)] = entry
	}
	if len(byMXID) == 0 {
		br.log.Warn().Msg("No puppet mappings configured, all traffic will use the relay fallback")
		return nil
	}

	var puppets []*Puppet
	for mxid, entry := range byMXID {
		p, err := br.creds.Open(ctx, entry)
		if err != nil {
			br.log.Warn().Err(err).Str("identity", string(mxid)).Msg("Skipping puppet with unverifiable credential")
			continue
		}
		puppets = append(puppets, p)
		br.entries[mxid] = entry
	}

	snap, err := BuildSnapshot(puppets)
	if err != nil {
		return fmt.Errorf("persisted puppet mappings are invalid: %w", err)
	}
	br.puppets.Reload(snap)
	return nil
}

// ReloadPuppets atomically replaces the puppet map. A nil entries slice
// rescans the environment; merge layers the entries over the current map
// instead of replacing it. In-flight relays keep the snapshot they started
// with.
func (br *Bridge) ReloadPuppets(ctx context.Context, entries []PuppetEntry, merge bool) (*ReloadResult, error) {
	if entries == nil {
		entries = ScanEnvPuppets(os.Environ())
	}

	br.reloadMu.Lock()
	defer br.reloadMu.Unlock()

	desired := make(map[id.UserID]PuppetEntry)
	if merge {
		for mxid, entry := range br.entries {
			desired[mxid] = entry
		}
	}
	for _, entry := range entries {
		desired[id.UserID(entry.MXID)] = entry
	}

	prev := br.puppets.Current()
	var puppets []*Puppet
	for mxid, entry := range desired {
		// Unchanged credentials keep their verified client.
		if existing, ok := prev.Lookup(mxid); ok && existing.token() == entry.Token {
			puppets = append(puppets, existing)
			continue
		}
		p, err := br.creds.Open(ctx, entry)
		if err != nil {
			return nil, err
		}
		puppets = append(puppets, p)
	}

	snap, err := BuildSnapshot(puppets)
	if err != nil {
		return nil, err
	}
	old := br.puppets.Reload(snap)

	added, removed := 0, 0
	for _, p := range snap.Puppets() {
		if _, ok := old.Lookup(p.MXID); !ok {
			added++
		}
	}
	for _, p := range old.Puppets() {
		if _, ok := snap.Lookup(p.MXID); !ok {
			removed++
		}
	}

	br.entries = desired
	br.persistStateLocked()
	return &ReloadResult{Added: added, Removed: removed, Total: snap.Len()}, nil
}

// RegisterPuppet verifies and adds a single mapping without touching the
// rest of the map.
func (br *Bridge) RegisterPuppet(ctx context.Context, entry PuppetEntry) error {
	br.reloadMu.Lock()
	defer br.reloadMu.Unlock()

	p, err := br.creds.Open(ctx, entry)
	if err != nil {
		return err
	}
	if err := br.puppets.Register(p); err != nil {
		return err
	}
	br.entries[p.MXID] = entry
	br.persistStateLocked()
	return nil
}

// HealthSnapshot returns the per-feed connection states.
func (br *Bridge) HealthSnapshot() map[string]string {
	return br.health.Snapshot()
}

// DegradedCredentials returns how many puppet credentials are currently
// rejected and relaying via the fallback.
func (br *Bridge) DegradedCredentials() int {
	return br.creds.DegradedCount()
}

// Ready reports whether every feed is streaming.
func (br *Bridge) Ready() bool {
	return br.health.Ready()
}

// persistState writes puppet entries, portals and relay records to the
// state file. Failures are logged, not fatal; the bridge keeps relaying
// from memory. It is called from the feed goroutines and from Stop, so it
// takes reloadMu itself; reload paths that already hold it use
// persistStateLocked.
func (br *Bridge) persistState() {
	br.reloadMu.Lock()
	defer br.reloadMu.Unlock()
	br.persistStateLocked()
}

// persistStateLocked requires br.reloadMu.
func (br *Bridge) persistStateLocked() {
	entries := make([]PuppetEntry, 0, len(br.entries))
	for _, entry := range br.entries {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].MXID < entries[j].MXID
	})
	if err := br.state.Update(entries, br.portals.Export(), br.records.Export()); err != nil {
		br.log.Error().Err(err).Msg("Failed to persist state")
	}
}

// ScanEnvPuppets collects puppet entries from environment variables of the
// form BRIDGE_PUPPET_<NAME>_MXID, BRIDGE_PUPPET_<NAME>_TOKEN and optional
// BRIDGE_PUPPET_<NAME>_URL. Names missing either the MXID or the token are
// ignored.
func ScanEnvPuppets(environ []string) []PuppetEntry {
	type partial struct {
		mxid, token, url string
	}
	found := make(map[string]*partial)
	get := func(name string) *partial {
		p, ok := found[name]
		if !ok {
			p = &partial{}
			found[name] = p
		}
		return p
	}

	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, EnvPuppetPrefix) {
			continue
		}
		rest := strings.TrimPrefix(key, EnvPuppetPrefix)
		switch {
		case strings.HasSuffix(rest, "_MXID"):
			get(strings.TrimSuffix(rest, "_MXID")).mxid = value
		case strings.HasSuffix(rest, "_TOKEN"):
			get(strings.TrimSuffix(rest, "_TOKEN")).token = value
		case strings.HasSuffix(rest, "_URL"):
			get(strings.TrimSuffix(rest, "_URL")).url = value
		}
	}

	names := make([]string, 0, len(found))
	for name := range found {
		names = append(names, name)
	}
	sort.Strings(names)

	var entries []PuppetEntry
	for _, name := range names {
		p := found[name]
		if p.mxid == "" || p.token == "" {
			continue
		}
		entries = append(entries, PuppetEntry{
			Slug:      strings.ToLower(name),
			MXID:      p.mxid,
			Token:     p.token,
			ServerURL: p.url,
		})
	}
	return entries
}
