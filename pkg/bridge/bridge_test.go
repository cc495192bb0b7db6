// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func TestScanEnvPuppets(t *testing.T) {
	environ := []string{
		"BRIDGE_PUPPET_ALICE_MXID=@alice:example.com",
		"BRIDGE_PUPPET_ALICE_TOKEN=tok-a",
		"BRIDGE_PUPPET_BOB_MXID=@bob:example.com",
		"BRIDGE_PUPPET_BOB_TOKEN=tok-b",
		"BRIDGE_PUPPET_BOB_URL=https://other.example.com",
		"BRIDGE_PUPPET_BROKEN_MXID=@broken:example.com",
		"PATH=/usr/bin",
		"BRIDGE_API_ADDR=:29320",
	}
	entries := ScanEnvPuppets(environ)
	if len(entries) != 2 {
		t.Fatalf("expected 2 complete entries, got %d: %+v", len(entries), entries)
	}
	if entries[0].Slug != "alice" || entries[0].MXID != "@alice:example.com" || entries[0].Token != "tok-a" {
		t.Errorf("unexpected first entry %+v", entries[0])
	}
	if entries[1].Slug != "bob" || entries[1].ServerURL != "https://other.example.com" {
		t.Errorf("unexpected second entry %+v", entries[1])
	}
}

func TestScanEnvPuppets_Empty(t *testing.T) {
	if got := ScanEnvPuppets([]string{"PATH=/usr/bin"}); len(got) != 0 {
		t.Errorf("expected no entries, got %+v", got)
	}
}

func newTestBridge(t *testing.T, mm *fakeMM) *Bridge {
	t.Helper()
	cfg := &Config{
		Matrix: MatrixConfig{
			HomeserverURL: "http://localhost:0",
			ServerName:    "example.com",
			BotMXID:       "@bridgebot:example.com",
			GhostPrefix:   "mattermost_",
		},
		Mattermost: MattermostConfig{
			ServerURL: mm.Server.URL,
			BotToken:  "tok-relay",
		},
		StateFile: filepath.Join(t.TempDir(), "state.json"),
	}
	br, err := New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to build bridge: %v", err)
	}
	return br
}

func TestBridge_ReloadPuppets(t *testing.T) {
	mm := newFakeMM()
	defer mm.Close()
	mm.AddUser("tok-relay", "uid-relay", "bridge-relay")
	mm.AddUser("tok-a", "uid-a", "puppet-a")
	mm.AddUser("tok-b", "uid-b", "puppet-b")
	br := newTestBridge(t, mm)

	res, err := br.ReloadPuppets(context.Background(), []PuppetEntry{
		{Slug: "alice", MXID: "@alice:example.com", Token: "tok-a"},
		{Slug: "bob", MXID: "@bob:example.com", Token: "tok-b"},
	}, false)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if res.Added != 2 || res.Removed != 0 || res.Total != 2 {
		t.Errorf("unexpected result %+v", res)
	}

	// Replacing with a single entry removes the other.
	res, err = br.ReloadPuppets(context.Background(), []PuppetEntry{
		{Slug: "alice", MXID: "@alice:example.com", Token: "tok-a"},
	}, false)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if res.Added != 0 || res.Removed != 1 || res.Total != 1 {
		t.Errorf("unexpected result %+v", res)
	}
	if _, ok := br.puppets.Lookup("@bob:example.com"); ok {
		t.Error("removed identity still resolves")
	}
}

func TestBridge_ReloadMergeKeepsExisting(t *testing.T) {
	mm := newFakeMM()
	defer mm.Close()
	mm.AddUser("tok-a", "uid-a", "puppet-a")
	mm.AddUser("tok-b", "uid-b", "puppet-b")
	br := newTestBridge(t, mm)

	if _, err := br.ReloadPuppets(context.Background(), []PuppetEntry{
		{Slug: "alice", MXID: "@alice:example.com", Token: "tok-a"},
	}, false); err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	res, err := br.ReloadPuppets(context.Background(), []PuppetEntry{
		{Slug: "bob", MXID: "@bob:example.com", Token: "tok-b"},
	}, true)
	if err != nil {
		t.Fatalf("merge reload failed: %v", err)
	}
	if res.Added != 1 || res.Removed != 0 || res.Total != 2 {
		t.Errorf("unexpected result %+v", res)
	}
	if _, ok := br.puppets.Lookup("@alice:example.com"); !ok {
		t.Error("merge dropped the existing mapping")
	}
}

func TestBridge_ReloadReusesUnchangedCredentials(t *testing.T) {
	mm := newFakeMM()
	defer mm.Close()
	mm.AddUser("tok-a", "uid-a", "puppet-a")
	br := newTestBridge(t, mm)

	entries := []PuppetEntry{{Slug: "alice", MXID: "@alice:example.com", Token: "tok-a"}}
	if _, err := br.ReloadPuppets(context.Background(), entries, false); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	first, _ := br.puppets.Lookup("@alice:example.com")

	if _, err := br.ReloadPuppets(context.Background(), entries, false); err != nil {
		t.Fatalf("second reload failed: %v", err)
	}
	second, _ := br.puppets.Lookup("@alice:example.com")

	if first != second {
		t.Error("an unchanged credential should keep its verified client")
	}
	// Only one GetMe for the unchanged token across both reloads.
	verifies := 0
	for _, call := range mm.Calls() {
		if call.Path == "/api/v4/users/me" {
			verifies++
		}
	}
	if verifies != 1 {
		t.Errorf("expected 1 credential verification, got %d", verifies)
	}
}

func TestBridge_ReloadRejectsConflicts(t *testing.T) {
	mm := newFakeMM()
	defer mm.Close()
	mm.AddUser("tok-a", "uid-shared", "puppet-a")
	mm.AddUser("tok-b", "uid-shared", "puppet-b")
	mm.AddUser("tok-c", "uid-c", "puppet-c")
	br := newTestBridge(t, mm)

	if _, err := br.ReloadPuppets(context.Background(), []PuppetEntry{
		{Slug: "carol", MXID: "@carol:example.com", Token: "tok-c"},
	}, false); err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	_, err := br.ReloadPuppets(context.Background(), []PuppetEntry{
		{Slug: "alice", MXID: "@alice:example.com", Token: "tok-a"},
		{Slug: "bob", MXID: "@bob:example.com", Token: "tok-b"},
	}, false)
	var verr *ValidationError
	if !asValidation(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	// The prior mapping stays in force.
	if _, ok := br.puppets.Lookup("@carol:example.com"); !ok {
		t.Error("rejected reload must leave the prior map intact")
	}
	if br.puppets.Len() != 1 {
		t.Errorf("expected 1 puppet, got %d", br.puppets.Len())
	}
}

func TestBridge_ReloadPersistsEntries(t *testing.T) {
	mm := newFakeMM()
	defer mm.Close()
	mm.AddUser("tok-a", "uid-a", "puppet-a")
	br := newTestBridge(t, mm)

	if _, err := br.ReloadPuppets(context.Background(), []PuppetEntry{
		{Slug: "alice", MXID: "@alice:example.com", Token: "tok-a"},
	}, false); err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	reloaded, err := LoadStateFile(br.cfg.StateFile, zerolog.Nop())
	if err != nil {
		t.Fatalf("state reload failed: %v", err)
	}
	snap := reloaded.Snapshot()
	if len(snap.Puppets) != 1 || snap.Puppets[0].MXID != "@alice:example.com" {
		t.Errorf("puppet entries not persisted: %+v", snap.Puppets)
	}
}

// Channel sync persists from the feed goroutine while admin calls mutate
// the entry map; both must serialize on the same lock.
func TestBridge_PersistStateConcurrentWithRegister(t *testing.T) {
	mm := newFakeMM()
	defer mm.Close()
	const n = 20
	for i := 0; i < n; i++ {
		mm.AddUser(fmt.Sprintf("tok-%d", i), fmt.Sprintf("uid-%d", i), fmt.Sprintf("puppet-%d", i))
	}
	br := newTestBridge(t, mm)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			entry := PuppetEntry{
				Slug:  fmt.Sprintf("user%d", i),
				MXID:  fmt.Sprintf("@user%d:example.com", i),
				Token: fmt.Sprintf("tok-%d", i),
			}
			if err := br.RegisterPuppet(context.Background(), entry); err != nil {
				t.Errorf("register %d failed: %v", i, err)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			br.persistState()
		}
	}()
	wg.Wait()

	if br.puppets.Len() != n {
		t.Errorf("expected %d puppets, got %d", n, br.puppets.Len())
	}
	reloaded, err := LoadStateFile(br.cfg.StateFile, zerolog.Nop())
	if err != nil {
		t.Fatalf("state reload failed: %v", err)
	}
	if got := len(reloaded.Snapshot().Puppets); got != n {
		t.Errorf("expected %d persisted entries, got %d", n, got)
	}
}

func TestBridge_RegisterPuppet(t *testing.T) {
	mm := newFakeMM()
	defer mm.Close()
	mm.AddUser("tok-a", "uid-a", "puppet-a")
	mm.AddUser("tok-b", "uid-b", "puppet-b")
	br := newTestBridge(t, mm)

	if err := br.RegisterPuppet(context.Background(), PuppetEntry{Slug: "alice", MXID: "@alice:example.com", Token: "tok-a"}); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if br.puppets.Len() != 1 {
		t.Errorf("expected 1 puppet, got %d", br.puppets.Len())
	}

	// Registering the same identity again is rejected.
	if err := br.RegisterPuppet(context.Background(), PuppetEntry{Slug: "alice2", MXID: "@alice:example.com", Token: "tok-b"}); err == nil {
		t.Error("expected duplicate registration to fail")
	}
}
