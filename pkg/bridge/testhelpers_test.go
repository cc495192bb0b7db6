// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

// fakeMM is a test helper that wraps an httptest.Server simulating the
// Mattermost API. It records calls and provides canned responses.
type fakeMM struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []endpointCall
	posts []*model.Post

	// TokenToUser maps bearer tokens to users for GetMe auth.
	TokenToUser map[string]*model.User
	// Teams maps user ID to team list.
	Teams map[string][]*model.Team
	// TeamChannels maps team ID to channel list.
	TeamChannels map[string][]*model.Channel
	// FailPosts makes the next N CreatePost calls return 500.
	FailPosts int
	// PostDelay stalls every CreatePost before responding.
	PostDelay time.Duration
	// RejectTokens makes CreatePost return 401 for specific tokens.
	RejectTokens map[string]bool
}

func newFakeMM() *fakeMM {
	f := &fakeMM{
		TokenToUser:  make(map[string]*model.User),
		Teams:        make(map[string][]*model.Team),
		TeamChannels: make(map[string][]*model.Channel),
		RejectTokens: make(map[string]bool),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeMM) Close() {
	f.Server.Close()
}

// AddUser registers a token and returns the created user.
func (f *fakeMM) AddUser(token, userID, username string) *model.User {
	u := &model.User{Id: userID, Username: username}
	f.TokenToUser[token] = u
	return u
}

func (f *fakeMM) Posts() []*model.Post {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]*model.Post, len(f.posts))
	copy(cp, f.posts)
	return cp
}

func (f *fakeMM) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

func (f *fakeMM) resolveToken(r *http.Request) *model.User {
	auth := r.Header.Get("Authorization")
	for tok, user := range f.TokenToUser {
		// model.Client4 uses "BEARER" (uppercase), standard HTTP uses "Bearer".
		if auth == "BEARER "+tok || auth == "Bearer "+tok {
			return user
		}
	}
	return nil
}

func appError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"message":     message,
		"status_code": status,
	})
}

func (f *fakeMM) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.calls = append(f.calls, endpointCall{Method: r.Method, Path: r.URL.Path, Body: string(body), Auth: r.Header.Get("Authorization")})
	f.mu.Unlock()

	path := r.URL.Path
	switch {
	// GET /api/v4/users/me
	case r.Method == "GET" && path == "/api/v4/users/me":
		if u := f.resolveToken(r); u != nil {
			_ = json.NewEncoder(w).Encode(u)
			return
		}
		appError(w, http.StatusUnauthorized, "unauthorized")

	// GET /api/v4/users/{uid}/teams/{tid}/channels
	case r.Method == "GET" && strings.Contains(path, "/teams/") && strings.HasSuffix(path, "/channels"):
		parts := strings.Split(path, "/")
		// /api/v4/users/{uid}/teams/{tid}/channels
		if len(parts) >= 8 {
			if chs, ok := f.TeamChannels[parts[6]]; ok {
				_ = json.NewEncoder(w).Encode(chs)
				return
			}
		}
		_ = json.NewEncoder(w).Encode([]*model.Channel{})

	// GET /api/v4/users/{uid}/teams
	case r.Method == "GET" && strings.HasSuffix(path, "/teams"):
		parts := strings.Split(path, "/")
		if len(parts) >= 5 {
			if teams, ok := f.Teams[parts[4]]; ok {
				_ = json.NewEncoder(w).Encode(teams)
				return
			}
		}
		_ = json.NewEncoder(w).Encode([]*model.Team{})

	// POST /api/v4/posts
	case r.Method == "POST" && path == "/api/v4/posts":
		f.mu.Lock()
		delay := f.PostDelay
		shouldFail := f.FailPosts > 0
		if shouldFail {
			f.FailPosts--
		}
		f.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}
		if shouldFail {
			appError(w, http.StatusInternalServerError, "fake error")
			return
		}
		auth := r.Header.Get("Authorization")
		for tok, reject := range f.RejectTokens {
			if reject && (auth == "BEARER "+tok || auth == "Bearer "+tok) {
				appError(w, http.StatusUnauthorized, "token revoked")
				return
			}
		}
		var post model.Post
		_ = json.Unmarshal(body, &post)
		f.mu.Lock()
		post.Id = fmt.Sprintf("post-%d", len(f.posts)+1)
		f.posts = append(f.posts, &post)
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(&post)

	default:
		http.NotFound(w, r)
	}
}

// fakeMatrix implements matrixPoster and captures sends for assertions.
type fakeMatrix struct {
	mu     sync.Mutex
	ghosts []fakeSend
	bots   []fakeSend
	// Err fails every send when set.
	Err error
	// FailSends makes the next N sends fail with a retryable server
	// error, then succeed.
	FailSends int
	next      int
}

type fakeSend struct {
	RoomID        id.RoomID
	Username      string
	Body          string
	FormattedBody string
}

func (m *fakeMatrix) fail() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSends > 0 {
		m.FailSends--
		return mautrix.HTTPError{Response: &http.Response{StatusCode: http.StatusBadGateway}}
	}
	return m.Err
}

func (m *fakeMatrix) SendAsGhost(_ context.Context, roomID id.RoomID, username, body, formattedBody string) (id.EventID, error) {
	if err := m.fail(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ghosts = append(m.ghosts, fakeSend{RoomID: roomID, Username: username, Body: body, FormattedBody: formattedBody})
	m.next++
	return id.EventID(fmt.Sprintf("$ghost-%d", m.next)), nil
}

func (m *fakeMatrix) SendAsBot(_ context.Context, roomID id.RoomID, body, formattedBody string) (id.EventID, error) {
	if err := m.fail(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bots = append(m.bots, fakeSend{RoomID: roomID, Body: body, FormattedBody: formattedBody})
	m.next++
	return id.EventID(fmt.Sprintf("$bot-%d", m.next)), nil
}

func (m *fakeMatrix) GhostSends() []fakeSend {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]fakeSend, len(m.ghosts))
	copy(cp, m.ghosts)
	return cp
}

func (m *fakeMatrix) BotSends() []fakeSend {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]fakeSend, len(m.bots))
	copy(cp, m.bots)
	return cp
}

// mustPuppet opens a puppet through a verifying credential store.
func mustPuppet(t *testing.T, mm *fakeMM, mxid, token string) *Puppet {
	t.Helper()
	cs := NewCredentialStore(mm.Server.URL, zerolog.Nop())
	p, err := cs.Open(context.Background(), PuppetEntry{MXID: mxid, Token: token})
	if err != nil {
		t.Fatalf("failed to open puppet %s: %v", mxid, err)
	}
	return p
}

// mustSnapshot builds and validates a snapshot or fails the test.
func mustSnapshot(t *testing.T, puppets ...*Puppet) *Snapshot {
	t.Helper()
	snap, err := BuildSnapshot(puppets)
	if err != nil {
		t.Fatalf("failed to build snapshot: %v", err)
	}
	return snap
}
