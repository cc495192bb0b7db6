// Copyright 2024-2026 Aiku AI

package bridge

import (
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"maunium.net/go/mautrix/id"
)

// Origin identifies which protocol feed produced an event.
type Origin string

const (
	OriginMatrix     Origin = "matrix"
	OriginMattermost Origin = "mattermost"
)

// Content keys attached to Matrix events posted by this bridge. RelayedKey
// marks an event as bridge output so it is never re-ingested; OrigSenderKey
// carries the original author identity when an intermediary appservice
// forwarded the event on the author's behalf.
const (
	RelayedKey    = "com.aiku.puppetbridge.relayed"
	OrigSenderKey = "com.aiku.puppetbridge.orig_sender"
)

// PropFromMatrix is the Mattermost post prop set on every post created by
// the bridge. Posts carrying it are bridge output echoing back.
const PropFromMatrix = "from_matrix"

// InboundEvent is a single message received from either protocol feed.
// Produced by the ingestion loops, consumed exactly once by the relay router.
type InboundEvent struct {
	Origin Origin

	// Sender is the raw sender identity on the origin protocol: a Matrix
	// MXID or a Mattermost user ID.
	Sender string
	// SenderName is the human-readable name used for fallback prefixing.
	SenderName string
	// OrigSender, when non-empty, names the true author of a forwarded
	// event. It takes precedence over Sender during puppet resolution.
	OrigSender string

	RoomID  string
	EventID string
	// TraceID correlates the log lines of one relay attempt. Assigned at
	// pipeline intake.
	TraceID string

	Payload string
	// FormattedPayload holds the origin-native rich body (HTML for Matrix
	// events). Empty when the message is plain text.
	FormattedPayload string

	// Bridged is set when the event carries a protocol-native relayed
	// marker (post prop or Matrix content key).
	Bridged bool

	Timestamp time.Time
}

// PuppetEntry describes one puppet mapping as provided by configuration,
// environment variables, or the admin reload API.
type PuppetEntry struct {
	Slug  string `json:"slug"`
	MXID  string `json:"mxid"`
	Token string `json:"token"`
	// ServerURL overrides the default Mattermost server for this puppet.
	ServerURL string `json:"server_url,omitempty"`
}

// Puppet pairs one Matrix identity with one Mattermost account. Instances
// are owned by the puppet map and never mutated after construction; reloads
// replace the whole snapshot instead.
type Puppet struct {
	MXID       id.UserID
	MMUserID   string
	MMUsername string
	CreatedAt  time.Time

	// client posts to Mattermost as this puppet. The credential lives
	// inside it and must never be rendered in logs or error text.
	client *model.Client4
}

// Client returns the Mattermost API client authenticated as this puppet.
func (p *Puppet) Client() *model.Client4 {
	return p.client
}

// token returns the credential for change detection during reload.
func (p *Puppet) token() string {
	if p.client == nil {
		return ""
	}
	return p.client.AuthToken
}
