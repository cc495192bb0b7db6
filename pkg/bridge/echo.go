// Copyright 2024-2026 Aiku AI

package bridge

import (
	"strings"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// EchoGuard classifies inbound events as the bridge's own relayed output
// (to be dropped) or foreign traffic (eligible for relay). No single signal
// is reliable across both protocols: markers get stripped, puppets post
// back under their own accounts, and untagged relays carry nothing but the
// payload. The guard therefore layers four checks and takes the first
// match.
type EchoGuard struct {
	botMXID     id.UserID
	botMMUserID string
	// ghostPrefix is the localpart prefix of Matrix ghost users created by
	// the bridge for Mattermost senders.
	ghostPrefix string
	// botUsernamePrefix optionally matches Mattermost usernames of
	// bridge-managed bots (the configurable prefix layer).
	botUsernamePrefix string

	puppets *PuppetMap
	records *RelayRecords
	log     zerolog.Logger
}

// NewEchoGuard wires the guard against the live puppet map and relay
// record set.
func NewEchoGuard(botMXID id.UserID, botMMUserID, ghostPrefix, botUsernamePrefix string, puppets *PuppetMap, records *RelayRecords, log zerolog.Logger) *EchoGuard {
	return &EchoGuard{
		botMXID:           botMXID,
		botMMUserID:       botMMUserID,
		ghostPrefix:       ghostPrefix,
		botUsernamePrefix: botUsernamePrefix,
		puppets:           puppets,
		records:           records,
		log:               log.With().Str("component", "echo_guard").Logger(),
	}
}

// IsEcho reports whether the event is bridge output reappearing on an
// ingestion feed. Classification order, first match wins:
//  1. sender is the bridge's own account on either protocol
//  2. the event carries a protocol-native relayed/bridged marker
//  3. the sender is one of our puppets posting back
//  4. the payload matches a pending relay record
func (g *EchoGuard) IsEcho(ev *InboundEvent) bool {
	switch {
	case g.isSelf(ev):
		g.drop(ev, "own account")
		return true
	case g.hasBridgedMarker(ev):
		g.drop(ev, "relayed marker")
		return true
	case g.isPuppetSender(ev):
		g.drop(ev, "puppet sender")
		return true
	case g.matchesRecentRelay(ev):
		g.drop(ev, "relay record")
		return true
	}
	return false
}

// isSelf matches the bridge's own system account on the event's origin.
func (g *EchoGuard) isSelf(ev *InboundEvent) bool {
	switch ev.Origin {
	case OriginMatrix:
		return id.UserID(ev.Sender) == g.botMXID
	case OriginMattermost:
		return ev.Sender == g.botMMUserID
	}
	return false
}

// hasBridgedMarker matches protocol-native relay tags: the explicit marker
// set by this bridge, ghost-user senders on the Matrix side, and the
// configurable bot username prefix on the Mattermost side.
func (g *EchoGuard) hasBridgedMarker(ev *InboundEvent) bool {
	if ev.Bridged {
		return true
	}
	if ev.Origin == OriginMatrix && g.ghostPrefix != "" {
		if strings.HasPrefix(string(id.UserID(ev.Sender)), "@"+g.ghostPrefix) {
			return true
		}
	}
	if ev.Origin == OriginMattermost && g.botUsernamePrefix != "" && ev.SenderName != "" {
		if strings.HasPrefix(ev.SenderName, g.botUsernamePrefix) {
			return true
		}
	}
	return false
}

// isPuppetSender matches posts made on the destination protocol by one of
// our own puppet accounts.
func (g *EchoGuard) isPuppetSender(ev *InboundEvent) bool {
	if ev.Origin != OriginMattermost {
		return false
	}
	return g.puppets.IsPuppetDestination(ev.Sender)
}

// matchesRecentRelay matches payloads we relayed into this conversation
// within the retention window. Last line of defense against feeds that
// strip every marker.
func (g *EchoGuard) matchesRecentRelay(ev *InboundEvent) bool {
	return g.records.MatchesPayload(ev.RoomID, ev.Payload)
}

func (g *EchoGuard) drop(ev *InboundEvent, rule string) {
	g.log.Debug().
		Str("origin", string(ev.Origin)).
		Str("event_id", ev.EventID).
		Str("sender", ev.Sender).
		Str("rule", rule).
		Msg("Dropping echo")
}
