// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/puppetbridge/pkg/bridge/matrixfmt"
	"github.com/aiku/puppetbridge/pkg/bridge/mattermostfmt"
)

// Outbound names the identity a relay will post as. Puppet is nil on the
// fallback path.
type Outbound struct {
	Puppet       *Puppet
	Client       *model.Client4
	DestIdentity string
	// Prefix is prepended to the payload on the fallback path so
	// provenance survives even without a mapped identity.
	Prefix string
	// Path records which resolution step matched: metadata, sender or
	// fallback.
	Path string
}

// resolver is one step of the resolution chain: pure, ordered, combined
// left to right.
type resolver func(ev *InboundEvent) (Outbound, bool)

// Router resolves the outbound identity for inbound events and performs
// the cross-protocol post. Failures are reported to the caller and logged
// without credential values; they never take down the ingestion loop.
type Router struct {
	puppets *PuppetMap
	creds   *CredentialStore
	records *RelayRecords
	portals *PortalStore

	matrix        matrixPoster
	mmRelay       *model.Client4
	mmRelayUserID string
	ghostRelay    bool

	timeout     time.Duration
	maxAttempts int
	retryDelay  time.Duration

	chain []resolver
	log   zerolog.Logger
}

// NewRouter wires the router. mmRelay is the configured relay credential,
// the guaranteed fallback for unmapped senders.
func NewRouter(puppets *PuppetMap, creds *CredentialStore, records *RelayRecords, portals *PortalStore, matrix matrixPoster, mmRelay *model.Client4, mmRelayUserID string, ghostRelay bool, relayCfg RelayConfig, log zerolog.Logger) *Router {
	r := &Router{
		puppets:       puppets,
		creds:         creds,
		records:       records,
		portals:       portals,
		matrix:        matrix,
		mmRelay:       mmRelay,
		mmRelayUserID: mmRelayUserID,
		ghostRelay:    ghostRelay,
		timeout:       relayCfg.RequestTimeout.Get(10 * time.Second),
		maxAttempts:   relayCfg.MaxAttempts,
		retryDelay:    500 * time.Millisecond,
		log:           log.With().Str("component", "router").Logger(),
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = 3
	}
	// Resolution order: explicit origin metadata survives transport
	// relabeling, the raw sender is the common case, and the relay
	// fallback guarantees no message is dropped for lack of a mapping.
	r.chain = []resolver{r.resolveByMetadata, r.resolveBySender, r.resolveFallback}
	return r
}

// ResolveOutbound walks the resolution chain and returns the first match.
// The fallback step always matches.
func (r *Router) ResolveOutbound(ev *InboundEvent) Outbound {
	for _, resolve := range r.chain {
		if out, ok := resolve(ev); ok {
			return out
		}
	}
	// Unreachable: the fallback resolver always matches.
	return Outbound{Client: r.mmRelay, DestIdentity: r.mmRelayUserID, Path: "fallback"}
}

func (r *Router) resolveByMetadata(ev *InboundEvent) (Outbound, bool) {
	if ev.OrigSender == "" {
		return Outbound{}, false
	}
	return r.puppetOutbound(id.UserID(ev.OrigSender), "metadata")
}

func (r *Router) resolveBySender(ev *InboundEvent) (Outbound, bool) {
	return r.puppetOutbound(id.UserID(ev.Sender), "sender")
}

func (r *Router) puppetOutbound(identity id.UserID, path string) (Outbound, bool) {
	p, ok := r.puppets.Lookup(identity)
	if !ok {
		return Outbound{}, false
	}
	return Outbound{
		Puppet:       p,
		Client:       p.Client(),
		DestIdentity: p.MMUserID,
		Path:         path,
	}, true
}

func (r *Router) resolveFallback(ev *InboundEvent) (Outbound, bool) {
	return Outbound{
		Client:       r.mmRelay,
		DestIdentity: r.mmRelayUserID,
		Prefix:       ev.displayName() + ": ",
		Path:         "fallback",
	}, true
}

func (ev *InboundEvent) displayName() string {
	if ev.SenderName != "" {
		return ev.SenderName
	}
	return ev.Sender
}

// Relay resolves the outbound identity, formats the payload for the
// destination protocol, posts it, and records the relay. Redelivered
// events within the retention window are a no-op returning the original
// destination event ID.
func (r *Router) Relay(ctx context.Context, ev *InboundEvent) (string, error) {
	if rec, ok := r.records.Lookup(ev.EventID); ok {
		r.log.Debug().
			Str("event_id", ev.EventID).
			Str("dest_event_id", rec.DestEventID).
			Msg("Duplicate delivery, relay skipped")
		return rec.DestEventID, nil
	}

	switch ev.Origin {
	case OriginMatrix:
		return r.relayToMattermost(ctx, ev)
	case OriginMattermost:
		return r.relayToMatrix(ctx, ev)
	default:
		return "", fmt.Errorf("unknown event origin %q", ev.Origin)
	}
}

// relayToMattermost posts a Matrix event into the paired channel under the
// resolved puppet credential, or the relay credential with a sender prefix.
func (r *Router) relayToMattermost(ctx context.Context, ev *InboundEvent) (string, error) {
	portal, ok := r.portals.ByRoom(id.RoomID(ev.RoomID))
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoPortal, ev.RoomID)
	}

	body := ev.Payload
	if ev.FormattedPayload != "" {
		body = matrixfmt.ParseHTML(ev.FormattedPayload)
	}

	out := r.ResolveOutbound(ev)
	if out.Puppet != nil && r.creds.IsDegraded(out.Puppet.MXID) {
		// Known-bad credential: report through the fallback instead of
		// failing the relay. The mapping stays for admin intervention.
		r.log.Warn().
			Str("identity", string(out.Puppet.MXID)).
			Msg("Puppet degraded, relaying via fallback")
		out, _ = r.resolveFallback(ev)
	}

	message := out.Prefix + body
	delay := r.retryDelay
	var lastErr error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		post := &model.Post{
			ChannelId: portal.ChannelID,
			Message:   message,
		}
		post.AddProp(PropFromMatrix, "true")

		created, err := r.createPost(ctx, out.Client, post)
		if err == nil {
			r.records.Insert(ev.EventID, created.Id, portal.ChannelID, message)
			r.log.Info().
				Str("event_id", ev.EventID).
				Str("trace_id", ev.TraceID).
				Str("channel_id", portal.ChannelID).
				Str("post_id", created.Id).
				Str("path", out.Path).
				Str("as", out.DestIdentity).
				Msg("Relayed to Mattermost")
			return created.Id, nil
		}
		lastErr = err

		if isAuthError(err) && out.Puppet != nil {
			r.creds.MarkDegraded(out.Puppet.MXID)
			out, _ = r.resolveFallback(ev)
			message = out.Prefix + body
			continue
		}
		if isTransient(err) && attempt+1 < r.maxAttempts {
			r.log.Warn().Err(err).
				Str("event_id", ev.EventID).
				Int("attempt", attempt+1).
				Msg("Transient relay failure, retrying")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			delay *= 2
			continue
		}
		break
	}
	return "", fmt.Errorf("failed to relay event %s as %s: %w", ev.EventID, out.DestIdentity, lastErr)
}

func (r *Router) createPost(ctx context.Context, client *model.Client4, post *model.Post) (*model.Post, error) {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	created, _, err := client.CreatePost(cctx, post)
	return created, err
}

// relayToMatrix posts a Mattermost post into the paired room as the ghost
// for the sender, or as the bot with a sender prefix when ghost relaying
// is disabled.
func (r *Router) relayToMatrix(ctx context.Context, ev *InboundEvent) (string, error) {
	portal, ok := r.portals.ByChannel(ev.RoomID)
	if !ok {
		return "", fmt.Errorf("%w: channel %s", ErrNoPortal, ev.RoomID)
	}

	parsed := mattermostfmt.Parse(ev.Payload)

	delay := r.retryDelay
	var lastErr error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		var eventID id.EventID
		var err error
		var recorded string
		sctx, cancel := context.WithTimeout(ctx, r.timeout)
		if r.ghostRelay && ev.SenderName != "" {
			recorded = parsed.Body
			eventID, err = r.matrix.SendAsGhost(sctx, portal.RoomID, ev.SenderName, parsed.Body, parsed.FormattedBody)
		} else {
			recorded = ev.displayName() + ": " + parsed.Body
			eventID, err = r.matrix.SendAsBot(sctx, portal.RoomID, recorded, parsed.FormattedBody)
		}
		cancel()
		if err == nil {
			r.records.Insert(ev.EventID, string(eventID), string(portal.RoomID), recorded)
			r.log.Info().
				Str("event_id", ev.EventID).
				Str("trace_id", ev.TraceID).
				Str("room_id", string(portal.RoomID)).
				Str("matrix_event_id", string(eventID)).
				Msg("Relayed to Matrix")
			return string(eventID), nil
		}
		lastErr = err
		if isTransient(err) && attempt+1 < r.maxAttempts {
			r.log.Warn().Err(err).
				Str("event_id", ev.EventID).
				Int("attempt", attempt+1).
				Msg("Transient relay failure, retrying")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			delay *= 2
			continue
		}
		break
	}
	return "", fmt.Errorf("failed to relay event %s to matrix: %w", ev.EventID, lastErr)
}
