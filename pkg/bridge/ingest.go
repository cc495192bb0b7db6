// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// backoff produces bounded exponential reconnect delays.
type backoff struct {
	min, max time.Duration
	cur      time.Duration
}

func newBackoff(min, max time.Duration) *backoff {
	if min <= 0 {
		min = time.Second
	}
	if max < min {
		max = time.Minute
	}
	return &backoff{min: min, max: max}
}

func (b *backoff) next() time.Duration {
	if b.cur == 0 {
		b.cur = b.min
	} else {
		b.cur *= 2
	}
	if b.cur > b.max {
		b.cur = b.max
	}
	return b.cur
}

func (b *backoff) reset() {
	b.cur = 0
}

// sleepCtx waits for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// roomCreator is the slice of the Matrix side that channel sync needs to
// provision portal rooms.
type roomCreator interface {
	CreateRoom(ctx context.Context, name string) (id.RoomID, error)
}

// MattermostFeed maintains the WebSocket subscription to Mattermost and
// feeds posted events into the pipeline. It also performs the initial
// channel sync that provisions portals.
type MattermostFeed struct {
	serverURL string
	client    *model.Client4
	teamID    string
	userID    string

	portals  *PortalStore
	matrix   roomCreator
	pipeline *Pipeline
	health   *Health
	backoff  *backoff
	// onPortalsChanged persists the portal store after provisioning.
	onPortalsChanged func()

	ws  *model.WebSocketClient
	log zerolog.Logger
}

// NewMattermostFeed builds the feed around the relay bot client.
func NewMattermostFeed(cfg MattermostConfig, relayCfg RelayConfig, client *model.Client4, portals *PortalStore, matrix *MatrixSender, pipeline *Pipeline, health *Health, onPortalsChanged func(), log zerolog.Logger) *MattermostFeed {
	return &MattermostFeed{
		serverURL:        cfg.ServerURL,
		client:           client,
		teamID:           cfg.TeamID,
		portals:          portals,
		matrix:           matrix,
		pipeline:         pipeline,
		health:           health,
		backoff:          newBackoff(relayCfg.ReconnectMinDelay.Get(time.Second), relayCfg.ReconnectMaxDelay.Get(time.Minute)),
		onPortalsChanged: onPortalsChanged,
		log:              log.With().Str("component", "mm_feed").Logger(),
	}
}

// Run drives the connection state machine until ctx is cancelled:
// Disconnected -> Connecting -> Streaming, reconnecting with bounded
// exponential backoff on error.
func (f *MattermostFeed) Run(ctx context.Context) {
	defer f.health.Set("mattermost", StateDisconnected)
	for {
		f.health.Set("mattermost", StateConnecting)
		if err := f.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			f.health.Set("mattermost", StateDisconnected)
			delay := f.backoff.next()
			f.log.Error().Err(err).Dur("retry_in", delay).Msg("Mattermost connect failed")
			if sleepCtx(ctx, delay) != nil {
				return
			}
			continue
		}

		f.health.Set("mattermost", StateStreaming)
		f.backoff.reset()
		f.log.Info().Msg("Streaming Mattermost events")

		err := f.consume(ctx)
		f.closeWS()
		if ctx.Err() != nil {
			return
		}
		f.health.Set("mattermost", StateDisconnected)
		delay := f.backoff.next()
		f.log.Warn().Err(err).Dur("retry_in", delay).Msg("Mattermost stream lost, reconnecting")
		if sleepCtx(ctx, delay) != nil {
			return
		}
	}
}

// connect verifies the relay credential, syncs channels into portals, and
// dials the WebSocket.
func (f *MattermostFeed) connect(ctx context.Context) error {
	me, _, err := f.client.GetMe(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to verify relay session: %w", err)
	}
	f.userID = me.Id

	if f.teamID == "" {
		teams, _, err := f.client.GetTeamsForUser(ctx, f.userID, "")
		if err != nil {
			return fmt.Errorf("failed to get teams: %w", err)
		}
		if len(teams) > 0 {
			f.teamID = teams[0].Id
		}
	}

	f.syncChannels(ctx)

	ws, err := model.NewWebSocketClient4(httpToWS(f.serverURL), f.client.AuthToken)
	if err != nil {
		return fmt.Errorf("failed to create websocket client: %w", err)
	}
	ws.Listen()
	f.ws = ws
	return nil
}

func (f *MattermostFeed) closeWS() {
	if f.ws != nil {
		f.ws.Close()
		f.ws = nil
	}
}

// consume drains the WebSocket event channel until it closes or ctx ends.
func (f *MattermostFeed) consume(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-f.ws.EventChannel:
			if !ok {
				return fmt.Errorf("websocket event channel closed")
			}
			if evt == nil {
				continue
			}
			f.handleEvent(ctx, evt)
		}
	}
}

func (f *MattermostFeed) handleEvent(ctx context.Context, evt *model.WebSocketEvent) {
	switch evt.EventType() {
	case model.WebsocketEventPosted:
		f.handlePosted(ctx, evt)
	default:
		f.log.Trace().Str("event_type", string(evt.EventType())).Msg("Unhandled event type")
	}
}

// handlePosted converts a posted event into an InboundEvent and submits it
// to the pipeline. Malformed events are dropped and logged; they never
// crash the loop.
func (f *MattermostFeed) handlePosted(ctx context.Context, evt *model.WebSocketEvent) {
	ev, err := parsePostedEvent(evt)
	if err != nil {
		f.log.Warn().Err(err).Msg("Dropping malformed posted event")
		return
	}
	if ev == nil {
		return
	}
	if err := f.pipeline.Submit(ctx, ev); err != nil {
		f.log.Warn().Err(err).Str("event_id", ev.EventID).Msg("Failed to submit event")
	}
}

// parsePostedEvent extracts a post from a WebSocket event. Returns
// (nil, nil) for posts that are not relayable (system messages).
func parsePostedEvent(evt *model.WebSocketEvent) (*InboundEvent, error) {
	postJSON, ok := evt.GetData()["post"].(string)
	if !ok {
		return nil, fmt.Errorf("posted event missing post data")
	}

	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		return nil, fmt.Errorf("failed to unmarshal post: %w", err)
	}

	// Skip non-default post types (join/leave and other system messages).
	if post.Type != "" && post.Type != model.PostTypeDefault {
		return nil, nil
	}

	senderName, _ := evt.GetData()["sender_name"].(string)
	senderName = strings.TrimPrefix(senderName, "@")

	return &InboundEvent{
		Origin:     OriginMattermost,
		Sender:     post.UserId,
		SenderName: senderName,
		RoomID:     post.ChannelId,
		EventID:    post.Id,
		Payload:    post.Message,
		Bridged:    post.GetProp(PropFromMatrix) != nil,
		Timestamp:  time.UnixMilli(post.CreateAt),
	}, nil
}

// syncChannels provisions a portal for every channel the relay bot can see.
// Portals are created once; channels already bridged are left untouched.
func (f *MattermostFeed) syncChannels(ctx context.Context) {
	if f.teamID == "" {
		return
	}
	channels, _, err := f.client.GetChannelsForTeamForUser(ctx, f.teamID, f.userID, false, "")
	if err != nil {
		f.log.Error().Err(err).Msg("Failed to fetch channels for sync")
		return
	}

	created := 0
	for _, ch := range channels {
		if ch.Type != model.ChannelTypeOpen && ch.Type != model.ChannelTypePrivate {
			continue
		}
		if _, ok := f.portals.ByChannel(ch.Id); ok {
			continue
		}
		roomID, err := f.matrix.CreateRoom(ctx, ch.DisplayName)
		if err != nil {
			f.log.Error().Err(err).
				Str("channel_id", ch.Id).
				Str("channel_name", ch.Name).
				Msg("Failed to create portal room")
			continue
		}
		f.portals.Put(&Portal{
			RoomID:      roomID,
			ChannelID:   ch.Id,
			ChannelName: ch.Name,
			CreatedAt:   time.Now().UTC(),
		})
		created++
		f.log.Info().
			Str("channel_id", ch.Id).
			Str("channel_name", ch.Name).
			Str("room_id", string(roomID)).
			Msg("Created portal")
	}
	if created > 0 && f.onPortalsChanged != nil {
		f.onPortalsChanged()
	}
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

// MatrixFeed subscribes to the homeserver sync stream and feeds message
// events into the pipeline. The sync cursor is persisted, so acknowledged
// events are not replayed after reconnection.
type MatrixFeed struct {
	client   *mautrix.Client
	pipeline *Pipeline
	health   *Health
	backoff  *backoff
	// startedAt guards the first sync of a fresh cursor against replaying
	// room history.
	startedAt time.Time
	fresh     bool
	log       zerolog.Logger
}

// NewMatrixFeed wires the sync handlers onto the bot client. The client's
// Store must already be set so the cursor survives restarts.
func NewMatrixFeed(client *mautrix.Client, relayCfg RelayConfig, pipeline *Pipeline, health *Health, fresh bool, log zerolog.Logger) *MatrixFeed {
	f := &MatrixFeed{
		client:    client,
		pipeline:  pipeline,
		health:    health,
		backoff:   newBackoff(relayCfg.ReconnectMinDelay.Get(time.Second), relayCfg.ReconnectMaxDelay.Get(time.Minute)),
		startedAt: time.Now(),
		fresh:     fresh,
		log:       log.With().Str("component", "mx_feed").Logger(),
	}
	syncer := client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, f.handleMessage)
	syncer.OnSync(func(ctx context.Context, resp *mautrix.RespSync, since string) bool {
		f.health.Set("matrix", StateStreaming)
		return true
	})
	return f
}

// Run drives /sync until ctx is cancelled, reconnecting with bounded
// exponential backoff.
func (f *MatrixFeed) Run(ctx context.Context) {
	defer f.health.Set("matrix", StateDisconnected)
	for {
		f.health.Set("matrix", StateConnecting)
		err := f.client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return
		}
		f.health.Set("matrix", StateDisconnected)
		delay := f.backoff.next()
		f.log.Warn().Err(err).Dur("retry_in", delay).Msg("Matrix sync lost, reconnecting")
		if sleepCtx(ctx, delay) != nil {
			return
		}
	}
}

// handleMessage converts a Matrix message event into an InboundEvent.
func (f *MatrixFeed) handleMessage(ctx context.Context, evt *event.Event) {
	// A fresh cursor replays visible history on the first sync; only
	// events after startup are live traffic.
	if f.fresh && time.UnixMilli(evt.Timestamp).Before(f.startedAt) {
		return
	}

	content := evt.Content.AsMessage()
	if content == nil {
		f.log.Warn().Str("event_id", string(evt.ID)).Msg("Dropping message with unparseable content")
		return
	}
	switch content.MsgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote:
	default:
		// Media and other message types are not bridged.
		return
	}

	ev := &InboundEvent{
		Origin:     OriginMatrix,
		Sender:     string(evt.Sender),
		SenderName: localpart(evt.Sender),
		RoomID:     string(evt.RoomID),
		EventID:    string(evt.ID),
		Payload:    content.Body,
		Timestamp:  time.UnixMilli(evt.Timestamp),
	}
	if content.Format == event.FormatHTML {
		ev.FormattedPayload = content.FormattedBody
	}
	if relayed, ok := evt.Content.Raw[RelayedKey].(bool); ok && relayed {
		ev.Bridged = true
	}
	if orig, ok := evt.Content.Raw[OrigSenderKey].(string); ok {
		ev.OrigSender = orig
	}

	if err := f.pipeline.Submit(ctx, ev); err != nil {
		f.log.Warn().Err(err).Str("event_id", ev.EventID).Msg("Failed to submit event")
	}
}

// localpart extracts the human-readable part of an MXID:
// "@alice:example.com" -> "alice".
func localpart(userID id.UserID) string {
	lp, _, _ := strings.Cut(strings.TrimPrefix(string(userID), "@"), ":")
	return lp
}
