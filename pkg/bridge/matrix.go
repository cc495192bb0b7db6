// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// matrixPoster is the send surface the relay router needs from the Matrix
// side. Tests inject a fake instead of a live homeserver connection.
type matrixPoster interface {
	SendAsGhost(ctx context.Context, roomID id.RoomID, username, body, formattedBody string) (id.EventID, error)
	SendAsBot(ctx context.Context, roomID id.RoomID, body, formattedBody string) (id.EventID, error)
}

// MatrixSender posts bridge output into Matrix rooms. Mattermost senders
// appear as ghost users (one per username, impersonated through the
// appservice token's user_id parameter) or as the bridge bot with a sender
// prefix when ghosts are disabled.
type MatrixSender struct {
	cfg MatrixConfig
	bot *mautrix.Client
	log zerolog.Logger

	mu         sync.Mutex
	ghosts     map[id.UserID]*mautrix.Client
	registered map[id.UserID]struct{}
	joined     map[string]struct{} // ghost + room pairs already joined
}

// NewMatrixSender builds a sender around the bridge bot client.
func NewMatrixSender(cfg MatrixConfig, log zerolog.Logger) (*MatrixSender, error) {
	bot, err := mautrix.NewClient(cfg.HomeserverURL, id.UserID(cfg.BotMXID), cfg.ASToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create matrix client: %w", err)
	}
	bot.SetAppServiceUserID = true
	return &MatrixSender{
		cfg:        cfg,
		bot:        bot,
		log:        log.With().Str("component", "matrix_sender").Logger(),
		ghosts:     make(map[id.UserID]*mautrix.Client),
		registered: make(map[id.UserID]struct{}),
		joined:     make(map[string]struct{}),
	}, nil
}

// Bot returns the underlying bridge bot client for ingestion and room
// management.
func (s *MatrixSender) Bot() *mautrix.Client {
	return s.bot
}

// GhostMXID returns the ghost identity for a Mattermost username.
func (s *MatrixSender) GhostMXID(username string) id.UserID {
	localpart := s.cfg.GhostPrefix + sanitizeLocalpart(username)
	return id.UserID("@" + localpart + ":" + s.cfg.ServerName)
}

var localpartCleanRe = regexp.MustCompile(`[^a-z0-9._=-]`)

// sanitizeLocalpart maps a Mattermost username onto the MXID localpart
// grammar.
func sanitizeLocalpart(username string) string {
	return localpartCleanRe.ReplaceAllString(strings.ToLower(username), "_")
}

// SendAsGhost posts into the room as the ghost for the given Mattermost
// username, registering and joining the ghost on first use.
func (s *MatrixSender) SendAsGhost(ctx context.Context, roomID id.RoomID, username, body, formattedBody string) (id.EventID, error) {
	ghost := s.GhostMXID(username)
	client, err := s.ghostClient(ghost)
	if err != nil {
		return "", err
	}
	if err := s.ensureRegistered(ctx, ghost); err != nil {
		return "", err
	}
	if err := s.ensureJoined(ctx, client, ghost, roomID); err != nil {
		return "", err
	}
	return s.send(ctx, client, roomID, body, formattedBody)
}

// SendAsBot posts into the room as the bridge bot.
func (s *MatrixSender) SendAsBot(ctx context.Context, roomID id.RoomID, body, formattedBody string) (id.EventID, error) {
	return s.send(ctx, s.bot, roomID, body, formattedBody)
}

// send posts an m.room.message tagged with the relayed marker so the
// ingestion loop never re-ingests bridge output.
func (s *MatrixSender) send(ctx context.Context, cli *mautrix.Client, roomID id.RoomID, body, formattedBody string) (id.EventID, error) {
	content := map[string]any{
		"msgtype":  "m.text",
		"body":     body,
		RelayedKey: true,
	}
	if formattedBody != "" {
		content["format"] = "org.matrix.custom.html"
		content["formatted_body"] = formattedBody
	}
	resp, err := cli.SendMessageEvent(ctx, roomID, event.EventMessage, content)
	if err != nil {
		return "", fmt.Errorf("failed to send matrix event: %w", err)
	}
	return resp.EventID, nil
}

// ghostClient returns (or creates) the impersonating client for a ghost.
func (s *MatrixSender) ghostClient(ghost id.UserID) (*mautrix.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cli, ok := s.ghosts[ghost]; ok {
		return cli, nil
	}
	cli, err := mautrix.NewClient(s.cfg.HomeserverURL, ghost, s.cfg.ASToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create ghost client: %w", err)
	}
	cli.SetAppServiceUserID = true
	s.ghosts[ghost] = cli
	return cli, nil
}

// ensureRegistered registers the ghost with the homeserver once. An
// existing registration is fine.
func (s *MatrixSender) ensureRegistered(ctx context.Context, ghost id.UserID) error {
	s.mu.Lock()
	_, done := s.registered[ghost]
	s.mu.Unlock()
	if done {
		return nil
	}

	localpart, _, _ := strings.Cut(strings.TrimPrefix(string(ghost), "@"), ":")
	_, _, err := s.bot.Register(ctx, &mautrix.ReqRegister{
		Username:     localpart,
		Type:         mautrix.AuthTypeAppservice,
		InhibitLogin: true,
	})
	if err != nil && !errors.Is(err, mautrix.MUserInUse) {
		return fmt.Errorf("failed to register ghost %s: %w", ghost, err)
	}

	s.mu.Lock()
	s.registered[ghost] = struct{}{}
	s.mu.Unlock()
	s.log.Debug().Str("ghost", string(ghost)).Msg("Ghost registered")
	return nil
}

// ensureJoined joins the ghost to the room, asking the bot for an invite
// when the room is invite-only.
func (s *MatrixSender) ensureJoined(ctx context.Context, cli *mautrix.Client, ghost id.UserID, roomID id.RoomID) error {
	key := string(ghost) + "/" + string(roomID)
	s.mu.Lock()
	_, done := s.joined[key]
	s.mu.Unlock()
	if done {
		return nil
	}

	if _, err := cli.JoinRoomByID(ctx, roomID); err != nil {
		// Invite via the bot and retry once.
		if _, inviteErr := s.bot.InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: ghost}); inviteErr != nil {
			return fmt.Errorf("failed to invite ghost %s: %w", ghost, inviteErr)
		}
		if _, err := cli.JoinRoomByID(ctx, roomID); err != nil {
			return fmt.Errorf("failed to join ghost %s to %s: %w", ghost, roomID, err)
		}
	}

	s.mu.Lock()
	s.joined[key] = struct{}{}
	s.mu.Unlock()
	return nil
}

// CreateRoom creates a portal room for a newly bridged channel and returns
// its ID. The bot is the room creator, matching how portal rooms are
// discovered on the Matrix side.
func (s *MatrixSender) CreateRoom(ctx context.Context, name string) (id.RoomID, error) {
	resp, err := s.bot.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Name:   name,
		Preset: "public_chat",
	})
	if err != nil {
		return "", fmt.Errorf("failed to create portal room: %w", err)
	}
	return resp.RoomID, nil
}
