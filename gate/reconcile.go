// Copyright 2026 Jordan Krueger
// SPDX-License-Identifier: Apache-2.0

package gate

import (
	"context"
	"log/slog"

	"github.com/jordankrueger/matrix-gatekeeper/lib/ref"
	"github.com/jordankrueger/matrix-gatekeeper/messaging"
)

// historyPageSize bounds each paginated history request during the
// reconciliation scan.
const historyPageSize = 100

// ScanTransport is the slice of messaging.Session the reconciliation
// scanner needs. *messaging.DirectSession implements it.
type ScanTransport interface {
	GetRoomMembers(ctx context.Context, roomID ref.RoomID) ([]messaging.RoomMemberEvent, error)
	Relations(ctx context.Context, roomID ref.RoomID, eventID ref.EventID, relType string, options messaging.RelationsOptions) (*messaging.RelationsResponse, error)
	JoinedRooms(ctx context.Context) ([]ref.RoomID, error)
	RoomMessages(ctx context.Context, roomID ref.RoomID, options messaging.RoomMessagesOptions) (*messaging.RoomMessagesResponse, error)
}

// Scanner rebuilds the ledger from room history at startup so a
// restart never repeats an already-completed action. It runs once,
// before any live event is processed.
//
// Failure policy: any single lookup failure is logged and skipped.
// Under-populating the ledger risks at most a duplicate DM, which is
// preferred over a scan failure aborting startup.
type Scanner struct {
	transport  ScanTransport
	ledger     Ledger
	dispatcher *Dispatcher
	config     Config
	logger     *slog.Logger
}

// NewScanner creates a reconciliation scanner. The dispatcher receives
// discovered DM rooms so live DMs reuse them.
func NewScanner(transport ScanTransport, ledger Ledger, dispatcher *Dispatcher, config Config, logger *slog.Logger) *Scanner {
	return &Scanner{
		transport:  transport,
		ledger:     ledger,
		dispatcher: dispatcher,
		config:     config,
		logger:     logger,
	}
}

// Run performs the full reconciliation scan: rules-room membership,
// reaction history on the target message, and DM history with known
// members. Never returns an error — see the failure policy above.
func (s *Scanner) Run(ctx context.Context) {
	s.scanMembers(ctx)
	s.scanReactions(ctx)
	s.scanDMs(ctx)
}

// scanMembers adds every current joined member of the rules room to
// known_members so pre-existing members are never re-welcomed.
func (s *Scanner) scanMembers(ctx context.Context) {
	members, err := s.transport.GetRoomMembers(ctx, s.config.RulesRoom)
	if err != nil {
		s.logger.Warn("reconciliation: rules room member lookup failed", "error", err)
		return
	}

	for _, member := range members {
		if member.Content.Membership != "join" {
			continue
		}
		user, err := ref.ParseUserID(member.StateKey)
		if err != nil {
			continue
		}
		if user == s.config.BotUser {
			continue
		}
		s.ledger.Mark(SetKnownMembers, user)
	}
}

// scanReactions walks the annotation history on the target message and
// marks every user with a qualifying checkmark as invited — they
// already gated before the bot started and must not be re-invited.
func (s *Scanner) scanReactions(ctx context.Context) {
	from := ""
	for {
		response, err := s.transport.Relations(ctx, s.config.RulesRoom, s.config.TargetEvent,
			"m.annotation", messaging.RelationsOptions{From: from, Limit: historyPageSize})
		if err != nil {
			s.logger.Warn("reconciliation: reaction history lookup failed",
				"target", s.config.TargetEvent,
				"error", err,
			)
			return
		}

		for _, event := range response.Chunk {
			input, ok := Normalize(event)
			if !ok {
				continue
			}
			reaction, ok := input.(RulesReaction)
			if !ok || !IsCheckmark(reaction.Key) {
				continue
			}
			if reaction.User == s.config.BotUser {
				continue
			}
			s.ledger.Mark(SetInvited, reaction.User)
		}

		if response.NextBatch == "" {
			return
		}
		from = response.NextBatch
	}
}

// scanDMs inspects every joined room that looks like a direct-message
// room (exactly two members, one of them the bot) and compares prior
// bot-sent message bodies against the configured welcome and tips
// text. Matches mark welcomed/tipped, and the room is registered with
// the dispatcher for reuse.
func (s *Scanner) scanDMs(ctx context.Context) {
	if s.config.Welcome.IsZero() && s.config.Tips.IsZero() {
		return
	}

	rooms, err := s.transport.JoinedRooms(ctx)
	if err != nil {
		s.logger.Warn("reconciliation: joined rooms lookup failed", "error", err)
		return
	}

	for _, room := range rooms {
		if room == s.config.RulesRoom || room == s.config.ContentSpace {
			continue
		}
		s.scanDMRoom(ctx, room)
	}
}

func (s *Scanner) scanDMRoom(ctx context.Context, room ref.RoomID) {
	members, err := s.transport.GetRoomMembers(ctx, room)
	if err != nil {
		s.logger.Warn("reconciliation: DM member lookup failed", "room_id", room, "error", err)
		return
	}

	peer, ok := s.dmPeer(members)
	if !ok {
		return
	}

	messages, err := s.transport.RoomMessages(ctx, room, messaging.RoomMessagesOptions{
		Direction: "b",
		Limit:     historyPageSize,
	})
	if err != nil {
		s.logger.Warn("reconciliation: DM history lookup failed", "room_id", room, "error", err)
		return
	}

	s.dispatcher.RegisterDMRoom(peer, room)

	for _, event := range messages.Chunk {
		if event.Type.String() != "m.room.message" || event.Sender != s.config.BotUser {
			continue
		}
		body, _ := event.Content["body"].(string)
		if body == "" {
			continue
		}
		if !s.config.Welcome.IsZero() && body == s.config.Welcome.Plain {
			s.ledger.Mark(SetWelcomed, peer)
		}
		if !s.config.Tips.IsZero() && body == s.config.Tips.Plain {
			s.ledger.Mark(SetTipped, peer)
		}
	}
}

// dmPeer identifies the other party of a two-member room that includes
// the bot. Invited members count — a freshly created DM room's peer
// may not have joined yet.
func (s *Scanner) dmPeer(members []messaging.RoomMemberEvent) (ref.UserID, bool) {
	var users []ref.UserID
	botPresent := false
	for _, member := range members {
		if member.Content.Membership != "join" && member.Content.Membership != "invite" {
			continue
		}
		user, err := ref.ParseUserID(member.StateKey)
		if err != nil {
			continue
		}
		if user == s.config.BotUser {
			botPresent = true
			continue
		}
		users = append(users, user)
	}

	if !botPresent || len(users) != 1 {
		return ref.UserID{}, false
	}
	return users[0], true
}
