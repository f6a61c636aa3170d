// Copyright 2026 Jordan Krueger
// SPDX-License-Identifier: Apache-2.0

package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jordankrueger/matrix-gatekeeper/lib/ref"
	"github.com/jordankrueger/matrix-gatekeeper/messaging"
)

// MessagePair is a configured message body with an optional HTML
// rendering. A zero pair means the corresponding action is
// unconfigured and permanently skipped.
type MessagePair struct {
	Plain string
	HTML  string
}

// IsZero reports whether no plain body is configured.
func (p MessagePair) IsZero() bool { return p.Plain == "" }

// Content builds the Matrix message content for the pair.
func (p MessagePair) Content() messaging.MessageContent {
	if p.HTML == "" {
		return messaging.NewTextMessage(p.Plain)
	}
	return messaging.NewFormattedMessage(p.Plain, p.HTML)
}

// Transport is the slice of messaging.Session the dispatcher needs.
// *messaging.DirectSession implements it; tests substitute fakes.
type Transport interface {
	CreateRoom(ctx context.Context, request messaging.CreateRoomRequest) (*messaging.CreateRoomResponse, error)
	SendMessage(ctx context.Context, roomID ref.RoomID, content messaging.MessageContent) (ref.EventID, error)
	InviteUser(ctx context.Context, roomID ref.RoomID, userID ref.UserID) error
}

// Dispatcher executes the keeper's decided actions against the
// transport. It owns the map of known DM rooms per user so repeated
// DMs to the same user reuse one room instead of creating a new room
// per message.
//
// No action is retried: a failed send stays failed until the next
// restart's reconciliation, and even then only if reconciliation can
// observe the gap.
type Dispatcher struct {
	transport Transport
	logger    *slog.Logger
	dmRooms   map[ref.UserID]ref.RoomID
}

// NewDispatcher creates a dispatcher. The logger must be non-nil.
func NewDispatcher(transport Transport, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		transport: transport,
		logger:    logger,
		dmRooms:   make(map[ref.UserID]ref.RoomID),
	}
}

// RegisterDMRoom records an existing direct-message room for a user.
// The reconciliation scanner calls this for DM rooms discovered in
// history so live DMs reuse them.
func (d *Dispatcher) RegisterDMRoom(user ref.UserID, room ref.RoomID) {
	d.dmRooms[user] = room
}

// DMRoom returns the known DM room for a user, if any.
func (d *Dispatcher) DMRoom(user ref.UserID) (ref.RoomID, bool) {
	room, ok := d.dmRooms[user]
	return room, ok
}

// SendDM delivers a message pair to the user's DM room, creating the
// room first if none is known. The created room is recorded for reuse.
func (d *Dispatcher) SendDM(ctx context.Context, user ref.UserID, pair MessagePair) error {
	room, ok := d.dmRooms[user]
	if !ok {
		response, err := d.transport.CreateRoom(ctx, messaging.CreateRoomRequest{
			Preset:   "trusted_private_chat",
			Invite:   []string{user.String()},
			IsDirect: true,
		})
		if err != nil {
			return fmt.Errorf("creating DM room for %s: %w", user, err)
		}
		room = response.RoomID
		d.dmRooms[user] = room
	}

	if _, err := d.transport.SendMessage(ctx, room, pair.Content()); err != nil {
		return fmt.Errorf("sending DM to %s in %s: %w", user, room, err)
	}
	return nil
}

// Invite invites the user to the given space. A rejection because the
// user is already a member counts as success — the goal state already
// holds. Any other failure is returned for the caller to escalate.
func (d *Dispatcher) Invite(ctx context.Context, space ref.RoomID, user ref.UserID) error {
	err := d.transport.InviteUser(ctx, space, user)
	if err == nil {
		return nil
	}

	var matrixErr *messaging.MatrixError
	if errors.As(err, &matrixErr) && strings.Contains(matrixErr.Message, "already in the room") {
		d.logger.Info("user already in content space, treating invite as done",
			"user_id", user,
			"space", space,
		)
		return nil
	}
	return fmt.Errorf("inviting %s to %s: %w", user, space, err)
}

// Post sends a message pair into a room and returns the new event ID.
// Used for rules reposts.
func (d *Dispatcher) Post(ctx context.Context, room ref.RoomID, pair MessagePair) (ref.EventID, error) {
	eventID, err := d.transport.SendMessage(ctx, room, pair.Content())
	if err != nil {
		return ref.EventID{}, fmt.Errorf("posting to %s: %w", room, err)
	}
	return eventID, nil
}
