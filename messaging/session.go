// Copyright 2026 Jordan Krueger
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"

	"github.com/jordankrueger/matrix-gatekeeper/lib/ref"
)

// Session is the interface for the Matrix operations the bot performs.
// *DirectSession is the production implementation; tests substitute
// fakes for the narrow slices they exercise.
//
// Credential-handling methods (AccessToken, DeviceID) are not part of
// this interface. Code that needs them should type-assert to
// *DirectSession.
type Session interface {
	// UserID returns the fully-qualified Matrix user ID
	// (e.g., "@gatekeeper:example.org").
	UserID() ref.UserID

	// Close releases any resources held by the session. Idempotent.
	Close() error

	// WhoAmI validates the session and returns the user ID.
	WhoAmI(ctx context.Context) (ref.UserID, error)

	// ResolveAlias resolves a room alias to a room ID.
	ResolveAlias(ctx context.Context, alias ref.RoomAlias) (ref.RoomID, error)

	// SendEvent sends an event of any type to a room. Returns the event ID.
	SendEvent(ctx context.Context, roomID ref.RoomID, eventType ref.EventType, content any) (ref.EventID, error)

	// SendMessage sends a message to a room. Returns the event ID.
	SendMessage(ctx context.Context, roomID ref.RoomID, content MessageContent) (ref.EventID, error)

	// CreateRoom creates a new Matrix room.
	CreateRoom(ctx context.Context, request CreateRoomRequest) (*CreateRoomResponse, error)

	// InviteUser invites a user to a room.
	InviteUser(ctx context.Context, roomID ref.RoomID, userID ref.UserID) error

	// JoinRoom joins a room by room ID. Returns the room ID. To join
	// by alias, resolve with ResolveAlias first.
	JoinRoom(ctx context.Context, roomID ref.RoomID) (ref.RoomID, error)

	// JoinedRooms returns the list of room IDs the user has joined.
	JoinedRooms(ctx context.Context) ([]ref.RoomID, error)

	// GetRoomMembers returns the m.room.member state events of a room.
	GetRoomMembers(ctx context.Context, roomID ref.RoomID) ([]RoomMemberEvent, error)

	// RoomMessages fetches paginated messages from a room.
	RoomMessages(ctx context.Context, roomID ref.RoomID, options RoomMessagesOptions) (*RoomMessagesResponse, error)

	// Relations fetches events related to an event through a relation type.
	Relations(ctx context.Context, roomID ref.RoomID, eventID ref.EventID, relType string, options RelationsOptions) (*RelationsResponse, error)

	// Sync performs an incremental sync with the homeserver.
	Sync(ctx context.Context, options SyncOptions) (*SyncResponse, error)

	// CloseIdleConnections drops pooled HTTP connections.
	CloseIdleConnections()
}

// Compile-time check: *DirectSession implements Session.
var _ Session = (*DirectSession)(nil)
