// Copyright 2026 Jordan Krueger
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/jordankrueger/matrix-gatekeeper/gate"
	"github.com/jordankrueger/matrix-gatekeeper/lib/ref"
	"github.com/jordankrueger/matrix-gatekeeper/lib/service"
	"github.com/jordankrueger/matrix-gatekeeper/messaging"
)

// buildSyncFilter returns the inline /sync filter limiting traffic to
// the event types the bot acts on. Presence and ephemeral events
// (typing, receipts) are dropped server-side.
func buildSyncFilter() string {
	filter := map[string]any{
		"presence": map[string]any{"types": []string{}},
		"room": map[string]any{
			"ephemeral": map[string]any{"types": []string{}},
			"timeline": map[string]any{
				"types": []string{"m.room.member", "m.room.message", "m.reaction"},
			},
		},
	}
	encoded, err := json.Marshal(filter)
	if err != nil {
		// The filter is a static literal; marshaling cannot fail.
		panic(err)
	}
	return string(encoded)
}

// app ties the sync stream to the gate core. handleSync is the single
// consumer of the event feed: events are normalized and handed to the
// keeper one at a time, in delivery order, so same-user decisions are
// never reordered.
type app struct {
	session   messaging.Session
	keeper    *gate.Keeper
	rulesRoom ref.RoomID
	logger    *slog.Logger
}

func (a *app) handleSync(ctx context.Context, response *messaging.SyncResponse) {
	// Operators invite the bot into rooms (the rules room, the content
	// space); join them as they arrive.
	if len(response.Rooms.Invite) > 0 {
		service.AcceptInvites(ctx, a.session, response.Rooms.Invite, a.logger)
	}

	for roomID, room := range response.Rooms.Join {
		if roomID != a.rulesRoom {
			continue
		}
		for _, event := range room.Timeline.Events {
			// Timeline events inside a sync response omit room_id;
			// it is implied by the section key.
			event.RoomID = roomID
			input, ok := gate.Normalize(event)
			if !ok {
				continue
			}
			a.keeper.HandleEvent(ctx, input)
		}
	}
}
