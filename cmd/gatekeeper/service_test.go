// Copyright 2026 Jordan Krueger
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"io"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/jordankrueger/matrix-gatekeeper/gate"
	"github.com/jordankrueger/matrix-gatekeeper/lib/ref"
	"github.com/jordankrueger/matrix-gatekeeper/messaging"
)

var (
	testRulesRoom = ref.MustParseRoomID("!rules:local")
	testSpace     = ref.MustParseRoomID("!space:local")
	testBot       = ref.MustParseUserID("@gatekeeper:local")
)

// fakeSession records the calls handleSync and the gate core make.
// The embedded interface panics on anything unexpected.
type fakeSession struct {
	messaging.Session

	invites []ref.UserID
	sent    []messaging.MessageContent
	created int
	joined  []ref.RoomID
}

func (f *fakeSession) InviteUser(_ context.Context, _ ref.RoomID, userID ref.UserID) error {
	f.invites = append(f.invites, userID)
	return nil
}

func (f *fakeSession) SendMessage(_ context.Context, _ ref.RoomID, content messaging.MessageContent) (ref.EventID, error) {
	f.sent = append(f.sent, content)
	return ref.MustParseEventID("$sent"), nil
}

func (f *fakeSession) CreateRoom(_ context.Context, _ messaging.CreateRoomRequest) (*messaging.CreateRoomResponse, error) {
	f.created++
	return &messaging.CreateRoomResponse{RoomID: ref.MustParseRoomID("!dm:local")}, nil
}

func (f *fakeSession) JoinRoom(_ context.Context, roomID ref.RoomID) (ref.RoomID, error) {
	f.joined = append(f.joined, roomID)
	return roomID, nil
}

func newTestApp(t *testing.T) (*app, *fakeSession) {
	t.Helper()
	session := &fakeSession{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	config := gate.Config{
		RulesRoom:       testRulesRoom,
		TargetEvent:     ref.MustParseEventID("$rules"),
		ContentSpace:    testSpace,
		BotUser:         testBot,
		RepostThreshold: 10,
		Tips:            gate.MessagePair{Plain: "tips"},
	}
	ledger := gate.NewMemoryLedger()
	dispatcher := gate.NewDispatcher(session, logger)
	keeper := gate.NewKeeper(config, ledger, dispatcher, logger)
	return &app{
		session:   session,
		keeper:    keeper,
		rulesRoom: testRulesRoom,
		logger:    logger,
	}, session
}

func reactionTimelineEvent(sender ref.UserID, key string) messaging.Event {
	return messaging.Event{
		EventID: ref.MustParseEventID("$r1"),
		Type:    ref.EventType("m.reaction"),
		Sender:  sender,
		Content: map[string]any{
			"m.relates_to": map[string]any{
				"rel_type": "m.annotation",
				"event_id": "$rules",
				"key":      key,
			},
		},
	}
}

func TestHandleSyncGatesOnReaction(t *testing.T) {
	bot, session := newTestApp(t)
	alice := ref.MustParseUserID("@alice:local")

	// Timeline events carry no room_id; the section key implies it.
	response := &messaging.SyncResponse{
		Rooms: messaging.RoomsSection{
			Join: map[ref.RoomID]messaging.JoinedRoom{
				testRulesRoom: {
					Timeline: messaging.TimelineSection{
						Events: []messaging.Event{reactionTimelineEvent(alice, "✅")},
					},
				},
			},
		},
	}

	bot.handleSync(context.Background(), response)

	if len(session.invites) != 1 || session.invites[0] != alice {
		t.Errorf("expected alice invited, got %v", session.invites)
	}
}

func TestHandleSyncIgnoresOtherRooms(t *testing.T) {
	bot, session := newTestApp(t)
	alice := ref.MustParseUserID("@alice:local")

	response := &messaging.SyncResponse{
		Rooms: messaging.RoomsSection{
			Join: map[ref.RoomID]messaging.JoinedRoom{
				ref.MustParseRoomID("!offtopic:local"): {
					Timeline: messaging.TimelineSection{
						Events: []messaging.Event{reactionTimelineEvent(alice, "✅")},
					},
				},
			},
		},
	}

	bot.handleSync(context.Background(), response)

	if len(session.invites) != 0 {
		t.Errorf("events outside the rules room must be ignored, got %v", session.invites)
	}
}

func TestHandleSyncAcceptsInvites(t *testing.T) {
	bot, session := newTestApp(t)

	response := &messaging.SyncResponse{
		Rooms: messaging.RoomsSection{
			Invite: map[ref.RoomID]messaging.InvitedRoom{
				ref.MustParseRoomID("!newroom:local"): {},
			},
		},
	}

	bot.handleSync(context.Background(), response)

	if len(session.joined) != 1 {
		t.Errorf("expected the invite to be accepted, got %v", session.joined)
	}
}

func TestBuildSyncFilter(t *testing.T) {
	var filter struct {
		Presence struct {
			Types []string `json:"types"`
		} `json:"presence"`
		Room struct {
			Timeline struct {
				Types []string `json:"types"`
			} `json:"timeline"`
		} `json:"room"`
	}
	if err := json.Unmarshal([]byte(buildSyncFilter()), &filter); err != nil {
		t.Fatalf("filter is not valid JSON: %v", err)
	}

	if len(filter.Presence.Types) != 0 {
		t.Error("presence should be filtered out")
	}
	want := map[string]bool{"m.room.member": true, "m.room.message": true, "m.reaction": true}
	if len(filter.Room.Timeline.Types) != len(want) {
		t.Fatalf("unexpected timeline types: %v", filter.Room.Timeline.Types)
	}
	for _, eventType := range filter.Room.Timeline.Types {
		if !want[eventType] {
			t.Errorf("unexpected timeline type: %s", eventType)
		}
	}
}
