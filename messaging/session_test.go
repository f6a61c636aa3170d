// Copyright 2026 Jordan Krueger
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jordankrueger/matrix-gatekeeper/lib/ref"
	"github.com/jordankrueger/matrix-gatekeeper/lib/secret"
)

// newTestSession creates a Client and DirectSession pointing at a test server.
func newTestSession(t *testing.T, handler http.Handler) (*Client, *DirectSession) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(ClientConfig{HomeserverURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	token, err := secret.NewFromString("test-token")
	if err != nil {
		t.Fatalf("creating token buffer: %v", err)
	}
	session, err := client.SessionFromToken(ref.MustParseUserID("@test:local"), token)
	if err != nil {
		t.Fatalf("SessionFromToken failed: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return client, session
}

func assertAuth(t *testing.T, request *http.Request, expectedToken string) {
	t.Helper()
	auth := request.Header.Get("Authorization")
	expected := "Bearer " + expectedToken
	if auth != expected {
		t.Errorf("unexpected auth header: got %q, want %q", auth, expected)
	}
}

func writeJSON(writer http.ResponseWriter, value any) {
	writer.Header().Set("Content-Type", "application/json")
	json.NewEncoder(writer).Encode(value)
}

func TestWhoAmI(t *testing.T) {
	_, session := newTestSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		assertAuth(t, request, "test-token")
		if request.URL.Path != "/_matrix/client/v3/account/whoami" {
			t.Errorf("unexpected path: %s", request.URL.Path)
		}
		writeJSON(writer, WhoAmIResponse{UserID: ref.MustParseUserID("@test:local"), DeviceID: "DEV1"})
	}))

	userID, err := session.WhoAmI(context.Background())
	if err != nil {
		t.Fatalf("WhoAmI failed: %v", err)
	}
	if userID.String() != "@test:local" {
		t.Errorf("unexpected user ID: %s", userID)
	}
}

func TestCreateRoom(t *testing.T) {
	t.Run("direct message room", func(t *testing.T) {
		_, session := newTestSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			assertAuth(t, request, "test-token")
			if request.URL.Path != "/_matrix/client/v3/createRoom" {
				t.Errorf("unexpected path: %s", request.URL.Path)
			}

			var body CreateRoomRequest
			if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode request: %v", err)
			}
			if !body.IsDirect {
				t.Error("expected is_direct to be set")
			}
			if len(body.Invite) != 1 || body.Invite[0] != "@alice:local" {
				t.Errorf("unexpected invite list: %v", body.Invite)
			}
			if body.Preset != "trusted_private_chat" {
				t.Errorf("unexpected preset: %s", body.Preset)
			}

			writeJSON(writer, CreateRoomResponse{RoomID: ref.MustParseRoomID("!dm1:local")})
		}))

		response, err := session.CreateRoom(context.Background(), CreateRoomRequest{
			Preset:   "trusted_private_chat",
			Invite:   []string{"@alice:local"},
			IsDirect: true,
		})
		if err != nil {
			t.Fatalf("CreateRoom failed: %v", err)
		}
		if response.RoomID.String() != "!dm1:local" {
			t.Errorf("unexpected room ID: %s", response.RoomID)
		}
	})

	t.Run("server error", func(t *testing.T) {
		_, session := newTestSession(t, http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
			writer.Header().Set("Content-Type", "application/json")
			writer.WriteHeader(http.StatusForbidden)
			json.NewEncoder(writer).Encode(MatrixError{Code: ErrCodeForbidden, Message: "denied"})
		}))

		_, err := session.CreateRoom(context.Background(), CreateRoomRequest{})
		if !IsMatrixError(err, ErrCodeForbidden) {
			t.Errorf("expected M_FORBIDDEN, got: %v", err)
		}
	})
}

func TestInviteUser(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		_, session := newTestSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			assertAuth(t, request, "test-token")
			if !strings.Contains(request.URL.Path, "/invite") {
				t.Errorf("unexpected path: %s", request.URL.Path)
			}

			var body InviteRequest
			if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode invite: %v", err)
			}
			if body.UserID.String() != "@alice:local" {
				t.Errorf("unexpected invite target: %s", body.UserID)
			}
			writeJSON(writer, map[string]any{})
		}))

		err := session.InviteUser(context.Background(),
			ref.MustParseRoomID("!room1:local"), ref.MustParseUserID("@alice:local"))
		if err != nil {
			t.Fatalf("InviteUser failed: %v", err)
		}
	})

	t.Run("already in room", func(t *testing.T) {
		_, session := newTestSession(t, http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
			writer.Header().Set("Content-Type", "application/json")
			writer.WriteHeader(http.StatusForbidden)
			json.NewEncoder(writer).Encode(MatrixError{
				Code:    ErrCodeForbidden,
				Message: "@alice:local is already in the room.",
			})
		}))

		err := session.InviteUser(context.Background(),
			ref.MustParseRoomID("!room1:local"), ref.MustParseUserID("@alice:local"))
		if !IsMatrixError(err, ErrCodeForbidden) {
			t.Errorf("expected M_FORBIDDEN, got: %v", err)
		}
	})
}

func TestSendMessage(t *testing.T) {
	var capturedPath string
	_, session := newTestSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		assertAuth(t, request, "test-token")
		if request.Method != http.MethodPut {
			t.Errorf("expected PUT, got %s", request.Method)
		}
		capturedPath = request.URL.Path

		var body MessageContent
		if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode message: %v", err)
		}
		if body.MsgType != "m.text" {
			t.Errorf("unexpected msgtype: %s", body.MsgType)
		}
		if body.Body != "hello" {
			t.Errorf("unexpected body: %s", body.Body)
		}
		writeJSON(writer, SendEventResponse{EventID: ref.MustParseEventID("$event1")})
	}))

	eventID, err := session.SendMessage(context.Background(),
		ref.MustParseRoomID("!room1:local"), NewTextMessage("hello"))
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if eventID.String() != "$event1" {
		t.Errorf("unexpected event ID: %s", eventID)
	}
	if !strings.Contains(capturedPath, "/send/m.room.message/") {
		t.Errorf("unexpected send path: %s", capturedPath)
	}
}

func TestSendMessageFormatted(t *testing.T) {
	_, session := newTestSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		var body MessageContent
		if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode message: %v", err)
		}
		if body.Format != "org.matrix.custom.html" {
			t.Errorf("unexpected format: %s", body.Format)
		}
		if body.FormattedBody != "<p>hi <strong>there</strong></p>" {
			t.Errorf("unexpected formatted body: %s", body.FormattedBody)
		}
		writeJSON(writer, SendEventResponse{EventID: ref.MustParseEventID("$event2")})
	}))

	_, err := session.SendMessage(context.Background(), ref.MustParseRoomID("!room1:local"),
		NewFormattedMessage("hi there", "<p>hi <strong>there</strong></p>"))
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
}

func TestTransactionIDsUnique(t *testing.T) {
	transactionIDs := make(map[string]bool)
	_, session := newTestSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		segments := strings.Split(request.URL.Path, "/")
		transactionID := segments[len(segments)-1]
		if transactionIDs[transactionID] {
			t.Errorf("duplicate transaction ID: %s", transactionID)
		}
		transactionIDs[transactionID] = true
		writeJSON(writer, SendEventResponse{EventID: ref.MustParseEventID("$e")})
	}))

	for i := 0; i < 5; i++ {
		if _, err := session.SendMessage(context.Background(),
			ref.MustParseRoomID("!room1:local"), NewTextMessage("x")); err != nil {
			t.Fatalf("SendMessage failed: %v", err)
		}
	}
	if len(transactionIDs) != 5 {
		t.Errorf("expected 5 unique transaction IDs, got %d", len(transactionIDs))
	}
}

func TestRelations(t *testing.T) {
	_, session := newTestSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		assertAuth(t, request, "test-token")
		if !strings.Contains(request.URL.Path, "/relations/") {
			t.Errorf("unexpected path: %s", request.URL.Path)
		}
		if !strings.HasSuffix(request.URL.Path, "/m.annotation") {
			t.Errorf("expected m.annotation suffix: %s", request.URL.Path)
		}
		if got := request.URL.Query().Get("limit"); got != "50" {
			t.Errorf("unexpected limit: %s", got)
		}

		writeJSON(writer, RelationsResponse{
			Chunk: []Event{
				{
					EventID: ref.MustParseEventID("$reaction1"),
					Type:    ref.EventType("m.reaction"),
					Sender:  ref.MustParseUserID("@alice:local"),
					Content: map[string]any{
						"m.relates_to": map[string]any{
							"rel_type": "m.annotation",
							"event_id": "$rules",
							"key":      "✅",
						},
					},
				},
			},
			NextBatch: "token2",
		})
	}))

	response, err := session.Relations(context.Background(),
		ref.MustParseRoomID("!room1:local"), ref.MustParseEventID("$rules"),
		"m.annotation", RelationsOptions{Limit: 50})
	if err != nil {
		t.Fatalf("Relations failed: %v", err)
	}
	if len(response.Chunk) != 1 {
		t.Fatalf("expected 1 event, got %d", len(response.Chunk))
	}
	if response.Chunk[0].Sender.String() != "@alice:local" {
		t.Errorf("unexpected sender: %s", response.Chunk[0].Sender)
	}
	if response.NextBatch != "token2" {
		t.Errorf("unexpected next batch: %s", response.NextBatch)
	}
}

func TestSync(t *testing.T) {
	_, session := newTestSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		assertAuth(t, request, "test-token")
		if request.URL.Path != "/_matrix/client/v3/sync" {
			t.Errorf("unexpected path: %s", request.URL.Path)
		}
		query := request.URL.Query()
		if query.Get("since") != "batch1" {
			t.Errorf("unexpected since: %s", query.Get("since"))
		}
		if query.Get("timeout") != "30000" {
			t.Errorf("unexpected timeout: %s", query.Get("timeout"))
		}

		writeJSON(writer, SyncResponse{
			NextBatch: "batch2",
			Rooms: RoomsSection{
				Join: map[ref.RoomID]JoinedRoom{
					ref.MustParseRoomID("!room1:local"): {
						Timeline: TimelineSection{
							Events: []Event{
								{
									EventID: ref.MustParseEventID("$join1"),
									Type:    ref.EventType("m.room.member"),
									Sender:  ref.MustParseUserID("@alice:local"),
								},
							},
						},
					},
				},
			},
		})
	}))

	response, err := session.Sync(context.Background(), SyncOptions{
		Since:      "batch1",
		Timeout:    30000,
		SetTimeout: true,
	})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if response.NextBatch != "batch2" {
		t.Errorf("unexpected next batch: %s", response.NextBatch)
	}
	room, ok := response.Rooms.Join[ref.MustParseRoomID("!room1:local")]
	if !ok {
		t.Fatal("expected joined room in response")
	}
	if len(room.Timeline.Events) != 1 {
		t.Errorf("expected 1 timeline event, got %d", len(room.Timeline.Events))
	}
}

func TestGetRoomMembers(t *testing.T) {
	_, session := newTestSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		assertAuth(t, request, "test-token")
		if !strings.HasSuffix(request.URL.Path, "/members") {
			t.Errorf("unexpected path: %s", request.URL.Path)
		}
		writeJSON(writer, RoomMembersResponse{
			Chunk: []RoomMemberEvent{
				{
					Type:     "m.room.member",
					StateKey: "@alice:local",
					Sender:   ref.MustParseUserID("@alice:local"),
					Content:  RoomMemberContent{Membership: "join", DisplayName: "Alice"},
				},
				{
					Type:     "m.room.member",
					StateKey: "@bob:local",
					Sender:   ref.MustParseUserID("@bob:local"),
					Content:  RoomMemberContent{Membership: "leave"},
				},
			},
		})
	}))

	members, err := session.GetRoomMembers(context.Background(), ref.MustParseRoomID("!room1:local"))
	if err != nil {
		t.Fatalf("GetRoomMembers failed: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 member events, got %d", len(members))
	}
	if members[0].StateKey != "@alice:local" {
		t.Errorf("unexpected state key: %s", members[0].StateKey)
	}
	if members[1].Content.Membership != "leave" {
		t.Errorf("unexpected membership: %s", members[1].Content.Membership)
	}
}

func TestResolveAlias(t *testing.T) {
	_, session := newTestSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		assertAuth(t, request, "test-token")
		if !strings.HasPrefix(request.URL.Path, "/_matrix/client/v3/directory/room/") {
			t.Errorf("unexpected path: %s", request.URL.Path)
		}
		writeJSON(writer, ResolveAliasResponse{
			RoomID:  ref.MustParseRoomID("!rules:local"),
			Servers: []string{"local"},
		})
	}))

	roomID, err := session.ResolveAlias(context.Background(), ref.MustParseRoomAlias("#rules:local"))
	if err != nil {
		t.Fatalf("ResolveAlias failed: %v", err)
	}
	if roomID.String() != "!rules:local" {
		t.Errorf("unexpected room ID: %s", roomID)
	}
}

func TestRoomMessages(t *testing.T) {
	_, session := newTestSession(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		assertAuth(t, request, "test-token")
		query := request.URL.Query()
		if query.Get("dir") != "b" {
			t.Errorf("expected backward pagination, got dir=%s", query.Get("dir"))
		}
		if query.Get("limit") != "20" {
			t.Errorf("unexpected limit: %s", query.Get("limit"))
		}
		writeJSON(writer, RoomMessagesResponse{
			Start: "s1",
			End:   "e1",
			Chunk: []Event{
				{
					EventID: ref.MustParseEventID("$msg1"),
					Type:    ref.EventType("m.room.message"),
					Sender:  ref.MustParseUserID("@test:local"),
					Content: map[string]any{"msgtype": "m.text", "body": "welcome"},
				},
			},
		})
	}))

	response, err := session.RoomMessages(context.Background(),
		ref.MustParseRoomID("!dm1:local"), RoomMessagesOptions{Limit: 20})
	if err != nil {
		t.Fatalf("RoomMessages failed: %v", err)
	}
	if len(response.Chunk) != 1 {
		t.Fatalf("expected 1 message, got %d", len(response.Chunk))
	}
	if response.End != "e1" {
		t.Errorf("unexpected end token: %s", response.End)
	}
}
