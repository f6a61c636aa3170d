// Copyright 2026 Jordan Krueger
// SPDX-License-Identifier: Apache-2.0

package gate

import (
	"strings"

	"github.com/jordankrueger/matrix-gatekeeper/lib/ref"
	"github.com/jordankrueger/matrix-gatekeeper/messaging"
)

// Input is a normalized event the keeper acts on. Exactly two variants
// exist: MembershipChange and RulesReaction. Everything else from the
// sync stream is dropped before reaching the keeper.
type Input interface {
	input()
}

// MembershipChange is a normalized m.room.member state event.
type MembershipChange struct {
	User ref.UserID
	Room ref.RoomID

	// Membership is the new state: "join", "leave", "invite", "ban",
	// or "knock".
	Membership string

	// PrevMembership is the state before this event, from
	// unsigned.prev_content. Empty when the server sent no previous
	// content (first membership event for the user in this room).
	// Profile updates (displayname, avatar) re-emit join events with
	// PrevMembership "join"; consumers use this to skip them.
	PrevMembership string

	Timestamp int64
}

func (MembershipChange) input() {}

// RulesReaction is a normalized m.reaction event. Key is the raw
// reaction glyph as sent; use IsCheckmark to test whether it qualifies
// as rules acceptance.
type RulesReaction struct {
	User   ref.UserID
	Room   ref.RoomID
	Target ref.EventID
	Key    string
}

func (RulesReaction) input() {}

// Normalize converts a raw sync event into one of the Input variants.
// Returns (nil, false) for event types the bot does not act on and for
// malformed events — malformed input is dropped, never an error.
//
// Two reaction encodings appear in the wild and must normalize
// identically: the canonical shape carries rel_type "m.annotation"
// inside m.relates_to, while older client libraries emit m.relates_to
// with only event_id and key. Both are accepted; an m.relates_to with
// an explicit non-annotation rel_type is not a reaction and is dropped.
func Normalize(event messaging.Event) (Input, bool) {
	switch event.Type.String() {
	case "m.room.member":
		return normalizeMembership(event)
	case "m.reaction":
		return normalizeReaction(event)
	default:
		return nil, false
	}
}

func normalizeMembership(event messaging.Event) (Input, bool) {
	// The affected user is the state key, not the sender — an invite's
	// sender is the inviter.
	if event.StateKey == nil {
		return nil, false
	}
	user, err := ref.ParseUserID(*event.StateKey)
	if err != nil {
		return nil, false
	}

	membership, ok := event.Content["membership"].(string)
	if !ok {
		return nil, false
	}

	var prevMembership string
	if event.Unsigned != nil && event.Unsigned.PrevContent != nil {
		prevMembership, _ = event.Unsigned.PrevContent["membership"].(string)
	}

	return MembershipChange{
		User:           user,
		Room:           event.RoomID,
		Membership:     membership,
		PrevMembership: prevMembership,
		Timestamp:      event.OriginServerTS,
	}, true
}

func normalizeReaction(event messaging.Event) (Input, bool) {
	relatesTo, ok := event.Content["m.relates_to"].(map[string]any)
	if !ok {
		return nil, false
	}

	if relType, present := relatesTo["rel_type"].(string); present && relType != "m.annotation" {
		return nil, false
	}

	targetRaw, ok := relatesTo["event_id"].(string)
	if !ok {
		return nil, false
	}
	target, err := ref.ParseEventID(targetRaw)
	if err != nil {
		return nil, false
	}

	key, ok := relatesTo["key"].(string)
	if !ok || key == "" {
		return nil, false
	}

	return RulesReaction{
		User:   event.Sender,
		Room:   event.RoomID,
		Target: target,
		Key:    key,
	}, true
}

// IsCheckmark reports whether a reaction key counts as rules
// acceptance. Variation selectors (U+FE0E text-style, U+FE0F
// emoji-style) are stripped first — clients disagree on whether to
// append them — then the key must be one of the accepted checkmark
// glyphs: ✅ (U+2705), ✔ (U+2714), ☑ (U+2611).
func IsCheckmark(key string) bool {
	stripped := strings.Map(func(r rune) rune {
		if r == '\uFE0E' || r == '\uFE0F' {
			return -1
		}
		return r
	}, key)

	switch stripped {
	case "✅", "✔", "☑":
		return true
	}
	return false
}
