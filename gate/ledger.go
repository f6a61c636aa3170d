// Copyright 2026 Jordan Krueger
// SPDX-License-Identifier: Apache-2.0

package gate

import (
	"github.com/jordankrueger/matrix-gatekeeper/lib/ref"
)

// Set names one of the ledger's dedup sets.
type Set string

const (
	// SetWelcomed holds users who have been sent (or were found to
	// already have) the welcome DM.
	SetWelcomed Set = "welcomed"

	// SetInvited holds users whose content-space invite has been
	// issued, or who had already reacted before the bot started.
	SetInvited Set = "invited"

	// SetTipped holds users who have been sent the tips DM.
	SetTipped Set = "tipped"

	// SetKnownMembers holds users already present in the rules room,
	// used to avoid re-welcoming members who joined before the bot.
	SetKnownMembers Set = "known_members"
)

// Ledger records which users have already received each side effect.
// Membership is monotonic: once marked, a user is never removed for
// the process lifetime. Mark is idempotent.
//
// The ledger is written only by the action flow (after an action
// attempt) and by the reconciliation scanner at startup — decision
// logic reads but never writes.
type Ledger interface {
	Seen(set Set, user ref.UserID) bool
	Mark(set Set, user ref.UserID)
}

// MemoryLedger is the in-memory Ledger used in production. State is
// ephemeral; the reconciliation scanner rebuilds it from room history
// on every startup. Not safe for concurrent use — the event loop is
// the single writer.
type MemoryLedger struct {
	sets map[Set]map[ref.UserID]struct{}
}

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{sets: make(map[Set]map[ref.UserID]struct{})}
}

// Seen reports whether the user has been marked in the set.
func (l *MemoryLedger) Seen(set Set, user ref.UserID) bool {
	_, present := l.sets[set][user]
	return present
}

// Mark adds the user to the set. Marking an already-present user is a
// no-op.
func (l *MemoryLedger) Mark(set Set, user ref.UserID) {
	users, ok := l.sets[set]
	if !ok {
		users = make(map[ref.UserID]struct{})
		l.sets[set] = users
	}
	users[user] = struct{}{}
}

// Count returns the number of users marked in the set. Used for
// startup logging after reconciliation.
func (l *MemoryLedger) Count(set Set) int {
	return len(l.sets[set])
}
