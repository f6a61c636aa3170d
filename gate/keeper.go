// Copyright 2026 Jordan Krueger
// SPDX-License-Identifier: Apache-2.0

package gate

import (
	"context"
	"log/slog"

	"github.com/jordankrueger/matrix-gatekeeper/lib/ref"
)

// Config holds the keeper's room and content configuration, supplied
// once at startup and constant for the process lifetime.
type Config struct {
	// RulesRoom is the openly joinable room whose joins and reactions
	// are watched.
	RulesRoom ref.RoomID

	// TargetEvent is the rules message reactions are matched against.
	// Reposted rules messages become additional targets at runtime.
	TargetEvent ref.EventID

	// ContentSpace is the invite-only space granted after gating.
	ContentSpace ref.RoomID

	// BotUser is the bot's own account; its events are ignored.
	BotUser ref.UserID

	// RepostThreshold reposts the rules message every N qualifying
	// joins. Zero disables reposting entirely.
	RepostThreshold int

	// Welcome, Tips, and Rules are the configured message pairs. A
	// zero pair permanently skips the corresponding action.
	Welcome MessagePair
	Tips    MessagePair
	Rules   MessagePair
}

// Keeper is the per-user onboarding state machine and repost counter.
// It consumes normalized events one at a time (single consumer — same-
// user events must arrive in delivery order), consults the ledger to
// decide, and drives the dispatcher. Errors from individual actions
// never propagate: each is logged per the error policy and processing
// continues with the next event.
type Keeper struct {
	config     Config
	ledger     Ledger
	dispatcher *Dispatcher
	logger     *slog.Logger

	// gateTargets holds every event ID a checkmark reaction may
	// target: the configured rules message plus every repost.
	gateTargets map[ref.EventID]struct{}

	joinCount int
}

// NewKeeper creates the state machine. The configured target event is
// the initial gate target.
func NewKeeper(config Config, ledger Ledger, dispatcher *Dispatcher, logger *slog.Logger) *Keeper {
	k := &Keeper{
		config:      config,
		ledger:      ledger,
		dispatcher:  dispatcher,
		logger:      logger,
		gateTargets: make(map[ref.EventID]struct{}),
	}
	k.gateTargets[config.TargetEvent] = struct{}{}
	return k
}

// IsGateTarget reports whether reactions on the event qualify for
// gating.
func (k *Keeper) IsGateTarget(eventID ref.EventID) bool {
	_, ok := k.gateTargets[eventID]
	return ok
}

// addGateTarget registers a reposted rules message as an additional
// gate target.
func (k *Keeper) addGateTarget(eventID ref.EventID) {
	k.gateTargets[eventID] = struct{}{}
}

// HandleEvent processes one normalized event. Nil inputs are ignored.
func (k *Keeper) HandleEvent(ctx context.Context, input Input) {
	switch event := input.(type) {
	case MembershipChange:
		k.handleMembership(ctx, event)
	case RulesReaction:
		k.handleReaction(ctx, event)
	}
}

func (k *Keeper) handleMembership(ctx context.Context, change MembershipChange) {
	if change.Room != k.config.RulesRoom {
		return
	}
	if change.Membership != "join" {
		return
	}
	if change.User == k.config.BotUser {
		return
	}
	// Displayname and avatar changes re-emit join events with a join
	// prev_content. Those are not new joins.
	if change.PrevMembership == "join" {
		return
	}

	k.logger.Info("user joined rules room", "user_id", change.User)

	k.welcome(ctx, change.User)
	k.countJoin(ctx)
}

// welcome sends the welcome DM to a genuinely new member. Users
// already known or already welcomed are skipped — the primary defense
// against duplicate join events and restarts.
//
// The ledger is marked after the attempt regardless of send outcome:
// a transient DM failure suppresses the welcome until the next restart
// at the earliest. Accepted limitation, logged at Warn.
func (k *Keeper) welcome(ctx context.Context, user ref.UserID) {
	if k.ledger.Seen(SetKnownMembers, user) || k.ledger.Seen(SetWelcomed, user) {
		k.ledger.Mark(SetKnownMembers, user)
		return
	}

	if k.config.Welcome.IsZero() {
		k.logger.Info("no welcome message configured, skipping", "user_id", user)
	} else if err := k.dispatcher.SendDM(ctx, user, k.config.Welcome); err != nil {
		k.logger.Warn("welcome DM failed", "user_id", user, "error", err)
	} else {
		k.logger.Info("sent welcome DM", "user_id", user)
	}

	k.ledger.Mark(SetWelcomed, user)
	k.ledger.Mark(SetKnownMembers, user)
}

// countJoin advances the repost counter and reposts the rules message
// on every Nth qualifying join. Joins are counted even when no rules
// content is configured, so the cadence is stable if reposting is
// enabled later.
func (k *Keeper) countJoin(ctx context.Context) {
	k.joinCount++
	if k.config.RepostThreshold <= 0 || k.joinCount%k.config.RepostThreshold != 0 {
		return
	}

	if k.config.Rules.IsZero() {
		k.logger.Warn("repost threshold reached but no rules message configured",
			"join_count", k.joinCount,
		)
		return
	}

	eventID, err := k.dispatcher.Post(ctx, k.config.RulesRoom, k.config.Rules)
	if err != nil {
		k.logger.Warn("rules repost failed", "join_count", k.joinCount, "error", err)
		return
	}

	// Reactions on the repost gate too.
	k.addGateTarget(eventID)
	k.logger.Info("reposted rules message",
		"event_id", eventID,
		"join_count", k.joinCount,
	)
}

// PostRules posts the configured rules message into the rules room and
// registers it as a gate target. Called at startup when the operator
// asks for a fresh rules post. No-op when no rules content is
// configured.
func (k *Keeper) PostRules(ctx context.Context) {
	if k.config.Rules.IsZero() {
		k.logger.Warn("startup rules post requested but no rules message configured")
		return
	}

	eventID, err := k.dispatcher.Post(ctx, k.config.RulesRoom, k.config.Rules)
	if err != nil {
		k.logger.Warn("startup rules post failed", "error", err)
		return
	}
	k.addGateTarget(eventID)
	k.logger.Info("posted rules message at startup", "event_id", eventID)
}

// handleReaction gates a user into the content space when they react
// to a rules message with a qualifying checkmark. Join state is not a
// precondition — a user who reacted without ever being observed
// joining (joined before the bot started) still gets the invite.
func (k *Keeper) handleReaction(ctx context.Context, reaction RulesReaction) {
	if reaction.Room != k.config.RulesRoom {
		return
	}
	if !k.IsGateTarget(reaction.Target) {
		return
	}
	if !IsCheckmark(reaction.Key) {
		return
	}
	if reaction.User == k.config.BotUser {
		return
	}
	if k.ledger.Seen(SetInvited, reaction.User) {
		return
	}

	// A hard invite failure marks nothing, so a later reaction from
	// the same user retries the gate.
	if err := k.dispatcher.Invite(ctx, k.config.ContentSpace, reaction.User); err != nil {
		k.logger.Error("content space invite failed",
			"user_id", reaction.User,
			"space", k.config.ContentSpace,
			"error", err,
		)
		return
	}

	k.ledger.Mark(SetInvited, reaction.User)
	k.logger.Info("invited user to content space",
		"user_id", reaction.User,
		"space", k.config.ContentSpace,
	)

	k.tip(ctx, reaction.User)
}

// tip sends the post-invite tips DM. Like welcome, the ledger is
// marked regardless of send outcome.
func (k *Keeper) tip(ctx context.Context, user ref.UserID) {
	if k.ledger.Seen(SetTipped, user) {
		return
	}
	if k.config.Tips.IsZero() {
		return
	}

	if err := k.dispatcher.SendDM(ctx, user, k.config.Tips); err != nil {
		k.logger.Warn("tips DM failed", "user_id", user, "error", err)
	} else {
		k.logger.Info("sent tips DM", "user_id", user)
	}
	k.ledger.Mark(SetTipped, user)
}
