// Copyright 2026 Jordan Krueger
// SPDX-License-Identifier: Apache-2.0

// Package gate implements the onboarding core of the gatekeeper bot:
// normalizing membership and reaction events from /sync, tracking which
// users have already received each side effect, deciding what action a
// new event calls for, and executing those actions against the Matrix
// transport.
//
// The package is organized around a single-consumer event flow:
//
//	sync events → Normalize → Keeper.HandleEvent → Dispatcher → Matrix
//
// with the Ledger recording completed side effects so duplicate events
// (and restarts, via the reconciliation Scanner) never repeat an
// invite or a welcome message.
package gate
