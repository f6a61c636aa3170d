// Copyright 2026 Jordan Krueger
// SPDX-License-Identifier: Apache-2.0

// The gatekeeper binary watches a Matrix rules room and gates users
// into an invite-only content space when they accept the rules with a
// checkmark reaction. It welcomes new members by DM, sends tips after
// gating, and periodically reposts the rules message.
//
// Configuration comes from flags, an optional YAML file, and
//GATEKEEPER_* environment variables, with environment taking
// precedence. See config.go for the full surface.
package main
