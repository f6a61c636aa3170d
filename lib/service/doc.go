// Copyright 2026 Jordan Krueger
// SPDX-License-Identifier: Apache-2.0

// Package service provides the Matrix /sync plumbing shared between the
// gatekeeper daemon and its tests: the initial full-state sync, the
// incremental long-poll loop with backoff, and invite acceptance.
package service
