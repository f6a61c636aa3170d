// Copyright 2026 Jordan Krueger
// SPDX-License-Identifier: Apache-2.0

// Package messaging wraps the subset of the Matrix client-server API
// that the gatekeeper needs: sync with long-polling, room membership,
// message history with pagination, event relations (reactions), room
// creation for direct messages, space invites, and message sending.
//
// The package provides two core types. [Client] is an unauthenticated
// Matrix client holding the homeserver URL and HTTP transport. It
// authenticates via [Client.Login] (password) or
// [Client.SessionFromToken] (existing access token), returning a
// [DirectSession] for authenticated operations. The access token is
// held in mmap-backed secret memory (locked against swap, excluded
// from core dumps); callers must Close the session to release it.
//
// All API errors are returned as [*MatrixError] with the standard
// Matrix error code (M_FORBIDDEN, M_NOT_FOUND, etc.) and HTTP status
// code. [IsMatrixError] tests for a specific error code. Request URLs
// are built by string concatenation rather than url.URL to avoid
// double-encoding of path segments that contain URL-encoded
// characters (such as room aliases with slashes).
//
// Code that only needs a slice of this surface should depend on the
// [Session] interface, which [*DirectSession] implements; tests
// substitute fakes.
package messaging
