// Copyright 2026 Jordan Krueger
// SPDX-License-Identifier: Apache-2.0

// Package ref provides strongly typed, immutable Matrix identifier
// values: user IDs, room IDs, room aliases, event IDs, and event types.
//
// Identifiers arrive from configuration and from Matrix API responses
// as raw strings and are parsed into these types at the boundary. All
// constructors validate their inputs and return errors for malformed
// identifiers; once constructed, a ref is immutable. The zero value of
// every ref type is invalid — use IsZero to check.
//
// JSON marshaling uses the canonical Matrix string form via
// encoding.TextMarshaler, so ref types can be used directly in API
// request and response structs (including as map keys, which gives
// automatic validation when deserializing /sync responses).
package ref
