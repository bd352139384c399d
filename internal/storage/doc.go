// Package storage defines persistence contracts for relying-party state.
//
// These interfaces exist so ceremony logic and API handlers can depend on
// stable domain semantics without coupling to SQLite or Redis details.
package storage
