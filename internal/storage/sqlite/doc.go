// Package sqlite implements relying-party persistence over SQLite.
package sqlite
