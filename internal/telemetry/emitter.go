// Package telemetry records security-relevant events for alerting.
package telemetry

import (
	"context"
	"time"

	"github.com/louisbranch/stronghold/internal/platform/id"
	"github.com/louisbranch/stronghold/internal/storage"
)

// Event kinds emitted by the ceremony verifier.
const (
	KindPossibleCloneDetected = "possible_clone_detected"
	KindCeremonyFailed        = "ceremony_failed"
)

// Emitter records security events.
//
// Clone detection must reach operators through a channel distinct from
// ordinary verification failures, so the verifier emits here in addition to
// its error return.
type Emitter struct {
	store storage.SecurityEventStore
	clock func() time.Time
	newID func() (string, error)
}

// NewEmitter creates a new security event emitter.
func NewEmitter(store storage.SecurityEventStore) *Emitter {
	return &Emitter{store: store, clock: time.Now, newID: id.NewID}
}

// Emit records a security event. It is a no-op when the store is nil.
func (e *Emitter) Emit(ctx context.Context, event storage.SecurityEvent) error {
	if e == nil || e.store == nil {
		return nil
	}
	if event.Timestamp.IsZero() {
		if e.clock == nil {
			event.Timestamp = time.Now().UTC()
		} else {
			event.Timestamp = e.clock().UTC()
		}
	}
	if event.ID == "" {
		generate := e.newID
		if generate == nil {
			generate = id.NewID
		}
		eventID, err := generate()
		if err != nil {
			return err
		}
		event.ID = eventID
	}
	return e.store.AppendSecurityEvent(ctx, event)
}
