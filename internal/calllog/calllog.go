// Package calllog persists call detail records: one row per bridged call
// plus the transcript messages the engine produced during it. Persistence is
// optional; when no store is configured the bridge runs against [Noop].
package calllog

import (
	"context"
	"time"
)

// Record describes a call at the moment its stream started.
type Record struct {
	CallID    string
	StreamSID string
	StartedAt time.Time
}

// End describes a call at teardown.
type End struct {
	EndedAt        time.Time
	Reason         string
	InboundFrames  uint64
	OutboundFrames uint64
	DroppedBytes   uint64
}

// Store receives call lifecycle events. Implementations must be safe for
// concurrent use; the bridge calls them from per-session goroutines.
type Store interface {
	// Begin records that a call's media stream started.
	Begin(ctx context.Context, rec Record) error

	// End records how and when a call finished. Ending an unknown call is
	// not an error.
	End(ctx context.Context, callID string, end End) error

	// AddMessage appends one transcript message ("user" or "assistant") to
	// the call's record.
	AddMessage(ctx context.Context, callID, role, content string) error

	// Ping reports whether the store can currently accept records.
	Ping(ctx context.Context) error

	// Close releases store resources.
	Close()
}

// Noop discards all call records. Used when no DSN is configured.
type Noop struct{}

var _ Store = Noop{}

func (Noop) Begin(context.Context, Record) error                      { return nil }
func (Noop) End(context.Context, string, End) error                   { return nil }
func (Noop) AddMessage(context.Context, string, string, string) error { return nil }
func (Noop) Ping(context.Context) error                               { return nil }
func (Noop) Close()                                                   {}
