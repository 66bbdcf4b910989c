// Package calllog records finalized call records once calls end: who called,
// when, which response mode was active, the generated summary, and the
// outcome. Two sinks are provided — an in-memory ring for single-process
// deployments and a PostgreSQL sink for durable logs.
package calllog

import (
	"context"
	"time"
)

// Record is one finalized call-log entry.
type Record struct {
	// CallID is the telephony provider's call identifier.
	CallID string
	// Caller is the caller identifier (phone number).
	Caller string
	// StartedAt is when the call began.
	StartedAt time.Time
	// Mode is the response mode that was active during the call.
	Mode string
	// Summary is the generated 2-3 bullet-point call summary.
	Summary string
	// Outcome is the session's terminal status ("completed" or "failed").
	Outcome string
}

// Sink receives finalized call records.
//
// Implementations must be safe for concurrent use.
type Sink interface {
	// Append records one finalized call.
	Append(ctx context.Context, rec Record) error

	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)
}
