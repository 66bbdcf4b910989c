// Package transcribe turns a call's continuous audio stream into discrete
// transcript events.
//
// Two strategies implement the same Consumer interface: StreamingConsumer
// forwards PCM to a live streaming STT session and relays its partial/final
// events, while BufferedConsumer accumulates PCM and periodically flushes it
// to a one-shot batch transcriber. Which one a call gets is a deployment
// choice; the rest of the pipeline never knows the difference.
package transcribe

import "context"

// Event is one transcript emitted for a call. Events for a call carry a
// monotonically non-decreasing Seq so consumers can detect ordering.
type Event struct {
	// CallID identifies the originating call.
	CallID string
	// Text is the transcript text.
	Text string
	// Final reports whether this is a finalized transcript rather than a
	// partial hypothesis.
	Final bool
	// Seq is the per-call emission order, starting at 1.
	Seq uint64
}

// Consumer accepts one call's audio stream and emits transcript events.
//
// A consumer moves through the states disconnected → connecting → connected
// → closed. Connect is idempotent: calling it while already connected logs a
// warning and returns nil. SendAudio outside the connected state drops the
// chunk silently — audio arriving during setup or after teardown is expected
// and non-fatal. Close drains any pending audio before releasing resources.
//
// Engine errors during connect, send, or flush are reported through the
// configured error handler and never terminate the consumer; the call
// continues with degraded transcription.
type Consumer interface {
	// Connect establishes the transcription backend for this call.
	Connect(ctx context.Context) error

	// SendAudio submits a chunk of linear 16-bit PCM at the configured
	// sample rate. Never blocks on the backend and never returns an error.
	SendAudio(pcm []byte)

	// Events returns the channel of transcript events. It is closed by
	// Close after the final flush (if any) has been emitted.
	Events() <-chan Event

	// Close drains pending audio, releases backend resources, and closes
	// the events channel. Safe to call more than once.
	Close() error
}

// ErrorHandler receives non-fatal transcription errors.
type ErrorHandler func(error)

// consumer states.
type state int

const (
	stateDisconnected state = iota
	stateConnecting
	stateConnected
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateDisconnected:
		return "disconnected"
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
