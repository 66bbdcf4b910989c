package transcribe

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kestrelvoice/kestrel/internal/observe"
	"github.com/kestrelvoice/kestrel/pkg/audio"
	"github.com/kestrelvoice/kestrel/pkg/provider/stt"
)

const (
	// defaultFlushPeriod is how often pending audio is sent for batch
	// transcription.
	defaultFlushPeriod = 3 * time.Second

	// defaultMinFlush is the minimum duration of pending audio a flush must
	// hold to be worth a transcription call; shorter accumulations are
	// near-silence and skipped entirely.
	defaultMinFlush = 300 * time.Millisecond
)

// BufferedConsumer accumulates PCM in a per-call buffer and periodically
// flushes it to a one-shot batch transcriber, emitting exactly one final
// transcript event per non-empty flush.
//
// Only one flush is ever in flight: the next timer is armed only after the
// previous flush completes or is skipped, so a slow transcription call never
// stacks requests. Appending audio and draining the buffer are mutually
// exclusive.
type BufferedConsumer struct {
	transcriber stt.BatchTranscriber
	callID      string
	sampleRate  int
	channels    int
	flushPeriod time.Duration
	minFlush    time.Duration
	onError     ErrorHandler
	metrics     *observe.Metrics

	// flushMu serializes flushes: the timer callback and the forced flush
	// in Close must never transcribe concurrently.
	flushMu sync.Mutex

	mu      sync.Mutex
	state   state
	pending [][]byte
	bytes   int
	timer   *time.Timer
	seq     uint64
	ctx     context.Context

	events chan Event
	done   chan struct{}
}

// BufferedOption configures a [BufferedConsumer].
type BufferedOption func(*BufferedConsumer)

// WithFlushPeriod overrides the flush timer period.
func WithFlushPeriod(d time.Duration) BufferedOption {
	return func(c *BufferedConsumer) {
		c.flushPeriod = d
	}
}

// WithMinFlush overrides the minimum pending-audio duration for a flush.
func WithMinFlush(d time.Duration) BufferedOption {
	return func(c *BufferedConsumer) {
		c.minFlush = d
	}
}

// WithBufferedErrorHandler sets the callback for non-fatal flush errors.
func WithBufferedErrorHandler(h ErrorHandler) BufferedOption {
	return func(c *BufferedConsumer) {
		c.onError = h
	}
}

// WithBufferedMetrics sets the metrics instance that receives transcription
// latencies. Defaults to [observe.DefaultMetrics].
func WithBufferedMetrics(m *observe.Metrics) BufferedOption {
	return func(c *BufferedConsumer) {
		c.metrics = m
	}
}

// NewBuffered creates a buffered batch consumer for one call. sampleRate and
// channels describe the PCM passed to SendAudio and are used both for the
// minimum-duration check and the WAV container handed to the transcriber.
func NewBuffered(transcriber stt.BatchTranscriber, callID string, sampleRate, channels int, opts ...BufferedOption) *BufferedConsumer {
	c := &BufferedConsumer{
		transcriber: transcriber,
		callID:      callID,
		sampleRate:  sampleRate,
		channels:    channels,
		flushPeriod: defaultFlushPeriod,
		minFlush:    defaultMinFlush,
		onError:     func(error) {},
		metrics:     observe.DefaultMetrics(),
		state:       stateDisconnected,
		events:      make(chan Event, 64),
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Connect arms the flush timer. There is no backend handshake; the consumer
// is connected as soon as the timer is running. Calling Connect while
// already connected is a no-op with a logged warning.
func (c *BufferedConsumer) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case stateConnected:
		slog.Warn("transcription consumer already connected", "call_id", c.callID)
		return nil
	case stateClosed:
		return fmt.Errorf("transcribe: consumer for call %s is closed", c.callID)
	}
	c.state = stateConnected
	c.ctx = ctx
	c.timer = time.AfterFunc(c.flushPeriod, c.flushAndRearm)
	return nil
}

// SendAudio appends one PCM chunk to the pending buffer. Outside the
// connected state the chunk is dropped silently.
func (c *BufferedConsumer) SendAudio(pcm []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateConnected || len(pcm) == 0 {
		return
	}
	chunk := make([]byte, len(pcm))
	copy(chunk, pcm)
	c.pending = append(c.pending, chunk)
	c.bytes += len(chunk)
}

// Events returns the transcript event channel.
func (c *BufferedConsumer) Events() <-chan Event {
	return c.events
}

// Close stops the timer, forces one last flush of any pending audio, and
// closes the events channel. Safe to call more than once.
func (c *BufferedConsumer) Close() error {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = stateClosed
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	// Drain whatever accumulated since the last timer fire.
	c.flush(true)
	close(c.done)
	close(c.events)
	return nil
}

// flushAndRearm is the timer callback: run one flush, then arm the next
// timer only once this one is done.
func (c *BufferedConsumer) flushAndRearm() {
	c.flush(false)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateConnected {
		c.timer = time.AfterFunc(c.flushPeriod, c.flushAndRearm)
	}
}

// flush drains the pending buffer and, if it holds enough audio, sends it
// for transcription and emits one final event. force skips the
// minimum-duration check being applied to an empty buffer only; a forced
// flush of audio shorter than the threshold is still transcribed so the last
// words of a call are not lost.
func (c *BufferedConsumer) flush(force bool) {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	pending := c.pending
	total := c.bytes
	c.pending = nil
	c.bytes = 0
	ctx := c.ctx
	c.mu.Unlock()

	if total == 0 {
		return
	}
	if !force && c.pendingDuration(total) < c.minFlush {
		// Near-silence; drop rather than waste a transcription call.
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	pcm := make([]byte, 0, total)
	for _, chunk := range pending {
		pcm = append(pcm, chunk...)
	}

	wav := audio.EncodeWAV(pcm, c.sampleRate, c.channels)
	start := time.Now()
	text, err := c.transcriber.Transcribe(ctx, wav)
	c.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		c.onError(fmt.Errorf("transcribe: flush for call %s: %w", c.callID, err))
		return
	}
	if text == "" {
		return
	}

	c.mu.Lock()
	c.seq++
	ev := Event{CallID: c.callID, Text: text, Final: true, Seq: c.seq}
	closed := c.state == stateClosed
	c.mu.Unlock()

	if closed {
		// Final forced flush from Close: the events channel is still open
		// (Close closes it only after flush returns), deliver directly.
		c.events <- ev
		return
	}
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *BufferedConsumer) pendingDuration(bytes int) time.Duration {
	samples := bytes / (2 * c.channels)
	return time.Duration(samples) * time.Second / time.Duration(c.sampleRate)
}

var _ Consumer = (*BufferedConsumer)(nil)
