package transcribe

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kestrelvoice/kestrel/pkg/provider/stt"
	"github.com/kestrelvoice/kestrel/pkg/types"
)

// StreamingConsumer forwards audio to a live streaming STT session and
// relays the session's partial and final transcripts as events.
type StreamingConsumer struct {
	provider stt.Provider
	callID   string
	cfg      stt.StreamConfig
	onError  ErrorHandler

	mu      sync.Mutex
	state   state
	handle  stt.SessionHandle
	seq     uint64
	events  chan Event
	done    chan struct{}
	forward sync.WaitGroup
}

// StreamingOption configures a [StreamingConsumer].
type StreamingOption func(*StreamingConsumer)

// WithStreamingErrorHandler sets the callback for non-fatal send errors.
func WithStreamingErrorHandler(h ErrorHandler) StreamingOption {
	return func(c *StreamingConsumer) {
		c.onError = h
	}
}

// NewStreaming creates a streaming consumer for one call. cfg carries the
// sample rate and optional keyword boosts passed to the STT session.
func NewStreaming(provider stt.Provider, callID string, cfg stt.StreamConfig, opts ...StreamingOption) *StreamingConsumer {
	c := &StreamingConsumer{
		provider: provider,
		callID:   callID,
		cfg:      cfg,
		onError:  func(error) {},
		state:    stateDisconnected,
		events:   make(chan Event, 64),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Connect starts the streaming STT session and begins relaying transcripts.
// Calling Connect while already connected is a no-op with a logged warning.
func (c *StreamingConsumer) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case stateConnected, stateConnecting:
		c.mu.Unlock()
		slog.Warn("transcription consumer already connected", "call_id", c.callID)
		return nil
	case stateClosed:
		c.mu.Unlock()
		return fmt.Errorf("transcribe: consumer for call %s is closed", c.callID)
	}
	c.state = stateConnecting
	c.mu.Unlock()

	handle, err := c.provider.StartStream(ctx, c.cfg)
	if err != nil {
		c.mu.Lock()
		c.state = stateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("transcribe: start stream for call %s: %w", c.callID, err)
	}

	c.mu.Lock()
	if c.state == stateClosed {
		// Close raced with the handshake; release the fresh session.
		c.mu.Unlock()
		if cerr := handle.Close(); cerr != nil {
			c.onError(cerr)
		}
		return fmt.Errorf("transcribe: consumer for call %s is closed", c.callID)
	}
	c.handle = handle
	c.state = stateConnected
	c.mu.Unlock()

	c.forward.Add(2)
	go c.relay(handle.Partials(), false)
	go c.relay(handle.Finals(), true)
	return nil
}

// SendAudio forwards one PCM chunk to the live session. Outside the
// connected state the chunk is dropped silently.
func (c *StreamingConsumer) SendAudio(pcm []byte) {
	c.mu.Lock()
	if c.state != stateConnected {
		c.mu.Unlock()
		return
	}
	handle := c.handle
	c.mu.Unlock()

	if err := handle.SendAudio(pcm); err != nil {
		c.onError(fmt.Errorf("transcribe: send audio for call %s: %w", c.callID, err))
	}
}

// Events returns the transcript event channel.
func (c *StreamingConsumer) Events() <-chan Event {
	return c.events
}

// Close shuts the STT session down and closes the events channel once both
// relay goroutines have drained. Safe to call more than once.
func (c *StreamingConsumer) Close() error {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return nil
	}
	prev := c.state
	c.state = stateClosed
	handle := c.handle
	c.handle = nil
	c.mu.Unlock()

	close(c.done)

	var err error
	if handle != nil {
		err = handle.Close()
	}
	if prev == stateConnected {
		c.forward.Wait()
	}
	close(c.events)
	if err != nil {
		return fmt.Errorf("transcribe: close stream for call %s: %w", c.callID, err)
	}
	return nil
}

// relay copies transcripts from one session channel onto the events channel
// until the source closes or the consumer shuts down.
func (c *StreamingConsumer) relay(src <-chan types.Transcript, final bool) {
	defer c.forward.Done()
	for {
		select {
		case t, ok := <-src:
			if !ok {
				return
			}
			if t.Text == "" {
				continue
			}
			c.emit(t.Text, final)
		case <-c.done:
			return
		}
	}
}

func (c *StreamingConsumer) emit(text string, final bool) {
	c.mu.Lock()
	c.seq++
	ev := Event{CallID: c.callID, Text: text, Final: final, Seq: c.seq}
	c.mu.Unlock()

	select {
	case c.events <- ev:
	case <-c.done:
	}
}

var _ Consumer = (*StreamingConsumer)(nil)
