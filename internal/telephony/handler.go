package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/metric"

	"github.com/kestrelvoice/kestrel/internal/call"
	"github.com/kestrelvoice/kestrel/internal/calllog"
	"github.com/kestrelvoice/kestrel/internal/engine"
	"github.com/kestrelvoice/kestrel/internal/observe"
	"github.com/kestrelvoice/kestrel/internal/transcribe"
	"github.com/kestrelvoice/kestrel/pkg/audio"
	"github.com/kestrelvoice/kestrel/pkg/provider/tts"
	"github.com/kestrelvoice/kestrel/pkg/types"
)

// replyMark is the mark name written after the last media frame of a reply.
const replyMark = "reply"

var errSocketClosed = errors.New("telephony: socket closed")

// Conn is the subset of a media-stream WebSocket connection the handler
// needs. *websocket.Conn from gorilla/websocket satisfies it.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// ConsumerFactory builds the transcription consumer for one call. The handler
// calls it once per start event, so the factory decides per call whether the
// streaming or the buffered strategy backs the consumer.
type ConsumerFactory func(callID string) (transcribe.Consumer, error)

// Option configures a Handler.
type Option func(*Handler)

// WithCallLog sets the sink that receives the finalized record of each call.
// Defaults to an in-memory sink.
func WithCallLog(sink calllog.Sink) Option {
	return func(h *Handler) {
		h.records = sink
	}
}

// WithVoice sets the voice profile passed to the synthesis provider.
func WithVoice(profile types.VoiceProfile) Option {
	return func(h *Handler) {
		h.profile = profile
	}
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

// Handler serves media-stream connections. One Handler is shared across all
// connections; all per-call state lives in the session store and in locals of
// [Handler.Handle].
type Handler struct {
	sessions    *call.Store
	engine      *engine.Engine
	voice       tts.Provider
	newConsumer ConsumerFactory
	records     calllog.Sink
	profile     types.VoiceProfile
	metrics     *observe.Metrics
}

// NewHandler creates a connection handler. All four collaborators are
// required.
func NewHandler(sessions *call.Store, eng *engine.Engine, voice tts.Provider, newConsumer ConsumerFactory, opts ...Option) (*Handler, error) {
	if sessions == nil {
		return nil, errors.New("telephony: session store is required")
	}
	if eng == nil {
		return nil, errors.New("telephony: engine is required")
	}
	if voice == nil {
		return nil, errors.New("telephony: synthesis provider is required")
	}
	if newConsumer == nil {
		return nil, errors.New("telephony: consumer factory is required")
	}
	h := &Handler{
		sessions:    sessions,
		engine:      eng,
		voice:       voice,
		newConsumer: newConsumer,
		records:     calllog.NewMemorySink(),
		metrics:     observe.DefaultMetrics(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Handle runs the read loop for one connection until the stream stops or the
// socket errors. It owns the connection: by return the connection is closed
// and any started session has been ended.
func (h *Handler) Handle(ctx context.Context, conn Conn) {
	w := &socketWriter{conn: conn}

	var (
		callID   string
		consumer transcribe.Consumer
		done     bool
	)
	defer func() {
		if callID == "" {
			w.Close()
			return
		}
		if !done {
			h.finish(ctx, callID, true)
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if callID != "" {
				slog.Warn("telephony: socket read failed, ending call", "call", callID, "error", err)
			}
			return
		}

		ev, err := decodeEvent(data)
		if err != nil {
			slog.Warn("telephony: dropping event", "call", callID, "error", err)
			continue
		}

		switch ev := ev.(type) {
		case StartEvent:
			if callID != "" {
				slog.Warn("telephony: duplicate start event dropped", "call", callID)
				continue
			}
			c, err := h.startCall(ctx, ev, w)
			if err != nil {
				slog.Error("telephony: call setup failed", "call", ev.CallID, "error", err)
				return
			}
			callID, consumer = ev.CallID, c

		case MediaEvent:
			if consumer == nil {
				continue
			}
			frame, err := audio.DecodeInbound(ev.Payload)
			if err != nil {
				slog.Warn("telephony: dropping media chunk", "call", callID, "error", err)
				continue
			}
			h.metrics.MediaFrames.Add(ctx, 1, metric.WithAttributes(observe.Attr("direction", "in")))
			consumer.SendAudio(frame.Data)

		case StopEvent:
			if callID != "" {
				h.finish(ctx, callID, false)
				done = true
			}
			return

		case ConnectedEvent, MarkEvent:
			// Handshake notices and playback acks need no action.
		}
	}
}

// startCall creates the session, wires the transcription consumer and speaks
// the greeting. The returned consumer feeds subsequent media events.
func (h *Handler) startCall(ctx context.Context, ev StartEvent, w *socketWriter) (transcribe.Consumer, error) {
	if _, err := h.sessions.Create(ev.CallID, ev.Caller); err != nil {
		return nil, fmt.Errorf("telephony: creating session: %w", err)
	}
	h.sessions.AttachSocket(ev.CallID, w)

	consumer, err := h.newConsumer(ev.CallID)
	if err != nil {
		h.sessions.Fail(ev.CallID)
		return nil, fmt.Errorf("telephony: creating transcription consumer: %w", err)
	}
	if err := consumer.Connect(ctx); err != nil {
		// The call stays up with degraded transcription.
		slog.Error("telephony: transcription connect failed", "call", ev.CallID, "error", err)
	}
	h.sessions.AttachConsumer(ev.CallID, consumer)
	go h.dispatch(ctx, ev.CallID, ev.StreamID, w, consumer)

	h.metrics.RecordCallStart(ctx, string(h.engine.Mode()))
	slog.Info("telephony: call started", "call", ev.CallID, "caller", ev.Caller, "stream", ev.StreamID)
	h.speak(ctx, w, ev.StreamID, h.engine.Greeting(ctx, ev.CallID))
	return consumer, nil
}

// dispatch turns finalized transcripts into spoken replies. It exits when the
// consumer's event channel closes, which happens when the session ends.
func (h *Handler) dispatch(ctx context.Context, callID, streamID string, w *socketWriter, consumer transcribe.Consumer) {
	for ev := range consumer.Events() {
		if !ev.Final || strings.TrimSpace(ev.Text) == "" {
			continue
		}
		genStart := time.Now()
		reply, ok := h.engine.ProcessUtterance(ctx, callID, ev.Text)
		h.metrics.LLMDuration.Record(ctx, time.Since(genStart).Seconds())
		if !ok {
			continue
		}
		source := "generated"
		if reply == engine.FallbackReply {
			source = "fallback"
		}
		h.metrics.RecordReply(ctx, source)
		h.speak(ctx, w, streamID, reply)
	}
}

// speak synthesizes text and writes it to the socket as a run of media frames
// followed by a mark. Synthesis or write failures end the reply early but
// never the call.
func (h *Handler) speak(ctx context.Context, w *socketWriter, streamID, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	synthStart := time.Now()
	frame, err := h.voice.Synthesize(ctx, text, h.profile)
	h.metrics.TTSDuration.Record(ctx, time.Since(synthStart).Seconds())
	if err != nil {
		slog.Error("telephony: synthesis failed", "error", err)
		return
	}

	conv := audio.FormatConverter{Target: audio.Format{SampleRate: audio.TelephonyRate, Channels: 1}}
	out := conv.Convert(frame)
	if len(out.Data) == 0 {
		slog.Warn("telephony: synthesis produced no usable audio", "stream", streamID)
		return
	}

	chunks, err := audio.ChunkPayload(audio.EncodeOutbound(out.Data), audio.FrameBytes)
	if err != nil {
		slog.Error("telephony: chunking reply audio failed", "error", err)
		return
	}
	h.metrics.MediaFrames.Add(ctx, int64(len(chunks)), metric.WithAttributes(observe.Attr("direction", "out")))
	for _, chunk := range chunks {
		msg, err := encodeMedia(streamID, chunk)
		if err != nil {
			slog.Error("telephony: encoding media frame failed", "error", err)
			return
		}
		if err := w.write(msg); err != nil {
			slog.Warn("telephony: writing reply frame failed", "error", err)
			return
		}
	}
	if msg, err := encodeMark(streamID, replyMark); err == nil {
		if err := w.write(msg); err != nil {
			slog.Warn("telephony: writing mark failed", "error", err)
		}
	}
}

// finish ends the session, generates the summary from the still-readable
// history and appends the finalized record to the call log.
func (h *Handler) finish(ctx context.Context, callID string, failed bool) {
	if failed {
		h.sessions.Fail(callID)
	} else {
		h.sessions.End(callID)
	}
	sess, ok := h.sessions.Get(callID)
	if !ok {
		return
	}
	h.metrics.RecordCallEnd(ctx, time.Since(sess.StartTime).Seconds())
	rec := calllog.Record{
		CallID:    callID,
		Caller:    sess.Caller,
		StartedAt: sess.StartTime,
		Mode:      string(h.engine.Mode()),
		Summary:   h.engine.Summary(ctx, callID),
		Outcome:   string(sess.Status()),
	}
	if err := h.records.Append(ctx, rec); err != nil {
		slog.Error("telephony: recording call failed", "call", callID, "error", err)
	}
}

// socketWriter serializes writes to the connection and makes close idempotent
// so the session store and the read loop can both release it.
type socketWriter struct {
	mu     sync.Mutex
	conn   Conn
	closed bool
}

func (w *socketWriter) write(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errSocketClosed
	}
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *socketWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()
	return w.conn.Close()
}
