package transcribe

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/kestrelvoice/kestrel/internal/observe"
	"github.com/kestrelvoice/kestrel/pkg/provider/stt/mock"
)

// pcmOfDuration builds silence-filled PCM of the given duration at 16 kHz mono.
func pcmOfDuration(d time.Duration) []byte {
	samples := int(d * 16000 / time.Second)
	return make([]byte, samples*2)
}

func TestBuffered_FlushEmitsOneFinalEvent(t *testing.T) {
	batch := &mock.Batch{Text: "hello world"}
	c := NewBuffered(batch, "CA1", 16000, 1,
		WithFlushPeriod(20*time.Millisecond),
		WithMinFlush(100*time.Millisecond))
	if err := c.Connect(t.Context()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer c.Close()

	c.SendAudio(pcmOfDuration(500 * time.Millisecond))

	ev := waitEvent(t, c.Events())
	if !ev.Final {
		t.Error("expected final event")
	}
	if ev.Text != "hello world" {
		t.Errorf("unexpected text %q", ev.Text)
	}
	if ev.CallID != "CA1" {
		t.Errorf("expected call ID CA1, got %q", ev.CallID)
	}

	if n := batch.TranscribeCallCount(); n < 1 {
		t.Fatalf("expected at least 1 transcribe call, got %d", n)
	}
	wav := batch.TranscribeCalls[0].WAV
	if !bytes.HasPrefix(wav, []byte("RIFF")) {
		t.Error("expected flushed audio to be wrapped in a WAV container")
	}
}

func TestBuffered_ShortAudioSkipped(t *testing.T) {
	batch := &mock.Batch{Text: "should never appear"}
	c := NewBuffered(batch, "CA1", 16000, 1,
		WithFlushPeriod(15*time.Millisecond),
		WithMinFlush(time.Second))
	if err := c.Connect(t.Context()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c.SendAudio(pcmOfDuration(100 * time.Millisecond))

	// Let several flush periods elapse; the pending audio is below the
	// minimum duration so no transcription call may happen.
	time.Sleep(80 * time.Millisecond)
	if n := batch.TranscribeCallCount(); n != 0 {
		t.Errorf("expected no transcribe calls for sub-threshold audio, got %d", n)
	}
	select {
	case ev := <-c.Events():
		t.Errorf("expected no event, got %+v", ev)
	default:
	}
}

func TestBuffered_SkippedFlushDiscardsAudio(t *testing.T) {
	batch := &mock.Batch{Text: "late"}
	c := NewBuffered(batch, "CA1", 16000, 1,
		WithFlushPeriod(15*time.Millisecond),
		WithMinFlush(time.Second))
	if err := c.Connect(t.Context()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c.SendAudio(pcmOfDuration(100 * time.Millisecond))
	time.Sleep(50 * time.Millisecond) // flush fires, skips, and drops the buffer
	if err := c.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The skipped flush cleared the buffer, so the forced close flush has
	// nothing left to transcribe.
	if n := batch.TranscribeCallCount(); n != 0 {
		t.Errorf("expected skipped audio to be discarded, got %d transcribe calls", n)
	}
}

func TestBuffered_EmptyTranscriptProducesNoEvent(t *testing.T) {
	batch := &mock.Batch{Text: ""}
	c := NewBuffered(batch, "CA1", 16000, 1,
		WithFlushPeriod(15*time.Millisecond),
		WithMinFlush(10*time.Millisecond))
	if err := c.Connect(t.Context()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer c.Close()

	c.SendAudio(pcmOfDuration(200 * time.Millisecond))
	time.Sleep(60 * time.Millisecond)

	if n := batch.TranscribeCallCount(); n < 1 {
		t.Fatalf("expected a transcribe call, got %d", n)
	}
	select {
	case ev := <-c.Events():
		t.Errorf("expected no event for empty transcript, got %+v", ev)
	default:
	}
}

func TestBuffered_TranscribeErrorReportedAndRecovered(t *testing.T) {
	batch := &mock.Batch{Err: errors.New("server down")}

	var mu sync.Mutex
	var reported int
	c := NewBuffered(batch, "CA1", 16000, 1,
		WithFlushPeriod(15*time.Millisecond),
		WithMinFlush(10*time.Millisecond),
		WithBufferedErrorHandler(func(error) {
			mu.Lock()
			reported++
			mu.Unlock()
		}))
	if err := c.Connect(t.Context()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer c.Close()

	c.SendAudio(pcmOfDuration(200 * time.Millisecond))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	n := reported
	mu.Unlock()
	if n < 1 {
		t.Fatal("expected flush error to be reported")
	}

	// The consumer keeps running after the failure: later audio still
	// reaches the transcriber on the next flush.
	before := batch.TranscribeCallCount()
	c.SendAudio(pcmOfDuration(200 * time.Millisecond))
	deadline := time.Now().Add(2 * time.Second)
	for batch.TranscribeCallCount() == before {
		if time.Now().After(deadline) {
			t.Fatal("expected another flush after the reported error")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBuffered_CloseForcesFinalFlush(t *testing.T) {
	batch := &mock.Batch{Text: "goodbye"}
	c := NewBuffered(batch, "CA1", 16000, 1,
		WithFlushPeriod(time.Hour), // timer never fires during the test
		WithMinFlush(time.Hour))    // force path ignores the threshold
	if err := c.Connect(t.Context()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c.SendAudio(pcmOfDuration(100 * time.Millisecond))
	if err := c.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ev := waitEvent(t, c.Events())
	if ev.Text != "goodbye" || !ev.Final {
		t.Errorf("expected forced final flush event, got %+v", ev)
	}
	if _, ok := <-c.Events(); ok {
		t.Error("expected events channel to be closed after final event")
	}
}

func TestBuffered_SendAudioOutsideConnected(t *testing.T) {
	batch := &mock.Batch{Text: "nope"}
	c := NewBuffered(batch, "CA1", 16000, 1, WithFlushPeriod(time.Hour))

	c.SendAudio(pcmOfDuration(time.Second)) // disconnected: dropped

	if err := c.Connect(t.Context()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c.SendAudio(pcmOfDuration(time.Second)) // closed: dropped

	if n := batch.TranscribeCallCount(); n != 0 {
		t.Errorf("expected no transcribe calls, got %d", n)
	}
}

func TestBuffered_ConnectIdempotent(t *testing.T) {
	c := NewBuffered(&mock.Batch{}, "CA1", 16000, 1, WithFlushPeriod(time.Hour))
	if err := c.Connect(t.Context()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer c.Close()
	if err := c.Connect(t.Context()); err != nil {
		t.Fatalf("second Connect must be a no-op, got %v", err)
	}
}

func TestBuffered_RecordsTranscriptionLatency(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	batch := &mock.Batch{Text: "hello"}
	c := NewBuffered(batch, "CA1", 16000, 1,
		WithFlushPeriod(time.Hour),
		WithBufferedMetrics(m))
	if err := c.Connect(t.Context()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c.SendAudio(pcmOfDuration(500 * time.Millisecond))
	if err := c.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitEvent(t, c.Events())

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var count uint64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "kestrel.stt.duration" {
				continue
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatal("stt.duration is not a histogram")
			}
			for _, dp := range hist.DataPoints {
				count += dp.Count
			}
		}
	}
	if count != 1 {
		t.Fatalf("stt.duration count = %d, want 1", count)
	}
}

func TestBuffered_CloseIdempotent(t *testing.T) {
	c := NewBuffered(&mock.Batch{}, "CA1", 16000, 1, WithFlushPeriod(time.Hour))
	if err := c.Connect(t.Context()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close must be a no-op, got %v", err)
	}
}
