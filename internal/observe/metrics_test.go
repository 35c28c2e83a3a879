package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"voxwire.first_audio_token.duration", m.FirstAudioToken},
		{"voxwire.turn.duration", m.TurnDuration},
		{"voxwire.retrieval.duration", m.RetrievalDuration},
		{"voxwire.action.duration", m.ActionDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a float64 histogram", tc.name)
			}
			if len(hist.DataPoints) != 1 {
				t.Fatalf("expected 1 data point, got %d", len(hist.DataPoints))
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("expected 2 observations, got %d", got)
			}
		})
	}
}

func TestRecordFirstAudioToken(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordFirstAudioToken(context.Background(), 250*time.Millisecond)

	rm := collect(t, reader)
	met := findMetric(rm, "voxwire.first_audio_token.duration")
	if met == nil {
		t.Fatal("first_audio_token metric not found")
	}
	hist := met.Data.(metricdata.Histogram[float64])
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
		t.Fatalf("expected one observation, got %+v", hist.DataPoints)
	}
	if got := hist.DataPoints[0].Sum; got < 0.249 || got > 0.251 {
		t.Errorf("expected ~0.25s sample, got %v", got)
	}
}

func TestRecordTurnAttributes(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTurn(ctx, "get_information", "ok", 900*time.Millisecond)
	m.RecordTurn(ctx, "get_information", "ok", 400*time.Millisecond)
	m.RecordTurn(ctx, "buy_tickets", "error", 2*time.Second)

	rm := collect(t, reader)
	met := findMetric(rm, "voxwire.turns")
	if met == nil {
		t.Fatal("turns metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("turns is not an int64 sum")
	}
	if len(sum.DataPoints) != 2 {
		t.Fatalf("expected 2 attribute sets, got %d", len(sum.DataPoints))
	}
	for _, dp := range sum.DataPoints {
		intent, _ := dp.Attributes.Value(attribute.Key("intent"))
		switch intent.AsString() {
		case "get_information":
			if dp.Value != 2 {
				t.Errorf("get_information count = %d, want 2", dp.Value)
			}
		case "buy_tickets":
			if dp.Value != 1 {
				t.Errorf("buy_tickets count = %d, want 1", dp.Value)
			}
		default:
			t.Errorf("unexpected intent attribute %q", intent.AsString())
		}
	}
}

func TestRecordToolCall(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordToolCall(ctx, "search_events", "ok")
	m.RecordToolCall(ctx, "search_events", "ok")
	m.RecordToolCall(ctx, "add_to_cart", "error")

	rm := collect(t, reader)
	met := findMetric(rm, "voxwire.tool.calls")
	if met == nil {
		t.Fatal("tool.calls metric not found")
	}
	sum := met.Data.(metricdata.Sum[int64])
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 3 {
		t.Errorf("total tool calls = %d, want 3", total)
	}
}

func TestRecordFrameDropAndProviderError(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFrameDrop(ctx, "backpressure")
	m.RecordFrameDrop(ctx, "oversize")
	m.RecordProviderError(ctx, "openai-realtime", "PROVIDER_UNAVAILABLE")

	rm := collect(t, reader)

	drops := findMetric(rm, "voxwire.frames.dropped")
	if drops == nil {
		t.Fatal("frames.dropped metric not found")
	}
	if n := len(drops.Data.(metricdata.Sum[int64]).DataPoints); n != 2 {
		t.Errorf("expected 2 drop reasons, got %d", n)
	}

	errs := findMetric(rm, "voxwire.provider.errors")
	if errs == nil {
		t.Fatal("provider.errors metric not found")
	}
	dp := errs.Data.(metricdata.Sum[int64]).DataPoints
	if len(dp) != 1 || dp[0].Value != 1 {
		t.Errorf("unexpected provider error data points: %+v", dp)
	}
}

func TestActiveSessionsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 3)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)
	met := findMetric(rm, "voxwire.active_sessions")
	if met == nil {
		t.Fatal("active_sessions metric not found")
	}
	sum := met.Data.(metricdata.Sum[int64])
	if len(sum.DataPoints) != 1 {
		t.Fatalf("expected 1 data point, got %d", len(sum.DataPoints))
	}
	if got := sum.DataPoints[0].Value; got != 2 {
		t.Errorf("active sessions = %d, want 2", got)
	}
}

func TestOutboxCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.OutboxPublished.Add(ctx, 5)
	m.OutboxDeadLetters.Add(ctx, 1)

	rm := collect(t, reader)
	published := findMetric(rm, "voxwire.outbox.published")
	if published == nil {
		t.Fatal("outbox.published metric not found")
	}
	if got := published.Data.(metricdata.Sum[int64]).DataPoints[0].Value; got != 5 {
		t.Errorf("published = %d, want 5", got)
	}
	dead := findMetric(rm, "voxwire.outbox.dead_letters")
	if dead == nil {
		t.Fatal("outbox.dead_letters metric not found")
	}
	if got := dead.Data.(metricdata.Sum[int64]).DataPoints[0].Value; got != 1 {
		t.Errorf("dead letters = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
