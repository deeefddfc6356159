package metrics

import (
	"testing"
	"time"

	"bmsnet/internal/model"
)

func TestSummarize_Basic(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	items := []model.SyncSample{
		{Timestamp: now.Add(-10 * time.Minute), NodeID: "a", OffsetUS: 900, RoundTripUS: 5000},
		{Timestamp: now.Add(-10 * time.Second), NodeID: "a", OffsetUS: -40, RoundTripUS: 1000},
		{Timestamp: now.Add(-5 * time.Second), NodeID: "b", OffsetUS: 20, RoundTripUS: 2000},
	}
	s := Summarize(items, now.Add(-1*time.Minute))
	if s.Count != 2 {
		t.Fatalf("count=%d", s.Count)
	}
	if s.AvgRoundTripUS != 1500 {
		t.Fatalf("avg_rtt=%.2f", s.AvgRoundTripUS)
	}
	if s.MinRoundTripUS != 1000 || s.MaxRoundTripUS != 2000 {
		t.Fatalf("min/max=%.2f/%.2f", s.MinRoundTripUS, s.MaxRoundTripUS)
	}
	if s.AvgOffsetUS != -10 || s.MaxAbsOffsetUS != 40 {
		t.Fatalf("offset avg/max=%.2f/%.2f", s.AvgOffsetUS, s.MaxAbsOffsetUS)
	}

	byNode := SummarizeByNode(items, now.Add(-1*time.Minute))
	if len(byNode) != 2 || byNode[0].NodeID != "a" || byNode[0].Count != 1 {
		t.Fatalf("by node=%+v", byNode)
	}
}

func TestPercentile_Edges(t *testing.T) {
	t.Parallel()

	values := []float64{1, 2, 3, 4}
	if got := percentile(values, 0); got != 1 {
		t.Fatalf("p0=%v", got)
	}
	if got := percentile(values, 1); got != 4 {
		t.Fatalf("p100=%v", got)
	}
}
