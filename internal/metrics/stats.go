package metrics

import (
	"math"
	"sort"
	"time"

	"bmsnet/internal/model"
)

// Summary is a basic statistics snapshot over sync samples.
type Summary struct {
	NodeID         string
	Count          int
	From           time.Time
	To             time.Time
	AvgRoundTripUS float64
	P95RoundTripUS float64
	MinRoundTripUS float64
	MaxRoundTripUS float64
	AvgOffsetUS    float64
	MaxAbsOffsetUS float64
}

// Summarize computes summary metrics for samples at or after since.
func Summarize(items []model.SyncSample, since time.Time) Summary {
	filtered := make([]model.SyncSample, 0, len(items))
	for _, s := range items {
		if !s.Timestamp.Before(since) {
			filtered = append(filtered, s)
		}
	}

	if len(filtered) == 0 {
		return Summary{Count: 0}
	}

	values := make([]float64, 0, len(filtered))
	var sumRTT, sumOffset, maxAbs float64
	minRTT := math.MaxFloat64
	maxRTT := -math.MaxFloat64
	from := filtered[0].Timestamp
	to := filtered[0].Timestamp

	for _, s := range filtered {
		rtt := float64(s.RoundTripUS)
		off := float64(s.OffsetUS)
		values = append(values, rtt)
		sumRTT += rtt
		sumOffset += off
		minRTT = math.Min(minRTT, rtt)
		maxRTT = math.Max(maxRTT, rtt)
		maxAbs = math.Max(maxAbs, math.Abs(off))
		if s.Timestamp.Before(from) {
			from = s.Timestamp
		}
		if s.Timestamp.After(to) {
			to = s.Timestamp
		}
	}

	sort.Float64s(values)
	count := float64(len(filtered))

	return Summary{
		Count:          len(filtered),
		From:           from,
		To:             to,
		AvgRoundTripUS: sumRTT / count,
		P95RoundTripUS: percentile(values, 0.95),
		MinRoundTripUS: minRTT,
		MaxRoundTripUS: maxRTT,
		AvgOffsetUS:    sumOffset / count,
		MaxAbsOffsetUS: maxAbs,
	}
}

// SummarizeByNode groups samples per node, sorted by node id.
func SummarizeByNode(items []model.SyncSample, since time.Time) []Summary {
	groups := make(map[string][]model.SyncSample)
	for _, s := range items {
		groups[s.NodeID] = append(groups[s.NodeID], s)
	}
	out := make([]Summary, 0, len(groups))
	for node, samples := range groups {
		sum := Summarize(samples, since)
		if sum.Count == 0 {
			continue
		}
		sum.NodeID = node
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 1 {
		return values[len(values)-1]
	}
	idx := int(math.Ceil(p*float64(len(values)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return values[idx]
}
