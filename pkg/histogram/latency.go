package histogram

import (
	"fmt"
	"strings"
)

// LatencyDistributionResult summarises a latency histogram. Values are in the histogram's unit,
// microseconds for probes recorded by workers.
type LatencyDistributionResult struct {
	Count int64 `json:"count" yaml:"count"`
	P50   int64 `json:"p50" yaml:"p50"`
	P90   int64 `json:"p90" yaml:"p90"`
	P99   int64 `json:"p99" yaml:"p99"`
	P999  int64 `json:"p99.9" yaml:"p99.9"`
	P9999 int64 `json:"p99.99" yaml:"p99.99"`
	Max   int64 `json:"max" yaml:"max"`
}

func NewLatencyDistributionResult(h *LinearHistogram) LatencyDistributionResult {
	return LatencyDistributionResult{
		Count: h.Count(),
		P50:   h.Percentile(0.5),
		P90:   h.Percentile(0.9),
		P99:   h.Percentile(0.99),
		P999:  h.Percentile(0.999),
		P9999: h.Percentile(0.9999),
		Max:   h.Max(),
	}
}

func (r LatencyDistributionResult) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("count: %d", r.Count))
	sb.WriteString(fmt.Sprintf(", 50%%: %dus", r.P50))
	sb.WriteString(fmt.Sprintf(", 90%%: %dus", r.P90))
	sb.WriteString(fmt.Sprintf(", 99%%: %dus", r.P99))
	sb.WriteString(fmt.Sprintf(", 99.9%%: %dus", r.P999))
	sb.WriteString(fmt.Sprintf(", 99.99%%: %dus", r.P9999))
	sb.WriteString(fmt.Sprintf(", max: %dus", r.Max))
	return sb.String()
}
