package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/apexrad/radsched/internal/tenancy"
	"github.com/apexrad/radsched/pkg/logging"
)

const analyzerLatencyFamily = "radsched_analyzer_latency_seconds"

const (
	defaultWindowDays = 7
	maxWindowDays     = 90
)

type funnelSource interface {
	SessionsByState(ctx context.Context, tenantID string, start, end time.Time) ([]StateCount, error)
	ConfirmationsByDay(ctx context.Context, tenantID string, start, end time.Time) ([]DayCount, error)
}

type cancelSource interface {
	CancelEvents(ctx context.Context, tenantID string, start, end time.Time) (map[string]int64, error)
}

// AnalyzerLatencySnapshot summarizes the analyzer latency histogram at
// request time, aggregated across engines.
type AnalyzerLatencySnapshot struct {
	Total   int64           `json:"total"`
	P90Ms   float64         `json:"p90_ms"`
	P95Ms   float64         `json:"p95_ms"`
	Buckets []LatencyBucket `json:"buckets"`
}

type LatencyBucket struct {
	LeSeconds float64 `json:"le_seconds"`
	Label     string  `json:"label,omitempty"`
	Count     int64   `json:"count"`
}

// Dashboard is the JSON body of GET /ops/dashboard.
type Dashboard struct {
	TenantID        string                  `json:"tenant_id"`
	PeriodStart     string                  `json:"period_start"`
	PeriodEnd       string                  `json:"period_end"`
	Sessions        int64                   `json:"sessions"`
	Confirmed       int64                   `json:"confirmed"`
	ConversionPct   float64                 `json:"conversion_pct"`
	States          []StateCount            `json:"states"`
	CancelReasons   []ReasonCount           `json:"cancel_reasons"`
	Daily           []DayCount              `json:"daily_confirmations"`
	AnalyzerLatency AnalyzerLatencySnapshot `json:"analyzer_latency"`
}

// DashboardHandler serves the self-scheduling funnel for one tenant.
type DashboardHandler struct {
	funnel   funnelSource
	cancels  cancelSource
	gatherer prometheus.Gatherer
	logger   *logging.Logger
}

// NewDashboardHandler builds the handler. cancels may be nil when the audit
// sink is split out and unreachable; the reason breakdown is then empty.
func NewDashboardHandler(funnel funnelSource, cancels cancelSource, gatherer prometheus.Gatherer, logger *logging.Logger) *DashboardHandler {
	if logger == nil {
		logger = logging.Default()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &DashboardHandler{
		funnel:   funnel,
		cancels:  cancels,
		gatherer: gatherer,
		logger:   logger,
	}
}

// GetDashboard returns the tenant funnel and analyzer latency snapshot.
// GET /ops/dashboard
// The tenant scope comes from the request context when the router's tenant
// middleware ran, otherwise from the query string directly.
// Query params:
//   - tenant: tenant id (required unless scoped upstream)
//   - start: RFC3339 timestamp (optional, requires end)
//   - end: RFC3339 timestamp (optional, requires start)
//   - days: integer window (default 7) when start/end omitted
func (h *DashboardHandler) GetDashboard(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenancy.TenantIDFromContext(r.Context())
	if !ok {
		tenantID = strings.TrimSpace(r.URL.Query().Get("tenant"))
	}
	if tenantID == "" {
		http.Error(w, `{"error":"tenant required"}`, http.StatusBadRequest)
		return
	}
	if h.funnel == nil {
		http.Error(w, `{"error":"dashboard disabled (db not configured)"}`, http.StatusServiceUnavailable)
		return
	}

	start, end, err := parseWindow(r)
	if err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusBadRequest)
		return
	}

	states, err := h.funnel.SessionsByState(r.Context(), tenantID, start, end)
	if err != nil {
		h.logger.Error("funnel query failed", "tenant_id", tenantID, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	daily, err := h.funnel.ConfirmationsByDay(r.Context(), tenantID, start, end)
	if err != nil {
		h.logger.Error("confirmations query failed", "tenant_id", tenantID, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	daily = fillMissingDays(daily, start, end)

	var total, confirmed int64
	for _, sc := range states {
		total += sc.Count
		if sc.State == "CONFIRMED" {
			confirmed = sc.Count
		}
	}
	conversionPct := 0.0
	if total > 0 {
		conversionPct = (float64(confirmed) / float64(total)) * 100.0
	}

	resp := Dashboard{
		TenantID:        tenantID,
		PeriodStart:     start.UTC().Format(time.RFC3339),
		PeriodEnd:       end.UTC().Format(time.RFC3339),
		Sessions:        total,
		Confirmed:       confirmed,
		ConversionPct:   conversionPct,
		States:          states,
		CancelReasons:   h.cancelReasons(r.Context(), tenantID, start, end),
		Daily:           daily,
		AnalyzerLatency: snapshotAnalyzerLatency(h.gatherer),
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// cancelReasons tolerates a missing or failing audit sink; the dashboard
// still renders without the breakdown.
func (h *DashboardHandler) cancelReasons(ctx context.Context, tenantID string, start, end time.Time) []ReasonCount {
	if h.cancels == nil {
		return nil
	}
	events, err := h.cancels.CancelEvents(ctx, tenantID, start, end)
	if err != nil {
		h.logger.Error("cancel reason query failed", "tenant_id", tenantID, "error", err)
		return nil
	}
	out := make([]ReasonCount, 0, len(events))
	for event, count := range events {
		out = append(out, ReasonCount{Event: event, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Event < out[j].Event
	})
	return out
}

// parseWindow resolves the reporting window. An explicit start/end pair
// wins; otherwise a days count anchors the window to UTC day boundaries
// ending at the next midnight, so today's partial data is included.
func parseWindow(r *http.Request) (time.Time, time.Time, error) {
	q := r.URL.Query()
	startRaw := strings.TrimSpace(q.Get("start"))
	endRaw := strings.TrimSpace(q.Get("end"))

	if startRaw != "" || endRaw != "" {
		if startRaw == "" || endRaw == "" {
			return time.Time{}, time.Time{}, errors.New("both start and end must be provided, or neither")
		}
		start, err := time.Parse(time.RFC3339, startRaw)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("invalid start time, use RFC3339 format")
		}
		end, err := time.Parse(time.RFC3339, endRaw)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("invalid end time, use RFC3339 format")
		}
		if !end.After(start) {
			return time.Time{}, time.Time{}, errors.New("end must be after start")
		}
		return start.UTC(), end.UTC(), nil
	}

	days := defaultWindowDays
	if raw := strings.TrimSpace(q.Get("days")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxWindowDays {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid days; must be 1-%d", maxWindowDays)
		}
		days = parsed
	}

	now := time.Now().UTC()
	end := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	return end.AddDate(0, 0, -days), end, nil
}

// fillMissingDays pads the per-day series with zero rows so charts render
// gaps instead of skipping them. The end day itself is exclusive.
func fillMissingDays(existing []DayCount, start, end time.Time) []DayCount {
	byLabel := make(map[string]DayCount, len(existing))
	for _, d := range existing {
		byLabel[d.Day.UTC().Format("2006-01-02")] = d
	}

	first := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	last := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC)
	days := int(last.Sub(first).Hours() / 24)

	out := make([]DayCount, 0, days)
	for i := 0; i < days; i++ {
		day := first.AddDate(0, 0, i)
		label := day.Format("2006-01-02")
		if found, ok := byLabel[label]; ok {
			out = append(out, found)
		} else {
			out = append(out, DayCount{Day: day, DayLabel: label})
		}
	}
	return out
}

// latencyHistogram is a cumulative latency curve merged across every label
// set of one histogram family. Points ascend by upper bound; a +Inf point,
// when present, is last.
type latencyHistogram struct {
	points []histogramPoint
	count  uint64
}

type histogramPoint struct {
	upper float64
	cum   uint64
}

func snapshotAnalyzerLatency(gatherer prometheus.Gatherer) AnalyzerLatencySnapshot {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	hist := gatherHistogram(gatherer, analyzerLatencyFamily)
	if hist.count == 0 || len(hist.points) == 0 {
		return AnalyzerLatencySnapshot{}
	}
	return AnalyzerLatencySnapshot{
		Total:   int64(hist.count),
		P90Ms:   hist.quantile(0.90) * 1000.0,
		P95Ms:   hist.quantile(0.95) * 1000.0,
		Buckets: hist.bands(),
	}
}

// gatherHistogram scrapes the registry and folds every series of the named
// family (one per engine label) into a single curve. Series from the same
// family share bucket boundaries, so summing cumulative counts per upper
// bound preserves the histogram invariants.
func gatherHistogram(gatherer prometheus.Gatherer, family string) latencyHistogram {
	mfs, err := gatherer.Gather()
	if err != nil {
		return latencyHistogram{}
	}

	byUpper := map[float64]uint64{}
	var hist latencyHistogram
	for _, mf := range mfs {
		if mf.GetName() != family {
			continue
		}
		for _, metric := range mf.GetMetric() {
			h := metric.GetHistogram()
			if h == nil {
				continue
			}
			hist.count += h.GetSampleCount()
			for _, b := range h.GetBucket() {
				if b == nil {
					continue
				}
				byUpper[b.GetUpperBound()] += b.GetCumulativeCount()
			}
		}
	}

	hist.points = make([]histogramPoint, 0, len(byUpper))
	for upper, cum := range byUpper {
		hist.points = append(hist.points, histogramPoint{upper: upper, cum: cum})
	}
	sort.Slice(hist.points, func(i, j int) bool { return hist.points[i].upper < hist.points[j].upper })
	return hist
}

// bands converts the cumulative curve into per-bucket counts. Samples above
// the largest finite bound come back as a labeled overflow band.
func (h latencyHistogram) bands() []LatencyBucket {
	bands := make([]LatencyBucket, 0, len(h.points))
	var prev uint64
	var lastFinite float64
	for _, pt := range h.points {
		cum := pt.cum
		if cum < prev {
			cum = prev
		}
		n := int64(cum - prev)
		if math.IsInf(pt.upper, 1) {
			if n > 0 {
				bands = append(bands, LatencyBucket{
					LeSeconds: lastFinite,
					Label:     ">" + formatSeconds(lastFinite),
					Count:     n,
				})
			}
		} else {
			lastFinite = pt.upper
			bands = append(bands, LatencyBucket{LeSeconds: pt.upper, Count: n})
		}
		prev = cum
	}
	return bands
}

// quantile estimates the q-th latency by linear interpolation inside the
// bucket holding the target rank, the same estimate PromQL's
// histogram_quantile produces. Targets landing in the +Inf bucket report
// the largest finite bound.
func (h latencyHistogram) quantile(q float64) float64 {
	if h.count == 0 || q <= 0 {
		return 0
	}
	target := q * float64(h.count)

	var lower, below float64
	for _, pt := range h.points {
		cum := float64(pt.cum)
		if cum < target {
			lower, below = pt.upper, cum
			continue
		}
		if math.IsInf(pt.upper, 1) {
			return lower
		}
		width := cum - below
		if width <= 0 || pt.upper == lower {
			return pt.upper
		}
		frac := (target - below) / width
		if frac < 0 {
			frac = 0
		} else if frac > 1 {
			frac = 1
		}
		return lower + frac*(pt.upper-lower)
	}
	return h.lastFinite()
}

func (h latencyHistogram) lastFinite() float64 {
	for i := len(h.points) - 1; i >= 0; i-- {
		if !math.IsInf(h.points[i].upper, 1) {
			return h.points[i].upper
		}
	}
	return 0
}

func formatSeconds(seconds float64) string {
	switch {
	case seconds <= 0:
		return "0s"
	case seconds < 1:
		return fmt.Sprintf("%.2fs", seconds)
	case seconds < 10:
		return fmt.Sprintf("%.1fs", seconds)
	default:
		return fmt.Sprintf("%.0fs", seconds)
	}
}
