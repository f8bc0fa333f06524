package runlog

import (
	"context"
	"sort"
	"time"

	"github.com/weftworks/weft/workflow"
)

// Query filters and pages execution records. Zero fields are unfiltered.
type Query struct {
	ExecutionID string
	WorkflowID  string
	UserID      string
	Status      workflow.ExecutionStatus
	Since       time.Time
	Until       time.Time
	// SortBy is "startTime" (default) or "duration".
	SortBy string
	// SortOrder is "desc" (default) or "asc".
	SortOrder string
	Limit     int
	Offset    int
}

// QueryResult holds one page of executions plus the unpaged total.
type QueryResult struct {
	Items []*Execution `json:"items"`
	Total int          `json:"total"`
}

// DefaultQueryLimit bounds unlimited queries.
const DefaultQueryLimit = 50

// QueryExecutions loads executions from the store and applies the query.
func QueryExecutions(ctx context.Context, store Store, q Query) (*QueryResult, error) {
	all, err := store.ListExecutions(ctx)
	if err != nil {
		return nil, err
	}
	return applyQuery(all, q), nil
}

func applyQuery(all []*Execution, q Query) *QueryResult {
	filtered := make([]*Execution, 0, len(all))
	for _, exec := range all {
		if q.ExecutionID != "" && exec.ExecutionID != q.ExecutionID {
			continue
		}
		if q.WorkflowID != "" && exec.WorkflowID != q.WorkflowID {
			continue
		}
		if q.UserID != "" && exec.UserID != q.UserID {
			continue
		}
		if q.Status != "" && exec.Status != q.Status {
			continue
		}
		if !q.Since.IsZero() && exec.StartTime.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && exec.StartTime.After(q.Until) {
			continue
		}
		filtered = append(filtered, exec)
	}

	asc := q.SortOrder == "asc"
	switch q.SortBy {
	case "duration":
		sort.SliceStable(filtered, func(i, j int) bool {
			if asc {
				return filtered[i].DurationMs < filtered[j].DurationMs
			}
			return filtered[i].DurationMs > filtered[j].DurationMs
		})
	default:
		sort.SliceStable(filtered, func(i, j int) bool {
			if asc {
				return filtered[i].StartTime.Before(filtered[j].StartTime)
			}
			return filtered[i].StartTime.After(filtered[j].StartTime)
		})
	}

	total := len(filtered)
	offset := q.Offset
	if offset > total {
		offset = total
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return &QueryResult{Items: filtered[offset:end], Total: total}
}

// StatsWindow selects the aggregation window.
type StatsWindow string

const (
	WindowHour StatsWindow = "hour"
	WindowDay  StatsWindow = "day"
	WindowWeek StatsWindow = "week"
)

// Duration returns the window length; unknown windows default to a day.
func (w StatsWindow) Duration() time.Duration {
	switch w {
	case WindowHour:
		return time.Hour
	case WindowWeek:
		return 7 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// Stats aggregates executions within a window.
type Stats struct {
	Window        StatsWindow `json:"window"`
	Total         int         `json:"total"`
	Succeeded     int         `json:"succeeded"`
	Failed        int         `json:"failed"`
	Partial       int         `json:"partial"`
	AvgDurationMs int64       `json:"avgDuration"`
	P50Ms         int64       `json:"p50"`
	P95Ms         int64       `json:"p95"`
	P99Ms         int64       `json:"p99"`
	TotalCostUSD  float64     `json:"totalCostUSD"`
	CacheHitRate  float64     `json:"cacheHitRate"`
}

// ComputeStats aggregates the executions that started within the window
// ending at now.
func ComputeStats(ctx context.Context, store Store, window StatsWindow, now time.Time) (*Stats, error) {
	all, err := store.ListExecutions(ctx)
	if err != nil {
		return nil, err
	}
	since := now.Add(-window.Duration())

	stats := &Stats{Window: window}
	var durations []int64
	var totalDuration int64
	var hitRateSum float64
	var hitRateCount int
	for _, exec := range all {
		if exec.StartTime.Before(since) || exec.StartTime.After(now) {
			continue
		}
		stats.Total++
		switch exec.Status {
		case workflow.ExecutionSucceeded:
			stats.Succeeded++
		case workflow.ExecutionFailed:
			stats.Failed++
		case workflow.ExecutionPartial:
			stats.Partial++
		}
		stats.TotalCostUSD += exec.Metadata.TotalCostUSD
		if exec.Status.IsTerminal() {
			durations = append(durations, exec.DurationMs)
			totalDuration += exec.DurationMs
		}
		// Executions without LLM nodes carry no rate; all-miss executions
		// must still drag the average down.
		if exec.Metadata.LLMNodes > 0 {
			hitRateSum += exec.Metadata.CacheHitRate
			hitRateCount++
		}
	}

	if len(durations) > 0 {
		stats.AvgDurationMs = totalDuration / int64(len(durations))
		sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
		stats.P50Ms = percentile(durations, 50)
		stats.P95Ms = percentile(durations, 95)
		stats.P99Ms = percentile(durations, 99)
	}
	if hitRateCount > 0 {
		stats.CacheHitRate = hitRateSum / float64(hitRateCount)
	}
	return stats, nil
}

// percentile uses nearest-rank on a sorted slice.
func percentile(sorted []int64, p int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
