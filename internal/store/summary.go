package store

import (
	"context"
	"fmt"
)

// RunSummary aggregates one (run, scenario) pair for trend comparison.
type RunSummary struct {
	RunID         string
	ScenarioName  string
	TotalRequests int64
	DeviceCount   int64
	AvgLatencyMS  float64
	SuccessCount  int64
	SuccessRate   float64
}

// Summarize groups stored records by run and scenario and computes request
// totals, distinct device counts, average latency, and success rate.
func (s *Store) Summarize(ctx context.Context) ([]RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id,
		       scenario_name,
		       COUNT(id),
		       COUNT(DISTINCT device_id),
		       AVG(latency_ms),
		       SUM(CASE WHEN status = 'SUCCESS' THEN 1 ELSE 0 END)
		FROM execution_metrics
		GROUP BY run_id, scenario_name
		ORDER BY MIN(timestamp) ASC`)
	if err != nil {
		return nil, fmt.Errorf("summarizing metric store: %w", err)
	}
	defer rows.Close()

	var summaries []RunSummary
	for rows.Next() {
		var sum RunSummary
		if err := rows.Scan(
			&sum.RunID, &sum.ScenarioName, &sum.TotalRequests,
			&sum.DeviceCount, &sum.AvgLatencyMS, &sum.SuccessCount,
		); err != nil {
			return nil, fmt.Errorf("scanning summary row: %w", err)
		}
		if sum.TotalRequests > 0 {
			sum.SuccessRate = float64(sum.SuccessCount) / float64(sum.TotalRequests) * 100
		}
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}
