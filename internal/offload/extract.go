package offload

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// ExtractMetric pulls a numeric value out of the response body using a gjson
// path (e.g. "result.avg_throughput"). Tasks configure this to store a
// domain metric alongside the measured latency.
func (r *Result) ExtractMetric(path string) (float64, error) {
	if len(r.Body) == 0 {
		return 0, fmt.Errorf("empty offload response body")
	}

	value := gjson.GetBytes(r.Body, path)
	if !value.Exists() {
		return 0, fmt.Errorf("metric path %q not found in offload response", path)
	}
	if value.Type != gjson.Number {
		return 0, fmt.Errorf("metric path %q is not numeric (got %s)", path, value.Type)
	}
	return value.Float(), nil
}
