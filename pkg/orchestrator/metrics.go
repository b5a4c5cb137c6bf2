package orchestrator

import (
	"math"
	"strings"
)

// msPerTick converts game ticks to wall-clock milliseconds at the standard
// 60 ticks per second update rate.
const msPerTick = 16.67

// ConvertTickMetrics rewrites tick-denominated duration keys to their
// millisecond equivalents: every numeric key ending in "Ticks" becomes the
// same key ending in "Ms" with the value multiplied by 16.67 and rounded to
// two decimals. Counts and other keys pass through untouched. Returns nil
// for nil input.
func ConvertTickMetrics(raw map[string]any) map[string]any {
	if raw == nil {
		return nil
	}
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		if strings.HasSuffix(k, "Ticks") {
			if ticks, ok := asFloat(v); ok {
				ms := math.Round(ticks*msPerTick*100) / 100
				out[strings.TrimSuffix(k, "Ticks")+"Ms"] = ms
				continue
			}
		}
		out[k] = v
	}
	return out
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
