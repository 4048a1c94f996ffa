// Package aggregate implements the two-level measurement pipeline: raw
// per-agent streams are summarized per job, then reduced across agents into
// a single set of values.
package aggregate

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"

	"github.com/sourceplane/benchctl/internal/model"
)

// Normalize prepares streams for aggregation: for every metadata entry
// declaring the json format, matching string values are parsed into
// structured objects and the format is rewritten to object. Measurements
// are rewritten in place; the returned metadata slice is a copy.
func Normalize(metadata []model.MeasurementMetadata, perAgent [][]model.Measurement) []model.MeasurementMetadata {
	out := append([]model.MeasurementMetadata(nil), metadata...)
	for i := range out {
		if out[i].Format != model.FormatJSON {
			continue
		}
		for _, stream := range perAgent {
			for j := range stream {
				if stream[j].Name != out[i].Name {
					continue
				}
				raw, ok := stream[j].Value.(string)
				if !ok {
					continue
				}
				var parsed interface{}
				if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
					stream[j].Value = parsed
				}
			}
		}
		out[i].Format = model.FormatObject
	}
	return out
}

// Summarize runs the full pipeline: normalization, the per-agent aggregate
// pass, and the cross-agent reduce pass. The returned metadata reflects any
// format rewrites. Measurement names without a metadata entry are dropped
// from the summary.
func Summarize(metadata []model.MeasurementMetadata, perAgent [][]model.Measurement) (map[string]interface{}, []model.MeasurementMetadata) {
	metadata = Normalize(metadata, perAgent)

	summaries := make([]map[string]interface{}, 0, len(perAgent))
	for _, stream := range perAgent {
		summaries = append(summaries, aggregateAgent(metadata, stream))
	}

	if len(summaries) == 1 {
		return summaries[0], metadata
	}
	return reduce(metadata, summaries), metadata
}

// aggregateAgent groups one agent's stream by name and applies each
// metadata entry's aggregate operation.
func aggregateAgent(metadata []model.MeasurementMetadata, stream []model.Measurement) map[string]interface{} {
	grouped := make(map[string][]interface{})
	for _, m := range stream {
		grouped[m.Name] = append(grouped[m.Name], m.Value)
	}

	out := make(map[string]interface{})
	for _, md := range metadata {
		values, ok := grouped[md.Name]
		if !ok || len(values) == 0 {
			continue
		}
		out[md.Name] = finalize(md, apply(md.Aggregate, values))
	}
	return out
}

// reduce flattens every agent's summary value per metadata entry and applies
// the reduce operation.
func reduce(metadata []model.MeasurementMetadata, summaries []map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	for _, md := range metadata {
		var values []interface{}
		for _, summary := range summaries {
			v, ok := summary[md.Name]
			if !ok {
				continue
			}
			if seq, isSeq := v.([]interface{}); isSeq {
				values = append(values, seq...)
			} else {
				values = append(values, v)
			}
		}
		if len(values) == 0 {
			continue
		}
		out[md.Name] = finalize(md, apply(md.Reduce, values))
	}
	return out
}

// finalize applies the format rule: summaries with a numeric format hint are
// stored as doubles; object summaries and sequences are retained as-is.
func finalize(md model.MeasurementMetadata, v interface{}) interface{} {
	if md.Format == "" || md.Format == model.FormatObject {
		return v
	}
	if f, ok := toFloat(v); ok {
		return f
	}
	return v
}

// apply runs one operation over a value sequence.
func apply(op model.Operation, values []interface{}) interface{} {
	switch op {
	case model.OpAll:
		return values
	case model.OpFirst:
		return values[0]
	case model.OpLast:
		return values[len(values)-1]
	case model.OpCount:
		return len(values)
	case model.OpSum:
		return sum(values)
	case model.OpAvg:
		return sum(values) / float64(len(values))
	case model.OpMax:
		_, max := minMax(values)
		return max
	case model.OpMin:
		min, _ := minMax(values)
		return min
	case model.OpDelta:
		min, max := minMax(values)
		return max - min
	case model.OpMedian:
		return median(values)
	default:
		return values
	}
}

func sum(values []interface{}) float64 {
	var total float64
	for _, v := range values {
		f, _ := toFloat(v)
		total += f
	}
	return total
}

func minMax(values []interface{}) (float64, float64) {
	min := math.Inf(1)
	max := math.Inf(-1)
	for _, v := range values {
		f, _ := toFloat(v)
		if f < min {
			min = f
		}
		if f > max {
			max = f
		}
	}
	return min, max
}

// median is the 50th percentile: with the values sorted, nth is
// ceil(len*50/100); the result is sorted[nth] when len > nth, else 0.
func median(values []interface{}) float64 {
	floats := make([]float64, 0, len(values))
	for _, v := range values {
		f, _ := toFloat(v)
		floats = append(floats, f)
	}
	sort.Float64s(floats)
	nth := int(math.Ceil(float64(len(floats)) * 50 / 100))
	if len(floats) > nth {
		return floats[nth]
	}
	return 0
}

// toFloat coerces dynamic values to float64 the way numeric operations
// expect. Strings parse when they look numeric.
func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
