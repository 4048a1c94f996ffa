package aggregate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sourceplane/benchctl/internal/model"
)

func meas(name string, value interface{}) model.Measurement {
	return model.Measurement{Name: name, Timestamp: time.Now(), Value: value}
}

func md(name string, agg, red model.Operation) model.MeasurementMetadata {
	return model.MeasurementMetadata{Name: name, Source: "load", Aggregate: agg, Reduce: red, Format: "n0"}
}

func stream(values ...interface{}) []model.Measurement {
	out := make([]model.Measurement, len(values))
	for i, v := range values {
		out[i] = meas("rps", v)
	}
	return out
}

func TestAggregateOperations(t *testing.T) {
	cases := []struct {
		op       model.Operation
		values   []interface{}
		expected interface{}
	}{
		{model.OpSum, []interface{}{1, 2, 3}, 6.0},
		{model.OpAvg, []interface{}{2, 4}, 3.0},
		{model.OpMax, []interface{}{3, 9, 1}, 9.0},
		{model.OpMin, []interface{}{3, 9, 1}, 1.0},
		{model.OpDelta, []interface{}{3, 9, 1}, 8.0},
		{model.OpCount, []interface{}{5, 5, 5}, 3.0},
		{model.OpFirst, []interface{}{7, 8}, 7.0},
		{model.OpLast, []interface{}{7, 8}, 8.0},
	}
	for _, tc := range cases {
		t.Run(string(tc.op), func(t *testing.T) {
			summary, _ := Summarize(
				[]model.MeasurementMetadata{md("rps", tc.op, tc.op)},
				[][]model.Measurement{stream(tc.values...)},
			)
			assert.Equal(t, tc.expected, summary["rps"])
		})
	}
}

func TestAllPreservesOrderAndLength(t *testing.T) {
	metadata := []model.MeasurementMetadata{
		{Name: "rps", Aggregate: model.OpAll, Reduce: model.OpAll},
	}
	summary, _ := Summarize(metadata, [][]model.Measurement{stream(3, 1, 2)})

	seq, ok := summary["rps"].([]interface{})
	require.True(t, ok)
	assert.Equal(t, []interface{}{3, 1, 2}, seq)
}

func TestCountEqualsLenOfAll(t *testing.T) {
	values := []interface{}{1, 2, 3, 4}
	all, _ := Summarize(
		[]model.MeasurementMetadata{{Name: "rps", Aggregate: model.OpAll}},
		[][]model.Measurement{stream(values...)},
	)
	count, _ := Summarize(
		[]model.MeasurementMetadata{md("rps", model.OpCount, model.OpCount)},
		[][]model.Measurement{stream(values...)},
	)
	assert.Equal(t, float64(len(all["rps"].([]interface{}))), count["rps"])
}

func TestDeltaEqualsMaxMinusMin(t *testing.T) {
	values := []interface{}{5, 12, 3, 8}
	run := func(op model.Operation) float64 {
		s, _ := Summarize(
			[]model.MeasurementMetadata{md("rps", op, op)},
			[][]model.Measurement{stream(values...)},
		)
		return s["rps"].(float64)
	}
	assert.Equal(t, run(model.OpMax)-run(model.OpMin), run(model.OpDelta))
}

func TestSingleSampleAvgMinMaxAgree(t *testing.T) {
	for _, op := range []model.Operation{model.OpAvg, model.OpMin, model.OpMax} {
		s, _ := Summarize(
			[]model.MeasurementMetadata{md("rps", op, op)},
			[][]model.Measurement{stream(42)},
		)
		assert.Equal(t, 42.0, s["rps"], "op %s", op)
	}
}

func TestMedianDefinition(t *testing.T) {
	// sorted = [1 2 3 4 5], nth = ceil(5*50/100) = 3, len > nth so
	// sorted[3] = 4.
	s, _ := Summarize(
		[]model.MeasurementMetadata{md("rps", model.OpMedian, model.OpMedian)},
		[][]model.Measurement{stream(5, 3, 1, 4, 2)},
	)
	assert.Equal(t, 4.0, s["rps"])

	// With two samples nth = 1, len > nth so sorted[1].
	s, _ = Summarize(
		[]model.MeasurementMetadata{md("rps", model.OpMedian, model.OpMedian)},
		[][]model.Measurement{stream(10, 20)},
	)
	assert.Equal(t, 20.0, s["rps"])

	// A single sample yields 0: nth = 1 and len is not greater.
	s, _ = Summarize(
		[]model.MeasurementMetadata{md("rps", model.OpMedian, model.OpMedian)},
		[][]model.Measurement{stream(10)},
	)
	assert.Equal(t, 0.0, s["rps"])
}

func TestSingleAgentReduceIsIdentity(t *testing.T) {
	metadata := []model.MeasurementMetadata{md("rps", model.OpSum, model.OpMax)}
	single, _ := Summarize(metadata, [][]model.Measurement{stream(1, 2)})
	assert.Equal(t, 3.0, single["rps"])
}

func TestReduceAcrossAgentsUsesReduceOp(t *testing.T) {
	// Per-agent sums are 3 and 7; reduce by max picks 7, not 10.
	metadata := []model.MeasurementMetadata{md("rps", model.OpSum, model.OpMax)}
	summary, _ := Summarize(metadata, [][]model.Measurement{
		stream(1, 2),
		stream(3, 4),
	})
	assert.Equal(t, 7.0, summary["rps"])
}

func TestReduceFlattensAllSequences(t *testing.T) {
	metadata := []model.MeasurementMetadata{
		{Name: "rps", Aggregate: model.OpAll, Reduce: model.OpCount, Format: "n0"},
	}
	summary, _ := Summarize(metadata, [][]model.Measurement{
		stream(1, 2),
		stream(3),
	})
	assert.Equal(t, 3.0, summary["rps"])
}

func TestUnknownNamesDroppedFromSummary(t *testing.T) {
	metadata := []model.MeasurementMetadata{md("rps", model.OpSum, model.OpSum)}
	summary, _ := Summarize(metadata, [][]model.Measurement{
		{meas("rps", 1), meas("mystery", 99)},
	})
	_, present := summary["mystery"]
	assert.False(t, present)
	assert.Equal(t, 1.0, summary["rps"])
}

func TestJSONFormatNormalization(t *testing.T) {
	metadata := []model.MeasurementMetadata{
		{Name: "histogram", Source: "load", Format: model.FormatJSON, Aggregate: model.OpLast, Reduce: model.OpLast},
	}
	perAgent := [][]model.Measurement{
		{meas("histogram", `{"p50": 10, "p99": 99}`)},
	}

	summary, outMeta := Summarize(metadata, perAgent)

	require.Len(t, outMeta, 1)
	assert.Equal(t, model.FormatObject, outMeta[0].Format)

	obj, ok := summary["histogram"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 99.0, obj["p99"])
	// The raw stream was rewritten in place as well.
	_, isObj := perAgent[0][0].Value.(map[string]interface{})
	assert.True(t, isObj)
}

func TestObjectFormatNotCoerced(t *testing.T) {
	metadata := []model.MeasurementMetadata{
		{Name: "env", Format: model.FormatObject, Aggregate: model.OpFirst, Reduce: model.OpFirst},
	}
	summary, _ := Summarize(metadata, [][]model.Measurement{
		{meas("env", map[string]interface{}{"os": "linux"})},
	})
	obj, ok := summary["env"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "linux", obj["os"])
}
