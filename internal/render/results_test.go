package render

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sourceplane/benchctl/internal/model"
)

func TestSummaryGroupsBySource(t *testing.T) {
	result := &model.JobResult{
		Results: map[string]interface{}{
			"rps":    12345.678,
			"cpu":    42.5,
			"errors": 0.0,
		},
		Metadata: []model.MeasurementMetadata{
			{Name: "rps", Source: "load", ShortDescription: "Requests/sec", Format: "n0"},
			{Name: "errors", Source: "load", ShortDescription: "Errors", Format: "n0"},
			{Name: "cpu", Source: "host", ShortDescription: "CPU (%)", Format: "n1"},
		},
	}

	out := Summary("srv", result)

	assert.Contains(t, out, "# srv")
	assert.Contains(t, out, "## host:")
	assert.Contains(t, out, "## load:")
	assert.Contains(t, out, "12346")
	assert.Contains(t, out, "42.5")

	// Descriptions within a group are padded to the same column.
	var loadLines []string
	inLoad := false
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "## ") {
			inLoad = line == "## load:"
			continue
		}
		if inLoad && line != "" {
			loadLines = append(loadLines, line)
		}
	}
	assert.Len(t, loadLines, 2)
	assert.Equal(t,
		strings.Index(loadLines[0], "12346"),
		strings.Index(loadLines[1], "0"),
	)
}

func TestSummarySkipsNamesWithoutValues(t *testing.T) {
	result := &model.JobResult{
		Results: map[string]interface{}{},
		Metadata: []model.MeasurementMetadata{
			{Name: "rps", Source: "load", ShortDescription: "Requests/sec"},
		},
	}
	out := Summary("srv", result)
	assert.NotContains(t, out, "Requests/sec")
}

func TestFormatValueObjectPassesThrough(t *testing.T) {
	out := formatValue(model.FormatObject, map[string]interface{}{"p99": 9})
	assert.Contains(t, out, "p99")
}
