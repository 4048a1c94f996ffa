// Package render produces the human-readable summary of aggregated results.
package render

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/sourceplane/benchctl/internal/model"
)

// Summary renders one job's aggregated values grouped by metadata source.
// Descriptions are right-padded to a common width per group; values with a
// numeric format hint are rendered through it.
func Summary(jobName string, result *model.JobResult) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("# %s\n", jobName))

	groups := make(map[string][]model.MeasurementMetadata)
	var order []string
	for _, md := range result.Metadata {
		if _, ok := result.Results[md.Name]; !ok {
			continue
		}
		if _, seen := groups[md.Source]; !seen {
			order = append(order, md.Source)
		}
		groups[md.Source] = append(groups[md.Source], md)
	}
	sort.Strings(order)

	for _, source := range order {
		entries := groups[source]
		sb.WriteString(fmt.Sprintf("\n## %s:\n", source))

		width := 0
		for _, md := range entries {
			if len(md.ShortDescription) > width {
				width = len(md.ShortDescription)
			}
		}
		for _, md := range entries {
			value := formatValue(md.Format, result.Results[md.Name])
			sb.WriteString(fmt.Sprintf("%-*s %s\n", width+1, md.ShortDescription+":", value))
		}
	}
	return sb.String()
}

// formatValue renders a summary value. Numeric format hints are of the form
// n<digits>, naming the decimal places; anything else falls back to the
// value's default textual form.
func formatValue(format string, v interface{}) string {
	if format == "" || format == model.FormatObject {
		return fmt.Sprintf("%v", v)
	}
	f, ok := asFloat(v)
	if !ok {
		return fmt.Sprintf("%v", v)
	}
	decimals := 0
	if len(format) > 1 && (format[0] == 'n' || format[0] == 'N') {
		if d, err := strconv.Atoi(format[1:]); err == nil {
			decimals = d
		}
	}
	return strconv.FormatFloat(f, 'f', decimals, 64)
}

func asFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}
