package metrics

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// FormatHuman returns a human-readable table of metrics.
func FormatHuman(metrics []Metric) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("%-40s %12s  %s\n", "METRIC", "VALUE", "LABELS"))
	b.WriteString(strings.Repeat("-", 70) + "\n")

	for _, m := range metrics {
		labels := ""
		if len(m.Labels) > 0 {
			var parts []string
			for k, v := range m.Labels {
				parts = append(parts, fmt.Sprintf("%s=%s", k, v))
			}
			sort.Strings(parts)
			labels = strings.Join(parts, ", ")
		}

		valStr := fmt.Sprintf("%.0f", m.Value)
		if m.Value != float64(int64(m.Value)) {
			valStr = fmt.Sprintf("%.2f", m.Value)
		}

		b.WriteString(fmt.Sprintf("%-40s %12s  %s\n", m.Name, valStr, labels))
	}
	return b.String()
}

// FormatJSONL returns one JSON object per line.
func FormatJSONL(metrics []Metric) (string, error) {
	var b strings.Builder
	for _, m := range metrics {
		data, err := json.Marshal(m)
		if err != nil {
			return "", err
		}
		b.Write(data)
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// FormatJSON returns the metrics as an indented JSON array.
func FormatJSON(metrics []Metric) ([]byte, error) {
	if metrics == nil {
		metrics = []Metric{}
	}
	return json.MarshalIndent(metrics, "", "  ")
}
