package ratelimit

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
)

// FormatStatus renders one row per limiter. With no limiters it returns
// "No operations are rate limited."
func FormatStatus(statuses []LimiterStatus) string {
	if len(statuses) == 0 {
		return "No operations are rate limited."
	}

	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "OPERATION\tRATE\tBURST\tAVAILABLE\tWAITS\tREJECTED")
	for _, s := range statuses {
		fmt.Fprintf(w, "%s\t%.1f/s\t%d\t%.1f\t%d\t%d\n", s.Name, s.Rate, s.Burst, s.Available, s.Waits, s.Rejected)
	}
	w.Flush()
	return b.String()
}

// FormatStatusJSON renders statuses as indented JSON, "[]" when empty.
func FormatStatusJSON(statuses []LimiterStatus) string {
	if len(statuses) == 0 {
		return "[]"
	}
	data, err := json.MarshalIndent(statuses, "", "  ")
	if err != nil {
		return fmt.Sprintf("json error: %v", err)
	}
	return string(data)
}
