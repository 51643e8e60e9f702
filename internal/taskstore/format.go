package taskstore

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// FormatStatus returns a summary of the database location and record
// counts per status.
func FormatStatus(path string, counts map[string]int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Database: %s\n", path)
	total := 0
	statuses := make([]string, 0, len(counts))
	for s, n := range counts {
		statuses = append(statuses, s)
		total += n
	}
	sort.Strings(statuses)
	fmt.Fprintf(&b, "Records: %d\n", total)
	for _, s := range statuses {
		fmt.Fprintf(&b, "  %-10s %d\n", s, counts[s])
	}
	return b.String()
}

// FormatList returns a table of records. Returns "No task history.\n"
// when empty.
func FormatList(records []Record) string {
	if len(records) == 0 {
		return "No task history.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-36s %-8s %-20s %-10s %8s  %s\n", "ID", "CLASS", "NAME", "STATUS", "MS", "COMPLETED")
	for _, r := range records {
		fmt.Fprintf(&b, "%-36s %-8s %-20s %-10s %8d  %s\n",
			r.ID, r.Class, truncate(r.Name, 20), r.Status, r.DurationMs, r.CompletedAt)
	}
	return b.String()
}

// FormatRecord returns a multi-line description of one record.
func FormatRecord(r Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "ID:        %s\n", r.ID)
	fmt.Fprintf(&b, "Class:     %s\n", r.Class)
	fmt.Fprintf(&b, "Name:      %s\n", r.Name)
	fmt.Fprintf(&b, "Status:    %s\n", r.Status)
	fmt.Fprintf(&b, "Queued:    %s\n", r.QueuedAt)
	if r.StartedAt != "" {
		fmt.Fprintf(&b, "Started:   %s\n", r.StartedAt)
	}
	fmt.Fprintf(&b, "Completed: %s\n", r.CompletedAt)
	fmt.Fprintf(&b, "Duration:  %dms\n", r.DurationMs)
	if r.Error != "" {
		fmt.Fprintf(&b, "Error:     %s\n", r.Error)
	}
	return b.String()
}

// FormatListJSON returns the records as indented JSON.
func FormatListJSON(records []Record) (string, error) {
	if records == nil {
		records = []Record{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return "", fmt.Errorf("taskstore: json marshal: %w", err)
	}
	return string(data), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
