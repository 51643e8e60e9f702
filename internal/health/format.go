package health

import (
	"encoding/json"
	"fmt"
	"strings"
)

var levelIndicator = map[Level]string{
	GREEN:    "✓",
	YELLOW:   "!",
	RED:      "✗",
	CRITICAL: "✗✗",
}

// FormatText renders the report as an aligned table.
func FormatText(r *Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Health: %s %s\n\n", levelIndicator[r.Level], r.Level)
	if len(r.Components) == 0 {
		b.WriteString("No components checked.\n")
		return b.String()
	}
	for _, c := range r.Components {
		mark := "✓"
		if !c.Healthy {
			mark = "✗"
		}
		fmt.Fprintf(&b, "  %s %-20s %-10s %s\n", mark, c.Name, c.Category, c.Detail)
	}
	return b.String()
}

// FormatJSON renders the report as indented JSON.
func FormatJSON(r *Report) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("health: json marshal: %w", err)
	}
	return string(data), nil
}
