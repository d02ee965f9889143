package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/fatih/color"
)

// filter renders one log line. JSON lines from slog are flattened to
// "LEVEL msg key=value ..."; anything else passes through untouched.
type filter struct {
	correlationID string
}

// format returns the rendered line and false when the line is filtered out.
func (f filter) format(line string) (string, bool) {
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		if f.correlationID != "" && !strings.Contains(line, f.correlationID) {
			return "", false
		}
		return line, true
	}

	if f.correlationID != "" && fmt.Sprint(entry["correlation_id"]) != f.correlationID {
		return "", false
	}

	level, _ := entry["level"].(string)
	msg, _ := entry["msg"].(string)
	delete(entry, "level")
	delete(entry, "msg")
	delete(entry, "time")

	keys := make([]string, 0, len(entry))
	for k := range entry {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "%-5s %s", level, msg)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry[k])
	}
	text := b.String()

	switch {
	case level == "ERROR", entry["reconciliation_required"] == true:
		return color.New(color.FgRed, color.Bold).Sprint(text), true
	case level == "WARN":
		return color.YellowString(text), true
	}
	return text, true
}
