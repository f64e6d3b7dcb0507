package status

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/snakemake/snakeface/internal/store"
)

// categories maps engine log levels to display categories.
var categories = map[string]string{
	"debug":     "primary",
	"dag_debug": "primary",
	"info":      "info",
	"warning":   "warning",
	"error":     "danger",
}

const fallbackCategory = "secondary"

var tracebackPattern = regexp.MustCompile(`(?i)traceback|exception`)

// Category returns the display category for an engine level.
func Category(level any) string {
	if s, ok := level.(string); ok {
		if c, ok := categories[s]; ok {
			return c
		}
	}
	return fallbackCategory
}

// Badge renders the level markup browsers expect in the level field.
func Badge(category string, level any) string {
	return fmt.Sprintf("<span class='badge badge-%s'>%v</span>", category, level)
}

// IsTraceback reports whether msg looks like a stack trace.
func IsTraceback(msg string) bool {
	return msg != "" && tracebackPattern.MatchString(msg)
}

// Serialize converts stored status events into their wire entries. Every
// entry keeps the fields the engine sent and gains a 0-based order, a job
// (empty when absent) and a rendered level. Plain entries carry category
// and original_level instead of badge markup and leave msg untouched.
func Serialize(events []store.StatusEvent, plain bool) ([]map[string]any, error) {
	data := make([]map[string]any, 0, len(events))
	for i, ev := range events {
		entry := map[string]any{}
		dec := json.NewDecoder(bytes.NewReader(ev.Msg))
		dec.UseNumber()
		if err := dec.Decode(&entry); err != nil {
			return nil, fmt.Errorf("status event %d of run %s: %w", ev.ID, ev.RunID, err)
		}

		level, hasLevel := entry["level"]
		category := Category(level)
		if !hasLevel || level == nil {
			level = "info"
		}

		msg, _ := entry["msg"].(string)
		if _, ok := entry["msg"]; !ok {
			entry["msg"] = ""
		}
		if _, ok := entry["job"]; !ok {
			entry["job"] = ""
		}
		entry["order"] = i

		if plain {
			entry["category"] = category
			entry["original_level"] = level
			entry["traceback"] = IsTraceback(msg)
		} else {
			entry["level"] = Badge(category, level)
			if IsTraceback(msg) {
				entry["msg"] = "<code>" + strings.ReplaceAll(msg, "\n", "<br>") + "</code>"
			}
		}
		data = append(data, entry)
	}
	return data, nil
}
