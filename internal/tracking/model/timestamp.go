package model

import (
	"fmt"
	"strings"
	"time"
)

// TimestampLayout is the stored form of a tracking timestamp: ISO-8601 in
// UTC with exactly six fractional digits.
const TimestampLayout = "2006-01-02T15:04:05.000000"

// accepted input layouts, tried in order. Layouts without a zone are UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTimestamp normalises an ISO-8601 timestamp to TimestampLayout.
// Sub-microsecond digits are truncated.
func ParseTimestamp(s string) (string, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return FormatTimestamp(t), nil
		}
	}
	return "", &ErrValidation{Msg: fmt.Sprintf("datetime %q is not an ISO-8601 timestamp", s)}
}

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Truncate(time.Microsecond).Format(TimestampLayout)
}
