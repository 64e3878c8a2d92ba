package transform

import (
	"fmt"
	"strings"
	"time"
)

// Accepted date-time layouts, most specific first. Layouts without a zone
// are read as UTC.
var posixLayouts = []string{
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ToPosix converts a calendar date-time string to seconds since the epoch.
func ToPosix(s string) (int64, error) {
	s = strings.TrimSpace(s)
	for _, layout := range posixLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Unix(), nil
		}
	}
	return 0, fmt.Errorf("transform: unrecognised date-time %q", s)
}

// ToDate8601 converts YYYYMMDD to YYYY-MM-DD. A date already in
// YYYY-MM-DD form is returned normalised.
func ToDate8601(s string) (string, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"20060102", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}
	return "", fmt.Errorf("transform: unrecognised date %q", s)
}

func derive(d Derive, raw string) (any, error) {
	switch d {
	case Verbatim:
		return raw, nil
	case Posix:
		return ToPosix(raw)
	case Date8601:
		return ToDate8601(raw)
	default:
		return nil, fmt.Errorf("transform: unknown derivation %q", d)
	}
}
