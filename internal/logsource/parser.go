package logsource

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Line is one parsed log line. HasTime is false when the raw line did not
// carry the structured CMTrace envelope; Message is then the raw line.
type Line struct {
	Time      time.Time
	HasTime   bool
	Message   string
	Component string
}

// <![LOG[message]LOG]!><time="10:23:45.1234567+000" date="1-15-2024" component="IntuneManagementExtension" ...>
var cmtracePattern = regexp.MustCompile(
	`^<!\[LOG\[(.*)\]LOG\]!><time="(\d{1,2}):(\d{2}):(\d{2})(?:\.(\d{1,9}))?(?:([+-])(\d{1,4}))?" date="(\d{1,2})-(\d{1,2})-(\d{4})"(?:\s+component="([^"]*)")?`,
)

// ParseLine extracts timestamp and message from a CMTrace formatted line.
func ParseLine(raw string) Line {
	m := cmtracePattern.FindStringSubmatch(raw)
	if m == nil {
		return Line{Message: raw}
	}

	ts, ok := parseTimestamp(m[2], m[3], m[4], m[5], m[6], m[7], m[8], m[9], m[10])
	return Line{
		Time:      ts,
		HasTime:   ok,
		Message:   m[1],
		Component: m[11],
	}
}

func parseTimestamp(hh, mi, ss, frac, sign, bias, month, day, year string) (time.Time, bool) {
	h, _ := strconv.Atoi(hh)
	mn, _ := strconv.Atoi(mi)
	s, _ := strconv.Atoi(ss)
	mo, _ := strconv.Atoi(month)
	d, _ := strconv.Atoi(day)
	y, _ := strconv.Atoi(year)
	if h > 23 || mn > 59 || s > 60 || mo < 1 || mo > 12 || d < 1 || d > 31 {
		return time.Time{}, false
	}

	nanos := 0
	if frac != "" {
		// right-pad to nanoseconds
		f := frac + strings.Repeat("0", 9-len(frac))
		nanos, _ = strconv.Atoi(f)
	}

	ts := time.Date(y, time.Month(mo), d, h, mn, s, nanos, time.UTC)

	// The bias follows Windows semantics: UTC = local + bias minutes.
	if bias != "" {
		b, _ := strconv.Atoi(bias)
		if sign == "-" {
			b = -b
		}
		ts = ts.Add(time.Duration(b) * time.Minute)
	}
	return ts, true
}
