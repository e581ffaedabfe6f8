package logsource

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantMsg   string
		wantTime  time.Time
		hasTime   bool
		component string
	}{
		{
			name:      "cmtrace with fraction",
			raw:       `<![LOG[[Win32App] Downloading app 11111111-1111-1111-1111-111111111111]LOG]!><time="08:29:52.3452209" date="10-17-2023" component="AppWorkload" context="" type="1" thread="14" file="">`,
			wantMsg:   "[Win32App] Downloading app 11111111-1111-1111-1111-111111111111",
			wantTime:  time.Date(2023, 10, 17, 8, 29, 52, 345220900, time.UTC),
			hasTime:   true,
			component: "AppWorkload",
		},
		{
			name:      "cmtrace with bias",
			raw:       `<![LOG[hello]LOG]!><time="1:02:03.5+60" date="1-5-2024" component="IME">`,
			wantMsg:   "hello",
			wantTime:  time.Date(2024, 1, 5, 2, 2, 3, 500000000, time.UTC),
			hasTime:   true,
			component: "IME",
		},
		{
			name:    "plain line falls back to raw",
			raw:     "phase -> AccountSetup",
			wantMsg: "phase -> AccountSetup",
		},
		{
			name:    "unterminated multi-line entry",
			raw:     `<![LOG[first line of a long message`,
			wantMsg: `<![LOG[first line of a long message`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseLine(tt.raw)
			assert.Equal(t, tt.wantMsg, got.Message)
			assert.Equal(t, tt.hasTime, got.HasTime)
			assert.Equal(t, tt.component, got.Component)
			if tt.hasTime {
				assert.True(t, tt.wantTime.Equal(got.Time), "got %s want %s", got.Time, tt.wantTime)
			}
		})
	}
}

func TestParseLine_InvalidDateHasNoTime(t *testing.T) {
	got := ParseLine(`<![LOG[x]LOG]!><time="25:00:00.0" date="13-40-2024" component="IME">`)
	assert.Equal(t, "x", got.Message)
	assert.False(t, got.HasTime)
}
