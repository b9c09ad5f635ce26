package timespec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		spec    string
		want    time.Time
		wantErr bool
	}{
		{name: "duration", spec: "1h30m", want: now.Add(-90 * time.Minute)},
		{name: "zero duration", spec: "0s", want: now},
		{name: "rfc3339 utc", spec: "2026-03-14T09:00:00Z", want: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)},
		{name: "rfc3339 offset", spec: "2026-03-14T10:00:00+01:00", want: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)},
		{name: "empty", spec: "", wantErr: true},
		{name: "negative duration", spec: "-5m", wantErr: true},
		{name: "garbage", spec: "yesterday", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.spec, now)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "want %s, got %s", tt.want, got)
		})
	}
}

func TestParseRange(t *testing.T) {
	r, err := ParseRange("", "", now)
	require.NoError(t, err)
	assert.True(t, r.IsOpen())
	assert.True(t, r.Contains(now))

	r, err = ParseRange("1h", "10m", now)
	require.NoError(t, err)
	assert.False(t, r.IsOpen())
	assert.True(t, r.Contains(now.Add(-30*time.Minute)))
	assert.True(t, r.Contains(now.Add(-time.Hour)), "since is inclusive")
	assert.False(t, r.Contains(now.Add(-10*time.Minute)), "until is exclusive")
	assert.False(t, r.Contains(now.Add(-2*time.Hour)))

	_, err = ParseRange("10m", "1h", now)
	assert.ErrorContains(t, err, "--since must be before --until")

	_, err = ParseRange("nope", "", now)
	assert.ErrorContains(t, err, "invalid --since")

	_, err = ParseRange("", "nope", now)
	assert.ErrorContains(t, err, "invalid --until")
}
