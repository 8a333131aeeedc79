package timeexpr_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mhpenta/taskqueue/timeexpr"
)

var ref = time.Date(2026, 2, 22, 9, 0, 0, 0, time.UTC)

func TestParse_Relative(t *testing.T) {
	cases := []struct {
		expr string
		want time.Time
	}{
		{"", ref},
		{"now", ref},
		{"NOW", ref},
		{"+ 1 Min", ref.Add(time.Minute)},
		{"+ 1 Day", ref.AddDate(0, 0, 1)},
		{"- 3 Seconds", ref.Add(-3 * time.Second)},
		{"-7 seconds", ref.Add(-7 * time.Second)},
		{"+2 hours", ref.Add(2 * time.Hour)},
		{"1 week", ref.AddDate(0, 0, 7)},
		{"+1 month", ref.AddDate(0, 1, 0)},
		{"-1 year", ref.AddDate(-1, 0, 0)},
		{"+1 day 2 hours", ref.AddDate(0, 0, 1).Add(2 * time.Hour)},
		{"+1 day -2 hours", ref.AddDate(0, 0, 1).Add(-2 * time.Hour)},
		{"5 mins", ref.Add(5 * time.Minute)},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			got, err := timeexpr.Parse(tc.expr, ref)
			require.NoError(t, err)
			assert.True(t, tc.want.Equal(got), "got %v, want %v", got, tc.want)
		})
	}
}

func TestParse_GoDuration(t *testing.T) {
	got, err := timeexpr.Parse("-90s", ref)
	require.NoError(t, err)
	assert.Equal(t, ref.Add(-90*time.Second), got)

	got, err = timeexpr.Parse("+1h30m", ref)
	require.NoError(t, err)
	assert.Equal(t, ref.Add(90*time.Minute), got)
}

func TestParse_Absolute(t *testing.T) {
	got, err := timeexpr.Parse("2009-07-01 12:00:00", ref)
	require.NoError(t, err)
	assert.True(t, time.Date(2009, 7, 1, 12, 0, 0, 0, time.UTC).Equal(got), "got %v", got)

	got, err = timeexpr.Parse("2026-03-01T10:00:00Z", ref)
	require.NoError(t, err)
	assert.True(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC).Equal(got), "got %v", got)
}

func TestParse_AbsoluteUsesReferenceLocation(t *testing.T) {
	loc := time.FixedZone("EST", -5*60*60)
	got, err := timeexpr.Parse("2009-07-01 12:00:00", ref.In(loc))
	require.NoError(t, err)
	assert.True(t, time.Date(2009, 7, 1, 12, 0, 0, 0, loc).Equal(got), "got %v", got)
}

func TestParse_Invalid(t *testing.T) {
	for _, expr := range []string{"soon", "+1 fortnight", "1 day and a bit"} {
		_, err := timeexpr.Parse(expr, ref)
		assert.ErrorIs(t, err, timeexpr.ErrUnparsable, expr)
	}
}
