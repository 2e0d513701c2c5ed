package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseFrequency(t *testing.T) {
	cases := []struct {
		in      string
		want    Frequency
		wantErr bool
	}{
		{"once", FrequencyOnce, false},
		{"", FrequencyOnce, false},
		{"daily", FrequencyDaily, false},
		{"weekly", FrequencyWeekly, false},
		{"monthly", FrequencyMonthly, false},
		{"yearly", FrequencyYearly, false},
		{"Daily", FrequencyDaily, false},
		{"  weekly ", FrequencyWeekly, false},
		{"hourly", "", true},
		{"ежедневно", "", true},
	}
	for _, tc := range cases {
		got, err := ParseFrequency(tc.in)
		if tc.wantErr {
			require.Error(t, err, "input %q", tc.in)
			continue
		}
		require.NoError(t, err, "input %q", tc.in)
		require.Equal(t, tc.want, got, "input %q", tc.in)
	}
}

func TestIsRecurring(t *testing.T) {
	require.False(t, FrequencyOnce.IsRecurring())
	require.False(t, Frequency("").IsRecurring())
	for _, f := range []Frequency{FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyYearly} {
		require.True(t, f.IsRecurring(), "frequency %s", f)
	}
}
