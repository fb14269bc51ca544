package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractCallsignLocator(t *testing.T) {
	tests := []struct {
		message  string
		callsign string
		locator  string
	}{
		{"CQ K1ABC FN31", "K1ABC", "FN31"},
		{"CQ DX K1ABC FN31", "K1ABC", "FN31"},
		{"K1ABC M0DEF IO91", "K1ABC", "IO91"},
		{"K1ABC M0DEF -10", "K1ABC", ""},
		{"K1ABC M0DEF RR73", "K1ABC", ""},
		{"<K1ABC> M0DEF", "<K1ABC>", ""},
		{"<...> CU6AB HM58", "", ""},
		{"TNX", "", ""},
		{"", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			callsign, locator := extractCallsignLocator(tt.message)
			assert.Equal(t, tt.callsign, callsign)
			assert.Equal(t, tt.locator, locator)
		})
	}
}

func TestIsValidCallsign(t *testing.T) {
	for _, call := range []string{"K1ABC", "M0DEF", "G8SCU/P", "TA4/G8SCU", "<K1ABC>"} {
		assert.True(t, isValidCallsign(call), call)
	}
	for _, call := range []string{"CQ", "DX", "-10", "ABCDEFGHIJKLMNOP"} {
		assert.False(t, isValidCallsign(call), call)
	}
}

func TestIsValidGridLocator(t *testing.T) {
	assert.True(t, isValidGridLocator("FN31"))
	assert.True(t, isValidGridLocator("FN31pr"))
	assert.True(t, isValidGridLocator("FN31PR"))
	assert.True(t, isValidGridLocator("FN31pr45"))
	assert.False(t, isValidGridLocator("RR73"))
	assert.False(t, isValidGridLocator("ZZ99"))
	assert.False(t, isValidGridLocator("FN3"))

	assert.True(t, isValidGridLocatorForMode("FN31", "FT8"))
	assert.False(t, isValidGridLocatorForMode("FN31pr", "FT8"))
	assert.True(t, isValidGridLocatorForMode("FN31pr", "WSPR"))
}

func TestModeName(t *testing.T) {
	assert.Equal(t, "FT8", modeName("~"))
	assert.Equal(t, "FT4", modeName(" + "))
	assert.Equal(t, "JT65", modeName("#"))
	assert.Equal(t, "WSPR", modeName("wspr"))
}

func TestQTimeToTimestamp(t *testing.T) {
	now := time.Date(2026, 4, 2, 12, 0, 30, 0, time.UTC)

	ts := qtimeToTimestamp(12*3600*1000, now)
	assert.Equal(t, time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC), ts)

	// A time after now belongs to the previous day
	ts = qtimeToTimestamp(23*3600*1000+59*60*1000, now)
	assert.Equal(t, time.Date(2026, 4, 1, 23, 59, 0, 0, time.UTC), ts)
}

func TestDecodeFromWSJTX(t *testing.T) {
	now := time.Date(2026, 4, 2, 12, 0, 30, 0, time.UTC)
	d := &wsjtxDecode{
		New:            true,
		Time:           12 * 3600 * 1000,
		SNR:            -12,
		DeltaTime:      0.2,
		DeltaFrequency: 1500,
		Mode:           "~",
		Message:        " CQ K1ABC FN31 ",
	}

	decode := decodeFromWSJTX(d, 14074000, "", now)
	require.NotNil(t, decode)
	assert.Equal(t, "K1ABC", decode.Callsign)
	assert.Equal(t, "FN31", decode.Locator)
	assert.True(t, decode.HasCallsign)
	assert.True(t, decode.HasLocator)
	assert.False(t, decode.IsWSPR)
	assert.Equal(t, uint64(14075500), decode.Frequency)
	assert.Equal(t, uint64(14074000), decode.DialFrequency)
	assert.Equal(t, "FT8", decode.Mode)
	assert.Equal(t, -12, decode.SNR)
	assert.Equal(t, "CQ K1ABC FN31", decode.Message)
	assert.Equal(t, time.Date(2026, 4, 2, 12, 0, 0, 0, time.UTC), decode.Timestamp)

	// The status mode wins over the marker
	decode = decodeFromWSJTX(d, 14080000, "FT4", now)
	assert.Equal(t, "FT4", decode.Mode)
}

func TestDecodeFromWSPR(t *testing.T) {
	now := time.Date(2026, 4, 2, 12, 0, 30, 0, time.UTC)
	d := &wsjtxWSPRDecode{
		New:       true,
		Time:      12 * 3600 * 1000,
		SNR:       -24,
		Frequency: 14097050,
		Drift:     -1,
		Callsign:  "K1ABC",
		Grid:      "FN31",
		Power:     37,
	}

	decode := decodeFromWSPR(d, 14095600, now)
	assert.True(t, decode.IsWSPR)
	assert.True(t, decode.HasCallsign)
	assert.True(t, decode.HasLocator)
	assert.Equal(t, "WSPR", decode.Mode)
	assert.Equal(t, uint64(14097050), decode.Frequency)
	assert.Equal(t, 37, decode.DBm)
	assert.Equal(t, -1, decode.Drift)

	d.Frequency = 0
	d.Grid = ""
	decode = decodeFromWSPR(d, 14095600, now)
	assert.Equal(t, uint64(14095600), decode.Frequency)
	assert.False(t, decode.HasLocator)
}
