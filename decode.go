package main

import (
	"regexp"
	"strings"
	"time"
)

// DecodeInfo represents a decoded signal handed to the reporter
type DecodeInfo struct {
	Callsign      string
	Locator       string
	SNR           int
	Frequency     uint64 // Actual RF frequency in Hz
	DialFrequency uint64 // Dial frequency in Hz
	Timestamp     time.Time
	Mode          string // "FT8", "FT4", "WSPR", "JS8", ...
	Message       string
	Source        string // WSJT-X client id

	// WSPR-specific fields
	DT    float32 // Time drift in seconds
	Drift int     // Frequency drift in Hz
	DBm   int     // Transmitter power in dBm

	// Validity flags
	HasCallsign bool
	HasLocator  bool
	IsWSPR      bool
}

var (
	// Callsign pattern (basic validation)
	// Supports standard callsigns and portable/mobile suffixes like /P, /M, /T, etc.
	// Also supports prefix notation like TA4/G8SCU or G8SCU/P
	callsignPattern = regexp.MustCompile(`^[A-Z0-9]{1,3}[0-9][A-Z0-9]{0,3}[A-Z]$|^[A-Z0-9/]+[0-9][A-Z0-9/]+$`)

	// Grid locator pattern (4, 6, or 8 characters)
	gridPattern = regexp.MustCompile(`^[A-R]{2}[0-9]{2}([a-x]{2}([0-9]{2})?)?$`)
)

// wsjtxModeSymbols maps the one character mode markers WSJT-X puts in
// Decode messages to mode names
var wsjtxModeSymbols = map[string]string{
	"~": "FT8",
	"+": "FT4",
	"#": "JT65",
	"@": "JT9",
	"$": "JT4",
	"&": "MSK144",
	":": "Q65",
	"`": "FST4",
}

// modeName normalises a mode as reported by WSJT-X
func modeName(mode string) string {
	mode = strings.TrimSpace(mode)
	if name, ok := wsjtxModeSymbols[mode]; ok {
		return name
	}
	return strings.ToUpper(mode)
}

// extractCallsignLocator extracts the transmitting callsign and grid locator
// from a decoded message. The transmitting station is the first callsign.
//
//	CQ K1ABC FN31        → K1ABC, FN31
//	CQ DX K1ABC FN31     → K1ABC, FN31
//	K1ABC M0DEF IO91     → K1ABC, IO91
//	K1ABC M0DEF -10      → K1ABC, ""
//	K1ABC M0DEF RR73     → K1ABC, ""
//	<...> CU6AB HM58     → "", "" (truncated, unreliable)
//
// A hashed transmitter such as <K1ABC> is returned with its brackets so the
// caller can tell it was not received in full.
func extractCallsignLocator(message string) (string, string) {
	fields := strings.Fields(message)
	if len(fields) < 2 || fields[0] == "<...>" {
		return "", ""
	}

	var transmitterCall string
	for _, field := range fields {
		if isValidCallsign(field) {
			transmitterCall = field
			break
		}
	}
	if transmitterCall == "" {
		return "", ""
	}

	var locator string
	for _, field := range fields[1:] {
		if isValidGridLocatorForMode(field, "FT8") {
			locator = field
			break
		}
	}

	return transmitterCall, locator
}

// isValidCallsign checks if a string looks like a valid amateur radio callsign
func isValidCallsign(s string) bool {
	s = strings.Trim(s, "<>")
	if len(s) < 3 || len(s) > 15 {
		return false
	}
	return callsignPattern.MatchString(strings.ToUpper(s))
}

// isValidGridLocator checks if a string looks like a valid Maidenhead grid
// locator of 4, 6 or 8 characters
func isValidGridLocator(s string) bool {
	if len(s) != 4 && len(s) != 6 && len(s) != 8 {
		return false
	}

	// RR73 matches the grid pattern but is a sign-off
	upper := strings.ToUpper(s)
	if upper == "RR73" {
		return false
	}

	s = upper[0:4]
	if len(upper) >= 6 {
		s += strings.ToLower(upper[4:6]) + upper[6:]
	}
	return gridPattern.MatchString(s)
}

// isValidGridLocatorForMode checks a locator against what the mode can
// carry: FT8, FT4 and JS8 messages only have room for 4 characters
func isValidGridLocatorForMode(s string, mode string) bool {
	switch strings.ToUpper(mode) {
	case "FT8", "FT4", "JS8":
		if len(s) != 4 {
			return false
		}
	}
	return isValidGridLocator(s)
}

// qtimeToTimestamp converts milliseconds since midnight UTC to a time on
// the day of now. A time in the future must be from yesterday.
func qtimeToTimestamp(ms uint32, now time.Time) time.Time {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	ts := midnight.Add(time.Duration(ms) * time.Millisecond)
	if ts.After(now) {
		ts = ts.Add(-24 * time.Hour)
	}
	return ts
}

// decodeFromWSJTX builds a DecodeInfo from a WSJT-X Decode message. mode
// is the mode from the client's last Status; the marker in the message is
// used when no Status has been seen.
func decodeFromWSJTX(d *wsjtxDecode, dialFreq uint64, mode string, now time.Time) *DecodeInfo {
	if mode == "" {
		mode = modeName(d.Mode)
	}

	message := strings.TrimSpace(d.Message)
	callsign, locator := extractCallsignLocator(message)

	return &DecodeInfo{
		Callsign:      callsign,
		Locator:       locator,
		SNR:           int(d.SNR),
		Frequency:     dialFreq + uint64(d.DeltaFrequency),
		DialFrequency: dialFreq,
		Timestamp:     qtimeToTimestamp(d.Time, now),
		Mode:          mode,
		Message:       message,
		DT:            float32(d.DeltaTime),
		HasCallsign:   callsign != "",
		HasLocator:    isValidGridLocatorForMode(locator, mode),
	}
}

// decodeFromWSPR builds a DecodeInfo from a WSJT-X WSPRDecode message
func decodeFromWSPR(d *wsjtxWSPRDecode, dialFreq uint64, now time.Time) *DecodeInfo {
	callsign := strings.TrimSpace(d.Callsign)
	locator := strings.TrimSpace(d.Grid)

	frequency := d.Frequency
	if frequency == 0 {
		frequency = dialFreq
	}

	return &DecodeInfo{
		Callsign:      callsign,
		Locator:       locator,
		SNR:           int(d.SNR),
		Frequency:     frequency,
		DialFrequency: dialFreq,
		Timestamp:     qtimeToTimestamp(d.Time, now),
		Mode:          "WSPR",
		Message:       strings.TrimSpace(callsign + " " + locator),
		DT:            float32(d.DeltaTime),
		Drift:         int(d.Drift),
		DBm:           int(d.Power),
		HasCallsign:   isValidCallsign(callsign),
		HasLocator:    locator != "" && isValidGridLocator(locator),
		IsWSPR:        true,
	}
}
