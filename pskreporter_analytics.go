package main

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

const analyticsRetention = 24 * time.Hour

// PSKReporterSubmission represents a single submission to PSKReporter (before deduplication)
type PSKReporterSubmission struct {
	Callsign  string
	Locator   string
	SNR       int
	Frequency uint64
	Timestamp time.Time
	Mode      string
	Sent      bool // Whether this was actually queued for PSKReporter
}

// PSKReporterStats tracks statistics for a callsign/band/mode combination
type PSKReporterStats struct {
	Callsign         string    `json:"callsign"`
	Frequency        uint64    `json:"frequency"`
	Band             string    `json:"band"`
	Mode             string    `json:"mode"`
	FirstSeen        time.Time `json:"first_seen"`
	LastSeen         time.Time `json:"last_seen"`
	SubmissionCount  int       `json:"submission_count"`
	SentCount        int       `json:"sent_count"`
	BestSNR          int       `json:"best_snr"`
	Locators         []string  `json:"locators"`
	NoLocatorCount   int       `json:"no_locator_count"`
	WithLocatorCount int       `json:"with_locator_count"`
	FinalLocator     string    `json:"final_locator"`
}

// PSKReporterAnalytics keeps a rolling history of submissions. Entries are
// appended in time order and pruned from the front as they expire.
type PSKReporterAnalytics struct {
	submissions []PSKReporterSubmission
	mu          sync.RWMutex
	now         func() time.Time
}

// NewPSKReporterAnalytics creates a new analytics tracker
func NewPSKReporterAnalytics() *PSKReporterAnalytics {
	return &PSKReporterAnalytics{
		submissions: make([]PSKReporterSubmission, 0, 1024),
		now:         time.Now,
	}
}

// RecordSubmission records a submission for analytics
func (pra *PSKReporterAnalytics) RecordSubmission(submission PSKReporterSubmission) {
	pra.mu.Lock()
	defer pra.mu.Unlock()

	pra.submissions = append(pra.submissions, submission)
	pra.pruneLocked(pra.now().Add(-analyticsRetention))
}

// pruneLocked drops submissions recorded before cutoff
func (pra *PSKReporterAnalytics) pruneLocked(cutoff time.Time) {
	i := sort.Search(len(pra.submissions), func(i int) bool {
		return !pra.submissions[i].Timestamp.Before(cutoff)
	})
	if i == 0 {
		return
	}
	// Copy so the backing array does not pin expired entries forever
	pra.submissions = append(make([]PSKReporterSubmission, 0, len(pra.submissions)-i), pra.submissions[i:]...)
}

// Len returns the number of retained submissions
func (pra *PSKReporterAnalytics) Len() int {
	pra.mu.RLock()
	defer pra.mu.RUnlock()
	return len(pra.submissions)
}

// GetStats returns statistics for all submissions within the time window,
// most recently seen first
func (pra *PSKReporterAnalytics) GetStats(windowHours int, filters map[string]string) []PSKReporterStats {
	pra.mu.RLock()
	defer pra.mu.RUnlock()

	cutoff := pra.now().Add(-time.Duration(windowHours) * time.Hour)
	statsMap := make(map[string]*PSKReporterStats)

	for _, sub := range pra.submissions {
		if sub.Timestamp.Before(cutoff) || !matchesFilters(sub, filters) {
			continue
		}

		band := frequencyToBandUint64(sub.Frequency)
		key := fmt.Sprintf("%s|%s|%s", sub.Callsign, band, sub.Mode)

		stats, exists := statsMap[key]
		if !exists {
			stats = &PSKReporterStats{
				Callsign:  sub.Callsign,
				Frequency: sub.Frequency,
				Band:      band,
				Mode:      sub.Mode,
				FirstSeen: sub.Timestamp,
				LastSeen:  sub.Timestamp,
				BestSNR:   sub.SNR,
				Locators:  make([]string, 0),
			}
			statsMap[key] = stats
		}

		stats.SubmissionCount++
		if sub.Sent {
			stats.SentCount++
		}
		if sub.SNR > stats.BestSNR {
			stats.BestSNR = sub.SNR
		}
		if sub.Timestamp.Before(stats.FirstSeen) {
			stats.FirstSeen = sub.Timestamp
		}
		if sub.Timestamp.After(stats.LastSeen) {
			stats.LastSeen = sub.Timestamp
		}

		if sub.Locator == "" {
			stats.NoLocatorCount++
			continue
		}
		stats.WithLocatorCount++
		stats.FinalLocator = sub.Locator
		if !containsString(stats.Locators, sub.Locator) {
			stats.Locators = append(stats.Locators, sub.Locator)
		}
	}

	result := make([]PSKReporterStats, 0, len(statsMap))
	for _, stats := range statsMap {
		result = append(result, *stats)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].LastSeen.Equal(result[j].LastSeen) {
			return result[i].LastSeen.After(result[j].LastSeen)
		}
		return result[i].Callsign < result[j].Callsign
	})
	return result
}

// GetGridStats returns the distinct 4 character grid squares heard per
// band and mode
func (pra *PSKReporterAnalytics) GetGridStats(windowHours int, filters map[string]string) map[string]map[string][]string {
	pra.mu.RLock()
	defer pra.mu.RUnlock()

	cutoff := pra.now().Add(-time.Duration(windowHours) * time.Hour)
	grids := make(map[string]map[string]map[string]bool)

	for _, sub := range pra.submissions {
		if sub.Timestamp.Before(cutoff) || len(sub.Locator) < 4 || !matchesFilters(sub, filters) {
			continue
		}
		band := frequencyToBandUint64(sub.Frequency)
		if grids[band] == nil {
			grids[band] = make(map[string]map[string]bool)
		}
		if grids[band][sub.Mode] == nil {
			grids[band][sub.Mode] = make(map[string]bool)
		}
		grids[band][sub.Mode][strings.ToUpper(sub.Locator[:4])] = true
	}

	result := make(map[string]map[string][]string)
	for band, modes := range grids {
		result[band] = make(map[string][]string)
		for mode, set := range modes {
			list := make([]string, 0, len(set))
			for g := range set {
				list = append(list, g)
			}
			sort.Strings(list)
			result[band][mode] = list
		}
	}
	return result
}

// matchesFilters checks if a submission matches the given filters
func matchesFilters(sub PSKReporterSubmission, filters map[string]string) bool {
	if mode := filters["mode"]; mode != "" && !strings.EqualFold(sub.Mode, mode) {
		return false
	}
	if band := filters["band"]; band != "" && !strings.EqualFold(frequencyToBandUint64(sub.Frequency), band) {
		return false
	}
	if callsign := filters["callsign"]; callsign != "" &&
		!strings.Contains(strings.ToUpper(sub.Callsign), strings.ToUpper(callsign)) {
		return false
	}
	if grid := filters["grid"]; grid != "" &&
		!strings.HasPrefix(strings.ToUpper(sub.Locator), strings.ToUpper(grid)) {
		return false
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// bandEdges lists amateur bands as [low, high) in kHz
var bandEdges = []struct {
	name     string
	low, high uint64
}{
	{"2200m", 135, 138},
	{"630m", 472, 479},
	{"160m", 1800, 2000},
	{"80m", 3500, 4000},
	{"60m", 5300, 5400},
	{"40m", 7000, 7300},
	{"30m", 10100, 10150},
	{"20m", 14000, 14350},
	{"17m", 18068, 18168},
	{"15m", 21000, 21450},
	{"12m", 24890, 24990},
	{"10m", 28000, 29700},
	{"6m", 50000, 54000},
	{"4m", 70000, 70500},
	{"2m", 144000, 148000},
	{"1.25m", 222000, 225000},
	{"70cm", 420000, 450000},
}

// frequencyToBandUint64 converts a frequency in Hz to a band name
func frequencyToBandUint64(freqHz uint64) string {
	khz := freqHz / 1000
	for _, b := range bandEdges {
		if khz >= b.low && khz < b.high {
			return b.name
		}
	}
	return fmt.Sprintf("%.3fMHz", float64(freqHz)/1e6)
}
