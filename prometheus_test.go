package main

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var rm *ReporterMetrics
	assert.NotPanics(t, func() {
		rm.RecordSpot("accepted")
		rm.RecordMessage("udp", 100)
		rm.RecordSendError("fatal")
		rm.RecordReconnect("remote_closed")
		rm.RecordWSJTXMessage("decode")
		rm.UpdateStatus(ReporterStatus{State: "connected"})
		rm.updateResourceMetrics()
	})
}

func TestMetricsRecord(t *testing.T) {
	rm := NewReporterMetrics()

	rm.RecordSpot("accepted")
	rm.RecordSpot("accepted")
	rm.RecordSpot("suppressed")
	rm.RecordMessage("tcp", 600)
	rm.RecordMessage("tcp", 400)

	assert.Equal(t, float64(2), testutil.ToFloat64(rm.spotsTotal.WithLabelValues("accepted")))
	assert.Equal(t, float64(1), testutil.ToFloat64(rm.spotsTotal.WithLabelValues("suppressed")))
	assert.Equal(t, float64(2), testutil.ToFloat64(rm.messagesTotal.WithLabelValues("tcp")))
	assert.Equal(t, float64(1000), testutil.ToFloat64(rm.bytesTotal.WithLabelValues("tcp")))
}

func TestUpdateStatusSetsOneState(t *testing.T) {
	rm := NewReporterMetrics()
	rm.UpdateStatus(ReporterStatus{State: "connecting", QueueLength: 7, CacheEntries: 3, DescriptorsRemaining: 2})

	assert.Equal(t, float64(7), testutil.ToFloat64(rm.queueLength))
	assert.Equal(t, float64(3), testutil.ToFloat64(rm.cacheEntries))
	assert.Equal(t, float64(2), testutil.ToFloat64(rm.descriptorsRemaining))
	assert.Equal(t, float64(1), testutil.ToFloat64(rm.connectionState.WithLabelValues("connecting")))
	assert.Equal(t, float64(0), testutil.ToFloat64(rm.connectionState.WithLabelValues("connected")))
}

func TestGathererUsesPrivateRegistry(t *testing.T) {
	rm := NewReporterMetrics()
	rm.RecordSpot("accepted")

	families, err := rm.Gatherer().Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["pskreporter_spots_total"])
	assert.True(t, names["go_goroutines"])

	// A second set of collectors does not collide
	assert.NotPanics(t, func() { NewReporterMetrics() })
}
