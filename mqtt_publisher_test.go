package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlattenMetricFamilies(t *testing.T) {
	rm := NewReporterMetrics()
	rm.RecordSpot("accepted")
	rm.RecordMessage("udp", 512)
	rm.RecordWSJTXMessage("decode")
	rm.UpdateStatus(ReporterStatus{State: "connected", QueueLength: 4})

	families, err := rm.Gatherer().Gather()
	require.NoError(t, err)

	flat := flattenMetricFamilies(families, "pskreporter_", "wsjtx_")
	assert.Equal(t, float64(1), flat["pskreporter_spots_total_result_accepted"])
	assert.Equal(t, float64(512), flat["pskreporter_bytes_sent_total_transport_udp"])
	assert.Equal(t, float64(1), flat["wsjtx_udp_messages_total_type_decode"])
	assert.Equal(t, float64(4), flat["pskreporter_queue_length"])
	assert.Equal(t, float64(1), flat["pskreporter_connection_state_state_connected"])

	for key := range flat {
		assert.False(t, strings.HasPrefix(key, "go_"), key)
	}
}

func TestSpotTopic(t *testing.T) {
	spot := Spot{Callsign: "K1ABC", Frequency: 7074000, Mode: "FT8"}
	assert.Equal(t, "ubersdr/pskreporter/spots/40m/FT8", spotTopic("ubersdr/pskreporter", spot))
}

func TestPublishSpotNilPublisher(t *testing.T) {
	var mp *MQTTPublisher
	assert.NotPanics(t, func() { mp.PublishSpot(Spot{Callsign: "K1ABC"}) })
}

func TestLoadTLSConfig(t *testing.T) {
	cfg, err := loadTLSConfig(MQTTTLSConfig{})
	assert.NoError(t, err)
	assert.Nil(t, cfg)

	_, err = loadTLSConfig(MQTTTLSConfig{Enabled: true, CACert: "/nonexistent/ca.pem"})
	assert.Error(t, err)
}
