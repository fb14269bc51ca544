package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConfig = `
pskreporter:
  enabled: true
  callsign: N0CALL
  locator: FN31pr
wsjtx_udp:
  enabled: true
`

func TestParseConfigDefaults(t *testing.T) {
	config, err := ParseConfig([]byte(minimalConfig))
	require.NoError(t, err)

	pc := config.PSKReporter
	assert.Equal(t, PSKReporterHost, pc.Host)
	assert.Equal(t, PSKReporterPort, pc.Port)
	assert.False(t, pc.UseTCP)
	assert.Equal(t, 300, pc.CacheTTLSecs)
	assert.Equal(t, uint64(49000000), pc.BypassFrequencyHz)
	assert.Equal(t, 15, pc.ReportIntervalSecs)
	assert.Equal(t, 125, pc.FlushIntervalCycles)
	assert.Equal(t, 508, pc.MinPayloadBytes)
	assert.Equal(t, 10000, pc.MaxPayloadBytes)
	assert.Equal(t, 300, pc.PingIntervalSecs)
	assert.Equal(t, 3600, pc.DescriptorIntervalSecs)
	assert.Equal(t, 10000, pc.QueueSize)

	assert.Equal(t, "0.0.0.0:2237", config.WSJTXUDP.Listen)
	assert.Equal(t, ":8074", config.Server.Listen)
	assert.Equal(t, float64(2), config.Server.RequestsPerSecond)
	assert.Equal(t, "ubersdr/pskreporter", config.MQTT.TopicPrefix)
	assert.Equal(t, 60, config.MQTT.PublishInterval)
}

func TestParseConfigRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing callsign",
			yaml: "pskreporter: {enabled: true, locator: FN31}",
			want: "callsign",
		},
		{
			name: "bad locator",
			yaml: "pskreporter: {enabled: true, callsign: N0CALL, locator: ZZ99}",
			want: "locator",
		},
		{
			name: "payload bounds",
			yaml: "pskreporter: {enabled: true, callsign: N0CALL, locator: FN31, min_payload_bytes: 2000, max_payload_bytes: 1000}",
			want: "max_payload_bytes",
		},
		{
			name: "listener without reporter",
			yaml: "wsjtx_udp: {enabled: true}",
			want: "requires pskreporter",
		},
		{
			name: "unicast group",
			yaml: "pskreporter: {enabled: true, callsign: N0CALL, locator: FN31}\nwsjtx_udp: {enabled: true, multicast_group: 192.168.1.1}",
			want: "multicast",
		},
		{
			name: "mqtt without broker",
			yaml: "mqtt: {enabled: true}",
			want: "mqtt.broker",
		},
		{
			name: "bad allowed host",
			yaml: "prometheus: {enabled: true, allowed_hosts: [not-an-ip]}",
			want: "allowed_hosts",
		},
		{
			name: "malformed yaml",
			yaml: "pskreporter: [",
			want: "parse",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDisabledReporterSkipsValidation(t *testing.T) {
	config, err := ParseConfig([]byte("pskreporter: {enabled: false}"))
	require.NoError(t, err)
	assert.False(t, config.PSKReporter.Enabled)
}

func TestPrometheusAllowedHosts(t *testing.T) {
	config, err := ParseConfig([]byte("prometheus: {enabled: true, allowed_hosts: [10.0.0.0/8, 192.168.1.5]}"))
	require.NoError(t, err)

	pc := config.Prometheus
	assert.True(t, pc.IsIPAllowed("10.1.2.3"))
	assert.True(t, pc.IsIPAllowed("192.168.1.5"))
	assert.False(t, pc.IsIPAllowed("192.168.1.6"))
	assert.False(t, pc.IsIPAllowed("garbage"))

	config, err = ParseConfig([]byte("prometheus: {enabled: true}"))
	require.NoError(t, err)
	assert.True(t, config.Prometheus.IsIPAllowed("127.0.0.1"))
	assert.True(t, config.Prometheus.IsIPAllowed("::1"))
}

func TestModeEnabled(t *testing.T) {
	var wc WSJTXUDPConfig
	assert.True(t, wc.modeEnabled("FT8"))

	wc.EnabledModes = []string{"ft8", "WSPR"}
	assert.True(t, wc.modeEnabled("FT8"))
	assert.True(t, wc.modeEnabled("wspr"))
	assert.False(t, wc.modeEnabled("FT4"))
}

func TestLoadConfig(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalConfig), 0644))
	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "N0CALL", config.PSKReporter.Callsign)
}
