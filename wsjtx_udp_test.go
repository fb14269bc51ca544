package main

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink collects what the listener hands on
type recordingSink struct {
	mu       sync.Mutex
	decodes  []*DecodeInfo
	stations []LocalStation
	err      error
}

func (s *recordingSink) Submit(decode *DecodeInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decodes = append(s.decodes, decode)
	return s.err
}

func (s *recordingSink) SetLocalStation(callsign, grid, antenna string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stations = append(s.stations, LocalStation{Callsign: callsign, Grid: grid, Antenna: antenna})
}

func (s *recordingSink) snapshot() ([]*DecodeInfo, []LocalStation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*DecodeInfo(nil), s.decodes...), append([]LocalStation(nil), s.stations...)
}

func startTestListener(t *testing.T, config WSJTXUDPConfig, sink decodeSink, metrics *ReporterMetrics) (*WSJTXListener, *net.UDPConn) {
	t.Helper()
	config.Listen = "127.0.0.1:0"
	l := NewWSJTXListener(config, "Loop", sink, metrics)
	require.NoError(t, l.Start())
	t.Cleanup(l.Stop)

	client, err := net.DialUDP("udp4", nil, l.Addr().(*net.UDPAddr))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return l, client
}

func TestListenerAnswersHeartbeat(t *testing.T) {
	_, client := startTestListener(t, WSJTXUDPConfig{}, &recordingSink{}, nil)

	hb := newWSJTXWriter(3, wsjtxMsgHeartbeat, "WSJT-X").
		writeUint32(4).
		writeString("2.7.0").
		writeString("").
		bytes()
	_, err := client.Write(hb)
	require.NoError(t, err)

	buf := make([]byte, 1024)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := client.Read(buf)
	require.NoError(t, err)

	reply, err := parseWSJTXMessage(buf[:n])
	require.NoError(t, err)
	require.NotNil(t, reply.Heartbeat)
	assert.Equal(t, uint32(wsjtxSchemaNumber), reply.Schema)
	assert.Equal(t, ProgramName, reply.ID)
}

func TestListenerSubmitsDecodes(t *testing.T) {
	sink := &recordingSink{}
	metrics := NewReporterMetrics()
	l, client := startTestListener(t, WSJTXUDPConfig{}, sink, metrics)

	send := func(data []byte) {
		_, err := client.Write(data)
		require.NoError(t, err)
	}

	// Without a Status the dial frequency is unknown
	send(decodePacket("WSJT-X", true, -12, 1500, "CQ K1ABC FN31"))
	send(statusPacket("WSJT-X", 14074000, "FT8", "", ""))
	send(decodePacket("WSJT-X", true, -12, 1500, "CQ K1ABC FN31"))
	// Replayed decodes are not new
	send(decodePacket("WSJT-X", false, -10, 1500, "CQ M0DEF IO91"))
	// No callsign
	send(decodePacket("WSJT-X", true, -10, 1500, "TNX 73"))
	send(wsprPacket("WSJT-X", "M0DEF", "IO91", 14097050))
	send([]byte("garbage"))

	require.Eventually(t, func() bool {
		decodes, _ := sink.snapshot()
		return len(decodes) == 2
	}, 2*time.Second, 10*time.Millisecond)

	decodes, _ := sink.snapshot()
	assert.Equal(t, "K1ABC", decodes[0].Callsign)
	assert.Equal(t, uint64(14075500), decodes[0].Frequency)
	assert.Equal(t, "FT8", decodes[0].Mode)
	assert.Equal(t, "WSJT-X", decodes[0].Source)
	assert.True(t, decodes[1].IsWSPR)
	assert.Equal(t, "M0DEF", decodes[1].Callsign)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.wsjtxMessagesTotal.WithLabelValues("invalid")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, float64(4), testutil.ToFloat64(metrics.wsjtxMessagesTotal.WithLabelValues("decode")))

	clients := l.Clients()
	require.Len(t, clients, 1)
	assert.Equal(t, uint64(14074000), clients[0].dialFreq)
	assert.Equal(t, "FT8", clients[0].mode)
}

func TestListenerFiltersModes(t *testing.T) {
	sink := &recordingSink{}
	_, client := startTestListener(t, WSJTXUDPConfig{EnabledModes: []string{"WSPR"}}, sink, nil)

	client.Write(statusPacket("WSJT-X", 14074000, "FT8", "", ""))
	client.Write(decodePacket("WSJT-X", true, -12, 1500, "CQ K1ABC FN31"))
	client.Write(wsprPacket("WSJT-X", "M0DEF", "IO91", 14097050))

	require.Eventually(t, func() bool {
		decodes, _ := sink.snapshot()
		return len(decodes) == 1
	}, 2*time.Second, 10*time.Millisecond)
	decodes, _ := sink.snapshot()
	assert.Equal(t, "WSPR", decodes[0].Mode)
}

func TestListenerFollowsStation(t *testing.T) {
	sink := &recordingSink{}
	l, client := startTestListener(t, WSJTXUDPConfig{FollowStation: true}, sink, nil)

	client.Write(statusPacket("WSJT-X", 14074000, "FT8", "N0CALL", "FN31"))
	client.Write(statusPacket("WSJT-X", 14074000, "FT8", "N0CALL", "FN31"))
	client.Write(statusPacket("WSJT-X", 14074000, "FT8", "N0CALL", "bogus"))
	client.Write(statusPacket("WSJT-X", 7074000, "FT8", "N0CALL", "FN32"))

	require.Eventually(t, func() bool {
		_, stations := sink.snapshot()
		return len(stations) == 2
	}, 2*time.Second, 10*time.Millisecond)

	_, stations := sink.snapshot()
	assert.Equal(t, LocalStation{Callsign: "N0CALL", Grid: "FN31", Antenna: "Loop"}, stations[0])
	assert.Equal(t, "FN32", stations[1].Grid)

	// Close forgets the client
	client.Write(newWSJTXWriter(3, wsjtxMsgClose, "WSJT-X").bytes())
	require.Eventually(t, func() bool {
		return len(l.Clients()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestListenerStartTwice(t *testing.T) {
	l, _ := startTestListener(t, WSJTXUDPConfig{}, &recordingSink{}, nil)
	assert.Error(t, l.Start())
}
