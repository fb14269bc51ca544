package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statusPacket(id string, dial uint64, mode, deCall, deGrid string) []byte {
	return newWSJTXWriter(wsjtxSchemaNumber, wsjtxMsgStatus, id).
		writeUint64(dial).
		writeString(mode).
		writeString("").    // DX call
		writeString("-10"). // report
		writeString(mode).
		writeBool(false).
		writeBool(false).
		writeBool(true).
		writeUint32(1500).
		writeUint32(1500).
		writeString(deCall).
		writeString(deGrid).
		writeString("").
		bytes()
}

func decodePacket(id string, isNew bool, snr int32, df uint32, message string) []byte {
	return newWSJTXWriter(wsjtxSchemaNumber, wsjtxMsgDecode, id).
		writeBool(isNew).
		writeUint32(0).
		writeInt32(snr).
		writeDouble(0.1).
		writeUint32(df).
		writeString("~").
		writeString(message).
		writeBool(false).
		writeBool(false).
		bytes()
}

func wsprPacket(id string, callsign, grid string, frequency uint64) []byte {
	return newWSJTXWriter(wsjtxSchemaNumber, wsjtxMsgWSPRDecode, id).
		writeBool(true).
		writeUint32(0).
		writeInt32(-20).
		writeDouble(0.5).
		writeUint64(frequency).
		writeInt32(0).
		writeString(callsign).
		writeString(grid).
		writeInt32(37).
		writeBool(false).
		bytes()
}

func TestParseHeartbeat(t *testing.T) {
	data := newWSJTXWriter(2, wsjtxMsgHeartbeat, "WSJT-X").
		writeUint32(3).
		writeString("2.6.1").
		writeString("abc123").
		bytes()

	msg, err := parseWSJTXMessage(data)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), msg.Schema)
	assert.Equal(t, "WSJT-X", msg.ID)
	require.NotNil(t, msg.Heartbeat)
	assert.Equal(t, uint32(3), msg.Heartbeat.MaxSchema)
	assert.Equal(t, "2.6.1", msg.Heartbeat.Version)
	assert.Equal(t, "abc123", msg.Heartbeat.Revision)
}

func TestParseStatus(t *testing.T) {
	msg, err := parseWSJTXMessage(statusPacket("WSJT-X", 14074000, "FT8", "N0CALL", "FN31"))
	require.NoError(t, err)
	require.NotNil(t, msg.Status)
	assert.Equal(t, uint64(14074000), msg.Status.DialFrequency)
	assert.Equal(t, "FT8", msg.Status.Mode)
	assert.True(t, msg.Status.Decoding)
	assert.Equal(t, "N0CALL", msg.Status.DECall)
	assert.Equal(t, "FN31", msg.Status.DEGrid)
}

func TestParseShortStatus(t *testing.T) {
	// Older releases end the Status message after the decoding flag
	data := newWSJTXWriter(2, wsjtxMsgStatus, "old").
		writeUint64(7074000).
		writeString("FT8").
		writeString("").
		writeString("").
		writeString("FT8").
		writeBool(false).
		writeBool(false).
		writeBool(false).
		bytes()

	msg, err := parseWSJTXMessage(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(7074000), msg.Status.DialFrequency)
	assert.Empty(t, msg.Status.DECall)
}

func TestParseDecode(t *testing.T) {
	msg, err := parseWSJTXMessage(decodePacket("WSJT-X", true, -12, 1200, "CQ K1ABC FN31"))
	require.NoError(t, err)
	require.NotNil(t, msg.Decode)
	assert.True(t, msg.Decode.New)
	assert.Equal(t, int32(-12), msg.Decode.SNR)
	assert.InDelta(t, 0.1, msg.Decode.DeltaTime, 1e-9)
	assert.Equal(t, uint32(1200), msg.Decode.DeltaFrequency)
	assert.Equal(t, "~", msg.Decode.Mode)
	assert.Equal(t, "CQ K1ABC FN31", msg.Decode.Message)
}

func TestParseWSPRDecode(t *testing.T) {
	msg, err := parseWSJTXMessage(wsprPacket("WSJT-X", "K1ABC", "FN31", 14097050))
	require.NoError(t, err)
	require.NotNil(t, msg.WSPR)
	assert.Equal(t, uint64(14097050), msg.WSPR.Frequency)
	assert.Equal(t, "K1ABC", msg.WSPR.Callsign)
	assert.Equal(t, int32(37), msg.WSPR.Power)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := parseWSJTXMessage([]byte{1, 2, 3, 4, 5, 6})
	assert.ErrorIs(t, err, errNotWSJTX)

	_, err = parseWSJTXMessage(nil)
	assert.ErrorIs(t, err, errNotWSJTX)

	// Truncated decode
	data := decodePacket("WSJT-X", true, -12, 1200, "CQ K1ABC FN31")
	_, err = parseWSJTXMessage(data[:len(data)-20])
	assert.Error(t, err)

	// A string length past the end of the datagram
	data = newWSJTXWriter(3, wsjtxMsgHeartbeat, "x").writeUint32(3).writeUint32(1000).bytes()
	_, err = parseWSJTXMessage(data)
	assert.Error(t, err)
}

func TestParseUnknownType(t *testing.T) {
	msg, err := parseWSJTXMessage(newWSJTXWriter(3, 42, "x").bytes())
	require.NoError(t, err)
	assert.Equal(t, uint32(42), msg.Type)
	assert.Equal(t, "unknown", wsjtxTypeName(msg.Type))
}

func TestNullString(t *testing.T) {
	data := newWSJTXWriter(3, wsjtxMsgHeartbeat, "x").
		writeUint32(3).
		writeUint32(qNullLength).
		writeString("r").
		bytes()

	msg, err := parseWSJTXMessage(data)
	require.NoError(t, err)
	assert.Empty(t, msg.Heartbeat.Version)
	assert.Equal(t, "r", msg.Heartbeat.Revision)
}

func TestHeartbeatMessage(t *testing.T) {
	msg, err := parseWSJTXMessage(heartbeatMessage(2, ProgramName))
	require.NoError(t, err)
	assert.Equal(t, uint32(2), msg.Schema)
	assert.Equal(t, ProgramName, msg.ID)
	assert.Equal(t, uint32(wsjtxSchemaNumber), msg.Heartbeat.MaxSchema)
	assert.Equal(t, Version, msg.Heartbeat.Revision)
}
