package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// WSJT-X UDP Protocol constants
const (
	wsjtxMagicNumber  = 0xadbccbda
	wsjtxSchemaNumber = 3 // Qt 5.4+ format

	// Message types
	wsjtxMsgHeartbeat  = 0
	wsjtxMsgStatus     = 1
	wsjtxMsgDecode     = 2
	wsjtxMsgClear      = 3
	wsjtxMsgReply      = 4
	wsjtxMsgQSOLogged  = 5
	wsjtxMsgClose      = 6
	wsjtxMsgReplay     = 7
	wsjtxMsgHaltTx     = 8
	wsjtxMsgFreeText   = 9
	wsjtxMsgWSPRDecode = 10

	// QDataStream encodes a null QByteArray with this length
	qNullLength = 0xffffffff
)

var errNotWSJTX = errors.New("not a WSJT-X message")

var wsjtxTypeNames = map[uint32]string{
	wsjtxMsgHeartbeat:  "heartbeat",
	wsjtxMsgStatus:     "status",
	wsjtxMsgDecode:     "decode",
	wsjtxMsgClear:      "clear",
	wsjtxMsgReply:      "reply",
	wsjtxMsgQSOLogged:  "qso_logged",
	wsjtxMsgClose:      "close",
	wsjtxMsgReplay:     "replay",
	wsjtxMsgHaltTx:     "halt_tx",
	wsjtxMsgFreeText:   "free_text",
	wsjtxMsgWSPRDecode: "wspr_decode",
}

func wsjtxTypeName(t uint32) string {
	if name, ok := wsjtxTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

type wsjtxHeartbeat struct {
	MaxSchema uint32
	Version   string
	Revision  string
}

// wsjtxStatus holds the Status fields the listener uses. Fields added in
// later WSJT-X releases are optional on the wire.
type wsjtxStatus struct {
	DialFrequency uint64
	Mode          string
	DXCall        string
	Report        string
	TxMode        string
	TxEnabled     bool
	Transmitting  bool
	Decoding      bool
	RxDF          uint32
	TxDF          uint32
	DECall        string
	DEGrid        string
	DXGrid        string
}

type wsjtxDecode struct {
	New            bool
	Time           uint32 // ms since midnight UTC
	SNR            int32
	DeltaTime      float64
	DeltaFrequency uint32
	Mode           string
	Message        string
	LowConfidence  bool
	OffAir         bool
}

type wsjtxWSPRDecode struct {
	New       bool
	Time      uint32
	SNR       int32
	DeltaTime float64
	Frequency uint64
	Drift     int32
	Callsign  string
	Grid      string
	Power     int32
	OffAir    bool
}

// wsjtxMessage is one parsed datagram. Exactly one payload pointer is set
// for the types the listener understands.
type wsjtxMessage struct {
	Schema uint32
	Type   uint32
	ID     string

	Heartbeat *wsjtxHeartbeat
	Status    *wsjtxStatus
	Decode    *wsjtxDecode
	WSPR      *wsjtxWSPRDecode
}

// wsjtxReader reads QDataStream values. The first error sticks and later
// reads return zero values.
type wsjtxReader struct {
	r   *bytes.Reader
	err error
}

func (rd *wsjtxReader) read(v interface{}) {
	if rd.err != nil {
		return
	}
	if err := binary.Read(rd.r, binary.BigEndian, v); err != nil {
		rd.err = err
	}
}

func (rd *wsjtxReader) uint32() (v uint32) { rd.read(&v); return }
func (rd *wsjtxReader) int32() (v int32)   { rd.read(&v); return }
func (rd *wsjtxReader) uint64() (v uint64) { rd.read(&v); return }

func (rd *wsjtxReader) double() float64 {
	var bits uint64
	rd.read(&bits)
	return math.Float64frombits(bits)
}

func (rd *wsjtxReader) bool() bool {
	var b uint8
	rd.read(&b)
	return b != 0
}

func (rd *wsjtxReader) string() string {
	n := rd.uint32()
	if rd.err != nil || n == qNullLength {
		return ""
	}
	if int64(n) > int64(rd.r.Len()) {
		rd.err = io.ErrUnexpectedEOF
		return ""
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(rd.r, buf); err != nil {
		rd.err = err
		return ""
	}
	return string(buf)
}

func (rd *wsjtxReader) more() bool {
	return rd.err == nil && rd.r.Len() > 0
}

// parseWSJTXMessage decodes a datagram. Unknown message types parse to a
// message with only the header filled in.
func parseWSJTXMessage(data []byte) (*wsjtxMessage, error) {
	rd := &wsjtxReader{r: bytes.NewReader(data)}
	if rd.uint32() != wsjtxMagicNumber {
		return nil, errNotWSJTX
	}

	msg := &wsjtxMessage{
		Schema: rd.uint32(),
		Type:   rd.uint32(),
		ID:     rd.string(),
	}
	if rd.err != nil {
		return nil, fmt.Errorf("WSJT-X header: %w", rd.err)
	}

	switch msg.Type {
	case wsjtxMsgHeartbeat:
		msg.Heartbeat = &wsjtxHeartbeat{
			MaxSchema: rd.uint32(),
			Version:   rd.string(),
			Revision:  rd.string(),
		}
	case wsjtxMsgStatus:
		st := &wsjtxStatus{
			DialFrequency: rd.uint64(),
			Mode:          rd.string(),
			DXCall:        rd.string(),
			Report:        rd.string(),
			TxMode:        rd.string(),
			TxEnabled:     rd.bool(),
			Transmitting:  rd.bool(),
			Decoding:      rd.bool(),
		}
		if rd.more() {
			st.RxDF = rd.uint32()
			st.TxDF = rd.uint32()
			st.DECall = rd.string()
			st.DEGrid = rd.string()
			st.DXGrid = rd.string()
		}
		msg.Status = st
	case wsjtxMsgDecode:
		msg.Decode = &wsjtxDecode{
			New:            rd.bool(),
			Time:           rd.uint32(),
			SNR:            rd.int32(),
			DeltaTime:      rd.double(),
			DeltaFrequency: rd.uint32(),
			Mode:           rd.string(),
			Message:        rd.string(),
		}
		if rd.more() {
			msg.Decode.LowConfidence = rd.bool()
			msg.Decode.OffAir = rd.bool()
		}
	case wsjtxMsgWSPRDecode:
		msg.WSPR = &wsjtxWSPRDecode{
			New:       rd.bool(),
			Time:      rd.uint32(),
			SNR:       rd.int32(),
			DeltaTime: rd.double(),
			Frequency: rd.uint64(),
			Drift:     rd.int32(),
			Callsign:  rd.string(),
			Grid:      rd.string(),
			Power:     rd.int32(),
		}
		if rd.more() {
			msg.WSPR.OffAir = rd.bool()
		}
	}

	if rd.err != nil {
		return nil, fmt.Errorf("WSJT-X %s message: %w", wsjtxTypeName(msg.Type), rd.err)
	}
	return msg, nil
}

// wsjtxWriter builds outgoing datagrams
type wsjtxWriter struct {
	buf    bytes.Buffer
	schema uint32
}

func newWSJTXWriter(schema uint32, msgType uint32, id string) *wsjtxWriter {
	w := &wsjtxWriter{schema: schema}
	w.writeUint32(wsjtxMagicNumber)
	w.writeUint32(schema)
	w.writeUint32(msgType)
	w.writeString(id)
	return w
}

// writeString writes a UTF-8 string in QDataStream format
// Format: 4-byte length (big-endian) + UTF-8 bytes
func (w *wsjtxWriter) writeString(s string) *wsjtxWriter {
	w.writeUint32(uint32(len(s)))
	w.buf.WriteString(s)
	return w
}

func (w *wsjtxWriter) writeBool(b bool) *wsjtxWriter {
	if b {
		w.buf.WriteByte(1)
	} else {
		w.buf.WriteByte(0)
	}
	return w
}

func (w *wsjtxWriter) writeUint32(v uint32) *wsjtxWriter {
	binary.Write(&w.buf, binary.BigEndian, v)
	return w
}

func (w *wsjtxWriter) writeInt32(v int32) *wsjtxWriter {
	binary.Write(&w.buf, binary.BigEndian, v)
	return w
}

func (w *wsjtxWriter) writeUint64(v uint64) *wsjtxWriter {
	binary.Write(&w.buf, binary.BigEndian, v)
	return w
}

func (w *wsjtxWriter) writeDouble(v float64) *wsjtxWriter {
	binary.Write(&w.buf, binary.BigEndian, v)
	return w
}

func (w *wsjtxWriter) bytes() []byte {
	return w.buf.Bytes()
}

// heartbeatMessage is the listener's reply to a client heartbeat. It
// carries the negotiated schema.
func heartbeatMessage(schema uint32, id string) []byte {
	return newWSJTXWriter(schema, wsjtxMsgHeartbeat, id).
		writeUint32(wsjtxSchemaNumber).
		writeString(ProgramName).
		writeString(Version).
		bytes()
}
