package main

import (
	"encoding/binary"
	"time"
)

// Batching defaults. These were tuned empirically against the live
// collector and are kept configurable rather than derived.
const (
	DefaultMinPayload    = 508   // don't send datagrams smaller than this unless flushing
	DefaultMaxPayload    = 10000 // upper bound of a single message
	DefaultFlushInterval = 125   // scheduled cycles between forced flushes
)

// Spot is a single observation of a remote station, immutable once queued
type Spot struct {
	Callsign  string
	Grid      string
	SNR       int8
	Frequency uint64 // Hz
	Mode      string
	Timestamp time.Time
}

// LocalStation identifies the receiving station
type LocalStation struct {
	Callsign string
	Grid     string
	Antenna  string
}

// spotQueue is a FIFO of pending spots
type spotQueue struct {
	items []Spot
}

func (q *spotQueue) push(s Spot) {
	q.items = append(q.items, s)
}

func (q *spotQueue) pop() Spot {
	s := q.items[0]
	q.items[0] = Spot{}
	q.items = q.items[1:]
	return s
}

func (q *spotQueue) Len() int {
	return len(q.items)
}

func (q *spotQueue) clear() {
	q.items = nil
}

// batchAssembler turns queued spots into IPFIX messages. It is not safe for
// concurrent use; the reporter's event loop owns it.
type batchAssembler struct {
	templates     templateCatalog
	sequence      uint32
	observationID uint32
	programID     string

	txData  []byte // sender data record being filled (header + spots)
	residue []byte // spot bytes that did not fit into the last message

	flushCounter  int
	flushInterval int
	minPayload    int
	maxPayload    int

	now func() time.Time
}

func newBatchAssembler(observationID uint32, programID string) *batchAssembler {
	return &batchAssembler{
		observationID: observationID,
		programID:     programID,
		flushInterval: DefaultFlushInterval,
		minPayload:    DefaultMinPayload,
		maxPayload:    DefaultMaxPayload,
		now:           time.Now,
	}
}

// tick counts one scheduled cycle and reports whether it is a flush cycle
func (b *batchAssembler) tick() bool {
	if b.flushInterval <= 0 {
		return false
	}
	b.flushCounter++
	return b.flushCounter%b.flushInterval == 0
}

// pending reports whether any spot bytes are buffered inside the assembler
func (b *batchAssembler) pending() bool {
	return len(b.txData) > recordHeaderLen || len(b.residue) > 0
}

// discard drops everything buffered, used when the transport fails hard
func (b *batchAssembler) discard() {
	b.txData = b.txData[:0]
	b.residue = b.residue[:0]
}

// cycle drains queue into messages and hands each finished message to send.
// With flush set, whatever is buffered is sent even below the minimum
// payload, and at least one message goes out. It returns the number of
// messages handed to send; a send error stops the cycle.
func (b *batchAssembler) cycle(queue *spotQueue, station LocalStation, flush bool, send func([]byte) error) (int, error) {
	forced := flush
	sent := 0

	for queue.Len() > 0 || flush {
		if len(b.txData) == 0 && (queue.Len() > 0 || len(b.residue) > 0) {
			b.txData = binary.BigEndian.AppendUint16(b.txData, senderLinkID)
			b.txData = binary.BigEndian.AppendUint16(b.txData, 0) // length placeholder
		}
		if len(b.residue) > 0 {
			b.txData = append(b.txData, b.residue...)
			b.residue = b.residue[:0]
		}

		receiver := receiverRecord(station, b.programID)

		for {
			txSize := len(b.txData)
			if queue.Len() > 0 {
				b.txData = appendSpot(b.txData, queue.pop())
			}

			n := b.projectedLen(len(receiver))
			if n > b.maxPayload ||
				(queue.Len() == 0 && n > b.minPayload) ||
				(flush && queue.Len() == 0) {

				// The last spot only stays if it fits, or if it is alone and
				// would never fit anyway.
				if n <= b.maxPayload || txSize <= recordHeaderLen {
					txSize = len(b.txData)
				}
				msg := b.buildMessage(b.templates.take(), receiver, b.txData[:txSize])
				b.residue = append(b.residue[:0], b.txData[txSize:]...)
				b.txData = b.txData[:0]
				sent++

				// A forced flush stays in effect until nothing is left behind
				flush = forced && (queue.Len() > 0 || len(b.residue) > 0)

				if err := send(msg); err != nil {
					return sent, err
				}
				break
			}
			if queue.Len() == 0 {
				break
			}
		}
	}
	return sent, nil
}

// projectedLen is the size the message would have if sent now
func (b *batchAssembler) projectedLen(receiverLen int) int {
	n := messageHeaderLen + receiverLen
	if b.templates.due() {
		n += len(senderDescriptorBytes) + len(receiverDescriptorBytes)
	}
	if len(b.txData) > recordHeaderLen {
		n += len(b.txData) + padLen(len(b.txData))
	}
	return n + padLen(n)
}

// ping builds a message without spot data. The receiver record carries the
// software identification and the header the current time.
func (b *batchAssembler) ping(station LocalStation) []byte {
	return b.buildMessage(b.templates.take(), receiverRecord(station, b.programID), nil)
}

// buildMessage assembles header, optional descriptors, the receiver record
// and the sender data record, then patches length and export time.
func (b *batchAssembler) buildMessage(withTemplates bool, receiver, data []byte) []byte {
	size := messageHeaderLen + len(receiver) + len(data) + 3
	if withTemplates {
		size += len(senderDescriptorBytes) + len(receiverDescriptorBytes)
	}

	b.sequence++
	msg := make([]byte, 0, size)
	msg = binary.BigEndian.AppendUint16(msg, ipfixVersion)
	msg = binary.BigEndian.AppendUint16(msg, 0) // length placeholder
	msg = binary.BigEndian.AppendUint32(msg, 0) // export time placeholder
	msg = binary.BigEndian.AppendUint32(msg, b.sequence)
	msg = binary.BigEndian.AppendUint32(msg, b.observationID)

	if withTemplates {
		msg = appendDescriptors(msg)
	}
	msg = append(msg, receiver...)

	if len(data) > recordHeaderLen {
		start := len(msg)
		msg = append(msg, data...)
		for i := padLen(len(data)); i > 0; i-- {
			msg = append(msg, 0)
		}
		binary.BigEndian.PutUint16(msg[start+2:start+4], uint16(len(msg)-start))
	}

	msg = finishRecord(msg)
	binary.BigEndian.PutUint32(msg[4:8], uint32(b.now().Unix()))
	return msg
}

// receiverRecord renders the receiver information data record
func receiverRecord(station LocalStation, programID string) []byte {
	return newRecordBuilder(receiverLinkID).
		putString(station.Callsign).
		putString(station.Grid).
		putString(programID).
		putString(station.Antenna).
		finish()
}

// appendSpot appends the sender record fields of one spot
func appendSpot(buf []byte, s Spot) []byte {
	buf = appendString(buf, s.Callsign, maxStringBytes)
	buf = appendUint40(buf, s.Frequency)
	buf = append(buf, byte(s.SNR))
	buf = appendString(buf, s.Mode, maxStringBytes)
	buf = appendString(buf, s.Grid, maxStringBytes)
	buf = append(buf, reporterSourceAutomatic)
	return binary.BigEndian.AppendUint32(buf, uint32(s.Timestamp.Unix()))
}
