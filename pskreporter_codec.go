package main

import (
	"encoding/binary"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// maxStringBytes is the largest payload a single length byte may announce.
// 255 is reserved by IPFIX to flag a three byte length prefix.
const maxStringBytes = 254

// recordHeaderLen is the size of the id + length prefix of every record
const recordHeaderLen = 4

// truncateUTF8 returns the longest prefix of s that is at most maxBytes long
// and does not split a multi-byte sequence.
func truncateUTF8(s string, maxBytes int) string {
	if maxBytes <= 0 {
		return ""
	}
	if len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// appendString appends s as a length byte followed by its UTF-8 bytes.
// Oversized values are narrowed silently.
func appendString(buf []byte, s string, maxBytes int) []byte {
	if maxBytes > maxStringBytes {
		maxBytes = maxStringBytes
	}
	s = norm.NFC.String(strings.ToValidUTF8(s, "\uFFFD"))
	s = truncateUTF8(s, maxBytes)
	buf = append(buf, byte(len(s)))
	return append(buf, s...)
}

// encodeString returns the wire form of s
func encodeString(s string, maxBytes int) []byte {
	return appendString(make([]byte, 0, 1+len(s)), s, maxBytes)
}

// padLen returns the number of zero bytes needed to reach a 4 byte boundary
func padLen(n int) int {
	return (4 - n%4) % 4
}

// recordBuilder assembles one length-prefixed record. The first two bytes
// carry the record (or template) id, the next two the padded record length
// which is only known once finish is called.
type recordBuilder struct {
	buf []byte
}

func newRecordBuilder(id uint16) *recordBuilder {
	rb := &recordBuilder{buf: make([]byte, 0, 64)}
	rb.buf = binary.BigEndian.AppendUint16(rb.buf, id)
	rb.buf = binary.BigEndian.AppendUint16(rb.buf, 0) // length placeholder
	return rb
}

func (rb *recordBuilder) putUint8(v uint8) *recordBuilder {
	rb.buf = append(rb.buf, v)
	return rb
}

func (rb *recordBuilder) putInt8(v int8) *recordBuilder {
	rb.buf = append(rb.buf, byte(v))
	return rb
}

func (rb *recordBuilder) putUint16(v uint16) *recordBuilder {
	rb.buf = binary.BigEndian.AppendUint16(rb.buf, v)
	return rb
}

func (rb *recordBuilder) putUint32(v uint32) *recordBuilder {
	rb.buf = binary.BigEndian.AppendUint32(rb.buf, v)
	return rb
}

// putUint40 writes the low 40 bits of v, big-endian
func (rb *recordBuilder) putUint40(v uint64) *recordBuilder {
	rb.buf = appendUint40(rb.buf, v)
	return rb
}

func (rb *recordBuilder) putString(s string) *recordBuilder {
	rb.buf = appendString(rb.buf, s, maxStringBytes)
	return rb
}

func (rb *recordBuilder) putBytes(b []byte) *recordBuilder {
	rb.buf = append(rb.buf, b...)
	return rb
}

func (rb *recordBuilder) len() int {
	return len(rb.buf)
}

// finish pads the record and back-patches its length. The returned slice
// aliases the builder's buffer.
func (rb *recordBuilder) finish() []byte {
	return finishRecord(rb.buf)
}

// finishRecord pads buf to a multiple of 4 and stores the resulting length
// in bytes [2:4]. buf must start with a record header.
func finishRecord(buf []byte) []byte {
	for i := padLen(len(buf)); i > 0; i-- {
		buf = append(buf, 0)
	}
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(buf)))
	return buf
}

func appendUint40(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v>>32),
		byte(v>>24),
		byte(v>>16),
		byte(v>>8),
		byte(v),
	)
}
