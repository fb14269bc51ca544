package main

import (
	"encoding/binary"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeString(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		maxBytes int
		want     []byte
	}{
		{"empty", "", maxStringBytes, []byte{0}},
		{"ascii", "K1ABC", maxStringBytes, []byte{5, 'K', '1', 'A', 'B', 'C'}},
		{"truncated", "FT8FT4", 3, []byte{3, 'F', 'T', '8'}},
		{"cap above max", strings.Repeat("x", 300), 1000, append([]byte{254}, strings.Repeat("x", 254)...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, encodeString(tt.in, tt.maxBytes))
		})
	}
}

func TestEncodeStringDoesNotSplitRunes(t *testing.T) {
	// U+00E9 is two bytes, so a 4 byte limit stops after 3 bytes
	got := encodeString("a\u00e9\u00e9", 4)
	require.Len(t, got, 4)
	assert.Equal(t, byte(3), got[0])
	assert.True(t, utf8.Valid(got[1:]))
	assert.Equal(t, "a\u00e9", string(got[1:]))
}

func TestEncodeStringNormalizesNFC(t *testing.T) {
	decomposed := "e\u0301"
	got := encodeString(decomposed, maxStringBytes)
	assert.Equal(t, "\u00e9", string(got[1:]))
}

func TestEncodeStringReplacesInvalidUTF8(t *testing.T) {
	got := encodeString("a\xffb", maxStringBytes)
	assert.True(t, utf8.Valid(got[1:]))
	assert.Equal(t, "a\uFFFDb", string(got[1:]))
}

func TestTruncateUTF8(t *testing.T) {
	assert.Equal(t, "", truncateUTF8("abc", 0))
	assert.Equal(t, "abc", truncateUTF8("abc", 10))
	assert.Equal(t, "ab", truncateUTF8("ab\u20ac", 4))
}

func TestPadLen(t *testing.T) {
	assert.Equal(t, 0, padLen(0))
	assert.Equal(t, 3, padLen(1))
	assert.Equal(t, 2, padLen(2))
	assert.Equal(t, 1, padLen(3))
	assert.Equal(t, 0, padLen(8))
}

func TestRecordBuilderPadsAndPatchesLength(t *testing.T) {
	rec := newRecordBuilder(0x50e2).
		putString("N0CALL").
		putUint8(1).
		finish()

	// 4 header + 7 string + 1 byte = 12, already aligned
	require.Len(t, rec, 12)
	assert.Equal(t, uint16(0x50e2), binary.BigEndian.Uint16(rec[0:2]))
	assert.Equal(t, uint16(12), binary.BigEndian.Uint16(rec[2:4]))

	rec = newRecordBuilder(0x50e2).putString("AB").finish()
	require.Len(t, rec, 8)
	assert.Equal(t, uint16(8), binary.BigEndian.Uint16(rec[2:4]))
	assert.Equal(t, []byte{0}, rec[7:])
}

func TestRecordBuilderIntegers(t *testing.T) {
	rec := newRecordBuilder(1).
		putInt8(-10).
		putUint16(0x0102).
		putUint32(0x03040506).
		putUint40(14074000).
		putBytes([]byte{0xaa}).
		finish()

	body := rec[recordHeaderLen:]
	assert.Equal(t, byte(0xf6), body[0])
	assert.Equal(t, []byte{1, 2}, body[1:3])
	assert.Equal(t, []byte{3, 4, 5, 6}, body[3:7])
	assert.Equal(t, []byte{0x00, 0x00, 0xd6, 0xc0, 0x90}, body[7:12])
	assert.Equal(t, byte(0xaa), body[12])
	assert.Zero(t, len(rec)%4)
}
