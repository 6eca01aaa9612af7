package rmwadapter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAttachment_RoundTrip(t *testing.T) {
	att := Attachment{
		Sequence:        42,
		SourceTimestamp: -1234567890,
		SourceGID:       GID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
	}
	buf := encodeAttachment(att)
	got, err := decodeAttachment(buf)
	require.NoError(t, err)
	require.Equal(t, att, got)
}

func TestAttachment_ZigZagNegativeSequence(t *testing.T) {
	att := Attachment{Sequence: -1, SourceTimestamp: 0}
	buf := encodeAttachment(att)
	got, err := decodeAttachment(buf)
	require.NoError(t, err)
	require.Equal(t, int64(-1), got.Sequence)
}

func TestAttachment_MalformedInputs(t *testing.T) {
	valid := encodeAttachment(Attachment{Sequence: 1, SourceTimestamp: 2, SourceGID: GID{9}})

	_, err := decodeAttachment(nil)
	require.ErrorIs(t, err, ErrMalformedAttachment)

	_, err = decodeAttachment(valid[:len(valid)-1])
	require.ErrorIs(t, err, ErrMalformedAttachment)

	trailing := append(append([]byte(nil), valid...), 0xFF)
	_, err = decodeAttachment(trailing)
	require.ErrorIs(t, err, ErrMalformedAttachment)
}

func TestWireFrame_EncodeDecode(t *testing.T) {
	att := encodeAttachment(Attachment{Sequence: 7, SourceTimestamp: 100, SourceGID: GID{1}})
	f := wireFrame{keyExpr: "/chatter", attachment: att, payload: []byte("hello")}
	buf := encodeFrame(f)

	key, rest, err := consumeLP(buf)
	require.NoError(t, err)
	require.Equal(t, "/chatter", string(key))

	attBytes, rest, err := consumeLP(rest)
	require.NoError(t, err)
	require.Equal(t, att, attBytes)

	payload, _, err := consumeLP(rest)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), payload)
}
