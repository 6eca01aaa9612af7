package rmwadapter

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Attachment is the per-message sidecar every published sample carries.
// Receipt of a sample without one is an error.
type Attachment struct {
	Sequence        int64
	SourceTimestamp int64
	SourceGID       GID
}

const (
	fieldSequence  protowire.Number = 1
	fieldTimestamp protowire.Number = 2
	fieldSourceGID protowire.Number = 3
)

// encodeAttachment frames a deterministic sequence of three labeled
// fields in fixed order: "sequence_number":i64, "source_timestamp":i64,
// "source_gid":[u8;16]. The encoding reuses the protobuf wire codec
// (protowire) that the rest of the mesh's control plane already depends
// on, without needing a generated message type.
func encodeAttachment(a Attachment) []byte {
	buf := protowire.AppendTag(nil, fieldSequence, protowire.VarintType)
	buf = protowire.AppendVarint(buf, encodeZigZag(a.Sequence))

	buf = protowire.AppendTag(buf, fieldTimestamp, protowire.VarintType)
	buf = protowire.AppendVarint(buf, encodeZigZag(a.SourceTimestamp))

	buf = protowire.AppendTag(buf, fieldSourceGID, protowire.BytesType)
	buf = protowire.AppendBytes(buf, a.SourceGID[:])

	return buf
}

// decodeAttachment is the inverse of encodeAttachment. It fails with
// ErrMalformedAttachment if any label is missing or out of order, or if
// a value's wire type or width mismatches.
func decodeAttachment(buf []byte) (Attachment, error) {
	var a Attachment

	seq, n := readVarintField(buf, fieldSequence)
	if n <= 0 {
		return Attachment{}, fmt.Errorf("%w: missing sequence_number", ErrMalformedAttachment)
	}
	a.Sequence = decodeZigZag(seq)
	buf = buf[n:]

	ts, n := readVarintField(buf, fieldTimestamp)
	if n <= 0 {
		return Attachment{}, fmt.Errorf("%w: missing source_timestamp", ErrMalformedAttachment)
	}
	a.SourceTimestamp = decodeZigZag(ts)
	buf = buf[n:]

	gid, n := readBytesField(buf, fieldSourceGID)
	if n <= 0 {
		return Attachment{}, fmt.Errorf("%w: missing source_gid", ErrMalformedAttachment)
	}
	if len(gid) != 16 {
		return Attachment{}, fmt.Errorf("%w: source_gid must be 16 bytes, got %d", ErrMalformedAttachment, len(gid))
	}
	copy(a.SourceGID[:], gid)
	buf = buf[n:]

	if len(buf) != 0 {
		return Attachment{}, fmt.Errorf("%w: trailing bytes after source_gid", ErrMalformedAttachment)
	}

	return a, nil
}

// readVarintField consumes exactly one tagged varint field with the
// expected field number at the front of buf, returning the decoded
// value and the number of bytes consumed, or (0, -1) if the field is
// absent, out of order, or of the wrong wire type.
func readVarintField(buf []byte, want protowire.Number) (uint64, int) {
	num, typ, tagLen := protowire.ConsumeTag(buf)
	if tagLen < 0 || num != want || typ != protowire.VarintType {
		return 0, -1
	}
	val, valLen := protowire.ConsumeVarint(buf[tagLen:])
	if valLen < 0 {
		return 0, -1
	}
	return val, tagLen + valLen
}

func readBytesField(buf []byte, want protowire.Number) ([]byte, int) {
	num, typ, tagLen := protowire.ConsumeTag(buf)
	if tagLen < 0 || num != want || typ != protowire.BytesType {
		return nil, -1
	}
	val, valLen := protowire.ConsumeBytes(buf[tagLen:])
	if valLen < 0 {
		return nil, -1
	}
	return val, tagLen + valLen
}

func encodeZigZag(v int64) uint64 {
	return (uint64(v) << 1) ^ uint64(v>>63)
}

func decodeZigZag(v uint64) int64 {
	return int64(v>>1) ^ -int64(v&1)
}
