package layout

import (
	"encoding/binary"
	"fmt"
	"math"
)

// VectorRecord is the decoded form of a vector-bearing object's data stream
// prefix. The on-disk order is:
//
//	[64-byte header][payload: dim * 4 bytes][metadata bytes][content bytes]
//
// Header byte layout (64 bytes, cache-line aligned):
//
//	0   magic         4
//	4   version       2
//	6   dimension     2
//	8   model type    2
//	10  reserved      2
//	12  metadata len  4
//	16  content len   4
//	20  payload crc32 4
//	24  padding       36
//	60  header crc32  4 (over bytes [0,60))
type VectorRecord struct {
	Version   uint16
	Dimension uint16
	ModelType uint16
	Payload   []float32
	Metadata  []byte
	Content   []byte
}

// EncodedSize returns the full on-disk size of the record.
func (r *VectorRecord) EncodedSize() int {
	return VectorHeaderSize + len(r.Payload)*4 + len(r.Metadata) + len(r.Content)
}

// EncodeVectorRecord serializes r into a fresh byte slice.
func EncodeVectorRecord(r *VectorRecord) ([]byte, error) {
	if int(r.Dimension) != len(r.Payload) {
		return nil, fmt.Errorf("vector record: dimension %d != payload length %d", r.Dimension, len(r.Payload))
	}
	if r.Dimension == 0 || r.Dimension > MaxDimension {
		return nil, fmt.Errorf("vector record: dimension %d out of range [1,%d]", r.Dimension, MaxDimension)
	}

	le := binary.LittleEndian
	buf := make([]byte, r.EncodedSize())

	payload := buf[VectorHeaderSize : VectorHeaderSize+len(r.Payload)*4]
	for i, f := range r.Payload {
		le.PutUint32(payload[i*4:], math.Float32bits(f))
	}
	copy(buf[VectorHeaderSize+len(payload):], r.Metadata)
	copy(buf[VectorHeaderSize+len(payload)+len(r.Metadata):], r.Content)

	le.PutUint32(buf[0:], VectorMagic)
	le.PutUint16(buf[4:], FormatVersion)
	le.PutUint16(buf[6:], r.Dimension)
	le.PutUint16(buf[8:], r.ModelType)
	le.PutUint32(buf[12:], uint32(len(r.Metadata)))
	le.PutUint32(buf[16:], uint32(len(r.Content)))
	le.PutUint32(buf[20:], Checksum(payload))
	le.PutUint32(buf[60:], Checksum(buf[:60]))
	return buf, nil
}

// DecodeVectorRecord parses and verifies a serialized vector record.
func DecodeVectorRecord(buf []byte) (*VectorRecord, error) {
	if len(buf) < VectorHeaderSize {
		return nil, fmt.Errorf("vector record: truncated header (%d bytes)", len(buf))
	}
	le := binary.LittleEndian
	if le.Uint32(buf[0:]) != VectorMagic {
		return nil, fmt.Errorf("vector record: %w", ErrBadMagic)
	}
	if le.Uint32(buf[60:]) != Checksum(buf[:60]) {
		return nil, fmt.Errorf("vector record header: %w", ErrBadChecksum)
	}

	r := &VectorRecord{
		Version:   le.Uint16(buf[4:]),
		Dimension: le.Uint16(buf[6:]),
		ModelType: le.Uint16(buf[8:]),
	}
	if r.Version != FormatVersion {
		return nil, fmt.Errorf("vector record version %d: %w", r.Version, ErrBadVersion)
	}
	metaLen := int(le.Uint32(buf[12:]))
	contentLen := int(le.Uint32(buf[16:]))
	payloadCRC := le.Uint32(buf[20:])

	need := VectorHeaderSize + int(r.Dimension)*4 + metaLen + contentLen
	if len(buf) < need {
		return nil, fmt.Errorf("vector record: truncated body (%d < %d)", len(buf), need)
	}

	payload := buf[VectorHeaderSize : VectorHeaderSize+int(r.Dimension)*4]
	if Checksum(payload) != payloadCRC {
		return nil, fmt.Errorf("vector record payload: %w", ErrBadChecksum)
	}

	r.Payload = make([]float32, r.Dimension)
	for i := range r.Payload {
		r.Payload[i] = math.Float32frombits(le.Uint32(payload[i*4:]))
	}
	r.Metadata = append([]byte(nil), buf[VectorHeaderSize+len(payload):VectorHeaderSize+len(payload)+metaLen]...)
	r.Content = append([]byte(nil), buf[VectorHeaderSize+len(payload)+metaLen:need]...)
	return r, nil
}
