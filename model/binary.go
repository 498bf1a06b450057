package model

import (
	"encoding/binary"
	"fmt"

	"github.com/lspecian/vexfs/layout"
)

// Metadata on-disk layout (stored in the volume's reserved model object):
//
//	0   magic        4 (layout.VectorMagic; a model record is vector-typed)
//	4   version      2
//	6   model type   2
//	8   dimension    4
//	12  max seq len  4
//	16  name len     2
//	18  desc len     2
//	20  name bytes, then description bytes
//	... crc32        4

// MarshalBinary serializes model metadata.
func (m Metadata) MarshalBinary() ([]byte, error) {
	if len(m.Name) > 0xffff || len(m.Description) > 0xffff {
		return nil, fmt.Errorf("model name/description too long")
	}
	le := binary.LittleEndian
	buf := make([]byte, 20+len(m.Name)+len(m.Description)+4)
	le.PutUint32(buf[0:], layout.VectorMagic)
	le.PutUint16(buf[4:], layout.FormatVersion)
	le.PutUint16(buf[6:], uint16(m.Type))
	le.PutUint32(buf[8:], uint32(m.Dimension))
	le.PutUint32(buf[12:], uint32(m.MaxSeqLen))
	le.PutUint16(buf[16:], uint16(len(m.Name)))
	le.PutUint16(buf[18:], uint16(len(m.Description)))
	copy(buf[20:], m.Name)
	copy(buf[20+len(m.Name):], m.Description)
	le.PutUint32(buf[len(buf)-4:], layout.Checksum(buf[:len(buf)-4]))
	return buf, nil
}

// UnmarshalBinary parses serialized model metadata.
func (m *Metadata) UnmarshalBinary(buf []byte) error {
	if len(buf) < 24 {
		return fmt.Errorf("model metadata truncated")
	}
	le := binary.LittleEndian
	if le.Uint32(buf[0:]) != layout.VectorMagic {
		return fmt.Errorf("model metadata: %w", layout.ErrBadMagic)
	}
	if le.Uint32(buf[len(buf)-4:]) != layout.Checksum(buf[:len(buf)-4]) {
		return fmt.Errorf("model metadata: %w", layout.ErrBadChecksum)
	}
	nameLen := int(le.Uint16(buf[16:]))
	descLen := int(le.Uint16(buf[18:]))
	if 20+nameLen+descLen+4 > len(buf) {
		return fmt.Errorf("model metadata: bad lengths")
	}
	m.Type = Type(le.Uint16(buf[6:]))
	m.Dimension = int(le.Uint32(buf[8:]))
	m.MaxSeqLen = int(le.Uint32(buf[12:]))
	m.Name = string(buf[20 : 20+nameLen])
	m.Description = string(buf[20+nameLen : 20+nameLen+descLen])
	return nil
}
