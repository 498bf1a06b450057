package layout

import (
	"encoding/binary"
	"fmt"
)

// Journal block formats. The journal region is:
//
//	journal block 0          journal superblock
//	journal blocks 1..N-1    ring of {descriptor, payload..., commit} triples
//
// A descriptor block announces a transaction: its sequence number and the
// home block numbers the following payload blocks belong to. Payload blocks
// are verbatim copies of the new home-block contents. A commit block closes
// the transaction; it is only valid if its sequence number matches the
// descriptor and its payload checksum matches the payload blocks actually on
// disk. Replay discards everything from the first invalid triple onward.

// JournalSuper is the decoded journal superblock.
type JournalSuper struct {
	Sequence uint64 // next transaction sequence number
	Head     uint32 // ring offset (in blocks, relative to the region) of the next write
}

// Journal superblock layout:
//
//	0   magic     4
//	4   version   4
//	8   sequence  8
//	16  head      4
//	20  crc32     4 (over bytes [0,20))

// EncodeJournalSuper writes js into buf.
func EncodeJournalSuper(js *JournalSuper, buf []byte) error {
	if len(buf) < 24 {
		return fmt.Errorf("journal superblock buffer too small: %d", len(buf))
	}
	le := binary.LittleEndian
	le.PutUint32(buf[0:], JournalMagic)
	le.PutUint32(buf[4:], FormatVersion)
	le.PutUint64(buf[8:], js.Sequence)
	le.PutUint32(buf[16:], js.Head)
	le.PutUint32(buf[20:], Checksum(buf[:20]))
	return nil
}

// DecodeJournalSuper parses and verifies the journal superblock.
func DecodeJournalSuper(buf []byte) (*JournalSuper, error) {
	if len(buf) < 24 {
		return nil, fmt.Errorf("journal superblock buffer too small: %d", len(buf))
	}
	le := binary.LittleEndian
	if le.Uint32(buf[0:]) != JournalMagic {
		return nil, fmt.Errorf("journal superblock: %w", ErrBadMagic)
	}
	if le.Uint32(buf[20:]) != Checksum(buf[:20]) {
		return nil, fmt.Errorf("journal superblock: %w", ErrBadChecksum)
	}
	if le.Uint32(buf[4:]) != FormatVersion {
		return nil, fmt.Errorf("journal superblock: %w", ErrBadVersion)
	}
	return &JournalSuper{
		Sequence: le.Uint64(buf[8:]),
		Head:     le.Uint32(buf[16:]),
	}, nil
}

// MaxHomesPerDescriptor returns how many home block numbers fit in one
// descriptor block.
func MaxHomesPerDescriptor(blockSize int) int {
	return (blockSize - 20) / 4
}

// Descriptor block layout:
//
//	0   magic     4
//	4   sequence  8
//	12  count     4
//	16  home[count] 4 each
//	... crc32     4 (immediately after the home list)

// EncodeDescriptor writes a descriptor block for the given homes.
func EncodeDescriptor(seq uint64, homes []uint32, buf []byte) error {
	need := 20 + len(homes)*4
	if len(buf) < need {
		return fmt.Errorf("descriptor: %d homes do not fit in %d bytes", len(homes), len(buf))
	}
	le := binary.LittleEndian
	clear(buf)
	le.PutUint32(buf[0:], JournalDesc)
	le.PutUint64(buf[4:], seq)
	le.PutUint32(buf[12:], uint32(len(homes)))
	for i, h := range homes {
		le.PutUint32(buf[16+i*4:], h)
	}
	le.PutUint32(buf[16+len(homes)*4:], Checksum(buf[:16+len(homes)*4]))
	return nil
}

// DecodeDescriptor parses and verifies a descriptor block.
func DecodeDescriptor(buf []byte) (seq uint64, homes []uint32, err error) {
	if len(buf) < 20 {
		return 0, nil, fmt.Errorf("descriptor: truncated")
	}
	le := binary.LittleEndian
	if le.Uint32(buf[0:]) != JournalDesc {
		return 0, nil, fmt.Errorf("descriptor: %w", ErrBadMagic)
	}
	seq = le.Uint64(buf[4:])
	count := int(le.Uint32(buf[12:]))
	if count <= 0 || 20+count*4 > len(buf) {
		return 0, nil, fmt.Errorf("descriptor: bad home count %d", count)
	}
	if le.Uint32(buf[16+count*4:]) != Checksum(buf[:16+count*4]) {
		return 0, nil, fmt.Errorf("descriptor: %w", ErrBadChecksum)
	}
	homes = make([]uint32, count)
	for i := range homes {
		homes[i] = le.Uint32(buf[16+i*4:])
	}
	return seq, homes, nil
}

// Commit block layout:
//
//	0   magic            4
//	4   sequence         8
//	12  payload crc32    4 (over the concatenated payload blocks)
//	16  crc32            4 (over bytes [0,16))

// EncodeCommit writes a commit block.
func EncodeCommit(seq uint64, payloadCRC uint32, buf []byte) error {
	if len(buf) < 20 {
		return fmt.Errorf("commit buffer too small: %d", len(buf))
	}
	le := binary.LittleEndian
	clear(buf)
	le.PutUint32(buf[0:], JournalCommit)
	le.PutUint64(buf[4:], seq)
	le.PutUint32(buf[12:], payloadCRC)
	le.PutUint32(buf[16:], Checksum(buf[:16]))
	return nil
}

// DecodeCommit parses and verifies a commit block.
func DecodeCommit(buf []byte) (seq uint64, payloadCRC uint32, err error) {
	if len(buf) < 20 {
		return 0, 0, fmt.Errorf("commit: truncated")
	}
	le := binary.LittleEndian
	if le.Uint32(buf[0:]) != JournalCommit {
		return 0, 0, fmt.Errorf("commit: %w", ErrBadMagic)
	}
	if le.Uint32(buf[16:]) != Checksum(buf[:16]) {
		return 0, 0, fmt.Errorf("commit: %w", ErrBadChecksum)
	}
	return le.Uint64(buf[4:]), le.Uint32(buf[12:]), nil
}
