// Package snapshot serializes the resident vector set and model metadata
// so mount can restore indexes without re-reading every object.
//
// A snapshot carries vectors only; both indexes rebuild deterministically
// from them (hash tables from the fixed projection seed, graph layers from
// the id hash), so graph internals never hit the disk. The payload is
// compressed with a selectable codec and protected by a trailing checksum.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/lspecian/vexfs/layout"
	"github.com/lspecian/vexfs/model"
)

// Magic identifies a snapshot stream.
const Magic = 0x56455853 // "VEXS"

// Codec selects the payload compression.
type Codec uint8

const (
	CodecNone Codec = iota
	CodecZstd
	CodecLZ4
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecZstd:
		return "zstd"
	case CodecLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// ErrUnknownCodec is returned for a codec byte this build cannot decode.
var ErrUnknownCodec = errors.New("snapshot: unknown codec")

// ParseCodec maps a configuration name onto a codec. The empty string
// selects zstd.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "", "zstd":
		return CodecZstd, nil
	case "none":
		return CodecNone, nil
	case "lz4":
		return CodecLZ4, nil
	default:
		return 0, fmt.Errorf("%w %q", ErrUnknownCodec, name)
	}
}

// Snapshot is the in-memory form of a snapshot stream.
type Snapshot struct {
	Model    model.Metadata
	Vectors  map[uint64][]float32
	Sequence uint64 // journal sequence at capture time
}

// Stream layout:
//
//	0   magic        4
//	4   version      2
//	6   codec        1
//	7   reserved     1
//	8   sequence     8
//	16  payload len  8 (compressed bytes)
//	24  payload
//	... crc32        4 (over the compressed payload)
//
// Payload (before compression):
//
//	model metadata  (length-prefixed MarshalBinary)
//	vector count    8
//	per vector: id(8) dim(4) float32[dim]
const headerSize = 24

// Write serializes snap to w using codec.
func Write(w io.Writer, snap *Snapshot, codec Codec) error {
	payload, err := encodePayload(snap)
	if err != nil {
		return err
	}
	compressed, err := compress(payload, codec)
	if err != nil {
		return err
	}

	le := binary.LittleEndian
	hdr := make([]byte, headerSize)
	le.PutUint32(hdr[0:], Magic)
	le.PutUint16(hdr[4:], layout.FormatVersion)
	hdr[6] = byte(codec)
	le.PutUint64(hdr[8:], snap.Sequence)
	le.PutUint64(hdr[16:], uint64(len(compressed)))

	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if _, err := w.Write(compressed); err != nil {
		return err
	}
	var crc [4]byte
	le.PutUint32(crc[:], layout.Checksum(compressed))
	_, err = w.Write(crc[:])
	return err
}

// Read parses and verifies a snapshot stream.
func Read(r io.Reader) (*Snapshot, error) {
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, fmt.Errorf("snapshot header: %w", err)
	}
	le := binary.LittleEndian
	if le.Uint32(hdr[0:]) != Magic {
		return nil, fmt.Errorf("snapshot: %w", layout.ErrBadMagic)
	}
	if v := le.Uint16(hdr[4:]); v != layout.FormatVersion {
		return nil, fmt.Errorf("snapshot version %d: %w", v, layout.ErrBadVersion)
	}
	codec := Codec(hdr[6])
	sequence := le.Uint64(hdr[8:])
	payloadLen := le.Uint64(hdr[16:])

	compressed := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, compressed); err != nil {
		return nil, fmt.Errorf("snapshot payload: %w", err)
	}
	var crc [4]byte
	if _, err := io.ReadFull(r, crc[:]); err != nil {
		return nil, fmt.Errorf("snapshot checksum: %w", err)
	}
	if le.Uint32(crc[:]) != layout.Checksum(compressed) {
		return nil, fmt.Errorf("snapshot: %w", layout.ErrBadChecksum)
	}

	payload, err := decompress(compressed, codec)
	if err != nil {
		return nil, err
	}
	snap, err := decodePayload(payload)
	if err != nil {
		return nil, err
	}
	snap.Sequence = sequence
	return snap, nil
}

func encodePayload(snap *Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	le := binary.LittleEndian

	meta, err := snap.Model.MarshalBinary()
	if err != nil {
		return nil, err
	}
	var scratch [8]byte
	le.PutUint32(scratch[:4], uint32(len(meta)))
	buf.Write(scratch[:4])
	buf.Write(meta)

	// Sorted ids keep the stream deterministic for a given state.
	ids := make([]uint64, 0, len(snap.Vectors))
	for id := range snap.Vectors {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	le.PutUint64(scratch[:], uint64(len(ids)))
	buf.Write(scratch[:])
	for _, id := range ids {
		v := snap.Vectors[id]
		le.PutUint64(scratch[:], id)
		buf.Write(scratch[:])
		le.PutUint32(scratch[:4], uint32(len(v)))
		buf.Write(scratch[:4])
		for _, f := range v {
			le.PutUint32(scratch[:4], math.Float32bits(f))
			buf.Write(scratch[:4])
		}
	}
	return buf.Bytes(), nil
}

func decodePayload(payload []byte) (*Snapshot, error) {
	le := binary.LittleEndian
	if len(payload) < 4 {
		return nil, fmt.Errorf("snapshot payload truncated")
	}
	metaLen := int(le.Uint32(payload[0:]))
	payload = payload[4:]
	if len(payload) < metaLen+8 {
		return nil, fmt.Errorf("snapshot payload truncated")
	}

	snap := &Snapshot{Vectors: make(map[uint64][]float32)}
	if err := snap.Model.UnmarshalBinary(payload[:metaLen]); err != nil {
		return nil, err
	}
	payload = payload[metaLen:]

	count := le.Uint64(payload[0:])
	payload = payload[8:]
	for i := uint64(0); i < count; i++ {
		if len(payload) < 12 {
			return nil, fmt.Errorf("snapshot vector %d truncated", i)
		}
		id := le.Uint64(payload[0:])
		dim := int(le.Uint32(payload[8:]))
		payload = payload[12:]
		if dim <= 0 || dim > layout.MaxDimension || len(payload) < dim*4 {
			return nil, fmt.Errorf("snapshot vector %d: bad dimension %d", i, dim)
		}
		v := make([]float32, dim)
		for j := range v {
			v[j] = math.Float32frombits(le.Uint32(payload[j*4:]))
		}
		payload = payload[dim*4:]
		snap.Vectors[id] = v
	}
	return snap, nil
}

func compress(data []byte, codec Codec) ([]byte, error) {
	switch codec {
	case CodecNone:
		return data, nil
	case CodecZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	case CodecLZ4:
		var buf bytes.Buffer
		zw := lz4.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCodec, codec)
	}
}

func decompress(data []byte, codec Codec) ([]byte, error) {
	switch codec {
	case CodecNone:
		return data, nil
	case CodecZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(data, nil)
	case CodecLZ4:
		zr := lz4.NewReader(bytes.NewReader(data))
		return io.ReadAll(zr)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCodec, codec)
	}
}

// Save writes a snapshot file atomically (temp file + rename).
func Save(path string, snap *Snapshot, codec Codec) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := Write(tmp, snap, codec); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Load reads a snapshot file.
func Load(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}
