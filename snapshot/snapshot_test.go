package snapshot

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lspecian/vexfs/layout"
	"github.com/lspecian/vexfs/model"
	"github.com/lspecian/vexfs/testutil"
)

func sampleSnapshot(t *testing.T, count int) *Snapshot {
	t.Helper()
	rng := testutil.NewRNG(11)
	vectors := make(map[uint64][]float32, count)
	for id := uint64(1); id <= uint64(count); id++ {
		v := make([]float32, 32)
		rng.FillUniform(v)
		vectors[id] = v
	}
	return &Snapshot{
		Model:    model.Metadata{Type: model.TypeCustom, Dimension: 32, Name: "test"},
		Vectors:  vectors,
		Sequence: 42,
	}
}

func TestRoundTripAllCodecs(t *testing.T) {
	snap := sampleSnapshot(t, 64)

	for _, codec := range []Codec{CodecNone, CodecZstd, CodecLZ4} {
		t.Run(codec.String(), func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, Write(&buf, snap, codec))

			got, err := Read(&buf)
			require.NoError(t, err)
			assert.Equal(t, snap.Model, got.Model)
			assert.Equal(t, snap.Sequence, got.Sequence)
			assert.Equal(t, snap.Vectors, got.Vectors)
		})
	}
}

func TestEncodingIsDeterministic(t *testing.T) {
	snap := sampleSnapshot(t, 32)

	var a, b bytes.Buffer
	require.NoError(t, Write(&a, snap, CodecZstd))
	require.NoError(t, Write(&b, snap, CodecZstd))
	assert.Equal(t, a.Bytes(), b.Bytes())
}

func TestReadRejectsCorruption(t *testing.T) {
	snap := sampleSnapshot(t, 16)
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, snap, CodecNone))
	pristine := buf.Bytes()

	// Flipped payload byte fails the checksum.
	raw := append([]byte(nil), pristine...)
	raw[headerSize+5] ^= 0xFF
	_, err := Read(bytes.NewReader(raw))
	assert.ErrorIs(t, err, layout.ErrBadChecksum)

	// Wrong magic.
	raw = append([]byte(nil), pristine...)
	raw[0] ^= 0xFF
	_, err = Read(bytes.NewReader(raw))
	assert.ErrorIs(t, err, layout.ErrBadMagic)

	// Unsupported version.
	raw = append([]byte(nil), pristine...)
	raw[4] = 0xEE
	_, err = Read(bytes.NewReader(raw))
	assert.ErrorIs(t, err, layout.ErrBadVersion)

	// Truncated stream.
	_, err = Read(bytes.NewReader(pristine[:len(pristine)-3]))
	assert.Error(t, err)
}

func TestUnknownCodec(t *testing.T) {
	snap := sampleSnapshot(t, 4)
	assert.ErrorIs(t, Write(&bytes.Buffer{}, snap, Codec(99)), ErrUnknownCodec)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, snap, CodecNone))
	raw := buf.Bytes()
	raw[6] = 99 // checksum covers the payload only, so this reaches decompress
	_, err := Read(bytes.NewReader(raw))
	assert.ErrorIs(t, err, ErrUnknownCodec)
}

func TestEmptySnapshot(t *testing.T) {
	snap := &Snapshot{
		Model:   model.Metadata{Type: model.TypeAllMiniLM, Dimension: 384},
		Vectors: map[uint64][]float32{},
	}
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, snap, CodecZstd))

	got, err := Read(&buf)
	require.NoError(t, err)
	assert.Empty(t, got.Vectors)
}

func TestSaveLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "volume.snap")
	snap := sampleSnapshot(t, 20)

	require.NoError(t, Save(path, snap, CodecLZ4))
	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, snap.Vectors, got.Vectors)

	// Save replaces atomically; no temp files survive.
	require.NoError(t, Save(path, snap, CodecZstd))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "volume.snap", entries[0].Name())

	_, err = Load(filepath.Join(dir, "missing.snap"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
