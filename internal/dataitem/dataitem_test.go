package dataitem

import (
	"bytes"
	"crypto/sha256"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeID(t *testing.T) {
	digest := sha256.Sum256([]byte("hello world"))
	id := EncodeID(digest)
	assert.Len(t, id, IDLength)
	assert.NotContains(t, id, "=")

	back, err := DecodeID(id)
	require.NoError(t, err)
	assert.Equal(t, digest, back)
}

func TestDecodeIDRejectsMalformed(t *testing.T) {
	_, err := DecodeID("too-short")
	assert.Error(t, err)

	_, err = DecodeID(strings.Repeat("!", IDLength))
	assert.Error(t, err)
}

func TestComputeID(t *testing.T) {
	payload := []byte("some item payload")
	id, n, err := ComputeID(bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, EncodeID(sha256.Sum256(payload)), id)
}

func TestHasherMatchesComputeID(t *testing.T) {
	h := NewHasher()
	_, err := h.Write([]byte("part one "))
	require.NoError(t, err)
	_, err = h.Write([]byte("part two"))
	require.NoError(t, err)

	want, wantN, err := ComputeID(strings.NewReader("part one part two"))
	require.NoError(t, err)
	assert.Equal(t, want, h.ID())
	assert.Equal(t, wantN, h.ByteCount())
}

func TestParseKind(t *testing.T) {
	cases := map[string]SignatureKind{
		"arweave":  KindArweave,
		"a":        KindArweave,
		"Ethereum": KindEthereum,
		"e":        KindEthereum,
		"solana":   KindSolana,
		"S":        KindSolana,
		"polygon":  KindPolygon,
		"base":     KindBase,
		"kyve":     KindKyve,
		"k":        KindKyve,
	}
	for in, want := range cases {
		got, err := ParseKind(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseKind("bitcoin")
	assert.Error(t, err)
}

func TestValidateOwner(t *testing.T) {
	ethAddr := "0x857b06519E91e3A54538791bDbb0E22373e36b66"
	solAddr := "4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T"
	arAddr := EncodeID(sha256.Sum256([]byte("owner")))

	assert.NoError(t, ValidateOwner(KindEthereum, ethAddr))
	assert.NoError(t, ValidateOwner(KindPolygon, ethAddr))
	assert.NoError(t, ValidateOwner(KindBase, ethAddr))
	assert.NoError(t, ValidateOwner(KindSolana, solAddr))
	assert.NoError(t, ValidateOwner(KindArweave, arAddr))
	assert.NoError(t, ValidateOwner(KindKyve, "kyve1jq304cthpx0lwhpqzrdjrcza559ukyy3sdnmsw"))

	assert.Error(t, ValidateOwner(KindEthereum, "not-an-address"))
	assert.Error(t, ValidateOwner(KindSolana, ethAddr))
	assert.Error(t, ValidateOwner(KindSolana, "abc"))
	assert.Error(t, ValidateOwner(KindArweave, "short"))
	assert.Error(t, ValidateOwner(KindKyve, "cosmos1abcdefabcdefabcdef"))
	assert.Error(t, ValidateOwner(SignatureKind("unknown"), ethAddr))
}

func entryFor(payload []byte) BundleEntry {
	digest := sha256.Sum256(payload)
	return BundleEntry{
		ItemID:    EncodeID(digest),
		ByteCount: int64(len(payload)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(payload)), nil
		},
	}
}

func TestWriteBundleOffsets(t *testing.T) {
	payloads := [][]byte{
		[]byte("first payload"),
		[]byte("b"),
		bytes.Repeat([]byte{0xAB}, 1024),
	}
	entries := make([]BundleEntry, 0, len(payloads))
	for _, p := range payloads {
		entries = append(entries, entryFor(p))
	}

	var buf bytes.Buffer
	offsets, err := WriteBundle(&buf, entries)
	require.NoError(t, err)
	require.Len(t, offsets, len(entries))

	assert.Equal(t, AssembledSize(entries), int64(buf.Len()))

	// Offsets start past the header, are contiguous, and never overlap.
	cursor := HeaderSize(len(entries))
	for i, off := range offsets {
		assert.Equal(t, entries[i].ItemID, off.ItemID)
		assert.Equal(t, cursor, off.Start)
		assert.Equal(t, entries[i].ByteCount, off.Length)
		cursor += off.Length
	}
	assert.Equal(t, int64(buf.Len()), cursor)

	// Each offset slices the exact payload back out.
	raw := buf.Bytes()
	for i, off := range offsets {
		assert.Equal(t, payloads[i], raw[off.Start:off.Start+off.Length])
	}
}

func TestWriteBundleDeterministic(t *testing.T) {
	entries := []BundleEntry{entryFor([]byte("alpha")), entryFor([]byte("beta"))}

	var a, b bytes.Buffer
	_, err := WriteBundle(&a, entries)
	require.NoError(t, err)
	_, err = WriteBundle(&b, entries)
	require.NoError(t, err)
	assert.Equal(t, a.Bytes(), b.Bytes())
}

func TestWriteBundleLengthMismatch(t *testing.T) {
	e := entryFor([]byte("payload"))
	e.ByteCount = 999
	_, err := WriteBundle(io.Discard, []BundleEntry{e})
	assert.Error(t, err)
}

func TestReadBundleHeaderRoundTrip(t *testing.T) {
	entries := []BundleEntry{
		entryFor([]byte("one")),
		entryFor([]byte("two two")),
		entryFor([]byte("three three three")),
	}
	var buf bytes.Buffer
	want, err := WriteBundle(&buf, entries)
	require.NoError(t, err)

	got, err := ReadBundleHeader(&buf)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestReadBundleHeaderRejectsHugeCount(t *testing.T) {
	var head [8]byte
	head[0] = 0xFF
	_, err := ReadBundleHeader(bytes.NewReader(head[:]))
	assert.Error(t, err)
}
