package dataitem

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Bundle framing format. A bundle payload is:
//
//	8-byte big-endian item count
//	per item: 8-byte big-endian payload length + 32-byte raw item id
//	item payloads concatenated in header order
//
// Offsets are deterministic given the item order chosen by the planner, so a
// re-assembled bundle is byte-for-byte identical.

// headerEntrySize is the per-item header record size.
const headerEntrySize = 8 + 32

// BundleEntry names one item going into a bundle.
type BundleEntry struct {
	ItemID    string
	ByteCount int64
	// Open returns the item's payload reader. Called once, during assembly.
	Open func() (io.ReadCloser, error)
}

// Offset locates one item inside an assembled bundle.
type Offset struct {
	ItemID string
	Start  int64
	Length int64
}

// HeaderSize returns the size of the bundle header for n items.
func HeaderSize(n int) int64 {
	return 8 + int64(n)*headerEntrySize
}

// AssembledSize returns the total payload size for the given entries.
func AssembledSize(entries []BundleEntry) int64 {
	total := HeaderSize(len(entries))
	for _, e := range entries {
		total += e.ByteCount
	}
	return total
}

// WriteBundle streams the framed bundle payload to w and returns the offset
// of every item. Offsets point at payload bytes, past the header.
func WriteBundle(w io.Writer, entries []BundleEntry) ([]Offset, error) {
	var head [8]byte
	binary.BigEndian.PutUint64(head[:], uint64(len(entries)))
	if _, err := w.Write(head[:]); err != nil {
		return nil, fmt.Errorf("write bundle count: %w", err)
	}

	for _, e := range entries {
		digest, err := DecodeID(e.ItemID)
		if err != nil {
			return nil, fmt.Errorf("bundle entry %s: %w", e.ItemID, err)
		}
		var rec [headerEntrySize]byte
		binary.BigEndian.PutUint64(rec[:8], uint64(e.ByteCount))
		copy(rec[8:], digest[:])
		if _, err := w.Write(rec[:]); err != nil {
			return nil, fmt.Errorf("write bundle header entry: %w", err)
		}
	}

	offsets := make([]Offset, 0, len(entries))
	cursor := HeaderSize(len(entries))
	for _, e := range entries {
		rc, err := e.Open()
		if err != nil {
			return nil, fmt.Errorf("open payload for %s: %w", e.ItemID, err)
		}
		n, err := io.Copy(w, rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("copy payload for %s: %w", e.ItemID, err)
		}
		if n != e.ByteCount {
			return nil, fmt.Errorf("payload for %s is %d bytes, expected %d", e.ItemID, n, e.ByteCount)
		}
		offsets = append(offsets, Offset{ItemID: e.ItemID, Start: cursor, Length: n})
		cursor += n
	}

	return offsets, nil
}

// ReadBundleHeader parses the framing header and returns the offsets it
// implies. Used by reads and by unbundling of nested bundle containers.
func ReadBundleHeader(r io.Reader) ([]Offset, error) {
	var head [8]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, fmt.Errorf("read bundle count: %w", err)
	}
	count := binary.BigEndian.Uint64(head[:])
	const maxHeaderItems = 1 << 20 // corrupt headers must not drive allocation
	if count > maxHeaderItems {
		return nil, fmt.Errorf("bundle header claims %d items", count)
	}

	offsets := make([]Offset, 0, count)
	cursor := HeaderSize(int(count))
	for i := uint64(0); i < count; i++ {
		var rec [headerEntrySize]byte
		if _, err := io.ReadFull(r, rec[:]); err != nil {
			return nil, fmt.Errorf("read bundle header entry %d: %w", i, err)
		}
		length := int64(binary.BigEndian.Uint64(rec[:8]))
		var digest [32]byte
		copy(digest[:], rec[8:])
		offsets = append(offsets, Offset{
			ItemID: EncodeID(digest),
			Start:  cursor,
			Length: length,
		})
		cursor += length
	}
	return offsets, nil
}
