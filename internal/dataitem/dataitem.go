// Package dataitem defines the data item identity model: content-addressed
// ids, the six supported signature/address families, and the metadata
// envelope the optical bridge receives.
package dataitem

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"hash"
	"io"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"

	"permabundle/internal/errs"
)

// IDLength is the length of a content-addressed item id: 32 bytes of SHA-256
// in unpadded base64url.
const IDLength = 43

// SignatureKind identifies the signature/chain family of an item's owner.
type SignatureKind string

const (
	KindArweave  SignatureKind = "arweave"
	KindEthereum SignatureKind = "ethereum"
	KindSolana   SignatureKind = "solana"
	KindPolygon  SignatureKind = "polygon"
	KindBase     SignatureKind = "base"
	KindKyve     SignatureKind = "kyve"
)

// Kinds lists every supported signature kind.
var Kinds = []SignatureKind{KindArweave, KindEthereum, KindSolana, KindPolygon, KindBase, KindKyve}

// ParseKind resolves a kind from its wire name or single-letter code.
func ParseKind(s string) (SignatureKind, error) {
	switch strings.ToLower(s) {
	case "arweave", "a":
		return KindArweave, nil
	case "ethereum", "e":
		return KindEthereum, nil
	case "solana", "s":
		return KindSolana, nil
	case "polygon", "p":
		return KindPolygon, nil
	case "base", "b":
		return KindBase, nil
	case "kyve", "k":
		return KindKyve, nil
	}
	return "", errs.Newf(errs.KindBadRequest, "unsupported signature kind %q", s)
}

// ValidateOwner checks that an owner address is well formed for its kind.
func ValidateOwner(kind SignatureKind, address string) error {
	switch kind {
	case KindEthereum, KindPolygon, KindBase:
		if !common.IsHexAddress(address) {
			return errs.Newf(errs.KindBadRequest, "invalid %s address %q", kind, address)
		}
	case KindSolana:
		raw, err := base58.Decode(address)
		if err != nil || len(raw) != solana.PublicKeyLength {
			return errs.Newf(errs.KindBadRequest, "invalid solana address %q", address)
		}
	case KindArweave:
		if err := ValidateID(address); err != nil {
			return errs.Newf(errs.KindBadRequest, "invalid arweave address %q", address)
		}
	case KindKyve:
		// Cosmos-family bech32 with the kyve prefix; the payload is base58-free
		// so only the shape is checked here.
		if !strings.HasPrefix(address, "kyve1") || len(address) < 20 {
			return errs.Newf(errs.KindBadRequest, "invalid kyve address %q", address)
		}
	default:
		return errs.Newf(errs.KindBadRequest, "unsupported signature kind %q", kind)
	}
	return nil
}

// EncodeID converts a 32-byte digest to the canonical 43-char item id.
func EncodeID(digest [32]byte) string {
	return base64.RawURLEncoding.EncodeToString(digest[:])
}

// DecodeID converts an item id back to its 32-byte digest.
func DecodeID(id string) ([32]byte, error) {
	var digest [32]byte
	if len(id) != IDLength {
		return digest, fmt.Errorf("item id must be %d chars, got %d", IDLength, len(id))
	}
	raw, err := base64.RawURLEncoding.DecodeString(id)
	if err != nil {
		return digest, fmt.Errorf("item id is not base64url: %w", err)
	}
	copy(digest[:], raw)
	return digest, nil
}

// ValidateID checks that id is a well-formed content-addressed id.
func ValidateID(id string) error {
	_, err := DecodeID(id)
	return err
}

// Hasher computes an item id incrementally while the payload streams through.
type Hasher struct {
	h hash.Hash
	n int64
}

// NewHasher returns a Hasher ready to receive payload bytes.
func NewHasher() *Hasher {
	return &Hasher{h: sha256.New()}
}

// Write implements io.Writer.
func (s *Hasher) Write(p []byte) (int, error) {
	n, err := s.h.Write(p)
	s.n += int64(n)
	return n, err
}

// ID returns the content-addressed id of everything written so far.
func (s *Hasher) ID() string {
	var digest [32]byte
	copy(digest[:], s.h.Sum(nil))
	return EncodeID(digest)
}

// ByteCount returns the number of bytes written so far.
func (s *Hasher) ByteCount() int64 {
	return s.n
}

// ComputeID reads r to EOF and returns the content-addressed id and size.
func ComputeID(r io.Reader) (string, int64, error) {
	h := NewHasher()
	if _, err := io.Copy(h, r); err != nil {
		return "", 0, err
	}
	return h.ID(), h.ByteCount(), nil
}

// Envelope is the metadata record advertised to optical bridges and returned
// by the status endpoint.
type Envelope struct {
	ID            string        `json:"id"`
	Owner         string        `json:"owner"`
	SignatureKind SignatureKind `json:"signatureKind"`
	ByteCount     int64         `json:"byteCount"`
	ContentType   string        `json:"contentType,omitempty"`
	BundleID      string        `json:"bundleId,omitempty"`
	UploadedAt    time.Time     `json:"uploadedAt"`
}

