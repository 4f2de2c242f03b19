package x402

import (
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"permabundle/internal/errs"
)

// Verifier checks payment payloads against the network catalog before any
// facilitator round-trip.
type Verifier struct {
	networks  Catalog
	receiving string
}

// NewVerifier builds a Verifier accepting payments to the given address on
// the cataloged networks.
func NewVerifier(networks Catalog, receivingAddress string) *Verifier {
	return &Verifier{networks: networks, receiving: receivingAddress}
}

// Verify checks the payload's network, destination, validity window, and
// EIP-3009 signature. Returns the authorized transfer value on success.
func (v *Verifier) Verify(p *PaymentPayload) (*big.Int, error) {
	network, ok := v.networks[p.Network]
	if !ok {
		return nil, errs.Newf(errs.KindBadRequest, "unsupported network %q", p.Network)
	}

	auth := p.Payload.Authorization
	if !common.IsHexAddress(auth.From) || !common.IsHexAddress(auth.To) {
		return nil, errs.New(errs.KindBadRequest, "malformed authorization addresses")
	}
	if !strings.EqualFold(auth.To, v.receiving) {
		return nil, errs.Newf(errs.KindSignatureInvalid,
			"payment destination %s is not the service address", auth.To)
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok || value.Sign() <= 0 {
		return nil, errs.Newf(errs.KindBadRequest, "invalid authorization value %q", auth.Value)
	}

	validAfter, err := strconv.ParseInt(auth.ValidAfter, 10, 64)
	if err != nil {
		return nil, errs.Wrap(errs.KindBadRequest, "invalid validAfter", err)
	}
	validBefore, err := strconv.ParseInt(auth.ValidBefore, 10, 64)
	if err != nil {
		return nil, errs.Wrap(errs.KindBadRequest, "invalid validBefore", err)
	}
	now := time.Now().Unix()
	if now < validAfter {
		return nil, errs.New(errs.KindSignatureInvalid, "authorization not yet valid")
	}
	if now >= validBefore {
		return nil, errs.New(errs.KindSignatureInvalid, "authorization expired")
	}

	nonce := common.FromHex(auth.Nonce)
	if len(nonce) != 32 {
		return nil, errs.Newf(errs.KindBadRequest, "nonce must be 32 bytes, got %d", len(nonce))
	}

	hash, err := authorizationHash(network, auth, value, validAfter, validBefore)
	if err != nil {
		return nil, err
	}

	sig := common.FromHex(p.Payload.Signature)
	if len(sig) != 65 {
		return nil, errs.Newf(errs.KindSignatureInvalid, "signature must be 65 bytes, got %d", len(sig))
	}
	// Wallets emit V as 27/28; SigToPub wants 0/1.
	if sig[64] >= 27 {
		sig = append(append([]byte{}, sig[:64]...), sig[64]-27)
	}

	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return nil, errs.Wrap(errs.KindSignatureInvalid, "cannot recover signer", err)
	}
	recovered := crypto.PubkeyToAddress(*pub)
	if !strings.EqualFold(recovered.Hex(), auth.From) {
		return nil, errs.Newf(errs.KindSignatureInvalid,
			"signature recovers to %s, not %s", recovered.Hex(), auth.From)
	}

	return value, nil
}

// authorizationHash computes the EIP-712 digest of a TransferWithAuthorization
// under the network's USDC domain.
func authorizationHash(network Network, auth Authorization, value *big.Int, validAfter, validBefore int64) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              network.DomainName,
			Version:           network.DomainVersion,
			ChainId:           math.NewHexOrDecimal256(network.ChainID),
			VerifyingContract: network.USDCAddress,
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From,
			"to":          auth.To,
			"value":       (*math.HexOrDecimal256)(value),
			"validAfter":  math.NewHexOrDecimal256(validAfter),
			"validBefore": math.NewHexOrDecimal256(validBefore),
			"nonce":       auth.Nonce,
		},
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "hash typed data", err)
	}
	return hash, nil
}
