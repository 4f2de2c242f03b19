package x402

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// TestSigner produces signed payment payloads without any keyring, for tests
// and the smoke-test CLI.
type TestSigner struct {
	privateKey *ecdsa.PrivateKey
	Address    string
}

// NewTestSigner generates a fresh key.
func NewTestSigner() (*TestSigner, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &TestSigner{
		privateKey: key,
		Address:    crypto.PubkeyToAddress(key.PublicKey).Hex(),
	}, nil
}

// SignPayment builds and signs a TransferWithAuthorization payload paying
// value micro-USDC to the given address on the network.
func (s *TestSigner) SignPayment(network Network, to string, value *big.Int) (*PaymentPayload, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	now := time.Now().Unix()
	auth := Authorization{
		From:        s.Address,
		To:          to,
		Value:       value.String(),
		ValidAfter:  "0",
		ValidBefore: strconv.FormatInt(now+300, 10),
		Nonce:       hexutil.Encode(nonce[:]),
	}

	validBefore, _ := strconv.ParseInt(auth.ValidBefore, 10, 64)
	hash, err := authorizationHash(network, auth, value, 0, validBefore)
	if err != nil {
		return nil, err
	}

	sig, err := crypto.Sign(hash, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign authorization: %w", err)
	}
	// Wallets emit V as 27/28.
	if sig[64] < 27 {
		sig[64] += 27
	}

	return &PaymentPayload{
		X402Version: Version,
		Scheme:      SchemeEIP3009,
		Network:     network.Name,
		Payload: PayloadData{
			Signature:     hexutil.Encode(sig),
			Authorization: auth,
		},
	}, nil
}
