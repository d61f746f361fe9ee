package domain

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// EncryptedInput is a client-produced ciphertext handle plus the input proof
// the host network checks.
type EncryptedInput struct {
	Handle common.Hash
	Proof  []byte
}

// InputVerifier checks that an input proof binds handle to owner. A handle
// copied from another participant fails because the proof names its
// original owner.
type InputVerifier interface {
	VerifyInput(owner common.Address, in EncryptedInput) error
}

// DecryptionResult is the output of a public batch decryption.
type DecryptionResult struct {
	Handles            []common.Hash
	ClearValues        []uint64
	ClearValuesEncoded []byte
	DecryptionProof    []byte
}

// Decryptor is the external confidential-compute service. MakeDecryptable
// only records the request; PublicDecrypt may take a long time and is never
// called while a ledger unit is open.
type Decryptor interface {
	MakeDecryptable(ctx context.Context, handles []common.Hash) error
	PublicDecrypt(ctx context.Context, handles []common.Hash) (DecryptionResult, error)
}

// ProofVerifier checks that clearValuesEncoded is the correct decryption of
// exactly handles.
type ProofVerifier interface {
	VerifyDecryptionProof(handles []common.Hash, clearValuesEncoded, proof []byte) (bool, error)
}

// ClearValueCodec converts between decrypted prices and their wire encoding.
type ClearValueCodec interface {
	Encode(values []uint64) ([]byte, error)
	Decode(encoded []byte, n int) ([]uint64, error)
}

// PriceOracle supplies the ground-truth settlement price for a round.
type PriceOracle interface {
	PriceAt(ctx context.Context, round Round) (uint64, error)
}
