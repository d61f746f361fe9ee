package fhe

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/pricepredict/internal/crypto"
	"github.com/alanyoungcy/pricepredict/internal/domain"
)

var (
	// ErrUnknownHandle is returned for handles LocalKMS never issued.
	ErrUnknownHandle = errors.New("fhe: unknown handle")
	// ErrNotDecryptable is returned when decryption was not requested first.
	ErrNotDecryptable = errors.New("fhe: handle not marked decryptable")
)

// LocalKMS is an in-process stand-in for the confidential-compute network.
// It issues opaque handles for plaintext prices, keeps the plaintexts, and
// answers public decryption requests with proofs signed by its own KMS keys.
type LocalKMS struct {
	mu          sync.Mutex
	domain      crypto.DecryptionDomain
	signers     []*crypto.Signer
	codec       domain.ClearValueCodec
	plaintexts  map[common.Hash]uint64
	decryptable map[common.Hash]bool
}

var _ domain.Decryptor = (*LocalKMS)(nil)

// NewLocalKMS creates a LocalKMS that signs with signers.
func NewLocalKMS(d crypto.DecryptionDomain, signers []*crypto.Signer) *LocalKMS {
	return &LocalKMS{
		domain:      d,
		signers:     signers,
		codec:       ABICodec{},
		plaintexts:  make(map[common.Hash]uint64),
		decryptable: make(map[common.Hash]bool),
	}
}

// Signers returns the addresses whose signatures the KMS produces.
func (k *LocalKMS) Signers() []common.Address {
	out := make([]common.Address, len(k.signers))
	for i, s := range k.signers {
		out[i] = s.Address()
	}
	return out
}

// Encrypt registers price for owner and returns its handle with an input
// proof signed by every KMS key for owner. The handle never reveals the
// price.
func (k *LocalKMS) Encrypt(owner common.Address, price uint64) (domain.EncryptedInput, error) {
	if len(k.signers) == 0 {
		return domain.EncryptedInput{}, errors.New("fhe: local kms has no signers")
	}
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return domain.EncryptedInput{}, fmt.Errorf("fhe: nonce: %w", err)
	}
	handle := common.BytesToHash(ethcrypto.Keccak256(owner.Bytes(), nonce))

	handles := []common.Hash{handle}
	extra := []byte{0x00}
	digest := crypto.InputVerificationDigest(k.domain.InputDomain(), handles, owner, extra)
	sigs := make([][]byte, 0, len(k.signers))
	for _, s := range k.signers {
		sig, err := s.SignDigest(digest)
		if err != nil {
			return domain.EncryptedInput{}, err
		}
		sigs = append(sigs, sig)
	}
	proof, err := EncodeInputProof(InputProof{Handles: handles, Signatures: sigs, ExtraData: extra})
	if err != nil {
		return domain.EncryptedInput{}, err
	}

	k.mu.Lock()
	k.plaintexts[handle] = price
	k.mu.Unlock()
	return domain.EncryptedInput{Handle: handle, Proof: proof}, nil
}

// MakeDecryptable marks handles as publicly decryptable.
func (k *LocalKMS) MakeDecryptable(_ context.Context, handles []common.Hash) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, h := range handles {
		if _, ok := k.plaintexts[h]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownHandle, h.Hex())
		}
	}
	for _, h := range handles {
		k.decryptable[h] = true
	}
	return nil
}

// PublicDecrypt decrypts handles, all of which must have been marked
// decryptable, and signs the result with every KMS key.
func (k *LocalKMS) PublicDecrypt(ctx context.Context, handles []common.Hash) (domain.DecryptionResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.DecryptionResult{}, err
	}
	k.mu.Lock()
	values := make([]uint64, len(handles))
	for i, h := range handles {
		v, ok := k.plaintexts[h]
		if !ok {
			k.mu.Unlock()
			return domain.DecryptionResult{}, fmt.Errorf("%w: %s", ErrUnknownHandle, h.Hex())
		}
		if !k.decryptable[h] {
			k.mu.Unlock()
			return domain.DecryptionResult{}, fmt.Errorf("%w: %s", ErrNotDecryptable, h.Hex())
		}
		values[i] = v
	}
	k.mu.Unlock()

	encoded, err := k.codec.Encode(values)
	if err != nil {
		return domain.DecryptionResult{}, err
	}
	extra := []byte{0x00}
	digest := crypto.DecryptionDigest(k.domain, handles, encoded, extra)
	sigs := make([][]byte, 0, len(k.signers))
	for _, s := range k.signers {
		sig, err := s.SignDigest(digest)
		if err != nil {
			return domain.DecryptionResult{}, err
		}
		sigs = append(sigs, sig)
	}
	proof, err := EncodeProof(sigs, extra)
	if err != nil {
		return domain.DecryptionResult{}, err
	}

	return domain.DecryptionResult{
		Handles:            append([]common.Hash(nil), handles...),
		ClearValues:        values,
		ClearValuesEncoded: encoded,
		DecryptionProof:    proof,
	}, nil
}
