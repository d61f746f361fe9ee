package fhe

import (
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/pricepredict/internal/crypto"
	"github.com/alanyoungcy/pricepredict/internal/domain"
)

// KMSVerifier accepts a decryption proof when at least threshold distinct
// configured KMS signers attest to the same EIP-712 digest.
type KMSVerifier struct {
	domain    crypto.DecryptionDomain
	signers   map[common.Address]struct{}
	threshold int
	logger    *slog.Logger
}

var _ domain.ProofVerifier = (*KMSVerifier)(nil)

// NewKMSVerifier builds a verifier. threshold must be in [1, len(signers)].
func NewKMSVerifier(d crypto.DecryptionDomain, signers []common.Address, threshold int, logger *slog.Logger) (*KMSVerifier, error) {
	set := make(map[common.Address]struct{}, len(signers))
	for _, s := range signers {
		set[s] = struct{}{}
	}
	if threshold < 1 || threshold > len(set) {
		return nil, fmt.Errorf("fhe: threshold %d out of range for %d signers", threshold, len(set))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KMSVerifier{domain: d, signers: set, threshold: threshold, logger: logger}, nil
}

// VerifyDecryptionProof reports whether proof attests that
// clearValuesEncoded is the decryption of handles, in order.
func (v *KMSVerifier) VerifyDecryptionProof(handles []common.Hash, clearValuesEncoded, proof []byte) (bool, error) {
	sigs, extra, err := DecodeProof(proof)
	if err != nil {
		return false, err
	}
	digest := crypto.DecryptionDigest(v.domain, handles, clearValuesEncoded, extra)

	seen := make(map[common.Address]struct{}, len(sigs))
	for i, sig := range sigs {
		addr, err := crypto.RecoverAddress(digest, sig)
		if err != nil {
			v.logger.Debug("fhe: skipping unrecoverable signature", slog.Int("index", i), slog.String("error", err.Error()))
			continue
		}
		if _, ok := v.signers[addr]; !ok {
			continue
		}
		seen[addr] = struct{}{}
	}
	return len(seen) >= v.threshold, nil
}
