package fhe

import (
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/pricepredict/internal/crypto"
	"github.com/alanyoungcy/pricepredict/internal/domain"
)

// InputProof is a coprocessor attestation that Handles were encrypted by
// one user for one contract.
type InputProof struct {
	Handles    []common.Hash
	Signatures [][]byte
	ExtraData  []byte
}

// EncodeInputProof lays out an input proof as
// [handles uint8][signatures uint8][handles x 32][signatures x 65][extraData].
func EncodeInputProof(p InputProof) ([]byte, error) {
	if len(p.Handles) == 0 || len(p.Handles) > 255 || len(p.Signatures) > 255 {
		return nil, fmt.Errorf("%w: %d handles, %d signatures", domain.ErrInvalidInputProof, len(p.Handles), len(p.Signatures))
	}
	out := make([]byte, 0, 2+len(p.Handles)*common.HashLength+len(p.Signatures)*crypto.SignatureLen+len(p.ExtraData))
	out = append(out, byte(len(p.Handles)), byte(len(p.Signatures)))
	for _, h := range p.Handles {
		out = append(out, h.Bytes()...)
	}
	for i, sig := range p.Signatures {
		if len(sig) != crypto.SignatureLen {
			return nil, fmt.Errorf("%w: signature %d has length %d", domain.ErrInvalidInputProof, i, len(sig))
		}
		out = append(out, sig...)
	}
	return append(out, p.ExtraData...), nil
}

// DecodeInputProof splits a proof produced by EncodeInputProof.
func DecodeInputProof(raw []byte) (InputProof, error) {
	if len(raw) < 2 {
		return InputProof{}, fmt.Errorf("%w: %d bytes", domain.ErrInvalidInputProof, len(raw))
	}
	nh, ns := int(raw[0]), int(raw[1])
	sigStart := 2 + nh*common.HashLength
	end := sigStart + ns*crypto.SignatureLen
	if nh == 0 || len(raw) < end {
		return InputProof{}, fmt.Errorf("%w: %d handles and %d signatures need %d bytes, have %d",
			domain.ErrInvalidInputProof, nh, ns, end, len(raw))
	}
	p := InputProof{
		Handles:    make([]common.Hash, nh),
		Signatures: make([][]byte, ns),
		ExtraData:  raw[end:],
	}
	for i := range p.Handles {
		p.Handles[i] = common.BytesToHash(raw[2+i*common.HashLength : 2+(i+1)*common.HashLength])
	}
	for i := range p.Signatures {
		off := sigStart + i*crypto.SignatureLen
		p.Signatures[i] = raw[off : off+crypto.SignatureLen]
	}
	return p, nil
}

// InputVerifier accepts an encrypted input when its proof lists the handle
// and at least threshold distinct trusted coprocessors signed the proof for
// the submitting owner.
type InputVerifier struct {
	domain    crypto.DecryptionDomain
	signers   map[common.Address]struct{}
	threshold int
	logger    *slog.Logger
}

var _ domain.InputVerifier = (*InputVerifier)(nil)

// NewInputVerifier builds a verifier over the input domain derived from d.
// threshold must be in [1, len(signers)].
func NewInputVerifier(d crypto.DecryptionDomain, signers []common.Address, threshold int, logger *slog.Logger) (*InputVerifier, error) {
	set := make(map[common.Address]struct{}, len(signers))
	for _, s := range signers {
		set[s] = struct{}{}
	}
	if threshold < 1 || threshold > len(set) {
		return nil, fmt.Errorf("fhe: input threshold %d out of range for %d signers", threshold, len(set))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InputVerifier{domain: d.InputDomain(), signers: set, threshold: threshold, logger: logger}, nil
}

// VerifyInput checks that in.Proof was issued for in.Handle and owner.
func (v *InputVerifier) VerifyInput(owner common.Address, in domain.EncryptedInput) error {
	p, err := DecodeInputProof(in.Proof)
	if err != nil {
		return err
	}
	listed := false
	for _, h := range p.Handles {
		if h == in.Handle {
			listed = true
			break
		}
	}
	if !listed {
		return fmt.Errorf("%w: handle %s not covered by proof", domain.ErrInvalidInputProof, in.Handle.Hex())
	}

	digest := crypto.InputVerificationDigest(v.domain, p.Handles, owner, p.ExtraData)
	seen := make(map[common.Address]struct{}, len(p.Signatures))
	for i, sig := range p.Signatures {
		addr, err := crypto.RecoverAddress(digest, sig)
		if err != nil {
			v.logger.Debug("fhe: skipping unrecoverable input signature", slog.Int("index", i), slog.String("error", err.Error()))
			continue
		}
		if _, ok := v.signers[addr]; ok {
			seen[addr] = struct{}{}
		}
	}
	if len(seen) < v.threshold {
		return fmt.Errorf("%w: %d of %d required signatures for %s",
			domain.ErrInvalidInputProof, len(seen), v.threshold, owner.Hex())
	}
	return nil
}
