package crypto

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// SignatureLen is the length of an r || s || v secp256k1 signature.
const SignatureLen = 65

// ErrBadSignature is returned when a signature cannot be recovered.
var ErrBadSignature = errors.New("crypto: malformed signature")

var (
	// EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"),
	)

	// PublicDecryptVerification(bytes32[] ctHandles,bytes decryptedResult,bytes extraData)
	publicDecryptTypeHash = ethcrypto.Keccak256(
		[]byte("PublicDecryptVerification(bytes32[] ctHandles,bytes decryptedResult,bytes extraData)"),
	)

	// CiphertextVerification(bytes32[] ctHandles,address userAddress,address contractAddress,uint256 contractChainId,bytes extraData)
	ciphertextVerificationTypeHash = ethcrypto.Keccak256(
		[]byte("CiphertextVerification(bytes32[] ctHandles,address userAddress,address contractAddress,uint256 contractChainId,bytes extraData)"),
	)
)

// DecryptionDomain identifies the deployment a decryption proof is bound to.
type DecryptionDomain struct {
	Name              string
	Version           string
	ChainID           uint64
	VerifyingContract common.Address
}

// DefaultDecryptionDomain returns the "Decryption" v1 domain for chainID.
func DefaultDecryptionDomain(chainID uint64, verifyingContract common.Address) DecryptionDomain {
	return DecryptionDomain{
		Name:              "Decryption",
		Version:           "1",
		ChainID:           chainID,
		VerifyingContract: verifyingContract,
	}
}

// Separator returns keccak256(abi.encode(typeHash, name, version, chainId, verifyingContract)).
func (d DecryptionDomain) Separator() []byte {
	return ethcrypto.Keccak256(
		eip712DomainTypeHash,
		ethcrypto.Keccak256([]byte(d.Name)),
		ethcrypto.Keccak256([]byte(d.Version)),
		common.LeftPadBytes(new(big.Int).SetUint64(d.ChainID).Bytes(), 32),
		common.LeftPadBytes(d.VerifyingContract.Bytes(), 32),
	)
}

// DecryptionDigest is the EIP-712 digest a KMS signer signs to attest that
// decryptedResult is the plaintext of handles.
func DecryptionDigest(d DecryptionDomain, handles []common.Hash, decryptedResult, extraData []byte) common.Hash {
	packed := make([]byte, 0, len(handles)*common.HashLength)
	for _, h := range handles {
		packed = append(packed, h.Bytes()...)
	}
	structHash := ethcrypto.Keccak256(
		publicDecryptTypeHash,
		ethcrypto.Keccak256(packed),
		ethcrypto.Keccak256(decryptedResult),
		ethcrypto.Keccak256(extraData),
	)
	return common.BytesToHash(ethcrypto.Keccak256([]byte{0x19, 0x01}, d.Separator(), structHash))
}

// InputDomain returns the "InputVerification" v1 domain. Input proofs are
// signed under it and bound to the same chain and contract as decryptions.
func (d DecryptionDomain) InputDomain() DecryptionDomain {
	return DecryptionDomain{
		Name:              "InputVerification",
		Version:           "1",
		ChainID:           d.ChainID,
		VerifyingContract: d.VerifyingContract,
	}
}

// InputVerificationDigest is the EIP-712 digest a coprocessor signs to attest
// that handles were encrypted by user for use in the contract of d.
func InputVerificationDigest(d DecryptionDomain, handles []common.Hash, user common.Address, extraData []byte) common.Hash {
	packed := make([]byte, 0, len(handles)*common.HashLength)
	for _, h := range handles {
		packed = append(packed, h.Bytes()...)
	}
	structHash := ethcrypto.Keccak256(
		ciphertextVerificationTypeHash,
		ethcrypto.Keccak256(packed),
		common.LeftPadBytes(user.Bytes(), 32),
		common.LeftPadBytes(d.VerifyingContract.Bytes(), 32),
		common.LeftPadBytes(new(big.Int).SetUint64(d.ChainID).Bytes(), 32),
		ethcrypto.Keccak256(extraData),
	)
	return common.BytesToHash(ethcrypto.Keccak256([]byte{0x19, 0x01}, d.Separator(), structHash))
}

// RequestDigest is the EIP-191 personal-message hash a client signs to
// authenticate an API request.
func RequestDigest(method, path, timestamp string, body []byte) common.Hash {
	inner := ethcrypto.Keccak256([]byte(method), []byte(path), []byte(timestamp), body)
	return common.BytesToHash(accounts.TextHash(inner))
}

// Signer holds a secp256k1 key and signs 32-byte digests.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner creates a Signer from a hex-encoded private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return NewSignerFromKey(pk), nil
}

// NewSignerFromKey wraps an existing key.
func NewSignerFromKey(pk *ecdsa.PrivateKey) *Signer {
	return &Signer{privateKey: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}
}

// GenerateSigner creates a Signer with a fresh random key.
func GenerateSigner() (*Signer, error) {
	pk, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: generate key: %w", err)
	}
	return NewSignerFromKey(pk), nil
}

// Address returns the address derived from the signer's key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignDigest returns a 65-byte signature with v in {27, 28}.
func (s *Signer) SignDigest(digest common.Hash) ([]byte, error) {
	sig, err := ethcrypto.Sign(digest.Bytes(), s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: signing: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// SignRequest signs the request digest for method, path, timestamp and body.
func (s *Signer) SignRequest(method, path, timestamp string, body []byte) ([]byte, error) {
	return s.SignDigest(RequestDigest(method, path, timestamp, body))
}

// RecoverAddress returns the address that produced sig over digest. Both
// {0, 1} and {27, 28} recovery ids are accepted.
func RecoverAddress(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLen {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrBadSignature, len(sig))
	}
	normalized := make([]byte, SignatureLen)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	if normalized[64] > 1 {
		return common.Address{}, fmt.Errorf("%w: recovery id %d", ErrBadSignature, sig[64])
	}
	pub, err := ethcrypto.SigToPub(digest.Bytes(), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}
