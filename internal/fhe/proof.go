package fhe

import (
	"errors"
	"fmt"

	"github.com/alanyoungcy/pricepredict/internal/crypto"
)

var errMalformedProof = errors.New("fhe: malformed decryption proof")

// EncodeProof lays out a decryption proof as
// [count uint8][count x 65-byte signatures][extraData].
func EncodeProof(signatures [][]byte, extraData []byte) ([]byte, error) {
	if len(signatures) > 255 {
		return nil, fmt.Errorf("%w: %d signatures", errMalformedProof, len(signatures))
	}
	out := make([]byte, 0, 1+len(signatures)*crypto.SignatureLen+len(extraData))
	out = append(out, byte(len(signatures)))
	for i, sig := range signatures {
		if len(sig) != crypto.SignatureLen {
			return nil, fmt.Errorf("%w: signature %d has length %d", errMalformedProof, i, len(sig))
		}
		out = append(out, sig...)
	}
	return append(out, extraData...), nil
}

// DecodeProof splits a proof produced by EncodeProof.
func DecodeProof(proof []byte) (signatures [][]byte, extraData []byte, err error) {
	if len(proof) == 0 {
		return nil, nil, fmt.Errorf("%w: empty", errMalformedProof)
	}
	n := int(proof[0])
	end := 1 + n*crypto.SignatureLen
	if len(proof) < end {
		return nil, nil, fmt.Errorf("%w: %d signatures need %d bytes, have %d", errMalformedProof, n, end, len(proof))
	}
	signatures = make([][]byte, n)
	for i := range signatures {
		off := 1 + i*crypto.SignatureLen
		signatures[i] = proof[off : off+crypto.SignatureLen]
	}
	return signatures, proof[end:], nil
}
