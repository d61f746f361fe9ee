// Package fhe adapts the external confidential-compute service: the clear
// value codec, KMS decryption-proof verification, the relayer client and an
// in-process KMS used for development and tests.
package fhe

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"github.com/alanyoungcy/pricepredict/internal/domain"
)

const wordSize = 32

var (
	errLength   = errors.New("fhe: encoded length does not match value count")
	errOverflow = errors.New("fhe: value does not fit in uint64")
)

var uint64Type = mustType("uint64")

func mustType(name string) abi.Type {
	t, err := abi.NewType(name, "", nil)
	if err != nil {
		panic(err)
	}
	return t
}

// ABICodec encodes decrypted prices as abi.encode(uint64, ..., uint64).
type ABICodec struct{}

var _ domain.ClearValueCodec = ABICodec{}

func arguments(n int) abi.Arguments {
	args := make(abi.Arguments, n)
	for i := range args {
		args[i] = abi.Argument{Type: uint64Type}
	}
	return args
}

// Encode packs values as a static tuple of uint64 words.
func (ABICodec) Encode(values []uint64) ([]byte, error) {
	in := make([]any, len(values))
	for i, v := range values {
		in[i] = v
	}
	out, err := arguments(len(values)).Pack(in...)
	if err != nil {
		return nil, fmt.Errorf("fhe: encode clear values: %w", err)
	}
	return out, nil
}

// Decode unpacks exactly n uint64 words. Any other length, or a word with
// bits set above 64, is rejected.
func (ABICodec) Decode(encoded []byte, n int) ([]uint64, error) {
	if n < 0 || len(encoded) != n*wordSize {
		return nil, fmt.Errorf("%w: %d bytes for %d values", errLength, len(encoded), n)
	}
	for i := 0; i < n; i++ {
		word := encoded[i*wordSize : (i+1)*wordSize]
		for _, b := range word[:wordSize-8] {
			if b != 0 {
				return nil, fmt.Errorf("%w: word %d", errOverflow, i)
			}
		}
	}
	if n == 0 {
		return []uint64{}, nil
	}
	raw, err := arguments(n).Unpack(encoded)
	if err != nil {
		return nil, fmt.Errorf("fhe: decode clear values: %w", err)
	}
	out := make([]uint64, n)
	for i, v := range raw {
		u, ok := v.(uint64)
		if !ok {
			return nil, fmt.Errorf("fhe: decode clear values: word %d has type %T", i, v)
		}
		out[i] = u
	}
	return out, nil
}
