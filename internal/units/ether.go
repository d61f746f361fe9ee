// Package units converts between wei amounts and human-readable ether
// strings.
package units

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/apd/v3"
	"github.com/holiman/uint256"
)

// Decimals is the number of fractional digits in one ether.
const Decimals = 18

var (
	errNegative  = errors.New("amount is negative")
	errPrecision = errors.New("amount has more than 18 decimals")
	errOverflow  = errors.New("amount overflows 256 bits")
)

var ctx = apd.BaseContext.WithPrecision(100)

// ParseEther parses a decimal ether string such as "0.0125" into wei.
func ParseEther(s string) (uint256.Int, error) {
	var out uint256.Int
	d, _, err := apd.NewFromString(s)
	if err != nil {
		return out, fmt.Errorf("units: parse %q: %w", s, err)
	}
	if d.Form != apd.Finite {
		return out, fmt.Errorf("units: parse %q: not a finite number", s)
	}
	if d.Negative && !d.IsZero() {
		return out, fmt.Errorf("units: parse %q: %w", s, errNegative)
	}
	d.Exponent += Decimals

	var wei apd.Decimal
	cond, err := ctx.Quantize(&wei, d, 0)
	if err != nil {
		return out, fmt.Errorf("units: parse %q: %w", s, err)
	}
	if cond.Inexact() || cond.Rounded() {
		return out, fmt.Errorf("units: parse %q: %w", s, errPrecision)
	}
	v, overflow := uint256.FromBig(wei.Coeff.MathBigInt())
	if overflow {
		return out, fmt.Errorf("units: parse %q: %w", s, errOverflow)
	}
	return *v, nil
}

// MustParseEther is ParseEther for constants; it panics on error.
func MustParseEther(s string) uint256.Int {
	v, err := ParseEther(s)
	if err != nil {
		panic(err)
	}
	return v
}

// FormatEther renders wei as a decimal ether string with trailing zeros
// trimmed.
func FormatEther(wei uint256.Int) string {
	if wei.IsZero() {
		return "0"
	}
	d := apd.NewWithBigInt(new(apd.BigInt).SetMathBigInt(wei.ToBig()), -Decimals)
	d.Reduce(d)
	return d.Text('f')
}

// ParseWei parses a base-10 wei integer.
func ParseWei(s string) (uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("units: parse wei %q: %w", s, err)
	}
	return *v, nil
}
