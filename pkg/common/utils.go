// Package common provides shared helpers for the shieldpool commands.
package common

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// Common errors
var (
	ErrInvalidAmount = errors.New("invalid amount")
	ErrAmountTooLong = errors.New("amount has more fractional digits than the token")
)

// HexToBytes converts a hex string to bytes
func HexToBytes(s string) ([]byte, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	return hex.DecodeString(s)
}

// BytesToHex converts bytes to a hex string with 0x prefix
func BytesToHex(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

// ParseAmount parses a decimal token amount such as "12.5" into base units
func ParseAmount(s string, decimals uint8) (*uint256.Int, error) {
	whole, frac, hasFrac := strings.Cut(strings.TrimSpace(s), ".")
	if whole == "" && (!hasFrac || frac == "") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if len(frac) > int(decimals) {
		return nil, fmt.Errorf("%w: %q", ErrAmountTooLong, s)
	}
	if whole == "" {
		whole = "0"
	}

	digits := whole + frac + strings.Repeat("0", int(decimals)-len(frac))
	for _, c := range digits {
		if c < '0' || c > '9' {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}
	}

	b, _ := new(big.Int).SetString(digits, 10)
	v, overflow := uint256.FromBig(b)
	if overflow {
		return nil, fmt.Errorf("%w: %q overflows 256 bits", ErrInvalidAmount, s)
	}
	return v, nil
}

// FormatAmount renders base units with decimals fractional digits, trimming
// trailing zeros
func FormatAmount(v *uint256.Int, decimals uint8) string {
	s := v.ToBig().String()
	if decimals == 0 {
		return s
	}

	d := int(decimals)
	if len(s) <= d {
		s = strings.Repeat("0", d-len(s)+1) + s
	}
	whole, frac := s[:len(s)-d], strings.TrimRight(s[len(s)-d:], "0")
	if frac == "" {
		return whole
	}
	return whole + "." + frac
}
