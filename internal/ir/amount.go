package ir

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// DefaultDecimals is the number of fractional digits in one whole unit.
const DefaultDecimals = 18

// MaxDecimals bounds the decimals setting so 10^decimals fits in 256 bits
// with room for the integer part.
const MaxDecimals = 36

// ParseUnits converts a decimal string such as "1.5" into base units.
// It rejects negative numbers, signs, exponents, more fractional digits
// than decimals, and values that do not fit in 256 bits.
func ParseUnits(s string, decimals uint8) (*uint256.Int, error) {
	if decimals > MaxDecimals {
		return nil, fmt.Errorf("decimals %d exceeds %d", decimals, MaxDecimals)
	}
	s = strings.TrimSpace(s)
	whole, frac, hasDot := strings.Cut(s, ".")
	if whole == "" || (hasDot && frac == "") {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if !isDigits(whole) || !isDigits(frac) {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	frac = strings.TrimRight(frac, "0")
	if len(frac) > int(decimals) {
		return nil, fmt.Errorf("amount %q has more than %d fractional digits", s, decimals)
	}

	scale := pow10(decimals)
	w, err := fromDigits(whole)
	if err != nil {
		return nil, Errorf(CodeArithmeticOverflow, "amount %q: %v", s, err)
	}

	result, overflow := new(uint256.Int).MulOverflow(w, scale)
	if overflow {
		return nil, Errorf(CodeArithmeticOverflow, "amount %q overflows 256 bits", s)
	}
	if frac != "" {
		f, err := fromDigits(frac + strings.Repeat("0", int(decimals)-len(frac)))
		if err != nil {
			return nil, fmt.Errorf("invalid amount %q: %w", s, err)
		}
		if _, overflow := result.AddOverflow(result, f); overflow {
			return nil, Errorf(CodeArithmeticOverflow, "amount %q overflows 256 bits", s)
		}
	}
	return result, nil
}

// MustParseUnits is ParseUnits for constants and tests. It panics on error.
func MustParseUnits(s string, decimals uint8) *uint256.Int {
	v, err := ParseUnits(s, decimals)
	if err != nil {
		panic(err)
	}
	return v
}

// FormatUnits renders base units as a decimal string with trailing
// fractional zeros removed ("1.5", "2", "0.000001").
func FormatUnits(v *uint256.Int, decimals uint8) string {
	if v == nil {
		return "0"
	}
	scale := pow10(decimals)
	whole, frac := new(uint256.Int), new(uint256.Int)
	whole.DivMod(v, scale, frac)
	if frac.IsZero() {
		return whole.Dec()
	}
	fs := frac.Dec()
	fs = strings.Repeat("0", int(decimals)-len(fs)) + fs
	return whole.Dec() + "." + strings.TrimRight(fs, "0")
}

func pow10(decimals uint8) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(decimals)))
}

// fromDigits parses an all-digit string, tolerating leading zeros.
func fromDigits(s string) (*uint256.Int, error) {
	if s = strings.TrimLeft(s, "0"); s == "" {
		s = "0"
	}
	return uint256.FromDecimal(s)
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
