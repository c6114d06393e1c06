package emu

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// startDateAlignment is the boundary reported period starts are floored to,
// so sub-five-minute clock jitter does not produce new values.
const startDateAlignment = 300

// mantissaBits is the float64 significand width including the implicit bit.
const mantissaBits = 53

// unsetPrice is the device's sentinel for "no price configured".
const unsetPrice = "0xffffffff"

// ParseHex decodes a device hex value such as "0x0004ad".
// The "0x" prefix is optional and an empty value decodes to 0.
func ParseHex(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	digits := s
	if len(digits) > 1 && digits[0] == '0' && (digits[1] == 'x' || digits[1] == 'X') {
		digits = digits[2:]
	}
	if digits == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(digits, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not hex", ErrInvalidField, s)
	}
	return n, nil
}

// FormatHex renders n the way the device expects: "0x" and upper-case digits.
func FormatHex(n uint64) string {
	return fmt.Sprintf("0x%X", n)
}

// Scale applies the device's formatting rule to a raw reading:
// raw*multiplier/divisor rounded to digitsRight decimals.
//
// The quotient is taken as the nearest float64 first and that binary value
// is rounded half to even, so 1.25 rounds to 1.2 while 0.005 (stored just
// above the tie) rounds to 0.01. A zero divisor yields 0.
func Scale(raw uint64, multiplier, divisor, digitsRight int64) float64 {
	if divisor == 0 {
		return 0
	}
	num := new(big.Int).Mul(new(big.Int).SetUint64(raw), big.NewInt(multiplier))
	q, _ := new(big.Rat).SetFrac(num, big.NewInt(divisor)).Float64()
	return exactDecimal(q).RoundBank(int32(digitsRight)).InexactFloat64()
}

// exactDecimal returns the exact decimal value of f.
func exactDecimal(f float64) decimal.Decimal {
	frac, exp := math.Frexp(f)
	mant := big.NewInt(int64(math.Ldexp(frac, mantissaBits)))
	exp -= mantissaBits
	if exp >= 0 {
		return decimal.NewFromBigInt(mant.Lsh(mant, uint(exp)), 0)
	}
	// m*2^-k == m*5^k * 10^-k
	pow := new(big.Int).Exp(big.NewInt(5), big.NewInt(int64(-exp)), nil)
	return decimal.NewFromBigInt(mant.Mul(mant, pow), int32(exp))
}

// AlignDown floors v to a multiple of step. Negative values floor towards
// negative infinity.
func AlignDown(v, step int64) int64 {
	m := v % step
	if m < 0 {
		m += step
	}
	return v - m
}

// PriceCents converts a device price and its trailing digit count to cents.
func PriceCents(price uint64, trailingDigits int64) float64 {
	d := decimal.NewFromBigInt(new(big.Int).SetUint64(price), 0)
	return d.Shift(-int32(trailingDigits - 2)).InexactFloat64()
}

// EncodePrice converts a price in cents, given as decimal text, into the
// (price, trailing digits) hex pair used by set_current_price.
//
// The cents value is converted to currency units and normalised, so the
// mantissa carries no trailing zeros: "31.50" encodes as ("0x13B", "0x3").
func EncodePrice(cents string) (price, trailingDigits string, err error) {
	d, err := decimal.NewFromString(strings.TrimSpace(cents))
	if err != nil {
		return "", "", fmt.Errorf("%w: price %q: %w", ErrEncoding, cents, err)
	}
	if d.IsNegative() {
		return "", "", fmt.Errorf("%w: price %q is negative", ErrEncoding, cents)
	}

	units := d.Shift(-2)
	mantissa := new(big.Int).Set(units.Coefficient())
	exp := int64(units.Exponent())

	ten := big.NewInt(10)
	if mantissa.Sign() == 0 {
		exp = 0
	}
	rem := new(big.Int)
	for mantissa.Sign() != 0 && exp < 0 {
		q, r := new(big.Int).QuoRem(mantissa, ten, rem)
		if r.Sign() != 0 {
			break
		}
		mantissa = q
		exp++
	}
	if exp > 0 {
		mantissa.Mul(mantissa, new(big.Int).Exp(ten, big.NewInt(exp), nil))
		exp = 0
	}

	if !mantissa.IsUint64() {
		return "", "", fmt.Errorf("%w: price %q out of range", ErrEncoding, cents)
	}
	return FormatHex(mantissa.Uint64()), FormatHex(uint64(-exp)), nil
}
