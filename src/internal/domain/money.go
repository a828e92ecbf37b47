package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

const (
	defaultMinorUnitExponent = 2
	maxMinorUnitExponent     = 3

	// maxAmountDigits bounds the decimal exponent of an inbound amount on
	// either side. Comparing or rescaling a decimal allocates 10^|exponent|.
	maxAmountDigits = 18
	// maxCoefficientBits leaves headroom above int64 for the precision check.
	maxCoefficientBits = 128
)

// ISO 4217 exponents that differ from the default of two.
var minorUnitExponents = map[string]int32{
	"BIF": 0, "CLP": 0, "DJF": 0, "GNF": 0, "ISK": 0, "JPY": 0, "KMF": 0, "KRW": 0,
	"PYG": 0, "RWF": 0, "UGX": 0, "VND": 0, "VUV": 0, "XAF": 0, "XOF": 0, "XPF": 0,
	"BHD": 3, "IQD": 3, "JOD": 3, "KWD": 3, "LYD": 3, "OMR": 3, "TND": 3,
}

func MinorUnitExponent(currency string) int32 {
	if exp, ok := minorUnitExponents[strings.ToUpper(strings.TrimSpace(currency))]; ok {
		return exp
	}
	return defaultMinorUnitExponent
}

// CheckAmountScale rejects amounts whose exponent or coefficient is far
// outside anything a ledger amount can hold. It must run before the amount
// is compared, rescaled or formatted.
func CheckAmountScale(amount decimal.Decimal) error {
	exp := amount.Exponent()
	if exp > maxAmountDigits || exp < -(maxMinorUnitExponent+maxAmountDigits) {
		return NewError(KindValidation, "amount is out of range")
	}
	if amount.Coefficient().BitLen() > maxCoefficientBits {
		return NewError(KindValidation, "amount is out of range")
	}
	return nil
}

// ToMinorUnits converts a major-unit amount into integer minor units. It fails
// when the amount carries more precision than the currency allows or does not
// fit in an int64.
func ToMinorUnits(amount decimal.Decimal, currency string) (int64, error) {
	if err := CheckAmountScale(amount); err != nil {
		return 0, err
	}
	shifted := amount.Shift(MinorUnitExponent(currency))
	if !shifted.IsInteger() {
		return 0, NewError(KindValidation, "amount %s exceeds %s precision of %d decimal places", amount.String(), currency, MinorUnitExponent(currency))
	}
	if !shifted.BigInt().IsInt64() {
		return 0, NewError(KindValidation, "amount %s is out of range", amount.String())
	}
	return shifted.IntPart(), nil
}

func FromMinorUnits(minor int64, currency string) decimal.Decimal {
	return decimal.New(minor, -MinorUnitExponent(currency))
}
