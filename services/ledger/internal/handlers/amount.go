package handlers

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// minorUnitExponents lists ISO 4217 currencies whose minor unit is not
// hundredths. Everything else uses two decimal places.
var minorUnitExponents = map[string]int32{
	"BIF": 0, "CLP": 0, "DJF": 0, "GNF": 0, "ISK": 0, "JPY": 0, "KMF": 0,
	"KRW": 0, "PYG": 0, "RWF": 0, "UGX": 0, "VND": 0, "VUV": 0, "XAF": 0,
	"XOF": 0, "XPF": 0,
	"BHD": 3, "IQD": 3, "JOD": 3, "KWD": 3, "LYD": 3, "OMR": 3, "TND": 3,
}

func currencyExponent(currency string) int32 {
	if exp, ok := minorUnitExponents[strings.ToUpper(currency)]; ok {
		return exp
	}
	return 2
}

// toMinorUnits converts a decimal major-unit amount ("12.34") into the
// integer minor units stored on ledgers.
func toMinorUnits(raw, currency string) (int64, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid amount")
	}
	exp := currencyExponent(currency)
	minor := amount.Shift(exp)
	if !minor.IsInteger() {
		return 0, fmt.Errorf("amount has more than %d decimal places", exp)
	}
	if !minor.BigInt().IsInt64() {
		return 0, fmt.Errorf("amount out of range")
	}
	return minor.IntPart(), nil
}

func formatMinorUnits(minor int64, currency string) string {
	exp := currencyExponent(currency)
	return decimal.New(minor, -exp).StringFixed(exp)
}
