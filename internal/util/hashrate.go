package util

import (
	"math/big"
	"strings"
)

var hashrateUnits = []string{" H", " KH", " MH", " GH", " TH", " PH"}

// ReadableHashrate renders a hashrate in H/s with a binary unit suffix,
// e.g. 2048000 -> "1.95 MH". The value is divided by 1024 while it is
// strictly greater than 1024.
func ReadableHashrate(hashrate float64) string {
	i := 0
	for hashrate > 1024 && i < len(hashrateUnits)-1 {
		hashrate /= 1024
		i++
	}
	return FixedTwo(hashrate) + hashrateUnits[i]
}

// FixedTwo formats a non-negative value with exactly two decimals, rounding
// ties away from zero on the exact binary value.
func FixedTwo(v float64) string {
	if v < 0 {
		return "-" + FixedTwo(-v)
	}

	// The float64 is converted exactly, then rounded by hand so that a value
	// sitting exactly on .xx5 always rounds up.
	exact := new(big.Float).SetFloat64(v).Text('f', 1100)
	intPart, frac, _ := strings.Cut(exact, ".")
	frac += "000"

	cents, _ := new(big.Int).SetString(intPart+frac[:2], 10)
	if frac[2] >= '5' {
		cents.Add(cents, big.NewInt(1))
	}

	digits := cents.String()
	for len(digits) < 3 {
		digits = "0" + digits
	}
	return digits[:len(digits)-2] + "." + digits[len(digits)-2:]
}
