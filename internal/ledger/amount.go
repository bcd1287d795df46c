package ledger

import (
	"math/big"
	"strings"
)

// ParseAmount converts a positive decimal string ("0.1") into atomic units
// for a token with the given number of decimals. Non-numeric, non-positive,
// or over-precise amounts report InvalidAmount.
func ParseAmount(amount string, decimals int) (*big.Int, error) {
	s := strings.TrimSpace(amount)
	if s == "" {
		return nil, Errf(CodeInvalidAmount, nil, "empty amount")
	}
	// big.Rat accepts fraction syntax ("1/3") and exponents; restrict to
	// plain decimal notation.
	if strings.ContainsAny(s, "/eExXpP_+") {
		return nil, Errf(CodeInvalidAmount, nil, "not a plain decimal: %q", amount)
	}

	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, Errf(CodeInvalidAmount, nil, "not a number: %q", amount)
	}
	if r.Sign() <= 0 {
		return nil, Errf(CodeInvalidAmount, nil, "amount must be positive: %q", amount)
	}

	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt(scale))
	if !scaled.IsInt() {
		return nil, Errf(CodeInvalidAmount, nil, "%q exceeds %d decimal places", amount, decimals)
	}
	return scaled.Num(), nil
}

// FormatAmount renders atomic units back into a decimal string, trimming
// trailing zeros ("100000000000000000" with 18 decimals -> "0.1").
func FormatAmount(units *big.Int, decimals int) string {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	r := new(big.Rat).SetFrac(units, scale)
	s := r.FloatString(decimals)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	return s
}
