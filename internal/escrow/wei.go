package escrow

import (
	"fmt"
	"math/big"
	"strings"
)

const etherDecimals = 18

var weiPerEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(etherDecimals), nil)

// ParseWei parses a plain base-10 integer wei amount.
func ParseWei(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid wei amount %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative wei amount %q", s)
	}
	return v, nil
}

// ParseEther converts a human-readable decimal ether string to wei exactly.
// Currency never touches floating point: the fractional part is padded to 18
// digits and more than 18 digits is an error, not a rounding.
func ParseEther(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}
	if strings.HasPrefix(s, "-") {
		return nil, fmt.Errorf("negative amount %q", s)
	}

	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if strings.Contains(frac, ".") {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if len(frac) > etherDecimals {
		return nil, fmt.Errorf("amount %q has more than %d decimal places", s, etherDecimals)
	}

	wholeInt, ok := new(big.Int).SetString(whole, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}

	result := new(big.Int).Mul(wholeInt, weiPerEther)
	if frac != "" {
		fracPadded := frac + strings.Repeat("0", etherDecimals-len(frac))
		fracInt, ok := new(big.Int).SetString(fracPadded, 10)
		if !ok {
			return nil, fmt.Errorf("invalid amount %q", s)
		}
		result.Add(result, fracInt)
	}
	return result, nil
}

// FormatEther renders a wei amount as a decimal ether string with no
// trailing zeros.
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	whole, frac := new(big.Int).QuoRem(wei, weiPerEther, new(big.Int))
	if frac.Sign() == 0 {
		return whole.String()
	}
	fracStr := fmt.Sprintf("%018s", frac.String())
	fracStr = strings.TrimRight(fracStr, "0")
	return whole.String() + "." + fracStr
}

// SumWei returns the exact sum of the supplied amounts.
func SumWei(amounts []*big.Int) *big.Int {
	sum := new(big.Int)
	for _, a := range amounts {
		if a != nil {
			sum.Add(sum, a)
		}
	}
	return sum
}
