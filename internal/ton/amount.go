package ton

import (
	"fmt"
	"math/big"
	"strings"
)

// ParseTON converts a decimal TON string (e.g. "5.5") to nanoTON.
// 1 TON = 1_000_000_000 nanoTON. Amounts are fixed-point end to end;
// floats would lose settlement precision.
func ParseTON(tonStr string) (*big.Int, error) {
	tonStr = strings.TrimSpace(tonStr)
	if tonStr == "" {
		return nil, fmt.Errorf("empty TON amount")
	}

	parts := strings.Split(tonStr, ".")
	if len(parts) > 2 {
		return nil, fmt.Errorf("invalid TON amount: %s", tonStr)
	}

	whole := parts[0]
	frac := ""
	if len(parts) == 2 {
		frac = parts[1]
	}

	if len(frac) > 9 {
		frac = frac[:9]
	}
	for len(frac) < 9 {
		frac += "0"
	}

	nano, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, fmt.Errorf("invalid TON amount: %s", tonStr)
	}
	if nano.Sign() < 0 {
		return nil, fmt.Errorf("negative TON amount: %s", tonStr)
	}
	return nano, nil
}

// FormatNano renders nanoTON back to a decimal TON string with trailing
// zeros trimmed.
func FormatNano(nano *big.Int) string {
	q, r := new(big.Int).QuoRem(nano, big.NewInt(1_000_000_000), new(big.Int))
	frac := strings.TrimRight(fmt.Sprintf("%09d", r), "0")
	if frac == "" {
		return q.String()
	}
	return q.String() + "." + frac
}

// SplitFee divides an amount into the net payout and the platform fee in
// basis points. The fee is rounded down; the payout gets the remainder.
func SplitFee(amount *big.Int, feeBPS int) (net, fee *big.Int) {
	fee = new(big.Int).Mul(amount, big.NewInt(int64(feeBPS)))
	fee.Quo(fee, big.NewInt(10_000))
	net = new(big.Int).Sub(amount, fee)
	return net, fee
}
