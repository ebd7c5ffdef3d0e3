package bsonval

import (
	"fmt"
	"math"
	"math/big"
)

// Decimal is a fixed-precision decimal: Unscaled * 10^-Scale. It gives
// exact comparisons and round-tripping for money-like fields, unlike
// float64.
type Decimal struct {
	Unscaled int64
	Scale    uint8
}

// DecimalFromParts builds a Decimal from its unscaled integer and scale.
func DecimalFromParts(unscaled int64, scale uint8) Decimal {
	return Decimal{Unscaled: unscaled, Scale: scale}
}

// DecimalFromFloat approximates f as a Decimal with up to 9 fractional
// digits, used only when comparing a non-decimal numeric against a
// Decimal operand.
func DecimalFromFloat(f float64) Decimal {
	const scale = 9
	scaled := f * math.Pow10(scale)
	return Decimal{Unscaled: int64(math.Round(scaled)), Scale: scale}
}

// Float64 returns a best-effort float approximation.
func (d Decimal) Float64() float64 {
	return float64(d.Unscaled) / math.Pow10(int(d.Scale))
}

// Cmp compares two Decimals exactly by scaling both to a common scale
// using arbitrary precision integers.
func (d Decimal) Cmp(o Decimal) int {
	as, bs := d.Scale, o.Scale
	a := big.NewInt(d.Unscaled)
	b := big.NewInt(o.Unscaled)
	if as < bs {
		a = scaleUp(a, bs-as)
	} else if bs < as {
		b = scaleUp(b, as-bs)
	}
	return a.Cmp(b)
}

func scaleUp(v *big.Int, digits uint8) *big.Int {
	factor := new(big.Int).Exp(big10, big.NewInt(int64(digits)), nil)
	return new(big.Int).Mul(v, factor)
}

func (d Decimal) String() string {
	if d.Scale == 0 {
		return fmt.Sprintf("%d", d.Unscaled)
	}
	neg := d.Unscaled < 0
	u := d.Unscaled
	if neg {
		u = -u
	}
	s := fmt.Sprintf("%0*d", int(d.Scale)+1, u)
	cut := len(s) - int(d.Scale)
	out := s[:cut] + "." + s[cut:]
	if neg {
		out = "-" + out
	}
	return out
}
