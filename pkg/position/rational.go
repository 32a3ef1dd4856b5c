package position

import (
	"errors"
	"fmt"
	"math/big"
	"math/bits"
)

var (
	// ErrInvalidKey is returned for keys with a zero denominator or a
	// negative component.
	ErrInvalidKey = errors.New("invalid position key")
	// ErrOverflow is returned when the key between two inputs does not fit
	// in 64 bits.
	ErrOverflow = errors.New("position key overflow")
)

// Rational is a non-negative ordering key P/Q.
type Rational struct {
	P int64 `json:"p"`
	Q int64 `json:"q"`
}

// R is shorthand for Rational{p, q}.
func R(p, q int64) Rational { return Rational{P: p, Q: q} }

// Validate reports ErrInvalidKey unless Q > 0 and P >= 0.
func (r Rational) Validate() error {
	if r.Q == 0 || r.Q < 0 || r.P < 0 {
		return fmt.Errorf("%w: %d/%d", ErrInvalidKey, r.P, r.Q)
	}
	return nil
}

// Cmp compares r and o by cross multiplication. Both must be valid.
func (r Rational) Cmp(o Rational) int {
	lh, ll := bits.Mul64(uint64(r.P), uint64(o.Q))
	rh, rl := bits.Mul64(uint64(o.P), uint64(r.Q))
	switch {
	case lh < rh, lh == rh && ll < rl:
		return -1
	case lh > rh, lh == rh && ll > rl:
		return 1
	}
	return 0
}

// Less reports whether r sorts before o.
func (r Rational) Less(o Rational) bool { return r.Cmp(o) < 0 }

// Ceil returns the smallest integer >= r.
func (r Rational) Ceil() int64 {
	c := r.P / r.Q
	if r.P%r.Q != 0 {
		c++
	}
	return c
}

// Float returns r as a float64, used for the denormalised pos column.
func (r Rational) Float() float64 {
	return float64(r.P) / float64(r.Q)
}

func (r Rational) String() string {
	return fmt.Sprintf("%d/%d", r.P, r.Q)
}

// Between returns the rational with the smallest denominator strictly
// between a and b, found by walking the Stern–Brocot tree. Equal inputs
// return a unchanged. The order of a and b does not matter.
func Between(a, b Rational) (Rational, error) {
	if err := a.Validate(); err != nil {
		return Rational{}, err
	}
	if err := b.Validate(); err != nil {
		return Rational{}, err
	}
	switch a.Cmp(b) {
	case 0:
		return a, nil
	case 1:
		a, b = b, a
	}

	ap, aq := big.NewInt(a.P), big.NewInt(a.Q)
	bp, bq := big.NewInt(b.P), big.NewInt(b.Q)

	// lo = lp/lq and hi = hp/hq always satisfy lo <= a < b <= hi.
	lp, lq := big.NewInt(0), big.NewInt(1)
	hp, hq := big.NewInt(1), big.NewInt(0)

	var mp, mq, x, y, k big.Int
	for {
		mp.Add(lp, hp)
		mq.Add(lq, hq)

		// mediant <= a: step lo towards hi as far as it stays <= a.
		x.Mul(&mp, aq)
		y.Mul(ap, &mq)
		if x.Cmp(&y) <= 0 {
			x.Mul(ap, lq)
			y.Mul(aq, lp)
			x.Sub(&x, &y)
			y.Mul(aq, hp)
			k.Mul(ap, hq)
			y.Sub(&y, &k)
			k.Quo(&x, &y)
			lp.Add(lp, x.Mul(&k, hp))
			lq.Add(lq, y.Mul(&k, hq))
			continue
		}

		// mediant >= b: step hi towards lo as far as it stays >= b.
		x.Mul(&mp, bq)
		y.Mul(bp, &mq)
		if x.Cmp(&y) >= 0 {
			x.Mul(bq, hp)
			y.Mul(bp, hq)
			x.Sub(&x, &y)
			y.Mul(bp, lq)
			k.Mul(bq, lp)
			y.Sub(&y, &k)
			k.Quo(&x, &y)
			hp.Add(hp, x.Mul(&k, lp))
			hq.Add(hq, y.Mul(&k, lq))
			continue
		}

		if !mp.IsInt64() || !mq.IsInt64() {
			return Rational{}, fmt.Errorf("%w: between %s and %s", ErrOverflow, a, b)
		}
		return Rational{P: mp.Int64(), Q: mq.Int64()}, nil
	}
}
