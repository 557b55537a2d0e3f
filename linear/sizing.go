package linear

import (
	"math"

	"github.com/pkg/errors"
)

// Bitmap lengths in bits that keep the standard error below 1% for cardinalities 100, 200, ...
// 900, 1000, 2000, ... 10,000,000. Taken from Table II of Whang et al.
var onePercentErrorLength = []uint64{
	5034, 5067, 5100, 5133, 5166, 5199, 5231, 5264, 5296, // 100 - 900
	5329, 5647, 5957, 6260, 6556, 6847, 7132, 7412, 7688, // 1000 - 9000
	7960, 10506, 12839, 15036, 17134, 19156, 21117, 23029, 24897, // 10000 - 90000
	26729, 43710, 59264, 73999, 88175, 101932, 115359, 128514, 141441, // 100000 - 900000
	154171, 274328, 386798, 494794, 599692, 702246, 802931, 902069, 999894, // 1000000 - 9000000
	1096582, // 10000000
}

// NewWithError creates a counter with standard error eps for streams of up to maxCardinality
// distinct elements. It solves the precision inequality numerically, so prefer
// NewWithOnePercentError when a 1% error is good enough.
func NewWithError(eps float64, maxCardinality uint64) (*Counter, error) {
	if eps <= 0 || eps >= 1 {
		return nil, errors.Wrapf(ErrInvalidError, "got %v", eps)
	}
	if maxCardinality == 0 {
		return nil, ErrInvalidCardinality
	}

	bits := requiredBitmapLength(float64(maxCardinality), eps)
	return New(int((bits + 7) / 8))
}

// NewWithOnePercentError creates a counter that keeps the error below 1% on average, with a low
// likelihood (0.7%) of saturating, for streams of up to maxCardinality distinct elements.
func NewWithOnePercentError(maxCardinality uint64) (*Counter, error) {
	if maxCardinality == 0 {
		return nil, ErrInvalidCardinality
	}

	var length uint64
	switch n := maxCardinality; {
	case n < 100:
		length = onePercentErrorLength[0]
	case n < 10000000:
		scale := uint64(100)
		logScale := uint64(2)
		for scale*10 <= n {
			scale *= 10
			logScale++
		}
		scaleIndex := n / scale
		index := 9*(logScale-2) + (scaleIndex - 1)
		lower := scale * scaleIndex
		length = interpolate(lower, onePercentErrorLength[index], lower+scale, onePercentErrorLength[index+1], n)
	case n < 50000000:
		length = interpolate(10000000, 1096582, 50000000, 4584297, n)
	case n < 100000000:
		length = interpolate(50000000, 4584297, 100000000, 8571013, n)
	case n <= 120000000:
		length = interpolate(100000000, 8571013, 120000000, 10112529, n)
	default:
		length = n / 12
	}

	return New(int((length + 7) / 8))
}

// requiredBitmapLength binary searches for the smallest bitmap length m, in bits, that satisfies
//
//	max(1/(eps*t)^2, 5) * (e^t - t - 1) < m, where t = n/m.
func requiredBitmapLength(n, eps float64) uint64 {
	from, to := 1, 100000000
	var m int
	var eq float64
	for {
		m = (from + to) / 2
		t := n / float64(m)
		eq = math.Max(1/math.Pow(eps*t, 2), 5) * (math.Exp(t) - t - 1)
		if float64(m) > eq {
			to = m
		} else {
			from = m + 1
		}
		if to <= from {
			break
		}
	}
	if float64(m) > eq {
		return uint64(m)
	}
	return uint64(m) + 1
}

func interpolate(x0, y0, x1, y1, x uint64) uint64 {
	return uint64(math.Ceil(float64(y0) + float64(x-x0)*float64(y1-y0)/float64(x1-x0)))
}
