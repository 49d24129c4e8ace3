package bsonkit

import "math"

// IsNumeric reports whether v's kind is one of the numeric BSON types.
func IsNumeric(v Value) bool {
	switch v.Kind {
	case KindInt32, KindInt64, KindDouble, KindDecimal128:
		return true
	default:
		return false
	}
}

// ToFloat64 converts a numeric Value to float64 for comparison purposes.
// Decimal128 loses precision here (IEEE-754 double), which is acceptable
// because ToFloat64 backs only NumericEqual / sort-key comparisons, never
// the default strict-equality path (spec.md §4.A).
func ToFloat64(v Value) (float64, bool) {
	switch v.Kind {
	case KindInt32:
		return float64(v.Int32), true
	case KindInt64:
		return float64(v.Int64), true
	case KindDouble:
		return v.Double, true
	case KindDecimal128:
		return decimal128ToFloat64(v.Decimal), true
	default:
		return 0, false
	}
}

// decimal128ToFloat64 decodes the IEEE-754-2008 BID layout (sign bit, 14-bit
// biased exponent, 113-bit coefficient, plus the infinity/NaN forms) into the
// nearest float64. Digits beyond a double's precision are lost, so the result
// serves the comparisons NumericEqual needs, not arithmetic or re-emission.
func decimal128ToFloat64(d Decimal128) float64 {
	f := 0.0
	switch (d.Hi >> 58) & 0x1F {
	case 0x1F:
		return math.NaN()
	case 0x1E:
		f = math.Inf(1)
	default:
		if (d.Hi>>61)&3 != 3 { // the 11-prefixed coefficient form is non-canonical and reads as zero
			exp := int((d.Hi>>49)&0x3FFF) - 6176
			f = (float64(d.Hi&(1<<49-1))*(1<<64) + float64(d.Lo)) * math.Pow10(exp)
		}
	}
	if d.Hi>>63 == 1 {
		f = -f
	}
	return f
}

// NumericEqual returns true iff both operands are numeric and their
// mathematical value agrees — the relaxed comparison spec.md §4.A reserves
// for opt-in callers (shadow comparator numeric-equivalence mode), never the
// default filter-compilation path.
func NumericEqual(a, b Value) bool {
	fa, oka := ToFloat64(a)
	fb, okb := ToFloat64(b)
	return oka && okb && fa == fb
}
