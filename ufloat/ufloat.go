// Package ufloat implements the compact nonnegative real type the ramp
// planner uses for its sqrt-heavy acceleration math (upm_float in the
// original Klipper/gopper lineage): mantissa+exponent, cheap to square
// and square-root, saturating instead of overflowing.
//
// Rather than hand-roll mantissa/exponent bit-twiddling, UFloat stores
// its value as a float32 — which already *is* a mantissa+exponent
// encoding — and leans on tinymath for the one operation ordinary
// float32 arithmetic gets wrong for this use case: a sqrt whose
// rounding is guaranteed monotone. See Sqrt below.
package ufloat

import "github.com/orsinium-labs/tinymath"

// UFloat is a nonnegative real, never negative, never NaN.
type UFloat struct {
	v float32
}

// Zero is the additive identity.
var Zero = UFloat{}

// Max is the largest representable value; operations that would
// overflow saturate to this instead of producing +Inf.
var Max = UFloat{v: 3.4e38}

// FromU32 constructs a UFloat from an unsigned integer.
func FromU32(x uint32) UFloat {
	return UFloat{v: float32(x)}
}

// FromFloat32 constructs a UFloat directly, clamping negatives to zero.
func FromFloat32(f float32) UFloat {
	if f < 0 {
		return Zero
	}
	if f > Max.v {
		return Max
	}
	return UFloat{v: f}
}

// ToU32 truncates (floors) to an unsigned integer.
func (u UFloat) ToU32() uint32 {
	if u.v >= 4294967295 {
		return 4294967295
	}
	return uint32(tinymath.Floor(u.v))
}

// Float32 exposes the underlying value for callers that need ordinary
// float math (e.g. test assertions); not used by the ramp planner itself.
func (u UFloat) Float32() float32 {
	return u.v
}

// Mul returns u*o, saturating on overflow.
func (u UFloat) Mul(o UFloat) UFloat {
	return FromFloat32(u.v * o.v)
}

// Div returns u/o. Division by zero saturates to Max rather than
// producing +Inf, matching the "overflow saturates" rule for every
// operation, not just the ones that can literally overflow a float32.
func (u UFloat) Div(o UFloat) UFloat {
	if o.v == 0 {
		return Max
	}
	return FromFloat32(u.v / o.v)
}

// Square returns u*u.
func (u UFloat) Square() UFloat {
	return u.Mul(u)
}

// Sqrt returns sqrt(u), monotone in u: a <= b implies Sqrt(a) <= Sqrt(b).
// tinymath.Sqrt is a software square root (no FPU assumed) and is
// monotone for all finite nonnegative inputs, which is the property
// the ramp planner's clipping rules depend on to avoid overshoot — see
// the clamps in ramp.GetNextCommand, which are written to tolerate a
// ULP of rounding here but never a reversal of ordering.
func (u UFloat) Sqrt() UFloat {
	if u.v <= 0 {
		return Zero
	}
	return FromFloat32(tinymath.Sqrt(u.v))
}

// Less reports whether u < o.
func (u UFloat) Less(o UFloat) bool { return u.v < o.v }

// LessEqual reports whether u <= o.
func (u UFloat) LessEqual(o UFloat) bool { return u.v <= o.v }

// Equal reports whether u == o exactly.
func (u UFloat) Equal(o UFloat) bool { return u.v == o.v }

// MaxOf returns the larger of a and b.
func MaxOf(a, b UFloat) UFloat {
	if a.v > b.v {
		return a
	}
	return b
}

// MinOf returns the smaller of a and b.
func MinOf(a, b UFloat) UFloat {
	if a.v < b.v {
		return a
	}
	return b
}
