// Package fixedpoint implements the signed 17.14 fixed-point arithmetic
// used by the MLFQS scheduler policy to compute recent_cpu and load_avg
// without touching floating point in the kernel.
package fixedpoint

// fractionalBits is the number of bits below the binary point (the "14" in
// 17.14).
const fractionalBits = 14

// f is the fixed-point unit: 1 in real terms is 1<<fractionalBits in raw
// form.
const f = 1 << fractionalBits

// Value is a signed 17.14 fixed-point number stored in the low 31 bits of
// an int32, following Pintos' convention.
type Value int32

// FromInt converts an integer to fixed-point.
func FromInt(n int) Value {
	return Value(n * f)
}

// ToIntTruncate converts to an integer, rounding toward zero.
func (v Value) ToIntTruncate() int {
	return int(v) / f
}

// ToIntRound converts to an integer, rounding to nearest with ties away
// from zero, as required by spec.md's fixed-point round-half-away-from-zero
// rule.
func (v Value) ToIntRound() int {
	if v >= 0 {
		return int(v+f/2) / f
	}
	return int(v-f/2) / f
}

// Add returns v + other.
func (v Value) Add(other Value) Value {
	return v + other
}

// AddInt returns v + n.
func (v Value) AddInt(n int) Value {
	return v + Value(n*f)
}

// Sub returns v - other.
func (v Value) Sub(other Value) Value {
	return v - other
}

// SubInt returns v - n.
func (v Value) SubInt(n int) Value {
	return v - Value(n*f)
}

// Mul returns v * other.
func (v Value) Mul(other Value) Value {
	return Value((int64(v) * int64(other)) / f)
}

// MulInt returns v * n.
func (v Value) MulInt(n int) Value {
	return v * Value(n)
}

// Div returns v / other.
func (v Value) Div(other Value) Value {
	return Value((int64(v) * f) / int64(other))
}

// DivInt returns v / n.
func (v Value) DivInt(n int) Value {
	return v / Value(n)
}

// Neg returns -v.
func (v Value) Neg() Value {
	return -v
}
