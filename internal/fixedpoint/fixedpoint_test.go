package fixedpoint

import "testing"

func TestFromIntRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, -1, 63, -20, 1000} {
		if got := FromInt(n).ToIntTruncate(); got != n {
			t.Fatalf("FromInt(%d).ToIntTruncate() = %d", n, got)
		}
	}
}

func TestRoundHalfAwayFromZero(t *testing.T) {
	tests := []struct {
		raw  Value
		want int
	}{
		{FromInt(3), 3},
		{FromInt(3).AddInt(0), 3},
		{FromInt(1).Add(Value(f/2 - 1)), 1}, // just under half rounds down
		{FromInt(1).Add(Value(f / 2)), 2},
		{FromInt(1).Neg().Sub(Value(f / 2)), -2},
		{FromInt(-1).Add(Value(f / 2)), -1},
	}
	for _, tt := range tests {
		if got := tt.raw.ToIntRound(); got != tt.want {
			t.Fatalf("%v.ToIntRound() = %d, want %d", tt.raw, got, tt.want)
		}
	}
}

func TestArithmetic(t *testing.T) {
	a := FromInt(10)
	b := FromInt(4)

	if got := a.Add(b).ToIntRound(); got != 14 {
		t.Fatalf("Add = %d, want 14", got)
	}
	if got := a.Sub(b).ToIntRound(); got != 6 {
		t.Fatalf("Sub = %d, want 6", got)
	}
	if got := a.Mul(b).ToIntRound(); got != 40 {
		t.Fatalf("Mul = %d, want 40", got)
	}
	if got := a.Div(b).ToIntRound(); got != 3 { // 2.5 rounds away from zero
		t.Fatalf("Div = %d, want 3", got)
	}
	if got := a.MulInt(3).ToIntRound(); got != 30 {
		t.Fatalf("MulInt = %d, want 30", got)
	}
	if got := a.DivInt(2).ToIntRound(); got != 5 {
		t.Fatalf("DivInt = %d, want 5", got)
	}
}

func TestLoadAvgStepStaysNonNegative(t *testing.T) {
	loadAvg := FromInt(0)
	readyCount := 1
	fiftyNineSixtieths := FromInt(59).Div(FromInt(60))
	oneSixtieth := FromInt(1).Div(FromInt(60))

	for i := 0; i < 100; i++ {
		loadAvg = fiftyNineSixtieths.Mul(loadAvg).Add(oneSixtieth.MulInt(readyCount))
		if loadAvg < 0 {
			t.Fatalf("load_avg went negative at step %d: %v", i, loadAvg)
		}
	}
}
