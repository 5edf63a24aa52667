package timer

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sourcegraph/log"

	"github.com/sourcegraph/pintos-core/internal/irq"
)

// Calibrate finds the largest loop count whose busy_wait stays within a
// single tick period, mirroring original_source/src/devices/timer.c's
// timer_calibrate: a doubling search for the high bit, followed by a
// descending bit-by-bit refinement. Spec.md §4.3: "Calibration (run once
// at boot with interrupts enabled) finds the largest iteration count
// whose busy-wait stays within a single tick."
//
// Precondition: interrupts enabled (spec.md §4.3, §7 — calibration
// failure is a boot-time PANIC, not a recoverable error).
func (tm *Timer) Calibrate() {
	if tm.gate.GetLevel() != irq.LevelOn {
		panic(errors.AssertionFailedf("pintoscore: timer_calibrate called with interrupts disabled"))
	}

	loops := int64(1 << 10)
	for !tm.tooManyLoops(loops << 1) {
		loops <<= 1
		if loops == 0 {
			panic(errors.AssertionFailedf("pintoscore: timer_calibrate: loops_per_tick overflowed without finding a stable calibration"))
		}
	}

	highBit := loops
	for testBit := highBit >> 1; testBit != highBit>>10; testBit >>= 1 {
		if !tm.tooManyLoops(loops | testBit) {
			loops |= testBit
		}
	}

	tm.loopsPerTick = loops
	tm.logger.Info("timer calibrated",
		log.Int("loops_per_tick", int(loops)),
		log.Int("loops_per_second", int(loops*int64(tm.freq))))
}

// tooManyLoops reports whether busy-waiting for the given loop count would
// overrun a single tick period, measured against wall-clock time scaled
// by the configured frequency (the Go-runtime analogue of comparing
// against the real PIT-driven tick counter the original measures
// against).
func (tm *Timer) tooManyLoops(loops int64) bool {
	period := time.Second / time.Duration(tm.freq)
	start := time.Now()
	busyWait(loops)
	return time.Since(start) >= period
}

// busyWait spins loops times doing no useful work, the Go analogue of the
// original's NO_INLINE busy_wait + compiler barrier: a plain decrementing
// loop that the compiler cannot hoist away because each iteration's
// result feeds into the next (same effect as the original's `barrier()`).
func busyWait(loops int64) {
	var sink int64
	for loops > 0 {
		sink += loops & 1
		loops--
	}
	_ = sink
}

// LoopsPerTick reports the calibrated loop count, or 0 if Calibrate has
// not yet run.
func (tm *Timer) LoopsPerTick() int64 {
	return tm.loopsPerTick
}

// RealTimeSleep implements real_time_sleep(num, denom) (spec.md §4.3):
// sleeps for num/denom seconds, deferring to tick-granularity SleepUntil
// when that duration is at least one tick, otherwise performing a
// calibrated busy-wait for sub-tick precision.
func (tm *Timer) RealTimeSleep(num, denom int64) {
	ticksNeeded := num * int64(tm.freq) / denom
	if ticksNeeded >= 1 {
		tm.Sleep(ticksNeeded)
		return
	}

	tm.RealTimeDelay(num, denom)
}

// RealTimeDelay implements real_time_delay(num, denom): a busy-wait for
// sub-tick durations, scaled from the calibrated loops-per-tick rate.
// Precondition: Calibrate has already run (spec.md §7: calibration
// failure, or use before calibration, is a kernel bug).
func (tm *Timer) RealTimeDelay(num, denom int64) {
	if tm.loopsPerTick == 0 {
		panic(errors.AssertionFailedf("pintoscore: real_time_delay called before timer_calibrate"))
	}
	loops := tm.loopsPerTick * num * int64(tm.freq) / denom
	busyWait(loops)
}
