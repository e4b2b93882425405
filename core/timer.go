package core

// TimerFreq is the free-running counter's tick rate, 12MHz by default.
// It's a var rather than a const because the ramp planner's formulas
// (ticks_per_s/1000, ticks_per_s/100) need to track whatever
// crystal/PLL configuration a given target actually runs, and tests
// exercise other rates (e.g. 16MHz) directly.
var TimerFreq uint32 = 12000000

var (
	systemTicks uint32
	bootTime    uint64 // Time at boot for uptime calculation
)

// SetTimerFrequency configures the tick rate. Call once during
// platform init, before any TimerFromUS/TimerToUS conversion.
func SetTimerFrequency(hz uint32) {
	TimerFreq = hz
}

// GetTime returns the current system time in timer ticks
func GetTime() uint32 {
	return getSystemTicks()
}

// SetTime sets the current system time (for testing/hardware integration)
func SetTime(ticks uint32) {
	setSystemTicks(ticks)
}

// GetUptime returns 64-bit uptime in timer ticks
func GetUptime() uint64 {
	// In a real implementation with hardware this would read a 64-bit
	// counter; the free-running counter here wraps at 32 bits.
	return uint64(GetTime())
}

// TimerFromUS converts microseconds to timer ticks
func TimerFromUS(us uint32) uint32 {
	return uint32(uint64(us) * uint64(TimerFreq) / 1000000)
}

// TimerToUS converts timer ticks to microseconds
func TimerToUS(ticks uint32) uint32 {
	return uint32(uint64(ticks) * 1000000 / uint64(TimerFreq))
}

// TimerInit initializes the system timer
func TimerInit() {
	// Platform-specific initialization
	// This will be implemented differently for each target
	bootTime = uint64(GetTime())
}

// ProcessTimers processes scheduled timers
func ProcessTimers() {
	currentTime = GetTime()
	TimerDispatch()
}
