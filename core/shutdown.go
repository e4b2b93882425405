package core

import "sync/atomic"

var (
	isShutdown    uint32
	shutdownCause string
)

// TryShutdown latches a firmware-wide fault. It is called by the scheduler
// when a timer fires too far behind real time (the MCU could not keep up
// with the requested step rate) so that code above the ISR layer can
// notice the fault. The targets/rp2040 main loop polls IsShutdown and
// dumps the timing ring once; engine.ManageSteppers does not check the
// latch and keeps refilling.
func TryShutdown(reason string) {
	atomic.StoreUint32(&isShutdown, 1)
	shutdownCause = reason
}

// IsShutdown reports whether a fault has been latched.
func IsShutdown() bool {
	return atomic.LoadUint32(&isShutdown) != 0
}

// ShutdownReason returns the reason passed to the triggering TryShutdown call.
func ShutdownReason() string {
	return shutdownCause
}

// ClearShutdown resets the fault latch. Exposed for tests and for a
// supervisor that has confirmed it is safe to resume.
func ClearShutdown() {
	atomic.StoreUint32(&isShutdown, 0)
	shutdownCause = ""
}
