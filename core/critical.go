package core

// Atomically runs fn with interrupts disabled (a no-op on regular Go,
// a real interrupt mask on TinyGo). Use it for the short, non-blocking
// reads/writes that must be seen as a coherent snapshot by both the
// ISR and the refill/foreground context — e.g. publishing the ramp
// generator's read-only config, or walking the queue for the current
// position. fn must not block. Nested calls are safe: each call
// restores the interrupt state it found on entry.
func Atomically(fn func()) {
	state := disableInterrupts()
	defer restoreInterrupts(state)
	fn()
}
