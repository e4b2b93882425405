// Package queue implements the stepper command queue: a bounded
// single-producer/single-consumer ring of step "runs" that the ramp
// planner (package ramp) fills from foreground/refill context and a
// timer ISR drains at pulse rate, toggling a hardware output once per
// step.
package queue

import "sync/atomic"

// Capacity is the ring size. Power of two so index wraparound is a
// mask.
const Capacity = 32

const indexMask = Capacity - 1

// Tick bounds an accepted entry must satisfy.
const (
	MinDeltaTicks    = 8          // smallest legal inter-step period
	AbsoluteMaxTicks = 0x3FFFFFFF // largest legal inter-step period

	// TicksForStoppedMotor is the sentinel published as TicksAtQueueEnd
	// while the queue is empty. It is deliberately far larger than any
	// legal period so that the ramp planner's "periods only shrink
	// while accelerating" / "only grow while decelerating" clips do not
	// spuriously trigger against a stopped motor's last period.
	TicksForStoppedMotor = 0xFFFFFFFF

	// MaxStepsPerEntry is the largest step count a single entry may
	// carry (fits the 7 bits the step count shares with the direction
	// toggle flag).
	MaxStepsPerEntry = 127

	// ArmDeadlineTicks is the first-compare lead time used when arming
	// a disarmed timer: always far enough in the future to guarantee
	// it hasn't already elapsed by the time it's programmed.
	ArmDeadlineTicks = 40
)

// Result is returned by AddEntry.
type Result uint8

const (
	Ok Result = iota
	Full
	StepsError
	TooHigh
)

func (r Result) String() string {
	switch r {
	case Ok:
		return "Ok"
	case Full:
		return "Full"
	case StepsError:
		return "StepsError"
	case TooHigh:
		return "TooHigh"
	default:
		return "Unknown"
	}
}

type entry struct {
	ticks   uint32
	steps   uint8 // 1..127
	dirFlip bool  // flip direction pin before this entry's first step
}

// Queue is one motor's command queue. Zero value is not ready to use;
// construct with New.
type Queue struct {
	entries [Capacity]entry

	// readIdx is ISR-owned: only the consumer (Step) advances it.
	readIdx atomic.Uint32
	// writeIdx is producer-owned: only AddEntry/ForceStop advance it.
	writeIdx atomic.Uint32

	// Tail-state, producer-owned (written and read only by the
	// producer; the ISR never touches these).
	posAtQueueEnd   int32
	dirAtQueueEnd   bool // true = counting up
	ticksAtQueueEnd uint32

	// ISR-owned in-flight entry state.
	armed         atomic.Bool
	isRunning     atomic.Bool
	hasCurrent    atomic.Bool
	curTicks      atomic.Uint32
	curRemaining  atomic.Uint32 // steps left in the in-flight entry
	curDirUp      atomic.Bool
	curFlipNeeded atomic.Bool // pending direction-pin flip for the in-flight entry
}

// New returns an empty, disarmed queue with the motor positioned at 0.
func New() *Queue {
	q := &Queue{}
	q.ticksAtQueueEnd = TicksForStoppedMotor
	return q
}

// IsFull reports whether the ring has no room for another entry.
func (q *Queue) IsFull() bool {
	return q.writeIdx.Load()-q.readIdx.Load() >= Capacity
}

// IsEmpty reports whether every enqueued entry has been fully stepped.
func (q *Queue) IsEmpty() bool {
	return q.writeIdx.Load() == q.readIdx.Load() && !q.hasCurrent.Load()
}

// IsRunning reports whether the ISR is actively emitting pulses.
func (q *Queue) IsRunning() bool {
	return q.isRunning.Load()
}

// PosAtQueueEnd returns the position the motor will be at once every
// queued step has executed. Producer-context only.
func (q *Queue) PosAtQueueEnd() int32 { return q.posAtQueueEnd }

// DirAtQueueEnd returns the projected direction after the queue drains.
func (q *Queue) DirAtQueueEnd() bool { return q.dirAtQueueEnd }

// TicksAtQueueEnd returns the period of the last enqueued entry, or
// TicksForStoppedMotor if the queue is empty.
func (q *Queue) TicksAtQueueEnd() uint32 { return q.ticksAtQueueEnd }

// AddEntry enqueues a run of steps sharing one inter-step period.
// dirUp is the absolute direction this run advances the motor in; the
// queue derives the direction-pin-toggle flag itself by comparing it
// against DirAtQueueEnd. armed reports whether this call transitioned
// the queue from empty to non-empty — callers must, in that case,
// schedule their hardware/software timer for GetTime()+ArmDeadlineTicks.
func (q *Queue) AddEntry(deltaTicks uint32, steps uint8, dirUp bool) (res Result, armed bool) {
	if steps == 0 || steps > MaxStepsPerEntry {
		return StepsError, false
	}
	if deltaTicks < MinDeltaTicks || deltaTicks > AbsoluteMaxTicks {
		return TooHigh, false
	}
	if q.IsFull() {
		return Full, false
	}

	wasEmpty := q.IsEmpty()

	toggle := dirUp != q.dirAtQueueEnd

	wi := q.writeIdx.Load()
	q.entries[wi&indexMask] = entry{ticks: deltaTicks, steps: steps, dirFlip: toggle}

	if dirUp {
		q.posAtQueueEnd += int32(steps)
	} else {
		q.posAtQueueEnd -= int32(steps)
	}
	q.dirAtQueueEnd = dirUp
	q.ticksAtQueueEnd = deltaTicks

	q.writeIdx.Store(wi + 1)

	if wasEmpty {
		q.isRunning.Store(true)
		q.armed.Store(true)
		return Ok, true
	}
	return Ok, false
}

// HasTicksInQueue reports whether the total unexecuted time already
// queued — the in-flight entry's remainder plus every not-yet-started
// entry — is at least threshold ticks. The planner uses this to stop
// refilling once it is comfortably ahead of the ISR.
func (q *Queue) HasTicksInQueue(threshold uint32) bool {
	return q.unexecutedTicks() >= uint64(threshold)
}

func (q *Queue) unexecutedTicks() uint64 {
	var total uint64
	if q.hasCurrent.Load() {
		total += uint64(q.curRemaining.Load()) * uint64(q.curTicks.Load())
	}
	ri := q.readIdx.Load()
	wi := q.writeIdx.Load()
	for i := ri; i != wi; i++ {
		e := q.entries[i&indexMask]
		total += uint64(e.ticks) * uint64(e.steps)
	}
	return total
}

// ForceStop disarms the ISR, discards queue contents and marks the
// motor stopped. The caller is responsible for publishing a new
// PosAtQueueEnd afterwards (SetPosAtQueueEnd) if the motor's logical
// position should be redefined.
func (q *Queue) ForceStop() {
	q.armed.Store(false)
	q.isRunning.Store(false)
	q.hasCurrent.Store(false)
	q.curRemaining.Store(0)
	ri := q.readIdx.Load()
	q.writeIdx.Store(ri) // drop every queued-but-not-started entry
	q.ticksAtQueueEnd = TicksForStoppedMotor
}

// SetPosAtQueueEnd overwrites the producer-side tail position. Used
// after ForceStop to redefine the origin.
func (q *Queue) SetPosAtQueueEnd(p int32) { q.posAtQueueEnd = p }

// SetDirAtQueueEnd overwrites the producer-side tail direction.
func (q *Queue) SetDirAtQueueEnd(up bool) { q.dirAtQueueEnd = up }

// SeedCurrentTicks overwrites the period of the in-flight entry the
// ISR is presently consuming. It is a no-op if nothing is in flight.
// The ramp planner uses this the instant a motor leaves rest: without
// it the ISR would step once more at whatever period the queue was
// last seeded with (TicksForStoppedMotor's neighbourhood) before the
// newly planned acceleration curve takes effect.
func (q *Queue) SeedCurrentTicks(ticks uint32) {
	if q.hasCurrent.Load() {
		q.curTicks.Store(ticks)
	}
}

// StepEvent is what the ISR does on one timer firing.
type StepEvent struct {
	Step          bool   // toggle the step output now
	FlipDirection bool   // set the direction pin before the toggle above
	DirectionUp   bool   // the value to set the direction pin to, when FlipDirection
	IntervalTicks uint32 // ticks until the next Step() call; meaningless if Done
	Done          bool   // queue drained: disarm the hardware timer
}

// Step is the consumer (ISR) entry point: called once per timer
// compare match. It must never block and must not touch any
// producer-owned field.
func (q *Queue) Step() StepEvent {
	if !q.armed.Load() {
		return StepEvent{Done: true}
	}

	if !q.hasCurrent.Load() {
		if !q.loadNext() {
			q.armed.Store(false)
			q.isRunning.Store(false)
			return StepEvent{Done: true}
		}
	}

	ev := StepEvent{Step: true}
	if q.curFlipNeeded.Load() {
		ev.FlipDirection = true
		ev.DirectionUp = q.curDirUp.Load()
		q.curFlipNeeded.Store(false)
	}

	remaining := q.curRemaining.Load() - 1
	q.curRemaining.Store(remaining)
	if remaining > 0 {
		ev.IntervalTicks = q.curTicks.Load()
		return ev
	}

	// This entry is exhausted. Load the next one now so the interval
	// returned is the one that actually governs the gap before the
	// next Step() call, not the one that just finished.
	q.hasCurrent.Store(false)
	if !q.loadNext() {
		q.armed.Store(false)
		q.isRunning.Store(false)
		ev.Done = true
		return ev
	}
	ev.IntervalTicks = q.curTicks.Load()
	return ev
}

// loadNext dequeues the next entry into the in-flight state. Returns
// false if the ring is empty.
func (q *Queue) loadNext() bool {
	ri := q.readIdx.Load()
	if ri == q.writeIdx.Load() {
		return false
	}
	e := q.entries[ri&indexMask]
	q.readIdx.Store(ri + 1)

	q.curTicks.Store(e.ticks)
	q.curRemaining.Store(uint32(e.steps))
	if e.dirFlip {
		q.curDirUp.Store(!q.curDirUp.Load())
	}
	q.curFlipNeeded.Store(e.dirFlip)
	q.hasCurrent.Store(true)
	return true
}

// Snapshot captures every field the position walk-back needs in one
// coherent read. Callers (package motor) take it inside a critical
// section so the {readIdx, in-flight remainder} pair isn't torn
// against an ISR that is mid-decrement.
type Snapshot struct {
	PosAtQueueEnd     int32
	DirAtQueueEnd     bool
	ReadIdx           uint32
	WriteIdx          uint32
	InFlightRemaining uint32
	InFlightDirUp     bool
	HasInFlight       bool
}

// Snapshot reads the current tail-state and ring indices.
func (q *Queue) Snapshot() Snapshot {
	return Snapshot{
		PosAtQueueEnd:     q.posAtQueueEnd,
		DirAtQueueEnd:     q.dirAtQueueEnd,
		ReadIdx:           q.readIdx.Load(),
		WriteIdx:          q.writeIdx.Load(),
		InFlightRemaining: q.curRemaining.Load(),
		InFlightDirUp:     q.curDirUp.Load(),
		HasInFlight:       q.hasCurrent.Load(),
	}
}

// EntryAt returns the steps and direction-flip flag for the entry at
// ring index i (caller-provided, typically in [ReadIdx, WriteIdx) from
// a prior Snapshot).
func (q *Queue) EntryAt(i uint32) (steps uint8, dirFlip bool) {
	e := q.entries[i&indexMask]
	return e.steps, e.dirFlip
}
