// Package ramp implements the trapezoidal velocity planner that decides
// what the next batch of queued steps should look like: how many, how
// far apart, in which direction. It reads the command queue's
// tail-state (package queue) on every refill and emits zero or one
// Command, walking a small direction/phase state machine (Idle ->
// Accelerate -> Coast -> Decelerate(ToStop) -> Idle) as it goes.
//
// Planning is done in upm_float (package ufloat) rather than float64
// so the same code runs on an FPU-less target.
package ramp

import (
	"errors"

	"steppulse/core"
	"steppulse/queue"
	"steppulse/ufloat"
)

// Phase is where a motor sits in the accelerate/coast/decelerate cycle.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseAccelerate
	PhaseDecelerate
	PhaseCoast
	PhaseDecelerateToStop
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseAccelerate:
		return "Accelerate"
	case PhaseDecelerate:
		return "Decelerate"
	case PhaseCoast:
		return "Coast"
	case PhaseDecelerateToStop:
		return "DecelerateToStop"
	default:
		return "Unknown"
	}
}

// Direction is the motor's current direction of travel.
type Direction int8

const (
	DirNone Direction = 0
	DirDown Direction = -1
	DirUp   Direction = 1
)

// State is the generator's (direction, phase) pair.
type State struct {
	Dir   Direction
	Phase Phase
}

// IsActive reports whether the generator is producing anything at all.
func (s State) IsActive() bool { return s.Phase != PhaseIdle }

// Command is one planned batch of steps sharing a period.
//
// SeedTicks/HasSeed carry the "first step off rest" special case: when
// set, the caller must overwrite the queue's in-flight period with
// SeedTicks (queue.Queue.SeedCurrentTicks) before or alongside
// enqueuing Command itself, so the ISR doesn't spend one more tick
// coasting on a stale period computed before acceleration began.
type Command struct {
	Ticks     uint32
	Steps     uint8
	CountUp   bool
	SeedTicks uint32
	HasSeed   bool
}

var (
	ErrStopOngoing    = errors.New("ramp: decelerating to stop, move rejected")
	ErrSpeedUndefined = errors.New("ramp: speed not configured")
	ErrAccelUndefined = errors.New("ramp: acceleration not configured")
)

// readOnly is the snapshot published to the refill path under a
// critical section (_ro in the data model).
type readOnly struct {
	targetPos      int32
	minTravelTicks uint32
	invAccel2      ufloat.UFloat
	forceStop      bool
}

// Generator is one motor's ramp planner. Zero value is idle and
// unconfigured; construct with New.
type Generator struct {
	// Producer-owned configuration (_config). Mutated only by
	// SetSpeed/SetAcceleration, read only by recomputeRampSteps and
	// the publish helpers below.
	minTravelTicks uint32
	invAccel2      ufloat.UFloat
	rampSteps      uint32
	speedDefined   bool
	accelDefined   bool

	// Published read-only snapshot (_ro), accessed by both the
	// producer (publishConfig, InitiateStop, AdvanceTargetPosition...)
	// and the refill path under core.Atomically.
	ro readOnly

	// Refill-context-only state (_rw). Never touched outside a
	// refill/foreground call; no critical section needed around it.
	state                State
	performedRampUpSteps uint32
	keepRunning          bool
}

// New returns an idle, unconfigured generator.
func New() *Generator {
	return &Generator{}
}

// State returns the current (direction, phase) pair.
func (g *Generator) State() State { return g.state }

// IsActive reports whether the generator is currently producing motion.
func (g *Generator) IsActive() bool { return g.state.IsActive() }

// RampSteps returns the steps needed to reach the configured speed cap
// from rest, for diagnostic/UI purposes.
func (g *Generator) RampSteps() uint32 { return g.rampSteps }

// SetSpeed configures the speed cap. A zero minStepUs is ignored,
// matching the "0 means leave it alone" convention callers use to
// change only acceleration.
func (g *Generator) SetSpeed(minStepUs uint32) {
	if minStepUs == 0 {
		return
	}
	ticks := core.TimerFromUS(minStepUs)
	if ticks < queue.MinDeltaTicks {
		ticks = queue.MinDeltaTicks
	}
	g.minTravelTicks = ticks
	g.speedDefined = true
	g.recomputeRampSteps()
}

// SetAcceleration configures acceleration in steps/s^2. A zero accel
// is ignored.
func (g *Generator) SetAcceleration(accel float64) {
	if accel == 0 {
		return
	}
	ticksPerSec := float64(core.TimerFreq)
	inv := ticksPerSec * ticksPerSec / (2 * accel)
	g.invAccel2 = ufloat.FromFloat32(float32(inv))
	g.accelDefined = true
	g.recomputeRampSteps()
}

// recomputeRampSteps derives the steps-to-reach-cap-from-rest figure:
// solving sqrt(invAccel2/rampSteps) == minTravelTicks for rampSteps.
func (g *Generator) recomputeRampSteps() {
	if !g.speedDefined || !g.accelDefined || g.minTravelTicks == 0 {
		return
	}
	denom := ufloat.FromU32(g.minTravelTicks).Square()
	g.rampSteps = g.invAccel2.Div(denom).ToU32()
}

// publishConfig copies the producer-owned config into _ro and
// recomputes performed_ramp_up_steps from the current tail period, all
// under one critical section so refill never observes a config/counter
// pair that doesn't belong together.
func (g *Generator) publishConfig(ticksAtQueueEnd uint32) {
	if ticksAtQueueEnd == 0 {
		ticksAtQueueEnd = queue.TicksForStoppedMotor
	}
	denom := ufloat.FromU32(ticksAtQueueEnd).Square()
	core.Atomically(func() {
		g.ro.minTravelTicks = g.minTravelTicks
		g.ro.invAccel2 = g.invAccel2
		g.performedRampUpSteps = g.invAccel2.Div(denom).ToU32()
	})
}

// ApplySpeedAcceleration republishes the producer-owned config into the
// refill-visible snapshot and re-seeds performed_ramp_up_steps so a
// speed/accel change mid-ramp is absorbed without restarting the curve.
func (g *Generator) ApplySpeedAcceleration(ticksAtQueueEnd uint32) {
	g.publishConfig(ticksAtQueueEnd)
}

// MoveTo commands the generator toward an absolute target position.
// posAtQueueEnd/ticksAtQueueEnd are the queue's current tail-state,
// used both as the move's baseline (when the generator is idle or in
// free-run) and to republish config/reseed the ramp the same way
// ApplySpeedAcceleration does.
func (g *Generator) MoveTo(target int32, posAtQueueEnd int32, ticksAtQueueEnd uint32) error {
	if g.state.Phase == PhaseDecelerateToStop {
		return ErrStopOngoing
	}
	if !g.speedDefined {
		return ErrSpeedUndefined
	}
	if !g.accelDefined {
		return ErrAccelUndefined
	}

	baseline := posAtQueueEnd
	if g.state.IsActive() && !g.keepRunning {
		baseline = g.ro.targetPos
	}
	delta := target - baseline
	if delta == 0 {
		return nil
	}

	g.publishConfig(ticksAtQueueEnd)
	g.keepRunning = false
	startingFromIdle := !g.state.IsActive()
	core.Atomically(func() {
		g.ro.targetPos = target
		if startingFromIdle {
			g.ro.forceStop = false
		}
	})

	if startingFromIdle {
		dir := DirDown
		if delta > 0 {
			dir = DirUp
		}
		g.state = State{Dir: dir, Phase: PhaseAccelerate}
		g.performedRampUpSteps = 0
	}
	return nil
}

// Move commands the generator delta steps from the same baseline
// MoveTo would use.
func (g *Generator) Move(delta int32, posAtQueueEnd int32, ticksAtQueueEnd uint32) error {
	baseline := posAtQueueEnd
	if g.state.IsActive() && !g.keepRunning {
		baseline = g.ro.targetPos
	}
	return g.MoveTo(baseline+delta, posAtQueueEnd, ticksAtQueueEnd)
}

// SetKeepRunning enters free-run: the planner ignores target position
// and holds the current direction at the speed cap until InitiateStop
// or Abort clears it. Only meaningful while already moving; calling it
// from Idle has nothing to preserve a direction from.
func (g *Generator) SetKeepRunning() {
	g.keepRunning = true
}

// InitiateStop requests a graceful decel-to-stop. Published under a
// critical section since the refill path that observes it may itself
// run from interrupt context on some targets.
func (g *Generator) InitiateStop() {
	core.Atomically(func() {
		g.ro.forceStop = true
	})
	core.RecordTiming(core.EvtForceStop, 0, core.GetTime(), 0, 0)
}

// Abort slams the state machine to Idle immediately, with no decel.
func (g *Generator) Abort() {
	g.state = State{Dir: DirNone, Phase: PhaseIdle}
	g.keepRunning = false
	core.Atomically(func() {
		g.ro.forceStop = false
	})
}

// AdvanceTargetPositionWithinInterruptDisabledScope shifts the target
// position without recomputing any ramp state, for callers that
// reinterpret the coordinate origin out from under an in-progress move.
func (g *Generator) AdvanceTargetPositionWithinInterruptDisabledScope(delta int32) {
	core.Atomically(func() {
		g.ro.targetPos += delta
	})
}

// GetNextCommand plans the next batch of steps given the queue's
// current tail-state. It returns ok == false iff the generator is
// Idle.
func (g *Generator) GetNextCommand(ticksAtQueueEnd uint32, posAtQueueEnd int32) (cmd Command, ok bool) {
	if g.state.Phase == PhaseIdle {
		return Command{}, false
	}
	if ticksAtQueueEnd == 0 {
		ticksAtQueueEnd = queue.TicksForStoppedMotor
	}

	var ro readOnly
	core.Atomically(func() { ro = g.ro })

	var remainingSteps uint32
	var needCountUp bool
	if g.keepRunning {
		remainingSteps = 0xFFFFFFF
		needCountUp = g.state.Dir == DirUp
	} else {
		delta := ro.targetPos - posAtQueueEnd
		if delta == 0 {
			g.state = State{Dir: DirNone, Phase: PhaseIdle}
			return Command{}, false
		}
		needCountUp = delta > 0
		if delta < 0 {
			remainingSteps = uint32(-delta)
		} else {
			remainingSteps = uint32(delta)
		}
	}

	currentUp := g.state.Dir == DirUp
	reversal := g.state.Dir != DirNone && needCountUp != currentUp
	priorPhase := g.state.Phase

	var phase Phase
	switch {
	case ro.forceStop:
		phase = PhaseDecelerateToStop
		remainingSteps = g.performedRampUpSteps
		g.keepRunning = false
	case reversal:
		phase = PhaseDecelerateToStop
		remainingSteps = g.performedRampUpSteps
	case remainingSteps <= g.performedRampUpSteps:
		phase = PhaseDecelerateToStop
	default:
		switch {
		case ro.minTravelTicks < ticksAtQueueEnd:
			phase = PhaseAccelerate
		case ro.minTravelTicks > ticksAtQueueEnd:
			phase = PhaseDecelerate
		default:
			phase = PhaseCoast
		}
	}

	// Step 4: planning_steps, about one ms of motion per command while
	// the period is below 1ms, exactly one step per command once the
	// period is 1ms or longer.
	ticksPerMs := core.TimerFreq / 1000
	planningSteps := ticksPerMs / ticksAtQueueEnd
	if planningSteps < 1 {
		planningSteps = 1
	}
	if phase == PhaseCoast {
		cap := remainingSteps - g.performedRampUpSteps
		if planningSteps > cap {
			planningSteps = cap
		}
		if planningSteps < 1 {
			planningSteps = 1
		}
	}

	var nextTicks uint32
	seedCurrent := false
	var seedTicks uint32

	switch phase {
	case PhaseCoast:
		nextTicks = ro.minTravelTicks

	case PhaseAccelerate:
		rem := g.performedRampUpSteps + planningSteps
		d := sqrtTicks(ro.invAccel2, rem)
		nextTicks = d
		if nextTicks < ro.minTravelTicks {
			nextTicks = ro.minTravelTicks
		}
		if g.performedRampUpSteps == 0 {
			// First step off rest: seed the in-flight period too, or
			// the ISR would still be coasting on the stopped-motor
			// sentinel period for one more tick. Seed with d itself,
			// before the speed-cap clamp above.
			seedCurrent = true
			seedTicks = d
		} else if nextTicks > ticksAtQueueEnd {
			nextTicks = ticksAtQueueEnd
		}

	case PhaseDecelerate:
		rem := g.performedRampUpSteps
		if planningSteps < rem {
			rem -= planningSteps
		} else {
			rem = 1
		}
		d := sqrtTicks(ro.invAccel2, rem)
		if d < ro.minTravelTicks {
			nextTicks = d
		} else {
			nextTicks = ro.minTravelTicks
		}
		if nextTicks < ticksAtQueueEnd {
			nextTicks = ticksAtQueueEnd
		}

	case PhaseDecelerateToStop:
		var rem uint32
		if planningSteps < remainingSteps {
			rem = remainingSteps - planningSteps
		} else {
			rem = 1
		}
		if rem == 0 {
			rem = 1
		}
		d := sqrtTicks(ro.invAccel2, rem)
		if d > ro.minTravelTicks {
			nextTicks = d
		} else {
			nextTicks = ro.minTravelTicks
		}
		if nextTicks < ticksAtQueueEnd {
			nextTicks = ticksAtQueueEnd
		}
	}

	if nextTicks > queue.AbsoluteMaxTicks {
		nextTicks = queue.AbsoluteMaxTicks
	}

	maxSteps := remainingSteps
	if maxSteps > queue.MaxStepsPerEntry {
		maxSteps = queue.MaxStepsPerEntry
	}
	steps := planningSteps
	if steps > maxSteps {
		steps = maxSteps
	}
	if steps < 1 {
		steps = 1
	}

	switch phase {
	case PhaseAccelerate:
		g.performedRampUpSteps += steps
	case PhaseDecelerate, PhaseDecelerateToStop:
		if steps > g.performedRampUpSteps {
			g.performedRampUpSteps = 0
		} else {
			g.performedRampUpSteps -= steps
		}
	}

	if steps == remainingSteps {
		if reversal {
			newDir := DirDown
			if needCountUp {
				newDir = DirUp
			}
			g.state = State{Dir: newDir, Phase: PhaseAccelerate}
			g.performedRampUpSteps = 0
		} else {
			g.state = State{Dir: DirNone, Phase: PhaseIdle}
		}
	} else {
		g.state.Phase = phase
	}

	if g.state.Phase != priorPhase {
		core.RecordTiming(core.EvtPhaseChange, 0, core.GetTime(), uint32(priorPhase), uint32(g.state.Phase))
	}
	core.RecordTiming(core.EvtRefill, 0, core.GetTime(), nextTicks, uint32(steps))

	// currentUp, not needCountUp: during a reversal this batch is still
	// decelerating the OLD direction to a stop. The new direction only
	// takes effect once g.state flips above, on a later call.
	cmd = Command{Ticks: nextTicks, Steps: uint8(steps), CountUp: currentUp}
	if seedCurrent {
		cmd.HasSeed = true
		cmd.SeedTicks = seedTicks
	}
	return cmd, true
}

// sqrtTicks computes sqrt(invAccel2/n) in ticks, saturating rather
// than dividing by zero.
func sqrtTicks(invAccel2 ufloat.UFloat, n uint32) uint32 {
	if n == 0 {
		n = 1
	}
	return invAccel2.Div(ufloat.FromU32(n)).Sqrt().ToU32()
}
