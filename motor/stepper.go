// Package motor implements the Stepper: one pulse-generating axis,
// gluing a ramp.Generator to a queue.Queue and owning the pins that
// actually move a motor (step, optional direction, optional enable).
package motor

import (
	"errors"

	"steppulse/core"
	"steppulse/queue"
	"steppulse/ramp"
)

var (
	ErrNoDirectionPin = errors.New("motor: negative motion requires a direction pin")
	ErrDelayTooLow    = errors.New("motor: enable delay below 1000us")
	ErrDelayTooHigh   = errors.New("motor: enable delay exceeds the maximum tick period")
	ErrRefillAborted  = errors.New("motor: refill aborted after a queue error")
)

// Stepper owns one axis: its command queue, ramp planner, and pins.
type Stepper struct {
	q *queue.Queue
	r *ramp.Generator

	stepPin  core.GPIOPin
	stepHigh bool

	hasDirPin       bool
	dirPin          core.GPIOPin
	dirHighCountsUp bool

	hasEnableLow  bool
	enableLowPin  core.GPIOPin
	hasEnableHigh bool
	enableHighPin core.GPIOPin
	outputsEnabled bool

	autoEnable         bool
	delayToEnableTicks uint32

	autoDisableEnabled     bool
	autoDisableReloadTicks uint32
	autoDisableCounter     uint32
}

// New returns a Stepper bound to stepPin, with no direction/enable pin
// and no auto-enable configured.
func New(stepPin core.GPIOPin) *Stepper {
	s := &Stepper{
		q:       queue.New(),
		r:       ramp.New(),
		stepPin: stepPin,
	}
	core.MustGPIO().ConfigureOutput(stepPin)
	return s
}

// SetDirectionPin binds the direction output. dirHighCountsUp records
// which pin level corresponds to the position counting up; the ISR
// path (Tick) is what actually applies this polarity, keeping the
// queue itself in pin-agnostic logical-direction space.
func (s *Stepper) SetDirectionPin(pin core.GPIOPin, dirHighCountsUp bool) {
	s.hasDirPin = true
	s.dirPin = pin
	s.dirHighCountsUp = dirHighCountsUp
	core.MustGPIO().ConfigureOutput(pin)
}

// SetEnablePin binds an enable output. lowActive selects which
// polarity this call configures; a motor may have both a low-active
// and a high-active enable pin. Re-binding the SAME pin number to the
// other polarity clears its previous role, since one physical pin
// cannot serve both roles at once.
func (s *Stepper) SetEnablePin(pin core.GPIOPin, lowActive bool) {
	if lowActive {
		if s.hasEnableHigh && s.enableHighPin == pin {
			s.hasEnableHigh = false
		}
		s.hasEnableLow = true
		s.enableLowPin = pin
	} else {
		if s.hasEnableLow && s.enableLowPin == pin {
			s.hasEnableLow = false
		}
		s.hasEnableHigh = true
		s.enableHighPin = pin
	}
	core.MustGPIO().ConfigureOutput(pin)
}

func (s *Stepper) enableOutputs() {
	if s.outputsEnabled {
		return
	}
	drv := core.MustGPIO()
	if s.hasEnableLow {
		drv.SetPin(s.enableLowPin, false)
	}
	if s.hasEnableHigh {
		drv.SetPin(s.enableHighPin, true)
	}
	s.outputsEnabled = true
}

func (s *Stepper) disableOutputs() {
	if !s.outputsEnabled {
		return
	}
	drv := core.MustGPIO()
	if s.hasEnableLow {
		drv.SetPin(s.enableLowPin, true)
	}
	if s.hasEnableHigh {
		drv.SetPin(s.enableHighPin, false)
	}
	s.outputsEnabled = false
}

// SetAutoEnable turns auto-enable/auto-disable on or off.
// Auto-disable additionally needs a nonzero SetDelayToDisable.
func (s *Stepper) SetAutoEnable(on bool) { s.autoEnable = on }

// SetDelayToEnable sets the on-delay, in microseconds, inserted as the
// first queued step's period the moment outputs are auto-enabled from
// rest. us must be at least 1000 and must not convert to more ticks
// than a single entry can hold.
func (s *Stepper) SetDelayToEnable(us uint32) error {
	if us < 1000 {
		return ErrDelayTooLow
	}
	ticks := core.TimerFromUS(us)
	if ticks > queue.AbsoluteMaxTicks {
		return ErrDelayTooHigh
	}
	s.delayToEnableTicks = ticks
	return nil
}

// SetDelayToDisable sets how long, in milliseconds, the motor must sit
// idle before auto-disable cuts outputs. The delay is counted in
// manage_steppers cycles at the nominal 10ms cadence, rounded up.
func (s *Stepper) SetDelayToDisable(ms uint32) {
	const manageCadenceMs = 10
	s.autoDisableEnabled = ms > 0
	s.autoDisableReloadTicks = (ms + manageCadenceMs - 1) / manageCadenceMs
}

func (s *Stepper) reloadAutoDisable() {
	s.autoDisableCounter = s.autoDisableReloadTicks
}

// CheckForAutoDisable decrements the auto-disable counter while the
// motor is at rest and cuts outputs once it reaches zero. Called once
// per manage_steppers cycle.
func (s *Stepper) CheckForAutoDisable() {
	if !s.autoEnable || !s.autoDisableEnabled || !s.outputsEnabled || s.q.IsRunning() {
		return
	}
	if s.autoDisableCounter == 0 {
		s.disableOutputs()
		return
	}
	s.autoDisableCounter--
	if s.autoDisableCounter == 0 {
		s.disableOutputs()
	}
}

// SetSpeed configures the speed cap (microsecond minimum step period).
func (s *Stepper) SetSpeed(minStepUs uint32) { s.r.SetSpeed(minStepUs) }

// SetAcceleration configures acceleration in steps/s^2.
func (s *Stepper) SetAcceleration(accel float64) { s.r.SetAcceleration(accel) }

// ApplySpeedAcceleration republishes speed/acceleration mid-ramp.
func (s *Stepper) ApplySpeedAcceleration() {
	s.r.ApplySpeedAcceleration(s.q.TicksAtQueueEnd())
}

// MoveTo commands an absolute target position and immediately attempts
// a refill, so the queue starts filling without waiting for the next
// management cycle.
func (s *Stepper) MoveTo(target int32) error {
	if err := s.r.MoveTo(target, s.q.PosAtQueueEnd(), s.q.TicksAtQueueEnd()); err != nil {
		return err
	}
	return s.Refill()
}

// Move commands delta steps from the planner's current baseline.
// Negative delta without a configured direction pin is rejected.
func (s *Stepper) Move(delta int32) error {
	if delta < 0 && !s.hasDirPin {
		return ErrNoDirectionPin
	}
	if err := s.r.Move(delta, s.q.PosAtQueueEnd(), s.q.TicksAtQueueEnd()); err != nil {
		return err
	}
	return s.Refill()
}

// KeepRunning enters free-run at the speed cap in the current
// direction.
func (s *Stepper) KeepRunning() error {
	s.r.SetKeepRunning()
	return s.Refill()
}

// StopMove requests a graceful decel-to-stop.
func (s *Stepper) StopMove() {
	s.r.InitiateStop()
}

// ForceStopAndNewPosition aborts the ramp, empties the queue, and
// redefines the current position as p.
func (s *Stepper) ForceStopAndNewPosition(p int32) {
	s.r.Abort()
	s.q.ForceStop()
	s.q.SetPosAtQueueEnd(p)
}

// GetPositionAfterCommandsCompleted returns the queue's tail position.
func (s *Stepper) GetPositionAfterCommandsCompleted() int32 {
	return s.q.PosAtQueueEnd()
}

// GetCurrentPosition returns the tail position minus every unexecuted
// signed step still in the queue: a snapshot taken under a brief
// interrupt-disabled critical section, then walked backwards from
// next_write_idx to read_idx.
func (s *Stepper) GetCurrentPosition() int32 {
	var snap queue.Snapshot
	core.Atomically(func() { snap = s.q.Snapshot() })

	pos := snap.PosAtQueueEnd
	dir := snap.DirAtQueueEnd
	for i := snap.WriteIdx; i != snap.ReadIdx; i-- {
		steps, flip := s.q.EntryAt(i - 1)
		if dir {
			pos -= int32(steps)
		} else {
			pos += int32(steps)
		}
		if flip {
			dir = !dir
		}
	}
	if snap.HasInFlight {
		if snap.InFlightDirUp {
			pos -= int32(snap.InFlightRemaining)
		} else {
			pos += int32(snap.InFlightRemaining)
		}
	}
	return pos
}

// SetPositionAfterCommandsCompleted shifts the coordinate origin:
// both the queue's tail position and the ramp's target move by the
// same delta, atomically.
func (s *Stepper) SetPositionAfterCommandsCompleted(p int32) {
	core.Atomically(func() {
		delta := p - s.q.PosAtQueueEnd()
		s.q.SetPosAtQueueEnd(p)
		s.r.AdvanceTargetPositionWithinInterruptDisabledScope(delta)
	})
}

// SetCurrentPosition redefines the motor's present position as p,
// shifting tail position and ramp target by the same delta computed
// against the walked-back current position.
func (s *Stepper) SetCurrentPosition(p int32) {
	delta := p - s.GetCurrentPosition()
	s.SetPositionAfterCommandsCompleted(s.q.PosAtQueueEnd() + delta)
}

// ForwardStep enqueues a single step at MIN_DELTA_TICKS if the motor
// is not already running. If blocking, it spins until the step has
// been emitted.
func (s *Stepper) ForwardStep(blocking bool) {
	s.singleStep(true, blocking)
}

// BackwardStep is ForwardStep in the negative direction; it requires a
// configured direction pin.
func (s *Stepper) BackwardStep(blocking bool) error {
	if !s.hasDirPin {
		return ErrNoDirectionPin
	}
	s.singleStep(false, blocking)
	return nil
}

func (s *Stepper) singleStep(up bool, blocking bool) {
	if s.q.IsRunning() {
		return
	}
	s.q.AddEntry(queue.MinDeltaTicks, 1, up)
	if blocking {
		for s.q.IsRunning() {
		}
	}
}

// Refill is the entry point the Engine calls at its manage cadence
// (and immediately after every user command): plan commands until the
// queue is comfortably ahead of schedule or the planner goes idle.
func (s *Stepper) Refill() error {
	lookahead := core.TimerFreq / 100
	for !s.q.IsFull() && !s.q.HasTicksInQueue(lookahead) {
		cmd, ok := s.r.GetNextCommand(s.q.TicksAtQueueEnd(), s.q.PosAtQueueEnd())
		if !ok {
			break
		}
		if cmd.HasSeed {
			s.q.SeedCurrentTicks(cmd.SeedTicks)
		}

		if done, err := s.enqueue(cmd); done {
			return err
		}
	}
	return nil
}

// enqueue adds cmd to the queue, splitting off a leading on-delay step
// and enabling outputs first if this transitions the queue from empty
// while auto-enable is armed. done is true when the refill loop must
// stop (queue full, or an unrecoverable enqueue error was hit).
func (s *Stepper) enqueue(cmd ramp.Command) (done bool, err error) {
	wasEmpty := s.q.IsEmpty()
	if wasEmpty && s.autoEnable && !s.outputsEnabled {
		s.enableOutputs()
		if s.delayToEnableTicks > 0 {
			leadSteps := cmd.Steps
			if leadSteps > 1 {
				leadSteps = 1
			}
			if stop, e := s.addEntry(s.delayToEnableTicks, leadSteps, cmd.CountUp); stop {
				return true, e
			}
			if cmd.Steps > leadSteps {
				return s.addEntry(cmd.Ticks, cmd.Steps-leadSteps, cmd.CountUp)
			}
			return false, nil
		}
	}
	return s.addEntry(cmd.Ticks, cmd.Steps, cmd.CountUp)
}

func (s *Stepper) addEntry(ticks uint32, steps uint8, countUp bool) (done bool, err error) {
	res, armed := s.q.AddEntry(ticks, steps, countUp)
	switch res {
	case queue.Ok:
		if armed {
			s.reloadAutoDisable()
		}
		core.RecordTiming(core.EvtEnqueue, 0, core.GetTime(), ticks, uint32(steps))
		return false, nil
	case queue.Full:
		return true, nil
	default:
		s.r.Abort()
		return true, ErrRefillAborted
	}
}

// Tick is the hardware/timer ISR entry point: called once per compare
// match. It drains one event from the queue, drives the step/dir pins,
// and returns the interval (in ticks) until the next call is due and
// whether the timer should stay armed.
func (s *Stepper) Tick() (intervalTicks uint32, armed bool) {
	ev := s.q.Step()
	if ev.FlipDirection && s.hasDirPin {
		level := ev.DirectionUp == s.dirHighCountsUp
		core.MustGPIO().SetPin(s.dirPin, level)
	}
	if ev.Step {
		s.stepHigh = !s.stepHigh
		core.MustGPIO().SetPin(s.stepPin, s.stepHigh)
	}
	if ev.Done {
		core.RecordTiming(core.EvtQueueDrain, 0, core.GetTime(), 0, 0)
		return 0, false
	}
	return ev.IntervalTicks, true
}
