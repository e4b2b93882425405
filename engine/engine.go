// Package engine implements the Engine: a fixed-capacity registry of
// Steppers and the periodic ManageSteppers driver that refills every
// motor's queue and checks its auto-disable timeout.
package engine

import (
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"steppulse/core"
	"steppulse/motor"
)

// Handle identifies a connected Stepper within an Engine.
type Handle int

// Engine owns a fixed-capacity pool of Steppers.
type Engine struct {
	steppers []*motor.Stepper
	pins     []core.GPIOPin
	bound    []bool

	hasDebugLED    bool
	debugLEDPin    core.GPIOPin
	debugLEDLevel  bool
	manageCount    uint32
	debugLEDPeriod uint32 // manage_steppers calls per toggle
}

// New returns an Engine with room for maxStepper motors.
func New(maxStepper int) *Engine {
	return &Engine{
		steppers:       make([]*motor.Stepper, maxStepper),
		pins:           make([]core.GPIOPin, maxStepper),
		bound:          make([]bool, maxStepper),
		debugLEDPeriod: 100,
	}
}

// SetDebugLEDPin arranges for manage_steppers to toggle pin roughly
// once a second (every debugLEDPeriod calls, at the assumed ~10ms
// cadence).
func (e *Engine) SetDebugLEDPin(pin core.GPIOPin) {
	e.hasDebugLED = true
	e.debugLEDPin = pin
	core.MustGPIO().ConfigureOutput(pin)
}

// ConnectToPin assigns the next free slot to a new Stepper driving
// stepPin, rejecting both duplicate pins and a full registry.
func (e *Engine) ConnectToPin(stepPin core.GPIOPin) (Handle, *motor.Stepper, error) {
	for i, bound := range e.bound {
		if bound && e.pins[i] == stepPin {
			return -1, nil, errors.Errorf("engine: pin %d already connected to slot %d", stepPin, i)
		}
	}
	for i, bound := range e.bound {
		if !bound {
			s := motor.New(stepPin)
			e.steppers[i] = s
			e.pins[i] = stepPin
			e.bound[i] = true
			return Handle(i), s, nil
		}
	}
	return -1, nil, errors.Errorf("engine: no free slot for pin %d (MAX_STEPPER=%d)", stepPin, len(e.steppers))
}

// Stepper returns the Stepper bound to h, or nil if h is not connected.
func (e *Engine) Stepper(h Handle) *motor.Stepper {
	if int(h) < 0 || int(h) >= len(e.steppers) || !e.bound[h] {
		return nil
	}
	return e.steppers[h]
}

// ManageSteppers refills every connected stepper's queue, checks its
// auto-disable timeout, and toggles the debug LED if configured. It is
// meant to be invoked at a fixed ~10ms cadence by a background task or
// timer overflow handler. Per-stepper refill errors are aggregated
// into a single returned error so one bad motor never hides another's
// failure, but never stops the sweep early.
func (e *Engine) ManageSteppers() error {
	var errs error
	for i, bound := range e.bound {
		if !bound {
			continue
		}
		s := e.steppers[i]
		if err := s.Refill(); err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "stepper slot %d", i))
		}
		s.CheckForAutoDisable()
	}

	if e.hasDebugLED {
		e.manageCount++
		if e.manageCount >= e.debugLEDPeriod {
			e.manageCount = 0
			e.debugLEDLevel = !e.debugLEDLevel
			core.MustGPIO().SetPin(e.debugLEDPin, e.debugLEDLevel)
		}
	}

	return errs
}
