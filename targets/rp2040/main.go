//go:build tinygo

package main

import (
	"machine"
	"time"

	"steppulse/config"
	"steppulse/core"
	"steppulse/engine"
)

// RPGPIODriver implements core.GPIODriver over TinyGo's machine
// package, tracking configured pins in a map so repeat Configure calls
// are idempotent.
type RPGPIODriver struct {
	configured map[core.GPIOPin]machine.Pin
}

func NewRPGPIODriver() *RPGPIODriver {
	return &RPGPIODriver{configured: make(map[core.GPIOPin]machine.Pin)}
}

func (d *RPGPIODriver) machinePin(pin core.GPIOPin) machine.Pin {
	if mp, ok := d.configured[pin]; ok {
		return mp
	}
	return machine.Pin(pin)
}

func (d *RPGPIODriver) ConfigureOutput(pin core.GPIOPin) error {
	mp := d.machinePin(pin)
	mp.Configure(machine.PinConfig{Mode: machine.PinOutput})
	d.configured[pin] = mp
	return nil
}

func (d *RPGPIODriver) ConfigureInputPullUp(pin core.GPIOPin) error {
	mp := d.machinePin(pin)
	mp.Configure(machine.PinConfig{Mode: machine.PinInputPullup})
	d.configured[pin] = mp
	return nil
}

func (d *RPGPIODriver) ConfigureInputPullDown(pin core.GPIOPin) error {
	mp := d.machinePin(pin)
	mp.Configure(machine.PinConfig{Mode: machine.PinInputPulldown})
	d.configured[pin] = mp
	return nil
}

func (d *RPGPIODriver) SetPin(pin core.GPIOPin, value bool) error {
	mp, ok := d.configured[pin]
	if !ok {
		if err := d.ConfigureOutput(pin); err != nil {
			return err
		}
		mp = d.configured[pin]
	}
	mp.Set(value)
	return nil
}

func (d *RPGPIODriver) GetPin(pin core.GPIOPin) (bool, error) {
	mp, ok := d.configured[pin]
	if !ok {
		return false, nil
	}
	return mp.Get(), nil
}

func (d *RPGPIODriver) ReadPin(pin core.GPIOPin) bool {
	v, _ := d.GetPin(pin)
	return v
}

// engineConfigJSON is the machine's wiring, compiled in for this
// illustrative build rather than read from a filesystem the RP2040
// doesn't have. A real deployment would embed this with go:embed or
// read it over the same channel standalone mode uses.
const engineConfigJSON = `{
	"max_stepper": 3,
	"manage_cadence_ms": 10,
	"debug_led_pin": 25,
	"motors": [
		{"step_pin": 2, "dir_pin": 3, "dir_high_counts_up": true,
		 "enable_low_pin": 4, "min_step_us": 100, "accel_steps_per_s2": 4000,
		 "auto_enable": true, "delay_to_enable_us": 2000, "delay_to_disable_ms": 5000},
		{"step_pin": 6, "dir_pin": 7, "dir_high_counts_up": true,
		 "enable_low_pin": 8, "min_step_us": 100, "accel_steps_per_s2": 4000,
		 "auto_enable": true, "delay_to_enable_us": 2000, "delay_to_disable_ms": 5000}
	]
}`

var eng *engine.Engine

// manageCadenceTicks is the configured manage_steppers period in timer ticks.
var manageCadenceTicks uint32

func main() {
	core.SetTimerFrequency(1000000)
	core.TimerInit()
	core.SetDebugWriter(func(s string) { println(s) })
	core.SetDebugEnabled(true)

	gpioDriver := NewRPGPIODriver()
	core.SetGPIODriver(gpioDriver)

	cfg, err := config.LoadEngineConfig([]byte(engineConfigJSON))
	if err != nil {
		fatalBlink(2)
	}

	eng = engine.New(cfg.MaxStepper)
	if cfg.DebugLEDPin != nil {
		eng.SetDebugLEDPin(core.GPIOPin(*cfg.DebugLEDPin))
	}

	for _, mc := range cfg.Motors {
		if err := mc.Validate(); err != nil {
			fatalBlink(3)
		}
		_, s, err := eng.ConnectToPin(core.GPIOPin(mc.StepPin))
		if err != nil {
			fatalBlink(4)
		}
		if mc.DirPin != nil {
			s.SetDirectionPin(core.GPIOPin(*mc.DirPin), mc.DirHighCountsUp)
		}
		if mc.EnableLowPin != nil {
			s.SetEnablePin(core.GPIOPin(*mc.EnableLowPin), true)
		}
		if mc.EnableHighPin != nil {
			s.SetEnablePin(core.GPIOPin(*mc.EnableHighPin), false)
		}
		s.SetSpeed(mc.MinStepUs)
		s.SetAcceleration(mc.AccelSteps)
		s.SetAutoEnable(mc.AutoEnable)
		if mc.AutoEnable {
			if err := s.SetDelayToEnable(mc.DelayToEnableUs); err != nil {
				fatalBlink(5)
			}
		}
		s.SetDelayToDisable(mc.DelayToDisableMs)
	}

	manageCadenceTicks = core.TimerFromUS(cfg.ManageCadenceMs * 1000)
	core.ScheduleTimer(&core.Timer{
		WakeTime: core.GetTime() + manageCadenceTicks,
		Handler:  manageSteppersTimer,
	})

	// Main loop: timer dispatch drives manage_steppers on its own
	// cadence; everything else (a host protocol, a command console)
	// would hang off this same loop alongside core.ProcessTimers.
	//
	// The timing-ring dump happens here, not inside TimerDispatch: that
	// function runs with interrupts disabled, and spawning or blocking
	// on output there is what used to crash this target (see the NOTE
	// in core/scheduler.go). Polling IsShutdown from ordinary loop
	// context keeps the dump off the ISR path entirely.
	shutdownDumped := false
	for {
		UpdateSystemTime()
		core.ProcessTimers()
		if core.IsShutdown() && !shutdownDumped {
			core.DebugPrintln("[FAULT] " + core.ShutdownReason())
			core.DumpTimingRing()
			shutdownDumped = true
		}
		time.Sleep(10 * time.Microsecond)
	}
}

// manageSteppersTimer is the free-running timer handler that drives
// engine.ManageSteppers at the configured cadence. TimerDispatch calls
// handlers with interrupts already disabled; manage_steppers' own
// critical sections (core.Atomically) nest safely inside that, so no
// extra re-enable/disable dance is needed here, unlike a target whose
// handler runs directly off a hardware IRQ rather than the cooperative
// dispatcher.
func manageSteppersTimer(t *core.Timer) uint8 {
	if err := eng.ManageSteppers(); err != nil {
		core.DebugPrintln("[ENGINE] manage_steppers reported an error")
	}
	t.WakeTime += manageCadenceTicks
	return core.SF_RESCHEDULE
}

func UpdateSystemTime() {
	core.SetTime(GetHardwareTime())
}

func fatalBlink(n int) {
	core.DumpTimingRing()

	led := machine.LED
	led.Configure(machine.PinConfig{Mode: machine.PinOutput})
	for {
		for i := 0; i < n; i++ {
			led.High()
			time.Sleep(150 * time.Millisecond)
			led.Low()
			time.Sleep(150 * time.Millisecond)
		}
		time.Sleep(600 * time.Millisecond)
	}
}
