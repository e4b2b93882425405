package engine

import (
	"testing"

	"steppulse/core"
)

type fakeGPIO struct {
	level map[core.GPIOPin]bool
}

func newFakeGPIO() *fakeGPIO { return &fakeGPIO{level: map[core.GPIOPin]bool{}} }

func (f *fakeGPIO) ConfigureOutput(pin core.GPIOPin) error        { return nil }
func (f *fakeGPIO) ConfigureInputPullUp(pin core.GPIOPin) error   { return nil }
func (f *fakeGPIO) ConfigureInputPullDown(pin core.GPIOPin) error { return nil }
func (f *fakeGPIO) SetPin(pin core.GPIOPin, value bool) error {
	f.level[pin] = value
	return nil
}
func (f *fakeGPIO) GetPin(pin core.GPIOPin) (bool, error) { return f.level[pin], nil }
func (f *fakeGPIO) ReadPin(pin core.GPIOPin) bool         { v, _ := f.GetPin(pin); return v }

func TestConnectToPinAssignsFreeSlots(t *testing.T) {
	core.SetGPIODriver(newFakeGPIO())
	e := New(2)

	h0, s0, err := e.ConnectToPin(core.GPIOPin(1))
	if err != nil {
		t.Fatalf("connect pin 1: %v", err)
	}
	if s0 == nil {
		t.Fatal("expected non-nil stepper")
	}

	_, _, err = e.ConnectToPin(core.GPIOPin(2))
	if err != nil {
		t.Fatalf("connect pin 2: %v", err)
	}

	if _, _, err := e.ConnectToPin(core.GPIOPin(3)); err == nil {
		t.Error("expected an error connecting a third pin past MAX_STEPPER=2")
	}

	if e.Stepper(h0) != s0 {
		t.Error("Stepper(h0) did not return the stepper ConnectToPin returned")
	}
}

func TestConnectToPinRejectsDuplicates(t *testing.T) {
	core.SetGPIODriver(newFakeGPIO())
	e := New(4)

	if _, _, err := e.ConnectToPin(core.GPIOPin(5)); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	if _, _, err := e.ConnectToPin(core.GPIOPin(5)); err == nil {
		t.Error("expected an error reconnecting the same pin")
	}
}

func TestManageSteppersRefillsEveryConnectedMotor(t *testing.T) {
	core.SetTimerFrequency(16000000)
	core.SetGPIODriver(newFakeGPIO())
	e := New(2)

	_, s0, _ := e.ConnectToPin(core.GPIOPin(1))
	s0.SetSpeed(100)
	s0.SetAcceleration(1000)
	if err := s0.MoveTo(1000); err != nil {
		t.Fatalf("MoveTo: %v", err)
	}

	if err := e.ManageSteppers(); err != nil {
		t.Fatalf("ManageSteppers: %v", err)
	}
	if s0.GetPositionAfterCommandsCompleted() == 0 {
		t.Error("expected the connected stepper's queue to have been refilled")
	}
}

func TestDebugLEDTogglesAfterConfiguredPeriod(t *testing.T) {
	core.SetTimerFrequency(16000000)
	gpio := newFakeGPIO()
	core.SetGPIODriver(gpio)
	e := New(1)
	e.SetDebugLEDPin(core.GPIOPin(9))
	e.debugLEDPeriod = 3

	for i := 0; i < 3; i++ {
		e.ManageSteppers()
	}
	if v, _ := gpio.GetPin(core.GPIOPin(9)); !v {
		t.Error("expected debug LED to have toggled on after debugLEDPeriod calls")
	}
}
