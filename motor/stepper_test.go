package motor

import (
	"sync"
	"testing"

	"steppulse/core"
)

// fakeGPIO is an in-memory GPIODriver good enough to drive and observe
// a Stepper's pins from a test, with no mocking library involved.
type fakeGPIO struct {
	mu    sync.Mutex
	level map[core.GPIOPin]bool
}

func newFakeGPIO() *fakeGPIO {
	return &fakeGPIO{level: map[core.GPIOPin]bool{}}
}

func (f *fakeGPIO) ConfigureOutput(pin core.GPIOPin) error         { return nil }
func (f *fakeGPIO) ConfigureInputPullUp(pin core.GPIOPin) error    { return nil }
func (f *fakeGPIO) ConfigureInputPullDown(pin core.GPIOPin) error  { return nil }
func (f *fakeGPIO) SetPin(pin core.GPIOPin, value bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.level[pin] = value
	return nil
}
func (f *fakeGPIO) GetPin(pin core.GPIOPin) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.level[pin], nil
}
func (f *fakeGPIO) ReadPin(pin core.GPIOPin) bool {
	v, _ := f.GetPin(pin)
	return v
}

func newTestStepper(t *testing.T) (*Stepper, *fakeGPIO) {
	t.Helper()
	core.SetTimerFrequency(16000000)
	gpio := newFakeGPIO()
	core.SetGPIODriver(gpio)
	s := New(core.GPIOPin(1))
	s.SetDirectionPin(core.GPIOPin(2), true)
	s.SetSpeed(100) // -> 1600 ticks at 16MHz
	s.SetAcceleration(1000)
	return s, gpio
}

// runToIdle drives Tick() and Refill() alternately until the ramp goes
// idle and the queue drains, as a real ISR+refill pairing would.
func runToIdle(t *testing.T, s *Stepper) {
	t.Helper()
	for i := 0; i < 2_000_000; i++ {
		if err := s.Refill(); err != nil {
			t.Fatalf("refill: %v", err)
		}
		s.Tick()
		if !s.r.IsActive() && s.q.IsEmpty() {
			return
		}
	}
	t.Fatal("stepper never reached idle")
}

func TestMoveToReachesExactPosition(t *testing.T) {
	s, _ := newTestStepper(t)
	if err := s.MoveTo(500); err != nil {
		t.Fatalf("MoveTo: %v", err)
	}
	runToIdle(t, s)
	if got := s.GetCurrentPosition(); got != 500 {
		t.Errorf("GetCurrentPosition = %d, want 500", got)
	}
	if got := s.GetPositionAfterCommandsCompleted(); got != 500 {
		t.Errorf("GetPositionAfterCommandsCompleted = %d, want 500", got)
	}
}

func TestMoveNegativeWithoutDirPinRejected(t *testing.T) {
	core.SetTimerFrequency(16000000)
	gpio := newFakeGPIO()
	core.SetGPIODriver(gpio)
	s := New(core.GPIOPin(1))
	s.SetSpeed(100)
	s.SetAcceleration(1000)

	if err := s.Move(-5); err != ErrNoDirectionPin {
		t.Fatalf("got %v, want ErrNoDirectionPin", err)
	}
}

func TestBackwardStepWithoutDirPinRejected(t *testing.T) {
	core.SetTimerFrequency(16000000)
	gpio := newFakeGPIO()
	core.SetGPIODriver(gpio)
	s := New(core.GPIOPin(1))

	if err := s.BackwardStep(false); err != ErrNoDirectionPin {
		t.Fatalf("got %v, want ErrNoDirectionPin", err)
	}
}

func TestForceStopAndNewPositionResets(t *testing.T) {
	s, _ := newTestStepper(t)
	if err := s.MoveTo(10000); err != nil {
		t.Fatalf("MoveTo: %v", err)
	}
	s.Tick()
	s.Tick()

	s.ForceStopAndNewPosition(42)

	if got := s.GetPositionAfterCommandsCompleted(); got != 42 {
		t.Errorf("PositionAfterCommandsCompleted = %d, want 42", got)
	}
	if got := s.GetCurrentPosition(); got != 42 {
		t.Errorf("CurrentPosition = %d, want 42", got)
	}
}

func TestAutoEnableAssertsPinBeforeFirstStep(t *testing.T) {
	s, gpio := newTestStepper(t)
	s.SetEnablePin(core.GPIOPin(3), true) // low-active
	s.SetAutoEnable(true)
	if err := s.SetDelayToEnable(2000); err != nil {
		t.Fatalf("SetDelayToEnable: %v", err)
	}

	if err := s.MoveTo(5); err != nil {
		t.Fatalf("MoveTo: %v", err)
	}

	if v, _ := gpio.GetPin(core.GPIOPin(3)); v {
		t.Error("expected low-active enable pin driven low (enabled)")
	}

	runToIdle(t, s)
	if got := s.GetCurrentPosition(); got != 5 {
		t.Errorf("GetCurrentPosition = %d, want 5", got)
	}
}

func TestSetCurrentPositionShiftsOrigin(t *testing.T) {
	s, _ := newTestStepper(t)
	if err := s.MoveTo(100); err != nil {
		t.Fatalf("MoveTo: %v", err)
	}
	runToIdle(t, s)

	s.SetCurrentPosition(0)
	if got := s.GetCurrentPosition(); got != 0 {
		t.Errorf("GetCurrentPosition = %d, want 0", got)
	}
	if got := s.GetPositionAfterCommandsCompleted(); got != 0 {
		t.Errorf("GetPositionAfterCommandsCompleted = %d, want 0", got)
	}
}

func TestRebindingEnablePinClearsPreviousPolarity(t *testing.T) {
	s, _ := newTestStepper(t)
	s.SetEnablePin(core.GPIOPin(3), true) // low-active on pin 3
	if !s.hasEnableLow || s.hasEnableHigh {
		t.Fatal("expected only low-active enable configured")
	}
	s.SetEnablePin(core.GPIOPin(3), false) // re-bind pin 3 high-active
	if s.hasEnableLow {
		t.Error("re-binding pin 3 to high-active should clear its low-active role")
	}
	if !s.hasEnableHigh || s.enableHighPin != core.GPIOPin(3) {
		t.Error("expected pin 3 now configured high-active")
	}
}
