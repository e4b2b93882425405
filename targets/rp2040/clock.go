//go:build tinygo

package main

import (
	"runtime/volatile"
	"unsafe"
)

// RP2040 Timer peripheral memory map: a free-running 1MHz microsecond
// counter with a 32-bit low word, read directly rather than through a
// TinyGo machine-package wrapper (the machine package exposes no
// microsecond tick reader for this chip).
const (
	timerBase    = 0x40054000
	timerRAWLOff = timerBase + 0x0C
)

var timerRAWL = (*volatile.Register32)(unsafe.Pointer(uintptr(timerRAWLOff)))

// GetHardwareTime reads the low 32 bits of the RP2040's 1MHz
// free-running counter.
func GetHardwareTime() uint32 {
	return timerRAWL.Get()
}
