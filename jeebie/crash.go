package jeebie

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// CrashError is the structured crash record raised when a fatal invariant is
// violated during emulation (an out-of-range decoder index, an unreachable
// arithmetic branch, PC advanced beyond the bus). Unlike construction errors
// (cartridge/header/boot ROM load) and runtime diagnostics (unknown I/O,
// unknown MBC type, which are logged at warn and otherwise ignored), a fatal
// invariant stops the emulation thread; CrashError is what the driver loop
// hands back to the UI instead of letting the process die uncontrolled.
type CrashError struct {
	Reason string
	PC     uint16
	Stack  []byte
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("emulator crashed at PC=0x%04X: %s", e.PC, e.Reason)
}

// recoverCrash converts a panic into a *CrashError and assigns it to target,
// capturing the CPU's program counter at the time of the panic along with a
// backtrace. Call it directly from a deferred statement so recover() sees
// the panic. Battery-backed SRAM is deliberately not persisted on this path:
// per spec, partial state is flushed on normal close but not from a crashed
// thread.
func recoverCrash(emu Emulator, target *error) {
	r := recover()
	if r == nil {
		return
	}

	var pc uint16
	if dmg, ok := emu.(*DMG); ok && dmg.bus != nil && dmg.bus.CPU != nil {
		pc = dmg.bus.CPU.PC()
	}

	stack := debug.Stack()
	slog.Error("emulator crashed", "reason", r, "pc", fmt.Sprintf("0x%04X", pc))

	*target = &CrashError{
		Reason: fmt.Sprintf("%v", r),
		PC:     pc,
		Stack:  stack,
	}
}
