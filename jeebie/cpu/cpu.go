package cpu

import (
	"github.com/valerio/gbcore/jeebie/addr"
)

// Flag is one of the 4 possible flags used in the flag register (high part of AF)
type Flag uint8

const (
	zeroFlag      Flag = 0x80
	subFlag       Flag = 0x40
	halfCarryFlag Flag = 0x20
	carryFlag     Flag = 0x10
)

// Bus is the minimal interface the CPU needs from whatever sits on the other
// side of the address/data lines. A *memory.MMU satisfies this directly.
type Bus interface {
	Read(address uint16) uint8
	Write(address uint16, value uint8)
	Tick(cycles int)
	RequestInterrupt(interrupt addr.Interrupt)
	ReadBit(index uint8, address uint16) bool
}

// CPU is the main struct holding Sharp LR35902 state.
type CPU struct {
	bus Bus

	a, b, c, d, e, f, h, l uint8
	sp, pc                 uint16

	currentOpcode uint16

	interruptsEnabled bool
	eiPending         bool

	halted  bool
	haltBug bool
	stopped bool

	doubleSpeed bool
	speedSwitch uint8

	cycles uint64
}

// New returns a CPU wired to the given bus, with registers seeded to the
// values found on real hardware right after the boot ROM hands off control.
func New(bus Bus) *CPU {
	return &CPU{
		bus: bus,
		a:   0x01,
		f:   0xB0,
		b:   0x00,
		c:   0x13,
		d:   0x00,
		e:   0xD8,
		h:   0x01,
		l:   0x4D,
		sp:  0xFFFE,
		pc:  0x0100,
	}
}

func (c *CPU) setFlag(flag Flag) {
	c.f |= uint8(flag)
}

func (c *CPU) resetFlag(flag Flag) {
	c.f &^= uint8(flag)
}

func (c *CPU) setFlagToCondition(flag Flag, condition bool) {
	if condition {
		c.setFlag(flag)
	} else {
		c.resetFlag(flag)
	}
}

func (c *CPU) isSetFlag(flag Flag) bool {
	return c.f&uint8(flag) != 0
}

// flagToBit returns 1 if the flag is set, 0 otherwise.
func (c *CPU) flagToBit(flag Flag) uint8 {
	if c.isSetFlag(flag) {
		return 1
	}
	return 0
}

func (c *CPU) getAF() uint16 {
	return uint16(c.a)<<8 | uint16(c.f&0xF0)
}

func (c *CPU) setAF(value uint16) {
	c.a = uint8(value >> 8)
	c.f = uint8(value) & 0xF0
}

func (c *CPU) getBC() uint16 {
	return uint16(c.b)<<8 | uint16(c.c)
}

func (c *CPU) setBC(value uint16) {
	c.b = uint8(value >> 8)
	c.c = uint8(value)
}

func (c *CPU) getDE() uint16 {
	return uint16(c.d)<<8 | uint16(c.e)
}

func (c *CPU) setDE(value uint16) {
	c.d = uint8(value >> 8)
	c.e = uint8(value)
}

func (c *CPU) getHL() uint16 {
	return uint16(c.h)<<8 | uint16(c.l)
}

func (c *CPU) setHL(value uint16) {
	c.h = uint8(value >> 8)
	c.l = uint8(value)
}

// readImmediate reads the byte at PC and advances PC past it.
func (c *CPU) readImmediate() uint8 {
	value := c.bus.Read(c.pc)
	c.pc++
	return value
}

// readSignedImmediate reads a signed byte operand, advancing PC past it.
func (c *CPU) readSignedImmediate() int8 {
	return int8(c.readImmediate())
}

// readImmediateWord reads a little-endian 16-bit operand, advancing PC past
// both bytes, low byte first.
func (c *CPU) readImmediateWord() uint16 {
	low := c.readImmediate()
	high := c.readImmediate()
	return uint16(high)<<8 | uint16(low)
}

// PC returns the current program counter. Used by debug tooling.
func (c *CPU) PC() uint16 {
	return c.pc
}

// SP returns the current stack pointer. Used by debug tooling.
func (c *CPU) SP() uint16 {
	return c.sp
}

// SetPC forces the program counter, used to rewind to 0x0000 when a boot
// ROM is installed (spec §3: "when a boot ROM is used, PC starts at 0").
func (c *CPU) SetPC(pc uint16) {
	c.pc = pc
}

// Registers returns a snapshot of the 8-bit registers in A,F,B,C,D,E,H,L order.
func (c *CPU) Registers() [8]uint8 {
	return [8]uint8{c.a, c.f, c.b, c.c, c.d, c.e, c.h, c.l}
}

// Cycles returns the total number of cycles this CPU has consumed since reset.
func (c *CPU) Cycles() uint64 {
	return c.cycles
}

// IsHalted reports whether the CPU is currently stopped on a HALT.
func (c *CPU) IsHalted() bool {
	return c.halted
}

// LastOpcode returns the opcode of the instruction most recently executed
// by Exec (CB-prefixed opcodes are returned as 0xCBxx). Used by the headless
// LDBB stop condition (spec §6), which watches for LD B,B (0x40).
func (c *CPU) LastOpcode() uint16 {
	return c.currentOpcode
}

// IME reports whether the interrupt master enable flag is currently set.
func (c *CPU) IME() bool {
	return c.interruptsEnabled
}

// IsDoubleSpeed reports whether a CGB double-speed switch is currently in effect.
// Components tied to the real-time dot clock (the PPU, the APU) tick at half the
// reported cycle count while this is true; the divider, timer and serial port do not.
func (c *CPU) IsDoubleSpeed() bool {
	return c.doubleSpeed
}

// interruptVectors gives the fixed priority order and dispatch vector for the
// 5 interrupt sources. Index 0 is the highest priority (VBlank).
var interruptVectors = [5]struct {
	mask   uint8
	vector uint16
}{
	{0x01, 0x40}, // VBlank
	{0x02, 0x48}, // LCD STAT
	{0x04, 0x50}, // Timer
	{0x08, 0x58}, // Serial
	{0x10, 0x60}, // Joypad
}

// handleInterrupts reports whether any enabled interrupt is pending, and (if
// IME is set) dispatches the single highest-priority one: it acks the IF bit,
// pushes PC, jumps to the fixed vector, and clears IME. It never mutates PC
// or IF when IME is off, even though it still reports a pending interrupt -
// that's what lets HALT notice the source without servicing it.
func (c *CPU) handleInterrupts() bool {
	ifReg := c.bus.Read(addr.IF)
	ieReg := c.bus.Read(addr.IE)
	pending := ifReg & ieReg & 0x1F

	if pending == 0 {
		return false
	}

	if !c.interruptsEnabled {
		return true
	}

	for _, iv := range interruptVectors {
		if pending&iv.mask != 0 {
			c.interruptsEnabled = false
			c.bus.Write(addr.IF, ifReg&^iv.mask)
			c.pushStack(c.pc)
			c.pc = iv.vector
			c.bus.Tick(20)
			c.cycles += 20
			break
		}
	}

	return true
}

// Exec decodes and runs a single instruction, handling the EI delay, pending
// interrupts and HALT/HALT-bug, and returns the number of cycles consumed.
func (c *CPU) Exec() int {
	cyclesBefore := c.cycles

	if c.stopped {
		// Real hardware wakes on a joypad edge regardless of IE/IME; the
		// register write that caused it already latched IF, so a plain read
		// is enough to notice it here.
		if c.bus.Read(addr.IF)&addr.JoypadInterrupt != 0 {
			c.stopped = false
		} else {
			c.bus.Tick(4)
			c.cycles += 4
			return int(c.cycles - cyclesBefore)
		}
	}

	if c.halted {
		imeBefore := c.interruptsEnabled
		interruptPending := c.handleInterrupts()
		if interruptPending {
			c.halted = false
			if !imeBefore {
				c.haltBug = true
			}
		} else {
			c.bus.Tick(4)
			c.cycles += 4
			return int(c.cycles - cyclesBefore)
		}
	} else {
		c.handleInterrupts()
	}

	// An EI executed by a previous instruction takes effect only once the
	// instruction that follows it has run.
	eiWasPending := c.eiPending

	opcode := Decode(c)
	advance := uint16(1)
	if c.currentOpcode > 0xFF {
		// CB-prefixed: the 0xCB byte and the selector byte both need to be
		// consumed, since opcodeCBMap entries never touch PC themselves.
		advance = 2
	}

	if c.haltBug {
		// the byte(s) at PC are executed again: the fetch that follows does
		// not advance PC this one time.
		c.haltBug = false
	} else {
		c.pc += advance
	}

	cycles := opcode(c)
	c.cycles += uint64(cycles)

	if eiWasPending && c.eiPending {
		c.eiPending = false
		c.interruptsEnabled = true
	}

	return int(c.cycles - cyclesBefore)
}
