package jeebie

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/valerio/gbcore/jeebie/addr"
	"github.com/valerio/gbcore/jeebie/debug"
	"github.com/valerio/gbcore/jeebie/input/action"
	"github.com/valerio/gbcore/jeebie/memory"
	"github.com/valerio/gbcore/jeebie/timing"
	"github.com/valerio/gbcore/jeebie/video"
)

// ldbbOpcode is LD B,B (0x40), the headless stop-condition opcode of spec §6:
// test ROMs that want to signal "done" to a headless runner execute this as
// a deliberate, otherwise-pointless no-op self-load.
const ldbbOpcode = 0x40

// DebuggerState represents the current debugger mode.
type DebuggerState int

const (
	DebuggerRunning   DebuggerState = iota // Normal execution
	DebuggerPaused                         // Paused, waiting for commands
	DebuggerStep                           // Execute one instruction then pause
	DebuggerStepFrame                      // Execute one frame then pause
)

// DMG is the root struct and entry point for running the emulation. It wires
// together the CPU, GPU and MMU through a Bus and drives them one
// instruction at a time until a full frame has been produced.
type DMG struct {
	bus *Bus
	mem *memory.MMU

	limiter timing.Limiter

	debuggerState    DebuggerState
	debuggerMutex    sync.RWMutex
	stepRequested    bool
	frameRequested   bool
	instructionCount uint64
	frameCount       uint64

	completionMaxFrames    uint64
	completionMinLoopCount int
}

// New creates a DMG with no cartridge loaded.
func New() *DMG {
	return newDMG(memory.NewWithCartridge(memory.NewCartridge()))
}

// NewWithFile creates a DMG and loads the ROM file at path into it. Battery
// backed saves, if any, are loaded from the ROM's ".gbsave" sidecar file.
func NewWithFile(path string) (*DMG, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	slog.Debug("Loaded ROM data", "size", len(data))

	cart := memory.NewCartridgeWithData(data)
	cart.SetSavePath(memory.SavePathForROM(path))

	return newDMG(memory.NewWithCartridge(cart)), nil
}

// NewWithOptions behaves like NewWithFile but additionally supports an
// optional boot ROM image and CGB-mode toggle (spec §3, §6: boot ROMs are
// one of {NONE, DMG0, DMG, MGB}, identified by the caller; NONE means
// bootROMPath is empty and registers are seeded directly at 0x0100).
func NewWithOptions(romPath, bootROMPath string, cgbMode bool) (*DMG, error) {
	data, err := os.ReadFile(romPath)
	if err != nil {
		return nil, err
	}

	slog.Debug("Loaded ROM data", "size", len(data))

	cart := memory.NewCartridgeWithData(data)
	cart.SetSavePath(memory.SavePathForROM(romPath))

	mem := memory.NewWithCartridge(cart)
	mem.SetCGBMode(cgbMode)

	dmg := newDMG(mem)

	if bootROMPath != "" {
		bootData, err := os.ReadFile(bootROMPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load boot ROM: %w", err)
		}
		if len(bootData) != 256 {
			return nil, fmt.Errorf("boot ROM %q: expected 256 bytes, got %d", bootROMPath, len(bootData))
		}
		mem.LoadBootROM(bootData)
		dmg.bus.CPU.SetPC(0)
	}

	return dmg, nil
}

func newDMG(mem *memory.MMU) *DMG {
	return &DMG{
		bus:     NewBus(mem),
		mem:     mem,
		limiter: timing.NewNoOpLimiter(),
	}
}

// RunUntilFrame executes instructions until a full frame (70224 cycles) has
// been produced, honoring the debugger's paused/step/step-frame states.
func (d *DMG) RunUntilFrame() error {
	d.debuggerMutex.RLock()
	state := d.debuggerState
	d.debuggerMutex.RUnlock()

	switch state {
	case DebuggerPaused:
		return nil
	case DebuggerStep:
		d.debuggerMutex.Lock()
		requested := d.stepRequested
		d.stepRequested = false
		d.debuggerMutex.Unlock()

		if !requested {
			return nil
		}

		cycles := d.bus.TickInstruction()
		d.instructionCount++
		slog.Debug("Step executed", "cycles", cycles, "pc", fmt.Sprintf("0x%04X", d.bus.CPU.PC()))
		d.SetDebuggerState(DebuggerPaused)
		return nil
	case DebuggerStepFrame:
		d.debuggerMutex.Lock()
		requested := d.frameRequested
		d.frameRequested = false
		d.debuggerMutex.Unlock()

		if !requested {
			return nil
		}

		d.runFrame()
		slog.Debug("Frame step completed", "frame", d.frameCount, "instructions", d.instructionCount)
		d.SetDebuggerState(DebuggerPaused)
		return nil
	default:
		d.runFrame()
		d.limiter.WaitForNextFrame()
		return nil
	}
}

func (d *DMG) runFrame() {
	total := 0
	for total < timing.CyclesPerFrame {
		total += d.bus.TickInstruction()
		d.instructionCount++
	}
	d.frameCount++
	if d.frameCount%60 == 0 {
		slog.Debug("Frame completed", "frame", d.frameCount, "pc", fmt.Sprintf("0x%04X", d.bus.CPU.PC()))
	}
}

// GetCurrentFrame returns the most recently completed frame buffer.
func (d *DMG) GetCurrentFrame() *video.FrameBuffer {
	return d.bus.GPU.GetFrameBuffer()
}

// HandleAction maps a logical input action to joypad state or debugger commands.
func (d *DMG) HandleAction(act action.Action, pressed bool) {
	switch act {
	case action.GBButtonA:
		d.setKey(memory.JoypadA, pressed)
	case action.GBButtonB:
		d.setKey(memory.JoypadB, pressed)
	case action.GBButtonStart:
		d.setKey(memory.JoypadStart, pressed)
	case action.GBButtonSelect:
		d.setKey(memory.JoypadSelect, pressed)
	case action.GBDPadUp:
		d.setKey(memory.JoypadUp, pressed)
	case action.GBDPadDown:
		d.setKey(memory.JoypadDown, pressed)
	case action.GBDPadLeft:
		d.setKey(memory.JoypadLeft, pressed)
	case action.GBDPadRight:
		d.setKey(memory.JoypadRight, pressed)
	case action.EmulatorPauseToggle:
		if pressed {
			d.TogglePause()
		}
	case action.EmulatorStepFrame:
		if pressed {
			d.DebuggerStepFrame()
		}
	case action.EmulatorStepInstruction:
		if pressed {
			d.DebuggerStepInstruction()
		}
	}
}

func (d *DMG) setKey(key memory.JoypadKey, pressed bool) {
	if pressed {
		d.mem.HandleKeyPress(key)
	} else {
		d.mem.HandleKeyRelease(key)
	}
}

// ExtractDebugData snapshots CPU/memory/OAM/VRAM state for debug UIs. Returns
// nil if the DMG hasn't been fully constructed (e.g. the zero value).
func (d *DMG) ExtractDebugData() *debug.CompleteDebugData {
	if d.bus == nil || d.bus.CPU == nil || d.mem == nil {
		return nil
	}

	regs := d.bus.CPU.Registers()
	cpuState := &debug.CPUState{
		A: regs[0], F: regs[1], B: regs[2], C: regs[3],
		D: regs[4], E: regs[5], H: regs[6], L: regs[7],
		SP:     d.bus.CPU.SP(),
		PC:     d.bus.CPU.PC(),
		IME:    d.bus.CPU.IME(),
		Cycles: d.bus.CPU.Cycles(),
	}

	pc := d.bus.CPU.PC()
	snapshotStart := pc
	snapshotSize := 200
	if uint32(snapshotStart)+uint32(snapshotSize) > 0x10000 {
		snapshotSize = int(0x10000 - uint32(snapshotStart))
	}
	snapshotBytes := make([]uint8, snapshotSize)
	for i := range snapshotBytes {
		snapshotBytes[i] = d.mem.Read(snapshotStart + uint16(i))
	}

	spriteHeight := 8
	if d.mem.ReadBit(2, addr.LCDC) {
		spriteHeight = 16
	}
	currentLine := int(d.mem.Read(addr.LY))

	return &debug.CompleteDebugData{
		OAM:             debug.ExtractOAMData(d.mem, currentLine, spriteHeight),
		VRAM:            debug.ExtractVRAMData(d.mem),
		CPU:             cpuState,
		Memory:          &debug.MemorySnapshot{StartAddr: snapshotStart, Bytes: snapshotBytes},
		DebuggerState:   debug.DebuggerState(d.GetDebuggerState()),
		InterruptEnable: d.mem.Read(addr.IE),
		InterruptFlags:  d.mem.Read(addr.IF),
	}
}

// SetFrameLimiter installs the pacing strategy used between frames.
func (d *DMG) SetFrameLimiter(limiter timing.Limiter) {
	if limiter == nil {
		d.limiter = timing.NewNoOpLimiter()
		return
	}
	d.limiter = limiter
}

// ResetFrameTiming resets the frame limiter's internal clock.
func (d *DMG) ResetFrameTiming() {
	d.limiter.Reset()
}

// Persist writes battery-backed SRAM to its sidecar save file, if any.
func (d *DMG) Persist() error {
	return d.mem.Persist()
}

// GetMMU exposes the underlying memory unit, used by tools that need raw access.
func (d *DMG) GetMMU() *memory.MMU {
	return d.mem
}

// Debugger control methods.

func (d *DMG) SetDebuggerState(state DebuggerState) {
	d.debuggerMutex.Lock()
	defer d.debuggerMutex.Unlock()
	d.debuggerState = state
	slog.Debug("Debugger state changed", "state", state)
}

func (d *DMG) GetDebuggerState() DebuggerState {
	d.debuggerMutex.RLock()
	defer d.debuggerMutex.RUnlock()
	return d.debuggerState
}

func (d *DMG) TogglePause() {
	if d.GetDebuggerState() == DebuggerPaused {
		d.DebuggerResume()
	} else {
		d.DebuggerPause()
	}
}

func (d *DMG) DebuggerPause() {
	d.SetDebuggerState(DebuggerPaused)
	slog.Info("Emulator paused")
}

func (d *DMG) DebuggerResume() {
	d.SetDebuggerState(DebuggerRunning)
	slog.Info("Emulator resumed")
}

func (d *DMG) DebuggerStepInstruction() {
	d.debuggerMutex.Lock()
	defer d.debuggerMutex.Unlock()
	d.stepRequested = true
	d.debuggerState = DebuggerStep
	slog.Info("Step instruction requested")
}

func (d *DMG) DebuggerStepFrame() {
	d.debuggerMutex.Lock()
	defer d.debuggerMutex.Unlock()
	d.frameRequested = true
	d.debuggerState = DebuggerStepFrame
	slog.Info("Step frame requested")
}

func (d *DMG) GetInstructionCount() uint64 {
	return d.instructionCount
}

func (d *DMG) GetFrameCount() uint64 {
	return d.frameCount
}

// ConfigureCompletionDetection sets the bounds RunUntilComplete uses to
// recognize a finished test ROM: run at most maxFrames frames, and stop
// early once the program counter has sat on the same instruction across
// minLoopCount consecutive frames, since blargg-style test ROMs settle into
// a tight infinite loop once they've finished printing their result.
func (d *DMG) ConfigureCompletionDetection(maxFrames uint64, minLoopCount int) {
	d.completionMaxFrames = maxFrames
	d.completionMinLoopCount = minLoopCount
}

// RunUntilComplete runs frames until the completion-detection bounds
// configured via ConfigureCompletionDetection are met.
func (d *DMG) RunUntilComplete() {
	lastPC := d.bus.CPU.PC()
	loopCount := 0

	for d.frameCount < d.completionMaxFrames {
		d.runFrame()

		pc := d.bus.CPU.PC()
		if pc == lastPC {
			loopCount++
			if d.completionMinLoopCount > 0 && loopCount >= d.completionMinLoopCount {
				return
			}
		} else {
			loopCount = 0
			lastPC = pc
		}
	}
}

// RunUntilLDBB runs whole frames, so the framebuffer handed back is always
// complete, until either the CPU executes LD B,B (the LDBB headless stop
// condition of spec §6) or maxFrames is reached. Returns true if LD B,B was
// the reason execution stopped.
func (d *DMG) RunUntilLDBB(maxFrames uint64) bool {
	for d.frameCount < maxFrames {
		total := 0
		for total < timing.CyclesPerFrame {
			total += d.bus.TickInstruction()
			d.instructionCount++
			if d.bus.CPU.LastOpcode() == ldbbOpcode {
				d.frameCount++
				slog.Info("LDBB stop condition reached", "frame", d.frameCount, "pc", fmt.Sprintf("0x%04X", d.bus.CPU.PC()))
				return true
			}
		}
		d.frameCount++
	}
	return false
}

// RunUntilTimeout runs whole frames until the given wall-clock duration has
// elapsed, the TIMER(N) headless stop condition of spec §6.
func (d *DMG) RunUntilTimeout(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		d.runFrame()
	}
}
