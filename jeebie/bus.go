package jeebie

import (
	"github.com/valerio/gbcore/jeebie/addr"
	"github.com/valerio/gbcore/jeebie/cpu"
	"github.com/valerio/gbcore/jeebie/memory"
	"github.com/valerio/gbcore/jeebie/video"
)

// BusInterface defines the interface for component communication
type BusInterface interface {
	Read(address uint16) byte
	Write(address uint16, value byte)
	RequestInterrupt(interrupt addr.Interrupt)
}

// Bus provides centralized component communication
type Bus struct {
	CPU *cpu.CPU
	MMU *memory.MMU
	GPU *video.GPU
}

// NewBus wires a CPU and GPU to the given memory unit, ready to run.
func NewBus(mem *memory.MMU) *Bus {
	bus := &Bus{MMU: mem}
	bus.CPU = cpu.New(bus)
	bus.GPU = video.NewGpu(mem)
	return bus
}

func (b *Bus) Read(address uint16) byte {
	return b.MMU.Read(address)
}

func (b *Bus) Write(address uint16, value byte) {
	b.MMU.Write(address, value)
}

// Tick advances components by the given number of cycles
// Called by opcodes during execution for precise timer/serial timing
func (b *Bus) Tick(cycles int) {
	b.MMU.Tick(cycles)
}

// TickInstruction executes one CPU instruction and ticks all components
// Returns the number of cycles consumed
func (b *Bus) TickInstruction() int {
	cycles := b.CPU.Exec()

	// The PPU and APU are tied to the real-time dot clock, not the CPU clock:
	// in CGB double-speed mode the CPU ticks twice as many cycles for the same
	// wall-clock time, so halve what reaches them to keep their timing correct.
	dotCycles := cycles
	if b.CPU.IsDoubleSpeed() {
		dotCycles /= 2
	}
	b.GPU.Tick(dotCycles)
	b.MMU.APU.Tick(dotCycles)

	return cycles
}

func (b *Bus) RequestInterrupt(interrupt addr.Interrupt) {
	b.MMU.RequestInterrupt(interrupt)
}

func (b *Bus) ReadBit(index uint8, address uint16) bool {
	return b.MMU.ReadBit(index, address)
}
