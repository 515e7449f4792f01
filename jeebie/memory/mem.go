package memory

import (
	"fmt"
	"log/slog"

	"github.com/valerio/gbcore/jeebie/addr"
	"github.com/valerio/gbcore/jeebie/audio"
	"github.com/valerio/gbcore/jeebie/bit"
	"github.com/valerio/gbcore/jeebie/dma"
	"github.com/valerio/gbcore/jeebie/serial"
)

type memRegion uint8

const (
	regionROM memRegion = iota
	regionVRAM
	regionExtRAM
	regionWRAM
	regionEcho
	regionOAM
	regionUnused
	regionIO
	regionHRAM
)

// JoypadKey represents a key on the Gameboy joypad
type JoypadKey uint8

const (
	JoypadRight JoypadKey = iota
	JoypadLeft
	JoypadUp
	JoypadDown
	JoypadA
	JoypadB
	JoypadSelect
	JoypadStart
)

// SerialPort is the minimal interface for a serial device connected to SB/SC.
// Implementations MUST only accept reads/writes to addr.SB and addr.SC.
type SerialPort interface {
	Write(address uint16, value byte)
	Read(address uint16) byte
	Tick(cycles int)
	Reset()
}

// MMU allows access to all memory mapped I/O and data/registers
type MMU struct {
	cart      *Cartridge
	mbc       MBC
	memory    []byte
	APU       *audio.APU
	regionMap [256]memRegion

	joypadButtons uint8 // Actual state of buttons A/B/Start/Select, mapped to low bits of P1
	joypadDpad    uint8 // Actual state of d-pad directions, mapped to low bits of P1

	serial SerialPort
	timer  Timer

	// CGB support. cgbMode gates all of the below: on a DMG cartridge these
	// registers read back as fixed values and the extra banks are unreachable.
	cgbMode bool

	vramBank  uint8 // 0 or 1, selected via VBK (0xFF4F)
	vramBank1 [0x2000]byte

	wramBank  uint8 // 1-7 (0 reads back as 1), selected via SVBK (0xFF70)
	wramExtra [6][0x1000]byte // banks 2-7; bank 1 lives in the base memory array

	key1 uint8 // KEY1 (0xFF4D): bit 0 arms a speed switch, bit 7 mirrors it

	bgPalette  [64]byte // BCPS/BCPD-addressed background color RAM
	objPalette [64]byte // OCPS/OCPD-addressed object color RAM
	bgpIndex   uint8
	objpIndex  uint8

	bootROM        []byte
	bootROMEnabled bool

	oamDMA  dma.OAM
	vramDMA dma.VRAM
}

// New creates a new memory unity with default data, i.e. nothing cartridge loaded.
// Equivalent to turning on a Gameboy without a cartridge in.
func New() *MMU {
	mmu := &MMU{
		memory:        make([]byte, 0x10000),
		cart:          NewCartridge(),
		APU:           audio.New(),
		joypadButtons: 0x0F,
		joypadDpad:    0x0F,
	}
	mmu.serial = serial.NewLogSink(func() { mmu.RequestInterrupt(addr.SerialInterrupt) })
	mmu.timer.TimerInterruptHandler = func() { mmu.RequestInterrupt(addr.TimerInterrupt) }
	initRegionMap(mmu)
	return mmu
}

// Tick advances any i/o that needs it, if any.
func (m *MMU) Tick(cycles int) {
	m.timer.Tick(cycles)
	if m.serial != nil {
		m.serial.Tick(cycles)
	}
	m.oamDMA.Tick(cycles, m.rawRead, m.rawWrite)
}

// rawRead/rawWrite are the byte accessors handed to the DMA engines: rawRead
// goes through Read, rawWrite stores directly into the backing array.
func (m *MMU) rawRead(address uint16) uint8 {
	return m.Read(address)
}

func (m *MMU) rawWrite(address uint16, value uint8) {
	m.memory[address] = value
}

// StepHBlankDMA runs one block of an active HBlank-mode VRAM-DMA transfer.
// The GPU calls this each time it enters HBlank.
func (m *MMU) StepHBlankDMA() {
	m.vramDMA.RunHBlankBlock(m.rawRead, m.rawVRAMWrite)
}

func (m *MMU) rawVRAMWrite(address uint16, value uint8) {
	if m.cgbMode && m.vramBank == 1 {
		m.vramBank1[address-0x8000] = value
		return
	}
	m.memory[address] = value
}

// SetTimerSeed initializes the internal timer divider seed and DIV register.
func (m *MMU) SetTimerSeed(seed uint16) {
	m.timer.SetSeed(seed)
}

// SetCGBMode enables the CGB-only register and memory-banking behavior.
func (m *MMU) SetCGBMode(enabled bool) {
	m.cgbMode = enabled
}

// CGBMode reports whether CGB-only features are active.
func (m *MMU) CGBMode() bool {
	return m.cgbMode
}

// ReadVRAMBank reads VRAM at the given address from an explicit bank (0 or
// 1), independent of the bank currently selected through VBK. The PPU needs
// this because CGB tile map bytes always live in bank 0 while the parallel
// attribute byte at the same address lives in bank 1, regardless of what the
// CPU last wrote to VBK.
func (m *MMU) ReadVRAMBank(bank uint8, address uint16) byte {
	if bank == 1 && m.cgbMode {
		return m.vramBank1[address-0x8000]
	}
	return m.memory[address]
}

// expand5to8 scales a 5-bit CGB color channel to 8 bits the way real
// hardware's DAC does: c8 = (c5<<3)|(c5>>2).
func expand5to8(c5 uint8) uint8 {
	return (c5 << 3) | (c5 >> 2)
}

// cramColor decodes one of the 8 palettes x 4 colors stored in a 64-byte CGB
// color RAM bank into a 24-bit RGB value packed as RRGGBBAA (alpha always
// 0xFF), matching the FrameBuffer's pixel format.
func cramColor(cram [64]byte, palette, color uint8) uint32 {
	base := (int(palette&0x7)*4 + int(color&0x3)) * 2
	word := uint16(cram[base]) | uint16(cram[base+1])<<8
	r := expand5to8(uint8(word & 0x1F))
	g := expand5to8(uint8((word >> 5) & 0x1F))
	b := expand5to8(uint8((word >> 10) & 0x1F))
	return uint32(r)<<24 | uint32(g)<<16 | uint32(b)<<8 | 0xFF
}

// BGColorRGB resolves a background/window CGB color index through the
// selected background palette (0-7) into 24-bit RGB.
func (m *MMU) BGColorRGB(palette, color uint8) uint32 {
	return cramColor(m.bgPalette, palette, color)
}

// OBJColorRGB resolves a sprite CGB color index through the selected object
// palette (0-7) into 24-bit RGB.
func (m *MMU) OBJColorRGB(palette, color uint8) uint32 {
	return cramColor(m.objPalette, palette, color)
}

// LoadBootROM installs a boot image to be served from 0x0000 until the game
// disables it by writing to addr.BOOT (0xFF50). Pass nil to boot straight
// into the cartridge.
func (m *MMU) LoadBootROM(data []byte) {
	if len(data) == 0 {
		m.bootROM = nil
		m.bootROMEnabled = false
		return
	}
	m.bootROM = data
	m.bootROMEnabled = true
}

// NewWithCartridge creates a new memory unit with the provided cartridge data loaded.
// Equivalent to turning on a Gameboy with a cartridge in.
func NewWithCartridge(cart *Cartridge) *MMU {
	mmu := New()
	mmu.cart = cart

	switch cart.mbcType {
	case NoMBCType:
		mmu.mbc = NewNoMBC(cart.data)
	case MBC1Type:
		mmu.mbc = NewMBC1(cart.data, cart.hasBattery, cart.ramBankCount)
	case MBC1MultiType:
		mmu.mbc = NewMBC1(cart.data, cart.hasBattery, cart.ramBankCount) // FIXME: add support for multicart
	case MBC2Type:
		mmu.mbc = NewMBC2(cart.data, cart.hasBattery)
	case MBC3Type:
		mmu.mbc = NewMBC3(cart.data, cart.hasBattery, cart.hasRTC, cart.ramBankCount)
	case MBC5Type:
		mmu.mbc = NewMBC5(cart.data, cart.hasBattery, cart.hasRumble, cart.ramBankCount)
	default:
		slog.Warn("unknown MBC type, falling back to no banking", "cart_type", fmt.Sprintf("0x%02X", cart.cartType))
		mmu.mbc = NewNoMBC(cart.data)
	}

	if cart.hasBattery && cart.savePath != "" {
		if data, err := loadSaveData(cart.savePath); err == nil {
			mmu.mbc.LoadData(data)
		}
	}

	return mmu
}

func initRegionMap(m *MMU) {
	// ROM: 0x0000-0x7FFF
	for i := 0x00; i <= 0x7F; i++ {
		m.regionMap[i] = regionROM
	}
	// VRAM: 0x8000-0x9FFF
	for i := 0x80; i <= 0x9F; i++ {
		m.regionMap[i] = regionVRAM
	}
	// External RAM: 0xA000-0xBFFF
	for i := 0xA0; i <= 0xBF; i++ {
		m.regionMap[i] = regionExtRAM
	}
	// Work RAM: 0xC000-0xDFFF
	for i := 0xC0; i <= 0xDF; i++ {
		m.regionMap[i] = regionWRAM
	}
	// Echo RAM: 0xE000-0xFDFF
	for i := 0xE0; i <= 0xFD; i++ {
		m.regionMap[i] = regionEcho
	}
	// OAM: 0xFE00-0xFE9F, Unused: 0xFEA0-0xFEFF
	m.regionMap[0xFE] = regionOAM
	// IO + HRAM: 0xFF00-0xFFFF
	m.regionMap[0xFF] = regionIO
}

// RequestInterrupt sets the interrupt flag (IF register) of the chosen interrupt to 1.
func (m *MMU) RequestInterrupt(interrupt addr.Interrupt) {
	interruptFlags := m.Read(addr.IF)

	var bitPos uint8
	switch interrupt {
	case addr.VBlankInterrupt:
		bitPos = 0
	case addr.LCDSTATInterrupt:
		bitPos = 1
	case addr.TimerInterrupt:
		bitPos = 2
	case addr.SerialInterrupt:
		bitPos = 3
	case addr.JoypadInterrupt:
		bitPos = 4
	default:
		panic(fmt.Sprintf("Unknown interrupt: 0x%02X", uint8(interrupt)))
	}

	newFlags := bit.Set(bitPos, interruptFlags)

	m.Write(addr.IF, newFlags)
}

func (m *MMU) ReadBit(index uint8, address uint16) bool {
	return bit.IsSet(index, m.Read(address))
}

func (m *MMU) SetBit(index uint8, address uint16, set bool) {
	value := m.Read(address)
	if set {
		value = bit.Set(index, value)
	} else {
		value = bit.Reset(index, value)
	}
	m.Write(address, value)
}

func (m *MMU) Read(address uint16) byte {
	if m.bootROMEnabled && address < uint16(len(m.bootROM)) {
		return m.bootROM[address]
	}

	switch m.regionMap[address>>8] {
	case regionROM, regionExtRAM:
		if m.mbc == nil {
			slog.Warn("Reading from ROM/external RAM with no cartridge", "addr", fmt.Sprintf("0x%04X", address))
			return 0xFF
		}
		return m.mbc.Read(address)
	case regionVRAM:
		if m.cgbMode && m.vramBank == 1 {
			return m.vramBank1[address-0x8000]
		}
		return m.memory[address]
	case regionWRAM:
		if bank := m.effectiveWRAMBank(); m.cgbMode && address >= 0xD000 && bank > 1 {
			return m.wramExtra[bank-2][address-0xD000]
		}
		return m.memory[address]
	case regionEcho:
		if address <= 0xFDFF {
			return m.memory[address-0x2000]
		}
		return m.memory[address-0x2000]
	case regionOAM:
		if address <= 0xFE9F {
			return m.memory[address]
		}
		// Unusable area 0xFEA0-0xFEFF always reads back as 0xFF.
		return 0xFF
	case regionIO:
		if address == addr.SB || address == addr.SC {
			return m.serial.Read(address)
		}
		if address == addr.DIV || address == addr.TIMA || address == addr.TMA || address == addr.TAC {
			return m.timer.Read(address)
		}
		if address >= 0xFF10 && address <= 0xFF3F {
			return m.APU.ReadRegister(address)
		}
		// Just in case, we always read the upper 3 bits of IF as 1.
		// They're not used, but have caused me some headaches when checking for
		// when the halt bug triggers (IF != 0).
		if address == addr.IF {
			return m.memory[address] | 0xE0
		}
		if address == addr.KEY1 {
			return m.key1 | 0x7E
		}
		if address == addr.VBK {
			return m.vramBank | 0xFE
		}
		if address == addr.SVBK {
			return m.wramBank | 0xF8
		}
		if address == addr.BOOT {
			return 0xFF
		}
		if address == addr.BGPI {
			return m.bgpIndex | 0x40
		}
		if address == addr.BGPD {
			return m.bgPalette[m.bgpIndex&0x3F]
		}
		if address == addr.OBPI {
			return m.objpIndex | 0x40
		}
		if address == addr.OBPD {
			return m.objPalette[m.objpIndex&0x3F]
		}
		if m.cgbMode && address == addr.HDMA5 {
			return m.vramDMA.Status()
		}
		if address >= 0xFF80 {
			// HRAM
			return m.memory[address]
		}
		// Other IO registers
		return m.memory[address]
	default:
		panic(fmt.Sprintf("Attempted read at unmapped address: 0x%X", address))
	}
}

// effectiveWRAMBank returns the WRAM bank actually mapped at 0xD000-0xDFFF:
// SVBK value 0 aliases to bank 1, matching real hardware.
func (m *MMU) effectiveWRAMBank() uint8 {
	bank := m.wramBank & 0x07
	if bank == 0 {
		return 1
	}
	return bank
}

func (m *MMU) Write(address uint16, value byte) {
	switch m.regionMap[address>>8] {
	case regionROM:
		if m.mbc == nil {
			slog.Warn("Writing to ROM with no cartridge", "addr", fmt.Sprintf("0x%04X", address), "value", fmt.Sprintf("0x%02X", value))
			return
		}
		m.mbc.Write(address, value)
	case regionVRAM:
		if m.cgbMode && m.vramBank == 1 {
			m.vramBank1[address-0x8000] = value
			return
		}
		m.memory[address] = value
	case regionExtRAM:
		if m.mbc == nil {
			slog.Warn("Writing to external RAM with no cartridge", "addr", fmt.Sprintf("0x%04X", address), "value", fmt.Sprintf("0x%02X", value))
			return
		}
		m.mbc.Write(address, value)
	case regionWRAM:
		if bank := m.effectiveWRAMBank(); m.cgbMode && address >= 0xD000 && bank > 1 {
			m.wramExtra[bank-2][address-0xD000] = value
			return
		}
		m.memory[address] = value
	case regionEcho:
		if address <= 0xFDFF {
			m.memory[address-0x2000] = value
		}
	case regionOAM:
		if address <= 0xFE9F {
			m.memory[address] = value
		}
		// Writes to the unusable area 0xFEA0-0xFEFF are ignored.
	case regionIO:
		if address == addr.P1 {
			m.writeJoypad(value)
			return
		}
		if address == addr.SB || address == addr.SC {
			m.serial.Write(address, value)
			return
		}
		if address == addr.DIV || address == addr.TIMA || address == addr.TMA || address == addr.TAC {
			m.timer.Write(address, value)
			return
		}
		if address >= 0xFF10 && address <= 0xFF3F {
			m.APU.WriteRegister(address, value)
			return
		}
		if address == addr.IF {
			// This goddamn register has its upper 3 bits always set as 1...
			// Beware if you're trying to match halt bug behavior.
			m.memory[address] = value | 0xE0
			return
		}
		if address == addr.DMA {
			m.oamDMA.Start(value)
			m.memory[address] = value
			return
		}
		if m.cgbMode {
			switch address {
			case addr.HDMA1:
				m.vramDMA.WriteSrcHigh(value)
				return
			case addr.HDMA2:
				m.vramDMA.WriteSrcLow(value)
				return
			case addr.HDMA3:
				m.vramDMA.WriteDstHigh(value)
				return
			case addr.HDMA4:
				m.vramDMA.WriteDstLow(value)
				return
			case addr.HDMA5:
				if m.vramDMA.WriteControl(value) {
					m.vramDMA.RunGeneral(m.rawRead, m.rawVRAMWrite)
				}
				return
			}
		}
		if address == addr.KEY1 {
			m.key1 = value
			return
		}
		if address == addr.VBK {
			if m.cgbMode {
				m.vramBank = value & 0x01
			}
			return
		}
		if address == addr.SVBK {
			if m.cgbMode {
				m.wramBank = value & 0x07
			}
			return
		}
		if address == addr.BOOT {
			if value != 0 {
				m.bootROMEnabled = false
			}
			return
		}
		if address == addr.BGPI {
			m.bgpIndex = value & 0xBF
			return
		}
		if address == addr.BGPD {
			m.bgPalette[m.bgpIndex&0x3F] = value
			if m.bgpIndex&0x80 != 0 {
				m.bgpIndex = (m.bgpIndex & 0x80) | ((m.bgpIndex + 1) & 0x3F)
			}
			return
		}
		if address == addr.OBPI {
			m.objpIndex = value & 0xBF
			return
		}
		if address == addr.OBPD {
			m.objPalette[m.objpIndex&0x3F] = value
			if m.objpIndex&0x80 != 0 {
				m.objpIndex = (m.objpIndex & 0x80) | ((m.objpIndex + 1) & 0x3F)
			}
			return
		}
		if address >= 0xFF80 {
			// HRAM
			m.memory[address] = value
			return
		}
		// Other IO registers
		m.memory[address] = value
	default:
		panic(fmt.Sprintf("Attempted write at unmapped address: 0x%X", address))
	}
}

// updateJoypadRegister sets the joypad register (P1) according to selection bits
// and hardware (buttons) status.
//
// In real hw, this register is actually just a selector (bits 4-5) that control
// to which set of buttons the low bits (0-3) are mapped to.
//
// The mapping:
//   - if bit 4 is clear, bits 0-3 are mapped to the 4 d-pad directions
//   - if bit 5 is clear, bits 0-3 are mapped to A, B, Start, Select
//   - if both are clear, hw does an AND of both button sets
//   - if neither is clear, return 0x0F (high impedence state)
//
// This function is called whenever:
//   - there is a write to the P1 register (only set bits 4-5)
//   - a button is pressed or released (tracked separately)
//
// Note that 1 -> button released, 0 -> button pressed.
// Bits 6-7 are unused, they always read as 1 on real hardware.
func (m *MMU) updateJoypadRegister() {
	p1 := m.memory[addr.P1]
	result := uint8(0b11000000) // Bits 6-7 are always read as 1
	result |= p1 & 0b00110000   // Keep selection bits 4-5

	// A button group is selected if the corresponding bit is 0
	selectDpad := !bit.IsSet(4, p1)
	selectButtons := !bit.IsSet(5, p1)

	switch {
	case selectButtons && !selectDpad:
		result |= m.joypadButtons & 0x0F
	case selectDpad && !selectButtons:
		result |= m.joypadDpad & 0x0F
	case selectButtons && selectDpad:
		result |= m.joypadButtons & m.joypadDpad & 0x0F
	default:
		// no selection
		result |= 0x0F
	}

	m.memory[addr.P1] = result
}

func (m *MMU) writeJoypad(value uint8) {
	// Only bits 4-5 are writable (selection bits)
	m.memory[addr.P1] = value & 0b00110000
	m.updateJoypadRegister()
}

func (m *MMU) HandleKeyPress(key JoypadKey) {
	oldButtons := m.joypadButtons
	oldDpad := m.joypadDpad

	switch key {
	case JoypadRight:
		m.joypadDpad = bit.Reset(0, m.joypadDpad)
	case JoypadLeft:
		m.joypadDpad = bit.Reset(1, m.joypadDpad)
	case JoypadUp:
		m.joypadDpad = bit.Reset(2, m.joypadDpad)
	case JoypadDown:
		m.joypadDpad = bit.Reset(3, m.joypadDpad)
	case JoypadA:
		m.joypadButtons = bit.Reset(0, m.joypadButtons)
	case JoypadB:
		m.joypadButtons = bit.Reset(1, m.joypadButtons)
	case JoypadSelect:
		m.joypadButtons = bit.Reset(2, m.joypadButtons)
	case JoypadStart:
		m.joypadButtons = bit.Reset(3, m.joypadButtons)
	}

	buttonTransitions := oldButtons & ^m.joypadButtons
	dpadTransitions := oldDpad & ^m.joypadDpad
	if buttonTransitions|dpadTransitions != 0 {
		m.RequestInterrupt(addr.JoypadInterrupt)
	}

	m.updateJoypadRegister()
}

func (m *MMU) HandleKeyRelease(key JoypadKey) {
	switch key {
	case JoypadRight:
		m.joypadDpad = bit.Set(0, m.joypadDpad)
	case JoypadLeft:
		m.joypadDpad = bit.Set(1, m.joypadDpad)
	case JoypadUp:
		m.joypadDpad = bit.Set(2, m.joypadDpad)
	case JoypadDown:
		m.joypadDpad = bit.Set(3, m.joypadDpad)
	case JoypadA:
		m.joypadButtons = bit.Set(0, m.joypadButtons)
	case JoypadB:
		m.joypadButtons = bit.Set(1, m.joypadButtons)
	case JoypadSelect:
		m.joypadButtons = bit.Set(2, m.joypadButtons)
	case JoypadStart:
		m.joypadButtons = bit.Set(3, m.joypadButtons)
	}

	m.updateJoypadRegister()
}
