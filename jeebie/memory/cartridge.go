package memory

import "github.com/valerio/gbcore/jeebie/bit"

const titleLength = 11

const (
	entryPointAddress       = 0x100
	logoAddress             = 0x104
	titleAddress            = 0x134
	manufacturerCodeAddress = 0x13F
	cgbFlagAddress          = 0x143
	newLicenseCodeAddress   = 0x144
	sgbFlagAddress          = 0x146
	cartridgeTypeAddress    = 0x147
	romSizeAddress          = 0x148
	ramSizeAddress          = 0x149
	destinationCodeAddress  = 0x14A
	oldLicenseCodeAddress   = 0x14B
	versionNumberAddress    = 0x14C
	headerChecksumAddress   = 0x14D
	globalChecksumAddress   = 0x14E
)

// MBCType identifies which bank-switching variant a cartridge header selects.
// It's a closed set per spec §4.3/§9: a tagged variant, not a vtable hierarchy.
type MBCType int

const (
	NoMBCType MBCType = iota
	MBC1Type
	MBC1MultiType
	MBC2Type
	MBC3Type
	MBC5Type
	MBCUnknownType
)

// CGBSupport describes the CGB-flag byte at 0x0143.
type CGBSupport int

const (
	CGBUnsupported CGBSupport = iota
	CGBEnhanced               // works on both DMG and CGB, with extra CGB features
	CGBOnly
)

type Cartridge struct {
	data           []byte
	title          string
	headerChecksum uint16
	globalChecksum uint16
	version        uint8
	cartType       uint8
	romSize        uint8
	ramSize        uint8

	mbcType      MBCType
	hasBattery   bool
	hasRTC       bool
	hasRumble    bool
	romBankCount uint16
	ramBankCount uint8
	cgbSupport   CGBSupport

	// savePath is the sidecar file battery-backed SRAM is loaded from / persisted to.
	// Empty when the cartridge has no battery or wasn't loaded from a file.
	savePath string
}

// NewCartridge creates an empty cartridge, useful only for debugging purposes.
func NewCartridge() *Cartridge {
	return &Cartridge{
		data:         make([]byte, 0x8000),
		mbcType:      NoMBCType,
		romBankCount: 2,
	}
}

// NewCartridgeWithData initializes a new Cartridge from a slice of bytes.
func NewCartridgeWithData(bytes []byte) *Cartridge {
	titleBytes := bytes[titleAddress : titleAddress+titleLength]

	cart := &Cartridge{
		data:           make([]byte, len(bytes)),
		title:          cleanGameboyTitle(titleBytes),
		headerChecksum: bit.Combine(bytes[headerChecksumAddress], bytes[headerChecksumAddress+1]),
		globalChecksum: bit.Combine(bytes[globalChecksumAddress], bytes[globalChecksumAddress+1]),
		version:        bytes[versionNumberAddress],
		cartType:       bytes[cartridgeTypeAddress],
		romSize:        bytes[romSizeAddress],
		ramSize:        bytes[ramSizeAddress],
	}

	copy(cart.data, bytes)
	cart.parseHeader()

	return cart
}

// parseHeader decodes the cartridge-type, ROM-size and RAM-size header bytes
// into the MBC variant and bank counts the rest of the memory package needs.
func (c *Cartridge) parseHeader() {
	switch c.cartType {
	case 0x00:
		c.mbcType = NoMBCType
	case 0x01:
		c.mbcType = MBC1Type
	case 0x02:
		c.mbcType = MBC1Type
	case 0x03:
		c.mbcType = MBC1Type
		c.hasBattery = true
	case 0x05:
		c.mbcType = MBC2Type
	case 0x06:
		c.mbcType = MBC2Type
		c.hasBattery = true
	case 0x0F:
		c.mbcType = MBC3Type
		c.hasBattery = true
		c.hasRTC = true
	case 0x10:
		c.mbcType = MBC3Type
		c.hasBattery = true
		c.hasRTC = true
	case 0x11:
		c.mbcType = MBC3Type
	case 0x12:
		c.mbcType = MBC3Type
	case 0x13:
		c.mbcType = MBC3Type
		c.hasBattery = true
	case 0x19:
		c.mbcType = MBC5Type
	case 0x1A:
		c.mbcType = MBC5Type
	case 0x1B:
		c.mbcType = MBC5Type
		c.hasBattery = true
	case 0x1C:
		c.mbcType = MBC5Type
		c.hasRumble = true
	case 0x1D:
		c.mbcType = MBC5Type
		c.hasRumble = true
	case 0x1E:
		c.mbcType = MBC5Type
		c.hasRumble = true
		c.hasBattery = true
	default:
		c.mbcType = MBCUnknownType
	}

	// 32KB, shifted left by the size code; 2 banks at code 0.
	c.romBankCount = 2 << c.romSize

	switch c.ramSize {
	case 0x00:
		c.ramBankCount = 0
	case 0x02:
		c.ramBankCount = 1
	case 0x03:
		c.ramBankCount = 4
	case 0x04:
		c.ramBankCount = 16
	case 0x05:
		c.ramBankCount = 8
	default:
		c.ramBankCount = 0
	}

	switch c.data[cgbFlagAddress] {
	case 0x80:
		c.cgbSupport = CGBEnhanced
	case 0xC0:
		c.cgbSupport = CGBOnly
	default:
		c.cgbSupport = CGBUnsupported
	}
}

// ReadByte reads a byte at the specified address. Does not check bounds, so the caller must make sure the
// address is valid for the cartridge.
func (c Cartridge) ReadByte(addr uint16) uint8 {
	return c.data[addr]
}

// WriteByte attempts a write to the specified address. Writing to a cartridge has sense if the cartridge
// has extra RAM or for some special operations, like switching ROM banks.
func (c Cartridge) WriteByte(addr uint16, value uint8) uint8 {
	return c.data[addr]
}
