package memory

import (
	"os"
	"path/filepath"
	"strings"
)

// SavePathForROM derives the sidecar SRAM file path for a ROM file: same
// directory and base name, extension replaced with ".gbsave" per spec §6.
func SavePathForROM(romPath string) string {
	ext := filepath.Ext(romPath)
	base := strings.TrimSuffix(romPath, ext)
	return base + ".gbsave"
}

func loadSaveData(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// Persist writes the cartridge's battery-backed RAM (if any) to its sidecar
// save file. It's a no-op for cartridges without a battery or without a
// configured save path.
func (m *MMU) Persist() error {
	if m.mbc == nil || m.cart == nil || m.cart.savePath == "" {
		return nil
	}

	data, hasBattery := m.mbc.SaveData()
	if !hasBattery || len(data) == 0 {
		return nil
	}

	return os.WriteFile(m.cart.savePath, data, 0o644)
}

// SetSavePath configures the sidecar file battery-backed SRAM is loaded
// from and persisted to.
func (c *Cartridge) SetSavePath(path string) {
	c.savePath = path
}
