package jeebie

import (
	"github.com/valerio/gbcore/jeebie/backend"
	"github.com/valerio/gbcore/jeebie/input/action"
	"github.com/valerio/gbcore/jeebie/input/event"
)

// Run drives emu against b until the backend signals EmulatorQuit: each
// iteration steps one frame, hands the result to the backend, and feeds any
// input events the backend collected back into the emulator. Battery-backed
// SRAM, if any, is persisted once the loop exits.
func Run(emu Emulator, b backend.Backend, config backend.BackendConfig) (err error) {
	if err := b.Init(config); err != nil {
		return err
	}
	defer b.Cleanup()
	defer recoverCrash(emu, &err)

	for {
		if err := emu.RunUntilFrame(); err != nil {
			return err
		}

		events, err := b.Update(emu.GetCurrentFrame())
		if err != nil {
			return err
		}

		quit := false
		for _, evt := range events {
			if evt.Action == action.EmulatorQuit {
				quit = true
				continue
			}
			emu.HandleAction(evt.Action, evt.Type == event.Press || evt.Type == event.Hold)
		}

		if quit {
			if dmg, ok := emu.(*DMG); ok {
				return dmg.Persist()
			}
			return nil
		}
	}
}
