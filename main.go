//go:build rp2040

// Firmware entry point. Brings the board up with outputs forced off,
// loads the persisted config, then runs the two service loops: control
// on its own goroutine at 100ms, comm here at 10ms. The TinyGo scheduler
// is cooperative, so neither loop may block outside its ticker wait.
package main

import (
	"context"
	"time"

	"brewos-go/config"
	"brewos-go/drivers/rp2040"
	"brewos-go/protocol"
	"brewos-go/services/comm"
	"brewos-go/services/control"
	"brewos-go/store"
	"brewos-go/types"
	"brewos-go/x/timex"
)

const machineType = types.DualBoiler

func main() {
	// Allow USB CDC to enumerate before we print.
	time.Sleep(2 * time.Second)

	board := rp2040.New(rp2040.DefaultPins(), protocol.BaudRate)
	board.AllOff()
	wdReset := board.CausedReset()
	if wdReset {
		println("[main] previous run died to the watchdog")
	}

	storage := rp2040.ConfigStorage{}
	cfg, restored := config.Load(storage, machineType)
	if restored {
		println("[main] config restored from flash")
	} else {
		println("[main] config defaults for", cfg.Machine.String())
	}

	st := store.New(cfg)
	saver := config.NewSaver(storage)

	// Re-check the config block during self test only when it actually
	// booted the machine; a first boot has nothing to verify.
	var selfcheck control.SelfCheck
	if restored {
		selfcheck = func() error { return config.Verify(storage) }
	}
	ctl := control.New(st, board, board, board, cfg, selfcheck, timex.NowMs())
	com := comm.New(st, board.Link(), saver, board, board, machineType, wdReset)

	ctx := context.Background()
	go ctl.Run(ctx)
	com.Run(ctx)
}
