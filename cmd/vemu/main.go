// Command vemu is a minimal embedder: it loads a flat binary image, wires
// one kernel32 stub through the gateway, and runs it to
// completion, printing the halt reason and final register state.
package main

import (
	"fmt"
	"os"

	"vemu/cpu"
	"vemu/emu"
	"vemu/gateway"
	"vemu/log"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: vemu <image.bin>")
		os.Exit(2)
	}

	image, err := os.ReadFile(os.Args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, "reading image:", err)
		os.Exit(1)
	}

	// hlt holds RIP in place rather than stopping Run on its own, so a bound
	// is needed here to keep a hlt-terminated image from spinning forever.
	e := emu.New(emu.Config{Is64Bits: true, Verbose: 1, SkipUnimplemented: true, ExitPosition: 1_000_000})

	thread := e.Scheduler.Spawn(cpu.New())
	if err := e.LoadProgram(thread, image, 0, 0); err != nil {
		fmt.Fprintln(os.Stderr, "loading image:", err)
		os.Exit(1)
	}

	e.Gateway.BindSymbol(0x7FFE0000, "kernel32", "GetTickCount")
	e.RegisterAPIHandler(&gateway.Function{
		Module: "kernel32", Name: "GetTickCount", Convention: gateway.MicrosoftX64,
		Handle: func(ctx *gateway.HandlerContext) (uint64, error) { return 0, nil },
	})

	reason, err := e.Run()
	if err != nil {
		log.For("vemu").WithError(err).Error("run failed")
		os.Exit(1)
	}
	fmt.Printf("halted: %s\n", reason)
	fmt.Printf("rip=%#x rax=%#x\n", thread.Registers.RIP, thread.Registers.GP64(cpu.RAX))
}
