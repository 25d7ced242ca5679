package kfmt

import (
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/cpu"
)

var (
	// cpuHaltFn is mocked by tests.
	cpuHaltFn = cpu.Halt

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Diagnoser is implemented by structures that can dump their internal state
// when an invariant violation is detected.
type Diagnoser interface {
	Dump(p *PrefixWriter)
}

// Panic outputs the supplied error (if not nil) to the console and halts the
// CPU. Calls to Panic never return. Any Diagnoser arguments get their state
// dumped between the error and the halt banner.
func Panic(e interface{}, diag ...Diagnoser) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t}
	case error:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t.Error()}
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	if len(diag) != 0 {
		pw := &PrefixWriter{Sink: GetOutputSink(), Prefix: []byte("  | ")}
		for _, d := range diag {
			d.Dump(pw)
		}
		Printf("\n")
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	cpuHaltFn()
}
