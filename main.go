package main

/*
	Command-line front end: load one compiled bytecode file, spawn its
	"main" function, run the VM to quiescence and print the kind of the root
	process's exit reason (e.g. "Number"); the reason's payload is not
	printed.
*/

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	vm "ionvm/vm"
)

var (
	debugFlag     = flag.Bool("debug", false, "enable scheduler decision logging")
	timesliceFlag = flag.Uint("timeslice", vm.DefaultTimeslice, "reductions granted per scheduler pass")
	configFlag    = flag.String("config", "", "optional TOML config file (overrides -debug/-timeslice)")
	dumpFlag      = flag.Bool("dump", false, "print a debug snapshot of the root process before exiting")
)

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) != 1 {
		fmt.Println("Usage: ionvm [-debug] [-timeslice N] [-config file.toml] <program.ionbc>")
		os.Exit(1)
	}

	cfg := vm.DefaultConfig()
	if *configFlag != "" {
		loaded, err := vm.LoadConfigFile(*configFlag)
		if err != nil {
			fmt.Println("could not load config:", err)
			os.Exit(1)
		}
		cfg = loaded
	} else {
		cfg.Debug = *debugFlag
		cfg.Timeslice = uint32(*timesliceFlag)
	}

	fns, err := loadProgram(args[0])
	if err != nil {
		fmt.Println("could not load program:", err)
		os.Exit(1)
	}

	entry := findEntryPoint(fns)
	if entry == nil {
		fmt.Println("no function named \"main\" in", args[0])
		os.Exit(1)
	}

	machine := vm.NewVM(nil, vm.WithDebug(cfg.Debug), vm.WithTimeslice(cfg.Timeslice))
	root, err := machine.Spawn(entry, nil)
	if err != nil {
		fmt.Println("could not spawn root process:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	machine.Run(ctx)

	if *dumpFlag {
		if snap, ok := machine.Dump(root.Pid); ok {
			fmt.Println(snap)
		}
	}

	fmt.Printf("pid %d exited: %s\n", root.Pid, describe(root))
}

func describe(p *vm.Process) string {
	if p.Status() != vm.StatusExited {
		return fmt.Sprintf("<did not quiesce, status=%s>", p.Status())
	}
	return p.ExitReason.Kind.String()
}

// loadProgram reads and decodes a single IONBC container, resolving
// Function-literal references within it via a two-pass fixup: every
// resolver call first returns (and remembers) an empty placeholder, then a
// second pass copies the real decoded function's fields into any
// placeholder of the same name. This lets a program's functions reference
// each other regardless of declaration order, at the cost of silently
// producing a no-op 0-arity function for a name that never turns up among
// the decoded set (a malformed-reference program, not this loader's job to
// diagnose further).
func loadProgram(path string) ([]*vm.Function, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	placeholders := map[string]*vm.Function{}
	resolver := func(name string) *vm.Function {
		if fn, ok := placeholders[name]; ok {
			return fn
		}
		fn := &vm.Function{}
		placeholders[name] = fn
		return fn
	}

	fns, err := vm.DecodeProgram(raw, resolver)
	if err != nil {
		return nil, err
	}
	for _, fn := range fns {
		if !fn.HasName {
			continue
		}
		if ph, ok := placeholders[fn.Name]; ok && ph != fn {
			*ph = *fn
		}
	}
	return fns, nil
}

func findEntryPoint(fns []*vm.Function) *vm.Function {
	for _, fn := range fns {
		if fn.HasName && fn.Name == "main" {
			return fn
		}
	}
	return nil
}
