package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/chazu/tickvm/host"
	"github.com/chazu/tickvm/manifest"
	"github.com/chazu/tickvm/savestore"
	"github.com/chazu/tickvm/vm"
)

// handleRunCommand processes the `tickvm run` subcommand.
// Usage:
//
//	tickvm run                     # run the manifest entry until it exits
//	tickvm run -frames 100 door    # stop after 100 frames
//	tickvm run -restore auto -save auto
//	tickvm run -autosave 30s       # save to the manifest slot every 30s
func handleRunCommand(args []string, m *manifest.Manifest, verbose bool) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	frames := fs.Int("frames", 0, "Stop after this many frames (0 runs until every program exits)")
	fps := fs.Int("fps", 60, "Frames per second")
	restore := fs.String("restore", "", "Restore exported variables from this save slot before starting")
	save := fs.String("save", "", "Save exported variables to this slot on exit")
	autosave := fs.Duration("autosave", 0, "Also save to the -save slot at this interval while running")
	dumpVars := fs.Bool("vars", false, "Print exported variables on exit")
	fs.Parse(args)
	if *autosave > 0 && *save == "" {
		*save = m.Save.Slot
	}

	r := manifest.NewResolver(m)
	var script manifest.ResolvedScript
	var err error
	if fs.NArg() > 0 {
		script, err = r.Lookup(fs.Arg(0))
	} else {
		script, err = r.Entry()
	}
	if err != nil {
		return err
	}

	machine := vm.NewVM(m.VMOptions())
	defer machine.Shutdown()

	var store *savestore.Store
	if *restore != "" || *save != "" {
		if store, err = savestore.Open(m.DatabasePath()); err != nil {
			return err
		}
		defer store.Close()
	}
	if *restore != "" {
		snap, err := store.RestoreVM(*restore, machine)
		if err != nil {
			return err
		}
		if verbose {
			fmt.Printf("Restored %d variables from %s (%s)\n", len(snap.Variables), *restore, snap.ID)
		}
	}

	p, err := machine.Load(script.Path)
	if err != nil {
		return err
	}
	machine.Register(p)
	machine.OnPurge(func(p *vm.Program) {
		if err := p.Err(); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", p.Name(), err)
		}
	})
	if verbose {
		fmt.Printf("Running %s\n", script.Path)
	}

	worker, err := host.NewWorker(machine, *fps)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if *autosave > 0 {
		go autosaveLoop(ctx, worker, store, *save, *autosave, verbose)
	}
	n, err := worker.Run(ctx, *frames)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if verbose {
		fmt.Printf("Ran %d frames, %d programs live\n", n, len(machine.Programs()))
	}

	if *save != "" {
		snap, err := store.SaveVM(*save, machine)
		if err != nil {
			return err
		}
		if verbose {
			fmt.Printf("Saved %d variables to %s (%s)\n", len(snap.Variables), *save, snap.ID)
		}
	}
	if *dumpVars {
		printVariables(machine.ExportedVariables())
	}
	return nil
}

// autosaveLoop saves the exported variables to slot every interval while
// the worker runs.
func autosaveLoop(ctx context.Context, worker *host.Worker, store *savestore.Store, slot string, interval time.Duration, verbose bool) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		v, err := worker.Do(ctx, func(machine *vm.VM) any {
			snap, err := store.SaveVM(slot, machine)
			if err != nil {
				return err
			}
			return snap
		})
		if errors.Is(err, host.ErrStopped) || ctx.Err() != nil {
			return
		}
		if err == nil {
			err, _ = v.(error)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "autosave: %v\n", err)
		} else if verbose {
			fmt.Printf("Autosaved to %s\n", slot)
		}
	}
}

func printVariables(vars []vm.Variable) {
	for _, v := range vars {
		fmt.Printf("%-31s %-16s %v\n", v.Name, v.Owner, v.Value)
	}
}
