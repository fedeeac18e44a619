package main

import (
	"errors"
	"fmt"

	"github.com/chazu/tickvm/manifest"
	"github.com/chazu/tickvm/savestore"
	"github.com/chazu/tickvm/vm"
)

// handleSavesCommand lists the save slots, or deletes one with
// `tickvm saves delete <slot>`.
func handleSavesCommand(args []string, m *manifest.Manifest) error {
	if len(args) > 0 && (args[0] != "delete" || len(args) != 2) {
		return errors.New("usage: tickvm saves [delete <slot>]")
	}
	store, err := savestore.Open(m.DatabasePath())
	if err != nil {
		return err
	}
	defer store.Close()

	if len(args) > 0 {
		return store.Delete(args[1])
	}

	entries, err := store.List()
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%-16s %s  %3d vars  %s\n", e.Slot, e.Taken.Local().Format("2006-01-02 15:04:05"), e.Variables, e.ID)
	}
	return nil
}

// handleVarsCommand prints the variables of a save slot by restoring it
// into a scratch VM. The default slot comes from the manifest.
func handleVarsCommand(args []string, m *manifest.Manifest) error {
	slot := m.Save.Slot
	if len(args) > 0 {
		slot = args[0]
	}
	store, err := savestore.Open(m.DatabasePath())
	if err != nil {
		return err
	}
	defer store.Close()

	scratch := vm.NewVM(vm.DefaultOptions())
	defer scratch.Shutdown()
	if _, err := store.RestoreVM(slot, scratch); err != nil {
		return err
	}
	printVariables(scratch.ExportedVariables())
	return nil
}
