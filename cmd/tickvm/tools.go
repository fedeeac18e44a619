package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/chazu/tickvm/asm"
	"github.com/chazu/tickvm/lsp"
	"github.com/chazu/tickvm/manifest"
	"github.com/chazu/tickvm/vm"
)

// handleAsmCommand assembles a Starlark assembly script. The image is
// written next to the source with the manifest's script extension unless
// -o is given.
func handleAsmCommand(args []string, m *manifest.Manifest, verbose bool) {
	fs := flag.NewFlagSet("asm", flag.ExitOnError)
	output := fs.String("o", "", "Output image path")
	fs.Parse(args)
	if fs.NArg() != 1 {
		fatalf("asm requires exactly one source file")
	}

	src := fs.Arg(0)
	image, err := asm.AssembleFile(src)
	if err != nil {
		fatalf("%v", err)
	}
	out := *output
	if out == "" {
		out = strings.TrimSuffix(src, filepath.Ext(src)) + m.Scripts.Extension
	}
	if err := os.WriteFile(out, image, 0644); err != nil {
		fatalf("%v", err)
	}
	if verbose {
		fmt.Printf("Wrote %s (%d bytes)\n", out, len(image))
	}
}

// handleDisasmCommand prints the procedures and code of an image. The
// argument is a script name or a path.
func handleDisasmCommand(args []string, m *manifest.Manifest) {
	if len(args) != 1 {
		fatalf("disasm requires exactly one script")
	}
	path := args[0]
	if _, err := os.Stat(path); err != nil {
		path = manifest.NewResolver(m).Resolve(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		fatalf("%v", err)
	}
	im, err := vm.ParseImage(data)
	if err != nil {
		fatalf("%s: %v", path, err)
	}
	fmt.Print(vm.Disassemble(im))
}

func handleScriptsCommand(m *manifest.Manifest) {
	scripts, err := manifest.NewResolver(m).Scripts()
	if err != nil {
		fatalf("%v", err)
	}
	for _, s := range scripts {
		marker := " "
		if s.Name == m.Scripts.Entry {
			marker = "*"
		}
		fmt.Printf("%s %-24s %s\n", marker, s.Name, s.Path)
	}
}

// handleLSPCommand serves the assembly language server on stdio.
func handleLSPCommand() {
	if err := lsp.New(version).RunStdio(); err != nil {
		fatalf("%v", err)
	}
}
