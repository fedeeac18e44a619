// tickvm CLI - runs compiled scripts on the tick-scheduled virtual machine
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/tickvm/manifest"
)

const version = "0.1.0"

func main() {
	verbose := flag.Bool("v", false, "Verbose output")
	debug := flag.Bool("debug", false, "Log VM internals")
	logPath := flag.String("log", "", "Write log output to this file instead of stderr")
	projectDir := flag.String("C", ".", "Project directory (searched upwards for tickvm.toml)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: tickvm [options] <command> [args...]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  run [script]          Run a script (default: the manifest entry)\n")
		fmt.Fprintf(os.Stderr, "  asm <file.star>       Assemble a Starlark assembly script into an image\n")
		fmt.Fprintf(os.Stderr, "  disasm <script>       Disassemble an image\n")
		fmt.Fprintf(os.Stderr, "  scripts               List the images in the script directories\n")
		fmt.Fprintf(os.Stderr, "  saves [delete <slot>] List or delete save slots\n")
		fmt.Fprintf(os.Stderr, "  vars [slot]           Print the variables stored in a save slot\n")
		fmt.Fprintf(os.Stderr, "  lsp                   Serve the assembly language server on stdio\n")
		fmt.Fprintf(os.Stderr, "  version               Print the version\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  tickvm run                      # Run the entry script from tickvm.toml\n")
		fmt.Fprintf(os.Stderr, "  tickvm run -frames 600 door     # Run scripts/door.int for 600 frames\n")
		fmt.Fprintf(os.Stderr, "  tickvm run -restore slot1       # Restore variables from slot1 first\n")
		fmt.Fprintf(os.Stderr, "  tickvm asm door.star            # Writes door.int next to door.star\n")
	}
	flag.Parse()

	verbosity := 0
	if *verbose {
		verbosity = 1
	}
	if *debug {
		verbosity = 2
	}
	if *logPath != "" {
		commonlog.Configure(verbosity, logPath)
	} else {
		commonlog.Configure(verbosity, nil)
	}

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	m, err := loadManifest(*projectDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading manifest: %v\n", err)
		os.Exit(1)
	}
	if *verbose {
		fmt.Printf("Project directory: %s\n", m.Dir)
	}

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	case "run":
		err = handleRunCommand(args, m, *verbose)
	case "asm":
		handleAsmCommand(args, m, *verbose)
	case "disasm":
		handleDisasmCommand(args, m)
	case "scripts":
		handleScriptsCommand(m)
	case "saves":
		err = handleSavesCommand(args, m)
	case "vars":
		err = handleVarsCommand(args, m)
	case "lsp":
		handleLSPCommand()
	case "version":
		fmt.Println("tickvm", version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fatalf("%v", err)
	}
}

// loadManifest finds tickvm.toml at or above dir, falling back to the
// default configuration rooted at dir.
func loadManifest(dir string) (*manifest.Manifest, error) {
	m, err := manifest.FindAndLoad(dir)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return manifest.Default(dir)
	}
	return m, nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
