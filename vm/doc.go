// Package vm implements the tickvm scripting runtime.
//
// This package contains:
//   - Tagged 32-bit values and per-program refcounted string heaps
//   - Compiled image parsing, building and disassembly
//   - The stack-machine dispatch loop and its opcode handlers
//   - Processes: synchronous children, spawned and forked programs
//   - Exported procedure and variable registries
//   - The tick scheduler with timed and conditional procedures
//   - The named-event bus and key handler hooks
//   - Exported-variable snapshots in canonical CBOR
package vm
