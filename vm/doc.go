// Package vm implements the Merlin virtual machine.
//
// This package contains:
//   - Fixed-width binary instruction format and program container
//   - Capability-checked linear memory
//   - Direct-dispatch interpreter
//   - Copy-and-patch native compiler over a stencil table, with an
//     ahead-of-time variant producing relocatable artifacts
//   - Task, channel and atomic concurrency runtime shared by both
//     execution engines
package vm
