// Package sys decodes and dispatches the distributed process model's
// single system-call gate: a 32-bit command word whose low four bits pick
// a basic operation (CPUTS/PUT/GET/RET/LABEL/MID) and
// whose higher bits are flags selecting register/FPU transfer, a memory
// operation, permissions, and start/remote behavior. Grounded on
// original_source/inc/sys/.../syscall.h's SYS_* bit layout, reinterpreted
// over this tree's vm/proc/net/label/file packages instead of a real trap
// gate and user address space.
package sys

import "distkernel/mem"

// Cmd is one decoded command word.
type Cmd uint32

const opMask Cmd = 0xf

const (
	OpCputs Cmd = 0
	OpPut   Cmd = 1
	OpGet   Cmd = 2
	OpRet   Cmd = 3
	OpLabel Cmd = 6
	OpMid   Cmd = 7
)

// Flag bits, grounded verbatim on syscall.h's SYS_START/SYS_REMOTE/
// SYS_REGS/SYS_FPU/SYS_PERM/SYS_READ/SYS_WRITE.
const (
	FlagStart  Cmd = 0x00000010 // PUT: start child running
	FlagRemote Cmd = 0x00000020 // PUT: remote send shape (target is a message id)
	FlagRegs   Cmd = 0x00001000 // transfer register state
	FlagFpu    Cmd = 0x00002000 // transfer FPU state (with FlagRegs)
	FlagPerm   Cmd = 0x00000100 // set memory permissions
	FlagRead   Cmd = 0x00000200 // permission bit: sys-read
	FlagWrite  Cmd = 0x00000400 // permission bit: sys-write
)

// Memory-operation bits. memOpMask's two bits distinguish fresh-zero,
// virtual-copy, and merge-vs-snapshot; MemSnap is a separate third bit
// (PUT-only: "take a reference snapshot of the child's range now").
const (
	memOpMask Cmd = 0x00030000
	MemZero   Cmd = 0x00010000 // fresh demand-zero mapping
	MemCopy   Cmd = 0x00020000 // virtual (COW) copy
	MemMerge  Cmd = 0x00030000 // GET: three-way diff against the last snapshot
	MemSnap   Cmd = 0x00040000 // PUT: snapshot the child's current state
)

// Op returns the command's basic operation.
func (c Cmd) Op() Cmd { return c & opMask }

func (c Cmd) Start() bool  { return c&FlagStart != 0 }
func (c Cmd) Remote() bool { return c&FlagRemote != 0 }
func (c Cmd) Regs() bool   { return c&FlagRegs != 0 }
func (c Cmd) Fpu() bool    { return c&FlagFpu != 0 }
func (c Cmd) SetPerm() bool { return c&FlagPerm != 0 }
func (c Cmd) Snap() bool   { return c&MemSnap != 0 }

// MemOp returns which of the three memory operations (MemZero, MemCopy,
// MemMerge) this command selects; 0 if none.
func (c Cmd) MemOp() Cmd { return c & memOpMask }

// NominalPerm translates the command's SYS_READ/SYS_WRITE bits into the
// page-map's nominal permission flags (mem.PteSysR/mem.PteSysW).
func (c Cmd) NominalPerm() uint16 {
	var p uint16
	if c&FlagRead != 0 {
		p |= mem.PteSysR
	}
	if c&FlagWrite != 0 {
		p |= mem.PteSysW
	}
	return p
}
