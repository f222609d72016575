package sys

import (
	"log"

	"distkernel/defs"
	"distkernel/label"
	"distkernel/net"
	"distkernel/proc"
	"distkernel/util"
	"distkernel/vm"
)

// Args carries a syscall's operand registers (EDX/EBX/ECX/ESI/EDI in the
// original's convention, collapsed into named fields): which child (or,
// for a remote PUT/a RET-with-message-id, which mid and node) the
// operation targets, the local/child memory range, and the label tag
// LABEL reads or sets.
type Args struct {
	Child   int    // child index into p.Child, for a local PUT/GET
	Mid     uint64 // message id, for a remote PUT (SEND shape) or RET-as-recv
	Node    int    // peer node, when Mid names a remote process
	LocalVA uintptr
	ChildVA uintptr
	Size    uintptr
	Tag     label.Tag // LABEL's set-value; unused on a read
	SetTag  bool      // LABEL: true to promote, false to just read
	Clear   bool      // LABEL: operate on clearance rather than label
}

// maxCputs bounds a single CPUTS debug string, mirroring CPUTS_MAX's role
// in the original (a runaway length cannot hang the call reading it).
const maxCputs = 4096

// Syscall decodes cmd and dispatches it against p, the calling process.
// cpu schedules children PUT starts and RET wakeups; n carries labelled
// sends (remote PUT) and receives (RET with a message id). Grounded on
// original_source/kern/proc.c's syscall entry switch, translated from a
// register-file trap frame into an explicit Args value.
func Syscall(cpu *proc.Cpu_t, n *net.Net_t, p *proc.Pcb_t, cmd uint32, args Args) defs.Err_t {
	c := Cmd(cmd)
	switch c.Op() {
	case OpCputs:
		return sysCputs(p, args)
	case OpPut:
		return sysPut(cpu, n, p, c, args)
	case OpGet:
		return sysGet(p, c, args)
	case OpRet:
		return sysRet(cpu, n, p, args)
	case OpLabel:
		return sysLabel(p, args)
	case OpMid:
		return sysMid(p, args)
	default:
		return 0 // invalid command: silently ignored
	}
}

// sysCputs reads a debug string out of the caller's own address space and
// logs it, the Go stand-in for cons_putc's character-at-a-time write.
func sysCputs(p *proc.Pcb_t, args Args) defs.Err_t {
	buf := make([]byte, util.Min(args.Size, uintptr(maxCputs)))
	if err := p.Pml4.CopyOut(args.LocalVA, buf); err != 0 {
		return 0 // invalid argument: no-op, not fatal
	}
	log.Printf("cputs: %s", buf)
	return 0
}

// sysPut pushes register/memory state into a child and optionally starts
// it, or -- when Remote() -- posts a labelled cross-node send. The
// payload itself is not read here: LocalVA/ChildVA/Size only describe
// the address window (source VA in the caller's own space, destination
// VA in the receiver's), and the bytes move later, lazily, once a
// receiver actually pulls them.
// Grounded on original_source/kern/proc.c's sys_put.
func sysPut(cpu *proc.Cpu_t, n *net.Net_t, p *proc.Pcb_t, c Cmd, args Args) defs.Err_t {
	if c.Remote() {
		return n.Send(p, args.Mid, args.Node, args.LocalVA, args.ChildVA, args.Size)
	}

	child := childOf(p, args.Child)
	if child == nil {
		return 0 // invalid child index: no-op
	}

	if c.Regs() {
		child.Sv = p.Sv
	}

	switch c.MemOp() {
	case MemZero:
		if err := child.Pml4.Setperm(args.ChildVA, args.Size, c.NominalPerm()); err != 0 {
			return err
		}
	case MemCopy:
		buf := make([]byte, args.Size)
		if err := p.Pml4.CopyOut(args.LocalVA, buf); err != 0 {
			return 0
		}
		if err := child.Pml4.CopyIn(args.ChildVA, buf); err != 0 {
			return err
		}
	}
	if c.Snap() {
		ref, err := child.Pml4.Snapshot(args.ChildVA, args.Size)
		if err != 0 {
			return err
		}
		child.Rpml4 = ref
	}
	if c.SetPerm() {
		if err := child.Pml4.Setperm(args.ChildVA, args.Size, c.NominalPerm()); err != 0 {
			return err
		}
	}
	if c.Start() {
		proc.ProcReady(cpu, child)
	}
	return 0
}

// sysGet pulls register/memory state out of a child, back into the
// caller's own address space. MemMerge runs the three-way diff against
// the child's last PUT-side snapshot (Rpml4), unmapping conflicting pages
// in the caller rather than failing the call. A GET whose memory operation
// is neither copy nor merge (whatever its regs/perm bits) pulls the
// child's accounting snapshot (ticks, migrations, pulls, send bytes) the same way LABEL/MID
// surface read-only state: logged, since this model has no caller-facing
// return channel of its own.
// Grounded on original_source/kern/proc.c's sys_get.
func sysGet(p *proc.Pcb_t, c Cmd, args Args) defs.Err_t {
	child := childOf(p, args.Child)
	if child == nil {
		return 0
	}

	if c.Regs() {
		p.Sv = child.Sv
	}

	switch c.MemOp() {
	case MemCopy:
		buf := make([]byte, args.Size)
		if err := child.Pml4.CopyOut(args.ChildVA, buf); err != 0 {
			return 0
		}
		if err := p.Pml4.CopyIn(args.LocalVA, buf); err != 0 {
			return err
		}
	case MemMerge:
		if child.Rpml4 == nil {
			return 0 // no snapshot taken yet: nothing to diff against
		}
		if _, err := vm.Merge(child.Rpml4, child.Pml4, args.ChildVA, p.Pml4, args.LocalVA, args.Size); err != 0 {
			return err
		}
	default:
		snap := child.Accnt.Fetch()
		log.Printf("accnt: child=%d ticks=%d migrouts=%d migrins=%d pulls=%d sendbytes=%d",
			args.Child, snap.Ticks, snap.Migrouts, snap.Migrins, snap.Pulls, snap.Sendbytes)
	}
	if c.SetPerm() {
		if err := p.Pml4.Setperm(args.LocalVA, args.Size, c.NominalPerm()); err != 0 {
			return err
		}
	}
	return 0
}

// sysRet returns p to its parent, or -- when args.Mid is non-zero --
// blocks p on a labelled receive instead (RET's "receive-wake" shape).
// Grounded on original_source/kern/proc.c's sys_ret and inc/sys/syscall.h's
// sys_recv (SYS_RET with a message id in EDX).
func sysRet(cpu *proc.Cpu_t, n *net.Net_t, p *proc.Pcb_t, args Args) defs.Err_t {
	if args.Mid != 0 {
		return n.Recv(p, args.Mid, args.Node)
	}
	proc.ProcRet(cpu, p)
	return 0
}

// sysLabel reads or promotes the caller's own label or clearance.
// Grounded on sys_print_label/sys_set_label in inc/sys/syscall.h; this
// model has no caller-facing return channel for a read beyond the log
// line CPUTS already uses, so a read is reported the same way.
func sysLabel(p *proc.Pcb_t, args Args) defs.Err_t {
	if !args.SetTag {
		if args.Clear {
			log.Printf("label: clearance=%#x", p.Lbl.Clearance())
		} else {
			log.Printf("label: label=%#x", p.Lbl.Label())
		}
		return 0
	}
	if args.Clear {
		proc.ProcSetClearance(p, args.Tag)
	} else {
		proc.ProcSetLabel(p, args.Tag)
	}
	return 0
}

// sysMid surfaces the caller's own cluster-wide message id. Registration
// and unregistration happen automatically at ProcAlloc/ProcRet (ids are
// minted, never chosen by a caller), so this call is read-only rather than
// the original's explicit register/unregister pair.
func sysMid(p *proc.Pcb_t, args Args) defs.Err_t {
	log.Printf("mid: %d", proc.MidOf(p))
	return 0
}

func childOf(p *proc.Pcb_t, idx int) *proc.Pcb_t {
	if idx < 0 || idx >= len(p.Child) {
		return nil
	}
	return p.Child[idx]
}
